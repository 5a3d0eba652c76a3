package config

import (
	"errors"
	"fmt"
	"net"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"

	"github.com/oshokin/arrival-alarm/internal/logger"
)

// Config holds the settings of the arrival daemon and its control client.
type Config struct {
	// GRPCAddress is the control API listen address (daemon) or target (client).
	GRPCAddress string `yaml:"grpc_addr"`
	// HTTPAddress serves health, metrics, the companion websocket and read endpoints. Empty disables it.
	HTTPAddress string `yaml:"http_addr"`
	// Timeout bounds RPC calls and platform operations.
	Timeout time.Duration `yaml:"timeout"`
	// LogLevel is a zap level name.
	LogLevel string `yaml:"log_level"`
	// LogFormat is console or json.
	LogFormat string `yaml:"log_format"`
	// StorePath is the SQLite database with alarms and rules.
	StorePath string `yaml:"store_path"`
	// WakeStateFile keeps pending wake registrations across restarts.
	WakeStateFile string `yaml:"wake_state_file"`
	// PIDFile guards against a second daemon instance.
	PIDFile string `yaml:"pid_file"`

	Engine   EngineConfig   `yaml:"engine"`
	GPS      GPSConfig      `yaml:"gps"`
	Schedule ScheduleConfig `yaml:"schedule"`
	MQTT     MQTTConfig     `yaml:"mqtt"`
	Tracing  TracingConfig  `yaml:"tracing"`
}

// EngineConfig tunes the monitoring state machine.
type EngineConfig struct {
	// Strategy is the default sensing strategy: gps or geofence.
	Strategy string `yaml:"strategy"`
	// FarMeters is the far zone boundary.
	FarMeters float64 `yaml:"far_m"`
	// NearMeters is the near zone boundary.
	NearMeters float64 `yaml:"near_m"`
	// WarningRadiusMeters sizes the geofence warning region; 0 disables it.
	WarningRadiusMeters float64 `yaml:"warning_radius_m"`
	// WakeCeiling bounds the arrival wake source.
	WakeCeiling time.Duration `yaml:"wake_ceiling"`
	// VibrationPattern alternates off and on durations.
	VibrationPattern []time.Duration `yaml:"vibration_pattern"`
}

// ProviderConfig is one position provider of the GPS strategy.
type ProviderConfig struct {
	// Name labels fixes of this provider.
	Name string `yaml:"name"`
	// MinInterval between delivered fixes.
	MinInterval time.Duration `yaml:"min_interval"`
	// MinDisplacementMeters between delivered fixes.
	MinDisplacementMeters float64 `yaml:"min_displacement_m"`
	// MaxAccuracyMeters drops fixes less accurate than this; 0 accepts all.
	MaxAccuracyMeters float64 `yaml:"max_accuracy_m"`
}

// ZoneCadenceConfig is the minimum time between processed fixes per zone.
type ZoneCadenceConfig struct {
	Far  time.Duration `yaml:"far"`
	Mid  time.Duration `yaml:"mid"`
	Near time.Duration `yaml:"near"`
}

// GPSConfig tunes the GPS strategy.
type GPSConfig struct {
	Providers        []ProviderConfig  `yaml:"providers"`
	UnavailableAfter time.Duration     `yaml:"unavailable_after"`
	ZoneCadence      ZoneCadenceConfig `yaml:"zone_cadence"`
}

// ScheduleConfig tunes the recurrence scheduler.
type ScheduleConfig struct {
	// Window is the inexact fallback window.
	Window time.Duration `yaml:"window"`
	// AllowExact permits exact wakes; when false every wake is windowed.
	AllowExact bool `yaml:"allow_exact"`
}

// MQTTConfig points at the broker that relays OwnTracks messages. An empty broker disables MQTT.
type MQTTConfig struct {
	Broker         string        `yaml:"broker"`
	ClientID       string        `yaml:"client_id"`
	Username       string        `yaml:"username"`
	Password       string        `yaml:"password"`
	DeviceTopic    string        `yaml:"device_topic"`
	QoS            byte          `yaml:"qos"`
	KeepAlive      time.Duration `yaml:"keepalive"`
	ConnectTimeout time.Duration `yaml:"connect_timeout"`
}

// TracingConfig configures OpenTelemetry tracing.
type TracingConfig struct {
	Enabled     bool    `yaml:"enabled"`
	Exporter    string  `yaml:"exporter"`
	Endpoint    string  `yaml:"endpoint"`
	Insecure    bool    `yaml:"insecure"`
	SampleRatio float64 `yaml:"sample_ratio"`
	ServiceName string  `yaml:"service_name"`
}

const (
	// DefaultConfigFilename is the default settings file.
	DefaultConfigFilename = "arrival-alarm.yaml"
	// DefaultEnvFilename is the optional dotenv file read before the environment.
	DefaultEnvFilename = ".env"
	// DefaultGRPCAddress is the default control API address.
	DefaultGRPCAddress = "127.0.0.1:50071"
	// DefaultStorePath is the default SQLite database.
	DefaultStorePath = "arrival-alarm.db"
	// DefaultWakeStateFile is the default wake registration file.
	DefaultWakeStateFile = "arrival-alarm-wakes.json"
	// DefaultPIDFile is the default daemon pid file.
	DefaultPIDFile = "arrival-daemon.pid"
	// DefaultTimeout is the default duration for network operations.
	DefaultTimeout = 5 * time.Second
	// DefaultFilePermissions is the permission of files written by the daemon.
	DefaultFilePermissions = 0o600
	// DefaultDeviceTopic is the OwnTracks topic of the tracked device.
	DefaultDeviceTopic = "owntracks/user/phone"

	// ExporterStdout writes spans to stdout.
	ExporterStdout = "stdout"
	// ExporterOTLP sends spans over OTLP/gRPC.
	ExporterOTLP = "otlp"
)

// Environment overrides.
const (
	EnvGRPCAddress = "ARRIVAL_GRPC_ADDR"
	EnvHTTPAddress = "ARRIVAL_HTTP_ADDR"
	EnvMQTTBroker  = "ARRIVAL_MQTT_BROKER"
	EnvLogLevel    = "ARRIVAL_LOG_LEVEL"
	EnvStorePath   = "ARRIVAL_STORE_PATH"
)

var (
	// errConfigIsNotSet is returned when a nil configuration is provided.
	errConfigIsNotSet = errors.New("configuration is not set")
	// errGRPCAddressRequired is returned when the control API address is missing.
	errGRPCAddressRequired = errors.New("grpc address must be provided")
	// errInvalidThresholds is returned when zone bands are inconsistent.
	errInvalidThresholds = errors.New("zone thresholds must satisfy far > near > 0")
	// errUnknownLogLevel is returned for a level zap does not know.
	errUnknownLogLevel = errors.New("unknown log level")
	// errUnknownLogFormat is returned for an encoding other than console or json.
	errUnknownLogFormat = errors.New("unknown log format")
	// errUnknownExporter is returned for a tracing exporter other than stdout or otlp.
	errUnknownExporter = errors.New("unknown tracing exporter")
	// errProviderNameRequired is returned when a GPS provider has no name.
	errProviderNameRequired = errors.New("gps provider name is required")
)

// Default returns a configuration with every default filled in.
func Default() *Config {
	return &Config{
		GRPCAddress:   DefaultGRPCAddress,
		Timeout:       DefaultTimeout,
		LogLevel:      "info",
		LogFormat:     string(logger.EncodingConsole),
		StorePath:     DefaultStorePath,
		WakeStateFile: DefaultWakeStateFile,
		PIDFile:       DefaultPIDFile,
		Engine: EngineConfig{
			Strategy:            "gps",
			FarMeters:           5000,
			NearMeters:          1000,
			WarningRadiusMeters: 5000,
			WakeCeiling:         10 * time.Minute,
		},
		GPS: GPSConfig{
			Providers: []ProviderConfig{
				{Name: "fine", MinInterval: 5 * time.Second, MinDisplacementMeters: 10, MaxAccuracyMeters: 50},
				{Name: "coarse", MinInterval: 10 * time.Second, MinDisplacementMeters: 10},
			},
			UnavailableAfter: 2 * time.Minute,
			ZoneCadence: ZoneCadenceConfig{
				Far: 30 * time.Second,
				Mid: 10 * time.Second,
			},
		},
		Schedule: ScheduleConfig{
			Window:     10 * time.Minute,
			AllowExact: true,
		},
		MQTT: MQTTConfig{
			ClientID:       "arrival-daemon",
			DeviceTopic:    DefaultDeviceTopic,
			QoS:            1,
			KeepAlive:      30 * time.Second,
			ConnectTimeout: 10 * time.Second,
		},
		Tracing: TracingConfig{
			Exporter:    ExporterStdout,
			SampleRatio: 1,
			ServiceName: "arrival-daemon",
		},
	}
}

// Load reads the dotenv file (if any), the YAML settings at path and the
// ARRIVAL_* environment overrides, then validates the result.
// A missing settings file yields the defaults.
func Load(path string) (*Config, error) {
	if path == "" {
		path = DefaultConfigFilename
	}

	if err := LoadDotEnv(DefaultEnvFilename); err != nil {
		return nil, err
	}

	cfg := Default()

	contents, err := os.ReadFile(filepath.Clean(path))

	switch {
	case errors.Is(err, os.ErrNotExist):
		// Defaults plus environment.
	case err != nil:
		return nil, fmt.Errorf("read settings: %w", err)
	default:
		if err = yaml.Unmarshal(contents, cfg); err != nil {
			return nil, fmt.Errorf("unmarshal settings: %w", err)
		}
	}

	ApplyEnv(cfg)

	if err = Validate(cfg); err != nil {
		return nil, err
	}

	return cfg, nil
}

// LoadDotEnv exports variables from a dotenv file without overriding the environment.
// A missing file is not an error.
func LoadDotEnv(path string) error {
	err := godotenv.Load(path)
	if err == nil || errors.Is(err, os.ErrNotExist) {
		return nil
	}

	return fmt.Errorf("load %s: %w", path, err)
}

// ApplyEnv overrides settings from ARRIVAL_* environment variables.
func ApplyEnv(cfg *Config) {
	overrides := []struct {
		key    string
		target *string
	}{
		{EnvGRPCAddress, &cfg.GRPCAddress},
		{EnvHTTPAddress, &cfg.HTTPAddress},
		{EnvMQTTBroker, &cfg.MQTT.Broker},
		{EnvLogLevel, &cfg.LogLevel},
		{EnvStorePath, &cfg.StorePath},
	}

	for _, o := range overrides {
		if v, ok := os.LookupEnv(o.key); ok {
			*o.target = strings.TrimSpace(v)
		}
	}
}

// Save writes the settings to path.
func Save(path string, cfg *Config) error {
	if cfg == nil {
		return errConfigIsNotSet
	}

	if path == "" {
		path = DefaultConfigFilename
	}

	if err := Validate(cfg); err != nil {
		return err
	}

	data, err := yaml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("marshal settings: %w", err)
	}

	// Restrict permissions, the file may hold broker credentials.
	if err := os.WriteFile(filepath.Clean(path), data, DefaultFilePermissions); err != nil {
		return fmt.Errorf("write settings: %w", err)
	}

	return nil
}

// Validate checks the settings and fills defaults for zero values.
func Validate(settings *Config) error {
	if settings == nil {
		return errConfigIsNotSet
	}

	if settings.GRPCAddress == "" {
		return errGRPCAddressRequired
	}

	if _, err := net.ResolveTCPAddr("tcp", settings.GRPCAddress); err != nil {
		return fmt.Errorf("invalid grpc address: %w", err)
	}

	if settings.HTTPAddress != "" {
		if _, err := net.ResolveTCPAddr("tcp", settings.HTTPAddress); err != nil {
			return fmt.Errorf("invalid http address: %w", err)
		}
	}

	if settings.Timeout <= 0 {
		settings.Timeout = DefaultTimeout
	}

	if settings.LogLevel == "" {
		settings.LogLevel = "info"
	}

	if _, ok := logger.ParseLogLevel(settings.LogLevel); !ok {
		return fmt.Errorf("%w: %q", errUnknownLogLevel, settings.LogLevel)
	}

	switch logger.Encoding(settings.LogFormat) {
	case "":
		settings.LogFormat = string(logger.EncodingConsole)
	case logger.EncodingConsole, logger.EncodingJSON:
	default:
		return fmt.Errorf("%w: %q", errUnknownLogFormat, settings.LogFormat)
	}

	if settings.StorePath == "" {
		settings.StorePath = DefaultStorePath
	}

	if settings.WakeStateFile == "" {
		settings.WakeStateFile = DefaultWakeStateFile
	}

	if settings.PIDFile == "" {
		settings.PIDFile = DefaultPIDFile
	}

	if err := validateEngine(&settings.Engine); err != nil {
		return err
	}

	if err := validateGPS(&settings.GPS); err != nil {
		return err
	}

	if settings.Schedule.Window <= 0 {
		settings.Schedule.Window = 10 * time.Minute
	}

	if err := validateMQTT(&settings.MQTT); err != nil {
		return err
	}

	return validateTracing(&settings.Tracing)
}

func validateEngine(e *EngineConfig) error {
	if e.Strategy == "" {
		e.Strategy = "gps"
	}

	switch strings.ToLower(e.Strategy) {
	case "gps", "geofence":
	default:
		return fmt.Errorf("unknown strategy %q", e.Strategy)
	}

	if e.FarMeters == 0 && e.NearMeters == 0 {
		e.FarMeters, e.NearMeters = 5000, 1000
	}

	if e.NearMeters <= 0 || e.FarMeters <= e.NearMeters {
		return fmt.Errorf("%w: far=%v near=%v", errInvalidThresholds, e.FarMeters, e.NearMeters)
	}

	if e.WarningRadiusMeters < 0 {
		e.WarningRadiusMeters = 0
	}

	if e.WakeCeiling <= 0 {
		e.WakeCeiling = 10 * time.Minute
	}

	return nil
}

func validateGPS(g *GPSConfig) error {
	if len(g.Providers) == 0 {
		g.Providers = Default().GPS.Providers
	}

	for i, p := range g.Providers {
		if p.Name == "" {
			return fmt.Errorf("%w: provider #%d", errProviderNameRequired, i)
		}
	}

	if g.UnavailableAfter <= 0 {
		g.UnavailableAfter = 2 * time.Minute
	}

	return nil
}

func validateMQTT(m *MQTTConfig) error {
	if m.Broker == "" {
		return nil
	}

	if _, err := url.Parse(m.Broker); err != nil {
		return fmt.Errorf("invalid mqtt broker: %w", err)
	}

	if m.ClientID == "" {
		m.ClientID = "arrival-daemon"
	}

	if m.DeviceTopic == "" {
		m.DeviceTopic = DefaultDeviceTopic
	}

	if m.QoS > 2 {
		m.QoS = 1
	}

	if m.KeepAlive <= 0 {
		m.KeepAlive = 30 * time.Second
	}

	if m.ConnectTimeout <= 0 {
		m.ConnectTimeout = 10 * time.Second
	}

	return nil
}

func validateTracing(t *TracingConfig) error {
	if t.Exporter == "" {
		t.Exporter = ExporterStdout
	}

	if t.Exporter != ExporterStdout && t.Exporter != ExporterOTLP {
		return fmt.Errorf("%w: %q", errUnknownExporter, t.Exporter)
	}

	if t.SampleRatio <= 0 || t.SampleRatio > 1 {
		t.SampleRatio = 1
	}

	if t.ServiceName == "" {
		t.ServiceName = "arrival-daemon"
	}

	return nil
}
