package daemon

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"

	grpcapi "github.com/oshokin/arrival-alarm/internal/api/grpc/arrival"
	"github.com/oshokin/arrival-alarm/internal/api/httpapi"
	"github.com/oshokin/arrival-alarm/internal/config"
	"github.com/oshokin/arrival-alarm/internal/dispatch"
	"github.com/oshokin/arrival-alarm/internal/domain/arrival"
	"github.com/oshokin/arrival-alarm/internal/geo"
	"github.com/oshokin/arrival-alarm/internal/logger"
	"github.com/oshokin/arrival-alarm/internal/monitor"
	"github.com/oshokin/arrival-alarm/internal/observability"
	"github.com/oshokin/arrival-alarm/internal/platform"
	"github.com/oshokin/arrival-alarm/internal/platform/device"
	"github.com/oshokin/arrival-alarm/internal/platform/owntracks"
	"github.com/oshokin/arrival-alarm/internal/platform/wake"
	wakerepo "github.com/oshokin/arrival-alarm/internal/repository/wake"
	"github.com/oshokin/arrival-alarm/internal/schedule"
	"github.com/oshokin/arrival-alarm/internal/sensor"
	"github.com/oshokin/arrival-alarm/internal/store"
)

// errMQTTDisconnected is reported by the health check while the broker is unreachable.
var errMQTTDisconnected = errors.New("mqtt broker disconnected")

// engine holds the wired components of one daemon.
type engine struct {
	cfg        *config.Config
	registry   *prometheus.Registry
	collector  *observability.Collector
	store      *store.Store
	hub        *device.Hub
	mqtt       *owntracks.Client
	tracker    *owntracks.Tracker
	wakes      *wake.Scheduler
	dispatcher *dispatch.Dispatcher
}

// build wires the engine. Nothing runs until start.
//
//nolint:funlen // Linear wiring reads best in one place.
func build(ctx context.Context, cfg *config.Config) (*engine, error) {
	// Register runtime metrics next to the engine's own on a private registry.
	registry := prometheus.NewRegistry()
	registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	collector, err := observability.NewCollector(registry)
	if err != nil {
		return nil, fmt.Errorf("register metrics: %w", err)
	}

	// Open the alarm and rule store.
	st, err := store.Open(cfg.StorePath)
	if err != nil {
		return nil, err
	}

	e := &engine{
		cfg:       cfg,
		registry:  registry,
		collector: collector,
		store:     st,
	}

	// Companion displays render notifications, vibration and the wake state.
	e.hub = device.NewHub()
	notifier := device.NewNotifier(e.hub)
	vibrator := device.NewVibrator(e.hub)
	wakeLock := device.NewWakeLock(e.hub)

	e.hub.AddReplayer(notifier)
	e.hub.AddReplayer(vibrator)

	// The dispatcher serializes every input of the engine.
	e.dispatcher = dispatch.New(dispatch.Config{}, st, notifier, collector)
	e.hub.SetHandler(e.dispatcher)

	// Position sources are fed by companions, the control API and OwnTracks.
	factory := &sensor.Factory{
		Providers: providers(cfg.GPS.Providers, e.dispatcher),
		GPS: sensor.GPSConfig{
			UnavailableAfter: cfg.GPS.UnavailableAfter,
			ZoneCadence:      zoneCadence(cfg.GPS.ZoneCadence),
		},
		WarningRadiusMeters: cfg.Engine.WarningRadiusMeters,
	}

	// OwnTracks over MQTT provides region monitoring and device locations.
	if cfg.MQTT.Broker != "" {
		if err = e.connectOwnTracks(ctx); err != nil {
			e.close(ctx)
			return nil, err
		}

		factory.Regions = e.tracker
	}

	// The monitor owns the session and its side effects.
	mon := monitor.New(monitor.Config{
		Thresholds: geo.Thresholds{
			FarMeters:  cfg.Engine.FarMeters,
			NearMeters: cfg.Engine.NearMeters,
		},
		WakeCeiling: cfg.Engine.WakeCeiling,
		Vibration:   platform.Pattern{Timings: cfg.Engine.VibrationPattern, Repeat: true},
	}, monitor.Deps{
		Sensors:       factory,
		Notifications: notifier,
		Vibration:     vibrator,
		Wake:          wakeLock,
		Enabler:       e.dispatcher,
		Observer:      collector,
		Route:         e.dispatcher.Route,
	})

	// Wake registrations persist across restarts; overdue ones fire once the loop runs.
	e.wakes = wake.New(
		wake.Config{AllowExact: cfg.Schedule.AllowExact},
		wakerepo.NewFileRepository(cfg.WakeStateFile),
		e.dispatcher.FireWake,
	)

	if err = e.wakes.Load(ctx); err != nil {
		e.close(ctx)
		return nil, fmt.Errorf("load wakes: %w", err)
	}

	recurrence := schedule.New(
		schedule.Config{Window: cfg.Schedule.Window},
		e.wakes,
		st,
		e.dispatcher,
		collector,
	)

	e.dispatcher.Bind(mon, recurrence)

	return e, nil
}

// connectOwnTracks dials the broker and starts tracking the device.
func (e *engine) connectOwnTracks(ctx context.Context) error {
	client := owntracks.NewClient(ctx, e.cfg.MQTT)
	if err := client.Connect(); err != nil {
		return fmt.Errorf("connect mqtt: %w", err)
	}

	e.mqtt = client

	tracker := owntracks.NewTracker(client, e.cfg.MQTT.DeviceTopic, e.dispatcher.HandleTransition)
	tracker.AddListener(func(fix arrival.Fix) bool {
		return e.dispatcher.ReportPosition(fix) > 0
	})

	if err := tracker.Start(ctx); err != nil {
		return fmt.Errorf("start owntracks tracker: %w", err)
	}

	e.tracker = tracker

	return nil
}

// start runs the background loops. Each adds itself to wg and reports failures on errs.
func (e *engine) start(ctx context.Context, wg *sync.WaitGroup, errs chan<- error) {
	wg.Add(3)

	go func() {
		defer wg.Done()

		e.hub.Run(ctx)
	}()

	go func() {
		defer wg.Done()

		if err := e.wakes.Run(ctx); err != nil {
			errs <- fmt.Errorf("wake scheduler: %w", err)
		}
	}()

	go func() {
		defer wg.Done()

		if err := e.dispatcher.Run(ctx); err != nil {
			errs <- fmt.Errorf("dispatcher: %w", err)
		}
	}()
}

// close releases the broker connection and the store. It tolerates a partially built engine.
func (e *engine) close(ctx context.Context) {
	if e.tracker != nil {
		if err := e.tracker.Stop(); err != nil {
			logger.WarnKV(ctx, "Stop owntracks tracker failed", "error", err)
		}
	}

	if e.mqtt != nil {
		e.mqtt.Disconnect()
	}

	if e.store != nil {
		if err := e.store.Close(); err != nil {
			logger.WarnKV(ctx, "Close store failed", "error", err)
		}
	}
}

// grpcHandler builds the control API.
func (e *engine) grpcHandler() *grpcapi.Server {
	strategy, err := arrival.ParseStrategy(e.cfg.Engine.Strategy)
	if err != nil {
		strategy = arrival.StrategyGPS
	}

	return grpcapi.NewServer(e.dispatcher, e.store, grpcapi.WithDefaultStrategy(strategy))
}

// httpHandler builds the HTTP routes with a health check per dependency.
func (e *engine) httpHandler() http.Handler {
	checks := map[string]httpapi.Check{
		"store": e.store.Ping,
	}

	if e.mqtt != nil {
		checks["mqtt"] = func(context.Context) error {
			if !e.mqtt.IsConnected() {
				return errMQTTDisconnected
			}

			return nil
		}
	}

	return httpapi.NewRouter(httpapi.Deps{
		Status:  e.dispatcher,
		Store:   e.store,
		Metrics: e.collector.Handler(),
		Hub:     e.hub,
		Checks:  checks,
	})
}

// providers creates one push source per configured provider and registers it with the dispatcher.
func providers(configs []config.ProviderConfig, d *dispatch.Dispatcher) []sensor.Provider {
	result := make([]sensor.Provider, 0, len(configs))

	for _, p := range configs {
		source := device.NewPushSource(p.Name, p.MaxAccuracyMeters)
		d.AddPositionSink(source)

		result = append(result, sensor.Provider{
			Name:   p.Name,
			Source: source,
			Options: platform.SubscribeOptions{
				MinInterval:           p.MinInterval,
				MinDisplacementMeters: p.MinDisplacementMeters,
			},
		})
	}

	return result
}

// zoneCadence converts the configured cadence; zero entries mean every fix is processed.
func zoneCadence(c config.ZoneCadenceConfig) map[arrival.Zone]time.Duration {
	result := make(map[arrival.Zone]time.Duration, 3)

	for zone, d := range map[arrival.Zone]time.Duration{
		arrival.ZoneFar:  c.Far,
		arrival.ZoneMid:  c.Mid,
		arrival.ZoneNear: c.Near,
	} {
		if d > 0 {
			result[zone] = d
		}
	}

	return result
}
