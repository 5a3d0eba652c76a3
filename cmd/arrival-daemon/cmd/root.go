package cmd

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/oshokin/arrival-alarm/internal/config"
	"github.com/oshokin/arrival-alarm/internal/logger"
	"github.com/oshokin/arrival-alarm/internal/service/daemon"
	"github.com/oshokin/arrival-alarm/internal/version"
)

var (
	// configPath to the configuration YAML file.
	configPath string
	// httpAddress overrides the HTTP listen address.
	httpAddress string
	// storePath overrides the SQLite database path.
	storePath string

	// rootCmd represents the base command for running the arrival engine.
	rootCmd = &cobra.Command{
		Use:   "arrival-daemon [grpc-address]",
		Short: "Run the arrival alarm engine.",
		Long: `Starts the arrival alarm engine and its control API.

The daemon keeps alarms and recurrence rules in a SQLite database, tracks the
device through pushed positions or OwnTracks over MQTT, and alerts once the
destination is reached. Companion displays connect over WebSocket to render
notifications and vibration.

The gRPC listen address can be provided as argument to override config
(e.g., 127.0.0.1:50071). Settings are read from the configuration file,
a .env file and ARRIVAL_* environment variables.`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(_ *cobra.Command, args []string) error {
			// Setup graceful shutdown handling.
			ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGTERM, syscall.SIGINT)
			defer stop()

			// Use listen address argument if provided, otherwise rely on config.
			var grpcAddress string
			if len(args) > 0 {
				grpcAddress = args[0]
			}

			cfg, err := daemon.LoadConfig(&daemon.Options{
				ConfigPath:  configPath,
				GRPCAddress: grpcAddress,
				HTTPAddress: httpAddress,
				StorePath:   storePath,
			})
			if err != nil {
				return err
			}

			// Apply the configured level and encoding before anything logs.
			logger.Configure(cfg.LogLevel, logger.Encoding(cfg.LogFormat),
				logger.WithService("arrival-daemon", version.Short()))

			return daemon.Serve(ctx, cfg)
		},
	}
)

// Execute runs the arrival-daemon CLI and exits with non-zero status on error.
func Execute() {
	version.AttachCobraVersionCommand(rootCmd)

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

//nolint:gochecknoinits // Required by Cobra CLI framework architecture.
func init() {
	// Setup command flags with consistent naming and descriptions.
	rootCmd.Flags().StringVarP(&configPath, "config", "c", config.DefaultConfigFilename, "path to configuration file")
	rootCmd.Flags().StringVar(&httpAddress, "http-addr", "", "HTTP listen address for health, metrics and companions")
	rootCmd.Flags().StringVarP(&storePath, "store", "s", "", "path to the SQLite database")
}
