package cmd

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/oshokin/arrival-alarm/internal/config"
	"github.com/oshokin/arrival-alarm/internal/service/ctl"
	"github.com/oshokin/arrival-alarm/internal/version"
)

var (
	// configPath to the configuration YAML file.
	configPath string
	// serverAddress overrides the daemon address from config.
	serverAddress string

	// rootCmd represents the base command of the control client.
	rootCmd = &cobra.Command{
		Use:   "arrivalctl",
		Short: "Control the arrival alarm daemon.",
		Long: `Arms and dismisses arrival alarms, manages destinations and weekly
recurrence rules, and feeds positions or region events to the daemon.

The daemon address is read from the configuration file unless --server is given.`,
		SilenceUsage: true,
	}
)

// options builds the ctl options for a command.
func options(cmd *cobra.Command) *ctl.Options {
	return &ctl.Options{
		ConfigPath:    configPath,
		ServerAddress: serverAddress,
		Out:           cmd.OutOrStdout(),
	}
}

// Execute runs the arrivalctl CLI and exits with non-zero status on error.
func Execute() {
	version.AttachCobraVersionCommand(rootCmd)

	// Setup graceful shutdown handling shared by every subcommand.
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGTERM, syscall.SIGINT)

	err := rootCmd.ExecuteContext(ctx)

	stop()

	if err != nil {
		os.Exit(1)
	}
}

//nolint:gochecknoinits // Required by Cobra CLI framework architecture.
func init() {
	// Setup command flags with consistent naming and descriptions.
	rootCmd.PersistentFlags().
		StringVarP(&configPath, "config", "c", config.DefaultConfigFilename, "path to configuration file")
	rootCmd.PersistentFlags().StringVarP(&serverAddress, "server", "s", "", "daemon address, overrides config")

	rootCmd.AddCommand(newArmCommand(), newDismissCommand(), newStatusCommand(), newWatchCommand())
	rootCmd.AddCommand(newAlarmCommand(), newRuleCommand(), newReportCommand())
}
