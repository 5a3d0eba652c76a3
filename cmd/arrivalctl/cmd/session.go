package cmd

import (
	"github.com/spf13/cobra"

	domain "github.com/oshokin/arrival-alarm/internal/domain/arrival"
	"github.com/oshokin/arrival-alarm/internal/service/common"
	"github.com/oshokin/arrival-alarm/internal/service/ctl"
)

func newArmCommand() *cobra.Command {
	var (
		strategy  string
		latitude  float64
		longitude float64
	)

	cmd := &cobra.Command{
		Use:   "arm <alarm-id>",
		Short: "Arm a stored alarm.",
		Long: `Arms the alarm and keeps retrying until the daemon confirms.

The current position can be given with --lat and --lon so progress is measured
from the start of the trip. --strategy overrides the alarm's own strategy.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			req := common.ArmRequest{AlarmID: args[0], Strategy: strategy}

			if cmd.Flags().Changed("lat") || cmd.Flags().Changed("lon") {
				req.Start = &domain.Coordinate{Latitude: latitude, Longitude: longitude}
			}

			return ctl.Arm(cmd.Context(), options(cmd), req)
		},
	}

	cmd.Flags().StringVar(&strategy, "strategy", "", "sensing strategy: gps or geofence")
	cmd.Flags().Float64Var(&latitude, "lat", 0, "current latitude")
	cmd.Flags().Float64Var(&longitude, "lon", 0, "current longitude")
	cmd.MarkFlagsRequiredTogether("lat", "lon")

	return cmd
}

func newDismissCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "dismiss",
		Short: "End the active alarm session.",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return ctl.Dismiss(cmd.Context(), options(cmd))
		},
	}
}

func newStatusCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Print the active alarm session.",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return ctl.Status(cmd.Context(), options(cmd))
		},
	}
}

func newWatchCommand() *cobra.Command {
	var watch ctl.WatchOptions

	cmd := &cobra.Command{
		Use:   "watch",
		Short: "Follow the alarm session until interrupted.",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return ctl.Watch(cmd.Context(), options(cmd), watch)
		},
	}

	cmd.Flags().DurationVarP(&watch.PollInterval, "interval", "i", ctl.DefaultPollInterval, "polling interval")
	cmd.Flags().BoolVar(&watch.UntilArrived, "until-arrived", false, "exit once the destination is reached")

	return cmd
}
