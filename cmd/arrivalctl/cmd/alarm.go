package cmd

import (
	"github.com/spf13/cobra"

	"github.com/oshokin/arrival-alarm/internal/service/common"
	"github.com/oshokin/arrival-alarm/internal/service/ctl"
)

func newAlarmCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "alarm",
		Short: "Manage destinations.",
	}

	cmd.AddCommand(newAlarmPutCommand(), newAlarmListCommand(), newAlarmDeleteCommand())

	return cmd
}

func newAlarmPutCommand() *cobra.Command {
	var req common.AlarmRequest

	cmd := &cobra.Command{
		Use:   "put [alarm-id]",
		Short: "Create or update a destination.",
		Long: `Stores a destination. Without an id a new one is generated.
Editing an alarm keeps its enabled flag, which only the engine changes.`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if len(args) > 0 {
				req.Destination.ID = args[0]
			}

			return ctl.PutAlarm(cmd.Context(), options(cmd), req)
		},
	}

	flags := cmd.Flags()
	flags.StringVarP(&req.Destination.Name, "name", "n", "", "display name")
	flags.Float64Var(&req.Destination.Latitude, "lat", 0, "destination latitude")
	flags.Float64Var(&req.Destination.Longitude, "lon", 0, "destination longitude")
	flags.Float64VarP(&req.Destination.RadiusMeters, "radius", "r", 0, "arrival radius in meters")
	flags.StringVar(&req.Strategy, "strategy", "", "sensing strategy: gps or geofence, daemon default when empty")

	for _, name := range []string{"lat", "lon", "radius"} {
		_ = cmd.MarkFlagRequired(name)
	}

	return cmd
}

func newAlarmListCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List destinations.",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return ctl.ListAlarms(cmd.Context(), options(cmd))
		},
	}
}

func newAlarmDeleteCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "delete <alarm-id>",
		Short: "Delete a destination and its rules.",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return ctl.DeleteAlarm(cmd.Context(), options(cmd), args[0])
		},
	}
}
