package cmd

import (
	"fmt"
	"strconv"
	"time"

	"github.com/spf13/cobra"

	domain "github.com/oshokin/arrival-alarm/internal/domain/arrival"
	"github.com/oshokin/arrival-alarm/internal/platform"
	"github.com/oshokin/arrival-alarm/internal/service/ctl"
)

func newReportCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "report",
		Short: "Feed positions or region events to the daemon.",
	}

	cmd.AddCommand(newReportPositionCommand(), newReportRegionCommand())

	return cmd
}

func newReportPositionCommand() *cobra.Command {
	var (
		accuracy float64
		provider string
	)

	cmd := &cobra.Command{
		Use:   "position <latitude> <longitude>",
		Short: "Report the current position.",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			coordinate, err := parseCoordinate(args[0], args[1])
			if err != nil {
				return err
			}

			fix := domain.Fix{
				Coordinate:     coordinate,
				AccuracyMeters: accuracy,
				Timestamp:      time.Now(),
				Provider:       provider,
			}

			return ctl.ReportPosition(cmd.Context(), options(cmd), fix)
		},
	}

	cmd.Flags().Float64VarP(&accuracy, "accuracy", "a", 0, "horizontal accuracy in meters")
	cmd.Flags().StringVarP(&provider, "provider", "p", "", "provider label")

	return cmd
}

func newReportRegionCommand() *cobra.Command {
	return &cobra.Command{
		Use:       "region <region-id> <enter|exit>",
		Short:     "Report a region transition from an external region monitor.",
		Args:      cobra.ExactArgs(2),
		ValidArgs: []string{string(platform.TransitionEnter), string(platform.TransitionExit)},
		RunE: func(cmd *cobra.Command, args []string) error {
			return ctl.ReportRegion(cmd.Context(), options(cmd), args[0], args[1])
		},
	}
}

// parseCoordinate reads and validates a latitude/longitude pair.
func parseCoordinate(lat, lon string) (domain.Coordinate, error) {
	latitude, err := strconv.ParseFloat(lat, 64)
	if err != nil {
		return domain.Coordinate{}, fmt.Errorf("invalid latitude %q: %w", lat, err)
	}

	longitude, err := strconv.ParseFloat(lon, 64)
	if err != nil {
		return domain.Coordinate{}, fmt.Errorf("invalid longitude %q: %w", lon, err)
	}

	c := domain.Coordinate{Latitude: latitude, Longitude: longitude}

	return c, c.Validate()
}
