package ctl

import (
	"context"
	"fmt"

	domain "github.com/oshokin/arrival-alarm/internal/domain/arrival"
	"github.com/oshokin/arrival-alarm/internal/service/common"
)

// ReportPosition sends one fix to the daemon's position sources.
func ReportPosition(ctx context.Context, opts *Options, fix domain.Fix) error {
	return withClient(ctx, opts, func(client *common.Client) error {
		accepted, err := client.ReportPosition(ctx, fix)
		if err != nil {
			return err
		}

		_, _ = fmt.Fprintf(opts.out(), "Position accepted by %d source(s)\n", accepted)

		return nil
	})
}

// ReportRegion delivers a region enter or exit seen by an external region monitor.
func ReportRegion(ctx context.Context, opts *Options, regionID, event string) error {
	return withClient(ctx, opts, func(client *common.Client) error {
		if err := client.ReportRegionEvent(ctx, regionID, event); err != nil {
			return err
		}

		_, _ = fmt.Fprintf(opts.out(), "Region %s %s reported\n", regionID, event)

		return nil
	})
}
