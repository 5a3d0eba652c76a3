package ctl

import (
	"context"
	"fmt"
	"strings"
	"text/tabwriter"
	"time"

	domain "github.com/oshokin/arrival-alarm/internal/domain/arrival"
	"github.com/oshokin/arrival-alarm/internal/service/common"
)

// PutAlarm stores an alarm and prints it.
func PutAlarm(ctx context.Context, opts *Options, req common.AlarmRequest) error {
	return withClient(ctx, opts, func(client *common.Client) error {
		stored, err := client.PutAlarm(ctx, req)
		if err != nil {
			return err
		}

		_, _ = fmt.Fprintf(opts.out(), "Alarm %s stored (%s)\n", stored.ID(), stored.Strategy)

		return nil
	})
}

// ListAlarms prints every stored alarm as a table.
func ListAlarms(ctx context.Context, opts *Options) error {
	return withClient(ctx, opts, func(client *common.Client) error {
		alarms, err := client.ListAlarms(ctx)
		if err != nil {
			return err
		}

		w := tabwriter.NewWriter(opts.out(), 0, 0, 2, ' ', 0)
		_, _ = fmt.Fprintln(w, "ID\tNAME\tLATITUDE\tLONGITUDE\tRADIUS_M\tSTRATEGY\tENABLED")

		for _, a := range alarms {
			_, _ = fmt.Fprintf(w, "%s\t%s\t%.6f\t%.6f\t%.0f\t%s\t%t\n",
				a.Destination.ID, a.Destination.Name, a.Destination.Latitude, a.Destination.Longitude,
				a.Destination.RadiusMeters, a.Strategy, a.Enabled)
		}

		return w.Flush()
	})
}

// DeleteAlarm removes an alarm together with its rules.
func DeleteAlarm(ctx context.Context, opts *Options, id string) error {
	return withClient(ctx, opts, func(client *common.Client) error {
		if err := client.DeleteAlarm(ctx, id); err != nil {
			return err
		}

		_, _ = fmt.Fprintf(opts.out(), "Alarm %s deleted\n", id)

		return nil
	})
}

// PutRule stores a recurrence rule and prints its id.
func PutRule(ctx context.Context, opts *Options, rule *domain.RecurrenceRule) error {
	return withClient(ctx, opts, func(client *common.Client) error {
		stored, err := client.PutRule(ctx, rule)
		if err != nil {
			return err
		}

		_, _ = fmt.Fprintf(opts.out(), "Rule %s stored: %s\n", stored.ID, describeRule(stored))

		return nil
	})
}

// ListRules prints every stored rule as a table.
func ListRules(ctx context.Context, opts *Options) error {
	return withClient(ctx, opts, func(client *common.Client) error {
		rules, err := client.ListRules(ctx)
		if err != nil {
			return err
		}

		w := tabwriter.NewWriter(opts.out(), 0, 0, 2, ' ', 0)
		_, _ = fmt.Fprintln(w, "ID\tALARM\tSCHEDULE\tENABLED")

		for _, r := range rules {
			_, _ = fmt.Fprintf(w, "%s\t%s\t%s\t%t\n", r.ID, r.DestinationID, describeRule(r), r.Enabled)
		}

		return w.Flush()
	})
}

// DeleteRule removes a rule.
func DeleteRule(ctx context.Context, opts *Options, id string) error {
	return withClient(ctx, opts, func(client *common.Client) error {
		if err := client.DeleteRule(ctx, id); err != nil {
			return err
		}

		_, _ = fmt.Fprintf(opts.out(), "Rule %s deleted\n", id)

		return nil
	})
}

// FireRule triggers a rule now.
func FireRule(ctx context.Context, opts *Options, id string) error {
	return withClient(ctx, opts, func(client *common.Client) error {
		if err := client.FireRule(ctx, id); err != nil {
			return err
		}

		_, _ = fmt.Fprintf(opts.out(), "Rule %s fired\n", id)

		return nil
	})
}

// describeRule renders days and time, for example "Mon,Fri 17:30".
func describeRule(r *domain.RecurrenceRule) string {
	days := make([]string, 0, 7)

	for d := time.Sunday; d <= time.Saturday; d++ {
		if r.Days.Contains(d) {
			days = append(days, d.String()[:3])
		}
	}

	if len(days) == 0 {
		days = append(days, "never")
	}

	return fmt.Sprintf("%s %02d:%02d", strings.Join(days, ","), r.Hour, r.Minute)
}
