package ctl

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/oshokin/arrival-alarm/internal/logger"
	"github.com/oshokin/arrival-alarm/internal/service/common"
)

// DefaultPollInterval defines the interval between status checks of watch.
const DefaultPollInterval = 5 * time.Second

// ErrSessionActive is returned when another alarm already owns the session.
var ErrSessionActive = errors.New("another alarm session is active")

// stateArrived is the session state reported once the destination is reached.
const stateArrived = "arrived"

// Arm arms the alarm, retrying while the daemon is unreachable.
func Arm(ctx context.Context, opts *Options, req common.ArmRequest) error {
	ctx = logger.WithName(ctx, "arrivalctl-arm")

	return withClient(ctx, opts, func(client *common.Client) error {
		logger.InfoKV(ctx, "Arming alarm", "alarm_id", req.AlarmID, "strategy", req.Strategy)

		// attempt tries once to arm, returns (completed, error).
		attempt := func() (bool, error) {
			st, armed, err := client.Arm(ctx, req)
			if err != nil {
				if transient(err) {
					logger.ErrorKV(ctx, "Arm failed, retrying", "error", err)
					return false, nil
				}

				return false, err
			}

			switch {
			case armed:
				_, _ = fmt.Fprintf(opts.out(), "Armed: %s\n", st)
			case st.DestinationID == req.AlarmID:
				_, _ = fmt.Fprintf(opts.out(), "Already armed: %s\n", st)
			default:
				return false, fmt.Errorf("%w: %s", ErrSessionActive, st)
			}

			return true, nil
		}

		return retry(ctx, opts.retryInterval(), attempt)
	})
}

// Dismiss ends the active session, retrying while the daemon is unreachable.
func Dismiss(ctx context.Context, opts *Options) error {
	ctx = logger.WithName(ctx, "arrivalctl-dismiss")

	return withClient(ctx, opts, func(client *common.Client) error {
		attempt := func() (bool, error) {
			dismissed, err := client.Dismiss(ctx)
			if err != nil {
				if transient(err) {
					logger.ErrorKV(ctx, "Dismiss failed, retrying", "error", err)
					return false, nil
				}

				return false, err
			}

			if dismissed {
				_, _ = fmt.Fprintln(opts.out(), "Session dismissed")
			} else {
				_, _ = fmt.Fprintln(opts.out(), "No active session")
			}

			return true, nil
		}

		return retry(ctx, opts.retryInterval(), attempt)
	})
}

// Status prints the current session once.
func Status(ctx context.Context, opts *Options) error {
	return withClient(ctx, opts, func(client *common.Client) error {
		st, err := client.Status(ctx)
		if err != nil {
			return err
		}

		_, _ = fmt.Fprintln(opts.out(), st)

		return nil
	})
}

// WatchOptions controls the watch polling behavior.
type WatchOptions struct {
	// PollInterval defines the interval between status checks.
	PollInterval time.Duration
	// UntilArrived stops watching once the session reaches the destination.
	UntilArrived bool
}

// Watch polls the session and prints every change until ctx is canceled.
//
//nolint:cyclop // Flow is straightforward and readable; splitting would reduce clarity.
func Watch(ctx context.Context, opts *Options, watch WatchOptions) error {
	ctx = logger.WithName(ctx, "arrivalctl-watch")

	// Use default polling interval when none is given.
	if watch.PollInterval <= 0 {
		watch.PollInterval = DefaultPollInterval
	}

	return withClient(ctx, opts, func(client *common.Client) error {
		logger.InfoKV(ctx, "Watching session", "interval", watch.PollInterval.String())

		var last string

		// check prints a changed snapshot and reports whether watching is over.
		check := func() bool {
			st, err := client.Status(ctx)
			if err != nil {
				logger.ErrorKV(ctx, "Check status failed", "error", err)
				return false
			}

			if line := st.String(); line != last {
				last = line
				_, _ = fmt.Fprintf(opts.out(), "%s %s\n", time.Now().Format(time.TimeOnly), line)
			}

			return watch.UntilArrived && st.Active && st.State == stateArrived
		}

		if check() {
			return nil
		}

		// Setup polling ticker with fixed interval.
		ticker := time.NewTicker(watch.PollInterval)
		defer ticker.Stop()

		// Main polling loop until context cancellation or arrival.
		for {
			select {
			case <-ctx.Done():
				logger.Info(ctx, "Context canceled, exiting")
				return nil
			case <-ticker.C:
				if check() {
					logger.Info(ctx, "Destination reached, exiting")
					return nil
				}
			}
		}
	})
}
