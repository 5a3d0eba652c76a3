package monitor

import (
	"context"

	"github.com/oshokin/arrival-alarm/internal/logger"
	"github.com/oshokin/arrival-alarm/internal/platform"
	"github.com/oshokin/arrival-alarm/internal/sensor"
)

// command is a side effect decided under the monitor lock and run after it is released.
type command struct {
	name string
	// session binds the command to a session; it is skipped once that session is gone.
	// Teardown commands leave it empty.
	session string
	run     func(ctx context.Context) error
}

// execute runs commands in order. Failures are logged; platform errors never stop monitoring.
func (m *Monitor) execute(ctx context.Context, cmds []command) {
	for _, c := range cmds {
		if c.session != "" && !m.isCurrent(c.session) {
			logger.DebugKV(ctx, "Skipping command of ended session", "command", c.name, "session_id", c.session)
			continue
		}

		if err := c.run(ctx); err != nil {
			logger.WarnKV(ctx, "Monitor command failed", "command", c.name, "error", err)
		}
	}
}

func (m *Monitor) postCmd(sessionID string, n platform.Notification) command {
	return command{
		name:    "post_notification",
		session: sessionID,
		run: func(ctx context.Context) error {
			return m.deps.Notifications.Post(ctx, n)
		},
	}
}

func (m *Monitor) cancelCmd() command {
	return command{
		name: "cancel_notification",
		run: func(ctx context.Context) error {
			return m.deps.Notifications.Cancel(ctx, m.cfg.NotificationID)
		},
	}
}

func (m *Monitor) stopCmd(adapter sensor.Adapter) command {
	return command{
		name: "stop_sensor",
		run: func(ctx context.Context) error {
			adapter.Stop(ctx)
			return nil
		},
	}
}

func (m *Monitor) stopVibrationCmd() command {
	return command{
		name: "stop_vibration",
		run: func(ctx context.Context) error {
			return m.deps.Vibration.Stop(ctx)
		},
	}
}

func (m *Monitor) releaseWakeCmd() command {
	return command{
		name: "release_wake",
		run: func(ctx context.Context) error {
			return m.deps.Wake.Release(ctx)
		},
	}
}

func (m *Monitor) enableCmd(alarmID string, enabled bool) command {
	return command{
		name: "set_alarm_enabled",
		run: func(ctx context.Context) error {
			if m.deps.Enabler == nil {
				return nil
			}

			return m.deps.Enabler.SetAlarmEnabled(ctx, alarmID, enabled)
		},
	}
}
