package device

import (
	"context"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/oshokin/arrival-alarm/internal/logger"
	"github.com/oshokin/arrival-alarm/internal/platform"
)

// Notifier forwards notifications to companions and remembers the active ones.
type Notifier struct {
	out Broadcaster

	// mu protects active.
	mu     sync.Mutex
	active map[string]platform.Notification
}

var (
	_ platform.NotificationSink = (*Notifier)(nil)
	_ Replayer                  = (*Notifier)(nil)
)

// NewNotifier creates a notifier that sends through out.
func NewNotifier(out Broadcaster) *Notifier {
	return &Notifier{
		out:    out,
		active: make(map[string]platform.Notification),
	}
}

// Post shows or replaces the notification with the same id.
func (n *Notifier) Post(ctx context.Context, notification platform.Notification) error {
	n.mu.Lock()
	n.active[notification.ID] = notification
	n.mu.Unlock()

	return n.out.Broadcast(ctx, TypeNotificationPost, notificationPayload(notification))
}

// Cancel removes the notification. Cancelling an unknown id is not an error.
func (n *Notifier) Cancel(ctx context.Context, id string) error {
	n.mu.Lock()
	delete(n.active, id)
	n.mu.Unlock()

	return n.out.Broadcast(ctx, TypeNotificationCancel, IDPayload{ID: id})
}

// Active returns the notifications currently shown, ordered by id.
func (n *Notifier) Active() []platform.Notification {
	n.mu.Lock()
	defer n.mu.Unlock()

	result := make([]platform.Notification, 0, len(n.active))
	for _, v := range n.active {
		result = append(result, v)
	}

	slices.SortFunc(result, func(a, b platform.Notification) int {
		return strings.Compare(a.ID, b.ID)
	})

	return result
}

// Get returns the active notification with the given id.
func (n *Notifier) Get(id string) (platform.Notification, bool) {
	n.mu.Lock()
	defer n.mu.Unlock()

	v, ok := n.active[id]

	return v, ok
}

// Replay re-posts every active notification.
func (n *Notifier) Replay() []Message {
	active := n.Active()

	result := make([]Message, 0, len(active))
	for _, v := range active {
		result = append(result, Message{Type: TypeNotificationPost, Payload: notificationPayload(v)})
	}

	return result
}

// Vibrator forwards vibration patterns to companions.
type Vibrator struct {
	out Broadcaster

	// mu protects current.
	mu      sync.Mutex
	current *platform.Pattern
}

var (
	_ platform.VibrationSink = (*Vibrator)(nil)
	_ Replayer               = (*Vibrator)(nil)
)

// NewVibrator creates a vibrator that sends through out.
func NewVibrator(out Broadcaster) *Vibrator {
	return &Vibrator{out: out}
}

// StartPattern starts the pattern, replacing a running one.
func (v *Vibrator) StartPattern(ctx context.Context, p platform.Pattern) error {
	v.mu.Lock()
	if p.Repeat {
		v.current = &p
	} else {
		v.current = nil
	}
	v.mu.Unlock()

	return v.out.Broadcast(ctx, TypeVibrationStart, vibrationPayload(p))
}

// Stop stops any running pattern.
func (v *Vibrator) Stop(ctx context.Context) error {
	v.mu.Lock()
	v.current = nil
	v.mu.Unlock()

	return v.out.Broadcast(ctx, TypeVibrationStop, nil)
}

// Vibrating reports whether a repeating pattern is running.
func (v *Vibrator) Vibrating() bool {
	v.mu.Lock()
	defer v.mu.Unlock()

	return v.current != nil
}

// Replay restarts a repeating pattern on a new companion.
func (v *Vibrator) Replay() []Message {
	v.mu.Lock()
	defer v.mu.Unlock()

	if v.current == nil {
		return nil
	}

	return []Message{{Type: TypeVibrationStart, Payload: vibrationPayload(*v.current)}}
}

// WakeLock asks companions to keep the screen awake and releases itself after the ceiling.
type WakeLock struct {
	out Broadcaster

	// mu protects the fields below.
	mu         sync.Mutex
	held       bool
	generation uint64
	timer      *time.Timer
}

var _ platform.WakeSource = (*WakeLock)(nil)

// NewWakeLock creates a wake lock that sends through out.
func NewWakeLock(out Broadcaster) *WakeLock {
	return &WakeLock{out: out}
}

// Acquire holds the lock for at most maxDuration. Acquiring again restarts the ceiling.
func (w *WakeLock) Acquire(ctx context.Context, maxDuration time.Duration) error {
	w.mu.Lock()

	if w.timer != nil {
		w.timer.Stop()
	}

	w.held = true
	w.generation++
	generation := w.generation

	if maxDuration > 0 {
		// The ceiling fires long after the request is gone.
		expireCtx := context.WithoutCancel(ctx)
		w.timer = time.AfterFunc(maxDuration, func() {
			w.expire(expireCtx, generation)
		})
	}

	w.mu.Unlock()

	return w.out.Broadcast(ctx, TypeWakeAcquire, WakePayload{MaxDurationMS: maxDuration.Milliseconds()})
}

// Release drops the lock. Releasing a lock that is not held is not an error.
func (w *WakeLock) Release(ctx context.Context) error {
	w.mu.Lock()

	if !w.held {
		w.mu.Unlock()
		return nil
	}

	w.clearLocked()
	w.mu.Unlock()

	return w.out.Broadcast(ctx, TypeWakeRelease, nil)
}

// Held reports whether the lock is held.
func (w *WakeLock) Held() bool {
	w.mu.Lock()
	defer w.mu.Unlock()

	return w.held
}

func (w *WakeLock) expire(ctx context.Context, generation uint64) {
	w.mu.Lock()

	if !w.held || w.generation != generation {
		w.mu.Unlock()
		return
	}

	w.clearLocked()
	w.mu.Unlock()

	if err := w.out.Broadcast(ctx, TypeWakeRelease, nil); err != nil {
		logger.WarnKV(ctx, "Wake ceiling release not delivered", "error", err)
	}
}

func (w *WakeLock) clearLocked() {
	w.held = false
	w.generation++

	if w.timer != nil {
		w.timer.Stop()
		w.timer = nil
	}
}
