package device

import (
	"context"
	"encoding/json"
	"errors"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"testing/synctest"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"

	"github.com/oshokin/arrival-alarm/internal/domain/arrival"
	"github.com/oshokin/arrival-alarm/internal/logger"
	"github.com/oshokin/arrival-alarm/internal/platform"
)

// recorder is a Broadcaster that keeps every message.
type recorder struct {
	mu       sync.Mutex
	messages []Message
}

func (r *recorder) Broadcast(_ context.Context, msgType string, payload any) error {
	r.mu.Lock()
	r.messages = append(r.messages, Message{Type: msgType, Payload: payload})
	r.mu.Unlock()

	return nil
}

func (r *recorder) types() []string {
	r.mu.Lock()
	defer r.mu.Unlock()

	result := make([]string, 0, len(r.messages))
	for _, m := range r.messages {
		result = append(result, m.Type)
	}

	return result
}

// inbound records handler calls.
type inbound struct {
	actions   chan ActionReport
	dismissed chan string
	powerSave chan bool
	positions chan arrival.Fix
}

func newInbound() *inbound {
	return &inbound{
		actions:   make(chan ActionReport, 4),
		dismissed: make(chan string, 4),
		powerSave: make(chan bool, 4),
		positions: make(chan arrival.Fix, 4),
	}
}

func (i *inbound) NotificationAction(_ context.Context, notificationID, action string) {
	i.actions <- ActionReport{NotificationID: notificationID, Action: action}
}

func (i *inbound) NotificationDismissed(_ context.Context, notificationID string) {
	i.dismissed <- notificationID
}

func (i *inbound) PowerSaveChanged(_ context.Context, on bool) {
	i.powerSave <- on
}

func (i *inbound) PositionReported(_ context.Context, fix arrival.Fix) {
	i.positions <- fix
}

// TestNotifier_TracksActive verifies posts replace by id and cancels remove.
func TestNotifier_TracksActive(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	out := new(recorder)
	n := NewNotifier(out)

	require.NoError(t, n.Post(ctx, platform.Notification{ID: "b", Title: "first"}))
	require.NoError(t, n.Post(ctx, platform.Notification{ID: "a", Title: "other"}))
	require.NoError(t, n.Post(ctx, platform.Notification{ID: "b", Title: "second"}))

	active := n.Active()
	require.Len(t, active, 2)
	require.Equal(t, "a", active[0].ID)
	require.Equal(t, "second", active[1].Title)

	require.NoError(t, n.Cancel(ctx, "b"))
	require.NoError(t, n.Cancel(ctx, "missing"))

	_, ok := n.Get("b")
	require.False(t, ok)
	require.Len(t, n.Replay(), 1)
	require.Equal(t, []string{
		TypeNotificationPost, TypeNotificationPost, TypeNotificationPost,
		TypeNotificationCancel, TypeNotificationCancel,
	}, out.types())
}

// TestVibrator_ReplaysRepeatingPattern verifies only a running repeating pattern is replayed.
func TestVibrator_ReplaysRepeatingPattern(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	v := NewVibrator(new(recorder))

	require.NoError(t, v.StartPattern(ctx, platform.Pattern{Timings: []time.Duration{0, time.Second}}))
	require.False(t, v.Vibrating())
	require.Empty(t, v.Replay())

	require.NoError(t, v.StartPattern(ctx, platform.Pattern{Timings: []time.Duration{0, 800 * time.Millisecond}, Repeat: true}))
	require.True(t, v.Vibrating())

	replay := v.Replay()
	require.Len(t, replay, 1)
	require.Equal(t, VibrationPayload{TimingsMS: []int64{0, 800}, Repeat: true}, replay[0].Payload)

	require.NoError(t, v.Stop(ctx))
	require.False(t, v.Vibrating())
}

// TestWakeLock_CeilingReleases verifies the lock releases itself after the ceiling.
func TestWakeLock_CeilingReleases(t *testing.T) {
	t.Parallel()

	synctest.Test(t, func(t *testing.T) {
		ctx := context.Background()
		out := new(recorder)
		w := NewWakeLock(out)

		require.NoError(t, w.Acquire(ctx, 10*time.Minute))
		require.True(t, w.Held())

		time.Sleep(10*time.Minute - time.Second)
		synctest.Wait()
		require.True(t, w.Held())

		time.Sleep(2 * time.Second)
		synctest.Wait()
		require.False(t, w.Held())
		require.Equal(t, []string{TypeWakeAcquire, TypeWakeRelease}, out.types())

		// Releasing after the ceiling sends nothing.
		require.NoError(t, w.Release(ctx))
		require.Equal(t, []string{TypeWakeAcquire, TypeWakeRelease}, out.types())
	})
}

// releaseFailing is a Broadcaster whose wake release messages never get through.
type releaseFailing struct{}

var errCompanionGone = errors.New("companion gone")

func (releaseFailing) Broadcast(_ context.Context, msgType string, _ any) error {
	if msgType == TypeWakeRelease {
		return errCompanionGone
	}

	return nil
}

// TestWakeLock_CeilingReleaseFailureIsLogged verifies an undelivered auto-release is reported.
func TestWakeLock_CeilingReleaseFailureIsLogged(t *testing.T) {
	t.Parallel()

	synctest.Test(t, func(t *testing.T) {
		core, logs := observer.New(zapcore.WarnLevel)
		ctx := logger.ToContext(context.Background(), zap.New(core).Sugar())
		w := NewWakeLock(releaseFailing{})

		require.NoError(t, w.Acquire(ctx, time.Minute))

		time.Sleep(time.Minute + time.Second)
		synctest.Wait()

		require.False(t, w.Held())
		require.Equal(t, 1, logs.FilterMessage("Wake ceiling release not delivered").Len())
		require.Equal(t, errCompanionGone.Error(), logs.All()[0].ContextMap()["error"])
	})
}

// TestWakeLock_ReleaseCancelsCeiling verifies an explicit release disarms the ceiling.
func TestWakeLock_ReleaseCancelsCeiling(t *testing.T) {
	t.Parallel()

	synctest.Test(t, func(t *testing.T) {
		ctx := context.Background()
		out := new(recorder)
		w := NewWakeLock(out)

		require.NoError(t, w.Acquire(ctx, time.Minute))
		require.NoError(t, w.Release(ctx))

		time.Sleep(2 * time.Minute)
		synctest.Wait()
		require.Equal(t, []string{TypeWakeAcquire, TypeWakeRelease}, out.types())
	})
}

// TestPushSource_FiltersAndStamps verifies the accuracy and displacement gates and provider naming.
func TestPushSource_FiltersAndStamps(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	p := NewPushSource("fine", 50)

	require.False(t, p.Push(arrival.Fix{Coordinate: arrival.Coordinate{Latitude: 25, Longitude: 121}}))

	fixes, err := p.Subscribe(ctx, platform.SubscribeOptions{MinDisplacementMeters: 10})
	require.NoError(t, err)

	require.False(t, p.Push(arrival.Fix{Coordinate: arrival.Coordinate{Latitude: 25, Longitude: 121}, AccuracyMeters: 200}))
	require.True(t, p.Push(arrival.Fix{Coordinate: arrival.Coordinate{Latitude: 25, Longitude: 121}, AccuracyMeters: 5}))
	require.False(t, p.Push(arrival.Fix{Coordinate: arrival.Coordinate{Latitude: 25.00001, Longitude: 121}, AccuracyMeters: 5}))

	fix := <-fixes
	require.Equal(t, "fine", fix.Provider)

	require.NoError(t, p.Unsubscribe(ctx))
	require.NoError(t, p.Unsubscribe(ctx))

	_, ok := <-fixes
	require.False(t, ok)
}

// TestHub_Dispatch verifies inbound decoding and rejection of malformed messages.
func TestHub_Dispatch(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	h := NewHub()
	handler := newInbound()

	// Without a handler messages are ignored.
	require.NoError(t, h.Dispatch(ctx, []byte(`{"type":"power_save","payload":{"on":true}}`)))

	h.SetHandler(handler)

	require.NoError(t, h.Dispatch(ctx, []byte(`{"type":"power_save","payload":{"on":true}}`)))
	require.True(t, <-handler.powerSave)

	require.NoError(t, h.Dispatch(ctx, []byte(`{"type":"dismissed","payload":{"notification_id":"n1"}}`)))
	require.Equal(t, "n1", <-handler.dismissed)

	require.NoError(t, h.Dispatch(ctx,
		[]byte(`{"type":"position","payload":{"latitude":25.1,"longitude":121.2,"accuracy_m":8}}`)))

	fix := <-handler.positions
	require.InDelta(t, 25.1, fix.Latitude, 1e-9)
	require.InDelta(t, 8, fix.AccuracyMeters, 1e-9)

	require.ErrorIs(t, h.Dispatch(ctx, []byte(`{"type":"teleport"}`)), errUnknownMessage)
	require.Error(t, h.Dispatch(ctx, []byte(`not json`)))
	require.ErrorIs(t, h.Dispatch(ctx, []byte(`{"type":"position","payload":{"latitude":95,"longitude":0}}`)),
		arrival.ErrInvalidLatitude)
}

// TestHub_WebSocketRoundtrip connects a companion, checks replay, broadcast and inbound actions.
func TestHub_WebSocketRoundtrip(t *testing.T) {
	t.Parallel()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	h := NewHub()
	handler := newInbound()
	h.SetHandler(handler)

	notifier := NewNotifier(h)
	h.AddReplayer(notifier)

	go h.Run(ctx)

	require.NoError(t, notifier.Post(ctx, platform.Notification{ID: "arrival-monitor", Title: "Heading to Home"}))

	server := httptest.NewServer(h)
	defer server.Close()

	conn, resp, err := websocket.DefaultDialer.Dial("ws"+strings.TrimPrefix(server.URL, "http"), nil)
	require.NoError(t, err)

	defer func() {
		_ = resp.Body.Close()
		_ = conn.Close()
	}()

	require.NoError(t, conn.SetReadDeadline(time.Now().Add(5*time.Second)))

	var envelope struct {
		Type    string          `json:"type"`
		Payload json.RawMessage `json:"payload"`
	}

	// The active notification is replayed on connect.
	require.NoError(t, conn.ReadJSON(&envelope))
	require.Equal(t, TypeNotificationPost, envelope.Type)

	var posted NotificationPayload
	require.NoError(t, json.Unmarshal(envelope.Payload, &posted))
	require.Equal(t, "Heading to Home", posted.Title)

	require.NoError(t, notifier.Cancel(ctx, "arrival-monitor"))
	require.NoError(t, conn.ReadJSON(&envelope))
	require.Equal(t, TypeNotificationCancel, envelope.Type)

	require.NoError(t, conn.WriteJSON(map[string]any{
		"type":    TypeAction,
		"payload": ActionReport{NotificationID: "arrival-monitor", Action: "dismiss"},
	}))

	select {
	case got := <-handler.actions:
		require.Equal(t, ActionReport{NotificationID: "arrival-monitor", Action: "dismiss"}, got)
	case <-time.After(5 * time.Second):
		t.Fatal("action not delivered")
	}
}
