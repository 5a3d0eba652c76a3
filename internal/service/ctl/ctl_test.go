package ctl

import (
	"bytes"
	"context"
	"errors"
	"net"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	grpcapi "github.com/oshokin/arrival-alarm/internal/api/grpc/arrival"
	"github.com/oshokin/arrival-alarm/internal/config"
	"github.com/oshokin/arrival-alarm/internal/dispatch"
	domain "github.com/oshokin/arrival-alarm/internal/domain/arrival"
	"github.com/oshokin/arrival-alarm/internal/platform"
	"github.com/oshokin/arrival-alarm/internal/service/common"
	"github.com/oshokin/arrival-alarm/internal/store"
)

// scriptedDispatcher answers Unavailable for the first failures calls, then keeps one session.
type scriptedDispatcher struct {
	mu       sync.Mutex
	failures int
	calls    int
	session  *domain.Session
	states   []domain.State
	fixes    []domain.Fix
	regions  []platform.RegionTransition
	fired    []string
}

func (s *scriptedDispatcher) fail() error {
	s.calls++
	if s.calls <= s.failures {
		return dispatch.ErrNotRunning
	}

	return nil
}

func (s *scriptedDispatcher) Arm(_ context.Context, params dispatch.ArmParams) (domain.Session, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.fail(); err != nil {
		return domain.Session{}, false, err
	}

	if s.session != nil {
		return *s.session, false, nil
	}

	s.session = &domain.Session{
		ID:          "s1",
		Destination: domain.Destination{ID: params.AlarmID, Name: params.AlarmID},
		State:       domain.StateMonitoring,
		ArmedAt:     time.Now(),
	}

	return *s.session, true, nil
}

func (s *scriptedDispatcher) Dismiss(context.Context) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.fail(); err != nil {
		return false, err
	}

	had := s.session != nil
	s.session = nil

	return had, nil
}

// Status walks through states, one per call, while a session is active.
func (s *scriptedDispatcher) Status(context.Context) (domain.Session, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.session == nil {
		return domain.Session{State: domain.StateIdle}, false, nil
	}

	if len(s.states) > 0 {
		s.session.State = s.states[0]
		s.states = s.states[1:]
	}

	return *s.session, true, nil
}

func (s *scriptedDispatcher) ReportPosition(fix domain.Fix) int {
	s.mu.Lock()
	s.fixes = append(s.fixes, fix)
	s.mu.Unlock()

	return 1
}

func (s *scriptedDispatcher) HandleTransition(_ context.Context, t platform.RegionTransition) {
	s.mu.Lock()
	s.regions = append(s.regions, t)
	s.mu.Unlock()
}

func (s *scriptedDispatcher) Fire(_ context.Context, ruleID string) {
	s.mu.Lock()
	s.fired = append(s.fired, ruleID)
	s.mu.Unlock()
}

// setup serves the control API on loopback and returns options pointing at it.
func setup(t *testing.T, d grpcapi.Dispatcher) (*Options, *bytes.Buffer) {
	t.Helper()

	st, err := store.Open(":memory:")
	require.NoError(t, err)

	lc := net.ListenConfig{}

	lis, err := lc.Listen(context.Background(), "tcp", "127.0.0.1:0")
	require.NoError(t, err)

	grpcServer := grpc.NewServer()
	grpcapi.Register(grpcServer, grpcapi.NewServer(d, st))

	go func() {
		_ = grpcServer.Serve(lis)
	}()

	t.Cleanup(func() {
		grpcServer.Stop()
		require.NoError(t, st.Close())
	})

	cfg := config.Default()
	cfg.GRPCAddress = lis.Addr().String()
	cfg.Timeout = 2 * time.Second

	path := filepath.Join(t.TempDir(), "arrival-alarm.yaml")
	require.NoError(t, config.Save(path, cfg))

	out := new(bytes.Buffer)

	return &Options{ConfigPath: path, RetryInterval: 10 * time.Millisecond, Out: out}, out
}

// TestRetry covers immediate success, eventual success, failure and cancellation.
func TestRetry(t *testing.T) {
	t.Parallel()

	ctx := context.Background()

	calls := 0
	require.NoError(t, retry(ctx, time.Millisecond, func() (bool, error) {
		calls++
		return calls == 3, nil
	}))
	require.Equal(t, 3, calls)

	errBoom := errors.New("boom")
	require.ErrorIs(t, retry(ctx, time.Millisecond, func() (bool, error) {
		return false, errBoom
	}), errBoom)

	canceled, cancel := context.WithCancel(ctx)
	cancel()

	require.ErrorIs(t, retry(canceled, time.Hour, func() (bool, error) {
		return false, nil
	}), context.Canceled)
}

// TestTransient separates retryable status codes from the rest.
func TestTransient(t *testing.T) {
	t.Parallel()

	require.True(t, transient(status.Error(codes.Unavailable, "down")))
	require.True(t, transient(status.Error(codes.DeadlineExceeded, "slow")))
	require.False(t, transient(status.Error(codes.NotFound, "missing")))
	require.False(t, transient(errors.New("plain")))
}

// TestArm_RetriesUntilArmed keeps pushing while the engine is not running.
func TestArm_RetriesUntilArmed(t *testing.T) {
	t.Parallel()

	d := &scriptedDispatcher{failures: 2}
	opts, out := setup(t, d)
	ctx := context.Background()

	require.NoError(t, Arm(ctx, opts, common.ArmRequest{AlarmID: "home"}))
	require.Contains(t, out.String(), "Armed: monitoring to home")

	d.mu.Lock()
	require.Equal(t, 3, d.calls)
	d.mu.Unlock()

	out.Reset()
	require.NoError(t, Arm(ctx, opts, common.ArmRequest{AlarmID: "home"}))
	require.Contains(t, out.String(), "Already armed")

	require.ErrorIs(t, Arm(ctx, opts, common.ArmRequest{AlarmID: "office"}), ErrSessionActive)
}

// TestDismiss reports whether a session ended.
func TestDismiss(t *testing.T) {
	t.Parallel()

	d := &scriptedDispatcher{failures: 1}
	opts, out := setup(t, d)
	ctx := context.Background()

	require.NoError(t, Dismiss(ctx, opts))
	require.Contains(t, out.String(), "No active session")

	require.NoError(t, Arm(ctx, opts, common.ArmRequest{AlarmID: "home"}))

	out.Reset()
	require.NoError(t, Dismiss(ctx, opts))
	require.Contains(t, out.String(), "Session dismissed")

	require.NoError(t, Status(ctx, opts))
	require.Contains(t, out.String(), "idle")
}

// TestWatch_UntilArrived stops once the session reports arrival.
func TestWatch_UntilArrived(t *testing.T) {
	t.Parallel()

	d := &scriptedDispatcher{
		states: []domain.State{domain.StateMonitoring, domain.StateMonitoring, domain.StateArrived},
	}
	opts, out := setup(t, d)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	require.NoError(t, Arm(ctx, opts, common.ArmRequest{AlarmID: "home"}))
	out.Reset()

	require.NoError(t, Watch(ctx, opts, WatchOptions{PollInterval: 10 * time.Millisecond, UntilArrived: true}))
	require.NoError(t, ctx.Err())

	lines := bytes.Count(out.Bytes(), []byte("\n"))
	require.Equal(t, 2, lines, out.String())
	require.Contains(t, out.String(), "arrived to home")
}

// TestWatch_ReturnsOnCancel exits cleanly when the context ends.
func TestWatch_ReturnsOnCancel(t *testing.T) {
	t.Parallel()

	opts, out := setup(t, new(scriptedDispatcher))
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)

	go func() {
		done <- Watch(ctx, opts, WatchOptions{PollInterval: 10 * time.Millisecond})
	}()

	time.Sleep(50 * time.Millisecond)
	cancel()

	require.NoError(t, <-done)
	require.Contains(t, out.String(), "idle")
}

// TestCatalog stores, lists, fires and deletes alarms and rules.
func TestCatalog(t *testing.T) {
	t.Parallel()

	d := new(scriptedDispatcher)
	opts, out := setup(t, d)
	ctx := context.Background()

	require.NoError(t, PutAlarm(ctx, opts, common.AlarmRequest{
		Destination: domain.Destination{ID: "home", Name: "Home", Latitude: 25.0478, Longitude: 121.517, RadiusMeters: 150},
	}))
	require.Contains(t, out.String(), "Alarm home stored (gps)")

	require.NoError(t, PutRule(ctx, opts, &domain.RecurrenceRule{
		ID:            "commute",
		DestinationID: "home",
		Days:          domain.NewDaySet(time.Monday, time.Friday),
		Hour:          17,
		Minute:        30,
		Enabled:       true,
	}))
	require.Contains(t, out.String(), "Rule commute stored: Mon,Fri 17:30")

	out.Reset()
	require.NoError(t, ListAlarms(ctx, opts))
	require.Contains(t, out.String(), "home")
	require.Contains(t, out.String(), "25.047800")

	out.Reset()
	require.NoError(t, ListRules(ctx, opts))
	require.Contains(t, out.String(), "Mon,Fri 17:30")

	require.NoError(t, FireRule(ctx, opts, "commute"))
	require.Error(t, FireRule(ctx, opts, "missing"))

	require.NoError(t, DeleteRule(ctx, opts, "commute"))
	require.NoError(t, DeleteAlarm(ctx, opts, "home"))
	require.Error(t, DeleteAlarm(ctx, opts, "home"))

	d.mu.Lock()
	require.Equal(t, []string{"commute"}, d.fired)
	d.mu.Unlock()
}

// TestReports forwards a fix and a region event.
func TestReports(t *testing.T) {
	t.Parallel()

	d := new(scriptedDispatcher)
	opts, out := setup(t, d)
	ctx := context.Background()

	require.NoError(t, ReportPosition(ctx, opts, domain.Fix{
		Coordinate: domain.Coordinate{Latitude: 25.04, Longitude: 121.52},
	}))
	require.Contains(t, out.String(), "accepted by 1 source(s)")

	require.NoError(t, ReportRegion(ctx, opts, "home", "enter"))
	require.Contains(t, out.String(), "Region home enter reported")

	d.mu.Lock()
	defer d.mu.Unlock()

	require.Len(t, d.fixes, 1)
	require.Len(t, d.regions, 1)
}

// TestDescribeRule renders an empty day set.
func TestDescribeRule(t *testing.T) {
	t.Parallel()

	require.Equal(t, "never 07:05", describeRule(&domain.RecurrenceRule{Hour: 7, Minute: 5}))
}
