package arrival

import (
	"context"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/status"
	"google.golang.org/grpc/test/bufconn"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/oshokin/arrival-alarm/internal/dispatch"
	domain "github.com/oshokin/arrival-alarm/internal/domain/arrival"
	"github.com/oshokin/arrival-alarm/internal/platform"
	"github.com/oshokin/arrival-alarm/internal/store"
)

// fakeDispatcher implements Dispatcher with a single in-memory session.
type fakeDispatcher struct {
	mu          sync.Mutex
	session     *domain.Session
	params      []dispatch.ArmParams
	fixes       []domain.Fix
	transitions []platform.RegionTransition
	fired       []string
	err         error
}

func (f *fakeDispatcher) Arm(_ context.Context, params dispatch.ArmParams) (domain.Session, bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.err != nil {
		return domain.Session{}, false, f.err
	}

	f.params = append(f.params, params)

	if f.session != nil {
		return *f.session, false, nil
	}

	f.session = &domain.Session{
		ID:          "s1",
		Destination: domain.Destination{ID: params.AlarmID, Name: "Home"},
		State:       domain.StateArmed,
		Start:       params.Start,
		ArmedAt:     time.Date(2024, 1, 1, 8, 0, 0, 0, time.UTC),
	}

	return *f.session, true, nil
}

func (f *fakeDispatcher) Dismiss(context.Context) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	had := f.session != nil
	f.session = nil

	return had, f.err
}

func (f *fakeDispatcher) Status(context.Context) (domain.Session, bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.session == nil {
		return domain.Session{State: domain.StateIdle}, false, f.err
	}

	return *f.session, true, f.err
}

func (f *fakeDispatcher) ReportPosition(fix domain.Fix) int {
	f.mu.Lock()
	f.fixes = append(f.fixes, fix)
	f.mu.Unlock()

	return 1
}

func (f *fakeDispatcher) HandleTransition(_ context.Context, t platform.RegionTransition) {
	f.mu.Lock()
	f.transitions = append(f.transitions, t)
	f.mu.Unlock()
}

func (f *fakeDispatcher) Fire(_ context.Context, ruleID string) {
	f.mu.Lock()
	f.fired = append(f.fired, ruleID)
	f.mu.Unlock()
}

// serve starts the service on an in-memory listener and returns a connected client.
func serve(t *testing.T, d Dispatcher) (*ArrivalServiceClient, *store.Store) {
	t.Helper()

	st, err := store.Open(":memory:")
	require.NoError(t, err)

	srv := NewServer(d, st)
	srv.now = func() time.Time { return time.Date(2024, 1, 1, 9, 0, 0, 0, time.UTC) }

	listener := bufconn.Listen(1 << 20)
	grpcServer := grpc.NewServer()
	Register(grpcServer, srv)

	go func() {
		_ = grpcServer.Serve(listener)
	}()

	conn, err := grpc.NewClient("passthrough:///bufnet",
		grpc.WithContextDialer(func(ctx context.Context, _ string) (net.Conn, error) {
			return listener.DialContext(ctx)
		}),
		grpc.WithTransportCredentials(insecure.NewCredentials()),
	)
	require.NoError(t, err)

	t.Cleanup(func() {
		require.NoError(t, conn.Close())
		grpcServer.Stop()
		require.NoError(t, st.Close())
	})

	return NewArrivalServiceClient(conn), st
}

func mustNewStruct(t *testing.T, values map[string]any) *structpb.Struct {
	t.Helper()

	s, err := structpb.NewStruct(values)
	require.NoError(t, err)

	return s
}

// TestServer_AlarmsAndRules covers CRUD over the wire.
func TestServer_AlarmsAndRules(t *testing.T) {
	t.Parallel()

	client, st := serve(t, new(fakeDispatcher))
	ctx := context.Background()

	alarm, err := client.PutAlarm(ctx, mustNewStruct(t, map[string]any{
		FieldID:        "home",
		FieldName:      "Home",
		FieldLatitude:  25.0478,
		FieldLongitude: 121.517,
		FieldRadius:    150,
		FieldStrategy:  "geofence",
		FieldEnabled:   true,
	}))
	require.NoError(t, err)
	require.Equal(t, "home", alarm.GetFields()[FieldID].GetStringValue())
	require.Equal(t, "geofence", alarm.GetFields()[FieldStrategy].GetStringValue())
	require.False(t, alarm.GetFields()[FieldEnabled].GetBoolValue())

	// The stored enabled flag survives edits.
	require.NoError(t, st.SetAlarmEnabled(ctx, "home", true))

	alarm, err = client.PutAlarm(ctx, mustNewStruct(t, map[string]any{
		FieldID: "home", FieldName: "Home again", FieldLatitude: 25.0478, FieldLongitude: 121.517, FieldRadius: 200,
	}))
	require.NoError(t, err)
	require.True(t, alarm.GetFields()[FieldEnabled].GetBoolValue())
	require.Equal(t, "gps", alarm.GetFields()[FieldStrategy].GetStringValue())

	generated, err := client.PutAlarm(ctx, mustNewStruct(t, map[string]any{
		FieldLatitude: 1, FieldLongitude: 2, FieldRadius: 50,
	}))
	require.NoError(t, err)
	require.NotEmpty(t, generated.GetFields()[FieldID].GetStringValue())

	alarms, err := client.ListAlarms(ctx)
	require.NoError(t, err)
	require.Len(t, alarms.GetValues(), 2)

	rule, err := client.PutRule(ctx, mustNewStruct(t, map[string]any{
		FieldID:            "commute",
		FieldDestinationID: "home",
		FieldDays:          []any{2, 6},
		FieldHour:          17,
		FieldMinute:        30,
	}))
	require.NoError(t, err)
	require.True(t, rule.GetFields()[FieldEnabled].GetBoolValue())
	require.Len(t, rule.GetFields()[FieldDays].GetListValue().GetValues(), 2)

	stored, err := st.GetRule(ctx, "commute")
	require.NoError(t, err)
	require.Equal(t, domain.NewDaySet(time.Monday, time.Friday), stored.Days)

	rules, err := client.ListRules(ctx)
	require.NoError(t, err)
	require.Len(t, rules.GetValues(), 1)

	require.NoError(t, client.DeleteRule(ctx, "commute"))
	require.Equal(t, codes.NotFound, status.Code(client.DeleteRule(ctx, "commute")))

	require.NoError(t, client.DeleteAlarm(ctx, "home"))
	require.Equal(t, codes.NotFound, status.Code(client.DeleteAlarm(ctx, "home")))
}

// TestServer_Validation ensures malformed requests return InvalidArgument.
func TestServer_Validation(t *testing.T) {
	t.Parallel()

	client, _ := serve(t, new(fakeDispatcher))
	ctx := context.Background()

	invalid := []struct {
		name string
		call func() error
	}{
		{"alarm without radius", func() error {
			_, err := client.PutAlarm(ctx, mustNewStruct(t, map[string]any{FieldLatitude: 1, FieldLongitude: 2}))
			return err
		}},
		{"alarm with bad latitude", func() error {
			_, err := client.PutAlarm(ctx, mustNewStruct(t, map[string]any{FieldLatitude: 91, FieldLongitude: 2, FieldRadius: 5}))
			return err
		}},
		{"alarm with unknown strategy", func() error {
			_, err := client.PutAlarm(ctx, mustNewStruct(t, map[string]any{
				FieldLatitude: 1, FieldLongitude: 2, FieldRadius: 5, FieldStrategy: "wifi",
			}))
			return err
		}},
		{"rule with day 8", func() error {
			_, err := client.PutRule(ctx, mustNewStruct(t, map[string]any{
				FieldDestinationID: "home", FieldDays: []any{8}, FieldHour: 7,
			}))
			return err
		}},
		{"rule with fractional hour", func() error {
			_, err := client.PutRule(ctx, mustNewStruct(t, map[string]any{FieldDestinationID: "home", FieldHour: 7.5}))
			return err
		}},
		{"arm without alarm id", func() error {
			_, err := client.Arm(ctx, mustNewStruct(t, map[string]any{}))
			return err
		}},
		{"arm with half a start", func() error {
			_, err := client.Arm(ctx, mustNewStruct(t, map[string]any{FieldAlarmID: "home", FieldLatitude: 1}))
			return err
		}},
		{"position without longitude", func() error {
			_, err := client.ReportPosition(ctx, mustNewStruct(t, map[string]any{FieldLatitude: 1}))
			return err
		}},
		{"region event of unknown kind", func() error {
			return client.ReportRegionEvent(ctx, mustNewStruct(t, map[string]any{FieldRegionID: "r", FieldEvent: "dwell"}))
		}},
		{"fire without id", func() error {
			return client.FireRule(ctx, "")
		}},
	}

	for _, tc := range invalid {
		require.Equal(t, codes.InvalidArgument, status.Code(tc.call()), tc.name)
	}
}

// TestServer_Session exercises arm, status and dismiss with actor metadata.
func TestServer_Session(t *testing.T) {
	t.Parallel()

	d := new(fakeDispatcher)
	client, _ := serve(t, d)

	actor := &Actor{Hostname: "laptop", Username: "commuter"}
	ctx := actor.OutgoingContext(context.Background())

	idle, err := client.GetStatus(ctx)
	require.NoError(t, err)
	require.False(t, idle.GetFields()[FieldActive].GetBoolValue())
	require.Equal(t, "idle", idle.GetFields()[FieldState].GetStringValue())

	resp, err := client.Arm(ctx, mustNewStruct(t, map[string]any{
		FieldAlarmID:   "home",
		FieldStrategy:  "geofence",
		FieldLatitude:  25.0,
		FieldLongitude: 121.5,
	}))
	require.NoError(t, err)
	require.True(t, resp.GetFields()[FieldArmed].GetBoolValue())

	session := resp.GetFields()[FieldSession].GetStructValue()
	require.Equal(t, "s1", session.GetFields()[FieldID].GetStringValue())
	require.Equal(t, "home", session.GetFields()[FieldDestinationID].GetStringValue())
	require.NotNil(t, session.GetFields()[FieldStart].GetStructValue())
	require.NotContains(t, session.GetFields(), FieldRemaining)

	d.mu.Lock()
	require.Equal(t, domain.StrategyGeofence, *d.params[0].Strategy)
	d.mu.Unlock()

	resp, err = client.Arm(ctx, mustNewStruct(t, map[string]any{FieldAlarmID: "home"}))
	require.NoError(t, err)
	require.False(t, resp.GetFields()[FieldArmed].GetBoolValue())

	active, err := client.GetStatus(ctx)
	require.NoError(t, err)
	require.True(t, active.GetFields()[FieldActive].GetBoolValue())

	dismissed, err := client.Dismiss(ctx)
	require.NoError(t, err)
	require.True(t, dismissed.GetValue())

	dismissed, err = client.Dismiss(ctx)
	require.NoError(t, err)
	require.False(t, dismissed.GetValue())
}

// TestServer_Errors maps dispatcher errors to status codes.
func TestServer_Errors(t *testing.T) {
	t.Parallel()

	d := &fakeDispatcher{err: domain.ErrAlarmNotFound}
	client, _ := serve(t, d)
	ctx := context.Background()

	_, err := client.Arm(ctx, mustNewStruct(t, map[string]any{FieldAlarmID: "missing"}))
	require.Equal(t, codes.NotFound, status.Code(err))

	d.mu.Lock()
	d.err = dispatch.ErrNotRunning
	d.mu.Unlock()

	_, err = client.GetStatus(ctx)
	require.Equal(t, codes.Unavailable, status.Code(err))

	require.Equal(t, codes.NotFound, status.Code(client.FireRule(ctx, "missing")))
}

// TestServer_Reports forwards positions, region events and manual fires.
func TestServer_Reports(t *testing.T) {
	t.Parallel()

	d := new(fakeDispatcher)
	client, st := serve(t, d)
	ctx := context.Background()

	resp, err := client.ReportPosition(ctx, mustNewStruct(t, map[string]any{
		FieldLatitude:  25.0,
		FieldLongitude: 121.5,
		FieldAccuracy:  12,
		FieldProvider:  "companion",
	}))
	require.NoError(t, err)
	require.InDelta(t, 1, resp.GetFields()[FieldAccepted].GetNumberValue(), 0)

	require.NoError(t, client.ReportRegionEvent(ctx, mustNewStruct(t, map[string]any{
		FieldRegionID: "arrival:home",
		FieldEvent:    "enter",
	})))

	require.NoError(t, st.PutAlarm(ctx, &domain.Alarm{
		Destination: domain.Destination{ID: "home", Latitude: 1, Longitude: 2, RadiusMeters: 10},
	}))
	require.NoError(t, st.PutRule(ctx, &domain.RecurrenceRule{
		ID: "commute", DestinationID: "home", Days: domain.NewDaySet(time.Monday), Hour: 7, Enabled: true,
	}))
	require.NoError(t, client.FireRule(ctx, "commute"))

	d.mu.Lock()
	defer d.mu.Unlock()

	require.Len(t, d.fixes, 1)
	require.Equal(t, time.Date(2024, 1, 1, 9, 0, 0, 0, time.UTC), d.fixes[0].Timestamp)
	require.Equal(t, "companion", d.fixes[0].Provider)
	require.Len(t, d.transitions, 1)
	require.Equal(t, platform.TransitionEnter, d.transitions[0].Kind)
	require.Equal(t, []string{"commute"}, d.fired)
}

// TestActorFromContext reads actor metadata of incoming calls.
func TestActorFromContext(t *testing.T) {
	t.Parallel()

	_, ok := ActorFromContext(context.Background())
	require.False(t, ok)

	var nilActor *Actor
	require.Equal(t, context.Background(), nilActor.OutgoingContext(context.Background()))

	sent := &Actor{Hostname: "laptop", Username: "commuter", Client: "arrivalctl/0.1.0"}
	out, ok := metadata.FromOutgoingContext(sent.OutgoingContext(context.Background()))
	require.True(t, ok)

	got, ok := ActorFromContext(metadata.NewIncomingContext(context.Background(), out))
	require.True(t, ok)
	require.Equal(t, sent, got)
}

// TestServer_DefaultStrategy applies the configured strategy to alarms stored without one.
func TestServer_DefaultStrategy(t *testing.T) {
	t.Parallel()

	st, err := store.Open(":memory:")
	require.NoError(t, err)

	defer func() {
		require.NoError(t, st.Close())
	}()

	srv := NewServer(new(fakeDispatcher), st, WithDefaultStrategy(domain.StrategyGeofence))
	ctx := context.Background()

	alarm, err := srv.PutAlarm(ctx, mustNewStruct(t, map[string]any{
		FieldID: "home", FieldLatitude: 25.0478, FieldLongitude: 121.517, FieldRadius: 150,
	}))
	require.NoError(t, err)
	require.Equal(t, "geofence", alarm.GetFields()[FieldStrategy].GetStringValue())

	alarm, err = srv.PutAlarm(ctx, mustNewStruct(t, map[string]any{
		FieldID: "home", FieldLatitude: 25.0478, FieldLongitude: 121.517, FieldRadius: 150, FieldStrategy: "gps",
	}))
	require.NoError(t, err)
	require.Equal(t, "gps", alarm.GetFields()[FieldStrategy].GetStringValue())
}
