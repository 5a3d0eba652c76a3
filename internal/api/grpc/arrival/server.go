package arrival

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/emptypb"
	"google.golang.org/protobuf/types/known/structpb"
	"google.golang.org/protobuf/types/known/wrapperspb"

	"github.com/oshokin/arrival-alarm/internal/dispatch"
	domain "github.com/oshokin/arrival-alarm/internal/domain/arrival"
	"github.com/oshokin/arrival-alarm/internal/logger"
	"github.com/oshokin/arrival-alarm/internal/platform"
	"github.com/oshokin/arrival-alarm/internal/store"
)

// Dispatcher abstracts the engine operations the transport layer depends on.
type Dispatcher interface {
	Arm(ctx context.Context, params dispatch.ArmParams) (domain.Session, bool, error)
	Dismiss(ctx context.Context) (bool, error)
	Status(ctx context.Context) (domain.Session, bool, error)
	ReportPosition(fix domain.Fix) int
	HandleTransition(ctx context.Context, t platform.RegionTransition)
	Fire(ctx context.Context, ruleID string)
}

// Store is the persistence the transport layer edits directly.
type Store interface {
	store.AlarmStore
	store.ScheduleStore
}

// Server implements ArrivalService.
type Server struct {
	// dispatcher serializes engine operations.
	dispatcher Dispatcher
	// store holds alarms and rules; its change stream reaches the dispatcher.
	store Store
	// defaultStrategy applies to stored alarms that name none.
	defaultStrategy domain.Strategy
	now             func() time.Time
}

var _ ArrivalServiceServer = (*Server)(nil)

// ServerOption configures a Server.
type ServerOption func(*Server)

// WithDefaultStrategy sets the strategy of alarms stored without one.
func WithDefaultStrategy(strategy domain.Strategy) ServerOption {
	return func(s *Server) {
		s.defaultStrategy = strategy
	}
}

// NewServer wires the dispatcher and the store into a gRPC handler.
func NewServer(dispatcher Dispatcher, st Store, opts ...ServerOption) *Server {
	s := &Server{
		dispatcher:      dispatcher,
		store:           st,
		defaultStrategy: domain.StrategyGPS,
		now:             time.Now,
	}

	for _, opt := range opts {
		opt(s)
	}

	return s
}

// Arm arms a stored alarm. A second arm while a session is active reports armed=false.
func (s *Server) Arm(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	if req == nil {
		return nil, status.Error(codes.InvalidArgument, "request is required")
	}

	f := fields{s: req}
	params := dispatch.ArmParams{AlarmID: f.text(FieldAlarmID, true)}

	if f.has(FieldStrategy) {
		strategy, err := domain.ParseStrategy(f.text(FieldStrategy, false))
		if err != nil {
			return nil, status.Error(codes.InvalidArgument, err.Error())
		}

		params.Strategy = &strategy
	}

	if f.has(FieldLatitude) || f.has(FieldLongitude) {
		start := domain.Coordinate{
			Latitude:  f.number(FieldLatitude, true),
			Longitude: f.number(FieldLongitude, true),
		}

		if f.err == nil {
			f.err = start.Validate()
		}

		params.Start = &start
	}

	if f.err != nil {
		return nil, status.Error(codes.InvalidArgument, f.err.Error())
	}

	ctx = withActor(ctx)

	session, armed, err := s.dispatcher.Arm(ctx, params)
	if err != nil {
		return nil, toStatus(ctx, err)
	}

	logger.InfoKV(ctx, "Arm requested", "alarm_id", params.AlarmID, "armed", armed, "session_id", session.ID)

	return &structpb.Struct{Fields: map[string]*structpb.Value{
		FieldArmed:   structpb.NewBoolValue(armed),
		FieldSession: structpb.NewStructValue(FromSession(&session, true)),
	}}, nil
}

// Dismiss ends the active session and reports whether there was one.
func (s *Server) Dismiss(ctx context.Context, _ *emptypb.Empty) (*wrapperspb.BoolValue, error) {
	ctx = withActor(ctx)

	dismissed, err := s.dispatcher.Dismiss(ctx)
	if err != nil {
		return nil, toStatus(ctx, err)
	}

	logger.InfoKV(ctx, "Dismiss requested", "dismissed", dismissed)

	return wrapperspb.Bool(dismissed), nil
}

// GetStatus returns the active session, or the idle state.
func (s *Server) GetStatus(ctx context.Context, _ *emptypb.Empty) (*structpb.Struct, error) {
	session, active, err := s.dispatcher.Status(ctx)
	if err != nil {
		return nil, toStatus(ctx, err)
	}

	return FromSession(&session, active), nil
}

// ReportPosition feeds a fix to the position sources and returns how many accepted it.
func (s *Server) ReportPosition(_ context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	fix, err := ToDomainFix(req, s.now())
	if err != nil {
		return nil, status.Error(codes.InvalidArgument, err.Error())
	}

	accepted := s.dispatcher.ReportPosition(fix)

	return &structpb.Struct{Fields: map[string]*structpb.Value{
		FieldAccepted: structpb.NewNumberValue(float64(accepted)),
	}}, nil
}

// ReportRegionEvent delivers a region transition observed by an external region monitor.
func (s *Server) ReportRegionEvent(ctx context.Context, req *structpb.Struct) (*emptypb.Empty, error) {
	t, err := ToRegionTransition(req, s.now())
	if err != nil {
		return nil, status.Error(codes.InvalidArgument, err.Error())
	}

	s.dispatcher.HandleTransition(withActor(ctx), t)

	return new(emptypb.Empty), nil
}

// PutAlarm creates or updates an alarm. The enabled flag is owned by the engine and kept as stored.
func (s *Server) PutAlarm(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	alarm, err := ToDomainAlarm(req)
	if err != nil {
		return nil, status.Error(codes.InvalidArgument, err.Error())
	}

	alarm.Enabled = false

	if _, ok := req.GetFields()[FieldStrategy]; !ok {
		alarm.Strategy = s.defaultStrategy
	}

	if alarm.Destination.ID == "" {
		alarm.Destination.ID = uuid.NewString()
	} else {
		existing, getErr := s.store.GetAlarm(ctx, alarm.Destination.ID)

		switch {
		case getErr == nil:
			alarm.Enabled = existing.Enabled
		case !errors.Is(getErr, domain.ErrAlarmNotFound):
			return nil, toStatus(ctx, getErr)
		}
	}

	if err = s.store.PutAlarm(ctx, alarm); err != nil {
		return nil, toStatus(ctx, err)
	}

	logger.InfoKV(withActor(ctx), "Alarm stored", "alarm_id", alarm.ID())

	return FromDomainAlarm(alarm), nil
}

// ListAlarms returns every stored alarm.
func (s *Server) ListAlarms(ctx context.Context, _ *emptypb.Empty) (*structpb.ListValue, error) {
	alarms, err := s.store.ListAlarms(ctx)
	if err != nil {
		return nil, toStatus(ctx, err)
	}

	values := make([]*structpb.Value, 0, len(alarms))
	for _, alarm := range alarms {
		values = append(values, structpb.NewStructValue(FromDomainAlarm(alarm)))
	}

	return &structpb.ListValue{Values: values}, nil
}

// DeleteAlarm removes an alarm and its rules.
func (s *Server) DeleteAlarm(ctx context.Context, req *wrapperspb.StringValue) (*emptypb.Empty, error) {
	if req.GetValue() == "" {
		return nil, status.Error(codes.InvalidArgument, "alarm id is required")
	}

	if err := s.store.DeleteAlarm(ctx, req.GetValue()); err != nil {
		return nil, toStatus(ctx, err)
	}

	logger.InfoKV(withActor(ctx), "Alarm deleted", "alarm_id", req.GetValue())

	return new(emptypb.Empty), nil
}

// PutRule creates or updates a recurrence rule.
func (s *Server) PutRule(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	rule, err := ToDomainRule(req)
	if err != nil {
		return nil, status.Error(codes.InvalidArgument, err.Error())
	}

	if rule.ID == "" {
		rule.ID = uuid.NewString()
	}

	if err = s.store.PutRule(ctx, rule); err != nil {
		return nil, toStatus(ctx, err)
	}

	logger.InfoKV(withActor(ctx), "Rule stored", "rule_id", rule.ID, "days", rule.Days.String())

	return FromDomainRule(rule), nil
}

// ListRules returns every stored rule.
func (s *Server) ListRules(ctx context.Context, _ *emptypb.Empty) (*structpb.ListValue, error) {
	rules, err := s.store.ListRules(ctx)
	if err != nil {
		return nil, toStatus(ctx, err)
	}

	values := make([]*structpb.Value, 0, len(rules))
	for _, rule := range rules {
		values = append(values, structpb.NewStructValue(FromDomainRule(rule)))
	}

	return &structpb.ListValue{Values: values}, nil
}

// DeleteRule removes a rule; its pending wake is cancelled through the change stream.
func (s *Server) DeleteRule(ctx context.Context, req *wrapperspb.StringValue) (*emptypb.Empty, error) {
	if req.GetValue() == "" {
		return nil, status.Error(codes.InvalidArgument, "rule id is required")
	}

	if err := s.store.DeleteRule(ctx, req.GetValue()); err != nil {
		return nil, toStatus(ctx, err)
	}

	logger.InfoKV(withActor(ctx), "Rule deleted", "rule_id", req.GetValue())

	return new(emptypb.Empty), nil
}

// FireRule fires a rule now, as if its wake had elapsed.
func (s *Server) FireRule(ctx context.Context, req *wrapperspb.StringValue) (*emptypb.Empty, error) {
	if req.GetValue() == "" {
		return nil, status.Error(codes.InvalidArgument, "rule id is required")
	}

	if _, err := s.store.GetRule(ctx, req.GetValue()); err != nil {
		return nil, toStatus(ctx, err)
	}

	ctx = withActor(ctx)
	s.dispatcher.Fire(ctx, req.GetValue())
	logger.InfoKV(ctx, "Rule fired manually", "rule_id", req.GetValue())

	return new(emptypb.Empty), nil
}

func withActor(ctx context.Context) context.Context {
	actor, ok := ActorFromContext(ctx)
	if !ok {
		return ctx
	}

	return logger.WithKV(ctx, "actor_host", actor.Hostname, "actor_user", actor.Username, "actor_client", actor.Client)
}

var invalidArgument = []error{
	domain.ErrInvalidLatitude,
	domain.ErrInvalidLongitude,
	domain.ErrInvalidRadius,
	domain.ErrDestinationIDRequired,
	domain.ErrUnknownStrategy,
	domain.ErrInvalidDay,
	domain.ErrInvalidTimeOfDay,
	domain.ErrRuleIDRequired,
	domain.ErrRuleDestinationRequired,
}

// toStatus maps domain and dispatcher errors to gRPC status errors.
func toStatus(ctx context.Context, err error) error {
	switch {
	case errors.Is(err, domain.ErrAlarmNotFound), errors.Is(err, domain.ErrRuleNotFound):
		return status.Error(codes.NotFound, err.Error())
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return status.FromContextError(err).Err()
	case errors.Is(err, dispatch.ErrNotRunning):
		return status.Error(codes.Unavailable, err.Error())
	}

	for _, target := range invalidArgument {
		if errors.Is(err, target) {
			return status.Error(codes.InvalidArgument, err.Error())
		}
	}

	logger.ErrorKV(ctx, "Control call failed", "error", err)

	return status.Error(codes.Internal, "internal error")
}
