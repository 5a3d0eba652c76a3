//nolint:revive,nolintlint // Package name "common" is intentional for shared helpers.
package common

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.opentelemetry.io/contrib/instrumentation/google.golang.org/grpc/otelgrpc"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/protobuf/types/known/structpb"

	grpcapi "github.com/oshokin/arrival-alarm/internal/api/grpc/arrival"
	"github.com/oshokin/arrival-alarm/internal/config"
	domain "github.com/oshokin/arrival-alarm/internal/domain/arrival"
)

// Client wraps the gRPC ArrivalService client with convenience helpers.
type Client struct {
	// conn is the underlying gRPC connection to the daemon.
	conn *grpc.ClientConn
	// api is the ArrivalService client stub.
	api *grpcapi.ArrivalServiceClient
	// actor is attached to every call for the daemon's audit log.
	actor *grpcapi.Actor

	// callTimeout is the default timeout for individual RPC calls.
	callTimeout time.Duration
}

// Option configures client behaviour.
type Option func(*Client)

// WithCallTimeout sets a default timeout for service calls.
func WithCallTimeout(timeout time.Duration) Option {
	return func(c *Client) {
		if timeout > 0 {
			c.callTimeout = timeout
		}
	}
}

// WithActor attaches the host and user to every call.
func WithActor(actor *grpcapi.Actor) Option {
	return func(c *Client) {
		c.actor = actor
	}
}

// ArmRequest selects the alarm to arm. Empty strategy keeps the alarm's own.
type ArmRequest struct {
	AlarmID  string
	Strategy string
	Start    *domain.Coordinate
}

// AlarmRequest describes an alarm to store. An empty ID lets the daemon
// generate one and an empty Strategy selects the daemon's default.
type AlarmRequest struct {
	Destination domain.Destination
	Strategy    string
}

var (
	// errAddressRequired is returned when a required address value is missing.
	errAddressRequired = errors.New("address must be provided")
	// errAlarmIDRequired is returned when an arm request names no alarm.
	errAlarmIDRequired = errors.New("alarm id must be provided")
	// errMalformedResponse is returned when the daemon answers with an unexpected shape.
	errMalformedResponse = errors.New("malformed response")
)

// Dial establishes a gRPC connection to the arrival daemon.
// Note: this uses insecure transport credentials; the daemon listens on
// loopback by default.
func Dial(_ context.Context, address string, opts ...Option) (*Client, error) {
	if address == "" {
		return nil, errAddressRequired
	}

	conn, err := grpc.NewClient(address,
		grpc.WithTransportCredentials(insecure.NewCredentials()),
		grpc.WithStatsHandler(otelgrpc.NewClientHandler()),
	)
	if err != nil {
		return nil, fmt.Errorf("dial arrival daemon: %w", err)
	}

	client := &Client{
		conn:        conn,
		api:         grpcapi.NewArrivalServiceClient(conn),
		callTimeout: config.DefaultTimeout,
	}

	for _, opt := range opts {
		opt(client)
	}

	return client, nil
}

// Close releases the underlying gRPC connection.
func (c *Client) Close() error {
	if c == nil || c.conn == nil {
		return nil
	}

	return c.conn.Close()
}

// Arm arms a stored alarm and returns the session with the armed flag.
func (c *Client) Arm(ctx context.Context, req ArmRequest) (*Status, bool, error) {
	if req.AlarmID == "" {
		return nil, false, errAlarmIDRequired
	}

	values := map[string]any{grpcapi.FieldAlarmID: req.AlarmID}

	if req.Strategy != "" {
		values[grpcapi.FieldStrategy] = req.Strategy
	}

	if req.Start != nil {
		values[grpcapi.FieldLatitude] = req.Start.Latitude
		values[grpcapi.FieldLongitude] = req.Start.Longitude
	}

	in, err := structpb.NewStruct(values)
	if err != nil {
		return nil, false, fmt.Errorf("build arm request: %w", err)
	}

	callCtx, cancel := c.callContext(ctx)
	defer cancel()

	resp, err := c.api.Arm(callCtx, in)
	if err != nil {
		return nil, false, fmt.Errorf("arm: %w", err)
	}

	session := resp.GetFields()[grpcapi.FieldSession].GetStructValue()
	if session == nil {
		return nil, false, fmt.Errorf("arm: %w", errMalformedResponse)
	}

	return ParseStatus(session), resp.GetFields()[grpcapi.FieldArmed].GetBoolValue(), nil
}

// Dismiss ends the active session and reports whether there was one.
func (c *Client) Dismiss(ctx context.Context) (bool, error) {
	callCtx, cancel := c.callContext(ctx)
	defer cancel()

	resp, err := c.api.Dismiss(callCtx)
	if err != nil {
		return false, fmt.Errorf("dismiss: %w", err)
	}

	return resp.GetValue(), nil
}

// Status retrieves the daemon's session snapshot.
func (c *Client) Status(ctx context.Context) (*Status, error) {
	callCtx, cancel := c.callContext(ctx)
	defer cancel()

	resp, err := c.api.GetStatus(callCtx)
	if err != nil {
		return nil, fmt.Errorf("get status: %w", err)
	}

	return ParseStatus(resp), nil
}

// ReportPosition feeds a fix to the daemon and returns how many sources accepted it.
func (c *Client) ReportPosition(ctx context.Context, fix domain.Fix) (int, error) {
	values := map[string]any{
		grpcapi.FieldLatitude:  fix.Latitude,
		grpcapi.FieldLongitude: fix.Longitude,
		grpcapi.FieldAccuracy:  fix.AccuracyMeters,
	}

	if fix.Provider != "" {
		values[grpcapi.FieldProvider] = fix.Provider
	}

	if !fix.Timestamp.IsZero() {
		values[grpcapi.FieldTimestamp] = fix.Timestamp.UTC().Format(time.RFC3339Nano)
	}

	in, err := structpb.NewStruct(values)
	if err != nil {
		return 0, fmt.Errorf("build position: %w", err)
	}

	callCtx, cancel := c.callContext(ctx)
	defer cancel()

	resp, err := c.api.ReportPosition(callCtx, in)
	if err != nil {
		return 0, fmt.Errorf("report position: %w", err)
	}

	return int(resp.GetFields()[grpcapi.FieldAccepted].GetNumberValue()), nil
}

// ReportRegionEvent delivers a region enter or exit.
func (c *Client) ReportRegionEvent(ctx context.Context, regionID, event string) error {
	in, err := structpb.NewStruct(map[string]any{
		grpcapi.FieldRegionID: regionID,
		grpcapi.FieldEvent:    event,
	})
	if err != nil {
		return fmt.Errorf("build region event: %w", err)
	}

	callCtx, cancel := c.callContext(ctx)
	defer cancel()

	if err = c.api.ReportRegionEvent(callCtx, in); err != nil {
		return fmt.Errorf("report region event: %w", err)
	}

	return nil
}

// PutAlarm creates or updates an alarm and returns it as stored.
func (c *Client) PutAlarm(ctx context.Context, req AlarmRequest) (*domain.Alarm, error) {
	values := map[string]any{
		grpcapi.FieldName:      req.Destination.Name,
		grpcapi.FieldLatitude:  req.Destination.Latitude,
		grpcapi.FieldLongitude: req.Destination.Longitude,
		grpcapi.FieldRadius:    req.Destination.RadiusMeters,
	}

	if req.Destination.ID != "" {
		values[grpcapi.FieldID] = req.Destination.ID
	}

	if req.Strategy != "" {
		values[grpcapi.FieldStrategy] = req.Strategy
	}

	in, err := structpb.NewStruct(values)
	if err != nil {
		return nil, fmt.Errorf("build alarm: %w", err)
	}

	callCtx, cancel := c.callContext(ctx)
	defer cancel()

	resp, err := c.api.PutAlarm(callCtx, in)
	if err != nil {
		return nil, fmt.Errorf("put alarm: %w", err)
	}

	return decodeAlarm(resp)
}

// ListAlarms returns every stored alarm.
func (c *Client) ListAlarms(ctx context.Context) ([]*domain.Alarm, error) {
	callCtx, cancel := c.callContext(ctx)
	defer cancel()

	resp, err := c.api.ListAlarms(callCtx)
	if err != nil {
		return nil, fmt.Errorf("list alarms: %w", err)
	}

	return decodeList(resp, decodeAlarm)
}

// DeleteAlarm removes an alarm and its rules.
func (c *Client) DeleteAlarm(ctx context.Context, id string) error {
	callCtx, cancel := c.callContext(ctx)
	defer cancel()

	if err := c.api.DeleteAlarm(callCtx, id); err != nil {
		return fmt.Errorf("delete alarm: %w", err)
	}

	return nil
}

// PutRule creates or updates a recurrence rule and returns it as stored.
func (c *Client) PutRule(ctx context.Context, rule *domain.RecurrenceRule) (*domain.RecurrenceRule, error) {
	callCtx, cancel := c.callContext(ctx)
	defer cancel()

	resp, err := c.api.PutRule(callCtx, grpcapi.FromDomainRule(rule))
	if err != nil {
		return nil, fmt.Errorf("put rule: %w", err)
	}

	return decodeRule(resp)
}

// ListRules returns every stored rule.
func (c *Client) ListRules(ctx context.Context) ([]*domain.RecurrenceRule, error) {
	callCtx, cancel := c.callContext(ctx)
	defer cancel()

	resp, err := c.api.ListRules(callCtx)
	if err != nil {
		return nil, fmt.Errorf("list rules: %w", err)
	}

	return decodeList(resp, decodeRule)
}

// DeleteRule removes a rule and cancels its pending wake.
func (c *Client) DeleteRule(ctx context.Context, id string) error {
	callCtx, cancel := c.callContext(ctx)
	defer cancel()

	if err := c.api.DeleteRule(callCtx, id); err != nil {
		return fmt.Errorf("delete rule: %w", err)
	}

	return nil
}

// FireRule fires a rule now, as if its wake had come due.
func (c *Client) FireRule(ctx context.Context, id string) error {
	callCtx, cancel := c.callContext(ctx)
	defer cancel()

	if err := c.api.FireRule(callCtx, id); err != nil {
		return fmt.Errorf("fire rule: %w", err)
	}

	return nil
}

// callContext returns a context with the client's call timeout if configured,
// otherwise a cancellable child context without a deadline. The actor rides
// along as outgoing metadata.
func (c *Client) callContext(ctx context.Context) (context.Context, context.CancelFunc) {
	ctx = c.actor.OutgoingContext(ctx)

	if c.callTimeout <= 0 {
		return context.WithCancel(ctx)
	}

	return context.WithTimeout(ctx, c.callTimeout)
}

func decodeAlarm(s *structpb.Struct) (*domain.Alarm, error) {
	alarm, err := grpcapi.ToDomainAlarm(s)
	if err != nil {
		return nil, fmt.Errorf("decode alarm: %w", err)
	}

	// ToDomainAlarm reads requests; the response also carries the timestamp.
	if ts := s.GetFields()[grpcapi.FieldUpdatedAt].GetStringValue(); ts != "" {
		if alarm.UpdatedAt, err = time.Parse(time.RFC3339Nano, ts); err != nil {
			return nil, fmt.Errorf("decode alarm: %w", err)
		}
	}

	return alarm, nil
}

func decodeRule(s *structpb.Struct) (*domain.RecurrenceRule, error) {
	rule, err := grpcapi.ToDomainRule(s)
	if err != nil {
		return nil, fmt.Errorf("decode rule: %w", err)
	}

	return rule, nil
}

func decodeList[T any](list *structpb.ListValue, decode func(*structpb.Struct) (T, error)) ([]T, error) {
	result := make([]T, 0, len(list.GetValues()))

	for _, v := range list.GetValues() {
		s := v.GetStructValue()
		if s == nil {
			return nil, errMalformedResponse
		}

		item, err := decode(s)
		if err != nil {
			return nil, err
		}

		result = append(result, item)
	}

	return result, nil
}
