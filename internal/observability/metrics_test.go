package observability

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	dto "github.com/prometheus/client_model/go"
	"github.com/stretchr/testify/require"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"github.com/oshokin/arrival-alarm/internal/config"
	"github.com/oshokin/arrival-alarm/internal/domain/arrival"
)

func newCollector(t *testing.T) (*Collector, *prometheus.Registry) {
	t.Helper()

	reg := prometheus.NewRegistry()
	c, err := NewCollector(reg)
	require.NoError(t, err)

	return c, reg
}

func sampleCount(t *testing.T, reg *prometheus.Registry, name string) uint64 {
	t.Helper()

	families, err := reg.Gather()
	require.NoError(t, err)

	var total uint64

	for _, family := range families {
		if family.GetName() != name || family.GetType() != dto.MetricType_HISTOGRAM {
			continue
		}

		for _, m := range family.GetMetric() {
			total += m.GetHistogram().GetSampleCount()
		}
	}

	return total
}

func TestUnaryInterceptor(t *testing.T) {
	t.Parallel()

	c, reg := newCollector(t)
	interceptor := c.UnaryServerInterceptor()
	info := &grpc.UnaryServerInfo{FullMethod: "/arrival.v1.ArrivalService/Arm"}

	_, err := interceptor(context.Background(), struct{}{}, info, func(context.Context, any) (any, error) {
		return "ok", nil
	})
	require.NoError(t, err)

	_, err = interceptor(context.Background(), struct{}{}, info, func(context.Context, any) (any, error) {
		return nil, status.Error(codes.NotFound, "no alarm")
	})
	require.Error(t, err)

	require.InDelta(t, 1, testutil.ToFloat64(c.RPCRequests.WithLabelValues("ArrivalService", "Arm", "OK")), 0)
	require.InDelta(t, 1, testutil.ToFloat64(c.RPCRequests.WithLabelValues("ArrivalService", "Arm", "NotFound")), 0)
	require.Equal(t, uint64(2), sampleCount(t, reg, "arrival_rpc_request_duration_seconds"))
}

func TestCollector_Observers(t *testing.T) {
	t.Parallel()

	c, reg := newCollector(t)

	c.SessionArmed(arrival.StrategyGeofence)
	c.ProgressUpdated(arrival.ZoneNear, 0.75)
	require.InDelta(t, 0.75, testutil.ToFloat64(c.Progress), 1e-9)
	require.InDelta(t, float64(arrival.ZoneNear), testutil.ToFloat64(c.Zone), 0)

	c.StrategyFellBack()
	c.ArrivalDeclared(arrival.StrategyGPS, 12*time.Minute)
	c.SessionDismissed(arrival.StateArrived)

	require.InDelta(t, 1, testutil.ToFloat64(c.SessionsArmed.WithLabelValues("geofence")), 0)
	require.InDelta(t, 1, testutil.ToFloat64(c.Arrivals.WithLabelValues("gps")), 0)
	require.InDelta(t, 1, testutil.ToFloat64(c.SessionsDismissed.WithLabelValues("arrived")), 0)
	require.InDelta(t, 1, testutil.ToFloat64(c.StrategyFallbacks), 0)
	require.Equal(t, uint64(1), sampleCount(t, reg, "arrival_time_to_arrival_seconds"))

	c.WakeScheduled(true)
	c.WakeScheduled(false)
	c.RuleFired()
	require.InDelta(t, 1, testutil.ToFloat64(c.WakesScheduled.WithLabelValues("exact")), 0)
	require.InDelta(t, 1, testutil.ToFloat64(c.WakesScheduled.WithLabelValues("windowed")), 0)
	require.InDelta(t, 1, testutil.ToFloat64(c.RulesFired), 0)

	c.MessageHandled("arm_alarm", time.Millisecond, false)
	c.MessageHandled("fire", time.Millisecond, true)
	require.InDelta(t, 1, testutil.ToFloat64(c.Messages.WithLabelValues("arm_alarm", "ok")), 0)
	require.InDelta(t, 1, testutil.ToFloat64(c.Messages.WithLabelValues("fire", "error")), 0)
}

func TestNewCollector_ReusesRegistered(t *testing.T) {
	t.Parallel()

	first, reg := newCollector(t)

	second, err := NewCollector(reg)
	require.NoError(t, err)
	require.Same(t, first.RulesFired, second.RulesFired)
}

func TestHandler_ExposesMetrics(t *testing.T) {
	t.Parallel()

	c, _ := newCollector(t)
	c.RuleFired()

	rr := httptest.NewRecorder()
	c.Handler().ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/metrics", nil))

	require.Equal(t, http.StatusOK, rr.Code)
	require.Contains(t, rr.Body.String(), "arrival_rules_fired_total 1")
}

func TestSplitMethod(t *testing.T) {
	t.Parallel()

	tests := []struct {
		in      string
		service string
		method  string
	}{
		{"/arrival.v1.ArrivalService/GetStatus", "ArrivalService", "GetStatus"},
		{"Svc/Do", "Svc", "Do"},
		{"", "unknown", "unknown"},
		{"/onlyone", "unknown", "unknown"},
		{"/pkg./", "unknown", "unknown"},
	}

	for _, tt := range tests {
		service, method := SplitMethod(tt.in)
		require.Equal(t, tt.service, service, tt.in)
		require.Equal(t, tt.method, method, tt.in)
	}
}

func TestInitTracing_Disabled(t *testing.T) {
	t.Parallel()

	shutdown, err := InitTracing(context.Background(), config.TracingConfig{})
	require.NoError(t, err)
	require.NoError(t, shutdown(context.Background()))

	ShutdownWithTimeout(context.Background(), shutdown)
	ShutdownWithTimeout(context.Background(), nil)

	_, err = newExporter(context.Background(), config.TracingConfig{Exporter: "zipkin"})
	require.Error(t, err)
}
