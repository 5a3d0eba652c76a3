package observability

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"google.golang.org/grpc"
	"google.golang.org/grpc/status"

	"github.com/oshokin/arrival-alarm/internal/domain/arrival"
	"github.com/oshokin/arrival-alarm/internal/dispatch"
	"github.com/oshokin/arrival-alarm/internal/monitor"
	"github.com/oshokin/arrival-alarm/internal/schedule"
)

const namespace = "arrival"

var (
	_ monitor.Observer  = (*Collector)(nil)
	_ schedule.Observer = (*Collector)(nil)
	_ dispatch.Observer = (*Collector)(nil)
)

// Collector bundles the Prometheus metrics of the daemon. It observes the
// monitor, the recurrence scheduler, the dispatcher and the control API.
type Collector struct {
	gatherer prometheus.Gatherer

	RPCRequests  *prometheus.CounterVec
	RPCDurations *prometheus.HistogramVec

	SessionsArmed     *prometheus.CounterVec
	SessionsDismissed *prometheus.CounterVec
	Arrivals          *prometheus.CounterVec
	TimeToArrival     *prometheus.HistogramVec
	StrategyFallbacks prometheus.Counter
	Progress          prometheus.Gauge
	Zone              prometheus.Gauge

	WakesScheduled *prometheus.CounterVec
	RulesFired     prometheus.Counter

	Messages         *prometheus.CounterVec
	MessageDurations *prometheus.HistogramVec
}

// NewCollector registers the metrics against reg, the global registry when nil.
// Registering twice against the same registry reuses the existing collectors.
func NewCollector(reg prometheus.Registerer) (*Collector, error) {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}

	gatherer := prometheus.DefaultGatherer
	if g, ok := reg.(prometheus.Gatherer); ok {
		gatherer = g
	}

	c := &Collector{gatherer: gatherer}

	var errs []error

	c.RPCRequests = register(reg, &errs, prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "rpc_requests_total",
		Help:      "Handled control RPCs by service, method and gRPC status code.",
	}, []string{"service", "method", "code"}))

	c.RPCDurations = register(reg, &errs, prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: namespace,
		Name:      "rpc_request_duration_seconds",
		Help:      "Control RPC latency in seconds.",
		Buckets:   []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2, 5},
	}, []string{"service", "method"}))

	c.SessionsArmed = register(reg, &errs, prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "sessions_armed_total",
		Help:      "Armed sessions by sensing strategy.",
	}, []string{"strategy"}))

	c.SessionsDismissed = register(reg, &errs, prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "sessions_dismissed_total",
		Help:      "Dismissed sessions by the state they were in.",
	}, []string{"state"}))

	c.Arrivals = register(reg, &errs, prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "arrivals_total",
		Help:      "Declared arrivals by the strategy that detected them.",
	}, []string{"strategy"}))

	c.TimeToArrival = register(reg, &errs, prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: namespace,
		Name:      "time_to_arrival_seconds",
		Help:      "Time from arming to arrival.",
		Buckets:   prometheus.ExponentialBuckets(60, 2, 10),
	}, []string{"strategy"}))

	c.StrategyFallbacks = register(reg, &errs, prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "strategy_fallbacks_total",
		Help:      "Sessions that fell back from geofence to GPS.",
	}))

	c.Progress = register(reg, &errs, prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "progress_ratio",
		Help:      "Progress of the active session in [0,1].",
	}))

	c.Zone = register(reg, &errs, prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "zone",
		Help:      "Zone of the active session: 0 far, 1 mid, 2 near, 3 arrived.",
	}))

	c.WakesScheduled = register(reg, &errs, prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "wakes_scheduled_total",
		Help:      "Registered rule wakes by mode.",
	}, []string{"mode"}))

	c.RulesFired = register(reg, &errs, prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "rules_fired_total",
		Help:      "Recurrence rules that fired and were still enabled.",
	}))

	c.Messages = register(reg, &errs, prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "dispatch_messages_total",
		Help:      "Messages handled by the dispatcher by kind and result.",
	}, []string{"kind", "result"}))

	c.MessageDurations = register(reg, &errs, prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: namespace,
		Name:      "dispatch_message_duration_seconds",
		Help:      "Time spent handling a dispatcher message.",
		Buckets:   []float64{0.0001, 0.0005, 0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1},
	}, []string{"kind"}))

	if err := errors.Join(errs...); err != nil {
		return nil, err
	}

	return c, nil
}

// UnaryServerInterceptor records request counts and durations for unary RPCs.
func (c *Collector) UnaryServerInterceptor() grpc.UnaryServerInterceptor {
	return func(ctx context.Context, req any, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (any, error) {
		start := time.Now()
		resp, err := handler(ctx, req)

		fullMethod := ""
		if info != nil {
			fullMethod = info.FullMethod
		}

		service, method := SplitMethod(fullMethod)
		c.RPCRequests.WithLabelValues(service, method, status.Code(err).String()).Inc()
		c.RPCDurations.WithLabelValues(service, method).Observe(time.Since(start).Seconds())

		return resp, err
	}
}

// Handler exposes the /metrics endpoint.
func (c *Collector) Handler() http.Handler {
	return promhttp.HandlerFor(c.gatherer, promhttp.HandlerOpts{})
}

// SessionArmed implements monitor.Observer.
func (c *Collector) SessionArmed(strategy arrival.Strategy) {
	c.SessionsArmed.WithLabelValues(strategy.String()).Inc()
	c.Progress.Set(0)
	c.Zone.Set(float64(arrival.ZoneFar))
}

// ProgressUpdated implements monitor.Observer.
func (c *Collector) ProgressUpdated(zone arrival.Zone, progress float64) {
	c.Progress.Set(progress)
	c.Zone.Set(float64(zone))
}

// ArrivalDeclared implements monitor.Observer.
func (c *Collector) ArrivalDeclared(strategy arrival.Strategy, elapsed time.Duration) {
	c.Arrivals.WithLabelValues(strategy.String()).Inc()
	c.TimeToArrival.WithLabelValues(strategy.String()).Observe(elapsed.Seconds())
	c.Progress.Set(1)
	c.Zone.Set(float64(arrival.ZoneArrived))
}

// SessionDismissed implements monitor.Observer.
func (c *Collector) SessionDismissed(state arrival.State) {
	c.SessionsDismissed.WithLabelValues(state.String()).Inc()
	c.Progress.Set(0)
	c.Zone.Set(float64(arrival.ZoneFar))
}

// StrategyFellBack implements monitor.Observer.
func (c *Collector) StrategyFellBack() {
	c.StrategyFallbacks.Inc()
}

// WakeScheduled implements schedule.Observer.
func (c *Collector) WakeScheduled(exact bool) {
	mode := "windowed"
	if exact {
		mode = "exact"
	}

	c.WakesScheduled.WithLabelValues(mode).Inc()
}

// RuleFired implements schedule.Observer.
func (c *Collector) RuleFired() {
	c.RulesFired.Inc()
}

// MessageHandled implements dispatch.Observer.
func (c *Collector) MessageHandled(kind string, elapsed time.Duration, failed bool) {
	result := "ok"
	if failed {
		result = "error"
	}

	c.Messages.WithLabelValues(kind, result).Inc()
	c.MessageDurations.WithLabelValues(kind).Observe(elapsed.Seconds())
}

// SplitMethod parses "/pkg.Service/Method" into its service and method names.
// Parts that cannot be parsed are reported as "unknown".
func SplitMethod(fullMethod string) (string, string) {
	parts := strings.Split(strings.TrimPrefix(fullMethod, "/"), "/")
	if len(parts) < 2 {
		return "unknown", "unknown"
	}

	service := parts[len(parts)-2]
	if dot := strings.LastIndex(service, "."); dot >= 0 {
		service = service[dot+1:]
	}

	method := parts[len(parts)-1]

	if service == "" {
		service = "unknown"
	}

	if method == "" {
		method = "unknown"
	}

	return service, method
}

// register registers c, returning the already registered collector of the same type when there is one.
// Failures are collected into errs.
func register[T prometheus.Collector](reg prometheus.Registerer, errs *[]error, c T) T {
	err := reg.Register(c)
	if err == nil {
		return c
	}

	var are prometheus.AlreadyRegisteredError
	if errors.As(err, &are) {
		if existing, ok := are.ExistingCollector.(T); ok {
			return existing
		}

		err = fmt.Errorf("collector already registered with incompatible type: %w", err)
	}

	*errs = append(*errs, err)

	return c
}
