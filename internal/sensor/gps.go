package sensor

import (
	"context"
	"sync"
	"time"

	"github.com/oshokin/arrival-alarm/internal/domain/arrival"
	"github.com/oshokin/arrival-alarm/internal/geo"
	"github.com/oshokin/arrival-alarm/internal/logger"
	"github.com/oshokin/arrival-alarm/internal/platform"
)

// DefaultUnavailableAfter is how long the GPS strategy waits for a fix before reporting the sensor unavailable.
const DefaultUnavailableAfter = 2 * time.Minute

// Provider is one position source with its own delivery filters.
type Provider struct {
	// Name labels fixes from this provider ("fine", "coarse").
	Name string
	// Source delivers the fixes.
	Source platform.PositionSource
	// Options are passed on subscription.
	Options platform.SubscribeOptions
}

// GPSConfig tunes the GPS strategy.
type GPSConfig struct {
	// UnavailableAfter is the silence after which KindSensorUnavailable is emitted.
	UnavailableAfter time.Duration
	// ZoneCadence is the minimum time between processed fixes per zone.
	ZoneCadence map[arrival.Zone]time.Duration
}

// GPS merges fixes from every provider and reports the remaining distance.
type GPS struct {
	providers []Provider
	cfg       GPSConfig

	// mu protects the fields below.
	mu      sync.Mutex
	running bool
	cancel  context.CancelFunc
	zone    arrival.Zone
}

// NewGPS creates a GPS strategy over the given providers.
func NewGPS(providers []Provider, cfg GPSConfig) *GPS {
	if cfg.UnavailableAfter <= 0 {
		cfg.UnavailableAfter = DefaultUnavailableAfter
	}

	return &GPS{
		providers: providers,
		cfg:       cfg,
		zone:      arrival.ZoneFar,
	}
}

// Strategy returns StrategyGPS.
func (g *GPS) Strategy() arrival.Strategy {
	return arrival.StrategyGPS
}

// SetZone changes the cadence used to thin out fixes.
func (g *GPS) SetZone(zone arrival.Zone) {
	g.mu.Lock()
	g.zone = zone
	g.mu.Unlock()
}

// Start subscribes to every provider and begins emitting events.
// Providers that fail to subscribe are retried whenever the sensor is reported unavailable.
func (g *GPS) Start(ctx context.Context, dest *arrival.Destination, sink Sink) error {
	g.mu.Lock()
	defer g.mu.Unlock()

	if g.running {
		return nil
	}

	// The loop outlives the caller's request context.
	loopCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	g.running = true
	g.cancel = cancel

	go g.run(loopCtx, dest.Clone(), sink)

	return nil
}

// Stop cancels the loop and unsubscribes every provider.
// It does not wait for the loop, so it may be called from within the sink.
func (g *GPS) Stop(ctx context.Context) {
	g.mu.Lock()

	if !g.running {
		g.mu.Unlock()
		return
	}

	g.running = false
	g.cancel()
	g.mu.Unlock()

	for _, p := range g.providers {
		if err := p.Source.Unsubscribe(ctx); err != nil {
			logger.WarnKV(ctx, "Unsubscribe position provider failed", "provider", p.Name, "error", err)
		}
	}
}

func (g *GPS) cadence() time.Duration {
	g.mu.Lock()
	defer g.mu.Unlock()

	return g.cfg.ZoneCadence[g.zone]
}

// run is the single goroutine that turns fixes into events.
func (g *GPS) run(ctx context.Context, dest *arrival.Destination, sink Sink) {
	var (
		fixes      = make(chan arrival.Fix)
		subscribed = make([]bool, len(g.providers))
		forwarders sync.WaitGroup
	)

	defer forwarders.Wait()

	subscribe := func() {
		for i, p := range g.providers {
			if subscribed[i] {
				continue
			}

			stream, err := p.Source.Subscribe(ctx, p.Options)
			if err != nil {
				logger.WarnKV(ctx, "Subscribe position provider failed", "provider", p.Name, "error", err)
				continue
			}

			subscribed[i] = true

			forwarders.Add(1)

			go forward(ctx, p.Name, stream, fixes, &forwarders)
		}
	}

	subscribe()

	silence := time.NewTimer(g.cfg.UnavailableAfter)
	defer silence.Stop()

	var (
		lastProcessed time.Time
		unavailable   bool
	)

	for {
		select {
		case <-ctx.Done():
			return
		case <-silence.C:
			if !unavailable {
				unavailable = true

				emit(ctx, sink, Event{
					Kind:     KindSensorUnavailable,
					Err:      platform.ErrSensorUnavailable,
					Strategy: arrival.StrategyGPS,
				})
			}

			subscribe()
			silence.Reset(g.cfg.UnavailableAfter)
		case fix := <-fixes:
			silence.Reset(g.cfg.UnavailableAfter)

			unavailable = false

			at := fix.Timestamp
			if at.IsZero() {
				at = time.Now()
			}

			remaining := geo.Remaining(fix.Coordinate, dest)

			// Cadence thins proximity updates only, a fix inside the radius always gets through.
			if remaining > 0 && !lastProcessed.IsZero() && at.Sub(lastProcessed) < g.cadence() {
				continue
			}

			lastProcessed = at

			event := Event{
				Kind:      KindProximity,
				Remaining: remaining,
				Fix:       &fix,
				Strategy:  arrival.StrategyGPS,
			}
			if remaining <= 0 {
				event.Kind = KindRegionEntered
				event.RegionID = PrimaryRegionID(dest.ID)
			}

			emit(ctx, sink, event)
		}
	}
}

// forward copies fixes from one provider into the merged channel.
func forward(ctx context.Context, name string, in <-chan arrival.Fix, out chan<- arrival.Fix, wg *sync.WaitGroup) {
	defer wg.Done()

	for {
		select {
		case <-ctx.Done():
			return
		case fix, ok := <-in:
			if !ok {
				return
			}

			if fix.Provider == "" {
				fix.Provider = name
			}

			select {
			case out <- fix:
			case <-ctx.Done():
				return
			}
		}
	}
}

// emit delivers the event unless the loop was stopped meanwhile.
func emit(ctx context.Context, sink Sink, event Event) {
	if ctx.Err() != nil {
		return
	}

	sink(event)
}
