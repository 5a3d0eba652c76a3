package sensor

import (
	"context"
	"fmt"
	"sync"

	"github.com/oshokin/arrival-alarm/internal/domain/arrival"
	"github.com/oshokin/arrival-alarm/internal/logger"
	"github.com/oshokin/arrival-alarm/internal/platform"
)

// Geofence relies on platform region transitions. It never emits proximity events.
type Geofence struct {
	regions       platform.RegionMonitor
	warningRadius float64

	// mu protects the fields below.
	mu         sync.Mutex
	sink       Sink
	primaryID  string
	warningID  string
	registered []string
}

// NewGeofence creates a geofence strategy. A warningRadius larger than the
// destination radius also registers a wider warning region.
func NewGeofence(regions platform.RegionMonitor, warningRadius float64) *Geofence {
	return &Geofence{
		regions:       regions,
		warningRadius: warningRadius,
	}
}

// Strategy returns StrategyGeofence.
func (g *Geofence) Strategy() arrival.Strategy {
	return arrival.StrategyGeofence
}

// Start registers the destination region and the optional warning region.
// A rejected destination region is returned as platform.ErrRegionRegistrationFailed.
func (g *Geofence) Start(ctx context.Context, dest *arrival.Destination, sink Sink) error {
	g.mu.Lock()
	defer g.mu.Unlock()

	if g.sink != nil {
		return nil
	}

	primary := platform.Region{
		ID:           PrimaryRegionID(dest.ID),
		Center:       dest.Center(),
		RadiusMeters: dest.RadiusMeters,
	}

	if err := g.regions.RegisterRegion(ctx, primary); err != nil {
		return fmt.Errorf("%w: %s: %w", platform.ErrRegionRegistrationFailed, primary.ID, err)
	}

	g.registered = append(g.registered, primary.ID)
	g.primaryID = primary.ID

	if g.warningRadius > dest.RadiusMeters {
		warning := platform.Region{
			ID:           WarningRegionID(dest.ID),
			Center:       dest.Center(),
			RadiusMeters: g.warningRadius,
		}

		// The warning region is cosmetic; monitoring works without it.
		if err := g.regions.RegisterRegion(ctx, warning); err != nil {
			logger.WarnKV(ctx, "Warning region registration failed", "region_id", warning.ID, "error", err)
		} else {
			g.registered = append(g.registered, warning.ID)
			g.warningID = warning.ID
		}
	}

	g.sink = sink

	return nil
}

// Stop unregisters every region registered by Start.
func (g *Geofence) Stop(ctx context.Context) {
	g.mu.Lock()
	registered := g.registered
	g.registered = nil
	g.sink = nil
	g.primaryID = ""
	g.warningID = ""
	g.mu.Unlock()

	for _, id := range registered {
		if err := g.regions.UnregisterRegion(ctx, id); err != nil {
			logger.WarnKV(ctx, "Unregister region failed", "region_id", id, "error", err)
		}
	}
}

// HandleTransition turns an enter transition of a registered region into an event.
func (g *Geofence) HandleTransition(t platform.RegionTransition) bool {
	g.mu.Lock()
	sink, primaryID, warningID := g.sink, g.primaryID, g.warningID
	g.mu.Unlock()

	if sink == nil || t.Kind != platform.TransitionEnter {
		return false
	}

	switch {
	case primaryID != "" && t.RegionID == primaryID:
		sink(Event{Kind: KindRegionEntered, RegionID: t.RegionID, Strategy: arrival.StrategyGeofence})
	case warningID != "" && t.RegionID == warningID:
		sink(Event{Kind: KindWarningRegionEntered, RegionID: t.RegionID, Strategy: arrival.StrategyGeofence})
	default:
		return false
	}

	return true
}
