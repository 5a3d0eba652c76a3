package platform

import (
	"github.com/oshokin/arrival-alarm/internal/domain/arrival"
	"github.com/oshokin/arrival-alarm/internal/geo"
)

// FixFilter applies SubscribeOptions and an accuracy gate to a stream of fixes.
// It is not safe for concurrent use.
type FixFilter struct {
	// Options are the interval and displacement limits.
	Options SubscribeOptions
	// MaxAccuracyMeters drops less accurate fixes; 0 accepts all.
	MaxAccuracyMeters float64

	last    arrival.Fix
	hasLast bool
}

// Accept reports whether the fix should be delivered and remembers it if so.
// Fixes without a timestamp skip the interval check.
func (f *FixFilter) Accept(fix arrival.Fix) bool {
	if f.MaxAccuracyMeters > 0 && fix.AccuracyMeters > f.MaxAccuracyMeters {
		return false
	}

	if f.hasLast {
		if f.Options.MinInterval > 0 && !fix.Timestamp.IsZero() && !f.last.Timestamp.IsZero() &&
			fix.Timestamp.Sub(f.last.Timestamp) < f.Options.MinInterval {
			return false
		}

		if f.Options.MinDisplacementMeters > 0 &&
			geo.DistanceMeters(f.last.Coordinate, fix.Coordinate) < f.Options.MinDisplacementMeters {
			return false
		}
	}

	f.last = fix
	f.hasLast = true

	return true
}

// Reset forgets the last delivered fix.
func (f *FixFilter) Reset() {
	f.last = arrival.Fix{}
	f.hasLast = false
}
