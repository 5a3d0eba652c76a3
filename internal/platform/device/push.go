package device

import (
	"context"
	"sync"

	"github.com/oshokin/arrival-alarm/internal/domain/arrival"
	"github.com/oshokin/arrival-alarm/internal/platform"
)

const pushBuffer = 16

// PushSource is a platform.PositionSource fed by Push.
// Fixes pushed while nobody is subscribed, or while the subscriber lags, are dropped.
type PushSource struct {
	name        string
	maxAccuracy float64

	// mu protects the fields below.
	mu     sync.Mutex
	out    chan arrival.Fix
	filter platform.FixFilter
}

var _ platform.PositionSource = (*PushSource)(nil)

// NewPushSource creates a source. maxAccuracy drops less accurate fixes; 0 accepts all.
func NewPushSource(name string, maxAccuracy float64) *PushSource {
	return &PushSource{name: name, maxAccuracy: maxAccuracy}
}

// Name returns the provider name stamped on delivered fixes.
func (p *PushSource) Name() string {
	return p.name
}

// Subscribe starts delivering pushed fixes. Subscribing twice returns the same stream.
func (p *PushSource) Subscribe(_ context.Context, opts platform.SubscribeOptions) (<-chan arrival.Fix, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.out != nil {
		return p.out, nil
	}

	p.out = make(chan arrival.Fix, pushBuffer)
	p.filter = platform.FixFilter{Options: opts, MaxAccuracyMeters: p.maxAccuracy}

	return p.out, nil
}

// Unsubscribe closes the stream.
func (p *PushSource) Unsubscribe(context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.out != nil {
		close(p.out)
		p.out = nil
	}

	return nil
}

// Push offers a fix to the subscriber and reports whether it was delivered.
func (p *PushSource) Push(fix arrival.Fix) bool {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.out == nil || !p.filter.Accept(fix) {
		return false
	}

	fix.Provider = p.name

	select {
	case p.out <- fix:
		return true
	default:
		return false
	}
}
