// Package wake implements the one-shot wake scheduler inside the daemon.
//
// Registrations are kept in a heap ordered by instant and served by a single
// timer. Every change is persisted through a repository so pending wakes
// survive a restart; registrations that became due while the daemon was down
// fire as soon as Run starts.
package wake

import (
	"container/heap"
	"context"
	"errors"
	"fmt"
	"maps"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/oshokin/arrival-alarm/internal/logger"
	"github.com/oshokin/arrival-alarm/internal/platform"
	wakerepo "github.com/oshokin/arrival-alarm/internal/repository/wake"
)

// Handler is called on the scheduler goroutine when a wake fires. It must not block for long.
type Handler func(ctx context.Context, id string)

// Config tunes the scheduler.
type Config struct {
	// AllowExact permits exact wakes. When false ScheduleExact returns platform.ErrExactScheduleDenied.
	AllowExact bool
	// Now is the clock, time.Now by default.
	Now func() time.Time
}

// Scheduler is an in-process platform.OneShotWakeScheduler.
type Scheduler struct {
	cfg     Config
	repo    wakerepo.Repository
	handler Handler
	reload  chan struct{}

	// mu protects entries.
	mu      sync.Mutex
	entries map[string]wakerepo.Registration
}

var _ platform.OneShotWakeScheduler = (*Scheduler)(nil)

// New creates a scheduler. repo may be nil for a memory-only scheduler.
func New(cfg Config, repo wakerepo.Repository, handler Handler) *Scheduler {
	if cfg.Now == nil {
		cfg.Now = time.Now
	}

	return &Scheduler{
		cfg:     cfg,
		repo:    repo,
		handler: handler,
		reload:  make(chan struct{}, 1),
		entries: make(map[string]wakerepo.Registration),
	}
}

// Load restores persisted registrations. A missing file is not an error.
func (s *Scheduler) Load(ctx context.Context) error {
	if s.repo == nil {
		return nil
	}

	registrations, err := s.repo.Load(ctx)

	switch {
	case errors.Is(err, wakerepo.ErrNotFound):
		return nil
	case err != nil:
		return fmt.Errorf("load wake registrations: %w", err)
	}

	s.mu.Lock()
	for _, r := range registrations {
		s.entries[r.ID] = r
	}
	s.mu.Unlock()

	logger.InfoKV(ctx, "Wake registrations restored", "count", len(registrations))
	s.signal()

	return nil
}

// ScheduleExact registers a wake at exactly at.
func (s *Scheduler) ScheduleExact(ctx context.Context, id string, at time.Time) error {
	if !s.cfg.AllowExact {
		return platform.ErrExactScheduleDenied
	}

	return s.put(ctx, wakerepo.Registration{ID: id, At: at, Exact: true})
}

// ScheduleWindowed registers a wake within [at, at+window]. The in-process timer fires at the window start.
func (s *Scheduler) ScheduleWindowed(ctx context.Context, id string, at time.Time, window time.Duration) error {
	return s.put(ctx, wakerepo.Registration{ID: id, At: at, Window: window})
}

// Cancel drops a pending wake. It is safe when none is pending.
func (s *Scheduler) Cancel(ctx context.Context, id string) error {
	s.mu.Lock()

	if _, ok := s.entries[id]; !ok {
		s.mu.Unlock()
		return nil
	}

	delete(s.entries, id)
	snapshot := s.snapshotLocked()
	s.mu.Unlock()

	s.signal()

	return s.persist(ctx, snapshot)
}

// Pending returns the registrations ordered by instant.
func (s *Scheduler) Pending() []wakerepo.Registration {
	s.mu.Lock()
	defer s.mu.Unlock()

	result := s.snapshotLocked()
	slices.SortFunc(result, func(a, b wakerepo.Registration) int {
		if c := a.At.Compare(b.At); c != 0 {
			return c
		}

		return strings.Compare(a.ID, b.ID)
	})

	return result
}

// Run serves the timer until ctx is done.
func (s *Scheduler) Run(ctx context.Context) error {
	var q queue

	timer := time.NewTimer(time.Hour)
	timer.Stop()

	rebuild := func() {
		q = s.queue()

		timer.Stop()

		if len(q) > 0 {
			timer.Reset(max(0, q[0].At.Sub(s.cfg.Now())))
		}
	}

	rebuild()

	for {
		select {
		case <-ctx.Done():
			timer.Stop()
			return nil
		case <-s.reload:
			rebuild()
		case <-timer.C:
			now := s.cfg.Now()

			var due []wakerepo.Registration
			for len(q) > 0 && !q[0].At.After(now) {
				entry, _ := heap.Pop(&q).(wakerepo.Registration)
				due = append(due, entry)
			}

			s.fire(ctx, due)
			rebuild()
		}
	}
}

// fire removes due registrations that were not replaced meanwhile and calls the handler.
func (s *Scheduler) fire(ctx context.Context, due []wakerepo.Registration) {
	if len(due) == 0 {
		return
	}

	fired := make([]wakerepo.Registration, 0, len(due))

	s.mu.Lock()
	for _, r := range due {
		if current, ok := s.entries[r.ID]; ok && current == r {
			delete(s.entries, r.ID)
			fired = append(fired, r)
		}
	}
	snapshot := s.snapshotLocked()
	s.mu.Unlock()

	if len(fired) == 0 {
		return
	}

	if err := s.persist(ctx, snapshot); err != nil {
		logger.ErrorKV(ctx, "Persist wake registrations failed", "error", err)
	}

	for _, r := range fired {
		logger.DebugKV(ctx, "Wake fired", "id", r.ID, "late_by", s.cfg.Now().Sub(r.At))

		if s.handler != nil {
			s.handler(ctx, r.ID)
		}
	}
}

func (s *Scheduler) put(ctx context.Context, r wakerepo.Registration) error {
	s.mu.Lock()
	s.entries[r.ID] = r
	snapshot := s.snapshotLocked()
	s.mu.Unlock()

	s.signal()

	return s.persist(ctx, snapshot)
}

func (s *Scheduler) persist(ctx context.Context, snapshot []wakerepo.Registration) error {
	if s.repo == nil {
		return nil
	}

	if err := s.repo.Save(ctx, snapshot); err != nil {
		return fmt.Errorf("save wake registrations: %w", err)
	}

	return nil
}

// signal asks the run loop to rebuild its queue. It never blocks.
func (s *Scheduler) signal() {
	select {
	case s.reload <- struct{}{}:
	default:
	}
}

// snapshotLocked copies the registrations. Callers hold s.mu.
func (s *Scheduler) snapshotLocked() []wakerepo.Registration {
	return slices.Collect(maps.Values(s.entries))
}

func (s *Scheduler) queue() queue {
	s.mu.Lock()
	q := queue(s.snapshotLocked())
	s.mu.Unlock()

	heap.Init(&q)

	return q
}

// queue is a min-heap of registrations by instant.
type queue []wakerepo.Registration

var _ heap.Interface = (*queue)(nil)

func (q queue) Len() int {
	return len(q)
}

func (q queue) Less(i, j int) bool {
	return q[i].At.Before(q[j].At)
}

func (q queue) Swap(i, j int) {
	q[i], q[j] = q[j], q[i]
}

func (q *queue) Push(x any) {
	entry, _ := x.(wakerepo.Registration)
	*q = append(*q, entry)
}

func (q *queue) Pop() any {
	old := *q
	n := len(old)
	it := old[n-1]
	old[n-1] = wakerepo.Registration{}
	*q = old[:n-1]

	return it
}
