// Package schedule turns weekly recurrence rules into one-shot wake registrations.
//
// Each rule has at most one pending wake, keyed by "rule:<id>". When it fires
// the user is prompted to arm the bound alarm and the following occurrence is
// registered again, so recurrence survives daylight-saving shifts and skipped
// days without relying on a periodic timer.
package schedule

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/oshokin/arrival-alarm/internal/domain/arrival"
	"github.com/oshokin/arrival-alarm/internal/logger"
	"github.com/oshokin/arrival-alarm/internal/platform"
)

// DefaultWindow is the inexact window used when exact wakes are denied.
const DefaultWindow = 10 * time.Minute

const keyPrefix = "rule:"

var errNilRule = errors.New("rule is nil")

// Key is the wake id of a rule.
func Key(ruleID string) string {
	return keyPrefix + ruleID
}

// RuleIDFromKey extracts the rule id from a wake id.
func RuleIDFromKey(key string) (string, bool) {
	id, ok := strings.CutPrefix(key, keyPrefix)
	if !ok || id == "" {
		return "", false
	}

	return id, true
}

// NextOccurrence returns the first instant strictly after now that matches the rule.
// Candidates are built in now's location for today and the next seven days.
func NextOccurrence(rule *arrival.RecurrenceRule, now time.Time) (time.Time, bool) {
	if rule == nil || rule.Days.Empty() {
		return time.Time{}, false
	}

	year, month, day := now.Date()

	for offset := range 8 {
		candidate := time.Date(year, month, day+offset, rule.Hour, rule.Minute, 0, 0, now.Location())
		if rule.Days.Contains(candidate.Weekday()) && candidate.After(now) {
			return candidate, true
		}
	}

	return time.Time{}, false
}

// RuleSource looks rules up by id. Missing rules are reported as arrival.ErrRuleNotFound.
type RuleSource interface {
	GetRule(ctx context.Context, id string) (*arrival.RecurrenceRule, error)
}

// Prompter asks the user to confirm arming the alarm bound to a rule.
type Prompter interface {
	PromptArm(ctx context.Context, rule *arrival.RecurrenceRule) error
}

// Observer is notified about scheduling decisions.
type Observer interface {
	WakeScheduled(exact bool)
	RuleFired()
}

type noopObserver struct{}

func (noopObserver) WakeScheduled(bool) {}
func (noopObserver) RuleFired()         {}

// Pending is a registered wake.
type Pending struct {
	// RuleID is the rule the wake belongs to.
	RuleID string
	// At is the target instant.
	At time.Time
	// Exact is false when the windowed fallback was used.
	Exact bool
	// Window is the allowed delay of a windowed wake.
	Window time.Duration
}

// Config tunes the scheduler.
type Config struct {
	// Window is the inexact fallback window.
	Window time.Duration
	// Now is the clock, time.Now by default.
	Now func() time.Time
}

// Scheduler keeps one pending wake per enabled rule.
type Scheduler struct {
	wake     platform.OneShotWakeScheduler
	rules    RuleSource
	prompter Prompter
	observer Observer
	cfg      Config

	// mu protects pending. It is independent of the monitor lock.
	mu      sync.Mutex
	pending map[string]Pending
}

// New creates a scheduler. observer may be nil.
func New(cfg Config, wake platform.OneShotWakeScheduler, rules RuleSource, prompter Prompter, observer Observer) *Scheduler {
	if cfg.Window <= 0 {
		cfg.Window = DefaultWindow
	}

	if cfg.Now == nil {
		cfg.Now = time.Now
	}

	if observer == nil {
		observer = noopObserver{}
	}

	return &Scheduler{
		wake:     wake,
		rules:    rules,
		prompter: prompter,
		observer: observer,
		cfg:      cfg,
		pending:  make(map[string]Pending),
	}
}

// Arm registers the next occurrence of the rule. A disabled rule cancels its pending wake.
// When exact wakes are denied the scheduler falls back to a windowed wake.
func (s *Scheduler) Arm(ctx context.Context, rule *arrival.RecurrenceRule) error {
	if rule == nil {
		return errNilRule
	}

	if !rule.Enabled {
		return s.Cancel(ctx, rule.ID)
	}

	at, ok := NextOccurrence(rule, s.cfg.Now())
	if !ok {
		logger.DebugKV(ctx, "Rule has no occurrence", "rule_id", rule.ID)
		return nil
	}

	key := Key(rule.ID)
	entry := Pending{RuleID: rule.ID, At: at, Exact: true}

	err := s.wake.ScheduleExact(ctx, key, at)
	if errors.Is(err, platform.ErrExactScheduleDenied) {
		logger.InfoKV(ctx, "Exact wake denied, using windowed wake", "rule_id", rule.ID, "window", s.cfg.Window)

		entry.Exact = false
		entry.Window = s.cfg.Window
		err = s.wake.ScheduleWindowed(ctx, key, at, s.cfg.Window)
	}

	if err != nil {
		return fmt.Errorf("schedule wake for rule %s: %w", rule.ID, err)
	}

	s.mu.Lock()
	s.pending[rule.ID] = entry
	s.mu.Unlock()

	logger.InfoKV(ctx, "Rule armed",
		"rule_id", rule.ID,
		"at", at.Format(time.RFC3339),
		"exact", entry.Exact,
	)

	s.observer.WakeScheduled(entry.Exact)

	return nil
}

// OnFire prompts for the fired rule and registers its following occurrence.
func (s *Scheduler) OnFire(ctx context.Context, ruleID string) error {
	ctx = logger.WithKV(ctx, "rule_id", ruleID)

	s.mu.Lock()
	delete(s.pending, ruleID)
	s.mu.Unlock()

	rule, err := s.rules.GetRule(ctx, ruleID)

	switch {
	case errors.Is(err, arrival.ErrRuleNotFound):
		logger.Info(ctx, "Fired rule no longer exists")
		return s.Cancel(ctx, ruleID)
	case err != nil:
		return fmt.Errorf("load rule %s: %w", ruleID, err)
	case !rule.Enabled:
		logger.Info(ctx, "Fired rule is disabled")
		return s.Cancel(ctx, ruleID)
	}

	s.observer.RuleFired()

	var promptErr error
	if !rule.Days.Empty() {
		if promptErr = s.prompter.PromptArm(ctx, rule); promptErr != nil {
			promptErr = fmt.Errorf("prompt arm for rule %s: %w", ruleID, promptErr)
		}
	}

	return errors.Join(promptErr, s.Arm(ctx, rule))
}

// Cancel drops the pending wake of a rule. It is safe when none is pending.
func (s *Scheduler) Cancel(ctx context.Context, ruleID string) error {
	s.mu.Lock()
	_, had := s.pending[ruleID]
	delete(s.pending, ruleID)
	s.mu.Unlock()

	if err := s.wake.Cancel(ctx, Key(ruleID)); err != nil {
		return fmt.Errorf("cancel wake for rule %s: %w", ruleID, err)
	}

	if had {
		logger.InfoKV(ctx, "Rule wake cancelled", "rule_id", ruleID)
	}

	return nil
}

// RearmAll re-registers every rule, e.g. after a restart.
func (s *Scheduler) RearmAll(ctx context.Context, rules []*arrival.RecurrenceRule) error {
	var errs []error

	for _, rule := range rules {
		if err := s.Arm(ctx, rule); err != nil {
			errs = append(errs, err)
		}
	}

	return errors.Join(errs...)
}

// Pending returns the registered wakes ordered by instant.
func (s *Scheduler) Pending() []Pending {
	s.mu.Lock()
	result := make([]Pending, 0, len(s.pending))

	for _, p := range s.pending {
		result = append(result, p)
	}
	s.mu.Unlock()

	slices.SortFunc(result, func(a, b Pending) int {
		if c := a.At.Compare(b.At); c != 0 {
			return c
		}

		return strings.Compare(a.RuleID, b.RuleID)
	})

	return result
}
