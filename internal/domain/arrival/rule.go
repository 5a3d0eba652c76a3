package arrival

import (
	"errors"
	"fmt"
	"slices"
	"strings"
	"time"
)

var (
	// ErrInvalidDay is returned when a day number is outside 1..7.
	ErrInvalidDay = errors.New("day must be within 1..7 (1=Sunday)")
	// ErrInvalidTimeOfDay is returned when hour or minute is out of range.
	ErrInvalidTimeOfDay = errors.New("time of day is out of range")
	// ErrRuleIDRequired is returned when a rule has no id.
	ErrRuleIDRequired = errors.New("rule id is required")
	// ErrRuleDestinationRequired is returned when a rule is not bound to a destination.
	ErrRuleDestinationRequired = errors.New("rule destination id is required")
	// ErrRuleNotFound is returned by stores when no rule has the requested id.
	ErrRuleNotFound = errors.New("rule not found")
)

// DaySet is a set of weekdays stored as a bitmask indexed by time.Weekday.
type DaySet uint8

// NewDaySet builds a set from the given weekdays.
func NewDaySet(days ...time.Weekday) DaySet {
	var s DaySet
	for _, d := range days {
		s = s.With(d)
	}

	return s
}

// ParseDays builds a set from day numbers where 1 is Sunday and 7 is Saturday.
func ParseDays(days []int) (DaySet, error) {
	var s DaySet

	for _, d := range days {
		if d < 1 || d > 7 {
			return 0, fmt.Errorf("%w: %d", ErrInvalidDay, d)
		}

		s = s.With(time.Weekday(d - 1))
	}

	return s, nil
}

// With returns the set with d added.
func (s DaySet) With(d time.Weekday) DaySet {
	return s | 1<<uint(d)
}

// Contains reports whether d is in the set.
func (s DaySet) Contains(d time.Weekday) bool {
	return s&(1<<uint(d)) != 0
}

// Empty reports whether no weekday is set.
func (s DaySet) Empty() bool {
	return s&0x7f == 0
}

// Ints returns the day numbers in ascending order, 1 being Sunday.
func (s DaySet) Ints() []int {
	result := make([]int, 0, 7)

	for d := time.Sunday; d <= time.Saturday; d++ {
		if s.Contains(d) {
			result = append(result, int(d)+1)
		}
	}

	return result
}

// String renders the set as short weekday names, e.g. "Mon,Wed,Fri".
func (s DaySet) String() string {
	names := make([]string, 0, 7)

	for d := time.Sunday; d <= time.Saturday; d++ {
		if s.Contains(d) {
			names = append(names, d.String()[:3])
		}
	}

	return strings.Join(names, ",")
}

// RecurrenceRule arms a confirmation prompt every selected weekday at a fixed time of day.
type RecurrenceRule struct {
	// ID identifies the rule and keys its pending wake.
	ID string
	// DestinationID is the alarm the rule prompts to arm.
	DestinationID string
	// Days are the weekdays the rule fires on.
	Days DaySet
	// Hour is the local hour of day, 0..23.
	Hour int
	// Minute is the local minute, 0..59.
	Minute int
	// Enabled is false when the rule is paused.
	Enabled bool
}

// Validate checks the rule identifiers and time of day.
func (r *RecurrenceRule) Validate() error {
	if r.ID == "" {
		return ErrRuleIDRequired
	}

	if r.DestinationID == "" {
		return ErrRuleDestinationRequired
	}

	if r.Hour < 0 || r.Hour > 23 || r.Minute < 0 || r.Minute > 59 {
		return fmt.Errorf("%w: %02d:%02d", ErrInvalidTimeOfDay, r.Hour, r.Minute)
	}

	return nil
}

// Clone returns a copy of the rule.
func (r *RecurrenceRule) Clone() *RecurrenceRule {
	if r == nil {
		return nil
	}

	cloned := *r

	return &cloned
}

// Equal reports whether both rules schedule the same thing.
func (r *RecurrenceRule) Equal(other *RecurrenceRule) bool {
	if r == nil || other == nil {
		return r == other
	}

	return *r == *other
}

// SortRules orders rules by id for stable listings.
func SortRules(rules []*RecurrenceRule) {
	slices.SortFunc(rules, func(a, b *RecurrenceRule) int {
		return strings.Compare(a.ID, b.ID)
	})
}
