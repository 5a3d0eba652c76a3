// Package store persists alarms and recurrence rules in SQLite and streams
// every change to subscribers.
//
// A single connection serves all calls under a mutex; the workload is a
// handful of rows written by one user.
package store

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"crawshaw.io/sqlite"
	"crawshaw.io/sqlite/sqlitex"

	"github.com/oshokin/arrival-alarm/internal/domain/arrival"
	"github.com/oshokin/arrival-alarm/internal/logger"
	"github.com/oshokin/arrival-alarm/internal/store/migration"
)

// subscriberBuffer is the channel capacity of a subscription; changes beyond it queue in memory.
const subscriberBuffer = 32

// Entity names what changed.
type Entity int

const (
	// EntityAlarm is an alarm row.
	EntityAlarm Entity = iota
	// EntityRule is a recurrence rule row.
	EntityRule
)

// ChangeKind is the kind of write.
type ChangeKind int

const (
	// ChangePut is an insert or update.
	ChangePut ChangeKind = iota
	// ChangeDelete is a removal.
	ChangeDelete
)

// Change describes one committed write.
type Change struct {
	Entity Entity
	Kind   ChangeKind
	ID     string
	// Alarm is set for alarm puts.
	Alarm *arrival.Alarm
	// Rule is set for rule puts.
	Rule *arrival.RecurrenceRule
}

// AlarmStore reads and writes alarms.
type AlarmStore interface {
	GetAlarm(ctx context.Context, id string) (*arrival.Alarm, error)
	ListAlarms(ctx context.Context) ([]*arrival.Alarm, error)
	PutAlarm(ctx context.Context, alarm *arrival.Alarm) error
	DeleteAlarm(ctx context.Context, id string) error
	SetAlarmEnabled(ctx context.Context, id string, enabled bool) error
}

// ScheduleStore reads and writes recurrence rules.
type ScheduleStore interface {
	GetRule(ctx context.Context, id string) (*arrival.RecurrenceRule, error)
	ListRules(ctx context.Context) ([]*arrival.RecurrenceRule, error)
	PutRule(ctx context.Context, rule *arrival.RecurrenceRule) error
	DeleteRule(ctx context.Context, id string) error
}

// Store is the SQLite implementation of AlarmStore and ScheduleStore.
type Store struct {
	now func() time.Time

	// mu serializes use of conn.
	mu   sync.Mutex
	conn *sqlite.Conn

	// subsMu protects subs.
	subsMu sync.Mutex
	subs   map[*subscriber]struct{}
}

// subscriber queues changes for one Subscribe call so a slow reader never loses any.
type subscriber struct {
	mu      sync.Mutex
	pending []Change
	// wake has capacity 1 and is signalled after every push.
	wake chan struct{}
}

// push queues changes and returns the queue length.
func (sub *subscriber) push(changes ...Change) int {
	sub.mu.Lock()
	sub.pending = append(sub.pending, changes...)
	backlog := len(sub.pending)
	sub.mu.Unlock()

	select {
	case sub.wake <- struct{}{}:
	default:
	}

	return backlog
}

func (sub *subscriber) take() []Change {
	sub.mu.Lock()
	defer sub.mu.Unlock()

	batch := sub.pending
	sub.pending = nil

	return batch
}

var (
	_ AlarmStore    = (*Store)(nil)
	_ ScheduleStore = (*Store)(nil)
)

// Open opens (creating if needed) the database at path and applies migrations.
// Use ":memory:" for a throwaway store.
func Open(path string) (*Store, error) {
	conn, err := sqlite.OpenConn(path, 0)
	if err != nil {
		return nil, fmt.Errorf("open store %s: %w", path, err)
	}

	if err = Migrate(conn, migration.Scripts); err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("migrate store: %w", err)
	}

	return &Store{
		now:  time.Now,
		conn: conn,
		subs: make(map[*subscriber]struct{}),
	}, nil
}

// Close closes the connection.
func (s *Store) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.conn.Close()
}

// Ping runs a trivial query to check the connection.
func (s *Store) Ping(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	defer s.conn.SetInterrupt(s.conn.SetInterrupt(ctx.Done()))

	if err := sqlitex.Exec(s.conn, "select 1", nil); err != nil {
		return fmt.Errorf("ping store: %w", err)
	}

	return nil
}

// Subscribe streams committed changes in order until ctx is done, then closes the channel.
// Changes the reader has not consumed yet are queued, never dropped.
func (s *Store) Subscribe(ctx context.Context) <-chan Change {
	out := make(chan Change, subscriberBuffer)
	sub := &subscriber{wake: make(chan struct{}, 1)}

	s.subsMu.Lock()
	s.subs[sub] = struct{}{}
	s.subsMu.Unlock()

	go func() {
		defer close(out)

		defer func() {
			s.subsMu.Lock()
			delete(s.subs, sub)
			s.subsMu.Unlock()
		}()

		for {
			for _, c := range sub.take() {
				select {
				case out <- c:
				case <-ctx.Done():
					return
				}
			}

			select {
			case <-sub.wake:
			case <-ctx.Done():
				return
			}
		}
	}()

	return out
}

func (s *Store) publish(ctx context.Context, changes ...Change) {
	s.subsMu.Lock()
	defer s.subsMu.Unlock()

	for sub := range s.subs {
		if backlog := sub.push(changes...); backlog > subscriberBuffer {
			logger.DebugKV(ctx, "Store subscriber is lagging", "queued", backlog)
		}
	}
}

// GetAlarm returns arrival.ErrAlarmNotFound when no alarm has the id.
func (s *Store) GetAlarm(ctx context.Context, id string) (*arrival.Alarm, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	defer s.conn.SetInterrupt(s.conn.SetInterrupt(ctx.Done()))

	return s.getAlarmLocked(id)
}

// ListAlarms returns every alarm ordered by id.
func (s *Store) ListAlarms(ctx context.Context) ([]*arrival.Alarm, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	defer s.conn.SetInterrupt(s.conn.SetInterrupt(ctx.Done()))

	var result []*arrival.Alarm

	err := sqlitex.Exec(s.conn, selectAlarms+" order by id", func(stmt *sqlite.Stmt) error {
		alarm, err := scanAlarm(stmt)
		if err != nil {
			return err
		}

		result = append(result, alarm)

		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("list alarms: %w", err)
	}

	return result, nil
}

// PutAlarm inserts or replaces the alarm and stamps UpdatedAt.
func (s *Store) PutAlarm(ctx context.Context, alarm *arrival.Alarm) error {
	if alarm == nil {
		return arrival.ErrDestinationIDRequired
	}

	if err := alarm.Destination.Validate(); err != nil {
		return err
	}

	stored := alarm.Clone()
	stored.UpdatedAt = s.now().UTC().Truncate(time.Millisecond)

	s.mu.Lock()
	defer s.mu.Unlock()
	defer s.conn.SetInterrupt(s.conn.SetInterrupt(ctx.Done()))

	d := stored.Destination

	err := sqlitex.Exec(s.conn, `insert into alarms (id, name, latitude, longitude, radius_m, enabled, strategy, updated_at)
		values (?, ?, ?, ?, ?, ?, ?, ?)
		on conflict (id) do update set
			name = excluded.name,
			latitude = excluded.latitude,
			longitude = excluded.longitude,
			radius_m = excluded.radius_m,
			enabled = excluded.enabled,
			strategy = excluded.strategy,
			updated_at = excluded.updated_at`, nil,
		d.ID, d.Name, d.Latitude, d.Longitude, d.RadiusMeters, stored.Enabled, stored.Strategy.String(), stored.UpdatedAt.UnixMilli())
	if err != nil {
		return fmt.Errorf("put alarm %s: %w", d.ID, err)
	}

	alarm.UpdatedAt = stored.UpdatedAt

	s.publish(ctx, Change{Entity: EntityAlarm, Kind: ChangePut, ID: d.ID, Alarm: stored})

	return nil
}

// SetAlarmEnabled flips the enabled flag.
func (s *Store) SetAlarmEnabled(ctx context.Context, id string, enabled bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	defer s.conn.SetInterrupt(s.conn.SetInterrupt(ctx.Done()))

	updatedAt := s.now().UTC().Truncate(time.Millisecond)

	err := sqlitex.Exec(s.conn, "update alarms set enabled = ?, updated_at = ? where id = ?", nil,
		enabled, updatedAt.UnixMilli(), id)
	if err != nil {
		return fmt.Errorf("set alarm %s enabled: %w", id, err)
	}

	if s.conn.Changes() == 0 {
		return fmt.Errorf("%w: %s", arrival.ErrAlarmNotFound, id)
	}

	alarm, err := s.getAlarmLocked(id)
	if err != nil {
		return err
	}

	s.publish(ctx, Change{Entity: EntityAlarm, Kind: ChangePut, ID: id, Alarm: alarm})

	return nil
}

// DeleteAlarm removes the alarm together with its rules.
func (s *Store) DeleteAlarm(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	defer s.conn.SetInterrupt(s.conn.SetInterrupt(ctx.Done()))

	ruleIDs, err := s.deleteAlarmLocked(id)
	if err != nil {
		return err
	}

	changes := make([]Change, 0, len(ruleIDs)+1)
	for _, ruleID := range ruleIDs {
		changes = append(changes, Change{Entity: EntityRule, Kind: ChangeDelete, ID: ruleID})
	}

	changes = append(changes, Change{Entity: EntityAlarm, Kind: ChangeDelete, ID: id})
	s.publish(ctx, changes...)

	return nil
}

func (s *Store) deleteAlarmLocked(id string) (ruleIDs []string, err error) {
	release := sqlitex.Save(s.conn)
	defer release(&err)

	if err = sqlitex.Exec(s.conn, "delete from alarms where id = ?", nil, id); err != nil {
		return nil, fmt.Errorf("delete alarm %s: %w", id, err)
	}

	if s.conn.Changes() == 0 {
		return nil, fmt.Errorf("%w: %s", arrival.ErrAlarmNotFound, id)
	}

	err = sqlitex.Exec(s.conn, "select id from rules where destination_id = ? order by id", func(stmt *sqlite.Stmt) error {
		ruleIDs = append(ruleIDs, stmt.ColumnText(0))
		return nil
	}, id)
	if err != nil {
		return nil, fmt.Errorf("list rules of %s: %w", id, err)
	}

	if err = sqlitex.Exec(s.conn, "delete from rules where destination_id = ?", nil, id); err != nil {
		return nil, fmt.Errorf("delete rules of %s: %w", id, err)
	}

	return ruleIDs, nil
}

func (s *Store) getAlarmLocked(id string) (*arrival.Alarm, error) {
	var (
		alarm   *arrival.Alarm
		scanErr error
	)

	err := sqlitex.Exec(s.conn, selectAlarms+" where id = ?", func(stmt *sqlite.Stmt) error {
		alarm, scanErr = scanAlarm(stmt)
		return scanErr
	}, id)
	if err != nil {
		return nil, fmt.Errorf("get alarm %s: %w", id, err)
	}

	if alarm == nil {
		return nil, fmt.Errorf("%w: %s", arrival.ErrAlarmNotFound, id)
	}

	return alarm, nil
}

const selectAlarms = "select id, name, latitude, longitude, radius_m, enabled, strategy, updated_at from alarms"

func scanAlarm(stmt *sqlite.Stmt) (*arrival.Alarm, error) {
	strategy, err := arrival.ParseStrategy(stmt.ColumnText(6))
	if err != nil {
		return nil, err
	}

	return &arrival.Alarm{
		Destination: arrival.Destination{
			ID:           stmt.ColumnText(0),
			Name:         stmt.ColumnText(1),
			Latitude:     stmt.ColumnFloat(2),
			Longitude:    stmt.ColumnFloat(3),
			RadiusMeters: stmt.ColumnFloat(4),
		},
		Enabled:   stmt.ColumnInt(5) != 0,
		Strategy:  strategy,
		UpdatedAt: time.UnixMilli(stmt.ColumnInt64(7)).UTC(),
	}, nil
}

// GetRule returns arrival.ErrRuleNotFound when no rule has the id.
func (s *Store) GetRule(ctx context.Context, id string) (*arrival.RecurrenceRule, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	defer s.conn.SetInterrupt(s.conn.SetInterrupt(ctx.Done()))

	var rule *arrival.RecurrenceRule

	err := sqlitex.Exec(s.conn, selectRules+" where id = ?", func(stmt *sqlite.Stmt) error {
		rule = scanRule(stmt)
		return nil
	}, id)
	if err != nil {
		return nil, fmt.Errorf("get rule %s: %w", id, err)
	}

	if rule == nil {
		return nil, fmt.Errorf("%w: %s", arrival.ErrRuleNotFound, id)
	}

	return rule, nil
}

// ListRules returns every rule ordered by id.
func (s *Store) ListRules(ctx context.Context) ([]*arrival.RecurrenceRule, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	defer s.conn.SetInterrupt(s.conn.SetInterrupt(ctx.Done()))

	var result []*arrival.RecurrenceRule

	err := sqlitex.Exec(s.conn, selectRules+" order by id", func(stmt *sqlite.Stmt) error {
		result = append(result, scanRule(stmt))
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("list rules: %w", err)
	}

	return result, nil
}

// PutRule inserts or replaces the rule. Its destination must exist.
func (s *Store) PutRule(ctx context.Context, rule *arrival.RecurrenceRule) error {
	if rule == nil {
		return arrival.ErrRuleIDRequired
	}

	if err := rule.Validate(); err != nil {
		return err
	}

	stored := rule.Clone()

	s.mu.Lock()
	defer s.mu.Unlock()
	defer s.conn.SetInterrupt(s.conn.SetInterrupt(ctx.Done()))

	if _, err := s.getAlarmLocked(stored.DestinationID); err != nil {
		return err
	}

	err := sqlitex.Exec(s.conn, `insert into rules (id, destination_id, days, hour, minute, enabled)
		values (?, ?, ?, ?, ?, ?)
		on conflict (id) do update set
			destination_id = excluded.destination_id,
			days = excluded.days,
			hour = excluded.hour,
			minute = excluded.minute,
			enabled = excluded.enabled`, nil,
		stored.ID, stored.DestinationID, int64(stored.Days), stored.Hour, stored.Minute, stored.Enabled)
	if err != nil {
		return fmt.Errorf("put rule %s: %w", stored.ID, err)
	}

	s.publish(ctx, Change{Entity: EntityRule, Kind: ChangePut, ID: stored.ID, Rule: stored})

	return nil
}

// DeleteRule removes the rule.
func (s *Store) DeleteRule(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	defer s.conn.SetInterrupt(s.conn.SetInterrupt(ctx.Done()))

	if err := sqlitex.Exec(s.conn, "delete from rules where id = ?", nil, id); err != nil {
		return fmt.Errorf("delete rule %s: %w", id, err)
	}

	if s.conn.Changes() == 0 {
		return fmt.Errorf("%w: %s", arrival.ErrRuleNotFound, id)
	}

	s.publish(ctx, Change{Entity: EntityRule, Kind: ChangeDelete, ID: id})

	return nil
}

const selectRules = "select id, destination_id, days, hour, minute, enabled from rules"

func scanRule(stmt *sqlite.Stmt) *arrival.RecurrenceRule {
	return &arrival.RecurrenceRule{
		ID:            stmt.ColumnText(0),
		DestinationID: stmt.ColumnText(1),
		Days:          arrival.DaySet(stmt.ColumnInt64(2)),
		Hour:          stmt.ColumnInt(3),
		Minute:        stmt.ColumnInt(4),
		Enabled:       stmt.ColumnInt(5) != 0,
	}
}

// IsNotFound reports whether err means a missing alarm or rule.
func IsNotFound(err error) bool {
	return errors.Is(err, arrival.ErrAlarmNotFound) || errors.Is(err, arrival.ErrRuleNotFound)
}
