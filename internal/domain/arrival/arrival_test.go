package arrival

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

// TestDestinationValidate covers id, coordinate and radius checks.
func TestDestinationValidate(t *testing.T) {
	t.Parallel()

	d := &Destination{ID: "home", Latitude: 25, Longitude: 121, RadiusMeters: 100}
	require.NoError(t, d.Validate())

	bad := d.Clone()
	bad.ID = ""
	require.ErrorIs(t, bad.Validate(), ErrDestinationIDRequired)

	bad = d.Clone()
	bad.Latitude = 91
	require.ErrorIs(t, bad.Validate(), ErrInvalidLatitude)

	bad = d.Clone()
	bad.Longitude = -181
	require.ErrorIs(t, bad.Validate(), ErrInvalidLongitude)

	bad = d.Clone()
	bad.RadiusMeters = 0
	require.ErrorIs(t, bad.Validate(), ErrInvalidRadius)
}

// TestDaySet verifies conversions between weekday numbers and the bitmask.
func TestDaySet(t *testing.T) {
	t.Parallel()

	s, err := ParseDays([]int{2, 4, 6})
	require.NoError(t, err)
	require.True(t, s.Contains(time.Monday))
	require.True(t, s.Contains(time.Wednesday))
	require.True(t, s.Contains(time.Friday))
	require.False(t, s.Contains(time.Sunday))
	require.Equal(t, []int{2, 4, 6}, s.Ints())
	require.Equal(t, "Mon,Wed,Fri", s.String())
	require.Equal(t, NewDaySet(time.Monday, time.Wednesday, time.Friday), s)

	_, err = ParseDays([]int{0})
	require.ErrorIs(t, err, ErrInvalidDay)

	_, err = ParseDays([]int{8})
	require.ErrorIs(t, err, ErrInvalidDay)

	require.True(t, DaySet(0).Empty())
	require.Empty(t, DaySet(0).Ints())
}

// TestRecurrenceRuleValidate checks time-of-day bounds and required ids.
func TestRecurrenceRuleValidate(t *testing.T) {
	t.Parallel()

	r := &RecurrenceRule{ID: "r1", DestinationID: "home", Hour: 23, Minute: 59}
	require.NoError(t, r.Validate())

	bad := r.Clone()
	bad.Hour = 24
	require.ErrorIs(t, bad.Validate(), ErrInvalidTimeOfDay)

	bad = r.Clone()
	bad.DestinationID = ""
	require.ErrorIs(t, bad.Validate(), ErrRuleDestinationRequired)

	require.True(t, r.Equal(r.Clone()))
	require.False(t, r.Equal(nil))
}

// TestParseStrategy accepts known names and rejects others.
func TestParseStrategy(t *testing.T) {
	t.Parallel()

	s, err := ParseStrategy("GeoFence")
	require.NoError(t, err)
	require.Equal(t, StrategyGeofence, s)

	s, err = ParseStrategy("")
	require.NoError(t, err)
	require.Equal(t, StrategyGPS, s)

	_, err = ParseStrategy("wifi")
	require.ErrorIs(t, err, ErrUnknownStrategy)
}

// TestSessionClone verifies the start coordinate is deep-copied.
func TestSessionClone(t *testing.T) {
	t.Parallel()

	require.Nil(t, (*Session)(nil).Clone())

	s := &Session{
		ID:    "s1",
		Start: &Coordinate{Latitude: 1, Longitude: 2},
		State: StateMonitoring,
	}

	c := s.Clone()
	require.Equal(t, s, c)
	require.NotSame(t, s.Start, c.Start)
}
