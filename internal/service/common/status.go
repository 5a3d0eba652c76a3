//nolint:revive,nolintlint // Package name "common" is intentional for shared helpers.
package common

import (
	"fmt"
	"time"

	"google.golang.org/protobuf/types/known/structpb"

	grpcapi "github.com/oshokin/arrival-alarm/internal/api/grpc/arrival"
)

// Status is the client-side view of a session snapshot.
type Status struct {
	Active          bool
	ID              string
	DestinationID   string
	DestinationName string
	State           string
	Strategy        string
	Zone            string
	// Remaining is nil until the first distance is known.
	Remaining         *float64
	Progress          float64
	PowerSave         bool
	SensorUnavailable bool
	Acknowledged      bool
	ArmedAt           time.Time
	ArrivedAt         time.Time
}

// ParseStatus reads a session Struct. Unknown or missing fields stay zero.
func ParseStatus(s *structpb.Struct) *Status {
	f := s.GetFields()

	st := &Status{
		Active:            f[grpcapi.FieldActive].GetBoolValue(),
		ID:                f[grpcapi.FieldID].GetStringValue(),
		DestinationID:     f[grpcapi.FieldDestinationID].GetStringValue(),
		DestinationName:   f[grpcapi.FieldDestinationName].GetStringValue(),
		State:             f[grpcapi.FieldState].GetStringValue(),
		Strategy:          f[grpcapi.FieldStrategy].GetStringValue(),
		Zone:              f[grpcapi.FieldZone].GetStringValue(),
		Progress:          f[grpcapi.FieldProgress].GetNumberValue(),
		PowerSave:         f[grpcapi.FieldPowerSave].GetBoolValue(),
		SensorUnavailable: f[grpcapi.FieldSensorUnavailable].GetBoolValue(),
		Acknowledged:      f[grpcapi.FieldArrivedAcknowledged].GetBoolValue(),
		ArmedAt:           parseTime(f[grpcapi.FieldArmedAt].GetStringValue()),
		ArrivedAt:         parseTime(f[grpcapi.FieldArrivedAt].GetStringValue()),
	}

	if v, ok := f[grpcapi.FieldRemaining]; ok {
		remaining := v.GetNumberValue()
		st.Remaining = &remaining
	}

	return st
}

// String renders the snapshot on one line.
func (s *Status) String() string {
	if s == nil {
		return "<nil status>"
	}

	if !s.Active {
		return fmt.Sprintf("idle (power save: %t)", s.PowerSave)
	}

	remaining := "unknown"
	if s.Remaining != nil {
		remaining = fmt.Sprintf("%.0f m", *s.Remaining)
	}

	name := s.DestinationName
	if name == "" {
		name = s.DestinationID
	}

	return fmt.Sprintf("%s to %s via %s: zone %s, remaining %s, progress %.0f%%",
		s.State, name, s.Strategy, s.Zone, remaining, s.Progress*100)
}

func parseTime(value string) time.Time {
	if value == "" {
		return time.Time{}
	}

	t, err := time.Parse(time.RFC3339Nano, value)
	if err != nil {
		return time.Time{}
	}

	return t
}
