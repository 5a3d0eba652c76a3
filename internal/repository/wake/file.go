package wake

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"sync"
	"time"

	"google.golang.org/protobuf/encoding/protojson"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/oshokin/arrival-alarm/internal/config"
)

// Registration is a pending wake.
type Registration struct {
	// ID is the caller's key.
	ID string
	// At is the target instant.
	At time.Time
	// Window is zero for exact wakes.
	Window time.Duration
	// Exact is false for windowed wakes.
	Exact bool
}

// Repository defines persistence operations for wake registrations.
type Repository interface {
	Load(ctx context.Context) ([]Registration, error)
	Save(ctx context.Context, registrations []Registration) error
}

// FileRepository persists registrations to a JSON file on disk.
// The document is a google.protobuf.Struct encoded with protojson.
type FileRepository struct {
	// path is the filesystem location of the JSON file.
	path string
	// mu protects concurrent access to the file.
	mu sync.Mutex
}

var (
	// ErrNotFound is returned when the file does not exist yet.
	ErrNotFound = errors.New("wake registrations not found")

	errMalformedRegistration = errors.New("malformed wake registration")
)

const registrationsField = "registrations"

// NewFileRepository creates a repository that reads/writes JSON at the provided path.
func NewFileRepository(path string) *FileRepository {
	return &FileRepository{
		path: filepath.Clean(path),
	}
}

// Load reads the registrations from disk.
func (r *FileRepository) Load(_ context.Context) ([]Registration, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	contents, err := os.ReadFile(r.path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, ErrNotFound
		}

		return nil, fmt.Errorf("read wake file: %w", err)
	}

	var document structpb.Struct
	if err = protojson.Unmarshal(contents, &document); err != nil {
		return nil, fmt.Errorf("decode wake file: %w", err)
	}

	return fromProto(&document)
}

// Save replaces the file content. The file is written next to the target and renamed into place.
func (r *FileRepository) Save(_ context.Context, registrations []Registration) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	document, err := toProto(registrations)
	if err != nil {
		return fmt.Errorf("encode wake registrations: %w", err)
	}

	marshalOptions := protojson.MarshalOptions{
		Multiline: true,
	}

	data, err := marshalOptions.Marshal(document)
	if err != nil {
		return fmt.Errorf("encode wake registrations: %w", err)
	}

	tmp := r.path + ".tmp"
	if err = os.WriteFile(tmp, data, config.DefaultFilePermissions); err != nil {
		return fmt.Errorf("write wake file: %w", err)
	}

	if err = os.Rename(tmp, r.path); err != nil {
		return fmt.Errorf("replace wake file: %w", err)
	}

	return nil
}

// fromProto converts the stored document into registrations.
func fromProto(document *structpb.Struct) ([]Registration, error) {
	list := document.GetFields()[registrationsField].GetListValue()
	result := make([]Registration, 0, len(list.GetValues()))

	for i, value := range list.GetValues() {
		fields := value.GetStructValue().GetFields()

		id := fields["id"].GetStringValue()
		if id == "" {
			return nil, fmt.Errorf("%w: #%d has no id", errMalformedRegistration, i)
		}

		at, err := time.Parse(time.RFC3339Nano, fields["at"].GetStringValue())
		if err != nil {
			return nil, fmt.Errorf("%w: %s: %w", errMalformedRegistration, id, err)
		}

		result = append(result, Registration{
			ID:     id,
			At:     at,
			Window: time.Duration(fields["window_ms"].GetNumberValue()) * time.Millisecond,
			Exact:  fields["exact"].GetBoolValue(),
		})
	}

	return result, nil
}

// toProto converts registrations into the stored document, ordered by id.
func toProto(registrations []Registration) (*structpb.Struct, error) {
	sorted := slices.Clone(registrations)
	slices.SortFunc(sorted, func(a, b Registration) int {
		return strings.Compare(a.ID, b.ID)
	})

	values := make([]any, 0, len(sorted))
	for _, r := range sorted {
		values = append(values, map[string]any{
			"id":        r.ID,
			"at":        r.At.UTC().Format(time.RFC3339Nano),
			"window_ms": float64(r.Window.Milliseconds()),
			"exact":     r.Exact,
		})
	}

	return structpb.NewStruct(map[string]any{
		registrationsField: values,
	})
}
