package stores

import (
	"context"
	"fmt"
	"path/filepath"
	"strings"
	"time"

	"github.com/openfroyo/netsync/pkg/engine"
)

// Store is a ConfigStore backend that holds resources until closed.
type Store interface {
	engine.ConfigStore
	Close() error
}

// HistoryStore records and lists fleet runs.
type HistoryStore interface {
	engine.RunRecorder
	ListRuns(ctx context.Context, limit, offset int) ([]*RunRecord, error)
	GetRun(ctx context.Context, id string) (*RunRecord, error)
	ListDeviceResults(ctx context.Context, runID string) ([]*DeviceResultRecord, error)
}

// RunRecord is the stored summary of one fleet run.
type RunRecord struct {
	ID          string           `json:"id"`
	Scope       engine.Scope     `json:"scope"`
	Status      engine.RunStatus `json:"status"`
	StartedAt   time.Time        `json:"started_at"`
	CompletedAt time.Time        `json:"completed_at"`
	Duration    time.Duration    `json:"duration"`
	Total       int              `json:"total"`
	Changed     int              `json:"changed"`
	Unchanged   int              `json:"unchanged"`
	Failed      int              `json:"failed"`
}

// DeviceResultRecord is the stored outcome of one device in a run.
// DiffText only holds locally computed diffs; device responses are not stored
// because they are produced from secret-bearing text.
type DeviceResultRecord struct {
	RunID     string              `json:"run_id"`
	Device    string              `json:"device"`
	Family    engine.DeviceFamily `json:"family"`
	Changed   bool                `json:"changed"`
	Failed    bool                `json:"failed"`
	Persisted bool                `json:"persisted"`
	ErrorKind engine.ErrorKind    `json:"error_kind,omitempty"`
	Message   string              `json:"message,omitempty"`
	DiffText  string              `json:"diff_text,omitempty"`
	Duration  time.Duration       `json:"duration"`
}

// validateDeviceName rejects names that cannot address a single record.
func validateDeviceName(name string) error {
	switch {
	case name == "", name == ".", name == "..":
		return fmt.Errorf("invalid device name %q", name)
	case strings.ContainsAny(name, `/\`), filepath.Base(name) != name:
		return fmt.Errorf("device name %q must not contain path separators", name)
	}
	return nil
}
