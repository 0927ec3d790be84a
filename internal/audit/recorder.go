package audit

import (
	"context"
	"time"
)

// writeTimeout bounds a single audit insert.
const writeTimeout = 2 * time.Second

// Logger defines the logging interface used by the Recorder.
type Logger interface {
	Warn(msg string, args ...any)
}

type noopLogger struct{}

func (noopLogger) Warn(string, ...any) {}

// Recorder writes audit entries on behalf of other components. Failures
// are logged and never returned: auditing must not block device traffic.
//
// A nil *Recorder is valid and records nothing.
type Recorder struct {
	repo   Repository
	logger Logger
}

// NewRecorder creates a recorder backed by repo.
func NewRecorder(repo Repository) *Recorder {
	return &Recorder{repo: repo, logger: noopLogger{}}
}

// SetLogger sets the logger for write failures.
func (r *Recorder) SetLogger(logger Logger) {
	r.logger = logger
}

// Record stores one entry.
func (r *Recorder) Record(ctx context.Context, action, deviceID, source string, details map[string]any) {
	if r == nil {
		return
	}

	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), writeTimeout)
	defer cancel()

	e := &Entry{Action: action, DeviceID: deviceID, Source: source, Details: details}
	if err := r.repo.Create(ctx, e); err != nil {
		r.logger.Warn("audit write failed", "action", action, "device_id", deviceID, "error", err)
	}
}

// List returns a page of entries. A nil recorder returns an empty page.
func (r *Recorder) List(ctx context.Context, filter Filter) (*ListResult, error) {
	if r == nil {
		f := clampFilter(filter)
		return &ListResult{Entries: []Entry{}, Limit: f.Limit, Offset: f.Offset}, nil
	}
	return r.repo.List(ctx, filter)
}
