package store

import (
	"context"
	"errors"

	"github.com/seantiz/walker/internal/model"
)

var (
	// ErrNotFound is returned when a job, mission, trail or script does not exist
	// or is not visible to the requesting owner.
	ErrNotFound = errors.New("not found")

	// ErrInvalidTransition is returned when a job state transition is not allowed.
	ErrInvalidTransition = errors.New("invalid state transition")
)

// JobStats holds per-owner job counts.
type JobStats struct {
	Total         int                 `json:"total"`
	CountByState  map[model.State]int `json:"count_by_state"`
	FailedTrails  int                 `json:"failed_trails"`
	PendingTrails int                 `json:"pending_trails"`
}

// Store defines the persistence operations for jobs, their trails and
// missions, and script artifacts. Every read goes to the database; nothing
// is cached between calls.
type Store interface {
	// CreateJob inserts the job, its trails and its mission atomically.
	CreateJob(ctx context.Context, j *model.Job, m *model.Mission) error
	GetJob(ctx context.Context, id string) (*model.Job, error)
	// GetOwnedJob returns ErrNotFound for jobs owned by someone else.
	GetOwnedJob(ctx context.Context, id, ownerID string) (*model.Job, error)
	ListJobs(ctx context.Context, ownerID string, limit, offset int) ([]*model.Job, int, error)
	GetMission(ctx context.Context, jobID string) (*model.Mission, error)

	// UpdateTrail writes the result of one host.
	UpdateTrail(ctx context.Context, jobID, host string, summary model.HostSummary, output string) error

	// TransitionJob moves the job to state to if model.ValidTransition allows
	// it, returning the previous state. code is stored as the aggregate code.
	TransitionJob(ctx context.Context, id string, to model.State, code *int) (model.State, error)

	// FailOrphanedJobs moves every pending or timed_out job to setup_failed
	// and fills its unwritten trails with summary. It is meant for startup,
	// before any executor runs, and returns the ids of the swept jobs.
	FailOrphanedJobs(ctx context.Context, summary model.HostSummary) ([]string, error)

	GetJobStats(ctx context.Context, ownerID string) (*JobStats, error)

	CreateScript(ctx context.Context, s *model.Script) error
	// GetOwnedScript returns ErrNotFound for scripts owned by someone else.
	GetOwnedScript(ctx context.Context, id, ownerID string) (*model.Script, error)
	ListScripts(ctx context.Context, ownerID string) ([]*model.Script, error)

	Close() error
}
