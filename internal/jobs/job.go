// Package jobs makes a sync run durable and observable: every run owns one
// row in sync_jobs that the engine's progress sink keeps current and that
// the API surface reads. The runner guards against overlapping runs and
// hosts the scheduled mode.
package jobs

import "context"

type Status string

const (
	StatusPending    Status = "pending"
	StatusProcessing Status = "processing"
	StatusCompleted  Status = "completed"
	StatusFailed     Status = "failed"
	StatusCancelled  Status = "cancelled"
)

// Terminal reports whether the status can no longer change.
func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusFailed || s == StatusCancelled
}

// DirectionIdPToLMS is the only supported direction; the reverse is a
// stated non-goal.
const DirectionIdPToLMS = "idp_to_lms"

type LogEntry struct {
	Level   string `json:"level"`
	Message string `json:"message"`
	Phase   string `json:"phase"`
}

// Job is the durable record of one run. The engine writes it through the
// progress sink; status/ongoing readers see the last committed snapshot.
type Job struct {
	SyncID     string     `json:"sync_id"`
	ActorID    string     `json:"actor_id"`
	Direction  string     `json:"direction"`
	Status     Status     `json:"status"`
	Progress   int        `json:"progress"`
	Phase      string     `json:"phase"`
	Processed  int        `json:"processed"`
	Total      int        `json:"total"`
	Created    int        `json:"created"`
	Updated    int        `json:"updated"`
	Deleted    int        `json:"deleted"`
	ErrorCount int        `json:"error_count"`
	Errors     []string   `json:"errors"`
	LogTail    []LogEntry `json:"log_tail"`

	TimeCreated  int64  `json:"timecreated"`
	TimeModified int64  `json:"timemodified"`
	TimeFinished int64  `json:"timefinished,omitempty"`
	ReportID     string `json:"report_id,omitempty"`
}

// Store persists job rows. The engine side only ever updates; readers only
// ever query, so row-level atomicity in the implementation suffices.
type Store interface {
	Insert(ctx context.Context, j *Job) error
	Update(ctx context.Context, j *Job) error
	// UpdateProgress writes everything Update does except the status column,
	// so a cancellation persisted by the API is never reverted by a progress
	// write racing it.
	UpdateProgress(ctx context.Context, j *Job) error
	Get(ctx context.Context, syncID string) (*Job, error)
	// OngoingForActor returns the actor's most recent non-terminal job.
	OngoingForActor(ctx context.Context, actorID string) (*Job, bool, error)
	// AnyNonTerminalSince reports whether any job created at or after the
	// cutoff is still pending or processing.
	AnyNonTerminalSince(ctx context.Context, cutoff int64) (bool, error)
	// StartedByActorSince reports whether the actor created any job at or
	// after the cutoff, regardless of its status.
	StartedByActorSince(ctx context.Context, actorID string, cutoff int64) (bool, error)
	ListRecent(ctx context.Context, limit int) ([]*Job, error)
}
