package jobs

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/klassbridge/rostersync/internal/engine"
)

// maxLogTail is the number of log entries kept on the job row. Older
// entries fall off the front; emission order is preserved.
const maxLogTail = 100

// jobSink persists engine progress onto the job row. The engine publishes
// from a single goroutine, so the sink only needs to serialize against
// nothing; store failures are logged and swallowed to keep the run going.
// Writes go through UpdateProgress so an API-side cancel of the status
// column survives a publish that races it.
type jobSink struct {
	store Store
	job   *Job
	log   *zap.Logger
	now   func() time.Time
}

func newJobSink(store Store, job *Job, log *zap.Logger, now func() time.Time) *jobSink {
	if log == nil {
		log = zap.NewNop()
	}
	return &jobSink{store: store, job: job, log: log, now: now}
}

var _ engine.ProgressSink = (*jobSink)(nil)

func (s *jobSink) Publish(p engine.Progress) {
	j := s.job
	j.Phase = p.Phase
	j.Progress = p.Percent
	j.Processed = p.Processed
	j.Total = p.Total
	j.Created = p.Stats.TotalCreated()
	j.Updated = p.Stats.TotalUpdated()
	j.Deleted = p.Stats.TotalDeleted()
	j.ErrorCount = p.Stats.ErrorCount()
	j.Errors = renderErrors(p.Stats.Errors)
	s.append(LogEntry{Level: "info", Message: p.Message, Phase: p.Phase})
	j.TimeModified = s.now().Unix()

	if err := s.store.UpdateProgress(context.Background(), j); err != nil {
		s.log.Warn("job row update failed", zap.String("sync_id", j.SyncID), zap.Error(err))
	}
}

func (s *jobSink) append(e LogEntry) {
	tail := append(s.job.LogTail, e)
	if len(tail) > maxLogTail {
		tail = tail[len(tail)-maxLogTail:]
	}
	s.job.LogTail = tail
}

func renderErrors(items []engine.ItemError) []string {
	if len(items) == 0 {
		return nil
	}
	out := make([]string, len(items))
	for i, it := range items {
		out[i] = it.Phase + " [" + it.Kind + "] " + it.Identifier + ": " + it.Message
	}
	return out
}
