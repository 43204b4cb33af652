package jobs

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/klassbridge/rostersync/internal/engine"
	"github.com/klassbridge/rostersync/internal/syncerr"
)

// StartParams describe one requested run: who asked, which direction, and
// the optional per-run restrictions carried over from a preview.
type StartParams struct {
	ActorID   string
	Direction string
	Selected  engine.Selection
	Overrides engine.RunOverrides
}

// RunFunc executes one full sync, publishing through sink. Each call must
// build a fresh engine; engines are single-use.
type RunFunc func(ctx context.Context, p StartParams, sink engine.ProgressSink) (*engine.Report, error)

const (
	// globalGuard rejects a start while any job begun within this window is
	// still non-terminal.
	globalGuard = time.Hour
	// actorGuard is the double-click window: one start per actor inside it.
	actorGuard = 5 * time.Second
)

// Runner owns job lifecycle: conflict-guarded start, background execution,
// cooperative cancel, and the scheduled mode.
type Runner struct {
	store Store
	run   RunFunc
	log   *zap.Logger
	now   func() time.Time

	mu      sync.Mutex
	cancels map[string]context.CancelFunc
	wg      sync.WaitGroup
}

func NewRunner(store Store, run RunFunc, log *zap.Logger) *Runner {
	if log == nil {
		log = zap.NewNop()
	}
	return &Runner{
		store:   store,
		run:     run,
		log:     log,
		now:     time.Now,
		cancels: map[string]context.CancelFunc{},
	}
}

// Start inserts a pending job and launches the run in the background. It
// returns a conflict when another run could overlap: any non-terminal job
// started within the last hour, or any job at all started by the same actor
// within the last five seconds.
func (r *Runner) Start(ctx context.Context, p StartParams) (string, error) {
	if p.Direction == "" {
		p.Direction = DirectionIdPToLMS
	}
	if p.Direction != DirectionIdPToLMS {
		return "", syncerr.Newf(syncerr.KindValidation, "unsupported direction %q", p.Direction)
	}
	now := r.now()
	busy, err := r.store.AnyNonTerminalSince(ctx, now.Add(-globalGuard).Unix())
	if err != nil {
		return "", syncerr.Store(err, "start guard")
	}
	if busy {
		return "", syncerr.Conflict("a sync is already running")
	}
	dup, err := r.store.StartedByActorSince(ctx, p.ActorID, now.Add(-actorGuard).Unix())
	if err != nil {
		return "", syncerr.Store(err, "start guard")
	}
	if dup {
		return "", syncerr.Conflict("a sync was just started by this actor")
	}

	job := &Job{
		SyncID:       uuid.NewString(),
		ActorID:      p.ActorID,
		Direction:    p.Direction,
		Status:       StatusPending,
		TimeCreated:  now.Unix(),
		TimeModified: now.Unix(),
	}
	if err := r.store.Insert(ctx, job); err != nil {
		return "", syncerr.Store(err, "insert job")
	}

	runCtx, cancel := context.WithCancel(context.Background())
	r.mu.Lock()
	r.cancels[job.SyncID] = cancel
	r.mu.Unlock()

	r.wg.Add(1)
	go r.execute(runCtx, job, p)
	return job.SyncID, nil
}

func (r *Runner) execute(ctx context.Context, job *Job, p StartParams) {
	defer r.wg.Done()
	defer func() {
		r.mu.Lock()
		if cancel, ok := r.cancels[job.SyncID]; ok {
			cancel()
			delete(r.cancels, job.SyncID)
		}
		r.mu.Unlock()
	}()
	defer func() {
		if p := recover(); p != nil {
			r.log.Error("sync run panicked", zap.String("sync_id", job.SyncID), zap.Any("panic", p))
			r.finish(job, StatusFailed, fmt.Sprintf("panic: %v", p))
		}
	}()

	job.Status = StatusProcessing
	job.TimeModified = r.now().Unix()
	if err := r.store.Update(context.Background(), job); err != nil {
		r.log.Warn("job row update failed", zap.String("sync_id", job.SyncID), zap.Error(err))
	}

	sink := newJobSink(r.store, job, r.log, r.now)
	_, err := r.run(ctx, p, sink)
	switch {
	case err == nil:
		r.finish(job, StatusCompleted, "")
	case syncerr.IsKind(err, syncerr.KindCancelled):
		r.finish(job, StatusCancelled, err.Error())
	default:
		r.log.Error("sync run failed", zap.String("sync_id", job.SyncID), zap.Error(err))
		r.finish(job, StatusFailed, err.Error())
	}
}

// finish writes the terminal row. A cancelled status already persisted by
// the API wins over completed/failed computed here.
func (r *Runner) finish(job *Job, status Status, message string) {
	if current, err := r.store.Get(context.Background(), job.SyncID); err == nil && current.Status == StatusCancelled {
		status = StatusCancelled
	}
	job.Status = status
	if status == StatusCompleted {
		job.Progress = 100
	}
	if message != "" {
		job.Errors = append(job.Errors, message)
		job.ErrorCount++
	}
	now := r.now().Unix()
	job.TimeModified = now
	job.TimeFinished = now
	if err := r.store.Update(context.Background(), job); err != nil {
		r.log.Warn("final job row update failed", zap.String("sync_id", job.SyncID), zap.Error(err))
	}
}

// Cancel flips a pending or processing job to cancelled and signals the
// engine, which stops at the next phase boundary.
func (r *Runner) Cancel(ctx context.Context, syncID string) error {
	job, err := r.store.Get(ctx, syncID)
	if err != nil {
		return syncerr.Store(err, "load job")
	}
	if job.Status.Terminal() {
		return syncerr.Conflict("job %s is already %s", syncID, job.Status)
	}
	job.Status = StatusCancelled
	job.TimeModified = r.now().Unix()
	if err := r.store.Update(ctx, job); err != nil {
		return syncerr.Store(err, "update job")
	}
	r.mu.Lock()
	cancel, ok := r.cancels[syncID]
	r.mu.Unlock()
	if ok {
		cancel()
	}
	return nil
}

func (r *Runner) Status(ctx context.Context, syncID string) (*Job, error) {
	return r.store.Get(ctx, syncID)
}

func (r *Runner) Ongoing(ctx context.Context, actorID string) (*Job, bool, error) {
	return r.store.OngoingForActor(ctx, actorID)
}

func (r *Runner) Recent(ctx context.Context, limit int) ([]*Job, error) {
	return r.store.ListRecent(ctx, limit)
}

// RunPeriodic starts a system-actor sync every interval until ctx is done.
// Conflicts (a manual run in flight) are skipped quietly.
func (r *Runner) RunPeriodic(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = time.Hour
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			syncID, err := r.Start(ctx, StartParams{ActorID: "system", Direction: DirectionIdPToLMS})
			switch {
			case syncerr.IsKind(err, syncerr.KindConflict):
				r.log.Debug("scheduled sync skipped", zap.Error(err))
			case err != nil:
				r.log.Error("scheduled sync failed to start", zap.Error(err))
			default:
				r.log.Info("scheduled sync started", zap.String("sync_id", syncID))
			}
		}
	}
}

// Wait blocks until every in-flight run has finished. Used during shutdown.
func (r *Runner) Wait() { r.wg.Wait() }
