package jobs

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
)

// SQLStore keeps job rows in the shared database. Errors and the log tail
// are stored as JSON text columns so the row stays a single write.
type SQLStore struct {
	db *sql.DB
}

func NewSQLStore(db *sql.DB) *SQLStore { return &SQLStore{db: db} }

var _ Store = (*SQLStore)(nil)

const jobCols = `sync_id, actor_id, direction, status, progress, phase, processed, total,
	created_count, updated_count, deleted_count, error_count, error_details, log_entries,
	timecreated, timemodified, COALESCE(timefinished, 0), report_id`

func (s *SQLStore) Insert(ctx context.Context, j *Job) error {
	errJSON, logJSON, err := marshalTail(j)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO sync_jobs (sync_id, actor_id, direction, status, progress, phase, processed, total,
		   created_count, updated_count, deleted_count, error_count, error_details, log_entries,
		   timecreated, timemodified, report_id)
		 VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16,$17)`,
		j.SyncID, j.ActorID, j.Direction, j.Status, j.Progress, j.Phase, j.Processed, j.Total,
		j.Created, j.Updated, j.Deleted, j.ErrorCount, errJSON, logJSON,
		j.TimeCreated, j.TimeModified, j.ReportID)
	return err
}

func (s *SQLStore) Update(ctx context.Context, j *Job) error {
	errJSON, logJSON, err := marshalTail(j)
	if err != nil {
		return err
	}
	var finished any
	if j.TimeFinished != 0 {
		finished = j.TimeFinished
	}
	res, err := s.db.ExecContext(ctx,
		`UPDATE sync_jobs SET status=$2, progress=$3, phase=$4, processed=$5, total=$6,
		   created_count=$7, updated_count=$8, deleted_count=$9, error_count=$10,
		   error_details=$11, log_entries=$12, timemodified=$13, timefinished=$14, report_id=$15
		 WHERE sync_id=$1`,
		j.SyncID, j.Status, j.Progress, j.Phase, j.Processed, j.Total,
		j.Created, j.Updated, j.Deleted, j.ErrorCount,
		errJSON, logJSON, j.TimeModified, finished, j.ReportID)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("job %s not found", j.SyncID)
	}
	return nil
}

// UpdateProgress leaves status (and timefinished) alone; only the runner's
// terminal write may change those.
func (s *SQLStore) UpdateProgress(ctx context.Context, j *Job) error {
	errJSON, logJSON, err := marshalTail(j)
	if err != nil {
		return err
	}
	res, err := s.db.ExecContext(ctx,
		`UPDATE sync_jobs SET progress=$2, phase=$3, processed=$4, total=$5,
		   created_count=$6, updated_count=$7, deleted_count=$8, error_count=$9,
		   error_details=$10, log_entries=$11, timemodified=$12
		 WHERE sync_id=$1`,
		j.SyncID, j.Progress, j.Phase, j.Processed, j.Total,
		j.Created, j.Updated, j.Deleted, j.ErrorCount,
		errJSON, logJSON, j.TimeModified)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("job %s not found", j.SyncID)
	}
	return nil
}

func (s *SQLStore) Get(ctx context.Context, syncID string) (*Job, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+jobCols+` FROM sync_jobs WHERE sync_id=$1`, syncID)
	j, err := scanJob(row.Scan)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("job %s not found", syncID)
	}
	return j, err
}

func (s *SQLStore) OngoingForActor(ctx context.Context, actorID string) (*Job, bool, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+jobCols+` FROM sync_jobs
		  WHERE actor_id=$1 AND status IN ('pending','processing')
		  ORDER BY timecreated DESC LIMIT 1`, actorID)
	j, err := scanJob(row.Scan)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	return j, true, nil
}

func (s *SQLStore) AnyNonTerminalSince(ctx context.Context, cutoff int64) (bool, error) {
	var n int
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM sync_jobs
		  WHERE status IN ('pending','processing') AND timecreated >= $1`, cutoff).Scan(&n)
	return n > 0, err
}

func (s *SQLStore) StartedByActorSince(ctx context.Context, actorID string, cutoff int64) (bool, error) {
	var n int
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM sync_jobs WHERE actor_id=$1 AND timecreated >= $2`,
		actorID, cutoff).Scan(&n)
	return n > 0, err
}

func (s *SQLStore) ListRecent(ctx context.Context, limit int) ([]*Job, error) {
	if limit <= 0 {
		limit = 20
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+jobCols+` FROM sync_jobs ORDER BY timecreated DESC LIMIT $1`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*Job
	for rows.Next() {
		j, err := scanJob(rows.Scan)
		if err != nil {
			return nil, err
		}
		out = append(out, j)
	}
	return out, rows.Err()
}

func marshalTail(j *Job) (errJSON, logJSON string, err error) {
	eb, err := json.Marshal(emptyAsList(j.Errors))
	if err != nil {
		return "", "", err
	}
	lb, err := json.Marshal(emptyLogAsList(j.LogTail))
	if err != nil {
		return "", "", err
	}
	return string(eb), string(lb), nil
}

func emptyAsList(s []string) []string {
	if s == nil {
		return []string{}
	}
	return s
}

func emptyLogAsList(s []LogEntry) []LogEntry {
	if s == nil {
		return []LogEntry{}
	}
	return s
}

func scanJob(scan func(dest ...any) error) (*Job, error) {
	var j Job
	var errJSON, logJSON string
	if err := scan(&j.SyncID, &j.ActorID, &j.Direction, &j.Status, &j.Progress, &j.Phase,
		&j.Processed, &j.Total, &j.Created, &j.Updated, &j.Deleted, &j.ErrorCount,
		&errJSON, &logJSON, &j.TimeCreated, &j.TimeModified, &j.TimeFinished, &j.ReportID); err != nil {
		return nil, err
	}
	if err := json.Unmarshal([]byte(errJSON), &j.Errors); err != nil {
		return nil, fmt.Errorf("job %s: error_details: %w", j.SyncID, err)
	}
	if err := json.Unmarshal([]byte(logJSON), &j.LogTail); err != nil {
		return nil, fmt.Errorf("job %s: log_entries: %w", j.SyncID, err)
	}
	return &j, nil
}
