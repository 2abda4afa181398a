package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/isdmx/databox/fault"
)

// CreateJob enqueues a new pending job.
func (s *Store) CreateJob(ctx context.Context, scriptID, srcTable, destTable string) (*Job, error) {
	if _, err := s.GetScript(ctx, scriptID); err != nil {
		return nil, fmt.Errorf("script %s: %w", scriptID, err)
	}
	if err := ValidateTableName(srcTable); err != nil {
		return nil, err
	}
	if err := ValidateDestinationName(destTable); err != nil {
		return nil, err
	}

	j := &Job{
		ID:        uuid.NewString(),
		ScriptID:  scriptID,
		SrcTable:  srcTable,
		DestTable: destTable,
		State:     StatePending,
		CreatedAt: time.Now().UTC(),
	}
	_, err := s.db.ExecContext(ctx, `
INSERT INTO jobs (id, script_id, src_table, dest_table, state, created_at)
VALUES (?, ?, ?, ?, ?, ?)`,
		j.ID, j.ScriptID, j.SrcTable, j.DestTable, j.State, j.CreatedAt)
	if err != nil {
		return nil, fmt.Errorf("failed to insert job: %w", err)
	}
	return j, nil
}

const jobColumns = `
id, script_id, src_table, dest_table, state, error_kind, error_msg,
peak_rss_bytes, cpu_seconds, wall_ms, rows_processed, attempts,
worker_id, claimed_until, cancel_requested, log,
created_at, started_at, finished_at`

func scanJob(row interface{ Scan(...any) error }) (*Job, error) {
	var (
		j            Job
		kind, msg    sql.NullString
		workerID     sql.NullString
		claimedUntil sql.NullTime
		startedAt    sql.NullTime
		finishedAt   sql.NullTime
		wallMS       int64
	)
	err := row.Scan(
		&j.ID, &j.ScriptID, &j.SrcTable, &j.DestTable, &j.State, &kind, &msg,
		&j.Usage.PeakRSSBytes, &j.Usage.CPUSeconds, &wallMS, &j.Usage.RowsProcessed, &j.Attempts,
		&workerID, &claimedUntil, &j.CancelRequested, &j.Log,
		&j.CreatedAt, &startedAt, &finishedAt)
	if err != nil {
		return nil, err
	}
	j.Usage.Wall = time.Duration(wallMS) * time.Millisecond
	if kind.Valid {
		j.ErrorKind = fault.Kind(kind.String)
	}
	if msg.Valid {
		j.ErrorMsg = msg.String
	}
	if workerID.Valid {
		j.WorkerID = workerID.String
	}
	if claimedUntil.Valid {
		t := claimedUntil.Time
		j.ClaimedUntil = &t
	}
	if startedAt.Valid {
		t := startedAt.Time
		j.StartedAt = &t
	}
	if finishedAt.Valid {
		t := finishedAt.Time
		j.FinishedAt = &t
	}
	return &j, nil
}

// GetJob fetches a job by id.
func (s *Store) GetJob(ctx context.Context, id string) (*Job, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+jobColumns+` FROM jobs WHERE id = ?`, id)
	j, err := scanJob(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	return j, err
}

// NextPending returns the id of the oldest pending job, or "" if none.
func (s *Store) NextPending(ctx context.Context) (string, error) {
	row := s.db.QueryRowContext(ctx, `
SELECT id FROM jobs WHERE state = ? ORDER BY created_at ASC LIMIT 1`, StatePending)
	var id string
	if err := row.Scan(&id); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return "", nil
		}
		return "", err
	}
	return id, nil
}

// Claim attempts the pending->running transition for one job. The update
// is conditional on the job still being pending, so exactly one caller
// wins even with concurrent workers; losers get fault.ClaimConflict.
func (s *Store) Claim(ctx context.Context, jobID, workerID string, lease time.Duration) (*Job, error) {
	now := time.Now().UTC()
	claimedUntil := now.Add(lease)
	res, err := s.db.ExecContext(ctx, `
UPDATE jobs
SET state = ?, worker_id = ?, claimed_until = ?, started_at = ?, attempts = attempts + 1
WHERE id = ? AND state = ?`,
		StateRunning, workerID, claimedUntil, now, jobID, StatePending)
	if err != nil {
		return nil, fmt.Errorf("failed to claim job: %w", err)
	}
	if n, _ := res.RowsAffected(); n != 1 {
		return nil, fault.New(fault.ClaimConflict, "job %s already claimed", jobID)
	}
	return s.GetJob(ctx, jobID)
}

// RenewLease extends the claim of the owning worker. A renewal that
// affects no row means the lease was lost (reclaimed after expiry).
func (s *Store) RenewLease(ctx context.Context, jobID, workerID string, lease time.Duration) error {
	res, err := s.db.ExecContext(ctx, `
UPDATE jobs SET claimed_until = ?
WHERE id = ? AND worker_id = ? AND state = ?`,
		time.Now().UTC().Add(lease), jobID, workerID, StateRunning)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n != 1 {
		return fault.New(fault.ClaimConflict, "lease on job %s lost", jobID)
	}
	return nil
}

// ReclaimExpired requeues running jobs whose lease has lapsed, so a crashed
// worker's jobs do not stay running forever. Returns the number requeued.
func (s *Store) ReclaimExpired(ctx context.Context) (int64, error) {
	res, err := s.db.ExecContext(ctx, `
UPDATE jobs
SET state = ?, worker_id = NULL, claimed_until = NULL
WHERE state = ? AND claimed_until IS NOT NULL AND claimed_until <= ?`,
		StatePending, StateRunning, time.Now().UTC())
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

// Finish records a terminal outcome. The update is guarded by the running
// state: terminal jobs are immutable and a lost lease cannot overwrite a
// reclaimed run.
func (s *Store) Finish(ctx context.Context, jobID, workerID string, state JobState, errKind fault.Kind, errMsg string, usage Usage) error {
	if !state.Terminal() {
		return fmt.Errorf("state %s is not terminal", state)
	}
	var kind any
	if errKind != "" {
		kind = string(errKind)
	}
	res, err := s.db.ExecContext(ctx, `
UPDATE jobs
SET state = ?, error_kind = ?, error_msg = ?,
    peak_rss_bytes = ?, cpu_seconds = ?, wall_ms = ?, rows_processed = ?,
    claimed_until = NULL, finished_at = ?
WHERE id = ? AND worker_id = ? AND state = ?`,
		state, kind, errMsg,
		usage.PeakRSSBytes, usage.CPUSeconds, usage.Wall.Milliseconds(), usage.RowsProcessed,
		time.Now().UTC(), jobID, workerID, StateRunning)
	if err != nil {
		return fmt.Errorf("failed to finish job: %w", err)
	}
	if n, _ := res.RowsAffected(); n != 1 {
		return fault.New(fault.ClaimConflict, "job %s no longer owned by %s", jobID, workerID)
	}
	return nil
}

// UpdateProgress records rows processed so far and appends to the job log.
func (s *Store) UpdateProgress(ctx context.Context, jobID string, rowsProcessed int64, logLine string) error {
	_, err := s.db.ExecContext(ctx, `
UPDATE jobs SET rows_processed = ?, log = log || ? WHERE id = ? AND state = ?`,
		rowsProcessed, logLine+"\n", jobID, StateRunning)
	return err
}

// RequestCancel flags a job for cancellation. Pending jobs are cancelled
// immediately; running jobs are cancelled by their worker at the next
// chunk boundary.
func (s *Store) RequestCancel(ctx context.Context, jobID string) error {
	res, err := s.db.ExecContext(ctx, `
UPDATE jobs SET cancel_requested = 1 WHERE id = ? AND state IN (?, ?)`,
		jobID, StatePending, StateRunning)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n != 1 {
		return fmt.Errorf("job %s is not cancellable: %w", jobID, ErrNotFound)
	}
	// A still-pending job can go terminal right away.
	_, err = s.db.ExecContext(ctx, `
UPDATE jobs SET state = ?, error_kind = ?, error_msg = ?, finished_at = ?
WHERE id = ? AND state = ?`,
		StateCancelled, string(fault.Cancelled), "cancelled before execution",
		time.Now().UTC(), jobID, StatePending)
	return err
}

// CancelRequested reports whether a cancellation has been requested.
func (s *Store) CancelRequested(ctx context.Context, jobID string) (bool, error) {
	row := s.db.QueryRowContext(ctx, `SELECT cancel_requested FROM jobs WHERE id = ?`, jobID)
	var flagged bool
	if err := row.Scan(&flagged); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return false, ErrNotFound
		}
		return false, err
	}
	return flagged, nil
}

// ListJobs returns jobs in the given state, oldest first.
func (s *Store) ListJobs(ctx context.Context, state JobState) ([]*Job, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+jobColumns+` FROM jobs WHERE state = ? ORDER BY created_at ASC`, state)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*Job
	for rows.Next() {
		j, err := scanJob(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, j)
	}
	return out, rows.Err()
}
