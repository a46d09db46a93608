package repository

import (
	"context"
	"errors"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"mailtriage/internal/model"
)

// ErrJobAlreadyRunning is returned when a bulk run is already in flight for
// the account and its heartbeat is still fresh.
var ErrJobAlreadyRunning = errors.New("triage job already running for account")

type JobRepository struct {
	db         *pgxpool.Pool
	staleAfter time.Duration
}

// NewJobRepository creates the job store. staleAfter is the heartbeat age
// past which a running job is considered abandoned and may be taken over.
func NewJobRepository(db *pgxpool.Pool, staleAfter time.Duration) *JobRepository {
	return &JobRepository{db: db, staleAfter: staleAfter}
}

// TryStart atomically claims the per-account job slot. The single-flight
// guard is a conditional upsert, not a read-then-write, so concurrent
// triggers cannot both win. A running job whose heartbeat is older than
// staleAfter is treated as abandoned and taken over.
func (r *JobRepository) TryStart(ctx context.Context, accountID int) error {
	query := `
        INSERT INTO sync_jobs (account_id, status, total_candidates, processed, labelled, errors,
                               current_batch, total_batches, last_error, started_at, completed_at, updated_at)
        VALUES ($1, 'running', 0, 0, 0, 0, 0, 0, '', NOW(), NULL, NOW())
        ON CONFLICT (account_id) DO UPDATE SET
            status = 'running',
            total_candidates = 0,
            processed = 0,
            labelled = 0,
            errors = 0,
            current_batch = 0,
            total_batches = 0,
            last_error = '',
            started_at = NOW(),
            completed_at = NULL,
            updated_at = NOW()
        WHERE sync_jobs.status <> 'running'
           OR sync_jobs.updated_at < NOW() - make_interval(secs => $2)
        RETURNING account_id
    `
	var id int
	err := r.db.QueryRow(ctx, query, accountID, r.staleAfter.Seconds()).Scan(&id)
	if errors.Is(err, pgx.ErrNoRows) {
		return ErrJobAlreadyRunning
	}
	return err
}

// SetTotals records the candidate count and batch plan once dedup is done.
func (r *JobRepository) SetTotals(ctx context.Context, accountID, totalCandidates, totalBatches int) error {
	query := `
        UPDATE sync_jobs
        SET total_candidates = $1, total_batches = $2, updated_at = NOW()
        WHERE account_id = $3
    `
	_, err := r.db.Exec(ctx, query, totalCandidates, totalBatches, accountID)
	return err
}

// Checkpoint writes absolute progress counters after a batch. The updated_at
// touch is the heartbeat that keeps the job from being treated as stale.
func (r *JobRepository) Checkpoint(ctx context.Context, accountID, processed, labelled, errCount, currentBatch int) error {
	query := `
        UPDATE sync_jobs
        SET processed = $1, labelled = $2, errors = $3, current_batch = $4, updated_at = NOW()
        WHERE account_id = $5
    `
	_, err := r.db.Exec(ctx, query, processed, labelled, errCount, currentBatch, accountID)
	return err
}

// Complete marks the run finished.
func (r *JobRepository) Complete(ctx context.Context, accountID int) error {
	query := `
        UPDATE sync_jobs
        SET status = 'completed', completed_at = NOW(), updated_at = NOW()
        WHERE account_id = $1
    `
	_, err := r.db.Exec(ctx, query, accountID)
	return err
}

// Fail marks the run failed with a single human-readable message. Counters
// keep their last checkpointed values.
func (r *JobRepository) Fail(ctx context.Context, accountID int, message string) error {
	query := `
        UPDATE sync_jobs
        SET status = 'error', last_error = $1, completed_at = NOW(), updated_at = NOW()
        WHERE account_id = $2
    `
	_, err := r.db.Exec(ctx, query, message, accountID)
	return err
}

// Reset forces the job record back to idle defaults.
func (r *JobRepository) Reset(ctx context.Context, accountID int) error {
	query := `
        UPDATE sync_jobs
        SET status = 'idle', total_candidates = 0, processed = 0, labelled = 0, errors = 0,
            current_batch = 0, total_batches = 0, last_error = '',
            started_at = NULL, completed_at = NULL, updated_at = NOW()
        WHERE account_id = $1
    `
	_, err := r.db.Exec(ctx, query, accountID)
	return err
}

// Get returns the current job snapshot, or the idle default if the account
// never ran.
func (r *JobRepository) Get(ctx context.Context, accountID int) (*model.Job, error) {
	query := `
        SELECT account_id, status, total_candidates, processed, labelled, errors,
               current_batch, total_batches, last_error, started_at, completed_at, updated_at
        FROM sync_jobs
        WHERE account_id = $1
    `
	var j model.Job
	var status string
	err := r.db.QueryRow(ctx, query, accountID).Scan(
		&j.AccountID,
		&status,
		&j.TotalCandidates,
		&j.Processed,
		&j.Labelled,
		&j.Errors,
		&j.CurrentBatch,
		&j.TotalBatches,
		&j.LastError,
		&j.StartedAt,
		&j.CompletedAt,
		&j.UpdatedAt,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return model.IdleJob(accountID), nil
	}
	if err != nil {
		return nil, err
	}
	j.Status = model.JobStatus(status)
	return &j, nil
}
