package postgresql

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"annotation-service/internal/entity"
)

var (
	ErrNotFound = errors.New("job not found")

	// ErrStaleVersion means the row moved on since the caller read it,
	// e.g. a resubmission raced an in-flight worker. The caller's write
	// is discarded, never merged.
	ErrStaleVersion = errors.New("stale job version")
)

type JobRepository struct {
	pool *pgxpool.Pool
}

func NewJobRepository(pool *pgxpool.Pool) *JobRepository {
	return &JobRepository{pool: pool}
}

// snapshotState is what gets serialized into the snapshots table on every
// transition.
type snapshotState struct {
	Status entity.JobStatus `json:"status"`
	Keep   bool             `json:"keep"`
	Error  string           `json:"error,omitempty"`
}

func (r *JobRepository) Create(ctx context.Context, job *entity.Job) error {
	options, err := json.Marshal(job.Options)
	if err != nil {
		return fmt.Errorf("marshal options: %w", err)
	}
	files := job.ProcessedFiles
	if files == nil {
		files = []string{}
	}
	processed, err := json.Marshal(files)
	if err != nil {
		return fmt.Errorf("marshal processed files: %w", err)
	}

	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	defer tx.Rollback(ctx)

	const q = `
INSERT INTO jobs (id, status, keep, options, processed_files, pin_hash)
VALUES ($1, 'pending', $2, $3, $4, $5)
RETURNING version, created_at, updated_at;
`
	if err := tx.QueryRow(ctx, q, job.ID, job.Keep, options, processed, job.PINHash).
		Scan(&job.Version, &job.CreatedAt, &job.UpdatedAt); err != nil {
		return fmt.Errorf("insert job: %w", err)
	}
	job.Status = entity.StatusPending

	if err := insertSnapshot(ctx, tx, job.ID, snapshotState{Status: entity.StatusPending, Keep: job.Keep}); err != nil {
		return err
	}
	return tx.Commit(ctx)
}

func (r *JobRepository) GetByID(ctx context.Context, id uuid.UUID) (*entity.Job, error) {
	const q = `
SELECT id, status, keep, options, processed_files, result_metadata,
       pin_hash, version, lease_expires_at, created_at, updated_at
FROM jobs
WHERE id = $1;
`
	var (
		job           entity.Job
		statusText    string
		optionsBytes  []byte
		filesBytes    []byte
		metadataBytes []byte
	)

	if err := r.pool.QueryRow(ctx, q, id).Scan(
		&job.ID,
		&statusText,
		&job.Keep,
		&optionsBytes,
		&filesBytes,
		&metadataBytes, // NULL => nil
		&job.PINHash,
		&job.Version,
		&job.LeaseExpiresAt, // NULL => nil
		&job.CreatedAt,
		&job.UpdatedAt,
	); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("get job: %w", err)
	}

	job.Status = entity.JobStatus(statusText)
	if err := json.Unmarshal(optionsBytes, &job.Options); err != nil {
		return nil, fmt.Errorf("unmarshal options: %w", err)
	}
	if err := json.Unmarshal(filesBytes, &job.ProcessedFiles); err != nil {
		return nil, fmt.Errorf("unmarshal processed files: %w", err)
	}
	if metadataBytes != nil {
		job.ResultMetadata = json.RawMessage(metadataBytes)
	}
	return &job, nil
}

// MarkProcessing moves a job to processing, persisting the captured options,
// the retention flag and the worker's lease in one statement so a concurrent
// reader never sees processing with stale options. Returns the new version
// the worker must present to commit its terminal transition.
func (r *JobRepository) MarkProcessing(ctx context.Context, id uuid.UUID, version int, opts entity.Options, leaseUntil time.Time) (int, error) {
	options, err := json.Marshal(opts)
	if err != nil {
		return 0, fmt.Errorf("marshal options: %w", err)
	}

	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return 0, fmt.Errorf("begin: %w", err)
	}
	defer tx.Rollback(ctx)

	const q = `
UPDATE jobs
SET status = 'processing', keep = $3, options = $4, result_metadata = NULL,
    lease_expires_at = $5, version = version + 1, updated_at = now()
WHERE id = $1 AND version = $2
RETURNING version;
`
	var newVersion int
	if err := tx.QueryRow(ctx, q, id, version, opts.Keep, options, leaseUntil).Scan(&newVersion); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return 0, ErrStaleVersion
		}
		return 0, fmt.Errorf("mark processing: %w", err)
	}

	if err := insertSnapshot(ctx, tx, id, snapshotState{Status: entity.StatusProcessing, Keep: opts.Keep}); err != nil {
		return 0, err
	}
	if err := tx.Commit(ctx); err != nil {
		return 0, err
	}
	return newVersion, nil
}

// SetCompleted writes the result metadata and the completed status together;
// a reader can never observe completed with null metadata.
func (r *JobRepository) SetCompleted(ctx context.Context, id uuid.UUID, version int, metadata json.RawMessage) error {
	if len(metadata) == 0 {
		metadata = json.RawMessage(`{}`)
	}

	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	defer tx.Rollback(ctx)

	const q = `
UPDATE jobs
SET status = 'completed', result_metadata = $3, lease_expires_at = NULL,
    version = version + 1, updated_at = now()
WHERE id = $1 AND version = $2;
`
	tag, err := tx.Exec(ctx, q, id, version, metadata)
	if err != nil {
		return fmt.Errorf("set completed: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrStaleVersion
	}

	if err := insertSnapshot(ctx, tx, id, snapshotState{Status: entity.StatusCompleted}); err != nil {
		return err
	}
	return tx.Commit(ctx)
}

// SetError records a failed attempt. No partial metadata is retained.
func (r *JobRepository) SetError(ctx context.Context, id uuid.UUID, version int, errText string) error {
	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	defer tx.Rollback(ctx)

	const q = `
UPDATE jobs
SET status = 'error', result_metadata = NULL, lease_expires_at = NULL,
    version = version + 1, updated_at = now()
WHERE id = $1 AND version = $2;
`
	tag, err := tx.Exec(ctx, q, id, version)
	if err != nil {
		return fmt.Errorf("set error: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrStaleVersion
	}

	if err := insertSnapshot(ctx, tx, id, snapshotState{Status: entity.StatusError, Error: errText}); err != nil {
		return err
	}
	return tx.Commit(ctx)
}

// ResetPending forces a job back to pending regardless of its current status.
// The version bump invalidates any in-flight worker's commit.
func (r *JobRepository) ResetPending(ctx context.Context, id uuid.UUID) error {
	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	defer tx.Rollback(ctx)

	const q = `
UPDATE jobs
SET status = 'pending', result_metadata = NULL, lease_expires_at = NULL,
    version = version + 1, updated_at = now()
WHERE id = $1
RETURNING keep;
`
	var keep bool
	if err := tx.QueryRow(ctx, q, id).Scan(&keep); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return ErrNotFound
		}
		return fmt.Errorf("reset pending: %w", err)
	}

	if err := insertSnapshot(ctx, tx, id, snapshotState{Status: entity.StatusPending, Keep: keep}); err != nil {
		return err
	}
	return tx.Commit(ctx)
}

// AppendProcessedFiles records newly ingested filenames. Callers pass only
// names that were actually written, so the stored list stays a set.
func (r *JobRepository) AppendProcessedFiles(ctx context.Context, id uuid.UUID, names []string) error {
	if len(names) == 0 {
		return nil
	}
	appended, err := json.Marshal(names)
	if err != nil {
		return fmt.Errorf("marshal filenames: %w", err)
	}

	const q = `
UPDATE jobs
SET processed_files = processed_files || $2::jsonb, updated_at = now()
WHERE id = $1;
`
	tag, err := r.pool.Exec(ctx, q, id, appended)
	if err != nil {
		return fmt.Errorf("append processed files: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// ListExpired returns jobs eligible for the retention sweep: not retained,
// older than the cutoff, and not held by a live worker lease.
func (r *JobRepository) ListExpired(ctx context.Context, cutoff, now time.Time) ([]uuid.UUID, error) {
	const q = `
SELECT id FROM jobs
WHERE keep = false
  AND created_at < $1
  AND (lease_expires_at IS NULL OR lease_expires_at < $2);
`
	rows, err := r.pool.Query(ctx, q, cutoff, now)
	if err != nil {
		return nil, fmt.Errorf("list expired: %w", err)
	}
	defer rows.Close()
	return scanIDs(rows)
}

// ListStaleProcessing returns jobs stuck in processing with an expired or
// missing lease, i.e. attempts whose worker died.
func (r *JobRepository) ListStaleProcessing(ctx context.Context, now time.Time) ([]uuid.UUID, error) {
	const q = `
SELECT id FROM jobs
WHERE status = 'processing'
  AND (lease_expires_at IS NULL OR lease_expires_at < $1);
`
	rows, err := r.pool.Query(ctx, q, now)
	if err != nil {
		return nil, fmt.Errorf("list stale processing: %w", err)
	}
	defer rows.Close()
	return scanIDs(rows)
}

// Delete removes the job record; snapshots go with it via the FK cascade.
func (r *JobRepository) Delete(ctx context.Context, id uuid.UUID) error {
	tag, err := r.pool.Exec(ctx, `DELETE FROM jobs WHERE id = $1;`, id)
	if err != nil {
		return fmt.Errorf("delete job: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// ListSnapshots returns a job's history, oldest first.
func (r *JobRepository) ListSnapshots(ctx context.Context, jobID uuid.UUID) ([]*entity.Snapshot, error) {
	const q = `
SELECT id, job_id, state, created_at
FROM snapshots
WHERE job_id = $1
ORDER BY id;
`
	rows, err := r.pool.Query(ctx, q, jobID)
	if err != nil {
		return nil, fmt.Errorf("list snapshots: %w", err)
	}
	defer rows.Close()

	var snaps []*entity.Snapshot
	for rows.Next() {
		var (
			s     entity.Snapshot
			state []byte
		)
		if err := rows.Scan(&s.ID, &s.JobID, &state, &s.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan snapshot: %w", err)
		}
		s.State = json.RawMessage(state)
		snaps = append(snaps, &s)
	}
	return snaps, rows.Err()
}

func insertSnapshot(ctx context.Context, tx pgx.Tx, jobID uuid.UUID, state snapshotState) error {
	raw, err := json.Marshal(state)
	if err != nil {
		return fmt.Errorf("marshal snapshot: %w", err)
	}
	if _, err := tx.Exec(ctx,
		`INSERT INTO snapshots (job_id, state) VALUES ($1, $2);`, jobID, raw); err != nil {
		return fmt.Errorf("insert snapshot: %w", err)
	}
	return nil
}

func scanIDs(rows pgx.Rows) ([]uuid.UUID, error) {
	var ids []uuid.UUID
	for rows.Next() {
		var id uuid.UUID
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("scan id: %w", err)
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}
