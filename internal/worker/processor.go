package worker

import (
	"context"
	"encoding/json"
	"errors"
	"log"
	"os"
	"time"

	"github.com/google/uuid"

	"annotation-service/internal/analysis"
	"annotation-service/internal/entity"
	"annotation-service/internal/repository/postgresql"
)

type JobRepo interface {
	GetByID(ctx context.Context, id uuid.UUID) (*entity.Job, error)
	MarkProcessing(ctx context.Context, id uuid.UUID, version int, opts entity.Options, leaseUntil time.Time) (int, error)
	SetCompleted(ctx context.Context, id uuid.UUID, version int, metadata json.RawMessage) error
	SetError(ctx context.Context, id uuid.UUID, version int, errText string) error
}

// Uploads resolves a job's input directory for the analyzer.
type Uploads interface {
	UploadDir(jobID string) (string, error)
}

type Processor struct {
	repo     JobRepo
	analyzer analysis.Analyzer
	uploads  Uploads
	leaseTTL time.Duration
}

func NewProcessor(repo JobRepo, analyzer analysis.Analyzer, uploads Uploads, leaseTTL time.Duration) *Processor {
	return &Processor{
		repo:     repo,
		analyzer: analyzer,
		uploads:  uploads,
		leaseTTL: leaseTTL,
	}
}

// Process runs one claimed task through pending -> processing ->
// completed/error. A failed attempt never escapes as an error status for the
// worker itself; it is resolved into the job record. Errors returned here
// only affect logging, the task is acked either way.
func (p *Processor) Process(ctx context.Context, raw string) error {
	start := time.Now()

	task, err := entity.DecodeTask(raw)
	if err != nil {
		log.Printf("[worker] payload=%q decode_error=%v", raw, err)
		return err
	}
	id := task.JobID

	job, err := p.repo.GetByID(ctx, id)
	if err != nil {
		if errors.Is(err, postgresql.ErrNotFound) {
			// Deleted between enqueue and dispatch; nothing to do.
			log.Printf("[worker] job_id=%s gone, dropping task", id)
			return nil
		}
		log.Printf("[worker] job_id=%s get_job error=%v", id, err)
		return err
	}

	now := time.Now().UTC()
	if job.LeaseHeld(now) {
		// Another worker owns this attempt (redelivered task).
		log.Printf("[worker] job_id=%s lease held, skipping", id)
		return nil
	}
	if job.Status != entity.StatusPending && job.Status != entity.StatusProcessing {
		log.Printf("[worker] job_id=%s status=%s stale task, skipping", id, job.Status)
		return nil
	}

	version, err := p.repo.MarkProcessing(ctx, id, job.Version, entity.Options{Keep: task.Keep}, now.Add(p.leaseTTL))
	if err != nil {
		if errors.Is(err, postgresql.ErrStaleVersion) {
			log.Printf("[worker] job_id=%s claim lost to concurrent transition", id)
			return nil
		}
		log.Printf("[worker] job_id=%s mark_processing error=%v", id, err)
		return err
	}
	log.Printf("[worker] job_id=%s status=processing keep=%t", id, task.Keep)

	dir, err := p.uploads.UploadDir(id.String())
	if err != nil {
		return p.fail(ctx, id, version, start, err)
	}

	resultsPath, err := p.analyzer.Analyze(ctx, dir, id.String())
	if err != nil {
		return p.fail(ctx, id, version, start, err)
	}

	metadata, err := os.ReadFile(resultsPath)
	if err != nil {
		return p.fail(ctx, id, version, start, err)
	}

	if err := p.repo.SetCompleted(ctx, id, version, metadata); err != nil {
		if errors.Is(err, postgresql.ErrStaleVersion) {
			log.Printf("[worker] job_id=%s result discarded, job was resubmitted mid-run", id)
			return nil
		}
		log.Printf("[worker] job_id=%s set_completed error=%v", id, err)
		return err
	}

	log.Printf("[worker] job_id=%s status=completed duration_ms=%d",
		id, time.Since(start).Milliseconds())
	return nil
}

func (p *Processor) fail(ctx context.Context, id uuid.UUID, version int, start time.Time, cause error) error {
	if err := p.repo.SetError(ctx, id, version, cause.Error()); err != nil {
		if errors.Is(err, postgresql.ErrStaleVersion) {
			log.Printf("[worker] job_id=%s error discarded, job was resubmitted mid-run", id)
			return nil
		}
		log.Printf("[worker] job_id=%s set_error error=%v", id, err)
		return err
	}

	log.Printf("[worker] job_id=%s status=error duration_ms=%d error=%v",
		id, time.Since(start).Milliseconds(), cause)
	return cause
}
