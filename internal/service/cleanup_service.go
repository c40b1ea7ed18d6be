package service

import (
	"context"
	"log"
	"time"

	"github.com/google/uuid"

	"annotation-service/internal/entity"
)

// CleanupRepository is the store slice the sweeps need.
type CleanupRepository interface {
	ListExpired(ctx context.Context, cutoff, now time.Time) ([]uuid.UUID, error)
	ListStaleProcessing(ctx context.Context, now time.Time) ([]uuid.UUID, error)
	GetByID(ctx context.Context, id uuid.UUID) (*entity.Job, error)
	ResetPending(ctx context.Context, id uuid.UUID) error
	Delete(ctx context.Context, id uuid.UUID) error
}

// CleanupService reclaims storage for stale jobs and recovers attempts whose
// worker died. Both sweeps are idempotent: a second pass over unchanged state
// finds nothing to do.
type CleanupService struct {
	repo      CleanupRepository
	files     FileStore
	queue     JobQueue
	retention time.Duration
	now       func() time.Time
}

func NewCleanupService(repo CleanupRepository, files FileStore, queue JobQueue, retention time.Duration) *CleanupService {
	return &CleanupService{
		repo:      repo,
		files:     files,
		queue:     queue,
		retention: retention,
		now:       time.Now,
	}
}

// Sweep removes every non-retained job older than the retention window:
// storage directory first (best-effort), record second. Jobs with a live
// worker lease are excluded by the store query.
func (c *CleanupService) Sweep(ctx context.Context) (int, error) {
	now := c.now().UTC()
	cutoff := now.Add(-c.retention)

	ids, err := c.repo.ListExpired(ctx, cutoff, now)
	if err != nil {
		return 0, err
	}

	removed := 0
	for _, id := range ids {
		if err := c.files.Remove(id.String()); err != nil {
			log.Printf("[cleanup] job_id=%s remove storage error=%v", id, err)
		}
		if err := c.repo.Delete(ctx, id); err != nil {
			log.Printf("[cleanup] job_id=%s delete record error=%v", id, err)
			continue
		}
		removed++
		log.Printf("[cleanup] job_id=%s removed", id)
	}
	return removed, nil
}

// RecoverStale requeues jobs stuck in processing whose lease expired without
// a terminal transition. The reset bumps the version, so a zombie worker
// that eventually finishes cannot commit over the new attempt.
func (c *CleanupService) RecoverStale(ctx context.Context) (int, error) {
	ids, err := c.repo.ListStaleProcessing(ctx, c.now().UTC())
	if err != nil {
		return 0, err
	}

	recovered := 0
	for _, id := range ids {
		job, err := c.repo.GetByID(ctx, id)
		if err != nil {
			log.Printf("[cleanup] job_id=%s get error=%v", id, err)
			continue
		}
		if err := c.repo.ResetPending(ctx, id); err != nil {
			log.Printf("[cleanup] job_id=%s reset error=%v", id, err)
			continue
		}
		if err := c.queue.Enqueue(ctx, entity.Task{JobID: id, Keep: job.Keep}); err != nil {
			log.Printf("[cleanup] job_id=%s enqueue error=%v", id, err)
			continue
		}
		recovered++
		log.Printf("[cleanup] job_id=%s requeued after expired lease", id)
	}
	return recovered, nil
}
