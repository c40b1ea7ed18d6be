package service

import (
	"context"
	"crypto/rand"
	"errors"
	"fmt"
	"log"
	"math/big"
	"time"

	"github.com/google/uuid"
	"golang.org/x/crypto/bcrypt"

	"annotation-service/internal/entity"
	"annotation-service/internal/storage"
)

// ErrInvalidPIN means the presented deletion secret did not match. Transport
// must not let callers tell it apart from an unknown job id.
var ErrInvalidPIN = errors.New("invalid pin")

// JobRepository is the store port (implementation: postgresql.JobRepository).
type JobRepository interface {
	Create(ctx context.Context, job *entity.Job) error
	GetByID(ctx context.Context, id uuid.UUID) (*entity.Job, error)
	ResetPending(ctx context.Context, id uuid.UUID) error
	AppendProcessedFiles(ctx context.Context, id uuid.UUID, names []string) error
	Delete(ctx context.Context, id uuid.UUID) error
}

// JobQueue is the enqueue-only slice of the queue the submission path needs.
type JobQueue interface {
	Enqueue(ctx context.Context, task entity.Task) error
}

// FileStore is the per-job filesystem port (implementation: storage.Store).
type FileStore interface {
	SaveNew(jobID string, files []storage.File) ([]string, error)
	Remove(jobID string) error
}

type JobService struct {
	repo  JobRepository
	queue JobQueue
	files FileStore
}

func NewJobService(repo JobRepository, queue JobQueue, files FileStore) *JobService {
	return &JobService{repo: repo, queue: queue, files: files}
}

type CreateJobResult struct {
	ID  uuid.UUID
	PIN string
}

// CreateJob mints a new job: saves the uploaded files under a fresh id,
// persists the pending record with a hashed one-time PIN, and enqueues the
// first processing task. The plaintext PIN leaves this function exactly once.
func (s *JobService) CreateJob(ctx context.Context, keep bool, files []storage.File) (*CreateJobResult, error) {
	id := uuid.New()

	pin, err := generatePIN()
	if err != nil {
		return nil, fmt.Errorf("generate pin: %w", err)
	}
	hash, err := bcrypt.GenerateFromPassword([]byte(pin), bcrypt.DefaultCost)
	if err != nil {
		return nil, fmt.Errorf("hash pin: %w", err)
	}

	saved, err := s.files.SaveNew(id.String(), files)
	if err != nil {
		return nil, fmt.Errorf("save uploads: %w", err)
	}

	job := &entity.Job{
		ID:             id,
		Keep:           keep,
		Options:        entity.Options{Keep: keep},
		ProcessedFiles: saved,
		PINHash:        string(hash),
	}
	if err := s.repo.Create(ctx, job); err != nil {
		return nil, err
	}

	if err := s.queue.Enqueue(ctx, entity.Task{JobID: id, Keep: keep}); err != nil {
		return nil, fmt.Errorf("enqueue: %w", err)
	}

	log.Printf("[service] job_id=%s created keep=%t files=%d", id, keep, len(saved))
	return &CreateJobResult{ID: id, PIN: pin}, nil
}

// Resubmit appends files that are not already present under the job's upload
// path, forces the status back to pending and enqueues a fresh task. The
// retention flag is carried over unchanged.
func (s *JobService) Resubmit(ctx context.Context, id uuid.UUID, files []storage.File) error {
	job, err := s.repo.GetByID(ctx, id)
	if err != nil {
		return err
	}

	saved, err := s.files.SaveNew(id.String(), files)
	if err != nil {
		return fmt.Errorf("save uploads: %w", err)
	}
	if err := s.repo.AppendProcessedFiles(ctx, id, saved); err != nil {
		return err
	}

	if err := s.repo.ResetPending(ctx, id); err != nil {
		return err
	}
	if err := s.queue.Enqueue(ctx, entity.Task{JobID: id, Keep: job.Keep}); err != nil {
		return fmt.Errorf("enqueue: %w", err)
	}

	log.Printf("[service] job_id=%s resubmitted new_files=%d", id, len(saved))
	return nil
}

// Delete removes a job's storage and record, gated on the deletion PIN.
// Wrong PIN and unknown id are distinct errors here; transport collapses
// them so job id existence cannot be probed.
func (s *JobService) Delete(ctx context.Context, id uuid.UUID, pin string) error {
	job, err := s.repo.GetByID(ctx, id)
	if err != nil {
		return err
	}

	if pin == "" || job.PINHash == "" ||
		bcrypt.CompareHashAndPassword([]byte(job.PINHash), []byte(pin)) != nil {
		return ErrInvalidPIN
	}

	// Directory first, record second: a dangling record keeps the job
	// addressable, an orphaned directory would leak storage forever.
	if err := s.files.Remove(id.String()); err != nil {
		log.Printf("[service] job_id=%s remove storage error=%v", id, err)
	}
	if err := s.repo.Delete(ctx, id); err != nil {
		return err
	}

	log.Printf("[service] job_id=%s deleted", id)
	return nil
}

func (s *JobService) GetJob(ctx context.Context, id uuid.UUID) (*entity.Job, error) {
	return s.repo.GetByID(ctx, id)
}

// generatePIN returns a 6-digit numeric secret from crypto/rand.
func generatePIN() (string, error) {
	n, err := rand.Int(rand.Reader, big.NewInt(900000))
	if err != nil {
		return "", err
	}
	return fmt.Sprintf("%06d", n.Int64()+100000), nil
}

// Expiry computes when a job becomes eligible for cleanup.
func Expiry(createdAt time.Time, retention time.Duration) time.Time {
	return createdAt.Add(retention)
}
