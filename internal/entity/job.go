package entity

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

type JobStatus string

const (
	StatusPending    JobStatus = "pending"
	StatusProcessing JobStatus = "processing"
	StatusCompleted  JobStatus = "completed"
	StatusError      JobStatus = "error"
)

// Options is the configuration snapshot captured when processing starts,
// so a worker never has to re-read external state mid-run.
type Options struct {
	Keep bool `json:"keep"`
}

type Job struct {
	ID             uuid.UUID       `json:"id"`
	Status         JobStatus       `json:"status"`
	Keep           bool            `json:"keep"`
	Options        Options         `json:"options"`
	ProcessedFiles []string        `json:"processed_files"`
	ResultMetadata json.RawMessage `json:"result_metadata,omitempty"`
	PINHash        string          `json:"-"`
	Version        int             `json:"-"`
	LeaseExpiresAt *time.Time      `json:"-"`
	CreatedAt      time.Time       `json:"created_at"`
	UpdatedAt      time.Time       `json:"updated_at"`
}

// LeaseHeld reports whether another worker currently owns this job.
func (j *Job) LeaseHeld(now time.Time) bool {
	return j.Status == StatusProcessing &&
		j.LeaseExpiresAt != nil &&
		j.LeaseExpiresAt.After(now)
}

// Snapshot is an append-only capture of a job's state at some moment.
// Diagnostic only; removed together with its job.
type Snapshot struct {
	ID        int64           `json:"id"`
	JobID     uuid.UUID       `json:"job_id"`
	State     json.RawMessage `json:"state"`
	CreatedAt time.Time       `json:"created_at"`
}

// Task is the queue payload handed from submission to a worker.
type Task struct {
	JobID uuid.UUID `json:"job_id"`
	Keep  bool      `json:"keep"`
}

func (t Task) Encode() (string, error) {
	b, err := json.Marshal(t)
	if err != nil {
		return "", err
	}
	return string(b), nil
}

func DecodeTask(raw string) (Task, error) {
	var t Task
	err := json.Unmarshal([]byte(raw), &t)
	return t, err
}
