package postgresql

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	tcpostgres "github.com/testcontainers/testcontainers-go/modules/postgres"
	"github.com/testcontainers/testcontainers-go/wait"

	"annotation-service/internal/entity"
)

func startPostgres(t *testing.T) *pgxpool.Pool {
	t.Helper()
	if testing.Short() {
		t.Skip("skipping container-backed repository tests in short mode")
	}

	ctx := context.Background()
	container, err := tcpostgres.Run(ctx, "postgres:16-alpine",
		tcpostgres.WithDatabase("annotate_test"),
		tcpostgres.WithUsername("test"),
		tcpostgres.WithPassword("test"),
		testcontainers.WithWaitStrategy(
			wait.ForLog("database system is ready to accept connections").
				WithOccurrence(2).
				WithStartupTimeout(60*time.Second)),
	)
	require.NoError(t, err)
	t.Cleanup(func() {
		_ = container.Terminate(context.Background())
	})

	connStr, err := container.ConnectionString(ctx, "sslmode=disable")
	require.NoError(t, err)

	require.NoError(t, RunMigrations(connStr, "../../../migrations"))

	pool, err := pgxpool.New(ctx, connStr)
	require.NoError(t, err)
	t.Cleanup(pool.Close)

	return pool
}

func newTestJob(keep bool) *entity.Job {
	return &entity.Job{
		ID:             uuid.New(),
		Keep:           keep,
		Options:        entity.Options{Keep: keep},
		ProcessedFiles: []string{"input.pdb"},
		PINHash:        "$2a$10$fakefakefakefakefakefakefakefakefakefakefakefakefakef",
	}
}

func TestJobRepository(t *testing.T) {
	pool := startPostgres(t)
	repo := NewJobRepository(pool)
	ctx := context.Background()

	t.Run("create and get roundtrip", func(t *testing.T) {
		job := newTestJob(true)
		require.NoError(t, repo.Create(ctx, job))
		assert.Equal(t, entity.StatusPending, job.Status)
		assert.False(t, job.CreatedAt.IsZero())

		got, err := repo.GetByID(ctx, job.ID)
		require.NoError(t, err)
		assert.Equal(t, job.ID, got.ID)
		assert.Equal(t, entity.StatusPending, got.Status)
		assert.True(t, got.Keep)
		assert.Equal(t, []string{"input.pdb"}, got.ProcessedFiles)
		assert.Equal(t, job.PINHash, got.PINHash)
		assert.Nil(t, got.ResultMetadata)
		assert.Nil(t, got.LeaseExpiresAt)
	})

	t.Run("get unknown id", func(t *testing.T) {
		_, err := repo.GetByID(ctx, uuid.New())
		assert.ErrorIs(t, err, ErrNotFound)
	})

	t.Run("mark processing guards on version", func(t *testing.T) {
		job := newTestJob(false)
		require.NoError(t, repo.Create(ctx, job))

		lease := time.Now().Add(30 * time.Minute)
		newVersion, err := repo.MarkProcessing(ctx, job.ID, job.Version, entity.Options{Keep: true}, lease)
		require.NoError(t, err)
		assert.Equal(t, job.Version+1, newVersion)

		got, err := repo.GetByID(ctx, job.ID)
		require.NoError(t, err)
		assert.Equal(t, entity.StatusProcessing, got.Status)
		assert.True(t, got.Keep, "captured options overwrite the retention flag")
		require.NotNil(t, got.LeaseExpiresAt)
		assert.WithinDuration(t, lease, *got.LeaseExpiresAt, time.Second)

		// stale claimant presents the old version
		_, err = repo.MarkProcessing(ctx, job.ID, job.Version, entity.Options{}, lease)
		assert.ErrorIs(t, err, ErrStaleVersion)
	})

	t.Run("completed status and metadata land together", func(t *testing.T) {
		job := newTestJob(false)
		require.NoError(t, repo.Create(ctx, job))

		v, err := repo.MarkProcessing(ctx, job.ID, job.Version, job.Options, time.Now().Add(time.Hour))
		require.NoError(t, err)

		metadata := json.RawMessage(`{"summary":{"segment_list":["seg_A"]}}`)
		require.NoError(t, repo.SetCompleted(ctx, job.ID, v, metadata))

		got, err := repo.GetByID(ctx, job.ID)
		require.NoError(t, err)
		assert.Equal(t, entity.StatusCompleted, got.Status)
		assert.JSONEq(t, string(metadata), string(got.ResultMetadata))
		assert.Nil(t, got.LeaseExpiresAt, "lease released on terminal transition")

		// late duplicate commit from a superseded attempt
		err = repo.SetCompleted(ctx, job.ID, v, json.RawMessage(`{"stale":true}`))
		assert.ErrorIs(t, err, ErrStaleVersion)

		got, err = repo.GetByID(ctx, job.ID)
		require.NoError(t, err)
		assert.JSONEq(t, string(metadata), string(got.ResultMetadata), "stale write must be discarded")
	})

	t.Run("error status drops metadata", func(t *testing.T) {
		job := newTestJob(false)
		require.NoError(t, repo.Create(ctx, job))

		v, err := repo.MarkProcessing(ctx, job.ID, job.Version, job.Options, time.Now().Add(time.Hour))
		require.NoError(t, err)
		require.NoError(t, repo.SetError(ctx, job.ID, v, "engine exited with code 3"))

		got, err := repo.GetByID(ctx, job.ID)
		require.NoError(t, err)
		assert.Equal(t, entity.StatusError, got.Status)
		assert.Nil(t, got.ResultMetadata)
		assert.Nil(t, got.LeaseExpiresAt)
	})

	t.Run("reset pending invalidates in-flight attempt", func(t *testing.T) {
		job := newTestJob(false)
		require.NoError(t, repo.Create(ctx, job))

		v, err := repo.MarkProcessing(ctx, job.ID, job.Version, job.Options, time.Now().Add(time.Hour))
		require.NoError(t, err)

		require.NoError(t, repo.ResetPending(ctx, job.ID))

		got, err := repo.GetByID(ctx, job.ID)
		require.NoError(t, err)
		assert.Equal(t, entity.StatusPending, got.Status)
		assert.Nil(t, got.ResultMetadata)
		assert.Nil(t, got.LeaseExpiresAt)
		assert.Greater(t, got.Version, v)

		// the superseded worker can no longer commit
		err = repo.SetCompleted(ctx, job.ID, v, json.RawMessage(`{}`))
		assert.ErrorIs(t, err, ErrStaleVersion)

		assert.ErrorIs(t, repo.ResetPending(ctx, uuid.New()), ErrNotFound)
	})

	t.Run("append processed files", func(t *testing.T) {
		job := newTestJob(false)
		require.NoError(t, repo.Create(ctx, job))

		require.NoError(t, repo.AppendProcessedFiles(ctx, job.ID, []string{"extra.pdb", "topology.pdb"}))
		require.NoError(t, repo.AppendProcessedFiles(ctx, job.ID, nil))

		got, err := repo.GetByID(ctx, job.ID)
		require.NoError(t, err)
		assert.Equal(t, []string{"input.pdb", "extra.pdb", "topology.pdb"}, got.ProcessedFiles)

		assert.ErrorIs(t, repo.AppendProcessedFiles(ctx, uuid.New(), []string{"x.pdb"}), ErrNotFound)
	})

	t.Run("list expired honours keep flag and leases", func(t *testing.T) {
		now := time.Now()

		stale := newTestJob(false)
		require.NoError(t, repo.Create(ctx, stale))
		kept := newTestJob(true)
		require.NoError(t, repo.Create(ctx, kept))
		leased := newTestJob(false)
		require.NoError(t, repo.Create(ctx, leased))
		_, err := repo.MarkProcessing(ctx, leased.ID, leased.Version, leased.Options, now.Add(time.Hour))
		require.NoError(t, err)

		// cutoff in the future makes every created_at qualify by age
		cutoff := now.Add(time.Hour)
		ids, err := repo.ListExpired(ctx, cutoff, now)
		require.NoError(t, err)

		assert.Contains(t, ids, stale.ID)
		assert.NotContains(t, ids, kept.ID, "keep=true is never swept")
		assert.NotContains(t, ids, leased.ID, "live lease blocks the sweep")
	})

	t.Run("list stale processing", func(t *testing.T) {
		now := time.Now()

		stuck := newTestJob(false)
		require.NoError(t, repo.Create(ctx, stuck))
		_, err := repo.MarkProcessing(ctx, stuck.ID, stuck.Version, stuck.Options, now.Add(-time.Minute))
		require.NoError(t, err)

		healthy := newTestJob(false)
		require.NoError(t, repo.Create(ctx, healthy))
		_, err = repo.MarkProcessing(ctx, healthy.ID, healthy.Version, healthy.Options, now.Add(time.Hour))
		require.NoError(t, err)

		ids, err := repo.ListStaleProcessing(ctx, now)
		require.NoError(t, err)
		assert.Contains(t, ids, stuck.ID)
		assert.NotContains(t, ids, healthy.ID)
	})

	t.Run("delete cascades snapshots", func(t *testing.T) {
		job := newTestJob(false)
		require.NoError(t, repo.Create(ctx, job))
		v, err := repo.MarkProcessing(ctx, job.ID, job.Version, job.Options, time.Now().Add(time.Hour))
		require.NoError(t, err)
		require.NoError(t, repo.SetCompleted(ctx, job.ID, v, json.RawMessage(`{}`)))

		snaps, err := repo.ListSnapshots(ctx, job.ID)
		require.NoError(t, err)
		assert.Len(t, snaps, 3, "pending, processing, completed")

		require.NoError(t, repo.Delete(ctx, job.ID))
		assert.ErrorIs(t, repo.Delete(ctx, job.ID), ErrNotFound)

		_, err = repo.GetByID(ctx, job.ID)
		assert.ErrorIs(t, err, ErrNotFound)

		snaps, err = repo.ListSnapshots(ctx, job.ID)
		require.NoError(t, err)
		assert.Empty(t, snaps)
	})

	t.Run("snapshot history records transitions in order", func(t *testing.T) {
		job := newTestJob(true)
		require.NoError(t, repo.Create(ctx, job))
		v, err := repo.MarkProcessing(ctx, job.ID, job.Version, entity.Options{Keep: true}, time.Now().Add(time.Hour))
		require.NoError(t, err)
		require.NoError(t, repo.SetError(ctx, job.ID, v, "boom"))

		snaps, err := repo.ListSnapshots(ctx, job.ID)
		require.NoError(t, err)
		require.Len(t, snaps, 3)

		var last struct {
			Status string `json:"status"`
			Error  string `json:"error"`
		}
		require.NoError(t, json.Unmarshal(snaps[2].State, &last))
		assert.Equal(t, "error", last.Status)
		assert.Equal(t, "boom", last.Error)
	})
}
