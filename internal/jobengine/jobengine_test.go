package jobengine

import (
	"context"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"github.com/ocx/backend/internal/domain"
	"github.com/ocx/backend/internal/store"
)

func TestEnqueueDedupReturnsExistingJob(t *testing.T) {
	mem := store.NewMemoryStore()
	e := NewEngine(mem, mem.WithTx, zerolog.Nop())
	ctx := context.Background()

	id1, err := e.Enqueue(ctx, domain.Job{Type: "avatar", DedupKey: "user1:session1"})
	require.NoError(t, err)

	id2, err := e.Enqueue(ctx, domain.Job{Type: "avatar", DedupKey: "user1:session1"})
	require.NoError(t, err)

	require.Equal(t, id1, id2)
}

func TestClaimTransitionsQueuedToRunning(t *testing.T) {
	mem := store.NewMemoryStore()
	e := NewEngine(mem, mem.WithTx, zerolog.Nop())
	ctx := context.Background()

	id, err := e.Enqueue(ctx, domain.Job{Type: "avatar"})
	require.NoError(t, err)

	job, err := e.Claim(ctx, "worker-1", []string{"avatar"})
	require.NoError(t, err)
	require.NotNil(t, job)
	require.Equal(t, id, job.ID)
	require.Equal(t, domain.JobRunning, job.State)
	require.Equal(t, 1, job.Attempts)

	again, err := e.Claim(ctx, "worker-2", []string{"avatar"})
	require.NoError(t, err)
	require.Nil(t, again, "a job already running with a live lease must not be claimable again")
}

func TestClaimPriorityOrdering(t *testing.T) {
	mem := store.NewMemoryStore()
	e := NewEngine(mem, mem.WithTx, zerolog.Nop())
	ctx := context.Background()

	lowID, err := e.Enqueue(ctx, domain.Job{Type: "t", Priority: 1})
	require.NoError(t, err)
	highID, err := e.Enqueue(ctx, domain.Job{Type: "t", Priority: 10})
	require.NoError(t, err)

	job, err := e.Claim(ctx, "w", []string{"t"})
	require.NoError(t, err)
	require.Equal(t, highID, job.ID, "higher priority job claims first")

	job2, err := e.Claim(ctx, "w", []string{"t"})
	require.NoError(t, err)
	require.Equal(t, lowID, job2.ID)
}

func TestFailRetryableRequeuesWithBackoff(t *testing.T) {
	mem := store.NewMemoryStore()
	e := NewEngine(mem, mem.WithTx, zerolog.Nop(), WithBackoff(time.Millisecond, time.Second))
	ctx := context.Background()

	id, err := e.Enqueue(ctx, domain.Job{Type: "t", MaxAttempts: 3})
	require.NoError(t, err)
	job, err := e.Claim(ctx, "w", []string{"t"})
	require.NoError(t, err)

	require.NoError(t, e.Fail(ctx, job, domain.JobError{Code: "transient", Retryable: true}))

	got, err := mem.GetJob(ctx, id)
	require.NoError(t, err)
	require.Equal(t, domain.JobQueued, got.State, "a retryable failure under maxAttempts requeues rather than failing terminally")
}

func TestFailExhaustedGoesTerminal(t *testing.T) {
	mem := store.NewMemoryStore()
	e := NewEngine(mem, mem.WithTx, zerolog.Nop())
	ctx := context.Background()

	id, err := e.Enqueue(ctx, domain.Job{Type: "t", MaxAttempts: 1})
	require.NoError(t, err)
	job, err := e.Claim(ctx, "w", []string{"t"})
	require.NoError(t, err)

	require.NoError(t, e.Fail(ctx, job, domain.JobError{Code: "transient", Retryable: true}))

	got, err := mem.GetJob(ctx, id)
	require.NoError(t, err)
	require.Equal(t, domain.JobFailed, got.State)
}

func TestRunOneIdempotentHandlerAtLeastOnce(t *testing.T) {
	mem := store.NewMemoryStore()
	e := NewEngine(mem, mem.WithTx, zerolog.Nop())
	ctx := context.Background()

	sideEffects := 0
	done := map[domain.ID]bool{}
	e.RegisterHandler("idempotent", func(ctx context.Context, job *domain.Job, rep ProgressReporter) (map[string]interface{}, *domain.JobError) {
		if !done[job.ID] {
			sideEffects++
			done[job.ID] = true
		}
		return map[string]interface{}{"ok": true}, nil
	})

	id, err := e.Enqueue(ctx, domain.Job{Type: "idempotent"})
	require.NoError(t, err)

	job, err := e.Claim(ctx, "w", []string{"idempotent"})
	require.NoError(t, err)
	e.runOne(ctx, job, e.handlers["idempotent"])
	// simulate a lease-expiry redelivery of the same job
	e.runOne(ctx, job, e.handlers["idempotent"])

	require.Equal(t, 1, sideEffects, "idempotent handler's observable side effect happens exactly once")

	got, err := mem.GetJob(ctx, id)
	require.NoError(t, err)
	require.Equal(t, domain.JobSucceeded, got.State)
}
