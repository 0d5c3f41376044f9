package impl

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/zks-assess/config"
	"github.com/zks-assess/models"
	"github.com/zks-assess/services"
)

// fakeIngestionService fails the first failures calls with err, then
// succeeds.
type fakeIngestionService struct {
	mu       sync.Mutex
	calls    []uuid.UUID
	failures int
	err      error
}

func (f *fakeIngestionService) ProcessDocument(ctx context.Context, documentID uuid.UUID) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, documentID)
	if f.failures > 0 {
		f.failures--
		return f.err
	}
	return nil
}

func (f *fakeIngestionService) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.calls)
}

func workerTestConfig() config.IngestionConfig {
	return config.IngestionConfig{
		Workers:     1,
		JobTimeout:  5,
		MaxAttempts: 3,
	}
}

func TestPermanentIngestionError(t *testing.T) {
	assert.True(t, PermanentIngestionError(models.ErrUnsupportedFormat))
	assert.True(t, PermanentIngestionError(models.ErrCorruptDocument))
	assert.True(t, PermanentIngestionError(fmt.Errorf("extract: %w", models.ErrExtractionFailed)))
	assert.False(t, PermanentIngestionError(fmt.Errorf("connection refused")))
	assert.False(t, PermanentIngestionError(context.DeadlineExceeded))
}

func TestIngestionWorker_HandleSuccess(t *testing.T) {
	queue := NewInlineIngestionQueue(4)
	service := &fakeIngestionService{}
	worker := NewIngestionWorker(queue, service, workerTestConfig())

	worker.handle(context.Background(), 0, testJob())

	assert.Equal(t, 1, service.callCount())
	length, err := queue.Length(context.Background())
	require.NoError(t, err)
	assert.Equal(t, int64(0), length)
}

func TestIngestionWorker_TransientFailureRequeues(t *testing.T) {
	queue := NewInlineIngestionQueue(4)
	service := &fakeIngestionService{failures: 1, err: fmt.Errorf("embedder unreachable")}
	worker := NewIngestionWorker(queue, service, workerTestConfig())

	job := testJob()
	worker.handle(context.Background(), 0, job)

	requeued, err := queue.Dequeue(context.Background(), 1)
	require.NoError(t, err)
	require.NotNil(t, requeued)
	assert.Equal(t, job.JobID, requeued.JobID)
	assert.Equal(t, job.Attempt+1, requeued.Attempt)
}

func TestIngestionWorker_PermanentFailureDropped(t *testing.T) {
	queue := NewInlineIngestionQueue(4)
	service := &fakeIngestionService{failures: 1, err: models.ErrCorruptDocument}
	worker := NewIngestionWorker(queue, service, workerTestConfig())

	worker.handle(context.Background(), 0, testJob())

	length, err := queue.Length(context.Background())
	require.NoError(t, err)
	assert.Equal(t, int64(0), length)
}

func TestIngestionWorker_ExhaustedAttemptsDropped(t *testing.T) {
	queue := NewInlineIngestionQueue(4)
	service := &fakeIngestionService{failures: 10, err: fmt.Errorf("still down")}
	worker := NewIngestionWorker(queue, service, workerTestConfig())

	job := testJob()
	job.Attempt = 2 // third and final attempt under MaxAttempts=3
	worker.handle(context.Background(), 0, job)

	length, err := queue.Length(context.Background())
	require.NoError(t, err)
	assert.Equal(t, int64(0), length)
}

func TestIngestionWorker_DrainsQueue(t *testing.T) {
	queue := NewInlineIngestionQueue(8)
	service := &fakeIngestionService{}
	worker := NewIngestionWorker(queue, service, workerTestConfig())

	ctx := context.Background()
	jobs := []models.IngestionJob{testJob(), testJob(), testJob()}
	for _, job := range jobs {
		require.NoError(t, queue.Enqueue(ctx, job))
	}

	worker.Start()
	defer worker.Stop()

	require.Eventually(t, func() bool {
		return service.callCount() == len(jobs)
	}, 5*time.Second, 20*time.Millisecond)

	length, err := queue.Length(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(0), length)
}

var _ services.IngestionService = (*fakeIngestionService)(nil)
