package impl

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/zks-assess/models"
	"github.com/zks-assess/services"
)

// redisIngestionQueue is the production ingestion queue: a Redis list with
// LPUSH/BRPOP semantics. Delivery is at-least-once: a worker crash after
// BRPOP loses the in-flight job only until the uploader retries, and
// reprocessing is idempotent per document, so duplicates are harmless.
type redisIngestionQueue struct {
	client *redis.Client
	key    string
}

func NewRedisIngestionQueue(client *redis.Client, key string) services.IngestionQueue {
	if key == "" {
		key = "ingest:jobs"
	}
	return &redisIngestionQueue{
		client: client,
		key:    key,
	}
}

func (q *redisIngestionQueue) Enqueue(ctx context.Context, job models.IngestionJob) error {
	payload, err := json.Marshal(job)
	if err != nil {
		return fmt.Errorf("failed to encode ingestion job: %w", err)
	}
	if err := q.client.LPush(ctx, q.key, payload).Err(); err != nil {
		return fmt.Errorf("failed to enqueue ingestion job: %w", err)
	}
	return nil
}

func (q *redisIngestionQueue) Dequeue(ctx context.Context, timeoutSeconds int) (*models.IngestionJob, error) {
	if timeoutSeconds <= 0 {
		timeoutSeconds = 5
	}
	result, err := q.client.BRPop(ctx, time.Duration(timeoutSeconds)*time.Second, q.key).Result()
	if err == redis.Nil {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to dequeue ingestion job: %w", err)
	}
	// BRPop returns [key, value].
	if len(result) != 2 {
		return nil, fmt.Errorf("unexpected BRPOP reply length %d", len(result))
	}

	var job models.IngestionJob
	if err := json.Unmarshal([]byte(result[1]), &job); err != nil {
		return nil, fmt.Errorf("failed to decode ingestion job: %w", err)
	}
	return &job, nil
}

func (q *redisIngestionQueue) Length(ctx context.Context) (int64, error) {
	length, err := q.client.LLen(ctx, q.key).Result()
	if err != nil {
		return 0, fmt.Errorf("failed to read queue length: %w", err)
	}
	return length, nil
}

// inlineIngestionQueue is a bounded in-process queue for Redis-less
// deployments and tests. Enqueue fails fast when the buffer is full, which
// surfaces to the uploader as backpressure.
type inlineIngestionQueue struct {
	jobs chan models.IngestionJob
}

func NewInlineIngestionQueue(capacity int) services.IngestionQueue {
	if capacity <= 0 {
		capacity = 64
	}
	return &inlineIngestionQueue{
		jobs: make(chan models.IngestionJob, capacity),
	}
}

func (q *inlineIngestionQueue) Enqueue(ctx context.Context, job models.IngestionJob) error {
	select {
	case q.jobs <- job:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	default:
		return fmt.Errorf("ingestion queue full (%d jobs)", cap(q.jobs))
	}
}

func (q *inlineIngestionQueue) Dequeue(ctx context.Context, timeoutSeconds int) (*models.IngestionJob, error) {
	if timeoutSeconds <= 0 {
		timeoutSeconds = 5
	}
	timer := time.NewTimer(time.Duration(timeoutSeconds) * time.Second)
	defer timer.Stop()

	select {
	case job := <-q.jobs:
		return &job, nil
	case <-timer.C:
		return nil, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (q *inlineIngestionQueue) Length(ctx context.Context) (int64, error) {
	return int64(len(q.jobs)), nil
}
