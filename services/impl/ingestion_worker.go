package impl

import (
	"context"
	"log"
	"sync"
	"time"

	"github.com/zks-assess/config"
	"github.com/zks-assess/models"
	"github.com/zks-assess/services"
)

const dequeueTimeoutSeconds = 5

// IngestionWorker drains the ingestion queue with a small pool of
// goroutines. Jobs run under a wall-clock timeout; transient failures are
// re-enqueued with an incremented attempt counter until MaxAttempts, at
// which point the document stays failed with its diagnostics.
type IngestionWorker struct {
	queue   services.IngestionQueue
	service services.IngestionService
	cfg     config.IngestionConfig

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

func NewIngestionWorker(queue services.IngestionQueue, service services.IngestionService, cfg config.IngestionConfig) *IngestionWorker {
	if cfg.Workers <= 0 {
		cfg.Workers = 2
	}
	if cfg.JobTimeout <= 0 {
		cfg.JobTimeout = 600
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 3
	}
	return &IngestionWorker{
		queue:   queue,
		service: service,
		cfg:     cfg,
	}
}

func (w *IngestionWorker) Start() {
	ctx, cancel := context.WithCancel(context.Background())
	w.cancel = cancel

	for i := 0; i < w.cfg.Workers; i++ {
		w.wg.Add(1)
		go w.run(ctx, i)
	}
	log.Printf("[INGEST] started %d ingestion workers", w.cfg.Workers)
}

// Stop cancels the workers and waits for in-flight jobs, bounded by the job
// timeout so shutdown cannot hang on a stuck model call.
func (w *IngestionWorker) Stop() {
	if w.cancel == nil {
		return
	}
	w.cancel()

	done := make(chan struct{})
	go func() {
		w.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(time.Duration(w.cfg.JobTimeout) * time.Second):
		log.Printf("[INGEST] shutdown timed out waiting for workers")
	}
}

func (w *IngestionWorker) run(ctx context.Context, id int) {
	defer w.wg.Done()

	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		job, err := w.queue.Dequeue(ctx, dequeueTimeoutSeconds)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			log.Printf("[INGEST] worker %d dequeue failed: %v", id, err)
			time.Sleep(time.Second)
			continue
		}
		if job == nil {
			continue
		}

		w.handle(ctx, id, *job)
	}
}

func (w *IngestionWorker) handle(ctx context.Context, id int, job models.IngestionJob) {
	jobCtx, cancel := context.WithTimeout(ctx, time.Duration(w.cfg.JobTimeout)*time.Second)
	defer cancel()

	err := w.service.ProcessDocument(jobCtx, job.DocumentID)
	if err == nil {
		return
	}

	if PermanentIngestionError(err) {
		log.Printf("[INGEST] worker %d: job %s document %s failed permanently: %v", id, job.JobID, job.DocumentID, err)
		return
	}

	if job.Attempt+1 >= w.cfg.MaxAttempts {
		log.Printf("[INGEST] worker %d: job %s document %s exhausted %d attempts: %v", id, job.JobID, job.DocumentID, w.cfg.MaxAttempts, err)
		return
	}

	retry := job
	retry.Attempt++
	if enqueueErr := w.queue.Enqueue(ctx, retry); enqueueErr != nil {
		log.Printf("[INGEST] worker %d: failed to re-enqueue job %s: %v", id, job.JobID, enqueueErr)
		return
	}
	log.Printf("[INGEST] worker %d: job %s document %s retrying (attempt %d): %v", id, job.JobID, job.DocumentID, retry.Attempt+1, err)
}
