package ingest

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/kalambet/docqa/internal/ragerr"
	"github.com/kalambet/docqa/internal/storage"
)

// JobStore is the ingestion queue. *storage.Store implements it.
type JobStore interface {
	ClaimNextJob(ctx context.Context) (*storage.Job, error)
	CompleteJob(ctx context.Context, id string) error
	FailJob(ctx context.Context, id, errMsg string) error
	AbandonJob(ctx context.Context, id, errMsg string) error
}

// Processor runs ingestion for one document. *Pipeline implements it.
type Processor interface {
	Process(ctx context.Context, documentID string) error
}

// Wakeup cuts idle workers' poll wait short when work is queued. Notify
// never blocks; notifications sent while no worker waits collapse into one.
type Wakeup chan struct{}

func NewWakeup() Wakeup { return make(Wakeup, 1) }

func (w Wakeup) Notify() {
	select {
	case w <- struct{}{}:
	default:
	}
}

// Worker drains the ingestion queue, one document at a time.
type Worker struct {
	jobs      JobStore
	processor Processor
	poll      time.Duration
	wake      Wakeup
	logger    *slog.Logger
}

// NewWorker creates a Worker with the given dependencies.
// If pollInterval is <= 0, it defaults to 500ms.
func NewWorker(jobs JobStore, processor Processor, pollInterval time.Duration) *Worker {
	if pollInterval <= 0 {
		pollInterval = 500 * time.Millisecond
	}
	return &Worker{
		jobs:      jobs,
		processor: processor,
		poll:      pollInterval,
		logger:    slog.Default(),
	}
}

// WithWakeup lets producers wake the worker between polls.
func (w *Worker) WithWakeup(wake Wakeup) *Worker {
	w.wake = wake
	return w
}

// Run polls for jobs until ctx is cancelled.
func (w *Worker) Run(ctx context.Context) {
	for {
		if ctx.Err() != nil {
			return
		}

		done, err := w.RunOnce(ctx)
		if err != nil {
			w.logger.Error("worker iteration failed", "error", err)
		}
		if done {
			continue
		}

		t := time.NewTimer(w.poll)
		select {
		case <-ctx.Done():
			t.Stop()
			return
		case <-w.wake:
		case <-t.C:
		}
		t.Stop()
	}
}

// RunOnce claims and processes a single job.
// Returns true if a job was processed (regardless of success/failure).
func (w *Worker) RunOnce(ctx context.Context) (bool, error) {
	job, err := w.jobs.ClaimNextJob(ctx)
	if err != nil {
		return false, fmt.Errorf("claiming job: %w", err)
	}
	if job == nil {
		return false, nil
	}

	err = w.processJob(ctx, job)
	// Queue bookkeeping must land even when ctx was cancelled mid-job.
	bg := context.WithoutCancel(ctx)
	var stageErr *ragerr.Error
	switch {
	case err == nil:
		if err := w.jobs.CompleteJob(bg, job.ID); err != nil {
			return true, fmt.Errorf("completing job %s: %w", job.ID, err)
		}
	case ctx.Err() == nil && errors.As(err, &stageErr):
		// The failure is recorded on the document; a retry would fail the same way.
		w.logger.Warn("ingestion job failed", "job_id", job.ID, "document_id", stageErr.DocumentID, "error", err)
		if err := w.jobs.AbandonJob(bg, job.ID, err.Error()); err != nil {
			w.logger.Error("failed to mark job as failed", "job_id", job.ID, "error", err)
		}
	default:
		w.logger.Warn("job failed", "job_id", job.ID, "error", err)
		if failErr := w.jobs.FailJob(bg, job.ID, err.Error()); failErr != nil {
			w.logger.Error("failed to mark job as failed", "job_id", job.ID, "error", failErr)
		}
	}
	return true, nil
}

func (w *Worker) processJob(ctx context.Context, job *storage.Job) error {
	if job.DocumentID == "" {
		return ragerr.Wrap(ragerr.ErrInvalidInput, "dequeue", "", errors.New("job has no document_id"))
	}
	w.logger.Debug("processing job", "job_id", job.ID, "document_id", job.DocumentID, "attempt", job.Attempts+1)
	return w.processor.Process(ctx, job.DocumentID)
}
