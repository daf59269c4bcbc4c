// Package queue decouples webhook acknowledgment from review processing:
// the handler enqueues and returns 200, workers drain jobs concurrently.
package queue

import (
	"context"
	"log/slog"
	"time"

	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/semaphore"

	"github.com/reviewgate/reviewgate/review"
)

const (
	// DefaultCapacity bounds the backlog; beyond it deliveries are shed.
	DefaultCapacity = 256
	// DefaultConcurrency is the number of jobs processed in parallel.
	DefaultConcurrency = 4
	// DefaultJobTimeout bounds one review end to end, detached from the
	// webhook request that enqueued it.
	DefaultJobTimeout = 5 * time.Minute
)

// Processor runs one job to completion. *review.Pipeline implements it.
type Processor interface {
	Process(ctx context.Context, job review.Job) (*review.Outcome, error)
}

// Options tunes a Queue. Zero values fall back to the defaults.
type Options struct {
	Capacity    int
	Concurrency int64
	JobTimeout  time.Duration
}

// Queue is a bounded in-memory job queue with a concurrency-capped
// dispatcher.
type Queue struct {
	jobs        chan review.Job
	processor   Processor
	logger      *slog.Logger
	concurrency int64
	jobTimeout  time.Duration
}

func New(processor Processor, logger *slog.Logger, opts Options) *Queue {
	if opts.Capacity <= 0 {
		opts.Capacity = DefaultCapacity
	}
	if opts.Concurrency <= 0 {
		opts.Concurrency = DefaultConcurrency
	}
	if opts.JobTimeout <= 0 {
		opts.JobTimeout = DefaultJobTimeout
	}
	return &Queue{
		jobs:        make(chan review.Job, opts.Capacity),
		processor:   processor,
		logger:      logger,
		concurrency: opts.Concurrency,
		jobTimeout:  opts.JobTimeout,
	}
}

// Enqueue adds a job without blocking. It returns false when the backlog
// is full; the caller decides how to answer the webhook in that case.
func (q *Queue) Enqueue(job review.Job) bool {
	select {
	case q.jobs <- job:
		return true
	default:
		q.logger.Warn("queue full, shedding job",
			"delivery_id", job.DeliveryID,
			"pr", job.PRNumber,
		)
		return false
	}
}

// Depth reports the current backlog size.
func (q *Queue) Depth() int {
	return len(q.jobs)
}

// Run dispatches queued jobs until ctx is canceled, then drains in-flight
// work and returns. Job failures are logged, never fatal to the dispatcher.
func (q *Queue) Run(ctx context.Context) error {
	g, gctx := errgroup.WithContext(ctx)
	sem := semaphore.NewWeighted(q.concurrency)

	g.Go(func() error {
		for {
			select {
			case <-gctx.Done():
				return nil
			case job := <-q.jobs:
				if err := sem.Acquire(gctx, 1); err != nil {
					return nil
				}
				g.Go(func() error {
					defer sem.Release(1)
					q.runJob(job)
					return nil
				})
			}
		}
	})

	return g.Wait()
}

// runJob gives each job its own deadline, independent of the webhook
// request and of dispatcher shutdown.
func (q *Queue) runJob(job review.Job) {
	ctx, cancel := context.WithTimeout(context.Background(), q.jobTimeout)
	defer cancel()

	start := time.Now()
	outcome, err := q.processor.Process(ctx, job)
	if err != nil {
		q.logger.Error("review job failed",
			"delivery_id", job.DeliveryID,
			"repo", job.Owner+"/"+job.RepoName,
			"pr", job.PRNumber,
			"duration", time.Since(start),
			"error", err,
		)
		return
	}

	q.logger.Info("review job finished",
		"delivery_id", job.DeliveryID,
		"repo", job.Owner+"/"+job.RepoName,
		"pr", job.PRNumber,
		"status", outcome.Status,
		"duration", time.Since(start),
	)
}
