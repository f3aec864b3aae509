// Package worker pulls tasks from the queue, runs the processing unit, and
// writes the file/job outcome before acking the queue.
package worker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"runtime/debug"
	"sync"
	"time"

	"github.com/filetrack/filetrack/internal/common"
	"github.com/filetrack/filetrack/internal/entity"
	"github.com/filetrack/filetrack/internal/processor"
	"github.com/filetrack/filetrack/internal/queue"
	"github.com/filetrack/filetrack/internal/repository"
)

type Pool struct {
	queue   *queue.Queue
	files   repository.FileRepository
	jobs    repository.JobRepository
	units   *processor.Registry
	logger  *slog.Logger
	workers int
	timeout time.Duration

	wg   sync.WaitGroup
	once sync.Once
}

type Option func(*Pool)

func WithWorkers(n int) Option {
	return func(p *Pool) {
		if n > 0 {
			p.workers = n
		}
	}
}

func WithProcessTimeout(d time.Duration) Option {
	return func(p *Pool) {
		if d > 0 {
			p.timeout = d
		}
	}
}

func NewPool(q *queue.Queue, files repository.FileRepository, jobs repository.JobRepository,
	units *processor.Registry, logger *slog.Logger, opts ...Option) *Pool {
	if logger == nil {
		logger = slog.Default()
	}
	p := &Pool{
		queue:   q,
		files:   files,
		jobs:    jobs,
		units:   units,
		logger:  logger,
		workers: 4,
		timeout: 3 * time.Minute,
	}
	for _, o := range opts {
		o(p)
	}
	return p
}

// Start launches the workers. They stop when ctx is cancelled.
func (p *Pool) Start(ctx context.Context) {
	p.once.Do(func() {
		for i := 0; i < p.workers; i++ {
			p.wg.Add(1)
			go func(workerID int) {
				defer p.wg.Done()
				p.logger.Info("worker started", "worker_id", workerID)

				for {
					task, err := p.queue.Dequeue(ctx)
					if err != nil {
						if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
							break
						}
						p.logger.Error("dequeue failed", "worker_id", workerID, "error", err)
						break
					}
					p.handle(task, workerID)
				}

				p.logger.Info("worker stopped", "worker_id", workerID)
			}(i + 1)
		}
	})
}

// Shutdown waits for in-flight attempts to finish.
func (p *Pool) Shutdown(ctx context.Context) {
	done := make(chan struct{})
	go func() { defer close(done); p.wg.Wait() }()

	select {
	case <-ctx.Done():
		p.logger.Warn("shutdown interrupted by context")
	case <-done:
		p.logger.Info("workers drained, shutdown complete")
	}
}

// handle runs one attempt end to end. Bookkeeping uses fresh contexts so a
// pool shutdown mid-attempt cannot leave the outcome half-written.
func (p *Pool) handle(task *queue.Task, workerID int) {
	ackCtx, ackCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer ackCancel()

	file, err := p.resolveFile(ackCtx, task)
	if err != nil {
		// no file row to update; the failure still advances queue bookkeeping
		p.logger.Error("no file for task", "worker_id", workerID, "task_id", task.ID,
			"owner_id", task.Payload.OwnerID, "locator", task.Payload.Locator, "error", err)
		p.failTask(ackCtx, task.ID, err.Error())
		return
	}

	unit, err := p.units.Lookup(task.Payload.JobType)
	if err != nil {
		if _, rerr := p.jobs.RecordFailure(ackCtx, file.ID, task.Payload.JobType, err.Error()); rerr != nil {
			p.logger.Error("failed to record job failure", "file_id", file.ID, "error", rerr)
		}
		p.failTask(ackCtx, task.ID, err.Error())
		return
	}

	job, err := p.jobs.BeginAttempt(ackCtx, file.ID, task.Payload.JobType)
	if err != nil {
		p.failTask(ackCtx, task.ID, err.Error())
		return
	}

	procCtx, cancel := context.WithTimeout(context.Background(), p.timeout)
	blob, procErr := p.runUnit(procCtx, unit, task)
	cancel()

	if procErr != nil {
		// record the failure on file+job, then re-signal the queue so its
		// backoff bookkeeping advances
		if err := p.jobs.FailAttempt(ackCtx, job.ID, file.ID, procErr.Error()); err != nil {
			p.logger.Error("failed to persist attempt failure", "job_id", job.ID, "file_id", file.ID, "error", err)
		}
		p.failTask(ackCtx, task.ID, procErr.Error())
		return
	}

	if err := p.jobs.CompleteAttempt(ackCtx, job.ID, file.ID, blob); err != nil {
		p.logger.Error("failed to persist attempt outcome", "job_id", job.ID, "file_id", file.ID, "error", err)
		p.failTask(ackCtx, task.ID, err.Error())
		return
	}
	if err := p.queue.Complete(ackCtx, task.ID); err != nil {
		p.logger.Error("failed to ack task", "task_id", task.ID, "error", err)
		return
	}
	p.logger.Info("processed file", "worker_id", workerID, "file_id", file.ID, "job_id", job.ID, "task_id", task.ID)
}

// resolveFile locates the File for a task: by id when the payload carries
// one (file-level retries do), otherwise by owner+locator.
func (p *Pool) resolveFile(ctx context.Context, task *queue.Task) (*entity.File, error) {
	if task.Payload.FileID != nil {
		file, err := p.files.GetByID(ctx, *task.Payload.FileID)
		if err != nil {
			return nil, err
		}
		if file.OwnerID != task.Payload.OwnerID {
			return nil, common.ErrNotFound
		}
		return file, nil
	}
	return p.files.GetByOwnerAndLocator(ctx, task.Payload.OwnerID, task.Payload.Locator)
}

func (p *Pool) runUnit(ctx context.Context, unit processor.Processor, task *queue.Task) (blob []byte, err error) {
	defer func() {
		if r := recover(); r != nil {
			p.logger.Error("processing unit panicked", "task_id", task.ID, "panic", r, "stack", string(debug.Stack()))
			err = fmt.Errorf("panic in processing unit: %v", r)
		}
	}()
	return unit.Process(ctx, task.Payload.Locator, task.Payload.Filename)
}

func (p *Pool) failTask(ctx context.Context, taskID, reason string) {
	if err := p.queue.Fail(ctx, taskID, reason); err != nil {
		p.logger.Error("failed to nack task", "task_id", taskID, "error", err)
	}
}
