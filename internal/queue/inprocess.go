package queue

import (
	"context"
	"log/slog"
	"sync"

	"github.com/google/uuid"
)

// InProcess runs jobs on goroutines, at most maxConcurrent at a time.
// Jobs still waiting for a slot at shutdown are left pending for Recover.
type InProcess struct {
	runner Runner
	slots  chan struct{}
	stop   chan struct{}
	runCtx context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu     sync.Mutex
	closed bool
}

func NewInProcess(runner Runner, maxConcurrent int) *InProcess {
	if maxConcurrent < 1 {
		maxConcurrent = 1
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &InProcess{
		runner: runner,
		slots:  make(chan struct{}, maxConcurrent),
		stop:   make(chan struct{}),
		runCtx: ctx,
		cancel: cancel,
	}
}

// Dispatch schedules the job and returns without waiting for it.
func (d *InProcess) Dispatch(_ context.Context, jobID uuid.UUID) error {
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return ErrClosed
	}
	d.wg.Add(1)
	d.mu.Unlock()

	go d.run(jobID)
	return nil
}

func (d *InProcess) run(jobID uuid.UUID) {
	defer d.wg.Done()

	select {
	case d.slots <- struct{}{}:
	case <-d.stop:
		slog.Info("job left pending for the next start", "job_id", jobID)
		return
	}
	defer func() { <-d.slots }()

	select {
	case <-d.stop:
		slog.Info("job left pending for the next start", "job_id", jobID)
		return
	default:
	}

	if err := d.runner.Run(d.runCtx, jobID); err != nil {
		slog.Error("job run failed", "job_id", jobID, "error", err)
	}
}

// Shutdown stops accepting jobs and waits for running ones. When ctx expires
// first, running jobs are cancelled and Shutdown waits for them to record it.
func (d *InProcess) Shutdown(ctx context.Context) error {
	d.mu.Lock()
	if !d.closed {
		d.closed = true
		close(d.stop)
	}
	d.mu.Unlock()

	done := make(chan struct{})
	go func() {
		d.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		d.cancel()
		return nil
	case <-ctx.Done():
		slog.Warn("shutdown deadline reached, cancelling running jobs")
		d.cancel()
		<-done
		return ctx.Err()
	}
}
