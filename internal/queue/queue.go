// Package queue hands stored jobs to orchestrator runs.
//
// Two dispatchers exist: InProcess runs jobs on bounded goroutines inside the
// server, AMQP routes them through a durable RabbitMQ queue. Either way the
// orchestrator's claim makes a duplicate delivery a no-op.
package queue

import (
	"context"
	"errors"

	"github.com/google/uuid"
)

// ErrClosed is returned by Dispatch after shutdown has begun.
var ErrClosed = errors.New("queue: closed")

// Runner executes one job to its next resting state.
type Runner interface {
	Run(ctx context.Context, jobID uuid.UUID) error
}

// Dispatcher accepts a job for execution.
type Dispatcher interface {
	Dispatch(ctx context.Context, jobID uuid.UUID) error
}

// RunnerFunc adapts a function to Runner.
type RunnerFunc func(ctx context.Context, jobID uuid.UUID) error

func (f RunnerFunc) Run(ctx context.Context, jobID uuid.UUID) error { return f(ctx, jobID) }
