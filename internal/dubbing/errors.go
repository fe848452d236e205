package dubbing

import (
	"errors"
	"fmt"
)

var (
	// ErrInfrastructure marks failures that abort a whole job, such as an
	// unreachable source or a storage outage.
	ErrInfrastructure = errors.New("infrastructure failure")

	// ErrJobNotFound is returned for unknown jobs and for jobs owned by
	// another user.
	ErrJobNotFound = errors.New("job not found")

	// ErrNotAwaitingApproval is returned by Decide when the job is not in a
	// state that accepts decisions.
	ErrNotAwaitingApproval = errors.New("job is not awaiting approval")

	// ErrDispatch is returned by Enqueue when the job was stored but could
	// not be handed to a worker.
	ErrDispatch = errors.New("job dispatch failed")
)

// LanguageStageError is a failure scoped to one target language. It never
// aborts the job.
type LanguageStageError struct {
	Language string
	Stage    string
	Err      error
}

func (e *LanguageStageError) Error() string {
	return fmt.Sprintf("%s: %s: %v", e.Language, e.Stage, e.Err)
}

func (e *LanguageStageError) Unwrap() error { return e.Err }

// ValidationError rejects a malformed request before anything is written.
type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("%s: %s", e.Field, e.Message)
}
