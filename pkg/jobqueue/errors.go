package jobqueue

import (
	"errors"
	"fmt"
)

var (
	ErrInvalidConfiguration = errors.New("jobqueue: invalid configuration")
	ErrInvalidProducer      = fmt.Errorf("%w: producer is nil", ErrInvalidConfiguration)
	ErrCostRequired         = fmt.Errorf("%w: job cost is required", ErrInvalidConfiguration)

	ErrProducerContract = errors.New("jobqueue: producer contract violation")
	ErrProducerFailure  = errors.New("jobqueue: producer failed")

	ErrCapacityExceeded       = errors.New("jobqueue: capacity exceeded")
	ErrExclusiveJobNotAllowed = errors.New("jobqueue: exclusive job not allowed")
	ErrUnknownJob             = errors.New("jobqueue: unknown job")
	ErrJobQueued              = errors.New("jobqueue: job already queued")

	ErrAlreadyStarted = errors.New("jobqueue: job already started")
	ErrNotStarted     = errors.New("jobqueue: job not started")
	ErrNotStopped     = errors.New("jobqueue: job not stopped")
	ErrNotDone        = errors.New("jobqueue: job not done")
)

// JobError is the error a failed job carries.
//
// It matches both its Kind (ErrProducerFailure or ErrProducerContract) and
// the producer's own error with errors.Is / errors.As.
type JobError struct {
	JobID string
	Name  string
	Kind  error
	Err   error
}

func (e *JobError) Error() string {
	label := e.Name
	if label == "" {
		label = e.JobID
	}
	return fmt.Sprintf("job %s: %v: %v", label, e.Kind, e.Err)
}

func (e *JobError) Unwrap() []error { return []error{e.Kind, e.Err} }
