package worker

import (
	"errors"
	"fmt"

	errs "github.com/c360/taskmesh/errors"
)

var (
	ErrNilProcessor = errors.New("worker: nil processor")

	ErrPoolNotStarted     = errors.New("worker: pool not started")
	ErrPoolAlreadyStarted = errors.New("worker: pool already started")
	ErrPoolStopped        = errors.New("worker: pool stopped")
	ErrStopTimeout        = errors.New("worker: stop timed out with workers still running")

	// ErrQueueFull matches errs.ErrQueueFull, so callers see it as transient.
	ErrQueueFull = fmt.Errorf("worker: %w", errs.ErrQueueFull)

	ErrWorkPanicked = errors.New("worker: processor panicked")
)
