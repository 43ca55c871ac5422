package pool

import (
	"errors"
	"fmt"
)

var (
	ErrAlreadyWorking        = errors.New("pool: worker already working")
	ErrPoolClosed            = errors.New("pool: closed")
	ErrWorkerDied            = errors.New("pool: worker died")
	ErrTaskFailed            = errors.New("pool: task failed")
	ErrInternalInconsistency = errors.New("pool: internal inconsistency")
	ErrControlLoopDied       = errors.New("pool: control loop died")
	ErrAbandoned             = errors.New("pool: task abandoned")
	ErrNilFunc               = errors.New("pool: nil work function")
)

// ExitInternalFault is the process exit code used by the default fatal handler.
const ExitInternalFault = 70

// TaskError wraps an error returned (or a panic raised) by a work function.
//
//	errors.Is(err, ErrTaskFailed) // true
//	errors.Unwrap(err)            // the work function's own error
type TaskError struct {
	Task  string
	Err   error
	Panic any
	Stack string
}

func (e *TaskError) Error() string {
	if e.Panic != nil {
		return fmt.Sprintf("task %s panicked: %v", e.Task, e.Panic)
	}
	return fmt.Sprintf("task %s failed: %v", e.Task, e.Err)
}

func (e *TaskError) Unwrap() error { return e.Err }

func (e *TaskError) Is(target error) bool { return target == ErrTaskFailed }

func workerDiedError(id uint64, slot int) error {
	if slot < 0 {
		return fmt.Errorf("%w: worker %d stopped mid-task", ErrWorkerDied, id)
	}
	return fmt.Errorf("%w: worker %d (slot %d) stopped mid-task", ErrWorkerDied, id, slot)
}
