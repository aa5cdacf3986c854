package pi_short_circuit

import (
	"errors"
	"fmt"
	"strings"
)

var (
	// ErrSequenceAborted is returned when the operator cancels before acquisition begins.
	ErrSequenceAborted = &SequenceAbortedError{Reason: "operator cancelled"}

	// ErrSequenceUsed is returned when Run is called on a sequence that already ran.
	ErrSequenceUsed = errors.New("sequence already run, create a new one")

	// ErrReleased is returned by actuator operations after DisableAll.
	ErrReleased = errors.New("actuator lines released")
)

// AcquisitionStartError reports a failure to bring up the analog task.
type AcquisitionStartError struct {
	Err error
}

func (e *AcquisitionStartError) Error() string {
	return fmt.Sprintf("acquisition start: %v", e.Err)
}

func (e *AcquisitionStartError) Unwrap() error { return e.Err }

// AcquisitionOverrunError is latched when more batches are waiting than the backlog allows.
type AcquisitionOverrunError struct {
	Backlog int
	Dropped int
}

func (e *AcquisitionOverrunError) Error() string {
	return fmt.Sprintf("acquisition overrun: backlog of %d batches exceeded, %d samples dropped", e.Backlog, e.Dropped)
}

// InsufficientDataError means the evaluation window could not be filled.
type InsufficientDataError struct {
	Have int
	Need int
}

func (e *InsufficientDataError) Error() string {
	return fmt.Sprintf("insufficient data: have %d samples, need %d", e.Have, e.Need)
}

// EmptyDatasetError means a run captured nothing.
type EmptyDatasetError struct{}

func (e *EmptyDatasetError) Error() string {
	return "empty dataset: no samples captured"
}

// LineError is the failure of one actuator line during release.
type LineError struct {
	Line string
	Err  error
}

func (e LineError) Error() string {
	return fmt.Sprintf("%s: %v", e.Line, e.Err)
}

// ActuatorIOError aggregates every line that failed during an actuator operation.
type ActuatorIOError struct {
	Failures []LineError
}

func (e *ActuatorIOError) Error() string {
	parts := make([]string, len(e.Failures))
	for i, f := range e.Failures {
		parts[i] = f.Error()
	}
	return "actuator io: " + strings.Join(parts, "; ")
}

func (e *ActuatorIOError) Unwrap() []error {
	errs := make([]error, len(e.Failures))
	for i, f := range e.Failures {
		errs[i] = f.Err
	}
	return errs
}

// SequenceAbortedError is the pre-acquisition cancellation.
type SequenceAbortedError struct {
	Reason string
}

func (e *SequenceAbortedError) Error() string {
	return "sequence aborted: " + e.Reason
}

func (e *SequenceAbortedError) Is(target error) bool {
	_, ok := target.(*SequenceAbortedError)
	return ok
}

// RunError is a failed run. Err is the original failure, Teardown is nil when
// stopping acquisition and releasing the actuators both succeeded.
type RunError struct {
	Phase    Phase
	Err      error
	Teardown error
}

func (e *RunError) Error() string {
	if e.Teardown != nil {
		return fmt.Sprintf("run failed in %s: %v (teardown: %v)", e.Phase, e.Err, e.Teardown)
	}
	return fmt.Sprintf("run failed in %s: %v (teardown ok)", e.Phase, e.Err)
}

func (e *RunError) Unwrap() []error {
	if e.Teardown != nil {
		return []error{e.Err, e.Teardown}
	}
	return []error{e.Err}
}
