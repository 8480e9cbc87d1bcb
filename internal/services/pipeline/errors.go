package pipeline

import "fmt"

// AssertionError reports a postcondition that did not hold on the remote host.
type AssertionError struct {
	Message string
	Output  string // the text the check was made against, if any
}

func (e *AssertionError) Error() string {
	return e.Message
}

// StageError ties a failure to the stage it happened in.
type StageError struct {
	Stage string
	Err   error
}

func (e *StageError) Error() string {
	return fmt.Sprintf("stage %s: %v", e.Stage, e.Err)
}

func (e *StageError) Unwrap() error { return e.Err }

func assertf(ok bool, output, format string, args ...any) error {
	if ok {
		return nil
	}
	return &AssertionError{Message: fmt.Sprintf(format, args...), Output: output}
}
