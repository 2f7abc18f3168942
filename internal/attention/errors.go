package attention

import (
	"errors"
	"fmt"
)

var (
	// ErrInputValidation covers shape, rank, dtype and capacity violations.
	ErrInputValidation = errors.New("invalid_input")
	// ErrUnsupportedConfiguration is a well-formed request no path can serve.
	ErrUnsupportedConfiguration = errors.New("unsupported_configuration")
	// ErrBackendExecution is a failure raised while device work ran.
	ErrBackendExecution = errors.New("backend_execution")
)

type validationError struct {
	input string
	msg   string
}

func (e validationError) Error() string {
	return fmt.Sprintf("attention: %s: %s", e.input, e.msg)
}

func (e validationError) Unwrap() error { return ErrInputValidation }

// Input names the offending input or attribute.
func (e validationError) Input() string { return e.input }

func invalid(input, format string, args ...any) error {
	return validationError{input: input, msg: fmt.Sprintf(format, args...)}
}

type unsupportedError struct {
	msg string
}

func (e unsupportedError) Error() string { return "attention: unsupported: " + e.msg }

func (e unsupportedError) Unwrap() error { return ErrUnsupportedConfiguration }

func unsupported(format string, args ...any) error {
	return unsupportedError{msg: fmt.Sprintf(format, args...)}
}

// BackendError reports the stage that failed. It matches both
// ErrBackendExecution and the underlying cause.
type BackendError struct {
	Stage string
	Err   error
}

func (e *BackendError) Error() string {
	return fmt.Sprintf("attention: %s: %v", e.Stage, e.Err)
}

func (e *BackendError) Unwrap() []error { return []error{ErrBackendExecution, e.Err} }

func backendError(stage string, err error) error {
	if err == nil {
		return nil
	}
	var be *BackendError
	if errors.As(err, &be) {
		return err
	}
	return &BackendError{Stage: stage, Err: err}
}
