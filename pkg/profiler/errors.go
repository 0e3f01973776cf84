package profiler

import (
	"errors"
	"fmt"
)

var (
	ErrInvalidName        = errors.New("invalid name")
	ErrReentered          = errors.New("unable to re-enter scope")
	ErrNotEntered         = errors.New("must enter the scope before leaving")
	ErrStaleHandle        = errors.New("handle used after profiler shutdown")
	ErrLogClosed          = errors.New("gpu thread log already closed")
	ErrLogInUse           = errors.New("gpu thread log has entered scopes")
	ErrAlreadyInitialized = errors.New("profiler already initialized")
	ErrBackend            = errors.New("profiler backend failure")
)

// NameError is returned when a name cannot be forwarded to the backend.
type NameError struct {
	Kind string
	Name string
	Err  error
}

func (e *NameError) Error() string {
	return fmt.Sprintf("%s name %q: %v", e.Kind, e.Name, e.Err)
}

func (e *NameError) Unwrap() error {
	return e.Err
}

// UsageError reports a broken instrumentation contract. It is raised with
// panic rather than returned: the trace for the affected thread is already
// corrupt once one occurs.
type UsageError struct {
	Op  string
	Err error
}

func (e *UsageError) Error() string {
	return fmt.Sprintf("microprofile: %s: %v", e.Op, e.Err)
}

func (e *UsageError) Unwrap() error {
	return e.Err
}

func usagePanic(op string, err error) {
	panic(&UsageError{Op: op, Err: err})
}
