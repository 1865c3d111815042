package dispatch

import (
	"errors"
	"fmt"

	"github.com/mattjoyce/remotectl/internal/command"
)

var (
	// ErrDispatch matches every *DispatchError.
	ErrDispatch = errors.New("dispatch failed")
	// ErrInvalidRequest marks requests rejected before touching the store.
	ErrInvalidRequest = errors.New("invalid dispatch request")
)

// DispatchError reports that the command could not be recorded.
type DispatchError struct {
	DeviceID string
	Kind     command.Kind
	Err      error
}

func (e *DispatchError) Error() string {
	return fmt.Sprintf("dispatch %s to %s: %v", e.Kind, e.DeviceID, e.Err)
}

func (e *DispatchError) Unwrap() error { return e.Err }

func (e *DispatchError) Is(target error) bool { return target == ErrDispatch }

func invalid(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrInvalidRequest, fmt.Sprintf(format, args...))
}
