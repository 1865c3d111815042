package correlate

import (
	"errors"
	"fmt"

	"github.com/mattjoyce/remotectl/internal/command"
)

// ErrCommandFailed matches any *CommandFailedError.
var ErrCommandFailed = errors.New("command failed on device")

// TransientQueryError wraps a store error seen while looking for a reply.
// The attempt counts against the window's budget; the window stays open.
type TransientQueryError struct {
	CommandID string
	Source    command.ReplySource
	Err       error
}

func (e *TransientQueryError) Error() string {
	return fmt.Sprintf("correlate %s via %s: %v", e.CommandID, e.Source, e.Err)
}

func (e *TransientQueryError) Unwrap() error { return e.Err }

// CommandFailedError reports that the agent marked the command failed.
type CommandFailedError struct {
	CommandID string
	Message   string
}

func (e *CommandFailedError) Error() string {
	if e.Message == "" {
		return fmt.Sprintf("command %s failed", e.CommandID)
	}
	return fmt.Sprintf("command %s failed: %s", e.CommandID, e.Message)
}

func (e *CommandFailedError) Is(target error) bool { return target == ErrCommandFailed }
