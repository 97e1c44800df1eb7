package errdefs

import (
	"errors"
	"fmt"
	"strings"
)

// reasons
var (
	ErrInvalidAddress   = errors.New("invalid address")
	ErrInvalidRuleSpec  = errors.New("invalid rule spec")
	ErrInvalidIdentity  = errors.New("invalid identity")
	ErrInvalidParameter = errors.New("invalid parameter")

	ErrUnknownEndpoint = errors.New("unknown endpoint")
	ErrSwitchNotFound  = errors.New("switch not found")
	ErrNodeNotFound    = errors.New("node not found")
	ErrGatewayNotFound = errors.New("gateway not found")
	ErrCommandNotFound = errors.New("command not found")

	ErrCommandFailed       = errors.New("command failed")
	ErrSwitchCommandFailed = errors.New("switch command failed")
	ErrGatewayUnreachable  = errors.New("gateway unreachable")

	ErrDuplicateIdentity = errors.New("duplicate identity")
	ErrAddressInUse      = errors.New("address in use")
)

// ValidationError is returned before any external command runs.
type ValidationError struct {
	Reason error
	Field  string
	Value  string
	Detail string
}

func (e *ValidationError) Error() string {
	msg := e.Reason.Error()
	if e.Field != "" {
		msg += fmt.Sprintf(": %s %q", e.Field, e.Value)
	}
	if e.Detail != "" {
		msg += ": " + e.Detail
	}
	return msg
}

func (e *ValidationError) Unwrap() error { return e.Reason }

func Validation(reason error, field, value, detail string) error {
	return &ValidationError{Reason: reason, Field: field, Value: value, Detail: detail}
}

type NotFoundError struct {
	Reason error
	Kind   string
	Id     string
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("%s: %s %q", e.Reason.Error(), e.Kind, e.Id)
}

func (e *NotFoundError) Unwrap() error { return e.Reason }

func NotFound(reason error, kind, id string) error {
	return &NotFoundError{Reason: reason, Kind: kind, Id: id}
}

type StateConflictError struct {
	Reason error
	Id     string
	Detail string
}

func (e *StateConflictError) Error() string {
	msg := fmt.Sprintf("%s: %q", e.Reason.Error(), e.Id)
	if e.Detail != "" {
		msg += ": " + e.Detail
	}
	return msg
}

func (e *StateConflictError) Unwrap() error { return e.Reason }

func Conflict(reason error, id, detail string) error {
	return &StateConflictError{Reason: reason, Id: id, Detail: detail}
}

// ExternalCommandError carries the captured output of a node or switch
// command verbatim. ExitCode is -1 when the command never ran.
type ExternalCommandError struct {
	Reason   error
	Target   string
	Command  string
	Stdout   string
	Stderr   string
	ExitCode int
	Err      error
}

func (e *ExternalCommandError) Error() string {
	msg := fmt.Sprintf("%s on %s: %s", e.Reason.Error(), e.Target, e.Command)
	if e.ExitCode >= 0 {
		msg += fmt.Sprintf(": exit status %d", e.ExitCode)
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	if s := strings.TrimSpace(e.Stderr); s != "" {
		msg += ": " + s
	}
	return msg
}

func (e *ExternalCommandError) Unwrap() []error {
	if e.Err == nil {
		return []error{e.Reason}
	}
	return []error{e.Reason, e.Err}
}

func CommandFailure(reason error, target, command, stdout, stderr string, exitCode int, cause error) error {
	return &ExternalCommandError{
		Reason:   reason,
		Target:   target,
		Command:  command,
		Stdout:   stdout,
		Stderr:   stderr,
		ExitCode: exitCode,
		Err:      cause,
	}
}

// Class names the taxonomy bucket of err, or "Error" for anything else.
func Class(err error) string {
	var (
		ve *ValidationError
		ne *NotFoundError
		ce *StateConflictError
		xe *ExternalCommandError
	)
	switch {
	case errors.As(err, &ve):
		return "ValidationError"
	case errors.As(err, &ne):
		return "NotFoundError"
	case errors.As(err, &ce):
		return "StateConflictError"
	case errors.As(err, &xe):
		return "ExternalCommandError"
	default:
		return "Error"
	}
}

// Describe renders err for an operator, including the command and its
// captured output when the failure came from a node or switch.
func Describe(err error) string {
	if err == nil {
		return ""
	}
	var b strings.Builder
	fmt.Fprintf(&b, "%s: %s", Class(err), err.Error())

	var xe *ExternalCommandError
	if errors.As(err, &xe) {
		fmt.Fprintf(&b, "\n  target:  %s", xe.Target)
		fmt.Fprintf(&b, "\n  command: %s", xe.Command)
		if xe.ExitCode >= 0 {
			fmt.Fprintf(&b, "\n  exit:    %d", xe.ExitCode)
		}
		fmt.Fprintf(&b, "\n  stdout:  %s", indent(xe.Stdout))
		fmt.Fprintf(&b, "\n  stderr:  %s", indent(xe.Stderr))
	}
	return b.String()
}

func indent(s string) string {
	s = strings.TrimRight(s, "\n")
	if s == "" {
		return "(empty)"
	}
	return strings.ReplaceAll(s, "\n", "\n           ")
}
