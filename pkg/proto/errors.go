// Package proto defines the wire and persisted-record types shared by every
// nox component: agents, processes, messages, tasks, approvals and the
// closed set of error kinds components translate their failures into.
package proto

import (
	"errors"
	"fmt"
)

// Kind is a closed set of error classifications. Components never return
// bare strings or ad-hoc error values across their public boundary; they
// wrap the underlying cause in a *Error carrying one of these kinds.
type Kind string

const (
	// Validation
	KindInvalidSpec   Kind = "InvalidSpec"
	KindInvalidName   Kind = "InvalidName"
	KindCycleDetected Kind = "CycleDetected"

	// NotFound
	KindAgentNotFound    Kind = "AgentNotFound"
	KindTaskNotFound     Kind = "TaskNotFound"
	KindApprovalNotFound Kind = "ApprovalNotFound"

	// Conflict
	KindDuplicateID       Kind = "DuplicateId"
	KindStillRunning      Kind = "StillRunning"
	KindIllegalTransition Kind = "IllegalTransition"

	// Capacity
	KindQueueFull        Kind = "QueueFull"
	KindSubscriberLagged Kind = "SubscriberLagged"

	// Timeout / Cancelled
	KindTimeout        Kind = "Timeout"
	KindCancelled      Kind = "Cancelled"
	KindStartupTimeout Kind = "StartupTimeout"

	// External
	KindSpawnFailed       Kind = "SpawnFailed"
	KindSubprocessCrashed Kind = "SubprocessCrashed"
	KindStorageIO         Kind = "StorageIO"
	KindContainerRuntime  Kind = "ContainerRuntime"

	// Fatal
	KindRegistryCorrupt    Kind = "RegistryCorrupt"
	KindJournalWriteFailed Kind = "JournalWriteFailed"
)

// Error is the single error type every component boundary returns. Kind is
// the stable, machine-checkable classification; Message is human-readable;
// Err, when set, is the wrapped low-level cause and participates in
// errors.Is/errors.As via Unwrap.
type Error struct {
	Kind    Kind
	Message string
	Err     error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func (e *Error) Unwrap() error { return e.Err }

// Is lets errors.Is(err, New(KindAgentNotFound, "")) match on Kind alone.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return e.Kind == t.Kind
}

// New builds a fresh kinded error with no wrapped cause.
func New(kind Kind, message string) *Error {
	return &Error{Kind: kind, Message: message}
}

// Newf builds a fresh kinded error with a formatted message.
func Newf(kind Kind, format string, args ...any) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...)}
}

// Wrap attaches a kind and message to a lower-level cause. Use this at
// component boundaries translating storage/subprocess/network failures
// into the closed kind set; callers still decide whether to log.
func Wrap(kind Kind, err error, message string) *Error {
	if err == nil {
		return nil
	}
	return &Error{Kind: kind, Message: message, Err: err}
}

// KindOf extracts the Kind of err if it is (or wraps) a *Error, and the zero
// Kind plus false otherwise.
func KindOf(err error) (Kind, bool) {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind, true
	}
	return "", false
}

// Is reports whether err carries the given Kind.
func Is(err error, kind Kind) bool {
	k, ok := KindOf(err)
	return ok && k == kind
}
