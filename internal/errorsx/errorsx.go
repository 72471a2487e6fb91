// Package errorsx defines the typed error taxonomy surfaced by the
// execution-orchestration core. Structural errors (UnknownHandler,
// AlreadyRegistered, ConcurrencyLimit, NonSerializableConfig, and invalid-id
// errors) are returned to callers of the engine APIs directly. Business
// failures (HandlerThrew, ChildExitNonzero, HeartbeatTimeout,
// MaxRuntimeExceeded) are recorded on the affected record and surfaced
// through events, not returned from an API call. Transport/adapter errors
// (MalformedFrame, ReconnectFailed, AdapterStopped) are returned by the ipc
// and store layers to the core's own components, which log them and recover.
package errorsx

import (
	"fmt"

	"github.com/go-faster/errors"
)

// Kind identifies which taxonomy entry an error belongs to, independent of
// its wrapped message or cause chain.
type Kind string

const (
	// KindUnknownHandler: enqueue referenced a name that was never registered.
	KindUnknownHandler Kind = "unknown_handler"
	// KindAlreadyRegistered: a handler name was registered twice.
	KindAlreadyRegistered Kind = "already_registered"
	// KindConcurrencyLimit: a concurrency gate refused a workflow start.
	KindConcurrencyLimit Kind = "concurrency_limit"
	// KindNonSerializableConfig: an isolated workflow's plugin config is not
	// JSON-serializable.
	KindNonSerializableConfig Kind = "non_serializable_config"
	// KindStepNotFound: a workflow definition references a step that does not
	// exist. Terminal; the instance is marked failed.
	KindStepNotFound Kind = "step_not_found"
	// KindStepValidationFailed: a step's input or output failed schema
	// validation. Retryable per the step's retry policy.
	KindStepValidationFailed Kind = "step_validation_failed"
	// KindHandlerThrew: user handler code returned an error or panicked.
	// Retryable per the job or step's retry policy.
	KindHandlerThrew Kind = "handler_threw"
	// KindChildExitNonzero: an external process exited nonzero without
	// sending a terminal frame. Terminal for the attempt, retryable per job
	// policy.
	KindChildExitNonzero Kind = "child_exit_nonzero"
	// KindHeartbeatTimeout: the watchdog detected a missed heartbeat deadline.
	// Terminal after escalate-kill.
	KindHeartbeatTimeout Kind = "heartbeat_timeout"
	// KindMaxRuntimeExceeded: the watchdog killed a record that ran past its
	// maximum runtime. Terminal.
	KindMaxRuntimeExceeded Kind = "max_runtime_exceeded"
	// KindReconnectFailed: endpoint rebinding failed during recovery. The
	// record is marked orphaned; the next watchdog tick may terminate it.
	KindReconnectFailed Kind = "reconnect_failed"
	// KindMalformedFrame: a frame violated the wire protocol. The frame is
	// discarded and the connection is retained.
	KindMalformedFrame Kind = "malformed_frame"
	// KindAdapterStopped: store access occurred after shutdown. Selects
	// return empty/nil, updates are no-ops; never surfaced upstream.
	KindAdapterStopped Kind = "adapter_stopped"
	// KindInvalidID: a lookup or operation referenced an id that does not
	// resolve to any record.
	KindInvalidID Kind = "invalid_id"
)

// Error is the concrete type for every taxonomy entry. Use errors.As to
// recover one from a wrapped chain, or the Is* helpers below.
type Error struct {
	Kind    Kind
	Subject string
	cause   error
}

func (e *Error) Error() string {
	if e.cause != nil {
		return fmt.Sprintf("%s: %s", e.Kind, e.cause.Error())
	}
	if e.Subject == "" {
		return string(e.Kind)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Subject)
}

func (e *Error) Unwrap() error { return e.cause }

// New builds a taxonomy error with no subject or cause.
func New(kind Kind) *Error {
	return &Error{Kind: kind}
}

// Newf builds a taxonomy error with a formatted subject.
func Newf(kind Kind, format string, args ...any) *Error {
	return &Error{Kind: kind, Subject: fmt.Sprintf(format, args...)}
}

// Wrap attaches kind and subject to an underlying cause, preserving it for
// errors.Is/As and for stack-aware logging.
func Wrap(kind Kind, cause error, subject string) *Error {
	return &Error{Kind: kind, Subject: subject, cause: errors.Wrap(cause, subject)}
}

// Is reports whether err is a taxonomy error of the given kind anywhere in
// its chain.
func Is(err error, kind Kind) bool {
	var e *Error
	if !errors.As(err, &e) {
		return false
	}
	return e.Kind == kind
}

func UnknownHandler(name string) error {
	return Newf(KindUnknownHandler, "handler %q is not registered", name)
}

func AlreadyRegistered(name string) error {
	return Newf(KindAlreadyRegistered, "handler %q already registered", name)
}

func ConcurrencyLimit(definition string, limit int) error {
	return Newf(KindConcurrencyLimit, "definition %q at concurrency limit %d", definition, limit)
}

func NonSerializableConfig(cause error) error {
	return Wrap(KindNonSerializableConfig, cause, "plugin config is not JSON-serializable")
}

func StepNotFound(name string) error {
	return Newf(KindStepNotFound, "step %q not found in definition", name)
}

func StepValidationFailed(step string, cause error) error {
	return Wrap(KindStepValidationFailed, cause, step)
}

func HandlerThrew(name string, cause error) error {
	return Wrap(KindHandlerThrew, cause, name)
}

func ChildExitNonzero(code int) error {
	return Newf(KindChildExitNonzero, "child process exited with code %d", code)
}

func HeartbeatTimeout(subject string) error {
	return Newf(KindHeartbeatTimeout, "%s missed heartbeat deadline", subject)
}

func MaxRuntimeExceeded(subject string) error {
	return Newf(KindMaxRuntimeExceeded, "%s exceeded maximum runtime", subject)
}

func ReconnectFailed(subject string, cause error) error {
	return Wrap(KindReconnectFailed, cause, subject)
}

func MalformedFrame(cause error) error {
	return Wrap(KindMalformedFrame, cause, "malformed frame")
}

func AdapterStopped() error {
	return New(KindAdapterStopped)
}

func InvalidID(subject string) error {
	return Newf(KindInvalidID, "invalid id %q", subject)
}
