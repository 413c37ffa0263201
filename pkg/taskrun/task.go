// Package taskrun is laasd's durable task runtime: a graph of typed tasks
// whose results survive a process restart and whose children can be
// joined synchronously from their parent.
package taskrun

import (
	"fmt"
	"time"
)

// TaskIdentifier is a deterministic (name, version) pair used for durable
// dispatch and, after a crash, for reconstructing a Task value from its
// stored identifier and parameters via the registry.
type TaskIdentifier struct {
	Name    string
	Version int
}

// String renders the identifier as "name@version", the form stored on
// RuntimeTask.Identifier.
func (i TaskIdentifier) String() string {
	return fmt.Sprintf("%s@%d", i.Name, i.Version)
}

// TaskErrorKind closes the set of ways a task's run can fail, matching
// spec's TaskError taxonomy.
type TaskErrorKind string

const (
	ErrorKindPanic     TaskErrorKind = "panic"
	ErrorKindReason    TaskErrorKind = "reason"
	ErrorKindTimeout   TaskErrorKind = "timeout"
	ErrorKindCancelled TaskErrorKind = "cancelled"
	ErrorKindInternal  TaskErrorKind = "internal"
)

// TaskError is the error type every task body returns in place of a
// normal Go error, so the scheduler can distinguish a deliberate failure
// reason from a caught panic, a timeout, or a cancellation.
type TaskError struct {
	Kind TaskErrorKind
	Msg  string
}

func (e *TaskError) Error() string {
	if e == nil {
		return "<nil TaskError>"
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Msg)
}

// Reason builds a TaskErrorKindReason error.
func Reason(format string, args ...any) *TaskError {
	return &TaskError{Kind: ErrorKindReason, Msg: fmt.Sprintf(format, args...)}
}

// Internal builds a TaskErrorKindInternal error — used for laasd-side
// bugs rather than domain failures, and never retried.
func Internal(msg string) *TaskError {
	return &TaskError{Kind: ErrorKindInternal, Msg: msg}
}

func timeoutError() *TaskError {
	return &TaskError{Kind: ErrorKindTimeout, Msg: "task timed out"}
}

func cancelledError(reason string) *TaskError {
	return &TaskError{Kind: ErrorKindCancelled, Msg: reason}
}

func panicError(v any) *TaskError {
	return &TaskError{Kind: ErrorKindPanic, Msg: fmt.Sprintf("%v", v)}
}

// Task is a durable unit of work. Output must be JSON-serializable — the
// scheduler marshals it into the result slot, not the task itself.
type Task interface {
	Identifier() TaskIdentifier
	Run(ctx *Context) (any, *TaskError)
	Timeout() time.Duration
	RetryCount() int
	// Summarize renders a short, human-readable description of this task
	// instance, used in log lines when a task is stopped or times out.
	Summarize(id string) string
}
