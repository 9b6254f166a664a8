// Package worker defines the single invocation contract the dispatcher uses
// to drive worker agents. A worker is an opaque function from a task to a
// TaskResult; it may be LLM-backed, scripted, or human-mediated — the
// dispatcher never knows.
package worker

import (
	"context"
)

// Status is the tagged outcome of a worker invocation.
type Status string

const (
	StatusComplete   Status = "COMPLETE"
	StatusInProgress Status = "IN_PROGRESS"
	StatusBlocked    Status = "BLOCKED"
)

// CompletionSignal is a structured worker signal, replacing free-text
// "done" detection. SignalLoopDone tells the dispatcher the enclosing loop
// has converged and may exit early.
type CompletionSignal string

const (
	SignalNone     CompletionSignal = ""
	SignalLoopDone CompletionSignal = "loop_done"
)

// Invocation is the task shape handed to a worker: identifier, canonical
// agent ID, and fully resolved inputs.
type Invocation struct {
	TaskID string            `json:"task_id"`
	Agent  string            `json:"agent"`
	Inputs map[string]string `json:"inputs,omitempty"`
}

// TaskResult is what a worker reports back.
type TaskResult struct {
	Status           Status            `json:"status"`
	Outputs          map[string]string `json:"outputs,omitempty"`
	Cost             int64             `json:"cost"`
	CompletionSignal CompletionSignal  `json:"completion_signal,omitempty"`
	Detail           string            `json:"detail,omitempty"`
}

// Invoker is the external worker contract. Implementations may block on
// network round-trips; the dispatcher never holds a lock across Invoke.
type Invoker interface {
	Invoke(ctx context.Context, inv Invocation) (*TaskResult, error)
}

// InvokerFunc adapts a function to the Invoker interface.
type InvokerFunc func(ctx context.Context, inv Invocation) (*TaskResult, error)

// Invoke implements Invoker.
func (f InvokerFunc) Invoke(ctx context.Context, inv Invocation) (*TaskResult, error) {
	return f(ctx, inv)
}
