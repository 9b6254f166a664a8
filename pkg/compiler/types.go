// Package compiler turns a validated mission spec into a deterministic
// execution plan: loops expanded into bounded iteration tasks, dependencies
// resolved into a topologically ordered graph, and every identifier derived
// by hashing so that compiling the same spec with the same seed always
// reproduces a byte-identical content hash.
package compiler

import (
	"fmt"
	"strings"

	"github.com/tillerworks/tiller/pkg/mandate"
	"github.com/tillerworks/tiller/pkg/mission"
)

// Task is one schedulable unit in an execution plan. Loop steps produce one
// task per iteration, bounded by the loop's max_iterations.
type Task struct {
	TaskID    string            `json:"task_id"`
	StepName  string            `json:"step_name"`
	Agent     string            `json:"agent"`
	Inputs    map[string]string `json:"inputs,omitempty"`
	Outputs   []string          `json:"outputs,omitempty"`
	DependsOn []string          `json:"depends_on,omitempty"` // task IDs
	Condition string            `json:"condition,omitempty"`
	Tools     []string          `json:"tools,omitempty"`
	RiskTier  string            `json:"risk_tier,omitempty"`

	// Loop bookkeeping. Iteration is 1-based within LoopName; zero means
	// the task is not part of a loop. Gates are attached only to the task
	// that ends an iteration.
	LoopName      string         `json:"loop_name,omitempty"`
	Iteration     int            `json:"iteration,omitempty"`
	MaxIterations int            `json:"max_iterations,omitempty"`
	EndsIteration bool           `json:"ends_iteration,omitempty"`
	Gates         []mission.Gate `json:"gates,omitempty"`

	// Ordinal is the declaration position used for deterministic
	// tie-breaking in the topological sort.
	Ordinal int `json:"ordinal"`
}

// ExecutionPlan is the immutable compiler output.
type ExecutionPlan struct {
	PlanID         string            `json:"plan_id"`
	MissionID      string            `json:"mission_id"`
	ContentHash    string            `json:"content_hash"`
	Seed           string            `json:"seed"`
	Tasks          []Task            `json:"tasks"`
	ExecutionOrder []string          `json:"execution_order"`
	Mandate        *mandate.Snapshot `json:"mandate,omitempty"`
}

// TaskByID returns the task with the given ID, or nil.
func (p *ExecutionPlan) TaskByID(id string) *Task {
	for i := range p.Tasks {
		if p.Tasks[i].TaskID == id {
			return &p.Tasks[i]
		}
	}
	return nil
}

// PipelineRequest is the top-level invocation descriptor handed to the
// dispatcher alongside the plan.
type PipelineRequest struct {
	PlanID     string               `json:"plan_id"`
	MissionID  string               `json:"mission_id"`
	Title      string               `json:"title"`
	Intent     string               `json:"intent"`
	MandateID  string               `json:"mandate_id,omitempty"`
	TaskCount  int                  `json:"task_count"`
	EntryTasks []string             `json:"entry_tasks"`
	Evidence   mission.EvidenceSpec `json:"evidence,omitempty"`
}

// ValidationError describes one spec violation. Validation always returns
// the full list, never the first failure alone.
type ValidationError struct {
	Path    string `json:"path"`
	Message string `json:"message"`
}

func (e ValidationError) Error() string {
	if e.Path == "" {
		return e.Message
	}
	return fmt.Sprintf("%s: %s", e.Path, e.Message)
}

// ValidationErrors aggregates violations into a single error value.
type ValidationErrors []ValidationError

func (e ValidationErrors) Error() string {
	msgs := make([]string, len(e))
	for i, v := range e {
		msgs[i] = v.Error()
	}
	return fmt.Sprintf("%d validation error(s): %s", len(e), strings.Join(msgs, "; "))
}

// CompilationError is a fatal compile failure: a dependency cycle or a
// fan-out race. No partial plan is produced.
type CompilationError struct {
	Message string   `json:"message"`
	Cycle   []string `json:"cycle,omitempty"` // step names along the cycle
}

func (e *CompilationError) Error() string {
	if len(e.Cycle) > 0 {
		return fmt.Sprintf("%s: %s", e.Message, strings.Join(e.Cycle, " -> "))
	}
	return e.Message
}
