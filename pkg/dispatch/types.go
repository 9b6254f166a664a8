// Package dispatch executes compiled plans: it walks the task graph in
// dependency order, preflights every task through the gate engine, invokes
// workers under bounded concurrency, evaluates loop gates at iteration
// boundaries, and guarantees that every run terminates in a completed
// evidence bundle or a resumable checkpoint.
package dispatch

import (
	"sync/atomic"
	"time"

	"github.com/tillerworks/tiller/pkg/compiler"
	"github.com/tillerworks/tiller/pkg/evidence"
	"github.com/tillerworks/tiller/pkg/gates"
	"github.com/tillerworks/tiller/pkg/mandate"
	"github.com/tillerworks/tiller/pkg/mission"
)

// RunStatus is the pipeline run state.
type RunStatus string

const (
	StatusPending      RunStatus = "PENDING"
	StatusRunning      RunStatus = "RUNNING"
	StatusCompleted    RunStatus = "COMPLETED"
	StatusFailed       RunStatus = "FAILED"
	StatusCheckpointed RunStatus = "CHECKPOINTED"
)

// CheckpointReason records why a run suspended.
type CheckpointReason string

const (
	ReasonBudgetLimit      CheckpointReason = "budget_limit"
	ReasonTimeout          CheckpointReason = "timeout"
	ReasonManualPause      CheckpointReason = "manual_pause"
	ReasonCrash            CheckpointReason = "crash"
	ReasonAwaitingApproval CheckpointReason = "awaiting_approval"
	ReasonInProgress       CheckpointReason = "worker_in_progress"
)

// FailureKind classifies why a run reached FAILED, so callers branch on a
// structured value instead of parsing the reason string.
type FailureKind string

const (
	FailureGateDenied    FailureKind = "gate_denied"
	FailureWorkerError   FailureKind = "worker_error"
	FailureMaxIterations FailureKind = "max_iterations"
	FailureInternal      FailureKind = "internal"
)

// ReasonMaxIterations is the failure reason reported when a loop exhausts
// its iteration bound without any gate passing.
const ReasonMaxIterations = "max_iterations"

// LoopConverged marks a loop that exited early through a passing gate or a
// worker loop_done signal.
const LoopConverged = "converged"

// RunProgress is the serializable slice of run state a checkpoint carries.
type RunProgress struct {
	CompletedTasks  []string                           `json:"completed_tasks"`
	PendingTasks    []string                           `json:"pending_tasks"`
	PartialOutputs  map[string]string                  `json:"partial_outputs,omitempty"`
	Iterations      map[string]int                     `json:"iterations,omitempty"` // loop name -> finished iterations
	GlobalIteration int                                `json:"global_iteration"`
	LoopOutcomes    map[string]string                  `json:"loop_outcomes,omitempty"`
	Annotations     map[string]evidence.TaskAnnotation `json:"annotations,omitempty"`
	GateResults     map[string][]gates.GateResult      `json:"gate_results,omitempty"`
}

// Checkpoint is the resumable snapshot serialized when a run suspends. It
// is self-contained: spec and plan travel with it so a resume needs only
// the run ID and, when approvals changed, a fresh mandate.
type Checkpoint struct {
	CheckpointID  string                  `json:"checkpoint_id"`
	PipelineRunID string                  `json:"pipeline_run_id"`
	MissionID     string                  `json:"mission_id"`
	PlanID        string                  `json:"plan_id"`
	Reason        CheckpointReason        `json:"reason"`
	Detail        string                  `json:"detail,omitempty"`
	Resumable     bool                    `json:"resumable"`
	Progress      RunProgress             `json:"progress"`
	Spec          *mission.MissionSpec    `json:"spec"`
	Plan          *compiler.ExecutionPlan `json:"plan"`
	Mandate       *mandate.Snapshot       `json:"mandate,omitempty"`
	Ledger        mandate.LedgerSnapshot  `json:"ledger"`
	CreatedAt     time.Time               `json:"created_at"`
}

// RunResult is what Execute and Resume return for any terminal state.
type RunResult struct {
	RunID        string            `json:"run_id"`
	Status       RunStatus         `json:"status"`
	Reason       string            `json:"reason,omitempty"`
	Failure      FailureKind       `json:"failure,omitempty"` // set when Status is FAILED
	Outputs      map[string]string `json:"outputs,omitempty"`
	LoopOutcomes map[string]string `json:"loop_outcomes,omitempty"`
	Bundle       *evidence.Bundle  `json:"bundle,omitempty"`
	Checkpoint   *Checkpoint       `json:"checkpoint,omitempty"`
}

// ExecuteRequest carries one run's inputs. RunID is assigned when empty.
type ExecuteRequest struct {
	Spec    *mission.MissionSpec
	Plan    *compiler.ExecutionPlan
	Mandate *mandate.Mandate
	RunID   string
	Pauser  *Pauser
}

// Pauser is a cooperative pause flag checked between scheduling waves.
type Pauser struct {
	flag atomic.Bool
}

// RequestPause asks the run to checkpoint at the next wave boundary.
func (p *Pauser) RequestPause() {
	p.flag.Store(true)
}

// Requested reports whether a pause has been asked for.
func (p *Pauser) Requested() bool {
	return p != nil && p.flag.Load()
}
