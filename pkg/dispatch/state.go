package dispatch

import (
	"sort"

	"github.com/tillerworks/tiller/pkg/compiler"
	"github.com/tillerworks/tiller/pkg/evidence"
	"github.com/tillerworks/tiller/pkg/gates"
	"github.com/tillerworks/tiller/pkg/mandate"
	"github.com/tillerworks/tiller/pkg/mission"
)

// runState is the mutable per-run bookkeeping. It is only touched from the
// scheduling goroutine; worker invocations receive copies and report back
// through a channel.
type runState struct {
	runID  string
	spec   *mission.MissionSpec
	plan   *compiler.ExecutionPlan
	man    *mandate.Mandate
	ledger *mandate.BudgetLedger

	outputs     map[string]string
	completed   map[string]bool // includes skipped and failed-in-loop tasks
	annotations map[string]evidence.TaskAnnotation
	gateResults map[string][]gates.GateResult
	iterations  map[string]int // loop name -> finished iterations
	globalIter  int
	loopDone    map[string]string // loop name -> LoopConverged
	loopSignal  map[string]bool   // loop name -> worker sent loop_done
}

func newRunState(runID string, spec *mission.MissionSpec, plan *compiler.ExecutionPlan, man *mandate.Mandate) *runState {
	st := &runState{
		runID:       runID,
		spec:        spec,
		plan:        plan,
		man:         man,
		outputs:     make(map[string]string),
		completed:   make(map[string]bool),
		annotations: make(map[string]evidence.TaskAnnotation),
		gateResults: make(map[string][]gates.GateResult),
		iterations:  make(map[string]int),
		loopDone:    make(map[string]string),
		loopSignal:  make(map[string]bool),
	}
	if man != nil {
		snap := man.Snapshot()
		st.ledger = mandate.NewLedger(snap.BudgetLimit, snap.BudgetUnit)
	}
	return st
}

// restore rehydrates state from a checkpoint.
func (st *runState) restore(cp *Checkpoint) {
	for _, id := range cp.Progress.CompletedTasks {
		st.completed[id] = true
	}
	for k, v := range cp.Progress.PartialOutputs {
		st.outputs[k] = v
	}
	for k, v := range cp.Progress.Iterations {
		st.iterations[k] = v
	}
	for k, v := range cp.Progress.LoopOutcomes {
		st.loopDone[k] = v
	}
	for k, v := range cp.Progress.Annotations {
		st.annotations[k] = v
	}
	for k, v := range cp.Progress.GateResults {
		st.gateResults[k] = append([]gates.GateResult(nil), v...)
	}
	st.globalIter = cp.Progress.GlobalIteration
	if st.man != nil {
		st.ledger = mandate.RestoreLedger(cp.Ledger)
	}
}

// ready returns the runnable frontier: tasks whose dependencies are all
// settled, in deterministic ordinal order.
func (st *runState) ready() []*compiler.Task {
	var out []*compiler.Task
	for i := range st.plan.Tasks {
		t := &st.plan.Tasks[i]
		if st.completed[t.TaskID] {
			continue
		}
		runnable := true
		for _, dep := range t.DependsOn {
			if !st.completed[dep] {
				runnable = false
				break
			}
		}
		if runnable {
			out = append(out, t)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Ordinal < out[j].Ordinal })
	return out
}

// pending returns every task not yet settled, in plan order.
func (st *runState) pending() []string {
	var out []string
	for _, id := range st.plan.ExecutionOrder {
		if !st.completed[id] {
			out = append(out, id)
		}
	}
	return out
}

func (st *runState) completedIDs() []string {
	var out []string
	for _, id := range st.plan.ExecutionOrder {
		if st.completed[id] {
			out = append(out, id)
		}
	}
	return out
}

func (st *runState) allDone() bool {
	return len(st.completed) == len(st.plan.Tasks)
}

// skip settles a task without running it.
func (st *runState) skip(t *compiler.Task, reason string) {
	st.completed[t.TaskID] = true
	st.annotations[t.TaskID] = evidence.TaskAnnotation{Status: "skipped", Error: reason}
}

// resolveInputs interpolates ${step.output} references against run state.
// Unresolved references pass through verbatim.
func (st *runState) resolveInputs(t *compiler.Task) map[string]string {
	if len(t.Inputs) == 0 {
		return nil
	}
	out := make(map[string]string, len(t.Inputs))
	for k, v := range t.Inputs {
		out[k] = mission.Interpolate(v, func(ref mission.OutputRef) (string, bool) {
			val, ok := st.outputs[ref.Output]
			return val, ok
		})
	}
	return out
}

// mergeOutputs writes a worker's declared outputs into run state. Outputs
// the task never declared are dropped; the disjointness invariant holds
// only over declared names.
func (st *runState) mergeOutputs(t *compiler.Task, produced map[string]string) {
	for _, name := range t.Outputs {
		if val, ok := produced[name]; ok {
			st.outputs[name] = val
		}
	}
}

// celInput builds the evaluation scope for step conditions and custom
// gates.
func (st *runState) celInput() map[string]any {
	state := make(map[string]any, len(st.outputs))
	for k, v := range st.outputs {
		state[k] = v
	}
	return map[string]any{
		"state":     state,
		"outputs":   state,
		"iteration": st.globalIter,
	}
}

// markLoopConverged settles every later iteration of a loop as skipped.
func (st *runState) markLoopConverged(loop string, iteration int) {
	st.loopDone[loop] = LoopConverged
	for i := range st.plan.Tasks {
		t := &st.plan.Tasks[i]
		if t.LoopName == loop && t.Iteration > iteration && !st.completed[t.TaskID] {
			st.skip(t, "loop converged")
		}
	}
}

// iterationFailed reports whether any task of the given loop iteration
// failed.
func (st *runState) iterationFailed(loop string, iteration int) bool {
	for i := range st.plan.Tasks {
		t := &st.plan.Tasks[i]
		if t.LoopName != loop || t.Iteration != iteration {
			continue
		}
		if ann, ok := st.annotations[t.TaskID]; ok && ann.Status == "failed" {
			return true
		}
	}
	return false
}

func (st *runState) progress() RunProgress {
	return RunProgress{
		CompletedTasks:  st.completedIDs(),
		PendingTasks:    st.pending(),
		PartialOutputs:  copyStrMap(st.outputs),
		Iterations:      copyIntMap(st.iterations),
		GlobalIteration: st.globalIter,
		LoopOutcomes:    copyStrMap(st.loopDone),
		Annotations:     copyAnnMap(st.annotations),
		GateResults:     copyGateMap(st.gateResults),
	}
}

func (st *runState) ledgerSnapshot() mandate.LedgerSnapshot {
	if st.ledger == nil {
		return mandate.LedgerSnapshot{}
	}
	return st.ledger.Snapshot()
}

func copyStrMap(m map[string]string) map[string]string {
	if len(m) == 0 {
		return nil
	}
	out := make(map[string]string, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}

func copyIntMap(m map[string]int) map[string]int {
	if len(m) == 0 {
		return nil
	}
	out := make(map[string]int, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}

func copyAnnMap(m map[string]evidence.TaskAnnotation) map[string]evidence.TaskAnnotation {
	if len(m) == 0 {
		return nil
	}
	out := make(map[string]evidence.TaskAnnotation, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}

func copyGateMap(m map[string][]gates.GateResult) map[string][]gates.GateResult {
	if len(m) == 0 {
		return nil
	}
	out := make(map[string][]gates.GateResult, len(m))
	for k, v := range m {
		out[k] = append([]gates.GateResult(nil), v...)
	}
	return out
}
