package dispatch

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/errgroup"

	"github.com/tillerworks/tiller/pkg/approval"
	"github.com/tillerworks/tiller/pkg/compiler"
	"github.com/tillerworks/tiller/pkg/evidence"
	"github.com/tillerworks/tiller/pkg/gates"
	"github.com/tillerworks/tiller/pkg/mandate"
	"github.com/tillerworks/tiller/pkg/mission"
	"github.com/tillerworks/tiller/pkg/worker"
)

// outcome pairs one dispatched task with its worker result.
type outcome struct {
	task *compiler.Task
	res  *worker.TaskResult
	err  error
}

// errWorkerPanic marks a worker implementation that panicked instead of
// returning. The run suspends with ReasonCrash so the task can be retried
// on resume.
var errWorkerPanic = errors.New("worker panicked")

// run drives the scheduling loop to a terminal state. One wave per pass:
// preflight the ready frontier, dispatch it under bounded concurrency,
// absorb results, and close any loop iterations that finished.
func (d *Dispatcher) run(ctx context.Context, st *runState, pauser *Pauser) (*RunResult, error) {
	ctx, span := d.tracer.Start(ctx, "dispatch.run", trace.WithAttributes(
		attribute.String("run_id", st.runID),
		attribute.String("mission_id", st.plan.MissionID),
	))
	defer span.End()

	for {
		if pauser.Requested() {
			return d.checkpoint(ctx, st, ReasonManualPause, "pause requested")
		}
		if err := ctx.Err(); err != nil {
			reason := ReasonManualPause
			if errors.Is(err, context.DeadlineExceeded) {
				reason = ReasonTimeout
			}
			return d.checkpoint(ctx, st, reason, err.Error())
		}
		if st.man != nil && st.man.Expired(d.clock()) {
			return d.checkpoint(ctx, st, ReasonTimeout, "mandate expired")
		}

		ready := st.ready()
		if len(ready) == 0 {
			if st.allDone() {
				return d.finish(ctx, st, StatusCompleted, "", "")
			}
			return d.finish(ctx, st, StatusFailed, "no runnable tasks remain", FailureInternal)
		}

		dispatchable, halted, res, err := d.preflightWave(ctx, st, ready)
		if halted {
			return res, err
		}
		if len(dispatchable) == 0 {
			continue // skips settled part of the frontier; recompute
		}

		outcomes := d.runWave(ctx, st, dispatchable)
		if halted, res, err := d.absorb(ctx, st, outcomes); halted {
			return res, err
		}
	}
}

// preflightWave evaluates step conditions and gate checks for the ready
// frontier. Any denial halts the wave before a single worker is invoked.
func (d *Dispatcher) preflightWave(ctx context.Context, st *runState, ready []*compiler.Task) ([]*compiler.Task, bool, *RunResult, error) {
	var dispatchable []*compiler.Task
	for _, t := range ready {
		if t.Condition != "" {
			ok, err := d.cond.Eval(t.Condition, st.celInput())
			if err != nil {
				st.annotations[t.TaskID] = evidence.TaskAnnotation{Status: "failed", Error: err.Error()}
				res, ferr := d.finish(ctx, st, StatusFailed,
					fmt.Sprintf("step %s: condition error: %v", t.StepName, err), FailureInternal)
				return nil, true, res, ferr
			}
			if !ok {
				st.skip(t, "condition evaluated false")
				continue
			}
		}

		req, err := d.gateRequest(st, t)
		if err != nil {
			st.annotations[t.TaskID] = evidence.TaskAnnotation{Status: "blocked", Error: err.Error()}
			res, ferr := d.finish(ctx, st, StatusFailed, err.Error(), FailureInternal)
			return nil, true, res, ferr
		}
		results := d.engine.Preflight(req, st.man, st.ledger)
		// Latest attempt only: a task re-preflighted after a resume would
		// otherwise stack duplicate result sets in the evidence bundle. The
		// denied attempt survives in the checkpoint's intermediate bundle.
		st.gateResults[t.TaskID] = results
		if !gates.AllPassed(results) {
			d.gateDenials.Add(ctx, 1)
			res, ferr := d.handleBlocked(ctx, st, t, gates.Blocking(results))
			return nil, true, res, ferr
		}
		dispatchable = append(dispatchable, t)
	}
	return dispatchable, false, nil, nil
}

// gateRequest builds the preflight request for a task. The effective risk
// tier is the step override when present, otherwise the mandate's tier,
// otherwise R0.
func (d *Dispatcher) gateRequest(st *runState, t *compiler.Task) (gates.Request, error) {
	tier := mandate.RiskR0
	if t.RiskTier != "" {
		parsed, err := mandate.ParseRiskTier(t.RiskTier)
		if err != nil {
			return gates.Request{}, fmt.Errorf("step %s: %w", t.StepName, err)
		}
		tier = parsed
	} else if st.plan.Mandate != nil {
		tier = st.plan.Mandate.RiskTier
	}

	specialist := t.Agent
	if d.registry != nil {
		canonical, err := d.registry.Canonicalize(t.Agent)
		if err != nil {
			return gates.Request{}, fmt.Errorf("step %s: %w", t.StepName, err)
		}
		specialist = string(canonical)
	}

	return gates.Request{
		TaskID:     t.TaskID,
		Specialist: specialist,
		RiskTier:   tier,
		Tools:      t.Tools,
		Iteration:  st.globalIter,
	}, nil
}

// handleBlocked maps a denied preflight to its terminal disposition:
// approval-pending, budget, and expiry denials checkpoint for later
// resumption; every other denial fails the run.
func (d *Dispatcher) handleBlocked(ctx context.Context, st *runState, t *compiler.Task, blocking []gates.GateResult) (*RunResult, error) {
	st.annotations[t.TaskID] = evidence.TaskAnnotation{Status: "blocked", Error: blocking[0].Reason}

	cpReason := CheckpointReason("")
	for _, r := range blocking {
		switch r.BlockingRequirement {
		case gates.BlockingApprovalPending:
			if cpReason == "" {
				cpReason = ReasonAwaitingApproval
			}
		case gates.BlockingBudget:
			cpReason = ReasonBudgetLimit
		case gates.BlockingExpiry:
			cpReason = ReasonTimeout
		default:
			// Mandate-missing, denied approval, tool, specialist, and
			// iteration-ceiling denials are hard failures.
			return d.finish(ctx, st, StatusFailed,
				fmt.Sprintf("gate %s denied task %s: %s", r.GateName, t.StepName, r.Reason),
				FailureGateDenied)
		}
	}
	detail := fmt.Sprintf("task %s blocked: %s", t.StepName, blocking[0].Reason)
	return d.checkpoint(ctx, st, cpReason, detail)
}

// runWave invokes the dispatchable tasks under bounded concurrency. When
// the context is cancelled mid-wave, in-flight tasks get the grace period
// to report; anything still running after that stays pending.
func (d *Dispatcher) runWave(ctx context.Context, st *runState, tasks []*compiler.Task) []outcome {
	results := make(chan outcome, len(tasks))
	var g errgroup.Group
	g.SetLimit(d.maxConcurrency)

	for _, t := range tasks {
		t := t
		inv := worker.Invocation{
			TaskID: t.TaskID,
			Agent:  t.Agent,
			Inputs: st.resolveInputs(t),
		}
		g.Go(func() error {
			tctx, span := d.tracer.Start(ctx, "dispatch.task", trace.WithAttributes(
				attribute.String("task_id", t.TaskID),
				attribute.String("step", t.StepName),
				attribute.String("agent", t.Agent),
			))
			defer span.End()
			// A panicking Invoker must not take the run down with it; the
			// panic becomes a per-task worker error.
			defer func() {
				if r := recover(); r != nil {
					results <- outcome{task: t, err: fmt.Errorf("%w: %v", errWorkerPanic, r)}
				}
			}()
			d.dispatched.Add(tctx, 1)
			res, err := d.invoker.Invoke(tctx, inv)
			results <- outcome{task: t, res: res, err: err}
			return nil
		})
	}

	waveDone := make(chan struct{})
	go func() {
		_ = g.Wait() // workers report through the channel, never an error
		close(waveDone)
	}()

	select {
	case <-waveDone:
	case <-ctx.Done():
		select {
		case <-waveDone:
		case <-time.After(d.grace):
			d.logger.Warn("grace period elapsed; abandoning in-flight tasks",
				"run_id", st.runID, "grace", d.grace)
		}
	}

	var out []outcome
	for {
		select {
		case o := <-results:
			out = append(out, o)
		default:
			sort.Slice(out, func(i, j int) bool { return out[i].task.Ordinal < out[j].task.Ordinal })
			return out
		}
	}
}

// absorb merges wave outcomes into run state, then closes any loop
// iterations whose final task settled in this wave. An in-progress or
// panicked task stays pending and suspends the run for a later retry.
func (d *Dispatcher) absorb(ctx context.Context, st *runState, outcomes []outcome) (bool, *RunResult, error) {
	var fatal, crash, inProgress string
	var iterEnds []*compiler.Task

	for _, o := range outcomes {
		t := o.task
		if o.res != nil && o.res.Cost > 0 && st.ledger != nil {
			st.ledger.Debit(t.TaskID, o.res.Cost)
		}

		if o.err == nil && o.res != nil && o.res.Status == worker.StatusInProgress {
			// Non-terminal: the task stays pending and is re-dispatched on
			// resume. Its outputs are withheld until it completes.
			st.annotations[t.TaskID] = evidence.TaskAnnotation{Status: "in_progress", Cost: o.res.Cost}
			if inProgress == "" {
				inProgress = fmt.Sprintf("task %s reported in progress", t.StepName)
			}
			continue
		}

		failure := ""
		switch {
		case o.err != nil:
			failure = o.err.Error()
		case o.res == nil:
			failure = "worker returned no result"
		case o.res.Status == worker.StatusBlocked:
			failure = o.res.Detail
			if failure == "" {
				failure = "worker reported blocked"
			}
		}

		if failure != "" {
			ann := evidence.TaskAnnotation{Status: "failed", Error: failure}
			if o.res != nil {
				ann.Cost = o.res.Cost
			}
			st.annotations[t.TaskID] = ann
			if t.LoopName == "" {
				if errors.Is(o.err, errWorkerPanic) {
					// The task stays pending; a crash suspends rather than
					// fails so the run can retry after the fault is fixed.
					if crash == "" {
						crash = fmt.Sprintf("task %s: %s", t.StepName, failure)
					}
				} else if fatal == "" {
					fatal = fmt.Sprintf("task %s failed: %s", t.StepName, failure)
				}
				continue
			}
			// In-loop failures settle the task so the iteration reaches
			// its gate; the gate decides whether to retry.
			st.completed[t.TaskID] = true
		} else {
			st.mergeOutputs(t, o.res.Outputs)
			st.annotations[t.TaskID] = evidence.TaskAnnotation{Status: "completed", Cost: o.res.Cost}
			st.completed[t.TaskID] = true
			if o.res.CompletionSignal == worker.SignalLoopDone && t.LoopName != "" {
				st.loopSignal[t.LoopName] = true
			}
		}

		if t.EndsIteration {
			iterEnds = append(iterEnds, t)
		}
	}

	if crash != "" {
		res, err := d.checkpoint(ctx, st, ReasonCrash, crash)
		return true, res, err
	}
	if fatal != "" {
		res, err := d.finish(ctx, st, StatusFailed, fatal, FailureWorkerError)
		return true, res, err
	}

	for _, t := range iterEnds {
		if halted, res, err := d.closeIteration(ctx, st, t); halted {
			return true, res, err
		}
	}

	if inProgress != "" {
		res, err := d.checkpoint(ctx, st, ReasonInProgress, inProgress)
		return true, res, err
	}
	return false, nil, nil
}

// closeIteration evaluates a loop's gates at an iteration boundary. A pass
// or a worker loop_done signal converges the loop; a failure on the final
// iteration fails the run with the max_iterations outcome.
func (d *Dispatcher) closeIteration(ctx context.Context, st *runState, t *compiler.Task) (bool, *RunResult, error) {
	loop, iter := t.LoopName, t.Iteration
	st.iterations[loop] = iter
	st.globalIter++

	passed := st.loopSignal[loop]
	why := "worker signalled loop_done"
	switch {
	case passed:
	case len(t.Gates) == 0:
		// A gateless loop is a bounded retry: it converges on the first
		// iteration that completes without a failed task.
		passed = !st.iterationFailed(loop, iter)
		why = "iteration completed"
	default:
		passed = true
		why = "all gates passed"
		for _, g := range t.Gates {
			ok, reason := d.evalLoopGate(ctx, st, t, g, iter)
			st.gateResults[t.TaskID] = append(st.gateResults[t.TaskID], gates.GateResult{
				GateName: loopGateName(g),
				Allowed:  ok,
				Reason:   reason,
			})
			if !ok {
				passed = false
				why = reason
			}
		}
	}

	if passed {
		d.logger.Info("loop converged",
			"run_id", st.runID, "loop", loop, "iteration", iter, "reason", why)
		st.markLoopConverged(loop, iter)
		return false, nil, nil
	}

	if iter >= t.MaxIterations {
		st.loopDone[loop] = ReasonMaxIterations
		d.logger.Warn("loop exhausted its iteration bound",
			"run_id", st.runID, "loop", loop, "iterations", iter)
		res, err := d.finish(ctx, st, StatusFailed, ReasonMaxIterations, FailureMaxIterations)
		return true, res, err
	}

	d.logger.Info("loop iteration failed; continuing",
		"run_id", st.runID, "loop", loop, "iteration", iter, "reason", why)
	return false, nil, nil
}

// evalLoopGate runs one gate check. Any evaluation error fails closed.
func (d *Dispatcher) evalLoopGate(ctx context.Context, st *runState, t *compiler.Task, g mission.Gate, iter int) (bool, string) {
	switch g.Type {
	case mission.GateTest:
		ok, err := d.gateCmd(ctx, g.Command)
		if err != nil {
			return false, fmt.Sprintf("test_pass gate error: %v", err)
		}
		if !ok {
			return false, fmt.Sprintf("command %q exited non-zero", g.Command)
		}
		return true, "command exited zero"

	case mission.GateApproval:
		resp, err := d.broker.Request(ctx, d.approvalRequest(st, t, g))
		if err != nil {
			return false, fmt.Sprintf("approval gate error: %v", err)
		}
		if !resp.Approved {
			return false, fmt.Sprintf("approval denied: %s", resp.Reason)
		}
		return true, fmt.Sprintf("approved by %s", resp.ApproverID)

	case mission.GateCustom:
		input := st.celInput()
		input["iteration"] = iter
		ok, err := d.cond.Eval(g.Condition, input)
		if err != nil {
			return false, fmt.Sprintf("custom gate error: %v", err)
		}
		if !ok {
			return false, fmt.Sprintf("condition %q evaluated false", g.Condition)
		}
		return true, "condition evaluated true"
	}
	return false, fmt.Sprintf("unknown gate type %q", g.Type)
}

func (d *Dispatcher) approvalRequest(st *runState, t *compiler.Task, g mission.Gate) approval.Request {
	return approval.Request{
		RunID:       st.runID,
		MissionID:   st.plan.MissionID,
		GateName:    loopGateName(g),
		Approvers:   g.Approvers,
		Reason:      fmt.Sprintf("loop %s iteration %d", t.LoopName, t.Iteration),
		RequestedAt: d.clock(),
	}
}

func loopGateName(g mission.Gate) string {
	if g.Name != "" {
		return g.Name
	}
	return string(g.Type)
}
