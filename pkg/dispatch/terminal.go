package dispatch

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/google/uuid"

	"github.com/tillerworks/tiller/pkg/evidence"
	"github.com/tillerworks/tiller/pkg/mandate"
)

// checkpoint serializes the run for later resumption and writes an
// intermediate evidence bundle. Persistence uses a detached context so a
// cancelled run can still leave its trace.
func (d *Dispatcher) checkpoint(ctx context.Context, st *runState, reason CheckpointReason, detail string) (*RunResult, error) {
	pctx := context.WithoutCancel(ctx)

	var snap *mandate.Snapshot
	if st.man != nil {
		s := st.man.Snapshot()
		snap = &s
	}
	cp := &Checkpoint{
		CheckpointID:  "cp-" + uuid.NewString(),
		PipelineRunID: st.runID,
		MissionID:     st.plan.MissionID,
		PlanID:        st.plan.PlanID,
		Reason:        reason,
		Detail:        detail,
		Resumable:     true,
		Progress:      st.progress(),
		Spec:          st.spec,
		Plan:          st.plan,
		Mandate:       snap,
		Ledger:        st.ledgerSnapshot(),
		CreatedAt:     d.clock(),
	}

	blob, err := json.Marshal(cp)
	if err != nil {
		return nil, fmt.Errorf("dispatch: marshal checkpoint: %w", err)
	}
	if err := d.kv.Save(pctx, checkpointKey(st.runID), blob); err != nil {
		return nil, fmt.Errorf("dispatch: persist checkpoint: %w", err)
	}

	bundle := d.bundle(st, string(StatusCheckpointed), string(reason))
	bundle.CheckpointID = cp.CheckpointID
	if err := d.writer.Persist(pctx, bundle); err != nil {
		return nil, err
	}

	d.logger.Info("run checkpointed",
		"run_id", st.runID,
		"checkpoint_id", cp.CheckpointID,
		"reason", reason,
		"detail", detail)

	return &RunResult{
		RunID:        st.runID,
		Status:       StatusCheckpointed,
		Reason:       string(reason),
		Outputs:      copyStrMap(st.outputs),
		LoopOutcomes: copyStrMap(st.loopDone),
		Bundle:       bundle,
		Checkpoint:   cp,
	}, nil
}

// finish seals and persists the final evidence bundle for a completed or
// failed run. kind classifies a FAILED outcome and is empty on success.
func (d *Dispatcher) finish(ctx context.Context, st *runState, status RunStatus, reason string, kind FailureKind) (*RunResult, error) {
	pctx := context.WithoutCancel(ctx)

	bundle := d.bundle(st, string(status), reason)
	if err := d.writer.Persist(pctx, bundle); err != nil {
		return nil, err
	}

	switch status {
	case StatusCompleted:
		d.logger.Info("run completed", "run_id", st.runID, "bundle_id", bundle.BundleID)
	default:
		d.logger.Warn("run failed", "run_id", st.runID, "reason", reason, "bundle_id", bundle.BundleID)
	}

	return &RunResult{
		RunID:        st.runID,
		Status:       status,
		Reason:       reason,
		Failure:      kind,
		Outputs:      copyStrMap(st.outputs),
		LoopOutcomes: copyStrMap(st.loopDone),
		Bundle:       bundle,
	}, nil
}

func (d *Dispatcher) bundle(st *runState, status, reason string) *evidence.Bundle {
	return &evidence.Bundle{
		RunID:       st.runID,
		MissionID:   st.plan.MissionID,
		PlanID:      st.plan.PlanID,
		Status:      status,
		Reason:      reason,
		Spec:        st.spec,
		Plan:        st.plan,
		Outputs:     copyStrMap(st.outputs),
		GateResults: copyGateMap(st.gateResults),
		Tasks:       copyAnnMap(st.annotations),
		Ledger:      st.ledgerSnapshot(),
		CreatedAt:   d.clock(),
	}
}
