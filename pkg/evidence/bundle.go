// Package evidence assembles the immutable end-of-run audit record: the
// mission spec snapshot, the execution plan, every gate result, the final
// ledger state, and per-task annotations. A run must never vanish without a
// trace; every terminal state produces either a bundle or a resumable
// checkpoint.
package evidence

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/tillerworks/tiller/pkg/canonicalize"
	"github.com/tillerworks/tiller/pkg/compiler"
	"github.com/tillerworks/tiller/pkg/gates"
	"github.com/tillerworks/tiller/pkg/mandate"
	"github.com/tillerworks/tiller/pkg/mission"
	"github.com/tillerworks/tiller/pkg/store"
)

// TaskAnnotation records one task's outcome.
type TaskAnnotation struct {
	Status string `json:"status"` // completed | failed | blocked | skipped
	Error  string `json:"error,omitempty"`
	Cost   int64  `json:"cost,omitempty"`
}

// Bundle is the write-once end-of-run record.
type Bundle struct {
	BundleID     string                        `json:"bundle_id"`
	RunID        string                        `json:"run_id"`
	MissionID    string                        `json:"mission_id"`
	PlanID       string                        `json:"plan_id"`
	Status       string                        `json:"status"`
	Reason       string                        `json:"reason,omitempty"`
	CheckpointID string                        `json:"checkpoint_id,omitempty"`
	Spec         *mission.MissionSpec          `json:"spec"`
	Plan         *compiler.ExecutionPlan       `json:"plan"`
	Outputs      map[string]string             `json:"outputs,omitempty"`
	GateResults  map[string][]gates.GateResult `json:"gate_results,omitempty"` // keyed by task ID
	Tasks        map[string]TaskAnnotation     `json:"tasks,omitempty"`
	Ledger       mandate.LedgerSnapshot        `json:"ledger"`
	CreatedAt    time.Time                     `json:"created_at"`
	ContentHash  string                        `json:"content_hash,omitempty"`
}

// Seal computes the bundle's content hash and derives its ID. A sealed
// bundle must not be mutated; Seal refuses to run twice.
func (b *Bundle) Seal() error {
	if b.ContentHash != "" {
		return fmt.Errorf("evidence bundle %s is already sealed", b.BundleID)
	}
	hash, err := canonicalize.Hash(b)
	if err != nil {
		return fmt.Errorf("evidence: seal failed: %w", err)
	}
	b.ContentHash = hash
	if b.BundleID == "" {
		b.BundleID = "eb-" + hash[:16]
	}
	return nil
}

// Key returns the store key the bundle persists under. Intermediate bundles
// written at a checkpoint carry the checkpoint ID so a later final bundle
// for the same run does not collide with them.
func (b *Bundle) Key() string {
	if b.CheckpointID != "" {
		return "evidence/" + b.RunID + "/" + b.CheckpointID
	}
	return "evidence/" + b.RunID
}

// Writer persists bundles into a KV store, enforcing write-once per run.
type Writer struct {
	kv store.KV
}

// NewWriter creates a bundle writer over kv.
func NewWriter(kv store.KV) *Writer {
	return &Writer{kv: kv}
}

// Persist seals (if needed) and stores the bundle. A second bundle for the
// same run is refused; evidence is immutable once written.
func (w *Writer) Persist(ctx context.Context, b *Bundle) error {
	if b.ContentHash == "" {
		if err := b.Seal(); err != nil {
			return err
		}
	}
	if _, err := w.kv.Load(ctx, b.Key()); err == nil {
		return fmt.Errorf("evidence for run %s already exists; bundles are write-once", b.RunID)
	}
	blob, err := json.Marshal(b)
	if err != nil {
		return fmt.Errorf("evidence: marshal failed: %w", err)
	}
	if err := w.kv.Save(ctx, b.Key(), blob); err != nil {
		return fmt.Errorf("evidence: persist failed: %w", err)
	}
	return nil
}

// Load retrieves the bundle for a run.
func (w *Writer) Load(ctx context.Context, runID string) (*Bundle, error) {
	blob, err := w.kv.Load(ctx, "evidence/"+runID)
	if err != nil {
		return nil, err
	}
	var b Bundle
	if err := json.Unmarshal(blob, &b); err != nil {
		return nil, fmt.Errorf("evidence: decode failed: %w", err)
	}
	return &b, nil
}
