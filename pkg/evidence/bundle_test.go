package evidence_test

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tillerworks/tiller/pkg/evidence"
	"github.com/tillerworks/tiller/pkg/gates"
	"github.com/tillerworks/tiller/pkg/mandate"
	"github.com/tillerworks/tiller/pkg/store"
)

func sampleBundle() *evidence.Bundle {
	return &evidence.Bundle{
		RunID:     "run-1",
		MissionID: "m-1",
		PlanID:    "plan-abc",
		Status:    "COMPLETED",
		Outputs:   map[string]string{"findings": "none"},
		GateResults: map[string][]gates.GateResult{
			"t-1": {{GateName: gates.GateMandateRequired, Allowed: true}},
		},
		Tasks: map[string]evidence.TaskAnnotation{
			"t-1": {Status: "completed", Cost: 10},
		},
		Ledger:    mandate.LedgerSnapshot{Limit: 100, Spent: 10},
		CreatedAt: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC),
	}
}

func TestSealDerivesIDAndHash(t *testing.T) {
	b := sampleBundle()
	require.NoError(t, b.Seal())

	assert.Len(t, b.ContentHash, 64)
	assert.Equal(t, "eb-"+b.ContentHash[:16], b.BundleID)
}

func TestSealIsWriteOnce(t *testing.T) {
	b := sampleBundle()
	require.NoError(t, b.Seal())
	assert.Error(t, b.Seal())
}

func TestSealDeterministic(t *testing.T) {
	b1, b2 := sampleBundle(), sampleBundle()
	require.NoError(t, b1.Seal())
	require.NoError(t, b2.Seal())
	assert.Equal(t, b1.ContentHash, b2.ContentHash)
}

func TestWriterPersistAndLoad(t *testing.T) {
	kv := store.NewMemory()
	w := evidence.NewWriter(kv)
	ctx := context.Background()

	b := sampleBundle()
	require.NoError(t, w.Persist(ctx, b))

	got, err := w.Load(ctx, "run-1")
	require.NoError(t, err)
	assert.Equal(t, b.ContentHash, got.ContentHash)
	assert.Equal(t, "none", got.Outputs["findings"])
}

func TestWriterRefusesSecondBundle(t *testing.T) {
	kv := store.NewMemory()
	w := evidence.NewWriter(kv)
	ctx := context.Background()

	require.NoError(t, w.Persist(ctx, sampleBundle()))
	err := w.Persist(ctx, sampleBundle())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "write-once")
}

func TestFSExporter(t *testing.T) {
	dir := t.TempDir()
	e := &evidence.FSExporter{Dir: dir}

	b := sampleBundle()
	require.NoError(t, b.Seal())

	loc, err := e.Export(context.Background(), b)
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(dir, "run-1.json"), loc)

	blob, err := os.ReadFile(loc)
	require.NoError(t, err)
	assert.Contains(t, string(blob), b.ContentHash)
}

func TestFSExporterRefusesUnsealed(t *testing.T) {
	e := &evidence.FSExporter{Dir: t.TempDir()}
	_, err := e.Export(context.Background(), sampleBundle())
	assert.Error(t, err)
}
