package dispatch

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"

	"github.com/tillerworks/tiller/pkg/approval"
	"github.com/tillerworks/tiller/pkg/evidence"
	"github.com/tillerworks/tiller/pkg/gates"
	"github.com/tillerworks/tiller/pkg/identity"
	"github.com/tillerworks/tiller/pkg/mandate"
	"github.com/tillerworks/tiller/pkg/store"
	"github.com/tillerworks/tiller/pkg/worker"
)

// DefaultGracePeriod bounds how long a suspending run waits for in-flight
// tasks before abandoning them to the checkpoint's pending set.
const DefaultGracePeriod = 30 * time.Second

// DefaultMaxConcurrency caps parallel worker invocations per run.
const DefaultMaxConcurrency = 4

// GateCommandRunner executes a test_pass gate command and reports pass/fail.
type GateCommandRunner func(ctx context.Context, command string) (bool, error)

// Config wires a Dispatcher. Invoker is required; everything else has a
// working default.
type Config struct {
	Invoker        worker.Invoker
	Registry       *identity.Registry
	Engine         *gates.Engine
	Conditions     *gates.ConditionEvaluator
	Broker         approval.Broker
	Store          store.KV
	GateCommand    GateCommandRunner
	MaxConcurrency int
	GracePeriod    time.Duration
	Clock          func() time.Time
	Logger         *slog.Logger
}

// Dispatcher executes compiled plans. Safe for concurrent runs.
type Dispatcher struct {
	invoker  worker.Invoker
	registry *identity.Registry
	engine   *gates.Engine
	cond     *gates.ConditionEvaluator
	broker   approval.Broker
	kv       store.KV
	writer   *evidence.Writer
	gateCmd  GateCommandRunner

	maxConcurrency int
	grace          time.Duration
	clock          func() time.Time
	logger         *slog.Logger

	tracer      trace.Tracer
	dispatched  metric.Int64Counter
	gateDenials metric.Int64Counter
}

// New builds a dispatcher from cfg, filling defaults for unset fields.
func New(cfg Config) (*Dispatcher, error) {
	if cfg.Invoker == nil {
		return nil, fmt.Errorf("dispatch: an Invoker is required")
	}
	if cfg.Registry == nil {
		cfg.Registry = identity.DefaultRegistry()
	}
	if cfg.Engine == nil {
		cfg.Engine = gates.NewEngine()
	}
	if cfg.Conditions == nil {
		cond, err := gates.NewConditionEvaluator()
		if err != nil {
			return nil, err
		}
		cfg.Conditions = cond
	}
	if cfg.Broker == nil {
		cfg.Broker = approval.NewMemoryBroker()
	}
	if cfg.Store == nil {
		cfg.Store = store.NewMemory()
	}
	if cfg.GateCommand == nil {
		cfg.GateCommand = worker.RunGateCommand
	}
	if cfg.MaxConcurrency <= 0 {
		cfg.MaxConcurrency = DefaultMaxConcurrency
	}
	if cfg.GracePeriod <= 0 {
		cfg.GracePeriod = DefaultGracePeriod
	}
	if cfg.Clock == nil {
		cfg.Clock = time.Now
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default().With("component", "dispatch")
	}

	meter := otel.Meter("tiller/dispatch")
	dispatched, err := meter.Int64Counter("tiller.tasks.dispatched")
	if err != nil {
		return nil, err
	}
	denials, err := meter.Int64Counter("tiller.gates.denied")
	if err != nil {
		return nil, err
	}

	return &Dispatcher{
		invoker:        cfg.Invoker,
		registry:       cfg.Registry,
		engine:         cfg.Engine,
		cond:           cfg.Conditions,
		broker:         cfg.Broker,
		kv:             cfg.Store,
		writer:         evidence.NewWriter(cfg.Store),
		gateCmd:        cfg.GateCommand,
		maxConcurrency: cfg.MaxConcurrency,
		grace:          cfg.GracePeriod,
		clock:          cfg.Clock,
		logger:         cfg.Logger,
		tracer:         otel.Tracer("tiller/dispatch"),
		dispatched:     dispatched,
		gateDenials:    denials,
	}, nil
}

// Execute runs a compiled plan to a terminal state. The returned RunResult
// is non-nil whenever err is nil, including on FAILED and CHECKPOINTED
// outcomes; err reports infrastructure faults only.
func (d *Dispatcher) Execute(ctx context.Context, req ExecuteRequest) (*RunResult, error) {
	if req.Spec == nil || req.Plan == nil {
		return nil, fmt.Errorf("dispatch: spec and plan are required")
	}
	runID := req.RunID
	if runID == "" {
		runID = "run-" + uuid.NewString()
	}
	st := newRunState(runID, req.Spec, req.Plan, req.Mandate)
	d.logger.Info("run starting",
		"run_id", runID,
		"mission_id", req.Plan.MissionID,
		"plan_id", req.Plan.PlanID,
		"tasks", len(req.Plan.Tasks))
	return d.run(ctx, st, req.Pauser)
}

// Resume continues a checkpointed run. The checkpoint is loaded from the
// store by run ID; req.Spec and req.Plan are optional overrides, and
// req.Mandate supplies the current mandate when approvals have changed
// since the checkpoint was taken.
func (d *Dispatcher) Resume(ctx context.Context, req ExecuteRequest) (*RunResult, error) {
	if req.RunID == "" {
		return nil, fmt.Errorf("dispatch: resume requires a run ID")
	}
	if _, err := d.writer.Load(ctx, req.RunID); err == nil {
		return nil, fmt.Errorf("dispatch: run %s already has final evidence", req.RunID)
	}
	cp, err := d.LoadCheckpoint(ctx, req.RunID)
	if err != nil {
		return nil, err
	}
	if !cp.Resumable {
		return nil, fmt.Errorf("dispatch: checkpoint %s (reason %s) is not resumable", cp.CheckpointID, cp.Reason)
	}

	spec, plan := req.Spec, req.Plan
	if spec == nil {
		spec = cp.Spec
	}
	if plan == nil {
		plan = cp.Plan
	}
	if plan == nil {
		return nil, fmt.Errorf("dispatch: checkpoint %s carries no plan", cp.CheckpointID)
	}

	man := req.Mandate
	if man == nil && cp.Mandate != nil {
		man = mandate.FromSnapshot(*cp.Mandate)
	}

	st := newRunState(req.RunID, spec, plan, man)
	st.restore(cp)
	d.logger.Info("run resuming",
		"run_id", req.RunID,
		"checkpoint_id", cp.CheckpointID,
		"reason", cp.Reason,
		"completed", len(cp.Progress.CompletedTasks),
		"pending", len(cp.Progress.PendingTasks))
	return d.run(ctx, st, req.Pauser)
}

// LoadCheckpoint fetches the latest checkpoint for a run.
func (d *Dispatcher) LoadCheckpoint(ctx context.Context, runID string) (*Checkpoint, error) {
	blob, err := d.kv.Load(ctx, checkpointKey(runID))
	if err != nil {
		return nil, fmt.Errorf("dispatch: load checkpoint for %s: %w", runID, err)
	}
	var cp Checkpoint
	if err := json.Unmarshal(blob, &cp); err != nil {
		return nil, fmt.Errorf("dispatch: decode checkpoint for %s: %w", runID, err)
	}
	return &cp, nil
}

func checkpointKey(runID string) string {
	return "checkpoint/" + runID
}
