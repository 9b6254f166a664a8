package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/tillerworks/tiller/pkg/approval"
	"github.com/tillerworks/tiller/pkg/config"
	"github.com/tillerworks/tiller/pkg/dispatch"
	"github.com/tillerworks/tiller/pkg/evidence"
	"github.com/tillerworks/tiller/pkg/mandate"
	"github.com/tillerworks/tiller/pkg/observability"
	"github.com/tillerworks/tiller/pkg/store"
	"github.com/tillerworks/tiller/pkg/worker"
)

// runRunCmd implements `tiller run`: compile the spec and execute the plan
// to a terminal state.
//
// Exit codes:
//
//	0 = run completed
//	1 = run failed
//	2 = usage error
//	3 = spec failed validation or compilation
//	4 = a policy gate denied the run
//	5 = run checkpointed awaiting external action
func runRunCmd(args []string, cfg *config.Config, stdout, stderr io.Writer) int {
	cmd := flag.NewFlagSet("run", flag.ContinueOnError)
	cmd.SetOutput(stderr)

	var (
		specPath    string
		seed        string
		workersPath string
		runID       string
	)
	cmd.StringVar(&specPath, "spec", "", "Path to the mission spec (REQUIRED)")
	cmd.StringVar(&seed, "seed", "", "Compilation seed")
	cmd.StringVar(&workersPath, "workers", "", "Path to the worker profile YAML (REQUIRED)")
	cmd.StringVar(&runID, "run-id", "", "Pipeline run identifier; generated when empty")

	if err := cmd.Parse(args); err != nil {
		return exitUsage
	}
	if specPath == "" || workersPath == "" {
		_, _ = fmt.Fprintln(stderr, "Error: --spec and --workers are required")
		return exitUsage
	}

	spec, plan, _, code := compileSpec(specPath, seed, stderr)
	if code != exitOK {
		return code
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	provider, err := observability.New(ctx, &observability.Config{
		ServiceName:  "tiller",
		OTLPEndpoint: cfg.OTLPEndpoint,
		SampleRate:   1.0,
		Enabled:      cfg.Telemetry,
		Insecure:     true,
	})
	if err != nil {
		_, _ = fmt.Fprintf(stderr, "Error: %v\n", err)
		return exitFailure
	}
	defer func() { _ = provider.Shutdown(context.Background()) }()

	kv, closeStore, err := openStore(ctx, cfg)
	if err != nil {
		_, _ = fmt.Fprintf(stderr, "Error: %v\n", err)
		return exitFailure
	}
	defer closeStore()

	invoker, err := buildInvoker(workersPath)
	if err != nil {
		_, _ = fmt.Fprintf(stderr, "Error: %v\n", err)
		return exitFailure
	}

	man, err := loadOrInitMandate(ctx, kv, plan.MissionID, plan.Mandate)
	if err != nil {
		_, _ = fmt.Fprintf(stderr, "Error: %v\n", err)
		return exitFailure
	}

	d, err := dispatch.New(dispatch.Config{
		Invoker:        invoker,
		Store:          kv,
		Broker:         approval.NewMemoryBroker().WithTimeout(cfg.ApprovalTimeout),
		MaxConcurrency: cfg.MaxConcurrency,
		GracePeriod:    cfg.GracePeriod,
	})
	if err != nil {
		_, _ = fmt.Fprintf(stderr, "Error: %v\n", err)
		return exitFailure
	}

	res, err := d.Execute(ctx, dispatch.ExecuteRequest{
		Spec:    spec,
		Plan:    plan,
		Mandate: man,
		RunID:   runID,
	})
	if err != nil {
		_, _ = fmt.Fprintf(stderr, "Error: %v\n", err)
		return exitFailure
	}
	return reportResult(ctx, cfg, res, stdout, stderr)
}

// runResumeCmd implements `tiller resume`. The checkpoint is
// self-contained; only the run ID and worker profile are needed.
func runResumeCmd(args []string, cfg *config.Config, stdout, stderr io.Writer) int {
	cmd := flag.NewFlagSet("resume", flag.ContinueOnError)
	cmd.SetOutput(stderr)

	var (
		runID       string
		workersPath string
	)
	cmd.StringVar(&runID, "run", "", "Run ID to resume (REQUIRED)")
	cmd.StringVar(&workersPath, "workers", "", "Path to the worker profile YAML (REQUIRED)")

	if err := cmd.Parse(args); err != nil {
		return exitUsage
	}
	if runID == "" || workersPath == "" {
		_, _ = fmt.Fprintln(stderr, "Error: --run and --workers are required")
		return exitUsage
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	kv, closeStore, err := openStore(ctx, cfg)
	if err != nil {
		_, _ = fmt.Fprintf(stderr, "Error: %v\n", err)
		return exitFailure
	}
	defer closeStore()

	invoker, err := buildInvoker(workersPath)
	if err != nil {
		_, _ = fmt.Fprintf(stderr, "Error: %v\n", err)
		return exitFailure
	}

	d, err := dispatch.New(dispatch.Config{
		Invoker:        invoker,
		Store:          kv,
		Broker:         approval.NewMemoryBroker().WithTimeout(cfg.ApprovalTimeout),
		MaxConcurrency: cfg.MaxConcurrency,
		GracePeriod:    cfg.GracePeriod,
	})
	if err != nil {
		_, _ = fmt.Fprintf(stderr, "Error: %v\n", err)
		return exitFailure
	}

	// Approvals recorded since the checkpoint live in the stored mandate.
	cp, err := d.LoadCheckpoint(ctx, runID)
	if err != nil {
		_, _ = fmt.Fprintf(stderr, "Error: %v\n", err)
		return exitFailure
	}
	var man *mandate.Mandate
	if snap, err := loadMandate(ctx, kv, cp.MissionID); err == nil {
		man = mandate.FromSnapshot(*snap)
	}

	res, err := d.Resume(ctx, dispatch.ExecuteRequest{RunID: runID, Mandate: man})
	if err != nil {
		_, _ = fmt.Fprintf(stderr, "Error: %v\n", err)
		return exitFailure
	}
	return reportResult(ctx, cfg, res, stdout, stderr)
}

// buildInvoker constructs the script invoker from a worker profile,
// throttled when the profile asks for it.
func buildInvoker(workersPath string) (worker.Invoker, error) {
	profile, err := config.LoadWorkerProfile(workersPath)
	if err != nil {
		return nil, err
	}
	var invoker worker.Invoker = worker.NewScriptInvoker(profile.Agents)
	if profile.RatePerSecond > 0 {
		invoker = worker.NewRateLimitedInvoker(invoker, profile.RatePerSecond, profile.Burst)
	}
	return invoker, nil
}

func mandateKey(missionID string) string {
	return "mandate/" + missionID
}

// loadMandate reads the stored mandate snapshot for a mission.
func loadMandate(ctx context.Context, kv store.KV, missionID string) (*mandate.Snapshot, error) {
	blob, err := kv.Load(ctx, mandateKey(missionID))
	if err != nil {
		return nil, err
	}
	var snap mandate.Snapshot
	if err := json.Unmarshal(blob, &snap); err != nil {
		return nil, fmt.Errorf("decode mandate for %s: %w", missionID, err)
	}
	return &snap, nil
}

// loadOrInitMandate returns the runtime mandate for a run: the stored
// snapshot when one exists (it carries approvals recorded out of band),
// otherwise the plan's snapshot, persisted for later approve commands.
func loadOrInitMandate(ctx context.Context, kv store.KV, missionID string, planSnap *mandate.Snapshot) (*mandate.Mandate, error) {
	if snap, err := loadMandate(ctx, kv, missionID); err == nil {
		return mandate.FromSnapshot(*snap), nil
	}
	if planSnap == nil {
		return nil, nil
	}
	blob, err := json.Marshal(planSnap)
	if err != nil {
		return nil, err
	}
	if err := kv.Save(ctx, mandateKey(missionID), blob); err != nil {
		return nil, err
	}
	return mandate.FromSnapshot(*planSnap), nil
}

// reportResult prints the terminal state, exports evidence, and maps the
// outcome to an exit code.
func reportResult(ctx context.Context, cfg *config.Config, res *dispatch.RunResult, stdout, stderr io.Writer) int {
	_, _ = fmt.Fprintf(stdout, "run %s: %s", res.RunID, res.Status)
	if res.Reason != "" {
		_, _ = fmt.Fprintf(stdout, " (%s)", res.Reason)
	}
	_, _ = fmt.Fprintln(stdout)

	if res.Bundle != nil {
		_, _ = fmt.Fprintf(stdout, "evidence bundle %s (hash %s)\n", res.Bundle.BundleID, res.Bundle.ContentHash[:16])
		if loc, err := exportBundle(ctx, cfg, res.Bundle); err != nil {
			_, _ = fmt.Fprintf(stderr, "Warning: evidence export failed: %v\n", err)
		} else if loc != "" {
			_, _ = fmt.Fprintf(stdout, "exported to %s\n", loc)
		}
	}
	if res.Checkpoint != nil {
		_, _ = fmt.Fprintf(stdout, "checkpoint %s; resume with: tiller resume --run %s\n",
			res.Checkpoint.CheckpointID, res.RunID)
	}

	switch res.Status {
	case dispatch.StatusCompleted:
		return exitOK
	case dispatch.StatusCheckpointed:
		return exitBlocked
	default:
		if res.Failure == dispatch.FailureGateDenied {
			return exitGateDenied
		}
		return exitFailure
	}
}

// exportBundle ships the bundle to the destination the spec's evidence
// section names. An empty destination means the bundle stays in the store.
func exportBundle(ctx context.Context, cfg *config.Config, b *evidence.Bundle) (string, error) {
	dest := ""
	if b.Spec != nil {
		dest = b.Spec.Evidence.Export
	}
	if dest == "" {
		return "", nil
	}

	if strings.HasPrefix(dest, "s3://") {
		bucket := strings.TrimPrefix(dest, "s3://")
		prefix := ""
		if i := strings.IndexByte(bucket, '/'); i >= 0 {
			bucket, prefix = bucket[:i], bucket[i+1:]
		}
		exporter, err := evidence.NewS3Exporter(ctx, evidence.S3Config{
			Bucket:   bucket,
			Region:   cfg.S3Region,
			Endpoint: cfg.S3Endpoint,
			Prefix:   prefix,
		})
		if err != nil {
			return "", err
		}
		return exporter.Export(ctx, b)
	}

	exporter := &evidence.FSExporter{Dir: dest}
	return exporter.Export(ctx, b)
}
