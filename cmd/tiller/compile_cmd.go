package main

import (
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"

	"github.com/tillerworks/tiller/pkg/compiler"
	"github.com/tillerworks/tiller/pkg/gates"
	"github.com/tillerworks/tiller/pkg/mandate"
	"github.com/tillerworks/tiller/pkg/mission"
)

// runCompileCmd implements `tiller compile`.
//
// Exit codes:
//
//	0 = plan compiled
//	2 = usage error
//	3 = spec failed validation or compilation
func runCompileCmd(args []string, stdout, stderr io.Writer) int {
	cmd := flag.NewFlagSet("compile", flag.ContinueOnError)
	cmd.SetOutput(stderr)

	var (
		specPath   string
		seed       string
		jsonOutput bool
	)
	cmd.StringVar(&specPath, "spec", "", "Path to the mission spec (REQUIRED)")
	cmd.StringVar(&seed, "seed", "", "Compilation seed; the same spec and seed always produce the same plan")
	cmd.BoolVar(&jsonOutput, "json", false, "Emit the full plan as JSON")

	if err := cmd.Parse(args); err != nil {
		return exitUsage
	}
	if specPath == "" {
		_, _ = fmt.Fprintln(stderr, "Error: --spec is required")
		return exitUsage
	}

	_, plan, req, code := compileSpec(specPath, seed, stderr)
	if code != exitOK {
		return code
	}

	if jsonOutput {
		data, err := json.MarshalIndent(plan, "", "  ")
		if err != nil {
			_, _ = fmt.Fprintf(stderr, "Error: %v\n", err)
			return exitFailure
		}
		_, _ = fmt.Fprintln(stdout, string(data))
		return exitOK
	}

	_, _ = fmt.Fprintf(stdout, "plan %s for mission %s\n", plan.PlanID, plan.MissionID)
	_, _ = fmt.Fprintf(stdout, "  content hash: %s\n", plan.ContentHash)
	_, _ = fmt.Fprintf(stdout, "  tasks: %d  entry tasks: %d\n", req.TaskCount, len(req.EntryTasks))
	for _, id := range plan.ExecutionOrder {
		t := plan.TaskByID(id)
		label := t.StepName
		if t.LoopName != "" {
			label = fmt.Sprintf("%s (loop %s, iteration %d)", t.StepName, t.LoopName, t.Iteration)
		}
		_, _ = fmt.Fprintf(stdout, "  %s  %s -> %s\n", id, label, t.Agent)
	}
	return exitOK
}

// compileSpec loads and compiles a spec, printing violations in full.
func compileSpec(specPath, seed string, stderr io.Writer) (*mission.MissionSpec, *compiler.ExecutionPlan, *compiler.PipelineRequest, int) {
	spec, err := mission.Load(specPath)
	if err != nil {
		_, _ = fmt.Fprintf(stderr, "Error: %v\n", err)
		return nil, nil, nil, exitInvalidSpec
	}

	plan, req, err := compiler.Compile(spec, seed)
	if err != nil {
		var verrs compiler.ValidationErrors
		if errors.As(err, &verrs) {
			_, _ = fmt.Fprintf(stderr, "%d violation(s):\n", len(verrs))
			for _, v := range verrs {
				_, _ = fmt.Fprintf(stderr, "  - %s\n", v.Error())
			}
			return nil, nil, nil, exitInvalidSpec
		}
		_, _ = fmt.Fprintf(stderr, "Error: %v\n", err)
		return nil, nil, nil, exitInvalidSpec
	}
	return spec, plan, req, exitOK
}

// runDryRunCmd implements `tiller dry-run`: compile, then preflight every
// task against the mandate without invoking a single worker.
func runDryRunCmd(args []string, stdout, stderr io.Writer) int {
	cmd := flag.NewFlagSet("dry-run", flag.ContinueOnError)
	cmd.SetOutput(stderr)

	var (
		specPath string
		seed     string
	)
	cmd.StringVar(&specPath, "spec", "", "Path to the mission spec (REQUIRED)")
	cmd.StringVar(&seed, "seed", "", "Compilation seed")

	if err := cmd.Parse(args); err != nil {
		return exitUsage
	}
	if specPath == "" {
		_, _ = fmt.Fprintln(stderr, "Error: --spec is required")
		return exitUsage
	}

	_, plan, _, code := compileSpec(specPath, seed, stderr)
	if code != exitOK {
		return code
	}

	var man *mandate.Mandate
	if plan.Mandate != nil {
		man = mandate.FromSnapshot(*plan.Mandate)
	}
	var ledger *mandate.BudgetLedger
	if plan.Mandate != nil {
		ledger = mandate.NewLedger(plan.Mandate.BudgetLimit, plan.Mandate.BudgetUnit)
	}

	engine := gates.NewEngine()
	denied := false
	for _, id := range plan.ExecutionOrder {
		t := plan.TaskByID(id)
		tier := mandate.RiskR0
		if t.RiskTier != "" {
			tier, _ = mandate.ParseRiskTier(t.RiskTier)
		} else if plan.Mandate != nil {
			tier = plan.Mandate.RiskTier
		}
		results := engine.Preflight(gates.Request{
			TaskID:     t.TaskID,
			Specialist: t.Agent,
			RiskTier:   tier,
			Tools:      t.Tools,
		}, man, ledger)

		if gates.AllPassed(results) {
			_, _ = fmt.Fprintf(stdout, "  PASS  %s  %s\n", id, t.StepName)
			continue
		}
		denied = true
		for _, r := range gates.Blocking(results) {
			_, _ = fmt.Fprintf(stdout, "  DENY  %s  %s: %s\n", id, r.GateName, r.Reason)
		}
	}

	if denied {
		_, _ = fmt.Fprintln(stdout, "dry run: one or more tasks would be denied")
		return exitGateDenied
	}
	_, _ = fmt.Fprintf(stdout, "dry run: all %d tasks pass preflight\n", len(plan.Tasks))
	return exitOK
}
