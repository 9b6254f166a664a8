package main

import (
	"bytes"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const validSpecYAML = `
schema_version: "1.0.0"
mission_id: m-cli
title: CLI test mission
intent: exercise the CLI end to end
workflow:
  - step:
      step_name: audit
      agent: test-runner
      outputs: [stdout]
`

const invalidSpecYAML = `
schema_version: "1.0.0"
mission_id: m-bad
title: broken mission
intent: forward reference
workflow:
  - step:
      step_name: first
      agent: test-runner
      depends_on: [second]
  - step:
      step_name: second
      agent: test-runner
`

const workersYAML = `
name: test
agents:
  test-runner: ["echo", "ok"]
`

func writeFile(t *testing.T, dir, name, content string) string {
	t.Helper()
	path := filepath.Join(dir, name)
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

func runCLI(t *testing.T, args ...string) (int, string, string) {
	t.Helper()
	var stdout, stderr bytes.Buffer
	code := Run(append([]string{"tiller"}, args...), &stdout, &stderr)
	return code, stdout.String(), stderr.String()
}

func useTempStore(t *testing.T) {
	t.Helper()
	t.Setenv("TILLER_STORE_DRIVER", "sqlite")
	t.Setenv("TILLER_STORE_PATH", filepath.Join(t.TempDir(), "tiller.db"))
}

func TestRunNoArgsPrintsUsage(t *testing.T) {
	code, _, stderr := runCLI(t)
	assert.Equal(t, exitUsage, code)
	assert.Contains(t, stderr, "Usage")
}

func TestUnknownCommand(t *testing.T) {
	code, _, stderr := runCLI(t, "frobnicate")
	assert.Equal(t, exitUsage, code)
	assert.Contains(t, stderr, "unknown command")
}

func TestValidateAcceptsValidSpec(t *testing.T) {
	spec := writeFile(t, t.TempDir(), "mission.yaml", validSpecYAML)
	code, stdout, _ := runCLI(t, "validate", "--spec", spec)
	assert.Equal(t, exitOK, code)
	assert.Contains(t, stdout, "m-cli is valid")
}

func TestValidateRejectsForwardReference(t *testing.T) {
	spec := writeFile(t, t.TempDir(), "mission.yaml", invalidSpecYAML)
	code, _, stderr := runCLI(t, "validate", "--spec", spec)
	assert.Equal(t, exitInvalidSpec, code)
	assert.Contains(t, stderr, "violation")
}

func TestValidateRequiresSpecFlag(t *testing.T) {
	code, _, stderr := runCLI(t, "validate")
	assert.Equal(t, exitUsage, code)
	assert.Contains(t, stderr, "--spec is required")
}

func TestCompileIsDeterministic(t *testing.T) {
	spec := writeFile(t, t.TempDir(), "mission.yaml", validSpecYAML)

	code, first, _ := runCLI(t, "compile", "--spec", spec, "--seed", "s1")
	require.Equal(t, exitOK, code)
	code, second, _ := runCLI(t, "compile", "--spec", spec, "--seed", "s1")
	require.Equal(t, exitOK, code)
	assert.Equal(t, first, second)
	assert.Contains(t, first, "content hash")
}

func TestCompileJSONOutput(t *testing.T) {
	spec := writeFile(t, t.TempDir(), "mission.yaml", validSpecYAML)
	code, stdout, _ := runCLI(t, "compile", "--spec", spec, "--json")
	assert.Equal(t, exitOK, code)
	assert.Contains(t, stdout, `"execution_order"`)
}

func TestDryRunPassesAtR0(t *testing.T) {
	spec := writeFile(t, t.TempDir(), "mission.yaml", validSpecYAML)
	code, stdout, _ := runCLI(t, "dry-run", "--spec", spec)
	assert.Equal(t, exitOK, code)
	assert.Contains(t, stdout, "pass preflight")
}

func TestDryRunDeniesR2WithoutMandate(t *testing.T) {
	spec := writeFile(t, t.TempDir(), "mission.yaml", `
schema_version: "1.0.0"
mission_id: m-risky
title: risky mission
intent: attempt a gated change
workflow:
  - step:
      step_name: rotate
      agent: iam-compliance
      risk_tier: R2
`)
	code, stdout, _ := runCLI(t, "dry-run", "--spec", spec)
	assert.Equal(t, exitGateDenied, code)
	assert.Contains(t, stdout, "DENY")
}

func TestRunExecutesToCompletion(t *testing.T) {
	useTempStore(t)
	dir := t.TempDir()
	spec := writeFile(t, dir, "mission.yaml", validSpecYAML)
	workers := writeFile(t, dir, "workers.yaml", workersYAML)

	code, stdout, stderr := runCLI(t, "run", "--spec", spec, "--workers", workers, "--run-id", "run-cli-1")
	assert.Equal(t, exitOK, code, "stderr: %s", stderr)
	assert.Contains(t, stdout, "COMPLETED")
	assert.Contains(t, stdout, "evidence bundle")
}

func TestRunGateDenialExitsGateDenied(t *testing.T) {
	useTempStore(t)
	dir := t.TempDir()
	spec := writeFile(t, dir, "mission.yaml", `
schema_version: "1.0.0"
mission_id: m-toolgate
title: tool-gated mission
intent: use a tool outside the allow-list
workflow:
  - step:
      step_name: patch
      agent: test-runner
      tools: [shell]
mandate:
  mandate_id: mand-tools
  risk_tier: R1
  tool_allowlist: [read]
  expiry: 2099-01-01T00:00:00Z
`)
	workers := writeFile(t, dir, "workers.yaml", workersYAML)

	code, stdout, _ := runCLI(t, "run", "--spec", spec, "--workers", workers, "--run-id", "run-toolgate")
	assert.Equal(t, exitGateDenied, code)
	assert.Contains(t, stdout, "FAILED")
}

func TestRunRequiresWorkers(t *testing.T) {
	spec := writeFile(t, t.TempDir(), "mission.yaml", validSpecYAML)
	code, _, stderr := runCLI(t, "run", "--spec", spec)
	assert.Equal(t, exitUsage, code)
	assert.Contains(t, stderr, "--workers")
}

func TestApproveThenRunGatedMission(t *testing.T) {
	useTempStore(t)
	dir := t.TempDir()
	spec := writeFile(t, dir, "mission.yaml", `
schema_version: "1.0.0"
mission_id: m-gated
title: gated mission
intent: deploy with sign-off
workflow:
  - step:
      step_name: deploy
      agent: release-eng
mandate:
  mandate_id: mand-cli
  risk_tier: R3
  budget_limit: 100
  budget_unit: usd
  approval_state: pending
  expiry: 2099-01-01T00:00:00Z
`)
	workers := writeFile(t, dir, "workers.yaml", `
name: test
agents:
  release-eng: ["echo", "deployed"]
`)

	// Unapproved: the run checkpoints awaiting sign-off.
	code, stdout, _ := runCLI(t, "run", "--spec", spec, "--workers", workers, "--run-id", "run-gated")
	assert.Equal(t, exitBlocked, code)
	assert.Contains(t, stdout, "awaiting_approval")

	// One approval meets the R3 quorum.
	code, stdout, _ = runCLI(t, "approve", "--mission", "m-gated", "--approver", "ops-lead")
	require.Equal(t, exitOK, code)
	assert.Contains(t, stdout, "approved")

	code, stdout, stderr := runCLI(t, "resume", "--run", "run-gated", "--workers", workers)
	assert.Equal(t, exitOK, code, "stderr: %s", stderr)
	assert.Contains(t, stdout, "COMPLETED")
}

func TestApproveDenyIsTerminal(t *testing.T) {
	useTempStore(t)
	dir := t.TempDir()
	spec := writeFile(t, dir, "mission.yaml", `
schema_version: "1.0.0"
mission_id: m-denied
title: denied mission
intent: deploy with sign-off
workflow:
  - step:
      step_name: deploy
      agent: release-eng
mandate:
  mandate_id: mand-deny
  risk_tier: R3
  approval_state: pending
  expiry: 2099-01-01T00:00:00Z
`)

	code, stdout, _ := runCLI(t, "approve", "--mission", "m-denied", "--approver", "ops-lead", "--deny", "--spec", spec)
	require.Equal(t, exitOK, code)
	assert.Contains(t, stdout, "denied")

	// A second decision on a terminal mandate is refused.
	code, _, stderr := runCLI(t, "approve", "--mission", "m-denied", "--approver", "other")
	assert.Equal(t, exitFailure, code)
	assert.Contains(t, stderr, "terminal")
}
