package mission_test

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tillerworks/tiller/pkg/mission"
)

const validYAML = `
schema_version: "1.0.0"
mission_id: m-001
title: Harden auth service
intent: Close the open findings on the auth service
scope:
  - root: repo://auth-service
    ref: main
workflow:
  - step:
      step_name: audit
      agent: iam-compliance
      outputs: [findings]
  - loop:
      name: remediate
      until: all findings closed
      max_iterations: 3
      gates:
        - type: test_pass
          command: "true"
      steps:
        - step_name: fix
          agent: code-review
          inputs:
            findings: "${audit.findings}"
          outputs: [patch]
mandate:
  mandate_id: mandate-001
  budget_limit: 5000
  budget_unit: usd_cents
  max_iterations: 10
  risk_tier: R2
  approval_state: auto
  expiry: 2026-12-31T00:00:00Z
evidence:
  retain: [outputs, gate_results]
`

func TestParseYAML(t *testing.T) {
	spec, err := mission.ParseYAML([]byte(validYAML))
	require.NoError(t, err)

	assert.Equal(t, "m-001", spec.MissionID)
	require.Len(t, spec.Workflow, 2)
	require.NotNil(t, spec.Workflow[0].Step)
	assert.Equal(t, "audit", spec.Workflow[0].Step.StepName)
	require.NotNil(t, spec.Workflow[1].Loop)
	assert.Equal(t, 3, spec.Workflow[1].Loop.MaxIterations)
	require.NotNil(t, spec.Mandate)
	assert.Equal(t, "R2", spec.Mandate.RiskTier)
	assert.Equal(t, int64(5000), spec.Mandate.BudgetLimit)
}

func TestParseYAMLMissingRequired(t *testing.T) {
	_, err := mission.ParseYAML([]byte("title: no mission id\nintent: x\nworkflow: []\n"))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "schema validation failed")
}

func TestParseYAMLRejectsBadRiskTier(t *testing.T) {
	bad := `
mission_id: m-1
title: t
intent: i
workflow:
  - step: {step_name: s, agent: a}
mandate:
  mandate_id: md-1
  risk_tier: R9
`
	_, err := mission.ParseYAML([]byte(bad))
	assert.Error(t, err)
}

func TestParseYAMLRejectsStepAndLoopTogether(t *testing.T) {
	bad := `
mission_id: m-1
title: t
intent: i
workflow:
  - step: {step_name: s, agent: a}
    loop: {name: l, max_iterations: 1, steps: [{step_name: x, agent: a}]}
`
	_, err := mission.ParseYAML([]byte(bad))
	assert.Error(t, err)
}

func TestSchemaVersionOutsideRange(t *testing.T) {
	bad := `
schema_version: "2.0.0"
mission_id: m-1
title: t
intent: i
workflow:
  - step: {step_name: s, agent: a}
`
	_, err := mission.ParseYAML([]byte(bad))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "outside supported range")
}

func TestLoadFromFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "mission.yaml")
	require.NoError(t, os.WriteFile(path, []byte(validYAML), 0o600))

	spec, err := mission.Load(path)
	require.NoError(t, err)
	assert.Equal(t, "m-001", spec.MissionID)
}

func TestContentHashStable(t *testing.T) {
	spec, err := mission.ParseYAML([]byte(validYAML))
	require.NoError(t, err)

	h1, err := spec.ContentHash()
	require.NoError(t, err)
	h2, err := spec.ContentHash()
	require.NoError(t, err)
	assert.Equal(t, h1, h2)
}

func TestParseRefs(t *testing.T) {
	refs := mission.ParseRefs("use ${audit.findings} and ${plan.doc}")
	require.Len(t, refs, 2)
	assert.Equal(t, mission.OutputRef{Step: "audit", Output: "findings"}, refs[0])
	assert.Equal(t, mission.OutputRef{Step: "plan", Output: "doc"}, refs[1])
}

func TestInterpolate(t *testing.T) {
	out := mission.Interpolate("apply ${audit.findings} now", func(ref mission.OutputRef) (string, bool) {
		if ref.Step == "audit" && ref.Output == "findings" {
			return "three findings", true
		}
		return "", false
	})
	assert.Equal(t, "apply three findings now", out)

	// Unresolvable references stay verbatim.
	out = mission.Interpolate("${ghost.value}", func(mission.OutputRef) (string, bool) { return "", false })
	assert.Equal(t, "${ghost.value}", out)
}

func TestMandateSpecToSnapshot(t *testing.T) {
	spec, err := mission.ParseYAML([]byte(validYAML))
	require.NoError(t, err)

	snap, err := spec.Mandate.ToSnapshot()
	require.NoError(t, err)
	assert.Equal(t, "mandate-001", snap.MandateID)
	assert.Equal(t, int64(5000), snap.BudgetLimit)
	assert.False(t, snap.Expiry.IsZero())
}

func TestMandateSpecRejectsDeclaredDecision(t *testing.T) {
	// approved and denied are only reachable through recorded approver
	// decisions; declaring them would wedge the run with a mandate that
	// Approve and Deny refuse to touch.
	for _, state := range []string{"approved", "denied"} {
		m := &mission.MandateSpec{MandateID: "mand-x", RiskTier: "R3", ApprovalState: state}
		_, err := m.ToSnapshot()
		require.Error(t, err, state)
		assert.Contains(t, err.Error(), "cannot be declared")
	}

	for _, state := range []string{"", "auto", "pending"} {
		m := &mission.MandateSpec{MandateID: "mand-x", RiskTier: "R3", ApprovalState: state}
		_, err := m.ToSnapshot()
		require.NoError(t, err, state)
	}
}
