package gates_test

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tillerworks/tiller/pkg/gates"
	"github.com/tillerworks/tiller/pkg/mandate"
)

func approvedMandate(t *testing.T, tier mandate.RiskTier) *mandate.Mandate {
	t.Helper()
	m := mandate.FromSnapshot(mandate.Snapshot{
		MandateID:     "mandate-1",
		RiskTier:      tier,
		ApprovalState: mandate.ApprovalPending,
		Expiry:        time.Now().Add(time.Hour),
	})
	require.NoError(t, m.Approve("alice"))
	if tier == mandate.RiskR4 {
		require.NoError(t, m.Approve("bob"))
	}
	return m
}

func resultFor(t *testing.T, results []gates.GateResult, name string) gates.GateResult {
	t.Helper()
	for _, r := range results {
		if r.GateName == name {
			return r
		}
	}
	t.Fatalf("no result for gate %s", name)
	return gates.GateResult{}
}

func TestLowTiersAllowedWithoutMandate(t *testing.T) {
	e := gates.NewEngine()

	for _, tier := range []mandate.RiskTier{mandate.RiskR0, mandate.RiskR1} {
		results := e.Preflight(gates.Request{RiskTier: tier}, nil, nil)
		assert.True(t, gates.AllPassed(results), "tier %s should pass with no mandate", tier)
	}
}

func TestFailClosedAtR2WithoutMandate(t *testing.T) {
	e := gates.NewEngine()

	for _, tier := range []mandate.RiskTier{mandate.RiskR2, mandate.RiskR3, mandate.RiskR4} {
		results := e.Preflight(gates.Request{RiskTier: tier}, nil, nil)
		assert.False(t, gates.AllPassed(results), "tier %s must fail closed", tier)

		r := resultFor(t, results, gates.GateMandateRequired)
		assert.False(t, r.Allowed)
		assert.Equal(t, gates.BlockingMandate, r.BlockingRequirement)
	}
}

func TestApprovalRequiredAtR3(t *testing.T) {
	e := gates.NewEngine()
	m := mandate.FromSnapshot(mandate.Snapshot{
		MandateID:     "mandate-1",
		RiskTier:      mandate.RiskR3,
		ApprovalState: mandate.ApprovalPending,
		Expiry:        time.Now().Add(time.Hour),
	})

	results := e.Preflight(gates.Request{RiskTier: mandate.RiskR3}, m, nil)
	r := resultFor(t, results, gates.GateApprovalRequired)
	assert.False(t, r.Allowed)
	assert.Equal(t, gates.BlockingApprovalPending, r.BlockingRequirement)

	require.NoError(t, m.Approve("admin"))
	results = e.Preflight(gates.Request{RiskTier: mandate.RiskR3}, m, nil)
	assert.True(t, gates.AllPassed(results))
}

func TestDeniedMandateIsNotPending(t *testing.T) {
	e := gates.NewEngine()
	m := mandate.FromSnapshot(mandate.Snapshot{
		MandateID:     "mandate-1",
		RiskTier:      mandate.RiskR3,
		ApprovalState: mandate.ApprovalPending,
		Expiry:        time.Now().Add(time.Hour),
	})
	require.NoError(t, m.Deny("admin"))

	results := e.Preflight(gates.Request{RiskTier: mandate.RiskR3}, m, nil)
	r := resultFor(t, results, gates.GateApprovalRequired)
	assert.False(t, r.Allowed)
	assert.Equal(t, gates.BlockingApprovalDenied, r.BlockingRequirement)
}

func TestTwoPersonRuleAtR4(t *testing.T) {
	e := gates.NewEngine()
	m := mandate.FromSnapshot(mandate.Snapshot{
		MandateID:     "mandate-1",
		RiskTier:      mandate.RiskR4,
		ApprovalState: mandate.ApprovalPending,
		Expiry:        time.Now().Add(time.Hour),
	})
	require.NoError(t, m.Approve("alice"))

	results := e.Preflight(gates.Request{RiskTier: mandate.RiskR4}, m, nil)
	r := resultFor(t, results, gates.GateApprovalRequired)
	assert.False(t, r.Allowed, "single approver must not satisfy R4")

	require.NoError(t, m.Approve("bob"))
	results = e.Preflight(gates.Request{RiskTier: mandate.RiskR4}, m, nil)
	assert.True(t, gates.AllPassed(results))
}

func TestToolAllowlist(t *testing.T) {
	e := gates.NewEngine()
	m := approvedMandate(t, mandate.RiskR2)
	s := m.Snapshot()
	s.ToolAllowlist = []string{"git", "terraform"}
	m = mandate.FromSnapshot(s)

	results := e.Preflight(gates.Request{
		RiskTier: mandate.RiskR2,
		Tools:    []string{"git", "rm"},
	}, m, nil)
	r := resultFor(t, results, gates.GateToolAllowed)
	assert.False(t, r.Allowed)
	assert.Contains(t, r.Reason, `"rm"`)

	results = e.Preflight(gates.Request{
		RiskTier: mandate.RiskR2,
		Tools:    []string{"git"},
	}, m, nil)
	assert.True(t, resultFor(t, results, gates.GateToolAllowed).Allowed)
}

func TestEmptyAllowlistsAreUnrestricted(t *testing.T) {
	e := gates.NewEngine()
	m := approvedMandate(t, mandate.RiskR2)

	results := e.Preflight(gates.Request{
		RiskTier:   mandate.RiskR2,
		Specialist: "anyone",
		Tools:      []string{"anything"},
	}, m, nil)
	assert.True(t, resultFor(t, results, gates.GateToolAllowed).Allowed)
	assert.True(t, resultFor(t, results, gates.GateSpecialistAuthorized).Allowed)
}

func TestSpecialistAllowlist(t *testing.T) {
	e := gates.NewEngine()
	m := approvedMandate(t, mandate.RiskR2)
	s := m.Snapshot()
	s.AuthorizedSpecialists = []string{"code-review"}
	m = mandate.FromSnapshot(s)

	results := e.Preflight(gates.Request{
		RiskTier:   mandate.RiskR2,
		Specialist: "test-runner",
	}, m, nil)
	r := resultFor(t, results, gates.GateSpecialistAuthorized)
	assert.False(t, r.Allowed)
	assert.Equal(t, gates.BlockingSpecialist, r.BlockingRequirement)
}

func TestBudgetGate(t *testing.T) {
	e := gates.NewEngine().WithCostFn(func(gates.Request) int64 { return 30 })
	m := approvedMandate(t, mandate.RiskR2)
	s := m.Snapshot()
	s.BudgetLimit = 100
	m = mandate.FromSnapshot(s)

	ledger := mandate.NewLedger(100, "usd_cents")
	ledger.Debit("task-1", 80)

	results := e.Preflight(gates.Request{RiskTier: mandate.RiskR2}, m, ledger)
	r := resultFor(t, results, gates.GateBudget)
	assert.False(t, r.Allowed)
	assert.Equal(t, gates.BlockingBudget, r.BlockingRequirement)
}

func TestUnknownCostTreatedAsZero(t *testing.T) {
	e := gates.NewEngine() // default cost fn returns 0
	m := approvedMandate(t, mandate.RiskR2)
	s := m.Snapshot()
	s.BudgetLimit = 100
	m = mandate.FromSnapshot(s)

	ledger := mandate.NewLedger(100, "usd_cents")
	ledger.Debit("task-1", 100)

	// At the exact limit with a zero estimate the gate still passes;
	// the next actual debit will push spend over and block the wave after.
	results := e.Preflight(gates.Request{RiskTier: mandate.RiskR2}, m, ledger)
	assert.True(t, resultFor(t, results, gates.GateBudget).Allowed)
}

func TestIterationCeiling(t *testing.T) {
	e := gates.NewEngine()
	m := approvedMandate(t, mandate.RiskR2)
	s := m.Snapshot()
	s.MaxIterations = 3
	m = mandate.FromSnapshot(s)

	results := e.Preflight(gates.Request{RiskTier: mandate.RiskR2, Iteration: 2}, m, nil)
	assert.True(t, resultFor(t, results, gates.GateIteration).Allowed)

	results = e.Preflight(gates.Request{RiskTier: mandate.RiskR2, Iteration: 3}, m, nil)
	r := resultFor(t, results, gates.GateIteration)
	assert.False(t, r.Allowed)
	assert.Equal(t, gates.BlockingIteration, r.BlockingRequirement)
}

func TestExpiryGate(t *testing.T) {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	e := gates.NewEngine().WithClock(func() time.Time { return now })

	m := mandate.FromSnapshot(mandate.Snapshot{
		MandateID: "mandate-1",
		RiskTier:  mandate.RiskR1,
		Expiry:    now.Add(-time.Minute),
	})
	results := e.Preflight(gates.Request{RiskTier: mandate.RiskR1}, m, nil)
	r := resultFor(t, results, gates.GateExpiry)
	assert.False(t, r.Allowed)
	assert.Equal(t, gates.BlockingExpiry, r.BlockingRequirement)
}

func TestBlockingHelpers(t *testing.T) {
	e := gates.NewEngine()
	results := e.Preflight(gates.Request{RiskTier: mandate.RiskR3}, nil, nil)

	assert.False(t, gates.AllPassed(results))
	blocking := gates.Blocking(results)
	require.NotEmpty(t, blocking)
	for _, b := range blocking {
		assert.False(t, b.Allowed)
	}
}
