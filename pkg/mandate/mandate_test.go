package mandate_test

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tillerworks/tiller/pkg/mandate"
)

func pendingMandate(tier mandate.RiskTier) *mandate.Mandate {
	return mandate.FromSnapshot(mandate.Snapshot{
		MandateID:     "mandate-1",
		RiskTier:      tier,
		ApprovalState: mandate.ApprovalPending,
		Expiry:        time.Now().Add(time.Hour),
	})
}

func TestApproveReachesApproved(t *testing.T) {
	m := pendingMandate(mandate.RiskR3)

	require.NoError(t, m.Approve("admin"))
	assert.True(t, m.IsApproved())
	assert.Equal(t, "admin", m.Snapshot().ApproverID())
	assert.False(t, m.Snapshot().ApprovalTimestamp().IsZero())
}

func TestApprovalIsMonotonic(t *testing.T) {
	m := pendingMandate(mandate.RiskR3)

	require.NoError(t, m.Approve("admin"))
	assert.ErrorIs(t, m.Approve("other"), mandate.ErrTerminalState)
	assert.ErrorIs(t, m.Deny("other"), mandate.ErrTerminalState)
}

func TestDenyIsIrrevocable(t *testing.T) {
	m := pendingMandate(mandate.RiskR3)

	require.NoError(t, m.Deny("admin"))
	assert.Equal(t, mandate.ApprovalDenied, m.Snapshot().ApprovalState)
	assert.ErrorIs(t, m.Approve("admin"), mandate.ErrTerminalState)
	assert.False(t, m.IsApproved())
}

func TestTwoPersonRuleForR4(t *testing.T) {
	m := pendingMandate(mandate.RiskR4)

	require.NoError(t, m.Approve("alice"))
	assert.False(t, m.IsApproved(), "single approver must not satisfy R4")
	assert.Equal(t, mandate.ApprovalPending, m.Snapshot().ApprovalState)

	assert.ErrorIs(t, m.Approve("alice"), mandate.ErrDuplicateApprover)

	require.NoError(t, m.Approve("bob"))
	assert.True(t, m.IsApproved())
	assert.Len(t, m.Snapshot().Approvals, 2)
}

func TestRequiredApprovals(t *testing.T) {
	assert.Equal(t, 1, pendingMandate(mandate.RiskR3).RequiredApprovals())
	assert.Equal(t, 2, pendingMandate(mandate.RiskR4).RequiredApprovals())
}

func TestExpired(t *testing.T) {
	expiry := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	m := mandate.FromSnapshot(mandate.Snapshot{MandateID: "m", Expiry: expiry})

	assert.False(t, m.Expired(expiry.Add(-time.Second)))
	assert.True(t, m.Expired(expiry))
	assert.True(t, m.Expired(expiry.Add(time.Hour)))
}

func TestRiskTierRank(t *testing.T) {
	assert.True(t, mandate.RiskR3.AtLeast(mandate.RiskR2))
	assert.True(t, mandate.RiskR2.AtLeast(mandate.RiskR2))
	assert.False(t, mandate.RiskR1.AtLeast(mandate.RiskR2))

	_, err := mandate.ParseRiskTier("R9")
	assert.Error(t, err)

	tier, err := mandate.ParseRiskTier("R4")
	require.NoError(t, err)
	assert.Equal(t, mandate.RiskR4, tier)
}

func TestSnapshotIsDeepCopy(t *testing.T) {
	m := mandate.FromSnapshot(mandate.Snapshot{
		MandateID:     "m",
		ToolAllowlist: []string{"git"},
	})
	s := m.Snapshot()
	s.ToolAllowlist[0] = "rm"

	assert.Equal(t, []string{"git"}, m.Snapshot().ToolAllowlist)
}
