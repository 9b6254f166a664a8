// Package mandate defines the authorization envelope a mission runs under:
// budget, risk tier, allow-lists, approval state, and expiry.
//
// Approval decisions are monotonic and irrevocable within a run. A denied
// mandate can never later become approved; issuing a new mandate is the only
// way back. R4 mandates require two distinct approver identities.
package mandate

import (
	"errors"
	"fmt"
	"sync"
	"time"
)

// RiskTier classifies how dangerous a mission is, from R0 (read-only) to
// R4 (two-person-approved financial/critical operations).
type RiskTier string

const (
	RiskR0 RiskTier = "R0"
	RiskR1 RiskTier = "R1"
	RiskR2 RiskTier = "R2"
	RiskR3 RiskTier = "R3"
	RiskR4 RiskTier = "R4"
)

// Rank returns the ordinal of the tier for threshold comparisons.
func (r RiskTier) Rank() int {
	switch r {
	case RiskR0:
		return 0
	case RiskR1:
		return 1
	case RiskR2:
		return 2
	case RiskR3:
		return 3
	case RiskR4:
		return 4
	}
	return -1
}

// AtLeast reports whether r is at or above the given tier.
func (r RiskTier) AtLeast(other RiskTier) bool {
	return r.Rank() >= other.Rank()
}

// ParseRiskTier validates and returns a tier from its string form.
func ParseRiskTier(s string) (RiskTier, error) {
	t := RiskTier(s)
	if t.Rank() < 0 {
		return "", fmt.Errorf("unknown risk tier %q", s)
	}
	return t, nil
}

// ApprovalState is the lifecycle state of a mandate's human sign-off.
type ApprovalState string

const (
	ApprovalAuto     ApprovalState = "auto"
	ApprovalPending  ApprovalState = "pending"
	ApprovalApproved ApprovalState = "approved"
	ApprovalDenied   ApprovalState = "denied"
)

var (
	// ErrTerminalState is returned when approving or denying a mandate
	// that has already reached approved or denied.
	ErrTerminalState = errors.New("mandate approval state is terminal")

	// ErrDuplicateApprover is returned when the same identity attempts to
	// supply a second approval toward a two-person quorum.
	ErrDuplicateApprover = errors.New("second approval requires a distinct approver")
)

// Approval records one approver decision.
type Approval struct {
	ApproverID string    `json:"approver_id"`
	Timestamp  time.Time `json:"timestamp"`
}

// Snapshot is the plain, immutable value form of a mandate, embedded in
// execution plans, checkpoints, and evidence bundles.
type Snapshot struct {
	MandateID             string        `json:"mandate_id"`
	Intent                string        `json:"intent"`
	BudgetLimit           int64         `json:"budget_limit"`
	BudgetUnit            string        `json:"budget_unit"`
	MaxIterations         int           `json:"max_iterations"`
	AuthorizedSpecialists []string      `json:"authorized_specialists,omitempty"`
	ToolAllowlist         []string      `json:"tool_allowlist,omitempty"`
	RiskTier              RiskTier      `json:"risk_tier"`
	DataClassification    string        `json:"data_classification,omitempty"`
	ApprovalState         ApprovalState `json:"approval_state"`
	Approvals             []Approval    `json:"approvals,omitempty"`
	Expiry                time.Time     `json:"expiry"`
}

// ApproverID returns the identity of the first recorded approver, or "".
func (s Snapshot) ApproverID() string {
	if len(s.Approvals) == 0 {
		return ""
	}
	return s.Approvals[0].ApproverID
}

// ApprovalTimestamp returns the time of the first recorded approval.
func (s Snapshot) ApprovalTimestamp() time.Time {
	if len(s.Approvals) == 0 {
		return time.Time{}
	}
	return s.Approvals[0].Timestamp
}

// Mandate is the mutable runtime form. It is read-mostly during dispatch;
// the only legal mutators are Approve and Deny.
type Mandate struct {
	mu    sync.Mutex
	snap  Snapshot
	clock func() time.Time
}

// FromSnapshot builds a runtime mandate from its value form.
func FromSnapshot(s Snapshot) *Mandate {
	if s.ApprovalState == "" {
		s.ApprovalState = ApprovalAuto
	}
	return &Mandate{snap: s, clock: time.Now}
}

// WithClock overrides the clock for deterministic testing.
func (m *Mandate) WithClock(clock func() time.Time) *Mandate {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.clock = clock
	return m
}

// Snapshot returns a deep copy of the mandate's current value form.
func (m *Mandate) Snapshot() Snapshot {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.copySnapshotLocked()
}

func (m *Mandate) copySnapshotLocked() Snapshot {
	s := m.snap
	s.AuthorizedSpecialists = append([]string(nil), m.snap.AuthorizedSpecialists...)
	s.ToolAllowlist = append([]string(nil), m.snap.ToolAllowlist...)
	s.Approvals = append([]Approval(nil), m.snap.Approvals...)
	return s
}

// RequiredApprovals returns the approval quorum for the mandate's tier:
// two distinct approvers for R4, one otherwise.
func (m *Mandate) RequiredApprovals() int {
	if m.Snapshot().RiskTier == RiskR4 {
		return 2
	}
	return 1
}

// Approve records an approval by approverID. The state becomes approved
// once the quorum for the mandate's tier is met. A second approval from
// the same identity is refused; a terminal mandate returns ErrTerminalState.
func (m *Mandate) Approve(approverID string) error {
	if approverID == "" {
		return errors.New("approver ID must not be empty")
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	switch m.snap.ApprovalState {
	case ApprovalApproved, ApprovalDenied:
		return fmt.Errorf("cannot approve mandate %s: %w", m.snap.MandateID, ErrTerminalState)
	}
	for _, a := range m.snap.Approvals {
		if a.ApproverID == approverID {
			return fmt.Errorf("approver %q: %w", approverID, ErrDuplicateApprover)
		}
	}

	m.snap.Approvals = append(m.snap.Approvals, Approval{
		ApproverID: approverID,
		Timestamp:  m.clock().UTC(),
	})

	quorum := 1
	if m.snap.RiskTier == RiskR4 {
		quorum = 2
	}
	if len(m.snap.Approvals) >= quorum {
		m.snap.ApprovalState = ApprovalApproved
	} else {
		m.snap.ApprovalState = ApprovalPending
	}
	return nil
}

// Deny records a denial by approverID. Denial is terminal regardless of any
// approvals already recorded toward a quorum.
func (m *Mandate) Deny(approverID string) error {
	if approverID == "" {
		return errors.New("approver ID must not be empty")
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	switch m.snap.ApprovalState {
	case ApprovalApproved, ApprovalDenied:
		return fmt.Errorf("cannot deny mandate %s: %w", m.snap.MandateID, ErrTerminalState)
	}
	m.snap.Approvals = append(m.snap.Approvals, Approval{
		ApproverID: approverID,
		Timestamp:  m.clock().UTC(),
	})
	m.snap.ApprovalState = ApprovalDenied
	return nil
}

// IsApproved reports whether the mandate has reached the approved state
// with its full quorum recorded.
func (m *Mandate) IsApproved() bool {
	s := m.Snapshot()
	if s.ApprovalState != ApprovalApproved {
		return false
	}
	quorum := 1
	if s.RiskTier == RiskR4 {
		quorum = 2
	}
	return len(distinctApprovers(s.Approvals)) >= quorum
}

// Expired reports whether the mandate has passed its expiry at the given
// instant. Expiry terminates authority regardless of remaining budget.
func (m *Mandate) Expired(now time.Time) bool {
	s := m.Snapshot()
	return !s.Expiry.IsZero() && !now.Before(s.Expiry)
}

func distinctApprovers(approvals []Approval) []string {
	seen := make(map[string]struct{}, len(approvals))
	var out []string
	for _, a := range approvals {
		if _, ok := seen[a.ApproverID]; ok {
			continue
		}
		seen[a.ApproverID] = struct{}{}
		out = append(out, a.ApproverID)
	}
	return out
}
