// Package gates implements the mandate and policy gate engine: the layered
// preflight checks that decide whether a task may be dispatched.
//
// Every check is a pure function over the mandate plus a ledger snapshot.
// The checks are ANDed; the default posture for any tier at or above R2
// with no mandate present is deny. Fail-closed is the central safety
// invariant of this engine.
package gates

import (
	"fmt"
	"time"

	"github.com/tillerworks/tiller/pkg/mandate"
)

// Gate names, one per independent check.
const (
	GateMandateRequired      = "mandate-required"
	GateApprovalRequired     = "approval-required"
	GateToolAllowed          = "tool-allowed"
	GateSpecialistAuthorized = "specialist-authorized"
	GateBudget               = "budget"
	GateIteration            = "iteration"
	GateExpiry               = "expiry"
)

// Blocking requirement markers carried on a denying GateResult. The
// dispatcher uses these to tell a checkpoint-and-wait condition apart from
// a hard denial.
const (
	BlockingMandate         = "mandate"
	BlockingApprovalPending = "approval-pending"
	BlockingApprovalDenied  = "approval-denied"
	BlockingTool            = "tool"
	BlockingSpecialist      = "specialist"
	BlockingBudget          = "budget"
	BlockingIteration       = "iteration"
	BlockingExpiry          = "expiry"
)

// GateResult is the outcome of one preflight check.
type GateResult struct {
	GateName            string          `json:"gate_name"`
	Allowed             bool            `json:"allowed"`
	Reason              string          `json:"reason"`
	RiskTier            mandate.RiskTier `json:"risk_tier"`
	BlockingRequirement string          `json:"blocking_requirement,omitempty"`
}

// Request describes the operation being preflighted.
type Request struct {
	TaskID        string
	Specialist    string // canonical worker ID
	RiskTier      mandate.RiskTier
	Tools         []string
	EstimatedCost int64 // ignored when a CostFn is configured
	Iteration     int   // global iteration count so far
}

// CostFn estimates the cost of a request before dispatch. When the cost is
// unknown it must return zero; the actual cost is debited post-hoc.
type CostFn func(req Request) int64

// Engine evaluates preflight checks. Stateless apart from its clock and
// cost function; safe for concurrent use.
type Engine struct {
	costFn CostFn
	clock  func() time.Time
}

// NewEngine creates a gate engine with a zero-cost estimator.
func NewEngine() *Engine {
	return &Engine{
		costFn: func(Request) int64 { return 0 },
		clock:  time.Now,
	}
}

// WithCostFn sets the pluggable cost estimator.
func (e *Engine) WithCostFn(fn CostFn) *Engine {
	if fn != nil {
		e.costFn = fn
	}
	return e
}

// WithClock overrides the clock for deterministic testing.
func (e *Engine) WithClock(clock func() time.Time) *Engine {
	e.clock = clock
	return e
}

// Preflight runs every check against the request. m may be nil (no mandate
// issued); ledger may be nil (no budget tracking). The result slice always
// contains one entry per gate, in a fixed order.
func (e *Engine) Preflight(req Request, m *mandate.Mandate, ledger *mandate.BudgetLedger) []GateResult {
	var snap *mandate.Snapshot
	if m != nil {
		s := m.Snapshot()
		snap = &s
	}

	estimated := req.EstimatedCost
	if e.costFn != nil {
		estimated = e.costFn(req)
	}

	return []GateResult{
		checkMandateRequired(req, snap),
		e.checkApprovalRequired(req, m, snap),
		checkToolAllowed(req, snap),
		checkSpecialistAuthorized(req, snap),
		checkBudget(req, snap, ledger, estimated),
		checkIteration(req, snap),
		e.checkExpiry(req, snap),
	}
}

// AllPassed reports whether every gate allowed the request.
func AllPassed(results []GateResult) bool {
	for _, r := range results {
		if !r.Allowed {
			return false
		}
	}
	return true
}

// Blocking returns the subset of results that denied the request.
func Blocking(results []GateResult) []GateResult {
	var out []GateResult
	for _, r := range results {
		if !r.Allowed {
			out = append(out, r)
		}
	}
	return out
}

func allow(gate string, tier mandate.RiskTier, reason string) GateResult {
	return GateResult{GateName: gate, Allowed: true, Reason: reason, RiskTier: tier}
}

func deny(gate string, tier mandate.RiskTier, reason, blocking string) GateResult {
	return GateResult{
		GateName:            gate,
		Allowed:             false,
		Reason:              reason,
		RiskTier:            tier,
		BlockingRequirement: blocking,
	}
}

func checkMandateRequired(req Request, snap *mandate.Snapshot) GateResult {
	if !req.RiskTier.AtLeast(mandate.RiskR2) {
		return allow(GateMandateRequired, req.RiskTier, "tier below R2 requires no mandate")
	}
	if snap == nil {
		return deny(GateMandateRequired, req.RiskTier,
			fmt.Sprintf("tier %s requires a mandate and none is present", req.RiskTier),
			BlockingMandate)
	}
	return allow(GateMandateRequired, req.RiskTier, "mandate present")
}

func (e *Engine) checkApprovalRequired(req Request, m *mandate.Mandate, snap *mandate.Snapshot) GateResult {
	if !req.RiskTier.AtLeast(mandate.RiskR3) {
		return allow(GateApprovalRequired, req.RiskTier, "tier below R3 requires no approval")
	}
	if snap == nil {
		return deny(GateApprovalRequired, req.RiskTier,
			"approval required but no mandate is present", BlockingApprovalPending)
	}
	if snap.ApprovalState == mandate.ApprovalDenied {
		return deny(GateApprovalRequired, req.RiskTier,
			"mandate was denied; a new mandate must be issued", BlockingApprovalDenied)
	}
	if m != nil && m.IsApproved() {
		return allow(GateApprovalRequired, req.RiskTier,
			fmt.Sprintf("approved by %d approver(s)", len(snap.Approvals)))
	}
	reason := "approval has not been granted"
	if req.RiskTier == mandate.RiskR4 {
		reason = "R4 requires two distinct approver identities"
	}
	return deny(GateApprovalRequired, req.RiskTier, reason, BlockingApprovalPending)
}

func checkToolAllowed(req Request, snap *mandate.Snapshot) GateResult {
	if snap == nil || len(snap.ToolAllowlist) == 0 {
		return allow(GateToolAllowed, req.RiskTier, "no tool allow-list; all tools permitted")
	}
	allowed := make(map[string]struct{}, len(snap.ToolAllowlist))
	for _, tool := range snap.ToolAllowlist {
		allowed[tool] = struct{}{}
	}
	for _, tool := range req.Tools {
		if _, ok := allowed[tool]; !ok {
			return deny(GateToolAllowed, req.RiskTier,
				fmt.Sprintf("tool %q is not in the mandate allow-list", tool), BlockingTool)
		}
	}
	return allow(GateToolAllowed, req.RiskTier, "all requested tools permitted")
}

func checkSpecialistAuthorized(req Request, snap *mandate.Snapshot) GateResult {
	if snap == nil || len(snap.AuthorizedSpecialists) == 0 {
		return allow(GateSpecialistAuthorized, req.RiskTier, "no specialist allow-list; all workers permitted")
	}
	for _, s := range snap.AuthorizedSpecialists {
		if s == req.Specialist {
			return allow(GateSpecialistAuthorized, req.RiskTier, "specialist authorized")
		}
	}
	return deny(GateSpecialistAuthorized, req.RiskTier,
		fmt.Sprintf("specialist %q is not in the mandate allow-list", req.Specialist),
		BlockingSpecialist)
}

func checkBudget(req Request, snap *mandate.Snapshot, ledger *mandate.BudgetLedger, estimated int64) GateResult {
	if snap == nil || snap.BudgetLimit <= 0 || ledger == nil {
		return allow(GateBudget, req.RiskTier, "no budget limit configured")
	}
	if ledger.WouldExceed(estimated) {
		return deny(GateBudget, req.RiskTier,
			fmt.Sprintf("spent %d + estimated %d exceeds limit %d",
				ledger.Spent(), estimated, ledger.Limit()),
			BlockingBudget)
	}
	return allow(GateBudget, req.RiskTier,
		fmt.Sprintf("budget remaining %d", ledger.Remaining()))
}

func checkIteration(req Request, snap *mandate.Snapshot) GateResult {
	if snap == nil || snap.MaxIterations <= 0 {
		return allow(GateIteration, req.RiskTier, "no global iteration ceiling")
	}
	if req.Iteration >= snap.MaxIterations {
		return deny(GateIteration, req.RiskTier,
			fmt.Sprintf("iteration %d reached mandate ceiling %d", req.Iteration, snap.MaxIterations),
			BlockingIteration)
	}
	return allow(GateIteration, req.RiskTier,
		fmt.Sprintf("iteration %d below ceiling %d", req.Iteration, snap.MaxIterations))
}

func (e *Engine) checkExpiry(req Request, snap *mandate.Snapshot) GateResult {
	if snap == nil || snap.Expiry.IsZero() {
		return allow(GateExpiry, req.RiskTier, "no expiry configured")
	}
	now := e.clock()
	if !now.Before(snap.Expiry) {
		return deny(GateExpiry, req.RiskTier,
			fmt.Sprintf("mandate expired at %s", snap.Expiry.UTC().Format(time.RFC3339)),
			BlockingExpiry)
	}
	return allow(GateExpiry, req.RiskTier, "mandate not expired")
}
