// Package mission defines the Mission Spec: the declarative, operator-authored
// document describing an intent, a scope of resources, a workflow of steps and
// bounded loops, an authorization mandate, and evidence retention policy.
//
// A mission spec is immutable after submission and versioned by mission ID
// plus content hash.
package mission

import (
	"fmt"
	"regexp"
	"time"

	"github.com/tillerworks/tiller/pkg/canonicalize"
	"github.com/tillerworks/tiller/pkg/mandate"
)

// MissionSpec is the top-level input document.
type MissionSpec struct {
	SchemaVersion string         `yaml:"schema_version,omitempty" json:"schema_version,omitempty"`
	MissionID     string         `yaml:"mission_id" json:"mission_id"`
	Title         string         `yaml:"title" json:"title"`
	Intent        string         `yaml:"intent" json:"intent"`
	Scope         []ResourceRoot `yaml:"scope,omitempty" json:"scope,omitempty"`
	Workflow      []WorkflowItem `yaml:"workflow" json:"workflow"`
	Mandate       *MandateSpec   `yaml:"mandate,omitempty" json:"mandate,omitempty"`
	Evidence      EvidenceSpec   `yaml:"evidence,omitempty" json:"evidence,omitempty"`
}

// ContentHash returns the canonical hash of the spec.
func (s *MissionSpec) ContentHash() (string, error) {
	return canonicalize.Hash(s)
}

// ResourceRoot names one resource tree the mission may touch.
type ResourceRoot struct {
	Root     string `yaml:"root" json:"root"`
	Ref      string `yaml:"ref,omitempty" json:"ref,omitempty"`
	Revision string `yaml:"revision,omitempty" json:"revision,omitempty"`
}

// WorkflowItem is either a single step or a loop construct, exactly one of
// which is set.
type WorkflowItem struct {
	Step *WorkflowStep  `yaml:"step,omitempty" json:"step,omitempty"`
	Loop *LoopConstruct `yaml:"loop,omitempty" json:"loop,omitempty"`
}

// WorkflowStep is one unit of work assigned to a named worker.
type WorkflowStep struct {
	StepName  string            `yaml:"step_name" json:"step_name"`
	Agent     string            `yaml:"agent" json:"agent"`
	Inputs    map[string]string `yaml:"inputs,omitempty" json:"inputs,omitempty"`
	Outputs   []string          `yaml:"outputs,omitempty" json:"outputs,omitempty"`
	DependsOn []string          `yaml:"depends_on,omitempty" json:"depends_on,omitempty"`
	Condition string            `yaml:"condition,omitempty" json:"condition,omitempty"`
	Tools     []string          `yaml:"tools,omitempty" json:"tools,omitempty"`
	RiskTier  string            `yaml:"risk_tier,omitempty" json:"risk_tier,omitempty"`
}

// LoopConstruct is a bounded iteration over nested steps. The `until` text
// is advisory documentation only; the enforced boundary is always
// max_iterations plus the structured gates.
type LoopConstruct struct {
	Name          string         `yaml:"name" json:"name"`
	Until         string         `yaml:"until,omitempty" json:"until,omitempty"`
	MaxIterations int            `yaml:"max_iterations" json:"max_iterations"`
	Gates         []Gate         `yaml:"gates,omitempty" json:"gates,omitempty"`
	Steps         []WorkflowStep `yaml:"steps" json:"steps"`
}

// GateType discriminates loop gate kinds.
type GateType string

const (
	GateTest     GateType = "test_pass"
	GateApproval GateType = "approval"
	GateCustom   GateType = "custom"
)

// Gate is one pass/fail check evaluated at the end of a loop iteration.
type Gate struct {
	Name      string   `yaml:"name,omitempty" json:"name,omitempty"`
	Type      GateType `yaml:"type" json:"type"`
	Command   string   `yaml:"command,omitempty" json:"command,omitempty"`     // test_pass
	Approvers []string `yaml:"approvers,omitempty" json:"approvers,omitempty"` // approval
	Condition string   `yaml:"condition,omitempty" json:"condition,omitempty"` // custom
}

// MandateSpec is the operator-facing mandate configuration.
type MandateSpec struct {
	MandateID             string    `yaml:"mandate_id" json:"mandate_id"`
	Intent                string    `yaml:"intent,omitempty" json:"intent,omitempty"`
	BudgetLimit           int64     `yaml:"budget_limit,omitempty" json:"budget_limit,omitempty"`
	BudgetUnit            string    `yaml:"budget_unit,omitempty" json:"budget_unit,omitempty"`
	MaxIterations         int       `yaml:"max_iterations,omitempty" json:"max_iterations,omitempty"`
	AuthorizedSpecialists []string  `yaml:"authorized_specialists,omitempty" json:"authorized_specialists,omitempty"`
	ToolAllowlist         []string  `yaml:"tool_allowlist,omitempty" json:"tool_allowlist,omitempty"`
	RiskTier              string    `yaml:"risk_tier" json:"risk_tier"`
	DataClassification    string    `yaml:"data_classification,omitempty" json:"data_classification,omitempty"`
	ApprovalState         string    `yaml:"approval_state,omitempty" json:"approval_state,omitempty"`
	Expiry                time.Time `yaml:"expiry,omitempty" json:"expiry,omitempty"`
}

// ToSnapshot converts the spec form into a mandate value. The spec may only
// declare auto or pending; approved and denied are reachable solely through
// recorded approver decisions, so a spec declaring them would produce a
// mandate that no Approve or Deny call can ever satisfy.
func (m *MandateSpec) ToSnapshot() (mandate.Snapshot, error) {
	tier, err := mandate.ParseRiskTier(m.RiskTier)
	if err != nil {
		return mandate.Snapshot{}, err
	}
	state := mandate.ApprovalState(m.ApprovalState)
	switch state {
	case "":
		state = mandate.ApprovalAuto
	case mandate.ApprovalAuto, mandate.ApprovalPending:
	default:
		return mandate.Snapshot{}, fmt.Errorf("approval_state %q cannot be declared in a spec; only auto and pending are expressible", m.ApprovalState)
	}
	return mandate.Snapshot{
		MandateID:             m.MandateID,
		Intent:                m.Intent,
		BudgetLimit:           m.BudgetLimit,
		BudgetUnit:            m.BudgetUnit,
		MaxIterations:         m.MaxIterations,
		AuthorizedSpecialists: append([]string(nil), m.AuthorizedSpecialists...),
		ToolAllowlist:         append([]string(nil), m.ToolAllowlist...),
		RiskTier:              tier,
		DataClassification:    m.DataClassification,
		ApprovalState:         state,
		Expiry:                m.Expiry,
	}, nil
}

// EvidenceSpec declares what the run retains and where it exports.
type EvidenceSpec struct {
	Retain []string `yaml:"retain,omitempty" json:"retain,omitempty"`
	Export string   `yaml:"export,omitempty" json:"export,omitempty"`
}

// OutputRef is a parsed ${step.output} interpolation reference.
type OutputRef struct {
	Step   string
	Output string
}

var refPattern = regexp.MustCompile(`\$\{([A-Za-z0-9_-]+)\.([A-Za-z0-9_-]+)\}`)

// ParseRefs extracts all ${step.output} references from an input value.
func ParseRefs(value string) []OutputRef {
	matches := refPattern.FindAllStringSubmatch(value, -1)
	refs := make([]OutputRef, 0, len(matches))
	for _, m := range matches {
		refs = append(refs, OutputRef{Step: m[1], Output: m[2]})
	}
	return refs
}

// Interpolate substitutes every ${step.output} reference in value using
// resolve. Unresolvable references are left verbatim; the compiler rejects
// them long before dispatch, so a leftover here means deferred resolution.
func Interpolate(value string, resolve func(ref OutputRef) (string, bool)) string {
	return refPattern.ReplaceAllStringFunc(value, func(match string) string {
		sub := refPattern.FindStringSubmatch(match)
		if v, ok := resolve(OutputRef{Step: sub[1], Output: sub[2]}); ok {
			return v
		}
		return match
	})
}
