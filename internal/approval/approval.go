// Package approval decides whether an action proposal may run without human
// sign-off and shapes the approval tickets of those that may not.
package approval

import (
	"time"

	"github.com/jkaninda/veritas/internal/actions"
	"github.com/jkaninda/veritas/internal/config"
	"github.com/jkaninda/veritas/internal/domain"
)

// Reasons recorded with a gate decision.
const (
	ReasonAutoApproved       = "auto-approval criteria met"
	ReasonNotAllowed         = "action type not allowed for tenant"
	ReasonAutomationDisabled = "automation disabled for tenant"
	ReasonRequiresApproval   = "action type requires approval"
	ReasonImpact             = "impact level requires approval"
	ReasonLowConfidence      = "confidence below auto-approval threshold"
	ReasonRateLimited        = "action rate limit exceeded"
)

// Decision is the outcome of the gate for a pending execution.
type Decision struct {
	State  domain.ExecutionState
	Reason string
}

// Gate evaluates tenant policy against a proposal. Rate limits are not
// checked here: the caller takes a window slot only for AutoApproved decisions.
type Gate struct {
	policy config.TenantPolicy
}

// NewGate creates a gate for one tenant policy.
func NewGate(policy config.TenantPolicy) Gate {
	return Gate{policy: policy}
}

// Decide returns auto_approved, awaiting_approval or rejected.
func (g Gate) Decide(spec *actions.Spec, confidence float64) Decision {
	caps := spec.Capabilities
	switch {
	case !g.policy.Allows(string(spec.Kind)):
		return Decision{State: domain.StateRejected, Reason: ReasonNotAllowed}
	case caps.Impact > actions.ImpactMedium:
		return Decision{State: domain.StateAwaitingApproval, Reason: ReasonImpact}
	case caps.RequiresApproval:
		return Decision{State: domain.StateAwaitingApproval, Reason: ReasonRequiresApproval}
	case !g.policy.Automation():
		return Decision{State: domain.StateAwaitingApproval, Reason: ReasonAutomationDisabled}
	case caps.Impact != actions.ImpactLow:
		return Decision{State: domain.StateAwaitingApproval, Reason: ReasonImpact}
	case confidence < g.policy.AutoApprovalThreshold:
		return Decision{State: domain.StateAwaitingApproval, Reason: ReasonLowConfidence}
	}
	return Decision{State: domain.StateAutoApproved, Reason: ReasonAutoApproved}
}

// Ticket builds the approval ticket of an execution that awaits approval.
func (g Gate) Ticket(exec *domain.ActionExecution, impact actions.Impact, now time.Time) *domain.ApprovalTicket {
	return &domain.ApprovalTicket{
		ExecutionID: exec.ID,
		TenantID:    exec.TenantID,
		Priority:    Priority(impact, exec.Confidence),
		ExpiresAt:   now.Add(g.policy.ApprovalTTL()),
		CreatedAt:   now,
	}
}

// OnExpiry returns the state an execution moves to when its ticket expires.
// Stale low-impact approvals auto-approve only when the tenant opts in.
func (g Gate) OnExpiry(impact actions.Impact) domain.ExecutionState {
	if g.policy.AutoApproveStale() && impact == actions.ImpactLow {
		return domain.StateAutoApproved
	}
	return domain.StateRejected
}

// Priority ranks a ticket: 1 is most urgent. Higher impact is more urgent;
// weakly supported proposals drop one rank.
func Priority(impact actions.Impact, confidence float64) int {
	p := 4 - int(impact)
	if confidence < 0.5 {
		p++
	}
	return p
}

