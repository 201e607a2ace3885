package workflow

import "time"

// FastTrack is the name of the review policy consulted for auto-approval.
const FastTrack = "fast_track"

// ReviewConditions are the bounds a result must stay under to skip review.
// Nil means the condition is not checked.
type ReviewConditions struct {
	CostUnder    *float64       `json:"cost_under,omitempty" yaml:"cost_under"`
	RuntimeUnder *time.Duration `json:"runtime_under,omitempty" yaml:"runtime_under"`
}

// ReviewPolicy decides whether review-required steps may be approved
// without a reviewer.
type ReviewPolicy struct {
	AutoApprove bool             `json:"auto_approve" yaml:"auto_approve"`
	Conditions  ReviewConditions `json:"conditions" yaml:"conditions"`
}

// Allows reports whether a result with the given cost and runtime passes
// the policy.
func (p *ReviewPolicy) Allows(cost float64, runtime time.Duration) bool {
	if p == nil || !p.AutoApprove {
		return false
	}
	if c := p.Conditions.CostUnder; c != nil && cost >= *c {
		return false
	}
	if r := p.Conditions.RuntimeUnder; r != nil && runtime >= *r {
		return false
	}
	return true
}
