// Package policy contains domain types for tool-call policy evaluation.
package policy

import "time"

// Effect is what a rule does when it matches.
type Effect string

const (
	// EffectAllow permits the call, subject to the approval override.
	EffectAllow Effect = "allow"
	// EffectDeny blocks the call.
	EffectDeny Effect = "deny"
)

// IsValid returns true if the effect is known.
func (e Effect) IsValid() bool {
	return e == EffectAllow || e == EffectDeny
}

// ApprovalOverride adjusts a matching tool's approval requirement.
type ApprovalOverride string

const (
	// ApprovalInherit keeps the descriptor's default.
	ApprovalInherit ApprovalOverride = "inherit"
	// ApprovalAuto waives any approval requirement.
	ApprovalAuto ApprovalOverride = "auto"
	// ApprovalRequire forces a human decision.
	ApprovalRequire ApprovalOverride = "required"
)

// IsValid returns true if the override is known.
func (a ApprovalOverride) IsValid() bool {
	switch a {
	case ApprovalInherit, ApprovalAuto, ApprovalRequire:
		return true
	default:
		return false
	}
}

// Outcome is the resolved result of evaluation: what happens to the call.
type Outcome string

const (
	OutcomeAllow           Outcome = "allow"
	OutcomeDeny            Outcome = "deny"
	OutcomeRequireApproval Outcome = "require_approval"
)

// Severity orders outcomes for same-priority conflicts. A deny is never
// displaced by an allow of equal priority, and an allow overrides a
// require_approval only from a strictly higher priority.
func (o Outcome) Severity() int {
	switch o {
	case OutcomeDeny:
		return 2
	case OutcomeRequireApproval:
		return 1
	default:
		return 0
	}
}

// ConditionOp compares one argument value against a rule constant.
type ConditionOp string

const (
	OpEquals     ConditionOp = "equals"
	OpContains   ConditionOp = "contains"
	OpStartsWith ConditionOp = "starts_with"
	OpNotEquals  ConditionOp = "not_equals"
)

// IsValid returns true if the operator is known.
func (op ConditionOp) IsValid() bool {
	switch op {
	case OpEquals, OpContains, OpStartsWith, OpNotEquals:
		return true
	default:
		return false
	}
}

// Condition constrains a rule to calls whose argument at Key satisfies the
// operator. Key is a dotted path into the call arguments. All conditions on
// a rule must hold for the rule to match.
type Condition struct {
	Key   string      `json:"key"`
	Op    ConditionOp `json:"op"`
	Value string      `json:"value"`
}

// Tier is a rule's precedence band, derived from its scope fields.
// Narrower scopes always win over wider ones, regardless of priority.
type Tier int

const (
	TierActorClient Tier = iota
	TierActor
	TierClient
	TierWorkspace
	TierSystem
)

// Tiers lists the bands in evaluation order, narrowest first.
var Tiers = []Tier{TierActorClient, TierActor, TierClient, TierWorkspace, TierSystem}

// String returns the tier name used in decisions and logs.
func (t Tier) String() string {
	switch t {
	case TierActorClient:
		return "actor+client"
	case TierActor:
		return "actor"
	case TierClient:
		return "client"
	case TierWorkspace:
		return "workspace"
	case TierSystem:
		return "system-default"
	default:
		return "unknown"
	}
}

// Rule is one policy rule. Scope fields select which calls it can apply to:
// an empty ActorID/ClientID widens the scope, and a rule with neither a
// workspace nor narrower scope is a system default.
type Rule struct {
	// ID is the unique identifier for this rule.
	ID string `json:"id"`
	// Name is a human-readable name for this rule.
	Name string `json:"name,omitempty"`
	// WorkspaceID scopes the rule to one workspace. Empty means system-wide.
	WorkspaceID string `json:"workspaceId,omitempty"`
	// ActorID narrows the rule to one actor.
	ActorID string `json:"actorId,omitempty"`
	// ClientID narrows the rule to one submitting client ("api", "cli", "mcp").
	ClientID string `json:"clientId,omitempty"`
	// ToolMatch is a dotted glob over tool paths: "*" matches exactly one
	// segment, a trailing "**" matches any remaining suffix.
	ToolMatch string `json:"toolMatch"`
	// Conditions further constrain matching by call arguments (AND).
	Conditions []Condition `json:"conditions,omitempty"`
	// Expression is an optional CEL expression over args/tool/actor for
	// conditions the structured operators cannot express. ANDed with
	// Conditions.
	Expression string `json:"expression,omitempty"`
	// Effect is allow or deny.
	Effect Effect `json:"effect"`
	// Approval optionally overrides the tool's approval requirement.
	// Only meaningful on allow rules. Empty means inherit.
	Approval ApprovalOverride `json:"approval,omitempty"`
	// Priority orders rules within a tier (higher wins).
	Priority int `json:"priority"`
	// Reason is surfaced to callers when the rule denies.
	Reason string `json:"reason,omitempty"`
	// Enabled gates the rule without deleting it.
	Enabled bool `json:"enabled"`
	// CreatedAt breaks priority ties (earlier wins).
	CreatedAt time.Time `json:"createdAt"`
	// UpdatedAt is when the rule was last modified (UTC).
	UpdatedAt time.Time `json:"updatedAt"`
}

// Tier derives the precedence band from the rule's scope fields.
func (r *Rule) Tier() Tier {
	switch {
	case r.ActorID != "" && r.ClientID != "":
		return TierActorClient
	case r.ActorID != "":
		return TierActor
	case r.ClientID != "":
		return TierClient
	case r.WorkspaceID != "":
		return TierWorkspace
	default:
		return TierSystem
	}
}

// Resolve maps the rule onto an outcome given the tool's default when no
// rule would apply. defaultOutcome is allow or require_approval.
func (r *Rule) Resolve(defaultOutcome Outcome) Outcome {
	if r.Effect == EffectDeny {
		return OutcomeDeny
	}
	switch r.Approval {
	case ApprovalRequire:
		return OutcomeRequireApproval
	case ApprovalAuto:
		return OutcomeAllow
	default:
		return defaultOutcome
	}
}

// AppliesTo reports whether the rule's scope covers the given identifiers.
// Scope fields that are set must match exactly.
func (r *Rule) AppliesTo(workspaceID, actorID, clientID string) bool {
	if r.WorkspaceID != "" && r.WorkspaceID != workspaceID {
		return false
	}
	if r.ActorID != "" && r.ActorID != actorID {
		return false
	}
	if r.ClientID != "" && r.ClientID != clientID {
		return false
	}
	return true
}

// Query carries everything evaluation needs for one call.
type Query struct {
	// WorkspaceID is the workspace the run executes in.
	WorkspaceID string
	// ActorID is the run's submitting actor.
	ActorID string
	// ClientID identifies the submitting surface ("api", "cli", "mcp").
	ClientID string
	// ToolPath is the dotted path of the called tool.
	ToolPath string
	// Args are the call arguments, used by rule conditions.
	Args map[string]any
	// DefaultOutcome is the descriptor's own requirement: allow or
	// require_approval. Used when no rule matches and by inherit rules.
	DefaultOutcome Outcome
}

// Decision is the outcome of policy evaluation for one call.
type Decision struct {
	// Outcome is allow, deny, or require_approval.
	Outcome Outcome `json:"outcome"`
	// RuleID is the rule that produced the decision, empty when the
	// descriptor default applied.
	RuleID string `json:"ruleId,omitempty"`
	// RuleName is the matching rule's human-readable name.
	RuleName string `json:"ruleName,omitempty"`
	// Tier is the precedence band the winning rule came from.
	Tier string `json:"tier,omitempty"`
	// Reason explains a denial to the caller.
	Reason string `json:"reason,omitempty"`
}

// Allowed reports whether the call may proceed without further gating.
func (d Decision) Allowed() bool {
	return d.Outcome == OutcomeAllow
}
