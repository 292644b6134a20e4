package service

import (
	"context"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/RhysSullivan/codegate/internal/adapter/outbound/memory"
	"github.com/RhysSullivan/codegate/internal/domain/policy"
	"github.com/RhysSullivan/codegate/internal/port/outbound"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newPolicyService(t *testing.T, rules ...*policy.Rule) (*PolicyService, outbound.PolicyStore) {
	t.Helper()
	ctx := context.Background()
	store := memory.NewStateStore().Policies()
	base := time.Now().UTC()
	for i, r := range rules {
		if r.CreatedAt.IsZero() {
			// Deterministic creation order for tie-breaking.
			r.CreatedAt = base.Add(time.Duration(i) * time.Second)
		}
		if err := store.PutPolicy(ctx, r); err != nil {
			t.Fatalf("seed rule %s: %v", r.ID, err)
		}
	}
	svc, err := NewPolicyService(ctx, store, testLogger())
	if err != nil {
		t.Fatalf("NewPolicyService: %v", err)
	}
	return svc, store
}

func evaluate(t *testing.T, svc *PolicyService, q policy.Query) policy.Decision {
	t.Helper()
	d, err := svc.Evaluate(context.Background(), q)
	if err != nil {
		t.Fatalf("Evaluate: %v", err)
	}
	return d
}

func TestPolicyService_DefaultOutcome(t *testing.T) {
	svc, _ := newPolicyService(t)

	d := evaluate(t, svc, policy.Query{WorkspaceID: "ws", ToolPath: "calendar.list"})
	if d.Outcome != policy.OutcomeAllow {
		t.Errorf("outcome = %s, want allow", d.Outcome)
	}

	d = evaluate(t, svc, policy.Query{
		WorkspaceID:    "ws",
		ToolPath:       "calendar.update",
		DefaultOutcome: policy.OutcomeRequireApproval,
	})
	if d.Outcome != policy.OutcomeRequireApproval {
		t.Errorf("outcome = %s, want require_approval", d.Outcome)
	}
	if d.RuleID != "" {
		t.Errorf("default decision should carry no rule, got %q", d.RuleID)
	}
}

func TestPolicyService_ActorTierBeatsWorkspaceTier(t *testing.T) {
	svc, _ := newPolicyService(t,
		&policy.Rule{
			ID:          "ws-deny",
			WorkspaceID: "ws",
			ToolMatch:   "github.**",
			Effect:      policy.EffectDeny,
			Enabled:     true,
		},
		&policy.Rule{
			ID:          "alice-allow",
			WorkspaceID: "ws",
			ActorID:     "alice",
			ToolMatch:   "github.**",
			Effect:      policy.EffectAllow,
			Enabled:     true,
		},
	)

	d := evaluate(t, svc, policy.Query{WorkspaceID: "ws", ActorID: "alice", ToolPath: "github.issues.list"})
	if d.Outcome != policy.OutcomeAllow || d.RuleID != "alice-allow" {
		t.Errorf("decision = %+v, want alice-allow to win its tier", d)
	}

	d = evaluate(t, svc, policy.Query{WorkspaceID: "ws", ActorID: "bob", ToolPath: "github.issues.list"})
	if d.Outcome != policy.OutcomeDeny || d.RuleID != "ws-deny" {
		t.Errorf("decision = %+v, want workspace deny for bob", d)
	}
}

func TestPolicyService_TierPrecedenceChain(t *testing.T) {
	// Conflicting rules in every scope band for the same tool. Each query
	// removes the narrowest applicable scope, so the winner walks down the
	// chain: actor+client > actor > client > workspace > system-default.
	svc, _ := newPolicyService(t,
		&policy.Rule{
			ID:        "sys-approval",
			ToolMatch: "mail.send",
			Effect:    policy.EffectAllow,
			Approval:  policy.ApprovalRequire,
			Enabled:   true,
		},
		&policy.Rule{
			ID:          "ws-deny",
			WorkspaceID: "ws",
			ToolMatch:   "mail.send",
			Effect:      policy.EffectDeny,
			Reason:      "workspace says no",
			Enabled:     true,
		},
		&policy.Rule{
			ID:          "client-approval",
			WorkspaceID: "ws",
			ClientID:    "api",
			ToolMatch:   "mail.send",
			Effect:      policy.EffectAllow,
			Approval:    policy.ApprovalRequire,
			Enabled:     true,
		},
		&policy.Rule{
			ID:          "actor-deny",
			WorkspaceID: "ws",
			ActorID:     "alice",
			ToolMatch:   "mail.send",
			Effect:      policy.EffectDeny,
			Reason:      "alice blocked",
			Enabled:     true,
		},
		&policy.Rule{
			ID:          "pair-allow",
			WorkspaceID: "ws",
			ActorID:     "alice",
			ClientID:    "api",
			ToolMatch:   "mail.send",
			Effect:      policy.EffectAllow,
			Approval:    policy.ApprovalAuto,
			Enabled:     true,
		},
	)

	cases := []struct {
		name     string
		q        policy.Query
		wantRule string
		wantOut  policy.Outcome
		wantTier string
	}{
		{
			name:     "actor+client wins over everything",
			q:        policy.Query{WorkspaceID: "ws", ActorID: "alice", ClientID: "api", ToolPath: "mail.send"},
			wantRule: "pair-allow",
			wantOut:  policy.OutcomeAllow,
			wantTier: "actor+client",
		},
		{
			name:     "actor wins when the pair rule is out of scope",
			q:        policy.Query{WorkspaceID: "ws", ActorID: "alice", ClientID: "cli", ToolPath: "mail.send"},
			wantRule: "actor-deny",
			wantOut:  policy.OutcomeDeny,
			wantTier: "actor",
		},
		{
			name:     "client wins for other actors",
			q:        policy.Query{WorkspaceID: "ws", ActorID: "bob", ClientID: "api", ToolPath: "mail.send"},
			wantRule: "client-approval",
			wantOut:  policy.OutcomeRequireApproval,
			wantTier: "client",
		},
		{
			name:     "workspace wins with no narrower scope in play",
			q:        policy.Query{WorkspaceID: "ws", ActorID: "bob", ClientID: "cli", ToolPath: "mail.send"},
			wantRule: "ws-deny",
			wantOut:  policy.OutcomeDeny,
			wantTier: "workspace",
		},
		{
			name:     "system default applies outside the workspace",
			q:        policy.Query{WorkspaceID: "elsewhere", ActorID: "bob", ClientID: "cli", ToolPath: "mail.send"},
			wantRule: "sys-approval",
			wantOut:  policy.OutcomeRequireApproval,
			wantTier: "system-default",
		},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			d := evaluate(t, svc, tc.q)
			if d.RuleID != tc.wantRule || d.Outcome != tc.wantOut || d.Tier != tc.wantTier {
				t.Errorf("decision = %+v, want rule=%s outcome=%s tier=%s", d, tc.wantRule, tc.wantOut, tc.wantTier)
			}
		})
	}
}

func TestPolicyService_PriorityAndSeverity(t *testing.T) {
	svc, _ := newPolicyService(t,
		&policy.Rule{
			ID:          "low-deny",
			WorkspaceID: "ws",
			ToolMatch:   "mail.send",
			Effect:      policy.EffectDeny,
			Priority:    1,
			Enabled:     true,
		},
		&policy.Rule{
			ID:          "high-allow",
			WorkspaceID: "ws",
			ToolMatch:   "mail.send",
			Effect:      policy.EffectAllow,
			Approval:    policy.ApprovalAuto,
			Priority:    10,
			Enabled:     true,
		},
		&policy.Rule{
			ID:          "same-prio-allow",
			WorkspaceID: "ws",
			ToolMatch:   "files.delete",
			Effect:      policy.EffectAllow,
			Priority:    5,
			Enabled:     true,
		},
		&policy.Rule{
			ID:          "same-prio-deny",
			WorkspaceID: "ws",
			ToolMatch:   "files.delete",
			Effect:      policy.EffectDeny,
			Priority:    5,
			Enabled:     true,
		},
	)

	d := evaluate(t, svc, policy.Query{WorkspaceID: "ws", ToolPath: "mail.send"})
	if d.RuleID != "high-allow" || d.Outcome != policy.OutcomeAllow {
		t.Errorf("decision = %+v, want higher priority to win", d)
	}

	// At equal priority the more severe outcome wins regardless of order.
	d = evaluate(t, svc, policy.Query{WorkspaceID: "ws", ToolPath: "files.delete"})
	if d.Outcome != policy.OutcomeDeny || d.RuleID != "same-prio-deny" {
		t.Errorf("decision = %+v, want deny to win the priority tie", d)
	}
}

func TestPolicyService_ExpressionRule(t *testing.T) {
	svc, _ := newPolicyService(t,
		&policy.Rule{
			ID:          "big-transfers",
			WorkspaceID: "ws",
			ToolMatch:   "bank.transfer",
			Expression:  `args.amount > 100`,
			Effect:      policy.EffectDeny,
			Reason:      "amount over limit",
			Enabled:     true,
		},
	)

	d := evaluate(t, svc, policy.Query{
		WorkspaceID: "ws",
		ToolPath:    "bank.transfer",
		Args:        map[string]any{"amount": 250},
	})
	if d.Outcome != policy.OutcomeDeny || d.Reason != "amount over limit" {
		t.Errorf("decision = %+v, want deny with reason", d)
	}

	d = evaluate(t, svc, policy.Query{
		WorkspaceID: "ws",
		ToolPath:    "bank.transfer",
		Args:        map[string]any{"amount": 50},
	})
	if d.Outcome != policy.OutcomeAllow {
		t.Errorf("decision = %+v, want small transfer allowed", d)
	}
}

func TestPolicyService_SkipsDisabledAndInvalidRules(t *testing.T) {
	svc, _ := newPolicyService(t,
		&policy.Rule{
			ID:          "disabled-deny",
			WorkspaceID: "ws",
			ToolMatch:   "calendar.list",
			Effect:      policy.EffectDeny,
			Enabled:     false,
		},
		&policy.Rule{
			ID:          "bad-expression",
			WorkspaceID: "ws",
			ToolMatch:   "calendar.list",
			Expression:  `args.amount >`,
			Effect:      policy.EffectDeny,
			Enabled:     true,
		},
	)

	d := evaluate(t, svc, policy.Query{WorkspaceID: "ws", ToolPath: "calendar.list"})
	if d.Outcome != policy.OutcomeAllow {
		t.Errorf("decision = %+v, want disabled and invalid rules ignored", d)
	}
}

func TestPolicyService_ReloadPicksUpNewRules(t *testing.T) {
	svc, store := newPolicyService(t)
	ctx := context.Background()

	q := policy.Query{WorkspaceID: "ws", ToolPath: "calendar.list"}
	if d := evaluate(t, svc, q); d.Outcome != policy.OutcomeAllow {
		t.Fatalf("outcome = %s before reload", d.Outcome)
	}

	if err := store.PutPolicy(ctx, &policy.Rule{
		ID:          "new-deny",
		WorkspaceID: "ws",
		ToolMatch:   "calendar.*",
		Effect:      policy.EffectDeny,
		Enabled:     true,
		CreatedAt:   time.Now().UTC(),
	}); err != nil {
		t.Fatalf("put policy: %v", err)
	}
	if err := svc.Reload(ctx); err != nil {
		t.Fatalf("reload: %v", err)
	}

	if d := evaluate(t, svc, q); d.Outcome != policy.OutcomeDeny {
		t.Errorf("outcome = %s after reload, want deny", d.Outcome)
	}
}

func TestPolicyService_ApprovalOverrides(t *testing.T) {
	svc, _ := newPolicyService(t,
		&policy.Rule{
			ID:          "force-approval",
			WorkspaceID: "ws",
			ToolMatch:   "mail.send",
			Effect:      policy.EffectAllow,
			Approval:    policy.ApprovalRequire,
			Enabled:     true,
		},
		&policy.Rule{
			ID:          "waive-approval",
			WorkspaceID: "ws",
			ToolMatch:   "calendar.update",
			Effect:      policy.EffectAllow,
			Approval:    policy.ApprovalAuto,
			Enabled:     true,
		},
	)

	d := evaluate(t, svc, policy.Query{WorkspaceID: "ws", ToolPath: "mail.send"})
	if d.Outcome != policy.OutcomeRequireApproval {
		t.Errorf("outcome = %s, want require_approval forced", d.Outcome)
	}

	d = evaluate(t, svc, policy.Query{
		WorkspaceID:    "ws",
		ToolPath:       "calendar.update",
		DefaultOutcome: policy.OutcomeRequireApproval,
	})
	if d.Outcome != policy.OutcomeAllow {
		t.Errorf("outcome = %s, want approval waived", d.Outcome)
	}
}
