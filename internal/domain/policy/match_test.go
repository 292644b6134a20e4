package policy

import "testing"

func TestMatchToolPath(t *testing.T) {
	tests := []struct {
		pattern string
		path    string
		want    bool
	}{
		{"calendar.list", "calendar.list", true},
		{"calendar.list", "calendar.update", false},
		{"calendar.list", "Calendar.list", false},

		// "*" matches exactly one segment.
		{"calendar.*", "calendar.list", true},
		{"calendar.*", "calendar.events.create", false},
		{"calendar.*", "calendar", false},
		{"*.list", "calendar.list", true},
		{"*.list", "mail.list", true},
		{"*.*", "calendar.list", true},
		{"*.*", "calendar", false},

		// Trailing "**" matches any remaining suffix, including none.
		{"calendar.**", "calendar.list", true},
		{"calendar.**", "calendar.events.create", true},
		{"calendar.**", "calendar", true},
		{"calendar.**", "mail.send", false},
		{"**", "anything.at.all", true},

		// Pattern longer than path.
		{"calendar.events.create", "calendar.events", false},
	}

	for _, tt := range tests {
		t.Run(tt.pattern+"~"+tt.path, func(t *testing.T) {
			if got := MatchToolPath(tt.pattern, tt.path); got != tt.want {
				t.Errorf("MatchToolPath(%q, %q) = %v, want %v", tt.pattern, tt.path, got, tt.want)
			}
		})
	}
}

func TestValidateToolMatch(t *testing.T) {
	tests := []struct {
		pattern string
		wantErr bool
	}{
		{"calendar.list", false},
		{"calendar.*", false},
		{"calendar.**", false},
		{"**", false},
		{"*", false},
		{"", true},
		{"calendar.**.list", true},
		{"calendar..list", true},
		{"cal-endar.*", true},
	}

	for _, tt := range tests {
		t.Run(tt.pattern, func(t *testing.T) {
			err := ValidateToolMatch(tt.pattern)
			if (err != nil) != tt.wantErr {
				t.Errorf("ValidateToolMatch(%q) error = %v, wantErr %v", tt.pattern, err, tt.wantErr)
			}
		})
	}
}

func TestRuleTier(t *testing.T) {
	tests := []struct {
		name string
		rule Rule
		want Tier
	}{
		{"actor and client", Rule{WorkspaceID: "w", ActorID: "a", ClientID: "c"}, TierActorClient},
		{"actor only", Rule{WorkspaceID: "w", ActorID: "a"}, TierActor},
		{"client only", Rule{WorkspaceID: "w", ClientID: "c"}, TierClient},
		{"workspace", Rule{WorkspaceID: "w"}, TierWorkspace},
		{"system default", Rule{}, TierSystem},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.rule.Tier(); got != tt.want {
				t.Errorf("Tier() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestRuleResolve(t *testing.T) {
	tests := []struct {
		name        string
		rule        Rule
		defaultOut  Outcome
		wantOutcome Outcome
	}{
		{"deny always denies", Rule{Effect: EffectDeny}, OutcomeAllow, OutcomeDeny},
		{"allow with require", Rule{Effect: EffectAllow, Approval: ApprovalRequire}, OutcomeAllow, OutcomeRequireApproval},
		{"allow with auto clears default approval", Rule{Effect: EffectAllow, Approval: ApprovalAuto}, OutcomeRequireApproval, OutcomeAllow},
		{"allow inherit keeps default", Rule{Effect: EffectAllow, Approval: ApprovalInherit}, OutcomeRequireApproval, OutcomeRequireApproval},
		{"allow empty override keeps default", Rule{Effect: EffectAllow}, OutcomeAllow, OutcomeAllow},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.rule.Resolve(tt.defaultOut); got != tt.wantOutcome {
				t.Errorf("Resolve(%v) = %v, want %v", tt.defaultOut, got, tt.wantOutcome)
			}
		})
	}
}

func TestRuleAppliesTo(t *testing.T) {
	rule := Rule{WorkspaceID: "w1", ActorID: "alice"}

	if !rule.AppliesTo("w1", "alice", "api") {
		t.Error("rule should apply to its own scope")
	}
	if rule.AppliesTo("w1", "bob", "api") {
		t.Error("actor-scoped rule must not apply to another actor")
	}
	if rule.AppliesTo("w2", "alice", "api") {
		t.Error("workspace-scoped rule must not apply to another workspace")
	}

	wide := Rule{}
	if !wide.AppliesTo("any", "one", "cli") {
		t.Error("system rule applies everywhere")
	}
}
