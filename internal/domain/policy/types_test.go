package policy

import "testing"

func TestOutcomeSeverityOrder(t *testing.T) {
	if !(OutcomeDeny.Severity() > OutcomeRequireApproval.Severity() &&
		OutcomeRequireApproval.Severity() > OutcomeAllow.Severity()) {
		t.Errorf("severity order = deny:%d require_approval:%d allow:%d, want deny > require_approval > allow",
			OutcomeDeny.Severity(), OutcomeRequireApproval.Severity(), OutcomeAllow.Severity())
	}
}
