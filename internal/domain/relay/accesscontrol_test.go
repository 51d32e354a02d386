package relay

import (
	"testing"

	"relaycore/internal/domain/relay/valueobjects"
)

func mustAccessRule(t *testing.T, ruleID *uint, cidr string, action valueobjects.AccessAction, priority int, enabled bool) *AccessRule {
	t.Helper()
	ar, err := NewAccessRule(ruleID, cidr, action, priority, enabled)
	if err != nil {
		t.Fatalf("NewAccessRule(%q): %v", cidr, err)
	}
	return ar
}

func TestDecide_FirstMatchWins(t *testing.T) {
	rules := []*AccessRule{
		mustAccessRule(t, nil, "10.0.0.0/8", valueobjects.AccessActionDeny, 1, true),
		mustAccessRule(t, nil, "10.1.2.0/24", valueobjects.AccessActionAllow, 2, true),
	}

	if got := Decide("10.1.2.3", rules); got {
		t.Errorf("Decide() = true, want false (first matching rule at priority 1 denies)")
	}
}

func TestDecide_BlacklistOnlyDefaultAllow(t *testing.T) {
	rules := []*AccessRule{
		mustAccessRule(t, nil, "10.0.0.0/8", valueobjects.AccessActionDeny, 1, true),
	}

	if got := Decide("192.168.1.1", rules); !got {
		t.Errorf("Decide() = false, want true (no ALLOW rule present, non-matching IP defaults allow)")
	}
}

func TestDecide_WhitelistImplicitDefaultDeny(t *testing.T) {
	rules := []*AccessRule{
		mustAccessRule(t, nil, "192.168.1.0/24", valueobjects.AccessActionAllow, 1, true),
	}

	if got := Decide("10.0.0.1", rules); got {
		t.Errorf("Decide() = true, want false (an ALLOW rule exists so non-matching IP defaults deny)")
	}
}

func TestDecide_DisabledRulesSkipped(t *testing.T) {
	rules := []*AccessRule{
		mustAccessRule(t, nil, "10.0.0.0/8", valueobjects.AccessActionDeny, 1, false),
	}

	if got := Decide("10.1.2.3", rules); !got {
		t.Errorf("Decide() = false, want true (disabled rule must not apply)")
	}
}

func TestDecide_FailsOpenOnUnparsableIP(t *testing.T) {
	rules := []*AccessRule{
		mustAccessRule(t, nil, "10.0.0.0/8", valueobjects.AccessActionAllow, 1, true),
	}

	if got := Decide("not-an-ip", rules); !got {
		t.Errorf("Decide() = false, want true (malformed client IP must fail open)")
	}
}

func TestDecide_SingleIPExactMatch(t *testing.T) {
	rules := []*AccessRule{
		mustAccessRule(t, nil, "203.0.113.7", valueobjects.AccessActionAllow, 1, true),
	}

	if got := Decide("203.0.113.7", rules); !got {
		t.Errorf("Decide() = false, want true (exact single-IP match)")
	}
	if got := Decide("203.0.113.8", rules); got {
		t.Errorf("Decide() = true, want false (no match, ALLOW rule present -> implicit deny)")
	}
}

func TestEffectiveAccessRules_SortsByPriority(t *testing.T) {
	ruleID := uint(1)
	global := []*AccessRule{
		mustAccessRule(t, nil, "0.0.0.0/0", valueobjects.AccessActionAllow, 10, true),
	}
	perRule := []*AccessRule{
		mustAccessRule(t, &ruleID, "10.0.0.0/8", valueobjects.AccessActionDeny, 1, true),
	}

	effective := EffectiveAccessRules(global, perRule)
	if len(effective) != 2 {
		t.Fatalf("len(effective) = %d, want 2", len(effective))
	}
	if effective[0].Priority() != 1 {
		t.Errorf("effective[0].Priority() = %d, want 1 (per-rule deny sorts first)", effective[0].Priority())
	}
}

func TestNewAccessRule_InvalidCIDR(t *testing.T) {
	if _, err := NewAccessRule(nil, "not-a-cidr", valueobjects.AccessActionAllow, 1, true); err == nil {
		t.Error("NewAccessRule() with invalid cidr: want error, got nil")
	}
}
