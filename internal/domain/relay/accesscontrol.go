package relay

import (
	"net"
	"sort"

	"relaycore/internal/domain/relay/valueobjects"
)

// EffectiveAccessRules sorts global ∪ per-rule access rules ascending by
// priority — the order Decide walks them in. Callers should pass a
// freshly fetched snapshot (the AccessPolicy collaborator in ports.go);
// the decider never retains it across calls.
func EffectiveAccessRules(global, perRule []*AccessRule) []*AccessRule {
	effective := make([]*AccessRule, 0, len(global)+len(perRule))
	effective = append(effective, global...)
	effective = append(effective, perRule...)
	sort.SliceStable(effective, func(i, j int) bool {
		return effective[i].Priority() < effective[j].Priority()
	})
	return effective
}

// Decide implements the access-control decider: walk the
// effective, enabled rule list ascending by priority; the first
// CIDR that contains clientIP decides. If none match, the verdict is
// deny when any ALLOW rule exists in the effective set (implicit
// default-deny under whitelisting), otherwise allow (blacklist-only
// semantics). On a malformed clientIP the decider fails open.
func Decide(clientIPStr string, effective []*AccessRule) bool {
	clientIP := net.ParseIP(clientIPStr)
	if clientIP == nil {
		// Fail-open on a lookup/parse error: deliberate, to avoid
		// self-DoS when the policy store is unavailable.
		return true
	}

	hasAllowRule := false
	for _, rule := range effective {
		if !rule.IsEnabled() {
			continue
		}
		if rule.Action() == valueobjects.AccessActionAllow {
			hasAllowRule = true
		}
		if rule.Matches(clientIP) {
			return rule.Action() == valueobjects.AccessActionAllow
		}
	}

	return !hasAllowRule
}
