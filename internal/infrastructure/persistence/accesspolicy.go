package persistence

import (
	"context"
	"fmt"

	"relaycore/internal/domain/relay"
)

// AccessPolicy implements relay.AccessPolicy over the access-rule store,
// merging the global rule set with a rule's own entries.
type AccessPolicy struct {
	repo *AccessRuleRepository
}

func NewAccessPolicy(repo *AccessRuleRepository) *AccessPolicy {
	return &AccessPolicy{repo: repo}
}

func (p *AccessPolicy) EffectiveRules(ctx context.Context, ruleID uint) ([]*relay.AccessRule, error) {
	global, err := p.repo.ListGlobal(ctx)
	if err != nil {
		return nil, fmt.Errorf("load global access rules: %w", err)
	}
	perRule, err := p.repo.ListForRule(ctx, ruleID)
	if err != nil {
		return nil, fmt.Errorf("load access rules for rule %d: %w", ruleID, err)
	}
	return relay.EffectiveAccessRules(global, perRule), nil
}
