package usecases

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"relaycore/internal/application/relay/testutil"
	"relaycore/internal/domain/relay"
	"relaycore/internal/domain/relay/valueobjects"
	"relaycore/internal/infrastructure/ruleconfig"
)

func TestReconcileRulesUseCase_CreatesNewRule(t *testing.T) {
	rules := testutil.NewFakeRuleRepository()
	accessRules := testutil.NewFakeAccessRuleRepository()
	engine := testutil.NewFakeActivator()
	uc := NewReconcileRulesUseCase(rules, accessRules, engine, nil, testutil.NewNopLogger())

	rule, err := relay.NewRule("web", "0.0.0.0", 8080, "10.0.0.5", 80, valueobjects.ProtocolTCP, "", false, 5000, 3, 4)
	require.NoError(t, err)
	rule.Enable()

	uc.Execute(context.Background(), []ruleconfig.ParsedRule{{Rule: rule}})

	all, err := rules.List(context.Background())
	require.NoError(t, err)
	require.Len(t, all, 1)
	assert.True(t, engine.IsRunning(all[0].ID()), "expected the newly enabled rule to be activated")
}

func TestReconcileRulesUseCase_RemovesDroppedRule(t *testing.T) {
	rules := testutil.NewFakeRuleRepository()
	accessRules := testutil.NewFakeAccessRuleRepository()
	engine := testutil.NewFakeActivator()
	uc := NewReconcileRulesUseCase(rules, accessRules, engine, nil, testutil.NewNopLogger())

	existing := newEnabledTestRule(t)
	existing.MarkActive()
	rules.Seed(existing)
	engine.Activate(existing)

	uc.Execute(context.Background(), nil)

	_, err := rules.GetByID(context.Background(), existing.ID())
	assert.Error(t, err, "expected rule dropped from the file to be deleted")
	assert.False(t, engine.IsRunning(existing.ID()), "expected dropped rule to be deactivated")
}

func TestReconcileRulesUseCase_DisablesRuleNoLongerEnabled(t *testing.T) {
	rules := testutil.NewFakeRuleRepository()
	accessRules := testutil.NewFakeAccessRuleRepository()
	engine := testutil.NewFakeActivator()
	uc := NewReconcileRulesUseCase(rules, accessRules, engine, nil, testutil.NewNopLogger())

	existing := newEnabledTestRule(t)
	existing.MarkActive()
	rules.Seed(existing)
	engine.Activate(existing)

	updated, err := relay.NewRule(existing.Name(), existing.SourceIP(), existing.SourcePort(), existing.TargetIP(), existing.TargetPort(), existing.Protocol(), "", false, 5000, 3, 4)
	require.NoError(t, err)

	uc.Execute(context.Background(), []ruleconfig.ParsedRule{{Rule: updated}})

	assert.False(t, engine.IsRunning(existing.ID()), "expected rule removed from the enabled set to be deactivated")

	persisted, err := rules.GetByID(context.Background(), existing.ID())
	require.NoError(t, err)
	assert.False(t, persisted.IsEnabled(), "expected persisted rule to be disabled")
}
