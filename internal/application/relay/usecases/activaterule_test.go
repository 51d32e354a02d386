package usecases

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"relaycore/internal/application/relay/testutil"
	"relaycore/internal/domain/relay"
	"relaycore/internal/domain/relay/valueobjects"
)

func newEnabledTestRule(t *testing.T) *relay.Rule {
	t.Helper()
	rule, err := relay.NewRule("web", "0.0.0.0", 8080, "10.0.0.5", 80, valueobjects.ProtocolTCP, "", false, 5000, 3, 4)
	require.NoError(t, err)
	rule.Enable()
	return rule
}

func TestActivateRuleUseCase_Success(t *testing.T) {
	repo := testutil.NewFakeRuleRepository()
	engine := testutil.NewFakeActivator()
	uc := NewActivateRuleUseCase(repo, engine, testutil.NewNopLogger())

	rule := newEnabledTestRule(t)
	repo.Seed(rule)

	err := uc.Execute(context.Background(), ActivateRuleCommand{RuleID: rule.ID()})
	require.NoError(t, err)
	assert.True(t, engine.IsRunning(rule.ID()))

	persisted, err := repo.GetByID(context.Background(), rule.ID())
	require.NoError(t, err)
	assert.True(t, persisted.IsActive())
}

func TestActivateRuleUseCase_RejectsDisabledRule(t *testing.T) {
	repo := testutil.NewFakeRuleRepository()
	engine := testutil.NewFakeActivator()
	uc := NewActivateRuleUseCase(repo, engine, testutil.NewNopLogger())

	rule, err := relay.NewRule("web", "0.0.0.0", 8080, "10.0.0.5", 80, valueobjects.ProtocolTCP, "", false, 5000, 3, 4)
	require.NoError(t, err)
	repo.Seed(rule)

	err = uc.Execute(context.Background(), ActivateRuleCommand{RuleID: rule.ID()})
	assert.Error(t, err, "expected an error activating a disabled rule")
	assert.False(t, engine.IsRunning(rule.ID()), "engine should not have been asked to activate a disabled rule")
}

func TestActivateRuleUseCase_RejectsConflict(t *testing.T) {
	repo := testutil.NewFakeRuleRepository()
	engine := testutil.NewFakeActivator()
	engine.SetConflictError(relay.ErrPortConflict)
	uc := NewActivateRuleUseCase(repo, engine, testutil.NewNopLogger())

	rule := newEnabledTestRule(t)
	repo.Seed(rule)

	err := uc.Execute(context.Background(), ActivateRuleCommand{RuleID: rule.ID()})
	assert.Error(t, err, "expected a conflict error")
}

func TestDeactivateRuleUseCase_Success(t *testing.T) {
	repo := testutil.NewFakeRuleRepository()
	engine := testutil.NewFakeActivator()
	uc := NewDeactivateRuleUseCase(repo, engine, testutil.NewNopLogger())

	rule := newEnabledTestRule(t)
	rule.MarkActive()
	repo.Seed(rule)
	engine.Activate(rule)

	err := uc.Execute(context.Background(), DeactivateRuleCommand{RuleID: rule.ID()})
	require.NoError(t, err)
	assert.False(t, engine.IsRunning(rule.ID()))

	persisted, err := repo.GetByID(context.Background(), rule.ID())
	require.NoError(t, err)
	assert.False(t, persisted.IsActive())
}
