package usecases

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"relaycore/internal/application/relay/testutil"
)

func TestDeleteRuleUseCase_Success(t *testing.T) {
	repo := testutil.NewFakeRuleRepository()
	uc := NewDeleteRuleUseCase(repo, testutil.NewNopLogger())

	rule := newEnabledTestRule(t)
	repo.Seed(rule)

	err := uc.Execute(context.Background(), DeleteRuleCommand{RuleID: rule.ID()})
	require.NoError(t, err)

	_, err = repo.GetByID(context.Background(), rule.ID())
	assert.Error(t, err, "expected rule to be gone after delete")
}

func TestDeleteRuleUseCase_RejectsActiveRule(t *testing.T) {
	repo := testutil.NewFakeRuleRepository()
	uc := NewDeleteRuleUseCase(repo, testutil.NewNopLogger())

	rule := newEnabledTestRule(t)
	rule.MarkActive()
	repo.Seed(rule)

	err := uc.Execute(context.Background(), DeleteRuleCommand{RuleID: rule.ID()})
	assert.Error(t, err, "expected an error deleting an active rule")
}

func TestDeleteRuleUseCase_NotFound(t *testing.T) {
	repo := testutil.NewFakeRuleRepository()
	uc := NewDeleteRuleUseCase(repo, testutil.NewNopLogger())

	err := uc.Execute(context.Background(), DeleteRuleCommand{RuleID: 999})
	assert.Error(t, err, "expected a not-found error")
}
