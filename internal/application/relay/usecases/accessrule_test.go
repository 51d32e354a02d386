package usecases

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"relaycore/internal/application/relay/testutil"
	"relaycore/internal/domain/relay/valueobjects"
)

func TestCreateAccessRuleUseCase_Success(t *testing.T) {
	repo := testutil.NewFakeAccessRuleRepository()
	uc := NewCreateAccessRuleUseCase(repo, testutil.NewNopLogger())

	ar, err := uc.Execute(context.Background(), CreateAccessRuleCommand{
		CIDR:    "10.0.0.0/8",
		Action:  valueobjects.AccessActionAllow,
		Enabled: true,
	})
	require.NoError(t, err)
	assert.NotZero(t, ar.ID())
	assert.True(t, ar.IsGlobal(), "expected a nil RuleID to produce a global access rule")
}

func TestCreateAccessRuleUseCase_RejectsInvalidCIDR(t *testing.T) {
	repo := testutil.NewFakeAccessRuleRepository()
	uc := NewCreateAccessRuleUseCase(repo, testutil.NewNopLogger())

	_, err := uc.Execute(context.Background(), CreateAccessRuleCommand{
		CIDR:   "not-a-cidr",
		Action: valueobjects.AccessActionDeny,
	})
	assert.Error(t, err)
}

func TestDeleteAccessRuleUseCase_Success(t *testing.T) {
	repo := testutil.NewFakeAccessRuleRepository()
	createUC := NewCreateAccessRuleUseCase(repo, testutil.NewNopLogger())
	deleteUC := NewDeleteAccessRuleUseCase(repo, testutil.NewNopLogger())

	ar, err := createUC.Execute(context.Background(), CreateAccessRuleCommand{
		CIDR:   "10.0.0.0/8",
		Action: valueobjects.AccessActionAllow,
	})
	require.NoError(t, err)

	err = deleteUC.Execute(context.Background(), DeleteAccessRuleCommand{AccessRuleID: ar.ID()})
	require.NoError(t, err)
}
