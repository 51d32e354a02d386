package usecases

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"relaycore/internal/application/relay/testutil"
	"relaycore/internal/domain/relay/valueobjects"
)

func TestCreateRuleUseCase_Success(t *testing.T) {
	repo := testutil.NewFakeRuleRepository()
	uc := NewCreateRuleUseCase(repo, testutil.NewNopLogger())

	cmd := CreateRuleCommand{
		Name:       "web",
		SourceIP:   "0.0.0.0",
		SourcePort: 8080,
		TargetIP:   "10.0.0.5",
		TargetPort: 80,
		Protocol:   valueobjects.ProtocolTCP,
		PoolSize:   4,
	}

	rule, err := uc.Execute(context.Background(), cmd)
	require.NoError(t, err)
	assert.NotZero(t, rule.ID())
	assert.Equal(t, cmd.Name, rule.Name())
}

func TestCreateRuleUseCase_RejectsInvalidRule(t *testing.T) {
	repo := testutil.NewFakeRuleRepository()
	uc := NewCreateRuleUseCase(repo, testutil.NewNopLogger())

	_, err := uc.Execute(context.Background(), CreateRuleCommand{
		Name:     "",
		TargetIP: "10.0.0.5",
		Protocol: valueobjects.ProtocolTCP,
	})
	assert.Error(t, err)
}

func TestCreateRuleUseCase_RejectsConflictingBindKey(t *testing.T) {
	repo := testutil.NewFakeRuleRepository()
	uc := NewCreateRuleUseCase(repo, testutil.NewNopLogger())

	cmd := CreateRuleCommand{
		Name:       "web",
		SourceIP:   "0.0.0.0",
		SourcePort: 8080,
		TargetIP:   "10.0.0.5",
		TargetPort: 80,
		Protocol:   valueobjects.ProtocolTCP,
		PoolSize:   4,
		Enabled:    true,
	}
	_, err := uc.Execute(context.Background(), cmd)
	require.NoError(t, err)

	cmd.Name = "web2"
	_, err = uc.Execute(context.Background(), cmd)
	assert.Error(t, err, "expected a conflict error for a duplicate bind address/port")
}
