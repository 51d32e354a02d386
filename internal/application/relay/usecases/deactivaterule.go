package usecases

import (
	"context"
	"fmt"

	"relaycore/internal/domain/relay"
	"relaycore/internal/shared/errors"
	"relaycore/internal/shared/logger"
)

// DeactivateRuleCommand identifies the rule to take offline.
type DeactivateRuleCommand struct {
	RuleID uint
}

// DeactivateRuleUseCase closes a rule's sockets through the forwarding
// engine and persists the resulting state.
type DeactivateRuleUseCase struct {
	repo   relay.RuleRepository
	engine Activator
	logger logger.Interface
}

// NewDeactivateRuleUseCase creates a new DeactivateRuleUseCase.
func NewDeactivateRuleUseCase(repo relay.RuleRepository, engine Activator, logger logger.Interface) *DeactivateRuleUseCase {
	return &DeactivateRuleUseCase{repo: repo, engine: engine, logger: logger}
}

// Execute deactivates the rule identified by cmd.RuleID. Deactivating an
// already-inactive rule is a no-op success.
func (uc *DeactivateRuleUseCase) Execute(ctx context.Context, cmd DeactivateRuleCommand) error {
	rule, err := uc.repo.GetByID(ctx, cmd.RuleID)
	if err != nil {
		if err == relay.ErrRuleNotFound {
			return errors.NewNotFoundError("rule not found", fmt.Sprintf("id %d", cmd.RuleID))
		}
		return fmt.Errorf("failed to get rule: %w", err)
	}

	if !uc.engine.Deactivate(cmd.RuleID) {
		return fmt.Errorf("engine refused to deactivate rule %d", cmd.RuleID)
	}

	rule.MarkInactive()
	if err := uc.repo.Update(ctx, rule); err != nil {
		uc.logger.Errorw("failed to persist inactive state after deactivation", "rule_id", cmd.RuleID, "error", err)
		return fmt.Errorf("failed to persist rule state: %w", err)
	}

	uc.logger.Infow("rule deactivated", "rule_id", cmd.RuleID)
	return nil
}
