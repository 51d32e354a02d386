package usecases

import (
	"context"
	"fmt"

	"relaycore/internal/domain/relay"
	"relaycore/internal/shared/errors"
	"relaycore/internal/shared/logger"
)

// DeleteRuleCommand identifies the rule to remove.
type DeleteRuleCommand struct {
	RuleID uint
}

// DeleteRuleUseCase removes a rule definition. The rule must already be
// inactive; callers should deactivate it first.
type DeleteRuleUseCase struct {
	repo   relay.RuleRepository
	logger logger.Interface
}

// NewDeleteRuleUseCase creates a new DeleteRuleUseCase.
func NewDeleteRuleUseCase(repo relay.RuleRepository, logger logger.Interface) *DeleteRuleUseCase {
	return &DeleteRuleUseCase{repo: repo, logger: logger}
}

// Execute deletes the rule identified by cmd.RuleID.
func (uc *DeleteRuleUseCase) Execute(ctx context.Context, cmd DeleteRuleCommand) error {
	rule, err := uc.repo.GetByID(ctx, cmd.RuleID)
	if err != nil {
		if err == relay.ErrRuleNotFound {
			return errors.NewNotFoundError("rule not found", fmt.Sprintf("id %d", cmd.RuleID))
		}
		return fmt.Errorf("failed to get rule: %w", err)
	}
	if rule.IsActive() {
		return errors.NewConflictError("rule is active", "deactivate it before deleting")
	}

	if err := uc.repo.Delete(ctx, cmd.RuleID); err != nil {
		uc.logger.Errorw("failed to delete rule", "rule_id", cmd.RuleID, "error", err)
		return fmt.Errorf("failed to delete rule: %w", err)
	}

	uc.logger.Infow("rule deleted", "rule_id", cmd.RuleID)
	return nil
}
