package usecases

import (
	"context"
	"fmt"

	"relaycore/internal/domain/relay"
	"relaycore/internal/shared/errors"
	"relaycore/internal/shared/logger"
)

// ActivateRuleCommand identifies the rule to bring online.
type ActivateRuleCommand struct {
	RuleID uint
}

// ActivateRuleUseCase enables a rule's sockets through the forwarding
// engine and persists the resulting state.
type ActivateRuleUseCase struct {
	repo   relay.RuleRepository
	engine Activator
	logger logger.Interface
}

// NewActivateRuleUseCase creates a new ActivateRuleUseCase.
func NewActivateRuleUseCase(repo relay.RuleRepository, engine Activator, logger logger.Interface) *ActivateRuleUseCase {
	return &ActivateRuleUseCase{repo: repo, engine: engine, logger: logger}
}

// Execute activates the rule identified by cmd.RuleID. The rule must be
// enabled; a disabled rule is refused since Enable() is the explicit
// operator signal that the rule is meant to run.
func (uc *ActivateRuleUseCase) Execute(ctx context.Context, cmd ActivateRuleCommand) error {
	rule, err := uc.repo.GetByID(ctx, cmd.RuleID)
	if err != nil {
		if err == relay.ErrRuleNotFound {
			return errors.NewNotFoundError("rule not found", fmt.Sprintf("id %d", cmd.RuleID))
		}
		return fmt.Errorf("failed to get rule: %w", err)
	}
	if !rule.IsEnabled() {
		return errors.NewValidationError("rule is disabled", "enable it before activating")
	}
	if err := uc.engine.ValidateNoConflict(rule); err != nil {
		return errors.NewConflictError("rule conflicts with an active rule", err.Error())
	}

	if !uc.engine.Activate(rule) {
		return fmt.Errorf("engine refused to activate rule %d", cmd.RuleID)
	}

	rule.MarkActive()
	if err := uc.repo.Update(ctx, rule); err != nil {
		uc.logger.Errorw("failed to persist active state after activation", "rule_id", cmd.RuleID, "error", err)
		return fmt.Errorf("failed to persist rule state: %w", err)
	}

	uc.logger.Infow("rule activated", "rule_id", cmd.RuleID)
	return nil
}
