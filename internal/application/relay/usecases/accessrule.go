package usecases

import (
	"context"
	"fmt"

	"relaycore/internal/domain/relay"
	"relaycore/internal/domain/relay/valueobjects"
	"relaycore/internal/shared/errors"
	"relaycore/internal/shared/logger"
)

// CreateAccessRuleCommand defines a CIDR allow/deny entry. A nil RuleID
// scopes the entry globally, applying to every rule.
type CreateAccessRuleCommand struct {
	RuleID   *uint
	CIDR     string
	Action   valueobjects.AccessAction
	Priority int
	Enabled  bool
}

// CreateAccessRuleUseCase persists a new access-control entry.
type CreateAccessRuleUseCase struct {
	repo   relay.AccessRuleRepository
	logger logger.Interface
}

// NewCreateAccessRuleUseCase creates a new CreateAccessRuleUseCase.
func NewCreateAccessRuleUseCase(repo relay.AccessRuleRepository, logger logger.Interface) *CreateAccessRuleUseCase {
	return &CreateAccessRuleUseCase{repo: repo, logger: logger}
}

// Execute validates and persists cmd as a new AccessRule.
func (uc *CreateAccessRuleUseCase) Execute(ctx context.Context, cmd CreateAccessRuleCommand) (*relay.AccessRule, error) {
	ar, err := relay.NewAccessRule(cmd.RuleID, cmd.CIDR, cmd.Action, cmd.Priority, cmd.Enabled)
	if err != nil {
		return nil, errors.NewValidationError("invalid access rule", err.Error())
	}

	if err := uc.repo.Create(ctx, ar); err != nil {
		uc.logger.Errorw("failed to create access rule", "cidr", cmd.CIDR, "error", err)
		return nil, fmt.Errorf("failed to create access rule: %w", err)
	}

	uc.logger.Infow("access rule created", "access_rule_id", ar.ID(), "cidr", ar.CIDR(), "action", ar.Action())
	return ar, nil
}

// DeleteAccessRuleCommand identifies the access rule to remove.
type DeleteAccessRuleCommand struct {
	AccessRuleID uint
}

// DeleteAccessRuleUseCase removes an access-control entry.
type DeleteAccessRuleUseCase struct {
	repo   relay.AccessRuleRepository
	logger logger.Interface
}

// NewDeleteAccessRuleUseCase creates a new DeleteAccessRuleUseCase.
func NewDeleteAccessRuleUseCase(repo relay.AccessRuleRepository, logger logger.Interface) *DeleteAccessRuleUseCase {
	return &DeleteAccessRuleUseCase{repo: repo, logger: logger}
}

// Execute deletes the access rule identified by cmd.AccessRuleID.
func (uc *DeleteAccessRuleUseCase) Execute(ctx context.Context, cmd DeleteAccessRuleCommand) error {
	if err := uc.repo.Delete(ctx, cmd.AccessRuleID); err != nil {
		uc.logger.Errorw("failed to delete access rule", "access_rule_id", cmd.AccessRuleID, "error", err)
		return fmt.Errorf("failed to delete access rule: %w", err)
	}
	uc.logger.Infow("access rule deleted", "access_rule_id", cmd.AccessRuleID)
	return nil
}
