package usecases

import (
	"context"
	"fmt"

	"relaycore/internal/domain/relay"
	"relaycore/internal/domain/relay/valueobjects"
	"relaycore/internal/shared/errors"
	"relaycore/internal/shared/logger"
)

// UpdateRuleCommand carries the fields an operator may change on an
// existing rule. A rule must be inactive for its transport-defining
// fields (endpoint, target, protocol, pool size) to change; the domain
// layer enforces this.
type UpdateRuleCommand struct {
	RuleID               uint
	Name                 *string
	SourceIP             *string
	SourcePort           *uint16
	TargetIP             *string
	TargetPort           *uint16
	Protocol             *valueobjects.Protocol
	AutoReconnect        *bool
	ReconnectIntervalMs  *int64
	MaxReconnectAttempts *int
	PoolSize             *int
}

// UpdateRuleUseCase applies a partial update to a persisted rule.
type UpdateRuleUseCase struct {
	repo   relay.RuleRepository
	logger logger.Interface
}

// NewUpdateRuleUseCase creates a new UpdateRuleUseCase.
func NewUpdateRuleUseCase(repo relay.RuleRepository, logger logger.Interface) *UpdateRuleUseCase {
	return &UpdateRuleUseCase{repo: repo, logger: logger}
}

// Execute applies the non-nil fields of cmd to the rule and persists it.
func (uc *UpdateRuleUseCase) Execute(ctx context.Context, cmd UpdateRuleCommand) error {
	rule, err := uc.repo.GetByID(ctx, cmd.RuleID)
	if err != nil {
		if err == relay.ErrRuleNotFound {
			return errors.NewNotFoundError("rule not found", fmt.Sprintf("id %d", cmd.RuleID))
		}
		return fmt.Errorf("failed to get rule: %w", err)
	}

	if cmd.Name != nil {
		if err := rule.UpdateName(*cmd.Name); err != nil {
			return errors.NewValidationError(err.Error())
		}
	}

	if cmd.SourceIP != nil || cmd.SourcePort != nil {
		sourceIP := rule.SourceIP()
		if cmd.SourceIP != nil {
			sourceIP = *cmd.SourceIP
		}
		sourcePort := rule.SourcePort()
		if cmd.SourcePort != nil {
			sourcePort = *cmd.SourcePort
		}
		if err := rule.UpdateListenEndpoint(sourceIP, sourcePort); err != nil {
			return errors.NewValidationError(err.Error())
		}
	}

	if cmd.TargetIP != nil || cmd.TargetPort != nil {
		targetIP := rule.TargetIP()
		if cmd.TargetIP != nil {
			targetIP = *cmd.TargetIP
		}
		targetPort := rule.TargetPort()
		if cmd.TargetPort != nil {
			targetPort = *cmd.TargetPort
		}
		if err := rule.UpdateTarget(targetIP, targetPort); err != nil {
			return errors.NewValidationError(err.Error())
		}
	}

	if cmd.Protocol != nil {
		if err := rule.UpdateProtocol(*cmd.Protocol); err != nil {
			return errors.NewValidationError(err.Error())
		}
	}

	if cmd.AutoReconnect != nil || cmd.ReconnectIntervalMs != nil || cmd.MaxReconnectAttempts != nil {
		autoReconnect := rule.AutoReconnect()
		if cmd.AutoReconnect != nil {
			autoReconnect = *cmd.AutoReconnect
		}
		intervalMs := rule.ReconnectIntervalMs()
		if cmd.ReconnectIntervalMs != nil {
			intervalMs = *cmd.ReconnectIntervalMs
		}
		maxAttempts := rule.MaxReconnectAttempts()
		if cmd.MaxReconnectAttempts != nil {
			maxAttempts = *cmd.MaxReconnectAttempts
		}
		if err := rule.UpdateReconnectPolicy(autoReconnect, intervalMs, maxAttempts); err != nil {
			return errors.NewValidationError(err.Error())
		}
	}

	if cmd.PoolSize != nil {
		if err := rule.UpdatePoolSize(*cmd.PoolSize); err != nil {
			return errors.NewValidationError(err.Error())
		}
	}

	if err := uc.repo.Update(ctx, rule); err != nil {
		uc.logger.Errorw("failed to update rule", "rule_id", cmd.RuleID, "error", err)
		return fmt.Errorf("failed to update rule: %w", err)
	}

	uc.logger.Infow("rule updated", "rule_id", cmd.RuleID)
	return nil
}
