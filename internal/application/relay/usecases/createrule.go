package usecases

import (
	"context"
	"fmt"

	"relaycore/internal/domain/relay"
	"relaycore/internal/domain/relay/valueobjects"
	"relaycore/internal/shared/errors"
	"relaycore/internal/shared/logger"
)

// defaultReconnectIntervalMs is used when a command omits it; the
// domain layer requires a positive interval even for rules that have
// auto-reconnect turned off, since enabling it later shouldn't require
// a separate interval update.
const defaultReconnectIntervalMs = 5000

// CreateRuleCommand is the input for defining a new forwarding rule. It
// is created inactive; a separate ActivateRule call opens its sockets.
// Enabled only records operator intent to run it — Activate is what
// actually starts it.
type CreateRuleCommand struct {
	Name                 string
	SourceIP             string
	SourcePort           uint16
	TargetIP             string
	TargetPort           uint16
	Protocol             valueobjects.Protocol
	UDPMode              valueobjects.UDPMode
	AutoReconnect        bool
	ReconnectIntervalMs  int64
	MaxReconnectAttempts int
	PoolSize             int
	Enabled              bool
}

// CreateRuleUseCase persists a new forwarding rule definition.
type CreateRuleUseCase struct {
	repo   relay.RuleRepository
	logger logger.Interface
}

// NewCreateRuleUseCase creates a new CreateRuleUseCase.
func NewCreateRuleUseCase(repo relay.RuleRepository, logger logger.Interface) *CreateRuleUseCase {
	return &CreateRuleUseCase{repo: repo, logger: logger}
}

// Execute validates and persists cmd as a new Rule.
func (uc *CreateRuleUseCase) Execute(ctx context.Context, cmd CreateRuleCommand) (*relay.Rule, error) {
	intervalMs := cmd.ReconnectIntervalMs
	if intervalMs <= 0 {
		intervalMs = defaultReconnectIntervalMs
	}

	rule, err := relay.NewRule(
		cmd.Name,
		cmd.SourceIP,
		cmd.SourcePort,
		cmd.TargetIP,
		cmd.TargetPort,
		cmd.Protocol,
		cmd.UDPMode,
		cmd.AutoReconnect,
		intervalMs,
		cmd.MaxReconnectAttempts,
		cmd.PoolSize,
	)
	if err != nil {
		return nil, errors.NewValidationError("invalid rule", err.Error())
	}
	if cmd.Enabled {
		rule.Enable()
	}

	existing, err := uc.repo.List(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to list existing rules: %w", err)
	}
	for _, other := range existing {
		if rule.ConflictsWith(other) {
			return nil, errors.NewConflictError("rule conflicts with an existing rule", other.Name())
		}
	}

	if err := uc.repo.Create(ctx, rule); err != nil {
		uc.logger.Errorw("failed to create rule", "name", cmd.Name, "error", err)
		return nil, fmt.Errorf("failed to create rule: %w", err)
	}

	uc.logger.Infow("rule created", "rule_id", rule.ID(), "name", rule.Name())
	return rule, nil
}
