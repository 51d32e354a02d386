package usecases

import (
	"context"

	"relaycore/internal/domain/relay"
	"relaycore/internal/infrastructure/ruleconfig"
	"relaycore/internal/shared/db"
	"relaycore/internal/shared/logger"
)

// ReconcileRulesUseCase applies a freshly loaded declarative rule file to
// persisted state and the running engine: rules named in the file are
// created or updated, rules no longer named in it are deactivated and
// removed. It is the bridge a ruleconfig.Watcher calls into on every
// reload.
type ReconcileRulesUseCase struct {
	rules       relay.RuleRepository
	accessRules relay.AccessRuleRepository
	engine      Activator
	tm          *db.TransactionManager
	logger      logger.Interface
}

// NewReconcileRulesUseCase creates a new ReconcileRulesUseCase. tm scopes
// a rule's write together with its access-rule rewrite into one
// transaction, so a reload never leaves a rule persisted with a stale or
// partial access list.
func NewReconcileRulesUseCase(
	rules relay.RuleRepository,
	accessRules relay.AccessRuleRepository,
	engine Activator,
	tm *db.TransactionManager,
	logger logger.Interface,
) *ReconcileRulesUseCase {
	return &ReconcileRulesUseCase{rules: rules, accessRules: accessRules, engine: engine, tm: tm, logger: logger}
}

// Execute reconciles parsed against persisted rules, by name. Rules are
// matched by name because the declarative file has no notion of a
// persisted ID; an operator renaming a rule in the file is treated as
// deleting the old one and creating a new one.
func (uc *ReconcileRulesUseCase) Execute(ctx context.Context, parsed []ruleconfig.ParsedRule) {
	existing, err := uc.rules.List(ctx)
	if err != nil {
		uc.logger.Errorw("reconcile: failed to list existing rules, aborting", "error", err)
		return
	}

	byName := make(map[string]*relay.Rule, len(existing))
	for _, r := range existing {
		byName[r.Name()] = r
	}

	seen := make(map[string]struct{}, len(parsed))
	for _, p := range parsed {
		seen[p.Rule.Name()] = struct{}{}
		uc.applyOne(ctx, p, byName[p.Rule.Name()])
	}

	for name, r := range byName {
		if _, ok := seen[name]; ok {
			continue
		}
		uc.remove(ctx, r)
	}
}

// runInTransaction scopes fn to a single transaction when a
// TransactionManager is configured, and runs fn directly against ctx
// otherwise (tests exercise the use case against in-memory fakes with
// no database to transact against).
func (uc *ReconcileRulesUseCase) runInTransaction(ctx context.Context, fn func(context.Context) error) error {
	if uc.tm == nil {
		return fn(ctx)
	}
	return uc.tm.RunInTransaction(ctx, fn)
}

func (uc *ReconcileRulesUseCase) applyOne(ctx context.Context, p ruleconfig.ParsedRule, current *relay.Rule) {
	target := p.Rule

	if current == nil {
		err := uc.runInTransaction(ctx, func(txCtx context.Context) error {
			if err := uc.rules.Create(txCtx, target); err != nil {
				return err
			}
			uc.syncAccessRules(txCtx, target.ID(), p.AccessRules)
			return nil
		})
		if err != nil {
			uc.logger.Errorw("reconcile: failed to create rule", "name", target.Name(), "error", err)
			return
		}
		uc.syncActivation(ctx, target)
		return
	}

	wasActive := current.IsActive()
	if wasActive {
		uc.engine.Deactivate(current.ID())
		current.MarkInactive()
	}

	if err := current.UpdateListenEndpoint(target.SourceIP(), target.SourcePort()); err != nil {
		uc.logger.Warnw("reconcile: skipping listen endpoint update", "name", target.Name(), "error", err)
	}
	if err := current.UpdateTarget(target.TargetIP(), target.TargetPort()); err != nil {
		uc.logger.Warnw("reconcile: skipping target update", "name", target.Name(), "error", err)
	}
	if err := current.UpdateProtocol(target.Protocol()); err != nil {
		uc.logger.Warnw("reconcile: skipping protocol update", "name", target.Name(), "error", err)
	}
	if err := current.UpdateReconnectPolicy(target.AutoReconnect(), target.ReconnectIntervalMs(), target.MaxReconnectAttempts()); err != nil {
		uc.logger.Warnw("reconcile: skipping reconnect policy update", "name", target.Name(), "error", err)
	}
	if err := current.UpdatePoolSize(target.PoolSize()); err != nil {
		uc.logger.Warnw("reconcile: skipping pool size update", "name", target.Name(), "error", err)
	}
	if target.IsEnabled() {
		current.Enable()
	} else {
		current.Disable()
	}

	err := uc.runInTransaction(ctx, func(txCtx context.Context) error {
		if err := uc.rules.Update(txCtx, current); err != nil {
			return err
		}
		uc.syncAccessRules(txCtx, current.ID(), p.AccessRules)
		return nil
	})
	if err != nil {
		uc.logger.Errorw("reconcile: failed to update rule", "name", target.Name(), "error", err)
		return
	}

	uc.syncActivation(ctx, current)
}

func (uc *ReconcileRulesUseCase) syncAccessRules(ctx context.Context, ruleID uint, specs []*relay.AccessRule) {
	existing, err := uc.accessRules.ListForRule(ctx, ruleID)
	if err != nil {
		uc.logger.Errorw("reconcile: failed to list access rules", "rule_id", ruleID, "error", err)
		return
	}
	for _, ar := range existing {
		if err := uc.accessRules.Delete(ctx, ar.ID()); err != nil {
			uc.logger.Warnw("reconcile: failed to drop stale access rule", "access_rule_id", ar.ID(), "error", err)
		}
	}
	for _, spec := range specs {
		ar, err := relay.NewAccessRule(&ruleID, spec.CIDR(), spec.Action(), spec.Priority(), spec.IsEnabled())
		if err != nil {
			uc.logger.Warnw("reconcile: skipping invalid access rule", "rule_id", ruleID, "error", err)
			continue
		}
		if err := uc.accessRules.Create(ctx, ar); err != nil {
			uc.logger.Warnw("reconcile: failed to create access rule", "rule_id", ruleID, "error", err)
		}
	}
}

func (uc *ReconcileRulesUseCase) syncActivation(ctx context.Context, rule *relay.Rule) {
	running := uc.engine.IsRunning(rule.ID())
	switch {
	case rule.IsEnabled() && !running:
		if uc.engine.ValidateNoConflict(rule) != nil {
			uc.logger.Warnw("reconcile: rule conflicts with an active rule, leaving inactive", "rule_id", rule.ID())
			return
		}
		if uc.engine.Activate(rule) {
			rule.MarkActive()
			if err := uc.rules.Update(ctx, rule); err != nil {
				uc.logger.Warnw("reconcile: failed to persist active state", "rule_id", rule.ID(), "error", err)
			}
		}
	case !rule.IsEnabled() && running:
		if uc.engine.Deactivate(rule.ID()) {
			rule.MarkInactive()
			if err := uc.rules.Update(ctx, rule); err != nil {
				uc.logger.Warnw("reconcile: failed to persist inactive state", "rule_id", rule.ID(), "error", err)
			}
		}
	}
}

func (uc *ReconcileRulesUseCase) remove(ctx context.Context, rule *relay.Rule) {
	if uc.engine.IsRunning(rule.ID()) {
		uc.engine.Deactivate(rule.ID())
	}
	if err := uc.rules.Delete(ctx, rule.ID()); err != nil {
		uc.logger.Warnw("reconcile: failed to delete rule dropped from file", "rule_id", rule.ID(), "name", rule.Name(), "error", err)
		return
	}
	uc.logger.Infow("reconcile: rule removed from declarative file", "rule_id", rule.ID(), "name", rule.Name())
}
