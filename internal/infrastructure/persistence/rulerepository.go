package persistence

import (
	"context"
	"errors"
	"fmt"

	"gorm.io/gorm"

	"relaycore/internal/domain/relay"
	"relaycore/internal/domain/relay/valueobjects"
	"relaycore/internal/infrastructure/persistence/models"
	"relaycore/internal/shared/db"
)

// RuleRepository is the GORM-backed relay.RuleRepository.
type RuleRepository struct {
	db *gorm.DB
}

func NewRuleRepository(db *gorm.DB) *RuleRepository {
	return &RuleRepository{db: db}
}

func (r *RuleRepository) Create(ctx context.Context, rule *relay.Rule) error {
	m := toRuleModel(rule)
	tx := db.GetTxFromContext(ctx, r.db)
	if err := tx.Create(m).Error; err != nil {
		return fmt.Errorf("create rule: %w", err)
	}
	rule.SetID(m.ID)
	return nil
}

func (r *RuleRepository) GetByID(ctx context.Context, id uint) (*relay.Rule, error) {
	var m models.RuleModel
	tx := db.GetTxFromContext(ctx, r.db)
	if err := tx.Scopes(db.NotDeleted()).First(&m, id).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, relay.ErrRuleNotFound
		}
		return nil, fmt.Errorf("get rule: %w", err)
	}
	return fromRuleModel(&m)
}

func (r *RuleRepository) Update(ctx context.Context, rule *relay.Rule) error {
	m := toRuleModel(rule)
	tx := db.GetTxFromContext(ctx, r.db)
	if err := tx.Save(m).Error; err != nil {
		return fmt.Errorf("update rule: %w", err)
	}
	return nil
}

func (r *RuleRepository) Delete(ctx context.Context, id uint) error {
	tx := db.GetTxFromContext(ctx, r.db)
	if err := tx.Delete(&models.RuleModel{}, id).Error; err != nil {
		return fmt.Errorf("delete rule: %w", err)
	}
	return nil
}

func (r *RuleRepository) List(ctx context.Context) ([]*relay.Rule, error) {
	var rows []models.RuleModel
	tx := db.GetTxFromContext(ctx, r.db)
	if err := tx.Scopes(db.NotDeleted()).Find(&rows).Error; err != nil {
		return nil, fmt.Errorf("list rules: %w", err)
	}
	return fromRuleModels(rows)
}

func (r *RuleRepository) ListEnabled(ctx context.Context) ([]*relay.Rule, error) {
	var rows []models.RuleModel
	tx := db.GetTxFromContext(ctx, r.db)
	if err := tx.Scopes(db.NotDeleted()).Where("enabled = ?", true).Find(&rows).Error; err != nil {
		return nil, fmt.Errorf("list enabled rules: %w", err)
	}
	return fromRuleModels(rows)
}

func toRuleModel(rule *relay.Rule) *models.RuleModel {
	return &models.RuleModel{
		ID:                   rule.ID(),
		Name:                 rule.Name(),
		SourceIP:             rule.SourceIP(),
		SourcePort:           int(rule.SourcePort()),
		TargetIP:             rule.TargetIP(),
		TargetPort:           int(rule.TargetPort()),
		Protocol:             rule.Protocol().String(),
		UDPMode:              rule.UDPMode().String(),
		Enabled:              rule.IsEnabled(),
		AutoReconnect:        rule.AutoReconnect(),
		ReconnectIntervalMs:  int(rule.ReconnectIntervalMs()),
		MaxReconnectAttempts: rule.MaxReconnectAttempts(),
		PoolSize:             rule.PoolSize(),
		CreatedAt:            rule.CreatedAt(),
		UpdatedAt:            rule.UpdatedAt(),
	}
}

func fromRuleModel(m *models.RuleModel) (*relay.Rule, error) {
	return relay.ReconstructRule(
		m.ID,
		m.Name,
		m.SourceIP,
		uint16(m.SourcePort),
		m.TargetIP,
		uint16(m.TargetPort),
		valueobjects.Protocol(m.Protocol),
		valueobjects.UDPMode(m.UDPMode),
		m.Enabled,
		m.AutoReconnect,
		int64(m.ReconnectIntervalMs),
		m.MaxReconnectAttempts,
		m.PoolSize,
		m.CreatedAt,
		m.UpdatedAt,
	)
}

func fromRuleModels(rows []models.RuleModel) ([]*relay.Rule, error) {
	out := make([]*relay.Rule, 0, len(rows))
	for i := range rows {
		rule, err := fromRuleModel(&rows[i])
		if err != nil {
			return nil, err
		}
		out = append(out, rule)
	}
	return out, nil
}
