package persistence

import (
	"context"
	"fmt"

	"gorm.io/gorm"

	"relaycore/internal/domain/relay"
	"relaycore/internal/domain/relay/valueobjects"
	"relaycore/internal/infrastructure/persistence/models"
	"relaycore/internal/shared/db"
)

// AccessRuleRepository is the GORM-backed relay.AccessRuleRepository.
type AccessRuleRepository struct {
	db *gorm.DB
}

func NewAccessRuleRepository(db *gorm.DB) *AccessRuleRepository {
	return &AccessRuleRepository{db: db}
}

func (r *AccessRuleRepository) Create(ctx context.Context, rule *relay.AccessRule) error {
	m := toAccessRuleModel(rule)
	tx := db.GetTxFromContext(ctx, r.db)
	if err := tx.Create(m).Error; err != nil {
		return fmt.Errorf("create access rule: %w", err)
	}
	rule.SetID(m.ID)
	return nil
}

func (r *AccessRuleRepository) Update(ctx context.Context, rule *relay.AccessRule) error {
	m := toAccessRuleModel(rule)
	tx := db.GetTxFromContext(ctx, r.db)
	if err := tx.Save(m).Error; err != nil {
		return fmt.Errorf("update access rule: %w", err)
	}
	return nil
}

func (r *AccessRuleRepository) Delete(ctx context.Context, id uint) error {
	tx := db.GetTxFromContext(ctx, r.db)
	if err := tx.Delete(&models.AccessRuleModel{}, id).Error; err != nil {
		return fmt.Errorf("delete access rule: %w", err)
	}
	return nil
}

func (r *AccessRuleRepository) ListGlobal(ctx context.Context) ([]*relay.AccessRule, error) {
	var rows []models.AccessRuleModel
	tx := db.GetTxFromContext(ctx, r.db)
	if err := tx.Scopes(db.NotDeleted()).Where("rule_id IS NULL").Find(&rows).Error; err != nil {
		return nil, fmt.Errorf("list global access rules: %w", err)
	}
	return fromAccessRuleModels(rows)
}

func (r *AccessRuleRepository) ListForRule(ctx context.Context, ruleID uint) ([]*relay.AccessRule, error) {
	var rows []models.AccessRuleModel
	tx := db.GetTxFromContext(ctx, r.db)
	if err := tx.Scopes(db.NotDeleted()).Where("rule_id = ?", ruleID).Find(&rows).Error; err != nil {
		return nil, fmt.Errorf("list access rules for rule: %w", err)
	}
	return fromAccessRuleModels(rows)
}

func toAccessRuleModel(rule *relay.AccessRule) *models.AccessRuleModel {
	return &models.AccessRuleModel{
		ID:       rule.ID(),
		RuleID:   rule.RuleID(),
		CIDR:     rule.CIDR(),
		Action:   string(rule.Action()),
		Priority: rule.Priority(),
		Enabled:  rule.IsEnabled(),
	}
}

func fromAccessRuleModels(rows []models.AccessRuleModel) ([]*relay.AccessRule, error) {
	out := make([]*relay.AccessRule, 0, len(rows))
	for i := range rows {
		m := &rows[i]
		ar, err := relay.NewAccessRule(m.RuleID, m.CIDR, valueobjects.AccessAction(m.Action), m.Priority, m.Enabled)
		if err != nil {
			return nil, fmt.Errorf("reconstruct access rule %d: %w", m.ID, err)
		}
		ar.SetID(m.ID)
		out = append(out, ar)
	}
	return out, nil
}
