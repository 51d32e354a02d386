package models

import "gorm.io/gorm"

// AccessRuleModel is the persistence model for an IP access-control
// entry. RuleID is nil for a global rule, which applies to every
// forwarding rule alongside that rule's own per-rule entries.
type AccessRuleModel struct {
	ID        uint           `gorm:"primarykey"`
	RuleID    *uint          `gorm:"column:rule_id;index:idx_access_rule_id"`
	CIDR      string         `gorm:"column:cidr;not null;size:64"`
	Action    string         `gorm:"not null;size:10"`
	Priority  int            `gorm:"not null;default:0"`
	Enabled   bool           `gorm:"not null;default:true"`
	DeletedAt gorm.DeletedAt `gorm:"index"`
}

func (AccessRuleModel) TableName() string {
	return "relay_access_rules"
}
