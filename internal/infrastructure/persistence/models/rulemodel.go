package models

import (
	"time"

	"gorm.io/gorm"
)

// RuleModel is the persistence model for a forwarding rule.
type RuleModel struct {
	ID                   uint   `gorm:"primarykey"`
	Name                 string `gorm:"not null;size:100"`
	SourceIP             string `gorm:"column:source_ip;not null;size:45;uniqueIndex:idx_rule_bind"`
	SourcePort           int    `gorm:"column:source_port;not null;uniqueIndex:idx_rule_bind"`
	TargetIP             string `gorm:"column:target_ip;not null;size:255"`
	TargetPort           int    `gorm:"column:target_port;not null"`
	Protocol             string `gorm:"not null;size:10;index:idx_rule_protocol"`
	UDPMode              string `gorm:"column:udp_mode;size:20"`
	Enabled              bool   `gorm:"not null;default:true"`
	AutoReconnect        bool   `gorm:"column:auto_reconnect;not null;default:true"`
	ReconnectIntervalMs  int    `gorm:"column:reconnect_interval_ms;not null"`
	MaxReconnectAttempts int    `gorm:"column:max_reconnect_attempts;not null"`
	PoolSize             int    `gorm:"column:pool_size;not null;default:1"`
	CreatedAt            time.Time
	UpdatedAt            time.Time
	DeletedAt            gorm.DeletedAt `gorm:"index"`
}

func (RuleModel) TableName() string {
	return "relay_rules"
}
