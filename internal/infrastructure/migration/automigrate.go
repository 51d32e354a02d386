package migration

import (
	"relaycore/internal/infrastructure/persistence/models"
)

// AutoMigrateModels lists the relay persistence models GORM AutoMigrate
// keeps in sync with struct definitions in development.
func AutoMigrateModels() []interface{} {
	return []interface{}{
		&models.RuleModel{},
		&models.AccessRuleModel{},
		&models.ConnectionRecordModel{},
	}
}
