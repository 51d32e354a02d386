package migration

import (
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"time"

	"relaycore/internal/shared/logger"
)

// migrationNamePattern only allows alphanumeric characters, underscores, and hyphens
var migrationNamePattern = regexp.MustCompile(`^[a-zA-Z0-9_-]+$`)

// Generator handles creation of new migration files
type Generator struct {
	scriptsPath string
	logger      logger.Interface
}

// NewGenerator creates a new migration generator
func NewGenerator(scriptsPath string) *Generator {
	return &Generator{
		scriptsPath: scriptsPath,
		logger:      logger.NewLogger().With("component", "migration.generator"),
	}
}

// CreateMigration creates a new migration file pair (up and down)
func (g *Generator) CreateMigration(name string) error {
	g.logger.Infow("creating new migration", "name", name)

	// Validate migration name to prevent path traversal
	name = strings.TrimSpace(name)
	if !migrationNamePattern.MatchString(name) {
		return fmt.Errorf("invalid migration name: only alphanumeric characters, underscores, and hyphens are allowed")
	}

	// Generate timestamp
	timestamp := time.Now().Format("20060102150405")

	// Generate file names
	upFileName := fmt.Sprintf("%s_%s.up.sql", timestamp, name)
	downFileName := fmt.Sprintf("%s_%s.down.sql", timestamp, name)

	upFilePath := filepath.Join(g.scriptsPath, upFileName)
	downFilePath := filepath.Join(g.scriptsPath, downFileName)

	// Validate paths to prevent path traversal
	if err := g.validatePath(upFilePath); err != nil {
		return fmt.Errorf("invalid up file path: %w", err)
	}
	if err := g.validatePath(downFilePath); err != nil {
		return fmt.Errorf("invalid down file path: %w", err)
	}

	// Ensure scripts directory exists
	if err := os.MkdirAll(g.scriptsPath, 0755); err != nil {
		return fmt.Errorf("failed to create scripts directory: %w", err)
	}

	// Create up migration file
	upContent := g.generateUpMigrationTemplate(name)
	if err := g.writeFile(upFilePath, upContent); err != nil {
		return fmt.Errorf("failed to create up migration file: %w", err)
	}

	// Create down migration file
	downContent := g.generateDownMigrationTemplate(name)
	if err := g.writeFile(downFilePath, downContent); err != nil {
		return fmt.Errorf("failed to create down migration file: %w", err)
	}

	g.logger.Infow("migration files created successfully",
		"up_file", upFilePath,
		"down_file", downFilePath)

	return nil
}

// validatePath ensures the file path is within the scripts directory
func (g *Generator) validatePath(filePath string) error {
	absPath, err := filepath.Abs(filePath)
	if err != nil {
		return fmt.Errorf("failed to get absolute path: %w", err)
	}
	absBase, err := filepath.Abs(g.scriptsPath)
	if err != nil {
		return fmt.Errorf("failed to get absolute base path: %w", err)
	}
	if !strings.HasPrefix(absPath, absBase+string(filepath.Separator)) {
		return fmt.Errorf("path traversal detected")
	}
	return nil
}

// writeFile writes content to a file
func (g *Generator) writeFile(filePath, content string) error {
	file, err := os.Create(filePath)
	if err != nil {
		return err
	}
	defer file.Close()

	_, err = file.WriteString(content)
	return err
}

// generateUpMigrationTemplate generates a template for up migration
func (g *Generator) generateUpMigrationTemplate(name string) string {
	return fmt.Sprintf(`-- Migration: %s
-- Created: %s
-- Description: Add description here

-- Add your SQL statements here
-- Example:
-- CREATE TABLE example_table (
--     id BIGINT UNSIGNED AUTO_INCREMENT PRIMARY KEY,
--     name VARCHAR(255) NOT NULL,
--     created_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP,
--     updated_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP ON UPDATE CURRENT_TIMESTAMP
-- );

`, name, time.Now().Format("2006-01-02 15:04:05"))
}

// generateDownMigrationTemplate generates a template for down migration
func (g *Generator) generateDownMigrationTemplate(name string) string {
	return fmt.Sprintf(`-- Rollback Migration: %s
-- Created: %s
-- Description: Add rollback description here

-- Add your rollback SQL statements here
-- Example:
-- DROP TABLE IF EXISTS example_table;

`, name, time.Now().Format("2006-01-02 15:04:05"))
}

// CreateRuleTablesMigration creates the initial schema migration for
// the rule, access-rule, and connection-record tables.
func (g *Generator) CreateRuleTablesMigration() error {
	g.logger.Infow("creating initial rule tables migration")

	// Use a fixed timestamp for the initial migration
	timestamp := "000001"
	name := "create_relay_tables"

	upFileName := fmt.Sprintf("%s_%s.up.sql", timestamp, name)
	downFileName := fmt.Sprintf("%s_%s.down.sql", timestamp, name)

	upFilePath := filepath.Join(g.scriptsPath, upFileName)
	downFilePath := filepath.Join(g.scriptsPath, downFileName)

	// Validate paths to prevent path traversal
	if err := g.validatePath(upFilePath); err != nil {
		return fmt.Errorf("invalid up file path: %w", err)
	}
	if err := g.validatePath(downFilePath); err != nil {
		return fmt.Errorf("invalid down file path: %w", err)
	}

	// Ensure scripts directory exists
	if err := os.MkdirAll(g.scriptsPath, 0755); err != nil {
		return fmt.Errorf("failed to create scripts directory: %w", err)
	}

	// Create up migration file for the relay tables
	upContent := g.generateRuleTablesUpMigration()
	if err := g.writeFile(upFilePath, upContent); err != nil {
		return fmt.Errorf("failed to create relay tables up migration: %w", err)
	}

	// Create down migration file for the relay tables
	downContent := g.generateRuleTablesDownMigration()
	if err := g.writeFile(downFilePath, downContent); err != nil {
		return fmt.Errorf("failed to create relay tables down migration: %w", err)
	}

	g.logger.Infow("relay tables migration created successfully",
		"up_file", upFilePath,
		"down_file", downFilePath)

	return nil
}

// generateRuleTablesUpMigration generates the up migration for the
// relay schema.
func (g *Generator) generateRuleTablesUpMigration() string {
	return `-- Migration: Create relay tables
-- Created: Initial migration
-- Description: Create the rule, access-rule, and connection-record tables

CREATE TABLE IF NOT EXISTS relay_rules (
    id INTEGER PRIMARY KEY AUTOINCREMENT,
    name VARCHAR(100) NOT NULL,
    source_ip VARCHAR(45) NOT NULL,
    source_port INTEGER NOT NULL,
    target_ip VARCHAR(255) NOT NULL,
    target_port INTEGER NOT NULL,
    protocol VARCHAR(10) NOT NULL,
    udp_mode VARCHAR(20),
    enabled BOOLEAN NOT NULL DEFAULT 1,
    auto_reconnect BOOLEAN NOT NULL DEFAULT 1,
    reconnect_interval_ms INTEGER NOT NULL,
    max_reconnect_attempts INTEGER NOT NULL,
    pool_size INTEGER NOT NULL DEFAULT 1,
    created_at DATETIME,
    updated_at DATETIME,
    deleted_at DATETIME,
    UNIQUE (source_ip, source_port)
);
CREATE INDEX IF NOT EXISTS idx_relay_rules_deleted_at ON relay_rules (deleted_at);

CREATE TABLE IF NOT EXISTS relay_access_rules (
    id INTEGER PRIMARY KEY AUTOINCREMENT,
    rule_id INTEGER,
    cidr VARCHAR(64) NOT NULL,
    action VARCHAR(10) NOT NULL,
    priority INTEGER NOT NULL DEFAULT 0,
    enabled BOOLEAN NOT NULL DEFAULT 1,
    deleted_at DATETIME
);
CREATE INDEX IF NOT EXISTS idx_access_rule_id ON relay_access_rules (rule_id);
CREATE INDEX IF NOT EXISTS idx_relay_access_rules_deleted_at ON relay_access_rules (deleted_at);

CREATE TABLE IF NOT EXISTS relay_connection_records (
    id INTEGER PRIMARY KEY AUTOINCREMENT,
    connection_id VARCHAR(36) NOT NULL UNIQUE,
    rule_id INTEGER NOT NULL,
    protocol VARCHAR(10) NOT NULL,
    local_port INTEGER NOT NULL,
    remote_address VARCHAR(45) NOT NULL,
    remote_port INTEGER NOT NULL,
    status VARCHAR(20) NOT NULL,
    connected_at DATETIME,
    disconnected_at DATETIME,
    bytes_rx BIGINT NOT NULL DEFAULT 0,
    bytes_tx BIGINT NOT NULL DEFAULT 0,
    packets_rx BIGINT NOT NULL DEFAULT 0,
    packets_tx BIGINT NOT NULL DEFAULT 0,
    last_active_at DATETIME,
    error_message VARCHAR(500)
);
CREATE INDEX IF NOT EXISTS idx_conn_rule_id ON relay_connection_records (rule_id);
CREATE INDEX IF NOT EXISTS idx_conn_status ON relay_connection_records (status);
`
}

// generateRuleTablesDownMigration generates the down migration for the
// relay schema.
func (g *Generator) generateRuleTablesDownMigration() string {
	return `-- Rollback Migration: Create relay tables
-- Created: Initial migration rollback
-- Description: Drop the rule, access-rule, and connection-record tables

DROP TABLE IF EXISTS relay_connection_records;
DROP TABLE IF EXISTS relay_access_rules;
DROP TABLE IF EXISTS relay_rules;
`
}
