package models

import "time"

// ConnectionRecordModel is the persistence model for a single
// forwarded connection's lifecycle and traffic counters.
type ConnectionRecordModel struct {
	ID             uint   `gorm:"primarykey"`
	ConnectionID   string `gorm:"column:connection_id;not null;size:36;uniqueIndex"`
	RuleID         uint   `gorm:"column:rule_id;not null;index:idx_conn_rule_id"`
	Protocol       string `gorm:"not null;size:10"`
	LocalPort      int    `gorm:"column:local_port;not null"`
	RemoteAddress  string `gorm:"column:remote_address;not null;size:45"`
	RemotePort     int    `gorm:"column:remote_port;not null"`
	Status         string `gorm:"not null;size:20;index:idx_conn_status"`
	ConnectedAt    time.Time
	DisconnectedAt *time.Time
	BytesRx        int64 `gorm:"column:bytes_rx;not null;default:0"`
	BytesTx        int64 `gorm:"column:bytes_tx;not null;default:0"`
	PacketsRx      int64 `gorm:"column:packets_rx;not null;default:0"`
	PacketsTx      int64 `gorm:"column:packets_tx;not null;default:0"`
	LastActiveAt   time.Time `gorm:"column:last_active_at"`
	ErrorMessage   string    `gorm:"column:error_message;size:500"`
}

func (ConnectionRecordModel) TableName() string {
	return "relay_connection_records"
}
