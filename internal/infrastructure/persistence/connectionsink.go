package persistence

import (
	"context"
	"fmt"
	"time"

	"gorm.io/gorm"

	"relaycore/internal/domain/relay"
	"relaycore/internal/infrastructure/persistence/models"
)

// ConnectionSink is the GORM-backed relay.ConnectionSink. The engine
// invokes this off the data path; callers are expected to do so from a
// buffered worker, not inline per packet/byte.
type ConnectionSink struct {
	db *gorm.DB
}

func NewConnectionSink(db *gorm.DB) *ConnectionSink {
	return &ConnectionSink{db: db}
}

func (s *ConnectionSink) Save(ctx context.Context, record relay.ConnectionRecord) error {
	m := toConnectionRecordModel(record)
	if err := s.db.WithContext(ctx).Create(m).Error; err != nil {
		return fmt.Errorf("save connection record: %w", err)
	}
	return nil
}

func (s *ConnectionSink) Update(ctx context.Context, record relay.ConnectionRecord) error {
	m := toConnectionRecordModel(record)
	res := s.db.WithContext(ctx).
		Where("connection_id = ?", record.ConnectionID).
		Select("status", "disconnected_at", "bytes_rx", "bytes_tx", "packets_rx", "packets_tx", "last_active_at", "error_message").
		Updates(m)
	if res.Error != nil {
		return fmt.Errorf("update connection record: %w", res.Error)
	}
	return nil
}

func (s *ConnectionSink) UpdateTrafficStats(ctx context.Context, connectionID string, rxBytes, txBytes, rxPkts, txPkts int64) error {
	res := s.db.WithContext(ctx).Model(&models.ConnectionRecordModel{}).
		Where("connection_id = ?", connectionID).
		Updates(map[string]interface{}{
			"bytes_rx":       gorm.Expr("bytes_rx + ?", rxBytes),
			"bytes_tx":       gorm.Expr("bytes_tx + ?", txBytes),
			"packets_rx":     gorm.Expr("packets_rx + ?", rxPkts),
			"packets_tx":     gorm.Expr("packets_tx + ?", txPkts),
			"last_active_at": time.Now(),
		})
	if res.Error != nil {
		return fmt.Errorf("update traffic stats: %w", res.Error)
	}
	return nil
}

func (s *ConnectionSink) Delete(ctx context.Context, connectionID string) error {
	if err := s.db.WithContext(ctx).Where("connection_id = ?", connectionID).Delete(&models.ConnectionRecordModel{}).Error; err != nil {
		return fmt.Errorf("delete connection record: %w", err)
	}
	return nil
}

func toConnectionRecordModel(record relay.ConnectionRecord) *models.ConnectionRecordModel {
	return &models.ConnectionRecordModel{
		ConnectionID:   record.ConnectionID,
		RuleID:         record.RuleID,
		Protocol:       record.Protocol.String(),
		LocalPort:      int(record.LocalPort),
		RemoteAddress:  record.RemoteAddress,
		RemotePort:     int(record.RemotePort),
		Status:         string(record.Status),
		ConnectedAt:    record.ConnectedAt,
		DisconnectedAt: record.DisconnectedAt,
		BytesRx:        record.BytesRx,
		BytesTx:        record.BytesTx,
		PacketsRx:      record.PacketsRx,
		PacketsTx:      record.PacketsTx,
		LastActiveAt:   record.LastActiveAt,
		ErrorMessage:   record.ErrorMessage,
	}
}
