package relay

import (
	"fmt"
	"time"

	"github.com/google/uuid"

	"relaycore/internal/domain/relay/valueobjects"
)

// ConnectionRecord is the persisted unit of connection history. Byte/packet counters are monotonically non-decreasing; status
// transitions CONNECTING -> CONNECTED -> {DISCONNECTED,ERROR,TIMEOUT}
// are one-way, enforced by TransitionTo.
type ConnectionRecord struct {
	ConnectionID    string
	RuleID          uint
	Protocol        valueobjects.Protocol
	LocalPort       uint16
	RemoteAddress   string
	RemotePort      uint16
	Status          valueobjects.ConnectionStatus
	ConnectedAt     time.Time
	DisconnectedAt  *time.Time
	BytesRx         int64
	BytesTx         int64
	PacketsRx       int64
	PacketsTx       int64
	LastActiveAt    time.Time
	ErrorMessage    string
}

// NewConnectionRecord mints a fresh record in CONNECTING state with a
// random UUID connectionId.
func NewConnectionRecord(ruleID uint, protocol valueobjects.Protocol, localPort uint16, remoteAddress string, remotePort uint16) *ConnectionRecord {
	now := time.Now()
	return &ConnectionRecord{
		ConnectionID:  uuid.NewString(),
		RuleID:        ruleID,
		Protocol:      protocol,
		LocalPort:     localPort,
		RemoteAddress: remoteAddress,
		RemotePort:    remotePort,
		Status:        valueobjects.ConnectionStatusConnecting,
		ConnectedAt:   now,
		LastActiveAt:  now,
	}
}

// TransitionTo enforces the one-way status invariant.
func (c *ConnectionRecord) TransitionTo(next valueobjects.ConnectionStatus, errMessage string) error {
	if !c.Status.CanTransitionTo(next) {
		return fmt.Errorf("connection %s: invalid transition %s -> %s", c.ConnectionID, c.Status, next)
	}
	c.Status = next
	c.LastActiveAt = time.Now()
	if next.IsTerminal() {
		now := time.Now()
		c.DisconnectedAt = &now
	}
	if errMessage != "" {
		c.ErrorMessage = errMessage
	}
	return nil
}

// RecordTraffic adds to the counters additively; it never decreases them.
func (c *ConnectionRecord) RecordTraffic(rxBytes, txBytes, rxPkts, txPkts int64) {
	c.BytesRx += rxBytes
	c.BytesTx += txBytes
	c.PacketsRx += rxPkts
	c.PacketsTx += txPkts
	c.LastActiveAt = time.Now()
}

// Snapshot returns a copy safe to hand to an asynchronous persistence
// sink without risking a data race with the live record.
func (c *ConnectionRecord) Snapshot() ConnectionRecord {
	cp := *c
	return cp
}
