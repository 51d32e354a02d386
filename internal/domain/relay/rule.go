// Package relay provides the domain model for the forwarding data plane:
// rules, access rules, connection records, the access-control decider,
// and the narrow collaborator interfaces the engine depends on.
package relay

import (
	"fmt"
	"net"
	"time"

	"relaycore/internal/domain/relay/valueobjects"
)

// Rule is the forwarding rule aggregate root. It is immutable once
// Activate has been called by the engine; editing a transport-defining
// field requires Deactivate first (enforced by the mutators below, not
// by this type itself — the engine is the authority on activation state
// and passes it back in via MarkActive/MarkInactive).
type Rule struct {
	id                   uint
	name                 string
	sourceIP             string
	sourcePort           uint16
	targetIP             string
	targetPort           uint16
	protocol             valueobjects.Protocol
	udpMode              valueobjects.UDPMode
	enabled              bool
	active               bool
	autoReconnect        bool
	reconnectIntervalMs  int64
	maxReconnectAttempts int
	poolSize             int
	createdAt            time.Time
	updatedAt            time.Time
}

// NewRule creates a new Rule, validating every field.
// sourceIP may be empty, defaulting to "0.0.0.0".
func NewRule(
	name string,
	sourceIP string,
	sourcePort uint16,
	targetIP string,
	targetPort uint16,
	protocol valueobjects.Protocol,
	udpMode valueobjects.UDPMode,
	autoReconnect bool,
	reconnectIntervalMs int64,
	maxReconnectAttempts int,
	poolSize int,
) (*Rule, error) {
	if name == "" {
		return nil, fmt.Errorf("rule name is required")
	}
	if sourceIP == "" {
		sourceIP = "0.0.0.0"
	}
	if err := validateIP(sourceIP); err != nil {
		return nil, fmt.Errorf("%w: source ip %q: %v", ErrInvalidAddress, sourceIP, err)
	}
	if err := validateHost(targetIP); err != nil {
		return nil, fmt.Errorf("%w: target ip %q: %v", ErrInvalidAddress, targetIP, err)
	}
	if err := validatePort(sourcePort); err != nil {
		return nil, fmt.Errorf("source port: %w", err)
	}
	if err := validatePort(targetPort); err != nil {
		return nil, fmt.Errorf("target port: %w", err)
	}
	if !protocol.IsValid() {
		return nil, fmt.Errorf("%w: %s", ErrInvalidProtocol, protocol)
	}
	if protocol.HasUDP() && !udpMode.IsValid() {
		return nil, fmt.Errorf("udp mode is required for protocol %s", protocol)
	}
	if poolSize <= 0 {
		return nil, fmt.Errorf("pool size must be positive")
	}
	if reconnectIntervalMs <= 0 {
		return nil, fmt.Errorf("reconnect interval must be positive")
	}
	if maxReconnectAttempts < 0 {
		return nil, fmt.Errorf("max reconnect attempts must not be negative")
	}

	now := time.Now()
	return &Rule{
		name:                 name,
		sourceIP:             sourceIP,
		sourcePort:           sourcePort,
		targetIP:             targetIP,
		targetPort:           targetPort,
		protocol:             protocol,
		udpMode:              udpMode,
		enabled:              false,
		autoReconnect:        autoReconnect,
		reconnectIntervalMs:  reconnectIntervalMs,
		maxReconnectAttempts: maxReconnectAttempts,
		poolSize:             poolSize,
		createdAt:            now,
		updatedAt:            now,
	}, nil
}

// ReconstructRule rehydrates a Rule from persistence without re-running
// creation-time validation (the stored row was valid when it was
// written; only identity-defining invariants are re-checked here).
func ReconstructRule(
	id uint,
	name string,
	sourceIP string,
	sourcePort uint16,
	targetIP string,
	targetPort uint16,
	protocol valueobjects.Protocol,
	udpMode valueobjects.UDPMode,
	enabled bool,
	autoReconnect bool,
	reconnectIntervalMs int64,
	maxReconnectAttempts int,
	poolSize int,
	createdAt time.Time,
	updatedAt time.Time,
) (*Rule, error) {
	if id == 0 {
		return nil, fmt.Errorf("rule id is required for reconstruction")
	}
	return &Rule{
		id:                   id,
		name:                 name,
		sourceIP:             sourceIP,
		sourcePort:           sourcePort,
		targetIP:             targetIP,
		targetPort:           targetPort,
		protocol:             protocol,
		udpMode:              udpMode,
		enabled:              enabled,
		autoReconnect:        autoReconnect,
		reconnectIntervalMs:  reconnectIntervalMs,
		maxReconnectAttempts: maxReconnectAttempts,
		poolSize:             poolSize,
		createdAt:            createdAt,
		updatedAt:            updatedAt,
	}, nil
}

// SetID assigns the database-generated identity after first insert.
func (r *Rule) SetID(id uint) {
	r.id = id
}

// Getters.

func (r *Rule) ID() uint                       { return r.id }
func (r *Rule) Name() string                   { return r.name }
func (r *Rule) SourceIP() string               { return r.sourceIP }
func (r *Rule) SourcePort() uint16             { return r.sourcePort }
func (r *Rule) TargetIP() string               { return r.targetIP }
func (r *Rule) TargetPort() uint16             { return r.targetPort }
func (r *Rule) Protocol() valueobjects.Protocol { return r.protocol }
func (r *Rule) UDPMode() valueobjects.UDPMode   { return r.udpMode }
func (r *Rule) IsEnabled() bool                { return r.enabled }
func (r *Rule) IsActive() bool                 { return r.active }
func (r *Rule) AutoReconnect() bool            { return r.autoReconnect }
func (r *Rule) ReconnectIntervalMs() int64     { return r.reconnectIntervalMs }
func (r *Rule) MaxReconnectAttempts() int      { return r.maxReconnectAttempts }
func (r *Rule) PoolSize() int                  { return r.poolSize }
func (r *Rule) CreatedAt() time.Time           { return r.createdAt }
func (r *Rule) UpdatedAt() time.Time           { return r.updatedAt }

// Target returns "targetIP:targetPort" as used for net.Dial.
func (r *Rule) Target() string {
	return net.JoinHostPort(r.targetIP, fmt.Sprintf("%d", r.targetPort))
}

// BindKey returns the (sourceIp,sourcePort) bind key;
// the engine indexes active listeners by this plus a protocol suffix.
func (r *Rule) BindKey() string {
	return fmt.Sprintf("%s_%d", r.sourceIP, r.sourcePort)
}

func validateIP(ip string) error {
	if net.ParseIP(ip) == nil {
		return fmt.Errorf("not a valid IP address")
	}
	return nil
}

// validateHost accepts an IP address or a simple dotted hostname;
// forward targets are frequently hostnames rather than bare IPs.
func validateHost(host string) error {
	if host == "" {
		return fmt.Errorf("must not be empty")
	}
	if net.ParseIP(host) != nil {
		return nil
	}
	if len(host) > 253 {
		return fmt.Errorf("hostname too long")
	}
	return nil
}

func validatePort(port uint16) error {
	if port == 0 {
		return ErrInvalidPort
	}
	return nil
}
