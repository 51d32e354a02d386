package relay

import (
	"fmt"
	"time"

	"relaycore/internal/domain/relay/valueobjects"
)

func (r *Rule) touch() {
	r.updatedAt = time.Now()
}

// Enable flips the rule to enabled. The caller (application layer) is
// responsible for checking ErrPortConflict against the other enabled
// rules before calling this.
func (r *Rule) Enable() {
	r.enabled = true
	r.touch()
}

// Disable flips the rule to disabled. The engine must have already
// deactivated any running listener for this rule.
func (r *Rule) Disable() {
	r.enabled = false
	r.touch()
}

// MarkActive/MarkInactive track whether the engine currently has a live
// listener for this rule; transport-defining fields refuse edits while
// active.
func (r *Rule) MarkActive() {
	r.active = true
}

func (r *Rule) MarkInactive() {
	r.active = false
}

func (r *Rule) requireInactive() error {
	if r.active {
		return ErrRuleActive
	}
	return nil
}

// UpdateName changes the human label; does not require deactivation.
func (r *Rule) UpdateName(name string) error {
	if name == "" {
		return fmt.Errorf("rule name is required")
	}
	r.name = name
	r.touch()
	return nil
}

// UpdateListenEndpoint changes the source bind address; transport-defining.
func (r *Rule) UpdateListenEndpoint(sourceIP string, sourcePort uint16) error {
	if err := r.requireInactive(); err != nil {
		return err
	}
	if sourceIP == "" {
		sourceIP = "0.0.0.0"
	}
	if err := validateIP(sourceIP); err != nil {
		return fmt.Errorf("%w: source ip %q: %v", ErrInvalidAddress, sourceIP, err)
	}
	if err := validatePort(sourcePort); err != nil {
		return fmt.Errorf("source port: %w", err)
	}
	r.sourceIP = sourceIP
	r.sourcePort = sourcePort
	r.touch()
	return nil
}

// UpdateTarget changes the upstream address; transport-defining.
func (r *Rule) UpdateTarget(targetIP string, targetPort uint16) error {
	if err := r.requireInactive(); err != nil {
		return err
	}
	if err := validateHost(targetIP); err != nil {
		return fmt.Errorf("%w: target ip %q: %v", ErrInvalidAddress, targetIP, err)
	}
	if err := validatePort(targetPort); err != nil {
		return fmt.Errorf("target port: %w", err)
	}
	r.targetIP = targetIP
	r.targetPort = targetPort
	r.touch()
	return nil
}

// UpdateProtocol changes the rule's protocol; transport-defining.
func (r *Rule) UpdateProtocol(protocol valueobjects.Protocol) error {
	if err := r.requireInactive(); err != nil {
		return err
	}
	if !protocol.IsValid() {
		return fmt.Errorf("%w: %s", ErrInvalidProtocol, protocol)
	}
	r.protocol = protocol
	r.touch()
	return nil
}

// UpdateReconnectPolicy changes reconnect tuning; does not require
// deactivation since it only affects future BACKOFF scheduling.
func (r *Rule) UpdateReconnectPolicy(autoReconnect bool, intervalMs int64, maxAttempts int) error {
	if intervalMs <= 0 {
		return fmt.Errorf("reconnect interval must be positive")
	}
	if maxAttempts < 0 {
		return fmt.Errorf("max reconnect attempts must not be negative")
	}
	r.autoReconnect = autoReconnect
	r.reconnectIntervalMs = intervalMs
	r.maxReconnectAttempts = maxAttempts
	r.touch()
	return nil
}

// UpdatePoolSize changes the upstream pool's slot count; transport-defining
// since the engine must rebuild the pool to apply it.
func (r *Rule) UpdatePoolSize(poolSize int) error {
	if err := r.requireInactive(); err != nil {
		return err
	}
	if poolSize <= 0 {
		return fmt.Errorf("pool size must be positive")
	}
	r.poolSize = poolSize
	r.touch()
	return nil
}

// Validate re-checks every invariant NewRule enforces, to catch rules
// mutated by a non-domain path (e.g. a raw persistence row).
func (r *Rule) Validate() error {
	if r.name == "" {
		return fmt.Errorf("rule name is required")
	}
	if err := validateIP(r.sourceIP); err != nil {
		return fmt.Errorf("%w: source ip %q: %v", ErrInvalidAddress, r.sourceIP, err)
	}
	if err := validateHost(r.targetIP); err != nil {
		return fmt.Errorf("%w: target ip %q: %v", ErrInvalidAddress, r.targetIP, err)
	}
	if err := validatePort(r.sourcePort); err != nil {
		return fmt.Errorf("source port: %w", err)
	}
	if err := validatePort(r.targetPort); err != nil {
		return fmt.Errorf("target port: %w", err)
	}
	if !r.protocol.IsValid() {
		return fmt.Errorf("%w: %s", ErrInvalidProtocol, r.protocol)
	}
	if r.protocol.HasUDP() && !r.udpMode.IsValid() {
		return fmt.Errorf("udp mode is required for protocol %s", r.protocol)
	}
	if r.poolSize <= 0 {
		return fmt.Errorf("pool size must be positive")
	}
	if r.reconnectIntervalMs <= 0 {
		return fmt.Errorf("reconnect interval must be positive")
	}
	if r.maxReconnectAttempts < 0 {
		return fmt.Errorf("max reconnect attempts must not be negative")
	}
	return nil
}

// ConflictsWith reports whether r and other would violate the bind
// uniqueness invariant: no two enabled rules share (sourceIp,sourcePort)
// unless their protocols are disjoint.
func (r *Rule) ConflictsWith(other *Rule) bool {
	if r.id == other.id {
		return false
	}
	if !r.enabled || !other.enabled {
		return false
	}
	if r.sourceIP != other.sourceIP || r.sourcePort != other.sourcePort {
		return false
	}
	return r.protocol.Conflicts(other.protocol)
}
