package relay

import (
	"context"
	"time"
)

// RuleRepository persists forwarding rules.
type RuleRepository interface {
	Create(ctx context.Context, rule *Rule) error
	GetByID(ctx context.Context, id uint) (*Rule, error)
	Update(ctx context.Context, rule *Rule) error
	Delete(ctx context.Context, id uint) error
	List(ctx context.Context) ([]*Rule, error)
	ListEnabled(ctx context.Context) ([]*Rule, error)
}

// AccessRuleRepository persists IP access-control entries. ListGlobal
// returns the entries with no rule ID; ListForRule returns the entries
// scoped to one forwarding rule.
type AccessRuleRepository interface {
	Create(ctx context.Context, rule *AccessRule) error
	Update(ctx context.Context, rule *AccessRule) error
	Delete(ctx context.Context, id uint) error
	ListGlobal(ctx context.Context) ([]*AccessRule, error)
	ListForRule(ctx context.Context, ruleID uint) ([]*AccessRule, error)
}

// AccessPolicy is the collaborator providing a way to enumerate the ordered
// CIDR rule set for a given forwarding rule. The returned slice is a
// snapshot; the core does not retain it across datagrams.
type AccessPolicy interface {
	EffectiveRules(ctx context.Context, ruleID uint) ([]*AccessRule, error)
}

// ConnectionSink is the collaborator for fire-and-forget persistence
// of connection lifecycle. Every call returns promptly; the core never
// awaits it on the data path.
type ConnectionSink interface {
	Save(ctx context.Context, record ConnectionRecord) error
	Update(ctx context.Context, record ConnectionRecord) error
	UpdateTrafficStats(ctx context.Context, connectionID string, rxBytes, txBytes, rxPkts, txPkts int64) error
	Delete(ctx context.Context, connectionID string) error
}

// MetricsSink is the collaborator exposing process-wide counters.
type MetricsSink interface {
	IncActiveConnections()
	DecActiveConnections()
	IncTotalConnections()
	IncConnectionErrors()
	IncTransferErrors()
	AddBytesTransferred(n int64)
	IncForwardingRuleCount()
	DecForwardingRuleCount()
}

// ListenerStatus is the enumerated state a listener reports through
// ListenerStatusSink.
type ListenerStatus string

const (
	ListenerStatusActive        ListenerStatus = "ACTIVE"
	ListenerStatusWaitingClient ListenerStatus = "WAITING_CLIENT"
	ListenerStatusStopped       ListenerStatus = "STOPPED"
)

// ListenerStatusSink is the collaborator and only channel
// through which external observers learn of listener health.
type ListenerStatusSink interface {
	CreateListener(ruleID uint, port uint16, protocol string)
	SetWaitingForClients(ruleID uint, protocol string)
	OnClientConnected(ruleID uint, protocol string)
	OnClientDisconnected(ruleID uint, protocol string)
	StopListener(ruleID uint)
}

// Scheduler is the minimal timer abstraction taking (delay, task) and
// (period, task) in place of framework-bound scheduled-task
// annotations. Implementations run tasks on a dedicated executor so
// reconnect waits and sweeps never starve I/O workers.
type Scheduler interface {
	// After runs task once after delay elapses. Cancel stops a pending
	// or repeating task; calling it more than once is a no-op.
	After(delay time.Duration, task func()) (cancel func())

	// Every runs task repeatedly every period, starting after the first
	// period elapses.
	Every(period time.Duration, task func()) (cancel func())

	// Shutdown stops accepting new tasks and cancels everything pending,
	// honoring ctx's deadline for any in-flight task to finish.
	Shutdown(ctx context.Context)
}
