package testutil

import (
	"context"
	"sync"
	"time"

	"relaycore/internal/domain/relay"
	"relaycore/internal/domain/relay/valueobjects"
)

// RuleParams holds parameters for creating a test forwarding rule.
type RuleParams struct {
	Name                 string
	SourceIP             string
	SourcePort           uint16
	TargetIP             string
	TargetPort           uint16
	Protocol             valueobjects.Protocol
	UDPMode              valueobjects.UDPMode
	AutoReconnect        bool
	ReconnectIntervalMs  int64
	MaxReconnectAttempts int
	PoolSize             int
}

// RuleOption modifies RuleParams.
type RuleOption func(*RuleParams)

// WithSourcePort sets the listen (source) port.
func WithSourcePort(port uint16) RuleOption {
	return func(p *RuleParams) { p.SourcePort = port }
}

// WithTarget sets the upstream target address and port.
func WithTarget(ip string, port uint16) RuleOption {
	return func(p *RuleParams) { p.TargetIP = ip; p.TargetPort = port }
}

// WithProtocol sets the rule's protocol.
func WithProtocol(protocol valueobjects.Protocol) RuleOption {
	return func(p *RuleParams) { p.Protocol = protocol }
}

// WithUDPMode sets the UDP dispatch mode.
func WithUDPMode(mode valueobjects.UDPMode) RuleOption {
	return func(p *RuleParams) { p.UDPMode = mode }
}

// WithPoolSize sets the upstream pool size.
func WithPoolSize(size int) RuleOption {
	return func(p *RuleParams) { p.PoolSize = size }
}

// ValidTCPRuleParams returns valid parameters for a TCP rule.
func ValidTCPRuleParams(opts ...RuleOption) RuleParams {
	params := RuleParams{
		Name:                 "test-tcp-rule",
		SourceIP:             "0.0.0.0",
		SourcePort:           19000,
		TargetIP:             "127.0.0.1",
		TargetPort:           9000,
		Protocol:             valueobjects.ProtocolTCP,
		AutoReconnect:        true,
		ReconnectIntervalMs:  1000,
		MaxReconnectAttempts: 5,
		PoolSize:             1,
	}
	for _, opt := range opts {
		opt(&params)
	}
	return params
}

// ValidUDPRuleParams returns valid parameters for a point-to-point UDP rule.
func ValidUDPRuleParams(opts ...RuleOption) RuleParams {
	params := RuleParams{
		Name:       "test-udp-rule",
		SourceIP:   "0.0.0.0",
		SourcePort: 19001,
		TargetIP:   "127.0.0.1",
		TargetPort: 9001,
		Protocol:   valueobjects.ProtocolUDP,
		UDPMode:    valueobjects.UDPModePointToPoint,
		PoolSize:   1,
	}
	for _, opt := range opts {
		opt(&params)
	}
	return params
}

// ValidBroadcastRuleParams returns valid parameters for a UDP broadcast rule.
func ValidBroadcastRuleParams(opts ...RuleOption) RuleParams {
	params := RuleParams{
		Name:       "test-broadcast-rule",
		SourceIP:   "0.0.0.0",
		SourcePort: 19002,
		TargetIP:   "0.0.0.0",
		TargetPort: 9002,
		Protocol:   valueobjects.ProtocolUDP,
		UDPMode:    valueobjects.UDPModeBroadcast,
		PoolSize:   1,
	}
	for _, opt := range opts {
		opt(&params)
	}
	return params
}

// NewTestRule builds a test rule with the given parameters.
func NewTestRule(params RuleParams) (*relay.Rule, error) {
	return relay.NewRule(
		params.Name,
		params.SourceIP,
		params.SourcePort,
		params.TargetIP,
		params.TargetPort,
		params.Protocol,
		params.UDPMode,
		params.AutoReconnect,
		params.ReconnectIntervalMs,
		params.MaxReconnectAttempts,
		params.PoolSize,
	)
}

// NewTestRuleWithID builds a test rule and assigns it an ID, for tests
// that exercise engine/registry code keyed on Rule.ID().
func NewTestRuleWithID(id uint, params RuleParams) (*relay.Rule, error) {
	now := time.Now()
	return relay.ReconstructRule(
		id,
		params.Name,
		params.SourceIP,
		params.SourcePort,
		params.TargetIP,
		params.TargetPort,
		params.Protocol,
		params.UDPMode,
		true,
		params.AutoReconnect,
		params.ReconnectIntervalMs,
		params.MaxReconnectAttempts,
		params.PoolSize,
		now,
		now,
	)
}

// FakeScheduler is an immediate-execution relay.Scheduler for tests:
// After runs its task synchronously on the calling goroutine rather than
// waiting out the real delay, so reconnect-backoff tests don't need to
// sleep. Every records the task without firing it; call RunEvery to
// trigger a registered periodic task on demand (e.g. to drive a sweep).
type FakeScheduler struct {
	mu        sync.Mutex
	afterLog  []time.Duration
	everyLog  []time.Duration
	everyTask []func()
	cancels   int
}

// NewFakeScheduler creates a new fake scheduler.
func NewFakeScheduler() *FakeScheduler {
	return &FakeScheduler{}
}

func (f *FakeScheduler) After(delay time.Duration, task func()) func() {
	f.mu.Lock()
	f.afterLog = append(f.afterLog, delay)
	f.mu.Unlock()
	task()
	return func() {
		f.mu.Lock()
		f.cancels++
		f.mu.Unlock()
	}
}

func (f *FakeScheduler) Every(period time.Duration, task func()) func() {
	f.mu.Lock()
	f.everyLog = append(f.everyLog, period)
	f.everyTask = append(f.everyTask, task)
	f.mu.Unlock()
	return func() {
		f.mu.Lock()
		f.cancels++
		f.mu.Unlock()
	}
}

func (f *FakeScheduler) Shutdown(ctx context.Context) {}

// AfterCalls returns the delays passed to every After call, oldest first.
func (f *FakeScheduler) AfterCalls() []time.Duration {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]time.Duration(nil), f.afterLog...)
}

// EveryCalls returns the periods passed to every Every call, oldest first.
func (f *FakeScheduler) EveryCalls() []time.Duration {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]time.Duration(nil), f.everyLog...)
}

// RunEvery invokes the nth task registered via Every (0-indexed), for
// tests that need to drive a sweep deterministically.
func (f *FakeScheduler) RunEvery(n int) {
	f.mu.Lock()
	task := f.everyTask[n]
	f.mu.Unlock()
	task()
}
