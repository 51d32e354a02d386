// Package testutil provides in-memory fakes for the relay domain's
// external collaborators, for use by relaysvc and application tests.
package testutil

import (
	"context"
	"sync"

	"go.uber.org/zap"

	"relaycore/internal/domain/relay"
	"relaycore/internal/shared/logger"
)

// NewNopLogger returns a logger.Interface that discards everything, for
// tests that need a real Interface rather than a mock.Mock expectation
// set (relaysvc's components log heavily on goroutine error paths that
// aren't worth asserting on individually).
func NewNopLogger() logger.Interface {
	return logger.NewLoggerWithZap(zap.NewNop())
}

// FakeAccessPolicy is an in-memory relay.AccessPolicy for testing.
type FakeAccessPolicy struct {
	mu    sync.RWMutex
	rules map[uint][]*relay.AccessRule
	err   error
}

// NewFakeAccessPolicy creates a new fake access policy with no rules.
func NewFakeAccessPolicy() *FakeAccessPolicy {
	return &FakeAccessPolicy{rules: make(map[uint][]*relay.AccessRule)}
}

// EffectiveRules returns the rules set for ruleID via SetRules.
func (f *FakeAccessPolicy) EffectiveRules(ctx context.Context, ruleID uint) ([]*relay.AccessRule, error) {
	f.mu.RLock()
	defer f.mu.RUnlock()
	if f.err != nil {
		return nil, f.err
	}
	return f.rules[ruleID], nil
}

// SetRules sets the effective rule set for a ruleID (for test setup).
func (f *FakeAccessPolicy) SetRules(ruleID uint, rules []*relay.AccessRule) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.rules[ruleID] = rules
}

// SetError makes every EffectiveRules call return err.
func (f *FakeAccessPolicy) SetError(err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.err = err
}

// FakeConnectionSink is an in-memory relay.ConnectionSink for testing.
type FakeConnectionSink struct {
	mu      sync.Mutex
	records map[string]relay.ConnectionRecord
	saved   int
	updated int
	deleted int
	saveErr error
}

// NewFakeConnectionSink creates a new fake connection sink.
func NewFakeConnectionSink() *FakeConnectionSink {
	return &FakeConnectionSink{records: make(map[string]relay.ConnectionRecord)}
}

func (f *FakeConnectionSink) Save(ctx context.Context, record relay.ConnectionRecord) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.saveErr != nil {
		return f.saveErr
	}
	f.records[record.ConnectionID] = record
	f.saved++
	return nil
}

func (f *FakeConnectionSink) Update(ctx context.Context, record relay.ConnectionRecord) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.records[record.ConnectionID] = record
	f.updated++
	return nil
}

func (f *FakeConnectionSink) UpdateTrafficStats(ctx context.Context, connectionID string, rxBytes, txBytes, rxPkts, txPkts int64) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	rec, ok := f.records[connectionID]
	if !ok {
		return nil
	}
	rec.RecordTraffic(rxBytes, txBytes, rxPkts, txPkts)
	f.records[connectionID] = rec
	return nil
}

func (f *FakeConnectionSink) Delete(ctx context.Context, connectionID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.records, connectionID)
	f.deleted++
	return nil
}

// Get returns the stored record for a connection ID, for assertions.
func (f *FakeConnectionSink) Get(connectionID string) (relay.ConnectionRecord, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	rec, ok := f.records[connectionID]
	return rec, ok
}

// Counts returns the number of Save/Update/Delete calls observed.
func (f *FakeConnectionSink) Counts() (saved, updated, deleted int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.saved, f.updated, f.deleted
}

// SetSaveError makes every Save call return err.
func (f *FakeConnectionSink) SetSaveError(err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.saveErr = err
}

// FakeMetricsSink is an in-memory relay.MetricsSink for testing.
type FakeMetricsSink struct {
	mu                  sync.Mutex
	activeConnections   int64
	totalConnections    int64
	connectionErrors    int64
	transferErrors      int64
	bytesTransferred    int64
	forwardingRuleCount int64
}

// NewFakeMetricsSink creates a new fake metrics sink, all counters zero.
func NewFakeMetricsSink() *FakeMetricsSink {
	return &FakeMetricsSink{}
}

func (f *FakeMetricsSink) IncActiveConnections() {
	f.mu.Lock()
	f.activeConnections++
	f.mu.Unlock()
}

func (f *FakeMetricsSink) DecActiveConnections() {
	f.mu.Lock()
	f.activeConnections--
	f.mu.Unlock()
}

func (f *FakeMetricsSink) IncTotalConnections() {
	f.mu.Lock()
	f.totalConnections++
	f.mu.Unlock()
}

func (f *FakeMetricsSink) IncConnectionErrors() {
	f.mu.Lock()
	f.connectionErrors++
	f.mu.Unlock()
}

func (f *FakeMetricsSink) IncTransferErrors() {
	f.mu.Lock()
	f.transferErrors++
	f.mu.Unlock()
}

func (f *FakeMetricsSink) AddBytesTransferred(n int64) {
	f.mu.Lock()
	f.bytesTransferred += n
	f.mu.Unlock()
}

func (f *FakeMetricsSink) IncForwardingRuleCount() {
	f.mu.Lock()
	f.forwardingRuleCount++
	f.mu.Unlock()
}

func (f *FakeMetricsSink) DecForwardingRuleCount() {
	f.mu.Lock()
	f.forwardingRuleCount--
	f.mu.Unlock()
}

// Snapshot returns every counter's current value, for assertions.
func (f *FakeMetricsSink) Snapshot() (active, total, connErrors, transferErrors, bytes, ruleCount int64) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.activeConnections, f.totalConnections, f.connectionErrors, f.transferErrors, f.bytesTransferred, f.forwardingRuleCount
}

// statusCall records a single ListenerStatusSink invocation.
type statusCall struct {
	RuleID   uint
	Protocol string
	Event    string
}

// FakeListenerStatusSink is an in-memory relay.ListenerStatusSink for testing.
type FakeListenerStatusSink struct {
	mu    sync.Mutex
	calls []statusCall
}

// NewFakeListenerStatusSink creates a new fake listener status sink.
func NewFakeListenerStatusSink() *FakeListenerStatusSink {
	return &FakeListenerStatusSink{}
}

func (f *FakeListenerStatusSink) CreateListener(ruleID uint, port uint16, protocol string) {
	f.record(ruleID, protocol, "CREATE")
}

func (f *FakeListenerStatusSink) SetWaitingForClients(ruleID uint, protocol string) {
	f.record(ruleID, protocol, "WAITING")
}

func (f *FakeListenerStatusSink) OnClientConnected(ruleID uint, protocol string) {
	f.record(ruleID, protocol, "CONNECTED")
}

func (f *FakeListenerStatusSink) OnClientDisconnected(ruleID uint, protocol string) {
	f.record(ruleID, protocol, "DISCONNECTED")
}

func (f *FakeListenerStatusSink) StopListener(ruleID uint) {
	f.record(ruleID, "", "STOP")
}

func (f *FakeListenerStatusSink) record(ruleID uint, protocol, event string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, statusCall{RuleID: ruleID, Protocol: protocol, Event: event})
}

// Calls returns every recorded invocation, oldest first.
func (f *FakeListenerStatusSink) Calls() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	events := make([]string, len(f.calls))
	for i, c := range f.calls {
		events[i] = c.Event
	}
	return events
}

// CountEvent returns how many times event was recorded for ruleID.
func (f *FakeListenerStatusSink) CountEvent(ruleID uint, event string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for _, c := range f.calls {
		if c.RuleID == ruleID && c.Event == event {
			n++
		}
	}
	return n
}

// Reset clears every recorded call.
func (f *FakeListenerStatusSink) Reset() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = nil
}

// FakeRuleRepository is an in-memory relay.RuleRepository for testing.
type FakeRuleRepository struct {
	mu      sync.Mutex
	rules   map[uint]*relay.Rule
	nextID  uint
	saveErr error
}

// NewFakeRuleRepository creates an empty FakeRuleRepository.
func NewFakeRuleRepository() *FakeRuleRepository {
	return &FakeRuleRepository{rules: make(map[uint]*relay.Rule)}
}

func (f *FakeRuleRepository) Create(ctx context.Context, rule *relay.Rule) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.saveErr != nil {
		return f.saveErr
	}
	f.nextID++
	rule.SetID(f.nextID)
	f.rules[f.nextID] = rule
	return nil
}

func (f *FakeRuleRepository) GetByID(ctx context.Context, id uint) (*relay.Rule, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	rule, ok := f.rules[id]
	if !ok {
		return nil, relay.ErrRuleNotFound
	}
	return rule, nil
}

func (f *FakeRuleRepository) Update(ctx context.Context, rule *relay.Rule) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.saveErr != nil {
		return f.saveErr
	}
	if _, ok := f.rules[rule.ID()]; !ok {
		return relay.ErrRuleNotFound
	}
	f.rules[rule.ID()] = rule
	return nil
}

func (f *FakeRuleRepository) Delete(ctx context.Context, id uint) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.rules[id]; !ok {
		return relay.ErrRuleNotFound
	}
	delete(f.rules, id)
	return nil
}

func (f *FakeRuleRepository) List(ctx context.Context) ([]*relay.Rule, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]*relay.Rule, 0, len(f.rules))
	for _, r := range f.rules {
		out = append(out, r)
	}
	return out, nil
}

func (f *FakeRuleRepository) ListEnabled(ctx context.Context) ([]*relay.Rule, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []*relay.Rule
	for _, r := range f.rules {
		if r.IsEnabled() {
			out = append(out, r)
		}
	}
	return out, nil
}

// SetSaveError makes subsequent Create/Update calls fail with err.
func (f *FakeRuleRepository) SetSaveError(err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.saveErr = err
}

// Seed inserts rule directly, assigning it an ID if it doesn't have one.
func (f *FakeRuleRepository) Seed(rule *relay.Rule) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if rule.ID() == 0 {
		f.nextID++
		rule.SetID(f.nextID)
	}
	f.rules[rule.ID()] = rule
}

// FakeAccessRuleRepository is an in-memory relay.AccessRuleRepository
// for testing.
type FakeAccessRuleRepository struct {
	mu     sync.Mutex
	rules  map[uint]*relay.AccessRule
	nextID uint
}

// NewFakeAccessRuleRepository creates an empty FakeAccessRuleRepository.
func NewFakeAccessRuleRepository() *FakeAccessRuleRepository {
	return &FakeAccessRuleRepository{rules: make(map[uint]*relay.AccessRule)}
}

func (f *FakeAccessRuleRepository) Create(ctx context.Context, rule *relay.AccessRule) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.nextID++
	rule.SetID(f.nextID)
	f.rules[f.nextID] = rule
	return nil
}

func (f *FakeAccessRuleRepository) Update(ctx context.Context, rule *relay.AccessRule) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.rules[rule.ID()] = rule
	return nil
}

func (f *FakeAccessRuleRepository) Delete(ctx context.Context, id uint) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.rules, id)
	return nil
}

func (f *FakeAccessRuleRepository) ListGlobal(ctx context.Context) ([]*relay.AccessRule, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []*relay.AccessRule
	for _, r := range f.rules {
		if r.IsGlobal() {
			out = append(out, r)
		}
	}
	return out, nil
}

func (f *FakeAccessRuleRepository) ListForRule(ctx context.Context, ruleID uint) ([]*relay.AccessRule, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []*relay.AccessRule
	for _, r := range f.rules {
		if r.RuleID() != nil && *r.RuleID() == ruleID {
			out = append(out, r)
		}
	}
	return out, nil
}

// FakeActivator is an in-memory usecases.Activator for testing: it
// tracks which rule IDs are "running" without opening any sockets.
type FakeActivator struct {
	mu             sync.Mutex
	running        map[uint]bool
	refuseActivate bool
	conflictErr    error
}

// NewFakeActivator creates a FakeActivator with nothing running.
func NewFakeActivator() *FakeActivator {
	return &FakeActivator{running: make(map[uint]bool)}
}

func (f *FakeActivator) Activate(rule *relay.Rule) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.refuseActivate {
		return false
	}
	f.running[rule.ID()] = true
	return true
}

func (f *FakeActivator) Deactivate(ruleID uint) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.running, ruleID)
	return true
}

func (f *FakeActivator) IsRunning(ruleID uint) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.running[ruleID]
}

func (f *FakeActivator) ValidateNoConflict(rule *relay.Rule) error {
	return f.conflictErr
}

// SetRefuseActivate makes every subsequent Activate call return false.
func (f *FakeActivator) SetRefuseActivate(refuse bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.refuseActivate = refuse
}

// SetConflictError makes ValidateNoConflict return err.
func (f *FakeActivator) SetConflictError(err error) {
	f.conflictErr = err
}
