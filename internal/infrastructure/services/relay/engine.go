package relaysvc

import (
	"context"
	"fmt"
	"sync"

	"relaycore/internal/domain/relay"
	"relaycore/internal/domain/relay/valueobjects"
	"relaycore/internal/shared/config"
	"relaycore/internal/shared/logger"
)

// State is a rule's activation lifecycle state.
type State string

const (
	StateInactive  State = "INACTIVE"
	StateStarting  State = "STARTING"
	StateRunning   State = "RUNNING"
	StateStopping  State = "STOPPING"
	StateError     State = "ERROR"
)

// componentKey enforces the (ruleKey, suffix) uniqueness invariant:
// no two active components may share a bind address and protocol
// suffix.
type componentKey struct {
	bindKey string
	suffix  string
}

const (
	suffixTCP         = "TCP"
	suffixUDP         = "UDP"
	suffixUDPBroadcast = "UDP_BROADCAST"
)

type ruleRuntime struct {
	rule  *relay.Rule
	state State

	pool        *Pool
	tcpListener *TCPListener
	udpSessions *UDPSessionManager
	broadcast   *BroadcastEngine
}

// Engine is the forwarding engine: the rule-lifecycle state
// machine that activates and deactivates the pool, registry, listeners,
// and session/broadcast managers per rule,
// sharing three process-global worker groups across every rule.
type Engine struct {
	log        logger.Interface
	registry   *Registry
	scheduler  relay.Scheduler
	accessPolicy relay.AccessPolicy
	connSink   relay.ConnectionSink
	metrics    relay.MetricsSink
	statusSink relay.ListenerStatusSink

	tcpAcceptSem chan struct{}
	tcpIOSem     chan struct{}
	udpSem       chan struct{}

	mu        sync.Mutex
	runtimes  map[uint]*ruleRuntime
	occupied  map[componentKey]uint
}

func NewEngine(
	cfg *config.EngineConfig,
	accessPolicy relay.AccessPolicy,
	connSink relay.ConnectionSink,
	metrics relay.MetricsSink,
	statusSink relay.ListenerStatusSink,
	scheduler relay.Scheduler,
	log logger.Interface,
) *Engine {
	acceptWorkers := cfg.TCPAcceptWorkers
	if acceptWorkers <= 0 {
		acceptWorkers = 1
	}
	ioWorkers := cfg.TCPIOWorkers
	if ioWorkers <= 0 {
		ioWorkers = 4
	}
	udpWorkers := cfg.UDPWorkers
	if udpWorkers <= 0 {
		udpWorkers = 4
	}

	return &Engine{
		log:          log,
		registry:     NewRegistry(log, metrics, connSink, scheduler),
		scheduler:    scheduler,
		accessPolicy: accessPolicy,
		connSink:     connSink,
		metrics:      metrics,
		statusSink:   statusSink,
		tcpAcceptSem: make(chan struct{}, acceptWorkers),
		tcpIOSem:     make(chan struct{}, ioWorkers),
		udpSem:       make(chan struct{}, udpWorkers),
		runtimes:     make(map[uint]*ruleRuntime),
		occupied:     make(map[componentKey]uint),
	}
}

// Activate transitions a rule INACTIVE -> STARTING -> RUNNING, starting
// whichever components its protocol calls for. Any sub-start
// failure rolls the rule back to INACTIVE, closing whatever partially
// succeeded, and returns false.
func (e *Engine) Activate(rule *relay.Rule) bool {
	e.mu.Lock()

	if rt, ok := e.runtimes[rule.ID()]; ok && rt.state != StateInactive && rt.state != StateError {
		e.mu.Unlock()
		return false
	}

	suffixes := requiredSuffixes(rule)
	keys := make([]componentKey, 0, len(suffixes))
	for _, suffix := range suffixes {
		key := componentKey{bindKey: rule.BindKey(), suffix: suffix}
		if owner, taken := e.occupied[key]; taken && owner != rule.ID() {
			e.mu.Unlock()
			return false
		}
		keys = append(keys, key)
	}

	rt := &ruleRuntime{rule: rule, state: StateStarting}
	e.runtimes[rule.ID()] = rt
	e.mu.Unlock()

	ok := e.startComponents(rt)
	if !ok {
		e.stopComponents(rt)
		e.mu.Lock()
		rt.state = StateInactive
		e.mu.Unlock()
		return false
	}

	e.mu.Lock()
	rt.state = StateRunning
	for _, key := range keys {
		e.occupied[key] = rule.ID()
	}
	e.mu.Unlock()

	if e.metrics != nil {
		e.metrics.IncForwardingRuleCount()
	}
	if e.statusSink != nil {
		e.statusSink.SetWaitingForClients(rule.ID(), string(rule.Protocol()))
	}
	return true
}

func requiredSuffixes(rule *relay.Rule) []string {
	var suffixes []string
	if rule.Protocol().HasTCP() {
		suffixes = append(suffixes, suffixTCP)
	}
	if rule.Protocol().HasUDP() {
		if rule.UDPMode() == valueobjects.UDPModeBroadcast {
			suffixes = append(suffixes, suffixUDPBroadcast)
		} else {
			suffixes = append(suffixes, suffixUDP)
		}
	}
	return suffixes
}

func (e *Engine) startComponents(rt *ruleRuntime) bool {
	rule := rt.rule

	if rule.Protocol().HasTCP() {
		pool := NewPool(rule, e.log, e.scheduler, e.metrics, func(slotIdx int, data []byte) {
			e.registry.RouteFromUpstream(rule.ID(), slotIdx, data)
		}, func() {
			// rt.pool is still nil during the constructor's own eager-seed
			// dial; no client can have buffered anything before the
			// listener exists, so skipping the flush there is safe.
			if rt.pool != nil {
				e.registry.FlushBuffered(rule.ID(), rt.pool)
			}
		}, func(slotIdx int) {
			e.registry.ClearSlotAffinity(rule.ID(), slotIdx)
		})
		rt.pool = pool

		listener, err := NewTCPListener(rule, e.registry, pool, e.accessPolicy, e.connSink, e.metrics, e.statusSink, e.tcpAcceptSem, e.tcpIOSem, e.log)
		if err != nil {
			e.log.Errorw("tcp listener bind failed", "rule_id", rule.ID(), "error", err)
			return false
		}
		rt.tcpListener = listener
	}

	if rule.Protocol().HasUDP() {
		if rule.UDPMode() == valueobjects.UDPModeBroadcast {
			b, err := NewBroadcastEngine(rule, e.connSink, e.metrics, e.statusSink, e.scheduler, e.udpSem, e.log)
			if err != nil {
				e.log.Errorw("broadcast engine bind failed", "rule_id", rule.ID(), "error", err)
				return false
			}
			rt.broadcast = b
		} else {
			sessions, err := NewUDPSessionManager(rule, e.connSink, e.metrics, e.statusSink, e.scheduler, e.udpSem, e.log)
			if err != nil {
				e.log.Errorw("udp session manager bind failed", "rule_id", rule.ID(), "error", err)
				return false
			}
			rt.udpSessions = sessions
		}
	}

	return true
}

func (e *Engine) stopComponents(rt *ruleRuntime) {
	if rt.tcpListener != nil {
		rt.tcpListener.Close()
		rt.tcpListener = nil
	}
	if rt.pool != nil {
		rt.pool.Shutdown()
		rt.pool = nil
	}
	if rt.udpSessions != nil {
		rt.udpSessions.Close()
		rt.udpSessions = nil
	}
	if rt.broadcast != nil {
		rt.broadcast.Close()
		rt.broadcast = nil
	}
	e.registry.DropRule(rt.rule.ID())
}

// Deactivate transitions a rule STOPPING -> INACTIVE, tearing down every
// component it started. Deactivating an already-inactive rule is a
// no-op success.
func (e *Engine) Deactivate(ruleID uint) bool {
	e.mu.Lock()
	rt, ok := e.runtimes[ruleID]
	if !ok || rt.state == StateInactive {
		e.mu.Unlock()
		return true
	}
	rt.state = StateStopping
	e.mu.Unlock()

	e.stopComponents(rt)

	e.mu.Lock()
	defer e.mu.Unlock()
	rt.state = StateInactive
	for key, owner := range e.occupied {
		if owner == ruleID {
			delete(e.occupied, key)
		}
	}
	if e.metrics != nil {
		e.metrics.DecForwardingRuleCount()
	}
	if e.statusSink != nil {
		e.statusSink.StopListener(ruleID)
	}
	return true
}

// IsRunning reports whether a rule's components are currently active.
func (e *Engine) IsRunning(ruleID uint) bool {
	return e.State(ruleID) == StateRunning
}

// ActiveServerCount reports how many rules currently have running
// components, across every protocol.
func (e *Engine) ActiveServerCount() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	count := 0
	for _, rt := range e.runtimes {
		if rt.state == StateRunning {
			count++
		}
	}
	return count
}

// State reports the current lifecycle state of a rule, StateInactive
// if it was never activated.
func (e *Engine) State(ruleID uint) State {
	e.mu.Lock()
	defer e.mu.Unlock()
	rt, ok := e.runtimes[ruleID]
	if !ok {
		return StateInactive
	}
	return rt.state
}

// PoolStatus reports the read-only pool view: (ruleId, active, total,
// reconnectAttempts, state).
func (e *Engine) PoolStatus(ruleID uint) (active, total int, states []SlotState, ok bool) {
	e.mu.Lock()
	rt, found := e.runtimes[ruleID]
	e.mu.Unlock()
	if !found || rt.pool == nil {
		return 0, 0, nil, false
	}
	states = rt.pool.SlotStates()
	return rt.pool.ActiveCount(), len(states), states, true
}

// ClientStats reports the per-rule client read-only view: count,
// byte/packet totals, and bytes currently buffered behind a down
// upstream.
func (e *Engine) ClientStats(ruleID uint) RuleStats {
	return e.registry.Stats(ruleID)
}

// UDPSessionStats reports the UDP point-to-point session counters.
func (e *Engine) UDPSessionStats(ruleID uint) (total, active, expired int64, ok bool) {
	e.mu.Lock()
	rt, found := e.runtimes[ruleID]
	e.mu.Unlock()
	if !found || rt.udpSessions == nil {
		return 0, 0, 0, false
	}
	total, active, expired = rt.udpSessions.Stats()
	return total, active, expired, true
}

// BroadcastStats reports the broadcast engine's downstream/upstream
// participant counts and byte totals.
func (e *Engine) BroadcastStats(ruleID uint) (downstreamCount, upstreamCount int, bytesRx, bytesTx int64, ok bool) {
	e.mu.Lock()
	rt, found := e.runtimes[ruleID]
	e.mu.Unlock()
	if !found || rt.broadcast == nil {
		return 0, 0, 0, 0, false
	}
	downstreamCount, upstreamCount, bytesRx, bytesTx = rt.broadcast.Stats()
	return downstreamCount, upstreamCount, bytesRx, bytesTx, true
}

// Shutdown cascades Deactivate over every active rule then lets the
// three worker groups drain.
func (e *Engine) Shutdown(ctx context.Context) {
	e.mu.Lock()
	ids := make([]uint, 0, len(e.runtimes))
	for id, rt := range e.runtimes {
		if rt.state != StateInactive {
			ids = append(ids, id)
		}
	}
	e.mu.Unlock()

	for _, id := range ids {
		e.Deactivate(id)
	}

	e.registry.Close()
	e.scheduler.Shutdown(ctx)
}

// ValidateNoConflict reports whether activating rule would collide with
// an already-occupied (bindKey,suffix), without attempting activation.
func (e *Engine) ValidateNoConflict(rule *relay.Rule) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	for _, suffix := range requiredSuffixes(rule) {
		key := componentKey{bindKey: rule.BindKey(), suffix: suffix}
		if owner, taken := e.occupied[key]; taken && owner != rule.ID() {
			return fmt.Errorf("bind conflict: %s/%s already active for rule %d", rule.BindKey(), suffix, owner)
		}
	}
	return nil
}
