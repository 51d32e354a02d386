package relaysvc

import (
	"net"
	"sync"
	"sync/atomic"
	"time"

	"relaycore/internal/domain/relay"
	"relaycore/internal/shared/goroutine"
	"relaycore/internal/shared/logger"
	"relaycore/internal/shared/utils"
)

const dialTimeout = 10 * time.Second
const maxBackoff = 60 * time.Second

// SlotState is the per-slot reconnect state machine:
// CONNECTED -> BACKOFF -> CONNECTING -> {CONNECTED, GIVEUP}.
type SlotState int

const (
	SlotDisconnected SlotState = iota
	SlotConnected
	SlotBackoff
	SlotConnecting
	SlotGiveUp
)

func (s SlotState) String() string {
	switch s {
	case SlotConnected:
		return "CONNECTED"
	case SlotBackoff:
		return "BACKOFF"
	case SlotConnecting:
		return "CONNECTING"
	case SlotGiveUp:
		return "GIVEUP"
	default:
		return "DISCONNECTED"
	}
}

type slot struct {
	mu          sync.Mutex
	conn        net.Conn
	state       SlotState
	attempt     int
	cancelTimer func()
}

// InboundFunc receives bytes read from an upstream slot, to be routed
// to downstream clients.
type InboundFunc func(slotIndex int, data []byte)

// Pool is the upstream connection pool: up to rule.PoolSize()
// outbound TCP connections to rule.Target(), each independently
// managed by the reconnect state machine.
type Pool struct {
	rule         *relay.Rule
	log          logger.Interface
	scheduler    relay.Scheduler
	metrics      relay.MetricsSink
	onInbound    InboundFunc
	onReconnect  func()
	onSlotClosed func(slotIdx int)

	slots       []*slot
	rrIndex     atomic.Uint64
	activeCount atomic.Int32
	closed      atomic.Bool
}

// NewPool creates the pool and eagerly dials the first slot so the
// upstream can push unsolicited data.
// onReconnect fires every time a slot transitions into CONNECTED,
// including the eager seed dial, so the caller can drain any client
// buffers accumulated while the upstream was unreachable.
// onSlotClosed fires whenever a slot's connection is torn down, so the
// caller can drop any client affinity recorded against that slot
// before it is reused by a future reconnect.
func NewPool(rule *relay.Rule, log logger.Interface, scheduler relay.Scheduler, metrics relay.MetricsSink, onInbound InboundFunc, onReconnect func(), onSlotClosed func(slotIdx int)) *Pool {
	p := &Pool{
		rule:         rule,
		log:          log,
		scheduler:    scheduler,
		metrics:      metrics,
		onInbound:    onInbound,
		onReconnect:  onReconnect,
		onSlotClosed: onSlotClosed,
		slots:        make([]*slot, rule.PoolSize()),
	}
	for i := range p.slots {
		p.slots[i] = &slot{}
	}
	if err := p.dial(0); err != nil {
		p.log.Warnw("eager seed dial failed", "rule_id", rule.ID(), "target", rule.Target(), "error", err)
		p.scheduleReconnect(0)
	}
	return p
}

// Get returns a healthy connection by round-robin, dialing a new slot
// on demand if capacity remains.
func (p *Pool) Get() (net.Conn, int, bool) {
	n := len(p.slots)
	if n == 0 {
		return nil, -1, false
	}
	start := int(utils.SafeUint64ToInt64(p.rrIndex.Add(1))) % n
	for i := 0; i < n; i++ {
		idx := (start + i) % n
		s := p.slots[idx]
		s.mu.Lock()
		healthy := s.state == SlotConnected && s.conn != nil
		conn := s.conn
		s.mu.Unlock()
		if healthy {
			return conn, idx, true
		}
	}

	if int(p.activeCount.Load()) < len(p.slots) {
		for idx, s := range p.slots {
			s.mu.Lock()
			empty := s.state == SlotDisconnected
			s.mu.Unlock()
			if empty {
				if err := p.dial(idx); err != nil {
					p.log.Warnw("on-demand dial failed", "rule_id", p.rule.ID(), "slot", idx, "error", err)
					p.scheduleReconnect(idx)
					return nil, -1, false
				}
				s.mu.Lock()
				conn := s.conn
				s.mu.Unlock()
				return conn, idx, true
			}
		}
	}

	return nil, -1, false
}

// Release is a no-op: connections are persistent and shared.
func (p *Pool) Release(int) {}

// ActiveCount reports the number of slots currently CONNECTED.
func (p *Pool) ActiveCount() int {
	count := 0
	for _, s := range p.slots {
		s.mu.Lock()
		if s.state == SlotConnected {
			count++
		}
		s.mu.Unlock()
	}
	return count
}

// SlotStates returns a snapshot of every slot's state for the engine's
// read-only status views.
func (p *Pool) SlotStates() []SlotState {
	out := make([]SlotState, len(p.slots))
	for i, s := range p.slots {
		s.mu.Lock()
		out[i] = s.state
		s.mu.Unlock()
	}
	return out
}

func (p *Pool) dial(idx int) error {
	s := p.slots[idx]

	s.mu.Lock()
	s.state = SlotConnecting
	s.mu.Unlock()

	conn, err := net.DialTimeout("tcp", p.rule.Target(), dialTimeout)
	if err != nil {
		s.mu.Lock()
		s.state = SlotDisconnected
		s.mu.Unlock()
		return err
	}
	if tcpConn, ok := conn.(*net.TCPConn); ok {
		_ = tcpConn.SetKeepAlive(true)
		_ = tcpConn.SetNoDelay(true)
	}

	s.mu.Lock()
	s.conn = conn
	s.state = SlotConnected
	s.attempt = 0
	s.mu.Unlock()
	p.activeCount.Add(1)

	goroutine.SafeGo(p.log, "relay-pool-reader", func() {
		p.readLoop(idx, conn)
	})

	if p.onReconnect != nil {
		p.onReconnect()
	}

	return nil
}

func (p *Pool) readLoop(idx int, conn net.Conn) {
	buf := make([]byte, 32*1024)
	for {
		n, err := conn.Read(buf)
		if n > 0 && p.onInbound != nil {
			data := make([]byte, n)
			copy(data, buf[:n])
			p.onInbound(idx, data)
		}
		if err != nil {
			p.closeSlot(idx, conn)
			if !p.closed.Load() {
				p.scheduleReconnect(idx)
			}
			return
		}
	}
}

func (p *Pool) closeSlot(idx int, conn net.Conn) {
	conn.Close()
	s := p.slots[idx]
	s.mu.Lock()
	if s.conn == conn {
		s.conn = nil
		s.state = SlotBackoff
	}
	s.mu.Unlock()
	p.activeCount.Add(-1)
	if p.onSlotClosed != nil {
		p.onSlotClosed(idx)
	}
}

// scheduleReconnect decides GIVEUP vs. BACKOFF before touching the
// scheduler: a slot that has already exhausted MaxReconnectAttempts
// gives up here, rather than after one further dial attempt, so
// MaxReconnectAttempts == 0 gives up immediately after the first
// failure with no extra dial.
func (p *Pool) scheduleReconnect(idx int) {
	if p.closed.Load() || !p.rule.AutoReconnect() {
		p.slots[idx].mu.Lock()
		p.slots[idx].state = SlotGiveUp
		p.slots[idx].mu.Unlock()
		return
	}

	s := p.slots[idx]
	s.mu.Lock()
	maxAttempts := p.rule.MaxReconnectAttempts()
	if s.attempt >= maxAttempts {
		attempt := s.attempt
		s.state = SlotGiveUp
		s.mu.Unlock()
		p.log.Warnw("upstream slot gave up reconnecting", "rule_id", p.rule.ID(), "slot", idx, "attempts", attempt)
		return
	}
	s.state = SlotBackoff
	attempt := s.attempt + 1
	s.attempt = attempt
	interval := time.Duration(p.rule.ReconnectIntervalMs()) * time.Millisecond
	delay := interval * time.Duration(attempt)
	if delay > maxBackoff {
		delay = maxBackoff
	}
	s.mu.Unlock()

	cancel := p.scheduler.After(delay, func() {
		p.attemptReconnect(idx)
	})

	s.mu.Lock()
	s.cancelTimer = cancel
	s.mu.Unlock()
}

func (p *Pool) attemptReconnect(idx int) {
	if p.closed.Load() {
		return
	}

	s := p.slots[idx]
	s.mu.Lock()
	s.state = SlotConnecting
	s.mu.Unlock()

	if err := p.dial(idx); err != nil {
		p.scheduleReconnect(idx)
	}
}

// Shutdown cancels every pending reconnect timer and closes every slot.
func (p *Pool) Shutdown() {
	p.closed.Store(true)
	for _, s := range p.slots {
		s.mu.Lock()
		if s.cancelTimer != nil {
			s.cancelTimer()
		}
		if s.conn != nil {
			s.conn.Close()
			s.conn = nil
		}
		s.state = SlotDisconnected
		s.mu.Unlock()
	}
}
