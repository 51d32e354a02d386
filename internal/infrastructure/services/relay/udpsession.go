package relaysvc

import (
	"context"
	"net"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"relaycore/internal/domain/relay"
	"relaycore/internal/domain/relay/valueobjects"
	"relaycore/internal/shared/goroutine"
	"relaycore/internal/shared/logger"
)

const (
	udpSessionIdleTimeout   = 5 * time.Minute
	udpSweepInterval        = 60 * time.Second
	udpTrafficFlushInterval = 30 * time.Second
)

// udpSessionKey is clientHost:clientPort@ruleId.
type udpSessionKey struct {
	clientAddr string
	ruleID     uint
}

type udpSession struct {
	key        udpSessionKey
	clientAddr *net.UDPAddr
	out        *net.UDPConn
	record     *relay.ConnectionRecord

	mu           sync.Mutex
	createdAt    time.Time
	lastActiveAt time.Time

	// Traffic since the last flushSessionStats call; swapped to zero on
	// each flush rather than held as a running total, since the sink is
	// additive (ConnectionSink.UpdateTrafficStats).
	rxBytes atomic.Int64
	txBytes atomic.Int64
	rxPkts  atomic.Int64
	txPkts  atomic.Int64
}

// UDPSessionManager is the UDP point-to-point session table: one
// inbound socket per rule, an outbound ephemeral socket per distinct
// client, and a sweeper that evicts sessions idle past the timeout.
type UDPSessionManager struct {
	rule *relay.Rule
	log  logger.Interface

	in         *net.UDPConn
	target     *net.UDPAddr
	connSink   relay.ConnectionSink
	metrics    relay.MetricsSink
	statusSink relay.ListenerStatusSink
	scheduler  relay.Scheduler

	mu       sync.Mutex
	sessions map[udpSessionKey]*udpSession

	totalCount   atomic.Int64
	expiredCount atomic.Int64

	udpSem chan struct{}

	ctx         context.Context
	cancel      context.CancelFunc
	cancelSweep func()
	cancelFlush func()
	bufPool     sync.Pool
}

func NewUDPSessionManager(
	rule *relay.Rule,
	connSink relay.ConnectionSink,
	metrics relay.MetricsSink,
	statusSink relay.ListenerStatusSink,
	scheduler relay.Scheduler,
	udpSem chan struct{},
	log logger.Interface,
) (*UDPSessionManager, error) {
	addr, err := net.ResolveUDPAddr("udp", net.JoinHostPort(rule.SourceIP(), strconv.Itoa(int(rule.SourcePort()))))
	if err != nil {
		return nil, relay.ErrListenerBindFailed
	}
	conn, err := net.ListenUDP("udp", addr)
	if err != nil {
		return nil, relay.ErrListenerBindFailed
	}
	targetAddr, err := net.ResolveUDPAddr("udp", rule.Target())
	if err != nil {
		conn.Close()
		return nil, relay.ErrListenerBindFailed
	}

	ctx, cancel := context.WithCancel(context.Background())
	m := &UDPSessionManager{
		rule:       rule,
		log:        log,
		in:         conn,
		target:     targetAddr,
		connSink:   connSink,
		metrics:    metrics,
		statusSink: statusSink,
		scheduler:  scheduler,
		sessions:   make(map[udpSessionKey]*udpSession),
		udpSem:     udpSem,
		ctx:        ctx,
		cancel:     cancel,
		bufPool: sync.Pool{
			New: func() interface{} { return make([]byte, 64*1024) },
		},
	}

	if statusSink != nil {
		statusSink.CreateListener(rule.ID(), rule.SourcePort(), "UDP")
		statusSink.SetWaitingForClients(rule.ID(), "UDP")
	}

	m.cancelSweep = scheduler.Every(udpSweepInterval, m.sweep)
	m.cancelFlush = scheduler.Every(udpTrafficFlushInterval, m.flushAllTrafficStats)

	goroutine.SafeGo(log, "relay-udp-inbound", m.readInbound)

	return m, nil
}

func (m *UDPSessionManager) readInbound() {
	// The inbound read loop is bounded by the process-wide UDP worker
	// group, held for the listener's lifetime.
	if m.udpSem != nil {
		m.udpSem <- struct{}{}
		defer func() { <-m.udpSem }()
	}
	for {
		bufAny := m.bufPool.Get()
		buf := bufAny.([]byte)
		n, clientAddr, err := m.in.ReadFromUDP(buf)
		if err != nil {
			m.bufPool.Put(buf)
			select {
			case <-m.ctx.Done():
				return
			default:
				continue
			}
		}
		data := make([]byte, n)
		copy(data, buf[:n])
		m.bufPool.Put(buf)

		m.handleInbound(clientAddr, data)
	}
}

func (m *UDPSessionManager) handleInbound(clientAddr *net.UDPAddr, data []byte) {
	key := udpSessionKey{clientAddr: clientAddr.String(), ruleID: m.rule.ID()}

	m.mu.Lock()
	sess, ok := m.sessions[key]
	m.mu.Unlock()

	if ok {
		sess.mu.Lock()
		sess.lastActiveAt = time.Now()
		sess.mu.Unlock()
		m.send(sess, data)
		return
	}

	sess, created := m.getOrCreate(key, clientAddr)
	if created {
		m.totalCount.Add(1)
		if m.statusSink != nil {
			m.statusSink.OnClientConnected(m.rule.ID(), "UDP")
		}
	}
	m.send(sess, data)
}

// getOrCreate binds a fresh outbound socket for a new client. Insertion
// is first-writer-wins: if another goroutine won the race, the losing
// socket is closed and the winning session is returned.
func (m *UDPSessionManager) getOrCreate(key udpSessionKey, clientAddr *net.UDPAddr) (*udpSession, bool) {
	out, err := net.ListenUDP("udp", nil)
	if err != nil {
		m.log.Warnw("udp outbound bind failed", "rule_id", m.rule.ID(), "error", err)
		if m.metrics != nil {
			m.metrics.IncTransferErrors()
		}
		return nil, false
	}

	now := time.Now()
	record := relay.NewConnectionRecord(m.rule.ID(), valueobjects.ProtocolUDP, m.rule.SourcePort(), clientAddr.IP.String(), uint16(clientAddr.Port))
	_ = record.TransitionTo(valueobjects.ConnectionStatusConnected, "")

	sess := &udpSession{
		key:          key,
		clientAddr:   clientAddr,
		out:          out,
		record:       record,
		createdAt:    now,
		lastActiveAt: now,
	}

	m.mu.Lock()
	existing, raced := m.sessions[key]
	if !raced {
		m.sessions[key] = sess
	}
	m.mu.Unlock()

	if raced {
		out.Close()
		return existing, false
	}

	if m.connSink != nil {
		if err := m.connSink.Save(m.ctx, record.Snapshot()); err != nil {
			m.log.Warnw("failed to persist udp session record", "error", err)
		}
	}

	goroutine.SafeGo(m.log, "relay-udp-session-reader", func() {
		m.readOutbound(sess)
	})

	return sess, true
}

func (m *UDPSessionManager) readOutbound(sess *udpSession) {
	buf := make([]byte, 64*1024)
	for {
		n, err := sess.out.Read(buf)
		if err != nil {
			return
		}
		sess.mu.Lock()
		sess.lastActiveAt = time.Now()
		sess.mu.Unlock()

		if _, err := m.in.WriteToUDP(buf[:n], sess.clientAddr); err != nil {
			if m.metrics != nil {
				m.metrics.IncTransferErrors()
			}
		} else {
			sess.txBytes.Add(int64(n))
			sess.txPkts.Add(1)
			if m.metrics != nil {
				m.metrics.AddBytesTransferred(int64(n))
			}
		}
	}
}

func (m *UDPSessionManager) send(sess *udpSession, data []byte) {
	if sess == nil {
		return
	}
	if _, err := sess.out.WriteToUDP(data, m.target); err != nil {
		// Dropping a datagram because the socket isn't ready yet is
		// acceptable UDP semantics; still counted.
		if m.metrics != nil {
			m.metrics.IncTransferErrors()
		}
		return
	}
	sess.rxBytes.Add(int64(len(data)))
	sess.rxPkts.Add(1)
	if m.metrics != nil {
		m.metrics.AddBytesTransferred(int64(len(data)))
	}
}

// flushSessionStats drains sess's accumulated traffic since the last
// flush into connSink, additively. A zero delta is skipped so an idle
// session doesn't generate a no-op update every flush interval.
func (m *UDPSessionManager) flushSessionStats(sess *udpSession) {
	if m.connSink == nil {
		return
	}
	rx, tx := sess.rxBytes.Swap(0), sess.txBytes.Swap(0)
	rxPkts, txPkts := sess.rxPkts.Swap(0), sess.txPkts.Swap(0)
	if rx == 0 && tx == 0 && rxPkts == 0 && txPkts == 0 {
		return
	}
	if err := m.connSink.UpdateTrafficStats(m.ctx, sess.record.ConnectionID, rx, tx, rxPkts, txPkts); err != nil {
		m.log.Warnw("failed to flush udp session traffic stats", "rule_id", m.rule.ID(), "connection_id", sess.record.ConnectionID, "error", err)
	}
}

// flushAllTrafficStats is the periodic scheduler task draining every
// live session's accumulated traffic into connSink.
func (m *UDPSessionManager) flushAllTrafficStats() {
	m.mu.Lock()
	sessions := make([]*udpSession, 0, len(m.sessions))
	for _, sess := range m.sessions {
		sessions = append(sessions, sess)
	}
	m.mu.Unlock()

	for _, sess := range sessions {
		m.flushSessionStats(sess)
	}
}

func (m *UDPSessionManager) sweep() {
	cutoff := time.Now().Add(-udpSessionIdleTimeout)

	m.mu.Lock()
	var expired []*udpSession
	for key, sess := range m.sessions {
		sess.mu.Lock()
		idle := sess.lastActiveAt.Before(cutoff)
		sess.mu.Unlock()
		if idle {
			expired = append(expired, sess)
			delete(m.sessions, key)
		}
	}
	m.mu.Unlock()

	for _, sess := range expired {
		m.flushSessionStats(sess)
		sess.out.Close()
		_ = sess.record.TransitionTo(valueobjects.ConnectionStatusDisconnected, "")
		if m.connSink != nil {
			if err := m.connSink.Update(m.ctx, sess.record.Snapshot()); err != nil {
				m.log.Warnw("failed to update expired udp session record", "error", err)
			}
		}
		m.expiredCount.Add(1)
	}
}

// Stats reports total, active, and expired session counts.
func (m *UDPSessionManager) Stats() (total, active, expired int64) {
	m.mu.Lock()
	active = int64(len(m.sessions))
	m.mu.Unlock()
	return m.totalCount.Load(), active, m.expiredCount.Load()
}

// Close tears down the sweeper, every session socket, and the inbound socket.
func (m *UDPSessionManager) Close() error {
	m.cancel()
	if m.cancelSweep != nil {
		m.cancelSweep()
	}
	if m.cancelFlush != nil {
		m.cancelFlush()
	}

	m.mu.Lock()
	sessions := m.sessions
	m.sessions = make(map[udpSessionKey]*udpSession)
	m.mu.Unlock()

	for _, sess := range sessions {
		sess.out.Close()
	}

	err := m.in.Close()
	if m.statusSink != nil {
		m.statusSink.StopListener(m.rule.ID())
	}
	return err
}
