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
	broadcastHeartbeatTimeout     = 5 * time.Minute
	broadcastSweepInterval        = 60 * time.Second
	broadcastTrafficFlushInterval = 30 * time.Second

	ctrlSubscribe     = "SUBSCRIBE"
	ctrlUnsubscribe   = "UNSUBSCRIBE"
	ctrlHeartbeat     = "HEARTBEAT"
	replySubscribed   = "SUBSCRIBED"
	replyUnsubscribed = "UNSUBSCRIBED"
	replyHeartbeatAck = "HEARTBEAT_ACK"
	replyAutoSub      = "AUTO_SUBSCRIBED"
)

// broadcastClient is a downstream subscriber of the broadcast engine:
// remoteAddr, subscribedAt, lastHeartbeatAt, and a bound
// ConnectionRecord.
type broadcastClient struct {
	addr         *net.UDPAddr
	subscribedAt time.Time
	record       *relay.ConnectionRecord

	mu              sync.Mutex
	lastHeartbeatAt time.Time

	// Traffic since the last flushSubscriberStats call; swapped to zero
	// on each flush, mirroring udpSession's accounting.
	rxBytes atomic.Int64
	txBytes atomic.Int64
	rxPkts  atomic.Int64
	txPkts  atomic.Int64
}

// upstreamSender is a distinct address observed on the upstream socket,
// registered as a downstream-to-upstream fan-out target.
type upstreamSender struct {
	addr *net.UDPAddr
}

// BroadcastEngine is the UDP broadcast engine: a downstream
// control+data socket, an upstream data socket, and the subscription
// tables that fan datagrams out between them.
type BroadcastEngine struct {
	rule *relay.Rule
	log  logger.Interface

	downstream *net.UDPConn
	upstream   *net.UDPConn

	connSink   relay.ConnectionSink
	metrics    relay.MetricsSink
	statusSink relay.ListenerStatusSink
	scheduler  relay.Scheduler

	mu          sync.RWMutex
	subscribers map[string]*broadcastClient
	senders     map[string]*upstreamSender

	bytesRx atomic.Int64
	bytesTx atomic.Int64

	udpSem chan struct{}

	ctx         context.Context
	cancel      context.CancelFunc
	cancelSweep func()
	cancelFlush func()
}

func NewBroadcastEngine(
	rule *relay.Rule,
	connSink relay.ConnectionSink,
	metrics relay.MetricsSink,
	statusSink relay.ListenerStatusSink,
	scheduler relay.Scheduler,
	udpSem chan struct{},
	log logger.Interface,
) (*BroadcastEngine, error) {
	downAddr, err := net.ResolveUDPAddr("udp", net.JoinHostPort(rule.SourceIP(), strconv.Itoa(int(rule.SourcePort()))))
	if err != nil {
		return nil, relay.ErrListenerBindFailed
	}
	down, err := net.ListenUDP("udp", downAddr)
	if err != nil {
		return nil, relay.ErrListenerBindFailed
	}

	upAddr, err := net.ResolveUDPAddr("udp", net.JoinHostPort(rule.SourceIP(), strconv.Itoa(int(rule.TargetPort()))))
	if err != nil {
		down.Close()
		return nil, relay.ErrListenerBindFailed
	}
	up, err := net.ListenUDP("udp", upAddr)
	if err != nil {
		down.Close()
		return nil, relay.ErrListenerBindFailed
	}

	ctx, cancel := context.WithCancel(context.Background())
	e := &BroadcastEngine{
		rule:        rule,
		log:         log,
		downstream:  down,
		upstream:    up,
		connSink:    connSink,
		metrics:     metrics,
		statusSink:  statusSink,
		scheduler:   scheduler,
		subscribers: make(map[string]*broadcastClient),
		senders:     make(map[string]*upstreamSender),
		udpSem:      udpSem,
		ctx:         ctx,
		cancel:      cancel,
	}

	if statusSink != nil {
		statusSink.CreateListener(rule.ID(), rule.SourcePort(), "UDP_BROADCAST")
		statusSink.SetWaitingForClients(rule.ID(), "UDP_BROADCAST")
	}

	e.cancelSweep = scheduler.Every(broadcastSweepInterval, e.sweep)
	e.cancelFlush = scheduler.Every(broadcastTrafficFlushInterval, e.flushAllSubscriberStats)

	goroutine.SafeGo(log, "relay-broadcast-downstream", e.readDownstream)
	goroutine.SafeGo(log, "relay-broadcast-upstream", e.readUpstream)

	return e, nil
}

func (e *BroadcastEngine) readDownstream() {
	if e.udpSem != nil {
		e.udpSem <- struct{}{}
		defer func() { <-e.udpSem }()
	}
	buf := make([]byte, 64*1024)
	for {
		n, addr, err := e.downstream.ReadFromUDP(buf)
		if err != nil {
			select {
			case <-e.ctx.Done():
				return
			default:
				continue
			}
		}
		payload := make([]byte, n)
		copy(payload, buf[:n])
		e.handleDownstream(addr, payload)
	}
}

func (e *BroadcastEngine) handleDownstream(addr *net.UDPAddr, payload []byte) {
	switch string(payload) {
	case ctrlSubscribe:
		e.subscribe(addr)
		e.reply(addr, replySubscribed)
	case ctrlUnsubscribe:
		e.unsubscribe(addr)
		e.reply(addr, replyUnsubscribed)
	case ctrlHeartbeat:
		if e.heartbeat(addr) {
			e.reply(addr, replyHeartbeatAck)
		}
	default:
		isNew := e.subscribe(addr)
		e.recordSubscriberRx(addr, len(payload))
		e.bytesRx.Add(int64(len(payload)))
		e.fanOutToUpstream(payload)
		if isNew {
			e.reply(addr, replyAutoSub)
		}
	}
}

// recordSubscriberRx attributes a downstream->upstream datagram to the
// subscriber that sent it, for that subscriber's persisted traffic
// totals.
func (e *BroadcastEngine) recordSubscriberRx(addr *net.UDPAddr, n int) {
	e.mu.RLock()
	c, ok := e.subscribers[addr.String()]
	e.mu.RUnlock()
	if !ok {
		return
	}
	c.rxBytes.Add(int64(n))
	c.rxPkts.Add(1)
}

func (e *BroadcastEngine) subscribe(addr *net.UDPAddr) bool {
	key := addr.String()
	now := time.Now()

	e.mu.Lock()
	if c, ok := e.subscribers[key]; ok {
		e.mu.Unlock()
		c.mu.Lock()
		c.lastHeartbeatAt = now
		c.mu.Unlock()
		return false
	}

	record := relay.NewConnectionRecord(e.rule.ID(), valueobjects.ProtocolUDP, e.rule.SourcePort(), addr.IP.String(), uint16(addr.Port))
	_ = record.TransitionTo(valueobjects.ConnectionStatusConnected, "")
	e.subscribers[key] = &broadcastClient{addr: addr, subscribedAt: now, lastHeartbeatAt: now, record: record}
	e.mu.Unlock()

	if e.connSink != nil {
		if err := e.connSink.Save(e.ctx, record.Snapshot()); err != nil {
			e.log.Warnw("failed to persist broadcast subscriber record", "error", err)
		}
	}
	if e.statusSink != nil {
		e.statusSink.OnClientConnected(e.rule.ID(), "UDP_BROADCAST")
	}
	return true
}

func (e *BroadcastEngine) unsubscribe(addr *net.UDPAddr) {
	key := addr.String()
	e.mu.Lock()
	c, existed := e.subscribers[key]
	delete(e.subscribers, key)
	e.mu.Unlock()
	if !existed {
		return
	}
	e.flushSubscriberStats(c)
	_ = c.record.TransitionTo(valueobjects.ConnectionStatusDisconnected, "")
	if e.connSink != nil {
		if err := e.connSink.Update(e.ctx, c.record.Snapshot()); err != nil {
			e.log.Warnw("failed to update broadcast subscriber record", "error", err)
		}
	}
	if e.statusSink != nil {
		e.statusSink.OnClientDisconnected(e.rule.ID(), "UDP_BROADCAST")
	}
}

func (e *BroadcastEngine) heartbeat(addr *net.UDPAddr) bool {
	key := addr.String()
	e.mu.RLock()
	c, ok := e.subscribers[key]
	e.mu.RUnlock()
	if !ok {
		return false
	}
	c.mu.Lock()
	c.lastHeartbeatAt = time.Now()
	c.mu.Unlock()
	return true
}

func (e *BroadcastEngine) reply(addr *net.UDPAddr, msg string) {
	if _, err := e.downstream.WriteToUDP([]byte(msg), addr); err != nil {
		if e.metrics != nil {
			e.metrics.IncTransferErrors()
		}
	}
}

func (e *BroadcastEngine) fanOutToUpstream(payload []byte) {
	e.mu.RLock()
	targets := make([]*upstreamSender, 0, len(e.senders))
	for _, s := range e.senders {
		targets = append(targets, s)
	}
	e.mu.RUnlock()

	for _, s := range targets {
		if _, err := e.upstream.WriteToUDP(payload, s.addr); err != nil {
			if e.metrics != nil {
				e.metrics.IncTransferErrors()
			}
			continue
		}
		e.bytesTx.Add(int64(len(payload)))
	}
}

func (e *BroadcastEngine) readUpstream() {
	buf := make([]byte, 64*1024)
	for {
		n, addr, err := e.upstream.ReadFromUDP(buf)
		if err != nil {
			select {
			case <-e.ctx.Done():
				return
			default:
				continue
			}
		}
		payload := make([]byte, n)
		copy(payload, buf[:n])

		e.registerSender(addr)
		e.fanOutToDownstream(payload)
	}
}

func (e *BroadcastEngine) registerSender(addr *net.UDPAddr) {
	key := addr.String()
	e.mu.Lock()
	if _, ok := e.senders[key]; !ok {
		e.senders[key] = &upstreamSender{addr: addr}
	}
	e.mu.Unlock()
}

// fanOutToDownstream retain-duplicates the payload to every subscriber;
// byte counters accrue as payloadSize × subscriberCount.
func (e *BroadcastEngine) fanOutToDownstream(payload []byte) {
	e.mu.RLock()
	targets := make([]*broadcastClient, 0, len(e.subscribers))
	for _, c := range e.subscribers {
		targets = append(targets, c)
	}
	e.mu.RUnlock()

	e.bytesRx.Add(int64(len(payload)))

	for _, c := range targets {
		if _, err := e.downstream.WriteToUDP(payload, c.addr); err != nil {
			// Write failure to an individual subscriber is transient and
			// does not remove it.
			if e.metrics != nil {
				e.metrics.IncTransferErrors()
			}
			continue
		}
		e.bytesTx.Add(int64(len(payload)))
		c.txBytes.Add(int64(len(payload)))
		c.txPkts.Add(1)
	}
}

// flushSubscriberStats drains c's accumulated traffic since the last
// flush into connSink, additively. A zero delta is skipped so a quiet
// subscriber doesn't generate a no-op update every flush interval.
func (e *BroadcastEngine) flushSubscriberStats(c *broadcastClient) {
	if e.connSink == nil {
		return
	}
	rx, tx := c.rxBytes.Swap(0), c.txBytes.Swap(0)
	rxPkts, txPkts := c.rxPkts.Swap(0), c.txPkts.Swap(0)
	if rx == 0 && tx == 0 && rxPkts == 0 && txPkts == 0 {
		return
	}
	if err := e.connSink.UpdateTrafficStats(e.ctx, c.record.ConnectionID, rx, tx, rxPkts, txPkts); err != nil {
		e.log.Warnw("failed to flush broadcast subscriber traffic stats", "rule_id", e.rule.ID(), "connection_id", c.record.ConnectionID, "error", err)
	}
}

// flushAllSubscriberStats is the periodic scheduler task draining every
// live subscriber's accumulated traffic into connSink.
func (e *BroadcastEngine) flushAllSubscriberStats() {
	e.mu.RLock()
	targets := make([]*broadcastClient, 0, len(e.subscribers))
	for _, c := range e.subscribers {
		targets = append(targets, c)
	}
	e.mu.RUnlock()

	for _, c := range targets {
		e.flushSubscriberStats(c)
	}
}

func (e *BroadcastEngine) sweep() {
	cutoff := time.Now().Add(-broadcastHeartbeatTimeout)

	e.mu.Lock()
	var evicted []*broadcastClient
	for key, c := range e.subscribers {
		c.mu.Lock()
		idle := c.lastHeartbeatAt.Before(cutoff)
		c.mu.Unlock()
		if idle {
			evicted = append(evicted, c)
			delete(e.subscribers, key)
		}
	}
	e.mu.Unlock()

	for _, c := range evicted {
		e.flushSubscriberStats(c)
		_ = c.record.TransitionTo(valueobjects.ConnectionStatusDisconnected, "idle timeout")
		if e.connSink != nil {
			if err := e.connSink.Update(e.ctx, c.record.Snapshot()); err != nil {
				e.log.Warnw("failed to update swept broadcast subscriber record", "error", err)
			}
		}
		if e.statusSink != nil {
			e.statusSink.OnClientDisconnected(e.rule.ID(), "UDP_BROADCAST")
		}
	}
}

// Stats reports downstream/upstream participant counts and byte totals.
func (e *BroadcastEngine) Stats() (downstreamCount, upstreamCount int, bytesRx, bytesTx int64) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return len(e.subscribers), len(e.senders), e.bytesRx.Load(), e.bytesTx.Load()
}

// Close stops the sweeper and both sockets.
func (e *BroadcastEngine) Close() error {
	e.cancel()
	if e.cancelSweep != nil {
		e.cancelSweep()
	}
	if e.cancelFlush != nil {
		e.cancelFlush()
	}
	err1 := e.downstream.Close()
	err2 := e.upstream.Close()
	if e.statusSink != nil {
		e.statusSink.StopListener(e.rule.ID())
	}
	if err1 != nil {
		return err1
	}
	return err2
}
