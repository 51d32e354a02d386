package relaysvc

import (
	"context"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"relaycore/internal/domain/relay"
	"relaycore/internal/shared/logger"
)

const clientBufferCap = 1 << 20 // 1 MiB per-client cap
const tcpTrafficFlushInterval = 30 * time.Second

// ClientEntry is one live downstream TCP client's runtime record.
type ClientEntry struct {
	RuleID       uint
	ConnectionID string
	Conn         net.Conn

	mu            sync.Mutex
	buffer        [][]byte
	bufferedBytes int

	BytesRx   atomic.Int64
	BytesTx   atomic.Int64
	PacketsRx atomic.Int64
	PacketsTx atomic.Int64

	// Traffic since the last flushClientStats call, mirroring
	// udpSession/broadcastClient's accounting: swapped to zero on each
	// flush since ConnectionSink.UpdateTrafficStats is additive, kept
	// alongside the running totals above that back Registry.Stats.
	unflushedRx   atomic.Int64
	unflushedTx   atomic.Int64
	unflushedRxPk atomic.Int64
	unflushedTxPk atomic.Int64
}

func (c *ClientEntry) recordRx(n int) {
	c.BytesRx.Add(int64(n))
	c.PacketsRx.Add(1)
	c.unflushedRx.Add(int64(n))
	c.unflushedRxPk.Add(1)
}

func (c *ClientEntry) recordTx(n int) {
	c.BytesTx.Add(int64(n))
	c.PacketsTx.Add(1)
	c.unflushedTx.Add(int64(n))
	c.unflushedTxPk.Add(1)
}

// BufferedBytes reports bytes currently queued for upstream delivery.
func (c *ClientEntry) BufferedBytes() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.bufferedBytes
}

type slotKey struct {
	ruleID uint
	slot   int
}

// Registry is the client connection registry: it tracks every
// live downstream TCP client per rule, buffers writes while the
// upstream is down, and fans inbound upstream bytes back out.
type Registry struct {
	log      logger.Interface
	metrics  relay.MetricsSink
	connSink relay.ConnectionSink

	mu     sync.RWMutex
	byRule map[uint]map[string]*ClientEntry
	bySlot map[slotKey]map[string]*ClientEntry

	ctx         context.Context
	cancel      context.CancelFunc
	cancelFlush func()
}

// NewRegistry wires connSink and scheduler for the periodic traffic-stats
// flush; both may be nil in tests that don't exercise it.
func NewRegistry(log logger.Interface, metrics relay.MetricsSink, connSink relay.ConnectionSink, scheduler relay.Scheduler) *Registry {
	ctx, cancel := context.WithCancel(context.Background())
	r := &Registry{
		log:      log,
		metrics:  metrics,
		connSink: connSink,
		byRule:   make(map[uint]map[string]*ClientEntry),
		bySlot:   make(map[slotKey]map[string]*ClientEntry),
		ctx:      ctx,
		cancel:   cancel,
	}
	if scheduler != nil {
		r.cancelFlush = scheduler.Every(tcpTrafficFlushInterval, r.flushAllStats)
	}
	return r
}

// flushClientStats drains entry's accumulated traffic since the last
// flush into connSink, additively, mirroring the UDP/broadcast flush
// pattern. A zero delta is skipped so an idle client doesn't generate a
// no-op update every flush interval.
func (r *Registry) flushClientStats(entry *ClientEntry) {
	if r.connSink == nil {
		return
	}
	rx, tx := entry.unflushedRx.Swap(0), entry.unflushedTx.Swap(0)
	rxPkts, txPkts := entry.unflushedRxPk.Swap(0), entry.unflushedTxPk.Swap(0)
	if rx == 0 && tx == 0 && rxPkts == 0 && txPkts == 0 {
		return
	}
	if err := r.connSink.UpdateTrafficStats(r.ctx, entry.ConnectionID, rx, tx, rxPkts, txPkts); err != nil {
		r.log.Warnw("failed to flush tcp client traffic stats", "rule_id", entry.RuleID, "connection_id", entry.ConnectionID, "error", err)
	}
}

// flushAllStats is the periodic scheduler task draining every live
// client's accumulated traffic into connSink, across every rule.
func (r *Registry) flushAllStats() {
	r.mu.RLock()
	var all []*ClientEntry
	for _, clients := range r.byRule {
		for _, c := range clients {
			all = append(all, c)
		}
	}
	r.mu.RUnlock()

	for _, c := range all {
		r.flushClientStats(c)
	}
}

// Close cancels the periodic traffic-stats flush.
func (r *Registry) Close() {
	r.cancel()
	if r.cancelFlush != nil {
		r.cancelFlush()
	}
}

// Register records a new downstream client.
func (r *Registry) Register(ruleID uint, connectionID string, conn net.Conn) *ClientEntry {
	entry := &ClientEntry{RuleID: ruleID, ConnectionID: connectionID, Conn: conn}

	r.mu.Lock()
	clients, ok := r.byRule[ruleID]
	if !ok {
		clients = make(map[string]*ClientEntry)
		r.byRule[ruleID] = clients
	}
	clients[connectionID] = entry
	r.mu.Unlock()

	return entry
}

// Unregister releases the entry and drops its buffer.
func (r *Registry) Unregister(ruleID uint, connectionID string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if clients, ok := r.byRule[ruleID]; ok {
		delete(clients, connectionID)
		if len(clients) == 0 {
			delete(r.byRule, ruleID)
		}
	}
	for key, clients := range r.bySlot {
		delete(clients, connectionID)
		if len(clients) == 0 {
			delete(r.bySlot, key)
		}
	}
}

// ClientCount returns the number of live clients for a rule.
func (r *Registry) ClientCount(ruleID uint) int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.byRule[ruleID])
}

// RuleStats is the aggregate read-only client view for a rule: live
// count, cumulative byte/packet totals, and bytes currently queued
// behind a down upstream.
type RuleStats struct {
	ClientCount   int
	BytesRx       int64
	BytesTx       int64
	PacketsRx     int64
	PacketsTx     int64
	BufferedBytes int
}

// Stats sums every live client's counters for ruleID.
func (r *Registry) Stats(ruleID uint) RuleStats {
	r.mu.RLock()
	clients := make([]*ClientEntry, 0, len(r.byRule[ruleID]))
	for _, c := range r.byRule[ruleID] {
		clients = append(clients, c)
	}
	r.mu.RUnlock()

	var stats RuleStats
	stats.ClientCount = len(clients)
	for _, c := range clients {
		stats.BytesRx += c.BytesRx.Load()
		stats.BytesTx += c.BytesTx.Load()
		stats.PacketsRx += c.PacketsRx.Load()
		stats.PacketsTx += c.PacketsTx.Load()
		stats.BufferedBytes += c.BufferedBytes()
	}
	return stats
}

// ClearSlotAffinity drops the dsConn->client mapping recorded for a
// pool slot, called when that slot's upstream connection closes so a
// future reconnect on the same slot index starts with no stale
// affinity.
func (r *Registry) ClearSlotAffinity(ruleID uint, slotIdx int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.bySlot, slotKey{ruleID: ruleID, slot: slotIdx})
}

// ForwardToUpstream writes bytes to a healthy upstream slot, recording
// the dsConn->client reverse mapping; absent a healthy slot it enqueues
// into the client's bounded FIFO.
func (r *Registry) ForwardToUpstream(ruleID uint, connectionID string, data []byte, pool *Pool) error {
	r.mu.RLock()
	entry := r.byRule[ruleID][connectionID]
	r.mu.RUnlock()
	if entry == nil {
		return nil
	}

	conn, slotIdx, ok := pool.Get()
	if !ok {
		return r.enqueue(entry, data)
	}

	n, err := conn.Write(data)
	if err != nil {
		if r.metrics != nil {
			r.metrics.IncTransferErrors()
		}
		return err
	}
	entry.recordTx(n)

	r.recordSlotAffinity(ruleID, slotIdx, entry)
	return nil
}

func (r *Registry) enqueue(entry *ClientEntry, data []byte) error {
	entry.mu.Lock()
	defer entry.mu.Unlock()

	if entry.bufferedBytes+len(data) > clientBufferCap {
		if r.metrics != nil {
			r.metrics.IncTransferErrors()
		}
		return relay.ErrBufferFull
	}
	entry.buffer = append(entry.buffer, data)
	entry.bufferedBytes += len(data)
	return nil
}

func (r *Registry) recordSlotAffinity(ruleID uint, slotIdx int, entry *ClientEntry) {
	key := slotKey{ruleID: ruleID, slot: slotIdx}
	r.mu.Lock()
	defer r.mu.Unlock()
	clients, ok := r.bySlot[key]
	if !ok {
		clients = make(map[string]*ClientEntry)
		r.bySlot[key] = clients
	}
	clients[entry.ConnectionID] = entry
}

// ForwardToClient is the direct reply path, kept for symmetry with the
// rule-wide RouteToRule fan-out.
func (r *Registry) ForwardToClient(ruleID uint, connectionID string, data []byte) error {
	r.mu.RLock()
	entry := r.byRule[ruleID][connectionID]
	r.mu.RUnlock()
	if entry == nil {
		return nil
	}
	n, err := entry.Conn.Write(data)
	if err == nil {
		entry.recordTx(n)
	}
	return err
}

// RouteFromUpstream delivers bytes read from slotIdx to the clients
// affinitised to that slot, falling back to rule-wide fan-out when no
// mapping exists.
func (r *Registry) RouteFromUpstream(ruleID uint, slotIdx int, data []byte) {
	r.mu.RLock()
	clients := r.bySlot[slotKey{ruleID: ruleID, slot: slotIdx}]
	targets := make([]*ClientEntry, 0, len(clients))
	for _, c := range clients {
		targets = append(targets, c)
	}
	r.mu.RUnlock()

	if len(targets) == 0 {
		r.RouteToRule(ruleID, data)
		return
	}
	for _, entry := range targets {
		r.writeToClient(entry, data)
	}
}

// RouteToRule writes bytes to every live client registered under
// ruleID (the default path absent a recorded slot affinity).
func (r *Registry) RouteToRule(ruleID uint, data []byte) {
	r.mu.RLock()
	clients := r.byRule[ruleID]
	targets := make([]*ClientEntry, 0, len(clients))
	for _, c := range clients {
		targets = append(targets, c)
	}
	r.mu.RUnlock()

	for _, entry := range targets {
		r.writeToClient(entry, data)
	}
}

func (r *Registry) writeToClient(entry *ClientEntry, data []byte) {
	n, err := entry.Conn.Write(data)
	if err != nil {
		if r.metrics != nil {
			r.metrics.IncTransferErrors()
		}
		return
	}
	entry.recordRx(n)
}

// FlushBuffered drains every client's buffer into the now-healthy
// upstream, in insertion order, after a pool recovers.
func (r *Registry) FlushBuffered(ruleID uint, pool *Pool) {
	r.mu.RLock()
	clients := r.byRule[ruleID]
	targets := make([]*ClientEntry, 0, len(clients))
	for _, c := range clients {
		targets = append(targets, c)
	}
	r.mu.RUnlock()

	for _, entry := range targets {
		entry.mu.Lock()
		pending := entry.buffer
		entry.buffer = nil
		entry.bufferedBytes = 0
		entry.mu.Unlock()

		conn, slotIdx, ok := pool.Get()
		if !ok {
			// Upstream dropped again mid-flush; put everything back.
			entry.mu.Lock()
			entry.buffer = append(pending, entry.buffer...)
			for _, chunk := range pending {
				entry.bufferedBytes += len(chunk)
			}
			entry.mu.Unlock()
			return
		}

		for _, chunk := range pending {
			n, err := conn.Write(chunk)
			if err != nil {
				if r.metrics != nil {
					r.metrics.IncTransferErrors()
				}
				break
			}
			entry.recordTx(n)
		}
		r.recordSlotAffinity(ruleID, slotIdx, entry)
	}
}

// DropRule clears every registry entry for ruleID, used on deactivate.
func (r *Registry) DropRule(ruleID uint) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.byRule, ruleID)
	for key := range r.bySlot {
		if key.ruleID == ruleID {
			delete(r.bySlot, key)
		}
	}
}
