// Package metrics provides the Redis-backed relay.MetricsSink: an
// in-memory buffer of process-wide counters flushed to Redis on a
// ticker, adapted to a single global counter set.
package metrics

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/redis/go-redis/v9"

	"relaycore/internal/shared/config"
	"relaycore/internal/shared/logger"
)

const (
	flushInterval = 5 * time.Second
	maxRetryCount = 10

	redisHashKey = "relaycore:metrics"

	fieldActiveConnections    = "active_connections"
	fieldTotalConnections     = "total_connections"
	fieldConnectionErrors     = "connection_errors"
	fieldTransferErrors       = "transfer_errors"
	fieldBytesTransferred     = "bytes_transferred"
	fieldForwardingRuleCount  = "forwarding_rule_count"
)

// delta accumulates counter changes between flushes. Gauges
// (active connections, rule count) are tracked as a running
// process-local total and written as an absolute HSET on every flush;
// monotonic counters accumulate as HINCRBY deltas.
type delta struct {
	totalConnections    int64
	connectionErrors    int64
	transferErrors      int64
	bytesTransferred    int64
	retryCount          int
}

// RedisMetricsSink implements relay.MetricsSink, buffering updates in
// memory and flushing to Redis every flushInterval.
type RedisMetricsSink struct {
	client *redis.Client
	log    logger.Interface

	activeConnections   atomic.Int64
	forwardingRuleCount atomic.Int64

	mu      sync.Mutex
	pending delta

	ticker *time.Ticker
	done   chan struct{}
	wg     sync.WaitGroup
}

func NewRedisMetricsSink(cfg *config.RedisConfig, log logger.Interface) *RedisMetricsSink {
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.GetAddr(),
		Password: cfg.Password,
		DB:       cfg.DB,
	})

	return &RedisMetricsSink{
		client: client,
		log:    log,
		ticker: time.NewTicker(flushInterval),
		done:   make(chan struct{}),
	}
}

// Start launches the background flush loop.
func (s *RedisMetricsSink) Start() {
	s.wg.Add(1)
	go s.flushLoop()
	s.log.Infow("metrics sink started", "flush_interval", flushInterval.String())
}

// Stop flushes any remaining counters and stops the loop.
func (s *RedisMetricsSink) Stop() {
	close(s.done)
	s.wg.Wait()
	s.ticker.Stop()
	s.flush()
	s.log.Infow("metrics sink stopped")
}

func (s *RedisMetricsSink) flushLoop() {
	defer s.wg.Done()
	for {
		select {
		case <-s.ticker.C:
			s.flush()
		case <-s.done:
			return
		}
	}
}

func (s *RedisMetricsSink) IncActiveConnections()    { s.activeConnections.Add(1) }
func (s *RedisMetricsSink) DecActiveConnections()    { s.activeConnections.Add(-1) }
func (s *RedisMetricsSink) IncForwardingRuleCount()  { s.forwardingRuleCount.Add(1) }
func (s *RedisMetricsSink) DecForwardingRuleCount()  { s.forwardingRuleCount.Add(-1) }

func (s *RedisMetricsSink) IncTotalConnections() {
	s.mu.Lock()
	s.pending.totalConnections++
	s.mu.Unlock()
}

func (s *RedisMetricsSink) IncConnectionErrors() {
	s.mu.Lock()
	s.pending.connectionErrors++
	s.mu.Unlock()
}

func (s *RedisMetricsSink) IncTransferErrors() {
	s.mu.Lock()
	s.pending.transferErrors++
	s.mu.Unlock()
}

func (s *RedisMetricsSink) AddBytesTransferred(n int64) {
	s.mu.Lock()
	s.pending.bytesTransferred += n
	s.mu.Unlock()
}

func (s *RedisMetricsSink) flush() {
	ctx := context.Background()

	s.mu.Lock()
	d := s.pending
	s.pending = delta{}
	s.mu.Unlock()

	pipe := s.client.Pipeline()
	pipe.HSet(ctx, redisHashKey, fieldActiveConnections, s.activeConnections.Load())
	pipe.HSet(ctx, redisHashKey, fieldForwardingRuleCount, s.forwardingRuleCount.Load())
	if d.totalConnections != 0 {
		pipe.HIncrBy(ctx, redisHashKey, fieldTotalConnections, d.totalConnections)
	}
	if d.connectionErrors != 0 {
		pipe.HIncrBy(ctx, redisHashKey, fieldConnectionErrors, d.connectionErrors)
	}
	if d.transferErrors != 0 {
		pipe.HIncrBy(ctx, redisHashKey, fieldTransferErrors, d.transferErrors)
	}
	if d.bytesTransferred != 0 {
		pipe.HIncrBy(ctx, redisHashKey, fieldBytesTransferred, d.bytesTransferred)
	}

	if _, err := pipe.Exec(ctx); err != nil {
		d.retryCount++
		if d.retryCount >= maxRetryCount {
			s.log.Errorw("metrics flush dropped after max retries", "retry_count", d.retryCount, "error", err)
			return
		}
		s.log.Warnw("metrics flush failed, will retry", "retry_count", d.retryCount, "error", err)
		s.reAdd(d)
		return
	}

	s.log.Debugw("metrics flushed to redis")
}

func (s *RedisMetricsSink) reAdd(d delta) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.pending.totalConnections += d.totalConnections
	s.pending.connectionErrors += d.connectionErrors
	s.pending.transferErrors += d.transferErrors
	s.pending.bytesTransferred += d.bytesTransferred
	if d.retryCount > s.pending.retryCount {
		s.pending.retryCount = d.retryCount
	}
}
