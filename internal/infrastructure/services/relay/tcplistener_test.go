package relaysvc

import (
	"net"
	"strconv"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"relaycore/internal/application/relay/testutil"
	"relaycore/internal/domain/relay"
	"relaycore/internal/domain/relay/valueobjects"
)

func freeTCPAddr(t *testing.T) (ip string, port uint16) {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	addr := ln.Addr().(*net.TCPAddr)
	require.NoError(t, ln.Close())
	return "127.0.0.1", uint16(addr.Port)
}

func TestTCPListener_HappyPathForwardsBothDirectionsAndFlushesStats(t *testing.T) {
	upstreamLn, accepted := startTestUpstream(t)
	defer upstreamLn.Close()
	upstreamAddr := upstreamLn.Addr().(*net.TCPAddr)

	srcIP, srcPort := freeTCPAddr(t)
	params := testutil.ValidTCPRuleParams(
		testutil.WithSourcePort(srcPort),
		testutil.WithTarget(upstreamAddr.IP.String(), uint16(upstreamAddr.Port)),
	)
	rule, err := testutil.NewTestRuleWithID(1, params)
	require.NoError(t, err)

	connSink := testutil.NewFakeConnectionSink()
	metrics := testutil.NewFakeMetricsSink()
	statusSink := testutil.NewFakeListenerStatusSink()
	scheduler := testutil.NewFakeScheduler()

	registry := NewRegistry(testutil.NewNopLogger(), metrics, connSink, scheduler)
	pool := NewPool(rule, testutil.NewNopLogger(), testutil.NewFakeScheduler(), metrics, func(slotIdx int, data []byte) {
		registry.RouteFromUpstream(rule.ID(), slotIdx, data)
	}, nil, nil)
	defer pool.Shutdown()

	var upstreamConn net.Conn
	select {
	case upstreamConn = <-accepted:
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for pool's eager dial")
	}

	listener, err := NewTCPListener(rule, registry, pool, nil, connSink, metrics, statusSink, make(chan struct{}, 4), make(chan struct{}, 4), testutil.NewNopLogger())
	require.NoError(t, err)
	defer listener.Close()

	client, err := net.Dial("tcp", net.JoinHostPort(srcIP, strconv.Itoa(int(srcPort))))
	require.NoError(t, err)
	defer client.Close()

	_, err = client.Write([]byte("ping"))
	require.NoError(t, err)

	buf := make([]byte, 64)
	require.NoError(t, upstreamConn.SetReadDeadline(time.Now().Add(time.Second)))
	n, err := upstreamConn.Read(buf)
	require.NoError(t, err)
	assert.Equal(t, "ping", string(buf[:n]))

	_, err = upstreamConn.Write([]byte("pong"))
	require.NoError(t, err)

	require.NoError(t, client.SetReadDeadline(time.Now().Add(time.Second)))
	n, err = client.Read(buf)
	require.NoError(t, err)
	assert.Equal(t, "pong", string(buf[:n]))

	assert.Equal(t, 1, registry.ClientCount(rule.ID()))
	saved, _, _ := connSink.Counts()
	assert.Equal(t, 1, saved)

	require.Eventually(t, func() bool {
		stats := registry.Stats(rule.ID())
		return stats.BytesTx == int64(len("ping")) && stats.BytesRx == int64(len("pong"))
	}, time.Second, 10*time.Millisecond)

	scheduler.RunEvery(0)

	registry.mu.RLock()
	var connID string
	for _, c := range registry.byRule[rule.ID()] {
		connID = c.ConnectionID
	}
	registry.mu.RUnlock()
	require.NotEmpty(t, connID)

	rec, ok := connSink.Get(connID)
	require.True(t, ok)
	assert.Equal(t, int64(len("ping")), rec.BytesTx)
	assert.Equal(t, int64(len("pong")), rec.BytesRx)
}

func TestTCPListener_AccessControlDeniesConnection(t *testing.T) {
	srcIP, srcPort := freeTCPAddr(t)
	params := testutil.ValidTCPRuleParams(testutil.WithSourcePort(srcPort))
	rule, err := testutil.NewTestRuleWithID(1, params)
	require.NoError(t, err)

	denyRule, err := relay.NewAccessRule(nil, "127.0.0.1", valueobjects.AccessActionDeny, 1, true)
	require.NoError(t, err)

	accessPolicy := testutil.NewFakeAccessPolicy()
	accessPolicy.SetRules(rule.ID(), []*relay.AccessRule{denyRule})

	connSink := testutil.NewFakeConnectionSink()
	metrics := testutil.NewFakeMetricsSink()
	statusSink := testutil.NewFakeListenerStatusSink()
	registry := NewRegistry(testutil.NewNopLogger(), metrics, nil, nil)

	listener, err := NewTCPListener(rule, registry, nil, accessPolicy, connSink, metrics, statusSink, make(chan struct{}, 4), make(chan struct{}, 4), testutil.NewNopLogger())
	require.NoError(t, err)
	defer listener.Close()

	client, err := net.Dial("tcp", net.JoinHostPort(srcIP, strconv.Itoa(int(srcPort))))
	require.NoError(t, err)
	defer client.Close()

	require.NoError(t, client.SetReadDeadline(time.Now().Add(time.Second)))
	buf := make([]byte, 16)
	_, err = client.Read(buf)
	assert.Error(t, err, "a denied client's connection should be closed without any data exchanged")

	require.Eventually(t, func() bool {
		_, _, connErrors, _, _, _ := metrics.Snapshot()
		return connErrors == 1
	}, time.Second, 10*time.Millisecond)

	assert.Equal(t, 0, registry.ClientCount(rule.ID()))
	saved, _, _ := connSink.Counts()
	assert.Equal(t, 0, saved)
}
