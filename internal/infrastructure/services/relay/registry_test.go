package relaysvc

import (
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"relaycore/internal/application/relay/testutil"
	"relaycore/internal/domain/relay"
)

// downPool returns a Pool whose single slot has already given up
// reconnecting, so Get always reports no healthy slot without the test
// waiting out any real backoff.
func downPool(t *testing.T) *Pool {
	t.Helper()
	ip, port := closedTCPAddr(t)
	params := testutil.ValidTCPRuleParams(testutil.WithTarget(ip, port))
	params.MaxReconnectAttempts = 0
	rule, err := testutil.NewTestRuleWithID(1, params)
	require.NoError(t, err)
	return NewPool(rule, testutil.NewNopLogger(), testutil.NewFakeScheduler(), nil, nil, nil, nil)
}

func TestRegistry_RegisterUnregister(t *testing.T) {
	reg := NewRegistry(testutil.NewNopLogger(), nil, nil, nil)
	server, client := net.Pipe()
	defer server.Close()
	defer client.Close()

	entry := reg.Register(1, "conn-a", server)
	assert.Equal(t, 1, reg.ClientCount(1))
	assert.Equal(t, server, entry.Conn)

	reg.Unregister(1, "conn-a")
	assert.Equal(t, 0, reg.ClientCount(1))
}

func TestRegistry_ForwardToUpstream_BuffersWhenUpstreamDown(t *testing.T) {
	reg := NewRegistry(testutil.NewNopLogger(), nil, nil, nil)
	server, client := net.Pipe()
	defer server.Close()
	defer client.Close()
	reg.Register(1, "conn-a", server)

	pool := downPool(t)
	defer pool.Shutdown()

	err := reg.ForwardToUpstream(1, "conn-a", []byte("payload"), pool)
	require.NoError(t, err)

	stats := reg.Stats(1)
	assert.Equal(t, 1, stats.ClientCount)
	assert.Equal(t, len("payload"), stats.BufferedBytes)
}

func TestRegistry_ForwardToUpstream_OverflowReturnsErrBufferFull(t *testing.T) {
	reg := NewRegistry(testutil.NewNopLogger(), nil, nil, nil)
	server, client := net.Pipe()
	defer server.Close()
	defer client.Close()
	reg.Register(1, "conn-a", server)

	pool := downPool(t)
	defer pool.Shutdown()

	big := make([]byte, clientBufferCap+1)
	err := reg.ForwardToUpstream(1, "conn-a", big, pool)
	assert.ErrorIs(t, err, relay.ErrBufferFull)
}

func TestRegistry_Stats_AggregatesAndRouteToRuleDelivers(t *testing.T) {
	reg := NewRegistry(testutil.NewNopLogger(), nil, nil, nil)

	serverA, clientA := net.Pipe()
	serverB, clientB := net.Pipe()
	defer serverA.Close()
	defer clientA.Close()
	defer serverB.Close()
	defer clientB.Close()

	reg.Register(1, "a", serverA)
	reg.Register(1, "b", serverB)

	received := make(chan []byte, 2)
	drain := func(c net.Conn) {
		buf := make([]byte, 1024)
		n, err := c.Read(buf)
		if err == nil {
			received <- append([]byte(nil), buf[:n]...)
		}
	}
	go drain(clientA)
	go drain(clientB)

	reg.RouteToRule(1, []byte("hi"))

	for i := 0; i < 2; i++ {
		select {
		case data := <-received:
			assert.Equal(t, []byte("hi"), data)
		case <-time.After(time.Second):
			t.Fatal("timed out waiting for RouteToRule delivery")
		}
	}

	stats := reg.Stats(1)
	assert.Equal(t, 2, stats.ClientCount)
	assert.Equal(t, int64(4), stats.BytesRx)
	assert.Equal(t, int64(2), stats.PacketsRx)
}

func TestRegistry_ClearSlotAffinity(t *testing.T) {
	reg := NewRegistry(testutil.NewNopLogger(), nil, nil, nil)
	server, client := net.Pipe()
	defer server.Close()
	defer client.Close()

	entry := reg.Register(1, "conn-a", server)
	reg.recordSlotAffinity(1, 0, entry)

	reg.mu.RLock()
	_, ok := reg.bySlot[slotKey{ruleID: 1, slot: 0}]
	reg.mu.RUnlock()
	require.True(t, ok)

	reg.ClearSlotAffinity(1, 0)

	reg.mu.RLock()
	_, ok = reg.bySlot[slotKey{ruleID: 1, slot: 0}]
	reg.mu.RUnlock()
	assert.False(t, ok, "ClearSlotAffinity must drop the stale dsConn->client mapping")
}

func TestRegistry_RouteFromUpstream_FallsBackWhenNoAffinityRecorded(t *testing.T) {
	reg := NewRegistry(testutil.NewNopLogger(), nil, nil, nil)
	server, client := net.Pipe()
	defer server.Close()
	defer client.Close()
	reg.Register(1, "conn-a", server)

	received := make(chan []byte, 1)
	go func() {
		buf := make([]byte, 1024)
		n, err := client.Read(buf)
		if err == nil {
			received <- append([]byte(nil), buf[:n]...)
		}
	}()

	reg.RouteFromUpstream(1, 0, []byte("pong"))

	select {
	case data := <-received:
		assert.Equal(t, []byte("pong"), data)
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for fallback delivery")
	}
}
