package relaysvc

import (
	"context"
	"net"
	"strconv"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"relaycore/internal/application/relay/testutil"
	"relaycore/internal/shared/config"
)

func newTestEngine(connSink *testutil.FakeConnectionSink, scheduler *testutil.FakeScheduler) *Engine {
	cfg := &config.EngineConfig{TCPAcceptWorkers: 1, TCPIOWorkers: 4, UDPWorkers: 4}
	return NewEngine(cfg, nil, connSink, testutil.NewFakeMetricsSink(), testutil.NewFakeListenerStatusSink(), scheduler, testutil.NewNopLogger())
}

func TestEngine_ActivateDeactivateLifecycle(t *testing.T) {
	upstreamLn, accepted := startTestUpstream(t)
	defer upstreamLn.Close()
	upstreamAddr := upstreamLn.Addr().(*net.TCPAddr)

	_, srcPort := freeTCPAddr(t)
	params := testutil.ValidTCPRuleParams(
		testutil.WithSourcePort(srcPort),
		testutil.WithTarget(upstreamAddr.IP.String(), uint16(upstreamAddr.Port)),
	)
	rule, err := testutil.NewTestRuleWithID(1, params)
	require.NoError(t, err)

	e := newTestEngine(testutil.NewFakeConnectionSink(), testutil.NewFakeScheduler())

	assert.Equal(t, StateInactive, e.State(rule.ID()))
	require.True(t, e.Activate(rule))
	assert.Equal(t, StateRunning, e.State(rule.ID()))
	assert.True(t, e.IsRunning(rule.ID()))
	assert.Equal(t, 1, e.ActiveServerCount())

	select {
	case <-accepted:
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for pool's eager dial on activation")
	}

	active, total, states, ok := e.PoolStatus(rule.ID())
	require.True(t, ok)
	assert.Equal(t, 1, active)
	assert.Equal(t, 1, total)
	require.Len(t, states, 1)
	assert.Equal(t, SlotConnected, states[0])

	require.True(t, e.Deactivate(rule.ID()))
	assert.Equal(t, StateInactive, e.State(rule.ID()))
	assert.Equal(t, 0, e.ActiveServerCount())

	_, _, _, ok = e.PoolStatus(rule.ID())
	assert.False(t, ok, "a deactivated rule has no pool to report on")
}

func TestEngine_ActivateRejectsBindConflict(t *testing.T) {
	_, accepted1 := startTestUpstream(t)
	_, srcPort := freeTCPAddr(t)

	params1 := testutil.ValidTCPRuleParams(testutil.WithSourcePort(srcPort))
	rule1, err := testutil.NewTestRuleWithID(1, params1)
	require.NoError(t, err)

	params2 := testutil.ValidTCPRuleParams(testutil.WithSourcePort(srcPort))
	rule2, err := testutil.NewTestRuleWithID(2, params2)
	require.NoError(t, err)

	e := newTestEngine(testutil.NewFakeConnectionSink(), testutil.NewFakeScheduler())

	require.True(t, e.Activate(rule1))
	defer e.Deactivate(rule1.ID())
	select {
	case <-accepted1:
	case <-time.After(time.Second):
	}

	assert.Error(t, e.ValidateNoConflict(rule2), "a second rule bound to the same source ip/port must conflict")
	assert.False(t, e.Activate(rule2), "Activate must refuse a rule that collides with an already-occupied bind key")
	assert.Equal(t, StateInactive, e.State(rule2.ID()))
}

func TestEngine_TCPClientStatsReflectsForwardedTraffic(t *testing.T) {
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

	e := newTestEngine(testutil.NewFakeConnectionSink(), testutil.NewFakeScheduler())
	require.True(t, e.Activate(rule))
	defer e.Deactivate(rule.ID())

	var upstreamConn net.Conn
	select {
	case upstreamConn = <-accepted:
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for eager dial")
	}

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

	require.Eventually(t, func() bool {
		stats := e.ClientStats(rule.ID())
		return stats.ClientCount == 1 && stats.BytesTx == int64(len("ping"))
	}, time.Second, 10*time.Millisecond)
}

func TestEngine_UpstreamFlapBuffersThenFlushesOnReconnect(t *testing.T) {
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

	e := newTestEngine(testutil.NewFakeConnectionSink(), testutil.NewFakeScheduler())
	require.True(t, e.Activate(rule))
	defer e.Deactivate(rule.ID())

	var firstUpstream net.Conn
	select {
	case firstUpstream = <-accepted:
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for eager dial")
	}

	client, err := net.Dial("tcp", net.JoinHostPort(srcIP, strconv.Itoa(int(srcPort))))
	require.NoError(t, err)
	defer client.Close()

	// Kill the upstream side; the pool slot drops and the client's next
	// write must buffer rather than error, per the forward path's
	// down-upstream handling.
	firstUpstream.Close()

	require.Eventually(t, func() bool {
		active, _, _, ok := e.PoolStatus(rule.ID())
		return ok && active == 0
	}, time.Second, 10*time.Millisecond)

	_, err = client.Write([]byte("buffered"))
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		return e.ClientStats(rule.ID()).BufferedBytes == len("buffered")
	}, time.Second, 10*time.Millisecond)

	var secondUpstream net.Conn
	select {
	case secondUpstream = <-accepted:
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for reconnect dial")
	}

	buf := make([]byte, 64)
	require.NoError(t, secondUpstream.SetReadDeadline(time.Now().Add(time.Second)))
	n, err := secondUpstream.Read(buf)
	require.NoError(t, err)
	assert.Equal(t, "buffered", string(buf[:n]), "reconnect must flush what was buffered while the upstream was down")

	require.Eventually(t, func() bool {
		return e.ClientStats(rule.ID()).BufferedBytes == 0
	}, time.Second, 10*time.Millisecond)
}

func TestEngine_ShutdownDeactivatesEveryRunningRule(t *testing.T) {
	upstreamLn, accepted := startTestUpstream(t)
	defer upstreamLn.Close()
	upstreamAddr := upstreamLn.Addr().(*net.TCPAddr)

	_, srcPort := freeTCPAddr(t)
	params := testutil.ValidTCPRuleParams(
		testutil.WithSourcePort(srcPort),
		testutil.WithTarget(upstreamAddr.IP.String(), uint16(upstreamAddr.Port)),
	)
	rule, err := testutil.NewTestRuleWithID(1, params)
	require.NoError(t, err)

	scheduler := testutil.NewFakeScheduler()
	e := newTestEngine(testutil.NewFakeConnectionSink(), scheduler)
	require.True(t, e.Activate(rule))

	select {
	case <-accepted:
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for eager dial")
	}

	e.Shutdown(context.Background())
	assert.Equal(t, StateInactive, e.State(rule.ID()))
	assert.Equal(t, 0, e.ActiveServerCount())
}
