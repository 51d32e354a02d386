package relaysvc

import (
	"net"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"relaycore/internal/application/relay/testutil"
)

func startTestUpstream(t *testing.T) (ln net.Listener, accepted chan net.Conn) {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	accepted = make(chan net.Conn, 4)
	go func() {
		for {
			c, err := ln.Accept()
			if err != nil {
				return
			}
			accepted <- c
		}
	}()
	return ln, accepted
}

func TestPool_EagerDialConnectsToHealthySlot(t *testing.T) {
	ln, accepted := startTestUpstream(t)
	defer ln.Close()

	addr := ln.Addr().(*net.TCPAddr)
	params := testutil.ValidTCPRuleParams(testutil.WithTarget("127.0.0.1", uint16(addr.Port)))
	rule, err := testutil.NewTestRuleWithID(1, params)
	require.NoError(t, err)

	pool := NewPool(rule, testutil.NewNopLogger(), testutil.NewFakeScheduler(), nil, nil, nil, nil)
	defer pool.Shutdown()

	select {
	case <-accepted:
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for eager dial to connect")
	}

	conn, idx, ok := pool.Get()
	require.True(t, ok)
	assert.Equal(t, 0, idx)
	assert.NotNil(t, conn)
	assert.Equal(t, 1, pool.ActiveCount())
}

func TestPool_ReconnectsAfterUpstreamCloses(t *testing.T) {
	ln, accepted := startTestUpstream(t)
	defer ln.Close()

	addr := ln.Addr().(*net.TCPAddr)
	params := testutil.ValidTCPRuleParams(testutil.WithTarget("127.0.0.1", uint16(addr.Port)))
	rule, err := testutil.NewTestRuleWithID(1, params)
	require.NoError(t, err)

	var reconnects int32
	slotClosed := make(chan int, 4)

	pool := NewPool(rule, testutil.NewNopLogger(), testutil.NewFakeScheduler(), nil, nil, func() {
		atomic.AddInt32(&reconnects, 1)
	}, func(idx int) {
		slotClosed <- idx
	})
	defer pool.Shutdown()

	var first net.Conn
	select {
	case first = <-accepted:
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for eager dial")
	}
	require.Equal(t, int32(1), atomic.LoadInt32(&reconnects))

	first.Close()

	select {
	case idx := <-slotClosed:
		assert.Equal(t, 0, idx, "onSlotClosed must report the slot whose affinity needs clearing")
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for onSlotClosed")
	}

	select {
	case <-accepted:
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for reconnect dial")
	}

	assert.Equal(t, int32(2), atomic.LoadInt32(&reconnects))
	assert.Equal(t, 1, pool.ActiveCount())
}

func closedTCPAddr(t *testing.T) (ip string, port uint16) {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	addr := ln.Addr().(*net.TCPAddr)
	require.NoError(t, ln.Close())
	return "127.0.0.1", uint16(addr.Port)
}

func TestPool_MaxReconnectAttemptsZero_GivesUpWithNoRetry(t *testing.T) {
	ip, port := closedTCPAddr(t)
	params := testutil.ValidTCPRuleParams(testutil.WithTarget(ip, port))
	params.MaxReconnectAttempts = 0
	rule, err := testutil.NewTestRuleWithID(1, params)
	require.NoError(t, err)

	scheduler := testutil.NewFakeScheduler()
	pool := NewPool(rule, testutil.NewNopLogger(), scheduler, nil, nil, nil, nil)
	defer pool.Shutdown()

	assert.Empty(t, scheduler.AfterCalls(), "maxReconnectAttempts=0 must give up after the first failed dial with no extra retry")
	states := pool.SlotStates()
	require.Len(t, states, 1)
	assert.Equal(t, SlotGiveUp, states[0])
}

func TestPool_MaxReconnectAttemptsOne_RetriesOnceThenGivesUp(t *testing.T) {
	ip, port := closedTCPAddr(t)
	params := testutil.ValidTCPRuleParams(testutil.WithTarget(ip, port))
	params.MaxReconnectAttempts = 1
	rule, err := testutil.NewTestRuleWithID(1, params)
	require.NoError(t, err)

	scheduler := testutil.NewFakeScheduler()
	pool := NewPool(rule, testutil.NewNopLogger(), scheduler, nil, nil, nil, nil)
	defer pool.Shutdown()

	assert.Len(t, scheduler.AfterCalls(), 1, "maxReconnectAttempts=1 retries exactly once before giving up")
	states := pool.SlotStates()
	require.Len(t, states, 1)
	assert.Equal(t, SlotGiveUp, states[0])
}
