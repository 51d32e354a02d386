package relaysvc

import (
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"relaycore/internal/application/relay/testutil"
)

func newTestBroadcastEngine(t *testing.T, connSink *testutil.FakeConnectionSink, scheduler *testutil.FakeScheduler) (*BroadcastEngine, uint16) {
	t.Helper()
	srcPort := freeUDPPort(t)
	targetPort := freeUDPPort(t)
	params := testutil.ValidBroadcastRuleParams(
		testutil.WithSourcePort(srcPort),
		testutil.WithTarget("0.0.0.0", targetPort),
	)
	rule, err := testutil.NewTestRuleWithID(1, params)
	require.NoError(t, err)

	e, err := NewBroadcastEngine(rule, connSink, testutil.NewFakeMetricsSink(), testutil.NewFakeListenerStatusSink(), scheduler, make(chan struct{}, 4), testutil.NewNopLogger())
	require.NoError(t, err)
	return e, targetPort
}

func TestBroadcastEngine_SubscribeFanOutUnsubscribe(t *testing.T) {
	connSink := testutil.NewFakeConnectionSink()
	scheduler := testutil.NewFakeScheduler()
	e, targetPort := newTestBroadcastEngine(t, connSink, scheduler)
	defer e.Close()

	downAddr := e.downstream.LocalAddr().(*net.UDPAddr)

	sub, err := net.ListenUDP("udp", &net.UDPAddr{IP: net.ParseIP("127.0.0.1")})
	require.NoError(t, err)
	defer sub.Close()

	_, err = sub.WriteToUDP([]byte(ctrlSubscribe), &net.UDPAddr{IP: net.ParseIP("127.0.0.1"), Port: downAddr.Port})
	require.NoError(t, err)

	require.NoError(t, sub.SetReadDeadline(time.Now().Add(time.Second)))
	buf := make([]byte, 64)
	n, _, err := sub.ReadFromUDP(buf)
	require.NoError(t, err)
	assert.Equal(t, replySubscribed, string(buf[:n]))

	downstreamCount, _, _, _ := e.Stats()
	assert.Equal(t, 1, downstreamCount)

	// An upstream publisher sends a datagram; the engine should fan it
	// out to every subscriber.
	publisher, err := net.ListenUDP("udp", &net.UDPAddr{IP: net.ParseIP("127.0.0.1")})
	require.NoError(t, err)
	defer publisher.Close()

	_, err = publisher.WriteToUDP([]byte("update"), &net.UDPAddr{IP: net.ParseIP("127.0.0.1"), Port: int(targetPort)})
	require.NoError(t, err)

	require.NoError(t, sub.SetReadDeadline(time.Now().Add(time.Second)))
	n, _, err = sub.ReadFromUDP(buf)
	require.NoError(t, err)
	assert.Equal(t, "update", string(buf[:n]))

	// flush is registered second, after the sweep task.
	e.mu.RLock()
	var connID string
	for _, c := range e.subscribers {
		connID = c.record.ConnectionID
	}
	e.mu.RUnlock()
	scheduler.RunEvery(1)

	rec, ok := connSink.Get(connID)
	require.True(t, ok)
	assert.Equal(t, int64(len("update")), rec.BytesTx)
	assert.Equal(t, int64(1), rec.PacketsTx)

	_, err = sub.WriteToUDP([]byte(ctrlUnsubscribe), &net.UDPAddr{IP: net.ParseIP("127.0.0.1"), Port: downAddr.Port})
	require.NoError(t, err)

	require.NoError(t, sub.SetReadDeadline(time.Now().Add(time.Second)))
	n, _, err = sub.ReadFromUDP(buf)
	require.NoError(t, err)
	assert.Equal(t, replyUnsubscribed, string(buf[:n]))

	downstreamCount, _, _, _ = e.Stats()
	assert.Equal(t, 0, downstreamCount)

	_, updated, _ := connSink.Counts()
	assert.Equal(t, 1, updated)
}

func TestBroadcastEngine_ImplicitSubscribeOnUnsolicitedDatagram(t *testing.T) {
	connSink := testutil.NewFakeConnectionSink()
	scheduler := testutil.NewFakeScheduler()
	e, _ := newTestBroadcastEngine(t, connSink, scheduler)
	defer e.Close()

	downAddr := e.downstream.LocalAddr().(*net.UDPAddr)

	sender, err := net.ListenUDP("udp", &net.UDPAddr{IP: net.ParseIP("127.0.0.1")})
	require.NoError(t, err)
	defer sender.Close()

	_, err = sender.WriteToUDP([]byte("rawdata"), &net.UDPAddr{IP: net.ParseIP("127.0.0.1"), Port: downAddr.Port})
	require.NoError(t, err)

	require.NoError(t, sender.SetReadDeadline(time.Now().Add(time.Second)))
	buf := make([]byte, 64)
	n, _, err := sender.ReadFromUDP(buf)
	require.NoError(t, err)
	assert.Equal(t, replyAutoSub, string(buf[:n]))

	downstreamCount, _, bytesRx, _ := e.Stats()
	assert.Equal(t, 1, downstreamCount)
	assert.Equal(t, int64(len("rawdata")), bytesRx)
}
