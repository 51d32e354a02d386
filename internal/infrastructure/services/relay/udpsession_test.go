package relaysvc

import (
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"relaycore/internal/application/relay/testutil"
)

type udpRecv struct {
	addr *net.UDPAddr
	data []byte
}

func freeUDPPort(t *testing.T) uint16 {
	t.Helper()
	conn, err := net.ListenUDP("udp", &net.UDPAddr{IP: net.ParseIP("127.0.0.1")})
	require.NoError(t, err)
	port := conn.LocalAddr().(*net.UDPAddr).Port
	require.NoError(t, conn.Close())
	return uint16(port)
}

func newTestUDPSessionManager(t *testing.T, targetIP string, targetPort uint16, connSink *testutil.FakeConnectionSink, scheduler *testutil.FakeScheduler) *UDPSessionManager {
	t.Helper()
	srcPort := freeUDPPort(t)
	params := testutil.ValidUDPRuleParams(
		testutil.WithSourcePort(srcPort),
		testutil.WithTarget(targetIP, targetPort),
	)
	rule, err := testutil.NewTestRuleWithID(1, params)
	require.NoError(t, err)

	m, err := NewUDPSessionManager(rule, connSink, testutil.NewFakeMetricsSink(), testutil.NewFakeListenerStatusSink(), scheduler, make(chan struct{}, 4), testutil.NewNopLogger())
	require.NoError(t, err)
	return m
}

func TestUDPSessionManager_CreatesSessionAndRoundTrips(t *testing.T) {
	upstream, err := net.ListenUDP("udp", &net.UDPAddr{IP: net.ParseIP("127.0.0.1")})
	require.NoError(t, err)
	defer upstream.Close()
	upstreamAddr := upstream.LocalAddr().(*net.UDPAddr)

	upstreamRecv := make(chan udpRecv, 4)
	go func() {
		buf := make([]byte, 1024)
		for {
			n, addr, err := upstream.ReadFromUDP(buf)
			if err != nil {
				return
			}
			upstreamRecv <- udpRecv{addr: addr, data: append([]byte(nil), buf[:n]...)}
		}
	}()

	connSink := testutil.NewFakeConnectionSink()
	scheduler := testutil.NewFakeScheduler()
	m := newTestUDPSessionManager(t, upstreamAddr.IP.String(), uint16(upstreamAddr.Port), connSink, scheduler)
	defer m.Close()

	client, err := net.ListenUDP("udp", &net.UDPAddr{IP: net.ParseIP("127.0.0.1")})
	require.NoError(t, err)
	defer client.Close()

	sessionAddr := &net.UDPAddr{IP: net.ParseIP("127.0.0.1"), Port: int(m.in.LocalAddr().(*net.UDPAddr).Port)}
	_, err = client.WriteToUDP([]byte("hello"), sessionAddr)
	require.NoError(t, err)

	var fromClient udpRecv
	select {
	case fromClient = <-upstreamRecv:
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for upstream to receive the forwarded datagram")
	}
	assert.Equal(t, "hello", string(fromClient.data))

	total, active, expired := m.Stats()
	assert.Equal(t, int64(1), total)
	assert.Equal(t, int64(1), active)
	assert.Equal(t, int64(0), expired)

	_, err = upstream.WriteToUDP([]byte("world"), fromClient.addr)
	require.NoError(t, err)

	require.NoError(t, client.SetReadDeadline(time.Now().Add(time.Second)))
	buf := make([]byte, 1024)
	n, _, err := client.ReadFromUDP(buf)
	require.NoError(t, err)
	assert.Equal(t, "world", string(buf[:n]))
}

func TestUDPSessionManager_FlushTrafficStatsUpdatesConnSink(t *testing.T) {
	upstream, err := net.ListenUDP("udp", &net.UDPAddr{IP: net.ParseIP("127.0.0.1")})
	require.NoError(t, err)
	defer upstream.Close()
	upstreamAddr := upstream.LocalAddr().(*net.UDPAddr)

	go func() {
		buf := make([]byte, 1024)
		for {
			if _, _, err := upstream.ReadFromUDP(buf); err != nil {
				return
			}
		}
	}()

	connSink := testutil.NewFakeConnectionSink()
	scheduler := testutil.NewFakeScheduler()
	m := newTestUDPSessionManager(t, upstreamAddr.IP.String(), uint16(upstreamAddr.Port), connSink, scheduler)
	defer m.Close()

	client, err := net.ListenUDP("udp", &net.UDPAddr{IP: net.ParseIP("127.0.0.1")})
	require.NoError(t, err)
	defer client.Close()

	sessionAddr := &net.UDPAddr{IP: net.ParseIP("127.0.0.1"), Port: int(m.in.LocalAddr().(*net.UDPAddr).Port)}
	_, err = client.WriteToUDP([]byte("payload"), sessionAddr)
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		m.mu.Lock()
		n := len(m.sessions)
		m.mu.Unlock()
		return n == 1
	}, time.Second, 10*time.Millisecond)

	m.mu.Lock()
	var connID string
	for _, sess := range m.sessions {
		connID = sess.record.ConnectionID
	}
	m.mu.Unlock()
	require.NotEmpty(t, connID)

	// flush is registered second, after the sweep task.
	scheduler.RunEvery(1)

	rec, ok := connSink.Get(connID)
	require.True(t, ok)
	assert.Equal(t, int64(len("payload")), rec.BytesRx)
	assert.Equal(t, int64(1), rec.PacketsRx)
}

func TestUDPSessionManager_SweepEvictsIdleSessions(t *testing.T) {
	upstream, err := net.ListenUDP("udp", &net.UDPAddr{IP: net.ParseIP("127.0.0.1")})
	require.NoError(t, err)
	defer upstream.Close()
	upstreamAddr := upstream.LocalAddr().(*net.UDPAddr)

	go func() {
		buf := make([]byte, 1024)
		for {
			if _, _, err := upstream.ReadFromUDP(buf); err != nil {
				return
			}
		}
	}()

	connSink := testutil.NewFakeConnectionSink()
	scheduler := testutil.NewFakeScheduler()
	m := newTestUDPSessionManager(t, upstreamAddr.IP.String(), uint16(upstreamAddr.Port), connSink, scheduler)
	defer m.Close()

	client, err := net.ListenUDP("udp", &net.UDPAddr{IP: net.ParseIP("127.0.0.1")})
	require.NoError(t, err)
	defer client.Close()

	sessionAddr := &net.UDPAddr{IP: net.ParseIP("127.0.0.1"), Port: int(m.in.LocalAddr().(*net.UDPAddr).Port)}
	_, err = client.WriteToUDP([]byte("payload"), sessionAddr)
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		m.mu.Lock()
		n := len(m.sessions)
		m.mu.Unlock()
		return n == 1
	}, time.Second, 10*time.Millisecond)

	m.mu.Lock()
	for _, sess := range m.sessions {
		sess.mu.Lock()
		sess.lastActiveAt = time.Now().Add(-2 * udpSessionIdleTimeout)
		sess.mu.Unlock()
	}
	m.mu.Unlock()

	// sweep is registered first, before the flush task.
	scheduler.RunEvery(0)

	total, active, expired := m.Stats()
	assert.Equal(t, int64(1), total)
	assert.Equal(t, int64(0), active)
	assert.Equal(t, int64(1), expired)

	saved, updated, _ := connSink.Counts()
	assert.Equal(t, 1, saved)
	assert.Equal(t, 1, updated)
}
