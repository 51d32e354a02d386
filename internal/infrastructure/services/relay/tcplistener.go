package relaysvc

import (
	"context"
	"net"
	"strconv"
	"time"

	"relaycore/internal/domain/relay"
	"relaycore/internal/domain/relay/valueobjects"
	"relaycore/internal/shared/goroutine"
	"relaycore/internal/shared/logger"
)

const clientIdleTimeout = 300 * time.Second

// TCPListener is the TCP accept-and-pipe loop: it enforces the
// access-control decider before anything else, wires accepted clients
// into the registry, and tears them down on idle timeout or close.
type TCPListener struct {
	rule     *relay.Rule
	listener net.Listener
	log      logger.Interface

	registry     *Registry
	pool         *Pool
	accessPolicy relay.AccessPolicy
	connSink     relay.ConnectionSink
	metrics      relay.MetricsSink
	statusSink   relay.ListenerStatusSink

	acceptSem chan struct{}
	ioSem     chan struct{}

	ctx    context.Context
	cancel context.CancelFunc
}

func NewTCPListener(
	rule *relay.Rule,
	registry *Registry,
	pool *Pool,
	accessPolicy relay.AccessPolicy,
	connSink relay.ConnectionSink,
	metrics relay.MetricsSink,
	statusSink relay.ListenerStatusSink,
	acceptSem, ioSem chan struct{},
	log logger.Interface,
) (*TCPListener, error) {
	ln, err := net.Listen("tcp", net.JoinHostPort(rule.SourceIP(), strconv.Itoa(int(rule.SourcePort()))))
	if err != nil {
		return nil, relay.ErrListenerBindFailed
	}

	ctx, cancel := context.WithCancel(context.Background())
	l := &TCPListener{
		rule:         rule,
		listener:     ln,
		log:          log,
		registry:     registry,
		pool:         pool,
		accessPolicy: accessPolicy,
		connSink:     connSink,
		metrics:      metrics,
		statusSink:   statusSink,
		acceptSem:    acceptSem,
		ioSem:        ioSem,
		ctx:          ctx,
		cancel:       cancel,
	}

	if statusSink != nil {
		statusSink.CreateListener(rule.ID(), rule.SourcePort(), "TCP")
		statusSink.SetWaitingForClients(rule.ID(), "TCP")
	}

	goroutine.SafeGo(log, "relay-tcp-accept", l.acceptLoop)

	return l, nil
}

func (l *TCPListener) acceptLoop() {
	for {
		conn, err := l.listener.Accept()
		if err != nil {
			select {
			case <-l.ctx.Done():
				return
			default:
				l.log.Warnw("tcp accept error", "rule_id", l.rule.ID(), "error", err)
				continue
			}
		}
		goroutine.SafeGo(l.log, "relay-tcp-connection", func() {
			l.handleConn(conn)
		})
	}
}

func (l *TCPListener) handleConn(conn net.Conn) {
	// The accept-stage work (access check + registration) is bounded by
	// the process-wide TCP-accept worker group.
	if l.acceptSem != nil {
		l.acceptSem <- struct{}{}
		defer func() { <-l.acceptSem }()
	}

	host, _, _ := net.SplitHostPort(conn.RemoteAddr().String())

	allowed := true
	if l.accessPolicy != nil {
		rules, err := l.accessPolicy.EffectiveRules(l.ctx, l.rule.ID())
		if err != nil {
			allowed = true // fail-open on a policy lookup error
		} else {
			allowed = relay.Decide(host, rules)
		}
	}
	if !allowed {
		conn.Close()
		if l.metrics != nil {
			l.metrics.IncConnectionErrors()
		}
		return
	}

	remotePort := remotePortOf(conn)
	record := relay.NewConnectionRecord(l.rule.ID(), valueobjects.ProtocolTCP, l.rule.SourcePort(), host, remotePort)
	if err := record.TransitionTo(valueobjects.ConnectionStatusConnected, ""); err != nil {
		l.log.Warnw("connection record transition failed", "error", err)
	}
	if l.connSink != nil {
		if err := l.connSink.Save(l.ctx, record.Snapshot()); err != nil {
			l.log.Warnw("failed to persist connection record", "error", err)
		}
	}

	entry := l.registry.Register(l.rule.ID(), record.ConnectionID, conn)

	if l.metrics != nil {
		l.metrics.IncActiveConnections()
		l.metrics.IncTotalConnections()
	}
	if l.statusSink != nil {
		l.statusSink.OnClientConnected(l.rule.ID(), "TCP")
	}

	l.readLoop(conn, record, entry)
}

func (l *TCPListener) readLoop(conn net.Conn, record *relay.ConnectionRecord, entry *ClientEntry) {
	// The per-connection I/O loop is bounded by the process-wide TCP-IO
	// worker group for the life of the connection.
	if l.ioSem != nil {
		l.ioSem <- struct{}{}
		defer func() { <-l.ioSem }()
	}

	buf := make([]byte, 32*1024)
	for {
		_ = conn.SetReadDeadline(time.Now().Add(clientIdleTimeout))
		n, err := conn.Read(buf)
		if n > 0 {
			data := make([]byte, n)
			copy(data, buf[:n])
			if ferr := l.registry.ForwardToUpstream(l.rule.ID(), record.ConnectionID, data, l.pool); ferr != nil {
				l.log.Warnw("forward to upstream failed", "rule_id", l.rule.ID(), "error", ferr)
			}
		}
		if err != nil {
			status := valueobjects.ConnectionStatusDisconnected
			msg := ""
			if netErr, ok := err.(net.Error); ok && netErr.Timeout() {
				status = valueobjects.ConnectionStatusTimeout
			} else if err.Error() != "EOF" {
				status = valueobjects.ConnectionStatusError
				msg = err.Error()
			}
			l.closeConn(conn, record, status, msg)
			return
		}
	}
}

func (l *TCPListener) closeConn(conn net.Conn, record *relay.ConnectionRecord, status valueobjects.ConnectionStatus, errMsg string) {
	conn.Close()
	_ = record.TransitionTo(status, errMsg)

	l.registry.Unregister(l.rule.ID(), record.ConnectionID)

	if l.statusSink != nil {
		l.statusSink.OnClientDisconnected(l.rule.ID(), "TCP")
	}
	// TCP historical records are deleted on close by design;
	// only UDP/broadcast paths retain them.
	if l.connSink != nil {
		if err := l.connSink.Delete(l.ctx, record.ConnectionID); err != nil {
			l.log.Warnw("failed to delete connection record", "error", err)
		}
	}
	if l.metrics != nil {
		l.metrics.DecActiveConnections()
	}
}

// Close stops the accept loop and closes the listener socket.
func (l *TCPListener) Close() error {
	l.cancel()
	err := l.listener.Close()
	if l.statusSink != nil {
		l.statusSink.StopListener(l.rule.ID())
	}
	return err
}

func remotePortOf(conn net.Conn) uint16 {
	_, portStr, err := net.SplitHostPort(conn.RemoteAddr().String())
	if err != nil {
		return 0
	}
	port, err := strconv.Atoi(portStr)
	if err != nil {
		return 0
	}
	return uint16(port)
}
