// Package mux demultiplexes datagrams sharing one socket by their first byte
// (RFC 7983). It is used twice per peer connection: over each ICE candidate
// socket (STUN vs. everything else) and over the selected ICE pair (DTLS vs.
// SRTP vs. SRTCP).
package mux

import (
	"errors"
	"net"
	"sync"
	"sync/atomic"

	"github.com/backkem/mediaplane/pkg/transport"
	"github.com/pion/logging"
	"github.com/prometheus/client_golang/prometheus"
)

// maxBufferSize bounds the bytes queued on one Endpoint before new packets are dropped.
const maxBufferSize = 1000 * 1000

// Drop reasons reported by the dropped_packets_total counter.
const (
	DropReasonUnmatched = "unmatched"
	DropReasonZRTP      = "zrtp"
	DropReasonFull      = "buffer_full"
	DropReasonEmpty     = "empty"
)

// Handler receives a datagram synchronously from the read loop.
// b is only valid for the duration of the call.
type Handler func(b []byte, from net.Addr)

// Config collects the arguments to Mux construction.
type Config struct {
	// Conn is the socket to demultiplex. The Mux owns it from now on.
	Conn net.PacketConn

	// BufferSize bounds each Endpoint's queue in bytes. Default 1MB.
	BufferSize int

	// LoggerFactory creates the "mux" logger. Defaults to pion's default factory.
	LoggerFactory logging.LoggerFactory
}

type sink struct {
	match    MatchFunc
	endpoint *Endpoint
	handler  Handler
}

// Mux routes datagrams from one socket to the first registered sink whose
// MatchFunc accepts them.
type Mux struct {
	conn       net.PacketConn
	udp        *transport.UDP
	bufferSize int
	log        logging.LeveledLogger

	lock   sync.RWMutex
	sinks  []*sink
	closed bool

	dropped        atomic.Uint64
	droppedCounter *prometheus.CounterVec
	packetsCounter prometheus.Counter
}

// NewMux creates a Mux and starts its read loop.
func NewMux(config Config) (*Mux, error) {
	if config.Conn == nil {
		return nil, ErrNoConn
	}
	if config.LoggerFactory == nil {
		config.LoggerFactory = logging.NewDefaultLoggerFactory()
	}
	if config.BufferSize <= 0 {
		config.BufferSize = maxBufferSize
	}

	m := &Mux{
		conn:       config.Conn,
		bufferSize: config.BufferSize,
		log:        config.LoggerFactory.NewLogger("mux"),
		droppedCounter: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "mediaplane",
			Subsystem: "mux",
			Name:      "dropped_packets_total",
			Help:      "Datagrams dropped by the demultiplexer.",
		}, []string{"reason"}),
		packetsCounter: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "mediaplane",
			Subsystem: "mux",
			Name:      "received_packets_total",
			Help:      "Datagrams read from the socket.",
		}),
	}

	udp, err := transport.NewUDP(transport.UDPConfig{
		Conn:          config.Conn,
		PacketHandler: m.dispatch,
		LoggerFactory: config.LoggerFactory,
	})
	if err != nil {
		return nil, err
	}
	m.udp = udp
	if err := udp.Start(); err != nil {
		return nil, err
	}

	return m, nil
}

// NewEndpoint registers a buffered sink for packets accepted by f.
// Sinks are consulted in registration order.
func (m *Mux) NewEndpoint(f MatchFunc) *Endpoint {
	e := newEndpoint(m, m.bufferSize)

	m.lock.Lock()
	defer m.lock.Unlock()
	if m.closed {
		_ = e.close()
		return e
	}
	m.sinks = append(m.sinks, &sink{match: f, endpoint: e})
	return e
}

// Handle registers a synchronous sink for packets accepted by f.
func (m *Mux) Handle(f MatchFunc, h Handler) {
	m.lock.Lock()
	defer m.lock.Unlock()
	m.sinks = append(m.sinks, &sink{match: f, handler: h})
}

// RemoveEndpoint unregisters e. It does not close it.
func (m *Mux) RemoveEndpoint(e *Endpoint) {
	m.lock.Lock()
	defer m.lock.Unlock()
	for i, s := range m.sinks {
		if s.endpoint == e {
			m.sinks = append(m.sinks[:i], m.sinks[i+1:]...)
			return
		}
	}
}

// Send writes b to dst on the shared socket.
func (m *Mux) Send(b []byte, dst net.Addr) (int, error) {
	return m.udp.Send(b, dst)
}

// LocalAddr returns the socket's local address.
func (m *Mux) LocalAddr() net.Addr {
	return m.conn.LocalAddr()
}

// Conn returns the demultiplexed socket.
func (m *Mux) Conn() net.PacketConn {
	return m.conn
}

// Dropped returns how many datagrams were dropped so far.
func (m *Mux) Dropped() uint64 {
	return m.dropped.Load()
}

// Collectors exposes the mux metrics for registration.
func (m *Mux) Collectors() []prometheus.Collector {
	return []prometheus.Collector{m.droppedCounter, m.packetsCounter}
}

// Done is closed when the read loop exits.
func (m *Mux) Done() <-chan struct{} {
	return m.udp.Done()
}

// Close closes the socket and every endpoint. It is idempotent.
func (m *Mux) Close() error {
	m.lock.Lock()
	if m.closed {
		m.lock.Unlock()
		return nil
	}
	m.closed = true
	sinks := m.sinks
	m.sinks = nil
	m.lock.Unlock()

	for _, s := range sinks {
		if s.endpoint != nil {
			_ = s.endpoint.close()
		}
	}

	err := m.udp.Stop()
	if errors.Is(err, transport.ErrClosed) {
		err = nil
	}
	return err
}

func (m *Mux) dispatch(pkt *transport.ReceivedPacket) {
	m.packetsCounter.Inc()
	buf := pkt.Data

	if len(buf) == 0 {
		m.drop(DropReasonEmpty)
		return
	}
	if MatchZRTP(buf) {
		m.drop(DropReasonZRTP)
		return
	}

	var target *sink
	m.lock.RLock()
	for _, s := range m.sinks {
		if s.match(buf) {
			target = s
			break
		}
	}
	m.lock.RUnlock()

	if target == nil {
		m.log.Tracef("no endpoint for packet starting with %d from %s", buf[0], pkt.Addr)
		m.drop(DropReasonUnmatched)
		return
	}

	if target.handler != nil {
		target.handler(buf, pkt.Addr)
		return
	}

	if err := target.endpoint.enqueue(buf, pkt.Addr); err != nil {
		m.log.Debugf("endpoint dropped %d bytes: %v", len(buf), err)
		m.drop(DropReasonFull)
	}
}

func (m *Mux) drop(reason string) {
	m.dropped.Add(1)
	m.droppedCounter.WithLabelValues(reason).Inc()
}
