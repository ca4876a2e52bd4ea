package srtp

import (
	"errors"
	"io"
	"net"
	"sync"
	"syscall"

	"github.com/pion/logging"
	"github.com/pion/transport/v3/packetio"
	"github.com/prometheus/client_golang/prometheus"
)

const (
	// maxStreamBufferSize bounds the bytes queued on one ReadStream.
	maxStreamBufferSize = 1000 * 1000

	// acceptQueueSize is the number of new streams that may wait for
	// AcceptStream before notifications are dropped.
	acceptQueueSize = 16

	receiveMTU = 8192
)

// Drop reasons reported by the dropped_packets_total counter.
const (
	DropReasonAuth       = "auth"
	DropReasonReplay     = "replay"
	DropReasonMalformed  = "malformed"
	DropReasonFull       = "buffer_full"
	DropReasonWouldBlock = "would_block"
)

// Config configures a session. Keys may be filled directly or through
// ExtractSessionKeysFromDTLS. The config must not be changed after use.
type Config struct {
	Keys    SessionKeys
	Profile ProtectionProfile

	// LocalOptions apply to the outbound context, RemoteOptions to the
	// inbound one. Replay protection defaults to a 64 packet window.
	LocalOptions, RemoteOptions []ContextOption

	// DroppedPackets counts discarded packets. Sessions sharing one
	// counter can be registered together; each session creates its own
	// when nil.
	DroppedPackets *prometheus.CounterVec

	LoggerFactory logging.LoggerFactory
}

// NewDroppedPacketsCounter returns the counter sessions report drops to,
// labelled by proto and reason.
func NewDroppedPacketsCounter() *prometheus.CounterVec {
	return prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "mediaplane",
		Subsystem: "srtp",
		Name:      "dropped_packets_total",
		Help:      "SRTP and SRTCP packets dropped by a session.",
	}, []string{"proto", "reason"})
}

type decrypter interface {
	decrypt(buf []byte) error
}

// session is the part shared by SessionSRTP and SessionSRTCP.
type session struct {
	proto string
	conn  net.Conn
	log   logging.LeveledLogger

	localContext  *Context
	remoteContext *Context

	streamsMu sync.Mutex
	streams   map[uint32]*ReadStream
	closed    bool
	newStream chan *ReadStream

	closeOnce sync.Once
	done      chan struct{}

	droppedCounter *prometheus.CounterVec
}

func newSession(proto string, conn net.Conn, config *Config) (*session, error) {
	if config == nil {
		return nil, ErrNoConfig
	}
	if conn == nil {
		return nil, ErrNoConn
	}
	loggerFactory := config.LoggerFactory
	if loggerFactory == nil {
		loggerFactory = logging.NewDefaultLoggerFactory()
	}

	local, err := CreateContext(config.Keys.LocalMasterKey, config.Keys.LocalMasterSalt, config.Profile, config.LocalOptions...)
	if err != nil {
		return nil, err
	}
	remote, err := CreateContext(config.Keys.RemoteMasterKey, config.Keys.RemoteMasterSalt, config.Profile, config.RemoteOptions...)
	if err != nil {
		return nil, err
	}

	dropped := config.DroppedPackets
	if dropped == nil {
		dropped = NewDroppedPacketsCounter()
	}

	return &session{
		proto:          proto,
		conn:           conn,
		log:            loggerFactory.NewLogger("srtp"),
		localContext:   local,
		remoteContext:  remote,
		streams:        make(map[uint32]*ReadStream),
		newStream:      make(chan *ReadStream, acceptQueueSize),
		done:           make(chan struct{}),
		droppedCounter: dropped,
	}, nil
}

func (s *session) start(child decrypter) {
	go s.readLoop(child)
}

func (s *session) readLoop(child decrypter) {
	defer func() {
		s.streamsMu.Lock()
		s.closed = true
		streams := s.streams
		s.streams = map[uint32]*ReadStream{}
		s.streamsMu.Unlock()

		for _, r := range streams {
			_ = r.buffer.Close()
		}
		close(s.newStream)
		close(s.done)
	}()

	buf := make([]byte, receiveMTU)
	for {
		n, err := s.conn.Read(buf)
		if err != nil {
			if !errors.Is(err, io.EOF) && !errors.Is(err, net.ErrClosed) {
				s.log.Warnf("%s read loop exiting: %v", s.proto, err)
			}
			return
		}
		if err := child.decrypt(buf[:n]); err != nil {
			s.drop(err)
		}
	}
}

// drop counts a discarded inbound packet.
func (s *session) drop(err error) {
	reason := DropReasonMalformed
	switch {
	case errors.Is(err, ErrAuthFailed):
		reason = DropReasonAuth
	case errors.Is(err, ErrReplayed):
		reason = DropReasonReplay
	case errors.Is(err, packetio.ErrFull):
		reason = DropReasonFull
	}
	s.droppedCounter.WithLabelValues(s.proto, reason).Inc()
	s.log.Debugf("%s packet dropped: %v", s.proto, err)
}

// deliver hands a decrypted packet to the stream of ssrc, creating and
// announcing it on first use.
func (s *session) deliver(ssrc uint32, b []byte) error {
	r, isNew := s.getOrCreateStream(ssrc)
	if r == nil {
		return nil
	}
	if isNew {
		select {
		case s.newStream <- r:
		default:
			s.log.Warnf("%s accept queue full, ssrc %d not announced", s.proto, ssrc)
		}
	}
	_, err := r.buffer.Write(b)
	return err
}

func (s *session) getOrCreateStream(ssrc uint32) (*ReadStream, bool) {
	s.streamsMu.Lock()
	defer s.streamsMu.Unlock()

	if s.closed {
		return nil, false
	}
	if r, ok := s.streams[ssrc]; ok {
		return r, false
	}
	r := newReadStream(s, ssrc)
	s.streams[ssrc] = r
	return r, true
}

func (s *session) removeStream(r *ReadStream) {
	s.streamsMu.Lock()
	defer s.streamsMu.Unlock()
	if s.streams[r.ssrc] == r {
		delete(s.streams, r.ssrc)
	}
}

func (s *session) acceptStream() (*ReadStream, error) {
	r, ok := <-s.newStream
	if !ok {
		return nil, ErrSessionClosed
	}
	return r, nil
}

func (s *session) openStream(ssrc uint32) (*ReadStream, error) {
	r, _ := s.getOrCreateStream(ssrc)
	if r == nil {
		return nil, ErrSessionClosed
	}
	return r, nil
}

// send writes an encrypted packet. A send that would block drops the
// packet instead of queueing it.
func (s *session) send(b []byte) (int, error) {
	n, err := s.conn.Write(b)
	if err != nil && (errors.Is(err, packetio.ErrFull) || errors.Is(err, syscall.EAGAIN)) {
		s.droppedCounter.WithLabelValues(s.proto, DropReasonWouldBlock).Inc()
		return 0, nil
	}
	return n, err
}

func (s *session) close() error {
	var err error
	s.closeOnce.Do(func() {
		err = s.conn.Close()
	})
	<-s.done
	return err
}

// Collectors exposes the session metrics for registration.
func (s *session) Collectors() []prometheus.Collector {
	return []prometheus.Collector{s.droppedCounter}
}
