package transport

import (
	"errors"
	"io"
	"net"
	"sync"
	"time"

	"github.com/pion/logging"
)

// ReceiveMTU is the size of the read buffer. Datagrams larger than this are
// truncated by the kernel and never produced by this stack.
const ReceiveMTU = 8192

// UDP owns a packet socket. It runs the only read loop on the socket and
// hands each datagram to the configured PacketHandler; writes may come from
// any goroutine.
type UDP struct {
	conn    net.PacketConn
	handler PacketHandler
	closeCh chan struct{}
	doneCh  chan struct{}
	wg      sync.WaitGroup
	log     logging.LeveledLogger

	mu      sync.RWMutex
	started bool
	closed  bool
}

// UDPConfig configures the UDP transport.
type UDPConfig struct {
	// Conn is an optional pre-existing PacketConn to use.
	// If nil, a new connection will be created using ListenAddr.
	Conn net.PacketConn

	// ListenAddr is the address to listen on (e.g., "0.0.0.0:0").
	// Ignored if Conn is provided.
	ListenAddr string

	// PacketHandler is called for each received datagram.
	// Required.
	PacketHandler PacketHandler

	// LoggerFactory is the factory for creating loggers.
	// If nil, logging is disabled.
	LoggerFactory logging.LoggerFactory
}

// NewUDP creates a new UDP transport with the given configuration.
func NewUDP(config UDPConfig) (*UDP, error) {
	if config.PacketHandler == nil {
		return nil, ErrNoHandler
	}

	u := &UDP{
		conn:    config.Conn,
		handler: config.PacketHandler,
		closeCh: make(chan struct{}),
		doneCh:  make(chan struct{}),
	}

	if config.LoggerFactory != nil {
		u.log = config.LoggerFactory.NewLogger("transport-udp")
	}

	if u.conn == nil {
		addr := config.ListenAddr
		if addr == "" {
			addr = ":0"
		}

		conn, err := net.ListenPacket("udp", addr)
		if err != nil {
			return nil, err
		}
		u.conn = conn
	}

	return u, nil
}

// Start begins the read loop.
func (u *UDP) Start() error {
	u.mu.Lock()
	if u.closed {
		u.mu.Unlock()
		return ErrClosed
	}
	if u.started {
		u.mu.Unlock()
		return ErrAlreadyStarted
	}
	u.started = true
	u.mu.Unlock()

	if u.log != nil {
		u.log.Debugf("starting read loop on %s", u.conn.LocalAddr())
	}

	u.wg.Add(1)
	go u.readLoop()

	return nil
}

// Stop closes the socket and waits for the read loop to exit.
func (u *UDP) Stop() error {
	u.mu.Lock()
	if u.closed {
		u.mu.Unlock()
		return ErrClosed
	}
	u.closed = true
	started := u.started
	u.mu.Unlock()

	close(u.closeCh)

	_ = u.conn.SetReadDeadline(time.Now())
	err := u.conn.Close()
	u.wg.Wait()
	if !started {
		close(u.doneCh)
	}

	return err
}

// Done is closed once the read loop has exited, either because Stop was
// called or because the socket failed permanently.
func (u *UDP) Done() <-chan struct{} {
	return u.doneCh
}

// Send writes a datagram to addr.
func (u *UDP) Send(data []byte, addr net.Addr) (int, error) {
	u.mu.RLock()
	if u.closed {
		u.mu.RUnlock()
		return 0, ErrClosed
	}
	u.mu.RUnlock()

	if addr == nil {
		return 0, ErrInvalidAddress
	}
	if len(data) > ReceiveMTU {
		return 0, ErrMessageTooLarge
	}

	n, err := u.conn.WriteTo(data, addr)
	if err != nil && u.log != nil {
		u.log.Warnf("send to %v failed: %v", addr, err)
	}
	return n, err
}

// LocalAddr returns the local address of the socket.
func (u *UDP) LocalAddr() net.Addr {
	return u.conn.LocalAddr()
}

// Conn returns the underlying socket.
func (u *UDP) Conn() net.PacketConn {
	return u.conn
}

func (u *UDP) readLoop() {
	defer u.wg.Done()
	defer close(u.doneCh)

	buf := make([]byte, ReceiveMTU)
	pkt := &ReceivedPacket{}

	for {
		n, addr, err := u.conn.ReadFrom(buf)
		if err != nil {
			select {
			case <-u.closeCh:
				return
			default:
			}
			if errors.Is(err, net.ErrClosed) {
				return
			}
			var ne net.Error
			if errors.As(err, &ne) && ne.Timeout() {
				continue
			}
			if u.log != nil {
				u.log.Warnf("read error: %v", err)
			}
			if isPermanent(err) {
				return
			}
			continue
		}

		if n == 0 {
			continue
		}

		pkt.Data = buf[:n]
		pkt.Addr = addr
		u.handler(pkt)
	}
}

// isPermanent reports errors after which the socket will never produce data.
func isPermanent(err error) bool {
	return errors.Is(err, io.EOF) || errors.Is(err, io.ErrClosedPipe)
}
