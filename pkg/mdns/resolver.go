package mdns

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/pion/logging"
	"github.com/pion/mdns"
	"golang.org/x/net/ipv4"
)

// DefaultQueryTimeout bounds a Resolve call whose context has no deadline.
const DefaultQueryTimeout = 5 * time.Second

// Resolver turns a .local host name into an address.
// This allows for dependency injection in tests.
type Resolver interface {
	Resolve(ctx context.Context, name string) (net.IP, error)
	Close() error
}

// QueryConfig holds configuration for a QueryConn.
type QueryConfig struct {
	// QueryInterval is the delay between repeated questions. Zero keeps the
	// pion/mdns default of one second.
	QueryInterval time.Duration

	// Timeout applies to Resolve calls without a context deadline.
	Timeout time.Duration

	// LoggerFactory for creating loggers.
	LoggerFactory logging.LoggerFactory
}

// QueryConn resolves .local names over the IPv4 multicast group.
// It never answers questions itself; publication is the Advertiser's job.
type QueryConn struct {
	conn    *mdns.Conn
	timeout time.Duration
	log     logging.LeveledLogger

	mu     sync.Mutex
	closed bool
}

// NewQueryConn binds the mDNS port and joins the multicast group on every
// interface that allows it.
func NewQueryConn(config QueryConfig) (*QueryConn, error) {
	if config.LoggerFactory == nil {
		config.LoggerFactory = logging.NewDefaultLoggerFactory()
	}
	if config.Timeout <= 0 {
		config.Timeout = DefaultQueryTimeout
	}

	addr, err := net.ResolveUDPAddr("udp4", mdns.DefaultAddress)
	if err != nil {
		return nil, err
	}
	l, err := net.ListenUDP("udp4", addr)
	if err != nil {
		return nil, fmt.Errorf("mdns: listen %s: %w", addr, err)
	}

	conn, err := mdns.Server(ipv4.NewPacketConn(l), &mdns.Config{
		QueryInterval: config.QueryInterval,
		LoggerFactory: config.LoggerFactory,
	})
	if err != nil {
		_ = l.Close()
		return nil, err
	}

	return &QueryConn{
		conn:    conn,
		timeout: config.Timeout,
		log:     config.LoggerFactory.NewLogger("mdns"),
	}, nil
}

// Resolve queries name until an answer arrives or ctx is done.
func (q *QueryConn) Resolve(ctx context.Context, name string) (net.IP, error) {
	if !IsLocalName(name) {
		return nil, ErrNotLocalName
	}

	q.mu.Lock()
	closed := q.closed
	q.mu.Unlock()
	if closed {
		return nil, ErrClosed
	}

	if _, ok := ctx.Deadline(); !ok {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, q.timeout)
		defer cancel()
	}

	_, src, err := q.conn.Query(ctx, name)
	if err != nil {
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return nil, fmt.Errorf("%w: %s", ErrNotFound, name)
		}
		return nil, err
	}

	ip := addrIP(src)
	if ip == nil {
		return nil, fmt.Errorf("%w: %s answered from %v", ErrNotFound, name, src)
	}
	q.log.Debugf("resolved %s to %s", name, ip)
	return ip, nil
}

// Close leaves the multicast group and releases the socket.
func (q *QueryConn) Close() error {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return nil
	}
	q.closed = true
	q.mu.Unlock()
	return q.conn.Close()
}

func addrIP(addr net.Addr) net.IP {
	switch a := addr.(type) {
	case *net.UDPAddr:
		return a.IP
	case *net.IPAddr:
		return a.IP
	}
	return nil
}

var _ Resolver = (*QueryConn)(nil)
