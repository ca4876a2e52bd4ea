package mux

import (
	"errors"
	"io"
	"net"
	"sync"
	"time"

	"github.com/backkem/mediaplane/pkg/transport"
	"github.com/pion/transport/v3/packetio"
)

// Endpoint is a buffered sink of a Mux. It implements net.PacketConn, and
// net.Conn for the common case where the Mux sits on a connected transport
// such as the ICE selected pair.
type Endpoint struct {
	mux    *Mux
	buffer *packetio.Buffer

	readMu sync.Mutex
	addrMu sync.Mutex
	addrs  []net.Addr
	last   net.Addr
}

func newEndpoint(m *Mux, limit int) *Endpoint {
	buf := packetio.NewBuffer()
	buf.SetLimitSize(limit)
	return &Endpoint{mux: m, buffer: buf}
}

// enqueue copies b into the endpoint's buffer.
func (e *Endpoint) enqueue(b []byte, from net.Addr) error {
	e.addrMu.Lock()
	e.addrs = append(e.addrs, from)
	e.addrMu.Unlock()

	if _, err := e.buffer.Write(b); err != nil {
		e.addrMu.Lock()
		e.addrs = e.addrs[:len(e.addrs)-1]
		e.addrMu.Unlock()
		return err
	}
	return nil
}

// ReadFrom reads one datagram and its source address.
func (e *Endpoint) ReadFrom(p []byte) (int, net.Addr, error) {
	e.readMu.Lock()
	defer e.readMu.Unlock()

	n, err := e.buffer.Read(p)
	if err != nil {
		return n, nil, err
	}

	e.addrMu.Lock()
	var from net.Addr
	if len(e.addrs) > 0 {
		from = e.addrs[0]
		e.addrs[0] = nil
		e.addrs = e.addrs[1:]
	}
	if from != nil {
		e.last = from
	}
	e.addrMu.Unlock()

	return n, from, nil
}

// Read reads one datagram.
func (e *Endpoint) Read(p []byte) (int, error) {
	n, _, err := e.ReadFrom(p)
	return n, err
}

// WriteTo sends p to addr through the Mux socket.
func (e *Endpoint) WriteTo(p []byte, addr net.Addr) (int, error) {
	n, err := e.mux.Send(p, addr)
	if err != nil && isClosed(err) {
		return 0, io.ErrClosedPipe
	}
	return n, err
}

// Write sends p to the remote address of a connected socket, or to the
// source of the most recently read datagram.
func (e *Endpoint) Write(p []byte) (int, error) {
	addr := e.RemoteAddr()
	if addr == nil {
		return 0, ErrNoRemoteAddr
	}
	return e.WriteTo(p, addr)
}

// Close unregisters the endpoint from the Mux and unblocks readers.
func (e *Endpoint) Close() error {
	e.mux.RemoveEndpoint(e)
	return e.close()
}

func (e *Endpoint) close() error {
	return e.buffer.Close()
}

// LocalAddr returns the Mux socket address.
func (e *Endpoint) LocalAddr() net.Addr {
	return e.mux.LocalAddr()
}

// RemoteAddr returns the connected peer when the socket is a net.Conn,
// otherwise the last source address seen.
func (e *Endpoint) RemoteAddr() net.Addr {
	if c, ok := e.mux.conn.(interface{ RemoteAddr() net.Addr }); ok {
		if addr := c.RemoteAddr(); addr != nil {
			return addr
		}
	}
	e.addrMu.Lock()
	defer e.addrMu.Unlock()
	return e.last
}

// SetDeadline sets the read deadline. Writes never block.
func (e *Endpoint) SetDeadline(t time.Time) error {
	return e.buffer.SetReadDeadline(t)
}

// SetReadDeadline sets the read deadline.
func (e *Endpoint) SetReadDeadline(t time.Time) error {
	return e.buffer.SetReadDeadline(t)
}

// SetWriteDeadline is a no-op; writes never block.
func (e *Endpoint) SetWriteDeadline(time.Time) error {
	return nil
}

func isClosed(err error) bool {
	return errors.Is(err, transport.ErrClosed) || errors.Is(err, net.ErrClosed)
}

var (
	_ net.PacketConn = (*Endpoint)(nil)
	_ net.Conn       = (*Endpoint)(nil)
)
