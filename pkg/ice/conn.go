package ice

import (
	"net"
	"os"
	"sync/atomic"
	"time"

	"github.com/pion/transport/v3/deadline"
)

// Conn carries application data over the selected candidate pair. Writes
// follow the selected pair as it changes. It is a net.Conn and, for
// demultiplexers that want source addresses, a net.PacketConn.
type Conn struct {
	agent         *Agent
	writeDeadline *deadline.Deadline

	bytesSent     atomic.Uint64
	bytesReceived atomic.Uint64
}

func (c *Conn) init() {
	c.writeDeadline = deadline.New()
}

// Read reads one datagram.
func (c *Conn) Read(p []byte) (int, error) {
	n, err := c.agent.buf.Read(p)
	c.bytesReceived.Add(uint64(n))
	return n, err
}

// ReadFrom reads one datagram; the source is the selected remote candidate.
func (c *Conn) ReadFrom(p []byte) (int, net.Addr, error) {
	n, err := c.Read(p)
	return n, c.RemoteAddr(), err
}

// Write sends p on the selected pair.
func (c *Conn) Write(p []byte) (int, error) {
	select {
	case <-c.writeDeadline.Done():
		return 0, os.ErrDeadlineExceeded
	case <-c.agent.done:
		return 0, ErrClosed
	default:
	}

	pair := c.agent.selected.Load()
	if pair == nil {
		return 0, ErrNoCandidatePairs
	}
	pair.Local.touchSent(time.Now())
	n, err := pair.Local.socket.writeTo(p, pair.Remote.Addr())
	c.bytesSent.Add(uint64(n))
	return n, err
}

// WriteTo ignores addr; data always goes to the selected pair.
func (c *Conn) WriteTo(p []byte, _ net.Addr) (int, error) {
	return c.Write(p)
}

// Close closes the agent.
func (c *Conn) Close() error {
	return c.agent.Close()
}

// LocalAddr returns the local address of the selected pair, if any.
func (c *Conn) LocalAddr() net.Addr {
	if pair := c.agent.selected.Load(); pair != nil {
		return pair.Local.socket.localAddr()
	}
	return nil
}

// RemoteAddr returns the remote address of the selected pair, if any.
func (c *Conn) RemoteAddr() net.Addr {
	if pair := c.agent.selected.Load(); pair != nil {
		return pair.Remote.Addr()
	}
	return nil
}

// SetDeadline sets both deadlines.
func (c *Conn) SetDeadline(t time.Time) error {
	c.writeDeadline.Set(t)
	return c.agent.buf.SetReadDeadline(t)
}

// SetReadDeadline sets the read deadline.
func (c *Conn) SetReadDeadline(t time.Time) error {
	return c.agent.buf.SetReadDeadline(t)
}

// SetWriteDeadline sets the write deadline.
func (c *Conn) SetWriteDeadline(t time.Time) error {
	c.writeDeadline.Set(t)
	return nil
}

// BytesSent returns the payload bytes written.
func (c *Conn) BytesSent() uint64 { return c.bytesSent.Load() }

// BytesReceived returns the payload bytes read.
func (c *Conn) BytesReceived() uint64 { return c.bytesReceived.Load() }

var (
	_ net.Conn       = (*Conn)(nil)
	_ net.PacketConn = (*Conn)(nil)
)
