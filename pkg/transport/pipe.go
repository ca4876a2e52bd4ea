package transport

import (
	"fmt"
	"math/rand"
	"net"
	"sync"
	"time"

	"github.com/pion/transport/v3/test"
)

// NetworkCondition configures network behavior simulation.
// Use this to test protocol behavior under adverse network conditions.
type NetworkCondition struct {
	// DropRate is the probability of dropping a packet (0.0 - 1.0).
	DropRate float64

	// DelayMin is the minimum delay to add to each packet.
	DelayMin time.Duration

	// DelayMax is the maximum delay to add to each packet.
	// Actual delay is uniformly distributed between DelayMin and DelayMax.
	DelayMax time.Duration

	// DuplicateRate is the probability of duplicating a packet (0.0 - 1.0).
	DuplicateRate float64

	// ReorderRate is the probability of reordering packets (0.0 - 1.0).
	// When triggered, the packet is held back by ReorderDelay while later
	// packets pass it.
	ReorderRate float64

	// ReorderDelay is the additional delay for reordered packets.
	ReorderDelay time.Duration
}

// PacketFilter inspects a packet written by endpoint fromID and reports
// whether it should be delivered. It runs before NetworkCondition.
type PacketFilter func(fromID int, b []byte) bool

// PipeConfig configures a Pipe.
type PipeConfig struct {
	// AutoProcess enables automatic packet delivery in a background goroutine.
	// Default: true
	AutoProcess bool

	// ProcessInterval is how often the auto-processor drains the queues.
	// Default: 1ms
	ProcessInterval time.Duration
}

// DefaultPipeConfig returns the default pipe configuration.
func DefaultPipeConfig() PipeConfig {
	return PipeConfig{
		AutoProcess:     true,
		ProcessInterval: 1 * time.Millisecond,
	}
}

// Pipe is a bidirectional in-memory datagram wire between two endpoints.
// It wraps pion's test.Bridge and adds loss, delay, duplication, reordering
// and targeted filtering so DTLS, SCTP and data-channel tests can run
// without sockets.
type Pipe struct {
	bridge *test.Bridge

	mu              sync.RWMutex
	condition       NetworkCondition
	filter          PacketFilter
	closed          bool
	rng             *rand.Rand
	rngMu           sync.Mutex
	autoProcess     bool
	processInterval time.Duration
	stopCh          chan struct{}
	wg              sync.WaitGroup
}

// NewPipe creates a new bidirectional pipe with auto-processing enabled.
func NewPipe() *Pipe {
	return NewPipeWithConfig(DefaultPipeConfig())
}

// NewPipeWithConfig creates a new pipe with the given configuration.
func NewPipeWithConfig(config PipeConfig) *Pipe {
	p := &Pipe{
		bridge:          test.NewBridge(),
		rng:             rand.New(rand.NewSource(time.Now().UnixNano())),
		autoProcess:     config.AutoProcess,
		processInterval: config.ProcessInterval,
		stopCh:          make(chan struct{}),
	}

	if config.ProcessInterval == 0 {
		p.processInterval = 1 * time.Millisecond
	}

	if p.autoProcess {
		p.startAutoProcess()
	}

	return p
}

func (p *Pipe) startAutoProcess() {
	p.wg.Add(1)
	go func() {
		defer p.wg.Done()
		ticker := time.NewTicker(p.processInterval)
		defer ticker.Stop()

		for {
			select {
			case <-p.stopCh:
				return
			case <-ticker.C:
				p.Process()
			}
		}
	}()
}

// SetAutoProcess enables or disables automatic packet delivery.
// When disabled, Tick or Process must be called manually.
func (p *Pipe) SetAutoProcess(enabled bool) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.closed || p.autoProcess == enabled {
		return
	}

	p.autoProcess = enabled
	if enabled {
		p.stopCh = make(chan struct{})
		p.startAutoProcess()
	} else {
		close(p.stopCh)
		p.wg.Wait()
	}
}

// AutoProcess returns whether auto-processing is enabled.
func (p *Pipe) AutoProcess() bool {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.autoProcess
}

// SetCondition configures network condition simulation for both directions.
func (p *Pipe) SetCondition(cond NetworkCondition) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.condition = cond
}

// Condition returns the current network condition configuration.
func (p *Pipe) Condition() NetworkCondition {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.condition
}

// SetFilter installs a per-packet filter. A nil filter delivers everything.
func (p *Pipe) SetFilter(f PacketFilter) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.filter = f
}

// Conn0 returns the raw bridge connection for endpoint 0.
func (p *Pipe) Conn0() net.Conn {
	return p.bridge.GetConn0()
}

// Conn1 returns the raw bridge connection for endpoint 1.
func (p *Pipe) Conn1() net.Conn {
	return p.bridge.GetConn1()
}

// Tick delivers one packet in each direction (if available).
// Returns the number of packets delivered (0, 1, or 2).
func (p *Pipe) Tick() int {
	return p.bridge.Tick()
}

// Process delivers all queued packets and returns how many were delivered.
func (p *Pipe) Process() int {
	count := 0
	for {
		n := p.Tick()
		if n == 0 {
			break
		}
		count += n
	}
	return count
}

// Close closes both endpoints of the pipe and stops auto-processing.
func (p *Pipe) Close() error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil
	}
	p.closed = true
	if p.autoProcess {
		close(p.stopCh)
	}
	p.mu.Unlock()

	p.wg.Wait()

	err0 := p.bridge.GetConn0().Close()
	err1 := p.bridge.GetConn1().Close()
	if err0 != nil {
		return err0
	}
	return err1
}

func (p *Pipe) chance(rate float64) bool {
	if rate <= 0 {
		return false
	}
	p.rngMu.Lock()
	defer p.rngMu.Unlock()
	return p.rng.Float64() < rate
}

func (p *Pipe) delay(cond NetworkCondition) time.Duration {
	if cond.DelayMax <= 0 {
		return 0
	}
	d := cond.DelayMin
	if cond.DelayMax > cond.DelayMin {
		p.rngMu.Lock()
		d += time.Duration(p.rng.Int63n(int64(cond.DelayMax - cond.DelayMin)))
		p.rngMu.Unlock()
	}
	return d
}

// PipeAddr implements net.Addr for pipe endpoints.
type PipeAddr struct {
	ID   int // Endpoint ID (0 or 1)
	Port int // Logical port number
}

// Network returns "pipe".
func (a PipeAddr) Network() string { return "pipe" }

// String returns a string representation of the address.
func (a PipeAddr) String() string { return fmt.Sprintf("pipe:%d:%d", a.ID, a.Port) }

// PipePacketConn is one end of a Pipe. It is both a net.PacketConn and a
// connected net.Conn, so it can sit under the mux or directly under DTLS.
type PipePacketConn struct {
	conn     net.Conn
	localID  int
	port     int
	peerAddr net.Addr
	pipe     *Pipe
}

// ReadFrom reads a packet from the pipe.
// The returned address is the peer's address.
func (c *PipePacketConn) ReadFrom(b []byte) (n int, addr net.Addr, err error) {
	n, err = c.conn.Read(b)
	return n, c.peerAddr, err
}

// Read reads a packet from the pipe.
func (c *PipePacketConn) Read(b []byte) (int, error) {
	return c.conn.Read(b)
}

// WriteTo writes a packet to the pipe.
// The addr parameter is ignored since the pipe has only one peer.
func (c *PipePacketConn) WriteTo(b []byte, _ net.Addr) (int, error) {
	return c.Write(b)
}

// Write writes a packet to the peer, applying the pipe's filter and network
// condition. Dropped packets report success.
func (c *PipePacketConn) Write(b []byte) (int, error) {
	if c.pipe == nil {
		return c.conn.Write(b)
	}

	c.pipe.mu.RLock()
	cond := c.pipe.condition
	filter := c.pipe.filter
	c.pipe.mu.RUnlock()

	if filter != nil && !filter(c.localID, b) {
		return len(b), nil
	}
	if c.pipe.chance(cond.DropRate) {
		return len(b), nil
	}
	if d := c.pipe.delay(cond); d > 0 {
		time.Sleep(d)
	}
	if c.pipe.chance(cond.ReorderRate) && cond.ReorderDelay > 0 {
		held := append([]byte(nil), b...)
		time.AfterFunc(cond.ReorderDelay, func() {
			_, _ = c.conn.Write(held)
		})
		return len(b), nil
	}
	if c.pipe.chance(cond.DuplicateRate) {
		if _, err := c.conn.Write(b); err != nil {
			return 0, err
		}
	}

	return c.conn.Write(b)
}

// Close closes the pipe connection.
func (c *PipePacketConn) Close() error {
	return c.conn.Close()
}

// LocalAddr returns the local address.
func (c *PipePacketConn) LocalAddr() net.Addr {
	return PipeAddr{ID: c.localID, Port: c.port}
}

// RemoteAddr returns the peer address.
func (c *PipePacketConn) RemoteAddr() net.Addr {
	return c.peerAddr
}

// SetDeadline sets the read and write deadlines.
func (c *PipePacketConn) SetDeadline(t time.Time) error {
	return c.conn.SetDeadline(t)
}

// SetReadDeadline sets the read deadline.
func (c *PipePacketConn) SetReadDeadline(t time.Time) error {
	return c.conn.SetReadDeadline(t)
}

// SetWriteDeadline sets the write deadline.
func (c *PipePacketConn) SetWriteDeadline(t time.Time) error {
	return c.conn.SetWriteDeadline(t)
}

var (
	_ net.PacketConn = (*PipePacketConn)(nil)
	_ net.Conn       = (*PipePacketConn)(nil)
)

// PipeFactory hands out one side of a Pipe.
type PipeFactory struct {
	mu      sync.Mutex
	pipe    *Pipe
	localID int // 0 or 1
	udpConn *PipePacketConn
}

// NewPipeFactoryPair creates a pair of PipeFactory instances
// connected to each other via a Pipe with auto-processing enabled.
//
// Example:
//
//	f0, f1 := transport.NewPipeFactoryPair()
//	c0, _ := f0.CreateUDPConn(5000)
//	c1, _ := f1.CreateUDPConn(5000)
//	// c0 and c1 now exchange datagrams
func NewPipeFactoryPair() (*PipeFactory, *PipeFactory) {
	return NewPipeFactoryPairWithConfig(DefaultPipeConfig())
}

// NewPipeFactoryPairWithConfig creates a pair of PipeFactory instances
// with the given configuration.
func NewPipeFactoryPairWithConfig(config PipeConfig) (*PipeFactory, *PipeFactory) {
	pipe := NewPipeWithConfig(config)
	return &PipeFactory{pipe: pipe, localID: 0}, &PipeFactory{pipe: pipe, localID: 1}
}

// Pipe returns the underlying pipe for configuration and manual delivery.
func (f *PipeFactory) Pipe() *Pipe {
	return f.pipe
}

// LocalAddr returns the local address for this side of the pipe.
func (f *PipeFactory) LocalAddr() net.Addr {
	return PipeAddr{ID: f.localID}
}

// PeerAddr returns the peer address for this side of the pipe.
func (f *PipeFactory) PeerAddr() net.Addr {
	return PipeAddr{ID: 1 - f.localID}
}

// CreateUDPConn returns this side's connection, creating it on first use.
func (f *PipeFactory) CreateUDPConn(port int) (net.PacketConn, error) {
	return f.conn(port), nil
}

// Conn returns this side's connection as a *PipePacketConn.
func (f *PipeFactory) Conn() *PipePacketConn {
	return f.conn(0)
}

func (f *PipeFactory) conn(port int) *PipePacketConn {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.udpConn != nil {
		return f.udpConn
	}

	var conn net.Conn
	if f.localID == 0 {
		conn = f.pipe.Conn0()
	} else {
		conn = f.pipe.Conn1()
	}

	f.udpConn = &PipePacketConn{
		conn:     conn,
		localID:  f.localID,
		port:     port,
		peerAddr: PipeAddr{ID: 1 - f.localID, Port: port},
		pipe:     f.pipe,
	}
	return f.udpConn
}

// SetCondition configures network condition simulation for this factory's pipe.
func (f *PipeFactory) SetCondition(cond NetworkCondition) {
	f.pipe.SetCondition(cond)
}

// NewConnPair is a shortcut returning both connected ends of a new pipe.
func NewConnPair() (*Pipe, *PipePacketConn, *PipePacketConn) {
	f0, f1 := NewPipeFactoryPair()
	return f0.Pipe(), f0.Conn(), f1.Conn()
}
