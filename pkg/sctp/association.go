package sctp

import (
	"context"
	"crypto/rand"
	"errors"
	"fmt"
	"io"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/pion/logging"
	"github.com/pion/randutil"
)

type associationState int32

const (
	stateClosed associationState = iota
	stateCookieWait
	stateCookieEchoed
	stateEstablished
	stateShutdownPending
	stateShutdownSent
	stateShutdownReceived
	stateShutdownAckSent
)

func (s associationState) String() string {
	switch s {
	case stateClosed:
		return "Closed"
	case stateCookieWait:
		return "CookieWait"
	case stateCookieEchoed:
		return "CookieEchoed"
	case stateEstablished:
		return "Established"
	case stateShutdownPending:
		return "ShutdownPending"
	case stateShutdownSent:
		return "ShutdownSent"
	case stateShutdownReceived:
		return "ShutdownReceived"
	case stateShutdownAckSent:
		return "ShutdownAckSent"
	default:
		return fmt.Sprintf("state(%d)", int32(s))
	}
}

type ackState int

const (
	ackIdle ackState = iota
	ackDelayed
	ackImmediate
)

const (
	receiveMTU       = 8192
	rxQueueLength    = 64
	acceptQueueDepth = 16
	maxStreams       = 65535
	cookieLifetime   = time.Minute
	fastRtxThreshold = 3
)

// Association is an SCTP association over a connected datagram transport.
// A single goroutine owns the protocol state; the public methods post
// work to it.
type Association struct {
	log      logging.LeveledLogger
	cfg      Config
	netConn  net.Conn
	isClient bool
	name     string

	rx       chan []byte
	tasks    chan func()
	closing  chan struct{}
	loopDone chan struct{}
	readDone chan struct{}

	established     chan struct{}
	establishedOnce sync.Once
	terminated      chan struct{}
	termErr         error

	acceptCh  chan *Stream
	closeOnce sync.Once
	closeErr  error

	stateV   atomic.Int32
	buffered atomic.Int64
	unread   atomic.Int64
	stats    assocStats

	finalStats Stats

	// Loop-owned from here on.
	myVTag        uint32
	peerVTag      uint32
	cookieSecret  []byte
	storedInit    *initChunk
	storedCookie  *cookieEchoChunk
	staleRestarts int
	numOutStreams uint16
	numInStreams  uint16
	useForwardTSN bool
	peerReconfig  bool
	maxPayload    int

	streams map[uint16]*Stream

	// Sender.
	myNextTSN               uint32
	cumulativeTSNAckPoint   uint32
	advancedPeerTSNAckPoint uint32
	minTSN2MeasureRTT       uint32
	pending                 *pendingQueue
	inflight                *inflightQueue
	peerRwnd                uint32
	cwnd                    uint32
	ssthresh                uint32
	partialBytesAcked       uint32
	inFastRecovery          bool
	fastRecoverExitPoint    uint32
	willRetransmitFast      bool
	willSendForwardTSN      bool
	rto                     *rtoManager
	errorCount              int

	// Receiver.
	peerLastTSN           uint32
	payloads              *payloadQueue
	ackState              ackState
	packetsSinceAck       int
	dataInPacket          bool
	sawDuplicate          bool
	immediateAckRequested bool
	lastAdvertisedRwnd    uint32

	// Stream reset (RFC 6525).
	myNextRSN      uint32
	peerNextRSN    uint32
	streamsToReset []uint16
	outgoingReset  *outgoingResetRequest
	deferredResets []*outgoingResetRequest

	heartbeatOutstanding bool
	lastSend             time.Time

	t1Init    *loopTimer
	t1Cookie  *loopTimer
	t2        *loopTimer
	t3RTX     *loopTimer
	ackTimer  *loopTimer
	reconfigT *loopTimer
	heartbeat *loopTimer
}

// Client starts an association as the initiator and blocks until it is
// established.
func Client(config Config) (*Association, error) {
	return ClientContext(context.Background(), config)
}

// ClientContext is Client bounded by ctx.
func ClientContext(ctx context.Context, config Config) (*Association, error) {
	return dial(ctx, config, true)
}

// Server waits for the peer's INIT and blocks until the association is
// established.
func Server(config Config) (*Association, error) {
	return ServerContext(context.Background(), config)
}

// ServerContext is Server bounded by ctx.
func ServerContext(ctx context.Context, config Config) (*Association, error) {
	return dial(ctx, config, false)
}

func dial(ctx context.Context, config Config, isClient bool) (*Association, error) {
	a, err := newAssociation(config, isClient)
	if err != nil {
		return nil, err
	}
	a.start()

	select {
	case <-a.established:
		return a, nil
	case <-a.terminated:
		_ = a.Close()
		return nil, a.terminationError()
	case <-ctx.Done():
		_ = a.Close()
		return nil, fmt.Errorf("%w: %w", ErrHandshakeTimeout, ctx.Err())
	}
}

func newAssociation(config Config, isClient bool) (*Association, error) {
	cfg, err := config.validate()
	if err != nil {
		return nil, err
	}
	a := &Association{
		log:         cfg.LoggerFactory.NewLogger("sctp"),
		cfg:         cfg,
		netConn:     cfg.NetConn,
		isClient:    isClient,
		name:        cfg.Name,
		rx:          make(chan []byte, rxQueueLength),
		tasks:       make(chan func()),
		closing:     make(chan struct{}),
		loopDone:    make(chan struct{}),
		readDone:    make(chan struct{}),
		established: make(chan struct{}),
		terminated:  make(chan struct{}),
		acceptCh:    make(chan *Stream, acceptQueueDepth),
		streams:     make(map[uint16]*Stream),
		pending:     newPendingQueue(),
		inflight:    newInflightQueue(),
		payloads:    newPayloadQueue(),
		rto:         newRTOManager(cfg.RTOMax),
		maxPayload:  int(cfg.MTU) - commonHeaderSize - dataChunkHeaderSize,
		t1Init:      newLoopTimer(),
		t1Cookie:    newLoopTimer(),
		t2:          newLoopTimer(),
		t3RTX:       newLoopTimer(),
		ackTimer:    newLoopTimer(),
		reconfigT:   newLoopTimer(),
		heartbeat:   newLoopTimer(),
	}
	if a.name == "" {
		if isClient {
			a.name = "client"
		} else {
			a.name = "server"
		}
	}
	a.cookieSecret = make([]byte, 32)
	if _, err := rand.Read(a.cookieSecret); err != nil {
		return nil, err
	}
	if err := a.resetLocalTags(); err != nil {
		return nil, err
	}
	a.lastAdvertisedRwnd = cfg.MaxReceiveBufferSize
	return a, nil
}

// resetLocalTags picks a fresh verification tag and initial TSN.
func (a *Association) resetLocalTags() error {
	for a.myVTag == 0 {
		v, err := randutil.CryptoUint64()
		if err != nil {
			return err
		}
		a.myVTag = uint32(v)
		a.setInitialTSN(uint32(v >> 32))
	}
	return nil
}

func (a *Association) setInitialTSN(tsn uint32) {
	a.myNextTSN = tsn
	a.cumulativeTSNAckPoint = tsn - 1
	a.advancedPeerTSNAckPoint = tsn - 1
	a.minTSN2MeasureRTT = tsn
	a.myNextRSN = tsn
}

func (a *Association) start() {
	go a.readLoop()
	go a.loop()
	if a.isClient {
		_ = a.do(a.sendInit)
	}
}

// do runs f on the loop goroutine.
func (a *Association) do(f func()) error {
	select {
	case a.tasks <- f:
		return nil
	case <-a.loopDone:
		return ErrAssociationClosed
	}
}

// call runs f on the loop goroutine and waits for its result.
func (a *Association) call(f func() error) error {
	done := make(chan error, 1)
	if err := a.do(func() { done <- f() }); err != nil {
		return err
	}
	return <-done
}

func (a *Association) readLoop() {
	defer close(a.readDone)
	for {
		buf := make([]byte, receiveMTU)
		n, err := a.netConn.Read(buf)
		if err != nil {
			select {
			case <-a.closing:
			default:
				a.log.Debugf("[%s] read from lower layer: %v", a.name, err)
				_ = a.do(func() {
					if errors.Is(err, io.EOF) {
						a.terminate(ErrAssociationClosed)
					} else {
						a.terminate(fmt.Errorf("%w: %w", ErrAssociationClosed, err))
					}
				})
			}
			return
		}
		select {
		case a.rx <- buf[:n]:
		case <-a.loopDone:
			return
		}
	}
}

func (a *Association) loop() {
	defer func() {
		a.finalStats = a.snapshot()
		close(a.loopDone)
	}()
	for {
		select {
		case pkt := <-a.rx:
			a.handleInbound(pkt)
		case f := <-a.tasks:
			f()
		case <-a.t1Init.C:
			a.onT1InitTimeout()
		case <-a.t1Cookie.C:
			a.onT1CookieTimeout()
		case <-a.t2.C:
			a.onT2Timeout()
		case <-a.t3RTX.C:
			a.onT3Timeout()
		case <-a.ackTimer.C:
			a.ackTimer.expired()
			a.ackState = ackImmediate
		case <-a.reconfigT.C:
			a.onReconfigTimeout()
		case <-a.heartbeat.C:
			a.onHeartbeatTimeout()
		case <-a.closing:
			a.stopTimers()
			return
		}
		a.flush()
	}
}

func (a *Association) state() associationState {
	return associationState(a.stateV.Load())
}

func (a *Association) setState(s associationState) {
	old := associationState(a.stateV.Swap(int32(s)))
	if old != s {
		a.log.Debugf("[%s] state change: %s -> %s", a.name, old, s)
	}
}

func (a *Association) isTerminated() bool {
	select {
	case <-a.terminated:
		return true
	default:
		return false
	}
}

func (a *Association) establish() {
	a.setState(stateEstablished)
	mtu := a.cfg.MTU
	a.cwnd = min(4*mtu, max(2*mtu, 4380))
	a.ssthresh = a.peerRwnd
	a.errorCount = 0
	if a.cfg.HeartbeatInterval > 0 {
		a.heartbeat.restart(a.cfg.HeartbeatInterval)
	}
	a.log.Debugf("[%s] established: streams out=%d in=%d forwardTSN=%t reconfig=%t",
		a.name, a.numOutStreams, a.numInStreams, a.useForwardTSN, a.peerReconfig)
	a.establishedOnce.Do(func() { close(a.established) })
}

// terminate moves to Closed. A nil err marks a graceful shutdown.
func (a *Association) terminate(err error) {
	if a.isTerminated() {
		return
	}
	if err != nil {
		a.log.Debugf("[%s] terminated: %v", a.name, err)
	}
	a.setState(stateClosed)
	a.stopTimers()
	a.termErr = err
	readErr := err
	if readErr == nil {
		readErr = io.EOF
	}
	for _, s := range a.streams {
		s.closeRead(readErr)
	}
	close(a.terminated)
}

// terminationError is the error reported to callers after terminate.
func (a *Association) terminationError() error {
	if a.termErr == nil {
		return ErrAssociationClosed
	}
	return a.termErr
}

func (a *Association) stopTimers() {
	for _, t := range []*loopTimer{a.t1Init, a.t1Cookie, a.t2, a.t3RTX, a.ackTimer, a.reconfigT, a.heartbeat} {
		t.stop()
	}
}

// OpenStream creates an outgoing stream. The id must be below the
// negotiated number of outbound streams.
func (a *Association) OpenStream(id uint16, ppi PayloadProtocolIdentifier) (*Stream, error) {
	var s *Stream
	err := a.call(func() error {
		if a.isTerminated() {
			return a.terminationError()
		}
		if a.state() != stateEstablished {
			return ErrNotEstablished
		}
		if _, ok := a.streams[id]; ok {
			return ErrStreamExists
		}
		if id >= a.numOutStreams {
			return ErrInvalidStreamID
		}
		s = newStream(a, id, ppi)
		a.streams[id] = s
		return nil
	})
	return s, err
}

// AcceptStream returns the next stream opened by the peer.
func (a *Association) AcceptStream() (*Stream, error) {
	select {
	case s := <-a.acceptCh:
		return s, nil
	case <-a.terminated:
		if a.termErr == nil {
			return nil, io.EOF
		}
		return nil, a.termErr
	}
}

// Shutdown performs the graceful SHUTDOWN exchange after all queued data
// has been acknowledged. It returns once the association is closed or ctx
// ends.
func (a *Association) Shutdown(ctx context.Context) error {
	err := a.call(func() error {
		switch a.state() {
		case stateEstablished:
			a.setState(stateShutdownPending)
			return nil
		case stateShutdownPending, stateShutdownSent, stateShutdownReceived, stateShutdownAckSent:
			return nil
		}
		if a.isTerminated() {
			return a.terminationError()
		}
		return ErrNotEstablished
	})
	if err != nil {
		return err
	}

	select {
	case <-a.terminated:
		return a.termErr
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Abort sends ABORT with a user initiated cause and terminates at once.
func (a *Association) Abort(reason string) {
	_ = a.call(func() error {
		if a.isTerminated() {
			return nil
		}
		a.sendAbort(&ErrorCause{Code: CauseUserInitiatedAbort, Info: []byte(reason)})
		a.terminate(fmt.Errorf("%w: %s", ErrAssociationAborted, reason))
		return nil
	})
}

// Close aborts a live association and closes the lower layer. It is safe
// to call more than once.
func (a *Association) Close() error {
	a.closeOnce.Do(func() {
		_ = a.call(func() error {
			if !a.isTerminated() {
				if a.state() != stateClosed && a.state() != stateCookieWait {
					a.sendAbort(&ErrorCause{Code: CauseUserInitiatedAbort, Info: []byte("association closed")})
				}
				a.terminate(ErrAssociationClosed)
			}
			return nil
		})
		close(a.closing)
		<-a.loopDone
		a.closeErr = a.netConn.Close()
		<-a.readDone
	})
	return a.closeErr
}

// BufferedAmount is the number of bytes queued or unacknowledged across
// all streams.
func (a *Association) BufferedAmount() uint64 {
	return uint64(max(a.buffered.Load(), 0))
}

// MaxMessageSize is the largest message WriteSCTP accepts.
func (a *Association) MaxMessageSize() uint32 {
	return a.cfg.MaxMessageSize
}

// State returns the association state name.
func (a *Association) State() string {
	return a.state().String()
}

// LocalAddr and RemoteAddr report the lower layer addresses.
func (a *Association) LocalAddr() net.Addr  { return a.netConn.LocalAddr() }
func (a *Association) RemoteAddr() net.Addr { return a.netConn.RemoteAddr() }

func (a *Association) enqueue(s *Stream, p []byte, ppi PayloadProtocolIdentifier, unordered bool, rel ReliabilityType, val uint32) error {
	if a.isTerminated() {
		return a.terminationError()
	}
	if a.state() != stateEstablished {
		return ErrNotEstablished
	}
	if s.writeClosed {
		return ErrStreamClosed
	}
	if a.buffered.Load()+int64(len(p)) > int64(a.cfg.MaxSendBufferSize) {
		return ErrWouldBlock
	}

	msg := &outMessage{stream: s, reliability: rel, value: val, queued: time.Now()}
	var ssn uint16
	if !unordered {
		ssn = s.nextSSN
		s.nextSSN++
	}
	for off := 0; off < len(p); off += a.maxPayload {
		end := min(off+a.maxPayload, len(p))
		a.pending.push(&dataChunk{
			unordered: unordered,
			beginning: off == 0,
			ending:    end == len(p),
			streamID:  s.id,
			ssn:       ssn,
			ppi:       ppi,
			userData:  p[off:end],
			msg:       msg,
		})
		msg.nChunks++
	}
	a.buffered.Add(int64(len(p)))
	s.reserve(len(p))
	return nil
}

// release returns acknowledged or abandoned bytes to the send buffer.
func (a *Association) release(s *Stream, n int) {
	if n == 0 {
		return
	}
	a.buffered.Add(-int64(n))
	s.release(n)
}

// onRead runs on the reader's goroutine after a message leaves a stream.
func (a *Association) onRead(n int) {
	a.unread.Add(-int64(n))
	_ = a.do(func() {
		if a.lastAdvertisedRwnd < a.cfg.MTU && a.receiveWindow() >= a.cfg.MTU && a.state() != stateClosed {
			// Tell a stalled sender the window has reopened.
			a.ackState = ackImmediate
		}
	})
}

func (a *Association) receiveWindow() uint32 {
	used := a.unread.Load()
	for _, s := range a.streams {
		used += int64(s.reassembly.nBytes)
	}
	if used >= int64(a.cfg.MaxReceiveBufferSize) {
		return 0
	}
	return a.cfg.MaxReceiveBufferSize - uint32(used)
}

// resetStream closes the outgoing side of s (RFC 6525 outgoing reset).
func (a *Association) resetStream(s *Stream) error {
	if s.writeClosed {
		return nil
	}
	s.writeClosed = true
	if a.isTerminated() || !a.peerReconfig {
		a.removeStream(s)
		return nil
	}
	a.streamsToReset = append(a.streamsToReset, s.id)
	return nil
}

func (a *Association) removeStream(s *Stream) {
	if a.streams[s.id] == s {
		delete(a.streams, s.id)
	}
	s.closeRead(io.EOF)
}
