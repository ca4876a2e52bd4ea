package dtls

import (
	"context"
	"crypto/x509"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/backkem/mediaplane/pkg/crypto"
	"github.com/backkem/mediaplane/pkg/replay"
	"github.com/pion/logging"
	"github.com/pion/transport/v3/packetio"
	"github.com/prometheus/client_golang/prometheus"
)

const (
	receiveMTU    = 8192
	maxAppBuffer  = 1000 * 1000
	maxPlaintext  = 1 << 14
	maxDeferred   = 32
	rxQueueLength = 64
)

// Drop reasons reported by the dropped_records_total counter.
const (
	DropReasonMalformed = "malformed"
	DropReasonReplay    = "replay"
	DropReasonDecrypt   = "decrypt"
	DropReasonEpoch     = "epoch"
)

// ConnectionState describes a completed handshake.
type ConnectionState struct {
	CipherSuite           CipherSuiteID
	SRTPProtectionProfile SRTPProtectionProfile
	PeerCertificates      [][]byte
	ServerName            string
	ExtendedMasterSecret  bool
	IdentityHint          []byte
}

// Conn is a DTLS 1.2 association over a datagram net.Conn. One goroutine
// reads datagrams and a second owns the record and handshake state; writes
// from any goroutine are serialized on writeMu.
type Conn struct {
	log      logging.LeveledLogger
	next     net.Conn
	cfg      *Config
	isClient bool

	writeMu    sync.Mutex
	localSeq   [2]uint64
	localEpoch uint16
	writeKeys  recordCipher

	// Owned by the loop goroutine.
	readKeys      recordCipher
	replay        [2]*replay.Detector
	hs            *handshakeState
	deferred      [][]byte
	peerCCS       bool
	retransmitC   <-chan time.Time
	retransmitT   *time.Timer
	closeNotified bool

	appBuf *packetio.Buffer
	rx     chan []byte
	tasks  chan func()

	startOnce     sync.Once
	handshakeDone chan struct{}
	handshakeErr  error

	stateMu sync.RWMutex
	state   ConnectionState
	master  []byte
	randoms []byte // client_random || server_random

	closing   chan struct{}
	loopDone  chan struct{}
	closeOnce sync.Once
	failed    atomic.Pointer[error]

	dropped     *prometheus.CounterVec
	retransmits prometheus.Counter
}

// Client wraps conn as the DTLS client. The handshake runs on the first
// call to Handshake, Read or Write.
func Client(conn net.Conn, config *Config) (*Conn, error) {
	return newConn(conn, config, true)
}

// Server wraps conn as the DTLS server. It answers ClientHellos as soon
// as it is created.
func Server(conn net.Conn, config *Config) (*Conn, error) {
	return newConn(conn, config, false)
}

func newConn(conn net.Conn, config *Config, isClient bool) (*Conn, error) {
	if conn == nil {
		return nil, errors.New("dtls: nil conn")
	}
	cfg, err := config.validate(isClient)
	if err != nil {
		return nil, err
	}

	c := &Conn{
		log:           cfg.LoggerFactory.NewLogger("dtls"),
		next:          conn,
		cfg:           cfg,
		isClient:      isClient,
		appBuf:        packetio.NewBuffer(),
		rx:            make(chan []byte, rxQueueLength),
		tasks:         make(chan func()),
		handshakeDone: make(chan struct{}),
		closing:       make(chan struct{}),
		loopDone:      make(chan struct{}),
		dropped: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "mediaplane",
			Subsystem: "dtls",
			Name:      "dropped_records_total",
			Help:      "DTLS records dropped before reaching the handshake or application.",
		}, []string{"reason"}),
		retransmits: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "mediaplane",
			Subsystem: "dtls",
			Name:      "retransmitted_flights_total",
			Help:      "Handshake flights sent again after a timeout or a peer retransmission.",
		}),
	}
	c.appBuf.SetLimitSize(maxAppBuffer)
	window := uint(cfg.ReplayProtectionWindow)
	c.replay[0] = replay.New(window, maxSequence)
	c.replay[1] = replay.New(window, maxSequence)
	c.retransmitT = time.NewTimer(time.Hour)
	c.retransmitT.Stop()

	hs, err := newHandshakeState(c)
	if err != nil {
		return nil, err
	}
	c.hs = hs

	go c.readLoop()
	go c.loop()
	return c, nil
}

// Collectors exposes the connection metrics for registration.
func (c *Conn) Collectors() []prometheus.Collector {
	return []prometheus.Collector{c.dropped, c.retransmits}
}

// Handshake runs the handshake to completion or until ctx ends. A canceled
// handshake closes the connection.
func (c *Conn) Handshake(ctx context.Context) error {
	c.startOnce.Do(func() {
		if c.isClient {
			_ = c.do(func() { c.hs.start() })
		}
	})

	select {
	case <-c.handshakeDone:
		return c.handshakeErr
	case <-c.closing:
		return ErrConnClosed
	case <-ctx.Done():
		_ = c.Close()
		return fmt.Errorf("%w: %w", ErrHandshakeTimeout, ctx.Err())
	}
}

func (c *Conn) ensureHandshake() error {
	select {
	case <-c.handshakeDone:
		return c.handshakeErr
	default:
	}
	return c.Handshake(context.Background())
}

// do runs f on the loop goroutine.
func (c *Conn) do(f func()) error {
	select {
	case c.tasks <- f:
		return nil
	case <-c.loopDone:
		return ErrConnClosed
	}
}

func (c *Conn) readLoop() {
	for {
		buf := make([]byte, receiveMTU)
		n, err := c.next.Read(buf)
		if err != nil {
			select {
			case <-c.closing:
			default:
				c.log.Debugf("read from lower layer: %v", err)
				_ = c.do(func() { c.fail(err) })
			}
			return
		}
		select {
		case c.rx <- buf[:n]:
		case <-c.loopDone:
			return
		}
	}
}

func (c *Conn) loop() {
	defer close(c.loopDone)
	for {
		select {
		case pkt := <-c.rx:
			c.handleDatagram(pkt)
		case f := <-c.tasks:
			f()
		case <-c.retransmitC:
			c.retransmitC = nil
			c.hs.onTimeout()
		case <-c.closing:
			c.retransmitT.Stop()
			return
		}
	}
}

// armRetransmit schedules the flight timer; d <= 0 disarms it.
func (c *Conn) armRetransmit(d time.Duration) {
	c.retransmitT.Stop()
	if d <= 0 {
		c.retransmitC = nil
		return
	}
	c.retransmitT.Reset(d)
	c.retransmitC = c.retransmitT.C
}

func (c *Conn) drop(reason string) {
	c.dropped.WithLabelValues(reason).Inc()
}

func (c *Conn) handleDatagram(pkt []byte) {
	records, err := splitRecords(pkt)
	if err != nil {
		c.log.Debugf("dropping malformed datagram: %v", err)
		c.drop(DropReasonMalformed)
		return
	}
	for _, r := range records {
		if c.isFailed() {
			return
		}
		c.handleRecord(r)
	}
	for c.readKeys != nil && len(c.deferred) > 0 && !c.isFailed() {
		deferred := c.deferred
		c.deferred = nil
		for _, r := range deferred {
			c.handleRecord(r)
		}
	}
}

func (c *Conn) handleRecord(raw []byte) {
	var h recordHeader
	if err := h.unmarshal(raw); err != nil {
		c.drop(DropReasonMalformed)
		return
	}
	if h.epoch > 1 {
		c.drop(DropReasonEpoch)
		return
	}
	payload := raw[recordHeaderSize:]

	if h.epoch == 1 && c.readKeys == nil {
		if len(c.deferred) < maxDeferred {
			c.deferred = append(c.deferred, append([]byte(nil), raw...))
		}
		return
	}

	accept, ok := c.replay[h.epoch].Check(h.sequence)
	if !ok {
		c.log.Tracef("dropping replayed record epoch=%d seq=%d", h.epoch, h.sequence)
		c.drop(DropReasonReplay)
		return
	}

	if h.epoch == 1 {
		plain, err := c.readKeys.decrypt(&h, payload)
		if err != nil {
			c.drop(DropReasonDecrypt)
			c.abort(fatal(AlertBadRecordMac, err))
			return
		}
		payload = plain
	}
	if len(payload) > maxPlaintext {
		c.abort(fatal(AlertRecordOverflow, errInvalidRecord))
		return
	}
	accept()

	switch h.contentType {
	case ContentTypeHandshake:
		c.hs.handleRecord(&h, payload)
	case ContentTypeChangeCipherSpec:
		if len(payload) != 1 || payload[0] != 1 {
			c.drop(DropReasonMalformed)
			return
		}
		c.peerCCS = true
	case ContentTypeAlert:
		c.handleAlert(payload)
	case ContentTypeApplicationData:
		if h.epoch == 0 {
			c.drop(DropReasonEpoch)
			return
		}
		if _, err := c.appBuf.Write(payload); err != nil {
			c.log.Debugf("application buffer: %v", err)
		}
	}
}

// installReadKeys enables epoch 1 on the read side. Records that arrived
// before the keys are replayed once the current datagram is done.
func (c *Conn) installReadKeys(k recordCipher) {
	c.readKeys = k
}

func (c *Conn) handleAlert(payload []byte) {
	a, err := unmarshalAlert(payload)
	if err != nil {
		c.drop(DropReasonMalformed)
		return
	}
	switch {
	case a.Description == AlertCloseNotify:
		c.log.Debugf("peer sent close_notify")
		if !c.closeNotified {
			c.closeNotified = true
			_ = c.writeAlert(Alert{Level: AlertLevelWarning, Description: AlertCloseNotify})
		}
		c.fail(io.EOF)
	case a.Level == AlertLevelFatal:
		c.log.Warnf("received fatal alert %s", a)
		c.fail(&AlertError{Alert: a, Remote: true})
	default:
		c.log.Infof("received alert %s", a)
	}
}

// abort sends a fatal alert and fails the connection.
func (c *Conn) abort(err *AlertError) {
	c.log.Warnf("aborting: %v", err)
	_ = c.writeAlert(err.Alert)
	c.fail(err)
}

// fail records the terminal error, completes a pending handshake with it
// and stops delivering application data.
func (c *Conn) fail(err error) {
	if !c.failed.CompareAndSwap(nil, &err) {
		return
	}
	c.armRetransmit(0)
	if !c.hs.done {
		c.hs.finish(err)
	}
	_ = c.appBuf.Close()
}

func (c *Conn) isFailed() bool {
	return c.failed.Load() != nil
}

// sealRecord seals one record for epoch and appends it to dst.
func (c *Conn) sealRecord(dst []byte, typ ContentType, epoch uint16, payload []byte) ([]byte, error) {
	h := recordHeader{contentType: typ, version: VersionDTLS12, epoch: epoch}
	if c.localSeq[epoch] > maxSequence {
		return nil, errInvalidRecord
	}
	h.sequence = c.localSeq[epoch]
	c.localSeq[epoch]++

	if epoch > 0 {
		if c.writeKeys == nil {
			return nil, ErrHandshakeNotDone
		}
		sealed, err := c.writeKeys.encrypt(&h, payload)
		if err != nil {
			return nil, err
		}
		payload = sealed
	}
	h.length = uint16(len(payload))
	off := len(dst)
	dst = append(dst, make([]byte, recordHeaderSize)...)
	h.marshal(dst[off:])
	return append(dst, payload...), nil
}

func (c *Conn) writeAlert(a Alert) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	pkt, err := c.sealRecord(nil, ContentTypeAlert, c.localEpoch, a.marshal())
	if err != nil {
		return err
	}
	_, err = c.next.Write(pkt)
	return err
}

// Read reads one application data record.
func (c *Conn) Read(p []byte) (int, error) {
	if err := c.ensureHandshake(); err != nil {
		return 0, err
	}
	n, err := c.appBuf.Read(p)
	if err != nil {
		if errors.Is(err, io.EOF) {
			if ferr := c.failed.Load(); ferr != nil {
				return 0, *ferr
			}
		}
		return n, err
	}
	return n, nil
}

// Write sends p as one application data record.
func (c *Conn) Write(p []byte) (int, error) {
	if err := c.ensureHandshake(); err != nil {
		return 0, err
	}
	if len(p) > maxPlaintext {
		return 0, ErrApplicationDataSize
	}
	if ferr := c.failed.Load(); ferr != nil {
		if errors.Is(*ferr, io.EOF) {
			return 0, ErrConnClosed
		}
		return 0, *ferr
	}

	c.writeMu.Lock()
	pkt, err := c.sealRecord(nil, ContentTypeApplicationData, 1, p)
	c.writeMu.Unlock()
	if err != nil {
		return 0, err
	}
	if _, err := c.next.Write(pkt); err != nil {
		return 0, err
	}
	return len(p), nil
}

// Close sends close_notify when the handshake has completed and closes
// the lower layer. It is safe to call more than once.
func (c *Conn) Close() error {
	var err error
	c.closeOnce.Do(func() {
		select {
		case <-c.handshakeDone:
			if c.handshakeErr == nil && !c.isFailed() {
				_ = c.writeAlert(Alert{Level: AlertLevelWarning, Description: AlertCloseNotify})
			}
		default:
		}
		close(c.closing)
		<-c.loopDone
		ferr := ErrConnClosed
		c.failed.CompareAndSwap(nil, &ferr)
		if !c.hs.done {
			c.hs.finish(ErrConnClosed)
		}
		_ = c.appBuf.Close()
		err = c.next.Close()

		c.stateMu.Lock()
		for i := range c.master {
			c.master[i] = 0
		}
		c.stateMu.Unlock()
	})
	return err
}

// ConnectionState returns the negotiated parameters. The second result
// is false before the handshake completes.
func (c *Conn) ConnectionState() (ConnectionState, bool) {
	select {
	case <-c.handshakeDone:
		if c.handshakeErr != nil {
			return ConnectionState{}, false
		}
	default:
		return ConnectionState{}, false
	}
	c.stateMu.RLock()
	defer c.stateMu.RUnlock()
	return c.state, true
}

// SelectedSRTPProtectionProfile returns the use_srtp profile, if any.
func (c *Conn) SelectedSRTPProtectionProfile() (SRTPProtectionProfile, bool) {
	s, ok := c.ConnectionState()
	if !ok || s.SRTPProtectionProfile == 0 {
		return 0, false
	}
	return s.SRTPProtectionProfile, true
}

// PeerCertificate returns the parsed leaf of the peer's chain.
func (c *Conn) PeerCertificate() (*x509.Certificate, error) {
	s, ok := c.ConnectionState()
	if !ok {
		return nil, ErrHandshakeNotDone
	}
	if len(s.PeerCertificates) == 0 {
		return nil, errNoPeerCertificate
	}
	return x509.ParseCertificate(s.PeerCertificates[0])
}

var reservedExportLabels = map[string]bool{
	crypto.PRFLabelClientFinished:       true,
	crypto.PRFLabelServerFinished:       true,
	crypto.PRFLabelMasterSecret:         true,
	crypto.PRFLabelKeyExpansion:         true,
	crypto.PRFLabelExtendedMasterSecret: true,
}

// ExportKeyingMaterial derives length bytes from the master secret as in
// RFC 5705. A nil context is omitted from the seed; a non-nil one is
// length-prefixed.
func (c *Conn) ExportKeyingMaterial(label string, context []byte, length int) ([]byte, error) {
	if reservedExportLabels[label] {
		return nil, ErrReservedExportLabel
	}
	if len(context) > 0xffff {
		return nil, ErrContextUnsupported
	}
	if _, ok := c.ConnectionState(); !ok {
		return nil, ErrHandshakeNotDone
	}
	select {
	case <-c.closing:
		return nil, ErrConnClosed
	default:
	}

	c.stateMu.RLock()
	defer c.stateMu.RUnlock()
	seed := append([]byte(nil), c.randoms...)
	if context != nil {
		seed = binary.BigEndian.AppendUint16(seed, uint16(len(context)))
		seed = append(seed, context...)
	}
	return crypto.PRF(c.hs.suite.prf, c.master, label, seed, length)
}

// LocalAddr returns the lower layer's local address.
func (c *Conn) LocalAddr() net.Addr { return c.next.LocalAddr() }

// RemoteAddr returns the lower layer's remote address.
func (c *Conn) RemoteAddr() net.Addr { return c.next.RemoteAddr() }

// SetDeadline sets both deadlines.
func (c *Conn) SetDeadline(t time.Time) error {
	if err := c.SetReadDeadline(t); err != nil {
		return err
	}
	return c.SetWriteDeadline(t)
}

// SetReadDeadline bounds Read.
func (c *Conn) SetReadDeadline(t time.Time) error {
	return c.appBuf.SetReadDeadline(t)
}

// SetWriteDeadline bounds writes on the lower layer.
func (c *Conn) SetWriteDeadline(t time.Time) error {
	return c.next.SetWriteDeadline(t)
}

var _ net.Conn = (*Conn)(nil)
