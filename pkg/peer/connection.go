// Package peer assembles ICE, DTLS, SCTP and SRTP into one connection.
//
// A Connection gathers candidates, exchanges Parameters with the remote
// side through any signaling channel, and then runs the transports in
// order: ICE selects a pair, DTLS authenticates the remote fingerprint
// over it, and the negotiated keys feed SRTP while SCTP carries data
// channels over the DTLS records. All of it shares one socket per
// candidate.
package peer

import (
	"context"
	"crypto/x509"
	"errors"
	"fmt"
	"io"
	"math"
	"net"
	"slices"
	"sync"
	"sync/atomic"

	"github.com/backkem/mediaplane/pkg/certificate"
	"github.com/backkem/mediaplane/pkg/datachannel"
	"github.com/backkem/mediaplane/pkg/dtls"
	"github.com/backkem/mediaplane/pkg/ice"
	"github.com/backkem/mediaplane/pkg/mux"
	"github.com/backkem/mediaplane/pkg/sctp"
	"github.com/backkem/mediaplane/pkg/sessiondesc"
	"github.com/backkem/mediaplane/pkg/srtp"
	"github.com/pion/logging"
	"github.com/prometheus/client_golang/prometheus"
)

// RemoteParameters are the transport parameters learned from the remote
// side, usually parsed from its session description.
type RemoteParameters = sessiondesc.Parameters

// Connection is one peer-to-peer connection.
type Connection struct {
	config       Configuration
	log          logging.LeveledLogger
	agent        *ice.Agent
	fingerprints []certificate.Fingerprint

	// ctx is canceled by Close and aborts a running Start.
	ctx    context.Context
	cancel context.CancelFunc

	gathered     chan struct{}
	gatheredOnce sync.Once

	mu           sync.Mutex
	state        ConnectionState
	lastErr      error
	started      bool
	tornDown     bool
	remote       *RemoteParameters
	mux          *mux.Mux
	dtlsConn     *dtls.Conn
	association  *sctp.Association
	srtpSession  *srtp.SessionSRTP
	srtcpSession *srtp.SessionSRTCP
	noSRTP       bool
	ids          *datachannel.IDAllocator
	channels     map[uint16]*datachannel.DataChannel

	mediaReady chan struct{}
	rtpIn      chan []byte
	rtcpIn     chan []byte

	srtpDropped *prometheus.CounterVec

	onStateChange  atomic.Pointer[func(ConnectionState)]
	onDataChannel  atomic.Pointer[func(*datachannel.DataChannel)]
	onICECandidate atomic.Pointer[func(*ice.Candidate)]

	closeOnce    sync.Once
	teardownOnce sync.Once
}

// NewConnection validates config and creates the ICE agent. Gathering
// starts with GatherCandidates, or right away when ICECandidatePoolSize
// is set.
func NewConnection(config Configuration) (*Connection, error) {
	urls, err := config.validate()
	if err != nil {
		return nil, err
	}
	if err := config.applyDefaults(); err != nil {
		return nil, fmt.Errorf("peer: generating certificate: %w", err)
	}

	fingerprints := make([]certificate.Fingerprint, 0, len(config.Certificates))
	for _, cert := range config.Certificates {
		fp, err := cert.Fingerprint(certificate.DefaultAlgorithm)
		if err != nil {
			return nil, &ConfigError{Field: "Certificates", Err: err}
		}
		fingerprints = append(fingerprints, fp)
	}

	ctx, cancel := context.WithCancel(context.Background())
	c := &Connection{
		config:       config,
		log:          config.LoggerFactory.NewLogger("peer"),
		fingerprints: fingerprints,
		ctx:          ctx,
		cancel:       cancel,
		gathered:     make(chan struct{}),
		channels:     make(map[uint16]*datachannel.DataChannel),
		mediaReady:   make(chan struct{}),
		rtpIn:        make(chan []byte, mediaQueueSize),
		rtcpIn:       make(chan []byte, mediaQueueSize),
		srtpDropped:  srtp.NewDroppedPacketsCounter(),
	}

	// A candidate pool starts gathering inside NewAgent. Candidates found
	// before the handlers are set still show up in LocalParameters.
	agent, err := ice.NewAgent(config.agentConfig(urls))
	if err != nil {
		cancel()
		return nil, &ConfigError{Field: "ICE", Err: err}
	}
	c.agent = agent
	agent.OnCandidate(c.handleCandidate)
	agent.OnConnectionStateChange(c.handleICEState)

	if s, err := agent.GatheringState(); err == nil && s == ice.GatheringStateComplete {
		c.markGathered()
	}
	return c, nil
}

func (c *Connection) handleCandidate(cand *ice.Candidate) {
	if cand == nil {
		c.log.Debug("candidate gathering complete")
		c.markGathered()
	}
	if h := c.onICECandidate.Load(); h != nil && *h != nil {
		(*h)(cand)
	}
}

func (c *Connection) markGathered() {
	c.gatheredOnce.Do(func() { close(c.gathered) })
}

// GatherCandidates starts gathering local candidates. They are reported
// to the OnICECandidate handler followed by nil.
func (c *Connection) GatherCandidates() error {
	if c.isClosed() {
		return ErrClosed
	}
	return c.agent.GatherCandidates()
}

// GatheringComplete is closed once every local candidate is known.
func (c *Connection) GatheringComplete() <-chan struct{} {
	return c.gathered
}

// OnICECandidate sets the handler for trickled local candidates. A nil
// candidate marks the end of gathering.
func (c *Connection) OnICECandidate(f func(*ice.Candidate)) {
	c.onICECandidate.Store(&f)
}

// AddRemoteCandidate adds a trickled remote candidate.
func (c *Connection) AddRemoteCandidate(cand *ice.Candidate) error {
	if c.isClosed() {
		return ErrClosed
	}
	return c.agent.AddRemoteCandidate(cand)
}

// LocalParameters returns what the remote side needs to connect: ICE
// credentials, the candidates gathered so far, fingerprints and the local
// setup role.
func (c *Connection) LocalParameters() (*sessiondesc.Parameters, error) {
	ufrag, pwd, err := c.agent.GetLocalUserCredentials()
	if err != nil {
		return nil, err
	}
	candidates, err := c.agent.GetLocalCandidates()
	if err != nil {
		return nil, err
	}

	p := &sessiondesc.Parameters{
		ICEUfrag:       ufrag,
		ICEPwd:         pwd,
		Candidates:     candidates,
		Fingerprints:   slices.Clone(c.fingerprints),
		Role:           c.config.DTLSRole,
		SCTPPort:       sctp.DefaultPort,
		MaxMessageSize: sctp.DefaultMaxMessageSize,
		Mids:           []string{"0"},
	}
	select {
	case <-c.gathered:
		p.EndOfCandidates = true
	default:
	}
	return p, nil
}

// Start connects to the remote side and blocks until ICE, DTLS and, when
// the remote offered a data section, SCTP are up. The ICE role follows
// the ufrags: the greater one controls, and a lite remote is always
// controlled. A failure moves the connection to Failed.
func (c *Connection) Start(ctx context.Context, remote *RemoteParameters) error {
	if remote == nil {
		return ErrNoRemoteParameters
	}
	c.mu.Lock()
	switch {
	case c.state == ConnectionStateClosed:
		c.mu.Unlock()
		return ErrClosed
	case c.started:
		c.mu.Unlock()
		return ErrAlreadyStarted
	}
	c.started = true
	c.remote = remote
	c.mu.Unlock()
	c.setState(ConnectionStateConnecting)

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	stop := context.AfterFunc(c.ctx, cancel)
	defer stop()

	if err := c.start(ctx, remote); err != nil {
		if c.isClosed() {
			return ErrClosed
		}
		c.fail(err)
		return err
	}
	c.setState(ConnectionStateConnected, ConnectionStateConnecting)
	return nil
}

func (c *Connection) start(ctx context.Context, remote *RemoteParameters) error {
	localUfrag, _, err := c.agent.GetLocalUserCredentials()
	if err != nil {
		return err
	}
	if localUfrag == remote.ICEUfrag {
		return ErrIdenticalUfrags
	}
	controlling := remote.ICELite || localUfrag > remote.ICEUfrag

	for _, cand := range remote.Candidates {
		if err := c.agent.AddRemoteCandidate(cand); err != nil {
			return fmt.Errorf("peer: remote candidate %s: %w", cand, err)
		}
	}

	c.log.Debugf("starting ICE, controlling=%v", controlling)
	var iceConn *ice.Conn
	if controlling {
		iceConn, err = c.agent.Dial(ctx, remote.ICEUfrag, remote.ICEPwd)
	} else {
		iceConn, err = c.agent.Accept(ctx, remote.ICEUfrag, remote.ICEPwd)
	}
	if err != nil {
		return fmt.Errorf("peer: ICE: %w", err)
	}

	m, err := mux.NewMux(mux.Config{Conn: iceConn, LoggerFactory: c.config.LoggerFactory})
	if err != nil {
		return err
	}
	if err := c.track(func() { c.mux = m }, m); err != nil {
		return err
	}
	dtlsEndpoint := m.NewEndpoint(mux.MatchDTLS)
	rtpEndpoint := m.NewEndpoint(mux.MatchSRTP)
	rtcpEndpoint := m.NewEndpoint(mux.MatchSRTCP)

	isClient, err := sessiondesc.IsDTLSClient(c.config.DTLSRole, remote.Role, controlling)
	if err != nil {
		return err
	}
	c.log.Debugf("starting DTLS, client=%v", isClient)
	var conn *dtls.Conn
	if isClient {
		conn, err = dtls.Client(dtlsEndpoint, c.dtlsConfig(remote))
	} else {
		conn, err = dtls.Server(dtlsEndpoint, c.dtlsConfig(remote))
	}
	if err != nil {
		return fmt.Errorf("peer: DTLS: %w", err)
	}
	if err := c.track(func() { c.dtlsConn = conn }, conn); err != nil {
		return err
	}
	if err := conn.Handshake(ctx); err != nil {
		return fmt.Errorf("peer: DTLS handshake: %w", err)
	}

	if err := c.startSRTP(conn, isClient, rtpEndpoint, rtcpEndpoint); err != nil {
		return err
	}
	if remote.SCTPPort == 0 {
		c.log.Info("remote offered no data channel section")
		return nil
	}
	return c.startSCTP(ctx, conn, isClient, remote)
}

func (c *Connection) dtlsConfig(remote *RemoteParameters) *dtls.Config {
	return &dtls.Config{
		Certificates:           c.config.Certificates,
		SRTPProtectionProfiles: orderProfiles(c.config.SRTPProtectionProfiles, remote.SRTPProfiles),
		ClientAuth:             dtls.RequireAnyClientCert,
		// Certificates are self-signed and pinned by fingerprint instead.
		InsecureSkipVerify: true,
		VerifyPeerCertificate: func(rawCerts [][]byte, _ [][]*x509.Certificate) error {
			return certificate.VerifyChain(rawCerts, remote.Fingerprints)
		},
		LoggerFactory: c.config.LoggerFactory,
	}
}

// orderProfiles moves the local profiles the remote listed to the front,
// in the remote's order.
func orderProfiles(local, remote []dtls.SRTPProtectionProfile) []dtls.SRTPProtectionProfile {
	if len(remote) == 0 {
		return local
	}
	out := make([]dtls.SRTPProtectionProfile, 0, len(local))
	for _, p := range remote {
		if slices.Contains(local, p) && !slices.Contains(out, p) {
			out = append(out, p)
		}
	}
	for _, p := range local {
		if !slices.Contains(out, p) {
			out = append(out, p)
		}
	}
	return out
}

func (c *Connection) startSCTP(ctx context.Context, conn *dtls.Conn, isClient bool, remote *RemoteParameters) error {
	maxMessageSize := uint32(sctp.DefaultMaxMessageSize)
	if remote.MaxMessageSize != 0 && remote.MaxMessageSize < maxMessageSize {
		maxMessageSize = remote.MaxMessageSize
	}
	config := sctp.Config{
		NetConn:        conn,
		LocalPort:      sctp.DefaultPort,
		RemotePort:     remote.SCTPPort,
		MaxMessageSize: maxMessageSize,
		LoggerFactory:  c.config.LoggerFactory,
	}

	var (
		a   *sctp.Association
		err error
	)
	if isClient {
		config.Name = "client"
		a, err = sctp.ClientContext(ctx, config)
	} else {
		config.Name = "server"
		a, err = sctp.ServerContext(ctx, config)
	}
	if err != nil {
		return fmt.Errorf("peer: SCTP: %w", err)
	}
	if err := c.track(func() {
		c.association = a
		c.ids = datachannel.NewIDAllocator(isClient, math.MaxUint16)
	}, a); err != nil {
		return err
	}
	go c.acceptDataChannels(a)
	return nil
}

// track records a transport so teardown can reach it, or closes it when
// teardown already ran.
func (c *Connection) track(set func(), closer io.Closer) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.tornDown {
		_ = closer.Close()
		return ErrClosed
	}
	set()
	return nil
}

func (c *Connection) handleICEState(s ice.ConnectionState) {
	switch s {
	case ice.ConnectionStateDisconnected:
		c.setState(ConnectionStateDisconnected, ConnectionStateConnected)
	case ice.ConnectionStateFailed:
		c.fail(ErrICEFailed)
	}
}

// setState moves to next. When from is given the current state must be
// one of them.
func (c *Connection) setState(next ConnectionState, from ...ConnectionState) bool {
	c.mu.Lock()
	prev := c.state
	if !prev.canMoveTo(next) || (len(from) > 0 && !slices.Contains(from, prev)) {
		c.mu.Unlock()
		return false
	}
	c.state = next
	c.mu.Unlock()

	c.log.Infof("connection state changed: %s -> %s", prev, next)
	if h := c.onStateChange.Load(); h != nil && *h != nil {
		(*h)(next)
	}
	return true
}

// fail records err and moves to Failed. The transports are torn down so
// every stream reports end of stream.
func (c *Connection) fail(err error) {
	c.mu.Lock()
	if c.state >= ConnectionStateFailed {
		c.mu.Unlock()
		return
	}
	c.lastErr = err
	c.mu.Unlock()

	c.log.Errorf("connection failed: %v", err)
	c.setState(ConnectionStateFailed)
	// Agent callbacks must not wait for the agent to stop.
	go func() { _ = c.teardown() }()
}

func (c *Connection) isClosed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state == ConnectionStateClosed
}

// ConnectionState returns the current state.
func (c *Connection) ConnectionState() ConnectionState {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// LastError returns why the connection failed, or nil.
func (c *Connection) LastError() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lastErr
}

// OnConnectionStateChange sets the handler for state changes.
func (c *Connection) OnConnectionStateChange(f func(ConnectionState)) {
	c.onStateChange.Store(&f)
}

// SelectedCandidatePair returns the pair ICE selected, or nil.
func (c *Connection) SelectedCandidatePair() *ice.CandidatePair {
	return c.agent.GetSelectedCandidatePair()
}

// Collectors exposes the metrics of the transports started so far.
func (c *Connection) Collectors() []prometheus.Collector {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := []prometheus.Collector{c.srtpDropped}
	if c.mux != nil {
		out = append(out, c.mux.Collectors()...)
	}
	if c.dtlsConn != nil {
		out = append(out, c.dtlsConn.Collectors()...)
	}
	return out
}

// Close aborts the association, sends close_notify, and stops ICE. It is
// safe to call more than once.
func (c *Connection) Close() error {
	var err error
	c.closeOnce.Do(func() {
		c.mu.Lock()
		prev := c.state
		c.state = ConnectionStateClosed
		c.mu.Unlock()
		c.log.Infof("connection state changed: %s -> %s", prev, ConnectionStateClosed)
		if h := c.onStateChange.Load(); h != nil && *h != nil {
			(*h)(ConnectionStateClosed)
		}
		err = c.teardown()
	})
	return err
}

func (c *Connection) teardown() error {
	var err error
	c.teardownOnce.Do(func() {
		c.cancel()

		c.mu.Lock()
		c.tornDown = true
		closers := []io.Closer{}
		// The association closes the DTLS connection under it, which
		// sends close_notify.
		if c.association != nil {
			closers = append(closers, c.association)
		}
		if c.srtpSession != nil {
			closers = append(closers, c.srtpSession)
		}
		if c.srtcpSession != nil {
			closers = append(closers, c.srtcpSession)
		}
		if c.dtlsConn != nil {
			closers = append(closers, c.dtlsConn)
		}
		if c.mux != nil {
			closers = append(closers, c.mux)
		}
		closers = append(closers, c.agent)
		c.mu.Unlock()

		var errs []error
		for _, closer := range closers {
			if cerr := closer.Close(); cerr != nil && !isClosedErr(cerr) {
				errs = append(errs, cerr)
			}
		}
		err = errors.Join(errs...)
	})
	return err
}

func isClosedErr(err error) bool {
	for _, target := range []error{
		net.ErrClosed, io.ErrClosedPipe, ice.ErrClosed, mux.ErrClosed,
		dtls.ErrConnClosed, sctp.ErrAssociationClosed, srtp.ErrSessionClosed,
	} {
		if errors.Is(err, target) {
			return true
		}
	}
	return false
}
