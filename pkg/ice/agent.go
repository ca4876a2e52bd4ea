package ice

import (
	"context"
	"fmt"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/backkem/mediaplane/pkg/mdns"
	"github.com/backkem/mediaplane/pkg/stun"
	"github.com/pion/logging"
	"github.com/pion/randutil"
	"github.com/pion/transport/v3"
	"github.com/pion/transport/v3/packetio"
	"github.com/pion/transport/v3/stdnet"
	"golang.org/x/time/rate"
)

const (
	// MinCheckInterval is the smallest pacing interval Ta (RFC 8445 Section 14.2).
	MinCheckInterval = 50 * time.Millisecond

	defaultKeepaliveInterval   = 2 * time.Second
	defaultConsentInterval     = 5 * time.Second
	defaultDisconnectedTimeout = 30 * time.Second
	defaultFailedTimeout       = 30 * time.Second
	defaultCheckMaxRTO         = 4 * time.Second
	defaultSrflxTimeout        = 5 * time.Second

	housekeepingInterval = 200 * time.Millisecond

	maxBufferSize = 1000 * 1000

	ufragLength = 16
	pwdLength   = 32
	runesAlpha  = "abcdefghijklmnopqrstuvwxyzABCDEFGHIJKLMNOPQRSTUVWXYZ"
)

// AgentConfig collects the arguments to NewAgent.
type AgentConfig struct {
	// Urls lists STUN and TURN servers. Credentials of TURN servers are
	// carried in the URI.
	Urls []*stun.URI

	// LocalUfrag and LocalPwd are generated when empty.
	LocalUfrag string
	LocalPwd   string

	// PortMin and PortMax bound host candidate ports. Zero means any.
	PortMin uint16
	PortMax uint16

	// NetworkTypes to gather. Default UDP4 and UDP6.
	NetworkTypes []NetworkType

	// TransportPolicy restricts gathering to relay candidates when set to
	// TransportPolicyRelay.
	TransportPolicy TransportPolicy

	// CandidatePoolSize > 0 starts gathering as soon as the agent is created.
	CandidatePoolSize uint8

	// MulticastDNSMode defaults to MulticastDNSModeQueryOnly.
	MulticastDNSMode MulticastDNSMode

	// MulticastDNSHostName is the name published for host candidates in
	// MulticastDNSModeQueryAndGather. Generated when empty.
	MulticastDNSHostName string

	// MulticastDNSResolver resolves remote .local candidates. A multicast
	// QueryConn is opened on first use when nil.
	MulticastDNSResolver mdns.Resolver

	// MulticastDNSServerFactory publishes the local name. Zeroconf is used when nil.
	MulticastDNSServerFactory mdns.ServerFactory

	// InterfaceFilter and IPFilter exclude interfaces and addresses from
	// host gathering when they return false.
	InterfaceFilter func(string) bool
	IPFilter        func(net.IP) bool

	// IncludeLoopback gathers loopback addresses.
	IncludeLoopback bool

	// CheckInterval is the pacing interval Ta. Default and minimum 50ms.
	CheckInterval time.Duration

	// CheckRTO and CheckMaxRTO bound the connectivity-check retransmission
	// timer. Defaults 500ms and 4s. MaxBindingRequests counts every
	// transmission of a check and defaults to 8, seven of them retransmits.
	CheckRTO           time.Duration
	CheckMaxRTO        time.Duration
	MaxBindingRequests int

	// KeepaliveInterval is how often an idle selected pair gets a Binding
	// indication. Default 2s.
	KeepaliveInterval time.Duration

	// ConsentInterval is how often consent is refreshed. Default 5s.
	ConsentInterval time.Duration

	// DisconnectedTimeout without consent moves the agent to Disconnected;
	// FailedTimeout more moves it to Failed. Defaults 30s each.
	DisconnectedTimeout time.Duration
	FailedTimeout       time.Duration

	// Net is the network stack. Defaults to the OS stack.
	Net transport.Net

	// LoggerFactory creates the "ice" logger.
	LoggerFactory logging.LoggerFactory
}

type task func(*Agent)

// Agent is an ICE agent for one component. All state below the "loop"
// marker is owned by the task loop.
type Agent struct {
	log    logging.LeveledLogger
	net    transport.Net
	config AgentConfig

	taskCh   chan task
	paceCh   chan struct{}
	notifyCh chan func()
	done     chan struct{}
	loopDone chan struct{}
	ctx      context.Context
	cancel   context.CancelFunc
	closeMu  sync.Mutex
	closed   bool

	pacer      *rate.Limiter
	stunClient *stun.Client
	buf        *packetio.Buffer
	conn       *Conn

	selected    atomic.Pointer[CandidatePair]
	remoteAddrs atomic.Pointer[map[string]struct{}]

	onCandidateHdlr          atomic.Pointer[func(*Candidate)]
	onConnectionStateHdlr    atomic.Pointer[func(ConnectionState)]
	onSelectedPairChangeHdlr atomic.Pointer[func(local, remote *Candidate)]

	connectedCh   chan struct{}
	connectedOnce sync.Once
	failedCh      chan struct{}
	failedOnce    sync.Once

	mdnsMu       sync.Mutex
	mdnsResolver mdns.Resolver
	advertiser   *mdns.Advertiser
	mdnsName     string

	// loop
	localUfrag       string
	localPwd         string
	remoteUfrag      string
	remotePwd        string
	controlling      bool
	tieBreaker       uint64
	started          bool
	state            ConnectionState
	gatheringState   GatheringState
	localCandidates  []*Candidate
	prflxCandidates  []*Candidate
	remoteCandidates []*Candidate
	sockets          []*localSocket
	checklist        checklist
	triggered        []*CandidatePair
	pending          map[stun.TransactionID]*check
	selectedAt       time.Time
	lastConsent      time.Time
	lastConsentReq   time.Time
}

// NewAgent validates config and starts the agent's task loop.
func NewAgent(config AgentConfig) (*Agent, error) {
	if config.LoggerFactory == nil {
		config.LoggerFactory = logging.NewDefaultLoggerFactory()
	}
	if config.CheckInterval < MinCheckInterval {
		config.CheckInterval = MinCheckInterval
	}
	if config.CheckRTO <= 0 {
		config.CheckRTO = stun.DefaultRTO
	}
	if config.CheckMaxRTO <= 0 {
		config.CheckMaxRTO = defaultCheckMaxRTO
	}
	if config.MaxBindingRequests <= 0 {
		config.MaxBindingRequests = stun.DefaultMaxRequests
	}
	if config.KeepaliveInterval <= 0 {
		config.KeepaliveInterval = defaultKeepaliveInterval
	}
	if config.ConsentInterval <= 0 {
		config.ConsentInterval = defaultConsentInterval
	}
	if config.DisconnectedTimeout <= 0 {
		config.DisconnectedTimeout = defaultDisconnectedTimeout
	}
	if config.FailedTimeout <= 0 {
		config.FailedTimeout = defaultFailedTimeout
	}
	if len(config.NetworkTypes) == 0 {
		config.NetworkTypes = []NetworkType{NetworkTypeUDP4, NetworkTypeUDP6}
	}
	if config.MulticastDNSMode == 0 {
		config.MulticastDNSMode = MulticastDNSModeQueryOnly
	}
	if config.PortMax < config.PortMin {
		return nil, fmt.Errorf("ice: port range %d-%d is empty", config.PortMin, config.PortMax)
	}

	for _, u := range config.Urls {
		if u.IsSecure() || u.Proto == stun.ProtoTypeTCP {
			return nil, fmt.Errorf("%w: %s", ErrUnsupportedURL, u)
		}
	}
	if config.TransportPolicy == TransportPolicyRelay && !hasTURN(config.Urls) {
		return nil, ErrRelayOnlyNoTURN
	}

	ufrag, pwd := config.LocalUfrag, config.LocalPwd
	var err error
	if ufrag == "" {
		if ufrag, err = randutil.GenerateCryptoRandomString(ufragLength, runesAlpha); err != nil {
			return nil, err
		}
	}
	if pwd == "" {
		if pwd, err = randutil.GenerateCryptoRandomString(pwdLength, runesAlpha); err != nil {
			return nil, err
		}
	}
	if err := validateCredentials(ufrag, pwd); err != nil {
		return nil, err
	}

	tieBreaker, err := randutil.CryptoUint64()
	if err != nil {
		return nil, err
	}

	netw := config.Net
	if netw == nil {
		if netw, err = stdnet.NewNet(); err != nil {
			return nil, err
		}
	}

	mdnsName := config.MulticastDNSHostName
	if config.MulticastDNSMode == MulticastDNSModeQueryAndGather {
		if mdnsName == "" {
			mdnsName = mdns.GenerateName()
		} else if !mdns.IsLocalName(mdnsName) {
			return nil, ErrInvalidMulticastDNSHostName
		}
	}

	ctx, cancel := context.WithCancel(context.Background())
	buf := packetio.NewBuffer()
	buf.SetLimitSize(maxBufferSize)

	a := &Agent{
		log:    config.LoggerFactory.NewLogger("ice"),
		net:    netw,
		config: config,

		taskCh:   make(chan task),
		paceCh:   make(chan struct{}),
		notifyCh: make(chan func(), 64),
		done:     make(chan struct{}),
		loopDone: make(chan struct{}),
		ctx:      ctx,
		cancel:   cancel,

		pacer: rate.NewLimiter(rate.Every(config.CheckInterval), 1),
		stunClient: stun.NewClient(stun.ClientConfig{
			RTO:         config.CheckRTO,
			MaxRTO:      config.CheckMaxRTO,
			MaxRequests: config.MaxBindingRequests,
		}),
		buf: buf,

		connectedCh: make(chan struct{}),
		failedCh:    make(chan struct{}),

		mdnsResolver: config.MulticastDNSResolver,
		mdnsName:     mdnsName,

		localUfrag:     ufrag,
		localPwd:       pwd,
		tieBreaker:     tieBreaker,
		state:          ConnectionStateNew,
		gatheringState: GatheringStateNew,
		pending:        make(map[stun.TransactionID]*check),
	}
	a.conn = &Conn{agent: a}
	a.conn.init()
	empty := map[string]struct{}{}
	a.remoteAddrs.Store(&empty)

	if config.MulticastDNSMode == MulticastDNSModeQueryAndGather {
		a.advertiser = mdns.NewAdvertiser(mdns.AdvertiserConfig{
			ServerFactory: config.MulticastDNSServerFactory,
			LoggerFactory: config.LoggerFactory,
		})
	}

	go a.notifyLoop()
	go a.paceLoop()
	go a.taskLoop()

	if config.CandidatePoolSize > 0 {
		if err := a.GatherCandidates(); err != nil {
			_ = a.Close()
			return nil, err
		}
	}

	return a, nil
}

func hasTURN(urls []*stun.URI) bool {
	for _, u := range urls {
		if u.Scheme == stun.SchemeTypeTURN {
			return true
		}
	}
	return false
}

func validateCredentials(ufrag, pwd string) error {
	if len(ufrag) < 4 {
		return ErrUfragTooShort
	}
	if len(pwd) < 22 {
		return ErrPwdTooShort
	}
	return nil
}

func (a *Agent) taskLoop() {
	defer close(a.loopDone)

	ticker := time.NewTicker(housekeepingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-a.done:
			a.shutdown()
			return
		case t := <-a.taskCh:
			t(a)
		case <-a.paceCh:
			a.checkNext()
		case now := <-ticker.C:
			a.housekeeping(now)
		}
	}
}

// paceLoop releases one check slot every Ta.
func (a *Agent) paceLoop() {
	for {
		if err := a.pacer.Wait(a.ctx); err != nil {
			return
		}
		select {
		case a.paceCh <- struct{}{}:
		case <-a.done:
			return
		}
	}
}

// notifyLoop runs user handlers in order, off the task loop.
func (a *Agent) notifyLoop() {
	for f := range a.notifyCh {
		f()
	}
}

// run queues t on the task loop.
func (a *Agent) run(ctx context.Context, t task) error {
	select {
	case <-a.done:
		return ErrClosed
	case <-ctx.Done():
		return ctx.Err()
	case a.taskCh <- t:
		return nil
	}
}

// loopDo runs f on the task loop and waits for it.
func (a *Agent) loopDo(f func()) error {
	finished := make(chan struct{})
	if err := a.run(context.Background(), func(*Agent) {
		defer close(finished)
		f()
	}); err != nil {
		return err
	}
	select {
	case <-finished:
		return nil
	case <-a.loopDone:
		return ErrClosed
	}
}

// OnCandidate sets the handler for gathered candidates. A nil candidate
// marks the end of gathering.
func (a *Agent) OnCandidate(f func(*Candidate)) {
	a.onCandidateHdlr.Store(&f)
}

// OnConnectionStateChange sets the handler for connection state changes.
func (a *Agent) OnConnectionStateChange(f func(ConnectionState)) {
	a.onConnectionStateHdlr.Store(&f)
}

// OnSelectedCandidatePairChange sets the handler for selected pair changes.
func (a *Agent) OnSelectedCandidatePairChange(f func(local, remote *Candidate)) {
	a.onSelectedPairChangeHdlr.Store(&f)
}

func (a *Agent) notify(f func()) {
	select {
	case a.notifyCh <- f:
	case <-a.ctx.Done():
	}
}

func (a *Agent) emitCandidate(c *Candidate) {
	if h := a.onCandidateHdlr.Load(); h != nil && *h != nil {
		f := *h
		a.notify(func() { f(c) })
	}
}

func (a *Agent) setState(s ConnectionState) {
	if a.state == s {
		return
	}
	a.log.Infof("connection state changed: %s -> %s", a.state, s)
	a.state = s

	switch s {
	case ConnectionStateConnected, ConnectionStateCompleted:
		a.connectedOnce.Do(func() { close(a.connectedCh) })
	case ConnectionStateFailed:
		a.failedOnce.Do(func() { close(a.failedCh) })
	}

	if h := a.onConnectionStateHdlr.Load(); h != nil && *h != nil {
		f := *h
		a.notify(func() { f(s) })
	}
}

// SetRemoteCredentials sets the remote ufrag and pwd.
func (a *Agent) SetRemoteCredentials(ufrag, pwd string) error {
	if ufrag == "" {
		return ErrRemoteUfragEmpty
	}
	if pwd == "" {
		return ErrRemotePwdEmpty
	}
	return a.loopDo(func() {
		a.remoteUfrag = ufrag
		a.remotePwd = pwd
	})
}

// GetLocalUserCredentials returns the local ufrag and pwd.
func (a *Agent) GetLocalUserCredentials() (ufrag, pwd string, err error) {
	err = a.loopDo(func() {
		ufrag, pwd = a.localUfrag, a.localPwd
	})
	return
}

// Dial starts checks as the controlling agent and blocks until a pair is
// selected.
func (a *Agent) Dial(ctx context.Context, remoteUfrag, remotePwd string) (*Conn, error) {
	return a.connect(ctx, true, remoteUfrag, remotePwd)
}

// Accept starts checks as the controlled agent and blocks until a pair is
// selected.
func (a *Agent) Accept(ctx context.Context, remoteUfrag, remotePwd string) (*Conn, error) {
	return a.connect(ctx, false, remoteUfrag, remotePwd)
}

func (a *Agent) connect(ctx context.Context, controlling bool, remoteUfrag, remotePwd string) (*Conn, error) {
	if err := a.SetRemoteCredentials(remoteUfrag, remotePwd); err != nil {
		return nil, err
	}

	var startErr error
	if err := a.loopDo(func() {
		if a.started {
			startErr = ErrMultipleStart
			return
		}
		a.started = true
		a.controlling = controlling
		a.log.Debugf("starting checks, controlling=%v", controlling)
		a.setState(ConnectionStateChecking)
		a.checklist.sort(a.controlling)
		a.checklist.updateFrozen()
	}); err != nil {
		return nil, err
	}
	if startErr != nil {
		return nil, startErr
	}

	select {
	case <-a.connectedCh:
		return a.conn, nil
	case <-a.failedCh:
		return nil, ErrConnectionFailed
	case <-a.done:
		return nil, ErrClosed
	case <-ctx.Done():
		return nil, ErrCanceledByCaller
	}
}

// IsControlling reports the current role. It may change after a role conflict.
func (a *Agent) IsControlling() (controlling bool, err error) {
	err = a.loopDo(func() { controlling = a.controlling })
	return
}

// ConnectionState returns the current connection state.
func (a *Agent) ConnectionState() ConnectionState {
	var s ConnectionState
	if err := a.loopDo(func() { s = a.state }); err != nil {
		return ConnectionStateClosed
	}
	return s
}

// GatheringState returns the current gathering state.
func (a *Agent) GatheringState() (GatheringState, error) {
	var s GatheringState
	err := a.loopDo(func() { s = a.gatheringState })
	return s, err
}

// GetLocalCandidates returns the gathered candidates.
func (a *Agent) GetLocalCandidates() ([]*Candidate, error) {
	var out []*Candidate
	err := a.loopDo(func() {
		out = append(out, a.localCandidates...)
	})
	return out, err
}

// GetRemoteCandidates returns the known remote candidates, including
// peer-reflexive ones learned from inbound checks.
func (a *Agent) GetRemoteCandidates() ([]*Candidate, error) {
	var out []*Candidate
	err := a.loopDo(func() {
		out = append(out, a.remoteCandidates...)
	})
	return out, err
}

// GetSelectedCandidatePair returns the selected pair or nil.
func (a *Agent) GetSelectedCandidatePair() *CandidatePair {
	return a.selected.Load()
}

// GetCandidatePairsStats returns a snapshot of the check list.
func (a *Agent) GetCandidatePairsStats() []CandidatePairStats {
	var out []CandidatePairStats
	_ = a.loopDo(func() {
		for _, p := range a.checklist.pairs {
			out = append(out, p.stats(a.controlling))
		}
	})
	return out
}

// AddRemoteCandidate adds a remote candidate and pairs it with every local
// one. .local candidates are resolved first unless mDNS is disabled.
func (a *Agent) AddRemoteCandidate(c *Candidate) error {
	if c == nil {
		return nil
	}
	if c.ip == nil {
		if !mdns.IsLocalName(c.Address) {
			return fmt.Errorf("%w: %q", ErrAddressParseFailed, c.Address)
		}
		if a.config.MulticastDNSMode == MulticastDNSModeDisabled {
			a.log.Warnf("ignoring remote mDNS candidate %s: mDNS disabled", c.Address)
			return nil
		}
		go a.resolveAndAdd(c)
		return nil
	}
	return a.run(a.ctx, func(a *Agent) { a.addRemoteCandidate(c) })
}

func (a *Agent) resolveAndAdd(c *Candidate) {
	resolver, err := a.resolver()
	if err != nil {
		a.log.Warnf("cannot resolve %s: %v", c.Address, err)
		return
	}
	ip, err := resolver.Resolve(a.ctx, c.Address)
	if err != nil {
		a.log.Warnf("failed to resolve %s: %v", c.Address, err)
		return
	}
	c.ip = ip
	if nt, err := determineNetworkType(c.NetworkType.NetworkShort(), ip); err == nil {
		c.NetworkType = nt
	}
	_ = a.run(a.ctx, func(a *Agent) { a.addRemoteCandidate(c) })
}

func (a *Agent) resolver() (mdns.Resolver, error) {
	a.mdnsMu.Lock()
	defer a.mdnsMu.Unlock()
	if a.mdnsResolver != nil {
		return a.mdnsResolver, nil
	}
	r, err := mdns.NewQueryConn(mdns.QueryConfig{LoggerFactory: a.config.LoggerFactory})
	if err != nil {
		return nil, err
	}
	a.mdnsResolver = r
	return r, nil
}

func (a *Agent) addRemoteCandidate(c *Candidate) {
	for _, existing := range a.remoteCandidates {
		if existing.Equal(c) {
			return
		}
	}
	a.log.Debugf("adding remote candidate %s", c)
	a.remoteCandidates = append(a.remoteCandidates, c)
	a.publishRemoteAddrs()

	for _, local := range a.localCandidates {
		a.checklist.add(local, c)
	}
	a.checklist.sort(a.controlling)
	a.checklist.updateFrozen()
}

func (a *Agent) addLocalCandidate(c *Candidate) {
	for _, existing := range a.localCandidates {
		if existing.Equal(c) {
			return
		}
	}
	a.log.Debugf("gathered local candidate %s", c)
	a.localCandidates = append(a.localCandidates, c)

	for _, remote := range a.remoteCandidates {
		a.checklist.add(c, remote)
	}
	a.checklist.sort(a.controlling)
	a.checklist.updateFrozen()
	a.emitCandidate(c)
}

// publishRemoteAddrs refreshes the snapshot the data path checks sources
// against.
func (a *Agent) publishRemoteAddrs() {
	m := make(map[string]struct{}, len(a.remoteCandidates))
	for _, c := range a.remoteCandidates {
		if c.ip != nil {
			m[c.Addr().String()] = struct{}{}
		}
	}
	a.remoteAddrs.Store(&m)
}

func (a *Agent) isRemoteAddr(addr net.Addr) bool {
	m := a.remoteAddrs.Load()
	_, ok := (*m)[addr.String()]
	return ok
}

// Restart replaces the local credentials and forgets everything learned
// about the remote side. Local candidates are kept. Empty arguments
// generate fresh credentials.
func (a *Agent) Restart(ufrag, pwd string) error {
	var err error
	if ufrag == "" {
		if ufrag, err = randutil.GenerateCryptoRandomString(ufragLength, runesAlpha); err != nil {
			return err
		}
	}
	if pwd == "" {
		if pwd, err = randutil.GenerateCryptoRandomString(pwdLength, runesAlpha); err != nil {
			return err
		}
	}
	if err := validateCredentials(ufrag, pwd); err != nil {
		return err
	}

	return a.loopDo(func() {
		a.log.Infof("restarting ICE")
		for id := range a.pending {
			a.stunClient.Cancel(id)
		}
		a.pending = make(map[stun.TransactionID]*check)
		a.localUfrag, a.localPwd = ufrag, pwd
		a.remoteUfrag, a.remotePwd = "", ""
		a.remoteCandidates = nil
		a.prflxCandidates = nil
		a.publishRemoteAddrs()
		a.checklist.reset()
		a.triggered = nil
		if prev := a.selected.Swap(nil); prev != nil {
			a.notifySelected(nil)
		}
		if a.state != ConnectionStateNew {
			a.setState(ConnectionStateChecking)
		}
	})
}

// Close stops the agent, closes every socket and fails pending Dial or
// Accept calls. It is idempotent.
func (a *Agent) Close() error {
	a.closeMu.Lock()
	if a.closed {
		a.closeMu.Unlock()
		return nil
	}
	a.closed = true
	a.closeMu.Unlock()

	close(a.done)
	<-a.loopDone
	return nil
}

func (a *Agent) shutdown() {
	_ = a.stunClient.Close()
	for _, s := range a.sockets {
		if err := s.close(); err != nil {
			a.log.Warnf("failed to close socket %s: %v", s.localAddr(), err)
		}
	}
	a.sockets = nil
	a.selected.Store(nil)

	if err := a.buf.Close(); err != nil {
		a.log.Warnf("failed to close buffer: %v", err)
	}

	a.mdnsMu.Lock()
	if a.mdnsResolver != nil && a.config.MulticastDNSResolver == nil {
		_ = a.mdnsResolver.Close()
	}
	a.mdnsMu.Unlock()
	if a.advertiser != nil {
		_ = a.advertiser.Close()
	}

	a.setState(ConnectionStateClosed)
	a.cancel()
	close(a.notifyCh)
}
