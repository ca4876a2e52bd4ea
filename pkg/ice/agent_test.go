package ice

import (
	"bytes"
	"context"
	"errors"
	"net"
	"strings"
	"testing"
	"time"

	"github.com/backkem/mediaplane/pkg/mdns"
	"github.com/backkem/mediaplane/pkg/stun"
	"github.com/pion/logging"
	"github.com/pion/transport/v3/test"
)

// loopbackConfig gathers only 127.0.0.1 so two agents in one process find
// each other without touching other interfaces.
func loopbackConfig() AgentConfig {
	return AgentConfig{
		NetworkTypes:    []NetworkType{NetworkTypeUDP4},
		IncludeLoopback: true,
		IPFilter: func(ip net.IP) bool {
			return ip.IsLoopback() && ip.To4() != nil
		},
		MulticastDNSMode: MulticastDNSModeDisabled,
		LoggerFactory:    logging.NewDefaultLoggerFactory(),
	}
}

func newTestAgent(t *testing.T, config AgentConfig) *Agent {
	t.Helper()
	a, err := NewAgent(config)
	if err != nil {
		t.Fatalf("NewAgent() error = %v", err)
	}
	t.Cleanup(func() { _ = a.Close() })
	return a
}

// gatherAll gathers and waits for the end-of-candidates marker.
func gatherAll(t *testing.T, a *Agent) []*Candidate {
	t.Helper()
	done := make(chan struct{})
	a.OnCandidate(func(c *Candidate) {
		if c == nil {
			close(done)
		}
	})
	if err := a.GatherCandidates(); err != nil {
		t.Fatalf("GatherCandidates() error = %v", err)
	}
	select {
	case <-done:
	case <-time.After(10 * time.Second):
		t.Fatal("gathering did not complete")
	}
	cands, err := a.GetLocalCandidates()
	if err != nil {
		t.Fatalf("GetLocalCandidates() error = %v", err)
	}
	return cands
}

// signalCandidates hands from's candidates to to through their SDP form.
func signalCandidates(t *testing.T, from, to *Agent) {
	t.Helper()
	cands, err := from.GetLocalCandidates()
	if err != nil {
		t.Fatalf("GetLocalCandidates() error = %v", err)
	}
	for _, c := range cands {
		parsed, err := UnmarshalCandidate(c.Marshal())
		if err != nil {
			t.Fatalf("UnmarshalCandidate(%q) error = %v", c.Marshal(), err)
		}
		if err := to.AddRemoteCandidate(parsed); err != nil {
			t.Fatalf("AddRemoteCandidate() error = %v", err)
		}
	}
}

func credentials(t *testing.T, a *Agent) (string, string) {
	t.Helper()
	ufrag, pwd, err := a.GetLocalUserCredentials()
	if err != nil {
		t.Fatalf("GetLocalUserCredentials() error = %v", err)
	}
	return ufrag, pwd
}

type connResult struct {
	conn *Conn
	err  error
}

// connectAgents runs a.Dial and b.Accept (or b.Dial when bothDial) and
// returns both connections.
func connectAgents(t *testing.T, a, b *Agent, timeout time.Duration, bothDial bool) (*Conn, *Conn) {
	t.Helper()
	aUfrag, aPwd := credentials(t, a)
	bUfrag, bPwd := credentials(t, b)

	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	results := make(chan connResult, 1)
	go func() {
		var (
			c   *Conn
			err error
		)
		if bothDial {
			c, err = b.Dial(ctx, aUfrag, aPwd)
		} else {
			c, err = b.Accept(ctx, aUfrag, aPwd)
		}
		results <- connResult{c, err}
	}()

	aConn, err := a.Dial(ctx, bUfrag, bPwd)
	if err != nil {
		t.Fatalf("Dial() error = %v", err)
	}
	res := <-results
	if res.err != nil {
		t.Fatalf("Accept() error = %v", res.err)
	}
	return aConn, res.conn
}

func readWithin(t *testing.T, c *Conn, d time.Duration) []byte {
	t.Helper()
	if err := c.SetReadDeadline(time.Now().Add(d)); err != nil {
		t.Fatalf("SetReadDeadline() error = %v", err)
	}
	buf := make([]byte, 1500)
	n, err := c.Read(buf)
	if err != nil {
		t.Fatalf("Read() error = %v", err)
	}
	return buf[:n]
}

func TestNewAgentValidation(t *testing.T) {
	tests := []struct {
		name   string
		config AgentConfig
		want   error
	}{
		{"short ufrag", AgentConfig{LocalUfrag: "abc"}, ErrUfragTooShort},
		{"short pwd", AgentConfig{LocalPwd: "tooshort"}, ErrPwdTooShort},
		{"relay without TURN", AgentConfig{TransportPolicy: TransportPolicyRelay}, ErrRelayOnlyNoTURN},
		{"bad mdns name", AgentConfig{
			MulticastDNSMode:     MulticastDNSModeQueryAndGather,
			MulticastDNSHostName: "host.example.com",
		}, ErrInvalidMulticastDNSHostName},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			a, err := NewAgent(tt.config)
			if !errors.Is(err, tt.want) {
				if a != nil {
					_ = a.Close()
				}
				t.Fatalf("NewAgent() error = %v, want %v", err, tt.want)
			}
		})
	}

	secure, err := stun.ParseURI("turns:turn.example.com:5349")
	if err != nil {
		t.Fatalf("ParseURI() error = %v", err)
	}
	if _, err := NewAgent(AgentConfig{Urls: []*stun.URI{secure}}); !errors.Is(err, ErrUnsupportedURL) {
		t.Errorf("NewAgent(turns) error = %v, want %v", err, ErrUnsupportedURL)
	}
}

func TestAgentCredentials(t *testing.T) {
	a := newTestAgent(t, loopbackConfig())
	ufrag, pwd := credentials(t, a)
	if len(ufrag) < 4 || len(pwd) < 22 {
		t.Errorf("generated credentials %q/%q too short", ufrag, pwd)
	}

	cfg := loopbackConfig()
	cfg.LocalUfrag = "user"
	cfg.LocalPwd = "0123456789012345678901"
	b := newTestAgent(t, cfg)
	ufrag, pwd = credentials(t, b)
	if ufrag != "user" || pwd != "0123456789012345678901" {
		t.Errorf("credentials = %q/%q, want configured values", ufrag, pwd)
	}

	if err := b.SetRemoteCredentials("", "x"); !errors.Is(err, ErrRemoteUfragEmpty) {
		t.Errorf("SetRemoteCredentials() error = %v, want %v", err, ErrRemoteUfragEmpty)
	}
	if err := b.SetRemoteCredentials("x", ""); !errors.Is(err, ErrRemotePwdEmpty) {
		t.Errorf("SetRemoteCredentials() error = %v, want %v", err, ErrRemotePwdEmpty)
	}
}

func TestAgentGatherLoopback(t *testing.T) {
	a := newTestAgent(t, loopbackConfig())
	cands := gatherAll(t, a)
	if len(cands) != 1 {
		t.Fatalf("gathered %d candidates, want 1", len(cands))
	}
	c := cands[0]
	if c.Type != CandidateTypeHost || c.Address != "127.0.0.1" || c.Port == 0 {
		t.Errorf("candidate = %s, want host 127.0.0.1", c)
	}
	state, err := a.GatheringState()
	if err != nil || state != GatheringStateComplete {
		t.Errorf("GatheringState() = %s, %v, want complete", state, err)
	}
}

func TestAgentConnectLoopback(t *testing.T) {
	lim := test.TimeOut(20 * time.Second)
	defer lim.Stop()
	defer test.CheckRoutines(t)()

	a, err := NewAgent(loopbackConfig())
	if err != nil {
		t.Fatalf("NewAgent() error = %v", err)
	}
	defer a.Close()
	b, err := NewAgent(loopbackConfig())
	if err != nil {
		t.Fatalf("NewAgent() error = %v", err)
	}
	defer b.Close()

	selectedCh := make(chan [2]*Candidate, 4)
	a.OnSelectedCandidatePairChange(func(local, remote *Candidate) {
		selectedCh <- [2]*Candidate{local, remote}
	})

	gatherAll(t, a)
	gatherAll(t, b)
	signalCandidates(t, a, b)
	signalCandidates(t, b, a)

	start := time.Now()
	aConn, bConn := connectAgents(t, a, b, time.Second, false)
	if elapsed := time.Since(start); elapsed > time.Second {
		t.Errorf("connected after %s, want within 1s", elapsed)
	}

	if a.GetSelectedCandidatePair() == nil || b.GetSelectedCandidatePair() == nil {
		t.Fatal("selected pair missing after connect")
	}
	select {
	case selected := <-selectedCh:
		if selected[0].Address != "127.0.0.1" || selected[1].Address != "127.0.0.1" {
			t.Errorf("selected %s <-> %s, want loopback", selected[0], selected[1])
		}
	case <-time.After(time.Second):
		t.Error("OnSelectedCandidatePairChange not called")
	}

	ctrlA, _ := a.IsControlling()
	ctrlB, _ := b.IsControlling()
	if !ctrlA || ctrlB {
		t.Errorf("IsControlling() = %v/%v, want true/false", ctrlA, ctrlB)
	}

	ping := []byte("ping")
	if _, err := aConn.Write(ping); err != nil {
		t.Fatalf("Write() error = %v", err)
	}
	if got := readWithin(t, bConn, time.Second); !bytes.Equal(got, ping) {
		t.Errorf("b read %q, want %q", got, ping)
	}
	pong := []byte("pong")
	if _, err := bConn.Write(pong); err != nil {
		t.Fatalf("Write() error = %v", err)
	}
	if got := readWithin(t, aConn, time.Second); !bytes.Equal(got, pong) {
		t.Errorf("a read %q, want %q", got, pong)
	}
	if aConn.BytesSent() != uint64(len(ping)) || aConn.BytesReceived() != uint64(len(pong)) {
		t.Errorf("bytes sent/received = %d/%d, want %d/%d",
			aConn.BytesSent(), aConn.BytesReceived(), len(ping), len(pong))
	}
	if aConn.RemoteAddr() == nil || aConn.RemoteAddr().String() != bConn.LocalAddr().String() {
		t.Errorf("RemoteAddr() = %v, want %v", aConn.RemoteAddr(), bConn.LocalAddr())
	}

	stats := a.GetCandidatePairsStats()
	if len(stats) == 0 || stats[0].ResponsesReceived == 0 {
		t.Errorf("GetCandidatePairsStats() = %+v, want a pair with responses", stats)
	}

	if _, err := a.Dial(context.Background(), "abcd", "0123456789012345678901"); !errors.Is(err, ErrMultipleStart) {
		t.Errorf("second Dial() error = %v, want %v", err, ErrMultipleStart)
	}
}

func TestAgentRoleConflict(t *testing.T) {
	a := newTestAgent(t, loopbackConfig())
	b := newTestAgent(t, loopbackConfig())
	gatherAll(t, a)
	gatherAll(t, b)
	signalCandidates(t, a, b)
	signalCandidates(t, b, a)

	aConn, bConn := connectAgents(t, a, b, 5*time.Second, true)

	ctrlA, err := a.IsControlling()
	if err != nil {
		t.Fatalf("IsControlling() error = %v", err)
	}
	ctrlB, err := b.IsControlling()
	if err != nil {
		t.Fatalf("IsControlling() error = %v", err)
	}
	if ctrlA == ctrlB {
		t.Errorf("both agents controlling=%v after conflict", ctrlA)
	}

	if _, err := aConn.Write([]byte("x")); err != nil {
		t.Fatalf("Write() error = %v", err)
	}
	if got := readWithin(t, bConn, time.Second); string(got) != "x" {
		t.Errorf("read %q, want x", got)
	}
}

func TestAgentTrickle(t *testing.T) {
	a := newTestAgent(t, loopbackConfig())
	b := newTestAgent(t, loopbackConfig())

	// Candidates reach the other side only while checks are running.
	forward := func(to *Agent) func(*Candidate) {
		return func(c *Candidate) {
			if c == nil {
				return
			}
			if parsed, err := UnmarshalCandidate(c.Marshal()); err == nil {
				_ = to.AddRemoteCandidate(parsed)
			}
		}
	}
	a.OnCandidate(forward(b))
	b.OnCandidate(forward(a))

	aUfrag, aPwd := credentials(t, a)
	bUfrag, bPwd := credentials(t, b)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	results := make(chan connResult, 1)
	go func() {
		c, err := b.Accept(ctx, aUfrag, aPwd)
		results <- connResult{c, err}
	}()
	go func() {
		time.Sleep(100 * time.Millisecond)
		_ = a.GatherCandidates()
		_ = b.GatherCandidates()
	}()

	if _, err := a.Dial(ctx, bUfrag, bPwd); err != nil {
		t.Fatalf("Dial() error = %v", err)
	}
	if res := <-results; res.err != nil {
		t.Fatalf("Accept() error = %v", res.err)
	}
}

func TestAgentConsentLoss(t *testing.T) {
	cfg := loopbackConfig()
	cfg.KeepaliveInterval = 100 * time.Millisecond
	cfg.ConsentInterval = 100 * time.Millisecond
	cfg.DisconnectedTimeout = 500 * time.Millisecond
	cfg.FailedTimeout = 500 * time.Millisecond
	cfg.CheckRTO = 100 * time.Millisecond
	cfg.CheckMaxRTO = 200 * time.Millisecond

	a := newTestAgent(t, cfg)
	b := newTestAgent(t, cfg)

	states := make(chan ConnectionState, 32)
	a.OnConnectionStateChange(func(s ConnectionState) { states <- s })

	gatherAll(t, a)
	gatherAll(t, b)
	signalCandidates(t, a, b)
	signalCandidates(t, b, a)
	connectAgents(t, a, b, 5*time.Second, false)

	// Consent keeps the pair alive while the peer answers.
	time.Sleep(700 * time.Millisecond)
	if s := a.ConnectionState(); s != ConnectionStateConnected && s != ConnectionStateCompleted {
		t.Fatalf("ConnectionState() = %s while peer is alive", s)
	}

	if err := b.Close(); err != nil {
		t.Fatalf("Close() error = %v", err)
	}

	want := []ConnectionState{ConnectionStateDisconnected, ConnectionStateFailed}
	deadline := time.After(5 * time.Second)
	for len(want) > 0 {
		select {
		case s := <-states:
			if s == want[0] {
				want = want[1:]
			}
		case <-deadline:
			t.Fatalf("still waiting for %v, state %s", want, a.ConnectionState())
		}
	}

	if a.GetSelectedCandidatePair() != nil {
		t.Error("selected pair kept after consent expired")
	}
}

func TestAgentRestart(t *testing.T) {
	a := newTestAgent(t, loopbackConfig())
	b := newTestAgent(t, loopbackConfig())
	gatherAll(t, a)
	gatherAll(t, b)
	signalCandidates(t, a, b)
	signalCandidates(t, b, a)
	connectAgents(t, a, b, 5*time.Second, false)

	oldUfrag, _ := credentials(t, a)
	if err := a.Restart("", ""); err != nil {
		t.Fatalf("Restart() error = %v", err)
	}
	if err := b.Restart("", ""); err != nil {
		t.Fatalf("Restart() error = %v", err)
	}

	newUfrag, _ := credentials(t, a)
	if newUfrag == oldUfrag {
		t.Error("Restart() kept the old ufrag")
	}
	remotes, err := a.GetRemoteCandidates()
	if err != nil || len(remotes) != 0 {
		t.Errorf("GetRemoteCandidates() = %d, %v, want none", len(remotes), err)
	}
	locals, err := a.GetLocalCandidates()
	if err != nil || len(locals) != 1 {
		t.Errorf("GetLocalCandidates() = %d, %v, want the gathered one", len(locals), err)
	}
	if a.GetSelectedCandidatePair() != nil {
		t.Error("selected pair kept across restart")
	}
	if s := a.ConnectionState(); s != ConnectionStateChecking {
		t.Errorf("ConnectionState() = %s, want checking", s)
	}

	if err := b.Restart("ab", "0123456789012345678901"); !errors.Is(err, ErrUfragTooShort) {
		t.Errorf("Restart(short ufrag) error = %v, want %v", err, ErrUfragTooShort)
	}

	// Checks resume with the new credentials.
	aUfrag, aPwd := credentials(t, a)
	bUfrag, bPwd := credentials(t, b)
	if err := a.SetRemoteCredentials(bUfrag, bPwd); err != nil {
		t.Fatalf("SetRemoteCredentials() error = %v", err)
	}
	if err := b.SetRemoteCredentials(aUfrag, aPwd); err != nil {
		t.Fatalf("SetRemoteCredentials() error = %v", err)
	}
	signalCandidates(t, a, b)
	signalCandidates(t, b, a)

	deadline := time.Now().Add(5 * time.Second)
	for a.GetSelectedCandidatePair() == nil || b.GetSelectedCandidatePair() == nil {
		if time.Now().After(deadline) {
			t.Fatal("no pair selected after restart")
		}
		time.Sleep(20 * time.Millisecond)
	}
}

func TestAgentMulticastDNS(t *testing.T) {
	registry := mdns.NewRegistry()

	aCfg := loopbackConfig()
	aCfg.MulticastDNSMode = MulticastDNSModeQueryAndGather
	aCfg.MulticastDNSServerFactory = registry
	aCfg.MulticastDNSResolver = registry
	a := newTestAgent(t, aCfg)

	bCfg := loopbackConfig()
	bCfg.MulticastDNSMode = MulticastDNSModeQueryOnly
	bCfg.MulticastDNSResolver = registry
	b := newTestAgent(t, bCfg)

	cands := gatherAll(t, a)
	if len(cands) != 1 {
		t.Fatalf("gathered %d candidates, want 1", len(cands))
	}
	if !strings.HasSuffix(cands[0].Address, ".local") {
		t.Errorf("host candidate address = %q, want a .local name", cands[0].Address)
	}
	if strings.Contains(cands[0].Marshal(), "127.0.0.1") {
		t.Errorf("Marshal() = %q leaks the host address", cands[0].Marshal())
	}
	gatherAll(t, b)

	signalCandidates(t, a, b)
	signalCandidates(t, b, a)
	connectAgents(t, a, b, 5*time.Second, false)

	remotes, err := b.GetRemoteCandidates()
	if err != nil {
		t.Fatalf("GetRemoteCandidates() error = %v", err)
	}
	var resolved bool
	for _, r := range remotes {
		if strings.HasSuffix(r.Address, ".local") && r.IP() != nil && r.IP().IsLoopback() {
			resolved = true
		}
	}
	if !resolved {
		t.Error("remote .local candidate was not resolved")
	}
}

func TestAgentMulticastDNSDisabled(t *testing.T) {
	a := newTestAgent(t, loopbackConfig())
	c, err := UnmarshalCandidate("1 1 udp 2130706431 0b7d3c1e-7a8f-4f0e-9d4c-2b6a5e1f3c9d.local 4000 typ host")
	if err != nil {
		t.Fatalf("UnmarshalCandidate() error = %v", err)
	}
	if err := a.AddRemoteCandidate(c); err != nil {
		t.Fatalf("AddRemoteCandidate() error = %v", err)
	}
	remotes, _ := a.GetRemoteCandidates()
	if len(remotes) != 0 {
		t.Errorf("GetRemoteCandidates() = %d, want mDNS candidate ignored", len(remotes))
	}
}

// stunPeer is a bare socket speaking to an agent's host candidate.
func stunPeer(t *testing.T, target *Candidate) (net.PacketConn, net.Addr) {
	t.Helper()
	conn, err := net.ListenPacket("udp4", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("ListenPacket() error = %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	return conn, &net.UDPAddr{IP: target.IP(), Port: target.Port}
}

func TestAgentUnknownAttribute(t *testing.T) {
	a := newTestAgent(t, loopbackConfig())
	cands := gatherAll(t, a)
	ufrag, pwd := credentials(t, a)
	conn, dst := stunPeer(t, cands[0])

	req, err := stun.Build(
		stun.BindingRequest,
		stun.RandomTransactionID,
		stun.NewUsername(ufrag+":peer"),
		stun.Priority(1862270975),
		stun.RawAttribute{Type: 0x0030, Value: []byte{1, 2, 3, 4}},
		stun.NewShortTermIntegrity(pwd),
		stun.Fingerprint,
	)
	if err != nil {
		t.Fatalf("Build() error = %v", err)
	}
	if _, err := conn.WriteTo(req.Raw, dst); err != nil {
		t.Fatalf("WriteTo() error = %v", err)
	}

	_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	buf := make([]byte, 1500)
	n, _, err := conn.ReadFrom(buf)
	if err != nil {
		t.Fatalf("ReadFrom() error = %v", err)
	}
	resp, err := stun.Decode(buf[:n])
	if err != nil {
		t.Fatalf("Decode() error = %v", err)
	}
	if resp.Type != stun.BindingError || resp.TransactionID != req.TransactionID {
		t.Fatalf("response %s, want binding error for the request", resp)
	}
	var code stun.ErrorCodeAttribute
	if err := code.GetFrom(resp); err != nil || code.Code != stun.CodeUnknownAttribute {
		t.Errorf("ERROR-CODE = %v, %v, want 420", code, err)
	}
	var unknown stun.UnknownAttributes
	if err := unknown.GetFrom(resp); err != nil || len(unknown) != 1 || unknown[0] != 0x0030 {
		t.Errorf("UNKNOWN-ATTRIBUTES = %v, %v, want [0x0030]", unknown, err)
	}
	if err := stun.NewShortTermIntegrity(pwd).Check(resp); err != nil {
		t.Errorf("response integrity: %v", err)
	}
}

func TestAgentBindingRequest(t *testing.T) {
	a := newTestAgent(t, loopbackConfig())
	cands := gatherAll(t, a)
	ufrag, pwd := credentials(t, a)
	conn, dst := stunPeer(t, cands[0])

	send := func(pwdToUse string) *stun.Message {
		t.Helper()
		req, err := stun.Build(
			stun.BindingRequest,
			stun.RandomTransactionID,
			stun.NewUsername(ufrag+":peer"),
			stun.Priority(1862270975),
			stun.ICEControlling(1),
			stun.NewShortTermIntegrity(pwdToUse),
			stun.Fingerprint,
		)
		if err != nil {
			t.Fatalf("Build() error = %v", err)
		}
		if _, err := conn.WriteTo(req.Raw, dst); err != nil {
			t.Fatalf("WriteTo() error = %v", err)
		}
		return req
	}

	// A request with the wrong password gets no answer.
	send("wrong-password-wrong-password")
	_ = conn.SetReadDeadline(time.Now().Add(300 * time.Millisecond))
	buf := make([]byte, 1500)
	if _, _, err := conn.ReadFrom(buf); err == nil {
		t.Fatal("answered a request with bad integrity")
	}

	req := send(pwd)
	_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	n, _, err := conn.ReadFrom(buf)
	if err != nil {
		t.Fatalf("ReadFrom() error = %v", err)
	}
	resp, err := stun.Decode(buf[:n])
	if err != nil {
		t.Fatalf("Decode() error = %v", err)
	}
	if resp.Type != stun.BindingSuccess || resp.TransactionID != req.TransactionID {
		t.Fatalf("response %s, want binding success", resp)
	}
	var mapped stun.XORMappedAddress
	if err := mapped.GetFrom(resp); err != nil {
		t.Fatalf("XOR-MAPPED-ADDRESS: %v", err)
	}
	if mapped.Port != conn.LocalAddr().(*net.UDPAddr).Port || !mapped.IP.Equal(net.IPv4(127, 0, 0, 1)) {
		t.Errorf("mapped = %s, want %s", mapped, conn.LocalAddr())
	}

	// The unknown source is learned as a peer-reflexive remote candidate.
	remotes, err := a.GetRemoteCandidates()
	if err != nil || len(remotes) != 1 || remotes[0].Type != CandidateTypePeerReflexive {
		t.Errorf("GetRemoteCandidates() = %v, %v, want one prflx", remotes, err)
	}
}

func TestAgentClose(t *testing.T) {
	a, err := NewAgent(loopbackConfig())
	if err != nil {
		t.Fatalf("NewAgent() error = %v", err)
	}
	gatherAll(t, a)

	errCh := make(chan error, 1)
	go func() {
		_, err := a.Accept(context.Background(), "abcd", "0123456789012345678901")
		errCh <- err
	}()
	time.Sleep(50 * time.Millisecond)

	if err := a.Close(); err != nil {
		t.Fatalf("Close() error = %v", err)
	}
	if err := a.Close(); err != nil {
		t.Errorf("second Close() error = %v", err)
	}

	select {
	case err := <-errCh:
		if !errors.Is(err, ErrClosed) {
			t.Errorf("Accept() error = %v, want %v", err, ErrClosed)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Accept() did not return after Close")
	}

	if s := a.ConnectionState(); s != ConnectionStateClosed {
		t.Errorf("ConnectionState() = %s, want closed", s)
	}
	if _, err := a.GetLocalCandidates(); !errors.Is(err, ErrClosed) {
		t.Errorf("GetLocalCandidates() error = %v, want %v", err, ErrClosed)
	}
}
