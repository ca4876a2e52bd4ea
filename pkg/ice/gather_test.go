package ice

import (
	"net"
	"strings"
	"testing"
	"time"

	"github.com/backkem/mediaplane/pkg/stun"
	"github.com/pion/logging"
	"github.com/pion/transport/v3/vnet"
	"github.com/pion/turn/v4"
)

const (
	vnetAgentIP  = "10.0.0.5"
	vnetServerIP = "10.0.0.2"
)

// buildVNet wires an agent host and a server host behind one virtual
// router. stun.example resolves to the server.
func buildVNet(t *testing.T) (agentNet, serverNet *vnet.Net) {
	t.Helper()
	router, err := vnet.NewRouter(&vnet.RouterConfig{
		CIDR:          "10.0.0.0/24",
		LoggerFactory: logging.NewDefaultLoggerFactory(),
	})
	if err != nil {
		t.Fatalf("NewRouter() error = %v", err)
	}

	agentNet, err = vnet.NewNet(&vnet.NetConfig{StaticIPs: []string{vnetAgentIP}})
	if err != nil {
		t.Fatalf("NewNet() error = %v", err)
	}
	serverNet, err = vnet.NewNet(&vnet.NetConfig{StaticIPs: []string{vnetServerIP}})
	if err != nil {
		t.Fatalf("NewNet() error = %v", err)
	}
	if err := router.AddNet(agentNet); err != nil {
		t.Fatalf("AddNet() error = %v", err)
	}
	if err := router.AddNet(serverNet); err != nil {
		t.Fatalf("AddNet() error = %v", err)
	}
	if err := router.AddHost("stun.example", vnetServerIP); err != nil {
		t.Fatalf("AddHost() error = %v", err)
	}
	if err := router.Start(); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	t.Cleanup(func() { _ = router.Stop() })
	return agentNet, serverNet
}

// serveBinding answers every Binding request on conn with mapped, the way
// a STUN server behind a NAT would report the public address.
func serveBinding(t *testing.T, conn net.PacketConn, mapped stun.XORMappedAddress) {
	t.Helper()
	t.Cleanup(func() { conn.Close() })
	go func() {
		buf := make([]byte, 1500)
		for {
			n, from, err := conn.ReadFrom(buf)
			if err != nil {
				return
			}
			req, err := stun.Decode(buf[:n])
			if err != nil || req.Type != stun.BindingRequest {
				continue
			}
			resp, err := stun.Build(
				stun.BindingSuccess,
				stun.WithTransactionID(req.TransactionID),
				&mapped,
				stun.Fingerprint,
			)
			if err != nil {
				continue
			}
			_, _ = conn.WriteTo(resp.Raw, from)
		}
	}()
}

func mustURI(t *testing.T, raw string) *stun.URI {
	t.Helper()
	u, err := stun.ParseURI(raw)
	if err != nil {
		t.Fatalf("ParseURI(%q) error = %v", raw, err)
	}
	return u
}

func TestGatherServerReflexive(t *testing.T) {
	agentNet, serverNet := buildVNet(t)

	serverConn, err := serverNet.ListenPacket("udp4", vnetServerIP+":3478")
	if err != nil {
		t.Fatalf("ListenPacket() error = %v", err)
	}
	serveBinding(t, serverConn, stun.XORMappedAddress{IP: net.ParseIP("203.0.113.7"), Port: 50000})

	a := newTestAgent(t, AgentConfig{
		Urls:             []*stun.URI{mustURI(t, "stun:stun.example:3478")},
		NetworkTypes:     []NetworkType{NetworkTypeUDP4},
		MulticastDNSMode: MulticastDNSModeDisabled,
		Net:              agentNet,
	})

	emitted := make(chan *Candidate, 8)
	a.OnCandidate(func(c *Candidate) { emitted <- c })
	if err := a.GatherCandidates(); err != nil {
		t.Fatalf("GatherCandidates() error = %v", err)
	}

	var got []*Candidate
	timeout := time.After(10 * time.Second)
	for done := false; !done; {
		select {
		case c := <-emitted:
			if c == nil {
				done = true
				continue
			}
			got = append(got, c)
		case <-timeout:
			t.Fatal("gathering did not complete")
		}
	}

	if len(got) != 2 {
		t.Fatalf("gathered %v, want one host and one srflx", got)
	}
	host, srflx := got[0], got[1]
	if host.Type != CandidateTypeHost || host.Address != vnetAgentIP {
		t.Errorf("first candidate = %s, want host %s", host, vnetAgentIP)
	}
	if srflx.Type != CandidateTypeServerReflexive || srflx.Address != "203.0.113.7" || srflx.Port != 50000 {
		t.Errorf("second candidate = %s, want srflx 203.0.113.7:50000", srflx)
	}
	if srflx.RelatedAddress == nil ||
		srflx.RelatedAddress.Address != host.Address ||
		srflx.RelatedAddress.Port != host.Port {
		t.Errorf("srflx related = %s, want host %s:%d", srflx.RelatedAddress, host.Address, host.Port)
	}
	if srflx.Priority >= host.Priority {
		t.Errorf("srflx priority %d >= host priority %d", srflx.Priority, host.Priority)
	}
	if srflx.Foundation == host.Foundation {
		t.Errorf("srflx and host share foundation %s", host.Foundation)
	}
	if !strings.Contains(srflx.Marshal(), "raddr "+vnetAgentIP) {
		t.Errorf("Marshal() = %q, want raddr %s", srflx.Marshal(), vnetAgentIP)
	}
}

func TestGatherUnreachableSTUN(t *testing.T) {
	agentNet, _ := buildVNet(t)

	a := newTestAgent(t, AgentConfig{
		Urls:               []*stun.URI{mustURI(t, "stun:stun.example:3478")},
		NetworkTypes:       []NetworkType{NetworkTypeUDP4},
		MulticastDNSMode:   MulticastDNSModeDisabled,
		Net:                agentNet,
		CheckRTO:           50 * time.Millisecond,
		CheckMaxRTO:        100 * time.Millisecond,
		MaxBindingRequests: 3,
	})

	cands := gatherAll(t, a)
	if len(cands) != 1 || cands[0].Type != CandidateTypeHost {
		t.Errorf("gathered %v, want only the host candidate", cands)
	}
}

func TestGatherRelay(t *testing.T) {
	agentNet, serverNet := buildVNet(t)

	serverConn, err := serverNet.ListenPacket("udp4", vnetServerIP+":3478")
	if err != nil {
		t.Fatalf("ListenPacket() error = %v", err)
	}
	server, err := turn.NewServer(turn.ServerConfig{
		Realm: "mediaplane",
		AuthHandler: func(username, realm string, _ net.Addr) ([]byte, bool) {
			if username != "user" {
				return nil, false
			}
			return turn.GenerateAuthKey(username, realm, "secret"), true
		},
		PacketConnConfigs: []turn.PacketConnConfig{{
			PacketConn: serverConn,
			RelayAddressGenerator: &turn.RelayAddressGeneratorStatic{
				RelayAddress: net.ParseIP(vnetServerIP),
				Address:      vnetServerIP,
				Net:          serverNet,
			},
		}},
		LoggerFactory: logging.NewDefaultLoggerFactory(),
	})
	if err != nil {
		t.Fatalf("NewServer() error = %v", err)
	}
	t.Cleanup(func() { _ = server.Close() })

	u := mustURI(t, "turn:"+vnetServerIP+":3478?transport=udp")
	u.Username = "user"
	u.Password = "secret"

	a := newTestAgent(t, AgentConfig{
		Urls:             []*stun.URI{u},
		NetworkTypes:     []NetworkType{NetworkTypeUDP4},
		TransportPolicy:  TransportPolicyRelay,
		MulticastDNSMode: MulticastDNSModeDisabled,
		Net:              agentNet,
	})

	cands := gatherAll(t, a)
	if len(cands) != 1 {
		t.Fatalf("gathered %v, want exactly one relay candidate", cands)
	}
	c := cands[0]
	if c.Type != CandidateTypeRelay || c.Address != vnetServerIP || c.Port == 0 {
		t.Errorf("candidate = %s, want relay on %s", c, vnetServerIP)
	}
	if c.RelatedAddress == nil {
		t.Error("relay candidate without related address")
	}
	if c.Priority != ComputePriority(CandidateTypeRelay, DefaultLocalPreference, ComponentRTP) {
		t.Errorf("Priority = %d, want relay priority", c.Priority)
	}
}

func TestGatherRelayBadCredentials(t *testing.T) {
	agentNet, serverNet := buildVNet(t)

	serverConn, err := serverNet.ListenPacket("udp4", vnetServerIP+":3478")
	if err != nil {
		t.Fatalf("ListenPacket() error = %v", err)
	}
	server, err := turn.NewServer(turn.ServerConfig{
		Realm: "mediaplane",
		AuthHandler: func(string, string, net.Addr) ([]byte, bool) {
			return nil, false
		},
		PacketConnConfigs: []turn.PacketConnConfig{{
			PacketConn: serverConn,
			RelayAddressGenerator: &turn.RelayAddressGeneratorStatic{
				RelayAddress: net.ParseIP(vnetServerIP),
				Address:      vnetServerIP,
				Net:          serverNet,
			},
		}},
	})
	if err != nil {
		t.Fatalf("NewServer() error = %v", err)
	}
	t.Cleanup(func() { _ = server.Close() })

	u := mustURI(t, "turn:"+vnetServerIP+":3478")
	u.Username = "user"
	u.Password = "wrong"

	a := newTestAgent(t, AgentConfig{
		Urls:             []*stun.URI{u},
		NetworkTypes:     []NetworkType{NetworkTypeUDP4},
		TransportPolicy:  TransportPolicyRelay,
		MulticastDNSMode: MulticastDNSModeDisabled,
		Net:              agentNet,
	})

	if cands := gatherAll(t, a); len(cands) != 0 {
		t.Errorf("gathered %v with rejected credentials, want none", cands)
	}
}
