package ice

import (
	"errors"
	"strings"
	"testing"
)

func TestComputePriority(t *testing.T) {
	tests := []struct {
		typ  CandidateType
		want uint32
	}{
		{CandidateTypeHost, 2130706431},
		{CandidateTypePeerReflexive, 1862270975},
		{CandidateTypeServerReflexive, 1694498815},
		{CandidateTypeRelay, 16777215},
	}
	for _, tt := range tests {
		t.Run(tt.typ.String(), func(t *testing.T) {
			if got := ComputePriority(tt.typ, DefaultLocalPreference, ComponentRTP); got != tt.want {
				t.Errorf("ComputePriority() = %d, want %d", got, tt.want)
			}
		})
	}

	// Component 2 is one lower than component 1.
	if got := ComputePriority(CandidateTypeHost, DefaultLocalPreference, ComponentRTCP); got != 2130706430 {
		t.Errorf("ComputePriority(RTCP) = %d, want 2130706430", got)
	}
}

func TestNewCandidate(t *testing.T) {
	c, err := NewCandidate(CandidateConfig{
		Type:    CandidateTypeHost,
		Address: "192.168.1.4",
		Port:    50000,
	})
	if err != nil {
		t.Fatalf("NewCandidate() error = %v", err)
	}
	if c.NetworkType != NetworkTypeUDP4 {
		t.Errorf("NetworkType = %s, want udp4", c.NetworkType)
	}
	if c.Component != ComponentRTP {
		t.Errorf("Component = %d, want %d", c.Component, ComponentRTP)
	}
	if c.Priority != 2130706431 {
		t.Errorf("Priority = %d, want 2130706431", c.Priority)
	}
	if c.Foundation == "" || c.ID == "" {
		t.Errorf("Foundation = %q, ID = %q, want both set", c.Foundation, c.ID)
	}
	if c.IP() == nil || c.IP().String() != "192.168.1.4" {
		t.Errorf("IP() = %v, want 192.168.1.4", c.IP())
	}

	v6, err := NewCandidate(CandidateConfig{Type: CandidateTypeHost, Address: "2001:db8::1", Port: 1})
	if err != nil {
		t.Fatalf("NewCandidate(v6) error = %v", err)
	}
	if v6.NetworkType != NetworkTypeUDP6 {
		t.Errorf("NetworkType = %s, want udp6", v6.NetworkType)
	}

	local, err := NewCandidate(CandidateConfig{Type: CandidateTypeHost, Address: "3e1c5b2e-3cbd-4b51-8c24-2d4b1e0b2a1f.local", Port: 1})
	if err != nil {
		t.Fatalf("NewCandidate(.local) error = %v", err)
	}
	if local.IP() != nil {
		t.Errorf("IP() = %v, want nil for unresolved name", local.IP())
	}

	if _, err := NewCandidate(CandidateConfig{Type: CandidateTypeHost, Address: "example.com", Port: 1}); !errors.Is(err, ErrAddressParseFailed) {
		t.Errorf("NewCandidate(example.com) error = %v, want %v", err, ErrAddressParseFailed)
	}
	if _, err := NewCandidate(CandidateConfig{Address: "10.0.0.1", Port: 1}); !errors.Is(err, ErrParseType) {
		t.Errorf("NewCandidate(no type) error = %v, want %v", err, ErrParseType)
	}
}

func TestCandidateFoundation(t *testing.T) {
	mk := func(typ CandidateType, addr string, port int, related *RelatedAddress, server string) *Candidate {
		t.Helper()
		c, err := NewCandidate(CandidateConfig{
			Type:           typ,
			Address:        addr,
			Port:           port,
			RelatedAddress: related,
			Server:         server,
		})
		if err != nil {
			t.Fatalf("NewCandidate() error = %v", err)
		}
		return c
	}

	h1 := mk(CandidateTypeHost, "10.0.0.5", 1000, nil, "")
	h2 := mk(CandidateTypeHost, "10.0.0.5", 2000, nil, "")
	h3 := mk(CandidateTypeHost, "10.0.0.6", 1000, nil, "")
	if h1.Foundation != h2.Foundation {
		t.Errorf("same base foundations differ: %s != %s", h1.Foundation, h2.Foundation)
	}
	if h1.Foundation == h3.Foundation {
		t.Errorf("different bases share foundation %s", h1.Foundation)
	}

	related := &RelatedAddress{Address: "10.0.0.5", Port: 1000}
	s1 := mk(CandidateTypeServerReflexive, "203.0.113.7", 50000, related, "stun1:3478")
	s2 := mk(CandidateTypeServerReflexive, "203.0.113.8", 50001, related, "stun1:3478")
	s3 := mk(CandidateTypeServerReflexive, "203.0.113.7", 50000, related, "stun2:3478")
	if s1.Foundation != s2.Foundation {
		t.Errorf("srflx from one base and server differ: %s != %s", s1.Foundation, s2.Foundation)
	}
	if s1.Foundation == s3.Foundation {
		t.Errorf("srflx from different servers share foundation %s", s1.Foundation)
	}
	if s1.Foundation == h1.Foundation {
		t.Errorf("host and srflx share foundation %s", s1.Foundation)
	}
}

func TestCandidateMarshal(t *testing.T) {
	c, err := NewCandidate(CandidateConfig{
		Type:           CandidateTypeServerReflexive,
		Address:        "203.0.113.7",
		Port:           50000,
		Foundation:     "842163049",
		RelatedAddress: &RelatedAddress{Address: "10.0.0.5", Port: 40000},
	})
	if err != nil {
		t.Fatalf("NewCandidate() error = %v", err)
	}
	want := "842163049 1 udp 1694498815 203.0.113.7 50000 typ srflx raddr 10.0.0.5 rport 40000"
	if got := c.Marshal(); got != want {
		t.Errorf("Marshal() = %q, want %q", got, want)
	}

	back, err := UnmarshalCandidate(c.Marshal())
	if err != nil {
		t.Fatalf("UnmarshalCandidate() error = %v", err)
	}
	if !back.Equal(c) {
		t.Errorf("round trip = %s, want %s", back, c)
	}
	if back.Foundation != c.Foundation || back.Priority != c.Priority {
		t.Errorf("round trip foundation/priority = %s/%d, want %s/%d",
			back.Foundation, back.Priority, c.Foundation, c.Priority)
	}
}

func TestUnmarshalCandidate(t *testing.T) {
	tests := []struct {
		name        string
		raw         string
		wantType    CandidateType
		wantNetwork NetworkType
		wantAddr    string
		wantPort    int
		wantPrio    uint32
		wantRelated string
		wantTCPType TCPType
	}{
		{
			name:        "host with prefix",
			raw:         "candidate:1966762134 1 udp 2122260223 192.168.1.4 50000 typ host",
			wantType:    CandidateTypeHost,
			wantNetwork: NetworkTypeUDP4,
			wantAddr:    "192.168.1.4",
			wantPort:    50000,
			wantPrio:    2122260223,
		},
		{
			name:        "sdp attribute",
			raw:         "a=candidate:1 1 UDP 2130706431 10.0.0.1 1234 typ host generation 0 network-id 1",
			wantType:    CandidateTypeHost,
			wantNetwork: NetworkTypeUDP4,
			wantAddr:    "10.0.0.1",
			wantPort:    1234,
			wantPrio:    2130706431,
		},
		{
			name:        "srflx",
			raw:         "842163049 1 udp 1677729535 203.0.113.7 50000 typ srflx raddr 10.0.0.5 rport 50000",
			wantType:    CandidateTypeServerReflexive,
			wantNetwork: NetworkTypeUDP4,
			wantAddr:    "203.0.113.7",
			wantPort:    50000,
			wantPrio:    1677729535,
			wantRelated: "10.0.0.5:50000",
		},
		{
			name:        "relay ipv6",
			raw:         "3 1 udp 16777215 2001:db8::5 3478 typ relay raddr 2001:db8::1 rport 9",
			wantType:    CandidateTypeRelay,
			wantNetwork: NetworkTypeUDP6,
			wantAddr:    "2001:db8::5",
			wantPort:    3478,
			wantPrio:    16777215,
			wantRelated: "[2001:db8::1]:9",
		},
		{
			name:        "tcp passive",
			raw:         "4 1 tcp 1518280447 192.168.1.4 9 typ host tcptype passive",
			wantType:    CandidateTypeHost,
			wantNetwork: NetworkTypeTCP4,
			wantAddr:    "192.168.1.4",
			wantPort:    9,
			wantPrio:    1518280447,
			wantTCPType: TCPTypePassive,
		},
		{
			name:        "mdns host",
			raw:         "5 1 udp 2130706431 1f3b1e7c-5d2a-4c55-9a47-0b4d1f9a9b77.local 40000 typ host",
			wantType:    CandidateTypeHost,
			wantNetwork: NetworkTypeUDP4,
			wantAddr:    "1f3b1e7c-5d2a-4c55-9a47-0b4d1f9a9b77.local",
			wantPort:    40000,
			wantPrio:    2130706431,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c, err := UnmarshalCandidate(tt.raw)
			if err != nil {
				t.Fatalf("UnmarshalCandidate() error = %v", err)
			}
			if c.Type != tt.wantType {
				t.Errorf("Type = %s, want %s", c.Type, tt.wantType)
			}
			if c.NetworkType != tt.wantNetwork {
				t.Errorf("NetworkType = %s, want %s", c.NetworkType, tt.wantNetwork)
			}
			if c.Address != tt.wantAddr || c.Port != tt.wantPort {
				t.Errorf("address = %s:%d, want %s:%d", c.Address, c.Port, tt.wantAddr, tt.wantPort)
			}
			if c.Priority != tt.wantPrio {
				t.Errorf("Priority = %d, want %d", c.Priority, tt.wantPrio)
			}
			if got := c.RelatedAddress.String(); got != tt.wantRelated {
				t.Errorf("RelatedAddress = %q, want %q", got, tt.wantRelated)
			}
			if c.TCPType != tt.wantTCPType {
				t.Errorf("TCPType = %s, want %s", c.TCPType, tt.wantTCPType)
			}
		})
	}
}

func TestUnmarshalCandidateErrors(t *testing.T) {
	tests := []struct {
		name string
		raw  string
		want error
	}{
		{"too short", "1 1 udp 100 10.0.0.1 9 typ", ErrAttributeTooShort},
		{"component", "1 x udp 100 10.0.0.1 9 typ host", ErrParseComponent},
		{"priority", "1 1 udp -5 10.0.0.1 9 typ host", ErrParsePriority},
		{"port", "1 1 udp 100 10.0.0.1 70000 typ host", ErrParsePort},
		{"typ keyword", "1 1 udp 100 10.0.0.1 9 type host", ErrParseType},
		{"unknown type", "1 1 udp 100 10.0.0.1 9 typ bogus", ErrParseType},
		{"transport", "1 1 sctp 100 10.0.0.1 9 typ host", ErrParseTransport},
		{"raddr without rport", "1 1 udp 100 10.0.0.1 9 typ srflx raddr 10.0.0.2", ErrParseRelatedAddr},
		{"bad rport", "1 1 udp 100 10.0.0.1 9 typ srflx raddr 10.0.0.2 rport x", ErrParseRelatedAddr},
		{"bad tcptype", "1 1 tcp 100 10.0.0.1 9 typ host tcptype sideways", ErrParseTCPType},
		{"address", "1 1 udp 100 not-an-ip 9 typ host", ErrAddressParseFailed},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := UnmarshalCandidate(tt.raw)
			if !errors.Is(err, tt.want) {
				t.Errorf("UnmarshalCandidate(%q) error = %v, want %v", tt.raw, err, tt.want)
			}
		})
	}
}

func TestCandidateString(t *testing.T) {
	c, err := UnmarshalCandidate("1 1 udp 100 203.0.113.7 5000 typ srflx raddr 10.0.0.5 rport 4000")
	if err != nil {
		t.Fatalf("UnmarshalCandidate() error = %v", err)
	}
	s := c.String()
	for _, want := range []string{"udp4", "srflx", "203.0.113.7:5000", "10.0.0.5:4000"} {
		if !strings.Contains(s, want) {
			t.Errorf("String() = %q, missing %q", s, want)
		}
	}
}
