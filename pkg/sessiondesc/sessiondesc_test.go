package sessiondesc

import (
	"errors"
	"strings"
	"testing"

	"github.com/backkem/mediaplane/pkg/certificate"
	"github.com/backkem/mediaplane/pkg/dtls"
	"github.com/backkem/mediaplane/pkg/ice"
	"github.com/pion/sdp/v3"
)

const testFingerprint = "sha-256 D2:FA:0E:C3:22:59:5E:14:95:69:92:3D:13:B4:84:24:2C:C2:A2:C0:3E:FD:34:8E:5E:EA:6F:AF:52:CE:E6:0F"

func sdpLines(lines ...string) []byte {
	return []byte(strings.Join(lines, "\r\n") + "\r\n")
}

var browserOffer = sdpLines(
	"v=0",
	"o=- 4215775240449105457 2 IN IP4 127.0.0.1",
	"s=-",
	"t=0 0",
	"a=group:BUNDLE 0",
	"m=application 9 UDP/DTLS/SCTP webrtc-datachannel",
	"c=IN IP4 0.0.0.0",
	"a=candidate:1966762134 1 udp 2122260223 192.168.1.4 50000 typ host generation 0",
	"a=candidate:842163049 1 udp 1677729535 203.0.113.7 50001 typ srflx raddr 192.168.1.4 rport 50000 generation 0",
	"a=end-of-candidates",
	"a=ice-ufrag:EsAw",
	"a=ice-pwd:bP+XJMM09aR8AiX1jdukzR6Y",
	"a=ice-options:trickle",
	"a=fingerprint:"+testFingerprint,
	"a=setup:actpass",
	"a=mid:0",
	"a=sctp-port:5000",
	"a=max-message-size:262144",
)

func TestParseBrowserOffer(t *testing.T) {
	p, err := Parse(browserOffer)
	if err != nil {
		t.Fatalf("Parse() error = %v", err)
	}

	if p.ICEUfrag != "EsAw" || p.ICEPwd != "bP+XJMM09aR8AiX1jdukzR6Y" {
		t.Errorf("credentials = %q/%q, want EsAw/bP+XJMM09aR8AiX1jdukzR6Y", p.ICEUfrag, p.ICEPwd)
	}
	if p.ICELite {
		t.Error("ICELite = true, want false")
	}
	if len(p.Candidates) != 2 {
		t.Fatalf("len(Candidates) = %d, want 2", len(p.Candidates))
	}
	if c := p.Candidates[0]; c.Type != ice.CandidateTypeHost || c.Address != "192.168.1.4" || c.Port != 50000 {
		t.Errorf("Candidates[0] = %s, want udp4 host 192.168.1.4:50000", c)
	}
	if c := p.Candidates[1]; c.Type != ice.CandidateTypeServerReflexive || c.RelatedAddress == nil || c.RelatedAddress.Port != 50000 {
		t.Errorf("Candidates[1] = %s, want srflx related 192.168.1.4:50000", c)
	}
	if !p.EndOfCandidates {
		t.Error("EndOfCandidates = false, want true")
	}
	if len(p.Fingerprints) != 1 || p.Fingerprints[0].String() != testFingerprint {
		t.Errorf("Fingerprints = %v, want [%s]", p.Fingerprints, testFingerprint)
	}
	if p.Role != sdp.ConnectionRoleActpass {
		t.Errorf("Role = %s, want actpass", p.Role)
	}
	if p.SCTPPort != 5000 || p.MaxMessageSize != 262144 {
		t.Errorf("SCTP = %d/%d, want 5000/262144", p.SCTPPort, p.MaxMessageSize)
	}
	if len(p.Mids) != 1 || p.Mids[0] != "0" {
		t.Errorf("Mids = %v, want [0]", p.Mids)
	}
}

func TestParseSessionLevelAttributes(t *testing.T) {
	raw := sdpLines(
		"v=0",
		"o=- 1 1 IN IP4 0.0.0.0",
		"s=-",
		"t=0 0",
		"a=ice-lite",
		"a=ice-ufrag:abcd",
		"a=ice-pwd:abcdefghijklmnopqrstuvwx",
		"a=fingerprint:"+testFingerprint,
		"a=setup:passive",
		"m=audio 9 UDP/TLS/RTP/SAVPF 111",
		"c=IN IP4 0.0.0.0",
		"a=mid:audio",
		"a=crypto:1 AES_CM_128_HMAC_SHA1_80 inline:WVNfX19zZW1jdGwgKCkgewkyMjA7fQp9CnVubGVz",
		"a=crypto:2 AEAD_AES_256_GCM inline:WVNfX19zZW1jdGwgKCkgewkyMjA7fQp9CnVubGVz",
		"a=crypto:3 F8_128_HMAC_SHA1_80 inline:WVNfX19zZW1jdGwgKCkgewkyMjA7fQp9CnVubGVz",
		"m=application 9 DTLS/SCTP 5001",
		"c=IN IP4 0.0.0.0",
		"a=mid:data",
		"a=sctpmap:5001 webrtc-datachannel 1024",
	)

	p, err := Parse(raw)
	if err != nil {
		t.Fatalf("Parse() error = %v", err)
	}
	if !p.ICELite || p.ICEUfrag != "abcd" {
		t.Errorf("ICELite/ICEUfrag = %v/%q, want true/abcd", p.ICELite, p.ICEUfrag)
	}
	if p.Role != sdp.ConnectionRolePassive {
		t.Errorf("Role = %s, want passive", p.Role)
	}
	if p.SCTPPort != 5001 || p.MaxMessageSize != DefaultMaxMessageSize {
		t.Errorf("SCTP = %d/%d, want 5001/%d", p.SCTPPort, p.MaxMessageSize, DefaultMaxMessageSize)
	}
	wantProfiles := []dtls.SRTPProtectionProfile{dtls.SRTP_AES128_CM_HMAC_SHA1_80, dtls.SRTP_AEAD_AES_256_GCM}
	if len(p.SRTPProfiles) != len(wantProfiles) {
		t.Fatalf("SRTPProfiles = %v, want %v", p.SRTPProfiles, wantProfiles)
	}
	for i := range wantProfiles {
		if p.SRTPProfiles[i] != wantProfiles[i] {
			t.Errorf("SRTPProfiles[%d] = %s, want %s", i, p.SRTPProfiles[i], wantProfiles[i])
		}
	}
	if strings.Join(p.Mids, ",") != "audio,data" {
		t.Errorf("Mids = %v, want [audio data]", p.Mids)
	}
}

func TestParseErrors(t *testing.T) {
	header := []string{"v=0", "o=- 1 1 IN IP4 0.0.0.0", "s=-", "t=0 0"}
	section := func(attrs ...string) []byte {
		lines := append([]string{}, header...)
		lines = append(lines, "m=application 9 UDP/DTLS/SCTP webrtc-datachannel", "c=IN IP4 0.0.0.0")
		for _, a := range attrs {
			lines = append(lines, "a="+a)
		}
		return sdpLines(lines...)
	}
	creds := []string{"ice-ufrag:abcd", "ice-pwd:abcdefghijklmnopqrstuvwx"}
	withCreds := func(attrs ...string) []byte {
		return section(append(append([]string{}, creds...), attrs...)...)
	}

	tests := []struct {
		name string
		raw  []byte
		want error
	}{
		{"no media", sdpLines(header...), ErrNoMediaSections},
		{"no credentials", section("fingerprint:" + testFingerprint), ErrNoICECredentials},
		{"no fingerprint", withCreds(), ErrNoFingerprint},
		{"unknown hash only", withCreds("fingerprint:md5 00:11"), ErrNoFingerprint},
		{"bad setup", withCreds("fingerprint:"+testFingerprint, "setup:sideways"), ErrInvalidSetupRole},
		{"bad sctp-port", withCreds("fingerprint:"+testFingerprint, "sctp-port:0"), ErrInvalidSCTPPort},
		{"bad max-message-size", withCreds("fingerprint:"+testFingerprint, "max-message-size:-1"), ErrInvalidMaxMessageSize},
		{"bad candidate", withCreds("fingerprint:"+testFingerprint, "candidate:1 1 udp"), ice.ErrAttributeTooShort},
		{
			"conflicting credentials",
			sdpLines(append(append([]string{}, header...),
				"m=application 9 UDP/DTLS/SCTP webrtc-datachannel", "c=IN IP4 0.0.0.0",
				"a=ice-ufrag:abcd", "a=ice-pwd:abcdefghijklmnopqrstuvwx", "a=fingerprint:"+testFingerprint,
				"m=audio 9 UDP/TLS/RTP/SAVPF 0", "c=IN IP4 0.0.0.0",
				"a=ice-ufrag:efgh", "a=ice-pwd:abcdefghijklmnopqrstuvwx",
			)...),
			ErrConflictingCredentials,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := Parse(tt.raw); !errors.Is(err, tt.want) {
				t.Errorf("Parse() error = %v, want %v", err, tt.want)
			}
		})
	}
}

func TestMarshalRoundTrip(t *testing.T) {
	host, err := ice.NewCandidate(ice.CandidateConfig{
		Type:    ice.CandidateTypeHost,
		Address: "127.0.0.1",
		Port:    40000,
	})
	if err != nil {
		t.Fatalf("NewCandidate() error = %v", err)
	}
	cert, err := certificate.Generate(certificate.KeyTypeECDSAP256)
	if err != nil {
		t.Fatalf("Generate() error = %v", err)
	}
	fp, err := cert.Fingerprint(certificate.DefaultAlgorithm)
	if err != nil {
		t.Fatalf("Fingerprint() error = %v", err)
	}

	local := &Parameters{
		ICEUfrag:        "ufrag0123",
		ICEPwd:          "pwd0123456789abcdefghijk",
		Candidates:      []*ice.Candidate{host},
		EndOfCandidates: true,
		Fingerprints:    []certificate.Fingerprint{fp},
		MaxMessageSize:  sctpMaxMessageSize,
	}
	raw, err := Marshal(local)
	if err != nil {
		t.Fatalf("Marshal() error = %v", err)
	}
	if !strings.Contains(string(raw), "m=application 9 UDP/DTLS/SCTP webrtc-datachannel") {
		t.Errorf("Marshal() missing data channel m-line:\n%s", raw)
	}

	got, err := Parse(raw)
	if err != nil {
		t.Fatalf("Parse(Marshal()) error = %v\n%s", err, raw)
	}
	if got.ICEUfrag != local.ICEUfrag || got.ICEPwd != local.ICEPwd {
		t.Errorf("credentials = %q/%q, want %q/%q", got.ICEUfrag, got.ICEPwd, local.ICEUfrag, local.ICEPwd)
	}
	if len(got.Candidates) != 1 || !got.Candidates[0].Equal(host) {
		t.Errorf("Candidates = %v, want [%s]", got.Candidates, host)
	}
	if !got.EndOfCandidates {
		t.Error("EndOfCandidates = false, want true")
	}
	if len(got.Fingerprints) != 1 || got.Fingerprints[0] != fp {
		t.Errorf("Fingerprints = %v, want [%s]", got.Fingerprints, fp)
	}
	if got.Role != sdp.ConnectionRoleActpass {
		t.Errorf("Role = %s, want actpass", got.Role)
	}
	if got.SCTPPort != DefaultSCTPPort || got.MaxMessageSize != sctpMaxMessageSize {
		t.Errorf("SCTP = %d/%d, want %d/%d", got.SCTPPort, got.MaxMessageSize, DefaultSCTPPort, sctpMaxMessageSize)
	}
	if len(got.Mids) != 1 || got.Mids[0] != "0" {
		t.Errorf("Mids = %v, want [0]", got.Mids)
	}
}

const sctpMaxMessageSize = 256 * 1024

func TestNewDescriptionRequiresCredentials(t *testing.T) {
	if _, err := NewDescription(&Parameters{}); !errors.Is(err, ErrNoICECredentials) {
		t.Errorf("NewDescription() error = %v, want %v", err, ErrNoICECredentials)
	}
	if _, err := NewDescription(&Parameters{ICEUfrag: "abcd", ICEPwd: "abcdefghijklmnopqrstuvwx"}); !errors.Is(err, ErrNoFingerprint) {
		t.Errorf("NewDescription() error = %v, want %v", err, ErrNoFingerprint)
	}
}

func TestIsDTLSClient(t *testing.T) {
	var unset sdp.ConnectionRole
	tests := []struct {
		name        string
		local       sdp.ConnectionRole
		remote      sdp.ConnectionRole
		controlling bool
		want        bool
		wantErr     error
	}{
		{"remote active", sdp.ConnectionRoleActpass, sdp.ConnectionRoleActive, true, false, nil},
		{"remote passive", sdp.ConnectionRoleActpass, sdp.ConnectionRolePassive, true, true, nil},
		{"local active", sdp.ConnectionRoleActive, sdp.ConnectionRoleActpass, true, true, nil},
		{"local passive", sdp.ConnectionRolePassive, sdp.ConnectionRoleActpass, false, false, nil},
		{"both actpass controlling", sdp.ConnectionRoleActpass, sdp.ConnectionRoleActpass, true, false, nil},
		{"both actpass controlled", sdp.ConnectionRoleActpass, sdp.ConnectionRoleActpass, false, true, nil},
		{"both unset", unset, unset, false, true, nil},
		{"both active", sdp.ConnectionRoleActive, sdp.ConnectionRoleActive, true, false, ErrRoleConflict},
		{"both passive", sdp.ConnectionRolePassive, sdp.ConnectionRolePassive, true, false, ErrRoleConflict},
		{"holdconn", sdp.ConnectionRoleActpass, sdp.ConnectionRoleHoldconn, true, false, ErrInvalidSetupRole},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := IsDTLSClient(tt.local, tt.remote, tt.controlling)
			if !errors.Is(err, tt.wantErr) {
				t.Fatalf("IsDTLSClient() error = %v, want %v", err, tt.wantErr)
			}
			if err == nil && got != tt.want {
				t.Errorf("IsDTLSClient() = %v, want %v", got, tt.want)
			}
		})
	}
}
