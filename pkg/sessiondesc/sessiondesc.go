// Package sessiondesc moves the transport parameters of a peer connection
// in and out of SDP: ICE credentials and candidates, DTLS fingerprints and
// setup role (RFC 8842), and the SCTP port and message size limit of the
// data channel section (RFC 8841). Codecs and media directions are left to
// the caller.
package sessiondesc

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/backkem/mediaplane/pkg/certificate"
	"github.com/backkem/mediaplane/pkg/dtls"
	"github.com/backkem/mediaplane/pkg/ice"
	"github.com/pion/sdp/v3"
)

const (
	attrICEUfrag       = "ice-ufrag"
	attrICEPwd         = "ice-pwd"
	attrFingerprint    = "fingerprint"
	attrSCTPPort       = "sctp-port"
	attrSCTPMap        = "sctpmap"
	attrMaxMessageSize = "max-message-size"
	attrCrypto         = "crypto"

	// DefaultMaxMessageSize applies when an application section carries
	// no a=max-message-size (RFC 8841 Section 6).
	DefaultMaxMessageSize = 64 * 1024

	// DefaultSCTPPort applies when an application section carries no
	// a=sctp-port.
	DefaultSCTPPort = 5000
)

// Parameters are the transport parameters of one side of a session.
type Parameters struct {
	ICEUfrag string
	ICEPwd   string
	ICELite  bool

	Candidates      []*ice.Candidate
	EndOfCandidates bool

	Fingerprints []certificate.Fingerprint

	// Role is the a=setup value. Zero means the attribute was absent.
	Role sdp.ConnectionRole

	// SCTPPort and MaxMessageSize are zero when there is no data channel
	// section. A MaxMessageSize of zero in a data channel section means
	// the peer accepts messages of any size.
	SCTPPort       uint16
	MaxMessageSize uint32

	// SRTPProfiles lists the suites of a=crypto lines in order. Keys
	// offered there are ignored; DTLS-SRTP derives its own.
	SRTPProfiles []dtls.SRTPProtectionProfile

	Mids []string
}

// Parse reads raw SDP.
func Parse(raw []byte) (*Parameters, error) {
	d := &sdp.SessionDescription{}
	if err := d.Unmarshal(raw); err != nil {
		return nil, fmt.Errorf("sessiondesc: %w", err)
	}
	return FromDescription(d)
}

// FromDescription extracts Parameters from a parsed description. Media
// level attributes take precedence over session level ones, and all
// sections are assumed to be bundled onto one transport.
func FromDescription(d *sdp.SessionDescription) (*Parameters, error) {
	if len(d.MediaDescriptions) == 0 {
		return nil, ErrNoMediaSections
	}

	p := &Parameters{}
	_, p.ICELite = d.Attribute(sdp.AttrKeyICELite)

	sessionUfrag, _ := d.Attribute(attrICEUfrag)
	sessionPwd, _ := d.Attribute(attrICEPwd)
	sessionRole := sdp.ConnectionRole(0)
	if v, ok := d.Attribute(sdp.AttrKeyConnectionSetup); ok {
		r, err := parseRole(v)
		if err != nil {
			return nil, err
		}
		sessionRole = r
	}
	for _, a := range d.Attributes {
		if a.Key == attrFingerprint {
			p.addFingerprint(a.Value)
		}
	}

	for _, m := range d.MediaDescriptions {
		if mid, ok := m.Attribute(sdp.AttrKeyMID); ok {
			p.Mids = append(p.Mids, mid)
		}

		ufrag, ok := m.Attribute(attrICEUfrag)
		if !ok {
			ufrag = sessionUfrag
		}
		pwd, ok := m.Attribute(attrICEPwd)
		if !ok {
			pwd = sessionPwd
		}
		if err := p.setCredentials(ufrag, pwd); err != nil {
			return nil, err
		}

		for _, a := range m.Attributes {
			switch a.Key {
			case sdp.AttrKeyCandidate:
				c, err := ice.UnmarshalCandidate(a.Value)
				if err != nil {
					return nil, fmt.Errorf("sessiondesc: candidate %q: %w", a.Value, err)
				}
				p.addCandidate(c)
			case sdp.AttrKeyEndOfCandidates:
				p.EndOfCandidates = true
			case attrFingerprint:
				p.addFingerprint(a.Value)
			case sdp.AttrKeyConnectionSetup:
				r, err := parseRole(a.Value)
				if err != nil {
					return nil, err
				}
				if p.Role == 0 {
					p.Role = r
				}
			case attrCrypto:
				if prof, ok := parseCryptoSuite(a.Value); ok {
					p.SRTPProfiles = append(p.SRTPProfiles, prof)
				}
			}
		}

		if isDataSection(m) {
			if err := p.readSCTP(m); err != nil {
				return nil, err
			}
		}
	}

	if p.Role == 0 {
		p.Role = sessionRole
	}
	if p.ICEUfrag == "" || p.ICEPwd == "" {
		return nil, ErrNoICECredentials
	}
	if len(p.Fingerprints) == 0 {
		return nil, ErrNoFingerprint
	}
	return p, nil
}

func (p *Parameters) setCredentials(ufrag, pwd string) error {
	if ufrag == "" && pwd == "" {
		return nil
	}
	if p.ICEUfrag == "" && p.ICEPwd == "" {
		p.ICEUfrag, p.ICEPwd = ufrag, pwd
		return nil
	}
	if p.ICEUfrag != ufrag || p.ICEPwd != pwd {
		return ErrConflictingCredentials
	}
	return nil
}

// addFingerprint keeps fingerprints with a known hash and skips the rest.
func (p *Parameters) addFingerprint(v string) {
	fp, err := certificate.ParseFingerprint(v)
	if err != nil {
		return
	}
	for _, have := range p.Fingerprints {
		if have == fp {
			return
		}
	}
	p.Fingerprints = append(p.Fingerprints, fp)
}

func (p *Parameters) addCandidate(c *ice.Candidate) {
	for _, have := range p.Candidates {
		if have.Equal(c) {
			return
		}
	}
	p.Candidates = append(p.Candidates, c)
}

func (p *Parameters) readSCTP(m *sdp.MediaDescription) error {
	p.SCTPPort = DefaultSCTPPort
	if v, ok := m.Attribute(attrSCTPPort); ok {
		port, err := strconv.ParseUint(strings.TrimSpace(v), 10, 16)
		if err != nil || port == 0 {
			return fmt.Errorf("%w: %q", ErrInvalidSCTPPort, v)
		}
		p.SCTPPort = uint16(port)
	} else if v, ok := m.Attribute(attrSCTPMap); ok {
		// Pre-RFC 8841 form: a=sctpmap:5000 webrtc-datachannel 1024
		fields := strings.Fields(v)
		if len(fields) > 0 {
			if port, err := strconv.ParseUint(fields[0], 10, 16); err == nil && port != 0 {
				p.SCTPPort = uint16(port)
			}
		}
	}

	p.MaxMessageSize = DefaultMaxMessageSize
	if v, ok := m.Attribute(attrMaxMessageSize); ok {
		size, err := strconv.ParseUint(strings.TrimSpace(v), 10, 32)
		if err != nil {
			return fmt.Errorf("%w: %q", ErrInvalidMaxMessageSize, v)
		}
		p.MaxMessageSize = uint32(size)
	}
	return nil
}

func isDataSection(m *sdp.MediaDescription) bool {
	if m.MediaName.Media != "application" {
		return false
	}
	for _, proto := range m.MediaName.Protos {
		if proto == "SCTP" {
			return true
		}
	}
	return false
}

func parseRole(v string) (sdp.ConnectionRole, error) {
	switch strings.TrimSpace(v) {
	case "active":
		return sdp.ConnectionRoleActive, nil
	case "passive":
		return sdp.ConnectionRolePassive, nil
	case "actpass":
		return sdp.ConnectionRoleActpass, nil
	case "holdconn":
		return sdp.ConnectionRoleHoldconn, nil
	}
	return 0, fmt.Errorf("%w: %q", ErrInvalidSetupRole, v)
}

var cryptoSuites = map[string]dtls.SRTPProtectionProfile{
	"AES_CM_128_HMAC_SHA1_80": dtls.SRTP_AES128_CM_HMAC_SHA1_80,
	"AES_CM_128_HMAC_SHA1_32": dtls.SRTP_AES128_CM_HMAC_SHA1_32,
	"AEAD_AES_128_GCM":        dtls.SRTP_AEAD_AES_128_GCM,
	"AEAD_AES_256_GCM":        dtls.SRTP_AEAD_AES_256_GCM,
}

// parseCryptoSuite reads the suite of "1 AES_CM_128_HMAC_SHA1_80 inline:...".
func parseCryptoSuite(v string) (dtls.SRTPProtectionProfile, bool) {
	fields := strings.Fields(v)
	if len(fields) < 2 {
		return 0, false
	}
	prof, ok := cryptoSuites[fields[1]]
	return prof, ok
}

// IsDTLSClient decides the local DTLS role from both a=setup values. When
// both sides accept either role the ICE controlling side acts as the DTLS
// server, which is what an offerer sending actpass ends up with.
func IsDTLSClient(local, remote sdp.ConnectionRole, iceControlling bool) (bool, error) {
	if local == sdp.ConnectionRoleHoldconn || remote == sdp.ConnectionRoleHoldconn {
		return false, fmt.Errorf("%w: holdconn", ErrInvalidSetupRole)
	}
	switch remote {
	case sdp.ConnectionRoleActive:
		if local == sdp.ConnectionRoleActive {
			return false, ErrRoleConflict
		}
		return false, nil
	case sdp.ConnectionRolePassive:
		if local == sdp.ConnectionRolePassive {
			return false, ErrRoleConflict
		}
		return true, nil
	}
	switch local {
	case sdp.ConnectionRoleActive:
		return true, nil
	case sdp.ConnectionRolePassive:
		return false, nil
	}
	return !iceControlling, nil
}
