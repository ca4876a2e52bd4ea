package sessiondesc

import (
	"strconv"
	"strings"

	"github.com/pion/sdp/v3"
)

// NewDescription builds a description with one data channel section per
// mid of p, all bundled on one transport. Candidates, fingerprints and
// credentials are written at media level as JSEP does. An unset Role is
// written as actpass and an unset SCTPPort as 5000.
func NewDescription(p *Parameters) (*sdp.SessionDescription, error) {
	if p.ICEUfrag == "" || p.ICEPwd == "" {
		return nil, ErrNoICECredentials
	}
	if len(p.Fingerprints) == 0 {
		return nil, ErrNoFingerprint
	}

	d, err := sdp.NewJSEPSessionDescription(false)
	if err != nil {
		return nil, err
	}

	mids := p.Mids
	if len(mids) == 0 {
		mids = []string{"0"}
	}
	d.WithValueAttribute(sdp.AttrKeyGroup, "BUNDLE "+strings.Join(mids, " "))
	if p.ICELite {
		d.WithPropertyAttribute(sdp.AttrKeyICELite)
	}

	role := p.Role
	if role == 0 {
		role = sdp.ConnectionRoleActpass
	}
	port := p.SCTPPort
	if port == 0 {
		port = DefaultSCTPPort
	}

	for _, mid := range mids {
		m := sdp.NewJSEPMediaDescription("application", nil)
		m.MediaName.Protos = []string{"UDP", "DTLS", "SCTP"}
		m.MediaName.Formats = []string{"webrtc-datachannel"}
		m.WithValueAttribute(sdp.AttrKeyMID, mid).
			WithICECredentials(p.ICEUfrag, p.ICEPwd).
			WithValueAttribute(sdp.AttrKeyConnectionSetup, role.String())
		for _, fp := range p.Fingerprints {
			m.WithFingerprint(fp.Algorithm, fp.Value)
		}
		m.WithValueAttribute(attrSCTPPort, strconv.Itoa(int(port)))
		if p.MaxMessageSize != 0 {
			m.WithValueAttribute(attrMaxMessageSize, strconv.FormatUint(uint64(p.MaxMessageSize), 10))
		}
		for _, c := range p.Candidates {
			m.WithValueAttribute(sdp.AttrKeyCandidate, c.Marshal())
		}
		if p.EndOfCandidates {
			m.WithPropertyAttribute(sdp.AttrKeyEndOfCandidates)
		}
		d.WithMedia(m)
	}
	return d, nil
}

// Marshal builds and serializes the description of p.
func Marshal(p *Parameters) ([]byte, error) {
	d, err := NewDescription(p)
	if err != nil {
		return nil, err
	}
	return d.Marshal()
}
