// Package srtp protects RTP and RTCP with SRTP and SRTCP (RFC 3711) using
// the AES-CM/HMAC-SHA1 and AES-GCM (RFC 7714) profiles negotiated by DTLS.
//
// A Context holds the keys of one direction. Sessions wrap a net.Conn with
// a local and a remote Context and demultiplex decrypted packets by SSRC.
package srtp

import (
	"sync"

	"github.com/backkem/mediaplane/pkg/replay"
)

// maxSRTPIndex is the 48-bit packet index limit.
const maxSRTPIndex = 1<<48 - 1

const maxROC = ^uint32(0)

// srtpState tracks one SSRC's rollover counter (RFC 3711 Section 3.3.1).
type srtpState struct {
	ssrc    uint32
	roc     uint32
	lastSeq uint16
	started bool
	replay  *replay.Detector
}

// estimate guesses the ROC for seq per RFC 3711 Appendix A.
func (s *srtpState) estimate(seq uint16) (roc uint32, err error) {
	if !s.started {
		return s.roc, nil
	}
	roc = s.roc
	if s.lastSeq < 1<<15 {
		if int(seq)-int(s.lastSeq) > 1<<15 && roc > 0 {
			roc--
		}
	} else if int(s.lastSeq)-1<<15 > int(seq) {
		if roc == maxROC {
			return 0, ErrExceededMaxPackets
		}
		roc++
	}
	return roc, nil
}

// update records seq if it is the highest index seen.
func (s *srtpState) update(seq uint16, roc uint32) {
	if !s.started || roc > s.roc || (roc == s.roc && seq > s.lastSeq) {
		s.roc = roc
		s.lastSeq = seq
		s.started = true
	}
}

type srtcpState struct {
	ssrc   uint32
	index  uint32 // next outgoing index
	replay *replay.Detector
}

// Context is one direction of an SRTP/SRTCP crypto context. It is safe for
// concurrent use.
type Context struct {
	mu sync.Mutex

	profile ProtectionProfile
	cipher  srtpCipher

	srtpStates  map[uint32]*srtpState
	srtcpStates map[uint32]*srtcpState

	newSRTPReplay  func() *replay.Detector
	newSRTCPReplay func() *replay.Detector
}

// CreateContext derives the session keys for profile from the master key
// and salt. Replay protection is on for both SRTP and SRTCP with the
// default window unless an option changes it.
func CreateContext(masterKey, masterSalt []byte, profile ProtectionProfile, opts ...ContextOption) (*Context, error) {
	c, err := newCipher(profile, masterKey, masterSalt)
	if err != nil {
		return nil, err
	}

	ctx := &Context{
		profile:     profile,
		cipher:      c,
		srtpStates:  make(map[uint32]*srtpState),
		srtcpStates: make(map[uint32]*srtcpState),
	}
	defaults := []ContextOption{
		SRTPReplayProtection(replay.DefaultWindowSize),
		SRTCPReplayProtection(replay.DefaultWindowSize),
	}
	for _, o := range append(defaults, opts...) {
		if err := o(ctx); err != nil {
			return nil, err
		}
	}
	return ctx, nil
}

// Profile returns the context's protection profile.
func (c *Context) Profile() ProtectionProfile {
	return c.profile
}

func (c *Context) getSRTPState(ssrc uint32) *srtpState {
	s, ok := c.srtpStates[ssrc]
	if !ok {
		s = &srtpState{ssrc: ssrc}
		if c.newSRTPReplay != nil {
			s.replay = c.newSRTPReplay()
		}
		c.srtpStates[ssrc] = s
	}
	return s
}

func (c *Context) getSRTCPState(ssrc uint32) *srtcpState {
	s, ok := c.srtcpStates[ssrc]
	if !ok {
		s = &srtcpState{ssrc: ssrc}
		if c.newSRTCPReplay != nil {
			s.replay = c.newSRTCPReplay()
		}
		c.srtcpStates[ssrc] = s
	}
	return s
}

// ROC returns the rollover counter of ssrc.
func (c *Context) ROC(ssrc uint32) (uint32, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	s, ok := c.srtpStates[ssrc]
	if !ok {
		return 0, false
	}
	return s.roc, true
}

// SetROC sets the rollover counter of ssrc, for joining a stream midway.
func (c *Context) SetROC(ssrc, roc uint32) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.getSRTPState(ssrc).roc = roc
}

// Index returns the next SRTCP index that will be sent for ssrc.
func (c *Context) Index(ssrc uint32) (uint32, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	s, ok := c.srtcpStates[ssrc]
	if !ok {
		return 0, false
	}
	return s.index, true
}

// SetIndex sets the next SRTCP index of ssrc.
func (c *Context) SetIndex(ssrc, index uint32) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.getSRTCPState(ssrc).index = index & maxSRTCPIndex
}
