package srtp

import "github.com/backkem/mediaplane/pkg/replay"

// ContextOption configures a Context.
type ContextOption func(*Context) error

// SRTPReplayProtection sets the SRTP replay window to windowSize packets.
func SRTPReplayProtection(windowSize uint) ContextOption {
	return func(c *Context) error {
		c.newSRTPReplay = func() *replay.Detector {
			return replay.New(windowSize, maxSRTPIndex)
		}
		return nil
	}
}

// SRTCPReplayProtection sets the SRTCP replay window to windowSize packets.
func SRTCPReplayProtection(windowSize uint) ContextOption {
	return func(c *Context) error {
		c.newSRTCPReplay = func() *replay.Detector {
			return replay.NewWithWrap(windowSize, maxSRTCPIndex)
		}
		return nil
	}
}

// SRTPNoReplayProtection disables SRTP replay detection.
func SRTPNoReplayProtection() ContextOption {
	return func(c *Context) error {
		c.newSRTPReplay = nil
		return nil
	}
}

// SRTCPNoReplayProtection disables SRTCP replay detection.
func SRTCPNoReplayProtection() ContextOption {
	return func(c *Context) error {
		c.newSRTCPReplay = nil
		return nil
	}
}
