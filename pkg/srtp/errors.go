package srtp

import (
	"errors"
	"fmt"
)

var (
	ErrUnsupportedProfile = errors.New("srtp: unsupported protection profile")
	ErrMasterKeyLength    = errors.New("srtp: master key has the wrong length")
	ErrMasterSaltLength   = errors.New("srtp: master salt has the wrong length")
	ErrAuthFailed         = errors.New("srtp: failed to verify auth tag")
	ErrReplayed           = errors.New("srtp: duplicated or too old packet")
	ErrPacketTooShort     = errors.New("srtp: packet is too short")
	ErrMalformedPacket    = errors.New("srtp: malformed packet")
	ErrExceededMaxPackets = errors.New("srtp: exceeded the maximum number of packets for this key")
	ErrNoConfig           = errors.New("srtp: no config provided")
	ErrNoConn             = errors.New("srtp: no conn provided")
	ErrSessionClosed      = errors.New("srtp: session is closed")
	ErrStreamClosed       = errors.New("srtp: read stream is closed")
)

// DuplicatedError reports a packet rejected by the replay window.
type DuplicatedError struct {
	Proto string // "srtp" or "srtcp"
	SSRC  uint32
	Index uint64 // packet index or SRTCP index
}

func (e *DuplicatedError) Error() string {
	return fmt.Sprintf("%s ssrc=%d index=%d: %v", e.Proto, e.SSRC, e.Index, ErrReplayed)
}

func (e *DuplicatedError) Unwrap() error {
	return ErrReplayed
}
