package peer

import (
	"errors"
	"fmt"
)

var (
	// ErrClosed is returned by operations on a closed connection.
	ErrClosed = errors.New("peer: connection closed")

	// ErrAlreadyStarted is returned when Start is called twice.
	ErrAlreadyStarted = errors.New("peer: connection already started")

	// ErrNotConnected is returned when creating a data channel before the
	// SCTP association is up.
	ErrNotConnected = errors.New("peer: connection not established")

	// ErrMediaNotReady is returned when sending media before SRTP keys
	// have been exported from DTLS.
	ErrMediaNotReady = errors.New("peer: SRTP keys not available yet")

	// ErrNoSRTPProfile is returned when the DTLS handshake did not
	// negotiate use_srtp.
	ErrNoSRTPProfile = errors.New("peer: no SRTP protection profile negotiated")

	// ErrNoDataSection is returned when creating a data channel while the
	// remote side offered no SCTP transport.
	ErrNoDataSection = errors.New("peer: remote offered no data channel transport")

	// ErrICEFailed is the last error after every candidate pair failed.
	ErrICEFailed = errors.New("peer: ICE failed")

	// ErrIdenticalUfrags is returned when both sides use the same ufrag,
	// leaving the ICE role undecided.
	ErrIdenticalUfrags = errors.New("peer: local and remote ufrag are identical")

	// ErrRetransmitsOrPacketLifeTime is returned when a data channel sets
	// both MaxRetransmits and MaxPacketLifeTime.
	ErrRetransmitsOrPacketLifeTime = errors.New("peer: both MaxRetransmits and MaxPacketLifeTime are set")

	// ErrNegotiatedWithoutID is returned for a negotiated data channel
	// without an ID.
	ErrNegotiatedWithoutID = errors.New("peer: negotiated data channel needs an ID")

	// ErrNoRemoteParameters is returned by Start without remote parameters.
	ErrNoRemoteParameters = errors.New("peer: no remote parameters")
)

// ConfigError reports an invalid Configuration field.
type ConfigError struct {
	Field string
	Err   error
}

func (e *ConfigError) Error() string {
	return fmt.Sprintf("peer: invalid %s: %v", e.Field, e.Err)
}

func (e *ConfigError) Unwrap() error {
	return e.Err
}
