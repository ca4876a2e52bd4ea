package sctp

import (
	"fmt"
	"net"
	"time"

	"github.com/pion/logging"
)

const (
	// DefaultPort is the SCTP port used on both sides of a WebRTC data
	// channel association (RFC 8841).
	DefaultPort = 5000

	// DefaultMTU is the size of one SCTP packet handed to the lower layer.
	DefaultMTU = 1200

	// DefaultMaxReceiveBufferSize is advertised as the initial a_rwnd.
	DefaultMaxReceiveBufferSize = 1024 * 1024

	// DefaultMaxSendBufferSize bounds queued plus unacknowledged bytes.
	DefaultMaxSendBufferSize = 1024 * 1024

	// DefaultMaxMessageSize is the largest user message accepted.
	DefaultMaxMessageSize = 256 * 1024

	// DefaultSACKDelay is the delayed acknowledgement timeout.
	DefaultSACKDelay = 200 * time.Millisecond

	// DefaultHeartbeatInterval is how long the association may stay idle
	// before a HEARTBEAT is sent.
	DefaultHeartbeatInterval = 30 * time.Second

	// DefaultMaxInitRetransmits bounds INIT and COOKIE ECHO retries.
	DefaultMaxInitRetransmits = 8

	// DefaultMaxAssociationRetransmits is Association.Max.Retrans.
	DefaultMaxAssociationRetransmits = 10

	minMTU = 128
)

// PayloadProtocolIdentifier labels a user message (PPID).
type PayloadProtocolIdentifier uint32

// PPIDs registered for WebRTC (RFC 8831 Section 8).
const (
	PayloadTypeWebRTCDCEP        PayloadProtocolIdentifier = 50
	PayloadTypeWebRTCString      PayloadProtocolIdentifier = 51
	PayloadTypeWebRTCBinary      PayloadProtocolIdentifier = 53
	PayloadTypeWebRTCStringEmpty PayloadProtocolIdentifier = 56
	PayloadTypeWebRTCBinaryEmpty PayloadProtocolIdentifier = 57
)

func (p PayloadProtocolIdentifier) String() string {
	switch p {
	case PayloadTypeWebRTCDCEP:
		return "WebRTC DCEP"
	case PayloadTypeWebRTCString:
		return "WebRTC String"
	case PayloadTypeWebRTCBinary:
		return "WebRTC Binary"
	case PayloadTypeWebRTCStringEmpty:
		return "WebRTC String (Empty)"
	case PayloadTypeWebRTCBinaryEmpty:
		return "WebRTC Binary (Empty)"
	default:
		return fmt.Sprintf("PPID(%d)", uint32(p))
	}
}

// ReliabilityType selects the partial reliability policy of a stream
// (RFC 3758).
type ReliabilityType byte

const (
	// ReliabilityTypeReliable retransmits until acknowledged.
	ReliabilityTypeReliable ReliabilityType = iota
	// ReliabilityTypeRexmit abandons a message after a number of
	// retransmissions.
	ReliabilityTypeRexmit
	// ReliabilityTypeTimed abandons a message once it has been queued
	// for a number of milliseconds.
	ReliabilityTypeTimed
)

func (t ReliabilityType) String() string {
	switch t {
	case ReliabilityTypeReliable:
		return "Reliable"
	case ReliabilityTypeRexmit:
		return "Rexmit"
	case ReliabilityTypeTimed:
		return "Timed"
	default:
		return fmt.Sprintf("ReliabilityType(%d)", byte(t))
	}
}

// Config configures an Association.
type Config struct {
	// NetConn is the lower layer, normally a DTLS connection. The
	// association owns it and closes it on Close.
	NetConn net.Conn

	// Name prefixes log lines.
	Name string

	LocalPort  uint16
	RemotePort uint16

	// MTU bounds each SCTP packet. Default 1200.
	MTU uint32

	MaxReceiveBufferSize uint32
	MaxSendBufferSize    uint32
	MaxMessageSize       uint32

	// RTOMax caps the retransmission timeout. Default 60s.
	RTOMax time.Duration

	// SACKDelay is the delayed SACK timeout. Default 200ms.
	SACKDelay time.Duration

	// HeartbeatInterval defaults to 30s; a negative value disables
	// heartbeats.
	HeartbeatInterval time.Duration

	MaxInitRetransmits        int
	MaxAssociationRetransmits int

	LoggerFactory logging.LoggerFactory
}

func (c Config) validate() (Config, error) {
	if c.NetConn == nil {
		return c, ErrNilNetConn
	}
	if c.LocalPort == 0 {
		c.LocalPort = DefaultPort
	}
	if c.RemotePort == 0 {
		c.RemotePort = DefaultPort
	}
	if c.MTU == 0 {
		c.MTU = DefaultMTU
	}
	if c.MTU < minMTU {
		return c, fmt.Errorf("sctp: MTU %d is below %d", c.MTU, minMTU)
	}
	if c.MaxReceiveBufferSize == 0 {
		c.MaxReceiveBufferSize = DefaultMaxReceiveBufferSize
	}
	if c.MaxSendBufferSize == 0 {
		c.MaxSendBufferSize = DefaultMaxSendBufferSize
	}
	if c.MaxMessageSize == 0 {
		c.MaxMessageSize = DefaultMaxMessageSize
	}
	if c.RTOMax <= 0 {
		c.RTOMax = RTOMax
	}
	if c.SACKDelay <= 0 {
		c.SACKDelay = DefaultSACKDelay
	}
	if c.HeartbeatInterval == 0 {
		c.HeartbeatInterval = DefaultHeartbeatInterval
	}
	if c.MaxInitRetransmits <= 0 {
		c.MaxInitRetransmits = DefaultMaxInitRetransmits
	}
	if c.MaxAssociationRetransmits <= 0 {
		c.MaxAssociationRetransmits = DefaultMaxAssociationRetransmits
	}
	if c.LoggerFactory == nil {
		c.LoggerFactory = logging.NewDefaultLoggerFactory()
	}
	return c, nil
}
