package datachannel

import (
	"fmt"

	"github.com/backkem/mediaplane/pkg/sctp"
)

// ChannelType is the channel type of DATA_CHANNEL_OPEN. The high bit marks
// unordered delivery.
type ChannelType byte

const (
	ChannelTypeReliable                       ChannelType = 0x00
	ChannelTypeReliableUnordered              ChannelType = 0x80
	ChannelTypePartialReliableRexmit          ChannelType = 0x01
	ChannelTypePartialReliableRexmitUnordered ChannelType = 0x81
	ChannelTypePartialReliableTimed           ChannelType = 0x02
	ChannelTypePartialReliableTimedUnordered  ChannelType = 0x82
)

// Channel priorities (RFC 8832 Section 5.1).
const (
	ChannelPriorityBelowNormal uint16 = 128
	ChannelPriorityNormal      uint16 = 256
	ChannelPriorityHigh        uint16 = 512
	ChannelPriorityExtraHigh   uint16 = 1024
)

func (t ChannelType) String() string {
	switch t {
	case ChannelTypeReliable:
		return "Reliable"
	case ChannelTypeReliableUnordered:
		return "ReliableUnordered"
	case ChannelTypePartialReliableRexmit:
		return "PartialReliableRexmit"
	case ChannelTypePartialReliableRexmitUnordered:
		return "PartialReliableRexmitUnordered"
	case ChannelTypePartialReliableTimed:
		return "PartialReliableTimed"
	case ChannelTypePartialReliableTimedUnordered:
		return "PartialReliableTimedUnordered"
	default:
		return fmt.Sprintf("ChannelType(0x%02x)", byte(t))
	}
}

func (t ChannelType) valid() bool {
	switch t {
	case ChannelTypeReliable, ChannelTypeReliableUnordered,
		ChannelTypePartialReliableRexmit, ChannelTypePartialReliableRexmitUnordered,
		ChannelTypePartialReliableTimed, ChannelTypePartialReliableTimedUnordered:
		return true
	}
	return false
}

// Unordered reports whether the type allows out-of-order delivery.
func (t ChannelType) Unordered() bool {
	return t&0x80 != 0
}

// reliability maps the type onto the SCTP partial reliability policy.
func (t ChannelType) reliability() sctp.ReliabilityType {
	switch t &^ 0x80 {
	case 0x01:
		return sctp.ReliabilityTypeRexmit
	case 0x02:
		return sctp.ReliabilityTypeTimed
	default:
		return sctp.ReliabilityTypeReliable
	}
}

// ChannelTypeFor picks the channel type for the W3C style parameters.
// maxPacketLifeTime and maxRetransmits are mutually exclusive; nil means
// unset.
func ChannelTypeFor(ordered bool, maxPacketLifeTime, maxRetransmits *uint16) (ChannelType, uint32) {
	var (
		t     ChannelType
		param uint32
	)
	switch {
	case maxRetransmits != nil:
		t, param = ChannelTypePartialReliableRexmit, uint32(*maxRetransmits)
	case maxPacketLifeTime != nil:
		t, param = ChannelTypePartialReliableTimed, uint32(*maxPacketLifeTime)
	default:
		t = ChannelTypeReliable
	}
	if !ordered {
		t |= 0x80
	}
	return t, param
}
