package datachannel

import (
	"fmt"

	"golang.org/x/crypto/cryptobyte"
)

// DCEP message types (RFC 8832 Section 8.2.1).
type messageType byte

const (
	messageTypeAck  messageType = 0x02
	messageTypeOpen messageType = 0x03
)

func (t messageType) String() string {
	switch t {
	case messageTypeAck:
		return "DATA_CHANNEL_ACK"
	case messageTypeOpen:
		return "DATA_CHANNEL_OPEN"
	default:
		return fmt.Sprintf("messageType(0x%02x)", byte(t))
	}
}

// message is a DCEP control message.
type message interface {
	messageType() messageType
	marshal(b *cryptobyte.Builder)
}

// channelOpen is DATA_CHANNEL_OPEN:
//
//	type(1) channel type(1) priority(2) reliability parameter(4)
//	label length(2) protocol length(2) label protocol
type channelOpen struct {
	ChannelType          ChannelType
	Priority             uint16
	ReliabilityParameter uint32
	Label                []byte
	Protocol             []byte
}

func (*channelOpen) messageType() messageType { return messageTypeOpen }

func (m *channelOpen) marshal(b *cryptobyte.Builder) {
	b.AddUint8(byte(m.ChannelType))
	b.AddUint16(m.Priority)
	b.AddUint32(m.ReliabilityParameter)
	b.AddUint16(uint16(len(m.Label)))
	b.AddUint16(uint16(len(m.Protocol)))
	b.AddBytes(m.Label)
	b.AddBytes(m.Protocol)
}

func (m *channelOpen) unmarshal(s *cryptobyte.String) error {
	var (
		channelType           uint8
		labelLen, protocolLen uint16
	)
	if !s.ReadUint8(&channelType) ||
		!s.ReadUint16(&m.Priority) ||
		!s.ReadUint32(&m.ReliabilityParameter) ||
		!s.ReadUint16(&labelLen) ||
		!s.ReadUint16(&protocolLen) {
		return ErrUnexpectedEndOfBuffer
	}
	m.ChannelType = ChannelType(channelType)
	if !m.ChannelType.valid() {
		return fmt.Errorf("%w: 0x%02x", ErrInvalidChannelType, channelType)
	}

	var label, protocol []byte
	if !s.ReadBytes(&label, int(labelLen)) || !s.ReadBytes(&protocol, int(protocolLen)) {
		return ErrUnexpectedEndOfBuffer
	}
	m.Label = append([]byte(nil), label...)
	m.Protocol = append([]byte(nil), protocol...)
	return nil
}

// channelAck is DATA_CHANNEL_ACK, the type byte alone.
type channelAck struct{}

func (*channelAck) messageType() messageType           { return messageTypeAck }
func (*channelAck) marshal(*cryptobyte.Builder)        {}
func (*channelAck) unmarshal(*cryptobyte.String) error { return nil }

func marshalMessage(m message) ([]byte, error) {
	if open, ok := m.(*channelOpen); ok && (len(open.Label) > 0xFFFF || len(open.Protocol) > 0xFFFF) {
		return nil, ErrLabelTooLong
	}
	var b cryptobyte.Builder
	b.AddUint8(byte(m.messageType()))
	m.marshal(&b)
	return b.Bytes()
}

func parseMessage(raw []byte) (message, error) {
	s := cryptobyte.String(raw)
	var t uint8
	if !s.ReadUint8(&t) {
		return nil, ErrUnexpectedEndOfBuffer
	}
	switch messageType(t) {
	case messageTypeOpen:
		m := &channelOpen{}
		if err := m.unmarshal(&s); err != nil {
			return nil, err
		}
		return m, nil
	case messageTypeAck:
		return &channelAck{}, nil
	default:
		return nil, fmt.Errorf("%w: %s", ErrInvalidMessageType, messageType(t))
	}
}
