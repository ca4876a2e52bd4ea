package dtls

import (
	"encoding/binary"
	"fmt"
)

// ContentType is the record layer content type.
type ContentType byte

const (
	ContentTypeChangeCipherSpec ContentType = 20
	ContentTypeAlert            ContentType = 21
	ContentTypeHandshake        ContentType = 22
	ContentTypeApplicationData  ContentType = 23
)

func (t ContentType) String() string {
	switch t {
	case ContentTypeChangeCipherSpec:
		return "ChangeCipherSpec"
	case ContentTypeAlert:
		return "Alert"
	case ContentTypeHandshake:
		return "Handshake"
	case ContentTypeApplicationData:
		return "ApplicationData"
	default:
		return fmt.Sprintf("ContentType(%d)", byte(t))
	}
}

// ProtocolVersion is the on-the-wire version.
type ProtocolVersion struct {
	Major, Minor uint8
}

var (
	// VersionDTLS12 is the only version negotiated.
	VersionDTLS12 = ProtocolVersion{0xfe, 0xfd}

	// versionDTLS10 is accepted in the record header of a first ClientHello.
	versionDTLS10 = ProtocolVersion{0xfe, 0xff}
)

const (
	recordHeaderSize = 13
	maxSequence      = 1<<48 - 1

	// maxRecordPayload bounds a plaintext fragment (2^14) plus expansion.
	maxRecordPayload = 1<<14 + 2048
)

// recordHeader is the DTLS 1.2 record header.
type recordHeader struct {
	contentType ContentType
	version     ProtocolVersion
	epoch       uint16
	sequence    uint64 // 48 bits
	length      uint16
}

func (h *recordHeader) marshal(b []byte) {
	b[0] = byte(h.contentType)
	b[1] = h.version.Major
	b[2] = h.version.Minor
	binary.BigEndian.PutUint16(b[3:], h.epoch)
	putUint48(b[5:], h.sequence)
	binary.BigEndian.PutUint16(b[11:], h.length)
}

func (h *recordHeader) unmarshal(b []byte) error {
	if len(b) < recordHeaderSize {
		return errBufferTooSmall
	}
	h.contentType = ContentType(b[0])
	h.version = ProtocolVersion{b[1], b[2]}
	h.epoch = binary.BigEndian.Uint16(b[3:])
	h.sequence = uint48(b[5:])
	h.length = binary.BigEndian.Uint16(b[11:])
	switch h.contentType {
	case ContentTypeChangeCipherSpec, ContentTypeAlert, ContentTypeHandshake, ContentTypeApplicationData:
	default:
		return errInvalidRecord
	}
	if h.version != VersionDTLS12 && h.version != versionDTLS10 {
		return errUnsupportedVersion
	}
	return nil
}

// seqNum is the 64-bit epoch||sequence value used in MACs and nonces.
func (h *recordHeader) seqNum() uint64 {
	return uint64(h.epoch)<<48 | h.sequence
}

// splitRecords cuts a datagram into its records. A truncated trailing
// record invalidates the whole datagram.
func splitRecords(b []byte) ([][]byte, error) {
	var out [][]byte
	for len(b) > 0 {
		if len(b) < recordHeaderSize {
			return nil, errInvalidRecord
		}
		n := recordHeaderSize + int(binary.BigEndian.Uint16(b[11:]))
		if n > len(b) {
			return nil, errInvalidRecord
		}
		out = append(out, b[:n])
		b = b[n:]
	}
	return out, nil
}

func putUint48(b []byte, v uint64) {
	b[0] = byte(v >> 40)
	b[1] = byte(v >> 32)
	b[2] = byte(v >> 24)
	b[3] = byte(v >> 16)
	b[4] = byte(v >> 8)
	b[5] = byte(v)
}

func uint48(b []byte) uint64 {
	return uint64(b[0])<<40 | uint64(b[1])<<32 | uint64(b[2])<<24 |
		uint64(b[3])<<16 | uint64(b[4])<<8 | uint64(b[5])
}

func putUint24(b []byte, v uint32) {
	b[0] = byte(v >> 16)
	b[1] = byte(v >> 8)
	b[2] = byte(v)
}

func uint24(b []byte) uint32 {
	return uint32(b[0])<<16 | uint32(b[1])<<8 | uint32(b[2])
}

// additionalData builds the AEAD additional data and the MAC prefix:
// seq_num(8) || type || version || length.
func additionalData(h *recordHeader, payloadLen int) []byte {
	ad := make([]byte, 13)
	binary.BigEndian.PutUint64(ad, h.seqNum())
	ad[8] = byte(h.contentType)
	ad[9] = h.version.Major
	ad[10] = h.version.Minor
	binary.BigEndian.PutUint16(ad[11:], uint16(payloadLen))
	return ad
}
