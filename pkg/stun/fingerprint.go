package stun

import (
	"encoding/binary"
	"hash/crc32"
)

const (
	fingerprintXORValue uint32 = 0x5354554e
	fingerprintSize            = 4
)

// FingerprintValue returns CRC-32(b) XOR 0x5354554e.
func FingerprintValue(b []byte) uint32 {
	return crc32.ChecksumIEEE(b) ^ fingerprintXORValue
}

// FingerprintAttr is the FINGERPRINT attribute. It must be added last.
type FingerprintAttr struct{}

// Fingerprint adds or checks FINGERPRINT.
var Fingerprint FingerprintAttr

// AddTo appends FINGERPRINT computed over the message so far.
func (FingerprintAttr) AddTo(m *Message) error {
	length := m.Length
	m.Length += attributeHeaderSize + fingerprintSize
	m.WriteLength()
	v := make([]byte, fingerprintSize)
	binary.BigEndian.PutUint32(v, FingerprintValue(m.Raw))
	m.Length = length
	m.Add(AttrFingerprint, v)
	return nil
}

// Check verifies FINGERPRINT, which must be the last attribute.
func (FingerprintAttr) Check(m *Message) error {
	idx := m.indexOf(AttrFingerprint)
	if idx < 0 {
		return ErrAttributeNotFound
	}
	if idx != len(m.Attributes)-1 {
		return ErrFingerprintNotLast
	}
	attr := m.Attributes[idx]
	if err := checkSize(AttrFingerprint, int(attr.Length), fingerprintSize); err != nil {
		return err
	}
	start := m.offsetOf(idx)
	if binary.BigEndian.Uint32(attr.Value) != FingerprintValue(m.Raw[:start]) {
		return ErrFingerprintMismatch
	}
	return nil
}
