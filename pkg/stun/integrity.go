package stun

import (
	"crypto/md5"
	"encoding/binary"
	"strings"

	"github.com/backkem/mediaplane/pkg/crypto"
)

const messageIntegritySize = crypto.SHA1LenBytes

// MessageIntegrity is the HMAC-SHA1 key for MESSAGE-INTEGRITY.
type MessageIntegrity []byte

// NewShortTermIntegrity returns the key for short-term credentials: the
// password itself. ICE uses the remote (or local) ICE password.
func NewShortTermIntegrity(password string) MessageIntegrity {
	return MessageIntegrity(password)
}

// NewLongTermIntegrity returns MD5(username ":" realm ":" password).
func NewLongTermIntegrity(username, realm, password string) MessageIntegrity {
	k := strings.Join([]string{username, realm, password}, ":")
	h := md5.Sum([]byte(k))
	return MessageIntegrity(h[:])
}

// AddTo appends MESSAGE-INTEGRITY computed over everything already in m.
// Only FINGERPRINT may be added after it.
func (i MessageIntegrity) AddTo(m *Message) error {
	length := m.Length
	// The HMAC covers a header whose length already includes this attribute.
	m.Length += attributeHeaderSize + messageIntegritySize
	m.WriteLength()
	v := crypto.HMACSHA1(i, m.Raw)
	m.Length = length
	m.Add(AttrMessageIntegrity, v)
	return nil
}

// Check verifies MESSAGE-INTEGRITY. m.Raw is restored before returning.
func (i MessageIntegrity) Check(m *Message) error {
	idx := m.indexOf(AttrMessageIntegrity)
	if idx < 0 {
		return ErrAttributeNotFound
	}
	attr := m.Attributes[idx]
	if err := checkSize(AttrMessageIntegrity, int(attr.Length), messageIntegritySize); err != nil {
		return err
	}

	start := m.offsetOf(idx)
	end := start + attributeHeaderSize + messageIntegritySize

	saved := binary.BigEndian.Uint16(m.Raw[2:4])
	binary.BigEndian.PutUint16(m.Raw[2:4], uint16(end-HeaderSize))
	expected := crypto.HMACSHA1(i, m.Raw[:start])
	binary.BigEndian.PutUint16(m.Raw[2:4], saved)

	if !crypto.HMACEqual(expected, attr.Value) {
		return ErrIntegrityMismatch
	}
	return nil
}
