// Package stun implements the STUN message codec (RFC 5389/8489): the 20-byte
// header, TLV attributes, MESSAGE-INTEGRITY with short- and long-term keys,
// FINGERPRINT, the ICE attributes of RFC 8445, STUN/TURN URIs (RFC 7064/7065)
// and a retransmitting client transaction table.
//
// A Message keeps its wire form in Raw. Setters append attributes directly to
// Raw, so integrity and fingerprint are computed over exactly the bytes that
// will be sent.
package stun

import (
	"bytes"
	"crypto/rand"
	"encoding/binary"
	"encoding/hex"
	"fmt"
	"io"
)

const (
	// MagicCookie is the fixed value in every STUN header.
	MagicCookie uint32 = 0x2112A442

	// HeaderSize is the size of the STUN header in bytes.
	HeaderSize = 20

	// TransactionIDSize is the size of the transaction ID in bytes.
	TransactionIDSize = 12

	attributeHeaderSize = 4
	defaultRawCapacity  = 120
)

// TransactionID identifies a STUN transaction.
type TransactionID [TransactionIDSize]byte

// String returns the hex form of the ID.
func (id TransactionID) String() string {
	return hex.EncodeToString(id[:])
}

// NewTransactionID returns a cryptographically random transaction ID.
func NewTransactionID() TransactionID {
	var id TransactionID
	if _, err := io.ReadFull(rand.Reader, id[:]); err != nil {
		panic(fmt.Sprintf("stun: failed to read random transaction id: %v", err))
	}
	return id
}

// Setter adds something to a message.
type Setter interface {
	AddTo(m *Message) error
}

// Getter reads something from a message.
type Getter interface {
	GetFrom(m *Message) error
}

// Checker verifies something about a message.
type Checker interface {
	Check(m *Message) error
}

// Message is a STUN message. Attribute values alias Raw.
type Message struct {
	Type          MessageType
	Length        uint32 // length of the attributes section
	TransactionID TransactionID
	Attributes    Attributes
	Raw           []byte
}

// New returns an empty message with a preallocated buffer.
func New() *Message {
	return &Message{Raw: make([]byte, HeaderSize, defaultRawCapacity)}
}

// Build resets a new message and applies setters in order.
func Build(setters ...Setter) (*Message, error) {
	m := New()
	if err := m.Build(setters...); err != nil {
		return nil, err
	}
	return m, nil
}

// Build resets m, writes the header and applies setters in order.
// Integrity and fingerprint setters must come last.
func (m *Message) Build(setters ...Setter) error {
	m.Reset()
	m.WriteHeader()
	for _, s := range setters {
		if err := s.AddTo(m); err != nil {
			return err
		}
	}
	return nil
}

// Reset clears the message for reuse.
func (m *Message) Reset() {
	m.Raw = m.Raw[:0]
	m.Length = 0
	m.Attributes = m.Attributes[:0]
}

func (m *Message) grow(n int) {
	if len(m.Raw) >= n {
		return
	}
	if cap(m.Raw) >= n {
		m.Raw = m.Raw[:n]
		return
	}
	m.Raw = append(m.Raw, make([]byte, n-len(m.Raw))...)
}

// WriteHeader writes the header into Raw.
func (m *Message) WriteHeader() {
	m.grow(HeaderSize)
	binary.BigEndian.PutUint16(m.Raw[0:2], m.Type.Value())
	binary.BigEndian.PutUint16(m.Raw[2:4], uint16(m.Length))
	binary.BigEndian.PutUint32(m.Raw[4:8], MagicCookie)
	copy(m.Raw[8:HeaderSize], m.TransactionID[:])
}

// WriteType writes the message type into Raw.
func (m *Message) WriteType() {
	m.grow(2)
	binary.BigEndian.PutUint16(m.Raw[0:2], m.Type.Value())
}

// WriteLength writes the attributes length into Raw.
func (m *Message) WriteLength() {
	m.grow(4)
	binary.BigEndian.PutUint16(m.Raw[2:4], uint16(m.Length))
}

// WriteTransactionID writes the transaction ID into Raw.
func (m *Message) WriteTransactionID() {
	m.grow(HeaderSize)
	copy(m.Raw[8:HeaderSize], m.TransactionID[:])
}

// Add appends an attribute, padding its value to 4 bytes with zeros.
func (m *Message) Add(t AttrType, v []byte) {
	start := HeaderSize + int(m.Length)
	padded := nearestPaddedLength(len(v))
	end := start + attributeHeaderSize + padded

	m.grow(end)
	m.Raw = m.Raw[:end]
	buf := m.Raw[start:end]
	binary.BigEndian.PutUint16(buf[0:2], uint16(t))
	binary.BigEndian.PutUint16(buf[2:4], uint16(len(v)))
	copy(buf[attributeHeaderSize:], v)
	for i := attributeHeaderSize + len(v); i < len(buf); i++ {
		buf[i] = 0
	}

	m.Length += uint32(attributeHeaderSize + padded)
	m.Attributes = append(m.Attributes, RawAttribute{
		Type:   t,
		Length: uint16(len(v)),
		Value:  buf[attributeHeaderSize : attributeHeaderSize+len(v)],
	})
	m.WriteLength()
}

// Get returns the value of the first attribute of type t.
func (m *Message) Get(t AttrType) ([]byte, error) {
	a, ok := m.Attributes.Get(t)
	if !ok {
		return nil, ErrAttributeNotFound
	}
	return a.Value, nil
}

// Contains reports whether the message has an attribute of type t.
func (m *Message) Contains(t AttrType) bool {
	_, ok := m.Attributes.Get(t)
	return ok
}

// Encode rewrites Raw from Type, TransactionID and Attributes.
func (m *Message) Encode() {
	attrs := append(Attributes(nil), m.Attributes...)
	for i := range attrs {
		attrs[i].Value = append([]byte(nil), attrs[i].Value...)
	}
	m.Reset()
	m.WriteHeader()
	for _, a := range attrs {
		m.Add(a.Type, a.Value)
	}
}

// MarshalBinary returns a copy of the wire form.
func (m *Message) MarshalBinary() ([]byte, error) {
	return append([]byte(nil), m.Raw...), nil
}

// UnmarshalBinary copies data into Raw and decodes it.
func (m *Message) UnmarshalBinary(data []byte) error {
	m.Raw = append(m.Raw[:0], data...)
	return m.Decode()
}

// Decode parses Raw into the message fields.
//
// It rejects messages with non-zero leading bits, a wrong magic cookie or a
// length field that does not match len(Raw), and verifies FINGERPRINT when
// present. Unknown comprehension-required attributes produce an
// *UnknownAttributesError after the message has been fully decoded.
func (m *Message) Decode() error {
	buf := m.Raw
	if len(buf) < HeaderSize {
		return ErrMessageTooShort
	}
	if buf[0]&0xC0 != 0 {
		return ErrInvalidLeadingBits
	}
	if binary.BigEndian.Uint32(buf[4:8]) != MagicCookie {
		return ErrInvalidMagicCookie
	}
	size := int(binary.BigEndian.Uint16(buf[2:4]))
	if size%4 != 0 {
		return ErrInvalidLength
	}
	if HeaderSize+size != len(buf) {
		return fmt.Errorf("%w: header says %d, have %d", ErrLengthMismatch, size, len(buf)-HeaderSize)
	}

	m.Type.ReadValue(binary.BigEndian.Uint16(buf[0:2]))
	m.Length = uint32(size)
	copy(m.TransactionID[:], buf[8:HeaderSize])
	m.Attributes = m.Attributes[:0]

	b := buf[HeaderSize:]
	for len(b) > 0 {
		if len(b) < attributeHeaderSize {
			return fmt.Errorf("%w: truncated attribute header", ErrAttributeSizeInvalid)
		}
		a := RawAttribute{
			Type:   AttrType(binary.BigEndian.Uint16(b[0:2])),
			Length: binary.BigEndian.Uint16(b[2:4]),
		}
		padded := nearestPaddedLength(int(a.Length))
		b = b[attributeHeaderSize:]
		if len(b) < padded {
			return fmt.Errorf("%w: %s needs %d bytes, %d left", ErrAttributeSizeInvalid, a.Type, padded, len(b))
		}
		a.Value = b[:a.Length]
		b = b[padded:]
		m.Attributes = append(m.Attributes, a)
	}

	if err := m.checkTrailer(); err != nil {
		return err
	}

	var unknown []AttrType
	for _, a := range m.Attributes {
		if a.Type.Required() && !a.Type.Known() {
			unknown = append(unknown, a.Type)
		}
	}
	if len(unknown) > 0 {
		return &UnknownAttributesError{Types: unknown}
	}
	return nil
}

// checkTrailer enforces the position of MESSAGE-INTEGRITY and FINGERPRINT
// and verifies the fingerprint.
func (m *Message) checkTrailer() error {
	fp, integrity := -1, -1
	for i, a := range m.Attributes {
		switch a.Type {
		case AttrFingerprint:
			if fp < 0 {
				fp = i
			}
		case AttrMessageIntegrity:
			if integrity < 0 {
				integrity = i
			}
		}
	}
	if fp < 0 {
		return nil
	}
	if fp != len(m.Attributes)-1 {
		return ErrFingerprintNotLast
	}
	if integrity > fp {
		return ErrFingerprintBeforeIntegrity
	}
	return Fingerprint.Check(m)
}

// offsetOf returns the Raw offset of the i-th attribute header.
func (m *Message) offsetOf(i int) int {
	off := HeaderSize
	for _, a := range m.Attributes[:i] {
		off += attributeHeaderSize + nearestPaddedLength(int(a.Length))
	}
	return off
}

func (m *Message) indexOf(t AttrType) int {
	for i, a := range m.Attributes {
		if a.Type == t {
			return i
		}
	}
	return -1
}

// Equal reports whether m and b carry the same header and attributes.
func (m *Message) Equal(b *Message) bool {
	if m == nil || b == nil {
		return m == b
	}
	if m.Type != b.Type || m.Length != b.Length || m.TransactionID != b.TransactionID {
		return false
	}
	if len(m.Attributes) != len(b.Attributes) {
		return false
	}
	for i := range m.Attributes {
		x, y := m.Attributes[i], b.Attributes[i]
		if x.Type != y.Type || x.Length != y.Length || !bytes.Equal(x.Value, y.Value) {
			return false
		}
	}
	return true
}

// Clone returns a deep copy of m.
func (m *Message) Clone() *Message {
	c := &Message{
		Type:          m.Type,
		Length:        m.Length,
		TransactionID: m.TransactionID,
		Raw:           append([]byte(nil), m.Raw...),
		Attributes:    make(Attributes, len(m.Attributes)),
	}
	for i, a := range m.Attributes {
		a.Value = append([]byte(nil), a.Value...)
		c.Attributes[i] = a
	}
	return c
}

func (m *Message) String() string {
	return fmt.Sprintf("%s l=%d attrs=%d id=%s", m.Type, m.Length, len(m.Attributes), m.TransactionID)
}

// IsMessage reports whether b looks like a STUN message: at least a header
// long and carrying the magic cookie.
func IsMessage(b []byte) bool {
	return len(b) >= HeaderSize && binary.BigEndian.Uint32(b[4:8]) == MagicCookie
}

// Decode is a convenience wrapper decoding data into a new message.
// data is copied.
func Decode(data []byte) (*Message, error) {
	m := New()
	err := m.UnmarshalBinary(data)
	return m, err
}

func nearestPaddedLength(l int) int {
	return (l + 3) &^ 3
}

// transactionIDSetter sets a fixed transaction ID.
type transactionIDSetter TransactionID

func (t transactionIDSetter) AddTo(m *Message) error {
	m.TransactionID = TransactionID(t)
	m.WriteTransactionID()
	return nil
}

// WithTransactionID sets the transaction ID of the message.
func WithTransactionID(id TransactionID) Setter {
	return transactionIDSetter(id)
}

type randomTransactionID struct{}

func (randomTransactionID) AddTo(m *Message) error {
	m.TransactionID = NewTransactionID()
	m.WriteTransactionID()
	return nil
}

// RandomTransactionID sets a fresh random transaction ID.
var RandomTransactionID Setter = randomTransactionID{}
