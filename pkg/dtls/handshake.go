package dtls

import (
	"fmt"

	"github.com/backkem/mediaplane/pkg/crypto"
	"golang.org/x/crypto/cryptobyte"
)

type handshakeType uint8

const (
	handshakeTypeHelloRequest       handshakeType = 0
	handshakeTypeClientHello        handshakeType = 1
	handshakeTypeServerHello        handshakeType = 2
	handshakeTypeHelloVerifyRequest handshakeType = 3
	handshakeTypeCertificate        handshakeType = 11
	handshakeTypeServerKeyExchange  handshakeType = 12
	handshakeTypeCertificateRequest handshakeType = 13
	handshakeTypeServerHelloDone    handshakeType = 14
	handshakeTypeCertificateVerify  handshakeType = 15
	handshakeTypeClientKeyExchange  handshakeType = 16
	handshakeTypeFinished           handshakeType = 20
)

func (t handshakeType) String() string {
	switch t {
	case handshakeTypeHelloRequest:
		return "HelloRequest"
	case handshakeTypeClientHello:
		return "ClientHello"
	case handshakeTypeServerHello:
		return "ServerHello"
	case handshakeTypeHelloVerifyRequest:
		return "HelloVerifyRequest"
	case handshakeTypeCertificate:
		return "Certificate"
	case handshakeTypeServerKeyExchange:
		return "ServerKeyExchange"
	case handshakeTypeCertificateRequest:
		return "CertificateRequest"
	case handshakeTypeServerHelloDone:
		return "ServerHelloDone"
	case handshakeTypeCertificateVerify:
		return "CertificateVerify"
	case handshakeTypeClientKeyExchange:
		return "ClientKeyExchange"
	case handshakeTypeFinished:
		return "Finished"
	default:
		return fmt.Sprintf("handshakeType(%d)", uint8(t))
	}
}

const (
	handshakeHeaderSize = 12
	randomLength        = 32
	maxCookieLength     = 255
	maxSessionIDLength  = 32
)

// handshakeHeader is the DTLS handshake message header. A message may span
// several fragments that share type, length and message_seq.
type handshakeHeader struct {
	typ            handshakeType
	length         uint32
	messageSeq     uint16
	fragmentOffset uint32
	fragmentLength uint32
}

func (h *handshakeHeader) marshal(b []byte) {
	b[0] = byte(h.typ)
	putUint24(b[1:], h.length)
	b[4] = byte(h.messageSeq >> 8)
	b[5] = byte(h.messageSeq)
	putUint24(b[6:], h.fragmentOffset)
	putUint24(b[9:], h.fragmentLength)
}

func (h *handshakeHeader) unmarshal(b []byte) error {
	if len(b) < handshakeHeaderSize {
		return errBufferTooSmall
	}
	h.typ = handshakeType(b[0])
	h.length = uint24(b[1:])
	h.messageSeq = uint16(b[4])<<8 | uint16(b[5])
	h.fragmentOffset = uint24(b[6:])
	h.fragmentLength = uint24(b[9:])
	if h.fragmentOffset+h.fragmentLength > h.length {
		return errInvalidHandshake
	}
	return nil
}

// handshake is a reassembled handshake message.
type handshake struct {
	typ        handshakeType
	epoch      uint16
	messageSeq uint16
	body       []byte
}

// raw returns the message as a single unfragmented fragment, the form that
// enters the transcript.
func (m *handshake) raw() []byte {
	out := make([]byte, handshakeHeaderSize+len(m.body))
	h := handshakeHeader{
		typ:            m.typ,
		length:         uint32(len(m.body)),
		messageSeq:     m.messageSeq,
		fragmentLength: uint32(len(m.body)),
	}
	h.marshal(out)
	copy(out[handshakeHeaderSize:], m.body)
	return out
}

// clientHello is the ClientHello body.
type clientHello struct {
	version            ProtocolVersion
	random             [randomLength]byte
	sessionID          []byte
	cookie             []byte
	cipherSuites       []CipherSuiteID
	compressionMethods []byte
	extensions         helloExtensions
}

func (m *clientHello) marshal() ([]byte, error) {
	var b cryptobyte.Builder
	b.AddUint8(m.version.Major)
	b.AddUint8(m.version.Minor)
	b.AddBytes(m.random[:])
	b.AddUint8LengthPrefixed(func(b *cryptobyte.Builder) { b.AddBytes(m.sessionID) })
	b.AddUint8LengthPrefixed(func(b *cryptobyte.Builder) { b.AddBytes(m.cookie) })
	b.AddUint16LengthPrefixed(func(b *cryptobyte.Builder) {
		for _, s := range m.cipherSuites {
			b.AddUint16(uint16(s))
		}
	})
	b.AddUint8LengthPrefixed(func(b *cryptobyte.Builder) { b.AddBytes(m.compressionMethods) })
	m.extensions.marshal(&b)
	return b.Bytes()
}

func (m *clientHello) unmarshal(data []byte) error {
	s := cryptobyte.String(data)
	var random, sessionID, cookie, suites, compression []byte
	var suiteList cryptobyte.String
	if !s.ReadUint8(&m.version.Major) || !s.ReadUint8(&m.version.Minor) ||
		!s.ReadBytes(&random, randomLength) ||
		!readUint8Prefixed(&s, &sessionID) ||
		!readUint8Prefixed(&s, &cookie) ||
		!s.ReadUint16LengthPrefixed(&suiteList) ||
		!readUint8Prefixed(&s, &compression) {
		return errInvalidHandshake
	}
	if len(sessionID) > maxSessionIDLength {
		return errInvalidHandshake
	}
	copy(m.random[:], random)
	m.sessionID = sessionID
	m.cookie = cookie
	m.compressionMethods = compression

	suites = suiteList
	if len(suites)%2 != 0 {
		return errInvalidHandshake
	}
	m.cipherSuites = m.cipherSuites[:0]
	for i := 0; i < len(suites); i += 2 {
		m.cipherSuites = append(m.cipherSuites, CipherSuiteID(uint16(suites[i])<<8|uint16(suites[i+1])))
	}
	return m.extensions.unmarshal(&s)
}

// serverHello is the ServerHello body.
type serverHello struct {
	version           ProtocolVersion
	random            [randomLength]byte
	sessionID         []byte
	cipherSuite       CipherSuiteID
	compressionMethod byte
	extensions        helloExtensions
}

func (m *serverHello) marshal() ([]byte, error) {
	var b cryptobyte.Builder
	b.AddUint8(m.version.Major)
	b.AddUint8(m.version.Minor)
	b.AddBytes(m.random[:])
	b.AddUint8LengthPrefixed(func(b *cryptobyte.Builder) { b.AddBytes(m.sessionID) })
	b.AddUint16(uint16(m.cipherSuite))
	b.AddUint8(m.compressionMethod)
	m.extensions.marshal(&b)
	return b.Bytes()
}

func (m *serverHello) unmarshal(data []byte) error {
	s := cryptobyte.String(data)
	var random, sessionID []byte
	var suite uint16
	if !s.ReadUint8(&m.version.Major) || !s.ReadUint8(&m.version.Minor) ||
		!s.ReadBytes(&random, randomLength) ||
		!readUint8Prefixed(&s, &sessionID) ||
		!s.ReadUint16(&suite) ||
		!s.ReadUint8(&m.compressionMethod) {
		return errInvalidHandshake
	}
	copy(m.random[:], random)
	m.sessionID = sessionID
	m.cipherSuite = CipherSuiteID(suite)
	return m.extensions.unmarshal(&s)
}

// helloVerifyRequest carries the stateless cookie.
type helloVerifyRequest struct {
	version ProtocolVersion
	cookie  []byte
}

func (m *helloVerifyRequest) marshal() ([]byte, error) {
	var b cryptobyte.Builder
	b.AddUint8(m.version.Major)
	b.AddUint8(m.version.Minor)
	b.AddUint8LengthPrefixed(func(b *cryptobyte.Builder) { b.AddBytes(m.cookie) })
	return b.Bytes()
}

func (m *helloVerifyRequest) unmarshal(data []byte) error {
	s := cryptobyte.String(data)
	if !s.ReadUint8(&m.version.Major) || !s.ReadUint8(&m.version.Minor) ||
		!readUint8Prefixed(&s, &m.cookie) || !s.Empty() {
		return errInvalidHandshake
	}
	return nil
}

// certificateMsg carries a DER chain, leaf first.
type certificateMsg struct {
	chain [][]byte
}

func (m *certificateMsg) marshal() ([]byte, error) {
	var b cryptobyte.Builder
	b.AddUint24LengthPrefixed(func(b *cryptobyte.Builder) {
		for _, c := range m.chain {
			b.AddUint24LengthPrefixed(func(b *cryptobyte.Builder) { b.AddBytes(c) })
		}
	})
	return b.Bytes()
}

func (m *certificateMsg) unmarshal(data []byte) error {
	s := cryptobyte.String(data)
	var list cryptobyte.String
	if !s.ReadUint24LengthPrefixed(&list) || !s.Empty() {
		return errInvalidHandshake
	}
	m.chain = nil
	for !list.Empty() {
		var cert cryptobyte.String
		if !list.ReadUint24LengthPrefixed(&cert) || cert.Empty() {
			return errInvalidHandshake
		}
		m.chain = append(m.chain, append([]byte(nil), cert...))
	}
	return nil
}

const ellipticCurveTypeNamedCurve = 3

// serverKeyExchange holds either ECDHE parameters with their signature or
// a PSK identity hint.
type serverKeyExchange struct {
	psk          bool
	identityHint []byte

	curve     crypto.NamedCurve
	publicKey []byte
	scheme    SignatureScheme
	signature []byte
}

// params returns the signed ServerECDHParams.
func (m *serverKeyExchange) params() []byte {
	out := make([]byte, 4+len(m.publicKey))
	out[0] = ellipticCurveTypeNamedCurve
	out[1] = byte(m.curve >> 8)
	out[2] = byte(m.curve)
	out[3] = byte(len(m.publicKey))
	copy(out[4:], m.publicKey)
	return out
}

func (m *serverKeyExchange) marshal() ([]byte, error) {
	var b cryptobyte.Builder
	if m.psk {
		b.AddUint16LengthPrefixed(func(b *cryptobyte.Builder) { b.AddBytes(m.identityHint) })
		return b.Bytes()
	}
	b.AddBytes(m.params())
	b.AddUint16(uint16(m.scheme))
	b.AddUint16LengthPrefixed(func(b *cryptobyte.Builder) { b.AddBytes(m.signature) })
	return b.Bytes()
}

func (m *serverKeyExchange) unmarshal(data []byte) error {
	s := cryptobyte.String(data)
	if m.psk {
		var hint cryptobyte.String
		if !s.ReadUint16LengthPrefixed(&hint) || !s.Empty() {
			return errInvalidHandshake
		}
		m.identityHint = append([]byte(nil), hint...)
		return nil
	}

	var curveType uint8
	var curve, scheme uint16
	var pub, sig cryptobyte.String
	if !s.ReadUint8(&curveType) || curveType != ellipticCurveTypeNamedCurve ||
		!s.ReadUint16(&curve) ||
		!s.ReadUint8LengthPrefixed(&pub) ||
		!s.ReadUint16(&scheme) ||
		!s.ReadUint16LengthPrefixed(&sig) || !s.Empty() {
		return errInvalidHandshake
	}
	m.curve = crypto.NamedCurve(curve)
	m.publicKey = append([]byte(nil), pub...)
	m.scheme = SignatureScheme(scheme)
	m.signature = append([]byte(nil), sig...)
	return nil
}

// certificateRequest asks the client for a certificate.
type certificateRequest struct {
	certificateTypes []byte
	schemes          []SignatureScheme
	authorities      [][]byte
}

func (m *certificateRequest) marshal() ([]byte, error) {
	var b cryptobyte.Builder
	b.AddUint8LengthPrefixed(func(b *cryptobyte.Builder) { b.AddBytes(m.certificateTypes) })
	b.AddUint16LengthPrefixed(func(b *cryptobyte.Builder) {
		for _, s := range m.schemes {
			b.AddUint16(uint16(s))
		}
	})
	b.AddUint16LengthPrefixed(func(b *cryptobyte.Builder) {
		for _, ca := range m.authorities {
			b.AddUint16LengthPrefixed(func(b *cryptobyte.Builder) { b.AddBytes(ca) })
		}
	})
	return b.Bytes()
}

func (m *certificateRequest) unmarshal(data []byte) error {
	s := cryptobyte.String(data)
	var types []byte
	var schemes, cas cryptobyte.String
	if !readUint8Prefixed(&s, &types) ||
		!s.ReadUint16LengthPrefixed(&schemes) ||
		!s.ReadUint16LengthPrefixed(&cas) || !s.Empty() {
		return errInvalidHandshake
	}
	m.certificateTypes = types
	m.schemes = nil
	for !schemes.Empty() {
		var v uint16
		if !schemes.ReadUint16(&v) {
			return errInvalidHandshake
		}
		m.schemes = append(m.schemes, SignatureScheme(v))
	}
	m.authorities = nil
	for !cas.Empty() {
		var dn cryptobyte.String
		if !cas.ReadUint16LengthPrefixed(&dn) {
			return errInvalidHandshake
		}
		m.authorities = append(m.authorities, append([]byte(nil), dn...))
	}
	return nil
}

// clientKeyExchange holds the client's ECDHE public key or PSK identity.
type clientKeyExchange struct {
	psk       bool
	identity  []byte
	publicKey []byte
}

func (m *clientKeyExchange) marshal() ([]byte, error) {
	var b cryptobyte.Builder
	if m.psk {
		b.AddUint16LengthPrefixed(func(b *cryptobyte.Builder) { b.AddBytes(m.identity) })
	} else {
		b.AddUint8LengthPrefixed(func(b *cryptobyte.Builder) { b.AddBytes(m.publicKey) })
	}
	return b.Bytes()
}

func (m *clientKeyExchange) unmarshal(data []byte) error {
	s := cryptobyte.String(data)
	var v cryptobyte.String
	if m.psk {
		if !s.ReadUint16LengthPrefixed(&v) || !s.Empty() {
			return errInvalidHandshake
		}
		m.identity = append([]byte(nil), v...)
		return nil
	}
	if !s.ReadUint8LengthPrefixed(&v) || v.Empty() || !s.Empty() {
		return errInvalidHandshake
	}
	m.publicKey = append([]byte(nil), v...)
	return nil
}

// certificateVerify proves possession of the client key.
type certificateVerify struct {
	scheme    SignatureScheme
	signature []byte
}

func (m *certificateVerify) marshal() ([]byte, error) {
	var b cryptobyte.Builder
	b.AddUint16(uint16(m.scheme))
	b.AddUint16LengthPrefixed(func(b *cryptobyte.Builder) { b.AddBytes(m.signature) })
	return b.Bytes()
}

func (m *certificateVerify) unmarshal(data []byte) error {
	s := cryptobyte.String(data)
	var scheme uint16
	var sig cryptobyte.String
	if !s.ReadUint16(&scheme) || !s.ReadUint16LengthPrefixed(&sig) || !s.Empty() {
		return errInvalidHandshake
	}
	m.scheme = SignatureScheme(scheme)
	m.signature = append([]byte(nil), sig...)
	return nil
}

func readUint8Prefixed(s *cryptobyte.String, out *[]byte) bool {
	var v cryptobyte.String
	if !s.ReadUint8LengthPrefixed(&v) {
		return false
	}
	*out = append([]byte(nil), v...)
	return true
}
