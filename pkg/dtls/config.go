package dtls

import (
	"crypto/x509"
	"fmt"
	"time"

	"github.com/backkem/mediaplane/pkg/certificate"
	"github.com/backkem/mediaplane/pkg/crypto"
	"github.com/backkem/mediaplane/pkg/replay"
	"github.com/pion/logging"
)

const (
	// DefaultMTU keeps a flight under common path MTUs after UDP/IP headers.
	DefaultMTU = 1200

	// DefaultFlightInterval is the initial retransmission timeout.
	DefaultFlightInterval = time.Second

	// MaxFlightInterval caps the doubled retransmission timeout.
	MaxFlightInterval = 60 * time.Second

	minMTU = 128
)

// SRTPProtectionProfile is a use_srtp profile identifier (RFC 5764, RFC 7714).
type SRTPProtectionProfile uint16

const (
	SRTP_AES128_CM_HMAC_SHA1_80 SRTPProtectionProfile = 0x0001 //nolint:revive,stylecheck
	SRTP_AES128_CM_HMAC_SHA1_32 SRTPProtectionProfile = 0x0002 //nolint:revive,stylecheck
	SRTP_AEAD_AES_128_GCM       SRTPProtectionProfile = 0x0007 //nolint:revive,stylecheck
	SRTP_AEAD_AES_256_GCM       SRTPProtectionProfile = 0x0008 //nolint:revive,stylecheck
)

func (p SRTPProtectionProfile) String() string {
	switch p {
	case SRTP_AES128_CM_HMAC_SHA1_80:
		return "SRTP_AES128_CM_HMAC_SHA1_80"
	case SRTP_AES128_CM_HMAC_SHA1_32:
		return "SRTP_AES128_CM_HMAC_SHA1_32"
	case SRTP_AEAD_AES_128_GCM:
		return "SRTP_AEAD_AES_128_GCM"
	case SRTP_AEAD_AES_256_GCM:
		return "SRTP_AEAD_AES_256_GCM"
	default:
		return fmt.Sprintf("SRTPProtectionProfile(0x%04x)", uint16(p))
	}
}

func (p SRTPProtectionProfile) valid() bool {
	switch p {
	case SRTP_AES128_CM_HMAC_SHA1_80, SRTP_AES128_CM_HMAC_SHA1_32,
		SRTP_AEAD_AES_128_GCM, SRTP_AEAD_AES_256_GCM:
		return true
	}
	return false
}

// ClientAuthType is the server's policy for client certificates.
type ClientAuthType int

const (
	NoClientCert ClientAuthType = iota
	RequestClientCert
	RequireAnyClientCert
	VerifyClientCertIfGiven
	RequireAndVerifyClientCert
)

// ExtendedMasterSecretType controls RFC 7627 negotiation. The zero value
// requires it.
type ExtendedMasterSecretType int

const (
	RequireExtendedMasterSecret ExtendedMasterSecretType = iota
	RequestExtendedMasterSecret
	DisableExtendedMasterSecret
)

// PSKCallback returns the pre-shared key for the peer's identity (server)
// or for the server's identity hint (client).
type PSKCallback func(hint []byte) ([]byte, error)

// Config configures a client or server Conn. A Config may be shared by
// several Conns but must not be modified afterwards.
type Config struct {
	// Certificates authenticate this endpoint. The first one is used.
	Certificates []*certificate.Certificate

	// CipherSuites in preference order. Defaults to every supported
	// certificate suite, or every PSK suite when PSK is set.
	CipherSuites []CipherSuiteID

	// SignatureSchemes accepted and used for signing.
	SignatureSchemes []SignatureScheme

	// SRTPProtectionProfiles offered or accepted through use_srtp.
	SRTPProtectionProfiles []SRTPProtectionProfile

	// ClientAuth is the server's client certificate policy.
	ClientAuth ClientAuthType

	// ExtendedMasterSecret defaults to RequireExtendedMasterSecret.
	ExtendedMasterSecret ExtendedMasterSecretType

	// InsecureSkipVerify skips chain validation against RootCAs. Peers
	// with self-signed certificates pin them in VerifyPeerCertificate.
	InsecureSkipVerify bool

	// VerifyPeerCertificate is called with the peer's raw chain and, when
	// chain validation ran, the verified chains.
	VerifyPeerCertificate func(rawCerts [][]byte, verifiedChains [][]*x509.Certificate) error

	RootCAs    *x509.CertPool
	ClientCAs  *x509.CertPool
	ServerName string

	// PSK enables the PSK suites. PSKIdentityHint is the server's hint or
	// the client's identity.
	PSK             PSKCallback
	PSKIdentityHint []byte

	// EllipticCurves in preference order. Default X25519, P-256, P-384.
	EllipticCurves []crypto.NamedCurve

	// MTU bounds each datagram. Default 1200.
	MTU int

	// ReplayProtectionWindow is the record replay window. Default 64.
	ReplayProtectionWindow int

	// FlightInterval is the initial retransmission timeout. Default 1s.
	FlightInterval time.Duration

	// CookieSecret keys the stateless HelloVerifyRequest cookie. Random
	// when empty.
	CookieSecret []byte

	LoggerFactory logging.LoggerFactory
}

var defaultCurves = []crypto.NamedCurve{crypto.NamedCurveX25519, crypto.NamedCurveP256, crypto.NamedCurveP384}

// validate fills defaults into a copy of c.
func (c *Config) validate(isClient bool) (*Config, error) {
	if c == nil {
		return nil, ErrNoConfigProvided
	}
	cfg := *c

	if cfg.PSK != nil && len(cfg.Certificates) > 0 {
		return nil, ErrPSKAndCertificate
	}
	if cfg.PSK == nil && len(cfg.Certificates) == 0 && !isClient {
		return nil, ErrNoCertificates
	}
	if cfg.PSK != nil && isClient && len(cfg.PSKIdentityHint) == 0 {
		return nil, ErrPSKAndIdentityMustBeSet
	}
	for _, cert := range cfg.Certificates {
		if cert == nil || len(cert.Chain) == 0 || cert.PrivateKey == nil {
			return nil, ErrNoCertificates
		}
	}

	if len(cfg.CipherSuites) == 0 {
		for _, s := range cipherSuites {
			cfg.CipherSuites = append(cfg.CipherSuites, s.id)
		}
	}
	var usable []CipherSuiteID
	for _, id := range cfg.CipherSuites {
		s := cipherSuiteForID(id)
		if s == nil {
			return nil, fmt.Errorf("%w: %s", ErrInvalidCipherSuite, id)
		}
		if (s.kx == keyExchangePSK) != (cfg.PSK != nil) {
			continue
		}
		if !isClient && !cfg.certificateFits(s) {
			continue
		}
		usable = append(usable, id)
	}
	if len(usable) == 0 {
		return nil, ErrInvalidCipherSuite
	}
	cfg.CipherSuites = usable

	if len(cfg.SignatureSchemes) == 0 {
		cfg.SignatureSchemes = defaultSignatureSchemes
	}
	if len(cfg.EllipticCurves) == 0 {
		cfg.EllipticCurves = defaultCurves
	}
	for _, p := range cfg.SRTPProtectionProfiles {
		if !p.valid() {
			return nil, fmt.Errorf("%w: %s", ErrInvalidSRTPProfile, p)
		}
	}

	if cfg.MTU == 0 {
		cfg.MTU = DefaultMTU
	}
	if cfg.MTU < minMTU {
		return nil, ErrInvalidMTU
	}
	if cfg.ReplayProtectionWindow <= 0 {
		cfg.ReplayProtectionWindow = replay.DefaultWindowSize
	}
	if cfg.FlightInterval <= 0 {
		cfg.FlightInterval = DefaultFlightInterval
	}
	if cfg.LoggerFactory == nil {
		cfg.LoggerFactory = logging.NewDefaultLoggerFactory()
	}
	return &cfg, nil
}

// certificateFits reports whether the configured certificate can
// authenticate suite s.
func (c *Config) certificateFits(s *cipherSuite) bool {
	if s.auth == authNone {
		return true
	}
	if len(c.Certificates) == 0 {
		return false
	}
	switch c.Certificates[0].Leaf().PublicKeyAlgorithm {
	case x509.ECDSA:
		return s.auth == authECDSA
	case x509.RSA:
		return s.auth == authRSA
	}
	return false
}
