// Package certificate manages the self-signed certificates a peer presents
// in the DTLS handshake and the fingerprints that pin them in SDP
// (RFC 8122).
package certificate

import (
	"bytes"
	"crypto"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/pem"
	"fmt"
	"math/big"
	"time"

	"github.com/pion/randutil"
)

// KeyType selects the key generated for a new certificate.
type KeyType int

const (
	KeyTypeECDSAP256 KeyType = iota
	KeyTypeRSA2048
)

func (k KeyType) String() string {
	switch k {
	case KeyTypeECDSAP256:
		return "ECDSA-P256"
	case KeyTypeRSA2048:
		return "RSA-2048"
	default:
		return fmt.Sprintf("KeyType(%d)", int(k))
	}
}

// DefaultValidity is the lifetime of generated certificates.
const DefaultValidity = 30 * 24 * time.Hour

const commonNameRunes = "abcdefghijklmnopqrstuvwxyz0123456789"

// Certificate is a private key and the DER chain presented with it. The
// first chain entry is the leaf.
type Certificate struct {
	Chain      [][]byte
	PrivateKey crypto.Signer

	leaf *x509.Certificate
}

// Generate creates a key of type k and a self-signed certificate for it.
func Generate(k KeyType) (*Certificate, error) {
	var (
		key crypto.Signer
		err error
	)
	switch k {
	case KeyTypeECDSAP256:
		key, err = ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	case KeyTypeRSA2048:
		key, err = rsa.GenerateKey(rand.Reader, 2048)
	default:
		return nil, fmt.Errorf("%w: %s", ErrUnsupportedKeyType, k)
	}
	if err != nil {
		return nil, err
	}
	return GenerateWithKey(key)
}

// GenerateWithKey self-signs a certificate for key. Only ECDSA and RSA keys
// can be used in DTLS 1.2.
func GenerateWithKey(key crypto.Signer) (*Certificate, error) {
	var sigAlg x509.SignatureAlgorithm
	switch key.Public().(type) {
	case *ecdsa.PublicKey:
		sigAlg = x509.ECDSAWithSHA256
	case *rsa.PublicKey:
		sigAlg = x509.SHA256WithRSA
	default:
		return nil, fmt.Errorf("%w: %T", ErrUnsupportedKeyType, key.Public())
	}

	serial, err := rand.Int(rand.Reader, new(big.Int).Lsh(big.NewInt(1), 128))
	if err != nil {
		return nil, err
	}
	cn, err := randutil.GenerateCryptoRandomString(16, commonNameRunes)
	if err != nil {
		return nil, err
	}

	now := time.Now()
	template := &x509.Certificate{
		SerialNumber:       serial,
		Subject:            pkix.Name{CommonName: cn},
		NotBefore:          now.Add(-24 * time.Hour),
		NotAfter:           now.Add(DefaultValidity),
		SignatureAlgorithm: sigAlg,
		KeyUsage:           x509.KeyUsageDigitalSignature | x509.KeyUsageCertSign,
		ExtKeyUsage: []x509.ExtKeyUsage{
			x509.ExtKeyUsageClientAuth,
			x509.ExtKeyUsageServerAuth,
		},
		BasicConstraintsValid: true,
	}

	der, err := x509.CreateCertificate(rand.Reader, template, template, key.Public(), key)
	if err != nil {
		return nil, fmt.Errorf("certificate: self-sign: %w", err)
	}
	return New([][]byte{der}, key)
}

// New pairs a DER chain with its private key.
func New(chain [][]byte, key crypto.Signer) (*Certificate, error) {
	if len(chain) == 0 {
		return nil, ErrNoCertificate
	}
	leaf, err := x509.ParseCertificate(chain[0])
	if err != nil {
		return nil, fmt.Errorf("certificate: parse leaf: %w", err)
	}
	if key != nil && !publicKeysEqual(leaf.PublicKey, key.Public()) {
		return nil, ErrKeyMismatch
	}
	return &Certificate{Chain: chain, PrivateKey: key, leaf: leaf}, nil
}

func publicKeysEqual(a, b crypto.PublicKey) bool {
	type equaler interface{ Equal(crypto.PublicKey) bool }
	if e, ok := a.(equaler); ok {
		return e.Equal(b)
	}
	return false
}

// Leaf returns the parsed leaf certificate.
func (c *Certificate) Leaf() *x509.Certificate {
	return c.leaf
}

// Expires returns when the leaf certificate stops being valid.
func (c *Certificate) Expires() time.Time {
	return c.leaf.NotAfter
}

// Valid reports an error if the leaf is outside its validity period at now.
func (c *Certificate) Valid(now time.Time) error {
	if now.After(c.leaf.NotAfter) || now.Before(c.leaf.NotBefore) {
		return fmt.Errorf("%w: valid %s to %s", ErrExpired, c.leaf.NotBefore, c.leaf.NotAfter)
	}
	return nil
}

// Fingerprint hashes the leaf with the named algorithm.
func (c *Certificate) Fingerprint(algorithm string) (Fingerprint, error) {
	return NewFingerprint(algorithm, c.Chain[0])
}

// FromPEM loads a certificate chain and a PKCS#8, SEC 1 or PKCS#1 private
// key.
func FromPEM(certPEM, keyPEM []byte) (*Certificate, error) {
	var chain [][]byte
	rest := certPEM
	for {
		var block *pem.Block
		block, rest = pem.Decode(rest)
		if block == nil {
			break
		}
		if block.Type == "CERTIFICATE" {
			chain = append(chain, block.Bytes)
		}
	}
	if len(chain) == 0 {
		return nil, ErrNoCertificate
	}

	block, _ := pem.Decode(keyPEM)
	if block == nil {
		return nil, ErrPEMDecode
	}
	key, err := parsePrivateKey(block.Bytes)
	if err != nil {
		return nil, err
	}
	return New(chain, key)
}

func parsePrivateKey(der []byte) (crypto.Signer, error) {
	if k, err := x509.ParsePKCS8PrivateKey(der); err == nil {
		switch key := k.(type) {
		case *ecdsa.PrivateKey:
			return key, nil
		case *rsa.PrivateKey:
			return key, nil
		default:
			return nil, fmt.Errorf("%w: %T", ErrUnsupportedKeyType, k)
		}
	}
	if k, err := x509.ParseECPrivateKey(der); err == nil {
		return k, nil
	}
	if k, err := x509.ParsePKCS1PrivateKey(der); err == nil {
		return k, nil
	}
	return nil, fmt.Errorf("%w: unrecognized private key encoding", ErrUnsupportedKeyType)
}

// PEM encodes the chain and the private key (PKCS#8).
func (c *Certificate) PEM() (certPEM, keyPEM []byte, err error) {
	var certs bytes.Buffer
	for _, der := range c.Chain {
		if err := pem.Encode(&certs, &pem.Block{Type: "CERTIFICATE", Bytes: der}); err != nil {
			return nil, nil, err
		}
	}
	der, err := x509.MarshalPKCS8PrivateKey(c.PrivateKey)
	if err != nil {
		return nil, nil, err
	}
	return certs.Bytes(), pem.EncodeToMemory(&pem.Block{Type: "PRIVATE KEY", Bytes: der}), nil
}
