package crypto

import (
	"crypto/ecdh"
	"crypto/rand"
	"errors"
	"fmt"
	"io"

	"golang.org/x/crypto/curve25519"
)

// NamedCurve is a TLS supported_groups identifier (RFC 8422).
type NamedCurve uint16

const (
	NamedCurveP256   NamedCurve = 0x0017
	NamedCurveP384   NamedCurve = 0x0018
	NamedCurveX25519 NamedCurve = 0x001d
)

// String returns the IANA name of the curve.
func (c NamedCurve) String() string {
	switch c {
	case NamedCurveP256:
		return "secp256r1"
	case NamedCurveP384:
		return "secp384r1"
	case NamedCurveX25519:
		return "x25519"
	default:
		return fmt.Sprintf("NamedCurve(0x%04x)", uint16(c))
	}
}

// IsValid reports whether the curve is supported for ECDHE.
func (c NamedCurve) IsValid() bool {
	switch c {
	case NamedCurveP256, NamedCurveP384, NamedCurveX25519:
		return true
	}
	return false
}

var (
	ErrUnsupportedCurve = errors.New("ecdhe: unsupported named curve")
	ErrInvalidPublicKey = errors.New("ecdhe: invalid peer public key")
)

// KeyShare is an ephemeral ECDHE key pair.
type KeyShare struct {
	Curve      NamedCurve
	PublicKey  []byte // uncompressed point, or 32 bytes for X25519
	privateKey []byte
}

// GenerateKeyShare creates an ephemeral key pair on curve.
func GenerateKeyShare(curve NamedCurve) (*KeyShare, error) {
	return generateKeyShare(curve, rand.Reader)
}

func generateKeyShare(curve NamedCurve, rnd io.Reader) (*KeyShare, error) {
	switch curve {
	case NamedCurveX25519:
		priv := make([]byte, curve25519.ScalarSize)
		if _, err := io.ReadFull(rnd, priv); err != nil {
			return nil, err
		}
		pub, err := curve25519.X25519(priv, curve25519.Basepoint)
		if err != nil {
			return nil, fmt.Errorf("x25519 public key: %w", err)
		}
		return &KeyShare{Curve: curve, PublicKey: pub, privateKey: priv}, nil

	case NamedCurveP256, NamedCurveP384:
		priv, err := ecdhCurve(curve).GenerateKey(rnd)
		if err != nil {
			return nil, fmt.Errorf("failed to generate ECDH key: %w", err)
		}
		return &KeyShare{Curve: curve, PublicKey: priv.PublicKey().Bytes(), privateKey: priv.Bytes()}, nil
	}
	return nil, ErrUnsupportedCurve
}

// SharedSecret computes the ECDHE pre-master secret with the peer's public key.
func (k *KeyShare) SharedSecret(peerPublicKey []byte) ([]byte, error) {
	switch k.Curve {
	case NamedCurveX25519:
		if len(peerPublicKey) != curve25519.PointSize {
			return nil, ErrInvalidPublicKey
		}
		secret, err := curve25519.X25519(k.privateKey, peerPublicKey)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrInvalidPublicKey, err)
		}
		return secret, nil

	case NamedCurveP256, NamedCurveP384:
		c := ecdhCurve(k.Curve)
		priv, err := c.NewPrivateKey(k.privateKey)
		if err != nil {
			return nil, err
		}
		pub, err := c.NewPublicKey(peerPublicKey)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrInvalidPublicKey, err)
		}
		return priv.ECDH(pub)
	}
	return nil, ErrUnsupportedCurve
}

func ecdhCurve(c NamedCurve) ecdh.Curve {
	if c == NamedCurveP384 {
		return ecdh.P384()
	}
	return ecdh.P256()
}
