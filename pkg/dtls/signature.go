package dtls

import (
	"crypto"
	"crypto/ecdsa"
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"fmt"
)

// SignatureScheme is a TLS 1.2 SignatureAndHashAlgorithm packed as hash<<8|signature.
type SignatureScheme uint16

const (
	ECDSAWithP256AndSHA256 SignatureScheme = 0x0403
	ECDSAWithP384AndSHA384 SignatureScheme = 0x0503
	ECDSAWithP521AndSHA512 SignatureScheme = 0x0603
	PKCS1WithSHA256        SignatureScheme = 0x0401
	PKCS1WithSHA384        SignatureScheme = 0x0501
	PKCS1WithSHA512        SignatureScheme = 0x0601
)

var defaultSignatureSchemes = []SignatureScheme{
	ECDSAWithP256AndSHA256,
	ECDSAWithP384AndSHA384,
	ECDSAWithP521AndSHA512,
	PKCS1WithSHA256,
	PKCS1WithSHA384,
	PKCS1WithSHA512,
}

const (
	signatureRSA   = 1
	signatureECDSA = 3
)

func (s SignatureScheme) String() string {
	switch s {
	case ECDSAWithP256AndSHA256:
		return "ecdsa_secp256r1_sha256"
	case ECDSAWithP384AndSHA384:
		return "ecdsa_secp384r1_sha384"
	case ECDSAWithP521AndSHA512:
		return "ecdsa_secp521r1_sha512"
	case PKCS1WithSHA256:
		return "rsa_pkcs1_sha256"
	case PKCS1WithSHA384:
		return "rsa_pkcs1_sha384"
	case PKCS1WithSHA512:
		return "rsa_pkcs1_sha512"
	default:
		return fmt.Sprintf("SignatureScheme(0x%04x)", uint16(s))
	}
}

func (s SignatureScheme) hash() crypto.Hash {
	switch s >> 8 {
	case 4:
		return crypto.SHA256
	case 5:
		return crypto.SHA384
	case 6:
		return crypto.SHA512
	}
	return 0
}

func (s SignatureScheme) signature() uint8 {
	return uint8(s)
}

// supports reports whether key can produce or check signatures of scheme s.
func (s SignatureScheme) supports(key crypto.PublicKey) bool {
	if s.hash() == 0 {
		return false
	}
	switch key.(type) {
	case *ecdsa.PublicKey:
		return s.signature() == signatureECDSA
	case *rsa.PublicKey:
		return s.signature() == signatureRSA
	}
	return false
}

// selectSignatureScheme picks the first of ours the peer accepts and key can use.
func selectSignatureScheme(ours, peer []SignatureScheme, key crypto.PublicKey) (SignatureScheme, error) {
	for _, s := range ours {
		if !s.supports(key) {
			continue
		}
		for _, p := range peer {
			if s == p {
				return s, nil
			}
		}
	}
	return 0, errNoSharedSignature
}

func sign(signer crypto.Signer, scheme SignatureScheme, msg []byte) ([]byte, error) {
	h := scheme.hash()
	if h == 0 {
		return nil, errNoSharedSignature
	}
	hh := h.New()
	hh.Write(msg)
	return signer.Sign(rand.Reader, hh.Sum(nil), h)
}

func verify(cert *x509.Certificate, scheme SignatureScheme, msg, sig []byte) error {
	h := scheme.hash()
	if h == 0 || !scheme.supports(cert.PublicKey) {
		return errInvalidSignature
	}
	hh := h.New()
	hh.Write(msg)
	digest := hh.Sum(nil)

	switch pub := cert.PublicKey.(type) {
	case *ecdsa.PublicKey:
		if !ecdsa.VerifyASN1(pub, digest, sig) {
			return errInvalidSignature
		}
		return nil
	case *rsa.PublicKey:
		if err := rsa.VerifyPKCS1v15(pub, h, digest, sig); err != nil {
			return errInvalidSignature
		}
		return nil
	}
	return errInvalidSignature
}

// clientCertificateType values for CertificateRequest.
const (
	clientCertTypeRSASign   = 1
	clientCertTypeECDSASign = 64
)
