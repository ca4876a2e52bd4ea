package certificate

import "errors"

var (
	ErrUnsupportedKeyType   = errors.New("certificate: unsupported key type")
	ErrNoCertificate        = errors.New("certificate: no certificate in chain")
	ErrPEMDecode            = errors.New("certificate: no PEM block found")
	ErrKeyMismatch          = errors.New("certificate: private key does not match certificate")
	ErrUnknownHashAlgorithm = errors.New("certificate: unknown fingerprint hash algorithm")
	ErrInvalidFingerprint   = errors.New("certificate: malformed fingerprint")
	ErrFingerprintMismatch  = errors.New("certificate: no fingerprint matches the peer certificate")
	ErrExpired              = errors.New("certificate: expired")
)
