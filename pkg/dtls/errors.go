package dtls

import (
	"errors"
	"fmt"
)

// Configuration errors.
var (
	ErrNoConfigProvided        = errors.New("dtls: no config provided")
	ErrNoCertificates          = errors.New("dtls: certificate is required when PSK is not set")
	ErrPSKAndCertificate       = errors.New("dtls: PSK and certificates are mutually exclusive")
	ErrPSKAndIdentityMustBeSet = errors.New("dtls: client PSK requires an identity hint")
	ErrInvalidCipherSuite      = errors.New("dtls: no usable cipher suite")
	ErrInvalidMTU              = errors.New("dtls: MTU is too small")
	ErrInvalidSRTPProfile      = errors.New("dtls: unsupported SRTP protection profile")
)

// Connection errors.
var (
	ErrConnClosed          = errors.New("dtls: conn is closed")
	ErrHandshakeInProgress = errors.New("dtls: handshake is in progress")
	ErrHandshakeTimeout    = errors.New("dtls: handshake timed out")
	ErrReservedExportLabel = errors.New("dtls: export label is reserved")
	ErrContextUnsupported  = errors.New("dtls: exporter context is not supported")
	ErrHandshakeNotDone    = errors.New("dtls: handshake has not completed")
	ErrApplicationDataSize = errors.New("dtls: application data exceeds MTU")
)

// Wire and negotiation errors.
var (
	errBufferTooSmall          = errors.New("dtls: buffer is too small")
	errInvalidRecord           = errors.New("dtls: invalid record")
	errUnsupportedVersion      = errors.New("dtls: unsupported protocol version")
	errInvalidHandshake        = errors.New("dtls: invalid handshake message")
	errInvalidExtension        = errors.New("dtls: invalid extension")
	errDecryptFailed           = errors.New("dtls: record authentication failed")
	errNoSharedCipher          = errors.New("dtls: no shared cipher suite")
	errNoSharedCurve           = errors.New("dtls: no shared elliptic curve")
	errNoSharedSignature       = errors.New("dtls: no shared signature scheme")
	errNoSharedSRTPProfile     = errors.New("dtls: no shared SRTP protection profile")
	errExtendedMasterSecret    = errors.New("dtls: peer did not negotiate extended master secret")
	errVerifyDataMismatch      = errors.New("dtls: Finished verify_data mismatch")
	errInvalidSignature        = errors.New("dtls: invalid signature")
	errClientCertRequired      = errors.New("dtls: client certificate required")
	errNoPeerCertificate       = errors.New("dtls: peer sent no certificate")
	errUnknownPSKIdentity      = errors.New("dtls: unknown PSK identity")
	errUnexpectedMessage       = errors.New("dtls: unexpected handshake message")
	errInvalidCompression      = errors.New("dtls: peer requires compression")
	errServerSelectedUnoffered = errors.New("dtls: server selected a parameter the client did not offer")
)

// AlertError is returned when a fatal alert is sent or received. Remote is
// true when the peer sent it.
type AlertError struct {
	Alert  Alert
	Remote bool
	Cause  error
}

func (e *AlertError) Error() string {
	dir := "local"
	if e.Remote {
		dir = "remote"
	}
	if e.Cause != nil {
		return fmt.Sprintf("dtls: %s alert %s: %v", dir, e.Alert, e.Cause)
	}
	return fmt.Sprintf("dtls: %s alert %s", dir, e.Alert)
}

func (e *AlertError) Unwrap() error {
	return e.Cause
}

// IsFatal reports whether the alert tears down the association.
func (e *AlertError) IsFatal() bool {
	return e.Alert.Level == AlertLevelFatal
}

// fatal builds the local alert for err.
func fatal(desc AlertDescription, err error) *AlertError {
	return &AlertError{Alert: Alert{Level: AlertLevelFatal, Description: desc}, Cause: err}
}
