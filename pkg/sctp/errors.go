package sctp

import (
	"errors"
	"fmt"
)

// API errors.
var (
	ErrNilNetConn          = errors.New("sctp: config has no NetConn")
	ErrAssociationClosed   = errors.New("sctp: association is closed")
	ErrAssociationAborted  = errors.New("sctp: association was aborted")
	ErrHandshakeTimeout    = errors.New("sctp: association setup timed out")
	ErrShutdownTimeout     = errors.New("sctp: shutdown timed out")
	ErrStreamClosed        = errors.New("sctp: stream is closed")
	ErrStreamExists        = errors.New("sctp: stream already exists")
	ErrInvalidStreamID     = errors.New("sctp: stream id exceeds negotiated stream count")
	ErrWouldBlock          = errors.New("sctp: send buffer is full")
	ErrMessageTooLarge     = errors.New("sctp: message exceeds max message size")
	ErrEmptyMessage        = errors.New("sctp: user data must not be empty")
	ErrShortBuffer         = errors.New("sctp: read buffer is too small for the message")
	ErrInvalidReliability  = errors.New("sctp: invalid reliability parameters")
	ErrNotEstablished      = errors.New("sctp: association is not established")
	ErrResetPending        = errors.New("sctp: stream reset already pending")
	ErrRetransmitsExceeded = errors.New("sctp: max retransmissions reached")
)

// Wire errors. Packets failing with these are dropped.
var (
	errPacketTooShort     = errors.New("sctp: packet is too short")
	errChecksumMismatch   = errors.New("sctp: checksum mismatch")
	errChunkTooShort      = errors.New("sctp: chunk is too short")
	errChunkLength        = errors.New("sctp: chunk length exceeds packet")
	errParamTooShort      = errors.New("sctp: parameter is too short")
	errParamLength        = errors.New("sctp: parameter length exceeds chunk")
	errCauseTooShort      = errors.New("sctp: error cause is too short")
	errInitChunkBundled   = errors.New("sctp: INIT chunk must be alone in a packet")
	errInitTagZero        = errors.New("sctp: INIT with zero initiate tag")
	errInitStreamsZero    = errors.New("sctp: INIT with zero stream count")
	errZeroVerification   = errors.New("sctp: INIT must carry a zero verification tag")
	errNoStateCookie      = errors.New("sctp: INIT ACK without state cookie")
	errBadVerificationTag = errors.New("sctp: verification tag mismatch")
	errNoUserData         = errors.New("sctp: DATA chunk without user data")
	errUnknownInflightTSN = errors.New("sctp: SACK references an unknown TSN")
	errCookieTooShort     = errors.New("sctp: state cookie is too short")
	errCookieMAC          = errors.New("sctp: state cookie MAC mismatch")
)

// ErrorCause is an error cause carried by ABORT and ERROR chunks.
type ErrorCause struct {
	Code ErrorCauseCode
	Info []byte
}

func (e *ErrorCause) Error() string {
	if len(e.Info) > 0 && e.Code.textInfo() {
		return fmt.Sprintf("sctp: %s: %s", e.Code, e.Info)
	}
	return fmt.Sprintf("sctp: %s", e.Code)
}
