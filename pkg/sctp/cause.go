package sctp

import (
	"encoding/binary"
	"fmt"
)

// ErrorCauseCode identifies an error cause (RFC 4960 Section 3.3.10).
type ErrorCauseCode uint16

const (
	CauseInvalidStreamIdentifier ErrorCauseCode = 1
	CauseMissingMandatoryParam   ErrorCauseCode = 2
	CauseStaleCookie             ErrorCauseCode = 3
	CauseOutOfResource           ErrorCauseCode = 4
	CauseUnresolvableAddress     ErrorCauseCode = 5
	CauseUnrecognizedChunkType   ErrorCauseCode = 6
	CauseInvalidMandatoryParam   ErrorCauseCode = 7
	CauseUnrecognizedParams      ErrorCauseCode = 8
	CauseNoUserData              ErrorCauseCode = 9
	CauseCookieWhileShuttingDown ErrorCauseCode = 10
	CauseRestartWithNewAddresses ErrorCauseCode = 11
	CauseUserInitiatedAbort      ErrorCauseCode = 12
	CauseProtocolViolation       ErrorCauseCode = 13
)

func (c ErrorCauseCode) String() string {
	switch c {
	case CauseInvalidStreamIdentifier:
		return "invalid stream identifier"
	case CauseMissingMandatoryParam:
		return "missing mandatory parameter"
	case CauseStaleCookie:
		return "stale cookie"
	case CauseOutOfResource:
		return "out of resource"
	case CauseUnresolvableAddress:
		return "unresolvable address"
	case CauseUnrecognizedChunkType:
		return "unrecognized chunk type"
	case CauseInvalidMandatoryParam:
		return "invalid mandatory parameter"
	case CauseUnrecognizedParams:
		return "unrecognized parameters"
	case CauseNoUserData:
		return "no user data"
	case CauseCookieWhileShuttingDown:
		return "cookie received while shutting down"
	case CauseRestartWithNewAddresses:
		return "restart with new addresses"
	case CauseUserInitiatedAbort:
		return "user initiated abort"
	case CauseProtocolViolation:
		return "protocol violation"
	default:
		return fmt.Sprintf("cause(%d)", uint16(c))
	}
}

// textInfo reports whether the cause info is human-readable text.
func (c ErrorCauseCode) textInfo() bool {
	return c == CauseUserInitiatedAbort || c == CauseProtocolViolation
}

const causeHeaderSize = 4

func marshalCauses(causes []*ErrorCause) []byte {
	var out []byte
	for _, c := range causes {
		hdr := make([]byte, causeHeaderSize)
		binary.BigEndian.PutUint16(hdr, uint16(c.Code))
		binary.BigEndian.PutUint16(hdr[2:], uint16(causeHeaderSize+len(c.Info)))
		out = append(out, hdr...)
		out = append(out, c.Info...)
		out = append(out, make([]byte, padding(len(c.Info)))...)
	}
	return out
}

func unmarshalCauses(b []byte) ([]*ErrorCause, error) {
	var out []*ErrorCause
	for len(b) >= causeHeaderSize {
		code := binary.BigEndian.Uint16(b)
		n := int(binary.BigEndian.Uint16(b[2:]))
		if n < causeHeaderSize || n > len(b) {
			return nil, errCauseTooShort
		}
		out = append(out, &ErrorCause{
			Code: ErrorCauseCode(code),
			Info: append([]byte(nil), b[causeHeaderSize:n]...),
		})
		n += padding(n)
		if n > len(b) {
			break
		}
		b = b[n:]
	}
	return out, nil
}
