package stun

import "fmt"

// ErrorCode is a STUN error code (RFC 5389 Section 15.6).
type ErrorCode int

// Error codes used by ICE and TURN.
const (
	CodeTryAlternate     ErrorCode = 300
	CodeBadRequest       ErrorCode = 400
	CodeUnauthorized     ErrorCode = 401
	CodeForbidden        ErrorCode = 403
	CodeUnknownAttribute ErrorCode = 420
	CodeAllocMismatch    ErrorCode = 437
	CodeStaleNonce       ErrorCode = 438
	CodeRoleConflict     ErrorCode = 487
	CodeServerError      ErrorCode = 500
	CodeInsufficientCap  ErrorCode = 508
)

var errorReasons = map[ErrorCode]string{
	CodeTryAlternate:     "Try Alternate",
	CodeBadRequest:       "Bad Request",
	CodeUnauthorized:     "Unauthorized",
	CodeForbidden:        "Forbidden",
	CodeUnknownAttribute: "Unknown Attribute",
	CodeAllocMismatch:    "Allocation Mismatch",
	CodeStaleNonce:       "Stale Nonce",
	CodeRoleConflict:     "Role Conflict",
	CodeServerError:      "Server Error",
	CodeInsufficientCap:  "Insufficient Capacity",
}

// AddTo appends ERROR-CODE with the default reason phrase.
func (c ErrorCode) AddTo(m *Message) error {
	return ErrorCodeAttribute{Code: c, Reason: errorReasons[c]}.AddTo(m)
}

const (
	errorCodeHeaderSize = 4
	maxReasonB          = 763
)

// ErrorCodeAttribute is the ERROR-CODE attribute. It doubles as the error
// returned to callers whose transaction ended in an error response.
type ErrorCodeAttribute struct {
	Code   ErrorCode
	Reason string
}

func (e ErrorCodeAttribute) Error() string {
	return fmt.Sprintf("stun: error response %d: %s", e.Code, e.Reason)
}

func (e ErrorCodeAttribute) String() string {
	return fmt.Sprintf("%d: %s", e.Code, e.Reason)
}

// AddTo appends the attribute.
func (e ErrorCodeAttribute) AddTo(m *Message) error {
	class := int(e.Code) / 100
	if class < 3 || class > 6 {
		return ErrInvalidErrorClass
	}
	if err := checkOverflow(AttrErrorCode, len(e.Reason), maxReasonB); err != nil {
		return err
	}
	v := make([]byte, errorCodeHeaderSize+len(e.Reason))
	v[2] = byte(class)
	v[3] = byte(int(e.Code) % 100)
	copy(v[errorCodeHeaderSize:], e.Reason)
	m.Add(AttrErrorCode, v)
	return nil
}

// GetFrom decodes the attribute.
func (e *ErrorCodeAttribute) GetFrom(m *Message) error {
	v, err := m.Get(AttrErrorCode)
	if err != nil {
		return err
	}
	if len(v) < errorCodeHeaderSize {
		return &AttrLengthError{Attr: AttrErrorCode, Got: len(v), Expected: errorCodeHeaderSize}
	}
	class := int(v[2] & 0x07)
	number := int(v[3])
	if class < 3 || class > 6 || number > 99 {
		return ErrInvalidErrorClass
	}
	e.Code = ErrorCode(class*100 + number)
	e.Reason = string(v[errorCodeHeaderSize:])
	return nil
}

// UnknownAttributes is the UNKNOWN-ATTRIBUTES attribute.
type UnknownAttributes []AttrType

// AddTo appends the attribute.
func (u UnknownAttributes) AddTo(m *Message) error {
	v := make([]byte, 2*len(u))
	for i, t := range u {
		v[2*i] = byte(t >> 8)
		v[2*i+1] = byte(t)
	}
	m.Add(AttrUnknownAttributes, v)
	return nil
}

// GetFrom decodes the attribute.
func (u *UnknownAttributes) GetFrom(m *Message) error {
	v, err := m.Get(AttrUnknownAttributes)
	if err != nil {
		return err
	}
	if len(v)%2 != 0 {
		return fmt.Errorf("%w: odd UNKNOWN-ATTRIBUTES length %d", ErrAttributeSizeInvalid, len(v))
	}
	out := make(UnknownAttributes, 0, len(v)/2)
	for i := 0; i+1 < len(v); i += 2 {
		out = append(out, AttrType(uint16(v[i])<<8|uint16(v[i+1])))
	}
	*u = out
	return nil
}

// UnknownAttributesResponse builds the 420 error response to req echoing
// types, as required when a request carries comprehension-required
// attributes the receiver does not understand.
func UnknownAttributesResponse(req *Message, types []AttrType, extra ...Setter) (*Message, error) {
	setters := []Setter{
		NewType(req.Type.Method, ClassErrorResponse),
		WithTransactionID(req.TransactionID),
		CodeUnknownAttribute,
		UnknownAttributes(types),
	}
	return Build(append(setters, extra...)...)
}
