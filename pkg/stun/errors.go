package stun

import (
	"errors"
	"fmt"
	"strings"
)

// STUN codec errors.
var (
	// Header decoding errors
	ErrMessageTooShort       = errors.New("stun: message too short")
	ErrInvalidLeadingBits    = errors.New("stun: leading two bits of message type are not zero")
	ErrInvalidMagicCookie    = errors.New("stun: invalid magic cookie")
	ErrInvalidLength         = errors.New("stun: message length is not a multiple of 4")
	ErrLengthMismatch        = errors.New("stun: length field does not match message size")
	ErrAttributeSizeInvalid  = errors.New("stun: attribute size invalid")
	ErrAttributeSizeOverflow = errors.New("stun: attribute size overflow")

	// Attribute lookup errors
	ErrAttributeNotFound = errors.New("stun: attribute not found")
	ErrBadIPLength       = errors.New("stun: invalid IP length")
	ErrBadAddressFamily  = errors.New("stun: unsupported address family")
	ErrInvalidErrorClass = errors.New("stun: error code class out of range")

	// Integrity errors
	ErrIntegrityMismatch          = errors.New("stun: message integrity mismatch")
	ErrFingerprintMismatch        = errors.New("stun: fingerprint mismatch")
	ErrFingerprintNotLast         = errors.New("stun: fingerprint is not the last attribute")
	ErrFingerprintBeforeIntegrity = errors.New("stun: fingerprint precedes message integrity")

	// Transaction errors
	ErrTransactionExists  = errors.New("stun: transaction already exists")
	ErrTransactionTimeout = errors.New("stun: transaction timed out")
	ErrTransactionStopped = errors.New("stun: transaction stopped")
	ErrClientClosed       = errors.New("stun: transaction client closed")
)

// UnknownAttributesError is returned by Decode when the message carries
// comprehension-required attributes this codec does not understand. The
// message is still fully decoded so the caller can answer with a 420 error
// response echoing Types.
type UnknownAttributesError struct {
	Types []AttrType
}

func (e *UnknownAttributesError) Error() string {
	names := make([]string, len(e.Types))
	for i, t := range e.Types {
		names[i] = t.String()
	}
	return fmt.Sprintf("stun: unknown comprehension-required attributes: %s", strings.Join(names, ", "))
}

// AttrLengthError reports an attribute whose value has the wrong size.
// It unwraps to ErrAttributeSizeInvalid.
type AttrLengthError struct {
	Attr     AttrType
	Got      int
	Expected int
}

func (e *AttrLengthError) Error() string {
	return fmt.Sprintf("stun: attribute %s has length %d, expected %d", e.Attr, e.Got, e.Expected)
}

func (e *AttrLengthError) Unwrap() error {
	return ErrAttributeSizeInvalid
}

func checkSize(t AttrType, got, expected int) error {
	if got == expected {
		return nil
	}
	return &AttrLengthError{Attr: t, Got: got, Expected: expected}
}

func checkOverflow(t AttrType, got, max int) error {
	if got <= max {
		return nil
	}
	return fmt.Errorf("%w: %s has %d bytes, max %d", ErrAttributeSizeOverflow, t, got, max)
}
