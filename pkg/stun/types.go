package stun

import "fmt"

// Method is the 12-bit STUN method.
type Method uint16

// Methods from RFC 5389 and RFC 5766.
const (
	MethodBinding          Method = 0x001
	MethodAllocate         Method = 0x003
	MethodRefresh          Method = 0x004
	MethodSend             Method = 0x006
	MethodData             Method = 0x007
	MethodCreatePermission Method = 0x008
	MethodChannelBind      Method = 0x009
)

func (m Method) String() string {
	switch m {
	case MethodBinding:
		return "Binding"
	case MethodAllocate:
		return "Allocate"
	case MethodRefresh:
		return "Refresh"
	case MethodSend:
		return "Send"
	case MethodData:
		return "Data"
	case MethodCreatePermission:
		return "CreatePermission"
	case MethodChannelBind:
		return "ChannelBind"
	default:
		return fmt.Sprintf("0x%x", uint16(m))
	}
}

// Class is the 2-bit STUN message class.
type Class uint8

const (
	ClassRequest         Class = 0x00
	ClassIndication      Class = 0x01
	ClassSuccessResponse Class = 0x02
	ClassErrorResponse   Class = 0x03
)

func (c Class) String() string {
	switch c {
	case ClassRequest:
		return "request"
	case ClassIndication:
		return "indication"
	case ClassSuccessResponse:
		return "success response"
	case ClassErrorResponse:
		return "error response"
	default:
		return fmt.Sprintf("class(%d)", uint8(c))
	}
}

// MessageType is the method and class of a message.
type MessageType struct {
	Method Method
	Class  Class
}

// NewType returns the message type for method and class.
func NewType(method Method, class Class) MessageType {
	return MessageType{Method: method, Class: class}
}

// Common message types.
var (
	BindingRequest    = NewType(MethodBinding, ClassRequest)
	BindingSuccess    = NewType(MethodBinding, ClassSuccessResponse)
	BindingError      = NewType(MethodBinding, ClassErrorResponse)
	BindingIndication = NewType(MethodBinding, ClassIndication)
)

// Bit layout of the 14-bit type field (RFC 5389 Section 6):
//
//	 0                 1
//	 2  3  4 5 6 7 8 9 0 1 2 3 4 5
//	+--+--+-+-+-+-+-+-+-+-+-+-+-+-+
//	|M |M |M|M|M|C|M|M|M|C|M|M|M|M|
//	|11|10|9|8|7|1|6|5|4|0|3|2|1|0|
//	+--+--+-+-+-+-+-+-+-+-+-+-+-+-+
const (
	methodABits = 0x000F // M0-M3
	methodBBits = 0x0070 // M4-M6
	methodDBits = 0x0F80 // M7-M11

	classC0Shift = 4
	classC1Shift = 7
)

// Value returns the wire encoding of the type.
func (t MessageType) Value() uint16 {
	m := uint16(t.Method)
	v := m&methodABits | (m&methodBBits)<<1 | (m&methodDBits)<<2
	c := uint16(t.Class)
	v |= (c & 0x1) << classC0Shift
	v |= (c & 0x2) << classC1Shift
	return v
}

// ReadValue decodes the wire encoding v.
func (t *MessageType) ReadValue(v uint16) {
	c0 := (v >> classC0Shift) & 0x1
	c1 := (v >> classC1Shift) & 0x2
	t.Class = Class(c0 | c1)

	a := v & methodABits
	b := (v >> 1) & methodBBits
	d := (v >> 2) & methodDBits
	t.Method = Method(a | b | d)
}

// AddTo sets the message type.
func (t MessageType) AddTo(m *Message) error {
	m.Type = t
	m.WriteType()
	return nil
}

func (t MessageType) String() string {
	return fmt.Sprintf("%s %s", t.Method, t.Class)
}
