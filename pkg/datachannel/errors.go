package datachannel

import "errors"

var (
	ErrInvalidMessageType    = errors.New("datachannel: invalid DCEP message type")
	ErrInvalidChannelType    = errors.New("datachannel: invalid channel type")
	ErrInvalidPPI            = errors.New("datachannel: unexpected payload protocol identifier")
	ErrUnexpectedEndOfBuffer = errors.New("datachannel: unexpected end of buffer")
	ErrLabelTooLong          = errors.New("datachannel: label or protocol exceeds 65535 bytes")
	ErrNoStreamIDs           = errors.New("datachannel: no stream ids left")
	ErrStreamIDInUse         = errors.New("datachannel: stream id already in use")
	ErrClosed                = errors.New("datachannel: channel is closed")
)
