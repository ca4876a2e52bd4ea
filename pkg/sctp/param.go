package sctp

import (
	"encoding/binary"
	"fmt"
)

type paramType uint16

const (
	paramHeartbeatInfo        paramType = 1
	paramStateCookie          paramType = 7
	paramUnrecognized         paramType = 8
	paramOutgoingResetRequest paramType = 13
	paramReconfigResponse     paramType = 16
	paramECNCapable           paramType = 0x8000
	paramSupportedExtensions  paramType = 0x8008
	paramForwardTSNSupported  paramType = 0xc000
)

func (t paramType) String() string {
	switch t {
	case paramHeartbeatInfo:
		return "Heartbeat Info"
	case paramStateCookie:
		return "State Cookie"
	case paramUnrecognized:
		return "Unrecognized Parameter"
	case paramOutgoingResetRequest:
		return "Outgoing SSN Reset Request"
	case paramReconfigResponse:
		return "Re-configuration Response"
	case paramECNCapable:
		return "ECN Capable"
	case paramSupportedExtensions:
		return "Supported Extensions"
	case paramForwardTSNSupported:
		return "Forward TSN Supported"
	default:
		return fmt.Sprintf("param(0x%04x)", uint16(t))
	}
}

const paramHeaderSize = 4

// param is a TLV parameter of INIT, INIT ACK, HEARTBEAT or RE-CONFIG.
type param struct {
	typ   paramType
	value []byte
}

func marshalParams(params []param) []byte {
	var out []byte
	for _, p := range params {
		hdr := make([]byte, paramHeaderSize)
		binary.BigEndian.PutUint16(hdr, uint16(p.typ))
		binary.BigEndian.PutUint16(hdr[2:], uint16(paramHeaderSize+len(p.value)))
		out = append(out, hdr...)
		out = append(out, p.value...)
		out = append(out, make([]byte, padding(len(p.value)))...)
	}
	return out
}

func unmarshalParams(b []byte) ([]param, error) {
	var out []param
	for len(b) > 0 {
		if len(b) < paramHeaderSize {
			return nil, errParamTooShort
		}
		typ := binary.BigEndian.Uint16(b)
		n := int(binary.BigEndian.Uint16(b[2:]))
		if n < paramHeaderSize {
			return nil, errParamTooShort
		}
		if n > len(b) {
			return nil, errParamLength
		}
		out = append(out, param{typ: paramType(typ), value: append([]byte(nil), b[paramHeaderSize:n]...)})
		n += padding(n)
		if n >= len(b) {
			break
		}
		b = b[n:]
	}
	return out, nil
}

func findParam(params []param, typ paramType) (param, bool) {
	for _, p := range params {
		if p.typ == typ {
			return p, true
		}
	}
	return param{}, false
}

func supportedExtensionsParam(types ...chunkType) param {
	v := make([]byte, len(types))
	for i, t := range types {
		v[i] = byte(t)
	}
	return param{typ: paramSupportedExtensions, value: v}
}

// outgoingResetRequest asks the peer to reset its incoming side of
// streams (RFC 6525 Section 4.1).
type outgoingResetRequest struct {
	requestSeq  uint32
	responseSeq uint32
	lastTSN     uint32
	streams     []uint16
}

func (r *outgoingResetRequest) param() param {
	v := make([]byte, 12+2*len(r.streams))
	binary.BigEndian.PutUint32(v, r.requestSeq)
	binary.BigEndian.PutUint32(v[4:], r.responseSeq)
	binary.BigEndian.PutUint32(v[8:], r.lastTSN)
	for i, s := range r.streams {
		binary.BigEndian.PutUint16(v[12+2*i:], s)
	}
	return param{typ: paramOutgoingResetRequest, value: v}
}

func (r *outgoingResetRequest) unmarshal(v []byte) error {
	if len(v) < 12 || len(v)%2 != 0 {
		return errParamTooShort
	}
	r.requestSeq = binary.BigEndian.Uint32(v)
	r.responseSeq = binary.BigEndian.Uint32(v[4:])
	r.lastTSN = binary.BigEndian.Uint32(v[8:])
	r.streams = r.streams[:0]
	for i := 12; i+2 <= len(v); i += 2 {
		r.streams = append(r.streams, binary.BigEndian.Uint16(v[i:]))
	}
	return nil
}

type reconfigResult uint32

const (
	reconfigSuccessNOP       reconfigResult = 0
	reconfigSuccessPerformed reconfigResult = 1
	reconfigDenied           reconfigResult = 2
	reconfigErrorWrongSSN    reconfigResult = 3
	reconfigInProgress       reconfigResult = 6
)

type reconfigResponse struct {
	responseSeq uint32
	result      reconfigResult
}

func (r *reconfigResponse) param() param {
	v := make([]byte, 8)
	binary.BigEndian.PutUint32(v, r.responseSeq)
	binary.BigEndian.PutUint32(v[4:], uint32(r.result))
	return param{typ: paramReconfigResponse, value: v}
}

func (r *reconfigResponse) unmarshal(v []byte) error {
	if len(v) < 8 {
		return errParamTooShort
	}
	r.responseSeq = binary.BigEndian.Uint32(v)
	r.result = reconfigResult(binary.BigEndian.Uint32(v[4:]))
	return nil
}
