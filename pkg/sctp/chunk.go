package sctp

import (
	"encoding/binary"
	"fmt"
	"time"
)

type chunkType uint8

const (
	ctData             chunkType = 0
	ctInit             chunkType = 1
	ctInitAck          chunkType = 2
	ctSack             chunkType = 3
	ctHeartbeat        chunkType = 4
	ctHeartbeatAck     chunkType = 5
	ctAbort            chunkType = 6
	ctShutdown         chunkType = 7
	ctShutdownAck      chunkType = 8
	ctError            chunkType = 9
	ctCookieEcho       chunkType = 10
	ctCookieAck        chunkType = 11
	ctCWR              chunkType = 13
	ctShutdownComplete chunkType = 14
	ctReconfig         chunkType = 130
	ctForwardTSN       chunkType = 192
)

func (t chunkType) String() string {
	switch t {
	case ctData:
		return "DATA"
	case ctInit:
		return "INIT"
	case ctInitAck:
		return "INIT-ACK"
	case ctSack:
		return "SACK"
	case ctHeartbeat:
		return "HEARTBEAT"
	case ctHeartbeatAck:
		return "HEARTBEAT-ACK"
	case ctAbort:
		return "ABORT"
	case ctShutdown:
		return "SHUTDOWN"
	case ctShutdownAck:
		return "SHUTDOWN-ACK"
	case ctError:
		return "ERROR"
	case ctCookieEcho:
		return "COOKIE-ECHO"
	case ctCookieAck:
		return "COOKIE-ACK"
	case ctCWR:
		return "CWR"
	case ctShutdownComplete:
		return "SHUTDOWN-COMPLETE"
	case ctReconfig:
		return "RECONFIG"
	case ctForwardTSN:
		return "FORWARD-TSN"
	default:
		return fmt.Sprintf("chunk(%d)", uint8(t))
	}
}

// Actions for unrecognized chunk types, taken from the two high bits of
// the type (RFC 4960 Section 3.2).
const (
	unknownStop         = 0x00
	unknownStopReport   = 0x40
	unknownSkip         = 0x80
	unknownSkipReport   = 0xc0
	unknownActionMask   = 0xc0
	chunkHeaderSize     = 4
	dataChunkHeaderSize = 16
)

// chunk is one of the concrete chunk structs below. A packet carries a
// list of them; the association switches on the concrete type.
type chunk interface {
	typ() chunkType
	// marshalValue returns the flags byte and the chunk value.
	marshalValue() (byte, []byte)
}

func chunkLen(c chunk) int {
	_, v := c.marshalValue()
	n := chunkHeaderSize + len(v)
	return n + padding(n)
}

func appendChunk(b []byte, c chunk) []byte {
	flags, v := c.marshalValue()
	n := chunkHeaderSize + len(v)
	b = append(b, byte(c.typ()), flags)
	b = binary.BigEndian.AppendUint16(b, uint16(n))
	b = append(b, v...)
	return append(b, make([]byte, padding(n))...)
}

// parseChunk decodes one chunk from the front of b and returns the number
// of bytes it occupied including padding.
func parseChunk(b []byte) (chunk, int, error) {
	if len(b) < chunkHeaderSize {
		return nil, 0, errChunkTooShort
	}
	typ := chunkType(b[0])
	flags := b[1]
	n := int(binary.BigEndian.Uint16(b[2:]))
	if n < chunkHeaderSize {
		return nil, 0, errChunkTooShort
	}
	if n > len(b) {
		return nil, 0, errChunkLength
	}
	v := b[chunkHeaderSize:n]
	consumed := n + padding(n)
	if consumed > len(b) {
		consumed = len(b)
	}

	var (
		c   chunk
		err error
	)
	switch typ {
	case ctData:
		c, err = parseDataChunk(flags, v)
	case ctInit, ctInitAck:
		c, err = parseInitChunk(typ == ctInitAck, v)
	case ctSack:
		c, err = parseSackChunk(v)
	case ctHeartbeat, ctHeartbeatAck:
		c, err = parseHeartbeatChunk(typ == ctHeartbeatAck, v)
	case ctAbort:
		c, err = parseAbortChunk(flags, v)
	case ctShutdown:
		if len(v) < 4 {
			return nil, 0, errChunkTooShort
		}
		c = &shutdownChunk{cumulativeTSNAck: binary.BigEndian.Uint32(v)}
	case ctShutdownAck:
		c = &shutdownAckChunk{}
	case ctShutdownComplete:
		c = &shutdownCompleteChunk{tBit: flags&1 != 0}
	case ctError:
		var causes []*ErrorCause
		causes, err = unmarshalCauses(v)
		c = &errorChunk{causes: causes}
	case ctCookieEcho:
		c = &cookieEchoChunk{cookie: append([]byte(nil), v...)}
	case ctCookieAck:
		c = &cookieAckChunk{}
	case ctCWR:
		if len(v) < 4 {
			return nil, 0, errChunkTooShort
		}
		c = &cwrChunk{lowestTSN: binary.BigEndian.Uint32(v)}
	case ctReconfig:
		var params []param
		params, err = unmarshalParams(v)
		c = &reconfigChunk{params: params}
	case ctForwardTSN:
		c, err = parseForwardTSNChunk(v)
	default:
		c = &unknownChunk{t: typ, flags: flags, value: append([]byte(nil), v...)}
	}
	if err != nil {
		return nil, 0, fmt.Errorf("%s: %w", typ, err)
	}
	return c, consumed, nil
}

// dataChunk carries one fragment of a user message. The fields after the
// wire fields are sender bookkeeping.
type dataChunk struct {
	unordered    bool
	beginning    bool
	ending       bool
	immediateAck bool
	tsn          uint32
	streamID     uint16
	ssn          uint16
	ppi          PayloadProtocolIdentifier
	userData     []byte

	msg           *outMessage
	nSent         int
	since         time.Time
	acked         bool
	retransmit    bool
	missIndicator int
}

func (*dataChunk) typ() chunkType { return ctData }

func (c *dataChunk) marshalValue() (byte, []byte) {
	var flags byte
	if c.ending {
		flags |= 0x01
	}
	if c.beginning {
		flags |= 0x02
	}
	if c.unordered {
		flags |= 0x04
	}
	if c.immediateAck {
		flags |= 0x08
	}
	v := make([]byte, dataChunkHeaderSize-chunkHeaderSize, dataChunkHeaderSize-chunkHeaderSize+len(c.userData))
	binary.BigEndian.PutUint32(v, c.tsn)
	binary.BigEndian.PutUint16(v[4:], c.streamID)
	binary.BigEndian.PutUint16(v[6:], c.ssn)
	binary.BigEndian.PutUint32(v[8:], uint32(c.ppi))
	return flags, append(v, c.userData...)
}

func parseDataChunk(flags byte, v []byte) (*dataChunk, error) {
	if len(v) < dataChunkHeaderSize-chunkHeaderSize {
		return nil, errChunkTooShort
	}
	c := &dataChunk{
		ending:       flags&0x01 != 0,
		beginning:    flags&0x02 != 0,
		unordered:    flags&0x04 != 0,
		immediateAck: flags&0x08 != 0,
		tsn:          binary.BigEndian.Uint32(v),
		streamID:     binary.BigEndian.Uint16(v[4:]),
		ssn:          binary.BigEndian.Uint16(v[6:]),
		ppi:          PayloadProtocolIdentifier(binary.BigEndian.Uint32(v[8:])),
		userData:     append([]byte(nil), v[12:]...),
	}
	if len(c.userData) == 0 {
		return nil, errNoUserData
	}
	return c, nil
}

func (c *dataChunk) abandoned() bool {
	return c.msg != nil && c.msg.abandoned
}

// initChunk is INIT or, with ack set, INIT ACK.
type initChunk struct {
	ack           bool
	initiateTag   uint32
	aRwnd         uint32
	numOutStreams uint16
	numInStreams  uint16
	initialTSN    uint32
	params        []param
}

func (c *initChunk) typ() chunkType {
	if c.ack {
		return ctInitAck
	}
	return ctInit
}

func (c *initChunk) marshalValue() (byte, []byte) {
	v := make([]byte, 16)
	binary.BigEndian.PutUint32(v, c.initiateTag)
	binary.BigEndian.PutUint32(v[4:], c.aRwnd)
	binary.BigEndian.PutUint16(v[8:], c.numOutStreams)
	binary.BigEndian.PutUint16(v[10:], c.numInStreams)
	binary.BigEndian.PutUint32(v[12:], c.initialTSN)
	return 0, append(v, marshalParams(c.params)...)
}

func parseInitChunk(ack bool, v []byte) (*initChunk, error) {
	if len(v) < 16 {
		return nil, errChunkTooShort
	}
	params, err := unmarshalParams(v[16:])
	if err != nil {
		return nil, err
	}
	return &initChunk{
		ack:           ack,
		initiateTag:   binary.BigEndian.Uint32(v),
		aRwnd:         binary.BigEndian.Uint32(v[4:]),
		numOutStreams: binary.BigEndian.Uint16(v[8:]),
		numInStreams:  binary.BigEndian.Uint16(v[10:]),
		initialTSN:    binary.BigEndian.Uint32(v[12:]),
		params:        params,
	}, nil
}

// check applies the INIT field rules of RFC 4960 Section 3.3.2.
func (c *initChunk) check() error {
	if c.initiateTag == 0 {
		return errInitTagZero
	}
	if c.numInStreams == 0 || c.numOutStreams == 0 {
		return errInitStreamsZero
	}
	return nil
}

func (c *initChunk) supports(t chunkType) bool {
	if t == ctForwardTSN {
		if _, ok := findParam(c.params, paramForwardTSNSupported); ok {
			return true
		}
	}
	p, ok := findParam(c.params, paramSupportedExtensions)
	if !ok {
		return false
	}
	for _, b := range p.value {
		if chunkType(b) == t {
			return true
		}
	}
	return false
}

// gapBlock is a gap ack block; start and end are offsets from the
// cumulative TSN ack.
type gapBlock struct {
	start, end uint16
}

type sackChunk struct {
	cumulativeTSNAck uint32
	aRwnd            uint32
	gaps             []gapBlock
	dups             []uint32
}

func (*sackChunk) typ() chunkType { return ctSack }

func (c *sackChunk) marshalValue() (byte, []byte) {
	v := make([]byte, 12, 12+4*len(c.gaps)+4*len(c.dups))
	binary.BigEndian.PutUint32(v, c.cumulativeTSNAck)
	binary.BigEndian.PutUint32(v[4:], c.aRwnd)
	binary.BigEndian.PutUint16(v[8:], uint16(len(c.gaps)))
	binary.BigEndian.PutUint16(v[10:], uint16(len(c.dups)))
	for _, g := range c.gaps {
		v = binary.BigEndian.AppendUint16(v, g.start)
		v = binary.BigEndian.AppendUint16(v, g.end)
	}
	for _, d := range c.dups {
		v = binary.BigEndian.AppendUint32(v, d)
	}
	return 0, v
}

func parseSackChunk(v []byte) (*sackChunk, error) {
	if len(v) < 12 {
		return nil, errChunkTooShort
	}
	c := &sackChunk{
		cumulativeTSNAck: binary.BigEndian.Uint32(v),
		aRwnd:            binary.BigEndian.Uint32(v[4:]),
	}
	nGaps := int(binary.BigEndian.Uint16(v[8:]))
	nDups := int(binary.BigEndian.Uint16(v[10:]))
	if len(v) < 12+4*nGaps+4*nDups {
		return nil, errChunkTooShort
	}
	off := 12
	for i := 0; i < nGaps; i++ {
		g := gapBlock{start: binary.BigEndian.Uint16(v[off:]), end: binary.BigEndian.Uint16(v[off+2:])}
		if g.start == 0 || g.end < g.start {
			return nil, fmt.Errorf("invalid gap block %d-%d", g.start, g.end)
		}
		c.gaps = append(c.gaps, g)
		off += 4
	}
	for i := 0; i < nDups; i++ {
		c.dups = append(c.dups, binary.BigEndian.Uint32(v[off:]))
		off += 4
	}
	return c, nil
}

// heartbeatChunk is HEARTBEAT or, with ack set, HEARTBEAT ACK. The sender
// info is opaque and echoed back unchanged.
type heartbeatChunk struct {
	ack  bool
	info []byte
}

func (c *heartbeatChunk) typ() chunkType {
	if c.ack {
		return ctHeartbeatAck
	}
	return ctHeartbeat
}

func (c *heartbeatChunk) marshalValue() (byte, []byte) {
	return 0, marshalParams([]param{{typ: paramHeartbeatInfo, value: c.info}})
}

func parseHeartbeatChunk(ack bool, v []byte) (*heartbeatChunk, error) {
	params, err := unmarshalParams(v)
	if err != nil {
		return nil, err
	}
	p, ok := findParam(params, paramHeartbeatInfo)
	if !ok {
		return nil, errParamTooShort
	}
	return &heartbeatChunk{ack: ack, info: p.value}, nil
}

// abortChunk with tBit set carries the receiver's own tag instead of the
// peer's.
type abortChunk struct {
	tBit   bool
	causes []*ErrorCause
}

func (*abortChunk) typ() chunkType { return ctAbort }

func (c *abortChunk) marshalValue() (byte, []byte) {
	var flags byte
	if c.tBit {
		flags = 1
	}
	return flags, marshalCauses(c.causes)
}

func parseAbortChunk(flags byte, v []byte) (*abortChunk, error) {
	causes, err := unmarshalCauses(v)
	if err != nil {
		return nil, err
	}
	return &abortChunk{tBit: flags&1 != 0, causes: causes}, nil
}

type errorChunk struct {
	causes []*ErrorCause
}

func (*errorChunk) typ() chunkType { return ctError }

func (c *errorChunk) marshalValue() (byte, []byte) {
	return 0, marshalCauses(c.causes)
}

type shutdownChunk struct {
	cumulativeTSNAck uint32
}

func (*shutdownChunk) typ() chunkType { return ctShutdown }

func (c *shutdownChunk) marshalValue() (byte, []byte) {
	return 0, binary.BigEndian.AppendUint32(nil, c.cumulativeTSNAck)
}

type shutdownAckChunk struct{}

func (*shutdownAckChunk) typ() chunkType               { return ctShutdownAck }
func (*shutdownAckChunk) marshalValue() (byte, []byte) { return 0, nil }

type shutdownCompleteChunk struct {
	tBit bool
}

func (*shutdownCompleteChunk) typ() chunkType { return ctShutdownComplete }

func (c *shutdownCompleteChunk) marshalValue() (byte, []byte) {
	if c.tBit {
		return 1, nil
	}
	return 0, nil
}

type cookieEchoChunk struct {
	cookie []byte
}

func (*cookieEchoChunk) typ() chunkType                 { return ctCookieEcho }
func (c *cookieEchoChunk) marshalValue() (byte, []byte) { return 0, c.cookie }

type cookieAckChunk struct{}

func (*cookieAckChunk) typ() chunkType               { return ctCookieAck }
func (*cookieAckChunk) marshalValue() (byte, []byte) { return 0, nil }

// cwrChunk is parsed so that ECN-capable peers are not answered with an
// unrecognized chunk error; ECN itself is not acted on.
type cwrChunk struct {
	lowestTSN uint32
}

func (*cwrChunk) typ() chunkType { return ctCWR }

func (c *cwrChunk) marshalValue() (byte, []byte) {
	return 0, binary.BigEndian.AppendUint32(nil, c.lowestTSN)
}

// reconfigChunk carries one or two RE-CONFIG parameters (RFC 6525).
type reconfigChunk struct {
	params []param
}

func (*reconfigChunk) typ() chunkType                 { return ctReconfig }
func (c *reconfigChunk) marshalValue() (byte, []byte) { return 0, marshalParams(c.params) }

type forwardTSNStream struct {
	streamID uint16
	ssn      uint16
}

type forwardTSNChunk struct {
	newCumulativeTSN uint32
	streams          []forwardTSNStream
}

func (*forwardTSNChunk) typ() chunkType { return ctForwardTSN }

func (c *forwardTSNChunk) marshalValue() (byte, []byte) {
	v := make([]byte, 4, 4+4*len(c.streams))
	binary.BigEndian.PutUint32(v, c.newCumulativeTSN)
	for _, s := range c.streams {
		v = binary.BigEndian.AppendUint16(v, s.streamID)
		v = binary.BigEndian.AppendUint16(v, s.ssn)
	}
	return 0, v
}

func parseForwardTSNChunk(v []byte) (*forwardTSNChunk, error) {
	if len(v) < 4 {
		return nil, errChunkTooShort
	}
	c := &forwardTSNChunk{newCumulativeTSN: binary.BigEndian.Uint32(v)}
	for off := 4; off+4 <= len(v); off += 4 {
		c.streams = append(c.streams, forwardTSNStream{
			streamID: binary.BigEndian.Uint16(v[off:]),
			ssn:      binary.BigEndian.Uint16(v[off+2:]),
		})
	}
	return c, nil
}

// unknownChunk keeps an unrecognized chunk so it can be reported back.
type unknownChunk struct {
	t     chunkType
	flags byte
	value []byte
}

func (c *unknownChunk) typ() chunkType               { return c.t }
func (c *unknownChunk) marshalValue() (byte, []byte) { return c.flags, c.value }

func padding(n int) int {
	return (4 - n%4) % 4
}
