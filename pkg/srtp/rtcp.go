package srtp

import (
	"encoding/binary"
	"fmt"

	"github.com/pion/rtcp"
)

// rtcpHeaderLen covers the fixed header and the sender SSRC, which stay in
// the clear.
const rtcpHeaderLen = 8

func rtcpSenderSSRC(buf []byte) (uint32, error) {
	if len(buf) < rtcpHeaderLen {
		return 0, ErrPacketTooShort
	}
	var h rtcp.Header
	if err := h.Unmarshal(buf); err != nil {
		return 0, fmt.Errorf("%w: %v", ErrMalformedPacket, err)
	}
	return binary.BigEndian.Uint32(buf[4:]), nil
}

// EncryptRTCP protects one compound RTCP packet with the next SRTCP index
// of its sender SSRC. The index wraps modulo 2^31.
func (c *Context) EncryptRTCP(dst, plaintext []byte) ([]byte, error) {
	ssrc, err := rtcpSenderSSRC(plaintext)
	if err != nil {
		return nil, err
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	s := c.getSRTCPState(ssrc)
	out, err := c.cipher.encryptRTCP(dst, plaintext, s.index, ssrc)
	if err != nil {
		return nil, err
	}
	s.index = (s.index + 1) & maxSRTCPIndex
	return out, nil
}

// DecryptRTCP verifies and decrypts one SRTCP packet into dst[:0]. Packets
// sent with the E flag clear are authenticated and returned as is.
func (c *Context) DecryptRTCP(dst, encrypted []byte) ([]byte, error) {
	ssrc, err := rtcpSenderSSRC(encrypted)
	if err != nil {
		return nil, err
	}
	tagLen := c.cipher.rtcpTagLen()
	if len(encrypted) < rtcpHeaderLen+srtcpIndexSize+tagLen {
		return nil, ErrPacketTooShort
	}
	index, _ := srtcpIndexWord(encrypted[len(encrypted)-tagLen-srtcpIndexSize:])

	c.mu.Lock()
	defer c.mu.Unlock()

	s := c.getSRTCPState(ssrc)
	var accept func()
	if s.replay != nil {
		var ok bool
		if accept, ok = s.replay.Check(uint64(index)); !ok {
			return nil, &DuplicatedError{Proto: "srtcp", SSRC: ssrc, Index: uint64(index)}
		}
	}

	out, err := c.cipher.decryptRTCP(dst, encrypted, index, ssrc)
	if err != nil {
		return nil, err
	}
	if accept != nil {
		accept()
	}
	return out, nil
}
