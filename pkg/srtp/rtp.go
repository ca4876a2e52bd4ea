package srtp

import (
	"fmt"

	"github.com/pion/rtp"
)

func parseRTPHeader(buf []byte, header *rtp.Header) (*rtp.Header, int, error) {
	if header == nil {
		header = &rtp.Header{}
	}
	n, err := header.Unmarshal(buf)
	if err != nil {
		return nil, 0, fmt.Errorf("%w: %v", ErrMalformedPacket, err)
	}
	return header, n, nil
}

// EncryptRTP protects one RTP packet and appends the result to dst[:0].
// header may be nil, in which case it is parsed from plaintext.
func (c *Context) EncryptRTP(dst, plaintext []byte, header *rtp.Header) ([]byte, error) {
	header, headerLen, err := parseRTPHeader(plaintext, header)
	if err != nil {
		return nil, err
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	s := c.getSRTPState(header.SSRC)
	roc, err := s.estimate(header.SequenceNumber)
	if err != nil {
		return nil, err
	}

	out, err := c.cipher.encryptRTP(dst, plaintext, headerLen, header.SSRC, roc, header.SequenceNumber)
	if err != nil {
		return nil, err
	}
	s.update(header.SequenceNumber, roc)
	return out, nil
}

// DecryptRTP verifies and decrypts one SRTP packet into dst[:0]. A packet
// that fails authentication leaves the replay window and ROC untouched.
func (c *Context) DecryptRTP(dst, ciphertext []byte, header *rtp.Header) ([]byte, error) {
	header, headerLen, err := parseRTPHeader(ciphertext, header)
	if err != nil {
		return nil, err
	}
	if len(ciphertext) < headerLen+c.cipher.rtpTrailerLen() {
		return nil, ErrPacketTooShort
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	s := c.getSRTPState(header.SSRC)
	roc, err := s.estimate(header.SequenceNumber)
	if err != nil {
		return nil, err
	}

	var accept func()
	if s.replay != nil {
		index := uint64(roc)<<16 | uint64(header.SequenceNumber)
		var ok bool
		if accept, ok = s.replay.Check(index); !ok {
			return nil, &DuplicatedError{Proto: "srtp", SSRC: header.SSRC, Index: index}
		}
	}

	out, err := c.cipher.decryptRTP(dst, ciphertext, headerLen, header.SSRC, roc, header.SequenceNumber)
	if err != nil {
		return nil, err
	}
	if accept != nil {
		accept()
	}
	s.update(header.SequenceNumber, roc)
	return out, nil
}
