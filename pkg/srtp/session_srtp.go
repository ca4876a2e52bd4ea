package srtp

import (
	"net"

	"github.com/pion/rtp"
)

// SessionSRTP protects RTP over conn with one context per direction and
// fans inbound packets out to a ReadStream per SSRC.
type SessionSRTP struct {
	*session
}

// NewSessionSRTP starts an SRTP session on conn.
func NewSessionSRTP(conn net.Conn, config *Config) (*SessionSRTP, error) {
	s, err := newSession("srtp", conn, config)
	if err != nil {
		return nil, err
	}
	srtpSession := &SessionSRTP{session: s}
	s.start(srtpSession)
	return srtpSession, nil
}

// AcceptStream waits for the first authenticated packet of a new SSRC.
func (s *SessionSRTP) AcceptStream() (*ReadStream, uint32, error) {
	r, err := s.acceptStream()
	if err != nil {
		return nil, 0, err
	}
	return r, r.ssrc, nil
}

// OpenReadStream returns the stream for ssrc without waiting for traffic.
func (s *SessionSRTP) OpenReadStream(ssrc uint32) (*ReadStream, error) {
	return s.openStream(ssrc)
}

// WriteRTP encrypts and sends one RTP packet.
func (s *SessionSRTP) WriteRTP(header *rtp.Header, payload []byte) (int, error) {
	pkt := &rtp.Packet{Header: *header, Payload: payload}
	raw, err := pkt.Marshal()
	if err != nil {
		return 0, err
	}
	return s.write(raw, &pkt.Header)
}

// Write encrypts and sends one marshaled RTP packet.
func (s *SessionSRTP) Write(b []byte) (int, error) {
	return s.write(b, nil)
}

func (s *SessionSRTP) write(b []byte, header *rtp.Header) (int, error) {
	encrypted, err := s.localContext.EncryptRTP(nil, b, header)
	if err != nil {
		return 0, err
	}
	if _, err := s.send(encrypted); err != nil {
		return 0, err
	}
	return len(b), nil
}

// Close closes the transport and every read stream.
func (s *SessionSRTP) Close() error {
	return s.close()
}

func (s *SessionSRTP) decrypt(buf []byte) error {
	header := &rtp.Header{}
	decrypted, err := s.remoteContext.DecryptRTP(nil, buf, header)
	if err != nil {
		return err
	}
	return s.deliver(header.SSRC, decrypted)
}
