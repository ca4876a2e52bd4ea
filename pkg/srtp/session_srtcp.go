package srtp

import (
	"errors"
	"fmt"
	"net"

	"github.com/pion/rtcp"
)

// SessionSRTCP protects RTCP over conn. A compound packet is delivered to
// the stream of every SSRC it is addressed to.
type SessionSRTCP struct {
	*session
}

// NewSessionSRTCP starts an SRTCP session on conn.
func NewSessionSRTCP(conn net.Conn, config *Config) (*SessionSRTCP, error) {
	s, err := newSession("srtcp", conn, config)
	if err != nil {
		return nil, err
	}
	srtcpSession := &SessionSRTCP{session: s}
	s.start(srtcpSession)
	return srtcpSession, nil
}

// AcceptStream waits for the first packet addressed to a new SSRC.
func (s *SessionSRTCP) AcceptStream() (*ReadStream, uint32, error) {
	r, err := s.acceptStream()
	if err != nil {
		return nil, 0, err
	}
	return r, r.ssrc, nil
}

// OpenReadStream returns the stream for ssrc without waiting for traffic.
func (s *SessionSRTCP) OpenReadStream(ssrc uint32) (*ReadStream, error) {
	return s.openStream(ssrc)
}

// WriteRTCP marshals, encrypts and sends a compound RTCP packet.
func (s *SessionSRTCP) WriteRTCP(pkts []rtcp.Packet) (int, error) {
	raw, err := rtcp.Marshal(pkts)
	if err != nil {
		return 0, err
	}
	return s.Write(raw)
}

// Write encrypts and sends one marshaled compound RTCP packet.
func (s *SessionSRTCP) Write(b []byte) (int, error) {
	encrypted, err := s.localContext.EncryptRTCP(nil, b)
	if err != nil {
		return 0, err
	}
	if _, err := s.send(encrypted); err != nil {
		return 0, err
	}
	return len(b), nil
}

// Close closes the transport and every read stream.
func (s *SessionSRTCP) Close() error {
	return s.close()
}

func (s *SessionSRTCP) decrypt(buf []byte) error {
	decrypted, err := s.remoteContext.DecryptRTCP(nil, buf)
	if err != nil {
		return err
	}
	pkts, err := rtcp.Unmarshal(decrypted)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrMalformedPacket, err)
	}

	seen := make(map[uint32]struct{})
	var errs []error
	for _, p := range pkts {
		for _, ssrc := range p.DestinationSSRC() {
			if _, ok := seen[ssrc]; ok {
				continue
			}
			seen[ssrc] = struct{}{}
			if err := s.deliver(ssrc, decrypted); err != nil {
				errs = append(errs, err)
			}
		}
	}
	return errors.Join(errs...)
}
