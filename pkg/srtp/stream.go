package srtp

import (
	"time"

	"github.com/pion/rtcp"
	"github.com/pion/rtp"
	"github.com/pion/transport/v3/packetio"
)

// ReadStream delivers the decrypted packets of one remote SSRC.
type ReadStream struct {
	session *session
	ssrc    uint32
	buffer  *packetio.Buffer
}

func newReadStream(s *session, ssrc uint32) *ReadStream {
	buf := packetio.NewBuffer()
	buf.SetLimitSize(maxStreamBufferSize)
	return &ReadStream{session: s, ssrc: ssrc, buffer: buf}
}

// SSRC returns the stream's synchronization source.
func (r *ReadStream) SSRC() uint32 {
	return r.ssrc
}

// Read reads one decrypted packet into b.
func (r *ReadStream) Read(b []byte) (int, error) {
	return r.buffer.Read(b)
}

// ReadRTP reads and parses one decrypted RTP packet.
func (r *ReadStream) ReadRTP(b []byte) (int, *rtp.Header, error) {
	n, err := r.Read(b)
	if err != nil {
		return 0, nil, err
	}
	header := &rtp.Header{}
	if _, err := header.Unmarshal(b[:n]); err != nil {
		return 0, nil, err
	}
	return n, header, nil
}

// ReadRTCP reads and parses one decrypted compound RTCP packet.
func (r *ReadStream) ReadRTCP(b []byte) (int, []rtcp.Packet, error) {
	n, err := r.Read(b)
	if err != nil {
		return 0, nil, err
	}
	pkts, err := rtcp.Unmarshal(b[:n])
	if err != nil {
		return 0, nil, err
	}
	return n, pkts, nil
}

// SetReadDeadline sets the deadline for Read.
func (r *ReadStream) SetReadDeadline(t time.Time) error {
	return r.buffer.SetReadDeadline(t)
}

// Close removes the stream from its session. Later packets for the SSRC
// open a new stream.
func (r *ReadStream) Close() error {
	r.session.removeStream(r)
	return r.buffer.Close()
}
