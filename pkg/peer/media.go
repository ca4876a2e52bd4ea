package peer

import (
	"fmt"
	"io"

	"github.com/backkem/mediaplane/pkg/dtls"
	"github.com/backkem/mediaplane/pkg/mux"
	"github.com/backkem/mediaplane/pkg/srtp"
	"github.com/pion/rtcp"
	"github.com/pion/rtp"
)

const (
	receiveMTU = 1460

	// mediaQueueSize is how many decrypted packets wait for ReadRTP or
	// ReadRTCP before the forwarders block.
	mediaQueueSize = 128
)

// startSRTP derives the SRTP keys from conn and starts both sessions.
// Media stays disabled when use_srtp was not negotiated.
func (c *Connection) startSRTP(conn *dtls.Conn, isClient bool, rtpEndpoint, rtcpEndpoint *mux.Endpoint) error {
	profile, ok := conn.SelectedSRTPProtectionProfile()
	if !ok {
		c.log.Info("no SRTP protection profile negotiated, media disabled")
		c.mu.Lock()
		c.noSRTP = true
		c.mu.Unlock()
		_ = rtpEndpoint.Close()
		_ = rtcpEndpoint.Close()
		return nil
	}

	config := &srtp.Config{
		Profile:        srtp.ProtectionProfile(profile),
		DroppedPackets: c.srtpDropped,
		LoggerFactory:  c.config.LoggerFactory,
	}
	if err := config.ExtractSessionKeysFromDTLS(conn, isClient); err != nil {
		return fmt.Errorf("peer: SRTP keys: %w", err)
	}
	defer config.Keys.Zero()

	rtpSession, err := srtp.NewSessionSRTP(rtpEndpoint, config)
	if err != nil {
		return fmt.Errorf("peer: SRTP session: %w", err)
	}
	if err := c.track(func() { c.srtpSession = rtpSession }, rtpSession); err != nil {
		return err
	}
	rtcpSession, err := srtp.NewSessionSRTCP(rtcpEndpoint, config)
	if err != nil {
		return fmt.Errorf("peer: SRTCP session: %w", err)
	}
	if err := c.track(func() { c.srtcpSession = rtcpSession }, rtcpSession); err != nil {
		return err
	}
	c.log.Debugf("SRTP ready with profile %s", profile)
	close(c.mediaReady)

	go c.acceptStreams(rtpSession.AcceptStream, c.rtpIn)
	go c.acceptStreams(rtcpSession.AcceptStream, c.rtcpIn)
	return nil
}

func (c *Connection) acceptStreams(accept func() (*srtp.ReadStream, uint32, error), out chan<- []byte) {
	for {
		stream, ssrc, err := accept()
		if err != nil {
			return
		}
		c.log.Debugf("receiving SSRC %d", ssrc)
		go c.forward(stream, out)
	}
}

func (c *Connection) forward(stream *srtp.ReadStream, out chan<- []byte) {
	buf := make([]byte, receiveMTU)
	for {
		n, err := stream.Read(buf)
		if err != nil {
			return
		}
		select {
		case out <- append([]byte(nil), buf[:n]...):
		case <-c.ctx.Done():
			return
		}
	}
}

func (c *Connection) mediaState() error {
	c.mu.Lock()
	closed, noSRTP := c.state == ConnectionStateClosed, c.noSRTP
	c.mu.Unlock()
	switch {
	case closed:
		return ErrClosed
	case noSRTP:
		return ErrNoSRTPProfile
	}
	select {
	case <-c.mediaReady:
		return nil
	default:
		return ErrMediaNotReady
	}
}

// WriteRTP protects and sends one RTP packet. It fails with
// ErrMediaNotReady until the DTLS handshake has exported the keys.
func (c *Connection) WriteRTP(header *rtp.Header, payload []byte) (int, error) {
	if err := c.mediaState(); err != nil {
		return 0, err
	}
	c.mu.Lock()
	s := c.srtpSession
	c.mu.Unlock()
	return s.WriteRTP(header, payload)
}

// WriteRTCP protects and sends a compound RTCP packet.
func (c *Connection) WriteRTCP(pkts []rtcp.Packet) (int, error) {
	if err := c.mediaState(); err != nil {
		return 0, err
	}
	c.mu.Lock()
	s := c.srtcpSession
	c.mu.Unlock()
	return s.WriteRTCP(pkts)
}

// ReadRTP returns the next decrypted RTP packet from any SSRC. A packet
// larger than p is dropped with io.ErrShortBuffer. Once the connection
// is closed it returns io.EOF.
func (c *Connection) ReadRTP(p []byte) (int, *rtp.Header, error) {
	select {
	case pkt := <-c.rtpIn:
		if len(pkt) > len(p) {
			return 0, nil, io.ErrShortBuffer
		}
		n := copy(p, pkt)
		header := &rtp.Header{}
		if _, err := header.Unmarshal(p[:n]); err != nil {
			return 0, nil, err
		}
		return n, header, nil
	case <-c.ctx.Done():
		return 0, nil, io.EOF
	}
}

// ReadRTCP returns the next decrypted compound RTCP packet.
func (c *Connection) ReadRTCP(p []byte) (int, []rtcp.Packet, error) {
	select {
	case pkt := <-c.rtcpIn:
		if len(pkt) > len(p) {
			return 0, nil, io.ErrShortBuffer
		}
		n := copy(p, pkt)
		pkts, err := rtcp.Unmarshal(p[:n])
		if err != nil {
			return 0, nil, err
		}
		return n, pkts, nil
	case <-c.ctx.Done():
		return 0, nil, io.EOF
	}
}
