package peer

import (
	"bytes"
	"context"
	"errors"
	"io"
	"net"
	"testing"
	"time"

	"github.com/backkem/mediaplane/pkg/datachannel"
	"github.com/backkem/mediaplane/pkg/ice"
	"github.com/backkem/mediaplane/pkg/sessiondesc"
	"github.com/pion/logging"
	"github.com/pion/rtcp"
	"github.com/pion/rtp"
)

// loopbackConfig gathers only 127.0.0.1 so two connections in one process
// find each other without touching other interfaces.
func loopbackConfig() Configuration {
	return Configuration{
		NetworkTypes:    []ice.NetworkType{ice.NetworkTypeUDP4},
		IncludeLoopback: true,
		IPFilter: func(ip net.IP) bool {
			return ip.IsLoopback() && ip.To4() != nil
		},
		MulticastDNSMode: ice.MulticastDNSModeDisabled,
		LoggerFactory:    logging.NewDefaultLoggerFactory(),
	}
}

func newTestConnection(t *testing.T, config Configuration) *Connection {
	t.Helper()
	c, err := NewConnection(config)
	if err != nil {
		t.Fatalf("NewConnection() error = %v", err)
	}
	t.Cleanup(func() { _ = c.Close() })
	return c
}

// signal gathers c's candidates and passes its parameters through SDP, the
// way a signaling channel would.
func signal(t *testing.T, c *Connection) *RemoteParameters {
	t.Helper()
	if err := c.GatherCandidates(); err != nil {
		t.Fatalf("GatherCandidates() error = %v", err)
	}
	select {
	case <-c.GatheringComplete():
	case <-time.After(10 * time.Second):
		t.Fatal("gathering did not complete")
	}
	local, err := c.LocalParameters()
	if err != nil {
		t.Fatalf("LocalParameters() error = %v", err)
	}
	if !local.EndOfCandidates {
		t.Error("LocalParameters().EndOfCandidates = false after gathering")
	}
	raw, err := sessiondesc.Marshal(local)
	if err != nil {
		t.Fatalf("sessiondesc.Marshal() error = %v", err)
	}
	remote, err := sessiondesc.Parse(raw)
	if err != nil {
		t.Fatalf("sessiondesc.Parse() error = %v", err)
	}
	return remote
}

func connectPair(t *testing.T, a, b *Connection) {
	t.Helper()
	forA, forB := signal(t, b), signal(t, a)

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	errs := make(chan error, 1)
	go func() { errs <- b.Start(ctx, forB) }()
	if err := a.Start(ctx, forA); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	if err := <-errs; err != nil {
		t.Fatalf("remote Start() error = %v", err)
	}
	for _, c := range []*Connection{a, b} {
		if got := c.ConnectionState(); got != ConnectionStateConnected {
			t.Fatalf("ConnectionState() = %s, want connected", got)
		}
	}
}

func newConnectedPair(t *testing.T) (*Connection, *Connection) {
	t.Helper()
	a := newTestConnection(t, loopbackConfig())
	b := newTestConnection(t, loopbackConfig())
	connectPair(t, a, b)
	return a, b
}

func readMessage(t *testing.T, dc *datachannel.DataChannel) ([]byte, bool) {
	t.Helper()
	if err := dc.SetReadDeadline(time.Now().Add(5 * time.Second)); err != nil {
		t.Fatalf("SetReadDeadline() error = %v", err)
	}
	buf := make([]byte, 1500)
	n, isString, err := dc.ReadDataChannel(buf)
	if err != nil {
		t.Fatalf("ReadDataChannel() error = %v", err)
	}
	return buf[:n], isString
}

func TestConnectionDataChannel(t *testing.T) {
	a, b := newConnectedPair(t)

	opened := make(chan *datachannel.DataChannel, 1)
	b.OnDataChannel(func(dc *datachannel.DataChannel) { opened <- dc })

	local, err := a.CreateDataChannel("t", nil)
	if err != nil {
		t.Fatalf("CreateDataChannel() error = %v", err)
	}
	if err := local.Send([]byte{1, 2, 3}); err != nil {
		t.Fatalf("Send() error = %v", err)
	}

	var remote *datachannel.DataChannel
	select {
	case remote = <-opened:
	case <-time.After(5 * time.Second):
		t.Fatal("OnDataChannel not called")
	}
	if remote.Label != "t" || !remote.Ordered() || remote.ChannelType != datachannel.ChannelTypeReliable {
		t.Errorf("remote channel = %q %s, want t Reliable", remote.Label, remote.ChannelType)
	}
	if remote.StreamIdentifier() != local.StreamIdentifier() {
		t.Errorf("remote StreamIdentifier() = %d, want %d", remote.StreamIdentifier(), local.StreamIdentifier())
	}

	data, isString := readMessage(t, remote)
	if !bytes.Equal(data, []byte{1, 2, 3}) || isString {
		t.Errorf("ReadDataChannel() = %X (string=%v), want 010203 binary", data, isString)
	}

	// Echo back over the same channel.
	if err := local.SendText("ping"); err != nil {
		t.Fatalf("SendText() error = %v", err)
	}
	data, isString = readMessage(t, remote)
	if string(data) != "ping" || !isString {
		t.Fatalf("ReadDataChannel() = %q (string=%v), want ping", data, isString)
	}
	if err := remote.SendText(string(data)); err != nil {
		t.Fatalf("SendText() error = %v", err)
	}
	if err := remote.Send([]byte{0xDE, 0xAD}); err != nil {
		t.Fatalf("Send() error = %v", err)
	}
	if data, isString := readMessage(t, local); string(data) != "ping" || !isString {
		t.Errorf("echo = %q (string=%v), want ping", data, isString)
	}
	if data, isString := readMessage(t, local); !bytes.Equal(data, []byte{0xDE, 0xAD}) || isString {
		t.Errorf("echo = %X (string=%v), want DEAD binary", data, isString)
	}

	if got := a.DataChannels(); got[local.StreamIdentifier()] != local {
		t.Errorf("DataChannels() = %v, missing stream %d", got, local.StreamIdentifier())
	}
}

func TestConnectionDataChannelIDParity(t *testing.T) {
	a, b := newConnectedPair(t)
	b.OnDataChannel(func(*datachannel.DataChannel) {})
	a.OnDataChannel(func(*datachannel.DataChannel) {})

	ca, err := a.CreateDataChannel("a", nil)
	if err != nil {
		t.Fatalf("CreateDataChannel() error = %v", err)
	}
	cb, err := b.CreateDataChannel("b", nil)
	if err != nil {
		t.Fatalf("CreateDataChannel() error = %v", err)
	}
	if ca.StreamIdentifier()%2 == cb.StreamIdentifier()%2 {
		t.Errorf("stream ids %d and %d share parity", ca.StreamIdentifier(), cb.StreamIdentifier())
	}
}

func TestConnectionNegotiatedDataChannel(t *testing.T) {
	a, b := newConnectedPair(t)

	id := uint16(42)
	init := &DataChannelInit{Negotiated: true, ID: &id}
	ca, err := a.CreateDataChannel("pre", init)
	if err != nil {
		t.Fatalf("CreateDataChannel() error = %v", err)
	}
	cb, err := b.CreateDataChannel("pre", init)
	if err != nil {
		t.Fatalf("CreateDataChannel() error = %v", err)
	}

	if err := ca.SendText("no handshake"); err != nil {
		t.Fatalf("SendText() error = %v", err)
	}
	if data, _ := readMessage(t, cb); string(data) != "no handshake" {
		t.Errorf("ReadDataChannel() = %q, want %q", data, "no handshake")
	}

	if _, err := a.CreateDataChannel("dup", init); err == nil {
		t.Error("CreateDataChannel() with a used ID succeeded")
	}
}

func TestCreateDataChannelErrors(t *testing.T) {
	c := newTestConnection(t, loopbackConfig())
	if _, err := c.CreateDataChannel("early", nil); !errors.Is(err, ErrNotConnected) {
		t.Errorf("CreateDataChannel() before Start error = %v, want %v", err, ErrNotConnected)
	}

	a, _ := newConnectedPair(t)
	n := uint16(1)
	if _, err := a.CreateDataChannel("both", &DataChannelInit{MaxRetransmits: &n, MaxPacketLifeTime: &n}); !errors.Is(err, ErrRetransmitsOrPacketLifeTime) {
		t.Errorf("CreateDataChannel() error = %v, want %v", err, ErrRetransmitsOrPacketLifeTime)
	}
	if _, err := a.CreateDataChannel("neg", &DataChannelInit{Negotiated: true}); !errors.Is(err, ErrNegotiatedWithoutID) {
		t.Errorf("CreateDataChannel() error = %v, want %v", err, ErrNegotiatedWithoutID)
	}
}

type rtpResult struct {
	payload []byte
	header  *rtp.Header
	err     error
}

func readRTPWithin(t *testing.T, c *Connection, d time.Duration) rtpResult {
	t.Helper()
	got := make(chan rtpResult, 1)
	go func() {
		buf := make([]byte, 1500)
		n, header, err := c.ReadRTP(buf)
		if err != nil {
			got <- rtpResult{err: err}
			return
		}
		got <- rtpResult{payload: buf[header.MarshalSize():n], header: header}
	}()
	select {
	case r := <-got:
		return r
	case <-time.After(d):
		t.Fatal("ReadRTP() timed out")
		return rtpResult{}
	}
}

func TestConnectionMedia(t *testing.T) {
	a, b := newConnectedPair(t)

	header := &rtp.Header{
		Version:        2,
		PayloadType:    96,
		SequenceNumber: 1,
		Timestamp:      1000,
		SSRC:           0x1234,
	}
	payload := []byte{0xCA, 0xFE, 0xBA, 0xBE}
	if _, err := a.WriteRTP(header, payload); err != nil {
		t.Fatalf("WriteRTP() error = %v", err)
	}
	r := readRTPWithin(t, b, 5*time.Second)
	if r.err != nil {
		t.Fatalf("ReadRTP() error = %v", r.err)
	}
	if r.header.SSRC != 0x1234 || r.header.SequenceNumber != 1 || r.header.PayloadType != 96 {
		t.Errorf("ReadRTP() header = %+v, want SSRC 0x1234 seq 1 pt 96", r.header)
	}
	if !bytes.Equal(r.payload, payload) {
		t.Errorf("ReadRTP() payload = %X, want %X", r.payload, payload)
	}

	pli := &rtcp.PictureLossIndication{SenderSSRC: 0x5678, MediaSSRC: 0x1234}
	if _, err := b.WriteRTCP([]rtcp.Packet{pli}); err != nil {
		t.Fatalf("WriteRTCP() error = %v", err)
	}
	got := make(chan []rtcp.Packet, 1)
	go func() {
		_, pkts, err := a.ReadRTCP(make([]byte, 1500))
		if err != nil {
			t.Errorf("ReadRTCP() error = %v", err)
		}
		got <- pkts
	}()
	select {
	case pkts := <-got:
		if len(pkts) != 1 {
			t.Fatalf("ReadRTCP() returned %d packets, want 1", len(pkts))
		}
		if p, ok := pkts[0].(*rtcp.PictureLossIndication); !ok || p.MediaSSRC != 0x1234 {
			t.Errorf("ReadRTCP() = %#v, want PLI for 0x1234", pkts[0])
		}
	case <-time.After(5 * time.Second):
		t.Fatal("ReadRTCP() timed out")
	}
}

func TestConnectionMediaBeforeKeys(t *testing.T) {
	c := newTestConnection(t, loopbackConfig())
	if _, err := c.WriteRTP(&rtp.Header{Version: 2, SSRC: 1}, []byte{1}); !errors.Is(err, ErrMediaNotReady) {
		t.Errorf("WriteRTP() before Start error = %v, want %v", err, ErrMediaNotReady)
	}
	if _, err := c.WriteRTCP([]rtcp.Packet{&rtcp.PictureLossIndication{}}); !errors.Is(err, ErrMediaNotReady) {
		t.Errorf("WriteRTCP() before Start error = %v, want %v", err, ErrMediaNotReady)
	}
}

func TestConnectionStartErrors(t *testing.T) {
	c := newTestConnection(t, loopbackConfig())
	if err := c.Start(context.Background(), nil); !errors.Is(err, ErrNoRemoteParameters) {
		t.Errorf("Start(nil) error = %v, want %v", err, ErrNoRemoteParameters)
	}

	local, err := c.LocalParameters()
	if err != nil {
		t.Fatalf("LocalParameters() error = %v", err)
	}
	if err := c.Start(context.Background(), local); !errors.Is(err, ErrIdenticalUfrags) {
		t.Errorf("Start(own parameters) error = %v, want %v", err, ErrIdenticalUfrags)
	}
	if got := c.ConnectionState(); got != ConnectionStateFailed {
		t.Errorf("ConnectionState() = %s, want failed", got)
	}
	if !errors.Is(c.LastError(), ErrIdenticalUfrags) {
		t.Errorf("LastError() = %v, want %v", c.LastError(), ErrIdenticalUfrags)
	}
	if err := c.Start(context.Background(), local); !errors.Is(err, ErrAlreadyStarted) {
		t.Errorf("second Start() error = %v, want %v", err, ErrAlreadyStarted)
	}
}

func TestConnectionStartCanceled(t *testing.T) {
	a := newTestConnection(t, loopbackConfig())
	b := newTestConnection(t, loopbackConfig())
	remote := signal(t, b)

	// b never starts, so ICE checks get no answer.
	ctx, cancel := context.WithTimeout(context.Background(), 200*time.Millisecond)
	defer cancel()
	if err := a.Start(ctx, remote); err == nil {
		t.Fatal("Start() without a remote peer succeeded")
	}
	if got := a.ConnectionState(); got != ConnectionStateFailed {
		t.Errorf("ConnectionState() = %s, want failed", got)
	}
}

func TestConnectionClose(t *testing.T) {
	a, b := newConnectedPair(t)

	states := make(chan ConnectionState, 8)
	b.OnConnectionStateChange(func(s ConnectionState) { states <- s })
	a.OnDataChannel(func(*datachannel.DataChannel) {})
	dc, err := b.CreateDataChannel("doomed", nil)
	if err != nil {
		t.Fatalf("CreateDataChannel() error = %v", err)
	}

	if err := a.Close(); err != nil {
		t.Fatalf("Close() error = %v", err)
	}
	if err := a.Close(); err != nil {
		t.Errorf("second Close() error = %v", err)
	}
	if got := a.ConnectionState(); got != ConnectionStateClosed {
		t.Errorf("ConnectionState() = %s, want closed", got)
	}
	if _, _, err := a.ReadRTP(make([]byte, 1500)); !errors.Is(err, io.EOF) {
		t.Errorf("ReadRTP() after Close error = %v, want %v", err, io.EOF)
	}
	if _, err := a.CreateDataChannel("late", nil); !errors.Is(err, ErrClosed) {
		t.Errorf("CreateDataChannel() after Close error = %v, want %v", err, ErrClosed)
	}
	if _, err := a.WriteRTP(&rtp.Header{Version: 2}, nil); !errors.Is(err, ErrClosed) {
		t.Errorf("WriteRTP() after Close error = %v, want %v", err, ErrClosed)
	}

	// The abort reaches the peer, which fails and ends its streams.
	select {
	case s := <-states:
		if s != ConnectionStateFailed {
			t.Errorf("remote state = %s, want failed", s)
		}
	case <-time.After(10 * time.Second):
		t.Fatal("remote did not notice the close")
	}
	if err := dc.SetReadDeadline(time.Now().Add(5 * time.Second)); err != nil {
		t.Fatalf("SetReadDeadline() error = %v", err)
	}
	if _, err := dc.Read(make([]byte, 100)); err == nil {
		t.Error("Read() on the remote channel succeeded after close")
	}
}
