package sctp

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/backkem/mediaplane/pkg/transport"
)

// associationPair runs the SCTP handshake over an in-memory pipe. The
// client sits on endpoint 0.
func associationPair(t *testing.T, pipe *transport.Pipe, c0, c1 *transport.PipePacketConn, clientCfg, serverCfg Config) (*Association, *Association) {
	t.Helper()
	clientCfg.NetConn = c0
	serverCfg.NetConn = c1
	if clientCfg.Name == "" {
		clientCfg.Name = "client"
	}
	if serverCfg.Name == "" {
		serverCfg.Name = "server"
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	var (
		wg        sync.WaitGroup
		server    *Association
		serverErr error
	)
	wg.Add(1)
	go func() {
		defer wg.Done()
		server, serverErr = ServerContext(ctx, serverCfg)
	}()
	client, err := ClientContext(ctx, clientCfg)
	wg.Wait()
	if err != nil {
		t.Fatalf("ClientContext() error = %v", err)
	}
	if serverErr != nil {
		t.Fatalf("ServerContext() error = %v", serverErr)
	}
	t.Cleanup(func() {
		client.Close()
		server.Close()
		pipe.Close()
	})
	return client, server
}

func newAssociationPair(t *testing.T) (*Association, *Association, *transport.Pipe) {
	t.Helper()
	pipe, c0, c1 := transport.NewConnPair()
	client, server := associationPair(t, pipe, c0, c1, Config{}, Config{})
	return client, server, pipe
}

func acceptStream(t *testing.T, a *Association) *Stream {
	t.Helper()
	type result struct {
		s   *Stream
		err error
	}
	ch := make(chan result, 1)
	go func() {
		s, err := a.AcceptStream()
		ch <- result{s, err}
	}()
	select {
	case r := <-ch:
		if r.err != nil {
			t.Fatalf("AcceptStream() error = %v", r.err)
		}
		return r.s
	case <-time.After(5 * time.Second):
		t.Fatalf("AcceptStream() timed out")
		return nil
	}
}

func readMessage(t *testing.T, s *Stream, size int) ([]byte, PayloadProtocolIdentifier) {
	t.Helper()
	_ = s.SetReadDeadline(time.Now().Add(5 * time.Second))
	buf := make([]byte, size)
	n, ppi, err := s.ReadSCTP(buf)
	if err != nil {
		t.Fatalf("ReadSCTP() error = %v", err)
	}
	return buf[:n], ppi
}

func TestAssociationHandshake(t *testing.T) {
	client, server, _ := newAssociationPair(t)
	if client.State() != "Established" || server.State() != "Established" {
		t.Fatalf("State() = %s/%s, want Established", client.State(), server.State())
	}
	if client.MaxMessageSize() != DefaultMaxMessageSize {
		t.Errorf("MaxMessageSize() = %d, want %d", client.MaxMessageSize(), DefaultMaxMessageSize)
	}
	if client.LocalAddr() == nil || client.RemoteAddr() == nil {
		t.Errorf("addresses not reported")
	}
}

func TestStreamEcho(t *testing.T) {
	client, server, _ := newAssociationPair(t)

	cs, err := client.OpenStream(1, PayloadTypeWebRTCBinary)
	if err != nil {
		t.Fatalf("OpenStream() error = %v", err)
	}
	if _, err := cs.WriteSCTP([]byte("ping"), PayloadTypeWebRTCString); err != nil {
		t.Fatalf("WriteSCTP() error = %v", err)
	}
	ss := acceptStream(t, server)
	if ss.StreamIdentifier() != 1 {
		t.Errorf("StreamIdentifier() = %d, want 1", ss.StreamIdentifier())
	}
	got, ppi := readMessage(t, ss, 64)
	if string(got) != "ping" || ppi != PayloadTypeWebRTCString {
		t.Fatalf("ReadSCTP() = %q, %v; want ping, %v", got, ppi, PayloadTypeWebRTCString)
	}

	if _, err := ss.Write([]byte("pong")); err != nil {
		t.Fatalf("Write() error = %v", err)
	}
	got, ppi = readMessage(t, cs, 64)
	if string(got) != "pong" || ppi != PayloadTypeWebRTCString {
		t.Errorf("ReadSCTP() = %q, %v; want pong with the stream's first PPI", got, ppi)
	}
}

func TestLargeMessageFragmented(t *testing.T) {
	client, server, _ := newAssociationPair(t)

	msg := make([]byte, 64*1024)
	for i := range msg {
		msg[i] = byte(i * 7)
	}
	cs, err := client.OpenStream(0, PayloadTypeWebRTCBinary)
	if err != nil {
		t.Fatalf("OpenStream() error = %v", err)
	}
	if _, err := cs.Write(msg); err != nil {
		t.Fatalf("Write() error = %v", err)
	}
	ss := acceptStream(t, server)
	got, _ := readMessage(t, ss, len(msg))
	if !bytes.Equal(got, msg) {
		t.Fatalf("received %d bytes differing from the %d sent", len(got), len(msg))
	}
	if n := client.Stats().DATAsSent; n < uint64(len(msg)/DefaultMTU) {
		t.Errorf("DATAsSent = %d, want at least %d fragments", n, len(msg)/DefaultMTU)
	}
}

func TestReadShortBufferKeepsMessage(t *testing.T) {
	client, server, _ := newAssociationPair(t)

	cs, _ := client.OpenStream(0, PayloadTypeWebRTCBinary)
	if _, err := cs.Write([]byte("0123456789")); err != nil {
		t.Fatalf("Write() error = %v", err)
	}
	ss := acceptStream(t, server)
	_ = ss.SetReadDeadline(time.Now().Add(5 * time.Second))

	small := make([]byte, 4)
	n, _, err := ss.ReadSCTP(small)
	if !errors.Is(err, ErrShortBuffer) || n != 10 {
		t.Fatalf("ReadSCTP(short) = %d, %v; want 10, %v", n, err, ErrShortBuffer)
	}
	got, _ := readMessage(t, ss, 10)
	if string(got) != "0123456789" {
		t.Errorf("ReadSCTP() = %q after short read", got)
	}
}

func TestOrderedDeliveryOverLossyPipe(t *testing.T) {
	pipe, c0, c1 := transport.NewConnPair()
	pipe.SetCondition(transport.NetworkCondition{
		DuplicateRate: 0.3,
		ReorderRate:   0.3,
		ReorderDelay:  5 * time.Millisecond,
	})
	client, server := associationPair(t, pipe, c0, c1, Config{}, Config{})

	const count = 50
	cs, _ := client.OpenStream(2, PayloadTypeWebRTCString)
	for i := 0; i < count; i++ {
		if _, err := cs.Write([]byte(fmt.Sprintf("msg-%02d", i))); err != nil {
			t.Fatalf("Write(%d) error = %v", i, err)
		}
	}

	ss := acceptStream(t, server)
	for i := 0; i < count; i++ {
		got, _ := readMessage(t, ss, 64)
		if want := fmt.Sprintf("msg-%02d", i); string(got) != want {
			t.Fatalf("message %d = %q, want %q", i, got, want)
		}
	}

	// Nothing is delivered twice.
	_ = ss.SetReadDeadline(time.Now().Add(200 * time.Millisecond))
	if _, _, err := ss.ReadSCTP(make([]byte, 64)); !errors.Is(err, os.ErrDeadlineExceeded) {
		t.Errorf("extra ReadSCTP() error = %v, want %v", err, os.ErrDeadlineExceeded)
	}
}

func TestPartialReliabilityAbandons(t *testing.T) {
	pipe, c0, c1 := transport.NewConnPair()
	client, server := associationPair(t, pipe, c0, c1, Config{}, Config{})

	cs, _ := client.OpenStream(0, PayloadTypeWebRTCBinary)
	if _, err := cs.Write([]byte("warmup")); err != nil {
		t.Fatalf("Write() error = %v", err)
	}
	ss := acceptStream(t, server)
	readMessage(t, ss, 64)

	if err := cs.SetReliabilityParams(false, ReliabilityTypeRexmit, 0); err != nil {
		t.Fatalf("SetReliabilityParams() error = %v", err)
	}
	pipe.SetFilter(func(from int, b []byte) bool {
		return from != 0 || !bytes.Contains(b, []byte("lost-message"))
	})
	if _, err := cs.Write([]byte("lost-message")); err != nil {
		t.Fatalf("Write() error = %v", err)
	}
	if _, err := cs.Write([]byte("next")); err != nil {
		t.Fatalf("Write() error = %v", err)
	}

	got, _ := readMessage(t, ss, 64)
	if string(got) != "next" {
		t.Fatalf("ReadSCTP() = %q, want next", got)
	}
	if n := client.Stats().AbandonedMessages; n != 1 {
		t.Errorf("AbandonedMessages = %d, want 1", n)
	}
	if b := cs.BufferedAmount(); b != 0 {
		t.Errorf("BufferedAmount() = %d, want 0", b)
	}
}

func TestFastRetransmitRecoversLoss(t *testing.T) {
	pipe, c0, c1 := transport.NewConnPair()

	var mu sync.Mutex
	dataPackets := 0
	pipe.SetFilter(func(from int, b []byte) bool {
		if from != 0 || len(b) <= commonHeaderSize || b[commonHeaderSize] != byte(ctData) {
			return true
		}
		mu.Lock()
		defer mu.Unlock()
		dataPackets++
		return dataPackets != 4
	})
	client, server := associationPair(t, pipe, c0, c1, Config{}, Config{})

	size := DefaultMTU - commonHeaderSize - dataChunkHeaderSize
	cs, _ := client.OpenStream(0, PayloadTypeWebRTCBinary)
	start := time.Now()
	for i := 0; i < 10; i++ {
		if _, err := cs.Write(bytes.Repeat([]byte{byte(i)}, size)); err != nil {
			t.Fatalf("Write(%d) error = %v", i, err)
		}
	}
	ss := acceptStream(t, server)
	for i := 0; i < 10; i++ {
		got, _ := readMessage(t, ss, size)
		if got[0] != byte(i) {
			t.Fatalf("message %d starts with %d", i, got[0])
		}
	}
	if elapsed := time.Since(start); elapsed >= RTOInitial {
		t.Errorf("recovery took %v, want less than the initial RTO", elapsed)
	}
	if n := client.Stats().FastRetransmits; n < 1 {
		t.Errorf("FastRetransmits = %d, want at least 1", n)
	}
}

func TestStreamCloseResetsPeer(t *testing.T) {
	client, server, _ := newAssociationPair(t)

	cs, _ := client.OpenStream(4, PayloadTypeWebRTCBinary)
	if _, err := cs.Write([]byte("last")); err != nil {
		t.Fatalf("Write() error = %v", err)
	}
	if err := cs.Close(); err != nil {
		t.Fatalf("Close() error = %v", err)
	}
	if _, err := cs.Write([]byte("more")); !errors.Is(err, ErrStreamClosed) {
		t.Errorf("Write() after Close error = %v, want %v", err, ErrStreamClosed)
	}

	ss := acceptStream(t, server)
	got, _ := readMessage(t, ss, 16)
	if string(got) != "last" {
		t.Fatalf("ReadSCTP() = %q, want last", got)
	}
	_ = ss.SetReadDeadline(time.Now().Add(5 * time.Second))
	if _, err := ss.Read(make([]byte, 16)); !errors.Is(err, io.EOF) {
		t.Fatalf("Read() after peer reset error = %v, want %v", err, io.EOF)
	}

	// Closing the other direction completes the reset; the id is free again.
	if err := ss.Close(); err != nil {
		t.Fatalf("server Close() error = %v", err)
	}
	deadline := time.Now().Add(5 * time.Second)
	for {
		_, err := client.OpenStream(4, PayloadTypeWebRTCBinary)
		if err == nil {
			break
		}
		if !errors.Is(err, ErrStreamExists) || time.Now().After(deadline) {
			t.Fatalf("OpenStream() after reset error = %v", err)
		}
		time.Sleep(10 * time.Millisecond)
	}
}

func TestGracefulShutdown(t *testing.T) {
	client, server, _ := newAssociationPair(t)

	cs, _ := client.OpenStream(0, PayloadTypeWebRTCBinary)
	if _, err := cs.Write([]byte("before shutdown")); err != nil {
		t.Fatalf("Write() error = %v", err)
	}
	ss := acceptStream(t, server)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Shutdown(ctx); err != nil {
		t.Fatalf("Shutdown() error = %v", err)
	}

	got, _ := readMessage(t, ss, 64)
	if string(got) != "before shutdown" {
		t.Errorf("ReadSCTP() = %q, want queued data before EOF", got)
	}
	if _, err := ss.Read(make([]byte, 64)); !errors.Is(err, io.EOF) {
		t.Errorf("Read() after shutdown error = %v, want %v", err, io.EOF)
	}
	if _, err := server.AcceptStream(); !errors.Is(err, io.EOF) {
		t.Errorf("AcceptStream() after shutdown error = %v, want %v", err, io.EOF)
	}
	if _, err := cs.Write([]byte("late")); err == nil {
		t.Errorf("Write() after shutdown succeeded")
	}
	if client.State() != "Closed" {
		t.Errorf("State() = %s, want Closed", client.State())
	}
}

func TestAbortReachesPeer(t *testing.T) {
	client, server, _ := newAssociationPair(t)

	client.Abort("going away")
	_, err := server.AcceptStream()
	if !errors.Is(err, ErrAssociationAborted) {
		t.Fatalf("AcceptStream() error = %v, want %v", err, ErrAssociationAborted)
	}
	var cause *ErrorCause
	if !errors.As(err, &cause) || cause.Code != CauseUserInitiatedAbort || string(cause.Info) != "going away" {
		t.Errorf("abort cause = %v, want user initiated abort: going away", cause)
	}
	if _, err := client.OpenStream(0, PayloadTypeWebRTCBinary); !errors.Is(err, ErrAssociationAborted) {
		t.Errorf("OpenStream() after Abort error = %v, want %v", err, ErrAssociationAborted)
	}
}

func TestWriteErrors(t *testing.T) {
	client, _, _ := newAssociationPair(t)

	cs, err := client.OpenStream(0, PayloadTypeWebRTCBinary)
	if err != nil {
		t.Fatalf("OpenStream() error = %v", err)
	}
	if _, err := client.OpenStream(0, PayloadTypeWebRTCBinary); !errors.Is(err, ErrStreamExists) {
		t.Errorf("OpenStream(dup) error = %v, want %v", err, ErrStreamExists)
	}
	if _, err := cs.Write(nil); !errors.Is(err, ErrEmptyMessage) {
		t.Errorf("Write(nil) error = %v, want %v", err, ErrEmptyMessage)
	}
	if _, err := cs.Write(make([]byte, DefaultMaxMessageSize+1)); !errors.Is(err, ErrMessageTooLarge) {
		t.Errorf("Write(large) error = %v, want %v", err, ErrMessageTooLarge)
	}
	if err := cs.SetReliabilityParams(false, ReliabilityType(7), 0); !errors.Is(err, ErrInvalidReliability) {
		t.Errorf("SetReliabilityParams() error = %v, want %v", err, ErrInvalidReliability)
	}
}

func TestSendBufferBackpressure(t *testing.T) {
	pipe, c0, c1 := transport.NewConnPair()
	client, server := associationPair(t, pipe, c0, c1, Config{MaxSendBufferSize: 8 * 1024}, Config{})

	cs, _ := client.OpenStream(0, PayloadTypeWebRTCBinary)
	cs.SetBufferedAmountLowThreshold(1024)
	low := make(chan struct{}, 1)
	cs.OnBufferedAmountLow(func() {
		select {
		case low <- struct{}{}:
		default:
		}
	})

	pipe.SetAutoProcess(false)
	written := 0
	for {
		_, err := cs.Write(make([]byte, 1000))
		if errors.Is(err, ErrWouldBlock) {
			break
		}
		if err != nil {
			t.Fatalf("Write() error = %v", err)
		}
		written++
		if written > 100 {
			t.Fatalf("Write() never reported %v", ErrWouldBlock)
		}
	}
	if got := cs.BufferedAmount(); got != uint64(written*1000) {
		t.Errorf("BufferedAmount() = %d, want %d", got, written*1000)
	}
	pipe.SetAutoProcess(true)

	ss := acceptStream(t, server)
	for i := 0; i < written; i++ {
		readMessage(t, ss, 1000)
	}
	select {
	case <-low:
	case <-time.After(5 * time.Second):
		t.Fatalf("OnBufferedAmountLow callback not called")
	}
}

func TestHandshakeTimeout(t *testing.T) {
	pipe, c0, _ := transport.NewConnPair()
	defer pipe.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 200*time.Millisecond)
	defer cancel()
	_, err := ClientContext(ctx, Config{NetConn: c0})
	if !errors.Is(err, ErrHandshakeTimeout) {
		t.Errorf("ClientContext() error = %v, want %v", err, ErrHandshakeTimeout)
	}
}

func TestConfigRequiresNetConn(t *testing.T) {
	if _, err := Client(Config{}); !errors.Is(err, ErrNilNetConn) {
		t.Errorf("Client() error = %v, want %v", err, ErrNilNetConn)
	}
}
