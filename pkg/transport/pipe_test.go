package transport

import (
	"bytes"
	"net"
	"testing"
	"time"
)

func readWithTimeout(t *testing.T, conn net.PacketConn, d time.Duration) ([]byte, error) {
	t.Helper()
	buf := make([]byte, 1500)
	if err := conn.SetReadDeadline(time.Now().Add(d)); err != nil {
		t.Fatalf("SetReadDeadline: %v", err)
	}
	n, _, err := conn.ReadFrom(buf)
	if err != nil {
		return nil, err
	}
	return buf[:n], nil
}

func TestPipe_AutoProcess(t *testing.T) {
	f0, f1 := NewPipeFactoryPair()
	defer f0.Pipe().Close()

	if !f0.Pipe().AutoProcess() {
		t.Fatal("AutoProcess should be true by default")
	}

	conn0, _ := f0.CreateUDPConn(5000)
	conn1, _ := f1.CreateUDPConn(5000)

	want := []byte("auto-delivered datagram")
	if _, err := conn0.WriteTo(want, f1.LocalAddr()); err != nil {
		t.Fatalf("WriteTo: %v", err)
	}

	got, err := readWithTimeout(t, conn1, time.Second)
	if err != nil {
		t.Fatalf("ReadFrom: %v", err)
	}
	if !bytes.Equal(got, want) {
		t.Errorf("received %q, want %q", got, want)
	}
}

func TestPipe_ManualProcess(t *testing.T) {
	f0, f1 := NewPipeFactoryPairWithConfig(PipeConfig{AutoProcess: false})
	defer f0.Pipe().Close()

	if f0.Pipe().AutoProcess() {
		t.Fatal("AutoProcess should be false")
	}

	conn0, _ := f0.CreateUDPConn(5000)
	conn1, _ := f1.CreateUDPConn(5000)

	if _, err := conn0.WriteTo([]byte("a"), nil); err != nil {
		t.Fatalf("WriteTo: %v", err)
	}
	if _, err := conn0.WriteTo([]byte("b"), nil); err != nil {
		t.Fatalf("WriteTo: %v", err)
	}

	done := make(chan []string, 1)
	go func() {
		var got []string
		buf := make([]byte, 16)
		for i := 0; i < 2; i++ {
			n, _, err := conn1.ReadFrom(buf)
			if err != nil {
				break
			}
			got = append(got, string(buf[:n]))
		}
		done <- got
	}()

	select {
	case <-done:
		t.Fatal("datagrams delivered without Process()")
	case <-time.After(50 * time.Millisecond):
	}

	// The bridge hands a datagram over only while a reader is blocked, so
	// keep pumping until both have been taken.
	deadline := time.After(time.Second)
	for {
		f0.Pipe().Process()
		select {
		case got := <-done:
			if len(got) != 2 || got[0] != "a" || got[1] != "b" {
				t.Errorf("received %v, want [a b]", got)
			}
			return
		case <-deadline:
			t.Fatal("timeout after Process()")
		case <-time.After(2 * time.Millisecond):
		}
	}
}

func TestPipe_ConnInterface(t *testing.T) {
	pipe, c0, c1 := NewConnPair()
	defer pipe.Close()

	if _, err := c1.Write([]byte("reply")); err != nil {
		t.Fatalf("Write: %v", err)
	}
	buf := make([]byte, 16)
	if err := c0.SetReadDeadline(time.Now().Add(time.Second)); err != nil {
		t.Fatalf("SetReadDeadline: %v", err)
	}
	n, err := c0.Read(buf)
	if err != nil {
		t.Fatalf("Read: %v", err)
	}
	if string(buf[:n]) != "reply" {
		t.Errorf("Read() = %q, want %q", buf[:n], "reply")
	}
	if got := c0.RemoteAddr().String(); got != "pipe:1:0" {
		t.Errorf("RemoteAddr() = %s, want pipe:1:0", got)
	}
}

func TestPipe_Filter(t *testing.T) {
	pipe, c0, c1 := NewConnPair()
	defer pipe.Close()

	dropped := 0
	pipe.SetFilter(func(fromID int, b []byte) bool {
		if fromID == 0 && b[0] == 'x' && dropped == 0 {
			dropped++
			return false
		}
		return true
	})

	for _, m := range []string{"x1", "y", "x2"} {
		if _, err := c0.Write([]byte(m)); err != nil {
			t.Fatalf("Write(%s): %v", m, err)
		}
	}

	for _, want := range []string{"y", "x2"} {
		got, err := readWithTimeout(t, c1, time.Second)
		if err != nil {
			t.Fatalf("ReadFrom: %v", err)
		}
		if string(got) != want {
			t.Errorf("received %q, want %q", got, want)
		}
	}
}

func TestNetworkCondition_DropRate(t *testing.T) {
	f0, f1 := NewPipeFactoryPair()
	defer f0.Pipe().Close()

	f0.SetCondition(NetworkCondition{DropRate: 1.0})

	conn0, _ := f0.CreateUDPConn(5000)
	conn1, _ := f1.CreateUDPConn(5000)

	data := []byte("dropped packet")
	n, err := conn0.WriteTo(data, f1.LocalAddr())
	if err != nil {
		t.Fatalf("WriteTo: %v", err)
	}
	if n != len(data) {
		t.Errorf("WriteTo returned %d, want %d", n, len(data))
	}

	if _, err := readWithTimeout(t, conn1, 50*time.Millisecond); err == nil {
		t.Error("expected timeout error due to dropped packet")
	}
}

func TestNetworkCondition_Duplicate(t *testing.T) {
	f0, f1 := NewPipeFactoryPair()
	defer f0.Pipe().Close()

	f0.SetCondition(NetworkCondition{DuplicateRate: 1.0})

	conn0, _ := f0.CreateUDPConn(5000)
	conn1, _ := f1.CreateUDPConn(5000)

	if _, err := conn0.WriteTo([]byte("twice"), nil); err != nil {
		t.Fatalf("WriteTo: %v", err)
	}
	for i := 0; i < 2; i++ {
		got, err := readWithTimeout(t, conn1, time.Second)
		if err != nil {
			t.Fatalf("copy %d: ReadFrom: %v", i, err)
		}
		if string(got) != "twice" {
			t.Errorf("copy %d = %q, want %q", i, got, "twice")
		}
	}
}

func TestNetworkCondition_Delay(t *testing.T) {
	f0, f1 := NewPipeFactoryPair()
	defer f0.Pipe().Close()

	delay := 50 * time.Millisecond
	f0.SetCondition(NetworkCondition{DelayMin: delay, DelayMax: delay})

	conn0, _ := f0.CreateUDPConn(5000)
	conn1, _ := f1.CreateUDPConn(5000)

	start := time.Now()
	if _, err := conn0.WriteTo([]byte("delayed packet"), nil); err != nil {
		t.Fatalf("WriteTo: %v", err)
	}
	if elapsed := time.Since(start); elapsed < delay {
		t.Errorf("elapsed %v, want at least %v", elapsed, delay)
	}
	if _, err := readWithTimeout(t, conn1, time.Second); err != nil {
		t.Errorf("packet should arrive after delay: %v", err)
	}
}

func TestPipeAddr_String(t *testing.T) {
	addr := PipeAddr{ID: 1, Port: 5000}
	if got := addr.String(); got != "pipe:1:5000" {
		t.Errorf("String() = %s, want pipe:1:5000", got)
	}
	if addr.Network() != "pipe" {
		t.Errorf("Network() = %s, want pipe", addr.Network())
	}
}

func TestPipeFactory_ReusesConnection(t *testing.T) {
	f0, _ := NewPipeFactoryPair()
	defer f0.Pipe().Close()

	a, _ := f0.CreateUDPConn(5000)
	b, _ := f0.CreateUDPConn(6000)
	if a != b {
		t.Error("CreateUDPConn should return the same connection")
	}
}

func TestPipe_Close(t *testing.T) {
	pipe := NewPipe()
	if err := pipe.Close(); err != nil {
		t.Errorf("Close failed: %v", err)
	}
	if err := pipe.Close(); err != nil {
		t.Errorf("Second Close failed: %v", err)
	}
}
