package dtls

import (
	"bytes"
	"context"
	"crypto/sha256"
	"crypto/x509"
	"errors"
	"io"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/backkem/mediaplane/pkg/certificate"
	"github.com/backkem/mediaplane/pkg/crypto"
	"github.com/backkem/mediaplane/pkg/transport"
	"github.com/prometheus/client_golang/prometheus/testutil"
)

func generateCert(t *testing.T, k certificate.KeyType) *certificate.Certificate {
	t.Helper()
	cert, err := certificate.Generate(k)
	if err != nil {
		t.Fatalf("Generate(%s) error = %v", k, err)
	}
	return cert
}

// handshakePair runs a client and a server handshake over pipe and
// returns both ends. The handshake errors are returned rather than fatal.
func handshakePair(t *testing.T, pipe *transport.Pipe, c0, c1 net.Conn, clientCfg, serverCfg *Config) (*Conn, *Conn, error, error) {
	t.Helper()
	client, err := Client(c0, clientCfg)
	if err != nil {
		t.Fatalf("Client() error = %v", err)
	}
	server, err := Server(c1, serverCfg)
	if err != nil {
		t.Fatalf("Server() error = %v", err)
	}
	t.Cleanup(func() {
		client.Close()
		server.Close()
		pipe.Close()
	})

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	var wg sync.WaitGroup
	var serverErr error
	wg.Add(1)
	go func() {
		defer wg.Done()
		serverErr = server.Handshake(ctx)
	}()
	clientErr := client.Handshake(ctx)
	wg.Wait()
	return client, server, clientErr, serverErr
}

func connectedPair(t *testing.T, clientCfg, serverCfg *Config) (*Conn, *Conn) {
	t.Helper()
	pipe, c0, c1 := transport.NewConnPair()
	client, server, cerr, serr := handshakePair(t, pipe, c0, c1, clientCfg, serverCfg)
	if cerr != nil {
		t.Fatalf("client Handshake() error = %v", cerr)
	}
	if serr != nil {
		t.Fatalf("server Handshake() error = %v", serr)
	}
	return client, server
}

func exchange(t *testing.T, from, to *Conn, msg []byte) {
	t.Helper()
	if _, err := from.Write(msg); err != nil {
		t.Fatalf("Write() error = %v", err)
	}
	_ = to.SetReadDeadline(time.Now().Add(5 * time.Second))
	buf := make([]byte, 2048)
	n, err := to.Read(buf)
	if err != nil {
		t.Fatalf("Read() error = %v", err)
	}
	if !bytes.Equal(buf[:n], msg) {
		t.Errorf("Read() = %q, want %q", buf[:n], msg)
	}
}

func TestHandshake_CipherSuites(t *testing.T) {
	ecdsaCert := generateCert(t, certificate.KeyTypeECDSAP256)
	rsaCert := generateCert(t, certificate.KeyTypeRSA2048)
	psk := func([]byte) ([]byte, error) { return []byte{0xAB, 0xC1, 0x23}, nil }

	for _, s := range cipherSuites {
		s := s
		t.Run(s.name, func(t *testing.T) {
			clientCfg := &Config{CipherSuites: []CipherSuiteID{s.id}, InsecureSkipVerify: true}
			serverCfg := &Config{CipherSuites: []CipherSuiteID{s.id}}
			switch s.auth {
			case authECDSA:
				serverCfg.Certificates = []*certificate.Certificate{ecdsaCert}
			case authRSA:
				serverCfg.Certificates = []*certificate.Certificate{rsaCert}
			case authNone:
				clientCfg.PSK = psk
				clientCfg.PSKIdentityHint = []byte("client-identity")
				serverCfg.PSK = psk
			}

			client, server := connectedPair(t, clientCfg, serverCfg)

			state, ok := client.ConnectionState()
			if !ok {
				t.Fatal("ConnectionState() ok = false after handshake")
			}
			if state.CipherSuite != s.id {
				t.Errorf("CipherSuite = %s, want %s", state.CipherSuite, s.id)
			}
			if s.kx == keyExchangePSK {
				sstate, _ := server.ConnectionState()
				if string(sstate.IdentityHint) != "client-identity" {
					t.Errorf("server IdentityHint = %q, want %q", sstate.IdentityHint, "client-identity")
				}
			}

			exchange(t, client, server, []byte("ping"))
			exchange(t, server, client, []byte("pong"))
		})
	}
}

func TestHandshake_FlightsAndExporter(t *testing.T) {
	cert := generateCert(t, certificate.KeyTypeECDSAP256)
	profiles := []SRTPProtectionProfile{SRTP_AEAD_AES_128_GCM, SRTP_AES128_CM_HMAC_SHA1_80}
	client, server := connectedPair(t,
		&Config{InsecureSkipVerify: true, SRTPProtectionProfiles: profiles},
		&Config{Certificates: []*certificate.Certificate{cert}, SRTPProtectionProfiles: profiles},
	)

	if n := client.FlightsSent() + server.FlightsSent(); n > 6 {
		t.Errorf("flights sent = %d, want <= 6", n)
	}
	if n := testutil.ToFloat64(client.retransmits) + testutil.ToFloat64(server.retransmits); n != 0 {
		t.Errorf("retransmitted flights = %v on a lossless pipe, want 0", n)
	}

	ck, err := client.ExportKeyingMaterial("EXTRACTOR-dtls_srtp", nil, 60)
	if err != nil {
		t.Fatalf("client ExportKeyingMaterial() error = %v", err)
	}
	sk, err := server.ExportKeyingMaterial("EXTRACTOR-dtls_srtp", nil, 60)
	if err != nil {
		t.Fatalf("server ExportKeyingMaterial() error = %v", err)
	}
	if len(ck) != 60 || !bytes.Equal(ck, sk) {
		t.Errorf("exported keying material differs:\nclient %x\nserver %x", ck, sk)
	}

	withContext, err := client.ExportKeyingMaterial("EXTRACTOR-dtls_srtp", []byte{}, 60)
	if err != nil {
		t.Fatalf("ExportKeyingMaterial(empty context) error = %v", err)
	}
	if bytes.Equal(withContext, ck) {
		t.Error("empty context should be distinct from no context")
	}

	for _, p := range []*Conn{client, server} {
		profile, ok := p.SelectedSRTPProtectionProfile()
		if !ok || profile != SRTP_AEAD_AES_128_GCM {
			t.Errorf("SelectedSRTPProtectionProfile() = %s, %v, want %s", profile, ok, SRTP_AEAD_AES_128_GCM)
		}
	}
	state, _ := server.ConnectionState()
	if !state.ExtendedMasterSecret {
		t.Error("ExtendedMasterSecret = false, want true")
	}
}

func TestHandshake_RetransmitsLostFlight(t *testing.T) {
	cert := generateCert(t, certificate.KeyTypeECDSAP256)
	pipe, c0, c1 := transport.NewConnPair()

	// Drop the client's first flight carrying ChangeCipherSpec and note when
	// the same flight shows up again.
	var mu sync.Mutex
	var droppedAt, resentAt time.Time
	pipe.SetFilter(func(from int, b []byte) bool {
		if from != 0 {
			return true
		}
		records, err := splitRecords(b)
		if err != nil {
			return true
		}
		for _, r := range records {
			if ContentType(r[0]) != ContentTypeChangeCipherSpec {
				continue
			}
			mu.Lock()
			defer mu.Unlock()
			switch {
			case droppedAt.IsZero():
				droppedAt = time.Now()
				return false
			case resentAt.IsZero():
				resentAt = time.Now()
			}
			return true
		}
		return true
	})

	start := time.Now()
	client, server, cerr, serr := handshakePair(t, pipe, c0, c1,
		&Config{InsecureSkipVerify: true},
		&Config{Certificates: []*certificate.Certificate{cert}},
	)
	if cerr != nil || serr != nil {
		t.Fatalf("Handshake() errors = %v, %v", cerr, serr)
	}
	if elapsed := time.Since(start); elapsed > 3*time.Second {
		t.Errorf("handshake took %v, want < 3s", elapsed)
	}
	mu.Lock()
	switch {
	case droppedAt.IsZero():
		t.Error("filter never saw the client's ChangeCipherSpec")
	case resentAt.IsZero():
		t.Error("client never retransmitted the dropped flight")
	default:
		if gap := resentAt.Sub(droppedAt); gap > 2*time.Second {
			t.Errorf("retransmission after %v, want <= 2s", gap)
		}
	}
	mu.Unlock()
	if n := testutil.ToFloat64(client.retransmits); n < 1 {
		t.Errorf("client retransmitted flights = %v, want >= 1", n)
	}
	if n := client.FlightsSent() + server.FlightsSent(); n > 6 {
		t.Errorf("flights sent = %d, want <= 6 (retransmissions excluded)", n)
	}
	exchange(t, client, server, []byte("after loss"))
}

func TestHandshake_SmallMTUFragments(t *testing.T) {
	cert := generateCert(t, certificate.KeyTypeRSA2048)
	pipe, c0, c1 := transport.NewConnPair()

	var mu sync.Mutex
	maxSize := 0
	pipe.SetFilter(func(_ int, b []byte) bool {
		mu.Lock()
		if len(b) > maxSize {
			maxSize = len(b)
		}
		mu.Unlock()
		return true
	})

	_, _, cerr, serr := handshakePair(t, pipe, c0, c1,
		&Config{InsecureSkipVerify: true, MTU: 300},
		&Config{Certificates: []*certificate.Certificate{cert}, MTU: 300},
	)
	if cerr != nil || serr != nil {
		t.Fatalf("Handshake() errors = %v, %v", cerr, serr)
	}
	mu.Lock()
	defer mu.Unlock()
	if maxSize > 300 {
		t.Errorf("largest datagram = %d bytes, want <= 300", maxSize)
	}
}

func TestHandshake_ExtendedMasterSecretRequired(t *testing.T) {
	cert := generateCert(t, certificate.KeyTypeECDSAP256)
	pipe, c0, c1 := transport.NewConnPair()

	_, _, cerr, serr := handshakePair(t, pipe, c0, c1,
		&Config{InsecureSkipVerify: true, ExtendedMasterSecret: DisableExtendedMasterSecret},
		&Config{Certificates: []*certificate.Certificate{cert}},
	)

	var serverAlert *AlertError
	if !errors.As(serr, &serverAlert) {
		t.Fatalf("server Handshake() error = %v, want *AlertError", serr)
	}
	if serverAlert.Alert.Description != AlertInsecureConfiguration {
		t.Errorf("server alert = %s, want %s", serverAlert.Alert.Description, AlertInsecureConfiguration)
	}

	var clientAlert *AlertError
	if !errors.As(cerr, &clientAlert) {
		t.Fatalf("client Handshake() error = %v, want *AlertError", cerr)
	}
	if !clientAlert.Remote || clientAlert.Alert.Description != AlertHandshakeFailure {
		t.Errorf("client alert = %+v, want remote %s", clientAlert, AlertHandshakeFailure)
	}
}

func TestHandshake_FingerprintMismatch(t *testing.T) {
	cert := generateCert(t, certificate.KeyTypeECDSAP256)
	pipe, c0, c1 := transport.NewConnPair()

	errMismatch := errors.New("fingerprint mismatch")
	var expected [sha256.Size]byte
	_, _, cerr, serr := handshakePair(t, pipe, c0, c1,
		&Config{
			InsecureSkipVerify: true,
			VerifyPeerCertificate: func(raw [][]byte, _ [][]*x509.Certificate) error {
				if sha256.Sum256(raw[0]) != expected {
					return errMismatch
				}
				return nil
			},
		},
		&Config{Certificates: []*certificate.Certificate{cert}},
	)
	if !errors.Is(cerr, errMismatch) {
		t.Errorf("client Handshake() error = %v, want %v", cerr, errMismatch)
	}
	var alert *AlertError
	if !errors.As(serr, &alert) || !alert.Remote || alert.Alert.Description != AlertBadCertificate {
		t.Errorf("server Handshake() error = %v, want remote bad_certificate", serr)
	}
}

func TestHandshake_MutualCertificates(t *testing.T) {
	clientCert := generateCert(t, certificate.KeyTypeECDSAP256)
	serverCert := generateCert(t, certificate.KeyTypeECDSAP256)

	var seen []byte
	client, server := connectedPair(t,
		&Config{Certificates: []*certificate.Certificate{clientCert}, InsecureSkipVerify: true},
		&Config{
			Certificates: []*certificate.Certificate{serverCert},
			ClientAuth:   RequireAnyClientCert,
			VerifyPeerCertificate: func(raw [][]byte, _ [][]*x509.Certificate) error {
				seen = raw[0]
				return nil
			},
		},
	)
	if !bytes.Equal(seen, clientCert.Chain[0]) {
		t.Error("server verified a different client certificate")
	}
	leaf, err := server.PeerCertificate()
	if err != nil {
		t.Fatalf("PeerCertificate() error = %v", err)
	}
	if !bytes.Equal(leaf.Raw, clientCert.Chain[0]) {
		t.Error("PeerCertificate() is not the client's leaf")
	}
	if _, err := client.PeerCertificate(); err != nil {
		t.Errorf("client PeerCertificate() error = %v", err)
	}
}

func TestHandshake_ClientCertificateRequired(t *testing.T) {
	cert := generateCert(t, certificate.KeyTypeECDSAP256)
	pipe, c0, c1 := transport.NewConnPair()

	_, _, _, serr := handshakePair(t, pipe, c0, c1,
		&Config{InsecureSkipVerify: true},
		&Config{Certificates: []*certificate.Certificate{cert}, ClientAuth: RequireAnyClientCert},
	)
	if !errors.Is(serr, errClientCertRequired) {
		t.Errorf("server Handshake() error = %v, want %v", serr, errClientCertRequired)
	}
}

func TestHandshake_UnknownPSKIdentity(t *testing.T) {
	pipe, c0, c1 := transport.NewConnPair()
	_, _, cerr, serr := handshakePair(t, pipe, c0, c1,
		&Config{
			PSK:             func([]byte) ([]byte, error) { return []byte{1, 2, 3}, nil },
			PSKIdentityHint: []byte("stranger"),
		},
		&Config{
			PSK: func(id []byte) ([]byte, error) { return nil, errors.New("unknown identity") },
		},
	)
	if !errors.Is(serr, errUnknownPSKIdentity) {
		t.Errorf("server Handshake() error = %v, want %v", serr, errUnknownPSKIdentity)
	}
	var alert *AlertError
	if !errors.As(cerr, &alert) || alert.Alert.Description != AlertUnknownPSKIdentity {
		t.Errorf("client Handshake() error = %v, want unknown_psk_identity", cerr)
	}
}

func TestHandshake_ContextCancel(t *testing.T) {
	pipe, c0, _ := transport.NewConnPair()
	defer pipe.Close()

	client, err := Client(c0, &Config{InsecureSkipVerify: true})
	if err != nil {
		t.Fatalf("Client() error = %v", err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 200*time.Millisecond)
	defer cancel()

	err = client.Handshake(ctx)
	if !errors.Is(err, ErrHandshakeTimeout) || !errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("Handshake() error = %v, want %v wrapping %v", err, ErrHandshakeTimeout, context.DeadlineExceeded)
	}
	if _, err := client.Write([]byte("x")); err == nil {
		t.Error("Write() after canceled handshake should fail")
	}
}

func TestConn_CloseNotify(t *testing.T) {
	cert := generateCert(t, certificate.KeyTypeECDSAP256)
	client, server := connectedPair(t,
		&Config{InsecureSkipVerify: true},
		&Config{Certificates: []*certificate.Certificate{cert}},
	)
	exchange(t, client, server, []byte("last words"))

	if err := client.Close(); err != nil {
		t.Fatalf("Close() error = %v", err)
	}
	_ = server.SetReadDeadline(time.Now().Add(5 * time.Second))
	if _, err := server.Read(make([]byte, 64)); !errors.Is(err, io.EOF) {
		t.Errorf("Read() error = %v, want %v", err, io.EOF)
	}
	if _, err := server.Write([]byte("too late")); !errors.Is(err, ErrConnClosed) {
		t.Errorf("Write() error = %v, want %v", err, ErrConnClosed)
	}
	if _, err := client.ExportKeyingMaterial("EXTRACTOR-dtls_srtp", nil, 60); err == nil {
		t.Error("ExportKeyingMaterial() after Close should fail")
	}
}

func TestConn_ExportReservedLabels(t *testing.T) {
	cert := generateCert(t, certificate.KeyTypeECDSAP256)
	client, _ := connectedPair(t,
		&Config{InsecureSkipVerify: true},
		&Config{Certificates: []*certificate.Certificate{cert}},
	)
	for _, label := range []string{
		crypto.PRFLabelClientFinished,
		crypto.PRFLabelServerFinished,
		crypto.PRFLabelMasterSecret,
		crypto.PRFLabelKeyExpansion,
		crypto.PRFLabelExtendedMasterSecret,
	} {
		if _, err := client.ExportKeyingMaterial(label, nil, 16); !errors.Is(err, ErrReservedExportLabel) {
			t.Errorf("ExportKeyingMaterial(%q) error = %v, want %v", label, err, ErrReservedExportLabel)
		}
	}
}

func TestConn_ApplicationDataTooLarge(t *testing.T) {
	cert := generateCert(t, certificate.KeyTypeECDSAP256)
	client, _ := connectedPair(t,
		&Config{InsecureSkipVerify: true},
		&Config{Certificates: []*certificate.Certificate{cert}},
	)
	if _, err := client.Write(make([]byte, maxPlaintext+1)); !errors.Is(err, ErrApplicationDataSize) {
		t.Errorf("Write() error = %v, want %v", err, ErrApplicationDataSize)
	}
}
