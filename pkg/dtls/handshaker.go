package dtls

import (
	"crypto/rand"
	"crypto/x509"
	"encoding/binary"
	"sync/atomic"
	"time"

	"github.com/backkem/mediaplane/pkg/crypto"
	"github.com/backkem/mediaplane/pkg/retransmit"
)

type handshakePhase int

const (
	phaseIdle               handshakePhase = iota
	phaseClientHelloSent                   // client: waiting for HelloVerifyRequest or ServerHello
	phaseServerHelloSeen                   // client: collecting flight 4
	phaseClientFinishedSent                // client: waiting for flight 6
	phaseServerHelloSent                   // server: waiting for flight 5
	phaseDone
)

// flightEntry is one message of an outgoing flight.
type flightEntry struct {
	typ   ContentType
	epoch uint16
	msg   *handshake // Handshake entries
}

// handshakeState runs the flight state machine. It is owned by the
// Conn's loop goroutine.
type handshakeState struct {
	c        *Conn
	cfg      *Config
	isClient bool
	phase    handshakePhase
	done     bool

	frag       *fragmentBuffer
	sendSeq    uint16
	recvSeq    uint16
	transcript []byte

	// Outgoing flight and its retransmission state.
	flight         []flightEntry
	rearmOnTimer   bool
	attempts       int
	backoff        *retransmit.Backoff
	newPeerFlight  bool
	peerFlightHead uint16
	flightsSent    atomic.Int32

	clientRandom [randomLength]byte
	serverRandom [randomLength]byte
	cookie       []byte
	cookieSecret []byte

	suite       *cipherSuite
	curve       crypto.NamedCurve
	keyShare    *crypto.KeyShare
	scheme      SignatureScheme
	peerSchemes []SignatureScheme
	ems         bool
	srtpProfile SRTPProtectionProfile
	serverName  string
	pskHint     []byte
	pskIdentity []byte
	master      []byte
	writeCipher recordCipher

	peerChain    [][]byte
	peerCert     *x509.Certificate
	peerVerified bool

	// Client side.
	serverKeyExchange *serverKeyExchange
	certRequest       *certificateRequest

	// Server side.
	requestedCert bool
	sawCKE        bool
}

func newHandshakeState(c *Conn) (*handshakeState, error) {
	hs := &handshakeState{
		c:        c,
		cfg:      c.cfg,
		isClient: c.isClient,
		frag:     newFragmentBuffer(),
		backoff:  retransmit.NewBackoff(c.cfg.FlightInterval, MaxFlightInterval),
	}
	random := hs.serverRandom[:]
	if hs.isClient {
		random = hs.clientRandom[:]
	}
	if err := fillRandom(random); err != nil {
		return nil, err
	}

	hs.cookieSecret = c.cfg.CookieSecret
	if !hs.isClient && len(hs.cookieSecret) == 0 {
		hs.cookieSecret = make([]byte, 32)
		if _, err := rand.Read(hs.cookieSecret); err != nil {
			return nil, err
		}
	}
	return hs, nil
}

// fillRandom writes gmt_unix_time followed by random bytes.
func fillRandom(b []byte) error {
	binary.BigEndian.PutUint32(b, uint32(time.Now().Unix()))
	_, err := rand.Read(b[4:])
	return err
}

// FlightsSent reports how many distinct flights this side has sent,
// not counting retransmissions.
func (c *Conn) FlightsSent() int {
	return int(c.hs.flightsSent.Load())
}

// finish completes the handshake with err, or publishes the negotiated
// state on success.
func (hs *handshakeState) finish(err error) {
	if hs.done {
		return
	}
	hs.done = true
	c := hs.c
	if err == nil {
		hs.phase = phaseDone
		c.stateMu.Lock()
		c.state = ConnectionState{
			CipherSuite:           hs.suite.id,
			SRTPProtectionProfile: hs.srtpProfile,
			PeerCertificates:      hs.peerChain,
			ServerName:            hs.serverName,
			ExtendedMasterSecret:  hs.ems,
			IdentityHint:          hs.pskIdentity,
		}
		c.master = hs.master
		c.randoms = append(append([]byte(nil), hs.clientRandom[:]...), hs.serverRandom[:]...)
		c.stateMu.Unlock()
		c.log.Debugf("handshake complete: %s", hs.suite)
	}
	c.handshakeErr = err
	close(c.handshakeDone)
}

// abort fails the handshake with a fatal alert.
func (hs *handshakeState) abort(desc AlertDescription, err error) {
	hs.c.abort(fatal(desc, err))
}

// newMessage numbers an outgoing message and appends it to the transcript.
func (hs *handshakeState) newMessage(typ handshakeType, body []byte) *handshake {
	m := &handshake{typ: typ, messageSeq: hs.sendSeq, body: body}
	hs.sendSeq++
	hs.transcript = append(hs.transcript, m.raw()...)
	return m
}

func (hs *handshakeState) addTranscript(m *handshake) {
	hs.transcript = append(hs.transcript, m.raw()...)
}

func (hs *handshakeState) transcriptHash() []byte {
	h := hs.suite.prf()
	h.Write(hs.transcript)
	return h.Sum(nil)
}

// sendFlight transmits a new flight. When awaitReply is set the flight is
// retransmitted on the doubling timer until the peer's next flight starts.
func (hs *handshakeState) sendFlight(entries []flightEntry, awaitReply bool) {
	hs.flight = entries
	hs.attempts = 0
	hs.rearmOnTimer = awaitReply
	hs.newPeerFlight = true
	hs.flightsSent.Add(1)
	if err := hs.transmit(); err != nil {
		hs.abort(AlertInternalError, err)
		return
	}
	if awaitReply {
		hs.c.armRetransmit(hs.backoff.Calculate(0))
	} else {
		hs.c.armRetransmit(0)
	}
}

func (hs *handshakeState) onTimeout() {
	if hs.done || !hs.rearmOnTimer || len(hs.flight) == 0 {
		return
	}
	hs.attempts++
	hs.c.log.Debugf("flight timer expired, retransmitting (attempt %d)", hs.attempts)
	hs.retransmit()
}

func (hs *handshakeState) retransmit() {
	hs.c.retransmits.Inc()
	if err := hs.transmit(); err != nil {
		hs.c.log.Warnf("retransmit: %v", err)
	}
	if hs.rearmOnTimer && !hs.done {
		hs.c.armRetransmit(hs.backoff.Calculate(hs.attempts))
	}
}

// transmit fragments the current flight into records and packs them into
// datagrams of at most MTU bytes. Every transmission uses fresh record
// sequence numbers; handshake message_seq values are preserved.
func (hs *handshakeState) transmit() error {
	c := hs.c
	mtu := hs.cfg.MTU

	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	var datagrams [][]byte
	var cur []byte
	appendRecord := func(rec []byte) {
		if len(cur) > 0 && len(cur)+len(rec) > mtu {
			datagrams = append(datagrams, cur)
			cur = nil
		}
		cur = append(cur, rec...)
	}

	for _, e := range hs.flight {
		if e.typ == ContentTypeChangeCipherSpec {
			rec, err := c.sealRecord(nil, ContentTypeChangeCipherSpec, e.epoch, []byte{1})
			if err != nil {
				return err
			}
			appendRecord(rec)
			continue
		}

		overhead := recordHeaderSize + handshakeHeaderSize
		if e.epoch > 0 {
			overhead += 64
		}
		maxFragment := mtu - overhead
		body := e.msg.body
		for off := 0; off == 0 || off < len(body); {
			n := len(body) - off
			if n > maxFragment {
				n = maxFragment
			}
			frag := make([]byte, handshakeHeaderSize+n)
			h := handshakeHeader{
				typ:            e.msg.typ,
				length:         uint32(len(body)),
				messageSeq:     e.msg.messageSeq,
				fragmentOffset: uint32(off),
				fragmentLength: uint32(n),
			}
			h.marshal(frag)
			copy(frag[handshakeHeaderSize:], body[off:off+n])

			rec, err := c.sealRecord(nil, ContentTypeHandshake, e.epoch, frag)
			if err != nil {
				return err
			}
			appendRecord(rec)
			off += n
			if n == 0 {
				break
			}
		}
	}
	if len(cur) > 0 {
		datagrams = append(datagrams, cur)
	}

	for _, d := range datagrams {
		if _, err := c.next.Write(d); err != nil {
			return err
		}
	}
	return nil
}

// switchWriteEpoch activates the pending write cipher. Later records of
// the flight are sealed under epoch 1.
func (hs *handshakeState) switchWriteEpoch() {
	c := hs.c
	c.writeMu.Lock()
	c.writeKeys = hs.writeCipher
	c.localEpoch = 1
	c.writeMu.Unlock()
}

// handleRecord splits a handshake record into fragments.
func (hs *handshakeState) handleRecord(rh *recordHeader, payload []byte) {
	for len(payload) > 0 {
		var h handshakeHeader
		if err := h.unmarshal(payload); err != nil {
			hs.c.drop(DropReasonMalformed)
			return
		}
		end := handshakeHeaderSize + int(h.fragmentLength)
		if end > len(payload) {
			hs.c.drop(DropReasonMalformed)
			return
		}
		hs.handleFragment(rh, &h, payload[handshakeHeaderSize:end])
		if hs.c.isFailed() {
			return
		}
		payload = payload[end:]
	}
}

func (hs *handshakeState) handleFragment(rh *recordHeader, h *handshakeHeader, fragment []byte) {
	if !hs.isClient && hs.phase == phaseIdle {
		// Before a valid cookie the server keeps no per-client state.
		if h.typ == handshakeTypeClientHello && rh.epoch == 0 &&
			h.fragmentOffset == 0 && h.fragmentLength == h.length {
			hs.handleClientHello(rh, h.messageSeq, fragment)
		}
		return
	}

	if h.messageSeq < hs.recvSeq {
		// A repeat of the peer's last flight means ours was lost.
		if h.messageSeq == hs.peerFlightHead && h.fragmentOffset == 0 && hs.newPeerFlight && len(hs.flight) > 0 {
			hs.c.log.Debugf("peer retransmitted %s, resending our flight", h.typ)
			hs.retransmit()
		}
		return
	}
	if hs.done {
		// Renegotiation is not supported.
		hs.c.drop(DropReasonEpoch)
		return
	}

	if err := hs.frag.push(rh.epoch, h, fragment); err != nil {
		hs.c.drop(DropReasonMalformed)
		return
	}
	for !hs.done && !hs.c.isFailed() {
		m := hs.frag.pop(hs.recvSeq)
		if m == nil {
			return
		}
		hs.recvSeq++
		if hs.newPeerFlight {
			hs.newPeerFlight = false
			hs.peerFlightHead = m.messageSeq
			hs.rearmOnTimer = false
			hs.c.armRetransmit(0)
		}
		hs.c.log.Tracef("received %s seq=%d", m.typ, m.messageSeq)
		if hs.isClient {
			hs.clientHandle(m)
		} else {
			hs.serverHandle(m)
		}
	}
}

// deriveKeys computes the master secret and the record ciphers of both
// directions, and installs the read side.
func (hs *handshakeState) deriveKeys(preMaster []byte) error {
	defer func() {
		for i := range preMaster {
			preMaster[i] = 0
		}
	}()

	fn := hs.suite.prf
	var err error
	if hs.ems {
		hs.master, err = crypto.ExtendedMasterSecret(fn, preMaster, hs.transcriptHash())
	} else {
		hs.master, err = crypto.MasterSecret(fn, preMaster, hs.clientRandom[:], hs.serverRandom[:])
	}
	if err != nil {
		return err
	}

	s := hs.suite
	kb, err := crypto.KeyBlock(fn, hs.master, hs.clientRandom[:], hs.serverRandom[:], s.keyBlockLen())
	if err != nil {
		return err
	}
	take := func(n int) []byte {
		out := kb[:n]
		kb = kb[n:]
		return out
	}
	clientMAC, serverMAC := take(s.macLen), take(s.macLen)
	clientKey, serverKey := take(s.keyLen), take(s.keyLen)
	clientIV, serverIV := take(s.ivLen), take(s.ivLen)

	client, err := s.build(clientKey, clientIV, clientMAC)
	if err != nil {
		return err
	}
	server, err := s.build(serverKey, serverIV, serverMAC)
	if err != nil {
		return err
	}
	if hs.isClient {
		hs.writeCipher = client
		hs.c.installReadKeys(server)
	} else {
		hs.writeCipher = server
		hs.c.installReadKeys(client)
	}
	return nil
}

// pskPreMaster builds the RFC 4279 premaster secret for plain PSK.
func pskPreMaster(psk []byte) []byte {
	n := len(psk)
	out := make([]byte, 2+n+2+n)
	binary.BigEndian.PutUint16(out, uint16(n))
	binary.BigEndian.PutUint16(out[2+n:], uint16(n))
	copy(out[4+n:], psk)
	return out
}

// verifyPeerChain parses and validates the peer's certificates. verifyChain
// selects validation against the configured roots.
func (hs *handshakeState) verifyPeerChain(chain [][]byte, verifyChain bool) *AlertError {
	certs := make([]*x509.Certificate, 0, len(chain))
	for _, der := range chain {
		cert, err := x509.ParseCertificate(der)
		if err != nil {
			return fatal(AlertBadCertificate, err)
		}
		certs = append(certs, cert)
	}
	if len(certs) == 0 {
		return nil
	}

	var verified [][]*x509.Certificate
	if verifyChain {
		opts := x509.VerifyOptions{
			Intermediates: x509.NewCertPool(),
		}
		for _, cert := range certs[1:] {
			opts.Intermediates.AddCert(cert)
		}
		if hs.isClient {
			opts.Roots = hs.cfg.RootCAs
			opts.DNSName = hs.cfg.ServerName
		} else {
			opts.Roots = hs.cfg.ClientCAs
			opts.KeyUsages = []x509.ExtKeyUsage{x509.ExtKeyUsageClientAuth}
		}
		var err error
		if verified, err = certs[0].Verify(opts); err != nil {
			return fatal(AlertBadCertificate, err)
		}
	}
	if hs.cfg.VerifyPeerCertificate != nil {
		if err := hs.cfg.VerifyPeerCertificate(chain, verified); err != nil {
			return fatal(AlertBadCertificate, err)
		}
	}
	hs.peerChain = chain
	hs.peerCert = certs[0]
	return nil
}

func containsScheme(list []SignatureScheme, s SignatureScheme) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}

func containsCurve(list []crypto.NamedCurve, c crypto.NamedCurve) bool {
	for _, v := range list {
		if v == c {
			return true
		}
	}
	return false
}
