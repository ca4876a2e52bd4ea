package dtls

import (
	"crypto/hmac"
	"encoding/binary"
	"time"

	"github.com/backkem/mediaplane/pkg/certificate"
	"github.com/backkem/mediaplane/pkg/crypto"
)

func firstCertificate(cfg *Config) *certificate.Certificate {
	if len(cfg.Certificates) == 0 {
		return nil
	}
	return cfg.Certificates[0]
}

// cookieWindow is the lifetime of one cookie secret bucket. Cookies from the
// current and the previous bucket are accepted, so a cookie expires between
// one and two windows after it was issued.
const cookieWindow = 30 * time.Second

// makeCookie binds the HelloVerifyRequest to the peer address, to the
// ClientHello fields that must not change between the two hellos and to the
// time bucket it was issued in.
func makeCookie(secret []byte, remote string, ch *clientHello, bucket int64) []byte {
	data := []byte(remote)
	data = binary.BigEndian.AppendUint64(data, uint64(bucket))
	data = append(data, ch.version.Major, ch.version.Minor)
	data = append(data, ch.random[:]...)
	data = append(data, ch.sessionID...)
	for _, s := range ch.cipherSuites {
		data = binary.BigEndian.AppendUint16(data, uint16(s))
	}
	return crypto.HMACSHA256(secret, data)
}

func cookieBucket(now time.Time) int64 {
	return now.UnixNano() / int64(cookieWindow)
}

// validCookie reports whether cookie was issued to remote for ch within the
// current or the previous bucket.
func validCookie(secret []byte, remote string, ch *clientHello, now time.Time) bool {
	bucket := cookieBucket(now)
	for _, b := range []int64{bucket, bucket - 1} {
		if hmac.Equal(ch.cookie, makeCookie(secret, remote, ch, b)) {
			return true
		}
	}
	return false
}

// handleClientHello processes a ClientHello while no handshake is in
// progress. Without a valid cookie it answers statelessly.
func (hs *handshakeState) handleClientHello(rh *recordHeader, seq uint16, body []byte) {
	var ch clientHello
	if err := ch.unmarshal(body); err != nil {
		hs.c.drop(DropReasonMalformed)
		return
	}

	remote := hs.c.RemoteAddr().String()
	now := time.Now()
	if !validCookie(hs.cookieSecret, remote, &ch, now) {
		hs.sendHelloVerifyRequest(rh, seq, makeCookie(hs.cookieSecret, remote, &ch, cookieBucket(now)))
		return
	}

	m := &handshake{typ: handshakeTypeClientHello, messageSeq: seq, body: body}
	hs.recvSeq = seq + 1
	hs.sendSeq = seq
	hs.peerFlightHead = seq
	hs.transcript = m.raw()
	hs.clientRandom = ch.random
	hs.c.log.Tracef("accepted ClientHello seq=%d", seq)

	if aerr := hs.negotiate(&ch); aerr != nil {
		hs.c.abort(aerr)
		return
	}
	hs.sendServerFlight4()
}

// sendHelloVerifyRequest answers with the record sequence number and
// message_seq of the ClientHello, touching no connection state.
func (hs *handshakeState) sendHelloVerifyRequest(rh *recordHeader, seq uint16, cookie []byte) {
	body, err := (&helloVerifyRequest{version: VersionDTLS12, cookie: cookie}).marshal()
	if err != nil {
		return
	}
	m := &handshake{typ: handshakeTypeHelloVerifyRequest, messageSeq: seq, body: body}
	payload := m.raw()

	h := recordHeader{
		contentType: ContentTypeHandshake,
		version:     VersionDTLS12,
		sequence:    rh.sequence,
		length:      uint16(len(payload)),
	}
	pkt := make([]byte, recordHeaderSize+len(payload))
	h.marshal(pkt)
	copy(pkt[recordHeaderSize:], payload)

	hs.flightsSent.Add(1)
	if _, err := hs.c.next.Write(pkt); err != nil {
		hs.c.log.Debugf("write HelloVerifyRequest: %v", err)
	}
}

// negotiate selects version, suite, curve, signature scheme, extended
// master secret and SRTP profile from the ClientHello.
func (hs *handshakeState) negotiate(ch *clientHello) *AlertError {
	cfg := hs.cfg
	if ch.version.Major != 0xfe || ch.version.Minor > VersionDTLS12.Minor {
		return fatal(AlertProtocolVersion, errUnsupportedVersion)
	}
	hasNull := false
	for _, c := range ch.compressionMethods {
		if c == 0 {
			hasNull = true
		}
	}
	if !hasNull {
		return fatal(AlertIllegalParameter, errInvalidCompression)
	}

	peerCurves := ch.extensions.supportedGroups
	if len(peerCurves) == 0 {
		peerCurves = []crypto.NamedCurve{crypto.NamedCurveP256}
	}
	hs.peerSchemes = ch.extensions.signatureSchemes
	if len(hs.peerSchemes) == 0 {
		hs.peerSchemes = []SignatureScheme{ECDSAWithP256AndSHA256, PKCS1WithSHA256}
	}

	cert := firstCertificate(cfg)
	for _, id := range cfg.CipherSuites {
		offered := false
		for _, theirs := range ch.cipherSuites {
			if theirs == id {
				offered = true
				break
			}
		}
		if !offered {
			continue
		}
		s := cipherSuiteForID(id)
		if s.kx == keyExchangeECDHE {
			if cert == nil {
				continue
			}
			curve, ok := firstShared(cfg.EllipticCurves, peerCurves)
			if !ok {
				continue
			}
			scheme, err := selectSignatureScheme(cfg.SignatureSchemes, hs.peerSchemes, cert.Leaf().PublicKey)
			if err != nil {
				continue
			}
			hs.curve = curve
			hs.scheme = scheme
		}
		hs.suite = s
		break
	}
	if hs.suite == nil {
		return fatal(AlertHandshakeFailure, errNoSharedCipher)
	}

	offeredEMS := ch.extensions.extendedMasterSecret
	switch cfg.ExtendedMasterSecret {
	case RequireExtendedMasterSecret:
		if !offeredEMS {
			return fatal(AlertInsecureConfiguration, errExtendedMasterSecret)
		}
		hs.ems = true
	case RequestExtendedMasterSecret:
		hs.ems = offeredEMS
	}

	if len(cfg.SRTPProtectionProfiles) > 0 && len(ch.extensions.srtpProfiles) > 0 {
		for _, ours := range cfg.SRTPProtectionProfiles {
			for _, theirs := range ch.extensions.srtpProfiles {
				if ours == theirs && hs.srtpProfile == 0 {
					hs.srtpProfile = ours
				}
			}
		}
		if hs.srtpProfile == 0 {
			return fatal(AlertHandshakeFailure, errNoSharedSRTPProfile)
		}
	}

	hs.serverName = ch.extensions.serverName
	hs.c.log.Debugf("negotiated %s", hs.suite)
	return nil
}

func firstShared(ours, theirs []crypto.NamedCurve) (crypto.NamedCurve, bool) {
	for _, c := range ours {
		if containsCurve(theirs, c) {
			return c, true
		}
	}
	return 0, false
}

// sendServerFlight4 sends ServerHello, Certificate*, ServerKeyExchange*,
// CertificateRequest* and ServerHelloDone.
func (hs *handshakeState) sendServerFlight4() {
	cfg := hs.cfg
	var entries []flightEntry
	add := func(typ handshakeType, body []byte) {
		entries = append(entries, flightEntry{typ: ContentTypeHandshake, msg: hs.newMessage(typ, body)})
	}
	fail := func(err error) {
		hs.abort(AlertInternalError, err)
	}

	sh := serverHello{
		version:     VersionDTLS12,
		random:      hs.serverRandom,
		cipherSuite: hs.suite.id,
	}
	sh.extensions.extendedMasterSecret = hs.ems
	sh.extensions.renegotiationInfo = true
	if hs.suite.kx == keyExchangeECDHE {
		sh.extensions.pointFormats = []byte{pointFormatUncompressed}
	}
	if hs.srtpProfile != 0 {
		sh.extensions.srtpProfiles = []SRTPProtectionProfile{hs.srtpProfile}
	}
	body, err := sh.marshal()
	if err != nil {
		fail(err)
		return
	}
	add(handshakeTypeServerHello, body)

	if hs.suite.kx == keyExchangeECDHE {
		cert := firstCertificate(cfg)
		body, err := (&certificateMsg{chain: cert.Chain}).marshal()
		if err != nil {
			fail(err)
			return
		}
		add(handshakeTypeCertificate, body)

		hs.keyShare, err = crypto.GenerateKeyShare(hs.curve)
		if err != nil {
			fail(err)
			return
		}
		ske := serverKeyExchange{curve: hs.curve, publicKey: hs.keyShare.PublicKey, scheme: hs.scheme}
		signed := append(append(append([]byte(nil), hs.clientRandom[:]...), hs.serverRandom[:]...), ske.params()...)
		if ske.signature, err = sign(cert.PrivateKey, hs.scheme, signed); err != nil {
			fail(err)
			return
		}
		if body, err = ske.marshal(); err != nil {
			fail(err)
			return
		}
		add(handshakeTypeServerKeyExchange, body)

		if cfg.ClientAuth != NoClientCert {
			cr := certificateRequest{
				certificateTypes: []byte{clientCertTypeECDSASign, clientCertTypeRSASign},
				schemes:          cfg.SignatureSchemes,
			}
			if body, err = cr.marshal(); err != nil {
				fail(err)
				return
			}
			add(handshakeTypeCertificateRequest, body)
			hs.requestedCert = true
		}
	} else if len(cfg.PSKIdentityHint) > 0 {
		body, err := (&serverKeyExchange{psk: true, identityHint: cfg.PSKIdentityHint}).marshal()
		if err != nil {
			fail(err)
			return
		}
		add(handshakeTypeServerKeyExchange, body)
	}

	add(handshakeTypeServerHelloDone, nil)
	hs.phase = phaseServerHelloSent
	hs.sendFlight(entries, true)
}

func (hs *handshakeState) serverHandle(m *handshake) {
	if hs.phase != phaseServerHelloSent {
		hs.abort(AlertUnexpectedMessage, errUnexpectedMessage)
		return
	}
	if m.typ == handshakeTypeFinished {
		if m.epoch != 1 {
			hs.abort(AlertUnexpectedMessage, errUnexpectedMessage)
			return
		}
		hs.serverHandleFinished(m)
		return
	}
	if m.epoch != 0 {
		hs.abort(AlertUnexpectedMessage, errUnexpectedMessage)
		return
	}

	switch m.typ {
	case handshakeTypeCertificate:
		if !hs.requestedCert || hs.sawCKE {
			hs.abort(AlertUnexpectedMessage, errUnexpectedMessage)
			return
		}
		hs.addTranscript(m)
		hs.serverHandleCertificate(m)
	case handshakeTypeClientKeyExchange:
		if hs.sawCKE {
			hs.abort(AlertUnexpectedMessage, errUnexpectedMessage)
			return
		}
		if hs.requestedCert && hs.peerChain == nil && hs.clientCertRequired() {
			hs.abort(AlertHandshakeFailure, errClientCertRequired)
			return
		}
		hs.sawCKE = true
		hs.addTranscript(m)
		hs.serverHandleClientKeyExchange(m)
	case handshakeTypeCertificateVerify:
		if !hs.sawCKE || hs.peerCert == nil || hs.peerVerified {
			hs.abort(AlertUnexpectedMessage, errUnexpectedMessage)
			return
		}
		hs.serverHandleCertificateVerify(m)
		hs.addTranscript(m)
	default:
		hs.abort(AlertUnexpectedMessage, errUnexpectedMessage)
	}
}

func (hs *handshakeState) clientCertRequired() bool {
	return hs.cfg.ClientAuth == RequireAnyClientCert || hs.cfg.ClientAuth == RequireAndVerifyClientCert
}

func (hs *handshakeState) serverHandleCertificate(m *handshake) {
	var cm certificateMsg
	if err := cm.unmarshal(m.body); err != nil {
		hs.abort(AlertDecodeError, err)
		return
	}
	if len(cm.chain) == 0 {
		if hs.clientCertRequired() {
			hs.abort(AlertHandshakeFailure, errClientCertRequired)
		}
		return
	}
	verifyChain := hs.cfg.ClientAuth == VerifyClientCertIfGiven || hs.cfg.ClientAuth == RequireAndVerifyClientCert
	if aerr := hs.verifyPeerChain(cm.chain, verifyChain); aerr != nil {
		hs.c.abort(aerr)
	}
}

func (hs *handshakeState) serverHandleClientKeyExchange(m *handshake) {
	cke := clientKeyExchange{psk: hs.suite.kx == keyExchangePSK}
	if err := cke.unmarshal(m.body); err != nil {
		hs.abort(AlertDecodeError, err)
		return
	}

	var preMaster []byte
	if cke.psk {
		psk, err := hs.cfg.PSK(cke.identity)
		if err != nil || len(psk) == 0 {
			hs.abort(AlertUnknownPSKIdentity, errUnknownPSKIdentity)
			return
		}
		hs.pskIdentity = cke.identity
		preMaster = pskPreMaster(psk)
	} else {
		var err error
		preMaster, err = hs.keyShare.SharedSecret(cke.publicKey)
		if err != nil {
			hs.abort(AlertIllegalParameter, err)
			return
		}
	}
	if err := hs.deriveKeys(preMaster); err != nil {
		hs.abort(AlertInternalError, err)
	}
}

func (hs *handshakeState) serverHandleCertificateVerify(m *handshake) {
	var cv certificateVerify
	if err := cv.unmarshal(m.body); err != nil {
		hs.abort(AlertDecodeError, err)
		return
	}
	if !containsScheme(hs.cfg.SignatureSchemes, cv.scheme) {
		hs.abort(AlertIllegalParameter, errNoSharedSignature)
		return
	}
	if err := verify(hs.peerCert, cv.scheme, hs.transcript, cv.signature); err != nil {
		hs.abort(AlertDecryptError, err)
		return
	}
	hs.peerVerified = true
}

// serverHandleFinished checks the client's Finished and sends flight 6.
func (hs *handshakeState) serverHandleFinished(m *handshake) {
	if !hs.sawCKE || (hs.peerCert != nil && !hs.peerVerified) {
		hs.abort(AlertUnexpectedMessage, errUnexpectedMessage)
		return
	}
	expected, err := crypto.VerifyData(hs.suite.prf, hs.master, hs.transcriptHash(), true)
	if err != nil {
		hs.abort(AlertInternalError, err)
		return
	}
	if !hmac.Equal(expected, m.body) {
		hs.abort(AlertDecryptError, errVerifyDataMismatch)
		return
	}
	hs.addTranscript(m)

	verifyData, err := crypto.VerifyData(hs.suite.prf, hs.master, hs.transcriptHash(), false)
	if err != nil {
		hs.abort(AlertInternalError, err)
		return
	}
	entries := []flightEntry{{typ: ContentTypeChangeCipherSpec}}
	hs.switchWriteEpoch()
	entries = append(entries, flightEntry{
		typ:   ContentTypeHandshake,
		epoch: 1,
		msg:   hs.newMessage(handshakeTypeFinished, verifyData),
	})
	hs.sendFlight(entries, false)
	if hs.c.isFailed() {
		return
	}
	hs.finish(nil)
}
