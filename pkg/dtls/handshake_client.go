package dtls

import (
	"crypto/hmac"
	"net"

	"github.com/backkem/mediaplane/pkg/crypto"
)

// start sends flight 1.
func (hs *handshakeState) start() {
	if hs.phase != phaseIdle || hs.done {
		return
	}
	hs.sendClientHello()
}

func (hs *handshakeState) clientHello() *clientHello {
	cfg := hs.cfg
	ch := &clientHello{
		version:            VersionDTLS12,
		random:             hs.clientRandom,
		cookie:             hs.cookie,
		cipherSuites:       cfg.CipherSuites,
		compressionMethods: []byte{0},
	}
	ext := &ch.extensions
	if cfg.ServerName != "" && net.ParseIP(cfg.ServerName) == nil {
		ext.serverName = cfg.ServerName
	}
	if cfg.PSK == nil {
		ext.supportedGroups = cfg.EllipticCurves
		ext.pointFormats = []byte{pointFormatUncompressed}
		ext.signatureSchemes = cfg.SignatureSchemes
	}
	ext.srtpProfiles = cfg.SRTPProtectionProfiles
	ext.extendedMasterSecret = cfg.ExtendedMasterSecret != DisableExtendedMasterSecret
	ext.renegotiationInfo = true
	return ch
}

// sendClientHello sends flight 1, or flight 3 once a cookie is known. The
// transcript restarts with every ClientHello.
func (hs *handshakeState) sendClientHello() {
	body, err := hs.clientHello().marshal()
	if err != nil {
		hs.abort(AlertInternalError, err)
		return
	}
	hs.transcript = nil
	m := hs.newMessage(handshakeTypeClientHello, body)
	hs.phase = phaseClientHelloSent
	hs.sendFlight([]flightEntry{{typ: ContentTypeHandshake, msg: m}}, true)
}

func (hs *handshakeState) clientHandle(m *handshake) {
	if m.typ == handshakeTypeFinished {
		if hs.phase != phaseClientFinishedSent || m.epoch != 1 {
			hs.abort(AlertUnexpectedMessage, errUnexpectedMessage)
			return
		}
		hs.clientHandleFinished(m)
		return
	}
	if m.epoch != 0 {
		hs.abort(AlertUnexpectedMessage, errUnexpectedMessage)
		return
	}

	switch hs.phase {
	case phaseClientHelloSent:
		switch m.typ {
		case handshakeTypeHelloVerifyRequest:
			hs.clientHandleHelloVerifyRequest(m)
		case handshakeTypeServerHello:
			hs.addTranscript(m)
			hs.clientHandleServerHello(m)
		default:
			hs.abort(AlertUnexpectedMessage, errUnexpectedMessage)
		}

	case phaseServerHelloSeen:
		hs.addTranscript(m)
		switch m.typ {
		case handshakeTypeCertificate:
			hs.clientHandleCertificate(m)
		case handshakeTypeServerKeyExchange:
			hs.clientHandleServerKeyExchange(m)
		case handshakeTypeCertificateRequest:
			var cr certificateRequest
			if err := cr.unmarshal(m.body); err != nil {
				hs.abort(AlertDecodeError, err)
				return
			}
			hs.certRequest = &cr
		case handshakeTypeServerHelloDone:
			if len(m.body) != 0 {
				hs.abort(AlertDecodeError, errInvalidHandshake)
				return
			}
			hs.sendClientFlight5()
		default:
			hs.abort(AlertUnexpectedMessage, errUnexpectedMessage)
		}

	default:
		hs.abort(AlertUnexpectedMessage, errUnexpectedMessage)
	}
}

func (hs *handshakeState) clientHandleHelloVerifyRequest(m *handshake) {
	var hvr helloVerifyRequest
	if err := hvr.unmarshal(m.body); err != nil {
		hs.abort(AlertDecodeError, err)
		return
	}
	if len(hvr.cookie) > maxCookieLength {
		hs.abort(AlertIllegalParameter, errInvalidHandshake)
		return
	}
	hs.c.log.Tracef("received cookie of %d bytes", len(hvr.cookie))
	hs.cookie = hvr.cookie
	hs.sendClientHello()
}

func (hs *handshakeState) clientHandleServerHello(m *handshake) {
	var sh serverHello
	if err := sh.unmarshal(m.body); err != nil {
		hs.abort(AlertDecodeError, err)
		return
	}
	if sh.version != VersionDTLS12 {
		hs.abort(AlertProtocolVersion, errUnsupportedVersion)
		return
	}
	if sh.compressionMethod != 0 {
		hs.abort(AlertIllegalParameter, errInvalidCompression)
		return
	}

	offered := false
	for _, id := range hs.cfg.CipherSuites {
		if id == sh.cipherSuite {
			offered = true
		}
	}
	if !offered {
		hs.abort(AlertIllegalParameter, errServerSelectedUnoffered)
		return
	}
	hs.suite = cipherSuiteForID(sh.cipherSuite)

	switch hs.cfg.ExtendedMasterSecret {
	case RequireExtendedMasterSecret:
		if !sh.extensions.extendedMasterSecret {
			hs.abort(AlertInsecureConfiguration, errExtendedMasterSecret)
			return
		}
	case DisableExtendedMasterSecret:
		if sh.extensions.extendedMasterSecret {
			hs.abort(AlertUnsupportedExtension, errServerSelectedUnoffered)
			return
		}
	}
	hs.ems = sh.extensions.extendedMasterSecret

	if len(sh.extensions.srtpProfiles) > 0 {
		p := sh.extensions.srtpProfiles[0]
		ok := len(sh.extensions.srtpProfiles) == 1
		for _, ours := range hs.cfg.SRTPProtectionProfiles {
			if ok && ours == p {
				hs.srtpProfile = p
			}
		}
		if hs.srtpProfile == 0 {
			hs.abort(AlertIllegalParameter, errServerSelectedUnoffered)
			return
		}
	}

	hs.serverRandom = sh.random
	hs.serverName = hs.cfg.ServerName
	hs.phase = phaseServerHelloSeen
	hs.c.log.Debugf("server selected %s", hs.suite)
}

func (hs *handshakeState) clientHandleCertificate(m *handshake) {
	var cm certificateMsg
	if err := cm.unmarshal(m.body); err != nil {
		hs.abort(AlertDecodeError, err)
		return
	}
	if len(cm.chain) == 0 {
		hs.abort(AlertBadCertificate, errNoPeerCertificate)
		return
	}
	if aerr := hs.verifyPeerChain(cm.chain, !hs.cfg.InsecureSkipVerify); aerr != nil {
		hs.c.abort(aerr)
	}
}

func (hs *handshakeState) clientHandleServerKeyExchange(m *handshake) {
	ske := serverKeyExchange{psk: hs.suite.kx == keyExchangePSK}
	if err := ske.unmarshal(m.body); err != nil {
		hs.abort(AlertDecodeError, err)
		return
	}
	if ske.psk {
		hs.pskHint = ske.identityHint
		hs.serverKeyExchange = &ske
		return
	}

	if hs.peerCert == nil {
		hs.abort(AlertUnexpectedMessage, errNoPeerCertificate)
		return
	}
	if !containsCurve(hs.cfg.EllipticCurves, ske.curve) {
		hs.abort(AlertIllegalParameter, errNoSharedCurve)
		return
	}
	if !containsScheme(hs.cfg.SignatureSchemes, ske.scheme) {
		hs.abort(AlertIllegalParameter, errNoSharedSignature)
		return
	}
	signed := append(append(append([]byte(nil), hs.clientRandom[:]...), hs.serverRandom[:]...), ske.params()...)
	if err := verify(hs.peerCert, ske.scheme, signed, ske.signature); err != nil {
		hs.abort(AlertDecryptError, err)
		return
	}
	hs.curve = ske.curve
	hs.serverKeyExchange = &ske
}

// sendClientFlight5 answers ServerHelloDone with Certificate*,
// ClientKeyExchange, CertificateVerify*, ChangeCipherSpec and Finished.
func (hs *handshakeState) sendClientFlight5() {
	cfg := hs.cfg
	var entries []flightEntry
	add := func(typ handshakeType, body []byte, epoch uint16) {
		entries = append(entries, flightEntry{typ: ContentTypeHandshake, epoch: epoch, msg: hs.newMessage(typ, body)})
	}

	cert := firstCertificate(cfg)
	if hs.certRequest != nil {
		cm := certificateMsg{}
		if cert != nil {
			cm.chain = cert.Chain
		}
		body, err := cm.marshal()
		if err != nil {
			hs.abort(AlertInternalError, err)
			return
		}
		add(handshakeTypeCertificate, body, 0)
	}

	var preMaster []byte
	cke := clientKeyExchange{psk: hs.suite.kx == keyExchangePSK}
	if cke.psk {
		psk, err := cfg.PSK(hs.pskHint)
		if err != nil {
			hs.abort(AlertInternalError, err)
			return
		}
		cke.identity = cfg.PSKIdentityHint
		hs.pskIdentity = cfg.PSKIdentityHint
		preMaster = pskPreMaster(psk)
	} else {
		if hs.serverKeyExchange == nil {
			hs.abort(AlertUnexpectedMessage, errUnexpectedMessage)
			return
		}
		ks, err := crypto.GenerateKeyShare(hs.curve)
		if err != nil {
			hs.abort(AlertInternalError, err)
			return
		}
		preMaster, err = ks.SharedSecret(hs.serverKeyExchange.publicKey)
		if err != nil {
			hs.abort(AlertIllegalParameter, err)
			return
		}
		cke.publicKey = ks.PublicKey
	}
	body, err := cke.marshal()
	if err != nil {
		hs.abort(AlertInternalError, err)
		return
	}
	add(handshakeTypeClientKeyExchange, body, 0)

	if err := hs.deriveKeys(preMaster); err != nil {
		hs.abort(AlertInternalError, err)
		return
	}

	if hs.certRequest != nil && cert != nil {
		scheme, err := selectSignatureScheme(cfg.SignatureSchemes, hs.certRequest.schemes, cert.Leaf().PublicKey)
		if err != nil {
			hs.abort(AlertHandshakeFailure, err)
			return
		}
		sig, err := sign(cert.PrivateKey, scheme, hs.transcript)
		if err != nil {
			hs.abort(AlertInternalError, err)
			return
		}
		body, err := (&certificateVerify{scheme: scheme, signature: sig}).marshal()
		if err != nil {
			hs.abort(AlertInternalError, err)
			return
		}
		add(handshakeTypeCertificateVerify, body, 0)
	}

	entries = append(entries, flightEntry{typ: ContentTypeChangeCipherSpec})
	hs.switchWriteEpoch()

	verifyData, err := crypto.VerifyData(hs.suite.prf, hs.master, hs.transcriptHash(), true)
	if err != nil {
		hs.abort(AlertInternalError, err)
		return
	}
	add(handshakeTypeFinished, verifyData, 1)

	hs.phase = phaseClientFinishedSent
	hs.sendFlight(entries, true)
}

func (hs *handshakeState) clientHandleFinished(m *handshake) {
	expected, err := crypto.VerifyData(hs.suite.prf, hs.master, hs.transcriptHash(), false)
	if err != nil {
		hs.abort(AlertInternalError, err)
		return
	}
	if !hmac.Equal(expected, m.body) {
		hs.abort(AlertDecryptError, errVerifyDataMismatch)
		return
	}
	hs.addTranscript(m)
	hs.rearmOnTimer = false
	hs.c.armRetransmit(0)
	hs.finish(nil)
}
