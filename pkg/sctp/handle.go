package sctp

import (
	"encoding/binary"
	"errors"
	"fmt"
	"time"
)

var errPortMismatch = errors.New("sctp: destination port mismatch")

func (a *Association) handleInbound(raw []byte) {
	a.stats.packetsReceived.Add(1)
	a.stats.bytesReceived.Add(uint64(len(raw)))

	var p packet
	if err := p.unmarshal(raw); err != nil {
		a.dropPacket(err)
		return
	}
	if a.isTerminated() {
		a.handleOutOfTheBlue(&p)
		return
	}
	if err := a.checkPacket(&p); err != nil {
		a.dropPacket(err)
		return
	}
	for _, c := range p.chunks {
		if a.handleChunk(&p, c) || a.isTerminated() {
			break
		}
	}
	a.afterPacket()
}

func (a *Association) dropPacket(err error) {
	a.stats.droppedPackets.Add(1)
	a.log.Debugf("[%s] dropping packet: %v", a.name, err)
}

// handleOutOfTheBlue answers a peer that missed our SHUTDOWN COMPLETE
// (RFC 4960 Section 8.4).
func (a *Association) handleOutOfTheBlue(p *packet) {
	if _, ok := p.chunks[0].(*shutdownAckChunk); ok {
		a.sendWithTag(p.verificationTag, &shutdownCompleteChunk{tBit: true})
	}
}

// checkPacket applies the verification tag rules of RFC 4960 Section 8.5.
func (a *Association) checkPacket(p *packet) error {
	if p.dstPort != a.cfg.LocalPort {
		return errPortMismatch
	}
	switch c := p.chunks[0].(type) {
	case *initChunk:
		if !c.ack {
			if p.verificationTag != 0 {
				return errZeroVerification
			}
			return nil
		}
	case *abortChunk:
		if c.tBit {
			return a.expectTag(p, a.peerVTag)
		}
	case *shutdownCompleteChunk:
		if c.tBit {
			return a.expectTag(p, a.peerVTag)
		}
	case *cookieEchoChunk:
		if !a.isClient && a.state() == stateClosed {
			// The tag is checked against the cookie.
			return nil
		}
	}
	return a.expectTag(p, a.myVTag)
}

func (a *Association) expectTag(p *packet, want uint32) error {
	if p.verificationTag != want {
		return fmt.Errorf("%w: got %08x, want %08x", errBadVerificationTag, p.verificationTag, want)
	}
	return nil
}

// handleChunk dispatches one chunk and reports whether the rest of the
// packet must be discarded.
func (a *Association) handleChunk(p *packet, c chunk) bool {
	a.log.Tracef("[%s] <- %s", a.name, c.typ())
	switch c := c.(type) {
	case *initChunk:
		if c.ack {
			a.handleInitAck(c)
		} else {
			a.handleInit(c)
		}
	case *cookieEchoChunk:
		a.handleCookieEcho(p, c)
	case *cookieAckChunk:
		a.handleCookieAck()
	case *dataChunk:
		a.handleData(c)
	case *sackChunk:
		a.handleSack(c)
	case *heartbeatChunk:
		a.handleHeartbeat(c)
	case *abortChunk:
		a.handleAbort(c)
		return true
	case *errorChunk:
		a.handleError(c)
	case *shutdownChunk:
		a.handleShutdown(c)
	case *shutdownAckChunk:
		a.handleShutdownAck()
	case *shutdownCompleteChunk:
		a.handleShutdownComplete()
	case *reconfigChunk:
		a.handleReconfig(c)
	case *forwardTSNChunk:
		a.handleForwardTSN(c)
	case *cwrChunk:
		// ECN is never negotiated.
	case *unknownChunk:
		return a.handleUnknown(c)
	}
	return false
}

func (a *Association) handleUnknown(c *unknownChunk) bool {
	action := byte(c.t) & unknownActionMask
	if action == unknownStopReport || action == unknownSkipReport {
		raw := appendChunk(nil, c)
		a.send(&errorChunk{causes: []*ErrorCause{{Code: CauseUnrecognizedChunkType, Info: raw}}})
	}
	a.log.Debugf("[%s] unrecognized chunk %s", a.name, c.t)
	return action == unknownStop || action == unknownStopReport
}

func (a *Association) localParams() []param {
	return []param{
		{typ: paramForwardTSNSupported},
		supportedExtensionsParam(ctReconfig, ctForwardTSN),
	}
}

func (a *Association) handleInit(c *initChunk) {
	if a.isClient {
		a.log.Debugf("[%s] ignoring INIT on the initiating side", a.name)
		return
	}
	if a.state() != stateClosed {
		a.log.Debugf("[%s] ignoring INIT in state %s", a.name, a.state())
		return
	}
	if err := c.check(); err != nil {
		a.log.Debugf("[%s] invalid INIT: %v", a.name, err)
		a.sendWithTag(c.initiateTag, &abortChunk{causes: []*ErrorCause{{Code: CauseInvalidMandatoryParam}}})
		return
	}

	var unrecognized []param
	for _, p := range c.params {
		switch p.typ {
		case paramForwardTSNSupported, paramSupportedExtensions, paramECNCapable:
			continue
		}
		if p.typ&0x4000 != 0 {
			unrecognized = append(unrecognized, p)
		}
		if p.typ&0x8000 == 0 {
			a.log.Debugf("[%s] INIT carries unrecognized %s, discarding", a.name, p.typ)
			return
		}
	}

	cookie := stateCookie{
		myTag:      a.myVTag,
		myTSN:      a.myNextTSN,
		peerTag:    c.initiateTag,
		peerTSN:    c.initialTSN,
		peerRwnd:   c.aRwnd,
		numOut:     c.numInStreams,
		numIn:      c.numOutStreams,
		created:    time.Now(),
		forwardTSN: c.supports(ctForwardTSN),
		reconfig:   c.supports(ctReconfig),
	}
	params := append(a.localParams(), param{typ: paramStateCookie, value: cookie.marshal(a.cookieSecret)})
	for _, u := range unrecognized {
		params = append(params, param{typ: paramUnrecognized, value: marshalParams([]param{u})})
	}
	a.sendWithTag(c.initiateTag, &initChunk{
		ack:           true,
		initiateTag:   a.myVTag,
		aRwnd:         a.cfg.MaxReceiveBufferSize,
		numOutStreams: maxStreams,
		numInStreams:  maxStreams,
		initialTSN:    a.myNextTSN,
		params:        params,
	})
}

func (a *Association) handleInitAck(c *initChunk) {
	if a.state() != stateCookieWait {
		return
	}
	if err := c.check(); err != nil {
		a.log.Debugf("[%s] invalid INIT ACK: %v", a.name, err)
		return
	}
	a.peerVTag = c.initiateTag
	cookie, ok := findParam(c.params, paramStateCookie)
	if !ok {
		a.sendAbort(&ErrorCause{Code: CauseMissingMandatoryParam})
		a.terminate(errNoStateCookie)
		return
	}
	if u, ok := findParam(c.params, paramUnrecognized); ok {
		a.log.Debugf("[%s] peer did not recognize a parameter: %x", a.name, u.value)
	}

	a.t1Init.stop()
	a.peerLastTSN = c.initialTSN - 1
	a.peerNextRSN = c.initialTSN
	a.peerRwnd = c.aRwnd
	a.numOutStreams = min(maxStreams, c.numInStreams)
	a.numInStreams = min(maxStreams, c.numOutStreams)
	a.useForwardTSN = c.supports(ctForwardTSN)
	a.peerReconfig = c.supports(ctReconfig)

	a.storedCookie = &cookieEchoChunk{cookie: cookie.value}
	a.setState(stateCookieEchoed)
	a.send(a.storedCookie)
	a.t1Cookie.restart(a.rto.get())
}

func (a *Association) handleCookieEcho(p *packet, c *cookieEchoChunk) {
	if a.isClient {
		return
	}
	var ck stateCookie
	if err := ck.unmarshal(a.cookieSecret, c.cookie); err != nil {
		a.dropPacket(err)
		return
	}
	if ck.myTag != p.verificationTag {
		a.dropPacket(errBadVerificationTag)
		return
	}

	switch a.state() {
	case stateClosed:
		if age := time.Since(ck.created); age > cookieLifetime {
			staleness := binary.BigEndian.AppendUint32(nil, uint32((age - cookieLifetime).Microseconds()))
			a.sendWithTag(ck.peerTag, &errorChunk{causes: []*ErrorCause{{Code: CauseStaleCookie, Info: staleness}}})
			return
		}
		a.peerVTag = ck.peerTag
		a.peerLastTSN = ck.peerTSN - 1
		a.peerNextRSN = ck.peerTSN
		a.peerRwnd = ck.peerRwnd
		a.numOutStreams = min(maxStreams, ck.numOut)
		a.numInStreams = min(maxStreams, ck.numIn)
		a.useForwardTSN = ck.forwardTSN
		a.peerReconfig = ck.reconfig
		a.setInitialTSN(ck.myTSN)
		a.send(&cookieAckChunk{})
		a.establish()
	case stateEstablished, stateShutdownPending:
		if ck.peerTag == a.peerVTag {
			// Our COOKIE ACK was lost.
			a.send(&cookieAckChunk{})
		}
	}
}

func (a *Association) handleCookieAck() {
	if a.state() != stateCookieEchoed {
		return
	}
	a.t1Cookie.stop()
	a.storedCookie = nil
	a.establish()
}

func (a *Association) handleAbort(c *abortChunk) {
	err := ErrAssociationAborted
	if len(c.causes) > 0 {
		err = fmt.Errorf("%w: %w", ErrAssociationAborted, c.causes[0])
	}
	a.log.Debugf("[%s] peer aborted: %v", a.name, err)
	a.terminate(err)
}

func (a *Association) handleError(c *errorChunk) {
	for _, cause := range c.causes {
		switch cause.Code {
		case CauseStaleCookie:
			if a.state() != stateCookieEchoed {
				continue
			}
			a.staleRestarts++
			if a.staleRestarts > a.cfg.MaxInitRetransmits {
				a.terminate(fmt.Errorf("%w: %w", ErrHandshakeTimeout, cause))
				return
			}
			a.t1Cookie.stop()
			a.storedCookie = nil
			a.sendInit()
		default:
			a.log.Warnf("[%s] peer reported %v", a.name, cause)
		}
	}
}

func (a *Association) canReceiveData() bool {
	switch a.state() {
	case stateEstablished, stateShutdownPending, stateShutdownSent:
		return true
	}
	return false
}

func (a *Association) handleData(d *dataChunk) {
	if !a.canReceiveData() {
		return
	}
	a.stats.datasReceived.Add(1)
	a.dataInPacket = true
	if d.immediateAck {
		a.immediateAckRequested = true
	}
	if tsnLTE(d.tsn, a.peerLastTSN) || a.payloads.has(d.tsn) {
		a.payloads.recordDup(d.tsn)
		a.sawDuplicate = true
		return
	}
	if a.receiveWindow() == 0 {
		if h, ok := a.payloads.highest(); !ok || !tsnLT(d.tsn, h) {
			a.log.Debugf("[%s] receive window closed, dropping TSN %d", a.name, d.tsn)
			return
		}
	}

	s, ok := a.streams[d.streamID]
	if ok && s.peerReset {
		a.log.Debugf("[%s] DATA on reset stream %d discarded", a.name, d.streamID)
		a.consumeTSN(d.tsn)
		return
	}
	if !ok {
		if d.streamID >= a.numInStreams {
			info := binary.BigEndian.AppendUint16(nil, d.streamID)
			a.send(&errorChunk{causes: []*ErrorCause{{Code: CauseInvalidStreamIdentifier, Info: append(info, 0, 0)}}})
			a.consumeTSN(d.tsn)
			return
		}
		s = newStream(a, d.streamID, d.ppi)
		select {
		case a.acceptCh <- s:
			a.streams[d.streamID] = s
		default:
			a.log.Warnf("[%s] accept queue full, dropping DATA for new stream %d", a.name, d.streamID)
			return
		}
	}

	a.payloads.add(d.tsn)
	s.reassembly.push(d)
	a.deliver(s, s.reassembly.pop())
	a.advancePeerLastTSN()
}

// consumeTSN acknowledges a TSN whose payload is thrown away.
func (a *Association) consumeTSN(tsn uint32) {
	a.payloads.add(tsn)
	a.advancePeerLastTSN()
}

func (a *Association) deliver(s *Stream, msgs []*inMessage) {
	for _, m := range msgs {
		a.unread.Add(int64(len(m.data)))
		s.deliver(m)
	}
}

func (a *Association) advancePeerLastTSN() {
	for a.payloads.pop(a.peerLastTSN + 1) {
		a.peerLastTSN++
	}
	a.processDeferredResets()
}

// afterPacket decides how to acknowledge the DATA of one packet (RFC 4960
// Section 6.2).
func (a *Association) afterPacket() {
	if !a.dataInPacket {
		return
	}
	a.dataInPacket = false
	a.packetsSinceAck++
	switch {
	case a.payloads.size() > 0, a.sawDuplicate, a.immediateAckRequested,
		a.packetsSinceAck >= 2, a.state() == stateShutdownSent:
		a.ackState = ackImmediate
	case a.ackState == ackIdle:
		a.ackState = ackDelayed
		a.ackTimer.start(a.cfg.SACKDelay)
	}
	a.sawDuplicate = false
	a.immediateAckRequested = false
}

func (a *Association) handleSack(d *sackChunk) {
	switch a.state() {
	case stateEstablished, stateShutdownPending, stateShutdownReceived, stateShutdownSent:
	default:
		return
	}
	a.stats.sacksReceived.Add(1)
	if tsnLT(d.cumulativeTSNAck, a.cumulativeTSNAckPoint) {
		a.log.Tracef("[%s] stale SACK cum=%d < %d", a.name, d.cumulativeTSNAck, a.cumulativeTSNAckPoint)
		return
	}
	if !tsnLT(d.cumulativeTSNAck, a.myNextTSN) {
		a.log.Warnf("[%s] %v: cum=%d next=%d", a.name, errUnknownInflightTSN, d.cumulativeTSNAck, a.myNextTSN)
		return
	}
	for _, g := range d.gaps {
		if !tsnLT(d.cumulativeTSNAck+uint32(g.end), a.myNextTSN) {
			a.log.Warnf("[%s] %v: gap %d-%d", a.name, errUnknownInflightTSN, g.start, g.end)
			return
		}
	}

	now := time.Now()
	bytesAcked := 0
	var rtt time.Duration
	sampled := false
	ack := func(c *dataChunk) {
		n := a.inflight.markAcked(c)
		if n == 0 {
			return
		}
		bytesAcked += n
		a.release(c.msg.stream, n)
		if !sampled && c.nSent == 1 && tsnGTE(c.tsn, a.minTSN2MeasureRTT) {
			a.minTSN2MeasureRTT = a.myNextTSN
			rtt = now.Sub(c.since)
			sampled = true
		}
	}

	for tsn := a.cumulativeTSNAckPoint + 1; tsnLTE(tsn, d.cumulativeTSNAck); tsn++ {
		c, ok := a.inflight.get(tsn)
		if !ok {
			continue
		}
		ack(c)
		a.inflight.pop(tsn)
		if a.inFastRecovery && tsn == a.fastRecoverExitPoint {
			a.log.Debugf("[%s] exit fast recovery", a.name)
			a.inFastRecovery = false
		}
	}

	// Miss indications count against the highest TSN this SACK reports,
	// so repeated identical SACKs keep counting.
	highest := d.cumulativeTSNAck
	for _, g := range d.gaps {
		for i := int(g.start); i <= int(g.end); i++ {
			tsn := d.cumulativeTSNAck + uint32(i)
			if tsnLT(highest, tsn) {
				highest = tsn
			}
			if c, ok := a.inflight.get(tsn); ok && !c.acked {
				ack(c)
			}
		}
	}

	advanced := tsnLT(a.cumulativeTSNAckPoint, d.cumulativeTSNAck)
	if advanced {
		a.cumulativeTSNAckPoint = d.cumulativeTSNAck
		a.errorCount = 0
		a.onCumulativeAdvanced(bytesAcked)
	}
	if sampled {
		a.rto.addSample(rtt)
	}

	outstanding := uint32(a.inflight.nBytes)
	if outstanding >= d.aRwnd {
		a.peerRwnd = 0
	} else {
		a.peerRwnd = d.aRwnd - outstanding
	}

	a.processFastRetransmission(d.cumulativeTSNAck, highest, advanced)
	a.advancePeerAckPoint()
}

// onCumulativeAdvanced updates the T3 timer and the congestion window
// (RFC 4960 Sections 6.3.2 and 7.2).
func (a *Association) onCumulativeAdvanced(bytesAcked int) {
	a.t3RTX.stop()
	if a.inflight.size() > 0 {
		a.t3RTX.start(a.rto.get())
	}

	if a.cwnd <= a.ssthresh {
		if !a.inFastRecovery && a.pending.size() > 0 {
			a.cwnd += min(uint32(bytesAcked), a.cfg.MTU)
		}
		return
	}
	a.partialBytesAcked += uint32(bytesAcked)
	if a.partialBytesAcked >= a.cwnd && a.pending.size() > 0 {
		a.partialBytesAcked -= a.cwnd
		a.cwnd += a.cfg.MTU
	}
}

func (a *Association) processFastRetransmission(cum, highest uint32, advanced bool) {
	if !a.inFastRecovery || advanced {
		maxTSN := highest
		if a.inFastRecovery {
			maxTSN = a.myNextTSN
		}
		for tsn := cum + 1; tsnLT(tsn, maxTSN); tsn++ {
			c, ok := a.inflight.get(tsn)
			if !ok || c.acked || c.abandoned() || c.missIndicator >= fastRtxThreshold {
				continue
			}
			c.missIndicator++
			if c.missIndicator == fastRtxThreshold && !a.inFastRecovery {
				a.inFastRecovery = true
				a.fastRecoverExitPoint = highest
				a.ssthresh = max(a.cwnd/2, 4*a.cfg.MTU)
				a.cwnd = a.ssthresh
				a.partialBytesAcked = 0
				a.willRetransmitFast = true
				a.log.Debugf("[%s] enter fast recovery cwnd=%d", a.name, a.cwnd)
			}
		}
	}
	if a.inFastRecovery && advanced {
		a.willRetransmitFast = true
	}
}

// advancePeerAckPoint moves the advanced peer ack point over abandoned
// chunks (RFC 3758 Section 3.5, C2 and C3).
func (a *Association) advancePeerAckPoint() {
	if !a.useForwardTSN {
		return
	}
	if tsnLT(a.advancedPeerTSNAckPoint, a.cumulativeTSNAckPoint) {
		a.advancedPeerTSNAckPoint = a.cumulativeTSNAckPoint
	}
	for {
		c, ok := a.inflight.get(a.advancedPeerTSNAckPoint + 1)
		if !ok || !c.abandoned() {
			break
		}
		a.advancedPeerTSNAckPoint++
	}
	if tsnGT(a.advancedPeerTSNAckPoint, a.cumulativeTSNAckPoint) {
		a.willSendForwardTSN = true
	}
}

func (a *Association) handleForwardTSN(c *forwardTSNChunk) {
	if !a.useForwardTSN {
		raw := appendChunk(nil, c)
		a.send(&errorChunk{causes: []*ErrorCause{{Code: CauseUnrecognizedChunkType, Info: raw}}})
		return
	}
	if !a.canReceiveData() {
		return
	}
	a.dataInPacket = true
	a.immediateAckRequested = true
	if tsnLTE(c.newCumulativeTSN, a.peerLastTSN) {
		return
	}

	a.payloads.discardThrough(c.newCumulativeTSN)
	a.peerLastTSN = c.newCumulativeTSN
	for _, fs := range c.streams {
		if s, ok := a.streams[fs.streamID]; ok {
			a.deliver(s, s.reassembly.skipOrdered(fs.ssn))
			a.deliver(s, s.reassembly.pop())
		}
	}
	for _, s := range a.streams {
		s.reassembly.skipUnordered(c.newCumulativeTSN)
	}
	a.advancePeerLastTSN()
}

func (a *Association) handleHeartbeat(c *heartbeatChunk) {
	if !c.ack {
		a.send(&heartbeatChunk{ack: true, info: c.info})
		return
	}
	a.heartbeatOutstanding = false
	a.errorCount = 0
	if len(c.info) == 8 {
		sent := time.Unix(0, int64(binary.BigEndian.Uint64(c.info)))
		if rtt := time.Since(sent); rtt >= 0 && rtt < a.cfg.RTOMax {
			a.rto.addSample(rtt)
		}
	}
}

func (a *Association) handleShutdown(c *shutdownChunk) {
	switch a.state() {
	case stateEstablished, stateShutdownPending:
		// SHUTDOWN acknowledges like a SACK without gaps.
		a.handleSack(&sackChunk{cumulativeTSNAck: c.cumulativeTSNAck, aRwnd: a.peerRwnd + uint32(a.inflight.nBytes)})
		a.setState(stateShutdownReceived)
	case stateShutdownSent:
		a.send(&shutdownAckChunk{})
		a.setState(stateShutdownAckSent)
		a.t2.stop()
		a.t2.start(a.rto.get())
	}
}

func (a *Association) handleShutdownAck() {
	switch a.state() {
	case stateShutdownSent, stateShutdownAckSent:
		a.t2.stop()
		a.send(&shutdownCompleteChunk{})
		a.terminate(nil)
	}
}

func (a *Association) handleShutdownComplete() {
	if a.state() == stateShutdownAckSent {
		a.t2.stop()
		a.terminate(nil)
	}
}
