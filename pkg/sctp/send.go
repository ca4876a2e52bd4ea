package sctp

import (
	"encoding/binary"
	"fmt"
	"slices"
	"time"
)

// send writes control chunks to the peer right away.
func (a *Association) send(chunks ...chunk) {
	a.sendWithTag(a.peerVTag, chunks...)
}

func (a *Association) sendWithTag(tag uint32, chunks ...chunk) {
	p := &packet{
		srcPort:         a.cfg.LocalPort,
		dstPort:         a.cfg.RemotePort,
		verificationTag: tag,
		chunks:          chunks,
	}
	raw := p.marshal()
	if _, err := a.netConn.Write(raw); err != nil {
		a.log.Debugf("[%s] write to lower layer: %v", a.name, err)
		return
	}
	a.lastSend = time.Now()
	a.stats.packetsSent.Add(1)
	a.stats.bytesSent.Add(uint64(len(raw)))
	for _, c := range chunks {
		a.log.Tracef("[%s] -> %s", a.name, c.typ())
	}
}

// sendAbort sends ABORT. Before the peer's tag is known the T bit marks
// the packet as carrying our own tag.
func (a *Association) sendAbort(cause *ErrorCause) {
	c := &abortChunk{causes: []*ErrorCause{cause}}
	tag := a.peerVTag
	if tag == 0 {
		c.tBit = true
		tag = a.myVTag
	}
	a.sendWithTag(tag, c)
}

func (a *Association) abortRetransmitsExceeded() {
	a.log.Warnf("[%s] %v", a.name, ErrRetransmitsExceeded)
	a.sendAbort(&ErrorCause{Code: CauseProtocolViolation, Info: []byte(ErrRetransmitsExceeded.Error())})
	a.terminate(ErrRetransmitsExceeded)
}

func (a *Association) sendInit() {
	if a.storedInit == nil {
		a.storedInit = &initChunk{
			initiateTag:   a.myVTag,
			aRwnd:         a.cfg.MaxReceiveBufferSize,
			numOutStreams: maxStreams,
			numInStreams:  maxStreams,
			initialTSN:    a.myNextTSN,
			params:        a.localParams(),
		}
	}
	a.setState(stateCookieWait)
	a.sendWithTag(0, a.storedInit)
	a.t1Init.stop()
	a.t1Init.start(a.rto.get())
}

func (a *Association) onT1InitTimeout() {
	a.t1Init.expired()
	if a.state() != stateCookieWait {
		return
	}
	if a.t1Init.attempts > a.cfg.MaxInitRetransmits {
		a.terminate(ErrHandshakeTimeout)
		return
	}
	a.log.Debugf("[%s] INIT retransmission %d", a.name, a.t1Init.attempts)
	a.sendWithTag(0, a.storedInit)
	a.t1Init.backoff(a.rto.get(), a.cfg.RTOMax)
}

func (a *Association) onT1CookieTimeout() {
	a.t1Cookie.expired()
	if a.state() != stateCookieEchoed {
		return
	}
	if a.t1Cookie.attempts > a.cfg.MaxInitRetransmits {
		a.terminate(ErrHandshakeTimeout)
		return
	}
	a.log.Debugf("[%s] COOKIE ECHO retransmission %d", a.name, a.t1Cookie.attempts)
	a.send(a.storedCookie)
	a.t1Cookie.backoff(a.rto.get(), a.cfg.RTOMax)
}

func (a *Association) onT2Timeout() {
	a.t2.expired()
	if a.t2.attempts > a.cfg.MaxAssociationRetransmits {
		a.sendAbort(&ErrorCause{Code: CauseUserInitiatedAbort, Info: []byte(ErrShutdownTimeout.Error())})
		a.terminate(ErrShutdownTimeout)
		return
	}
	switch a.state() {
	case stateShutdownSent:
		a.send(&shutdownChunk{cumulativeTSNAck: a.peerLastTSN})
	case stateShutdownAckSent:
		a.send(&shutdownAckChunk{})
	default:
		return
	}
	a.t2.backoff(a.rto.get(), a.cfg.RTOMax)
}

// onT3Timeout handles expiry of the retransmission timer (RFC 4960
// Section 6.3.3).
func (a *Association) onT3Timeout() {
	a.t3RTX.expired()
	a.stats.t3Timeouts.Add(1)
	a.errorCount++
	if a.errorCount > a.cfg.MaxAssociationRetransmits {
		a.abortRetransmitsExceeded()
		return
	}

	a.ssthresh = max(a.cwnd/2, 4*a.cfg.MTU)
	a.cwnd = a.cfg.MTU
	a.partialBytesAcked = 0
	a.inFastRecovery = false
	a.log.Debugf("[%s] T3-rtx timeout %d: cwnd=%d ssthresh=%d", a.name, a.t3RTX.attempts, a.cwnd, a.ssthresh)

	now := time.Now()
	for tsn := a.cumulativeTSNAckPoint + 1; tsnLT(tsn, a.myNextTSN); tsn++ {
		if c, ok := a.inflight.get(tsn); ok && !c.acked && !c.abandoned() {
			a.abandonIfExhausted(c, now)
		}
	}
	a.advancePeerAckPoint()
	a.inflight.markAllToRetransmit()
	if a.inflight.size() > 0 {
		a.t3RTX.backoff(a.rto.get(), a.cfg.RTOMax)
	}
}

func (a *Association) onHeartbeatTimeout() {
	a.heartbeat.expired()
	if a.state() != stateEstablished {
		return
	}
	if idle := time.Since(a.lastSend); idle < a.cfg.HeartbeatInterval && !a.heartbeatOutstanding {
		a.heartbeat.restart(a.cfg.HeartbeatInterval - idle)
		return
	}
	if a.heartbeatOutstanding {
		a.errorCount++
		if a.errorCount > a.cfg.MaxAssociationRetransmits {
			a.abortRetransmitsExceeded()
			return
		}
	}
	info := binary.BigEndian.AppendUint64(nil, uint64(time.Now().UnixNano()))
	a.send(&heartbeatChunk{info: info})
	a.heartbeatOutstanding = true
	a.heartbeat.restart(a.cfg.HeartbeatInterval + a.rto.get())
}

// abandonIfExhausted abandons the message of c when its partial
// reliability budget is spent. Messages with fragments still pending are
// never abandoned so that no orphan fragment gets sent later.
func (a *Association) abandonIfExhausted(c *dataChunk, now time.Time) bool {
	m := c.msg
	if m.abandoned {
		return true
	}
	if !a.useForwardTSN || m.reliability == ReliabilityTypeReliable || !m.allInflight() {
		return false
	}
	if !m.exhausted(c.nSent, now) {
		return false
	}
	released := a.inflight.abandon(m)
	a.release(m.stream, released)
	a.stats.abandonedMessages.Add(1)
	a.log.Tracef("[%s] abandoned message on stream %d tsn=%d", a.name, c.streamID, c.tsn)
	return true
}

// flush sends whatever the loop has to say after handling an event. Data
// goes out bundled up to the MTU, limited by cwnd and the peer window.
func (a *Association) flush() {
	if a.isTerminated() {
		return
	}
	now := time.Now()
	var chunks []chunk

	if a.state() >= stateEstablished {
		chunks = append(chunks, a.gatherFastRetransmits(now)...)
		chunks = append(chunks, a.gatherRetransmits(now)...)
		a.advancePeerAckPoint()
		if a.willSendForwardTSN {
			a.willSendForwardTSN = false
			if fwd := a.createForwardTSN(); fwd != nil {
				chunks = append(chunks, fwd)
			}
		}
		chunks = append(chunks, a.gatherNewData(now)...)
		if len(chunks) > 0 {
			a.t3RTX.start(a.rto.get())
		}
	}

	if a.ackState == ackImmediate || (a.ackState == ackDelayed && len(chunks) > 0) {
		chunks = append([]chunk{a.createSack()}, chunks...)
	}
	if rc := a.gatherResetRequest(); rc != nil {
		chunks = append(chunks, rc)
	}
	a.sendBundled(chunks)
	a.flushShutdown()
}

func (a *Association) flushShutdown() {
	if a.pending.size() > 0 || a.inflight.size() > 0 {
		return
	}
	switch a.state() {
	case stateShutdownPending:
		a.setState(stateShutdownSent)
		a.send(&shutdownChunk{cumulativeTSNAck: a.peerLastTSN})
		a.t2.start(a.rto.get())
	case stateShutdownReceived:
		a.setState(stateShutdownAckSent)
		a.send(&shutdownAckChunk{})
		a.t2.start(a.rto.get())
	}
}

// sendBundled packs chunks into as few packets as the MTU allows.
func (a *Association) sendBundled(chunks []chunk) {
	var bundle []chunk
	size := commonHeaderSize
	for _, c := range chunks {
		n := chunkLen(c)
		if len(bundle) > 0 && size+n > int(a.cfg.MTU) {
			a.send(bundle...)
			bundle = nil
			size = commonHeaderSize
		}
		bundle = append(bundle, c)
		size += n
	}
	if len(bundle) > 0 {
		a.send(bundle...)
	}
}

func (a *Association) createSack() *sackChunk {
	rwnd := a.receiveWindow()
	a.lastAdvertisedRwnd = rwnd
	a.ackState = ackIdle
	a.ackTimer.stop()
	a.packetsSinceAck = 0
	return &sackChunk{
		cumulativeTSNAck: a.peerLastTSN,
		aRwnd:            rwnd,
		gaps:             a.payloads.gapBlocks(a.peerLastTSN),
		dups:             a.payloads.popDuplicates(),
	}
}

// gatherFastRetransmits collects chunks reported missing three times.
// They go out in one packet regardless of cwnd (RFC 4960 Section 7.2.4).
func (a *Association) gatherFastRetransmits(now time.Time) []chunk {
	if !a.willRetransmitFast {
		return nil
	}
	a.willRetransmitFast = false

	var out []chunk
	size := commonHeaderSize
	for tsn := a.cumulativeTSNAckPoint + 1; tsnLT(tsn, a.myNextTSN); tsn++ {
		c, ok := a.inflight.get(tsn)
		if !ok || c.acked || c.abandoned() || c.nSent > 1 || c.missIndicator < fastRtxThreshold {
			continue
		}
		if a.abandonIfExhausted(c, now) {
			continue
		}
		n := chunkLen(c)
		if size+n > int(a.cfg.MTU) {
			break
		}
		size += n
		c.nSent++
		c.retransmit = false
		a.stats.fastRetransmits.Add(1)
		out = append(out, c)
		if tsn == a.cumulativeTSNAckPoint+1 {
			a.t3RTX.stop()
			a.t3RTX.start(a.rto.get())
		}
	}
	return out
}

// gatherRetransmits collects chunks marked by a T3 timeout, bounded by
// min(cwnd, rwnd). One chunk may always go out as a zero window probe.
func (a *Association) gatherRetransmits(now time.Time) []chunk {
	window := int(min(a.cwnd, a.peerRwnd))
	var out []chunk
	bytes := 0
	for tsn := a.cumulativeTSNAckPoint + 1; tsnLT(tsn, a.myNextTSN); tsn++ {
		c, ok := a.inflight.get(tsn)
		if !ok || !c.retransmit {
			continue
		}
		if a.abandonIfExhausted(c, now) {
			continue
		}
		if len(out) > 0 && bytes+len(c.userData) > window {
			break
		}
		c.retransmit = false
		c.nSent++
		bytes += len(c.userData)
		out = append(out, c)
		if window == 0 {
			break
		}
	}
	return out
}

// gatherNewData assigns TSNs to pending chunks while cwnd and the peer
// window have room.
func (a *Association) gatherNewData(now time.Time) []chunk {
	var out []chunk
	for {
		c := a.pending.peek()
		if c == nil {
			break
		}
		n := uint32(len(c.userData))
		outstanding := uint32(a.inflight.nBytes)
		if outstanding > 0 {
			if outstanding+n > a.cwnd || n > a.peerRwnd {
				break
			}
		} else if a.peerRwnd == 0 && len(out) > 0 {
			break
		}
		a.pending.pop()
		c.tsn = a.myNextTSN
		a.myNextTSN++
		c.since = now
		c.nSent = 1
		c.msg.nInflight++
		a.inflight.push(c)
		if a.peerRwnd >= n {
			a.peerRwnd -= n
		} else {
			a.peerRwnd = 0
		}
		a.stats.datasSent.Add(1)
		out = append(out, c)
	}
	return out
}

// createForwardTSN reports the new cumulative TSN and, for ordered
// streams, the last skipped SSN (RFC 3758 Section 3.2).
func (a *Association) createForwardTSN() *forwardTSNChunk {
	if !tsnGT(a.advancedPeerTSNAckPoint, a.cumulativeTSNAckPoint) {
		return nil
	}
	last := make(map[uint16]uint16)
	for tsn := a.cumulativeTSNAckPoint + 1; tsnLTE(tsn, a.advancedPeerTSNAckPoint); tsn++ {
		c, ok := a.inflight.get(tsn)
		if !ok || c.unordered {
			continue
		}
		if ssn, seen := last[c.streamID]; !seen || ssnLT(ssn, c.ssn) {
			last[c.streamID] = c.ssn
		}
	}
	fwd := &forwardTSNChunk{newCumulativeTSN: a.advancedPeerTSNAckPoint}
	for id, ssn := range last {
		fwd.streams = append(fwd.streams, forwardTSNStream{streamID: id, ssn: ssn})
	}
	slices.SortFunc(fwd.streams, func(x, y forwardTSNStream) int {
		return int(x.streamID) - int(y.streamID)
	})
	return fwd
}

func (a *Association) String() string {
	return fmt.Sprintf("sctp association %s (%s)", a.name, a.state())
}
