package sctp

import (
	"io"
	"slices"
)

// Stream reset follows RFC 6525. Closing a stream sends an outgoing reset
// request once its queued data has been given TSNs; the peer answers
// after it has received everything up to the request's last TSN.

func (a *Association) handleReconfig(c *reconfigChunk) {
	if a.state() != stateEstablished && a.state() != stateShutdownPending {
		return
	}
	var responses []param
	for _, p := range c.params {
		switch p.typ {
		case paramOutgoingResetRequest:
			var req outgoingResetRequest
			if err := req.unmarshal(p.value); err != nil {
				a.log.Debugf("[%s] bad reset request: %v", a.name, err)
				continue
			}
			responses = append(responses, a.handleResetRequest(&req))
		case paramReconfigResponse:
			var resp reconfigResponse
			if err := resp.unmarshal(p.value); err != nil {
				a.log.Debugf("[%s] bad reconfig response: %v", a.name, err)
				continue
			}
			a.handleReconfigResponse(&resp)
		default:
			a.log.Debugf("[%s] ignoring reconfig %s", a.name, p.typ)
		}
	}
	if len(responses) > 0 {
		a.send(&reconfigChunk{params: responses})
	}
}

func (a *Association) handleResetRequest(req *outgoingResetRequest) param {
	resp := reconfigResponse{responseSeq: req.requestSeq}
	switch {
	case req.requestSeq == a.peerNextRSN:
		a.peerNextRSN++
		if tsnLTE(req.lastTSN, a.peerLastTSN) {
			a.resetIncoming(req.streams)
			resp.result = reconfigSuccessPerformed
		} else {
			a.deferredResets = append(a.deferredResets, req)
			resp.result = reconfigInProgress
		}
	case tsnLT(req.requestSeq, a.peerNextRSN):
		// A retransmission of a request we have seen.
		resp.result = reconfigSuccessPerformed
		if slices.ContainsFunc(a.deferredResets, func(d *outgoingResetRequest) bool {
			return d.requestSeq == req.requestSeq
		}) {
			resp.result = reconfigInProgress
		}
	default:
		resp.result = reconfigErrorWrongSSN
	}
	return resp.param()
}

// processDeferredResets performs requests whose last TSN has now arrived.
func (a *Association) processDeferredResets() {
	if len(a.deferredResets) == 0 {
		return
	}
	var responses []param
	a.deferredResets = slices.DeleteFunc(a.deferredResets, func(req *outgoingResetRequest) bool {
		if !tsnLTE(req.lastTSN, a.peerLastTSN) {
			return false
		}
		a.resetIncoming(req.streams)
		resp := reconfigResponse{responseSeq: req.requestSeq, result: reconfigSuccessPerformed}
		responses = append(responses, resp.param())
		return true
	})
	if len(responses) > 0 {
		a.send(&reconfigChunk{params: responses})
	}
}

// resetIncoming ends the read side of the listed streams, or of all
// streams when the list is empty.
func (a *Association) resetIncoming(ids []uint16) {
	if len(ids) == 0 {
		for id := range a.streams {
			ids = append(ids, id)
		}
	}
	for _, id := range ids {
		s, ok := a.streams[id]
		if !ok {
			continue
		}
		a.log.Debugf("[%s] peer reset stream %d", a.name, id)
		s.peerReset = true
		s.reassembly = newReassemblyQueue()
		s.closeRead(io.EOF)
		if s.resetAcked {
			a.removeStream(s)
		}
	}
}

func (a *Association) handleReconfigResponse(resp *reconfigResponse) {
	req := a.outgoingReset
	if req == nil || resp.responseSeq != req.requestSeq {
		return
	}
	switch resp.result {
	case reconfigSuccessPerformed, reconfigSuccessNOP:
		a.reconfigT.stop()
		a.outgoingReset = nil
		for _, id := range req.streams {
			s, ok := a.streams[id]
			if !ok {
				continue
			}
			s.resetAcked = true
			s.nextSSN = 0
			if s.peerReset {
				a.removeStream(s)
			}
		}
	case reconfigInProgress:
		// The timer resends the request.
	default:
		a.log.Warnf("[%s] peer refused reset of streams %v: result %d", a.name, req.streams, resp.result)
		a.reconfigT.stop()
		a.outgoingReset = nil
	}
}

// gatherResetRequest builds a reset request for closed streams that have
// nothing left in the pending queue. Only one request is outstanding.
func (a *Association) gatherResetRequest() chunk {
	if a.outgoingReset != nil || len(a.streamsToReset) == 0 {
		return nil
	}
	var ready, waiting []uint16
	for _, id := range a.streamsToReset {
		if a.pending.hasStream(id) {
			waiting = append(waiting, id)
		} else {
			ready = append(ready, id)
		}
	}
	if len(ready) == 0 {
		return nil
	}
	a.streamsToReset = waiting
	a.outgoingReset = &outgoingResetRequest{
		requestSeq:  a.myNextRSN,
		responseSeq: a.peerNextRSN - 1,
		lastTSN:     a.myNextTSN - 1,
		streams:     ready,
	}
	a.myNextRSN++
	a.reconfigT.restart(a.rto.get())
	return &reconfigChunk{params: []param{a.outgoingReset.param()}}
}

func (a *Association) onReconfigTimeout() {
	a.reconfigT.expired()
	if a.outgoingReset == nil {
		return
	}
	a.errorCount++
	if a.errorCount > a.cfg.MaxAssociationRetransmits {
		a.abortRetransmitsExceeded()
		return
	}
	a.send(&reconfigChunk{params: []param{a.outgoingReset.param()}})
	a.reconfigT.backoff(a.rto.get(), a.cfg.RTOMax)
}
