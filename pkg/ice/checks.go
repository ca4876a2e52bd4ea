package ice

import (
	"errors"
	"net"
	"time"

	"github.com/backkem/mediaplane/pkg/stun"
)

type checkKind int

const (
	checkConnectivity checkKind = iota
	checkConsent
)

// check is an outstanding Binding request sent for a pair.
type check struct {
	pair        *CandidatePair
	kind        checkKind
	nominate    bool
	controlling bool
	sentAt      time.Time
}

// checkNext runs on every pacer tick: triggered checks first, then the
// highest-priority Waiting pair.
func (a *Agent) checkNext() {
	if !a.started || a.remotePwd == "" {
		return
	}
	if a.state == ConnectionStateFailed {
		return
	}

	for len(a.triggered) > 0 {
		p := a.triggered[0]
		a.triggered = a.triggered[1:]
		if p.inProgress {
			continue
		}
		nominate := a.controlling && p.nominated
		a.sendCheck(p, checkConnectivity, nominate)
		return
	}

	// Ordinary checks stop once a pair is nominated.
	if a.checklist.nominated() != nil {
		return
	}
	if p := a.checklist.next(); p != nil {
		a.sendCheck(p, checkConnectivity, false)
	}
}

// trigger schedules p ahead of ordinary checks.
func (a *Agent) trigger(p *CandidatePair) {
	for _, q := range a.triggered {
		if q == p {
			return
		}
	}
	a.triggered = append(a.triggered, p)
}

func (a *Agent) sendCheck(p *CandidatePair, kind checkKind, nominate bool) {
	setters := []stun.Setter{
		stun.BindingRequest,
		stun.RandomTransactionID,
		stun.NewUsername(a.remoteUfrag + ":" + a.localUfrag),
		stun.Priority(ComputePriority(CandidateTypePeerReflexive, DefaultLocalPreference, p.Local.Component)),
	}
	if a.controlling {
		setters = append(setters, stun.ICEControlling(a.tieBreaker))
		if nominate {
			setters = append(setters, stun.UseCandidate)
		}
	} else {
		setters = append(setters, stun.ICEControlled(a.tieBreaker))
	}
	setters = append(setters, stun.NewShortTermIntegrity(a.remotePwd), stun.Fingerprint)

	req, err := stun.Build(setters...)
	if err != nil {
		a.log.Warnf("failed to build check for %s: %v", p, err)
		return
	}

	now := time.Now()
	a.pending[req.TransactionID] = &check{
		pair:        p,
		kind:        kind,
		nominate:    nominate,
		controlling: a.controlling,
		sentAt:      now,
	}
	if kind == checkConnectivity {
		p.state = CandidatePairStateInProgress
		p.inProgress = true
		p.pendingID = req.TransactionID
	}
	p.requestsSent++
	p.lastRequest = now
	if p.firstRequest.IsZero() {
		p.firstRequest = now
	}

	local, remote := p.Local, p.Remote.Addr()
	send := func(b []byte) error {
		local.touchSent(time.Now())
		_, err := local.socket.writeTo(b, remote)
		return err
	}
	id := req.TransactionID
	handler := func(ev stun.Event) {
		if ev.Err == nil || errors.Is(ev.Err, stun.ErrTransactionStopped) {
			return
		}
		_ = a.run(a.ctx, func(a *Agent) { a.handleCheckTimeout(id) })
	}

	a.log.Tracef("check %s nominate=%v", p, nominate)
	if err := a.stunClient.Start(req, send, handler); err != nil {
		a.log.Debugf("check on %s not sent: %v", p, err)
		delete(a.pending, id)
		if kind == checkConnectivity {
			p.inProgress = false
			p.state = CandidatePairStateFailed
			a.afterPairFailed()
		}
	}
}

func (a *Agent) handleCheckTimeout(id stun.TransactionID) {
	chk, ok := a.pending[id]
	if !ok {
		return
	}
	delete(a.pending, id)
	if chk.kind == checkConsent {
		return
	}
	p := chk.pair
	if p.pendingID != id || p.state != CandidatePairStateInProgress {
		return
	}
	p.inProgress = false
	a.log.Debugf("check timed out: %s", p)
	p.state = CandidatePairStateFailed
	a.afterPairFailed()
}

func (a *Agent) afterPairFailed() {
	a.checklist.updateFrozen()
	if a.selected.Load() == nil && a.checklist.allFailed() && a.gatheringState != GatheringStateGathering {
		a.setState(ConnectionStateFailed)
	}
}

// handleInboundSTUN decodes on the socket's read goroutine and hands the
// message to the loop.
func (a *Agent) handleInboundSTUN(local *Candidate, b []byte, from net.Addr) {
	m, err := stun.Decode(b)
	var unknown *stun.UnknownAttributesError
	switch {
	case err == nil:
	case errors.As(err, &unknown):
	default:
		a.log.Warnf("discarding malformed STUN from %s: %v", from, err)
		return
	}
	local.touchReceived(time.Now())
	_ = a.run(a.ctx, func(a *Agent) { a.handleInbound(local, m, unknown, from) })
}

func (a *Agent) handleInbound(local *Candidate, m *stun.Message, unknown *stun.UnknownAttributesError, from net.Addr) {
	switch m.Type.Class {
	case stun.ClassSuccessResponse, stun.ClassErrorResponse:
		if chk, ok := a.pending[m.TransactionID]; ok {
			a.handleCheckResponse(chk, local, m, from)
			return
		}
		if !a.stunClient.Handle(m) {
			a.log.Tracef("unmatched STUN response from %s", from)
		}
	case stun.ClassRequest:
		if m.Type.Method != stun.MethodBinding {
			return
		}
		a.handleBindingRequest(local, m, unknown, from)
	case stun.ClassIndication:
		a.log.Tracef("keepalive from %s", from)
	}
}

func udpAddrOf(addr net.Addr) (net.IP, int, bool) {
	switch v := addr.(type) {
	case *net.UDPAddr:
		return v.IP, v.Port, true
	case *net.TCPAddr:
		return v.IP, v.Port, true
	}
	return nil, 0, false
}

func (a *Agent) findRemote(ip net.IP, port int) *Candidate {
	for _, c := range a.remoteCandidates {
		if c.sameTransportAddress(ip, port) {
			return c
		}
	}
	return nil
}

func (a *Agent) sendResponse(local *Candidate, to net.Addr, m *stun.Message) {
	local.touchSent(time.Now())
	if _, err := local.socket.writeTo(m.Raw, to); err != nil {
		a.log.Debugf("failed to send response to %s: %v", to, err)
	}
}

func (a *Agent) sendError(local *Candidate, to net.Addr, req *stun.Message, code stun.ErrorCode) {
	resp, err := stun.Build(
		stun.BindingError,
		stun.WithTransactionID(req.TransactionID),
		code,
		stun.NewShortTermIntegrity(a.localPwd),
		stun.Fingerprint,
	)
	if err != nil {
		return
	}
	a.sendResponse(local, to, resp)
}

func (a *Agent) handleBindingRequest(local *Candidate, m *stun.Message, unknown *stun.UnknownAttributesError, from net.Addr) {
	username, err := stun.GetText(m, stun.AttrUsername)
	if err != nil {
		a.log.Warnf("discarding request from %s without USERNAME", from)
		return
	}
	prefix := a.localUfrag + ":"
	if len(username) <= len(prefix) || username[:len(prefix)] != prefix {
		a.log.Warnf("discarding request from %s for username %q", from, username)
		return
	}
	if a.remoteUfrag != "" && username[len(prefix):] != a.remoteUfrag {
		a.log.Warnf("discarding request from %s with remote ufrag %q", from, username[len(prefix):])
		return
	}
	if err := stun.NewShortTermIntegrity(a.localPwd).Check(m); err != nil {
		a.log.Warnf("discarding request from %s: %v", from, err)
		return
	}

	if unknown != nil {
		resp, err := stun.UnknownAttributesResponse(m, unknown.Types,
			stun.NewShortTermIntegrity(a.localPwd), stun.Fingerprint)
		if err == nil {
			a.sendResponse(local, from, resp)
		}
		return
	}

	if !a.resolveRoleConflict(local, m, from) {
		return
	}

	ip, port, ok := udpAddrOf(from)
	if !ok {
		return
	}

	remote := a.findRemote(ip, port)
	if remote == nil {
		var prio stun.Priority
		if err := prio.GetFrom(m); err != nil {
			a.log.Warnf("discarding request from %s without PRIORITY", from)
			return
		}
		remote, err = NewCandidate(CandidateConfig{
			Type:      CandidateTypePeerReflexive,
			Network:   local.NetworkType.NetworkShort(),
			Address:   ip.String(),
			Port:      port,
			Component: local.Component,
			Priority:  uint32(prio),
		})
		if err != nil {
			a.log.Warnf("failed to create peer-reflexive candidate for %s: %v", from, err)
			return
		}
		a.log.Debugf("learned peer-reflexive remote candidate %s", remote)
		a.addRemoteCandidate(remote)
	}
	remote.touchReceived(time.Now())

	resp, err := stun.Build(
		stun.BindingSuccess,
		stun.WithTransactionID(m.TransactionID),
		&stun.XORMappedAddress{IP: ip, Port: port},
		stun.NewShortTermIntegrity(a.localPwd),
		stun.Fingerprint,
	)
	if err != nil {
		return
	}
	a.sendResponse(local, from, resp)

	p, _ := a.checklist.add(local, remote)
	if p == nil {
		return
	}
	p.requestsReceived++
	a.checklist.sort(a.controlling)

	useCandidate := stun.HasUseCandidate(m) && !a.controlling

	switch p.state {
	case CandidatePairStateSucceeded:
		if useCandidate {
			a.nominate(p)
		}
	case CandidatePairStateInProgress:
		if useCandidate {
			p.useCandidate = true
		}
	default:
		if useCandidate {
			p.useCandidate = true
		}
		if p.state != CandidatePairStateFailed || a.selected.Load() == nil {
			p.state = CandidatePairStateWaiting
			a.trigger(p)
		}
	}
}

// resolveRoleConflict applies RFC 8445 Section 7.3.1.1. It returns false
// when the request was answered with 487 and must not be processed further.
func (a *Agent) resolveRoleConflict(local *Candidate, m *stun.Message, from net.Addr) bool {
	if a.controlling && m.Contains(stun.AttrICEControlling) {
		var theirs stun.ICEControlling
		if err := theirs.GetFrom(m); err != nil {
			return false
		}
		if a.tieBreaker >= uint64(theirs) {
			a.sendError(local, from, m, stun.CodeRoleConflict)
			return false
		}
		a.switchRole(false)
		return true
	}
	if !a.controlling && m.Contains(stun.AttrICEControlled) {
		var theirs stun.ICEControlled
		if err := theirs.GetFrom(m); err != nil {
			return false
		}
		if a.tieBreaker >= uint64(theirs) {
			a.switchRole(true)
			return true
		}
		a.sendError(local, from, m, stun.CodeRoleConflict)
		return false
	}
	return true
}

func (a *Agent) switchRole(controlling bool) {
	if a.controlling == controlling {
		return
	}
	a.log.Infof("role conflict: switching to controlling=%v", controlling)
	a.controlling = controlling
	if !controlling && a.selected.Load() == nil {
		// Nominations made as the controlling agent are void.
		for _, p := range a.checklist.pairs {
			p.nominated = false
		}
	}
	a.checklist.sort(controlling)
}

func (a *Agent) handleCheckResponse(chk *check, local *Candidate, m *stun.Message, from net.Addr) {
	p := chk.pair
	if err := stun.NewShortTermIntegrity(a.remotePwd).Check(m); err != nil {
		a.log.Warnf("discarding response from %s: %v", from, err)
		return
	}

	id := m.TransactionID
	delete(a.pending, id)
	a.stunClient.Cancel(id)
	if chk.kind == checkConnectivity {
		p.inProgress = false
	}

	// Responses must come back on the same 5-tuple.
	ip, port, ok := udpAddrOf(from)
	if !ok || local != p.Local || !p.Remote.sameTransportAddress(ip, port) {
		a.log.Debugf("asymmetric response for %s from %s", p, from)
		if chk.kind == checkConnectivity {
			p.state = CandidatePairStateFailed
			a.afterPairFailed()
		}
		return
	}

	if m.Type.Class == stun.ClassErrorResponse {
		var code stun.ErrorCodeAttribute
		if err := code.GetFrom(m); err == nil && code.Code == stun.CodeRoleConflict {
			a.switchRole(!chk.controlling)
			p.state = CandidatePairStateWaiting
			a.trigger(p)
			return
		}
		a.log.Debugf("error response for %s: %v", p, code)
		if chk.kind == checkConnectivity {
			p.state = CandidatePairStateFailed
			a.afterPairFailed()
		}
		return
	}

	now := time.Now()
	p.responsesReceived++
	p.lastResponse = now
	p.rtt = now.Sub(chk.sentAt)
	if p == a.selected.Load() {
		a.lastConsent = now
	}
	if chk.kind == checkConsent {
		return
	}

	var mapped stun.XORMappedAddress
	if err := mapped.GetFrom(m); err == nil {
		a.learnPeerReflexive(p.Local, mapped)
	}

	p.state = CandidatePairStateSucceeded
	a.log.Debugf("check succeeded: %s rtt=%s", p, p.rtt)
	a.checklist.updateFrozen()

	switch {
	case chk.nominate:
		a.nominate(p)
	case !a.controlling && p.useCandidate:
		a.nominate(p)
	case a.controlling && a.checklist.nominated() == nil:
		// Regular nomination of the best valid pair so far.
		if best := a.checklist.best(); best != nil {
			best.nominated = true
			a.trigger(best)
		}
	}
}

// learnPeerReflexive records a local address the remote saw that was not
// gathered. The candidate stays internal: it is neither emitted nor paired,
// since it sends through its base.
func (a *Agent) learnPeerReflexive(base *Candidate, mapped stun.XORMappedAddress) {
	if base.sameTransportAddress(mapped.IP, mapped.Port) {
		return
	}
	for _, c := range a.localCandidates {
		if c.sameTransportAddress(mapped.IP, mapped.Port) {
			return
		}
	}
	for _, c := range a.prflxCandidates {
		if c.sameTransportAddress(mapped.IP, mapped.Port) {
			return
		}
	}
	c, err := NewCandidate(CandidateConfig{
		Type:      CandidateTypePeerReflexive,
		Network:   base.NetworkType.NetworkShort(),
		Address:   mapped.IP.String(),
		Port:      mapped.Port,
		Component: base.Component,
		RelatedAddress: &RelatedAddress{
			Address: base.ip.String(),
			Port:    base.Port,
		},
	})
	if err != nil {
		return
	}
	c.socket = base.socket
	a.log.Debugf("learned peer-reflexive local candidate %s", c)
	a.prflxCandidates = append(a.prflxCandidates, c)
}

// nominate selects p if it beats the current pair. At most one pair is
// nominated at a time; a lower nomination is ignored.
func (a *Agent) nominate(p *CandidatePair) {
	if p.state != CandidatePairStateSucceeded {
		return
	}
	cur := a.selected.Load()
	if cur == p {
		p.nominated = true
		return
	}
	if cur != nil && pairLess(cur, p, a.controlling) {
		a.log.Debugf("ignoring nomination of %s, %s ranks higher", p, cur)
		p.nominated = false
		return
	}
	for _, q := range a.checklist.pairs {
		q.nominated = q == p
	}
	a.setSelected(p)
}

func (a *Agent) setSelected(p *CandidatePair) {
	now := time.Now()
	a.selected.Store(p)
	a.selectedAt = now
	a.lastConsent = now
	a.lastConsentReq = now
	a.log.Infof("selected pair %s", p)
	a.notifySelected(p)

	switch a.state {
	case ConnectionStateNew, ConnectionStateChecking, ConnectionStateDisconnected:
		a.setState(ConnectionStateConnected)
	}
}

func (a *Agent) notifySelected(p *CandidatePair) {
	h := a.onSelectedPairChangeHdlr.Load()
	if h == nil || *h == nil {
		return
	}
	f := *h
	if p == nil {
		a.notify(func() { f(nil, nil) })
		return
	}
	local, remote := p.Local, p.Remote
	a.notify(func() { f(local, remote) })
}

// housekeeping sends keepalives and consent requests on the selected pair
// and applies the consent timeouts.
func (a *Agent) housekeeping(now time.Time) {
	p := a.selected.Load()
	if p == nil {
		return
	}

	if now.Sub(p.Local.LastSent()) >= a.config.KeepaliveInterval {
		a.sendKeepalive(p)
	}
	if now.Sub(a.lastConsentReq) >= a.config.ConsentInterval {
		a.lastConsentReq = now
		a.sendCheck(p, checkConsent, false)
	}

	silent := now.Sub(a.lastConsent)
	switch a.state {
	case ConnectionStateConnected, ConnectionStateCompleted:
		if silent >= a.config.DisconnectedTimeout {
			a.log.Warnf("no consent on %s for %s", p, silent)
			a.setState(ConnectionStateDisconnected)
			return
		}
		if a.state == ConnectionStateConnected && p.nominated && !a.checksOutstanding() {
			a.setState(ConnectionStateCompleted)
		}
	case ConnectionStateDisconnected:
		switch {
		case silent < a.config.DisconnectedTimeout:
			a.setState(ConnectionStateConnected)
		case silent >= a.config.DisconnectedTimeout+a.config.FailedTimeout:
			a.log.Errorf("consent expired on %s", p)
			a.selected.Store(nil)
			a.setState(ConnectionStateFailed)
		}
	}
}

func (a *Agent) checksOutstanding() bool {
	if len(a.triggered) > 0 {
		return true
	}
	for _, chk := range a.pending {
		if chk.kind == checkConnectivity {
			return true
		}
	}
	return false
}

func (a *Agent) sendKeepalive(p *CandidatePair) {
	msg, err := stun.Build(stun.BindingIndication, stun.RandomTransactionID, stun.Fingerprint)
	if err != nil {
		return
	}
	p.Local.touchSent(time.Now())
	if _, err := p.Local.socket.writeTo(msg.Raw, p.Remote.Addr()); err != nil {
		a.log.Debugf("keepalive on %s failed: %v", p, err)
	}
}
