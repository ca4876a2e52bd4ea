package ice

import (
	"fmt"
	"time"

	"github.com/backkem/mediaplane/pkg/stun"
)

// PairPriority returns 2^32*min(G,D) + 2*max(G,D) + (G>D ? 1 : 0) where G
// is the controlling side's candidate priority and D the controlled side's.
func PairPriority(controlling, controlled uint32) uint64 {
	g, d := uint64(controlling), uint64(controlled)
	lo, hi := g, d
	if d < g {
		lo, hi = d, g
	}
	var tie uint64
	if g > d {
		tie = 1
	}
	return (1<<32)*lo + 2*hi + tie
}

// CandidatePair is a local and remote candidate checked together.
// Everything except Local and Remote belongs to the agent loop.
type CandidatePair struct {
	Local  *Candidate
	Remote *Candidate

	state     CandidatePairState
	nominated bool
	seq       int

	// useCandidate is set when the controlled side learned of a nomination
	// before the pair succeeded.
	useCandidate bool

	pendingID  stun.TransactionID
	inProgress bool

	requestsSent      uint64
	requestsReceived  uint64
	responsesReceived uint64
	firstRequest      time.Time
	lastRequest       time.Time
	lastResponse      time.Time
	rtt               time.Duration
}

func newCandidatePair(local, remote *Candidate, seq int) *CandidatePair {
	return &CandidatePair{Local: local, Remote: remote, seq: seq, state: CandidatePairStateFrozen}
}

// Priority returns the pair priority for the given local role.
func (p *CandidatePair) Priority(controlling bool) uint64 {
	if controlling {
		return PairPriority(p.Local.Priority, p.Remote.Priority)
	}
	return PairPriority(p.Remote.Priority, p.Local.Priority)
}

// Foundation is the pair foundation, the concatenation of the candidate
// foundations.
func (p *CandidatePair) Foundation() string {
	return p.Local.Foundation + ":" + p.Remote.Foundation
}

func (p *CandidatePair) String() string {
	return fmt.Sprintf("%s <-> %s (%s)", p.Local, p.Remote, p.state)
}

// CandidatePairStats is a snapshot of one pair.
type CandidatePairStats struct {
	LocalCandidateID  string
	RemoteCandidateID string
	State             CandidatePairState
	Nominated         bool
	Priority          uint64
	RequestsSent      uint64
	RequestsReceived  uint64
	ResponsesReceived uint64
	LastRequest       time.Time
	LastResponse      time.Time
	CurrentRTT        time.Duration
}

func (p *CandidatePair) stats(controlling bool) CandidatePairStats {
	return CandidatePairStats{
		LocalCandidateID:  p.Local.ID,
		RemoteCandidateID: p.Remote.ID,
		State:             p.state,
		Nominated:         p.nominated,
		Priority:          p.Priority(controlling),
		RequestsSent:      p.requestsSent,
		RequestsReceived:  p.requestsReceived,
		ResponsesReceived: p.responsesReceived,
		LastRequest:       p.lastRequest,
		LastResponse:      p.lastResponse,
		CurrentRTT:        p.rtt,
	}
}
