package ice

import "sort"

// checklist holds the candidate pairs of one agent in priority order.
// It is owned by the agent loop.
type checklist struct {
	pairs []*CandidatePair
	seq   int
}

// canPair reports whether local and remote may form a pair: same component,
// same transport and IP family.
func canPair(local, remote *Candidate) bool {
	if local.Component != remote.Component {
		return false
	}
	if local.NetworkType != remote.NetworkType {
		return false
	}
	if remote.ip == nil {
		return false
	}
	// Link-local addresses only reach the same link.
	if local.ip != nil && local.ip.IsLinkLocalUnicast() != remote.ip.IsLinkLocalUnicast() {
		return false
	}
	// Reflexive local candidates share their base's socket and are
	// redundant with the base's pairs.
	return local.Type != CandidateTypeServerReflexive
}

// add forms the pair unless it already exists or the candidates are
// incompatible. It returns the pair and whether it was created.
func (l *checklist) add(local, remote *Candidate) (*CandidatePair, bool) {
	if p := l.find(local, remote); p != nil {
		return p, false
	}
	if !canPair(local, remote) {
		return nil, false
	}
	p := newCandidatePair(local, remote, l.seq)
	l.seq++
	l.pairs = append(l.pairs, p)
	return p, true
}

func (l *checklist) find(local, remote *Candidate) *CandidatePair {
	for _, p := range l.pairs {
		if p.Local == local && p.Remote == remote {
			return p
		}
	}
	return nil
}

// pairLess orders by descending pair priority, then by ascending pair
// foundation, then by formation order.
func pairLess(a, b *CandidatePair, controlling bool) bool {
	pa, pb := a.Priority(controlling), b.Priority(controlling)
	if pa != pb {
		return pa > pb
	}
	fa, fb := a.Foundation(), b.Foundation()
	if fa != fb {
		return fa < fb
	}
	return a.seq < b.seq
}

func (l *checklist) sort(controlling bool) {
	sort.SliceStable(l.pairs, func(i, j int) bool {
		return pairLess(l.pairs[i], l.pairs[j], controlling)
	})
}

// updateFrozen applies the freezing rules: per foundation, only one pair is
// checked at a time until one of them succeeds, which thaws the rest.
func (l *checklist) updateFrozen() {
	type group struct {
		active    bool
		succeeded bool
	}
	groups := make(map[string]*group)
	for _, p := range l.pairs {
		g := groups[p.Foundation()]
		if g == nil {
			g = &group{}
			groups[p.Foundation()] = g
		}
		switch p.state {
		case CandidatePairStateWaiting, CandidatePairStateInProgress:
			g.active = true
		case CandidatePairStateSucceeded:
			g.succeeded = true
		}
	}

	for _, p := range l.pairs {
		if p.state != CandidatePairStateFrozen {
			continue
		}
		g := groups[p.Foundation()]
		switch {
		case g.succeeded:
			p.state = CandidatePairStateWaiting
		case !g.active:
			// Pairs are sorted, so this is the foundation's best frozen pair.
			p.state = CandidatePairStateWaiting
			g.active = true
		}
	}
}

// next returns the highest-priority Waiting pair.
func (l *checklist) next() *CandidatePair {
	for _, p := range l.pairs {
		if p.state == CandidatePairStateWaiting {
			return p
		}
	}
	return nil
}

// best returns the highest-priority Succeeded pair.
func (l *checklist) best() *CandidatePair {
	for _, p := range l.pairs {
		if p.state == CandidatePairStateSucceeded {
			return p
		}
	}
	return nil
}

func (l *checklist) nominated() *CandidatePair {
	for _, p := range l.pairs {
		if p.nominated {
			return p
		}
	}
	return nil
}

// allFailed reports whether checks are over without success.
func (l *checklist) allFailed() bool {
	if len(l.pairs) == 0 {
		return false
	}
	for _, p := range l.pairs {
		if p.state != CandidatePairStateFailed {
			return false
		}
	}
	return true
}

func (l *checklist) reset() {
	l.pairs = nil
}
