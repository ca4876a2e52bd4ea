package sctp

import (
	"slices"
	"time"

	"github.com/gammazero/deque"
)

// outMessage is the sender state shared by the fragments of one user
// message.
type outMessage struct {
	stream      *Stream
	reliability ReliabilityType
	value       uint32
	queued      time.Time
	nChunks     int
	nInflight   int
	abandoned   bool
}

// allInflight reports whether every fragment has been given a TSN. Only
// then can the message be abandoned without stranding fragments.
func (m *outMessage) allInflight() bool {
	return m.nInflight == m.nChunks
}

// exhausted reports whether a chunk sent nSent times has used up the
// message's reliability budget.
func (m *outMessage) exhausted(nSent int, now time.Time) bool {
	switch m.reliability {
	case ReliabilityTypeRexmit:
		return nSent > int(m.value)
	case ReliabilityTypeTimed:
		return now.Sub(m.queued) >= time.Duration(m.value)*time.Millisecond
	}
	return false
}

// pendingQueue holds data chunks that have no TSN yet, in submission
// order. Fragments of a message are contiguous.
type pendingQueue struct {
	q      *deque.Deque[*dataChunk]
	nBytes int
}

func newPendingQueue() *pendingQueue {
	return &pendingQueue{q: deque.New[*dataChunk]()}
}

func (q *pendingQueue) push(c *dataChunk) {
	q.q.PushBack(c)
	q.nBytes += len(c.userData)
}

func (q *pendingQueue) peek() *dataChunk {
	if q.q.Len() == 0 {
		return nil
	}
	return q.q.Front()
}

func (q *pendingQueue) pop() *dataChunk {
	c := q.q.PopFront()
	q.nBytes -= len(c.userData)
	return c
}

func (q *pendingQueue) size() int { return q.q.Len() }

// hasStream reports whether any chunk of stream id is still queued.
func (q *pendingQueue) hasStream(id uint16) bool {
	for i := 0; i < q.q.Len(); i++ {
		if q.q.At(i).streamID == id {
			return true
		}
	}
	return false
}

// inflightQueue holds sent chunks until the cumulative TSN ack passes
// them. Gap-acked and abandoned chunks stay until then; nBytes counts only
// the outstanding ones.
type inflightQueue struct {
	chunks map[uint32]*dataChunk
	nBytes int
}

func newInflightQueue() *inflightQueue {
	return &inflightQueue{chunks: make(map[uint32]*dataChunk)}
}

func (q *inflightQueue) push(c *dataChunk) {
	q.chunks[c.tsn] = c
	q.nBytes += len(c.userData)
}

func (q *inflightQueue) get(tsn uint32) (*dataChunk, bool) {
	c, ok := q.chunks[tsn]
	return c, ok
}

func (q *inflightQueue) pop(tsn uint32) (*dataChunk, bool) {
	c, ok := q.chunks[tsn]
	if !ok {
		return nil, false
	}
	delete(q.chunks, tsn)
	if !c.acked && !c.abandoned() {
		q.nBytes -= len(c.userData)
	}
	return c, true
}

// markAcked marks an outstanding chunk acknowledged and returns its size.
func (q *inflightQueue) markAcked(c *dataChunk) int {
	if c.acked {
		return 0
	}
	c.acked = true
	c.retransmit = false
	if c.abandoned() {
		return 0
	}
	q.nBytes -= len(c.userData)
	return len(c.userData)
}

// abandon marks every fragment of m abandoned and returns the bytes that
// stopped being outstanding.
func (q *inflightQueue) abandon(m *outMessage) int {
	if m.abandoned {
		return 0
	}
	released := 0
	for _, c := range q.chunks {
		if c.msg == m && !c.acked {
			released += len(c.userData)
		}
	}
	m.abandoned = true
	q.nBytes -= released
	for _, c := range q.chunks {
		if c.msg == m {
			c.retransmit = false
		}
	}
	return released
}

func (q *inflightQueue) markAllToRetransmit() {
	for _, c := range q.chunks {
		if c.acked || c.abandoned() {
			continue
		}
		c.retransmit = true
	}
}

func (q *inflightQueue) size() int { return len(q.chunks) }

// payloadQueue records the TSNs received above the cumulative TSN so that
// gaps and duplicates can be reported.
type payloadQueue struct {
	tsns   map[uint32]struct{}
	sorted []uint32
	dups   []uint32
}

const maxReportedDups = 16

func newPayloadQueue() *payloadQueue {
	return &payloadQueue{tsns: make(map[uint32]struct{})}
}

func (q *payloadQueue) has(tsn uint32) bool {
	_, ok := q.tsns[tsn]
	return ok
}

func (q *payloadQueue) add(tsn uint32) {
	q.tsns[tsn] = struct{}{}
	q.sorted = nil
}

func (q *payloadQueue) recordDup(tsn uint32) {
	if len(q.dups) < maxReportedDups {
		q.dups = append(q.dups, tsn)
	}
}

// highest returns the largest recorded TSN.
func (q *payloadQueue) highest() (uint32, bool) {
	s := q.sortedTSNs()
	if len(s) == 0 {
		return 0, false
	}
	return s[len(s)-1], true
}

// pop removes tsn if it is present.
func (q *payloadQueue) pop(tsn uint32) bool {
	if _, ok := q.tsns[tsn]; !ok {
		return false
	}
	delete(q.tsns, tsn)
	q.sorted = nil
	return true
}

// discardThrough drops every recorded TSN at or below tsn.
func (q *payloadQueue) discardThrough(tsn uint32) {
	for t := range q.tsns {
		if tsnLTE(t, tsn) {
			delete(q.tsns, t)
			q.sorted = nil
		}
	}
}

func (q *payloadQueue) popDuplicates() []uint32 {
	d := q.dups
	q.dups = nil
	return d
}

func (q *payloadQueue) sortedTSNs() []uint32 {
	if q.sorted == nil {
		q.sorted = make([]uint32, 0, len(q.tsns))
		for t := range q.tsns {
			q.sorted = append(q.sorted, t)
		}
		slices.SortFunc(q.sorted, func(a, b uint32) int {
			switch {
			case tsnLT(a, b):
				return -1
			case a == b:
				return 0
			}
			return 1
		})
	}
	return q.sorted
}

func (q *payloadQueue) gapBlocks(cumulativeTSN uint32) []gapBlock {
	var gaps []gapBlock
	for _, tsn := range q.sortedTSNs() {
		off := uint16(tsn - cumulativeTSN)
		if n := len(gaps); n > 0 && gaps[n-1].end+1 == off {
			gaps[n-1].end = off
			continue
		}
		gaps = append(gaps, gapBlock{start: off, end: off})
	}
	return gaps
}

func (q *payloadQueue) size() int { return len(q.tsns) }

// inMessage is a reassembled user message.
type inMessage struct {
	ppi  PayloadProtocolIdentifier
	data []byte
}

// reassemblyQueue rebuilds messages of one stream from DATA chunks and
// releases them in stream sequence order for ordered delivery.
type reassemblyQueue struct {
	nextSSN   uint16
	ordered   map[uint16][]*dataChunk
	unordered []*dataChunk
	nBytes    int
}

func newReassemblyQueue() *reassemblyQueue {
	return &reassemblyQueue{ordered: make(map[uint16][]*dataChunk)}
}

func (r *reassemblyQueue) push(c *dataChunk) {
	var added bool
	if c.unordered {
		r.unordered, added = insertByTSN(r.unordered, c)
	} else {
		if ssnLT(c.ssn, r.nextSSN) {
			return
		}
		r.ordered[c.ssn], added = insertByTSN(r.ordered[c.ssn], c)
	}
	if added {
		r.nBytes += len(c.userData)
	}
}

// pop returns every message that can be delivered now.
func (r *reassemblyQueue) pop() []*inMessage {
	var out []*inMessage
	for {
		start, n := completeRun(r.unordered)
		if n == 0 {
			break
		}
		out = append(out, r.assemble(r.unordered[start:start+n]))
		r.unordered = slices.Delete(r.unordered, start, start+n)
	}
	for {
		set := r.ordered[r.nextSSN]
		if start, n := completeRun(set); n == 0 || start != 0 || n != len(set) {
			break
		}
		out = append(out, r.assemble(set))
		delete(r.ordered, r.nextSSN)
		r.nextSSN++
	}
	return out
}

// skipOrdered handles a FORWARD TSN entry: complete messages up to lastSSN
// are released, incomplete ones are dropped and delivery resumes after
// lastSSN.
func (r *reassemblyQueue) skipOrdered(lastSSN uint16) []*inMessage {
	if ssnLT(lastSSN, r.nextSSN) {
		return nil
	}
	var out []*inMessage
	for ssn := r.nextSSN; ; ssn++ {
		set := r.ordered[ssn]
		if start, n := completeRun(set); n > 0 && start == 0 && n == len(set) {
			out = append(out, r.assemble(set))
		} else {
			for _, c := range set {
				r.nBytes -= len(c.userData)
			}
		}
		delete(r.ordered, ssn)
		if ssn == lastSSN {
			break
		}
	}
	r.nextSSN = lastSSN + 1
	return out
}

// skipUnordered drops unordered fragments at or below newCumulativeTSN.
func (r *reassemblyQueue) skipUnordered(newCumulativeTSN uint32) {
	r.unordered = slices.DeleteFunc(r.unordered, func(c *dataChunk) bool {
		if tsnLTE(c.tsn, newCumulativeTSN) {
			r.nBytes -= len(c.userData)
			return true
		}
		return false
	})
}

func (r *reassemblyQueue) assemble(chunks []*dataChunk) *inMessage {
	size := 0
	for _, c := range chunks {
		size += len(c.userData)
	}
	m := &inMessage{ppi: chunks[0].ppi, data: make([]byte, 0, size)}
	for _, c := range chunks {
		m.data = append(m.data, c.userData...)
	}
	r.nBytes -= size
	return m
}

func insertByTSN(chunks []*dataChunk, c *dataChunk) ([]*dataChunk, bool) {
	i, found := slices.BinarySearchFunc(chunks, c.tsn, func(e *dataChunk, tsn uint32) int {
		switch {
		case tsnLT(e.tsn, tsn):
			return -1
		case e.tsn == tsn:
			return 0
		}
		return 1
	})
	if found {
		return chunks, false
	}
	return slices.Insert(chunks, i, c), true
}

// completeRun finds the first B..E run of consecutive TSNs in chunks,
// which must be sorted by TSN.
func completeRun(chunks []*dataChunk) (start, n int) {
	start = -1
	for i, c := range chunks {
		if c.beginning {
			start = i
		} else if start < 0 || c.tsn != chunks[i-1].tsn+1 {
			start = -1
			continue
		}
		if c.ending {
			return start, i - start + 1
		}
	}
	return 0, 0
}
