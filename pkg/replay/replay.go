// Package replay implements the sliding-window replay detector shared by the
// DTLS record layer and the SRTP/SRTCP contexts.
//
// The window is a fixed bitmap of WindowSize bits tracking recently accepted
// sequence numbers relative to a high-water mark. Checking and accepting are
// split: Check decides whether a sequence number may be processed, and the
// returned accept function records it only after the packet has passed its
// integrity check, so forged packets never advance the window.
package replay

import "sync"

const (
	// DefaultWindowSize is the window used when none is configured.
	DefaultWindowSize = 64

	// MaxWindowSize is the largest supported window.
	MaxWindowSize = 1024

	wordBits = 64
	maxWords = MaxWindowSize / wordBits
)

// Detector tracks accepted sequence numbers within a sliding window.
// It is safe for concurrent use.
type Detector struct {
	mu sync.Mutex

	latest uint64 // high-water mark
	maxSeq uint64 // largest representable sequence number
	size   uint64 // window size in bits
	words  int
	wrap   bool

	// bitmap bit k set means latest-k has been accepted.
	bitmap [maxWords]uint64
}

// New creates a detector for sequence numbers in [0, maxSeq] that never wrap,
// such as the 48-bit DTLS record sequence or the SRTP packet index.
// The window size is rounded up to a multiple of 64 and clamped to
// [64, MaxWindowSize].
func New(windowSize uint, maxSeq uint64) *Detector {
	return newDetector(windowSize, maxSeq, false)
}

// NewWithWrap creates a detector for sequence numbers that wrap modulo
// maxSeq+1, such as the 31-bit SRTCP index. maxSeq must be 2^k-1.
func NewWithWrap(windowSize uint, maxSeq uint64) *Detector {
	return newDetector(windowSize, maxSeq, true)
}

func newDetector(windowSize uint, maxSeq uint64, wrap bool) *Detector {
	if windowSize == 0 {
		windowSize = DefaultWindowSize
	}
	if windowSize > MaxWindowSize {
		windowSize = MaxWindowSize
	}
	words := int((windowSize + wordBits - 1) / wordBits)
	return &Detector{
		maxSeq: maxSeq,
		size:   uint64(words * wordBits),
		words:  words,
		wrap:   wrap,
	}
}

// WindowSize returns the effective window size in bits.
func (d *Detector) WindowSize() uint {
	return uint(d.size)
}

// Latest returns the current high-water mark.
func (d *Detector) Latest() uint64 {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.latest
}

// Check reports whether seq is neither a duplicate nor older than the window.
// When ok is true the caller must invoke accept once the packet carrying seq
// has been authenticated; if authentication fails accept is simply dropped.
func (d *Detector) Check(seq uint64) (accept func(), ok bool) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if seq > d.maxSeq {
		return nil, false
	}

	if d.ahead(seq) {
		return func() { d.accept(seq) }, true
	}

	diff := d.distance(seq)
	if diff >= d.size {
		return nil, false
	}
	if d.bit(diff) {
		return nil, false
	}
	return func() { d.accept(seq) }, true
}

// accept records seq, shifting the window forward when seq is a new maximum.
func (d *Detector) accept(seq uint64) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.ahead(seq) {
		var shift uint64
		if d.wrap {
			shift = (seq - d.latest) & d.maxSeq
		} else {
			shift = seq - d.latest
		}
		d.shift(shift)
		d.latest = seq
	}

	diff := d.distance(seq)
	if diff < d.size {
		d.setBit(diff)
	}
}

// ahead reports whether seq is beyond the high-water mark.
func (d *Detector) ahead(seq uint64) bool {
	if !d.wrap {
		return seq > d.latest
	}
	diff := (d.latest - seq) & d.maxSeq
	return diff != 0 && diff > d.maxSeq/2
}

// distance returns how far seq lies behind the high-water mark.
func (d *Detector) distance(seq uint64) uint64 {
	if d.wrap {
		return (d.latest - seq) & d.maxSeq
	}
	return d.latest - seq
}

func (d *Detector) bit(i uint64) bool {
	return d.bitmap[i/wordBits]&(1<<(i%wordBits)) != 0
}

func (d *Detector) setBit(i uint64) {
	d.bitmap[i/wordBits] |= 1 << (i % wordBits)
}

// shift moves the window n positions towards newer sequence numbers.
func (d *Detector) shift(n uint64) {
	if n >= d.size {
		for i := 0; i < d.words; i++ {
			d.bitmap[i] = 0
		}
		return
	}
	wordShift := int(n / wordBits)
	bitShift := n % wordBits
	for i := d.words - 1; i >= 0; i-- {
		var v uint64
		src := i - wordShift
		if src >= 0 {
			v = d.bitmap[src] << bitShift
			if bitShift != 0 && src > 0 {
				v |= d.bitmap[src-1] >> (wordBits - bitShift)
			}
		}
		d.bitmap[i] = v
	}
}
