package datachannel

import "sync"

// IDAllocator hands out SCTP stream ids. The DTLS client takes even ids
// and the server odd ones (RFC 8832 Section 6), smallest unused first.
type IDAllocator struct {
	mu       sync.Mutex
	isClient bool
	maxID    uint16
	used     map[uint16]struct{}
}

// NewIDAllocator returns an allocator for ids below maxStreams.
func NewIDAllocator(isClient bool, maxStreams uint16) *IDAllocator {
	return &IDAllocator{
		isClient: isClient,
		maxID:    maxStreams,
		used:     make(map[uint16]struct{}),
	}
}

// Allocate returns the smallest free id of the local parity.
func (a *IDAllocator) Allocate() (uint16, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	id := uint32(1)
	if a.isClient {
		id = 0
	}
	for ; id < uint32(a.maxID); id += 2 {
		if _, ok := a.used[uint16(id)]; !ok {
			a.used[uint16(id)] = struct{}{}
			return uint16(id), nil
		}
	}
	return 0, ErrNoStreamIDs
}

// Reserve marks id as used, for negotiated channels and streams the peer
// opened.
func (a *IDAllocator) Reserve(id uint16) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if _, ok := a.used[id]; ok {
		return ErrStreamIDInUse
	}
	a.used[id] = struct{}{}
	return nil
}

// Release returns id to the pool.
func (a *IDAllocator) Release(id uint16) {
	a.mu.Lock()
	defer a.mu.Unlock()
	delete(a.used, id)
}
