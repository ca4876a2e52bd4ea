package stun

import "encoding/binary"

// Priority is the ICE PRIORITY attribute.
type Priority uint32

// AddTo appends PRIORITY.
func (p Priority) AddTo(m *Message) error {
	v := make([]byte, 4)
	binary.BigEndian.PutUint32(v, uint32(p))
	m.Add(AttrPriority, v)
	return nil
}

// GetFrom decodes PRIORITY.
func (p *Priority) GetFrom(m *Message) error {
	v, err := m.Get(AttrPriority)
	if err != nil {
		return err
	}
	if err := checkSize(AttrPriority, len(v), 4); err != nil {
		return err
	}
	*p = Priority(binary.BigEndian.Uint32(v))
	return nil
}

type useCandidate struct{}

// UseCandidate is the zero-length USE-CANDIDATE flag.
var UseCandidate Setter = useCandidate{}

func (useCandidate) AddTo(m *Message) error {
	m.Add(AttrUseCandidate, nil)
	return nil
}

// HasUseCandidate reports whether m carries USE-CANDIDATE.
func HasUseCandidate(m *Message) bool {
	return m.Contains(AttrUseCandidate)
}

// ICEControlling is the ICE-CONTROLLING attribute carrying the tie-breaker.
type ICEControlling uint64

// AddTo appends ICE-CONTROLLING.
func (c ICEControlling) AddTo(m *Message) error {
	return addTieBreaker(m, AttrICEControlling, uint64(c))
}

// GetFrom decodes ICE-CONTROLLING.
func (c *ICEControlling) GetFrom(m *Message) error {
	v, err := getTieBreaker(m, AttrICEControlling)
	*c = ICEControlling(v)
	return err
}

// ICEControlled is the ICE-CONTROLLED attribute carrying the tie-breaker.
type ICEControlled uint64

// AddTo appends ICE-CONTROLLED.
func (c ICEControlled) AddTo(m *Message) error {
	return addTieBreaker(m, AttrICEControlled, uint64(c))
}

// GetFrom decodes ICE-CONTROLLED.
func (c *ICEControlled) GetFrom(m *Message) error {
	v, err := getTieBreaker(m, AttrICEControlled)
	*c = ICEControlled(v)
	return err
}

func addTieBreaker(m *Message, t AttrType, v uint64) error {
	b := make([]byte, 8)
	binary.BigEndian.PutUint64(b, v)
	m.Add(t, b)
	return nil
}

func getTieBreaker(m *Message, t AttrType) (uint64, error) {
	v, err := m.Get(t)
	if err != nil {
		return 0, err
	}
	if err := checkSize(t, len(v), 8); err != nil {
		return 0, err
	}
	return binary.BigEndian.Uint64(v), nil
}
