package dtls

// maxFragmentBufferSize bounds the bytes held for incomplete messages.
const maxFragmentBufferSize = 2 << 20

type partialMessage struct {
	typ    handshakeType
	epoch  uint16
	body   []byte
	filled []bool
	got    int
}

// fragmentBuffer reassembles handshake fragments and releases complete
// messages in message_seq order.
type fragmentBuffer struct {
	messages map[uint16]*partialMessage
	size     int
}

func newFragmentBuffer() *fragmentBuffer {
	return &fragmentBuffer{messages: make(map[uint16]*partialMessage)}
}

// push stores one fragment. Fragments that disagree with earlier ones on
// type or length are rejected.
func (f *fragmentBuffer) push(epoch uint16, h *handshakeHeader, fragment []byte) error {
	if int(h.fragmentLength) != len(fragment) {
		return errInvalidHandshake
	}
	m, ok := f.messages[h.messageSeq]
	if !ok {
		if f.size+int(h.length) > maxFragmentBufferSize {
			return errBufferTooSmall
		}
		m = &partialMessage{
			typ:    h.typ,
			epoch:  epoch,
			body:   make([]byte, h.length),
			filled: make([]bool, h.length),
		}
		f.messages[h.messageSeq] = m
		f.size += int(h.length)
	}
	if m.typ != h.typ || len(m.body) != int(h.length) {
		return errInvalidHandshake
	}

	off := int(h.fragmentOffset)
	copy(m.body[off:], fragment)
	for i := off; i < off+len(fragment); i++ {
		if !m.filled[i] {
			m.filled[i] = true
			m.got++
		}
	}
	return nil
}

// pop returns message seq if all of its bytes have arrived.
func (f *fragmentBuffer) pop(seq uint16) *handshake {
	m, ok := f.messages[seq]
	if !ok || m.got != len(m.body) {
		return nil
	}
	delete(f.messages, seq)
	f.size -= len(m.body)
	return &handshake{typ: m.typ, epoch: m.epoch, messageSeq: seq, body: m.body}
}
