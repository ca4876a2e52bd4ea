package sctp

import (
	"errors"
	"io"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gammazero/deque"
	"github.com/pion/transport/v3/deadline"
)

// Stream is one bidirectional SCTP stream. Messages keep their boundaries
// in both directions.
type Stream struct {
	a  *Association
	id uint16

	// Loop-owned sender state.
	nextSSN     uint16
	writeClosed bool
	resetAcked  bool
	peerReset   bool
	reassembly  *reassemblyQueue

	cfgMu       sync.Mutex
	defaultPPI  PayloadProtocolIdentifier
	unordered   bool
	reliability ReliabilityType
	relValue    uint32

	buffered      atomic.Int64
	lowThreshold  atomic.Int64
	onBufferedLow atomic.Pointer[func()]

	readMu       sync.Mutex
	readQueue    *deque.Deque[*inMessage]
	readErr      error
	readNotify   chan struct{}
	readDeadline *deadline.Deadline
}

func newStream(a *Association, id uint16, ppi PayloadProtocolIdentifier) *Stream {
	return &Stream{
		a:            a,
		id:           id,
		reassembly:   newReassemblyQueue(),
		defaultPPI:   ppi,
		readQueue:    deque.New[*inMessage](),
		readNotify:   make(chan struct{}, 1),
		readDeadline: deadline.New(),
	}
}

// StreamIdentifier returns the SCTP stream id.
func (s *Stream) StreamIdentifier() uint16 { return s.id }

// SetDefaultPayloadType sets the PPID used by Write.
func (s *Stream) SetDefaultPayloadType(ppi PayloadProtocolIdentifier) {
	s.cfgMu.Lock()
	s.defaultPPI = ppi
	s.cfgMu.Unlock()
}

// SetReliabilityParams applies to messages written after the call.
// relVal is the retransmission count for ReliabilityTypeRexmit and the
// lifetime in milliseconds for ReliabilityTypeTimed.
func (s *Stream) SetReliabilityParams(unordered bool, relType ReliabilityType, relVal uint32) error {
	if relType > ReliabilityTypeTimed {
		return ErrInvalidReliability
	}
	s.cfgMu.Lock()
	defer s.cfgMu.Unlock()
	s.unordered = unordered
	s.reliability = relType
	s.relValue = relVal
	return nil
}

// WriteSCTP queues p as one message. It never blocks: when the send
// buffer cannot take p, ErrWouldBlock is returned and nothing is queued.
func (s *Stream) WriteSCTP(p []byte, ppi PayloadProtocolIdentifier) (int, error) {
	if len(p) == 0 {
		return 0, ErrEmptyMessage
	}
	if uint32(len(p)) > s.a.cfg.MaxMessageSize {
		return 0, ErrMessageTooLarge
	}
	s.cfgMu.Lock()
	unordered, rel, val := s.unordered, s.reliability, s.relValue
	s.cfgMu.Unlock()

	// The caller may reuse p once we return.
	data := append([]byte(nil), p...)
	err := s.a.call(func() error {
		return s.a.enqueue(s, data, ppi, unordered, rel, val)
	})
	if err != nil {
		return 0, err
	}
	return len(p), nil
}

// Write sends p with the default payload type.
func (s *Stream) Write(p []byte) (int, error) {
	s.cfgMu.Lock()
	ppi := s.defaultPPI
	s.cfgMu.Unlock()
	return s.WriteSCTP(p, ppi)
}

// ReadSCTP reads one whole message. If p is too small the message stays
// queued and ErrShortBuffer is returned with the message size.
func (s *Stream) ReadSCTP(p []byte) (int, PayloadProtocolIdentifier, error) {
	for {
		s.readMu.Lock()
		if s.readQueue.Len() > 0 {
			m := s.readQueue.Front()
			if len(p) < len(m.data) {
				s.readMu.Unlock()
				return len(m.data), m.ppi, ErrShortBuffer
			}
			s.readQueue.PopFront()
			s.readMu.Unlock()
			s.a.onRead(len(m.data))
			return copy(p, m.data), m.ppi, nil
		}
		err := s.readErr
		s.readMu.Unlock()
		if err != nil {
			return 0, 0, err
		}

		select {
		case <-s.readNotify:
		case <-s.readDeadline.Done():
			return 0, 0, os.ErrDeadlineExceeded
		}
	}
}

// Read reads one message, dropping the payload type.
func (s *Stream) Read(p []byte) (int, error) {
	n, _, err := s.ReadSCTP(p)
	return n, err
}

// SetReadDeadline bounds pending and future reads. A zero value disables
// the deadline.
func (s *Stream) SetReadDeadline(t time.Time) error {
	s.readDeadline.Set(t)
	return nil
}

// BufferedAmount is the number of bytes written on this stream and not
// yet acknowledged or abandoned.
func (s *Stream) BufferedAmount() uint64 {
	return uint64(max(s.buffered.Load(), 0))
}

func (s *Stream) BufferedAmountLowThreshold() uint64 {
	return uint64(s.lowThreshold.Load())
}

func (s *Stream) SetBufferedAmountLowThreshold(th uint64) {
	s.lowThreshold.Store(int64(th))
}

// OnBufferedAmountLow sets a callback run when the buffered amount drops
// to or below the threshold. It runs on its own goroutine.
func (s *Stream) OnBufferedAmountLow(f func()) {
	s.onBufferedLow.Store(&f)
}

// Close resets the outgoing side of the stream. Queued messages are still
// delivered first; reads continue until the peer resets its side.
func (s *Stream) Close() error {
	err := s.a.call(func() error {
		return s.a.resetStream(s)
	})
	if errors.Is(err, ErrAssociationClosed) {
		return nil
	}
	return err
}

func (s *Stream) deliver(m *inMessage) {
	s.readMu.Lock()
	s.readQueue.PushBack(m)
	s.readMu.Unlock()
	s.notifyReader()
}

// closeRead ends the read side once queued messages are consumed.
func (s *Stream) closeRead(err error) {
	s.readMu.Lock()
	if s.readErr == nil {
		s.readErr = err
	}
	s.readMu.Unlock()
	s.notifyReader()
}

func (s *Stream) notifyReader() {
	select {
	case s.readNotify <- struct{}{}:
	default:
	}
}

func (s *Stream) reserve(n int) {
	s.buffered.Add(int64(n))
}

func (s *Stream) release(n int) {
	after := s.buffered.Add(-int64(n))
	before := after + int64(n)
	th := s.lowThreshold.Load()
	if before > th && after <= th {
		if f := s.onBufferedLow.Load(); f != nil && *f != nil {
			go (*f)()
		}
	}
}

var _ io.ReadWriteCloser = (*Stream)(nil)
