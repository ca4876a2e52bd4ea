// Package datachannel implements WebRTC data channels on SCTP streams with
// the Data Channel Establishment Protocol (RFC 8832).
//
// A channel is opened by sending DATA_CHANNEL_OPEN on a fresh stream and
// acknowledged with DATA_CHANNEL_ACK. User messages are labelled string or
// binary by PPID; empty messages travel as one zero byte under the
// corresponding empty PPID. Closing a channel resets its outgoing stream,
// and a peer reset closes the local side in turn.
package datachannel

import (
	"errors"
	"fmt"
	"io"
	"sync"
	"sync/atomic"
	"time"

	"github.com/backkem/mediaplane/pkg/sctp"
	"github.com/pion/logging"
)

const receiveMTU = 8192

// Config describes a channel. On the accepting side it is filled from the
// peer's DATA_CHANNEL_OPEN.
type Config struct {
	ChannelType          ChannelType
	Negotiated           bool
	Priority             uint16
	ReliabilityParameter uint32
	Label                string
	Protocol             string
	LoggerFactory        logging.LoggerFactory
}

// Message is one received user message.
type Message struct {
	IsString bool
	Data     []byte
}

// DataChannel is a data channel over one SCTP stream.
type DataChannel struct {
	Config

	stream *sctp.Stream
	log    logging.LeveledLogger

	messagesSent     atomic.Uint32
	messagesReceived atomic.Uint32
	bytesSent        atomic.Uint64
	bytesReceived    atomic.Uint64

	mu        sync.Mutex
	onMessage func(Message)
	onClose   func()
	reading   bool
	closed    bool
}

func newDataChannel(stream *sctp.Stream, config Config) *DataChannel {
	if config.LoggerFactory == nil {
		config.LoggerFactory = logging.NewDefaultLoggerFactory()
	}
	return &DataChannel{
		Config: config,
		stream: stream,
		log:    config.LoggerFactory.NewLogger("datachannel"),
	}
}

// Dial opens stream id on a and announces the channel to the peer.
func Dial(a *sctp.Association, id uint16, config Config) (*DataChannel, error) {
	stream, err := a.OpenStream(id, sctp.PayloadTypeWebRTCBinary)
	if err != nil {
		return nil, err
	}
	dc, err := Client(stream, config)
	if err != nil {
		_ = stream.Close()
		return nil, err
	}
	return dc, nil
}

// Accept waits for the peer to open a stream and completes the handshake
// on it.
func Accept(a *sctp.Association, config Config) (*DataChannel, error) {
	stream, err := a.AcceptStream()
	if err != nil {
		return nil, err
	}
	stream.SetDefaultPayloadType(sctp.PayloadTypeWebRTCBinary)
	return Server(stream, config)
}

// Client sends DATA_CHANNEL_OPEN on stream unless the channel is
// negotiated. Messages stay ordered and reliable until the ACK arrives.
func Client(stream *sctp.Stream, config Config) (*DataChannel, error) {
	dc := newDataChannel(stream, config)
	if config.Negotiated {
		if err := dc.commitReliabilityParams(); err != nil {
			return nil, err
		}
		return dc, nil
	}

	raw, err := marshalMessage(&channelOpen{
		ChannelType:          config.ChannelType,
		Priority:             config.Priority,
		ReliabilityParameter: config.ReliabilityParameter,
		Label:                []byte(config.Label),
		Protocol:             []byte(config.Protocol),
	})
	if err != nil {
		return nil, err
	}
	if _, err := stream.WriteSCTP(raw, sctp.PayloadTypeWebRTCDCEP); err != nil {
		return nil, fmt.Errorf("datachannel: send open: %w", err)
	}
	return dc, nil
}

// Server reads DATA_CHANNEL_OPEN from stream, answers with
// DATA_CHANNEL_ACK and returns the channel the peer described.
func Server(stream *sctp.Stream, config Config) (*DataChannel, error) {
	buf := make([]byte, receiveMTU)
	n, ppi, err := readWhole(stream, &buf)
	if err != nil {
		return nil, err
	}
	if ppi != sctp.PayloadTypeWebRTCDCEP {
		return nil, fmt.Errorf("%w: %s", ErrInvalidPPI, ppi)
	}

	msg, err := parseMessage(buf[:n])
	if err != nil {
		return nil, err
	}
	open, ok := msg.(*channelOpen)
	if !ok {
		return nil, fmt.Errorf("%w: got %s before open", ErrInvalidMessageType, msg.messageType())
	}

	config.ChannelType = open.ChannelType
	config.Priority = open.Priority
	config.ReliabilityParameter = open.ReliabilityParameter
	config.Label = string(open.Label)
	config.Protocol = string(open.Protocol)

	dc := newDataChannel(stream, config)
	if err := dc.writeAck(); err != nil {
		return nil, err
	}
	if err := dc.commitReliabilityParams(); err != nil {
		return nil, err
	}
	return dc, nil
}

// readWhole reads one message, growing *buf when the message does not fit.
func readWhole(stream *sctp.Stream, buf *[]byte) (int, sctp.PayloadProtocolIdentifier, error) {
	for {
		n, ppi, err := stream.ReadSCTP(*buf)
		if errors.Is(err, sctp.ErrShortBuffer) {
			*buf = make([]byte, n)
			continue
		}
		return n, ppi, err
	}
}

// StreamIdentifier returns the SCTP stream id of the channel.
func (d *DataChannel) StreamIdentifier() uint16 {
	return d.stream.StreamIdentifier()
}

// Ordered reports whether messages are delivered in order.
func (d *DataChannel) Ordered() bool {
	return !d.ChannelType.Unordered()
}

// ReadDataChannel reads one user message into p. DCEP control messages are
// handled internally. When the peer resets its stream the local side is
// reset too and io.EOF is returned.
func (d *DataChannel) ReadDataChannel(p []byte) (int, bool, error) {
	for {
		n, ppi, err := d.stream.ReadSCTP(p)
		if err != nil {
			if errors.Is(err, io.EOF) {
				_ = d.stream.Close()
			}
			return n, false, err
		}

		isString := false
		switch ppi {
		case sctp.PayloadTypeWebRTCDCEP:
			if err := d.handleDCEP(p[:n]); err != nil {
				d.log.Warnf("stream %d: failed to handle DCEP: %v", d.StreamIdentifier(), err)
			}
			continue
		case sctp.PayloadTypeWebRTCString:
			isString = true
		case sctp.PayloadTypeWebRTCStringEmpty:
			isString, n = true, 0
		case sctp.PayloadTypeWebRTCBinaryEmpty:
			n = 0
		}

		d.messagesReceived.Add(1)
		d.bytesReceived.Add(uint64(n))
		return n, isString, nil
	}
}

// SetReadDeadline bounds pending and future reads.
func (d *DataChannel) SetReadDeadline(t time.Time) error {
	return d.stream.SetReadDeadline(t)
}

// Read reads one message, dropping its string flag.
func (d *DataChannel) Read(p []byte) (int, error) {
	n, _, err := d.ReadDataChannel(p)
	return n, err
}

func (d *DataChannel) handleDCEP(raw []byte) error {
	msg, err := parseMessage(raw)
	if err != nil {
		return err
	}
	switch msg.(type) {
	case *channelOpen:
		// A repeated OPEN; Server already consumed the first one.
		d.log.Debugf("stream %d: DATA_CHANNEL_OPEN on an open channel", d.StreamIdentifier())
		return d.writeAck()
	case *channelAck:
		d.log.Debugf("stream %d: DATA_CHANNEL_ACK", d.StreamIdentifier())
		return d.commitReliabilityParams()
	}
	return nil
}

// WriteDataChannel sends p as one message.
func (d *DataChannel) WriteDataChannel(p []byte, isString bool) (int, error) {
	d.mu.Lock()
	closed := d.closed
	d.mu.Unlock()
	if closed {
		return 0, ErrClosed
	}

	var ppi sctp.PayloadProtocolIdentifier
	switch {
	case isString && len(p) == 0:
		ppi = sctp.PayloadTypeWebRTCStringEmpty
	case isString:
		ppi = sctp.PayloadTypeWebRTCString
	case len(p) == 0:
		ppi = sctp.PayloadTypeWebRTCBinaryEmpty
	default:
		ppi = sctp.PayloadTypeWebRTCBinary
	}

	d.messagesSent.Add(1)
	d.bytesSent.Add(uint64(len(p)))

	if len(p) == 0 {
		// SCTP cannot carry empty user messages.
		_, err := d.stream.WriteSCTP([]byte{0}, ppi)
		return 0, err
	}
	return d.stream.WriteSCTP(p, ppi)
}

// Write sends p as a binary message.
func (d *DataChannel) Write(p []byte) (int, error) {
	return d.WriteDataChannel(p, false)
}

// Send sends a binary message.
func (d *DataChannel) Send(p []byte) error {
	_, err := d.WriteDataChannel(p, false)
	return err
}

// SendText sends a UTF-8 string message.
func (d *DataChannel) SendText(s string) error {
	_, err := d.WriteDataChannel([]byte(s), true)
	return err
}

func (d *DataChannel) writeAck() error {
	raw, err := marshalMessage(&channelAck{})
	if err != nil {
		return err
	}
	if _, err := d.stream.WriteSCTP(raw, sctp.PayloadTypeWebRTCDCEP); err != nil {
		return fmt.Errorf("datachannel: send ack: %w", err)
	}
	return nil
}

func (d *DataChannel) commitReliabilityParams() error {
	return d.stream.SetReliabilityParams(d.ChannelType.Unordered(), d.ChannelType.reliability(), d.ReliabilityParameter)
}

// OnMessage registers f and starts delivering messages to it from a read
// goroutine. Once set, the channel must not be read directly.
func (d *DataChannel) OnMessage(f func(Message)) {
	d.mu.Lock()
	d.onMessage = f
	start := !d.reading
	d.reading = true
	d.mu.Unlock()

	if start {
		go d.readLoop()
	}
}

// OnClose registers f, run once when the read goroutine ends.
func (d *DataChannel) OnClose(f func()) {
	d.mu.Lock()
	d.onClose = f
	d.mu.Unlock()
}

func (d *DataChannel) readLoop() {
	buf := make([]byte, receiveMTU)
	for {
		n, isString, err := d.ReadDataChannel(buf)
		if errors.Is(err, sctp.ErrShortBuffer) {
			buf = make([]byte, n)
			continue
		}
		if err != nil {
			d.mu.Lock()
			onClose := d.onClose
			d.mu.Unlock()
			if !errors.Is(err, io.EOF) {
				d.log.Debugf("stream %d: read loop ended: %v", d.StreamIdentifier(), err)
			}
			if onClose != nil {
				onClose()
			}
			return
		}

		d.mu.Lock()
		f := d.onMessage
		d.mu.Unlock()
		if f != nil {
			f(Message{IsString: isString, Data: append([]byte(nil), buf[:n]...)})
		}
	}
}

// Close resets the outgoing stream. The channel is fully closed once the
// peer resets its side.
func (d *DataChannel) Close() error {
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return nil
	}
	d.closed = true
	d.mu.Unlock()
	return d.stream.Close()
}

// BufferedAmount is the number of bytes queued and not yet acknowledged.
func (d *DataChannel) BufferedAmount() uint64 {
	return d.stream.BufferedAmount()
}

func (d *DataChannel) BufferedAmountLowThreshold() uint64 {
	return d.stream.BufferedAmountLowThreshold()
}

func (d *DataChannel) SetBufferedAmountLowThreshold(th uint64) {
	d.stream.SetBufferedAmountLowThreshold(th)
}

// OnBufferedAmountLow sets a callback for the buffered amount falling to
// the threshold.
func (d *DataChannel) OnBufferedAmountLow(f func()) {
	d.stream.OnBufferedAmountLow(f)
}

func (d *DataChannel) MessagesSent() uint32     { return d.messagesSent.Load() }
func (d *DataChannel) MessagesReceived() uint32 { return d.messagesReceived.Load() }
func (d *DataChannel) BytesSent() uint64        { return d.bytesSent.Load() }
func (d *DataChannel) BytesReceived() uint64    { return d.bytesReceived.Load() }
