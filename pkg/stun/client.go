package stun

import (
	"sync"
	"time"

	"github.com/backkem/mediaplane/pkg/retransmit"
)

// Transaction defaults. A request is retransmitted at most seven times,
// so it goes out eight times in total before timing out.
const (
	DefaultRTO            = 500 * time.Millisecond
	DefaultMaxRetransmits = 7
	DefaultMaxRequests    = DefaultMaxRetransmits + 1
)

// Event is the outcome of a client transaction: the response, or an error
// such as ErrTransactionTimeout.
type Event struct {
	TransactionID TransactionID
	Message       *Message
	Err           error
}

// Handler receives the outcome of a transaction exactly once.
type Handler func(Event)

// SendFunc transmits an encoded request.
type SendFunc func(b []byte) error

// ClientConfig configures a transaction Client.
type ClientConfig struct {
	// RTO is the initial retransmission timeout. Default 500ms.
	RTO time.Duration

	// MaxRTO caps the doubling RTO. Zero leaves it uncapped.
	MaxRTO time.Duration

	// MaxRequests is the total number of transmissions per request,
	// the original included. Default 8.
	MaxRequests int
}

type pending struct {
	send    SendFunc
	handler Handler
}

// Client runs STUN client transactions over unreliable transports: it
// retransmits requests with a doubling RTO until a response arrives or the
// request budget is spent. It does not own a socket; callers feed responses
// through Handle.
type Client struct {
	table *retransmit.Table[TransactionID]

	mu      sync.Mutex
	pending map[TransactionID]*pending
	closed  bool
}

// NewClient creates a transaction client.
func NewClient(config ClientConfig) *Client {
	if config.RTO <= 0 {
		config.RTO = DefaultRTO
	}
	if config.MaxRequests <= 0 {
		config.MaxRequests = DefaultMaxRequests
	}
	return &Client{
		table:   retransmit.NewTable[TransactionID](retransmit.NewBackoff(config.RTO, config.MaxRTO), config.MaxRequests),
		pending: make(map[TransactionID]*pending),
	}
}

// Start sends req and tracks it until Handle sees the response or the
// transaction times out. h is called exactly once, from the caller of
// Handle or from a timer goroutine.
func (c *Client) Start(req *Message, send SendFunc, h Handler) error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return ErrClientClosed
	}
	id := req.TransactionID
	if _, exists := c.pending[id]; exists {
		c.mu.Unlock()
		return ErrTransactionExists
	}
	c.pending[id] = &pending{send: send, handler: h}
	c.mu.Unlock()

	raw := append([]byte(nil), req.Raw...)
	if err := c.table.Add(id, raw, c.onTimeout); err != nil {
		c.remove(id)
		return err
	}
	if err := send(raw); err != nil {
		c.table.Ack(id)
		c.remove(id)
		return err
	}
	return nil
}

func (c *Client) onTimeout(entry *retransmit.Entry[TransactionID]) {
	c.mu.Lock()
	p, ok := c.pending[entry.Key]
	c.mu.Unlock()
	if !ok {
		return
	}

	if c.table.ScheduleRetransmit(entry.Key) {
		// Send errors are treated like loss; the next timeout retries.
		_ = p.send(entry.Payload)
		return
	}
	if p := c.remove(entry.Key); p != nil && p.handler != nil {
		p.handler(Event{TransactionID: entry.Key, Err: ErrTransactionTimeout})
	}
}

// Handle completes the transaction matching m, if any, and reports whether
// one was found.
func (c *Client) Handle(m *Message) bool {
	if m.Type.Class != ClassSuccessResponse && m.Type.Class != ClassErrorResponse {
		return false
	}
	p := c.remove(m.TransactionID)
	if p == nil {
		return false
	}
	c.table.Ack(m.TransactionID)
	if p.handler != nil {
		p.handler(Event{TransactionID: m.TransactionID, Message: m})
	}
	return true
}

// Cancel stops a transaction without calling its handler.
func (c *Client) Cancel(id TransactionID) {
	c.table.Ack(id)
	c.remove(id)
}

// Pending returns the number of outstanding transactions.
func (c *Client) Pending() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.pending)
}

// Close aborts every outstanding transaction with ErrTransactionStopped.
func (c *Client) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	all := c.pending
	c.pending = make(map[TransactionID]*pending)
	c.mu.Unlock()

	c.table.Clear()
	for id, p := range all {
		if p.handler != nil {
			p.handler(Event{TransactionID: id, Err: ErrTransactionStopped})
		}
	}
	return nil
}

func (c *Client) remove(id TransactionID) *pending {
	c.mu.Lock()
	defer c.mu.Unlock()
	p, ok := c.pending[id]
	if !ok {
		return nil
	}
	delete(c.pending, id)
	return p
}
