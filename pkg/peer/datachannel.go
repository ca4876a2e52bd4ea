package peer

import (
	"fmt"

	"github.com/backkem/mediaplane/pkg/datachannel"
	"github.com/backkem/mediaplane/pkg/sctp"
)

// CreateDataChannel opens a data channel once the connection is up. Without
// init the channel is ordered and reliable, and its id is even for the
// DTLS client and odd for the server. A negotiated channel skips the DCEP
// handshake, so the peer must create it too, with the same ID.
func (c *Connection) CreateDataChannel(label string, init *DataChannelInit) (*datachannel.DataChannel, error) {
	c.mu.Lock()
	state, a, ids, remote := c.state, c.association, c.ids, c.remote
	c.mu.Unlock()

	switch {
	case state == ConnectionStateClosed:
		return nil, ErrClosed
	case a == nil && remote != nil && remote.SCTPPort == 0 && state == ConnectionStateConnected:
		return nil, ErrNoDataSection
	case a == nil:
		return nil, ErrNotConnected
	}

	if init == nil {
		init = &DataChannelInit{}
	}
	if init.MaxPacketLifeTime != nil && init.MaxRetransmits != nil {
		return nil, ErrRetransmitsOrPacketLifeTime
	}
	ordered := init.Ordered == nil || *init.Ordered
	channelType, param := datachannel.ChannelTypeFor(ordered, init.MaxPacketLifeTime, init.MaxRetransmits)

	var (
		id  uint16
		err error
	)
	switch {
	case init.ID != nil:
		id = *init.ID
		err = ids.Reserve(id)
	case init.Negotiated:
		err = ErrNegotiatedWithoutID
	default:
		id, err = ids.Allocate()
	}
	if err != nil {
		return nil, err
	}

	priority := init.Priority
	if priority == 0 {
		priority = datachannel.ChannelPriorityNormal
	}
	dc, err := datachannel.Dial(a, id, datachannel.Config{
		ChannelType:          channelType,
		Negotiated:           init.Negotiated,
		Priority:             priority,
		ReliabilityParameter: param,
		Label:                label,
		Protocol:             init.Protocol,
		LoggerFactory:        c.config.LoggerFactory,
	})
	if err != nil {
		ids.Release(id)
		return nil, fmt.Errorf("peer: data channel %q: %w", label, err)
	}
	c.addChannel(dc)
	c.log.Debugf("opened data channel %q on stream %d", label, id)
	return dc, nil
}

// OnDataChannel sets the handler for channels the peer opens.
func (c *Connection) OnDataChannel(f func(*datachannel.DataChannel)) {
	c.onDataChannel.Store(&f)
}

// DataChannels returns the open channels keyed by stream id.
func (c *Connection) DataChannels() map[uint16]*datachannel.DataChannel {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make(map[uint16]*datachannel.DataChannel, len(c.channels))
	for id, dc := range c.channels {
		out[id] = dc
	}
	return out
}

func (c *Connection) addChannel(dc *datachannel.DataChannel) {
	c.mu.Lock()
	c.channels[dc.StreamIdentifier()] = dc
	c.mu.Unlock()
}

func (c *Connection) acceptDataChannels(a *sctp.Association) {
	for {
		stream, err := a.AcceptStream()
		if err != nil {
			if !c.isClosed() {
				c.fail(fmt.Errorf("peer: SCTP association ended: %w", err))
			}
			return
		}
		// The DCEP open may take a while to arrive; don't hold up other
		// streams.
		go c.serveDataChannel(stream)
	}
}

func (c *Connection) serveDataChannel(stream *sctp.Stream) {
	id := stream.StreamIdentifier()

	c.mu.Lock()
	ids := c.ids
	c.mu.Unlock()
	if err := ids.Reserve(id); err != nil {
		c.log.Warnf("peer opened stream %d which is in use: %v", id, err)
		_ = stream.Close()
		return
	}

	dc, err := datachannel.Server(stream, datachannel.Config{LoggerFactory: c.config.LoggerFactory})
	if err != nil {
		c.log.Warnf("stream %d: data channel open failed: %v", id, err)
		ids.Release(id)
		_ = stream.Close()
		return
	}
	c.addChannel(dc)
	c.log.Debugf("peer opened data channel %q on stream %d", dc.Label, id)

	if h := c.onDataChannel.Load(); h != nil && *h != nil {
		(*h)(dc)
	}
}
