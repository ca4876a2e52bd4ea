package sctp

import (
	"sync/atomic"
	"time"
)

type assocStats struct {
	packetsSent       atomic.Uint64
	packetsReceived   atomic.Uint64
	bytesSent         atomic.Uint64
	bytesReceived     atomic.Uint64
	datasSent         atomic.Uint64
	datasReceived     atomic.Uint64
	sacksReceived     atomic.Uint64
	t3Timeouts        atomic.Uint64
	fastRetransmits   atomic.Uint64
	abandonedMessages atomic.Uint64
	droppedPackets    atomic.Uint64
}

// Stats is a snapshot of association counters and congestion state.
type Stats struct {
	PacketsSent       uint64
	PacketsReceived   uint64
	BytesSent         uint64
	BytesReceived     uint64
	DATAsSent         uint64
	DATAsReceived     uint64
	SACKsReceived     uint64
	T3Timeouts        uint64
	FastRetransmits   uint64
	AbandonedMessages uint64
	DroppedPackets    uint64

	CWND     uint32
	SSThresh uint32
	PeerRwnd uint32
	SRTT     time.Duration
	RTO      time.Duration
}

// Stats returns current counters. After Close it returns the final values.
func (a *Association) Stats() Stats {
	var st Stats
	if err := a.call(func() error {
		st = a.snapshot()
		return nil
	}); err != nil {
		<-a.loopDone
		return a.finalStats
	}
	return st
}

func (a *Association) snapshot() Stats {
	return Stats{
		PacketsSent:       a.stats.packetsSent.Load(),
		PacketsReceived:   a.stats.packetsReceived.Load(),
		BytesSent:         a.stats.bytesSent.Load(),
		BytesReceived:     a.stats.bytesReceived.Load(),
		DATAsSent:         a.stats.datasSent.Load(),
		DATAsReceived:     a.stats.datasReceived.Load(),
		SACKsReceived:     a.stats.sacksReceived.Load(),
		T3Timeouts:        a.stats.t3Timeouts.Load(),
		FastRetransmits:   a.stats.fastRetransmits.Load(),
		AbandonedMessages: a.stats.abandonedMessages.Load(),
		DroppedPackets:    a.stats.droppedPackets.Load(),
		CWND:              a.cwnd,
		SSThresh:          a.ssthresh,
		PeerRwnd:          a.peerRwnd,
		SRTT:              a.rto.srttDuration(),
		RTO:               a.rto.get(),
	}
}
