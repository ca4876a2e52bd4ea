package transport

import "net"

// ReceivedPacket is a datagram read from the socket.
// Data aliases the read loop's buffer and is only valid for the duration of
// the PacketHandler call; handlers that retain it must copy.
type ReceivedPacket struct {
	// Data contains the raw datagram.
	Data []byte
	// Addr is the source address.
	Addr net.Addr
}

// PacketHandler is called for each received datagram from the read loop.
// Implementations should return quickly; the loop does not read the next
// datagram until the handler returns.
type PacketHandler func(pkt *ReceivedPacket)
