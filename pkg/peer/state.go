package peer

// ConnectionState is the aggregate state of a connection. It only moves
// forward in the order the constants are declared.
type ConnectionState int

const (
	// ConnectionStateNew means Start has not been called.
	ConnectionStateNew ConnectionState = iota

	// ConnectionStateConnecting means ICE, DTLS or SCTP is being set up.
	ConnectionStateConnecting

	// ConnectionStateConnected means every transport is up.
	ConnectionStateConnected

	// ConnectionStateDisconnected means ICE lost consent on the selected
	// pair. The connection may still fail.
	ConnectionStateDisconnected

	// ConnectionStateFailed means a transport failed. LastError holds the
	// cause.
	ConnectionStateFailed

	// ConnectionStateClosed means Close was called.
	ConnectionStateClosed
)

// String returns a human-readable name for the state.
func (s ConnectionState) String() string {
	switch s {
	case ConnectionStateNew:
		return "new"
	case ConnectionStateConnecting:
		return "connecting"
	case ConnectionStateConnected:
		return "connected"
	case ConnectionStateDisconnected:
		return "disconnected"
	case ConnectionStateFailed:
		return "failed"
	case ConnectionStateClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// canMoveTo reports whether s may be followed by next.
func (s ConnectionState) canMoveTo(next ConnectionState) bool {
	return next > s
}

// IsTerminal reports whether the state can no longer change.
func (s ConnectionState) IsTerminal() bool {
	return s == ConnectionStateClosed
}
