package mux

// MatchFunc reports whether a datagram belongs to a sink.
type MatchFunc func([]byte) bool

// MatchAll matches every non-empty datagram.
func MatchAll(b []byte) bool {
	return len(b) > 0
}

// MatchRange returns a MatchFunc that matches when the first byte is in
// [lower, upper].
func MatchRange(lower, upper byte) MatchFunc {
	return func(b []byte) bool {
		if len(b) < 1 {
			return false
		}
		return b[0] >= lower && b[0] <= upper
	}
}

// MatchFuncs as described in RFC 7983 Section 7:
//
//	             +----------------+
//	             |        [0..3] -+--> forward to STUN
//	             |                |
//	             |      [16..19] -+--> forward to ZRTP
//	             |                |
//	 packet -->  |      [20..63] -+--> forward to DTLS
//	             |                |
//	             |      [64..79] -+--> forward to TURN Channel
//	             |                |
//	             |    [128..191] -+--> forward to RTP/RTCP
//	             +----------------+

// MatchSTUN matches STUN messages.
func MatchSTUN(b []byte) bool {
	return MatchRange(0, 3)(b)
}

// MatchZRTP matches ZRTP packets. They are recognized only to be dropped.
func MatchZRTP(b []byte) bool {
	return MatchRange(16, 19)(b)
}

// MatchDTLS matches DTLS records.
func MatchDTLS(b []byte) bool {
	return MatchRange(20, 63)(b)
}

// MatchTURNChannel matches TURN ChannelData messages.
func MatchTURNChannel(b []byte) bool {
	return MatchRange(64, 79)(b)
}

// MatchSRTPOrSRTCP matches RTP and RTCP, encrypted or not.
func MatchSRTPOrSRTCP(b []byte) bool {
	return MatchRange(128, 191)(b)
}

// isRTCP applies RFC 5761 Section 4: RTCP packet types 192..223 occupy the
// byte where RTP carries marker+payload type.
func isRTCP(b []byte) bool {
	if len(b) < 4 {
		return false
	}
	return b[1] >= 192 && b[1] <= 223
}

// MatchSRTP matches SRTP packets.
func MatchSRTP(b []byte) bool {
	return MatchSRTPOrSRTCP(b) && !isRTCP(b)
}

// MatchSRTCP matches SRTCP packets.
func MatchSRTCP(b []byte) bool {
	return MatchSRTPOrSRTCP(b) && isRTCP(b)
}

// MatchNot inverts f.
func MatchNot(f MatchFunc) MatchFunc {
	return func(b []byte) bool {
		return len(b) > 0 && !f(b)
	}
}
