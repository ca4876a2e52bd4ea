package sctp

// Serial number arithmetic (RFC 1982) for TSNs and stream sequence
// numbers. Comparisons are only meaningful for values less than half the
// number space apart.

func tsnLT(a, b uint32) bool  { return int32(a-b) < 0 }
func tsnLTE(a, b uint32) bool { return int32(a-b) <= 0 }
func tsnGT(a, b uint32) bool  { return int32(a-b) > 0 }
func tsnGTE(a, b uint32) bool { return int32(a-b) >= 0 }

func ssnLT(a, b uint16) bool  { return int16(a-b) < 0 }
func ssnLTE(a, b uint16) bool { return int16(a-b) <= 0 }
