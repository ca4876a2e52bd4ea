// Package ice implements an ICE agent (RFC 8445) for a single UDP component:
// candidate gathering, check lists with freezing, paced connectivity checks,
// nomination, role conflict repair, keepalives and consent freshness
// (RFC 7675). The selected pair is exposed to upper layers as a Conn.
package ice

import (
	"net"
	"strings"
)

// CandidateType is the kind of a candidate.
type CandidateType int

const (
	// CandidateTypeUnspecified indicates an unparsed or invalid type.
	CandidateTypeUnspecified CandidateType = iota
	CandidateTypeHost
	CandidateTypeServerReflexive
	CandidateTypePeerReflexive
	CandidateTypeRelay
)

// String returns the SDP token for the candidate type.
func (t CandidateType) String() string {
	switch t {
	case CandidateTypeHost:
		return "host"
	case CandidateTypeServerReflexive:
		return "srflx"
	case CandidateTypePeerReflexive:
		return "prflx"
	case CandidateTypeRelay:
		return "relay"
	default:
		return "unknown"
	}
}

// Preference returns the RFC 8445 Section 5.1.2.2 type preference.
func (t CandidateType) Preference() uint16 {
	switch t {
	case CandidateTypeHost:
		return 126
	case CandidateTypePeerReflexive:
		return 110
	case CandidateTypeServerReflexive:
		return 100
	default:
		return 0
	}
}

func parseCandidateType(raw string) CandidateType {
	switch raw {
	case "host":
		return CandidateTypeHost
	case "srflx":
		return CandidateTypeServerReflexive
	case "prflx":
		return CandidateTypePeerReflexive
	case "relay":
		return CandidateTypeRelay
	default:
		return CandidateTypeUnspecified
	}
}

// NetworkType is the transport and IP family of a candidate.
type NetworkType int

const (
	NetworkTypeUDP4 NetworkType = iota + 1
	NetworkTypeUDP6
	NetworkTypeTCP4
	NetworkTypeTCP6
)

// String returns the Go network name.
func (t NetworkType) String() string {
	switch t {
	case NetworkTypeUDP4:
		return "udp4"
	case NetworkTypeUDP6:
		return "udp6"
	case NetworkTypeTCP4:
		return "tcp4"
	case NetworkTypeTCP6:
		return "tcp6"
	default:
		return "unknown"
	}
}

// NetworkShort returns the SDP transport token.
func (t NetworkType) NetworkShort() string {
	if t.IsTCP() {
		return "tcp"
	}
	return "udp"
}

// IsUDP reports whether t is a UDP network.
func (t NetworkType) IsUDP() bool { return t == NetworkTypeUDP4 || t == NetworkTypeUDP6 }

// IsTCP reports whether t is a TCP network.
func (t NetworkType) IsTCP() bool { return t == NetworkTypeTCP4 || t == NetworkTypeTCP6 }

// IsIPv6 reports whether t is an IPv6 network.
func (t NetworkType) IsIPv6() bool { return t == NetworkTypeUDP6 || t == NetworkTypeTCP6 }

func determineNetworkType(transport string, ip net.IP) (NetworkType, error) {
	ipv4 := ip == nil || ip.To4() != nil
	switch strings.ToLower(transport) {
	case "udp", "udp4", "udp6":
		if ipv4 {
			return NetworkTypeUDP4, nil
		}
		return NetworkTypeUDP6, nil
	case "tcp", "tcp4", "tcp6":
		if ipv4 {
			return NetworkTypeTCP4, nil
		}
		return NetworkTypeTCP6, nil
	}
	return 0, ErrParseTransport
}

// TCPType is the RFC 6544 role of a TCP candidate.
type TCPType int

const (
	TCPTypeUnspecified TCPType = iota
	TCPTypeActive
	TCPTypePassive
	TCPTypeSimultaneousOpen
)

// String returns the SDP token.
func (t TCPType) String() string {
	switch t {
	case TCPTypeActive:
		return "active"
	case TCPTypePassive:
		return "passive"
	case TCPTypeSimultaneousOpen:
		return "so"
	default:
		return ""
	}
}

func parseTCPType(raw string) TCPType {
	switch strings.ToLower(raw) {
	case "active":
		return TCPTypeActive
	case "passive":
		return TCPTypePassive
	case "so":
		return TCPTypeSimultaneousOpen
	default:
		return TCPTypeUnspecified
	}
}

// ConnectionState is the agent's connectivity state.
type ConnectionState int

const (
	ConnectionStateUnknown ConnectionState = iota
	ConnectionStateNew
	ConnectionStateChecking
	ConnectionStateConnected
	ConnectionStateCompleted
	ConnectionStateDisconnected
	ConnectionStateFailed
	ConnectionStateClosed
)

// String returns a human-readable name for the state.
func (s ConnectionState) String() string {
	switch s {
	case ConnectionStateNew:
		return "new"
	case ConnectionStateChecking:
		return "checking"
	case ConnectionStateConnected:
		return "connected"
	case ConnectionStateCompleted:
		return "completed"
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

// GatheringState tracks candidate gathering.
type GatheringState int

const (
	GatheringStateUnknown GatheringState = iota
	GatheringStateNew
	GatheringStateGathering
	GatheringStateComplete
)

func (s GatheringState) String() string {
	switch s {
	case GatheringStateNew:
		return "new"
	case GatheringStateGathering:
		return "gathering"
	case GatheringStateComplete:
		return "complete"
	default:
		return "unknown"
	}
}

// CandidatePairState is the check-list state of a pair.
type CandidatePairState int

const (
	CandidatePairStateWaiting CandidatePairState = iota
	CandidatePairStateInProgress
	CandidatePairStateSucceeded
	CandidatePairStateFailed
	CandidatePairStateFrozen
)

func (s CandidatePairState) String() string {
	switch s {
	case CandidatePairStateWaiting:
		return "waiting"
	case CandidatePairStateInProgress:
		return "in-progress"
	case CandidatePairStateSucceeded:
		return "succeeded"
	case CandidatePairStateFailed:
		return "failed"
	case CandidatePairStateFrozen:
		return "frozen"
	default:
		return "unknown"
	}
}

// MulticastDNSMode controls how the agent handles .local names.
type MulticastDNSMode int

const (
	// MulticastDNSModeDisabled ignores remote .local candidates and
	// exposes host addresses as-is.
	MulticastDNSModeDisabled MulticastDNSMode = iota + 1

	// MulticastDNSModeQueryOnly resolves remote .local candidates.
	MulticastDNSModeQueryOnly

	// MulticastDNSModeQueryAndGather also hides local host addresses
	// behind a published .local name.
	MulticastDNSModeQueryAndGather
)

// TransportPolicy restricts which local candidates may be used.
type TransportPolicy int

const (
	// TransportPolicyAll gathers every candidate type.
	TransportPolicyAll TransportPolicy = iota

	// TransportPolicyRelay gathers relay candidates only.
	TransportPolicyRelay
)

func (p TransportPolicy) String() string {
	if p == TransportPolicyRelay {
		return "relay"
	}
	return "all"
}
