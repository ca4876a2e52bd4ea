package ice

import (
	"fmt"
	"hash/crc32"
	"net"
	"strconv"
	"strings"
	"sync/atomic"
	"time"

	"github.com/backkem/mediaplane/pkg/mdns"
	"github.com/pion/randutil"
)

// Priority inputs (RFC 8445 Section 5.1.2.1). This agent runs a single
// component, so every candidate carries ComponentRTP.
const (
	ComponentRTP           uint16 = 1
	ComponentRTCP          uint16 = 2
	DefaultLocalPreference uint16 = 65535
)

const candidateIDRunes = "abcdefghijklmnopqrstuvwxyzABCDEFGHIJKLMNOPQRSTUVWXYZ0123456789"

// ComputePriority returns
// 2^24*typePreference + 2^8*localPreference + (256 - component).
func ComputePriority(t CandidateType, localPreference, component uint16) uint32 {
	return (1<<24)*uint32(t.Preference()) +
		(1<<8)*uint32(localPreference) +
		uint32(256-int(component))
}

// RelatedAddress is the base or mapped address a reflexive or relay
// candidate was derived from.
type RelatedAddress struct {
	Address string
	Port    int
}

func (r *RelatedAddress) String() string {
	if r == nil {
		return ""
	}
	return net.JoinHostPort(r.Address, strconv.Itoa(r.Port))
}

// CandidateConfig describes a candidate to create with NewCandidate.
// Zero Priority, Foundation and ID are computed.
type CandidateConfig struct {
	ID             string
	Type           CandidateType
	Network        string
	Address        string
	Port           int
	Component      uint16
	Priority       uint32
	Foundation     string
	RelatedAddress *RelatedAddress
	TCPType        TCPType

	// Server is the STUN or TURN server the candidate was learned from.
	// It separates foundations of reflexive candidates.
	Server string
}

// Candidate is a transport address offered for connectivity checks.
// Exported fields are immutable once the candidate is shared.
type Candidate struct {
	ID             string
	Type           CandidateType
	NetworkType    NetworkType
	TCPType        TCPType
	Address        string
	Port           int
	Component      uint16
	Foundation     string
	Priority       uint32
	RelatedAddress *RelatedAddress

	ip     net.IP
	socket *localSocket

	lastSent     atomic.Int64
	lastReceived atomic.Int64
}

// NewCandidate validates config and derives the missing fields.
func NewCandidate(config CandidateConfig) (*Candidate, error) {
	if config.Type == CandidateTypeUnspecified {
		return nil, ErrParseType
	}
	if config.Port < 0 || config.Port > 65535 {
		return nil, ErrParsePort
	}
	if config.Component == 0 {
		config.Component = ComponentRTP
	}

	ip := net.ParseIP(config.Address)
	if ip == nil && !mdns.IsLocalName(config.Address) {
		return nil, fmt.Errorf("%w: %q", ErrAddressParseFailed, config.Address)
	}
	network := config.Network
	if network == "" {
		network = "udp"
	}
	networkType, err := determineNetworkType(network, ip)
	if err != nil {
		return nil, err
	}

	c := &Candidate{
		ID:             config.ID,
		Type:           config.Type,
		NetworkType:    networkType,
		TCPType:        config.TCPType,
		Address:        config.Address,
		Port:           config.Port,
		Component:      config.Component,
		Foundation:     config.Foundation,
		Priority:       config.Priority,
		RelatedAddress: config.RelatedAddress,
		ip:             ip,
	}
	if c.ID == "" {
		c.ID = generateCandidateID()
	}
	if c.Priority == 0 {
		c.Priority = ComputePriority(c.Type, DefaultLocalPreference, c.Component)
	}
	if c.Foundation == "" {
		c.Foundation = computeFoundation(c, config.Server)
	}
	return c, nil
}

func generateCandidateID() string {
	s, err := randutil.GenerateCryptoRandomString(32, candidateIDRunes)
	if err != nil {
		// crypto/rand failing leaves nothing sane to do.
		panic(err)
	}
	return "candidate:" + s
}

// computeFoundation groups candidates of the same type learned from the
// same base and server over the same transport.
func computeFoundation(c *Candidate, server string) string {
	base := c.Address
	if c.Type == CandidateTypeServerReflexive && c.RelatedAddress != nil {
		base = c.RelatedAddress.Address
	}
	sum := crc32.ChecksumIEEE([]byte(c.Type.String() + base + c.NetworkType.NetworkShort() + server))
	return strconv.FormatUint(uint64(sum), 10)
}

// IP returns the wire address of the candidate, or nil for a .local name
// that has not been resolved.
func (c *Candidate) IP() net.IP {
	return c.ip
}

// Addr returns the candidate's transport address.
func (c *Candidate) Addr() net.Addr {
	if c.NetworkType.IsTCP() {
		return &net.TCPAddr{IP: c.ip, Port: c.Port}
	}
	return &net.UDPAddr{IP: c.ip, Port: c.Port}
}

// LastSent returns when a packet was last sent from this candidate.
func (c *Candidate) LastSent() time.Time {
	return unixNanoTime(c.lastSent.Load())
}

// LastReceived returns when a packet last arrived on this candidate.
func (c *Candidate) LastReceived() time.Time {
	return unixNanoTime(c.lastReceived.Load())
}

func (c *Candidate) touchSent(now time.Time)     { c.lastSent.Store(now.UnixNano()) }
func (c *Candidate) touchReceived(now time.Time) { c.lastReceived.Store(now.UnixNano()) }

func unixNanoTime(n int64) time.Time {
	if n == 0 {
		return time.Time{}
	}
	return time.Unix(0, n)
}

// Equal reports whether a and b describe the same transport address.
func (c *Candidate) Equal(other *Candidate) bool {
	if c == nil || other == nil {
		return c == other
	}
	return c.Type == other.Type &&
		c.NetworkType == other.NetworkType &&
		c.TCPType == other.TCPType &&
		strings.EqualFold(c.Address, other.Address) &&
		c.Port == other.Port &&
		c.RelatedAddress.String() == other.RelatedAddress.String()
}

// sameTransportAddress compares by wire address only.
func (c *Candidate) sameTransportAddress(ip net.IP, port int) bool {
	return c.Port == port && c.ip != nil && c.ip.Equal(ip)
}

// String returns a short human-readable description.
func (c *Candidate) String() string {
	s := fmt.Sprintf("%s %s %s", c.NetworkType, c.Type, net.JoinHostPort(c.Address, strconv.Itoa(c.Port)))
	if c.RelatedAddress != nil {
		s += " related " + c.RelatedAddress.String()
	}
	return s
}

// Marshal returns the SDP candidate attribute value without the
// "candidate:" prefix.
func (c *Candidate) Marshal() string {
	var b strings.Builder
	fmt.Fprintf(&b, "%s %d %s %d %s %d typ %s",
		c.Foundation,
		c.Component,
		c.NetworkType.NetworkShort(),
		c.Priority,
		c.Address,
		c.Port,
		c.Type)
	if c.TCPType != TCPTypeUnspecified {
		fmt.Fprintf(&b, " tcptype %s", c.TCPType)
	}
	if c.RelatedAddress != nil {
		fmt.Fprintf(&b, " raddr %s rport %d", c.RelatedAddress.Address, c.RelatedAddress.Port)
	}
	return b.String()
}

// UnmarshalCandidate parses an SDP candidate attribute. The "a=" and
// "candidate:" prefixes are optional. Unknown extension attributes such as
// generation or network-id are skipped.
//
//	candidate:1966762134 1 udp 2122260223 192.168.1.4 50000 typ host
//	842163049 1 udp 1677729535 203.0.113.7 50000 typ srflx raddr 10.0.0.5 rport 50000
func UnmarshalCandidate(raw string) (*Candidate, error) {
	raw = strings.TrimSpace(raw)
	raw = strings.TrimPrefix(raw, "a=")
	raw = strings.TrimPrefix(raw, "candidate:")

	fields := strings.Fields(raw)
	if len(fields) < 8 {
		return nil, fmt.Errorf("%w: %d fields", ErrAttributeTooShort, len(fields))
	}

	foundation := fields[0]

	component, err := strconv.ParseUint(fields[1], 10, 16)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrParseComponent, err)
	}
	network := fields[2]

	priority, err := strconv.ParseUint(fields[3], 10, 32)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrParsePriority, err)
	}

	address := fields[4]
	port, err := strconv.ParseUint(fields[5], 10, 16)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrParsePort, err)
	}

	if fields[6] != "typ" {
		return nil, fmt.Errorf("%w: expected typ, got %q", ErrParseType, fields[6])
	}
	typ := parseCandidateType(fields[7])
	if typ == CandidateTypeUnspecified {
		return nil, fmt.Errorf("%w: %q", ErrParseType, fields[7])
	}

	var (
		related    *RelatedAddress
		tcpType    TCPType
		relAddr    string
		relPort    = -1
		haveRelAdr bool
	)
	for i := 8; i+1 < len(fields); i += 2 {
		key, value := fields[i], fields[i+1]
		switch key {
		case "raddr":
			relAddr = value
			haveRelAdr = true
		case "rport":
			p, err := strconv.ParseUint(value, 10, 16)
			if err != nil {
				return nil, fmt.Errorf("%w: %v", ErrParseRelatedAddr, err)
			}
			relPort = int(p)
		case "tcptype":
			tcpType = parseTCPType(value)
			if tcpType == TCPTypeUnspecified {
				return nil, fmt.Errorf("%w: %q", ErrParseTCPType, value)
			}
		}
	}
	if haveRelAdr != (relPort >= 0) {
		return nil, ErrParseRelatedAddr
	}
	if haveRelAdr {
		related = &RelatedAddress{Address: relAddr, Port: relPort}
	}

	return NewCandidate(CandidateConfig{
		Type:           typ,
		Network:        network,
		Address:        address,
		Port:           int(port),
		Component:      uint16(component),
		Priority:       uint32(priority),
		Foundation:     foundation,
		RelatedAddress: related,
		TCPType:        tcpType,
	})
}
