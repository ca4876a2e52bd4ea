package stun

import (
	"errors"
	"fmt"
	"net"
	"net/url"
	"strconv"
	"strings"
)

// URI errors.
var (
	ErrSchemeType   = errors.New("stun: unknown scheme type")
	ErrSTUNQuery    = errors.New("stun: queries not supported in stun address")
	ErrInvalidQuery = errors.New("stun: invalid query")
	ErrHost         = errors.New("stun: invalid hostname")
	ErrPort         = errors.New("stun: invalid port")
	ErrProtoType    = errors.New("stun: invalid transport protocol type")
)

// SchemeType is the scheme of a STUN or TURN URI.
type SchemeType int

const (
	SchemeTypeUnknown SchemeType = iota
	SchemeTypeSTUN
	SchemeTypeSTUNS
	SchemeTypeTURN
	SchemeTypeTURNS
)

func (t SchemeType) String() string {
	switch t {
	case SchemeTypeSTUN:
		return "stun"
	case SchemeTypeSTUNS:
		return "stuns"
	case SchemeTypeTURN:
		return "turn"
	case SchemeTypeTURNS:
		return "turns"
	default:
		return "unknown"
	}
}

func newSchemeType(raw string) SchemeType {
	switch strings.ToLower(raw) {
	case "stun":
		return SchemeTypeSTUN
	case "stuns":
		return SchemeTypeSTUNS
	case "turn":
		return SchemeTypeTURN
	case "turns":
		return SchemeTypeTURNS
	default:
		return SchemeTypeUnknown
	}
}

// ProtoType is the transport named by ?transport=.
type ProtoType int

const (
	ProtoTypeUnknown ProtoType = iota
	ProtoTypeUDP
	ProtoTypeTCP
)

func (t ProtoType) String() string {
	switch t {
	case ProtoTypeUDP:
		return "udp"
	case ProtoTypeTCP:
		return "tcp"
	default:
		return "unknown"
	}
}

// Default ports (RFC 7064 Section 3.2, RFC 7065 Section 3.2).
const (
	DefaultPort    = 3478
	DefaultTLSPort = 5349
)

// URI is a parsed stun:, stuns:, turn: or turns: URI. Credentials come from
// the ICE server configuration, not the URI itself.
type URI struct {
	Scheme   SchemeType
	Host     string
	Port     int
	Proto    ProtoType
	Username string
	Password string
}

// ParseURI parses a URI per RFC 7064 and RFC 7065.
//
//	stun:example.org
//	stuns:[2001:db8::1]:5349
//	turn:turn.example.org:3478?transport=tcp
func ParseURI(raw string) (*URI, error) {
	rawParts, err := url.Parse(raw)
	if err != nil {
		return nil, err
	}

	u := &URI{Scheme: newSchemeType(rawParts.Scheme)}
	if u.Scheme == SchemeTypeUnknown {
		return nil, fmt.Errorf("%w: %q", ErrSchemeType, rawParts.Scheme)
	}

	// The grammar is opaque ("stun:host:port"), so reparse the host part.
	hostPart := rawParts.Opaque
	if hostPart == "" {
		hostPart = rawParts.Host
	}
	if hostPart == "" {
		return nil, ErrHost
	}
	withSlashes, err := url.Parse("//" + hostPart)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrHost, err)
	}
	if withSlashes.User != nil {
		return nil, ErrHost
	}
	u.Host = withSlashes.Hostname()
	if u.Host == "" {
		return nil, ErrHost
	}
	if strings.Contains(u.Host, ":") && net.ParseIP(u.Host) == nil {
		return nil, ErrHost
	}

	if portStr := withSlashes.Port(); portStr != "" {
		port, err := strconv.Atoi(portStr)
		if err != nil || port <= 0 || port > 0xFFFF {
			return nil, fmt.Errorf("%w: %q", ErrPort, portStr)
		}
		u.Port = port
	} else if u.Scheme == SchemeTypeSTUNS || u.Scheme == SchemeTypeTURNS {
		u.Port = DefaultTLSPort
	} else {
		u.Port = DefaultPort
	}

	switch u.Scheme {
	case SchemeTypeSTUN, SchemeTypeSTUNS:
		if rawParts.RawQuery != "" {
			return nil, ErrSTUNQuery
		}
		u.Proto = ProtoTypeUDP
		if u.Scheme == SchemeTypeSTUNS {
			u.Proto = ProtoTypeTCP
		}
	case SchemeTypeTURN, SchemeTypeTURNS:
		u.Proto = ProtoTypeUDP
		if u.Scheme == SchemeTypeTURNS {
			u.Proto = ProtoTypeTCP
		}
		if rawParts.RawQuery != "" {
			q, err := url.ParseQuery(rawParts.RawQuery)
			if err != nil {
				return nil, fmt.Errorf("%w: %v", ErrInvalidQuery, err)
			}
			if len(q) != 1 || !q.Has("transport") {
				return nil, ErrInvalidQuery
			}
			switch strings.ToLower(q.Get("transport")) {
			case "udp":
				u.Proto = ProtoTypeUDP
			case "tcp":
				u.Proto = ProtoTypeTCP
			default:
				return nil, fmt.Errorf("%w: %q", ErrProtoType, q.Get("transport"))
			}
		}
	}

	return u, nil
}

// IsSecure reports whether the scheme requires TLS or DTLS.
func (u URI) IsSecure() bool {
	return u.Scheme == SchemeTypeSTUNS || u.Scheme == SchemeTypeTURNS
}

// Addr returns host:port.
func (u URI) Addr() string {
	return net.JoinHostPort(u.Host, strconv.Itoa(u.Port))
}

func (u URI) String() string {
	s := u.Scheme.String() + ":" + u.Addr()
	if u.Scheme == SchemeTypeTURN || u.Scheme == SchemeTypeTURNS {
		s += "?transport=" + u.Proto.String()
	}
	return s
}
