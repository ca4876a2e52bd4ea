package stun

import (
	"errors"
	"testing"
)

func TestParseURI(t *testing.T) {
	tests := []struct {
		raw    string
		scheme SchemeType
		host   string
		port   int
		proto  ProtoType
		str    string
	}{
		{"stun:stun.example:3478", SchemeTypeSTUN, "stun.example", 3478, ProtoTypeUDP, "stun:stun.example:3478"},
		{"stun:example.org", SchemeTypeSTUN, "example.org", 3478, ProtoTypeUDP, "stun:example.org:3478"},
		{"stuns:example.org", SchemeTypeSTUNS, "example.org", 5349, ProtoTypeTCP, "stuns:example.org:5349"},
		{"stun:[::1]:123", SchemeTypeSTUN, "::1", 123, ProtoTypeUDP, "stun:[::1]:123"},
		{"turn:turn.example", SchemeTypeTURN, "turn.example", 3478, ProtoTypeUDP, "turn:turn.example:3478?transport=udp"},
		{"turn:turn.example:1234?transport=tcp", SchemeTypeTURN, "turn.example", 1234, ProtoTypeTCP, "turn:turn.example:1234?transport=tcp"},
		{"turns:turn.example", SchemeTypeTURNS, "turn.example", 5349, ProtoTypeTCP, "turns:turn.example:5349?transport=tcp"},
		{"turns:10.0.0.1?transport=udp", SchemeTypeTURNS, "10.0.0.1", 5349, ProtoTypeUDP, "turns:10.0.0.1:5349?transport=udp"},
	}
	for _, tt := range tests {
		t.Run(tt.raw, func(t *testing.T) {
			u, err := ParseURI(tt.raw)
			if err != nil {
				t.Fatalf("ParseURI() error = %v", err)
			}
			if u.Scheme != tt.scheme || u.Host != tt.host || u.Port != tt.port || u.Proto != tt.proto {
				t.Errorf("ParseURI() = %+v", u)
			}
			if u.String() != tt.str {
				t.Errorf("String() = %q, want %q", u.String(), tt.str)
			}
		})
	}
}

func TestParseURIErrors(t *testing.T) {
	tests := []struct {
		raw  string
		want error
	}{
		{"http:example.org", ErrSchemeType},
		{"stun:", ErrHost},
		{"stun:example.org?transport=udp", ErrSTUNQuery},
		{"turn:example.org?transport=sctp", ErrProtoType},
		{"turn:example.org?foo=bar", ErrInvalidQuery},
		{"stun:example.org:99999", ErrPort},
		{"stun:user@example.org", ErrHost},
	}
	for _, tt := range tests {
		t.Run(tt.raw, func(t *testing.T) {
			if _, err := ParseURI(tt.raw); !errors.Is(err, tt.want) {
				t.Errorf("ParseURI() error = %v, want %v", err, tt.want)
			}
		})
	}
}
