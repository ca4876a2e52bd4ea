// Package mdns hides private host-candidate addresses behind random .local
// names. Names are published with grandcat/zeroconf and resolved with
// pion/mdns queries.
package mdns

import (
	"strings"

	"github.com/google/uuid"
)

// LocalDomain is the multicast DNS domain suffix.
const LocalDomain = "local"

// GenerateName returns a fresh random host name such as
// "1f0c9f1e-4a55-4b7e-8f0e-0b7b0f1d2a3c.local".
func GenerateName() string {
	return uuid.NewString() + "." + LocalDomain
}

// IsLocalName reports whether name is a .local host name, with or without
// the trailing dot.
func IsLocalName(name string) bool {
	name = strings.TrimSuffix(name, ".")
	return strings.HasSuffix(strings.ToLower(name), "."+LocalDomain)
}

// hostLabel strips the .local suffix and the trailing dot.
func hostLabel(name string) string {
	name = strings.TrimSuffix(name, ".")
	if IsLocalName(name) {
		name = name[:len(name)-len(LocalDomain)-1]
	}
	return name
}
