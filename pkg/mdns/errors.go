package mdns

import "errors"

// Package-level sentinel errors for mDNS operations.
var (
	// ErrClosed is returned when an operation is attempted on a closed component.
	ErrClosed = errors.New("mdns: closed")

	// ErrNotLocalName is returned for names outside the .local domain.
	ErrNotLocalName = errors.New("mdns: name is not in the .local domain")

	// ErrNoAddresses is returned when publishing a name without addresses.
	ErrNoAddresses = errors.New("mdns: no IP addresses provided")

	// ErrAlreadyPublished is returned when a name is published twice.
	ErrAlreadyPublished = errors.New("mdns: name already published")

	// ErrNotPublished is returned when withdrawing an unknown name.
	ErrNotPublished = errors.New("mdns: name not published")

	// ErrNotFound is returned when a query yields no usable answer.
	ErrNotFound = errors.New("mdns: name not found")
)
