package mux

import "errors"

var (
	// ErrClosed is returned when using a closed mux or endpoint.
	ErrClosed = errors.New("mux: closed")

	// ErrNoConn is returned by NewMux without a socket.
	ErrNoConn = errors.New("mux: no connection configured")

	// ErrNoRemoteAddr is returned by Endpoint.Write before any peer is known.
	ErrNoRemoteAddr = errors.New("mux: no remote address")
)
