package ice

import "errors"

// Agent errors.
var (
	// ErrClosed is returned when an operation is attempted on a closed agent.
	ErrClosed = errors.New("ice: agent closed")

	// ErrUfragTooShort is returned for ufrags shorter than 4 characters.
	ErrUfragTooShort = errors.New("ice: ufrag must be at least 4 characters")

	// ErrPwdTooShort is returned for passwords shorter than 22 characters.
	ErrPwdTooShort = errors.New("ice: pwd must be at least 22 characters")

	// ErrRemoteUfragEmpty is returned when remote credentials are missing.
	ErrRemoteUfragEmpty = errors.New("ice: remote ufrag is empty")

	// ErrRemotePwdEmpty is returned when remote credentials are missing.
	ErrRemotePwdEmpty = errors.New("ice: remote pwd is empty")

	// ErrMultipleStart is returned when Dial or Accept is called twice.
	ErrMultipleStart = errors.New("ice: agent already started")

	// ErrMultipleGatherAttempted is returned when gathering runs concurrently.
	ErrMultipleGatherAttempted = errors.New("ice: gathering already in progress")

	// ErrNoCandidatePairs is returned when writing without a selected pair.
	ErrNoCandidatePairs = errors.New("ice: no selected candidate pair")

	// ErrNoOnCandidateHandler is returned when gathering without an OnCandidate sink.
	ErrNoOnCandidateHandler = errors.New("ice: no OnCandidate handler set")

	// ErrConnectionFailed is returned by Dial or Accept when every pair failed.
	ErrConnectionFailed = errors.New("ice: connection failed")

	// ErrCanceledByCaller is returned when the Dial or Accept context ends first.
	ErrCanceledByCaller = errors.New("ice: connecting canceled by caller")

	// ErrRelayOnlyNoTURN is returned when the relay policy has no TURN server.
	ErrRelayOnlyNoTURN = errors.New("ice: relay transport policy requires a TURN server")

	// ErrUnsupportedURL is returned for STUNS/TURNS or TCP server URLs.
	ErrUnsupportedURL = errors.New("ice: unsupported server URL")

	// ErrInvalidMulticastDNSHostName is returned for mDNS names outside .local.
	ErrInvalidMulticastDNSHostName = errors.New("ice: mDNS host name must end with .local")
)

// Candidate parsing errors.
var (
	ErrAttributeTooShort  = errors.New("ice: candidate attribute too short")
	ErrParseComponent     = errors.New("ice: could not parse component")
	ErrParsePriority      = errors.New("ice: could not parse priority")
	ErrParsePort          = errors.New("ice: could not parse port")
	ErrParseType          = errors.New("ice: unknown candidate type")
	ErrParseTransport     = errors.New("ice: unknown transport")
	ErrParseRelatedAddr   = errors.New("ice: could not parse related address")
	ErrParseTCPType       = errors.New("ice: could not parse tcptype")
	ErrAddressParseFailed = errors.New("ice: could not parse address")
)
