package sessiondesc

import "errors"

var (
	ErrNoICECredentials       = errors.New("sessiondesc: missing ice-ufrag or ice-pwd")
	ErrConflictingCredentials = errors.New("sessiondesc: bundled sections carry different ICE credentials")
	ErrNoFingerprint          = errors.New("sessiondesc: no usable fingerprint")
	ErrInvalidSetupRole       = errors.New("sessiondesc: invalid a=setup value")
	ErrInvalidSCTPPort        = errors.New("sessiondesc: invalid a=sctp-port value")
	ErrInvalidMaxMessageSize  = errors.New("sessiondesc: invalid a=max-message-size value")
	ErrNoMediaSections        = errors.New("sessiondesc: no media sections")
	ErrRoleConflict           = errors.New("sessiondesc: both sides claim the same DTLS role")
)
