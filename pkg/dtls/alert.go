package dtls

import "fmt"

// AlertLevel is the severity of an alert.
type AlertLevel byte

const (
	AlertLevelWarning AlertLevel = 1
	AlertLevelFatal   AlertLevel = 2
)

func (l AlertLevel) String() string {
	switch l {
	case AlertLevelWarning:
		return "warning"
	case AlertLevelFatal:
		return "fatal"
	default:
		return fmt.Sprintf("AlertLevel(%d)", byte(l))
	}
}

// AlertDescription identifies the alert (RFC 5246 Section 7.2).
type AlertDescription byte

const (
	AlertCloseNotify            AlertDescription = 0
	AlertUnexpectedMessage      AlertDescription = 10
	AlertBadRecordMac           AlertDescription = 20
	AlertRecordOverflow         AlertDescription = 22
	AlertHandshakeFailure       AlertDescription = 40
	AlertBadCertificate         AlertDescription = 42
	AlertUnsupportedCertificate AlertDescription = 43
	AlertCertificateExpired     AlertDescription = 45
	AlertCertificateUnknown     AlertDescription = 46
	AlertIllegalParameter       AlertDescription = 47
	AlertUnknownCA              AlertDescription = 48
	AlertAccessDenied           AlertDescription = 49
	AlertDecodeError            AlertDescription = 50
	AlertDecryptError           AlertDescription = 51
	AlertProtocolVersion        AlertDescription = 70
	AlertInsufficientSecurity   AlertDescription = 71
	AlertInternalError          AlertDescription = 80
	AlertNoRenegotiation        AlertDescription = 100
	AlertUnsupportedExtension   AlertDescription = 110
	AlertUnknownPSKIdentity     AlertDescription = 115

	// AlertInsecureConfiguration is not an IANA code point. It is sent as
	// handshake_failure on the wire and only distinguishes the local error.
	AlertInsecureConfiguration AlertDescription = 255
)

var alertNames = map[AlertDescription]string{
	AlertCloseNotify:            "close_notify",
	AlertUnexpectedMessage:      "unexpected_message",
	AlertBadRecordMac:           "bad_record_mac",
	AlertRecordOverflow:         "record_overflow",
	AlertHandshakeFailure:       "handshake_failure",
	AlertBadCertificate:         "bad_certificate",
	AlertUnsupportedCertificate: "unsupported_certificate",
	AlertCertificateExpired:     "certificate_expired",
	AlertCertificateUnknown:     "certificate_unknown",
	AlertIllegalParameter:       "illegal_parameter",
	AlertUnknownCA:              "unknown_ca",
	AlertAccessDenied:           "access_denied",
	AlertDecodeError:            "decode_error",
	AlertDecryptError:           "decrypt_error",
	AlertProtocolVersion:        "protocol_version",
	AlertInsufficientSecurity:   "insufficient_security",
	AlertInternalError:          "internal_error",
	AlertNoRenegotiation:        "no_renegotiation",
	AlertUnsupportedExtension:   "unsupported_extension",
	AlertUnknownPSKIdentity:     "unknown_psk_identity",
	AlertInsecureConfiguration:  "insecure_configuration",
}

func (d AlertDescription) String() string {
	if s, ok := alertNames[d]; ok {
		return s
	}
	return fmt.Sprintf("AlertDescription(%d)", byte(d))
}

// wire maps local-only descriptions onto real code points.
func (d AlertDescription) wire() AlertDescription {
	if d == AlertInsecureConfiguration {
		return AlertHandshakeFailure
	}
	return d
}

// Alert is the payload of an alert record.
type Alert struct {
	Level       AlertLevel
	Description AlertDescription
}

func (a Alert) String() string {
	return a.Level.String() + " " + a.Description.String()
}

func (a Alert) marshal() []byte {
	return []byte{byte(a.Level), byte(a.Description.wire())}
}

func unmarshalAlert(b []byte) (Alert, error) {
	if len(b) != 2 {
		return Alert{}, errInvalidRecord
	}
	return Alert{Level: AlertLevel(b[0]), Description: AlertDescription(b[1])}, nil
}
