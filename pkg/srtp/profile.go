package srtp

import "fmt"

// ProtectionProfile identifies an SRTP transform. The values are the
// use_srtp identifiers negotiated by DTLS (RFC 5764, RFC 7714).
type ProtectionProfile uint16

const (
	ProtectionProfileAes128CmHmacSha1_80 ProtectionProfile = 0x0001 //nolint:revive,stylecheck
	ProtectionProfileAes128CmHmacSha1_32 ProtectionProfile = 0x0002 //nolint:revive,stylecheck
	ProtectionProfileAeadAes128Gcm       ProtectionProfile = 0x0007
	ProtectionProfileAeadAes256Gcm       ProtectionProfile = 0x0008
)

func (p ProtectionProfile) String() string {
	switch p {
	case ProtectionProfileAes128CmHmacSha1_80:
		return "SRTP_AES128_CM_HMAC_SHA1_80"
	case ProtectionProfileAes128CmHmacSha1_32:
		return "SRTP_AES128_CM_HMAC_SHA1_32"
	case ProtectionProfileAeadAes128Gcm:
		return "SRTP_AEAD_AES_128_GCM"
	case ProtectionProfileAeadAes256Gcm:
		return "SRTP_AEAD_AES_256_GCM"
	default:
		return fmt.Sprintf("ProtectionProfile(0x%04x)", uint16(p))
	}
}

// KeyLen is the master key length in bytes.
func (p ProtectionProfile) KeyLen() (int, error) {
	switch p {
	case ProtectionProfileAes128CmHmacSha1_80, ProtectionProfileAes128CmHmacSha1_32, ProtectionProfileAeadAes128Gcm:
		return 16, nil
	case ProtectionProfileAeadAes256Gcm:
		return 32, nil
	default:
		return 0, fmt.Errorf("%w: %s", ErrUnsupportedProfile, p)
	}
}

// SaltLen is the master salt length in bytes.
func (p ProtectionProfile) SaltLen() (int, error) {
	switch p {
	case ProtectionProfileAes128CmHmacSha1_80, ProtectionProfileAes128CmHmacSha1_32:
		return 14, nil
	case ProtectionProfileAeadAes128Gcm, ProtectionProfileAeadAes256Gcm:
		return 12, nil
	default:
		return 0, fmt.Errorf("%w: %s", ErrUnsupportedProfile, p)
	}
}

func (p ProtectionProfile) isAEAD() bool {
	return p == ProtectionProfileAeadAes128Gcm || p == ProtectionProfileAeadAes256Gcm
}

// rtpAuthTagLen is the HMAC tag appended to SRTP packets. The _32 profile
// only shortens the SRTP tag; SRTCP keeps 80 bits.
func (p ProtectionProfile) rtpAuthTagLen() int {
	switch p {
	case ProtectionProfileAes128CmHmacSha1_80:
		return 10
	case ProtectionProfileAes128CmHmacSha1_32:
		return 4
	}
	return 0
}

func (p ProtectionProfile) rtcpAuthTagLen() int {
	if p.isAEAD() {
		return 0
	}
	return 10
}

func (p ProtectionProfile) authKeyLen() int {
	if p.isAEAD() {
		return 0
	}
	return 20
}

func (p ProtectionProfile) aeadTagLen() int {
	if p.isAEAD() {
		return 16
	}
	return 0
}
