package dtls

import (
	"github.com/backkem/mediaplane/pkg/crypto"
	"golang.org/x/crypto/cryptobyte"
)

// Extension code points.
const (
	extensionServerName           uint16 = 0
	extensionSupportedGroups      uint16 = 10
	extensionECPointFormats       uint16 = 11
	extensionSignatureAlgorithms  uint16 = 13
	extensionUseSRTP              uint16 = 14
	extensionExtendedMasterSecret uint16 = 23
	extensionRenegotiationInfo    uint16 = 0xff01
)

const pointFormatUncompressed byte = 0

// helloExtensions is the decoded extension block of a ClientHello or
// ServerHello. Unknown extensions are skipped.
type helloExtensions struct {
	serverName           string
	supportedGroups      []crypto.NamedCurve
	pointFormats         []byte
	signatureSchemes     []SignatureScheme
	srtpProfiles         []SRTPProtectionProfile
	srtpMKI              []byte
	extendedMasterSecret bool
	renegotiationInfo    bool
}

func (e *helloExtensions) marshal(b *cryptobyte.Builder) {
	b.AddUint16LengthPrefixed(func(b *cryptobyte.Builder) {
		if e.serverName != "" {
			b.AddUint16(extensionServerName)
			b.AddUint16LengthPrefixed(func(b *cryptobyte.Builder) {
				b.AddUint16LengthPrefixed(func(b *cryptobyte.Builder) {
					b.AddUint8(0) // host_name
					b.AddUint16LengthPrefixed(func(b *cryptobyte.Builder) {
						b.AddBytes([]byte(e.serverName))
					})
				})
			})
		}
		if len(e.supportedGroups) > 0 {
			b.AddUint16(extensionSupportedGroups)
			b.AddUint16LengthPrefixed(func(b *cryptobyte.Builder) {
				b.AddUint16LengthPrefixed(func(b *cryptobyte.Builder) {
					for _, g := range e.supportedGroups {
						b.AddUint16(uint16(g))
					}
				})
			})
		}
		if len(e.pointFormats) > 0 {
			b.AddUint16(extensionECPointFormats)
			b.AddUint16LengthPrefixed(func(b *cryptobyte.Builder) {
				b.AddUint8LengthPrefixed(func(b *cryptobyte.Builder) {
					b.AddBytes(e.pointFormats)
				})
			})
		}
		if len(e.signatureSchemes) > 0 {
			b.AddUint16(extensionSignatureAlgorithms)
			b.AddUint16LengthPrefixed(func(b *cryptobyte.Builder) {
				b.AddUint16LengthPrefixed(func(b *cryptobyte.Builder) {
					for _, s := range e.signatureSchemes {
						b.AddUint16(uint16(s))
					}
				})
			})
		}
		if len(e.srtpProfiles) > 0 {
			b.AddUint16(extensionUseSRTP)
			b.AddUint16LengthPrefixed(func(b *cryptobyte.Builder) {
				b.AddUint16LengthPrefixed(func(b *cryptobyte.Builder) {
					for _, p := range e.srtpProfiles {
						b.AddUint16(uint16(p))
					}
				})
				b.AddUint8LengthPrefixed(func(b *cryptobyte.Builder) {
					b.AddBytes(e.srtpMKI)
				})
			})
		}
		if e.extendedMasterSecret {
			b.AddUint16(extensionExtendedMasterSecret)
			b.AddUint16(0)
		}
		if e.renegotiationInfo {
			b.AddUint16(extensionRenegotiationInfo)
			b.AddUint16LengthPrefixed(func(b *cryptobyte.Builder) {
				b.AddUint8(0)
			})
		}
	})
}

// unmarshal parses the extension block. An absent block is valid.
func (e *helloExtensions) unmarshal(s *cryptobyte.String) error {
	if s.Empty() {
		return nil
	}
	var exts cryptobyte.String
	if !s.ReadUint16LengthPrefixed(&exts) {
		return errInvalidExtension
	}
	seen := make(map[uint16]bool)
	for !exts.Empty() {
		var typ uint16
		var data cryptobyte.String
		if !exts.ReadUint16(&typ) || !exts.ReadUint16LengthPrefixed(&data) {
			return errInvalidExtension
		}
		if seen[typ] {
			return errInvalidExtension
		}
		seen[typ] = true

		switch typ {
		case extensionServerName:
			if data.Empty() {
				continue // ServerHello acknowledgement
			}
			var list cryptobyte.String
			if !data.ReadUint16LengthPrefixed(&list) {
				return errInvalidExtension
			}
			for !list.Empty() {
				var nameType uint8
				var name cryptobyte.String
				if !list.ReadUint8(&nameType) || !list.ReadUint16LengthPrefixed(&name) {
					return errInvalidExtension
				}
				if nameType == 0 {
					e.serverName = string(name)
				}
			}
		case extensionSupportedGroups:
			var list cryptobyte.String
			if !data.ReadUint16LengthPrefixed(&list) {
				return errInvalidExtension
			}
			for !list.Empty() {
				var g uint16
				if !list.ReadUint16(&g) {
					return errInvalidExtension
				}
				e.supportedGroups = append(e.supportedGroups, crypto.NamedCurve(g))
			}
		case extensionECPointFormats:
			var list cryptobyte.String
			if !data.ReadUint8LengthPrefixed(&list) {
				return errInvalidExtension
			}
			e.pointFormats = append([]byte(nil), list...)
		case extensionSignatureAlgorithms:
			var list cryptobyte.String
			if !data.ReadUint16LengthPrefixed(&list) {
				return errInvalidExtension
			}
			for !list.Empty() {
				var v uint16
				if !list.ReadUint16(&v) {
					return errInvalidExtension
				}
				e.signatureSchemes = append(e.signatureSchemes, SignatureScheme(v))
			}
		case extensionUseSRTP:
			var list, mki cryptobyte.String
			if !data.ReadUint16LengthPrefixed(&list) || !data.ReadUint8LengthPrefixed(&mki) {
				return errInvalidExtension
			}
			for !list.Empty() {
				var v uint16
				if !list.ReadUint16(&v) {
					return errInvalidExtension
				}
				e.srtpProfiles = append(e.srtpProfiles, SRTPProtectionProfile(v))
			}
			e.srtpMKI = append([]byte(nil), mki...)
		case extensionExtendedMasterSecret:
			e.extendedMasterSecret = true
		case extensionRenegotiationInfo:
			e.renegotiationInfo = true
		}
	}
	if !s.Empty() {
		return errInvalidExtension
	}
	return nil
}
