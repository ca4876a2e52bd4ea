package stun

import "fmt"

// AttrType is a STUN attribute type.
type AttrType uint16

// Comprehension-required attributes (0x0000-0x7FFF).
const (
	AttrMappedAddress          AttrType = 0x0001
	AttrUsername               AttrType = 0x0006
	AttrMessageIntegrity       AttrType = 0x0008
	AttrErrorCode              AttrType = 0x0009
	AttrUnknownAttributes      AttrType = 0x000A
	AttrChannelNumber          AttrType = 0x000C
	AttrLifetime               AttrType = 0x000D
	AttrXORPeerAddress         AttrType = 0x0012
	AttrData                   AttrType = 0x0013
	AttrRealm                  AttrType = 0x0014
	AttrNonce                  AttrType = 0x0015
	AttrXORRelayedAddress      AttrType = 0x0016
	AttrRequestedAddressFamily AttrType = 0x0017
	AttrEvenPort               AttrType = 0x0018
	AttrRequestedTransport     AttrType = 0x0019
	AttrDontFragment           AttrType = 0x001A
	AttrMessageIntegritySHA256 AttrType = 0x001C
	AttrPasswordAlgorithm      AttrType = 0x001D
	AttrUserhash               AttrType = 0x001E
	AttrXORMappedAddress       AttrType = 0x0020
	AttrReservationToken       AttrType = 0x0022
	AttrPriority               AttrType = 0x0024
	AttrUseCandidate           AttrType = 0x0025
)

// Comprehension-optional attributes (0x8000-0xFFFF).
const (
	AttrPasswordAlgorithms AttrType = 0x8002
	AttrAlternateDomain    AttrType = 0x8003
	AttrSoftware           AttrType = 0x8022
	AttrAlternateServer    AttrType = 0x8023
	AttrFingerprint        AttrType = 0x8028
	AttrICEControlled      AttrType = 0x8029
	AttrICEControlling     AttrType = 0x802A
	AttrResponseOrigin     AttrType = 0x802B
	AttrOtherAddress       AttrType = 0x802C
)

var attrNames = map[AttrType]string{
	AttrMappedAddress:          "MAPPED-ADDRESS",
	AttrUsername:               "USERNAME",
	AttrMessageIntegrity:       "MESSAGE-INTEGRITY",
	AttrErrorCode:              "ERROR-CODE",
	AttrUnknownAttributes:      "UNKNOWN-ATTRIBUTES",
	AttrChannelNumber:          "CHANNEL-NUMBER",
	AttrLifetime:               "LIFETIME",
	AttrXORPeerAddress:         "XOR-PEER-ADDRESS",
	AttrData:                   "DATA",
	AttrRealm:                  "REALM",
	AttrNonce:                  "NONCE",
	AttrXORRelayedAddress:      "XOR-RELAYED-ADDRESS",
	AttrRequestedAddressFamily: "REQUESTED-ADDRESS-FAMILY",
	AttrEvenPort:               "EVEN-PORT",
	AttrRequestedTransport:     "REQUESTED-TRANSPORT",
	AttrDontFragment:           "DONT-FRAGMENT",
	AttrMessageIntegritySHA256: "MESSAGE-INTEGRITY-SHA256",
	AttrPasswordAlgorithm:      "PASSWORD-ALGORITHM",
	AttrUserhash:               "USERHASH",
	AttrXORMappedAddress:       "XOR-MAPPED-ADDRESS",
	AttrReservationToken:       "RESERVATION-TOKEN",
	AttrPriority:               "PRIORITY",
	AttrUseCandidate:           "USE-CANDIDATE",
	AttrPasswordAlgorithms:     "PASSWORD-ALGORITHMS",
	AttrAlternateDomain:        "ALTERNATE-DOMAIN",
	AttrSoftware:               "SOFTWARE",
	AttrAlternateServer:        "ALTERNATE-SERVER",
	AttrFingerprint:            "FINGERPRINT",
	AttrICEControlled:          "ICE-CONTROLLED",
	AttrICEControlling:         "ICE-CONTROLLING",
	AttrResponseOrigin:         "RESPONSE-ORIGIN",
	AttrOtherAddress:           "OTHER-ADDRESS",
}

// Required reports whether the attribute is comprehension-required.
func (t AttrType) Required() bool {
	return t < 0x8000
}

// Known reports whether the codec recognizes t.
func (t AttrType) Known() bool {
	_, ok := attrNames[t]
	return ok
}

func (t AttrType) String() string {
	if name, ok := attrNames[t]; ok {
		return name
	}
	return fmt.Sprintf("0x%04x", uint16(t))
}

// RawAttribute is an undecoded TLV attribute. Length is the unpadded value
// length.
type RawAttribute struct {
	Type   AttrType
	Length uint16
	Value  []byte
}

// AddTo appends the attribute to m.
func (a RawAttribute) AddTo(m *Message) error {
	m.Add(a.Type, a.Value)
	return nil
}

func (a RawAttribute) String() string {
	return fmt.Sprintf("%s: 0x%x", a.Type, a.Value)
}

// Attributes is the ordered attribute list of a message.
type Attributes []RawAttribute

// Get returns the first attribute of type t.
func (a Attributes) Get(t AttrType) (RawAttribute, bool) {
	for _, attr := range a {
		if attr.Type == t {
			return attr, true
		}
	}
	return RawAttribute{}, false
}
