package stun

import (
	"encoding/binary"
	"fmt"
	"net"
	"strconv"
)

const (
	familyIPv4 uint16 = 0x01
	familyIPv6 uint16 = 0x02
)

// MappedAddress is the MAPPED-ADDRESS attribute. It also encodes the other
// plain address attributes such as ALTERNATE-SERVER via AddToAs.
type MappedAddress struct {
	IP   net.IP
	Port int
}

func (a MappedAddress) String() string {
	return net.JoinHostPort(a.IP.String(), strconv.Itoa(a.Port))
}

// AddToAs appends the address as attribute t.
func (a MappedAddress) AddToAs(m *Message, t AttrType) error {
	family, ip, err := addressFamily(a.IP)
	if err != nil {
		return err
	}
	v := make([]byte, 4+len(ip))
	binary.BigEndian.PutUint16(v[0:2], family)
	binary.BigEndian.PutUint16(v[2:4], uint16(a.Port))
	copy(v[4:], ip)
	m.Add(t, v)
	return nil
}

// AddTo appends MAPPED-ADDRESS.
func (a MappedAddress) AddTo(m *Message) error {
	return a.AddToAs(m, AttrMappedAddress)
}

// GetFromAs decodes attribute t.
func (a *MappedAddress) GetFromAs(m *Message, t AttrType) error {
	v, err := m.Get(t)
	if err != nil {
		return err
	}
	_, port, ip, err := readAddress(t, v)
	if err != nil {
		return err
	}
	a.IP = append(net.IP(nil), ip...)
	a.Port = int(port)
	return nil
}

// GetFrom decodes MAPPED-ADDRESS.
func (a *MappedAddress) GetFrom(m *Message) error {
	return a.GetFromAs(m, AttrMappedAddress)
}

// XORMappedAddress is the XOR-MAPPED-ADDRESS attribute (RFC 5389 Section 15.2).
// XOR-PEER-ADDRESS and XOR-RELAYED-ADDRESS share its encoding.
type XORMappedAddress struct {
	IP   net.IP
	Port int
}

func (a XORMappedAddress) String() string {
	return net.JoinHostPort(a.IP.String(), strconv.Itoa(a.Port))
}

// xorKey returns cookie||transaction ID, the XOR mask for addresses.
func xorKey(id TransactionID) []byte {
	key := make([]byte, 4+TransactionIDSize)
	binary.BigEndian.PutUint32(key[0:4], MagicCookie)
	copy(key[4:], id[:])
	return key
}

// AddToAs appends the address as attribute t.
func (a XORMappedAddress) AddToAs(m *Message, t AttrType) error {
	family, ip, err := addressFamily(a.IP)
	if err != nil {
		return err
	}
	key := xorKey(m.TransactionID)
	v := make([]byte, 4+len(ip))
	binary.BigEndian.PutUint16(v[0:2], family)
	binary.BigEndian.PutUint16(v[2:4], uint16(a.Port)^uint16(MagicCookie>>16))
	for i := range ip {
		v[4+i] = ip[i] ^ key[i]
	}
	m.Add(t, v)
	return nil
}

// AddTo appends XOR-MAPPED-ADDRESS.
func (a XORMappedAddress) AddTo(m *Message) error {
	return a.AddToAs(m, AttrXORMappedAddress)
}

// GetFromAs decodes attribute t.
func (a *XORMappedAddress) GetFromAs(m *Message, t AttrType) error {
	v, err := m.Get(t)
	if err != nil {
		return err
	}
	_, port, ip, err := readAddress(t, v)
	if err != nil {
		return err
	}
	key := xorKey(m.TransactionID)
	out := make(net.IP, len(ip))
	for i := range ip {
		out[i] = ip[i] ^ key[i]
	}
	a.IP = out
	a.Port = int(port ^ uint16(MagicCookie>>16))
	return nil
}

// GetFrom decodes XOR-MAPPED-ADDRESS.
func (a *XORMappedAddress) GetFrom(m *Message) error {
	return a.GetFromAs(m, AttrXORMappedAddress)
}

func addressFamily(ip net.IP) (uint16, net.IP, error) {
	if ip4 := ip.To4(); ip4 != nil {
		return familyIPv4, ip4, nil
	}
	if ip6 := ip.To16(); ip6 != nil {
		return familyIPv6, ip6, nil
	}
	return 0, nil, ErrBadIPLength
}

func readAddress(t AttrType, v []byte) (family, port uint16, ip []byte, err error) {
	if len(v) < 4 {
		return 0, 0, nil, &AttrLengthError{Attr: t, Got: len(v), Expected: 8}
	}
	family = binary.BigEndian.Uint16(v[0:2])
	port = binary.BigEndian.Uint16(v[2:4])
	ip = v[4:]
	switch family {
	case familyIPv4:
		if err := checkSize(t, len(v), 4+net.IPv4len); err != nil {
			return 0, 0, nil, err
		}
	case familyIPv6:
		if err := checkSize(t, len(v), 4+net.IPv6len); err != nil {
			return 0, 0, nil, err
		}
	default:
		return 0, 0, nil, fmt.Errorf("%w: %d", ErrBadAddressFamily, family)
	}
	return family, port, ip, nil
}
