package stun

import (
	"errors"
	"math/rand"
	"net"
	"testing"
)

func TestMessageTypeValue(t *testing.T) {
	tests := []struct {
		typ  MessageType
		want uint16
	}{
		{BindingRequest, 0x0001},
		{BindingIndication, 0x0011},
		{BindingSuccess, 0x0101},
		{BindingError, 0x0111},
		{NewType(MethodAllocate, ClassRequest), 0x0003},
		{NewType(MethodChannelBind, ClassErrorResponse), 0x0119},
		{NewType(Method(0xFFF), ClassErrorResponse), 0x3FFF},
	}
	for _, tt := range tests {
		t.Run(tt.typ.String(), func(t *testing.T) {
			if got := tt.typ.Value(); got != tt.want {
				t.Errorf("Value() = 0x%04x, want 0x%04x", got, tt.want)
			}
			var decoded MessageType
			decoded.ReadValue(tt.want)
			if decoded != tt.typ {
				t.Errorf("ReadValue(0x%04x) = %v, want %v", tt.want, decoded, tt.typ)
			}
		})
	}
}

func TestBuildAndDecode(t *testing.T) {
	m, err := Build(
		BindingRequest,
		RandomTransactionID,
		NewSoftware("mediaplane"),
		NewUsername("abcd:efgh"),
		Priority(0x6e0001ff),
		ICEControlling(0x0102030405060708),
		UseCandidate,
		XORMappedAddress{IP: net.ParseIP("203.0.113.7"), Port: 50000},
		NewShortTermIntegrity("pass"),
		Fingerprint,
	)
	if err != nil {
		t.Fatalf("Build() error = %v", err)
	}
	if len(m.Raw) != HeaderSize+int(m.Length) {
		t.Fatalf("len(Raw) = %d, want %d", len(m.Raw), HeaderSize+int(m.Length))
	}

	decoded, err := Decode(m.Raw)
	if err != nil {
		t.Fatalf("Decode() error = %v", err)
	}
	if !decoded.Equal(m) {
		t.Fatalf("Decode() = %v, want %v", decoded, m)
	}

	var (
		software = TextAttribute{Attr: AttrSoftware}
		prio     Priority
		tie      ICEControlling
		addr     XORMappedAddress
	)
	for _, g := range []Getter{&software, &prio, &tie, &addr} {
		if err := g.GetFrom(decoded); err != nil {
			t.Fatalf("GetFrom(%T) error = %v", g, err)
		}
	}
	if software.Text != "mediaplane" {
		t.Errorf("SOFTWARE = %q, want %q", software.Text, "mediaplane")
	}
	if prio != 0x6e0001ff {
		t.Errorf("PRIORITY = 0x%x, want 0x6e0001ff", uint32(prio))
	}
	if tie != 0x0102030405060708 {
		t.Errorf("ICE-CONTROLLING = 0x%x", uint64(tie))
	}
	if !HasUseCandidate(decoded) {
		t.Error("USE-CANDIDATE missing")
	}
	if !addr.IP.Equal(net.ParseIP("203.0.113.7")) || addr.Port != 50000 {
		t.Errorf("XOR-MAPPED-ADDRESS = %v", addr)
	}
	if err := NewShortTermIntegrity("pass").Check(decoded); err != nil {
		t.Errorf("integrity Check() error = %v", err)
	}
	if err := NewShortTermIntegrity("wrong").Check(decoded); !errors.Is(err, ErrIntegrityMismatch) {
		t.Errorf("integrity Check(wrong key) error = %v, want %v", err, ErrIntegrityMismatch)
	}
}

// Every well-formed message survives encode then decode unchanged.
func TestMessageRoundTripRandom(t *testing.T) {
	rng := rand.New(rand.NewSource(1))
	optional := []AttrType{AttrSoftware, AttrICEControlled, AttrAlternateServer, 0x8FFF}
	required := []AttrType{AttrUsername, AttrRealm, AttrNonce, AttrData, AttrPriority}

	for i := 0; i < 200; i++ {
		m := New()
		m.Type = NewType(Method(rng.Intn(0x1000)), Class(rng.Intn(4)))
		rng.Read(m.TransactionID[:])
		m.WriteHeader()

		for n := rng.Intn(6); n > 0; n-- {
			pool := optional
			if rng.Intn(2) == 0 {
				pool = required
			}
			v := make([]byte, rng.Intn(40))
			rng.Read(v)
			m.Add(pool[rng.Intn(len(pool))], v)
		}

		b, _ := m.MarshalBinary()
		decoded := New()
		if err := decoded.UnmarshalBinary(b); err != nil {
			t.Fatalf("case %d: UnmarshalBinary() error = %v", i, err)
		}
		if !decoded.Equal(m) {
			t.Fatalf("case %d: round trip mismatch\n got %v\nwant %v", i, decoded, m)
		}

		decoded.Encode()
		if string(decoded.Raw) != string(b) {
			t.Fatalf("case %d: Encode() differs from original wire form", i)
		}
	}
}

func TestDecodeErrors(t *testing.T) {
	valid, err := Build(BindingRequest, RandomTransactionID, NewSoftware("x"))
	if err != nil {
		t.Fatal(err)
	}

	mutate := func(f func(b []byte) []byte) []byte {
		b := append([]byte(nil), valid.Raw...)
		return f(b)
	}

	tests := []struct {
		name string
		data []byte
		want error
	}{
		{"short", valid.Raw[:10], ErrMessageTooShort},
		{"leading bits", mutate(func(b []byte) []byte { b[0] |= 0x80; return b }), ErrInvalidLeadingBits},
		{"cookie", mutate(func(b []byte) []byte { b[4] ^= 0xFF; return b }), ErrInvalidMagicCookie},
		{"unaligned length", mutate(func(b []byte) []byte { b[3]++; return b }), ErrInvalidLength},
		{"length mismatch", mutate(func(b []byte) []byte { return append(b, 0, 0, 0, 0) }), ErrLengthMismatch},
		{"attribute overrun", mutate(func(b []byte) []byte { b[HeaderSize+3] = 0x40; return b }), ErrAttributeSizeInvalid},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := Decode(tt.data); !errors.Is(err, tt.want) {
				t.Errorf("Decode() error = %v, want %v", err, tt.want)
			}
		})
	}
}

func TestDecodeAttributeSizeInvalid(t *testing.T) {
	m := New()
	m.Type = BindingRequest
	m.WriteHeader()
	m.Add(AttrPriority, []byte{1, 2, 3})

	decoded, err := Decode(m.Raw)
	if err != nil {
		t.Fatalf("Decode() error = %v", err)
	}
	var p Priority
	if err := p.GetFrom(decoded); !errors.Is(err, ErrAttributeSizeInvalid) {
		t.Errorf("Priority.GetFrom() error = %v, want %v", err, ErrAttributeSizeInvalid)
	}
}

func TestDecodeFingerprintPlacement(t *testing.T) {
	m, err := Build(BindingRequest, RandomTransactionID, NewSoftware("a"), Fingerprint)
	if err != nil {
		t.Fatal(err)
	}

	// Corrupt the CRC.
	bad := append([]byte(nil), m.Raw...)
	bad[len(bad)-1] ^= 0x01
	if _, err := Decode(bad); !errors.Is(err, ErrFingerprintMismatch) {
		t.Errorf("Decode(bad crc) error = %v, want %v", err, ErrFingerprintMismatch)
	}

	// Attribute after FINGERPRINT.
	m.Add(AttrSoftware, []byte("late"))
	if _, err := Decode(m.Raw); !errors.Is(err, ErrFingerprintNotLast) {
		t.Errorf("Decode(fingerprint not last) error = %v, want %v", err, ErrFingerprintNotLast)
	}
}

func TestDecodeUnknownRequired(t *testing.T) {
	m := New()
	m.Type = BindingRequest
	m.TransactionID = NewTransactionID()
	m.WriteHeader()
	m.Add(AttrUsername, []byte("a:b"))
	m.Add(AttrType(0x7001), []byte{1})
	m.Add(AttrType(0x8FF0), []byte{2}) // optional, ignored

	decoded, err := Decode(m.Raw)
	var unknown *UnknownAttributesError
	if !errors.As(err, &unknown) {
		t.Fatalf("Decode() error = %v, want *UnknownAttributesError", err)
	}
	if len(unknown.Types) != 1 || unknown.Types[0] != 0x7001 {
		t.Fatalf("unknown types = %v, want [0x7001]", unknown.Types)
	}
	if decoded.TransactionID != m.TransactionID {
		t.Error("decoded message should be populated despite the error")
	}

	resp, err := UnknownAttributesResponse(decoded, unknown.Types)
	if err != nil {
		t.Fatalf("UnknownAttributesResponse() error = %v", err)
	}
	if resp.Type != BindingError || resp.TransactionID != m.TransactionID {
		t.Errorf("response = %v", resp)
	}
	var code ErrorCodeAttribute
	if err := code.GetFrom(resp); err != nil || code.Code != CodeUnknownAttribute {
		t.Errorf("ERROR-CODE = %v, %v, want 420", code, err)
	}
	var echoed UnknownAttributes
	if err := echoed.GetFrom(resp); err != nil || len(echoed) != 1 || echoed[0] != 0x7001 {
		t.Errorf("UNKNOWN-ATTRIBUTES = %v, %v", echoed, err)
	}
}

func TestErrorCodeAttribute(t *testing.T) {
	m, err := Build(BindingError, RandomTransactionID, CodeRoleConflict)
	if err != nil {
		t.Fatal(err)
	}
	var e ErrorCodeAttribute
	if err := e.GetFrom(m); err != nil {
		t.Fatalf("GetFrom() error = %v", err)
	}
	if e.Code != CodeRoleConflict || e.Reason != "Role Conflict" {
		t.Errorf("GetFrom() = %v", e)
	}
	if err := (ErrorCodeAttribute{Code: 200}).AddTo(New()); !errors.Is(err, ErrInvalidErrorClass) {
		t.Errorf("AddTo(200) error = %v, want %v", err, ErrInvalidErrorClass)
	}
}

func TestMappedAddressIPv6(t *testing.T) {
	ip := net.ParseIP("2001:db8::1234")
	m, err := Build(BindingSuccess, RandomTransactionID,
		XORMappedAddress{IP: ip, Port: 4000},
	)
	if err != nil {
		t.Fatal(err)
	}
	if err := (MappedAddress{IP: ip, Port: 4001}).AddTo(m); err != nil {
		t.Fatal(err)
	}

	var x XORMappedAddress
	if err := x.GetFrom(m); err != nil || !x.IP.Equal(ip) || x.Port != 4000 {
		t.Errorf("XORMappedAddress = %v, %v", x, err)
	}
	var p MappedAddress
	if err := p.GetFrom(m); err != nil || !p.IP.Equal(ip) || p.Port != 4001 {
		t.Errorf("MappedAddress = %v, %v", p, err)
	}
}

func TestTextAttributeOverflow(t *testing.T) {
	long := make([]byte, maxUsernameB+1)
	if err := NewUsername(string(long)).AddTo(New()); !errors.Is(err, ErrAttributeSizeOverflow) {
		t.Errorf("AddTo() error = %v, want %v", err, ErrAttributeSizeOverflow)
	}
}

func TestIsMessage(t *testing.T) {
	m, _ := Build(BindingRequest, RandomTransactionID)
	if !IsMessage(m.Raw) {
		t.Error("IsMessage(binding request) = false")
	}
	if IsMessage([]byte{0x16, 0xfe, 0xfd}) {
		t.Error("IsMessage(dtls) = true")
	}
}
