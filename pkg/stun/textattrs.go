package stun

// Size limits from RFC 5389 Section 15.
const (
	maxUsernameB = 513
	maxRealmB    = 763
	maxNonceB    = 763
	maxSoftwareB = 763
)

// TextAttribute is a UTF-8 attribute value such as USERNAME or SOFTWARE.
type TextAttribute struct {
	Attr AttrType
	Text string
}

// Text attribute constructors.
func NewUsername(s string) TextAttribute { return TextAttribute{Attr: AttrUsername, Text: s} }
func NewRealm(s string) TextAttribute    { return TextAttribute{Attr: AttrRealm, Text: s} }
func NewNonce(s string) TextAttribute    { return TextAttribute{Attr: AttrNonce, Text: s} }
func NewSoftware(s string) TextAttribute { return TextAttribute{Attr: AttrSoftware, Text: s} }

func maxTextLen(t AttrType) int {
	switch t {
	case AttrUsername:
		return maxUsernameB
	case AttrRealm:
		return maxRealmB
	case AttrNonce:
		return maxNonceB
	case AttrSoftware:
		return maxSoftwareB
	default:
		return 0xFFFF
	}
}

// AddTo appends the attribute.
func (a TextAttribute) AddTo(m *Message) error {
	if err := checkOverflow(a.Attr, len(a.Text), maxTextLen(a.Attr)); err != nil {
		return err
	}
	m.Add(a.Attr, []byte(a.Text))
	return nil
}

// GetFrom reads the attribute named by a.Attr.
func (a *TextAttribute) GetFrom(m *Message) error {
	v, err := m.Get(a.Attr)
	if err != nil {
		return err
	}
	if err := checkOverflow(a.Attr, len(v), maxTextLen(a.Attr)); err != nil {
		return err
	}
	a.Text = string(v)
	return nil
}

func (a TextAttribute) String() string {
	return a.Text
}

// GetText reads a text attribute of type t.
func GetText(m *Message, t AttrType) (string, error) {
	a := TextAttribute{Attr: t}
	if err := a.GetFrom(m); err != nil {
		return "", err
	}
	return a.Text, nil
}
