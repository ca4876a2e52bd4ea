package crypto

import (
	"bytes"
	"encoding/hex"
	"errors"
	"testing"
)

// Widely circulated TLS 1.2 PRF (SHA-256) test vector.
func TestPRFSHA256Vector(t *testing.T) {
	secret := mustHex(t, "9bbe436ba940f017b17652849a71db35")
	seed := mustHex(t, "a0ba9f936cda311827a6f796ffd5198c")
	want := "e3f229ba727be17b8d122620557cd453c2aab21d07c3d495329b52d4e61edb5a"

	got, err := PRF(SHA256, secret, "test label", seed, 32)
	if err != nil {
		t.Fatalf("PRF() error = %v", err)
	}
	if hex.EncodeToString(got) != want {
		t.Errorf("PRF() = %x, want %s", got, want)
	}
}

func TestPRFPrefixStable(t *testing.T) {
	secret := []byte("secret")
	seed := []byte("seed")

	long, err := PRF(SHA256, secret, "label", seed, 100)
	if err != nil {
		t.Fatalf("PRF(100) error = %v", err)
	}
	short, err := PRF(SHA256, secret, "label", seed, 13)
	if err != nil {
		t.Fatalf("PRF(13) error = %v", err)
	}
	if !bytes.Equal(long[:13], short) {
		t.Errorf("PRF prefix mismatch: %x vs %x", long[:13], short)
	}

	if _, err := PRF(SHA256, secret, "label", seed, 0); !errors.Is(err, ErrPRFInvalidLength) {
		t.Errorf("PRF(0) error = %v, want %v", err, ErrPRFInvalidLength)
	}
}

func TestKeyBlockSeedOrder(t *testing.T) {
	master := bytes.Repeat([]byte{0x0b}, MasterSecretLength)
	client := bytes.Repeat([]byte{0x01}, 32)
	server := bytes.Repeat([]byte{0x02}, 32)

	got, err := KeyBlock(SHA256, master, client, server, 40)
	if err != nil {
		t.Fatalf("KeyBlock() error = %v", err)
	}
	want, _ := PRF(SHA256, master, PRFLabelKeyExpansion, append(append([]byte{}, server...), client...), 40)
	if !bytes.Equal(got, want) {
		t.Errorf("KeyBlock() = %x, want %x", got, want)
	}

	ms, err := MasterSecret(SHA256, []byte("pms"), client, server)
	if err != nil {
		t.Fatalf("MasterSecret() error = %v", err)
	}
	if len(ms) != MasterSecretLength {
		t.Errorf("len(MasterSecret()) = %d, want %d", len(ms), MasterSecretLength)
	}

	vd, err := VerifyData(SHA256, ms, make([]byte, 32), true)
	if err != nil {
		t.Fatalf("VerifyData() error = %v", err)
	}
	vs, _ := VerifyData(SHA256, ms, make([]byte, 32), false)
	if len(vd) != VerifyDataLength || bytes.Equal(vd, vs) {
		t.Errorf("VerifyData() client/server results invalid: %x %x", vd, vs)
	}
}
