package crypto

import (
	"encoding/hex"
	"testing"
)

// RFC 2202 / RFC 4231 test case 2.
func TestHMACVectors(t *testing.T) {
	key := []byte("Jefe")
	msg := []byte("what do ya want for nothing?")

	if got, want := hex.EncodeToString(HMACSHA1(key, msg)), "effcdf6ae5eb2fa2d27416d5f184df9c259a7c79"; got != want {
		t.Errorf("HMACSHA1() = %s, want %s", got, want)
	}
	if got, want := hex.EncodeToString(HMACSHA256(key, msg)), "5bdcc146bf60754e6a042426089575c75a003f089d2739839dec58b964ec3843"; got != want {
		t.Errorf("HMACSHA256() = %s, want %s", got, want)
	}

	h := NewHMAC(SHA1, key)
	h.Write(msg[:10])
	h.Write(msg[10:])
	if !HMACEqual(h.Sum(nil), HMACSHA1(key, msg)) {
		t.Error("incremental HMAC differs from one-shot HMAC")
	}
}
