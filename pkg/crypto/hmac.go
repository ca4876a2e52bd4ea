package crypto

import (
	"crypto/hmac"
	"crypto/sha1"
	"crypto/sha256"
	"hash"
)

// HMACSHA1 computes HMAC-SHA1 of message. STUN MESSAGE-INTEGRITY and the
// SRTP AES-CM profiles authenticate with it.
func HMACSHA1(key, message []byte) []byte {
	h := hmac.New(sha1.New, key)
	h.Write(message)
	return h.Sum(nil)
}

// HMACSHA256 computes HMAC-SHA256 of message.
func HMACSHA256(key, message []byte) []byte {
	h := hmac.New(sha256.New, key)
	h.Write(message)
	return h.Sum(nil)
}

// NewHMAC returns an incremental HMAC over the given hash.
//
// Usage:
//
//	h := crypto.NewHMAC(crypto.SHA1, key)
//	h.Write(header)
//	h.Write(payload)
//	mac := h.Sum(nil)
func NewHMAC(fn HashFunc, key []byte) hash.Hash {
	return hmac.New(fn, key)
}

// HMACEqual compares two MACs in constant time.
func HMACEqual(mac1, mac2 []byte) bool {
	return hmac.Equal(mac1, mac2)
}
