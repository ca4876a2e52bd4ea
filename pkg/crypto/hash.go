// Package crypto provides the primitives shared by the DTLS, SRTP and STUN
// engines: AES-CCM and AES-CM, HMAC helpers, the TLS 1.2 PRF and ECDHE key
// shares.
package crypto

import (
	"crypto/sha1"
	"crypto/sha256"
	"crypto/sha512"
	"hash"
)

const (
	// SHA1LenBytes is the SHA-1 output length in bytes.
	SHA1LenBytes = 20

	// SHA256LenBytes is the SHA-256 output length in bytes.
	SHA256LenBytes = 32
)

// HashFunc constructs a hash.Hash. It is the shape expected by crypto/hmac.
type HashFunc func() hash.Hash

var (
	// SHA1 constructs SHA-1 hashes.
	SHA1 HashFunc = sha1.New

	// SHA256 constructs SHA-256 hashes.
	SHA256 HashFunc = sha256.New

	// SHA384 constructs SHA-384 hashes.
	SHA384 HashFunc = sha512.New384
)

// SHA256Sum computes the SHA-256 digest of message.
func SHA256Sum(message []byte) [SHA256LenBytes]byte {
	return sha256.Sum256(message)
}
