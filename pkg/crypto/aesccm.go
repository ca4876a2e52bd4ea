// AES-CCM as defined in NIST 800-38C and RFC 3610.
// DTLS uses it through RFC 6655 (TLS_*_WITH_AES_128_CCM and _CCM_8):
//   - Key length: 128 bits (16 bytes)
//   - Tag length: 16 bytes (CCM) or 8 bytes (CCM_8)
//   - Nonce length: 12 bytes (4-byte implicit salt || 8-byte explicit nonce)

package crypto

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/subtle"
	"encoding/binary"
	"errors"
)

const (
	// AESCCMKeySize is the AES-128 key size in bytes.
	AESCCMKeySize = 16

	// AESCCMNonceSize is the DTLS nonce size in bytes (RFC 6655 Section 3).
	AESCCMNonceSize = 12

	// AESCCMTagSize is the tag size of the plain CCM suites.
	AESCCMTagSize = 16

	// AESCCM8TagSize is the tag size of the CCM_8 suites.
	AESCCM8TagSize = 8

	aesBlockSize = 16
)

var (
	ErrAESCCMInvalidKeySize     = errors.New("aesccm: invalid key size, must be 16 bytes")
	ErrAESCCMInvalidNonceSize   = errors.New("aesccm: invalid nonce size")
	ErrAESCCMInvalidTagSize     = errors.New("aesccm: invalid tag size, must be 4, 6, 8, 10, 12, 14, or 16")
	ErrAESCCMCiphertextTooShort = errors.New("aesccm: ciphertext too short")
	ErrAESCCMAuthFailed         = errors.New("aesccm: message authentication failed")
)

// AESCCM is an AES-128-CCM AEAD. It implements cipher.AEAD so record layers can
// treat it like GCM or ChaCha20-Poly1305.
type AESCCM struct {
	block   cipher.Block
	tagSize int // M
	lenSize int // L = 15 - nonceSize
}

var _ cipher.AEAD = (*AESCCM)(nil)

// NewAESCCM creates an AES-128-CCM cipher with a 12-byte nonce and the given tag size.
func NewAESCCM(key []byte, tagSize int) (*AESCCM, error) {
	return NewAESCCMWithParams(key, AESCCMNonceSize, tagSize)
}

// NewAESCCMWithParams creates an AES-128-CCM cipher with arbitrary parameters.
//
// Parameters:
//   - key: 16-byte AES-128 key
//   - nonceSize: nonce length in bytes (7-13 per NIST 800-38C)
//   - tagSize: authentication tag length in bytes (4, 6, 8, 10, 12, 14, or 16)
func NewAESCCMWithParams(key []byte, nonceSize, tagSize int) (*AESCCM, error) {
	if len(key) != AESCCMKeySize {
		return nil, ErrAESCCMInvalidKeySize
	}

	lenSize := 15 - nonceSize
	if lenSize < 2 || lenSize > 8 {
		return nil, ErrAESCCMInvalidNonceSize
	}
	if tagSize < 4 || tagSize > 16 || tagSize%2 != 0 {
		return nil, ErrAESCCMInvalidTagSize
	}

	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, err
	}

	return &AESCCM{
		block:   block,
		tagSize: tagSize,
		lenSize: lenSize,
	}, nil
}

// NonceSize returns the required nonce size.
func (c *AESCCM) NonceSize() int {
	return 15 - c.lenSize
}

// Overhead returns the tag size.
func (c *AESCCM) Overhead() int {
	return c.tagSize
}

// Seal encrypts and authenticates plaintext, authenticates aad and appends the
// result to dst. It panics on a wrong nonce length, like the standard AEADs.
func (c *AESCCM) Seal(dst, nonce, plaintext, aad []byte) []byte {
	if len(nonce) != c.NonceSize() {
		panic(ErrAESCCMInvalidNonceSize)
	}

	tag := c.cbcMAC(nonce, plaintext, aad)
	s0 := c.counterBlock(nonce, 0)

	ret, out := sliceForAppend(dst, len(plaintext)+c.tagSize)
	c.ctr(nonce, out[:len(plaintext)], plaintext)
	for i := 0; i < c.tagSize; i++ {
		out[len(plaintext)+i] = tag[i] ^ s0[i]
	}
	return ret
}

// Open authenticates and decrypts ciphertext, appending the plaintext to dst.
func (c *AESCCM) Open(dst, nonce, ciphertext, aad []byte) ([]byte, error) {
	if len(nonce) != c.NonceSize() {
		return nil, ErrAESCCMInvalidNonceSize
	}
	if len(ciphertext) < c.tagSize {
		return nil, ErrAESCCMCiphertextTooShort
	}

	data := ciphertext[:len(ciphertext)-c.tagSize]
	sealedTag := ciphertext[len(ciphertext)-c.tagSize:]

	ret, out := sliceForAppend(dst, len(data))
	c.ctr(nonce, out, data)

	s0 := c.counterBlock(nonce, 0)
	expected := c.cbcMAC(nonce, out, aad)
	for i := 0; i < c.tagSize; i++ {
		expected[i] ^= s0[i]
	}

	if subtle.ConstantTimeCompare(sealedTag, expected[:c.tagSize]) != 1 {
		clear(out)
		return nil, ErrAESCCMAuthFailed
	}
	return ret, nil
}

// cbcMAC computes the unencrypted tag T (RFC 3610 Section 2.2).
func (c *AESCCM) cbcMAC(nonce, plaintext, aad []byte) []byte {
	var b0 [aesBlockSize]byte
	flags := byte((c.tagSize-2)/2)<<3 | byte(c.lenSize-1)
	if len(aad) > 0 {
		flags |= 1 << 6
	}
	b0[0] = flags
	n := c.NonceSize()
	copy(b0[1:1+n], nonce)
	putLength(b0[1+n:], len(plaintext))

	mac := make([]byte, aesBlockSize)
	c.block.Encrypt(mac, b0[:])

	if len(aad) > 0 {
		// Records never carry 2^16-2^8 bytes of additional data, so the
		// two-byte length encoding is sufficient.
		var hdr [2]byte
		binary.BigEndian.PutUint16(hdr[:], uint16(len(aad)))
		c.macBlocks(mac, append(hdr[:], aad...))
	}
	c.macBlocks(mac, plaintext)

	return mac
}

// macBlocks absorbs data into mac, zero-padding the last block.
func (c *AESCCM) macBlocks(mac, data []byte) {
	for len(data) > 0 {
		var block [aesBlockSize]byte
		n := copy(block[:], data)
		data = data[n:]
		subtle.XORBytes(mac, mac, block[:])
		c.block.Encrypt(mac, mac)
	}
}

// counterBlock returns S_i = E(K, A_i).
func (c *AESCCM) counterBlock(nonce []byte, i uint64) []byte {
	var a [aesBlockSize]byte
	a[0] = byte(c.lenSize - 1)
	copy(a[1:], nonce)
	putLength(a[aesBlockSize-c.lenSize:], int(i))
	s := make([]byte, aesBlockSize)
	c.block.Encrypt(s, a[:])
	return s
}

// ctr encrypts src into dst using counters starting at 1.
func (c *AESCCM) ctr(nonce []byte, dst, src []byte) {
	if len(src) == 0 {
		return
	}
	var a [aesBlockSize]byte
	a[0] = byte(c.lenSize - 1)
	copy(a[1:], nonce)
	a[aesBlockSize-1] = 1
	cipher.NewCTR(c.block, a[:]).XORKeyStream(dst, src)
}

// putLength writes length big-endian into all of dst.
func putLength(dst []byte, length int) {
	for i := len(dst) - 1; i >= 0; i-- {
		dst[i] = byte(length)
		length >>= 8
	}
}

// sliceForAppend extends in by n bytes, returning the whole slice and the tail.
func sliceForAppend(in []byte, n int) (head, tail []byte) {
	if total := len(in) + n; cap(in) >= total {
		head = in[:total]
	} else {
		head = make([]byte, total)
		copy(head, in)
	}
	tail = head[len(in):]
	return
}
