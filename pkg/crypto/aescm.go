// AES in Counter Mode as profiled for SRTP (RFC 3711 Section 4.1.1).
// The 128-bit IV is formed by the caller; the low 16 bits are the block
// counter and start at zero.

package crypto

import (
	"crypto/aes"
	"crypto/cipher"
	"errors"
)

const (
	// AESCMIVSize is the counter block size.
	AESCMIVSize = 16
)

var (
	ErrAESCMInvalidKeySize = errors.New("aescm: invalid key size, must be 16, 24 or 32 bytes")
	ErrAESCMInvalidIVSize  = errors.New("aescm: invalid iv size, must be 16 bytes")
)

// AESCM is an AES counter-mode keystream generator bound to one session key.
type AESCM struct {
	block cipher.Block
}

// NewAESCM creates an AES-CM cipher for the given session key.
func NewAESCM(key []byte) (*AESCM, error) {
	switch len(key) {
	case 16, 24, 32:
	default:
		return nil, ErrAESCMInvalidKeySize
	}
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, err
	}
	return &AESCM{block: block}, nil
}

// XORKeyStream encrypts or decrypts src into dst with the keystream for iv.
// dst and src may overlap entirely.
func (c *AESCM) XORKeyStream(iv, dst, src []byte) error {
	if len(iv) != AESCMIVSize {
		return ErrAESCMInvalidIVSize
	}
	cipher.NewCTR(c.block, iv).XORKeyStream(dst, src)
	return nil
}

// Keystream returns n bytes of keystream for iv.
func (c *AESCM) Keystream(iv []byte, n int) ([]byte, error) {
	out := make([]byte, n)
	if err := c.XORKeyStream(iv, out, out); err != nil {
		return nil, err
	}
	return out, nil
}

// Block returns the underlying AES block cipher.
func (c *AESCM) Block() cipher.Block {
	return c.block
}
