package dtls

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha1"
	"crypto/subtle"
	"encoding/binary"
	"fmt"

	"github.com/backkem/mediaplane/pkg/crypto"
	"golang.org/x/crypto/chacha20poly1305"
)

// CipherSuiteID is an IANA TLS cipher suite identifier.
type CipherSuiteID uint16

// Supported cipher suites.
const (
	TLS_ECDHE_ECDSA_WITH_AES_128_GCM_SHA256       CipherSuiteID = 0xc02b //nolint:revive,stylecheck
	TLS_ECDHE_RSA_WITH_AES_128_GCM_SHA256         CipherSuiteID = 0xc02f //nolint:revive,stylecheck
	TLS_ECDHE_ECDSA_WITH_AES_256_CBC_SHA          CipherSuiteID = 0xc00a //nolint:revive,stylecheck
	TLS_ECDHE_RSA_WITH_AES_256_CBC_SHA            CipherSuiteID = 0xc014 //nolint:revive,stylecheck
	TLS_ECDHE_ECDSA_WITH_AES_128_CCM              CipherSuiteID = 0xc0ac //nolint:revive,stylecheck
	TLS_ECDHE_ECDSA_WITH_AES_128_CCM_8            CipherSuiteID = 0xc0ae //nolint:revive,stylecheck
	TLS_PSK_WITH_AES_128_CCM                      CipherSuiteID = 0xc0a4 //nolint:revive,stylecheck
	TLS_PSK_WITH_AES_128_CCM_8                    CipherSuiteID = 0xc0a8 //nolint:revive,stylecheck
	TLS_PSK_WITH_AES_128_GCM_SHA256               CipherSuiteID = 0x00a8 //nolint:revive,stylecheck
	TLS_ECDHE_ECDSA_WITH_CHACHA20_POLY1305_SHA256 CipherSuiteID = 0xcca9 //nolint:revive,stylecheck
	TLS_ECDHE_RSA_WITH_CHACHA20_POLY1305_SHA256   CipherSuiteID = 0xcca8 //nolint:revive,stylecheck
)

type keyExchange int

const (
	keyExchangeECDHE keyExchange = iota
	keyExchangePSK
)

type authType int

const (
	authNone authType = iota
	authECDSA
	authRSA
)

// recordCipher protects record payloads for one direction of one epoch.
type recordCipher interface {
	encrypt(h *recordHeader, plaintext []byte) ([]byte, error)
	decrypt(h *recordHeader, payload []byte) ([]byte, error)
}

// cipherSuite describes key sizes and record protection of a suite.
type cipherSuite struct {
	id     CipherSuiteID
	name   string
	kx     keyExchange
	auth   authType
	prf    crypto.HashFunc
	keyLen int
	macLen int
	ivLen  int
	build  func(key, iv, macKey []byte) (recordCipher, error)
}

func (s *cipherSuite) String() string { return s.name }

// keyBlockLen is 2·(mac_len + key_len + iv_len).
func (s *cipherSuite) keyBlockLen() int {
	return 2 * (s.macLen + s.keyLen + s.ivLen)
}

func gcmSuite(id CipherSuiteID, name string, kx keyExchange, auth authType) *cipherSuite {
	return &cipherSuite{
		id: id, name: name, kx: kx, auth: auth, prf: crypto.SHA256,
		keyLen: 16, ivLen: 4,
		build: func(key, iv, _ []byte) (recordCipher, error) {
			block, err := aes.NewCipher(key)
			if err != nil {
				return nil, err
			}
			aead, err := cipher.NewGCM(block)
			if err != nil {
				return nil, err
			}
			return &explicitNonceAEAD{aead: aead, implicit: iv}, nil
		},
	}
}

func ccmSuite(id CipherSuiteID, name string, kx keyExchange, auth authType, tagSize int) *cipherSuite {
	return &cipherSuite{
		id: id, name: name, kx: kx, auth: auth, prf: crypto.SHA256,
		keyLen: 16, ivLen: 4,
		build: func(key, iv, _ []byte) (recordCipher, error) {
			aead, err := crypto.NewAESCCM(key, tagSize)
			if err != nil {
				return nil, err
			}
			return &explicitNonceAEAD{aead: aead, implicit: iv}, nil
		},
	}
}

func chachaSuite(id CipherSuiteID, name string, auth authType) *cipherSuite {
	return &cipherSuite{
		id: id, name: name, kx: keyExchangeECDHE, auth: auth, prf: crypto.SHA256,
		keyLen: chacha20poly1305.KeySize, ivLen: chacha20poly1305.NonceSize,
		build: func(key, iv, _ []byte) (recordCipher, error) {
			aead, err := chacha20poly1305.New(key)
			if err != nil {
				return nil, err
			}
			return &xorNonceAEAD{aead: aead, iv: iv}, nil
		},
	}
}

func cbcSuite(id CipherSuiteID, name string, auth authType) *cipherSuite {
	return &cipherSuite{
		id: id, name: name, kx: keyExchangeECDHE, auth: auth, prf: crypto.SHA256,
		keyLen: 32, macLen: sha1.Size, ivLen: aes.BlockSize,
		build: func(key, _, macKey []byte) (recordCipher, error) {
			block, err := aes.NewCipher(key)
			if err != nil {
				return nil, err
			}
			return &cbcCipher{block: block, macKey: macKey}, nil
		},
	}
}

var cipherSuites = []*cipherSuite{
	gcmSuite(TLS_ECDHE_ECDSA_WITH_AES_128_GCM_SHA256, "TLS_ECDHE_ECDSA_WITH_AES_128_GCM_SHA256", keyExchangeECDHE, authECDSA),
	gcmSuite(TLS_ECDHE_RSA_WITH_AES_128_GCM_SHA256, "TLS_ECDHE_RSA_WITH_AES_128_GCM_SHA256", keyExchangeECDHE, authRSA),
	chachaSuite(TLS_ECDHE_ECDSA_WITH_CHACHA20_POLY1305_SHA256, "TLS_ECDHE_ECDSA_WITH_CHACHA20_POLY1305_SHA256", authECDSA),
	chachaSuite(TLS_ECDHE_RSA_WITH_CHACHA20_POLY1305_SHA256, "TLS_ECDHE_RSA_WITH_CHACHA20_POLY1305_SHA256", authRSA),
	ccmSuite(TLS_ECDHE_ECDSA_WITH_AES_128_CCM, "TLS_ECDHE_ECDSA_WITH_AES_128_CCM", keyExchangeECDHE, authECDSA, crypto.AESCCMTagSize),
	ccmSuite(TLS_ECDHE_ECDSA_WITH_AES_128_CCM_8, "TLS_ECDHE_ECDSA_WITH_AES_128_CCM_8", keyExchangeECDHE, authECDSA, crypto.AESCCM8TagSize),
	cbcSuite(TLS_ECDHE_ECDSA_WITH_AES_256_CBC_SHA, "TLS_ECDHE_ECDSA_WITH_AES_256_CBC_SHA", authECDSA),
	cbcSuite(TLS_ECDHE_RSA_WITH_AES_256_CBC_SHA, "TLS_ECDHE_RSA_WITH_AES_256_CBC_SHA", authRSA),
	gcmSuite(TLS_PSK_WITH_AES_128_GCM_SHA256, "TLS_PSK_WITH_AES_128_GCM_SHA256", keyExchangePSK, authNone),
	ccmSuite(TLS_PSK_WITH_AES_128_CCM, "TLS_PSK_WITH_AES_128_CCM", keyExchangePSK, authNone, crypto.AESCCMTagSize),
	ccmSuite(TLS_PSK_WITH_AES_128_CCM_8, "TLS_PSK_WITH_AES_128_CCM_8", keyExchangePSK, authNone, crypto.AESCCM8TagSize),
}

func cipherSuiteForID(id CipherSuiteID) *cipherSuite {
	for _, s := range cipherSuites {
		if s.id == id {
			return s
		}
	}
	return nil
}

// String returns the IANA name of the suite.
func (id CipherSuiteID) String() string {
	if s := cipherSuiteForID(id); s != nil {
		return s.name
	}
	return fmt.Sprintf("CipherSuiteID(0x%04x)", uint16(id))
}

// CipherSuites lists the IDs of every supported suite in preference order.
func CipherSuites() []CipherSuiteID {
	ids := make([]CipherSuiteID, len(cipherSuites))
	for i, s := range cipherSuites {
		ids[i] = s.id
	}
	return ids
}

const explicitNonceLen = 8

// explicitNonceAEAD is the GCM/CCM record protection of RFC 5288 and
// RFC 6655: nonce = implicit(4) || explicit(8), with the explicit part
// carried in front of the ciphertext and set to epoch||sequence.
type explicitNonceAEAD struct {
	aead     cipher.AEAD
	implicit []byte
}

func (c *explicitNonceAEAD) encrypt(h *recordHeader, plaintext []byte) ([]byte, error) {
	nonce := make([]byte, len(c.implicit)+explicitNonceLen)
	copy(nonce, c.implicit)
	binary.BigEndian.PutUint64(nonce[len(c.implicit):], h.seqNum())

	out := make([]byte, explicitNonceLen, explicitNonceLen+len(plaintext)+c.aead.Overhead())
	copy(out, nonce[len(c.implicit):])
	return c.aead.Seal(out, nonce, plaintext, additionalData(h, len(plaintext))), nil
}

func (c *explicitNonceAEAD) decrypt(h *recordHeader, payload []byte) ([]byte, error) {
	if len(payload) < explicitNonceLen+c.aead.Overhead() {
		return nil, errDecryptFailed
	}
	nonce := make([]byte, 0, len(c.implicit)+explicitNonceLen)
	nonce = append(nonce, c.implicit...)
	nonce = append(nonce, payload[:explicitNonceLen]...)
	ct := payload[explicitNonceLen:]

	plaintext, err := c.aead.Open(nil, nonce, ct, additionalData(h, len(ct)-c.aead.Overhead()))
	if err != nil {
		return nil, errDecryptFailed
	}
	return plaintext, nil
}

// xorNonceAEAD is the ChaCha20-Poly1305 record protection of RFC 7905:
// nonce = iv XOR (0^32 || epoch||sequence), nothing explicit on the wire.
type xorNonceAEAD struct {
	aead cipher.AEAD
	iv   []byte
}

func (c *xorNonceAEAD) nonce(h *recordHeader) []byte {
	nonce := make([]byte, len(c.iv))
	copy(nonce, c.iv)
	var seq [8]byte
	binary.BigEndian.PutUint64(seq[:], h.seqNum())
	for i := range seq {
		nonce[len(nonce)-8+i] ^= seq[i]
	}
	return nonce
}

func (c *xorNonceAEAD) encrypt(h *recordHeader, plaintext []byte) ([]byte, error) {
	return c.aead.Seal(nil, c.nonce(h), plaintext, additionalData(h, len(plaintext))), nil
}

func (c *xorNonceAEAD) decrypt(h *recordHeader, payload []byte) ([]byte, error) {
	if len(payload) < c.aead.Overhead() {
		return nil, errDecryptFailed
	}
	plaintext, err := c.aead.Open(nil, c.nonce(h), payload, additionalData(h, len(payload)-c.aead.Overhead()))
	if err != nil {
		return nil, errDecryptFailed
	}
	return plaintext, nil
}

// cbcCipher is MAC-then-encrypt AES-CBC with HMAC-SHA1 and a random
// explicit IV per record (RFC 5246 Section 6.2.3.2).
type cbcCipher struct {
	block  cipher.Block
	macKey []byte
}

func (c *cbcCipher) mac(h *recordHeader, plaintext []byte) []byte {
	m := hmac.New(sha1.New, c.macKey)
	m.Write(additionalData(h, len(plaintext)))
	m.Write(plaintext)
	return m.Sum(nil)
}

func (c *cbcCipher) encrypt(h *recordHeader, plaintext []byte) ([]byte, error) {
	bs := c.block.BlockSize()
	body := append(append([]byte(nil), plaintext...), c.mac(h, plaintext)...)
	padLen := bs - (len(body)+1)%bs
	if padLen == bs {
		padLen = 0
	}
	for i := 0; i <= padLen; i++ {
		body = append(body, byte(padLen))
	}

	out := make([]byte, bs+len(body))
	if _, err := rand.Read(out[:bs]); err != nil {
		return nil, err
	}
	cipher.NewCBCEncrypter(c.block, out[:bs]).CryptBlocks(out[bs:], body)
	return out, nil
}

func (c *cbcCipher) decrypt(h *recordHeader, payload []byte) ([]byte, error) {
	bs := c.block.BlockSize()
	if len(payload) < 2*bs || len(payload)%bs != 0 {
		return nil, errDecryptFailed
	}
	body := make([]byte, len(payload)-bs)
	cipher.NewCBCDecrypter(c.block, payload[:bs]).CryptBlocks(body, payload[bs:])

	padLen := int(body[len(body)-1])
	if padLen+1+sha1.Size > len(body) {
		return nil, errDecryptFailed
	}
	good := 1
	for _, p := range body[len(body)-padLen-1:] {
		good &= subtle.ConstantTimeByteEq(p, byte(padLen))
	}
	body = body[:len(body)-padLen-1]
	plaintext := body[:len(body)-sha1.Size]
	mac := body[len(body)-sha1.Size:]
	good &= subtle.ConstantTimeCompare(mac, c.mac(h, plaintext))
	if good != 1 {
		return nil, errDecryptFailed
	}
	return plaintext, nil
}
