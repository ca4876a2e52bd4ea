package srtp

import (
	"crypto/aes"
	"crypto/cipher"
	"encoding/binary"
)

// cipherGCM implements AEAD_AES_128_GCM and AEAD_AES_256_GCM (RFC 7714).
type cipherGCM struct {
	profile ProtectionProfile

	rtpAEAD  cipher.AEAD
	rtpSalt  []byte
	rtcpAEAD cipher.AEAD
	rtcpSalt []byte
}

const gcmIVSize = 12

func newCipherGCM(profile ProtectionProfile, masterKey, masterSalt []byte) (*cipherGCM, error) {
	build := func(encLabel, saltLabel byte) (cipher.AEAD, []byte, error) {
		key, err := deriveSessionKey(encLabel, masterKey, masterSalt, len(masterKey))
		if err != nil {
			return nil, nil, err
		}
		defer clear(key)
		salt, err := deriveSessionKey(saltLabel, masterKey, masterSalt, len(masterSalt))
		if err != nil {
			return nil, nil, err
		}
		block, err := aes.NewCipher(key)
		if err != nil {
			return nil, nil, err
		}
		aead, err := cipher.NewGCM(block)
		if err != nil {
			return nil, nil, err
		}
		return aead, salt, nil
	}

	c := &cipherGCM{profile: profile}
	var err error
	if c.rtpAEAD, c.rtpSalt, err = build(labelSRTPEncryption, labelSRTPSalt); err != nil {
		return nil, err
	}
	if c.rtcpAEAD, c.rtcpSalt, err = build(labelSRTCPEncryption, labelSRTCPSalt); err != nil {
		return nil, err
	}
	return c, nil
}

func (c *cipherGCM) rtpTrailerLen() int { return c.profile.aeadTagLen() }
func (c *cipherGCM) rtcpTagLen() int    { return 0 }

// rtpIV is 00 00 || SSRC || ROC || SEQ, XOR the session salt.
func (c *cipherGCM) rtpIV(ssrc, roc uint32, seq uint16) []byte {
	iv := make([]byte, gcmIVSize)
	binary.BigEndian.PutUint32(iv[2:], ssrc)
	binary.BigEndian.PutUint32(iv[6:], roc)
	binary.BigEndian.PutUint16(iv[10:], seq)
	for i := range iv {
		iv[i] ^= c.rtpSalt[i]
	}
	return iv
}

// rtcpIV is 00 00 || SSRC || 00 00 || index, XOR the session salt.
func (c *cipherGCM) rtcpIV(ssrc, index uint32) []byte {
	iv := make([]byte, gcmIVSize)
	binary.BigEndian.PutUint32(iv[2:], ssrc)
	binary.BigEndian.PutUint32(iv[8:], index)
	for i := range iv {
		iv[i] ^= c.rtcpSalt[i]
	}
	return iv
}

func (c *cipherGCM) encryptRTP(dst, plaintext []byte, headerLen int, ssrc, roc uint32, seq uint16) ([]byte, error) {
	out := make([]byte, headerLen, len(plaintext)+c.rtpTrailerLen())
	if cap(dst) >= cap(out) {
		out = dst[:headerLen]
	}
	copy(out, plaintext[:headerLen])
	return c.rtpAEAD.Seal(out, c.rtpIV(ssrc, roc, seq), plaintext[headerLen:], out[:headerLen]), nil
}

func (c *cipherGCM) decryptRTP(dst, ciphertext []byte, headerLen int, ssrc, roc uint32, seq uint16) ([]byte, error) {
	if len(ciphertext) < headerLen+c.rtpTrailerLen() {
		return nil, ErrPacketTooShort
	}
	out := growBuffer(dst, headerLen)
	copy(out, ciphertext[:headerLen])
	out, err := c.rtpAEAD.Open(out, c.rtpIV(ssrc, roc, seq), ciphertext[headerLen:], ciphertext[:headerLen])
	if err != nil {
		return nil, ErrAuthFailed
	}
	return out, nil
}

// SRTCP: header(8) || E(payload) || tag || E|index. The AAD is the
// header followed by the index word.
func (c *cipherGCM) encryptRTCP(dst, plaintext []byte, index, ssrc uint32) ([]byte, error) {
	var word [srtcpIndexSize]byte
	binary.BigEndian.PutUint32(word[:], index|srtcpEncryptionFlag<<24)

	aad := make([]byte, 0, 8+srtcpIndexSize)
	aad = append(append(aad, plaintext[:8]...), word[:]...)

	out := growBuffer(dst, 8)
	copy(out, plaintext[:8])
	out = c.rtcpAEAD.Seal(out, c.rtcpIV(ssrc, index), plaintext[8:], aad)
	return append(out, word[:]...), nil
}

func (c *cipherGCM) decryptRTCP(dst, encrypted []byte, index, ssrc uint32) ([]byte, error) {
	tagLen := c.profile.aeadTagLen()
	end := len(encrypted) - srtcpIndexSize
	if end < 8+tagLen {
		return nil, ErrPacketTooShort
	}
	word := encrypted[end:]
	iv := c.rtcpIV(ssrc, index)

	if _, isEncrypted := srtcpIndexWord(word); !isEncrypted {
		// Authenticated only: everything before the tag is AAD.
		body := encrypted[:end-tagLen]
		aad := make([]byte, 0, len(body)+srtcpIndexSize)
		aad = append(append(aad, body...), word...)
		if _, err := c.rtcpAEAD.Open(nil, iv, encrypted[end-tagLen:end], aad); err != nil {
			return nil, ErrAuthFailed
		}
		out := growBuffer(dst, len(body))
		copy(out, body)
		return out, nil
	}

	aad := make([]byte, 0, 8+srtcpIndexSize)
	aad = append(append(aad, encrypted[:8]...), word...)
	out := growBuffer(dst, 8)
	copy(out, encrypted[:8])
	out, err := c.rtcpAEAD.Open(out, iv, encrypted[8:end], aad)
	if err != nil {
		return nil, ErrAuthFailed
	}
	return out, nil
}
