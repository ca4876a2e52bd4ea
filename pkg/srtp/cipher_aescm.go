package srtp

import (
	"encoding/binary"
	"hash"

	"github.com/backkem/mediaplane/pkg/crypto"
)

// cipherAESCM implements AES_CM_128_HMAC_SHA1_80 and _32 (RFC 3711).
type cipherAESCM struct {
	profile ProtectionProfile

	rtpBlock  *crypto.AESCM
	rtpSalt   []byte
	rtpAuth   hash.Hash
	rtcpBlock *crypto.AESCM
	rtcpSalt  []byte
	rtcpAuth  hash.Hash
}

func newCipherAESCM(profile ProtectionProfile, masterKey, masterSalt []byte) (*cipherAESCM, error) {
	c := &cipherAESCM{profile: profile}

	derive := func(label byte, n int) ([]byte, error) {
		return deriveSessionKey(label, masterKey, masterSalt, n)
	}

	type sessionKeys struct {
		cipher *crypto.AESCM
		salt   []byte
		auth   hash.Hash
	}
	build := func(encLabel, saltLabel, authLabel byte) (sessionKeys, error) {
		encKey, err := derive(encLabel, len(masterKey))
		if err != nil {
			return sessionKeys{}, err
		}
		defer clear(encKey)
		salt, err := derive(saltLabel, len(masterSalt))
		if err != nil {
			return sessionKeys{}, err
		}
		authKey, err := derive(authLabel, profile.authKeyLen())
		if err != nil {
			return sessionKeys{}, err
		}
		block, err := crypto.NewAESCM(encKey)
		if err != nil {
			return sessionKeys{}, err
		}
		return sessionKeys{block, salt, crypto.NewHMAC(crypto.SHA1, authKey)}, nil
	}

	rtpKeys, err := build(labelSRTPEncryption, labelSRTPSalt, labelSRTPAuth)
	if err != nil {
		return nil, err
	}
	rtcpKeys, err := build(labelSRTCPEncryption, labelSRTCPSalt, labelSRTCPAuth)
	if err != nil {
		return nil, err
	}
	c.rtpBlock, c.rtpSalt, c.rtpAuth = rtpKeys.cipher, rtpKeys.salt, rtpKeys.auth
	c.rtcpBlock, c.rtcpSalt, c.rtcpAuth = rtcpKeys.cipher, rtcpKeys.salt, rtcpKeys.auth
	return c, nil
}

func (c *cipherAESCM) rtpTrailerLen() int { return c.profile.rtpAuthTagLen() }
func (c *cipherAESCM) rtcpTagLen() int    { return c.profile.rtcpAuthTagLen() }

// rtpTag is HMAC(header || ciphertext || ROC), truncated.
func (c *cipherAESCM) rtpTag(authenticated []byte, roc uint32) []byte {
	c.rtpAuth.Reset()
	c.rtpAuth.Write(authenticated)
	var rocBuf [4]byte
	binary.BigEndian.PutUint32(rocBuf[:], roc)
	c.rtpAuth.Write(rocBuf[:])
	return c.rtpAuth.Sum(nil)[:c.rtpTrailerLen()]
}

func (c *cipherAESCM) rtcpTag(authenticated []byte) []byte {
	c.rtcpAuth.Reset()
	c.rtcpAuth.Write(authenticated)
	return c.rtcpAuth.Sum(nil)[:c.rtcpTagLen()]
}

func (c *cipherAESCM) encryptRTP(dst, plaintext []byte, headerLen int, ssrc, roc uint32, seq uint16) ([]byte, error) {
	tagLen := c.rtpTrailerLen()
	dst = growBuffer(dst, len(plaintext)+tagLen)
	copy(dst, plaintext[:headerLen])

	iv := rtpCounter(c.rtpSalt, ssrc, roc, seq)
	if err := c.rtpBlock.XORKeyStream(iv, dst[headerLen:len(plaintext)], plaintext[headerLen:]); err != nil {
		return nil, err
	}

	copy(dst[len(plaintext):], c.rtpTag(dst[:len(plaintext)], roc))
	return dst, nil
}

func (c *cipherAESCM) decryptRTP(dst, ciphertext []byte, headerLen int, ssrc, roc uint32, seq uint16) ([]byte, error) {
	tagLen := c.rtpTrailerLen()
	if len(ciphertext) < headerLen+tagLen {
		return nil, ErrPacketTooShort
	}
	end := len(ciphertext) - tagLen

	if !crypto.HMACEqual(c.rtpTag(ciphertext[:end], roc), ciphertext[end:]) {
		return nil, ErrAuthFailed
	}

	dst = growBuffer(dst, end)
	copy(dst, ciphertext[:headerLen])
	iv := rtpCounter(c.rtpSalt, ssrc, roc, seq)
	if err := c.rtpBlock.XORKeyStream(iv, dst[headerLen:], ciphertext[headerLen:end]); err != nil {
		return nil, err
	}
	return dst, nil
}

// SRTCP: header(8) || E(payload) || E|index || tag. The tag covers
// everything before it.
func (c *cipherAESCM) encryptRTCP(dst, plaintext []byte, index, ssrc uint32) ([]byte, error) {
	n := len(plaintext)
	dst = growBuffer(dst, n+srtcpIndexSize+c.rtcpTagLen())
	copy(dst, plaintext[:8])

	iv := rtpCounter(c.rtcpSalt, ssrc, index>>16, uint16(index))
	if err := c.rtcpBlock.XORKeyStream(iv, dst[8:n], plaintext[8:]); err != nil {
		return nil, err
	}

	binary.BigEndian.PutUint32(dst[n:], index|srtcpEncryptionFlag<<24)
	copy(dst[n+srtcpIndexSize:], c.rtcpTag(dst[:n+srtcpIndexSize]))
	return dst, nil
}

func (c *cipherAESCM) decryptRTCP(dst, encrypted []byte, index, ssrc uint32) ([]byte, error) {
	tagLen := c.rtcpTagLen()
	tagStart := len(encrypted) - tagLen
	end := tagStart - srtcpIndexSize

	if !crypto.HMACEqual(c.rtcpTag(encrypted[:tagStart]), encrypted[tagStart:]) {
		return nil, ErrAuthFailed
	}

	dst = growBuffer(dst, end)
	copy(dst, encrypted[:8])
	if _, isEncrypted := srtcpIndexWord(encrypted[end:]); !isEncrypted {
		copy(dst[8:], encrypted[8:end])
		return dst, nil
	}

	iv := rtpCounter(c.rtcpSalt, ssrc, index>>16, uint16(index))
	if err := c.rtcpBlock.XORKeyStream(iv, dst[8:], encrypted[8:end]); err != nil {
		return nil, err
	}
	return dst, nil
}
