package srtp

import "encoding/binary"

// srtcpIndexSize is the E flag plus the 31-bit SRTCP index.
const srtcpIndexSize = 4

const srtcpEncryptionFlag = 0x80

// maxSRTCPIndex bounds the SRTCP index; the top bit of the word is E.
const maxSRTCPIndex = 0x7FFFFFFF

// srtpCipher is one direction's transform. Inputs are whole packets; the
// caller has already parsed the header length and resolved the packet index.
type srtpCipher interface {
	// rtpTrailerLen is the number of bytes appended to an SRTP packet.
	rtpTrailerLen() int
	// rtcpTagLen is the number of bytes following the SRTCP index word.
	rtcpTagLen() int

	encryptRTP(dst, plaintext []byte, headerLen int, ssrc, roc uint32, seq uint16) ([]byte, error)
	decryptRTP(dst, ciphertext []byte, headerLen int, ssrc, roc uint32, seq uint16) ([]byte, error)

	encryptRTCP(dst, plaintext []byte, index, ssrc uint32) ([]byte, error)
	decryptRTCP(dst, encrypted []byte, index, ssrc uint32) ([]byte, error)
}

func newCipher(profile ProtectionProfile, masterKey, masterSalt []byte) (srtpCipher, error) {
	keyLen, err := profile.KeyLen()
	if err != nil {
		return nil, err
	}
	saltLen, err := profile.SaltLen()
	if err != nil {
		return nil, err
	}
	if len(masterKey) != keyLen {
		return nil, ErrMasterKeyLength
	}
	if len(masterSalt) != saltLen {
		return nil, ErrMasterSaltLength
	}

	if profile.isAEAD() {
		return newCipherGCM(profile, masterKey, masterSalt)
	}
	return newCipherAESCM(profile, masterKey, masterSalt)
}

// growBuffer returns a slice of length n, reusing dst when it is large enough.
func growBuffer(dst []byte, n int) []byte {
	if cap(dst) >= n {
		return dst[:n]
	}
	return make([]byte, n)
}

// srtcpIndexWord splits the trailing E|index word of an SRTCP packet.
func srtcpIndexWord(b []byte) (index uint32, encrypted bool) {
	word := binary.BigEndian.Uint32(b)
	return word & maxSRTCPIndex, word&(srtcpEncryptionFlag<<24) != 0
}
