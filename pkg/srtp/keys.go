package srtp

import (
	"encoding/binary"

	"github.com/backkem/mediaplane/pkg/crypto"
)

// Key derivation labels (RFC 3711 Section 4.3.2).
const (
	labelSRTPEncryption  = 0x00
	labelSRTPAuth        = 0x01
	labelSRTPSalt        = 0x02
	labelSRTCPEncryption = 0x03
	labelSRTCPAuth       = 0x04
	labelSRTCPSalt       = 0x05
)

// labelExtractorDTLSSRTP is the exporter label of RFC 5764 Section 4.2.
const labelExtractorDTLSSRTP = "EXTRACTOR-dtls_srtp"

// deriveSessionKey runs the AES-CM PRF with a key derivation rate of zero:
// IV = (master_salt XOR label<<48) * 2^16.
func deriveSessionKey(label byte, masterKey, masterSalt []byte, n int) ([]byte, error) {
	prf, err := crypto.NewAESCM(masterKey)
	if err != nil {
		return nil, err
	}
	iv := make([]byte, crypto.AESCMIVSize)
	copy(iv, masterSalt)
	iv[7] ^= label
	return prf.Keystream(iv, n)
}

// rtpCounter builds the AES-CM IV for one packet (RFC 3711 Section 4.1.1):
// (salt * 2^16) XOR (SSRC * 2^64) XOR (index * 2^16).
func rtpCounter(salt []byte, ssrc, roc uint32, seq uint16) []byte {
	iv := make([]byte, crypto.AESCMIVSize)
	binary.BigEndian.PutUint32(iv[4:], ssrc)
	binary.BigEndian.PutUint32(iv[8:], roc)
	binary.BigEndian.PutUint32(iv[12:], uint32(seq)<<16)
	for i := range salt {
		iv[i] ^= salt[i]
	}
	return iv
}

// KeyingMaterialExporter is implemented by dtls.Conn.
type KeyingMaterialExporter interface {
	ExportKeyingMaterial(label string, context []byte, length int) ([]byte, error)
}

// SessionKeys holds the master keys of both directions.
type SessionKeys struct {
	LocalMasterKey   []byte
	LocalMasterSalt  []byte
	RemoteMasterKey  []byte
	RemoteMasterSalt []byte
}

// Zero overwrites the key material.
func (k *SessionKeys) Zero() {
	for _, b := range [][]byte{k.LocalMasterKey, k.LocalMasterSalt, k.RemoteMasterKey, k.RemoteMasterSalt} {
		clear(b)
	}
}

// ExtractSessionKeysFromDTLS fills c.Keys from the DTLS exporter. The
// exported block is client key, server key, client salt, server salt.
func (c *Config) ExtractSessionKeysFromDTLS(exporter KeyingMaterialExporter, isClient bool) error {
	keyLen, err := c.Profile.KeyLen()
	if err != nil {
		return err
	}
	saltLen, err := c.Profile.SaltLen()
	if err != nil {
		return err
	}

	material, err := exporter.ExportKeyingMaterial(labelExtractorDTLSSRTP, nil, 2*keyLen+2*saltLen)
	if err != nil {
		return err
	}
	defer clear(material)

	take := func(off, n int) []byte {
		return append([]byte(nil), material[off:off+n]...)
	}
	clientKey := take(0, keyLen)
	serverKey := take(keyLen, keyLen)
	clientSalt := take(2*keyLen, saltLen)
	serverSalt := take(2*keyLen+saltLen, saltLen)

	if isClient {
		c.Keys = SessionKeys{clientKey, clientSalt, serverKey, serverSalt}
	} else {
		c.Keys = SessionKeys{serverKey, serverSalt, clientKey, clientSalt}
	}
	return nil
}
