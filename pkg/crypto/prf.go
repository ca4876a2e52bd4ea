package crypto

import (
	"crypto/hmac"
	"errors"
)

// TLS 1.2 PRF labels (RFC 5246, RFC 7627).
const (
	PRFLabelMasterSecret         = "master secret"
	PRFLabelExtendedMasterSecret = "extended master secret"
	PRFLabelKeyExpansion         = "key expansion"
	PRFLabelClientFinished       = "client finished"
	PRFLabelServerFinished       = "server finished"
)

// MasterSecretLength is the length of a TLS 1.2 master secret.
const MasterSecretLength = 48

// VerifyDataLength is the length of Finished.verify_data.
const VerifyDataLength = 12

var ErrPRFInvalidLength = errors.New("prf: requested length must be positive")

// PHash implements P_hash from RFC 5246 Section 5:
//
//	P_hash(secret, seed) = HMAC_hash(secret, A(1) + seed) +
//	                       HMAC_hash(secret, A(2) + seed) + ...
//	A(0) = seed, A(i) = HMAC_hash(secret, A(i-1))
func PHash(fn HashFunc, secret, seed []byte, length int) ([]byte, error) {
	if length <= 0 {
		return nil, ErrPRFInvalidLength
	}

	mac := hmac.New(fn, secret)
	a := seed
	out := make([]byte, 0, length+mac.Size())
	for len(out) < length {
		mac.Reset()
		mac.Write(a)
		a = mac.Sum(nil)

		mac.Reset()
		mac.Write(a)
		mac.Write(seed)
		out = mac.Sum(out)
	}
	return out[:length], nil
}

// PRF is the TLS 1.2 pseudo-random function PRF(secret, label, seed).
func PRF(fn HashFunc, secret []byte, label string, seed []byte, length int) ([]byte, error) {
	labelAndSeed := make([]byte, 0, len(label)+len(seed))
	labelAndSeed = append(labelAndSeed, label...)
	labelAndSeed = append(labelAndSeed, seed...)
	return PHash(fn, secret, labelAndSeed, length)
}

// MasterSecret derives the classic master secret from the client and server randoms.
func MasterSecret(fn HashFunc, preMasterSecret, clientRandom, serverRandom []byte) ([]byte, error) {
	seed := make([]byte, 0, len(clientRandom)+len(serverRandom))
	seed = append(seed, clientRandom...)
	seed = append(seed, serverRandom...)
	return PRF(fn, preMasterSecret, PRFLabelMasterSecret, seed, MasterSecretLength)
}

// ExtendedMasterSecret derives the RFC 7627 master secret from the session hash.
func ExtendedMasterSecret(fn HashFunc, preMasterSecret, sessionHash []byte) ([]byte, error) {
	return PRF(fn, preMasterSecret, PRFLabelExtendedMasterSecret, sessionHash, MasterSecretLength)
}

// KeyBlock expands the master secret into length bytes of key material.
// The seed order is server_random then client_random.
func KeyBlock(fn HashFunc, masterSecret, clientRandom, serverRandom []byte, length int) ([]byte, error) {
	seed := make([]byte, 0, len(clientRandom)+len(serverRandom))
	seed = append(seed, serverRandom...)
	seed = append(seed, clientRandom...)
	return PRF(fn, masterSecret, PRFLabelKeyExpansion, seed, length)
}

// VerifyData computes Finished.verify_data over a handshake transcript hash.
func VerifyData(fn HashFunc, masterSecret, transcriptHash []byte, client bool) ([]byte, error) {
	label := PRFLabelServerFinished
	if client {
		label = PRFLabelClientFinished
	}
	return PRF(fn, masterSecret, label, transcriptHash, VerifyDataLength)
}
