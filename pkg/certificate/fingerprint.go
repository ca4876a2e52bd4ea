package certificate

import (
	"crypto"
	_ "crypto/sha1" // registers the fingerprint hashes
	_ "crypto/sha256"
	_ "crypto/sha512"
	"crypto/subtle"
	"encoding/hex"
	"fmt"
	"strings"
)

// Fingerprint is an SDP a=fingerprint value: a hash function name and the
// colon-separated upper-case hex digest of the DER certificate.
type Fingerprint struct {
	Algorithm string
	Value     string
}

// DefaultAlgorithm is the hash used for local fingerprints.
const DefaultAlgorithm = "sha-256"

var hashAlgorithms = map[string]crypto.Hash{
	"sha-1":   crypto.SHA1,
	"sha-224": crypto.SHA224,
	"sha-256": crypto.SHA256,
	"sha-384": crypto.SHA384,
	"sha-512": crypto.SHA512,
}

// NewFingerprint hashes der with algorithm.
func NewFingerprint(algorithm string, der []byte) (Fingerprint, error) {
	algorithm = strings.ToLower(algorithm)
	h, ok := hashAlgorithms[algorithm]
	if !ok {
		return Fingerprint{}, fmt.Errorf("%w: %q", ErrUnknownHashAlgorithm, algorithm)
	}
	hasher := h.New()
	hasher.Write(der)
	return Fingerprint{Algorithm: algorithm, Value: formatDigest(hasher.Sum(nil))}, nil
}

func formatDigest(digest []byte) string {
	var b strings.Builder
	for i, c := range digest {
		if i > 0 {
			b.WriteByte(':')
		}
		fmt.Fprintf(&b, "%02X", c)
	}
	return b.String()
}

// ParseFingerprint parses "sha-256 AB:CD:..." as found after a=fingerprint:.
func ParseFingerprint(s string) (Fingerprint, error) {
	fields := strings.Fields(s)
	if len(fields) != 2 {
		return Fingerprint{}, fmt.Errorf("%w: %q", ErrInvalidFingerprint, s)
	}
	alg := strings.ToLower(fields[0])
	h, ok := hashAlgorithms[alg]
	if !ok {
		return Fingerprint{}, fmt.Errorf("%w: %q", ErrUnknownHashAlgorithm, fields[0])
	}
	digest, err := hex.DecodeString(strings.ReplaceAll(fields[1], ":", ""))
	if err != nil || len(digest) != h.Size() {
		return Fingerprint{}, fmt.Errorf("%w: %q", ErrInvalidFingerprint, fields[1])
	}
	return Fingerprint{Algorithm: alg, Value: formatDigest(digest)}, nil
}

// String returns the a=fingerprint attribute value.
func (f Fingerprint) String() string {
	return f.Algorithm + " " + f.Value
}

// Matches reports whether der hashes to f.
func (f Fingerprint) Matches(der []byte) bool {
	got, err := NewFingerprint(f.Algorithm, der)
	if err != nil {
		return false
	}
	return subtle.ConstantTimeCompare([]byte(got.Value), []byte(strings.ToUpper(f.Value))) == 1
}

// VerifyChain checks the leaf of a peer's DER chain against the expected
// fingerprints. One match is enough.
func VerifyChain(chain [][]byte, expected []Fingerprint) error {
	if len(chain) == 0 {
		return ErrNoCertificate
	}
	for _, fp := range expected {
		if fp.Matches(chain[0]) {
			return nil
		}
	}
	return ErrFingerprintMismatch
}
