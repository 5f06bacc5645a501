package media

import (
	"crypto/sha256"
	"encoding/hex"
)

// Fingerprint is the dedup key of an artifact: the same platform track in the same format always yields the
// same value.
type Fingerprint string

// NewFingerprint hashes platform, native ID and format into a Fingerprint.
func NewFingerprint(p Platform, nativeID string, f Format) Fingerprint {
	h := sha256.New()
	h.Write([]byte(p))
	h.Write([]byte{0})
	h.Write([]byte(nativeID))
	h.Write([]byte{0})
	h.Write([]byte(f.String()))

	return Fingerprint(hex.EncodeToString(h.Sum(nil)))
}

func (f Fingerprint) String() string {
	return string(f)
}

// Short is a log friendly prefix of the fingerprint.
func (f Fingerprint) Short() string {
	if len(f) <= 12 {
		return string(f)
	}

	return string(f[:12])
}
