package model

import (
	"encoding/hex"

	"github.com/cespare/xxhash/v2"
)

// Fingerprint is a 128-bit content hash of a canonical byte form. It is
// built from two independently seeded xxhash64 digests; equality of
// fingerprints is treated as equality of content only after the store
// confirms the full attribute maps match.
type Fingerprint struct {
	Hi uint64
	Lo uint64
}

// Fingerprint seeds. Arbitrary but fixed forever: changing them invalidates
// every stored dimension row.
const (
	fingerprintSeedHi = 0x9e3779b97f4a7c15
	fingerprintSeedLo = 0xc2b2ae3d27d4eb4f
)

func fingerprintBytes(b []byte) Fingerprint {
	var hi, lo xxhash.Digest
	hi.ResetWithSeed(fingerprintSeedHi)
	lo.ResetWithSeed(fingerprintSeedLo)
	_, _ = hi.Write(b)
	_, _ = lo.Write(b)
	return Fingerprint{Hi: hi.Sum64(), Lo: lo.Sum64()}
}

// FingerprintAttributes hashes the canonical form of an attribute map.
func FingerprintAttributes(attrs Attributes) Fingerprint {
	return fingerprintBytes(attrs.Canonical())
}

// String renders the fingerprint as 32 lowercase hex characters.
func (f Fingerprint) String() string {
	var b [16]byte
	putUint64(b[:8], f.Hi)
	putUint64(b[8:], f.Lo)
	return hex.EncodeToString(b[:])
}

// IsZero reports whether the fingerprint is unset.
func (f Fingerprint) IsZero() bool { return f.Hi == 0 && f.Lo == 0 }

func putUint64(b []byte, v uint64) {
	for i := 7; i >= 0; i-- {
		b[i] = byte(v)
		v >>= 8
	}
}
