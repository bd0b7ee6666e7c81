package core

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
)

// fingerprintSep separates tuple fields inside the hash input so that field
// boundaries are unambiguous ("ab"+"c" never collides with "a"+"bc").
const fingerprintSep = byte(0x1F)

// Fingerprint computes the stable content hash identifying a variant: one
// specific rendering of one specific text. Identical (text, model, voice,
// speed, codec) tuples produce identical fingerprints on every replica and
// every version; the hash is the cache key, the singleflight key, and the
// cross-user sharing key, so any drift here is a correctness bug, not a
// cache-efficiency bug.
//
// Speed is rendered with exactly two decimals so 1.0 and 1.00 hash the same.
func Fingerprint(text, model, voice string, speed float64, codec string) string {
	h := sha256.New()
	h.Write([]byte(text))
	h.Write([]byte{fingerprintSep})
	h.Write([]byte(model))
	h.Write([]byte{fingerprintSep})
	h.Write([]byte(voice))
	h.Write([]byte{fingerprintSep})
	fmt.Fprintf(h, "%.2f", speed)
	h.Write([]byte{fingerprintSep})
	h.Write([]byte(codec))
	return hex.EncodeToString(h.Sum(nil))
}
