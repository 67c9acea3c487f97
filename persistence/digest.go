package persistence

import (
	"crypto/hmac"
	"crypto/sha256"
)

// NewHMACSHA256 returns a DigestFunc computing HMAC-SHA256 under key. This
// is the production-grade choice for the persisted-state integrity MAC
// this codec requires; no library in the dependency set offers a MAC
// primitive (the pack's crypto-adjacent dependency, golang.org/x/crypto,
// is pulled in only transitively by docker-compose's TLS stack and
// exposes no MAC construction this codec could reuse more directly than
// the standard library's crypto/hmac).
func NewHMACSHA256(key []byte) DigestFunc {
	return func(data []byte) []byte {
		var mac = hmac.New(sha256.New, key)
		mac.Write(data)
		return mac.Sum(nil)
	}
}
