package cache

import (
	"crypto/sha256"
	"encoding/hex"
)

// keySeparator keeps the hash domains of tag, endpoint kind and body
// disjoint: ("ab","c") and ("a","bc") must not collide.
const keySeparator = 0x00

// Key derives the content-addressed cache key for a request:
// hex(SHA-256(provider_tag || 0x00 || endpoint_kind || 0x00 || normalized_body)).
func Key(providerTag, endpointKind string, normalizedBody []byte) string {
	h := sha256.New()
	h.Write([]byte(providerTag))
	h.Write([]byte{keySeparator})
	h.Write([]byte(endpointKind))
	h.Write([]byte{keySeparator})
	h.Write(normalizedBody)
	return hex.EncodeToString(h.Sum(nil))
}
