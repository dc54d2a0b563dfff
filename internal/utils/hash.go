package utils

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"

	"github.com/zeebo/blake3"
)

// Fingerprint calculates the BLAKE3 hash of a byte slice as a hex string.
// Used for cheap payload deduplication (relay spool, offline queue).
func Fingerprint(data []byte) string {
	hasher := blake3.New()
	hasher.Write(data)
	return hex.EncodeToString(hasher.Sum(nil))
}

// FingerprintString calculates the BLAKE3 hash of a string
func FingerprintString(data string) string {
	return Fingerprint([]byte(data))
}

// CanonicalJSON serializes a value to canonical JSON: object keys sorted,
// numbers normalized through a decode/encode round trip. Two values that
// decode to the same JSON document always produce identical bytes.
func CanonicalJSON(value interface{}) ([]byte, error) {
	raw, err := json.Marshal(value)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal value: %v", err)
	}

	// encoding/json writes map keys in sorted order, so decoding into a
	// generic document and re-encoding yields a canonical form.
	var doc interface{}
	if err := json.Unmarshal(raw, &doc); err != nil {
		return nil, fmt.Errorf("failed to normalize value: %v", err)
	}

	return json.Marshal(doc)
}

// Checksum calculates the SHA-256 of a value's canonical JSON serialization.
// Sync records carry this checksum so no-op pushes can be detected.
func Checksum(value interface{}) (string, error) {
	canonical, err := CanonicalJSON(value)
	if err != nil {
		return "", err
	}

	sum := sha256.Sum256(canonical)
	return hex.EncodeToString(sum[:]), nil
}
