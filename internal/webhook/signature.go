// Package webhook authenticates asynchronous bank callbacks. The signature is
// an HMAC-SHA256 over the canonical serialization of the decoded payload with
// the signature field removed: keys sorted, no extraneous whitespace.
package webhook

import (
	"bytes"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
)

// Decode parses a callback body into a generic document, preserving numeric
// literals so re-marshaling for the canonical form cannot alter what the
// sender signed.
func Decode(body []byte) (map[string]any, error) {
	dec := json.NewDecoder(bytes.NewReader(body))
	dec.UseNumber()
	var doc map[string]any
	if err := dec.Decode(&doc); err != nil {
		return nil, err
	}
	return doc, nil
}

// Canonical serializes the payload deterministically, excluding the signature
// field. json.Marshal of a map emits keys in sorted order with compact
// separators, matching the wire contract. Every other field participates, so
// the bank can extend the payload without breaking verification.
func Canonical(doc map[string]any) ([]byte, error) {
	m := make(map[string]any, len(doc))
	for k, v := range doc {
		if k == "signature" {
			continue
		}
		m[k] = v
	}
	return json.Marshal(m)
}

// Sign computes the hex HMAC-SHA256 signature for the payload.
func Sign(secret string, doc map[string]any) (string, error) {
	canonical, err := Canonical(doc)
	if err != nil {
		return "", err
	}
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(canonical)
	return hex.EncodeToString(mac.Sum(nil)), nil
}

// Verify recomputes the signature and compares it to the claimed one in
// constant time. A missing, non-string or malformed claim returns false.
func Verify(secret string, doc map[string]any) bool {
	claim, ok := doc["signature"].(string)
	if !ok || claim == "" {
		return false
	}
	expected, err := Sign(secret, doc)
	if err != nil {
		return false
	}
	return hmac.Equal([]byte(expected), []byte(claim))
}
