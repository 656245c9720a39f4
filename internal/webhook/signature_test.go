package webhook

import (
	"bytes"
	"encoding/json"
	"testing"
)

const testSecret = "test-webhook-secret"

func signedDoc(t *testing.T) map[string]any {
	t.Helper()
	doc := map[string]any{
		"transaction_id": int64(42),
		"bank_reference": "DEP-ABC123DEF456",
		"status":         "success",
		"error_message":  nil,
	}
	sig, err := Sign(testSecret, doc)
	if err != nil {
		t.Fatal(err)
	}
	doc["signature"] = sig
	return doc
}

// roundTrip re-parses the document the way a receiver would, so verification
// runs against decoded wire data rather than the sender's in-memory values.
func roundTrip(t *testing.T, doc map[string]any) map[string]any {
	t.Helper()
	body, err := json.Marshal(doc)
	if err != nil {
		t.Fatal(err)
	}
	decoded, err := Decode(body)
	if err != nil {
		t.Fatal(err)
	}
	return decoded
}

func TestVerifyAcceptsValidSignature(t *testing.T) {
	doc := roundTrip(t, signedDoc(t))
	if !Verify(testSecret, doc) {
		t.Fatal("valid signature rejected")
	}
}

func TestVerifyAcceptsExtraFields(t *testing.T) {
	// The bank may extend the payload; unmodeled fields are part of the
	// signed material and must not break verification.
	doc := map[string]any{
		"transaction_id": int64(42),
		"bank_reference": "DEP-ABC123DEF456",
		"status":         "success",
		"error_message":  nil,
		"settled_at":     "2026-03-01T12:00:00Z",
		"attempt":        int64(2),
	}
	sig, err := Sign(testSecret, doc)
	if err != nil {
		t.Fatal(err)
	}
	doc["signature"] = sig

	if !Verify(testSecret, roundTrip(t, doc)) {
		t.Fatal("payload with extra signed fields rejected")
	}
}

func TestVerifyRejectsTamperedFields(t *testing.T) {
	tamper := []struct {
		name   string
		mutate func(map[string]any)
	}{
		{"transaction id", func(d map[string]any) { d["transaction_id"] = int64(43) }},
		{"bank reference", func(d map[string]any) { d["bank_reference"] = "DEP-FORGED000000" }},
		{"status", func(d map[string]any) { d["status"] = "failed" }},
		{"error message", func(d map[string]any) { d["error_message"] = "injected" }},
		{"added field", func(d map[string]any) { d["amount"] = "999.00" }},
		{"removed field", func(d map[string]any) { delete(d, "bank_reference") }},
	}

	for _, tt := range tamper {
		t.Run(tt.name, func(t *testing.T) {
			doc := signedDoc(t)
			tt.mutate(doc)
			if Verify(testSecret, roundTrip(t, doc)) {
				t.Fatal("tampered payload verified")
			}
		})
	}
}

func TestVerifyRejectsWrongSecret(t *testing.T) {
	doc := roundTrip(t, signedDoc(t))
	if Verify("other-secret", doc) {
		t.Fatal("signature from a different secret verified")
	}
}

func TestVerifyRejectsMalformedSignature(t *testing.T) {
	for _, sig := range []any{nil, "", "nothex", "deadbeef", int64(12)} {
		doc := signedDoc(t)
		doc["signature"] = sig
		if Verify(testSecret, doc) {
			t.Fatalf("malformed signature %v verified", sig)
		}
	}
}

func TestSignIsDeterministic(t *testing.T) {
	doc := map[string]any{
		"transaction_id": int64(7),
		"bank_reference": "WTH-0011223344",
		"status":         "failed",
		"error_message":  "timeout",
	}
	a, err := Sign(testSecret, doc)
	if err != nil {
		t.Fatal(err)
	}
	b, err := Sign(testSecret, doc)
	if err != nil {
		t.Fatal(err)
	}
	if a != b {
		t.Fatal("signature not deterministic for identical payloads")
	}
}

func TestCanonicalExcludesSignature(t *testing.T) {
	doc := signedDoc(t)
	withSig, err := Canonical(doc)
	if err != nil {
		t.Fatal(err)
	}
	delete(doc, "signature")
	withoutSig, err := Canonical(doc)
	if err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(withSig, withoutSig) {
		t.Fatal("canonical form must not include the signature field")
	}
}

func TestDecodePreservesNumericLiterals(t *testing.T) {
	// 2^53+1 is not representable as float64; the literal must survive the
	// decode/canonicalize round trip untouched or the signature breaks.
	raw := []byte(`{"transaction_id":9007199254740993,"status":"success"}`)
	doc, err := Decode(raw)
	if err != nil {
		t.Fatal(err)
	}
	canonical, err := Canonical(doc)
	if err != nil {
		t.Fatal(err)
	}
	if !bytes.Contains(canonical, []byte("9007199254740993")) {
		t.Fatalf("numeric literal altered in canonical form: %s", canonical)
	}
}
