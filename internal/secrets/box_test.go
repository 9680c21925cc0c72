package secrets

import (
	"strings"
	"testing"
)

const testKey = "6368616e676520746869732070617373776f726420746f206120736563726574"

func TestSealOpenRoundTrip(t *testing.T) {
	box, err := NewBox(testKey)
	if err != nil {
		t.Fatalf("NewBox: %v", err)
	}
	sealed, err := box.Seal("whsec_abc123")
	if err != nil {
		t.Fatalf("Seal: %v", err)
	}
	if strings.Contains(sealed, "whsec") {
		t.Fatal("ciphertext leaks plaintext")
	}
	opened, err := box.Open(sealed)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	if opened != "whsec_abc123" {
		t.Fatalf("round trip mismatch: %q", opened)
	}
}

func TestSealIsNondeterministic(t *testing.T) {
	box, _ := NewBox(testKey)
	a, _ := box.Seal("same")
	b, _ := box.Seal("same")
	if a == b {
		t.Fatal("two seals of the same plaintext must differ (random nonce)")
	}
}

func TestOpenRejectsTampering(t *testing.T) {
	box, _ := NewBox(testKey)
	sealed, _ := box.Seal("secret")
	tampered := "A" + sealed[1:]
	if _, err := box.Open(tampered); err == nil {
		t.Fatal("tampered ciphertext must not open")
	}
}

func TestNewBoxRejectsBadKeys(t *testing.T) {
	if _, err := NewBox("nothex"); err == nil {
		t.Fatal("non-hex key accepted")
	}
	if _, err := NewBox("abcd"); err == nil {
		t.Fatal("short key accepted")
	}
}
