package did

import (
	"crypto/ed25519"
	"strings"
	"testing"
)

func fixedSigningKey(t *testing.T) (ed25519.PublicKey, ed25519.PrivateKey) {
	t.Helper()
	seed := make([]byte, ed25519.SeedSize)
	for i := range seed {
		seed[i] = 0x01
	}
	priv := ed25519.NewKeyFromSeed(seed)
	return priv.Public().(ed25519.PublicKey), priv
}

func TestEncodeDecodeRoundTrip(t *testing.T) {
	pub, _ := fixedSigningKey(t)
	id, err := Encode(pub)
	if err != nil {
		t.Fatalf("encode failed: %v", err)
	}
	if !strings.HasPrefix(id, prefix) {
		t.Fatalf("expected did to start with %q, got %q", prefix, id)
	}
	decoded, err := Decode(id)
	if err != nil {
		t.Fatalf("decode failed: %v", err)
	}
	if !decoded.Equal(pub) {
		t.Fatalf("round-tripped public key does not match original")
	}
}

func TestDecodeRejectsBadPrefix(t *testing.T) {
	if _, err := Decode("did:web:example.com"); err == nil {
		t.Fatalf("expected error for wrong did method")
	}
}

func TestDecodeRejectsBadBase58(t *testing.T) {
	if _, err := Decode(prefix + "not-valid-base58!!"); err == nil {
		t.Fatalf("expected error for invalid base58btc payload")
	}
}

func TestDecodeRejectsEmptyPayload(t *testing.T) {
	if _, err := Decode(prefix); err == nil {
		t.Fatalf("expected error for empty payload")
	}
}

func TestValidateAndPublicKeyOf(t *testing.T) {
	pub, _ := fixedSigningKey(t)
	id, err := Encode(pub)
	if err != nil {
		t.Fatalf("encode failed: %v", err)
	}
	if err := Validate(id); err != nil {
		t.Fatalf("expected valid did, got %v", err)
	}
	got, err := PublicKeyOf(id)
	if err != nil {
		t.Fatalf("public key of failed: %v", err)
	}
	if !got.Equal(pub) {
		t.Fatalf("public key of mismatch")
	}
}

func TestEncodeRejectsWrongKeyLength(t *testing.T) {
	if _, err := Encode(ed25519.PublicKey(make([]byte, 16))); err == nil {
		t.Fatalf("expected error for short public key")
	}
}
