package channel

import (
	"testing"
	"time"

	"github.com/umbra-net/umbra/pkg/umbra/identity"
)

func seed32(b byte) []byte {
	out := make([]byte, 32)
	for i := range out {
		out[i] = b
	}
	return out
}

func aliceAndBob(t *testing.T) (*identity.Identity, *identity.Identity) {
	t.Helper()
	alice, err := identity.FromSeed(seed32(0x01), "Alice", time.Unix(0, 0))
	if err != nil {
		t.Fatalf("alice identity failed: %v", err)
	}
	bob, err := identity.FromSeed(seed32(0x02), "Bob", time.Unix(0, 0))
	if err != nil {
		t.Fatalf("bob identity failed: %v", err)
	}
	return alice, bob
}

func newChannel(t *testing.T, local, peer *identity.Identity) *Channel {
	t.Helper()
	ch, err := New(local.DID, local.Keys.SigningPrivate, local.Keys.EncryptionPrivate,
		peer.DID, peer.Keys.SigningPublic, peer.Keys.EncryptionPublic)
	if err != nil {
		t.Fatalf("new channel failed: %v", err)
	}
	return ch
}

func TestEncryptDecryptRoundTrip(t *testing.T) {
	alice, bob := aliceAndBob(t)
	aliceToBob := newChannel(t, alice, bob)
	bobFromAlice := newChannel(t, bob, alice)

	env, err := aliceToBob.Encrypt([]byte("Hello Bob!"))
	if err != nil {
		t.Fatalf("encrypt failed: %v", err)
	}
	plaintext, err := bobFromAlice.Decrypt(env)
	if err != nil {
		t.Fatalf("decrypt failed: %v", err)
	}
	if string(plaintext) != "Hello Bob!" {
		t.Fatalf("unexpected plaintext: %q", plaintext)
	}
}

func TestDecryptFailsOnTamperedCiphertext(t *testing.T) {
	alice, bob := aliceAndBob(t)
	aliceToBob := newChannel(t, alice, bob)
	bobFromAlice := newChannel(t, bob, alice)

	env, err := aliceToBob.Encrypt([]byte("Hello Bob!"))
	if err != nil {
		t.Fatalf("encrypt failed: %v", err)
	}
	env.Ciphertext[0] ^= 0xFF
	if _, err := bobFromAlice.Decrypt(env); err == nil {
		t.Fatalf("expected decryption failure for tampered ciphertext")
	}
}

func TestDecryptFailsOnTamperedNonce(t *testing.T) {
	alice, bob := aliceAndBob(t)
	aliceToBob := newChannel(t, alice, bob)
	bobFromAlice := newChannel(t, bob, alice)

	env, err := aliceToBob.Encrypt([]byte("Hello Bob!"))
	if err != nil {
		t.Fatalf("encrypt failed: %v", err)
	}
	env.Nonce[0] ^= 0xFF
	if _, err := bobFromAlice.Decrypt(env); err == nil {
		t.Fatalf("expected decryption failure for tampered nonce")
	}
}

func TestDecryptFailsOnTamperedSignature(t *testing.T) {
	alice, bob := aliceAndBob(t)
	aliceToBob := newChannel(t, alice, bob)
	bobFromAlice := newChannel(t, bob, alice)

	env, err := aliceToBob.Encrypt([]byte("Hello Bob!"))
	if err != nil {
		t.Fatalf("encrypt failed: %v", err)
	}
	env.Signature[0] ^= 0xFF
	if _, err := bobFromAlice.Decrypt(env); err == nil {
		t.Fatalf("expected verification failure for tampered signature")
	}
}

func TestDecryptFailsOnWrongSenderKey(t *testing.T) {
	alice, bob := aliceAndBob(t)
	mallory, err := identity.FromSeed(seed32(0x09), "Mallory", time.Unix(0, 0))
	if err != nil {
		t.Fatalf("mallory identity failed: %v", err)
	}
	aliceToBob := newChannel(t, alice, bob)
	env, err := aliceToBob.Encrypt([]byte("Hello Bob!"))
	if err != nil {
		t.Fatalf("encrypt failed: %v", err)
	}

	// Bob decrypting as if the sender were Mallory must fail: neither the
	// signature nor the AAD bind to Mallory's key or did.
	bobFromMallory := newChannel(t, bob, mallory)
	if _, err := bobFromMallory.Decrypt(env); err == nil {
		t.Fatalf("expected failure decrypting with the wrong sender's channel")
	}
}

func TestDecryptFailsOnTamperedConversationID(t *testing.T) {
	alice, bob := aliceAndBob(t)
	aliceToBob := newChannel(t, alice, bob)
	bobFromAlice := newChannel(t, bob, alice)

	env, err := aliceToBob.Encrypt([]byte("Hello Bob!"))
	if err != nil {
		t.Fatalf("encrypt failed: %v", err)
	}
	env.ConversationID[0] ^= 0xFF
	if _, err := bobFromAlice.Decrypt(env); err == nil {
		t.Fatalf("expected failure for tampered conversation id")
	}
}

func TestDecryptFailsOnTamperedTimestamp(t *testing.T) {
	alice, bob := aliceAndBob(t)
	aliceToBob := newChannel(t, alice, bob)
	bobFromAlice := newChannel(t, bob, alice)

	env, err := aliceToBob.Encrypt([]byte("Hello Bob!"))
	if err != nil {
		t.Fatalf("encrypt failed: %v", err)
	}
	env.TimestampMs++
	if _, err := bobFromAlice.Decrypt(env); err == nil {
		t.Fatalf("expected failure for tampered timestamp")
	}
}

func TestConversationIDIsSymmetric(t *testing.T) {
	alice, bob := aliceAndBob(t)
	ab := ConversationID(alice.DID, bob.DID)
	ba := ConversationID(bob.DID, alice.DID)
	if ab != ba {
		t.Fatalf("expected conversation id to be symmetric")
	}
}

func TestSortedDIDPair(t *testing.T) {
	alice, bob := aliceAndBob(t)
	a1, b1 := SortedDIDPair(alice.DID, bob.DID)
	a2, b2 := SortedDIDPair(bob.DID, alice.DID)
	if a1 != a2 || b1 != b2 {
		t.Fatalf("expected sorted pair to be stable regardless of argument order")
	}
}
