// Package keys implements the key schedule and the base crypto
// primitives: HKDF subkey derivation from the master seed, Ed25519
// signing, X25519 key agreement, and AES-256-GCM sealing. Info strings
// carry a version suffix so the derivation can rotate without
// invalidating stored seeds.
package keys

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/ed25519"
	"crypto/rand"
	"crypto/sha256"
	"io"

	"golang.org/x/crypto/curve25519"
	"golang.org/x/crypto/hkdf"

	"github.com/umbra-net/umbra/pkg/umbra/umbraerr"
)

const (
	infoSigning           = "umbra-signing-key-v1"
	infoEncryption        = "umbra-encryption-key-v1"
	infoMessageEncryption = "umbra-message-encryption-v1"

	nonceSize = 12
)

// KeySet is the pair of long-term keypairs derived from a master seed.
type KeySet struct {
	SigningPrivate    ed25519.PrivateKey
	SigningPublic     ed25519.PublicKey
	EncryptionPrivate [32]byte
	EncryptionPublic  [32]byte
}

// Zero overwrites secret material in place.
func (k *KeySet) Zero() {
	if k == nil {
		return
	}
	for i := range k.SigningPrivate {
		k.SigningPrivate[i] = 0
	}
	for i := range k.EncryptionPrivate {
		k.EncryptionPrivate[i] = 0
	}
}

// Derive produces the signing and X25519 encryption keypairs from a
// 32-byte master seed.
func Derive(masterSeed []byte) (*KeySet, error) {
	if len(masterSeed) != 32 {
		return nil, umbraerr.ErrKeyDerivationFailed
	}
	signingSeed, err := hkdfExpand(masterSeed, infoSigning, ed25519.SeedSize)
	if err != nil {
		return nil, umbraerr.ErrKeyDerivationFailed
	}
	encSeed, err := hkdfExpand(masterSeed, infoEncryption, 32)
	if err != nil {
		return nil, umbraerr.ErrKeyDerivationFailed
	}

	signingPriv := ed25519.NewKeyFromSeed(signingSeed)
	signingPub := signingPriv.Public().(ed25519.PublicKey)

	var encPriv, encPub [32]byte
	copy(encPriv[:], encSeed)
	curve25519.ScalarBaseMult(&encPub, &encPriv)

	return &KeySet{
		SigningPrivate:    signingPriv,
		SigningPublic:     signingPub,
		EncryptionPrivate: encPriv,
		EncryptionPublic:  encPub,
	}, nil
}

// Sign produces a deterministic 64-byte Ed25519 signature.
func Sign(priv ed25519.PrivateKey, message []byte) ([]byte, error) {
	if len(priv) != ed25519.PrivateKeySize {
		return nil, umbraerr.ErrInvalidKey
	}
	return ed25519.Sign(priv, message), nil
}

// Verify checks a signature; any mismatch is reported as a single opaque
// VerificationFailed error, never which byte differed.
func Verify(pub ed25519.PublicKey, message, signature []byte) error {
	if len(pub) != ed25519.PublicKeySize || len(signature) != ed25519.SignatureSize {
		return umbraerr.ErrVerificationFailed
	}
	if !ed25519.Verify(pub, message, signature) {
		return umbraerr.ErrVerificationFailed
	}
	return nil
}

// ECDH performs X25519 Diffie-Hellman between a local private key and a
// peer's public key.
func ECDH(localPriv, peerPub [32]byte) ([]byte, error) {
	shared, err := curve25519.X25519(localPriv[:], peerPub[:])
	if err != nil {
		return nil, umbraerr.ErrKeyExchangeFailed
	}
	return shared, nil
}

// DeriveMessageKey derives the per-conversation AEAD key from a raw X25519
// shared secret, salted by the conversation id (domain separation: a
// compromised conversation key reveals nothing about any other).
func DeriveMessageKey(dh, conversationID []byte) ([]byte, error) {
	return hkdfExpandSalted(dh, conversationID, infoMessageEncryption, 32)
}

// Encrypt seals plaintext with AES-256-GCM under a fresh random nonce.
// Reusing a nonce with the same key is a hard security failure; callers
// must never supply one.
func Encrypt(key, plaintext, aad []byte) (nonce, ciphertext []byte, err error) {
	aead, err := newAEAD(key)
	if err != nil {
		return nil, nil, err
	}
	nonce = make([]byte, nonceSize)
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return nil, nil, umbraerr.ErrRngFailed
	}
	ciphertext = aead.Seal(nil, nonce, plaintext, aad)
	return nonce, ciphertext, nil
}

// Decrypt opens an AES-256-GCM ciphertext. Any tag mismatch fails
// atomically with the opaque DecryptionFailed error.
func Decrypt(key, nonce, ciphertext, aad []byte) ([]byte, error) {
	aead, err := newAEAD(key)
	if err != nil {
		return nil, err
	}
	if len(nonce) != nonceSize {
		return nil, umbraerr.ErrDecryptionFailed
	}
	plaintext, err := aead.Open(nil, nonce, ciphertext, aad)
	if err != nil {
		return nil, umbraerr.ErrDecryptionFailed
	}
	return plaintext, nil
}

func newAEAD(key []byte) (cipher.AEAD, error) {
	if len(key) != 32 {
		return nil, umbraerr.ErrInvalidKey
	}
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, umbraerr.ErrInvalidKey
	}
	aead, err := cipher.NewGCM(block)
	if err != nil {
		return nil, umbraerr.ErrInvalidKey
	}
	return aead, nil
}

func hkdfExpand(seed []byte, info string, size int) ([]byte, error) {
	return hkdfExpandSalted(seed, nil, info, size)
}

func hkdfExpandSalted(ikm, salt []byte, info string, size int) ([]byte, error) {
	reader := hkdf.New(sha256.New, ikm, salt, []byte(info))
	out := make([]byte, size)
	if _, err := io.ReadFull(reader, out); err != nil {
		return nil, umbraerr.ErrKeyDerivationFailed
	}
	return out, nil
}
