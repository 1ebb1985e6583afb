// Package did implements the self-certifying did:key identifier: a
// multibase/multicodec-wrapped Ed25519 public key, encoded and decoded
// with strict validation at every step.
package did

import (
	"crypto/ed25519"
	"strings"

	"github.com/mr-tron/base58"

	"github.com/umbra-net/umbra/pkg/umbra/umbraerr"
)

const (
	prefix       = "did:key:z"
	multicodec0  = 0xed
	multicodec1  = 0x01
	decodedSize  = 2 + ed25519.PublicKeySize
)

// Encode builds the did:key string for an Ed25519 public key.
func Encode(signingPublicKey ed25519.PublicKey) (string, error) {
	if len(signingPublicKey) != ed25519.PublicKeySize {
		return "", umbraerr.ErrInvalidDid
	}
	buf := make([]byte, 0, decodedSize)
	buf = append(buf, multicodec0, multicodec1)
	buf = append(buf, signingPublicKey...)
	return prefix + base58.Encode(buf), nil
}

// Decode recovers the Ed25519 public key from a did:key string, failing
// with InvalidDid on any structural error (prefix mismatch, missing
// multibase marker, base58 decode error, wrong multicodec, wrong length).
func Decode(id string) (ed25519.PublicKey, error) {
	if !strings.HasPrefix(id, prefix) {
		return nil, umbraerr.ErrInvalidDid
	}
	encoded := strings.TrimPrefix(id, prefix)
	if encoded == "" {
		return nil, umbraerr.ErrInvalidDid
	}
	decoded, err := base58.Decode(encoded)
	if err != nil {
		return nil, umbraerr.ErrInvalidDid
	}
	if len(decoded) != decodedSize {
		return nil, umbraerr.ErrInvalidDid
	}
	if decoded[0] != multicodec0 || decoded[1] != multicodec1 {
		return nil, umbraerr.ErrInvalidDid
	}
	pub := make([]byte, ed25519.PublicKeySize)
	copy(pub, decoded[2:2+ed25519.PublicKeySize])
	return ed25519.PublicKey(pub), nil
}

// Validate reports only whether id is a structurally valid did:key.
func Validate(id string) error {
	_, err := Decode(id)
	return err
}

// PublicKeyOf recovers the Ed25519 public key from a valid DID. It is
// Decode under the name most callers look for.
func PublicKeyOf(id string) (ed25519.PublicKey, error) {
	return Decode(id)
}
