// Package identity implements the self-sovereign identity, its profile
// and public key bundle, built from a recovery phrase through
// pkg/umbra/recovery and pkg/umbra/keys.
package identity

import (
	"time"
	"unicode/utf8"

	"github.com/umbra-net/umbra/pkg/umbra/did"
	"github.com/umbra-net/umbra/pkg/umbra/keys"
	"github.com/umbra-net/umbra/pkg/umbra/recovery"
	"github.com/umbra-net/umbra/pkg/umbra/umbraerr"
)

// PublicBundle is the freely shareable public key bundle.
type PublicBundle struct {
	SigningPublicKey    [32]byte `json:"signing_pub"`
	EncryptionPublicKey [32]byte `json:"encryption_pub"`
}

// Profile is the user-facing profile envelope. Revision is an
// append-only counter bumped on every ApplyUpdate, so a layered service
// can diff profile history.
type Profile struct {
	DisplayName string `json:"display_name"`
	Status      string `json:"status,omitempty"`
	Avatar      string `json:"avatar,omitempty"`
	Revision    uint64 `json:"revision"`
}

const maxStatusLen = 256
const maxAvatarLen = 256 * 1024

// ApplyUpdate validates and merges a partial profile update. Nil
// fields in the update leave the current value untouched; a non-nil
// empty status or avatar clears that field.
func (p Profile) ApplyUpdate(displayName, status, avatar *string) (Profile, error) {
	next := p
	if displayName != nil {
		n := utf8.RuneCountInString(*displayName)
		if n < 1 || n > 64 {
			return Profile{}, umbraerr.ErrProfileUpdateFailed
		}
		next.DisplayName = *displayName
	}
	if status != nil {
		if len(*status) > maxStatusLen {
			return Profile{}, umbraerr.ErrProfileUpdateFailed
		}
		next.Status = *status
	}
	if avatar != nil {
		if len(*avatar) > maxAvatarLen {
			return Profile{}, umbraerr.ErrProfileUpdateFailed
		}
		next.Avatar = *avatar
	}
	next.Revision = p.Revision + 1
	return next, nil
}

// Identity binds the keypairs, the DID derived from them, the profile
// and the creation time.
type Identity struct {
	Keys      *keys.KeySet
	DID       string
	Profile   Profile
	CreatedAt int64
}

// FromRecoveryPhrase derives a full identity from a 24-word phrase and
// optional passphrase. Deterministic: the same phrase always yields the
// same identity.
func FromRecoveryPhrase(phrase, passphrase string, displayName string, now time.Time) (*Identity, error) {
	seed, err := recovery.Seed(phrase, passphrase)
	if err != nil {
		return nil, err
	}
	return FromSeed(seed, displayName, now)
}

// FromSeed derives an identity directly from a 32-byte master seed.
func FromSeed(seed []byte, displayName string, now time.Time) (*Identity, error) {
	ks, err := keys.Derive(seed)
	if err != nil {
		return nil, err
	}
	id, err := did.Encode(ks.SigningPublic)
	if err != nil {
		return nil, umbraerr.ErrInvalidDid
	}
	if displayName == "" {
		displayName = id
	}
	return &Identity{
		Keys: ks,
		DID:  id,
		Profile: Profile{
			DisplayName: displayName,
			Revision:    0,
		},
		CreatedAt: now.Unix(),
	}, nil
}

// Validate checks that the identity's DID matches its signing key.
func (id *Identity) Validate() error {
	if id == nil || id.Keys == nil {
		return umbraerr.ErrNoIdentity
	}
	expected, err := did.Encode(id.Keys.SigningPublic)
	if err != nil {
		return umbraerr.ErrInvalidDid
	}
	if expected != id.DID {
		return umbraerr.ErrInvalidDid
	}
	return nil
}

// PublicBundle returns the freely shareable key bundle.
func (id *Identity) PublicBundle() PublicBundle {
	var bundle PublicBundle
	copy(bundle.SigningPublicKey[:], id.Keys.SigningPublic)
	bundle.EncryptionPublicKey = id.Keys.EncryptionPublic
	return bundle
}

// ApplyProfileUpdate mutates the identity's profile in place through
// Profile.ApplyUpdate's validation.
func (id *Identity) ApplyProfileUpdate(displayName, status, avatar *string) error {
	next, err := id.Profile.ApplyUpdate(displayName, status, avatar)
	if err != nil {
		return err
	}
	id.Profile = next
	return nil
}

// Zero wipes the identity's secret key material.
func (id *Identity) Zero() {
	if id == nil {
		return
	}
	id.Keys.Zero()
}
