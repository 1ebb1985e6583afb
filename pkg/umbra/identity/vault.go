package identity

import (
	"encoding/json"
	"errors"
	"strings"
	"sync"
	"time"

	"github.com/umbra-net/umbra/internal/securestore"
	"github.com/umbra-net/umbra/pkg/umbra/recovery"
)

// Vault holds the recovery phrase encrypted at rest behind a password,
// distinct from the wire/channel AEAD in pkg/umbra/keys. Wrong-password
// attempts trigger an exponential backoff lockout.
type Vault struct {
	mu             sync.Mutex
	encryptedSeed  []byte
	failedAttempts int
	lockedUntil    time.Time
	now            func() time.Time
}

var (
	ErrPasswordRequired = errors.New("umbra: password is required")
	ErrMnemonicRequired = errors.New("umbra: recovery phrase is required")
	ErrSeedNotAvailable = errors.New("umbra: no recovery phrase stored")
	ErrInvalidPassword  = errors.New("umbra: invalid password")
	ErrPasswordLocked   = errors.New("umbra: password attempts are temporarily locked")
)

// NewVault creates an empty vault.
func NewVault() *Vault {
	return &Vault{now: time.Now}
}

// Seal stores phrase, encrypted under password.
func (v *Vault) Seal(phrase, password string) error {
	phrase = strings.TrimSpace(phrase)
	password = strings.TrimSpace(password)
	if phrase == "" {
		return ErrMnemonicRequired
	}
	if password == "" {
		return ErrPasswordRequired
	}
	if err := recovery.Validate(phrase); err != nil {
		return err
	}
	enc, err := securestore.Encrypt(password, []byte(phrase))
	if err != nil {
		return err
	}
	v.mu.Lock()
	defer v.mu.Unlock()
	v.encryptedSeed = enc
	return nil
}

// Unseal decrypts and returns the stored recovery phrase.
func (v *Vault) Unseal(password string) (string, error) {
	password = strings.TrimSpace(password)
	if password == "" {
		return "", ErrPasswordRequired
	}

	v.mu.Lock()
	if err := v.ensureUnlockedLocked(); err != nil {
		v.mu.Unlock()
		return "", err
	}
	enc := v.encryptedSeed
	v.mu.Unlock()
	if enc == nil {
		return "", ErrSeedNotAvailable
	}

	plaintext, err := securestore.Decrypt(password, enc)
	if err != nil {
		v.mu.Lock()
		v.onFailedAttemptLocked()
		v.mu.Unlock()
		return "", ErrInvalidPassword
	}

	v.mu.Lock()
	v.resetAttemptsLocked()
	v.mu.Unlock()

	phrase := strings.TrimSpace(string(plaintext))
	if err := recovery.Validate(phrase); err != nil {
		return "", ErrSeedNotAvailable
	}
	return phrase, nil
}

// ChangePassword re-encrypts the stored phrase under a new password.
func (v *Vault) ChangePassword(oldPassword, newPassword string) error {
	phrase, err := v.Unseal(oldPassword)
	if err != nil {
		return err
	}
	return v.Seal(phrase, newPassword)
}

func (v *Vault) ensureUnlockedLocked() error {
	if v.lockedUntil.IsZero() {
		return nil
	}
	if v.now().Before(v.lockedUntil) {
		return ErrPasswordLocked
	}
	return nil
}

func (v *Vault) onFailedAttemptLocked() {
	v.failedAttempts++
	v.lockedUntil = v.now().Add(backoff(v.failedAttempts))
}

func (v *Vault) resetAttemptsLocked() {
	v.failedAttempts = 0
	v.lockedUntil = time.Time{}
}

type vaultFile struct {
	Phrase string `json:"phrase"`
}

// PersistTo writes the vault's recovery phrase to path, encrypted under
// password via internal/securestore, for durability across restarts.
func (v *Vault) PersistTo(path, password string) error {
	phrase, err := v.Unseal(password)
	if err != nil {
		return err
	}
	return securestore.WriteEncryptedJSON(path, password, vaultFile{Phrase: phrase})
}

// LoadVaultFrom reads a vault previously written by PersistTo.
func LoadVaultFrom(path, password string) (*Vault, error) {
	raw, err := securestore.ReadDecryptedFile(path, password)
	if err != nil {
		return nil, err
	}
	var payload vaultFile
	if err := json.Unmarshal(raw, &payload); err != nil {
		return nil, err
	}
	v := NewVault()
	if err := v.Seal(payload.Phrase, password); err != nil {
		return nil, err
	}
	return v, nil
}

// backoff returns 1s, 2s, 4s, ... capped at 32s.
func backoff(attempt int) time.Duration {
	if attempt <= 0 {
		return 0
	}
	shift := attempt - 1
	if shift > 5 {
		shift = 5
	}
	return time.Second * time.Duration(1<<shift)
}
