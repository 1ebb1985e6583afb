package identity

import (
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/umbra-net/umbra/internal/testutil/fsperm"
	"github.com/umbra-net/umbra/pkg/umbra/recovery"
)

func sealedVault(t *testing.T) (*Vault, string) {
	t.Helper()
	phrase, err := recovery.Generate()
	if err != nil {
		t.Fatalf("generate phrase failed: %v", err)
	}
	v := NewVault()
	if err := v.Seal(phrase, "correct horse"); err != nil {
		t.Fatalf("seal failed: %v", err)
	}
	return v, phrase
}

func TestVaultSealUnsealRoundTrip(t *testing.T) {
	v, phrase := sealedVault(t)
	got, err := v.Unseal("correct horse")
	if err != nil {
		t.Fatalf("unseal failed: %v", err)
	}
	if got != phrase {
		t.Fatalf("unsealed phrase does not match sealed phrase")
	}
}

func TestVaultRejectsEmptyInputs(t *testing.T) {
	v := NewVault()
	if err := v.Seal("", "pw"); !errors.Is(err, ErrMnemonicRequired) {
		t.Fatalf("expected ErrMnemonicRequired, got %v", err)
	}
	if _, err := v.Unseal(""); !errors.Is(err, ErrPasswordRequired) {
		t.Fatalf("expected ErrPasswordRequired, got %v", err)
	}
}

func TestVaultWrongPasswordBacksOff(t *testing.T) {
	v, _ := sealedVault(t)
	now := time.Unix(1_700_000_000, 0)
	v.now = func() time.Time { return now }

	if _, err := v.Unseal("wrong"); !errors.Is(err, ErrInvalidPassword) {
		t.Fatalf("expected ErrInvalidPassword, got %v", err)
	}
	// Even the correct password is refused while the lockout holds.
	if _, err := v.Unseal("correct horse"); !errors.Is(err, ErrPasswordLocked) {
		t.Fatalf("expected ErrPasswordLocked during backoff, got %v", err)
	}

	now = now.Add(2 * time.Second)
	if _, err := v.Unseal("correct horse"); err != nil {
		t.Fatalf("expected unseal to succeed after backoff elapsed, got %v", err)
	}

	// A successful unseal resets the attempt counter.
	if _, err := v.Unseal("wrong"); !errors.Is(err, ErrInvalidPassword) {
		t.Fatalf("expected ErrInvalidPassword, got %v", err)
	}
	now = now.Add(1500 * time.Millisecond)
	if _, err := v.Unseal("correct horse"); err != nil {
		t.Fatalf("expected 1s backoff after reset, got %v", err)
	}
}

func TestVaultBackoffDoubles(t *testing.T) {
	for attempt, want := range map[int]time.Duration{
		1: time.Second,
		2: 2 * time.Second,
		3: 4 * time.Second,
		6: 32 * time.Second,
		9: 32 * time.Second, // capped
	} {
		if got := backoff(attempt); got != want {
			t.Fatalf("backoff(%d) = %v, want %v", attempt, got, want)
		}
	}
}

func TestVaultChangePassword(t *testing.T) {
	v, phrase := sealedVault(t)
	if err := v.ChangePassword("correct horse", "battery staple"); err != nil {
		t.Fatalf("change password failed: %v", err)
	}
	got, err := v.Unseal("battery staple")
	if err != nil || got != phrase {
		t.Fatalf("unseal under new password failed: %v", err)
	}
}

func TestVaultPersistLoadRoundTrip(t *testing.T) {
	v, phrase := sealedVault(t)
	path := filepath.Join(t.TempDir(), "vault", "seed.enc")
	if err := v.PersistTo(path, "correct horse"); err != nil {
		t.Fatalf("persist failed: %v", err)
	}
	fsperm.AssertPrivateDirPerm(t, filepath.Dir(path))

	loaded, err := LoadVaultFrom(path, "correct horse")
	if err != nil {
		t.Fatalf("load failed: %v", err)
	}
	got, err := loaded.Unseal("correct horse")
	if err != nil || got != phrase {
		t.Fatalf("loaded vault unseal failed: %v", err)
	}

	if _, err := LoadVaultFrom(path, "not the password"); err == nil {
		t.Fatalf("expected load under wrong password to fail")
	}
}
