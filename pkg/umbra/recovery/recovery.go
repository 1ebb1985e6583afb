// Package recovery implements the 24-word recovery phrase: generation,
// validation and seed derivation. It is a thin wrapper over the
// standard BIP-39 wordlist and PBKDF2 schedule; the entropy layout,
// checksum placement and iteration count are exactly BIP-39's, so
// there is no reason to hand-roll them.
package recovery

import (
	"strings"

	"github.com/tyler-smith/go-bip39"

	"github.com/umbra-net/umbra/pkg/umbra/umbraerr"
)

const wordCount = 24

// Generate draws fresh entropy and returns a new 24-word phrase.
func Generate() (string, error) {
	entropy, err := bip39.NewEntropy(256)
	if err != nil {
		return "", umbraerr.ErrRngFailed
	}
	phrase, err := bip39.NewMnemonic(entropy)
	if err != nil {
		return "", umbraerr.ErrInternal
	}
	return phrase, nil
}

// Validate checks word count, wordlist membership and the checksum byte.
func Validate(phrase string) error {
	words := strings.Fields(normalize(phrase))
	if len(words) != wordCount {
		return umbraerr.ErrInvalidRecoveryPhrase
	}
	if !bip39.IsMnemonicValid(strings.Join(words, " ")) {
		return umbraerr.ErrInvalidRecoveryPhrase
	}
	return nil
}

// Seed derives the 64-byte PBKDF2-HMAC-SHA512 seed (2048 iterations,
// salt "mnemonic"+passphrase per BIP-39) and returns the leading 32
// bytes as the master seed. Deterministic: same phrase and passphrase
// always yield the same bytes.
func Seed(phrase, passphrase string) ([]byte, error) {
	if err := Validate(phrase); err != nil {
		return nil, err
	}
	full := bip39.NewSeed(normalize(phrase), passphrase)
	master := make([]byte, 32)
	copy(master, full[:32])
	return master, nil
}

// IsValidWord reports whether w (case-insensitive) is in the fixed
// 2048-word dictionary.
func IsValidWord(w string) bool {
	w = strings.ToLower(strings.TrimSpace(w))
	for _, candidate := range bip39.GetWordList() {
		if candidate == w {
			return true
		}
	}
	return false
}

// SuggestWords returns up to 10 dictionary words starting with prefix,
// for UI autocompletion. Empty prefix returns no suggestions.
func SuggestWords(prefix string) []string {
	prefix = strings.ToLower(strings.TrimSpace(prefix))
	if prefix == "" {
		return nil
	}
	var out []string
	for _, candidate := range bip39.GetWordList() {
		if strings.HasPrefix(candidate, prefix) {
			out = append(out, candidate)
			if len(out) == 10 {
				break
			}
		}
	}
	return out
}

func normalize(phrase string) string {
	return strings.ToLower(strings.Join(strings.Fields(phrase), " "))
}
