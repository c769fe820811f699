package identity

import (
	"strings"

	"github.com/tyler-smith/go-bip39"
)

// MnemonicFromIdentity renders the 32-byte root secret as a 24-word recovery
// phrase. The identity is used as BIP-39 entropy directly so the mapping is
// reversible, unlike a seed derivation.
func MnemonicFromIdentity(pi PlayerIdentity) (string, error) {
	if len(pi) != PlayerIdentitySize {
		return "", ErrInvalidFormat
	}
	mnemonic, err := bip39.NewMnemonic([]byte(pi))
	if err != nil {
		return "", ErrInvalidFormat
	}
	return mnemonic, nil
}

// IdentityFromMnemonic recovers the root secret from a 24-word phrase.
// Whitespace is normalized; word casing is not forgiven, matching the
// BIP-39 word list exactly.
func IdentityFromMnemonic(mnemonic string) (PlayerIdentity, error) {
	normalized := strings.Join(strings.Fields(mnemonic), " ")
	entropy, err := bip39.EntropyFromMnemonic(normalized)
	if err != nil || len(entropy) != PlayerIdentitySize {
		return nil, ErrInvalidFormat
	}
	return PlayerIdentity(entropy), nil
}
