package identity

import (
	"encoding/hex"
	"strings"

	"github.com/mr-tron/base58"
	"github.com/nbd-wtf/go-nostr/nip19"
	"golang.org/x/crypto/blake2b"
)

const fingerprintLen = 12

// DecodeUserPublicKey turns a user-entered npub into the lowercase x-only
// hex form used in relay filters. Anything that is not a well-formed npub
// fails with ErrInvalidFormat.
func DecodeUserPublicKey(npub string) (string, error) {
	prefix, value, err := nip19.Decode(strings.TrimSpace(npub))
	if err != nil || prefix != "npub" {
		return "", ErrInvalidFormat
	}
	pubHex, ok := value.(string)
	if !ok || !validPublicKeyHex(pubHex) {
		return "", ErrInvalidFormat
	}
	return strings.ToLower(pubHex), nil
}

// EncodeUserPublicKey renders an x-only hex public key as an npub for
// display.
func EncodeUserPublicKey(pubHex string) (string, error) {
	if !validPublicKeyHex(pubHex) {
		return "", ErrInvalidFormat
	}
	npub, err := nip19.EncodePublicKey(strings.ToLower(pubHex))
	if err != nil {
		return "", ErrInvalidFormat
	}
	return npub, nil
}

// Fingerprint derives a short stable tag for a public key, safe to put in
// logs and notices where the full key would be noise.
func Fingerprint(pubHex string) string {
	sum := blake2b.Sum256([]byte(strings.ToLower(pubHex)))
	encoded := base58.Encode(sum[:])
	if len(encoded) > fingerprintLen {
		encoded = encoded[:fingerprintLen]
	}
	return "fp" + encoded
}

func validPublicKeyHex(pubHex string) bool {
	if len(pubHex) != 64 {
		return false
	}
	_, err := hex.DecodeString(strings.ToLower(pubHex))
	return err == nil
}
