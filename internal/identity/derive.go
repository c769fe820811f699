package identity

import (
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"fmt"
	"io"

	"github.com/decred/dcrd/dcrec/secp256k1/v4"
	"golang.org/x/crypto/hkdf"
)

// Derivation salts. Versioned so a future scheme change cannot silently
// produce keys that collide with the current ones.
const (
	rootKeySalt   = "audioplayer/sync/root/v1"
	secretKeySalt = "audioplayer/sync/secret/v1"
)

// GeneratePlayerIdentity returns a fresh 32-byte root secret.
func GeneratePlayerIdentity() (PlayerIdentity, error) {
	buf := make([]byte, PlayerIdentitySize)
	if _, err := rand.Read(buf); err != nil {
		return nil, fmt.Errorf("generate player identity: %w", err)
	}
	return PlayerIdentity(buf), nil
}

// ParsePlayerIdentity decodes the user-facing identity token: 43 characters
// of unpadded URL-safe base64 covering exactly 32 bytes.
func ParsePlayerIdentity(token string) (PlayerIdentity, error) {
	if len(token) != playerIdentityTokenLen {
		return nil, ErrInvalidFormat
	}
	raw, err := base64.RawURLEncoding.DecodeString(token)
	if err != nil || len(raw) != PlayerIdentitySize {
		return nil, ErrInvalidFormat
	}
	return PlayerIdentity(raw), nil
}

// EncodePlayerIdentity renders the root secret in the token form users copy
// between devices.
func EncodePlayerIdentity(pi PlayerIdentity) (string, error) {
	if len(pi) != PlayerIdentitySize {
		return "", ErrInvalidFormat
	}
	return base64.RawURLEncoding.EncodeToString(pi), nil
}

// DeriveRootKeys maps a player identity to the signing keypair that owns the
// account's relay slots. Same identity in, same keys out, on every device.
func DeriveRootKeys(pi PlayerIdentity) (*KeyPair, error) {
	if len(pi) != PlayerIdentitySize {
		return nil, ErrInvalidFormat
	}
	return deriveKeyPair(pi, rootKeySalt)
}

// DeriveSecretKeys maps a secondary secret to the keypair that seals the
// identity envelope. Only the 11 payload bytes feed the KDF; the checksum
// byte is excluded so the keys do not depend on its encoding.
func DeriveSecretKeys(secret string) (*KeyPair, error) {
	payload, err := secondarySecretPayload(secret)
	if err != nil {
		return nil, err
	}
	defer zeroBytes(payload)
	return deriveKeyPair(payload, secretKeySalt)
}

func deriveKeyPair(ikm []byte, salt string) (*KeyPair, error) {
	scalarBytes, err := hkdfExpand(ikm, salt, 32)
	if err != nil {
		return nil, err
	}
	defer zeroBytes(scalarBytes)

	var scalar secp256k1.ModNScalar
	overflow := scalar.SetByteSlice(scalarBytes)
	if overflow || scalar.IsZero() {
		scalar.Zero()
		return nil, ErrInvalidDerivedKey
	}
	priv := secp256k1.NewPrivateKey(&scalar)
	scalar.Zero()

	serialized := priv.Serialize()
	xonly := priv.PubKey().SerializeCompressed()[1:]
	priv.Zero()

	return &KeyPair{
		priv:         serialized,
		PublicKeyHex: hex.EncodeToString(xonly),
	}, nil
}

// hkdfExpand runs HKDF-SHA256 with a fixed domain-separation salt and empty
// info, returning length output bytes.
func hkdfExpand(secret []byte, salt string, length int) ([]byte, error) {
	reader := hkdf.New(sha256.New, secret, []byte(salt), nil)
	out := make([]byte, length)
	if _, err := io.ReadFull(reader, out); err != nil {
		return nil, fmt.Errorf("hkdf expand: %w", err)
	}
	return out, nil
}

func hexEncode(b []byte) string {
	return hex.EncodeToString(b)
}
