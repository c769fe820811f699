package identity

import "errors"

var (
	// ErrInvalidFormat covers malformed user-facing identifiers: npub,
	// secondary secret, player identity token. Never retried automatically;
	// the user has to re-enter the value.
	ErrInvalidFormat = errors.New("invalid identity format")

	// ErrInvalidDerivedKey is returned when the HKDF output is not a usable
	// secp256k1 private scalar. Astronomically rare; the caller should tell
	// the user to generate a new identity rather than crash.
	ErrInvalidDerivedKey = errors.New("derived scalar is not a valid private key")
)

const (
	// PlayerIdentitySize is the byte length of the decoded root secret.
	PlayerIdentitySize = 32

	// playerIdentityTokenLen is the URL-safe base64 length of a 32-byte
	// identity with no padding.
	playerIdentityTokenLen = 43

	secondarySecretTokenLen   = 16
	secondarySecretPayloadLen = 11
)

// PlayerIdentity is the 32-byte root secret all sync keys derive from. It is
// never cached locally; holders must Wipe it when done.
type PlayerIdentity []byte

func (pi PlayerIdentity) Wipe() {
	zeroBytes(pi)
}

// KeyPair is a deterministically derived secp256k1 keypair. The public key
// is kept in the x-only hex form relay events use; private material stays in
// a byte slice so it can be zeroed.
type KeyPair struct {
	priv         []byte
	PublicKeyHex string
}

// PrivateKeyBytes returns a copy of the 32-byte private scalar. Callers own
// the copy and must zero it after use.
func (kp *KeyPair) PrivateKeyBytes() []byte {
	if kp == nil {
		return nil
	}
	return append([]byte(nil), kp.priv...)
}

// PrivateKeyHex returns the hex form expected by event signing.
func (kp *KeyPair) PrivateKeyHex() string {
	if kp == nil {
		return ""
	}
	return hexEncode(kp.priv)
}

// Wipe zeroizes the private scalar. The KeyPair is unusable afterwards.
func (kp *KeyPair) Wipe() {
	if kp == nil {
		return
	}
	zeroBytes(kp.priv)
	kp.priv = nil
}

func zeroBytes(b []byte) {
	for i := range b {
		b[i] = 0
	}
}
