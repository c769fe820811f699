// Package envelope seals history snapshots and player identities into the
// encrypted wire form relays store. Sealing uses a fresh ephemeral secp256k1
// key per call, so a leaked long-term key never unlocks previously published
// ciphertexts.
package envelope

import (
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/decred/dcrd/dcrec/secp256k1/v4"
	"golang.org/x/crypto/chacha20poly1305"
	"golang.org/x/crypto/hkdf"

	"audioplayer/syncd/internal/identity"
	"audioplayer/syncd/pkg/models"
)

var (
	// ErrDecryptionFailed means the AEAD tag did not verify: wrong key, not
	// corruption. On the identity slot this tells the caller the secondary
	// secret is wrong and must be re-entered.
	ErrDecryptionFailed = errors.New("envelope decryption failed")

	// ErrMalformedPayload means the envelope or its decrypted plaintext is
	// structurally invalid. Retrying with another key will not help.
	ErrMalformedPayload = errors.New("envelope payload malformed")
)

const aeadKeyInfo = "audioplayer/snapshot/aead/v1"

// Seal encrypts a history snapshot for recipientPub, stamping it with the
// send time and the writer's session id. recipientPub may be x-only hex or
// an npub.
func Seal(snapshot models.HistorySnapshot, recipientPub, sessionID string, now time.Time) (models.RelayEnvelope, error) {
	payload := models.HistorySnapshot{
		Entries:   models.CloneEntries(snapshot.Entries),
		Timestamp: now.UnixMilli(),
		SessionID: sessionID,
	}
	plaintext, err := json.Marshal(payload)
	if err != nil {
		return models.RelayEnvelope{}, fmt.Errorf("seal snapshot: %w", err)
	}
	defer zeroBytes(plaintext)
	return seal(plaintext, recipientPub)
}

// Open decrypts a history snapshot envelope with the recipient's derived
// private key. Authentication failures and malformed plaintexts are distinct
// errors; callers rely on that to tell "wrong key" from "corrupt data".
func Open(env models.RelayEnvelope, recipientPriv *identity.KeyPair) (models.HistorySnapshot, error) {
	plaintext, err := open(env, recipientPriv)
	if err != nil {
		return models.HistorySnapshot{}, err
	}
	defer zeroBytes(plaintext)

	var snapshot models.HistorySnapshot
	if err := json.Unmarshal(plaintext, &snapshot); err != nil {
		return models.HistorySnapshot{}, ErrMalformedPayload
	}
	if err := models.ValidateSnapshot(snapshot); err != nil {
		return models.HistorySnapshot{}, ErrMalformedPayload
	}
	return snapshot, nil
}

// SealIdentity encrypts a player-identity token for the secret-derived
// recipient pair. This is the envelope the setup surface publishes to the
// identity slot.
func SealIdentity(token, recipientPub string) (models.RelayEnvelope, error) {
	if _, err := identity.ParsePlayerIdentity(token); err != nil {
		return models.RelayEnvelope{}, err
	}
	plaintext := []byte(token)
	defer zeroBytes(plaintext)
	return seal(plaintext, recipientPub)
}

// OpenIdentity decrypts the identity slot envelope and returns the player
// identity. ErrDecryptionFailed means the secondary secret is wrong; a
// plaintext that is not a valid identity token is ErrMalformedPayload.
func OpenIdentity(env models.RelayEnvelope, recipientPriv *identity.KeyPair) (identity.PlayerIdentity, error) {
	plaintext, err := open(env, recipientPriv)
	if err != nil {
		return nil, err
	}
	defer zeroBytes(plaintext)

	pi, err := identity.ParsePlayerIdentity(string(plaintext))
	if err != nil {
		return nil, ErrMalformedPayload
	}
	return pi, nil
}

func seal(plaintext []byte, recipientPub string) (models.RelayEnvelope, error) {
	recipient, err := parsePublicKey(recipientPub)
	if err != nil {
		return models.RelayEnvelope{}, identity.ErrInvalidFormat
	}

	ephemeral, err := secp256k1.GeneratePrivateKey()
	if err != nil {
		return models.RelayEnvelope{}, fmt.Errorf("seal: generate ephemeral key: %w", err)
	}
	defer ephemeral.Zero()

	shared := secp256k1.GenerateSharedSecret(ephemeral, recipient)
	defer zeroBytes(shared)

	aead, err := newAEAD(shared)
	if err != nil {
		return models.RelayEnvelope{}, err
	}

	nonce := make([]byte, chacha20poly1305.NonceSizeX, chacha20poly1305.NonceSizeX+len(plaintext)+chacha20poly1305.Overhead)
	if _, err := rand.Read(nonce); err != nil {
		return models.RelayEnvelope{}, fmt.Errorf("seal: nonce: %w", err)
	}
	sealed := aead.Seal(nonce, nonce, plaintext, nil)

	return models.RelayEnvelope{
		Version:         models.EnvelopeVersion,
		EphemeralPubKey: hex.EncodeToString(ephemeral.PubKey().SerializeCompressed()[1:]),
		Ciphertext:      base64.StdEncoding.EncodeToString(sealed),
	}, nil
}

func open(env models.RelayEnvelope, recipientPriv *identity.KeyPair) ([]byte, error) {
	if env.Version != models.EnvelopeVersion {
		return nil, ErrMalformedPayload
	}
	senderHex, err := normalizePublicKey(env.EphemeralPubKey)
	if err != nil {
		return nil, ErrMalformedPayload
	}
	sender, err := parsePublicKey(senderHex)
	if err != nil {
		return nil, ErrMalformedPayload
	}
	raw, err := base64.StdEncoding.DecodeString(env.Ciphertext)
	if err != nil || len(raw) < chacha20poly1305.NonceSizeX+chacha20poly1305.Overhead {
		return nil, ErrMalformedPayload
	}

	privBytes := recipientPriv.PrivateKeyBytes()
	if len(privBytes) != 32 {
		return nil, ErrDecryptionFailed
	}
	priv := secp256k1.PrivKeyFromBytes(privBytes)
	zeroBytes(privBytes)

	shared := secp256k1.GenerateSharedSecret(priv, sender)
	priv.Zero()
	defer zeroBytes(shared)

	aead, err := newAEAD(shared)
	if err != nil {
		return nil, err
	}

	nonce, sealed := raw[:chacha20poly1305.NonceSizeX], raw[chacha20poly1305.NonceSizeX:]
	plaintext, err := aead.Open(nil, nonce, sealed, nil)
	if err != nil {
		return nil, ErrDecryptionFailed
	}
	return plaintext, nil
}

func newAEAD(shared []byte) (cipher.AEAD, error) {
	key, err := aeadKey(shared)
	if err != nil {
		return nil, err
	}
	defer zeroBytes(key)
	return chacha20poly1305.NewX(key)
}

func aeadKey(shared []byte) ([]byte, error) {
	reader := hkdf.New(sha256.New, shared, nil, []byte(aeadKeyInfo))
	key := make([]byte, chacha20poly1305.KeySize)
	if _, err := io.ReadFull(reader, key); err != nil {
		return nil, fmt.Errorf("derive aead key: %w", err)
	}
	return key, nil
}

// normalizePublicKey accepts either the 64-char x-only hex form or an npub
// and returns lowercase hex.
func normalizePublicKey(key string) (string, error) {
	key = strings.TrimSpace(key)
	if strings.HasPrefix(key, "npub1") {
		return identity.DecodeUserPublicKey(key)
	}
	if len(key) != 64 {
		return "", identity.ErrInvalidFormat
	}
	lower := strings.ToLower(key)
	if _, err := hex.DecodeString(lower); err != nil {
		return "", identity.ErrInvalidFormat
	}
	return lower, nil
}

// parsePublicKey lifts an x-only key onto the curve with even-y parity. ECDH
// only uses the x coordinate of the product, so the parity choice cannot
// change the shared secret.
func parsePublicKey(key string) (*secp256k1.PublicKey, error) {
	normalized, err := normalizePublicKey(key)
	if err != nil {
		return nil, err
	}
	raw, err := hex.DecodeString(normalized)
	if err != nil || len(raw) != 32 {
		return nil, identity.ErrInvalidFormat
	}
	return secp256k1.ParsePubKey(append([]byte{secp256k1.PubKeyFormatCompressedEven}, raw...))
}

func zeroBytes(b []byte) {
	for i := range b {
		b[i] = 0
	}
}
