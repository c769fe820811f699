// Package securestore writes and reads passphrase-encrypted backup files.
// A backup bundles the player identity token and the sync secret into one
// file a user can move between machines without exposing either in
// plaintext. Keys are derived with argon2id and the payload is sealed with
// XChaCha20-Poly1305.
package securestore

import (
	"crypto/rand"
	"encoding/json"
	"errors"
	"strings"

	"golang.org/x/crypto/argon2"
	"golang.org/x/crypto/chacha20poly1305"
)

const (
	envelopeVersion = 1
	saltSize        = 16
	filePrefix      = "SYNCBK1\n"

	defaultKDFTime     = 2
	defaultKDFMemoryKB = 64 * 1024
	defaultKDFThreads  = 1

	// Upper bounds on the KDF parameters accepted from a file. Without
	// these a crafted envelope could demand gigabytes of memory before the
	// auth tag is ever checked.
	maxKDFTime     = 16
	maxKDFMemoryKB = 512 * 1024
	maxKDFThreads  = 8
)

var (
	ErrAuthFailed = errors.New("backup passphrase is wrong or the file is damaged")
	ErrInvalid    = errors.New("backup file is not a valid sync backup")
)

// Envelope is the serialized form of an encrypted backup. The KDF
// parameters travel with the file so they can be raised later without
// breaking old backups.
type Envelope struct {
	Version     uint32 `json:"version"`
	KDF         string `json:"kdf"`
	KDFTime     uint32 `json:"kdf_time"`
	KDFMemoryKB uint32 `json:"kdf_memory_kb"`
	KDFThreads  uint8  `json:"kdf_threads"`
	Salt        []byte `json:"salt"`
	Nonce       []byte `json:"nonce"`
	Ciphertext  []byte `json:"ciphertext"`
}

// Encrypt seals plaintext under passphrase and returns the full file
// content including the format prefix.
func Encrypt(passphrase string, plaintext []byte) ([]byte, error) {
	env, err := encryptEnvelope(passphrase, plaintext)
	if err != nil {
		return nil, err
	}
	raw, err := json.Marshal(env)
	if err != nil {
		return nil, err
	}
	return append([]byte(filePrefix), raw...), nil
}

func encryptEnvelope(passphrase string, plaintext []byte) (*Envelope, error) {
	salt := make([]byte, saltSize)
	if _, err := rand.Read(salt); err != nil {
		return nil, err
	}
	key := deriveKey(passphrase, salt, defaultKDFTime, defaultKDFMemoryKB, defaultKDFThreads)
	defer zeroBytes(key)

	aead, err := chacha20poly1305.NewX(key)
	if err != nil {
		return nil, err
	}
	nonce := make([]byte, chacha20poly1305.NonceSizeX)
	if _, err := rand.Read(nonce); err != nil {
		return nil, err
	}
	ciphertext := aead.Seal(nil, nonce, plaintext, nil)

	return &Envelope{
		Version:     envelopeVersion,
		KDF:         "argon2id",
		KDFTime:     defaultKDFTime,
		KDFMemoryKB: defaultKDFMemoryKB,
		KDFThreads:  defaultKDFThreads,
		Salt:        salt,
		Nonce:       nonce,
		Ciphertext:  ciphertext,
	}, nil
}

// Decrypt opens file content produced by Encrypt. Wrong passphrases and
// tampered ciphertexts both come back as ErrAuthFailed; structural
// problems as ErrInvalid.
func Decrypt(passphrase string, data []byte) ([]byte, error) {
	if !strings.HasPrefix(string(data), filePrefix) {
		return nil, ErrInvalid
	}
	var env Envelope
	if err := json.Unmarshal(data[len(filePrefix):], &env); err != nil {
		return nil, ErrInvalid
	}
	return decryptEnvelope(passphrase, &env)
}

func decryptEnvelope(passphrase string, env *Envelope) ([]byte, error) {
	if env == nil || env.Version != envelopeVersion || env.KDF != "argon2id" {
		return nil, ErrInvalid
	}
	if env.KDFTime == 0 || env.KDFTime > maxKDFTime {
		return nil, ErrInvalid
	}
	if env.KDFMemoryKB == 0 || env.KDFMemoryKB > maxKDFMemoryKB {
		return nil, ErrInvalid
	}
	if env.KDFThreads == 0 || env.KDFThreads > maxKDFThreads {
		return nil, ErrInvalid
	}
	// aead.Open panics on a wrong-sized nonce, so reject it here.
	if len(env.Nonce) != chacha20poly1305.NonceSizeX {
		return nil, ErrInvalid
	}
	key := deriveKey(passphrase, env.Salt, env.KDFTime, env.KDFMemoryKB, env.KDFThreads)
	defer zeroBytes(key)

	aead, err := chacha20poly1305.NewX(key)
	if err != nil {
		return nil, err
	}
	plaintext, err := aead.Open(nil, env.Nonce, env.Ciphertext, nil)
	if err != nil {
		return nil, ErrAuthFailed
	}
	return plaintext, nil
}

func deriveKey(passphrase string, salt []byte, kdfTime, memoryKB uint32, threads uint8) []byte {
	return argon2.IDKey([]byte(passphrase), salt, kdfTime, memoryKB, threads, chacha20poly1305.KeySize)
}

func zeroBytes(b []byte) {
	for i := range b {
		b[i] = 0
	}
}
