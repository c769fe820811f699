package securestore

import (
	"encoding/json"
	"os"
	"path/filepath"
)

// WriteEncryptedJSON marshals v, encrypts it under passphrase and writes
// the backup file readable by the owner only.
func WriteEncryptedJSON(path, passphrase string, v any) error {
	payload, err := json.Marshal(v)
	if err != nil {
		return err
	}
	encrypted, err := Encrypt(passphrase, payload)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return err
	}
	return os.WriteFile(path, encrypted, 0o600)
}

// ReadDecryptedJSON reads a backup file, decrypts it under passphrase and
// unmarshals the payload into out.
func ReadDecryptedJSON(path, passphrase string, out any) error {
	raw, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	plain, err := Decrypt(passphrase, raw)
	if err != nil {
		return err
	}
	return json.Unmarshal(plain, out)
}
