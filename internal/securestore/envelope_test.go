package securestore

import (
	"encoding/json"
	"errors"
	"path/filepath"
	"strings"
	"testing"
)

func TestEncryptDecryptRoundtrip(t *testing.T) {
	data, err := Encrypt("pass", []byte("identity material"))
	if err != nil {
		t.Fatalf("encrypt failed: %v", err)
	}
	plain, err := Decrypt("pass", data)
	if err != nil {
		t.Fatalf("decrypt failed: %v", err)
	}
	if string(plain) != "identity material" {
		t.Fatalf("unexpected plaintext: %q", string(plain))
	}
}

func TestWrongPassphraseFails(t *testing.T) {
	data, err := Encrypt("pass", []byte("identity material"))
	if err != nil {
		t.Fatalf("encrypt failed: %v", err)
	}
	if _, err := Decrypt("not-the-pass", data); !errors.Is(err, ErrAuthFailed) {
		t.Fatalf("expected ErrAuthFailed, got %v", err)
	}
}

func TestTamperedCiphertextFails(t *testing.T) {
	data, err := Encrypt("pass", []byte("identity material"))
	if err != nil {
		t.Fatalf("encrypt failed: %v", err)
	}
	data[len(data)-2] ^= 0xFF
	_, err = Decrypt("pass", data)
	if !errors.Is(err, ErrAuthFailed) && !errors.Is(err, ErrInvalid) {
		t.Fatalf("expected auth or structure failure, got %v", err)
	}
}

func TestMissingPrefixIsInvalid(t *testing.T) {
	if _, err := Decrypt("pass", []byte(`{"version":1}`)); !errors.Is(err, ErrInvalid) {
		t.Fatalf("expected ErrInvalid, got %v", err)
	}
}

func TestDecryptHonorsRecordedKDFParams(t *testing.T) {
	data, err := Encrypt("pass", []byte("payload"))
	if err != nil {
		t.Fatalf("encrypt failed: %v", err)
	}
	var env Envelope
	if err := json.Unmarshal(data[len(filePrefix):], &env); err != nil {
		t.Fatalf("reparse envelope: %v", err)
	}

	// A different recorded time cost changes the derived key, so the auth
	// tag must stop matching. This proves the recorded params are used.
	env.KDFTime = 3
	if _, err := decryptEnvelope("pass", &env); !errors.Is(err, ErrAuthFailed) {
		t.Fatalf("expected ErrAuthFailed under altered kdf params, got %v", err)
	}
}

func TestOversizedKDFParamsRejectedBeforeDerivation(t *testing.T) {
	data, err := Encrypt("pass", []byte("payload"))
	if err != nil {
		t.Fatalf("encrypt failed: %v", err)
	}
	var env Envelope
	if err := json.Unmarshal(data[len(filePrefix):], &env); err != nil {
		t.Fatalf("reparse envelope: %v", err)
	}

	env.KDFMemoryKB = 8 * 1024 * 1024
	if _, err := decryptEnvelope("pass", &env); !errors.Is(err, ErrInvalid) {
		t.Fatalf("expected ErrInvalid for oversized memory demand, got %v", err)
	}
}

func TestJSONFileRoundtrip(t *testing.T) {
	type bundle struct {
		Token  string `json:"token"`
		Secret string `json:"secret"`
	}
	path := filepath.Join(t.TempDir(), "backups", "identity_backup.enc")

	in := bundle{Token: strings.Repeat("A", 43), Secret: "sync-secret"}
	if err := WriteEncryptedJSON(path, "pass", in); err != nil {
		t.Fatalf("write failed: %v", err)
	}

	var out bundle
	if err := ReadDecryptedJSON(path, "pass", &out); err != nil {
		t.Fatalf("read failed: %v", err)
	}
	if out != in {
		t.Fatalf("roundtrip mismatch: %+v != %+v", out, in)
	}

	if err := ReadDecryptedJSON(path, "wrong", &out); !errors.Is(err, ErrAuthFailed) {
		t.Fatalf("expected ErrAuthFailed with wrong passphrase, got %v", err)
	}
}
