// Package storage is the durable local cache: the last known history
// snapshot plus the credential slots that survive restarts. Everything in it
// can be rebuilt from the relay network; losing the file costs a fetch, not
// data.
package storage

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"go.etcd.io/bbolt"

	"audioplayer/syncd/pkg/models"
)

const (
	// FileName is the cache database file created under the data directory.
	FileName = "sync.db"

	bucketName = "sync"

	keyHistory         = "history"
	keyIdentifier      = "identifier"
	keySecondarySecret = "secondary_secret"
)

// Store is a bbolt-backed cache. A missing key always reads as a clean zero
// value; only real I/O or decode problems surface as errors.
type Store struct {
	db *bbolt.DB
}

// Open creates or opens the cache database under dir. The directory is
// created private to the owning user; the database file holds the cached
// secret, so it stays 0600.
func Open(dir string) (*Store, error) {
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return nil, fmt.Errorf("creating data dir: %w", err)
	}
	db, err := bbolt.Open(filepath.Join(dir, FileName), 0o600, nil)
	if err != nil {
		return nil, fmt.Errorf("opening cache db: %w", err)
	}
	if err := db.Update(func(tx *bbolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists([]byte(bucketName))
		return err
	}); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("creating cache bucket: %w", err)
	}
	return &Store{db: db}, nil
}

func (s *Store) Close() error {
	return s.db.Close()
}

// History returns the cached snapshot, zero when nothing is cached yet.
func (s *Store) History() (models.HistorySnapshot, error) {
	var snapshot models.HistorySnapshot
	raw, err := s.get(keyHistory)
	if err != nil || raw == nil {
		return models.HistorySnapshot{}, err
	}
	if err := json.Unmarshal(raw, &snapshot); err != nil {
		return models.HistorySnapshot{}, fmt.Errorf("decoding cached history: %w", err)
	}
	return snapshot, nil
}

func (s *Store) SetHistory(snapshot models.HistorySnapshot) error {
	raw, err := json.Marshal(snapshot)
	if err != nil {
		return fmt.Errorf("encoding history: %w", err)
	}
	return s.set(keyHistory, raw)
}

// Identifier returns the cached public identifier, empty when none is set.
func (s *Store) Identifier() (string, error) {
	raw, err := s.get(keyIdentifier)
	return string(raw), err
}

func (s *Store) SetIdentifier(npub string) error {
	return s.set(keyIdentifier, []byte(npub))
}

// SecondarySecret returns the cached secret token, empty when none is set.
func (s *Store) SecondarySecret() (string, error) {
	raw, err := s.get(keySecondarySecret)
	return string(raw), err
}

func (s *Store) SetSecondarySecret(secret string) error {
	return s.set(keySecondarySecret, []byte(secret))
}

// ClearSecondarySecret drops only the cached secret. Used when decryption
// proves the cached value wrong.
func (s *Store) ClearSecondarySecret() error {
	return s.delete(keySecondarySecret)
}

// Clear wipes every cached value. Used by logout.
func (s *Store) Clear() error {
	return s.db.Update(func(tx *bbolt.Tx) error {
		if err := tx.DeleteBucket([]byte(bucketName)); err != nil {
			return err
		}
		_, err := tx.CreateBucketIfNotExists([]byte(bucketName))
		return err
	})
}

func (s *Store) get(key string) ([]byte, error) {
	var out []byte
	err := s.db.View(func(tx *bbolt.Tx) error {
		b := tx.Bucket([]byte(bucketName))
		if b == nil {
			return nil
		}
		if v := b.Get([]byte(key)); v != nil {
			out = append([]byte(nil), v...)
		}
		return nil
	})
	return out, err
}

func (s *Store) set(key string, value []byte) error {
	return s.db.Update(func(tx *bbolt.Tx) error {
		b, err := tx.CreateBucketIfNotExists([]byte(bucketName))
		if err != nil {
			return err
		}
		return b.Put([]byte(key), value)
	})
}

func (s *Store) delete(key string) error {
	return s.db.Update(func(tx *bbolt.Tx) error {
		b := tx.Bucket([]byte(bucketName))
		if b == nil {
			return nil
		}
		return b.Delete([]byte(key))
	})
}
