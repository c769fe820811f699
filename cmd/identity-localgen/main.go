package main

import (
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/nbd-wtf/go-nostr/nip19"

	"audioplayer/syncd/internal/envelope"
	"audioplayer/syncd/internal/identity"
	"audioplayer/syncd/internal/relay"
	"audioplayer/syncd/internal/securestore"
)

type accountSummary struct {
	Npub        string    `json:"npub"`
	Fingerprint string    `json:"fingerprint"`
	Restored    bool      `json:"restored"`
	GeneratedAt time.Time `json:"generated_at"`
}

// backupPayload is the plaintext inside identity_backup.enc. Mnemonic and
// secret together are enough to rebuild the whole account on any machine.
type backupPayload struct {
	Mnemonic  string    `json:"mnemonic"`
	Secret    string    `json:"secret"`
	Npub      string    `json:"npub"`
	CreatedAt time.Time `json:"created_at"`
}

func main() {
	var (
		outDir           = flag.String("out-dir", "", "output directory")
		mnemonic         = flag.String("mnemonic", "", "restore from a 24-word recovery phrase instead of generating")
		secret           = flag.String("secret", "", "reuse an existing secondary secret instead of generating")
		fromBackup       = flag.String("from-backup", "", "restore identity and secret from an encrypted backup file")
		backupPassphrase = flag.String("backup-passphrase", "", "passphrase for -from-backup, and for writing identity_backup.enc when set")
	)
	flag.Parse()

	if strings.TrimSpace(*outDir) == "" {
		fail("out-dir is required")
	}

	restorePhrase := strings.TrimSpace(*mnemonic)
	sec := strings.TrimSpace(*secret)
	if backupPath := strings.TrimSpace(*fromBackup); backupPath != "" {
		if strings.TrimSpace(*backupPassphrase) == "" {
			fail("backup-passphrase is required with -from-backup")
		}
		if restorePhrase != "" {
			fail("use either -mnemonic or -from-backup, not both")
		}
		var backup backupPayload
		if err := securestore.ReadDecryptedJSON(backupPath, *backupPassphrase, &backup); err != nil {
			failf("read backup: %v", err)
		}
		restorePhrase = backup.Mnemonic
		if sec == "" {
			sec = backup.Secret
		}
	}

	var (
		pi       identity.PlayerIdentity
		restored bool
		err      error
	)
	if restorePhrase != "" {
		pi, err = identity.IdentityFromMnemonic(restorePhrase)
		if err != nil {
			failf("restore identity: %v", err)
		}
		restored = true
	} else {
		pi, err = identity.GeneratePlayerIdentity()
		if err != nil {
			failf("generate identity: %v", err)
		}
	}
	defer pi.Wipe()

	token, err := identity.EncodePlayerIdentity(pi)
	if err != nil {
		failf("encode identity: %v", err)
	}
	phrase, err := identity.MnemonicFromIdentity(pi)
	if err != nil {
		failf("derive recovery phrase: %v", err)
	}

	rootKeys, err := identity.DeriveRootKeys(pi)
	if err != nil {
		failf("derive root keys: %v", err)
	}
	defer rootKeys.Wipe()
	npub, err := identity.EncodeUserPublicKey(rootKeys.PublicKeyHex)
	if err != nil {
		failf("encode npub: %v", err)
	}
	nsec, err := nip19.EncodePrivateKey(rootKeys.PrivateKeyHex())
	if err != nil {
		failf("encode nsec: %v", err)
	}

	if sec == "" {
		sec, err = identity.GenerateSecondarySecret()
		if err != nil {
			failf("generate secondary secret: %v", err)
		}
	} else if !identity.ValidateSecondarySecret(sec) {
		fail("secret is not a valid secondary secret")
	}

	secretKeys, err := identity.DeriveSecretKeys(sec)
	if err != nil {
		failf("derive secret keys: %v", err)
	}
	defer secretKeys.Wipe()

	env, err := envelope.SealIdentity(token, secretKeys.PublicKeyHex)
	if err != nil {
		failf("seal identity envelope: %v", err)
	}
	now := time.Now().UTC()
	ev, err := relay.NewSlotEvent(rootKeys.PrivateKeyHex(), relay.SlotIdentity, env, now)
	if err != nil {
		failf("build identity event: %v", err)
	}

	if err := os.MkdirAll(*outDir, 0o755); err != nil {
		failf("create out dir: %v", err)
	}

	accountPath := filepath.Join(*outDir, "account.json")
	eventPath := filepath.Join(*outDir, "identity_event.json")
	tokenPath := filepath.Join(*outDir, "player_identity.token")
	phrasePath := filepath.Join(*outDir, "recovery_phrase.txt")
	secretPath := filepath.Join(*outDir, "sync_secret.txt")
	nsecPath := filepath.Join(*outDir, "derived_key.nsec")

	writeJSON(accountPath, accountSummary{
		Npub:        npub,
		Fingerprint: identity.Fingerprint(rootKeys.PublicKeyHex),
		Restored:    restored,
		GeneratedAt: now,
	})
	writeJSON(eventPath, ev)
	writeText(tokenPath, token)
	writeText(phrasePath, phrase)
	writeText(secretPath, sec)
	writeText(nsecPath, nsec)

	writeStdoutln("Generated local sync identity bundle:")
	writeStdoutf("  %s\n", accountPath)
	writeStdoutf("  %s\n", eventPath)
	writeStdoutf("  %s\n", tokenPath)
	writeStdoutf("  %s\n", phrasePath)
	writeStdoutf("  %s\n", secretPath)
	writeStdoutf("  %s\n", nsecPath)

	if pass := strings.TrimSpace(*backupPassphrase); pass != "" {
		backupPath := filepath.Join(*outDir, "identity_backup.enc")
		err := securestore.WriteEncryptedJSON(backupPath, pass, backupPayload{
			Mnemonic:  phrase,
			Secret:    sec,
			Npub:      npub,
			CreatedAt: now,
		})
		if err != nil {
			failf("write backup: %v", err)
		}
		writeStdoutf("  %s\n", backupPath)
	}

	writeStdoutln("Publish identity_event.json to the configured relays to finish setup.")
}

func writeJSON(path string, value any) {
	raw, err := json.MarshalIndent(value, "", "  ")
	if err != nil {
		failf("marshal json %s: %v", path, err)
	}
	if err := os.WriteFile(path, raw, 0o644); err != nil {
		failf("write file %s: %v", path, err)
	}
}

func writeText(path, value string) {
	if err := os.WriteFile(path, []byte(value+"\n"), 0o600); err != nil {
		failf("write file %s: %v", path, err)
	}
}

func fail(msg string) {
	if _, err := fmt.Fprintln(os.Stderr, msg); err != nil {
		os.Exit(1)
	}
	os.Exit(1)
}

func failf(format string, args ...any) {
	if _, err := fmt.Fprintf(os.Stderr, format+"\n", args...); err != nil {
		os.Exit(1)
	}
	os.Exit(1)
}

func writeStdoutln(line string) {
	if _, err := fmt.Fprintln(os.Stdout, line); err != nil {
		os.Exit(1)
	}
}

func writeStdoutf(format string, args ...any) {
	if _, err := fmt.Fprintf(os.Stdout, format, args...); err != nil {
		os.Exit(1)
	}
}
