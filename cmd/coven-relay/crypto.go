// ABOUTME: Matrix E2EE setup for coven-relay
// ABOUTME: Wires a sqlite-backed crypto store into the client and verifies via recovery key

package main

import (
	"context"
	"crypto/sha256"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	_ "github.com/mattn/go-sqlite3"
	"maunium.net/go/mautrix"
	"maunium.net/go/mautrix/crypto/cryptohelper"
)

// enableEncryption attaches end-to-end encryption to the Matrix client
// so session threads work in encrypted rooms. The crypto store is a
// sqlite file under dataDir, one per bot account. Recovery-key
// verification is best effort: a bad key leaves encryption on, just
// without cross-signing.
func enableEncryption(ctx context.Context, client *mautrix.Client, recoveryKey, dataDir string, logger *slog.Logger) (*cryptohelper.CryptoHelper, error) {
	if err := os.MkdirAll(dataDir, 0700); err != nil {
		return nil, fmt.Errorf("creating data directory: %w", err)
	}

	userID := client.UserID.String()
	dbPath := filepath.Join(dataDir, "relay-crypto-"+cryptoSlug(userID)+".db")
	logger.Info("enabling encryption", "db", dbPath)

	// A fresh login gets a fresh device ID; a store holding keys for a
	// previous device cannot be reused and must be recreated.
	if err := discardStaleCryptoStore(dbPath, client.DeviceID.String(), logger); err != nil {
		return nil, err
	}

	helper, err := cryptohelper.NewCryptoHelper(client, cryptoStoreKey(userID), dbPath)
	if err != nil {
		return nil, fmt.Errorf("creating crypto helper: %w", err)
	}
	if err := helper.Init(ctx); err != nil {
		return nil, fmt.Errorf("initializing crypto helper: %w", err)
	}
	client.Crypto = helper

	if machine := helper.Machine(); machine == nil {
		logger.Warn("crypto machine not initialized, skipping recovery key verification")
	} else if err := machine.VerifyWithRecoveryKey(ctx, recoveryKey); err != nil {
		logger.Warn("recovery key verification failed, continuing without cross-signing", "error", err)
	} else {
		logger.Info("device verified with recovery key")
	}

	return helper, nil
}

// discardStaleCryptoStore removes the store when it was written by a
// different device ID. Read errors are logged and ignored so a corrupt
// file cannot block startup; helper init surfaces real problems.
func discardStaleCryptoStore(dbPath, deviceID string, logger *slog.Logger) error {
	stored, err := storedCryptoDeviceID(dbPath)
	if err != nil {
		logger.Debug("could not read crypto store device id", "error", err)
		return nil
	}
	if stored == "" || stored == deviceID {
		return nil
	}

	logger.Warn("crypto store belongs to a previous device, recreating",
		"stored", stored, "current", deviceID)
	if err := os.Remove(dbPath); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("removing stale crypto store: %w", err)
	}
	_ = os.Remove(dbPath + "-wal")
	_ = os.Remove(dbPath + "-shm")
	return nil
}

// storedCryptoDeviceID reads the device ID recorded in the crypto
// store, or "" when the store is absent or holds no account yet.
func storedCryptoDeviceID(dbPath string) (string, error) {
	if _, err := os.Stat(dbPath); os.IsNotExist(err) {
		return "", nil
	}

	db, err := sql.Open("sqlite3", dbPath)
	if err != nil {
		return "", err
	}
	defer db.Close()

	var deviceID string
	err = db.QueryRow("SELECT device_id FROM crypto_account LIMIT 1").Scan(&deviceID)
	if errors.Is(err, sql.ErrNoRows) {
		return "", nil
	}
	if err != nil {
		return "", err
	}
	return deviceID, nil
}

// cryptoStoreKey derives the store's encryption key from the bot's
// user ID, so each account gets an isolated store without carrying an
// extra secret in the config.
func cryptoStoreKey(userID string) []byte {
	sum := sha256.Sum256([]byte("coven-relay-crypto:" + userID))
	return sum[:]
}

// cryptoSlug flattens a Matrix user ID into a filename fragment:
// @relay:example.org becomes relay_example.org.
func cryptoSlug(userID string) string {
	s := strings.TrimPrefix(userID, "@")
	s = strings.ReplaceAll(s, ":", "_")
	var b strings.Builder
	for _, r := range s {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9',
			r == '.', r == '-', r == '_':
			b.WriteRune(r)
		}
	}
	return b.String()
}
