// ABOUTME: Optional end-to-end encryption for tenant connections via mautrix cryptohelper
// ABOUTME: Each tenant gets its own SQLite crypto store, reset when the device id changes

package matrix

import (
	"context"
	"crypto/sha256"
	"database/sql"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"

	_ "github.com/mattn/go-sqlite3"
	"maunium.net/go/mautrix"
	"maunium.net/go/mautrix/crypto/cryptohelper"
)

// setupCrypto attaches a crypto helper to cli, storing keys in dbPath.
func setupCrypto(ctx context.Context, cli *mautrix.Client, dbPath string, logger *slog.Logger) (*cryptohelper.CryptoHelper, error) {
	if err := os.MkdirAll(filepath.Dir(dbPath), 0700); err != nil {
		return nil, fmt.Errorf("creating crypto directory: %w", err)
	}

	stale, err := deviceChanged(dbPath, cli.DeviceID.String())
	if err != nil {
		logger.Debug("could not read stored device id", "error", err)
	} else if stale {
		// A fresh login gets a new device; keys for the old one are useless.
		logger.Warn("device id changed, resetting crypto store", "path", dbPath)
		for _, p := range []string{dbPath, dbPath + "-wal", dbPath + "-shm"} {
			if err := os.Remove(p); err != nil && !os.IsNotExist(err) {
				return nil, fmt.Errorf("removing stale crypto store: %w", err)
			}
		}
	}

	helper, err := cryptohelper.NewCryptoHelper(cli, storeKey(cli.UserID.String()), dbPath)
	if err != nil {
		return nil, fmt.Errorf("creating crypto helper: %w", err)
	}
	if err := helper.Init(ctx); err != nil {
		_ = helper.Close()
		return nil, fmt.Errorf("initializing crypto helper: %w", err)
	}
	cli.Crypto = helper

	logger.Info("encryption enabled", "path", dbPath)
	return helper, nil
}

// deviceChanged reports whether dbPath holds keys for a different device.
func deviceChanged(dbPath, deviceID string) (bool, error) {
	if _, err := os.Stat(dbPath); os.IsNotExist(err) {
		return false, nil
	}

	db, err := sql.Open("sqlite3", dbPath)
	if err != nil {
		return false, err
	}
	defer db.Close()

	var stored string
	err = db.QueryRow("SELECT device_id FROM crypto_account LIMIT 1").Scan(&stored)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return stored != deviceID, nil
}

// storeKey derives the per-user pickle key for the crypto store.
func storeKey(userID string) []byte {
	h := sha256.Sum256([]byte("relay-gateway-crypto:" + userID))
	return h[:]
}

// tenantFileKey names a tenant's files. Tenant ids are arbitrary token
// subjects, so the name is a digest rather than a sanitized copy; distinct
// tenants never share a crypto store.
func tenantFileKey(tenantID string) string {
	h := sha256.Sum256([]byte(tenantID))
	return hex.EncodeToString(h[:])
}
