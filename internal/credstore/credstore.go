// ABOUTME: Durable per-tenant storage for protocol credential material on BadgerDB
// ABOUTME: Material is opaque bytes keyed by tenant id; deleted on terminal logout

package credstore

import (
	"errors"
	"fmt"
	"log/slog"
	"os"

	"github.com/dgraph-io/badger/v4"
)

// ErrNotFound is returned by Load when the tenant has no stored material.
var ErrNotFound = errors.New("credentials not found")

const keyPrefix = "cred:"

// Store is a BadgerDB-backed credential store.
type Store struct {
	db     *badger.DB
	logger *slog.Logger
}

// Open opens (or creates) the store at path. ":memory:" keeps everything in RAM.
func Open(path string) (*Store, error) {
	var opts badger.Options
	if path == ":memory:" {
		opts = badger.DefaultOptions("").WithInMemory(true)
	} else {
		if err := os.MkdirAll(path, 0700); err != nil {
			return nil, fmt.Errorf("creating credential directory: %w", err)
		}
		opts = badger.DefaultOptions(path)
	}
	// Badger's own logger is chatty at Info; errors surface through return values.
	opts = opts.WithLogger(nil)

	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("opening credential store: %w", err)
	}

	logger := slog.Default().With("component", "credstore")
	logger.Info("credential store opened", "path", path)
	return &Store{db: db, logger: logger}, nil
}

func key(tenantID string) []byte {
	return []byte(keyPrefix + tenantID)
}

// Load returns the tenant's stored material.
func (s *Store) Load(tenantID string) ([]byte, error) {
	var out []byte
	err := s.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get(key(tenantID))
		if err != nil {
			return err
		}
		out, err = item.ValueCopy(nil)
		return err
	})
	if errors.Is(err, badger.ErrKeyNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("loading credentials: %w", err)
	}
	return out, nil
}

// Save replaces the tenant's material.
func (s *Store) Save(tenantID string, material []byte) error {
	err := s.db.Update(func(txn *badger.Txn) error {
		return txn.Set(key(tenantID), material)
	})
	if err != nil {
		return fmt.Errorf("saving credentials: %w", err)
	}
	s.logger.Debug("credentials saved", "tenant_id", tenantID, "bytes", len(material))
	return nil
}

// Delete removes the tenant's material. Deleting a missing tenant is not an error.
func (s *Store) Delete(tenantID string) error {
	err := s.db.Update(func(txn *badger.Txn) error {
		return txn.Delete(key(tenantID))
	})
	if err != nil {
		return fmt.Errorf("deleting credentials: %w", err)
	}
	s.logger.Info("credentials deleted", "tenant_id", tenantID)
	return nil
}

// Tenants lists every tenant with stored material.
func (s *Store) Tenants() ([]string, error) {
	var tenants []string
	err := s.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.PrefetchValues = false
		opts.Prefix = []byte(keyPrefix)
		it := txn.NewIterator(opts)
		defer it.Close()

		for it.Rewind(); it.Valid(); it.Next() {
			k := it.Item().Key()
			tenants = append(tenants, string(k[len(keyPrefix):]))
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("listing credentials: %w", err)
	}
	return tenants, nil
}

// Close flushes and closes the database.
func (s *Store) Close() error {
	return s.db.Close()
}
