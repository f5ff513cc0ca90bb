package bundle

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/pubky/switchboard/go/protocol"
	"github.com/pubky/switchboard/go/store"
)

// Store is the content-addressed bundle store: durable rows in the config
// database, plus per-process materialization of bundle files consumed by
// sandbox runs. Materialized files are created once and live until the
// process exits.
type Store struct {
	db *store.Store

	mu           sync.Mutex
	dir          string
	materialized map[string]string // bundleHash → file path
}

// NewStore returns a Store backed by |db|.
func NewStore(db *store.Store) *Store {
	return &Store{
		db:           db,
		materialized: make(map[string]string),
	}
}

// Put persists |b| under its content hash. Puts are durable before return
// and idempotent for identical content.
func (s *Store) Put(ctx context.Context, b protocol.Bundle) error {
	return s.db.PutBundle(ctx, b)
}

// Get returns the bundle stored under |bundleHash|, or nil when the hash
// was never put.
func (s *Store) Get(ctx context.Context, bundleHash string) (*protocol.Bundle, error) {
	return s.db.GetBundle(ctx, bundleHash)
}

// ListAll returns the hash of every stored bundle.
func (s *Store) ListAll(ctx context.Context) ([]string, error) {
	return s.db.ListBundleHashes(ctx)
}

// Delete removes the bundle stored under |bundleHash|.
func (s *Store) Delete(ctx context.Context, bundleHash string) error {
	return s.db.DeleteBundle(ctx, bundleHash)
}

// Materialize writes the bundle's code to a read-only file under the
// store's scratch directory and returns its path. Repeated calls for the
// same hash return the same path. The scratch directory is the only
// filesystem scope sandbox runs are permitted to read (beyond the package
// cache, for bundles that import third-party code).
func (s *Store) Materialize(ctx context.Context, bundleHash string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if path, ok := s.materialized[bundleHash]; ok {
		if _, err := os.Stat(path); err == nil {
			return path, nil
		}
		delete(s.materialized, bundleHash)
	}

	var b, err = s.db.GetBundle(ctx, bundleHash)
	if err != nil {
		return "", err
	} else if b == nil {
		return "", fmt.Errorf("bundle %s is not stored", bundleHash)
	}

	if s.dir == "" {
		if s.dir, err = os.MkdirTemp("", "switchboard-bundles-"); err != nil {
			return "", fmt.Errorf("creating bundle directory: %w", err)
		}
	}

	var path = filepath.Join(s.dir, bundleHash+".js")
	if err = os.WriteFile(path, []byte(b.Code), 0444); err != nil && !errors.Is(err, os.ErrExist) {
		return "", fmt.Errorf("materializing bundle %s: %w", bundleHash, err)
	}
	s.materialized[bundleHash] = path
	return path, nil
}

// Dir returns the scratch directory holding materialized bundles, creating
// it if needed.
func (s *Store) Dir() (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.dir == "" {
		var dir, err = os.MkdirTemp("", "switchboard-bundles-")
		if err != nil {
			return "", fmt.Errorf("creating bundle directory: %w", err)
		}
		s.dir = dir
	}
	return s.dir, nil
}

// Cleanup removes the scratch directory and forgets materialized paths.
func (s *Store) Cleanup() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.materialized = make(map[string]string)
	if s.dir == "" {
		return nil
	}
	var dir = s.dir
	s.dir = ""
	return os.RemoveAll(dir)
}
