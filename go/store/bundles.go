package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/pubky/switchboard/go/protocol"
)

// PutBundle persists |b| under its content hash. A put of an
// already-stored hash with identical code is a no-op; identical hash with
// different code is a corruption fault and never silently overwrites.
func (s *Store) PutBundle(ctx context.Context, b protocol.Bundle) error {
	var createdAt = b.CreatedAt
	if createdAt.IsZero() {
		createdAt = time.Now().UTC()
	}
	var result, err = s.db.ExecContext(ctx, `
		INSERT INTO service_bundles (bundle_hash, data_url, code, created_at, has_npm)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT (bundle_hash) DO NOTHING;`,
		b.BundleHash, b.Entry, b.Code,
		createdAt.UTC().Format(time.RFC3339Nano), b.HasNpm)
	if err != nil {
		return fmt.Errorf("persisting bundle: %w", err)
	}

	if n, err := result.RowsAffected(); err != nil {
		return fmt.Errorf("reading rows affected: %w", err)
	} else if n == 1 {
		return nil
	}

	// The hash was already stored: verify content addressing holds.
	var existing string
	if err = s.db.QueryRowContext(ctx,
		`SELECT code FROM service_bundles WHERE bundle_hash = ?;`,
		b.BundleHash).Scan(&existing); err != nil {
		return fmt.Errorf("verifying stored bundle: %w", err)
	} else if existing != b.Code {
		return fmt.Errorf("bundle %s already stored with different code", b.BundleHash)
	}
	return nil
}

// GetBundle returns the bundle stored under |bundleHash|, or nil when the
// hash was never put.
func (s *Store) GetBundle(ctx context.Context, bundleHash string) (*protocol.Bundle, error) {
	var out = protocol.Bundle{BundleHash: bundleHash}
	var createdAt string

	var err = s.db.QueryRowContext(ctx, `
		SELECT data_url, code, created_at, has_npm
		FROM service_bundles WHERE bundle_hash = ?;`, bundleHash).
		Scan(&out.Entry, &out.Code, &createdAt, &out.HasNpm)
	if err == sql.ErrNoRows {
		return nil, nil
	} else if err != nil {
		return nil, fmt.Errorf("loading bundle: %w", err)
	}

	if out.CreatedAt, err = time.Parse(time.RFC3339Nano, createdAt); err != nil {
		return nil, fmt.Errorf("parsing created_at: %w", err)
	}
	return &out, nil
}

// ListBundleHashes returns the hash of every stored bundle, sorted.
func (s *Store) ListBundleHashes(ctx context.Context) ([]string, error) {
	var out []string
	var err = s.loadRows(ctx,
		`SELECT bundle_hash FROM service_bundles ORDER BY bundle_hash ASC;`,
		nil,
		func() []interface{} { return []interface{}{new(string)} },
		func(l []interface{}) { out = append(out, *l[0].(*string)) },
	)
	return out, err
}

// DeleteBundle removes the bundle stored under |bundleHash|. The caller is
// responsible for not deleting referenced bundles; a snapshot rebuild
// recreates them on demand if it does.
func (s *Store) DeleteBundle(ctx context.Context, bundleHash string) error {
	var _, err = s.db.ExecContext(ctx,
		`DELETE FROM service_bundles WHERE bundle_hash = ?;`, bundleHash)
	if err != nil {
		return fmt.Errorf("deleting bundle: %w", err)
	}
	return nil
}
