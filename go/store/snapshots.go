package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"
)

// SnapshotRow is one persisted routing snapshot, keyed by the hash of the
// configuration it was built from.
type SnapshotRow struct {
	ConfigHash   string
	SnapshotJSON []byte
	BuiltAt      time.Time
	Integrity    string
}

// PutSnapshot creates or replaces the snapshot persisted under
// |row.ConfigHash|. Concurrent builders of the same config hash write
// content-equivalent snapshots, so last-writer-wins is safe.
func (s *Store) PutSnapshot(ctx context.Context, row SnapshotRow) error {
	var _, err = s.db.ExecContext(ctx, `
		INSERT INTO snapshots_by_config (config_hash, snapshot_json, built_at, integrity_hash)
		VALUES (?, ?, ?, ?)
		ON CONFLICT (config_hash) DO UPDATE SET
			snapshot_json = excluded.snapshot_json,
			built_at = excluded.built_at,
			integrity_hash = excluded.integrity_hash;`,
		row.ConfigHash, string(row.SnapshotJSON),
		row.BuiltAt.UTC().Format(time.RFC3339Nano), row.Integrity)
	if err != nil {
		return fmt.Errorf("persisting snapshot: %w", err)
	}
	return nil
}

// GetSnapshot returns the snapshot persisted under |configHash|, or nil
// when none exists.
func (s *Store) GetSnapshot(ctx context.Context, configHash string) (*SnapshotRow, error) {
	var out = SnapshotRow{ConfigHash: configHash}
	var snapshotJSON, builtAt string

	var err = s.db.QueryRowContext(ctx, `
		SELECT snapshot_json, built_at, integrity_hash
		FROM snapshots_by_config WHERE config_hash = ?;`, configHash).
		Scan(&snapshotJSON, &builtAt, &out.Integrity)
	if err == sql.ErrNoRows {
		return nil, nil
	} else if err != nil {
		return nil, fmt.Errorf("loading snapshot: %w", err)
	}

	out.SnapshotJSON = []byte(snapshotJSON)
	if out.BuiltAt, err = time.Parse(time.RFC3339Nano, builtAt); err != nil {
		return nil, fmt.Errorf("parsing built_at: %w", err)
	}
	return &out, nil
}

// ListSnapshots returns every persisted snapshot.
func (s *Store) ListSnapshots(ctx context.Context) ([]SnapshotRow, error) {
	var out []SnapshotRow
	var err = s.loadRows(ctx, `
		SELECT config_hash, snapshot_json, built_at, integrity_hash
		FROM snapshots_by_config ORDER BY config_hash ASC;`,
		nil,
		func() []interface{} {
			return []interface{}{new(string), new(string), new(string), new(string)}
		},
		func(l []interface{}) {
			var builtAt, _ = time.Parse(time.RFC3339Nano, *l[2].(*string))
			out = append(out, SnapshotRow{
				ConfigHash:   *l[0].(*string),
				SnapshotJSON: []byte(*l[1].(*string)),
				BuiltAt:      builtAt,
				Integrity:    *l[3].(*string),
			})
		},
	)
	return out, err
}

// DeleteSnapshot removes the snapshot persisted under |configHash|.
func (s *Store) DeleteSnapshot(ctx context.Context, configHash string) error {
	var _, err = s.db.ExecContext(ctx,
		`DELETE FROM snapshots_by_config WHERE config_hash = ?;`, configHash)
	if err != nil {
		return fmt.Errorf("deleting snapshot: %w", err)
	}
	return nil
}
