package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"
)

// A migration is one idempotent schema step, identified by a monotonic id.
// Applied ids are recorded in the migrations ledger; each step runs inside
// its own immediate transaction so a failure leaves earlier steps applied
// and later steps untouched.
type migration struct {
	id    int
	name  string
	stmts []string
}

var migrations = []migration{
	{1, "create_chat_configs", []string{`
		CREATE TABLE IF NOT EXISTS chat_configs (
			chat_id     TEXT PRIMARY KEY NOT NULL,
			config_id   TEXT NOT NULL,
			config_json TEXT NOT NULL,
			config_hash TEXT NOT NULL,
			updated_at  TEXT NOT NULL
		);`,
	}},
	{2, "create_snapshots_by_config", []string{`
		CREATE TABLE IF NOT EXISTS snapshots_by_config (
			config_hash    TEXT PRIMARY KEY NOT NULL,
			snapshot_json  TEXT NOT NULL,
			built_at       TEXT NOT NULL,
			integrity_hash TEXT NOT NULL
		);`,
	}},
	{3, "create_service_bundles", []string{`
		CREATE TABLE IF NOT EXISTS service_bundles (
			bundle_hash TEXT PRIMARY KEY NOT NULL,
			data_url    TEXT NOT NULL,
			code        TEXT NOT NULL,
			created_at  TEXT NOT NULL,
			has_npm     INTEGER NOT NULL DEFAULT 0
		);`,
	}},
	{4, "create_pending_writes", []string{`
		CREATE TABLE IF NOT EXISTS pending_writes (
			id               TEXT PRIMARY KEY NOT NULL,
			path             TEXT NOT NULL,
			data             TEXT NOT NULL,
			preview          TEXT NOT NULL DEFAULT '',
			service_id       TEXT NOT NULL,
			user_id          TEXT NOT NULL,
			chat_id          TEXT NOT NULL,
			created_at       TEXT NOT NULL,
			expires_at       TEXT NOT NULL,
			status           TEXT NOT NULL DEFAULT 'pending',
			on_approval      TEXT NOT NULL DEFAULT '',
			admin_message_id TEXT NOT NULL DEFAULT '',
			approved_by      TEXT NOT NULL DEFAULT '',
			approved_at      TEXT NOT NULL DEFAULT '',
			error            TEXT NOT NULL DEFAULT ''
		);`,
	}},
	{5, "index_pending_writes_status", []string{`
		CREATE INDEX IF NOT EXISTS idx_pending_writes_status
			ON pending_writes (status, expires_at);`,
	}},
}

// migrate applies every migration not yet recorded in the ledger, in
// ascending id order. The ledger itself is created first. Each step and
// its ledger row commit atomically; the immediate transaction lock
// serializes concurrent migrators.
func (s *Store) migrate(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS migrations (
			id         INTEGER PRIMARY KEY NOT NULL,
			name       TEXT NOT NULL,
			applied_at TEXT NOT NULL
		);`); err != nil {
		return fmt.Errorf("creating migrations ledger: %w", err)
	}

	for _, m := range migrations {
		if applied, err := s.migrationApplied(ctx, m.id); err != nil {
			return err
		} else if applied {
			continue
		}

		if err := s.applyMigration(ctx, m); err != nil {
			return fmt.Errorf("migration %d (%s): %w", m.id, m.name, err)
		}
	}
	return nil
}

func (s *Store) migrationApplied(ctx context.Context, id int) (bool, error) {
	var one int
	var err = s.db.QueryRowContext(ctx,
		`SELECT 1 FROM migrations WHERE id = ?;`, id).Scan(&one)
	if err == sql.ErrNoRows {
		return false, nil
	} else if err != nil {
		return false, fmt.Errorf("reading migrations ledger: %w", err)
	}
	return true, nil
}

func (s *Store) applyMigration(ctx context.Context, m migration) error {
	var tx, err = s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("beginning transaction: %w", err)
	}
	defer tx.Rollback()

	// Another process may have applied the step between our ledger read
	// and taking the write lock.
	var one int
	if err = tx.QueryRowContext(ctx,
		`SELECT 1 FROM migrations WHERE id = ?;`, m.id).Scan(&one); err == nil {
		return nil
	} else if err != sql.ErrNoRows {
		return fmt.Errorf("re-reading migrations ledger: %w", err)
	}

	for _, stmt := range m.stmts {
		if _, err = tx.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("executing statement: %w", err)
		}
	}
	if _, err = tx.ExecContext(ctx,
		`INSERT INTO migrations (id, name, applied_at) VALUES (?, ?, ?);`,
		m.id, m.name, time.Now().UTC().Format(time.RFC3339Nano)); err != nil {
		return fmt.Errorf("recording ledger row: %w", err)
	}
	return tx.Commit()
}

// AppliedMigrations returns the ledger contents in ascending id order.
func (s *Store) AppliedMigrations(ctx context.Context) ([]AppliedMigration, error) {
	var out []AppliedMigration
	var err = s.loadRows(ctx,
		`SELECT id, name, applied_at FROM migrations ORDER BY id ASC;`,
		nil,
		func() []interface{} { return []interface{}{new(int), new(string), new(string)} },
		func(l []interface{}) {
			out = append(out, AppliedMigration{
				ID:        *l[0].(*int),
				Name:      *l[1].(*string),
				AppliedAt: *l[2].(*string),
			})
		},
	)
	return out, err
}

// AppliedMigration is one row of the migrations ledger.
type AppliedMigration struct {
	ID        int
	Name      string
	AppliedAt string
}
