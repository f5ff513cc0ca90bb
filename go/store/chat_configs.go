package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"
)

// ChatConfig is one chat → configuration binding. ConfigJSON is the chat's
// override document, merge-patched onto the template at build time.
// ConfigHash records the content hash of the last effective configuration
// built from the binding, which keys its persisted snapshot.
type ChatConfig struct {
	ChatID     string
	ConfigID   string
	ConfigJSON json.RawMessage
	ConfigHash string
	UpdatedAt  time.Time
}

// BindChatConfig creates or replaces the binding for |cfg.ChatID|.
func (s *Store) BindChatConfig(ctx context.Context, cfg ChatConfig) error {
	var updatedAt = cfg.UpdatedAt
	if updatedAt.IsZero() {
		updatedAt = time.Now().UTC()
	}
	var _, err = s.db.ExecContext(ctx, `
		INSERT INTO chat_configs (chat_id, config_id, config_json, config_hash, updated_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT (chat_id) DO UPDATE SET
			config_id = excluded.config_id,
			config_json = excluded.config_json,
			config_hash = excluded.config_hash,
			updated_at = excluded.updated_at;`,
		cfg.ChatID, cfg.ConfigID, string(cfg.ConfigJSON), cfg.ConfigHash,
		updatedAt.Format(time.RFC3339Nano))
	if err != nil {
		return fmt.Errorf("binding chat config: %w", err)
	}
	return nil
}

// GetChatConfig returns the binding for |chatID|, or nil when the chat is
// unbound.
func (s *Store) GetChatConfig(ctx context.Context, chatID string) (*ChatConfig, error) {
	var out = ChatConfig{ChatID: chatID}
	var configJSON, updatedAt string

	var err = s.db.QueryRowContext(ctx, `
		SELECT config_id, config_json, config_hash, updated_at
		FROM chat_configs WHERE chat_id = ?;`, chatID).
		Scan(&out.ConfigID, &configJSON, &out.ConfigHash, &updatedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	} else if err != nil {
		return nil, fmt.Errorf("loading chat config: %w", err)
	}

	out.ConfigJSON = json.RawMessage(configJSON)
	if out.UpdatedAt, err = time.Parse(time.RFC3339Nano, updatedAt); err != nil {
		return nil, fmt.Errorf("parsing updated_at: %w", err)
	}
	return &out, nil
}

// DeleteChatConfig removes the binding for |chatID|. Deleting an unbound
// chat is a no-op.
func (s *Store) DeleteChatConfig(ctx context.Context, chatID string) error {
	var _, err = s.db.ExecContext(ctx,
		`DELETE FROM chat_configs WHERE chat_id = ?;`, chatID)
	if err != nil {
		return fmt.Errorf("deleting chat config: %w", err)
	}
	return nil
}
