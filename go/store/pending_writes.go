package store

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/pubky/switchboard/go/protocol"
)

// InsertPendingWrite persists a new pending-write record. The record's ID
// must be unique; Status should be pending.
func (s *Store) InsertPendingWrite(ctx context.Context, w *protocol.PendingWrite) error {
	var _, err = s.db.ExecContext(ctx, `
		INSERT INTO pending_writes
			(id, path, data, preview, service_id, user_id, chat_id,
			 created_at, expires_at, status, on_approval, admin_message_id,
			 approved_by, approved_at, error)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?);`,
		w.ID, w.Path, string(w.Data), w.Preview, w.ServiceID, w.UserID, w.ChatID,
		w.CreatedAt.UTC().Format(time.RFC3339Nano),
		w.ExpiresAt.UTC().Format(time.RFC3339Nano),
		string(w.Status), w.OnApproval, w.AdminMessageID,
		w.ApprovedBy, formatNullableTime(w.ApprovedAt), w.Error)
	if err != nil {
		return fmt.Errorf("inserting pending write: %w", err)
	}
	return nil
}

// GetPendingWrite returns the record with |id|, or nil when unknown.
func (s *Store) GetPendingWrite(ctx context.Context, id string) (*protocol.PendingWrite, error) {
	var rows, err = s.listPendingWrites(ctx,
		`SELECT `+pendingWriteColumns+` FROM pending_writes WHERE id = ?;`, id)
	if err != nil {
		return nil, err
	} else if len(rows) == 0 {
		return nil, nil
	}
	return &rows[0], nil
}

// ListPendingWritesByStatus returns every record with |status|, oldest
// first. Record IDs are ULIDs, so id order is creation order.
func (s *Store) ListPendingWritesByStatus(ctx context.Context, status protocol.WriteStatus) ([]protocol.PendingWrite, error) {
	return s.listPendingWrites(ctx,
		`SELECT `+pendingWriteColumns+` FROM pending_writes WHERE status = ? ORDER BY id ASC;`,
		string(status))
}

// ListExpiredPending returns the IDs of pending records whose expiry is at
// or before |asOf|.
func (s *Store) ListExpiredPending(ctx context.Context, asOf time.Time) ([]string, error) {
	var out []string
	var err = s.loadRows(ctx, `
		SELECT id FROM pending_writes
		WHERE status = 'pending' AND expires_at <= ?
		ORDER BY id ASC;`,
		[]interface{}{asOf.UTC().Format(time.RFC3339Nano)},
		func() []interface{} { return []interface{}{new(string)} },
		func(l []interface{}) { out = append(out, *l[0].(*string)) },
	)
	return out, err
}

// Decision carries the optional columns written by a status transition.
// Zero-valued members leave their columns unchanged.
type Decision struct {
	By  string
	At  time.Time
	Err string
}

// TransitionPendingWrite atomically moves record |id| from status |from|
// to |to|, applying |d|. It reports false without effect when the record
// is no longer in |from| (or does not exist): per-id transitions are
// serialized by this compare-and-set.
func (s *Store) TransitionPendingWrite(ctx context.Context, id string, from, to protocol.WriteStatus, d Decision) (bool, error) {
	var at string
	if !d.At.IsZero() {
		at = d.At.UTC().Format(time.RFC3339Nano)
	}
	var result, err = s.db.ExecContext(ctx, `
		UPDATE pending_writes SET
			status = ?,
			approved_by = CASE WHEN ? != '' THEN ? ELSE approved_by END,
			approved_at = CASE WHEN ? != '' THEN ? ELSE approved_at END,
			error       = CASE WHEN ? != '' THEN ? ELSE error END
		WHERE id = ? AND status = ?;`,
		string(to), d.By, d.By, at, at, d.Err, d.Err, id, string(from))
	if err != nil {
		return false, fmt.Errorf("transitioning pending write %s: %w", id, err)
	}
	var n int64
	if n, err = result.RowsAffected(); err != nil {
		return false, fmt.Errorf("reading rows affected: %w", err)
	}
	return n == 1, nil
}

// SetAdminMessageID records the reviewer-notification message reference on
// a record, for later edits by the chat adapter.
func (s *Store) SetAdminMessageID(ctx context.Context, id, messageID string) error {
	var _, err = s.db.ExecContext(ctx,
		`UPDATE pending_writes SET admin_message_id = ? WHERE id = ?;`,
		messageID, id)
	if err != nil {
		return fmt.Errorf("recording admin message id: %w", err)
	}
	return nil
}

const pendingWriteColumns = `
	id, path, data, preview, service_id, user_id, chat_id,
	created_at, expires_at, status, on_approval, admin_message_id,
	approved_by, approved_at, error`

func (s *Store) listPendingWrites(ctx context.Context, query string, args ...interface{}) ([]protocol.PendingWrite, error) {
	var rows, err = s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query(%q): %w", query, err)
	}
	defer rows.Close()

	var out []protocol.PendingWrite
	for rows.Next() {
		var w protocol.PendingWrite
		var data, createdAt, expiresAt, status, approvedAt string

		if err = rows.Scan(&w.ID, &w.Path, &data, &w.Preview, &w.ServiceID,
			&w.UserID, &w.ChatID, &createdAt, &expiresAt, &status,
			&w.OnApproval, &w.AdminMessageID, &w.ApprovedBy, &approvedAt,
			&w.Error); err != nil {
			return nil, fmt.Errorf("scanning pending write: %w", err)
		}

		w.Data = json.RawMessage(data)
		w.Status = protocol.WriteStatus(status)
		if w.CreatedAt, err = time.Parse(time.RFC3339Nano, createdAt); err != nil {
			return nil, fmt.Errorf("parsing created_at: %w", err)
		}
		if w.ExpiresAt, err = time.Parse(time.RFC3339Nano, expiresAt); err != nil {
			return nil, fmt.Errorf("parsing expires_at: %w", err)
		}
		if approvedAt != "" {
			var t time.Time
			if t, err = time.Parse(time.RFC3339Nano, approvedAt); err != nil {
				return nil, fmt.Errorf("parsing approved_at: %w", err)
			}
			w.ApprovedAt = &t
		}
		out = append(out, w)
	}
	return out, rows.Err()
}

func formatNullableTime(t *time.Time) string {
	if t == nil {
		return ""
	}
	return t.UTC().Format(time.RFC3339Nano)
}

// CountPendingWrites returns the number of records per status, for the
// operator surface.
func (s *Store) CountPendingWrites(ctx context.Context) (map[protocol.WriteStatus]int, error) {
	var out = make(map[protocol.WriteStatus]int)
	var err = s.loadRows(ctx,
		`SELECT status, COUNT(*) FROM pending_writes GROUP BY status;`,
		nil,
		func() []interface{} { return []interface{}{new(string), new(int)} },
		func(l []interface{}) {
			out[protocol.WriteStatus(*l[0].(*string))] = *l[1].(*int)
		},
	)
	if err != nil {
		return nil, err
	}
	return out, nil
}
