// Package approval implements the durable approval workflow for
// storage-network writes: services request writes, reviewers decide, and
// only approved requests execute. Every transition is persisted before any
// notification goes out.
package approval

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/oklog/ulid/v2"
	"github.com/pubky/switchboard/go/protocol"
	"github.com/pubky/switchboard/go/pubky"
	"github.com/pubky/switchboard/go/store"
	"github.com/robfig/cron/v3"
	log "github.com/sirupsen/logrus"
)

// Notifier delivers approval lifecycle events to reviewers. Implementations
// live with the chat adapter; the queue only requires that announcing a
// pending write may return a message reference for later edits.
type Notifier interface {
	// WritePending announces a newly enqueued write with its preview. A
	// non-empty return names the reviewer-facing message.
	WritePending(w *protocol.PendingWrite) string
	// WriteResolved announces the outcome of a previously announced write.
	WriteResolved(w *protocol.PendingWrite)
}

// NopNotifier discards all notifications.
type NopNotifier struct{}

func (NopNotifier) WritePending(*protocol.PendingWrite) string { return "" }
func (NopNotifier) WriteResolved(*protocol.PendingWrite)       {}

// Request is a write the dispatcher diverts into the queue.
type Request struct {
	Path       string
	Data       json.RawMessage
	Preview    string
	ServiceID  string
	ChatID     string
	UserID     string
	OnApproval string
}

// Outcome reports a decision attempt. Success means the decision took
// effect on a pending record; Status and Message carry what it became.
type Outcome struct {
	Success bool
	Status  protocol.WriteStatus
	Message string
}

// Queue is the approval queue over the config store's pending_writes
// table. Decisions are serialized per id by compare-and-set transitions.
type Queue struct {
	db       *store.Store
	client   pubky.Client
	notifier Notifier
	ttl      time.Duration
	replay   func(ctx context.Context, w *protocol.PendingWrite)
	now      func() time.Time
}

// NewQueue returns a Queue writing through |client|. Enqueued records
// expire |ttl| after creation. A nil |notifier| discards notifications.
func NewQueue(db *store.Store, client pubky.Client, notifier Notifier, ttl time.Duration) *Queue {
	if notifier == nil {
		notifier = NopNotifier{}
	}
	return &Queue{
		db:       db,
		client:   client,
		notifier: notifier,
		ttl:      ttl,
		now:      time.Now,
	}
}

// SetReplay installs the hook invoked after a successful approved write
// whose record carries onApproval callback data. The runtime points it at
// the dispatcher once wiring completes.
func (q *Queue) SetReplay(fn func(ctx context.Context, w *protocol.PendingWrite)) {
	q.replay = fn
}

// Enqueue persists |req| as a pending record, announces it to reviewers,
// and returns the record id, the only token reviewers can act on.
func (q *Queue) Enqueue(ctx context.Context, req Request) (string, error) {
	var now = q.now().UTC()
	var w = &protocol.PendingWrite{
		ID:         ulid.Make().String(),
		Path:       req.Path,
		Data:       req.Data,
		Preview:    req.Preview,
		ServiceID:  req.ServiceID,
		ChatID:     req.ChatID,
		UserID:     req.UserID,
		CreatedAt:  now,
		ExpiresAt:  now.Add(q.ttl),
		Status:     protocol.StatusPending,
		OnApproval: req.OnApproval,
	}
	if err := q.db.InsertPendingWrite(ctx, w); err != nil {
		return "", err
	}
	enqueuedTotal.Inc()

	if messageID := q.notifier.WritePending(w); messageID != "" {
		if err := q.db.SetAdminMessageID(ctx, w.ID, messageID); err != nil {
			log.WithFields(log.Fields{"id": w.ID, "error": err}).
				Warn("failed to record reviewer message reference")
		}
	}
	return w.ID, nil
}

// Approve moves a pending record through approved and executes the write
// inline. The record lands in written, or in failed with the write error
// recorded; either way the decision stuck and Success is true. A record no
// longer pending yields Success false and an "already <status>" message.
func (q *Queue) Approve(ctx context.Context, id, approver string) (Outcome, error) {
	var at = q.now().UTC()
	var moved, err = q.db.TransitionPendingWrite(ctx, id,
		protocol.StatusPending, protocol.StatusApproved,
		store.Decision{By: approver, At: at})
	if err != nil {
		return Outcome{}, err
	} else if !moved {
		return q.alreadyDecided(ctx, id)
	}

	w, err := q.db.GetPendingWrite(ctx, id)
	if err != nil {
		return Outcome{}, err
	} else if w == nil {
		return Outcome{}, fmt.Errorf("pending write %s not found after transition", id)
	}

	if writeErr := q.client.Put(ctx, w.Path, w.Data); writeErr != nil {
		if _, err = q.db.TransitionPendingWrite(ctx, id,
			protocol.StatusApproved, protocol.StatusFailed,
			store.Decision{Err: writeErr.Error()}); err != nil {
			return Outcome{}, err
		}
		w.Status = protocol.StatusFailed
		w.Error = writeErr.Error()
		decisionsTotal.WithLabelValues(string(protocol.StatusFailed)).Inc()
		q.notifier.WriteResolved(w)

		return Outcome{
			Success: true,
			Status:  protocol.StatusFailed,
			Message: fmt.Sprintf("approved, but the write failed: %s", writeErr),
		}, nil
	}

	if _, err = q.db.TransitionPendingWrite(ctx, id,
		protocol.StatusApproved, protocol.StatusWritten, store.Decision{}); err != nil {
		return Outcome{}, err
	}
	w.Status = protocol.StatusWritten
	decisionsTotal.WithLabelValues(string(protocol.StatusWritten)).Inc()
	q.notifier.WriteResolved(w)

	if w.OnApproval != "" && q.replay != nil {
		q.replay(ctx, w)
	}
	return Outcome{Success: true, Status: protocol.StatusWritten, Message: "written"}, nil
}

// Reject moves a pending record to rejected.
func (q *Queue) Reject(ctx context.Context, id, approver string) (Outcome, error) {
	var at = q.now().UTC()
	var moved, err = q.db.TransitionPendingWrite(ctx, id,
		protocol.StatusPending, protocol.StatusRejected,
		store.Decision{By: approver, At: at})
	if err != nil {
		return Outcome{}, err
	} else if !moved {
		return q.alreadyDecided(ctx, id)
	}

	w, err := q.db.GetPendingWrite(ctx, id)
	if err != nil {
		return Outcome{}, err
	}
	decisionsTotal.WithLabelValues(string(protocol.StatusRejected)).Inc()
	if w != nil {
		q.notifier.WriteResolved(w)
	}
	return Outcome{Success: true, Status: protocol.StatusRejected, Message: "rejected"}, nil
}

// ExpireSweep promotes every pending record whose expiry has passed to
// expired, returning how many moved. Safe to run concurrently with
// decisions: the per-id compare-and-set lets exactly one transition win.
func (q *Queue) ExpireSweep(ctx context.Context) (int, error) {
	var ids, err = q.db.ListExpiredPending(ctx, q.now())
	if err != nil {
		return 0, err
	}

	var swept int
	for _, id := range ids {
		var moved bool
		if moved, err = q.db.TransitionPendingWrite(ctx, id,
			protocol.StatusPending, protocol.StatusExpired, store.Decision{}); err != nil {
			return swept, err
		} else if !moved {
			continue // Decided while sweeping.
		}
		swept++
		decisionsTotal.WithLabelValues(string(protocol.StatusExpired)).Inc()

		if w, err := q.db.GetPendingWrite(ctx, id); err == nil && w != nil {
			q.notifier.WriteResolved(w)
		}
	}
	return swept, nil
}

// RecoverInterrupted fails every record stranded in approved by a crash
// between the decision and its execution. Run once at startup, before
// decisions are accepted: approved is never an observable resting state.
func (q *Queue) RecoverInterrupted(ctx context.Context) (int, error) {
	var stranded, err = q.db.ListPendingWritesByStatus(ctx, protocol.StatusApproved)
	if err != nil {
		return 0, err
	}

	var recovered int
	for _, w := range stranded {
		var moved bool
		if moved, err = q.db.TransitionPendingWrite(ctx, w.ID,
			protocol.StatusApproved, protocol.StatusFailed,
			store.Decision{Err: "interrupted before execution"}); err != nil {
			return recovered, err
		} else if !moved {
			continue
		}
		recovered++
		decisionsTotal.WithLabelValues(string(protocol.StatusFailed)).Inc()

		log.WithFields(log.Fields{
			"id":   w.ID,
			"path": w.Path,
		}).Warn("failed pending write interrupted by restart")
	}
	return recovered, nil
}

// Schedule registers the expiry sweep on |c| under |schedule| (cron or
// @every form).
func (q *Queue) Schedule(c *cron.Cron, schedule string) (cron.EntryID, error) {
	return c.AddFunc(schedule, func() {
		var swept, err = q.ExpireSweep(context.Background())
		if err != nil {
			log.WithField("error", err).Error("approval expiry sweep failed")
		} else if swept != 0 {
			log.WithField("swept", swept).Info("expired pending writes")
		}
	})
}

// Get returns the record with |id|, or nil when unknown.
func (q *Queue) Get(ctx context.Context, id string) (*protocol.PendingWrite, error) {
	return q.db.GetPendingWrite(ctx, id)
}

// List returns every record with |status|, oldest first.
func (q *Queue) List(ctx context.Context, status protocol.WriteStatus) ([]protocol.PendingWrite, error) {
	return q.db.ListPendingWritesByStatus(ctx, status)
}

func (q *Queue) alreadyDecided(ctx context.Context, id string) (Outcome, error) {
	var w, err = q.db.GetPendingWrite(ctx, id)
	if err != nil {
		return Outcome{}, err
	} else if w == nil {
		return Outcome{Success: false, Message: "unknown pending write"}, nil
	}
	return Outcome{
		Success: false,
		Status:  w.Status,
		Message: fmt.Sprintf("already %s", w.Status),
	}, nil
}
