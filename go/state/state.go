// Package state holds per-service conversation state and active-flow
// pointers in memory, striped for concurrency. Values are opaque JSON
// carried with a per-key version that increments on every mutation. Nothing
// is persisted: a restart resets all flows.
package state

import (
	"encoding/hex"
	"encoding/json"
	"fmt"
	"sort"
	"sync"

	"github.com/minio/highwayhash"
	"github.com/pubky/switchboard/go/protocol"
)

const numStripes = 64

// stripeHashKey is a fixed 32 bytes (as required by HighwayHash) read from
// /dev/random. DO NOT MODIFY this value, as it is required to have
// consistent hash results.
var stripeHashKey, _ = hex.DecodeString("9c1f6b7c04bd1d1e37598e19286ef42921fdbb4571b5eb317e2e0ce92eb2d94a")

// Key addresses one service's state for one user within one chat.
type Key struct {
	ChatID    string
	UserID    string
	ServiceID string
}

// Record is a state value together with its mutation version. Versions
// start at one on first write and increment by one per mutation.
type Record struct {
	Value   json.RawMessage
	Version int64
}

type flowKey struct {
	ChatID string
	UserID string
}

type stripe struct {
	mu      sync.Mutex
	records map[Key]Record
	flows   map[flowKey]string
}

// Store is the in-memory state store. Operations on a single key are
// serialized by its stripe; disjoint keys proceed concurrently. A chat and
// user pair always maps to one stripe, so a user's state records and their
// active-flow pointer share a lock.
type Store struct {
	stripes [numStripes]stripe
}

// NewStore returns an empty Store.
func NewStore() *Store {
	var s = new(Store)
	for i := range s.stripes {
		s.stripes[i].records = make(map[Key]Record)
		s.stripes[i].flows = make(map[flowKey]string)
	}
	return s
}

func (s *Store) stripe(chatID, userID string) *stripe {
	var h = highwayhash.Sum64([]byte(chatID+"\x00"+userID), stripeHashKey)
	return &s.stripes[h%numStripes]
}

// Get returns the record at |key|, or ok=false when no record exists.
func (s *Store) Get(key Key) (Record, bool) {
	var st = s.stripe(key.ChatID, key.UserID)
	st.mu.Lock()
	defer st.mu.Unlock()

	var rec, ok = st.records[key]
	return rec, ok
}

// Apply mutates the record at |key| per |directive| and returns the
// resulting record. Replace and merge store a new value with the version
// incremented by one; merge overlays top-level object properties onto the
// existing value and degrades to replace when either side is not a JSON
// object (merge onto an absent key is always a replace). A clear directive
// removes the record and returns a zero Record.
func (s *Store) Apply(key Key, directive protocol.StateDirective) (Record, error) {
	switch directive.Op {
	case protocol.StateClear:
		s.Clear(key)
		return Record{}, nil
	case protocol.StateReplace, protocol.StateMerge:
		// Mutations below.
	default:
		return Record{}, fmt.Errorf("unknown state op %q", directive.Op)
	}
	if len(directive.Value) == 0 {
		return Record{}, fmt.Errorf("state op %q requires a value", directive.Op)
	}

	var st = s.stripe(key.ChatID, key.UserID)
	st.mu.Lock()
	defer st.mu.Unlock()

	var prior = st.records[key]
	var next = append(json.RawMessage(nil), directive.Value...)
	if directive.Op == protocol.StateMerge {
		if merged, ok := overlayObjects(prior.Value, directive.Value); ok {
			next = merged
		}
	}

	var rec = Record{Value: next, Version: prior.Version + 1}
	st.records[key] = rec
	return rec, nil
}

// Clear removes the record at |key|, if any.
func (s *Store) Clear(key Key) {
	var st = s.stripe(key.ChatID, key.UserID)
	st.mu.Lock()
	defer st.mu.Unlock()

	delete(st.records, key)
}

// SetActiveFlow marks |serviceID| as owning uncommanded messages of the
// chat and user. At most one flow is active per pair; a prior pointer is
// overwritten.
func (s *Store) SetActiveFlow(chatID, userID, serviceID string) {
	var st = s.stripe(chatID, userID)
	st.mu.Lock()
	defer st.mu.Unlock()

	st.flows[flowKey{chatID, userID}] = serviceID
}

// ActiveFlow returns the service owning the chat and user's active flow,
// or ok=false when none is active.
func (s *Store) ActiveFlow(chatID, userID string) (string, bool) {
	var st = s.stripe(chatID, userID)
	st.mu.Lock()
	defer st.mu.Unlock()

	var serviceID, ok = st.flows[flowKey{chatID, userID}]
	return serviceID, ok
}

// ClearActiveFlow removes the chat and user's active-flow pointer, if any.
func (s *Store) ClearActiveFlow(chatID, userID string) {
	var st = s.stripe(chatID, userID)
	st.mu.Lock()
	defer st.mu.Unlock()

	delete(st.flows, flowKey{chatID, userID})
}

// Entry is one state record with its key, as surfaced by debug listings.
type Entry struct {
	Key    Key
	Record Record
}

// FlowEntry is one active-flow pointer, as surfaced by debug listings.
type FlowEntry struct {
	UserID    string
	ServiceID string
}

// ChatRecords returns every state record of |chatID| in a stable order.
func (s *Store) ChatRecords(chatID string) []Entry {
	var out []Entry
	for i := range s.stripes {
		var st = &s.stripes[i]
		st.mu.Lock()
		for key, rec := range st.records {
			if key.ChatID == chatID {
				out = append(out, Entry{Key: key, Record: rec})
			}
		}
		st.mu.Unlock()
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Key.UserID != out[j].Key.UserID {
			return out[i].Key.UserID < out[j].Key.UserID
		}
		return out[i].Key.ServiceID < out[j].Key.ServiceID
	})
	return out
}

// ChatFlows returns every active-flow pointer of |chatID| in a stable
// order.
func (s *Store) ChatFlows(chatID string) []FlowEntry {
	var out []FlowEntry
	for i := range s.stripes {
		var st = &s.stripes[i]
		st.mu.Lock()
		for key, serviceID := range st.flows {
			if key.ChatID == chatID {
				out = append(out, FlowEntry{UserID: key.UserID, ServiceID: serviceID})
			}
		}
		st.mu.Unlock()
	}
	sort.Slice(out, func(i, j int) bool { return out[i].UserID < out[j].UserID })
	return out
}

// overlayObjects shallow-merges |patch|'s top-level properties over
// |base|'s, returning ok=false when either document is not a JSON object.
func overlayObjects(base, patch json.RawMessage) (json.RawMessage, bool) {
	var baseMap, patchMap map[string]json.RawMessage
	if json.Unmarshal(base, &baseMap) != nil || baseMap == nil {
		return nil, false
	}
	if json.Unmarshal(patch, &patchMap) != nil || patchMap == nil {
		return nil, false
	}
	for k, v := range patchMap {
		baseMap[k] = v
	}
	var merged, err = json.Marshal(baseMap)
	if err != nil {
		return nil, false
	}
	return merged, true
}
