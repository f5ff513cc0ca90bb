package protocol

import (
	"encoding/json"
	"sort"
	"time"
)

// Bundle is an immutable, content-addressed service artifact. BundleHash
// uniquely determines Code: two bundles with equal hashes carry equal code.
type Bundle struct {
	BundleHash string `json:"bundleHash"`
	// Entry is an opaque artifact locator recorded at put time (a data URL
	// of the bundled code). The sandbox host materializes it to a file
	// path before launch.
	Entry string `json:"entry"`
	Code  string `json:"code"`
	// HasNpm is true when the service imports third-party packages,
	// widening the sandbox read capability to the interpreter's package
	// cache.
	HasNpm    bool      `json:"hasNpm"`
	CreatedAt time.Time `json:"createdAt"`
}

// RouteKind distinguishes single-shot services from multi-step flows.
type RouteKind string

const (
	RouteSingle RouteKind = "single"
	RouteFlow   RouteKind = "flow"
)

// RouteMeta is the display metadata of a route, forwarded to services as
// ctx.routeMeta.
type RouteMeta struct {
	ID          string `json:"id"`
	Command     string `json:"command"`
	Description string `json:"description,omitempty"`
}

// CommandRoute binds a normalized command token to a service bundle.
type CommandRoute struct {
	Token      string          `json:"token"`
	ServiceID  string          `json:"serviceId"`
	Kind       RouteKind       `json:"kind"`
	BundleHash string          `json:"bundleHash"`
	Config     json.RawMessage `json:"config,omitempty"`
	Meta       RouteMeta       `json:"meta"`
	// Datasets maps dataset names to attached JSON payloads, or to
	// {"ref": <locator>} placeholders for externally resolved references.
	Datasets map[string]json.RawMessage `json:"datasets,omitempty"`
	// Net is the network allowlist granted to the service's sandbox runs.
	Net []string `json:"net,omitempty"`
}

// ListenerRoute is a route consulted for uncommanded messages when no flow
// is active. Listeners are ordered: the dispatcher probes them in declared
// order and stops at the first non-empty response.
type ListenerRoute struct {
	ServiceID  string                     `json:"serviceId"`
	BundleHash string                     `json:"bundleHash"`
	Config     json.RawMessage            `json:"config,omitempty"`
	Meta       RouteMeta                  `json:"meta"`
	Datasets   map[string]json.RawMessage `json:"datasets,omitempty"`
	Net        []string                   `json:"net,omitempty"`
}

// Snapshot is the immutable routing table of one chat configuration. It is
// fully self-describing: dispatch needs no lookups beyond bundle retrieval
// by hash.
type Snapshot struct {
	SchemaVersion    int `json:"schemaVersion"`
	SDKSchemaVersion int `json:"sdkSchemaVersion"`
	// BuiltAt is the build wall-clock in Unix milliseconds.
	BuiltAt int64 `json:"builtAt"`
	// ConfigHash is the content hash of the effective configuration the
	// snapshot was built from, and the key it is persisted under.
	ConfigHash string `json:"configHash"`
	// SourceSig is a content hash over all referenced bundle hashes in
	// sorted order.
	SourceSig string `json:"sourceSig"`
	// Integrity is the content hash of the snapshot document with this
	// field blanked.
	Integrity string                  `json:"integrity"`
	Commands  map[string]CommandRoute `json:"commands"`
	Listeners []ListenerRoute         `json:"listeners"`
}

// BundleHashes returns every bundle hash referenced by the snapshot's
// routes, de-duplicated and sorted.
func (s *Snapshot) BundleHashes() []string {
	var seen = make(map[string]struct{})
	for _, route := range s.Commands {
		seen[route.BundleHash] = struct{}{}
	}
	for _, route := range s.Listeners {
		seen[route.BundleHash] = struct{}{}
	}
	var hashes = make([]string, 0, len(seen))
	for hash := range seen {
		hashes = append(hashes, hash)
	}
	sort.Strings(hashes)
	return hashes
}

// WriteStatus is the lifecycle state of a pending write.
type WriteStatus string

const (
	StatusPending  WriteStatus = "pending"
	StatusApproved WriteStatus = "approved"
	StatusRejected WriteStatus = "rejected"
	StatusWritten  WriteStatus = "written"
	StatusFailed   WriteStatus = "failed"
	StatusExpired  WriteStatus = "expired"
)

// Terminal reports whether the status is a sink of the approval state
// machine. Approved is transient: it must advance to written or failed.
func (s WriteStatus) Terminal() bool {
	switch s {
	case StatusRejected, StatusWritten, StatusFailed, StatusExpired:
		return true
	}
	return false
}

// PendingWrite is one durable record of a storage-network write awaiting,
// or resolved by, a human decision.
type PendingWrite struct {
	ID        string          `json:"id"`
	Path      string          `json:"path"`
	Data      json.RawMessage `json:"data"`
	Preview   string          `json:"preview,omitempty"`
	ServiceID string          `json:"serviceId"`
	ChatID    string          `json:"chatId"`
	UserID    string          `json:"userId"`
	CreatedAt time.Time       `json:"createdAt"`
	ExpiresAt time.Time       `json:"expiresAt"`
	Status    WriteStatus     `json:"status"`
	// OnApproval is opaque callback data re-dispatched to the requesting
	// (chat, user) after a successful write.
	OnApproval string `json:"onApproval,omitempty"`
	// AdminMessageID references the notification message shown to
	// reviewers, for later edits by the chat adapter.
	AdminMessageID string     `json:"adminMessageId,omitempty"`
	ApprovedBy     string     `json:"approvedBy,omitempty"`
	ApprovedAt     *time.Time `json:"approvedAt,omitempty"`
	Error          string     `json:"error,omitempty"`
}
