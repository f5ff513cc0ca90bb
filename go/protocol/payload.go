package protocol

import "encoding/json"

// CurrentSchemaVersion is the version of the sandbox payload and snapshot
// document layouts produced by this build.
const CurrentSchemaVersion = 1

// CurrentSDKSchemaVersion is the version of the SDK prologue inlined into
// service bundles. Bumping it invalidates every cached snapshot through
// the version check on load.
const CurrentSDKSchemaVersion = 1

// Payload is the single JSON document written to a sandbox child's stdin.
type Payload struct {
	Event    PayloadEvent `json:"event"`
	Ctx      PayloadCtx   `json:"ctx"`
	Manifest Manifest     `json:"manifest"`
}

// PayloadEvent is the event section of a sandbox payload. State and
// StateVersion are always present, null when the caller has no state
// record.
type PayloadEvent struct {
	Type         EventType       `json:"type"`
	Token        string          `json:"token,omitempty"`
	Data         string          `json:"data,omitempty"`
	Message      json.RawMessage `json:"message,omitempty"`
	State        json.RawMessage `json:"state"`
	StateVersion *int64          `json:"stateVersion"`
}

// PayloadCtx is the invocation context section of a sandbox payload.
type PayloadCtx struct {
	ChatID        string                     `json:"chatId"`
	UserID        string                     `json:"userId"`
	ServiceConfig json.RawMessage            `json:"serviceConfig,omitempty"`
	RouteMeta     *RouteMeta                 `json:"routeMeta,omitempty"`
	Datasets      map[string]json.RawMessage `json:"datasets,omitempty"`
}

// Manifest describes the payload schema and granted capabilities to the
// service SDK inside the sandbox.
type Manifest struct {
	SchemaVersion int          `json:"schemaVersion"`
	Capabilities  []Capability `json:"capabilities,omitempty"`
}

// Capability is one granted capability, optionally scoped (for example
// {"capability": "net", "scope": "api.example.com"}).
type Capability struct {
	Capability string `json:"capability"`
	Scope      string `json:"scope,omitempty"`
}
