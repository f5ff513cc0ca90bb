// Package protocol defines the document types exchanged between the
// switchboard runtime and service sandboxes, along with the persisted
// artifact types (bundles, routing snapshots, pending writes) and the
// content-addressing helpers that key them.
package protocol

import (
	"encoding/json"
	"fmt"
	"strings"
)

// EventType discriminates incoming chat events.
type EventType string

const (
	EventCommand  EventType = "command"
	EventCallback EventType = "callback"
	EventMessage  EventType = "message"
)

// Event is one incoming chat-platform event, already parsed by the chat
// adapter. Exactly one of Token, Data, or Message is meaningful, selected
// by Type.
type Event struct {
	Type   EventType `json:"type"`
	ChatID string    `json:"chatId"`
	UserID string    `json:"userId"`
	// Token is the raw command token, for command events. It may still
	// carry a leading slash or a trailing bot mention.
	Token string `json:"token,omitempty"`
	// Args is the remainder of the command line after Token, for command
	// events that carry arguments.
	Args string `json:"args,omitempty"`
	// Data is the opaque callback payload, for callback events.
	Data string `json:"data,omitempty"`
	// Message is the opaque message document, for message events. The
	// runtime never inspects it beyond forwarding.
	Message json.RawMessage `json:"message,omitempty"`
}

// NormalizeToken canonicalizes a raw command token: a trailing bot mention
// is dropped (a "@<botName>" suffix, or any mention when |botName| is
// empty), then one leading slash, then the result is lower-cased.
func NormalizeToken(raw, botName string) string {
	var token = strings.TrimSpace(raw)
	if i := strings.LastIndexByte(token, '@'); i > 0 {
		if botName == "" || strings.EqualFold(token[i+1:], botName) {
			token = token[:i]
		}
	}
	token = strings.TrimPrefix(token, "/")
	return strings.ToLower(token)
}

// CallbackPrefix marks callback data addressed to a service route.
const CallbackPrefix = "svc:"

// SplitCallback splits callback data of the form "svc:<ident>|<tail>" into
// its route identifier and payload tail. Data without the prefix is not a
// service callback and |ok| is false. A missing "|" separator yields an
// empty tail.
func SplitCallback(data string) (ident, tail string, ok bool) {
	if !strings.HasPrefix(data, CallbackPrefix) {
		return "", "", false
	}
	var rest = data[len(CallbackPrefix):]
	if i := strings.IndexByte(rest, '|'); i >= 0 {
		return rest[:i], rest[i+1:], true
	}
	return rest, "", true
}

// ResponseKind discriminates service response documents.
type ResponseKind string

const (
	KindReply      ResponseKind = "reply"
	KindEdit       ResponseKind = "edit"
	KindNone       ResponseKind = "none"
	KindError      ResponseKind = "error"
	KindPhoto      ResponseKind = "photo"
	KindDelete     ResponseKind = "delete"
	KindAudio      ResponseKind = "audio"
	KindVideo      ResponseKind = "video"
	KindDocument   ResponseKind = "document"
	KindLocation   ResponseKind = "location"
	KindContact    ResponseKind = "contact"
	KindUI         ResponseKind = "ui"
	KindPubkyWrite ResponseKind = "pubky_write"
)

// StateOp names a state directive operation.
type StateOp string

const (
	StateClear   StateOp = "clear"
	StateReplace StateOp = "replace"
	StateMerge   StateOp = "merge"
)

// StateDirective instructs the runtime to mutate the caller's per-service
// state record. Value is required for replace and merge, absent for clear.
type StateDirective struct {
	Op    StateOp         `json:"op"`
	Value json.RawMessage `json:"value,omitempty"`
}

// Response is one service reply document read from a sandbox run. The
// runtime inspects only Kind and State; every other property is carried
// through verbatim in Extra for the chat adapter to render.
type Response struct {
	Kind  ResponseKind
	State *StateDirective
	Extra map[string]json.RawMessage
}

func (r *Response) UnmarshalJSON(b []byte) error {
	*r = Response{}
	var m map[string]json.RawMessage
	if err := json.Unmarshal(b, &m); err != nil {
		return err
	}
	if raw, ok := m["kind"]; ok {
		if err := json.Unmarshal(raw, &r.Kind); err != nil {
			return fmt.Errorf("parsing response kind: %w", err)
		}
		delete(m, "kind")
	}
	if raw, ok := m["state"]; ok {
		var directive StateDirective
		if err := json.Unmarshal(raw, &directive); err != nil {
			return fmt.Errorf("parsing state directive: %w", err)
		}
		r.State = &directive
		delete(m, "state")
	}
	r.Extra = m
	return nil
}

func (r Response) MarshalJSON() ([]byte, error) {
	var m = make(map[string]json.RawMessage, len(r.Extra)+2)
	for k, v := range r.Extra {
		m[k] = v
	}
	if r.Kind != "" {
		var kind, err = json.Marshal(r.Kind)
		if err != nil {
			return nil, err
		}
		m["kind"] = kind
	}
	if r.State != nil {
		var state, err = json.Marshal(r.State)
		if err != nil {
			return nil, err
		}
		m["state"] = state
	}
	return json.Marshal(m)
}

// NewError builds an error-kind response carrying |text|.
func NewError(text string) *Response {
	var encoded, err = json.Marshal(text)
	if err != nil {
		panic(err) // strings always marshal
	}
	return &Response{
		Kind:  KindError,
		Extra: map[string]json.RawMessage{"text": encoded},
	}
}

// IsNone reports whether the response carries nothing for the adapter to
// render. A nil response, the explicit "none" kind, and a bare document
// with neither kind nor properties all qualify.
func (r *Response) IsNone() bool {
	if r == nil || r.Kind == KindNone {
		return true
	}
	return r.Kind == "" && len(r.Extra) == 0 && r.State == nil
}

// Text returns the response's "text" property, or "" when absent or not a
// string.
func (r *Response) Text() string {
	if r == nil {
		return ""
	}
	var text string
	if raw, ok := r.Extra["text"]; ok {
		_ = json.Unmarshal(raw, &text)
	}
	return text
}

// WriteRequest is the body of a pubky_write response: a storage-network
// write awaiting human approval.
type WriteRequest struct {
	Path    string          `json:"path"`
	Data    json.RawMessage `json:"data"`
	Preview string          `json:"preview,omitempty"`
	// OnApproval is opaque callback data to re-dispatch to the requesting
	// user after the write lands.
	OnApproval string `json:"onApproval,omitempty"`
}

// WriteRequest extracts the pubky_write body from a response of that kind.
func (r *Response) WriteRequest() (*WriteRequest, error) {
	var kind ResponseKind
	if r != nil {
		kind = r.Kind
	}
	if kind != KindPubkyWrite {
		return nil, fmt.Errorf("response kind %q is not a write request", kind)
	}
	var req WriteRequest
	if raw, ok := r.Extra["path"]; ok {
		if err := json.Unmarshal(raw, &req.Path); err != nil {
			return nil, fmt.Errorf("parsing write path: %w", err)
		}
	}
	if req.Path == "" {
		return nil, fmt.Errorf("write request has no path")
	}
	req.Data = r.Extra["data"]
	if raw, ok := r.Extra["preview"]; ok {
		_ = json.Unmarshal(raw, &req.Preview)
	}
	if raw, ok := r.Extra["onApproval"]; ok {
		_ = json.Unmarshal(raw, &req.OnApproval)
	}
	return &req, nil
}
