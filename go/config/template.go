// Package config loads configuration templates that declare a chat's
// services, applies per-chat overrides, and derives the content hash under
// which snapshots are cached.
package config

import (
	"encoding/json"
	"fmt"

	"github.com/pubky/switchboard/go/protocol"
)

// Template declares the commands and listeners one configuration binds.
// Templates are fetched by id from the configured source, and a chat's
// stored override document is merge-patched onto the raw template before
// parsing.
type Template struct {
	ConfigID  string        `json:"configId,omitempty"`
	Services  []ServiceDecl `json:"services,omitempty"`
	Listeners []ServiceDecl `json:"listeners,omitempty"`
}

// ServiceDecl declares one service: either a command service (Command set)
// or a listener (declared under Template.Listeners, no Command). Exactly
// one of Code and Source must be set; Source is resolved relative to the
// template's location during Load.
type ServiceDecl struct {
	ID          string             `json:"id,omitempty"`
	Command     string             `json:"command,omitempty"`
	Kind        protocol.RouteKind `json:"kind,omitempty"`
	Description string             `json:"description,omitempty"`
	Source      string             `json:"source,omitempty"`
	Code        string             `json:"code,omitempty"`
	Config      json.RawMessage    `json:"config,omitempty"`
	Net         []string           `json:"net,omitempty"`
	// Datasets maps dataset names to external locators. They are attached
	// to routes as unresolved references; sibling datasets/ files are
	// discovered separately at build time.
	Datasets map[string]string `json:"datasets,omitempty"`
	// Dir is the local directory Source resolved to, populated during
	// Load. Sibling dataset discovery reads from it. Empty for inline
	// code and for remote sources.
	Dir string `json:"dir,omitempty"`
}

// Label names the declaration in diagnostics: the declared id when set,
// else the command token, else the source path.
func (d ServiceDecl) Label() string {
	if d.ID != "" {
		return d.ID
	} else if d.Command != "" {
		return d.Command
	}
	return d.Source
}

// Validate checks the declaration is buildable.
func (d ServiceDecl) Validate() error {
	if d.Code == "" && d.Source == "" {
		return fmt.Errorf("service %q declares neither code nor source", d.Label())
	}
	switch d.Kind {
	case "", protocol.RouteSingle, protocol.RouteFlow:
		return nil
	default:
		return fmt.Errorf("service %q has unknown kind %q", d.Label(), d.Kind)
	}
}

// Hash derives the template's content hash: the canonical JSON encoding of
// the fully resolved template, content-hashed. Any change to the effective
// configuration, its overrides, or its resolved service code changes the
// hash and thereby invalidates cached snapshots.
func Hash(t *Template) (string, error) {
	return protocol.HashJSON(t)
}

// defaultPingSource is the single built-in service of the fallback
// template.
const defaultPingSource = `export default {
  manifest: { serviceId: "svc_ping", command: "ping" },
  command: () => ({ kind: "reply", text: "pong" }),
};`

// DefaultTemplate is the built-in template used when the configured source
// cannot produce one: a lone ping command, so a misconfigured deployment
// still answers.
func DefaultTemplate() *Template {
	return &Template{
		ConfigID: "builtin",
		Services: []ServiceDecl{{
			ID:          "svc_ping",
			Command:     "ping",
			Kind:        protocol.RouteSingle,
			Description: "Liveness check",
			Code:        defaultPingSource,
		}},
	}
}
