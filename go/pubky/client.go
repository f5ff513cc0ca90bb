// Package pubky performs approved document writes against a user's storage
// homeserver. The core never writes directly: every write passes the
// approval queue first, and this client executes the decision.
package pubky

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	log "github.com/sirupsen/logrus"
)

// Config configures homeserver access, parsed by go-flags.
type Config struct {
	Homeserver      string `long:"homeserver" env:"HOMESERVER" description:"Base URL of the storage homeserver"`
	SessionToken    string `long:"session-token" env:"SESSION_TOKEN" description:"Bearer token presented on homeserver writes"`
	ApprovalTimeout string `long:"approval-timeout" env:"APPROVAL_TIMEOUT" default:"86400" description:"TTL of pending writes, bare seconds or a duration"`
	DryRun          bool   `long:"dry-run" env:"DRY_RUN" description:"Log approved writes instead of performing them"`
}

// Client performs one approved write.
type Client interface {
	Put(ctx context.Context, path string, data json.RawMessage) error
}

// NewClient returns the Client |cfg| selects: a dry-run logger when DryRun
// is set, else a Homeserver.
func NewClient(cfg Config) Client {
	if cfg.DryRun {
		return DryRun{}
	}
	return NewHomeserver(cfg)
}

// Homeserver writes documents over HTTP: PUT <base>/<path> with the
// session bearer token. Any 2xx status is success.
type Homeserver struct {
	base   string
	token  string
	client *http.Client
}

// NewHomeserver returns a Homeserver targeting |cfg.Homeserver|.
func NewHomeserver(cfg Config) *Homeserver {
	return &Homeserver{
		base:   strings.TrimSuffix(cfg.Homeserver, "/"),
		token:  cfg.SessionToken,
		client: &http.Client{Timeout: 30 * time.Second},
	}
}

func (h *Homeserver) Put(ctx context.Context, path string, data json.RawMessage) error {
	if h.base == "" {
		return fmt.Errorf("no homeserver configured")
	}
	var target = h.base + "/" + strings.TrimPrefix(path, "/")

	var req, err = http.NewRequestWithContext(ctx, http.MethodPut, target, bytes.NewReader(data))
	if err != nil {
		return fmt.Errorf("building homeserver request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if h.token != "" {
		req.Header.Set("Authorization", "Bearer "+h.token)
	}

	resp, err := h.client.Do(req)
	if err != nil {
		return fmt.Errorf("homeserver PUT %s: %w", path, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		var body, _ = io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("homeserver PUT %s: %s: %s",
			path, resp.Status, strings.TrimSpace(string(body)))
	}
	_, _ = io.Copy(io.Discard, resp.Body)
	return nil
}

// DryRun logs writes without performing them. swbctl and deployments
// without a homeserver use it.
type DryRun struct{}

func (DryRun) Put(_ context.Context, path string, data json.RawMessage) error {
	log.WithFields(log.Fields{
		"path":  path,
		"bytes": len(data),
	}).Info("dry-run pubky write")
	return nil
}
