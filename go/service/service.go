// Package service exposes the runtime over HTTP for the chat adapter and
// its operators: event dispatch, snapshot and flow-state inspection,
// approval decisions, and a websocket feed of approval lifecycle events.
package service

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"github.com/pubky/switchboard/go/approval"
	"github.com/pubky/switchboard/go/protocol"
	"github.com/pubky/switchboard/go/snapshot"
	"github.com/pubky/switchboard/go/state"
	"golang.org/x/net/http2"
	"golang.org/x/net/http2/h2c"
)

// Config is the HTTP facade configuration.
type Config struct {
	Port     uint16 `long:"port" env:"PORT" default:"8080" description:"Service port for HTTP requests"`
	AuthKeys string `long:"auth-keys" env:"AUTH_KEYS" description:"Path to a YAML file of accepted HS256 session keys. Empty disables authentication"`
}

// EventHandler routes one chat event and returns the response the adapter
// should render, or nil when nothing matched.
type EventHandler interface {
	HandleEvent(ctx context.Context, event protocol.Event) (*protocol.Response, error)
}

// Snapshots provides the current routing table of a chat.
type Snapshots interface {
	Build(ctx context.Context, chatID string, opts snapshot.BuildOpts) (*protocol.Snapshot, error)
}

// Approvals is the decision surface of the approval queue.
type Approvals interface {
	Approve(ctx context.Context, id, approver string) (approval.Outcome, error)
	Reject(ctx context.Context, id, approver string) (approval.Outcome, error)
	List(ctx context.Context, status protocol.WriteStatus) ([]protocol.PendingWrite, error)
}

// APIs are the collaborators the HTTP facade serves.
type APIs struct {
	Events    EventHandler
	Snapshots Snapshots
	Approvals Approvals
	States    *state.Store
	Notify    *Hub
}

// Server is the runtime's HTTP front end. It speaks h2c so adapters can
// multiplex event streams over one connection without TLS termination.
type Server struct {
	cfg    Config
	router *mux.Router
}

func NewServer(cfg Config, apis APIs) (*Server, error) {
	var verifier *Verifier
	if cfg.AuthKeys != "" {
		var err error
		if verifier, err = LoadVerifier(cfg.AuthKeys); err != nil {
			return nil, fmt.Errorf("loading auth keys: %w", err)
		}
	}

	var router = mux.NewRouter()
	RegisterAPIs(router, apis, verifier)
	return &Server{cfg: cfg, router: router}, nil
}

// Handler returns the assembled route handler.
func (s *Server) Handler() http.Handler { return s.router }

// Serve blocks until |ctx| is cancelled, then drains in-flight requests.
func (s *Server) Serve(ctx context.Context) error {
	var srv = &http.Server{
		Addr:    fmt.Sprintf(":%d", s.cfg.Port),
		Handler: h2c.NewHandler(s.router, &http2.Server{}),
	}

	var done = make(chan error, 1)
	go func() { done <- srv.ListenAndServe() }()

	select {
	case err := <-done:
		return err
	case <-ctx.Done():
	}

	var shutdownCtx, cancel = context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return srv.Shutdown(shutdownCtx)
}
