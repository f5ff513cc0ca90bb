// Package dispatch routes incoming chat events to service sandbox runs:
// it resolves the route from the chat's snapshot, assembles the payload
// with the caller's state, invokes the sandbox, and applies any returned
// state directive before handing the response back to the adapter.
package dispatch

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/pubky/switchboard/go/approval"
	"github.com/pubky/switchboard/go/bundle"
	"github.com/pubky/switchboard/go/protocol"
	"github.com/pubky/switchboard/go/sandbox"
	"github.com/pubky/switchboard/go/snapshot"
	"github.com/pubky/switchboard/go/state"
	log "github.com/sirupsen/logrus"
)

const (
	// commandTimeoutMs bounds command, callback, and active-flow runs.
	commandTimeoutMs = 2000
	// listenerTimeoutMs bounds listener probes, which run in sequence and
	// must stay cheap.
	listenerTimeoutMs = 1000
)

// Snapshots provides the current routing table of a chat.
type Snapshots interface {
	Build(ctx context.Context, chatID string, opts snapshot.BuildOpts) (*protocol.Snapshot, error)
}

// Runner executes one service bundle in a sandbox.
type Runner interface {
	Run(ctx context.Context, entry string, payload protocol.Payload, caps sandbox.Caps) sandbox.Result
}

// Approvals accepts storage-network writes diverted from service
// responses.
type Approvals interface {
	Enqueue(ctx context.Context, req approval.Request) (string, error)
}

// Dispatcher routes events. A nil response means the event matched
// nothing; the adapter renders nothing for it.
type Dispatcher struct {
	snapshots Snapshots
	bundles   *bundle.Store
	states    *state.Store
	runner    Runner
	approvals Approvals
	botName   string
}

func NewDispatcher(
	snapshots Snapshots,
	bundles *bundle.Store,
	states *state.Store,
	runner Runner,
	approvals Approvals,
	botName string,
) *Dispatcher {
	return &Dispatcher{
		snapshots: snapshots,
		bundles:   bundles,
		states:    states,
		runner:    runner,
		approvals: approvals,
		botName:   botName,
	}
}

// Dispatch routes |event| and returns the service response to render, or
// nil when no route matched. Infrastructure failures surface as error-kind
// responses; the returned error is reserved for malformed events.
func (d *Dispatcher) Dispatch(ctx context.Context, event protocol.Event) (*protocol.Response, error) {
	var resp *protocol.Response
	var err error

	switch event.Type {
	case protocol.EventCommand:
		resp, err = d.dispatchCommand(ctx, event)
	case protocol.EventCallback:
		resp, err = d.dispatchCallback(ctx, event)
	case protocol.EventMessage:
		resp, err = d.dispatchMessage(ctx, event)
	default:
		err = fmt.Errorf("unknown event type %q", event.Type)
	}

	dispatchesTotal.WithLabelValues(string(event.Type), outcomeLabel(resp, err)).Inc()
	return resp, err
}

func (d *Dispatcher) dispatchCommand(ctx context.Context, event protocol.Event) (*protocol.Response, error) {
	var snap, err = d.snapshots.Build(ctx, event.ChatID, snapshot.BuildOpts{})
	if err != nil {
		return d.infraFailure(event, "building snapshot", err), nil
	}

	var token = protocol.NormalizeToken(event.Token, d.botName)
	var route, ok = snap.Commands[token]
	if !ok {
		return nil, nil // unknown command
	}

	return d.runRoute(ctx, event, commandInvocation(&route), protocol.PayloadEvent{
		Type:  protocol.EventCommand,
		Token: token,
	})
}

func (d *Dispatcher) dispatchCallback(ctx context.Context, event protocol.Event) (*protocol.Response, error) {
	var ident, tail, ok = protocol.SplitCallback(event.Data)
	if !ok {
		return nil, nil // not addressed to a service
	}

	var snap, err = d.snapshots.Build(ctx, event.ChatID, snapshot.BuildOpts{})
	if err != nil {
		return d.infraFailure(event, "building snapshot", err), nil
	}

	// Tokens are stable across redeploys while service ids of
	// runtime-manifest services are derived, so the identifier resolves as
	// a token first and as a service id only on miss.
	var route, found = snap.Commands[ident]
	if !found {
		for _, candidate := range snap.Commands {
			if candidate.ServiceID == ident {
				route, found = candidate, true
				break
			}
		}
	}
	if !found {
		return nil, nil
	}

	return d.runRoute(ctx, event, commandInvocation(&route), protocol.PayloadEvent{
		Type: protocol.EventCallback,
		Data: tail,
	})
}

func (d *Dispatcher) dispatchMessage(ctx context.Context, event protocol.Event) (*protocol.Response, error) {
	var snap, err = d.snapshots.Build(ctx, event.ChatID, snapshot.BuildOpts{})
	if err != nil {
		return d.infraFailure(event, "building snapshot", err), nil
	}

	var payloadEvent = protocol.PayloadEvent{
		Type:    protocol.EventMessage,
		Message: event.Message,
	}

	if serviceID, active := d.states.ActiveFlow(event.ChatID, event.UserID); active {
		if route, ok := flowRoute(snap, serviceID); ok {
			return d.runRoute(ctx, event, commandInvocation(route), payloadEvent)
		}
		// The pointed-to flow left the snapshot (rebind or redeploy). The
		// pointer is dead weight: drop it and fall through to listeners.
		log.WithFields(log.Fields{
			"chat":    event.ChatID,
			"user":    event.UserID,
			"service": serviceID,
		}).Warn("active flow no longer routed; clearing pointer")
		d.states.ClearActiveFlow(event.ChatID, event.UserID)
	}

	for i := range snap.Listeners {
		var inv = listenerInvocation(&snap.Listeners[i])
		var out, err = d.execute(ctx, event, inv, payloadEvent)
		if err != nil {
			// A listener failure never aborts the chain.
			log.WithFields(log.Fields{
				"chat":    event.ChatID,
				"service": inv.serviceID,
				"error":   err,
			}).Warn("listener probe failed; skipping")
			continue
		}
		var resp, finishErr = d.finish(ctx, event, inv, out)
		if finishErr != nil {
			return nil, finishErr
		}
		if resp != nil && resp.Kind != protocol.KindNone {
			return resp, nil
		}
	}
	return nil, nil
}

// flowRoute finds the command route of the multi-step service |serviceID|.
func flowRoute(snap *protocol.Snapshot, serviceID string) (*protocol.CommandRoute, bool) {
	for _, route := range snap.Commands {
		if route.ServiceID == serviceID && route.Kind == protocol.RouteFlow {
			var r = route
			return &r, true
		}
	}
	return nil, false
}

// invocation is everything one sandbox run needs beyond the event itself.
type invocation struct {
	serviceID  string
	bundleHash string
	config     json.RawMessage
	meta       protocol.RouteMeta
	datasets   map[string]json.RawMessage
	net        []string
	kind       protocol.RouteKind
	timeoutMs  int
}

func commandInvocation(route *protocol.CommandRoute) invocation {
	return invocation{
		serviceID:  route.ServiceID,
		bundleHash: route.BundleHash,
		config:     route.Config,
		meta:       route.Meta,
		datasets:   route.Datasets,
		net:        route.Net,
		kind:       route.Kind,
		timeoutMs:  commandTimeoutMs,
	}
}

func listenerInvocation(route *protocol.ListenerRoute) invocation {
	return invocation{
		serviceID:  route.ServiceID,
		bundleHash: route.BundleHash,
		config:     route.Config,
		meta:       route.Meta,
		datasets:   route.Datasets,
		net:        route.Net,
		kind:       protocol.RouteSingle,
		timeoutMs:  listenerTimeoutMs,
	}
}

// runRoute is the command/callback/flow-message path: execute, then apply
// directives. Sandbox failures become error responses and never mutate
// state.
func (d *Dispatcher) runRoute(ctx context.Context, event protocol.Event, inv invocation, payloadEvent protocol.PayloadEvent) (*protocol.Response, error) {
	var out, err = d.execute(ctx, event, inv, payloadEvent)
	if err != nil {
		log.WithFields(log.Fields{
			"chat":    event.ChatID,
			"user":    event.UserID,
			"service": inv.serviceID,
			"error":   err,
		}).Warn("sandbox run failed")
		return protocol.NewError(err.Error()), nil
	}

	var resp *protocol.Response
	if resp, err = d.finish(ctx, event, inv, out); err != nil {
		return nil, err
	}
	if resp == nil {
		// A matched route always answers the adapter, if only with an
		// explicit nothing.
		resp = &protocol.Response{Kind: protocol.KindNone}
	}
	return resp, nil
}

// runOutcome is one successful sandbox exchange: the parsed response (nil
// when the service wrote nothing) plus whether the caller had a state
// record before the run.
type runOutcome struct {
	resp     *protocol.Response
	hadState bool
}

// execute performs one sandbox run end to end. The returned error covers
// sandbox and persistence failures; the caller decides whether that is
// fatal (command path) or skippable (listener chain).
func (d *Dispatcher) execute(ctx context.Context, event protocol.Event, inv invocation, payloadEvent protocol.PayloadEvent) (runOutcome, error) {
	var key = state.Key{
		ChatID:    event.ChatID,
		UserID:    event.UserID,
		ServiceID: inv.serviceID,
	}
	var out runOutcome

	var record, hadState = d.states.Get(key)
	out.hadState = hadState
	if hadState {
		payloadEvent.State = record.Value
		var version = record.Version
		payloadEvent.StateVersion = &version
	}

	var b, err = d.bundles.Get(ctx, inv.bundleHash)
	if err != nil {
		return out, fmt.Errorf("loading bundle: %w", err)
	} else if b == nil {
		// The snapshot is self-describing, so a route referencing an
		// unstored bundle is an invariant violation. The next rebuild
		// repairs it.
		log.WithFields(log.Fields{
			"service": inv.serviceID,
			"bundle":  inv.bundleHash,
		}).Error("snapshot references a missing bundle")
		return out, fmt.Errorf("missing bundle for service %s", inv.serviceID)
	}

	entry, err := d.bundles.Materialize(ctx, inv.bundleHash)
	if err != nil {
		return out, fmt.Errorf("materializing bundle: %w", err)
	}

	var payload = protocol.Payload{
		Event: payloadEvent,
		Ctx: protocol.PayloadCtx{
			ChatID:        event.ChatID,
			UserID:        event.UserID,
			ServiceConfig: inv.config,
			RouteMeta:     &inv.meta,
			Datasets:      inv.datasets,
		},
		Manifest: manifestFor(inv),
	}

	var result = d.runner.Run(ctx, entry, payload, sandbox.Caps{
		TimeoutMs: inv.timeoutMs,
		Net:       inv.net,
		HasNpm:    b.HasNpm,
	})
	if !result.OK {
		return out, fmt.Errorf("%s", result.Err)
	}
	if len(result.Value) == 0 {
		return out, nil // service wrote nothing
	}

	var resp protocol.Response
	if err = json.Unmarshal(result.Value, &resp); err != nil {
		return out, fmt.Errorf("invalid response document: %w", err)
	}
	out.resp = &resp
	return out, nil
}

// finish applies the response's state directive and the active-flow
// pointer rules, then diverts write requests into the approval queue.
// Directives apply even for responses the adapter renders as nothing.
func (d *Dispatcher) finish(ctx context.Context, event protocol.Event, inv invocation, out runOutcome) (*protocol.Response, error) {
	var key = state.Key{
		ChatID:    event.ChatID,
		UserID:    event.UserID,
		ServiceID: inv.serviceID,
	}
	var directive *protocol.StateDirective
	if out.resp != nil {
		directive = out.resp.State
	}

	if directive != nil {
		if _, err := d.states.Apply(key, *directive); err != nil {
			log.WithFields(log.Fields{
				"chat":    event.ChatID,
				"user":    event.UserID,
				"service": inv.serviceID,
				"error":   err,
			}).Warn("service returned a malformed state directive")
			return protocol.NewError(err.Error()), nil
		}
		directivesTotal.WithLabelValues(string(directive.Op)).Inc()
	}

	if inv.kind == protocol.RouteFlow {
		switch {
		case directive != nil && directive.Op == protocol.StateClear:
			d.states.ClearActiveFlow(event.ChatID, event.UserID)
		case directive != nil || out.hadState:
			// Any live directive pins the flow; so does pre-existing
			// state even when this turn returned no directive.
			d.states.SetActiveFlow(event.ChatID, event.UserID, inv.serviceID)
		}
	}

	if out.resp != nil && out.resp.Kind == protocol.KindPubkyWrite {
		return d.divertWrite(ctx, event, inv, out.resp)
	}
	return out.resp, nil
}

// divertWrite persists a pubky_write response as a pending write and
// acknowledges the caller. The write itself happens only after approval.
func (d *Dispatcher) divertWrite(ctx context.Context, event protocol.Event, inv invocation, resp *protocol.Response) (*protocol.Response, error) {
	var req, err = resp.WriteRequest()
	if err != nil {
		return protocol.NewError(err.Error()), nil
	}

	id, err := d.approvals.Enqueue(ctx, approval.Request{
		Path:       req.Path,
		Data:       req.Data,
		Preview:    req.Preview,
		ServiceID:  inv.serviceID,
		ChatID:     event.ChatID,
		UserID:     event.UserID,
		OnApproval: req.OnApproval,
	})
	if err != nil {
		return d.infraFailure(event, "queueing write for approval", err), nil
	}

	var text, _ = json.Marshal(fmt.Sprintf("Queued for approval (%s).", id))
	return &protocol.Response{
		Kind:  protocol.KindReply,
		Extra: map[string]json.RawMessage{"text": text},
	}, nil
}

func manifestFor(inv invocation) protocol.Manifest {
	var manifest = protocol.Manifest{SchemaVersion: protocol.CurrentSchemaVersion}
	for _, host := range inv.net {
		manifest.Capabilities = append(manifest.Capabilities,
			protocol.Capability{Capability: "net", Scope: host})
	}
	return manifest
}

func (d *Dispatcher) infraFailure(event protocol.Event, what string, err error) *protocol.Response {
	log.WithFields(log.Fields{
		"chat":  event.ChatID,
		"user":  event.UserID,
		"type":  event.Type,
		"error": err,
	}).Error(what + " failed")
	return protocol.NewError(fmt.Sprintf("%s: %s", what, err))
}

func outcomeLabel(resp *protocol.Response, err error) string {
	switch {
	case err != nil:
		return "error"
	case resp == nil:
		return "miss"
	case resp.Kind == protocol.KindError:
		return "error"
	case resp.IsNone():
		return "none"
	default:
		return "ok"
	}
}
