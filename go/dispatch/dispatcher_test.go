package dispatch

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"testing"

	"github.com/pubky/switchboard/go/approval"
	"github.com/pubky/switchboard/go/bundle"
	"github.com/pubky/switchboard/go/config"
	"github.com/pubky/switchboard/go/protocol"
	"github.com/pubky/switchboard/go/sandbox"
	"github.com/pubky/switchboard/go/snapshot"
	"github.com/pubky/switchboard/go/state"
	"github.com/pubky/switchboard/go/store"
	"github.com/stretchr/testify/require"
)

type runnerCall struct {
	entry   string
	payload protocol.Payload
	caps    sandbox.Caps
}

// fakeRunner scripts sandbox outcomes per service id and records every
// invocation in order.
type fakeRunner struct {
	mu      sync.Mutex
	calls   []runnerCall
	scripts map[string]func(protocol.Payload) sandbox.Result
}

func (r *fakeRunner) Run(_ context.Context, entry string, payload protocol.Payload, caps sandbox.Caps) sandbox.Result {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.calls = append(r.calls, runnerCall{entry: entry, payload: payload, caps: caps})

	if script, ok := r.scripts[payload.Ctx.RouteMeta.ID]; ok {
		return script(payload)
	}
	return sandbox.Result{OK: true}
}

func (r *fakeRunner) script(serviceID string, fn func(protocol.Payload) sandbox.Result) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.scripts == nil {
		r.scripts = make(map[string]func(protocol.Payload) sandbox.Result)
	}
	r.scripts[serviceID] = fn
}

func (r *fakeRunner) reply(serviceID, document string) {
	r.script(serviceID, func(protocol.Payload) sandbox.Result {
		return sandbox.Result{OK: true, Value: json.RawMessage(document)}
	})
}

func (r *fakeRunner) fail(serviceID, message string) {
	r.script(serviceID, func(protocol.Payload) sandbox.Result {
		return sandbox.Result{OK: false, Err: message, ExitCode: -1}
	})
}

func (r *fakeRunner) recorded() []runnerCall {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]runnerCall(nil), r.calls...)
}

type fakeApprovals struct {
	mu       sync.Mutex
	requests []approval.Request
	err      error
}

func (a *fakeApprovals) Enqueue(_ context.Context, req approval.Request) (string, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.err != nil {
		return "", a.err
	}
	a.requests = append(a.requests, req)
	return fmt.Sprintf("pw-%d", len(a.requests)), nil
}

type harness struct {
	dispatcher *Dispatcher
	builder    *snapshot.Builder
	bundles    *bundle.Store
	states     *state.Store
	runner     *fakeRunner
	approvals  *fakeApprovals
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	var db, err = store.Open(filepath.Join(t.TempDir(), "switchboard.db"))
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	var bundles = bundle.NewStore(db)
	t.Cleanup(func() { _ = bundles.Cleanup() })

	var root = t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(root, "default.json"), []byte(`{
		"services": [
			{"id": "svc_hello", "command": "hello", "code": "export default { command: () => ({kind: \"reply\", text: \"hi\"}) };"},
			{"command": "greet", "code": "export default { command: () => ({kind: \"reply\"}) };"},
			{"id": "svc_flow", "command": "flow", "kind": "flow", "code": "export default { command: () => ({}), message: () => ({}) };"},
			{"id": "svc_writer", "command": "post", "net": ["relay.example.com"], "code": "export default { command: () => ({}) };"}
		],
		"listeners": [
			{"id": "lst_first", "code": "export default { message: () => null };"},
			{"id": "lst_second", "code": "export default { message: () => null };"}
		]
	}`), 0o644))

	var h = &harness{
		builder: snapshot.NewBuilder(db, bundles,
			config.NewLoader(config.SourceConfig{Root: root}), "default"),
		bundles:   bundles,
		states:    state.NewStore(),
		runner:    &fakeRunner{},
		approvals: &fakeApprovals{},
	}
	h.dispatcher = NewDispatcher(h.builder, bundles, h.states, h.runner, h.approvals, "switchbot")
	return h
}

func command(token string) protocol.Event {
	return protocol.Event{Type: protocol.EventCommand, ChatID: "c1", UserID: "u1", Token: token}
}

func callback(data string) protocol.Event {
	return protocol.Event{Type: protocol.EventCallback, ChatID: "c1", UserID: "u1", Data: data}
}

func message(body string) protocol.Event {
	return protocol.Event{Type: protocol.EventMessage, ChatID: "c1", UserID: "u1",
		Message: json.RawMessage(fmt.Sprintf(`{"text": %q}`, body))}
}

func TestUnknownCommandReturnsNull(t *testing.T) {
	var h = newHarness(t)

	var resp, err = h.dispatcher.Dispatch(context.Background(), command("nope"))
	require.NoError(t, err)
	require.Nil(t, resp)
	require.Empty(t, h.runner.recorded())
	require.Empty(t, h.states.ChatRecords("c1"))
}

func TestSingleShotCommand(t *testing.T) {
	var h = newHarness(t)
	h.runner.reply("svc_hello", `{"kind": "reply", "text": "hi"}`)

	// Raw tokens carry adapter noise: slash prefix, mention, mixed case.
	var resp, err = h.dispatcher.Dispatch(context.Background(), command("/Hello@switchbot"))
	require.NoError(t, err)
	require.Equal(t, protocol.KindReply, resp.Kind)
	require.Equal(t, "hi", resp.Text())

	var calls = h.runner.recorded()
	require.Len(t, calls, 1)
	var payload = calls[0].payload
	require.Equal(t, protocol.EventCommand, payload.Event.Type)
	require.Equal(t, "hello", payload.Event.Token)
	require.Nil(t, payload.Event.State)
	require.Nil(t, payload.Event.StateVersion)
	require.Equal(t, "c1", payload.Ctx.ChatID)
	require.Equal(t, "u1", payload.Ctx.UserID)
	require.Equal(t, "svc_hello", payload.Ctx.RouteMeta.ID)
	require.Equal(t, protocol.CurrentSchemaVersion, payload.Manifest.SchemaVersion)
	require.Equal(t, 2000, calls[0].caps.TimeoutMs)
	require.FileExists(t, calls[0].entry)

	// Single-shot runs leave no state and no flow pointer behind.
	require.Empty(t, h.states.ChatRecords("c1"))
	var _, active = h.states.ActiveFlow("c1", "u1")
	require.False(t, active)
}

func TestEmptyOutputAcknowledgesAsNone(t *testing.T) {
	var h = newHarness(t)
	// No script: the fake returns OK with no document.

	var resp, err = h.dispatcher.Dispatch(context.Background(), command("hello"))
	require.NoError(t, err)
	require.NotNil(t, resp)
	require.Equal(t, protocol.KindNone, resp.Kind)
}

func TestFlowLifecycle(t *testing.T) {
	var h = newHarness(t)
	var ctx = context.Background()

	var turn int
	h.runner.script("svc_flow", func(protocol.Payload) sandbox.Result {
		turn++
		switch turn {
		case 1:
			return sandbox.Result{OK: true, Value: json.RawMessage(
				`{"kind": "reply", "text": "step1", "state": {"op": "replace", "value": {"step": 1}}}`)}
		case 2:
			return sandbox.Result{OK: true, Value: json.RawMessage(
				`{"kind": "reply", "text": "step2", "state": {"op": "merge", "value": {"step": 2}}}`)}
		default:
			return sandbox.Result{OK: true, Value: json.RawMessage(
				`{"kind": "reply", "text": "done", "state": {"op": "clear"}}`)}
		}
	})

	var key = state.Key{ChatID: "c1", UserID: "u1", ServiceID: "svc_flow"}

	// Turn 1: the command starts the flow.
	resp, err := h.dispatcher.Dispatch(ctx, command("flow"))
	require.NoError(t, err)
	require.Equal(t, "step1", resp.Text())

	record, ok := h.states.Get(key)
	require.True(t, ok)
	require.JSONEq(t, `{"step": 1}`, string(record.Value))
	require.EqualValues(t, 1, record.Version)

	flow, active := h.states.ActiveFlow("c1", "u1")
	require.True(t, active)
	require.Equal(t, "svc_flow", flow)

	// Turn 2: an uncommanded message routes to the active flow with its
	// state attached.
	resp, err = h.dispatcher.Dispatch(ctx, message("more"))
	require.NoError(t, err)
	require.Equal(t, "step2", resp.Text())

	var calls = h.runner.recorded()
	var second = calls[len(calls)-1].payload
	require.Equal(t, protocol.EventMessage, second.Event.Type)
	require.JSONEq(t, `{"text": "more"}`, string(second.Event.Message))
	require.JSONEq(t, `{"step": 1}`, string(second.Event.State))
	require.EqualValues(t, 1, *second.Event.StateVersion)

	record, ok = h.states.Get(key)
	require.True(t, ok)
	require.JSONEq(t, `{"step": 2}`, string(record.Value))
	require.EqualValues(t, 2, record.Version)

	_, active = h.states.ActiveFlow("c1", "u1")
	require.True(t, active)

	// Turn 3: clear ends the flow and removes the record.
	resp, err = h.dispatcher.Dispatch(ctx, command("flow"))
	require.NoError(t, err)
	require.Equal(t, "done", resp.Text())

	_, ok = h.states.Get(key)
	require.False(t, ok)
	_, active = h.states.ActiveFlow("c1", "u1")
	require.False(t, active)

	// Turn 4: with the flow gone, messages fall through to listeners,
	// none of which answer.
	resp, err = h.dispatcher.Dispatch(ctx, message("anyone?"))
	require.NoError(t, err)
	require.Nil(t, resp)
}

func TestFlowPointerPinnedByPreexistingState(t *testing.T) {
	var h = newHarness(t)
	var ctx = context.Background()

	// A flow response with neither directive nor prior state leaves the
	// pointer untouched.
	h.runner.reply("svc_flow", `{"kind": "reply", "text": "hm"}`)
	var _, err = h.dispatcher.Dispatch(ctx, command("flow"))
	require.NoError(t, err)
	var _, active = h.states.ActiveFlow("c1", "u1")
	require.False(t, active)

	// With a pre-existing record, the same directive-less response pins
	// the pointer (idempotent re-set after restarts or manual clears).
	h.states.Apply(state.Key{ChatID: "c1", UserID: "u1", ServiceID: "svc_flow"},
		protocol.StateDirective{Op: protocol.StateReplace, Value: json.RawMessage(`{"step": 1}`)})

	_, err = h.dispatcher.Dispatch(ctx, command("flow"))
	require.NoError(t, err)
	flow, active := h.states.ActiveFlow("c1", "u1")
	require.True(t, active)
	require.Equal(t, "svc_flow", flow)
}

func TestCallbackResolvesTokenFirst(t *testing.T) {
	var h = newHarness(t)
	var ctx = context.Background()
	h.runner.reply("mock_greet", `{"kind": "reply", "text": "cb"}`)

	// The identifier matches the "greet" token.
	var resp, err = h.dispatcher.Dispatch(ctx, callback("svc:greet|a"))
	require.NoError(t, err)
	require.Equal(t, "cb", resp.Text())

	var calls = h.runner.recorded()
	require.Len(t, calls, 1)
	require.Equal(t, protocol.EventCallback, calls[0].payload.Event.Type)
	require.Equal(t, "a", calls[0].payload.Event.Data)
	require.Equal(t, "mock_greet", calls[0].payload.Ctx.RouteMeta.ID)

	// The derived service id resolves to the same route on token miss.
	resp, err = h.dispatcher.Dispatch(ctx, callback("svc:mock_greet|b"))
	require.NoError(t, err)
	require.Equal(t, "cb", resp.Text())

	calls = h.runner.recorded()
	require.Len(t, calls, 2)
	require.Equal(t, "b", calls[1].payload.Event.Data)
	require.Equal(t, "mock_greet", calls[1].payload.Ctx.RouteMeta.ID)

	// Unknown identifiers and non-service callbacks are routing misses.
	resp, err = h.dispatcher.Dispatch(ctx, callback("svc:absent|x"))
	require.NoError(t, err)
	require.Nil(t, resp)

	resp, err = h.dispatcher.Dispatch(ctx, callback("unprefixed"))
	require.NoError(t, err)
	require.Nil(t, resp)
	require.Len(t, h.runner.recorded(), 2)
}

func TestSandboxFailureNeverMutatesState(t *testing.T) {
	var h = newHarness(t)
	var ctx = context.Background()
	var key = state.Key{ChatID: "c1", UserID: "u1", ServiceID: "svc_flow"}

	// Seed one successful turn.
	h.runner.reply("svc_flow",
		`{"kind": "reply", "state": {"op": "replace", "value": {"step": 1}}}`)
	var _, err = h.dispatcher.Dispatch(ctx, command("flow"))
	require.NoError(t, err)

	// Then the sandbox dies. The error surfaces verbatim; state and the
	// flow pointer are untouched.
	h.runner.fail("svc_flow", "sandbox exit -1: boom")

	resp, err := h.dispatcher.Dispatch(ctx, message("next"))
	require.NoError(t, err)
	require.Equal(t, protocol.KindError, resp.Kind)
	require.Equal(t, "sandbox exit -1: boom", resp.Text())

	record, ok := h.states.Get(key)
	require.True(t, ok)
	require.JSONEq(t, `{"step": 1}`, string(record.Value))
	require.EqualValues(t, 1, record.Version)

	flow, active := h.states.ActiveFlow("c1", "u1")
	require.True(t, active)
	require.Equal(t, "svc_flow", flow)
}

func TestMalformedDirectiveIsRejected(t *testing.T) {
	var h = newHarness(t)
	h.runner.reply("svc_hello", `{"kind": "reply", "text": "x", "state": {"op": "bogus"}}`)

	var resp, err = h.dispatcher.Dispatch(context.Background(), command("hello"))
	require.NoError(t, err)
	require.Equal(t, protocol.KindError, resp.Kind)
	require.Contains(t, resp.Text(), `unknown state op "bogus"`)
	require.Empty(t, h.states.ChatRecords("c1"))
}

func TestListenerChainStopsAtFirstAnswer(t *testing.T) {
	var h = newHarness(t)
	var ctx = context.Background()
	h.runner.reply("lst_first", `{"kind": "none"}`)
	h.runner.reply("lst_second", `{"kind": "reply", "text": "heard"}`)

	var resp, err = h.dispatcher.Dispatch(ctx, message("hello?"))
	require.NoError(t, err)
	require.Equal(t, "heard", resp.Text())

	var calls = h.runner.recorded()
	require.Len(t, calls, 2)
	require.Equal(t, "lst_first", calls[0].payload.Ctx.RouteMeta.ID)
	require.Equal(t, "lst_second", calls[1].payload.Ctx.RouteMeta.ID)
	require.Equal(t, 1000, calls[0].caps.TimeoutMs)
	require.Equal(t, 1000, calls[1].caps.TimeoutMs)
}

func TestListenerFailureIsSkipped(t *testing.T) {
	var h = newHarness(t)
	h.runner.fail("lst_first", "sandbox exit 1: crash")
	h.runner.reply("lst_second", `{"kind": "reply", "text": "still here"}`)

	var resp, err = h.dispatcher.Dispatch(context.Background(), message("hi"))
	require.NoError(t, err)
	require.Equal(t, "still here", resp.Text())
}

func TestListenerDirectiveAppliesOnSilentResponse(t *testing.T) {
	var h = newHarness(t)
	h.runner.reply("lst_first",
		`{"kind": "none", "state": {"op": "replace", "value": {"seen": 1}}}`)

	var resp, err = h.dispatcher.Dispatch(context.Background(), message("hi"))
	require.NoError(t, err)
	require.Nil(t, resp) // both listeners stayed silent

	record, ok := h.states.Get(state.Key{ChatID: "c1", UserID: "u1", ServiceID: "lst_first"})
	require.True(t, ok)
	require.JSONEq(t, `{"seen": 1}`, string(record.Value))
}

func TestPubkyWriteDiverts(t *testing.T) {
	var h = newHarness(t)
	h.runner.reply("svc_writer", `{
		"kind": "pubky_write",
		"path": "/pub/posts/1",
		"data": {"a": 1},
		"preview": "post #1",
		"onApproval": "svc:post|landed"
	}`)

	var resp, err = h.dispatcher.Dispatch(context.Background(), command("post"))
	require.NoError(t, err)
	require.Equal(t, protocol.KindReply, resp.Kind)
	require.Equal(t, "Queued for approval (pw-1).", resp.Text())

	require.Len(t, h.approvals.requests, 1)
	var req = h.approvals.requests[0]
	require.Equal(t, "/pub/posts/1", req.Path)
	require.JSONEq(t, `{"a": 1}`, string(req.Data))
	require.Equal(t, "post #1", req.Preview)
	require.Equal(t, "svc_writer", req.ServiceID)
	require.Equal(t, "c1", req.ChatID)
	require.Equal(t, "u1", req.UserID)
	require.Equal(t, "svc:post|landed", req.OnApproval)

	// The writer service also receives its network capability.
	var calls = h.runner.recorded()
	require.Equal(t, []string{"relay.example.com"}, calls[0].caps.Net)
	require.Equal(t, []protocol.Capability{{Capability: "net", Scope: "relay.example.com"}},
		calls[0].payload.Manifest.Capabilities)
}

func TestPubkyWriteEnqueueFailure(t *testing.T) {
	var h = newHarness(t)
	h.approvals.err = fmt.Errorf("database is locked")
	h.runner.reply("svc_writer", `{"kind": "pubky_write", "path": "/pub/x", "data": {}}`)

	var resp, err = h.dispatcher.Dispatch(context.Background(), command("post"))
	require.NoError(t, err)
	require.Equal(t, protocol.KindError, resp.Kind)
	require.Contains(t, resp.Text(), "queueing write for approval")
}

func TestPubkyWriteWithoutPath(t *testing.T) {
	var h = newHarness(t)
	h.runner.reply("svc_writer", `{"kind": "pubky_write", "data": {}}`)

	var resp, err = h.dispatcher.Dispatch(context.Background(), command("post"))
	require.NoError(t, err)
	require.Equal(t, protocol.KindError, resp.Kind)
	require.Contains(t, resp.Text(), "no path")
	require.Empty(t, h.approvals.requests)
}

func TestStaleFlowPointerFallsThrough(t *testing.T) {
	var h = newHarness(t)
	h.states.SetActiveFlow("c1", "u1", "svc_ghost")
	h.runner.reply("lst_first", `{"kind": "reply", "text": "fallback"}`)

	var resp, err = h.dispatcher.Dispatch(context.Background(), message("hi"))
	require.NoError(t, err)
	require.Equal(t, "fallback", resp.Text())

	var _, active = h.states.ActiveFlow("c1", "u1")
	require.False(t, active)
}

func TestMissingBundleIsErrorResponse(t *testing.T) {
	var h = newHarness(t)
	var ctx = context.Background()

	// Warm the snapshot, then remove the bundle behind its back. The
	// cached snapshot now references an unstored hash.
	var snap, err = h.builder.Build(ctx, "c1", snapshot.BuildOpts{})
	require.NoError(t, err)
	require.NoError(t, h.bundles.Delete(ctx, snap.Commands["hello"].BundleHash))

	resp, err := h.dispatcher.Dispatch(ctx, command("hello"))
	require.NoError(t, err)
	require.Equal(t, protocol.KindError, resp.Kind)
	require.Contains(t, resp.Text(), "missing bundle for service svc_hello")
}
