package snapshot

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/pubky/switchboard/go/bundle"
	"github.com/pubky/switchboard/go/config"
	"github.com/pubky/switchboard/go/protocol"
	"github.com/pubky/switchboard/go/store"
	"github.com/stretchr/testify/require"
)

func newTestBuilder(t *testing.T) (*Builder, *store.Store, string) {
	t.Helper()
	var db, err = store.Open(filepath.Join(t.TempDir(), "switchboard.db"))
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	var bundles = bundle.NewStore(db)
	t.Cleanup(func() { _ = bundles.Cleanup() })

	var root = t.TempDir()
	var builder = NewBuilder(db, bundles,
		config.NewLoader(config.SourceConfig{Root: root}), "default")
	return builder, db, root
}

func writeFixture(t *testing.T, root, name, content string) {
	t.Helper()
	var p = filepath.Join(root, name)
	require.NoError(t, os.MkdirAll(filepath.Dir(p), 0o755))
	require.NoError(t, os.WriteFile(p, []byte(content), 0o644))
}

func writeDefaultFixture(t *testing.T, root string) {
	t.Helper()
	writeFixture(t, root, "default.json", `{
		"services": [
			{"id": "svc_greet", "command": "Greet", "source": "services/greet.js"},
			{"id": "svc_poll", "command": "poll", "kind": "flow", "source": "poll/index.js",
			 "net": ["api.example.com"], "config": {"limit": 3},
			 "datasets": {"venues": "pubky://datasets/venues"}}
		],
		"listeners": [
			{"id": "svc_log", "source": "services/log.js"}
		]
	}`)
	writeFixture(t, root, "services/greet.js",
		`export default { manifest: { serviceId: "svc_greet", command: "greet", description: "Says hello" }, command: () => ({ kind: "reply", text: "hi" }) };`)
	writeFixture(t, root, "services/log.js",
		`export default { message: () => null };`)
	writeFixture(t, root, "poll/index.js",
		`export default { manifest: { serviceId: "svc_poll", command: "poll" }, command: () => ({ kind: "reply" }), message: () => ({ kind: "reply" }) };`)
	writeFixture(t, root, "poll/datasets/options.json", `["pizza","sushi"]`)
	writeFixture(t, root, "poll/datasets/broken.json", `{not json`)
	writeFixture(t, root, "poll/datasets/notes.txt", `ignored`)
}

func TestRebuildAssemblesSnapshot(t *testing.T) {
	var builder, db, root = newTestBuilder(t)
	writeDefaultFixture(t, root)
	var ctx = context.Background()

	var builtAt = time.Date(2026, 4, 1, 12, 0, 0, 0, time.UTC)
	builder.now = func() time.Time { return builtAt }

	var snap, err = builder.Build(ctx, "chat-1", BuildOpts{})
	require.NoError(t, err)
	require.Equal(t, protocol.CurrentSchemaVersion, snap.SchemaVersion)
	require.Equal(t, protocol.CurrentSDKSchemaVersion, snap.SDKSchemaVersion)
	require.Equal(t, builtAt.UnixMilli(), snap.BuiltAt)
	require.NoError(t, snap.VerifyIntegrity())
	require.Equal(t, protocol.SourceSignature(snap.BundleHashes()), snap.SourceSig)

	// Tokens are normalized; route fields land where declared.
	require.Len(t, snap.Commands, 2)
	var greet = snap.Commands["greet"]
	require.Equal(t, "svc_greet", greet.ServiceID)
	require.Equal(t, protocol.RouteSingle, greet.Kind)
	require.Equal(t, "Says hello", greet.Meta.Description)

	var poll = snap.Commands["poll"]
	require.Equal(t, protocol.RouteFlow, poll.Kind)
	require.Equal(t, []string{"api.example.com"}, poll.Net)
	require.JSONEq(t, `{"limit": 3}`, string(poll.Config))

	// Sibling dataset files attach by base name; unparseable and non-JSON
	// files are skipped; declared locators become ref placeholders.
	require.Len(t, poll.Datasets, 2)
	require.JSONEq(t, `["pizza","sushi"]`, string(poll.Datasets["options"]))
	require.JSONEq(t, `{"ref":"pubky://datasets/venues"}`, string(poll.Datasets["venues"]))

	require.Len(t, snap.Listeners, 1)
	require.Equal(t, "svc_log", snap.Listeners[0].ServiceID)

	// Every referenced bundle is durable.
	for _, hash := range snap.BundleHashes() {
		var b, err = builder.bundles.Get(ctx, hash)
		require.NoError(t, err)
		require.NotNil(t, b)
	}

	// And the snapshot itself persisted under its config hash.
	row, err := db.GetSnapshot(ctx, snap.ConfigHash)
	require.NoError(t, err)
	require.NotNil(t, row)
	require.Equal(t, snap.Integrity, row.Integrity)
}

func TestBuildServesFromMemoryThenStore(t *testing.T) {
	var builder, db, root = newTestBuilder(t)
	writeDefaultFixture(t, root)
	var ctx = context.Background()

	var now = time.Date(2026, 4, 1, 12, 0, 0, 0, time.UTC)
	builder.now = func() time.Time { return now }

	var first, err = builder.Build(ctx, "chat-1", BuildOpts{})
	require.NoError(t, err)

	// Deleting the persisted row proves the next hit is memory-tier.
	require.NoError(t, db.DeleteSnapshot(ctx, first.ConfigHash))
	now = now.Add(time.Minute)

	second, err := builder.Build(ctx, "chat-1", BuildOpts{})
	require.NoError(t, err)
	require.Equal(t, first.BuiltAt, second.BuiltAt)

	// With memory purged and the row restored, the store tier serves: the
	// persisted BuiltAt survives, no rebuild happens.
	var encoded, _ = json.Marshal(first)
	require.NoError(t, db.PutSnapshot(ctx, store.SnapshotRow{
		ConfigHash:   first.ConfigHash,
		SnapshotJSON: encoded,
		BuiltAt:      time.UnixMilli(first.BuiltAt).UTC(),
		Integrity:    first.Integrity,
	}))
	builder.memory.Purge()
	now = now.Add(time.Minute)

	third, err := builder.Build(ctx, "chat-1", BuildOpts{})
	require.NoError(t, err)
	require.Equal(t, first.BuiltAt, third.BuiltAt)

	// Purging both tiers forces a rebuild, observable via BuiltAt.
	builder.memory.Purge()
	require.NoError(t, db.DeleteSnapshot(ctx, first.ConfigHash))
	now = now.Add(time.Minute)

	fourth, err := builder.Build(ctx, "chat-1", BuildOpts{})
	require.NoError(t, err)
	require.NotEqual(t, first.BuiltAt, fourth.BuiltAt)

	// Rebuilding identical sources reproduces bundle identities: only
	// build-time metadata moved.
	require.Equal(t, first.SourceSig, fourth.SourceSig)
	require.Equal(t, first.ConfigHash, fourth.ConfigHash)
	require.Equal(t, first.BundleHashes(), fourth.BundleHashes())
	require.NotEqual(t, first.Integrity, fourth.Integrity)
}

func TestChatsWithEqualConfigsShareOneSnapshot(t *testing.T) {
	var builder, db, root = newTestBuilder(t)
	writeDefaultFixture(t, root)
	var ctx = context.Background()

	var first, err = builder.Build(ctx, "chat-1", BuildOpts{})
	require.NoError(t, err)

	second, err := builder.Build(ctx, "chat-2", BuildOpts{})
	require.NoError(t, err)

	// Identical effective configs hash identically, so the second chat is
	// served from the persisted row rather than rebuilt.
	require.Equal(t, first.ConfigHash, second.ConfigHash)
	require.Equal(t, first.SourceSig, second.SourceSig)
	require.Equal(t, first.BuiltAt, second.BuiltAt)

	rows, err := db.ListSnapshots(ctx)
	require.NoError(t, err)
	require.Len(t, rows, 1)
}

func TestForceBypassesCaches(t *testing.T) {
	var builder, _, root = newTestBuilder(t)
	writeDefaultFixture(t, root)
	var ctx = context.Background()

	var now = time.Date(2026, 4, 1, 12, 0, 0, 0, time.UTC)
	builder.now = func() time.Time { return now }

	var first, err = builder.Build(ctx, "chat-1", BuildOpts{})
	require.NoError(t, err)

	now = now.Add(time.Second)
	second, err := builder.Build(ctx, "chat-1", BuildOpts{Force: true})
	require.NoError(t, err)
	require.NotEqual(t, first.BuiltAt, second.BuiltAt)
}

func TestBuildObservesConfigChange(t *testing.T) {
	var builder, db, root = newTestBuilder(t)
	writeDefaultFixture(t, root)
	var ctx = context.Background()

	var base, err = builder.Build(ctx, "chat-1", BuildOpts{})
	require.NoError(t, err)
	require.NotContains(t, base.Commands, "extra")

	// Binding an override changes the effective config, so the very next
	// build observes it even within the memory TTL.
	require.NoError(t, db.BindChatConfig(ctx, store.ChatConfig{
		ChatID:   "chat-1",
		ConfigID: "default",
		ConfigJSON: json.RawMessage(`{
			"services": [
				{"id": "svc_extra", "command": "extra", "code": "export default { command: () => ({kind: \"reply\"}) };"}
			]
		}`),
	}))

	patched, err := builder.Build(ctx, "chat-1", BuildOpts{})
	require.NoError(t, err)
	require.NotEqual(t, base.ConfigHash, patched.ConfigHash)
	require.Contains(t, patched.Commands, "extra")
	// RFC 7386 replaces arrays wholesale.
	require.NotContains(t, patched.Commands, "greet")

	// The binding row records the hash the chat now resolves to.
	binding, err := db.GetChatConfig(ctx, "chat-1")
	require.NoError(t, err)
	require.Equal(t, patched.ConfigHash, binding.ConfigHash)

	// Other chats still build the unpatched template and reuse its
	// persisted snapshot.
	other, err := builder.Build(ctx, "chat-2", BuildOpts{})
	require.NoError(t, err)
	require.Equal(t, base.ConfigHash, other.ConfigHash)
}

func TestBuildFallsBackToBuiltinTemplate(t *testing.T) {
	var builder, _, _ = newTestBuilder(t)

	// No default.json exists, so the fetch fails and the built-in template
	// routes a lone ping command.
	var snap, err = builder.Build(context.Background(), "chat-1", BuildOpts{})
	require.NoError(t, err)
	require.Len(t, snap.Commands, 1)
	require.Contains(t, snap.Commands, "ping")
	require.Equal(t, "svc_ping", snap.Commands["ping"].ServiceID)
}

func TestBuildIsAllOrNothing(t *testing.T) {
	var builder, db, root = newTestBuilder(t)
	writeFixture(t, root, "default.json", `{
		"services": [
			{"id": "svc_good", "command": "good", "code": "export default {};"},
			{"id": "svc_bad", "command": "bad", "source": "empty.js"}
		]
	}`)
	writeFixture(t, root, "empty.js", "")

	var _, err = builder.Build(context.Background(), "chat-1", BuildOpts{})
	require.ErrorContains(t, err, `bundling service "svc_bad"`)

	// No partial snapshot was persisted.
	var rows, err2 = db.ListSnapshots(context.Background())
	require.NoError(t, err2)
	require.Empty(t, rows)
}

func TestDuplicateTokenLastWins(t *testing.T) {
	var builder, _, root = newTestBuilder(t)
	writeFixture(t, root, "default.json", `{
		"services": [
			{"id": "svc_first", "command": "dup", "code": "export default { manifest: { serviceId: \"svc_first\", command: \"dup\" } };"},
			{"id": "svc_second", "command": "/DUP", "code": "export default { manifest: { serviceId: \"svc_second\", command: \"dup\" } };"}
		]
	}`)

	var snap, err = builder.Build(context.Background(), "chat-1", BuildOpts{})
	require.NoError(t, err)
	require.Len(t, snap.Commands, 1)
	require.Equal(t, "svc_second", snap.Commands["dup"].ServiceID)
}

func TestRuntimeManifestPlaceholder(t *testing.T) {
	var builder, _, root = newTestBuilder(t)
	writeFixture(t, root, "default.json", `{
		"services": [
			{"command": "mystery", "code": "export default { manifest: { serviceId: \"__RUNTIME__\", command: \"mystery\" } };"}
		]
	}`)

	var snap, err = builder.Build(context.Background(), "chat-1", BuildOpts{})
	require.NoError(t, err)
	require.Equal(t, "mock_mystery", snap.Commands["mystery"].ServiceID)
}

func TestDiscardsTamperedPersistedSnapshot(t *testing.T) {
	var builder, db, root = newTestBuilder(t)
	writeDefaultFixture(t, root)
	var ctx = context.Background()

	var now = time.Date(2026, 4, 1, 12, 0, 0, 0, time.UTC)
	builder.now = func() time.Time { return now }

	var first, err = builder.Build(ctx, "chat-1", BuildOpts{})
	require.NoError(t, err)

	// Tamper with the persisted document: flip a route's service id
	// without resealing integrity.
	var tampered = *first
	tampered.Commands = map[string]protocol.CommandRoute{}
	for token, route := range first.Commands {
		tampered.Commands[token] = route
	}
	var route = tampered.Commands["greet"]
	route.ServiceID = "svc_evil"
	tampered.Commands["greet"] = route

	var encoded, _ = json.Marshal(&tampered)
	require.NoError(t, db.PutSnapshot(ctx, store.SnapshotRow{
		ConfigHash:   first.ConfigHash,
		SnapshotJSON: encoded,
		BuiltAt:      time.UnixMilli(first.BuiltAt).UTC(),
		Integrity:    tampered.Integrity,
	}))
	builder.memory.Purge()
	now = now.Add(time.Minute)

	// The verification failure is a miss: the builder rebuilds rather
	// than serving the tampered document.
	second, err := builder.Build(ctx, "chat-1", BuildOpts{})
	require.NoError(t, err)
	require.Equal(t, "svc_greet", second.Commands["greet"].ServiceID)
	require.NotEqual(t, first.BuiltAt, second.BuiltAt)
}

func TestGCOrphans(t *testing.T) {
	var builder, db, root = newTestBuilder(t)
	writeDefaultFixture(t, root)
	var ctx = context.Background()

	var snap, err = builder.Build(ctx, "chat-1", BuildOpts{})
	require.NoError(t, err)
	var referenced = len(snap.BundleHashes())

	// An orphan: stored, referenced by nothing.
	require.NoError(t, builder.bundles.Put(ctx, protocol.Bundle{
		BundleHash: protocol.ContentHash([]byte("orphan")),
		Entry:      "data:text/javascript;base64,",
		Code:       "// orphan",
	}))

	var result, err2 = builder.GCOrphans(ctx)
	require.NoError(t, err2)
	require.Equal(t, GCResult{Deleted: 1, Kept: referenced}, result)

	// With the snapshot gone, everything is an orphan.
	require.NoError(t, db.DeleteSnapshot(ctx, snap.ConfigHash))
	result, err2 = builder.GCOrphans(ctx)
	require.NoError(t, err2)
	require.Equal(t, GCResult{Deleted: referenced, Kept: 0}, result)
}
