package config

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/pubky/switchboard/go/protocol"
	"github.com/stretchr/testify/require"
)

func writeFixture(t *testing.T, root, name, content string) {
	t.Helper()
	var p = filepath.Join(root, name)
	require.NoError(t, os.MkdirAll(filepath.Dir(p), 0o755))
	require.NoError(t, os.WriteFile(p, []byte(content), 0o644))
}

func fixtureRoot(t *testing.T) string {
	t.Helper()
	var root = t.TempDir()
	writeFixture(t, root, "team.json", `{
		"services": [
			{"id": "svc_poll", "command": "poll", "kind": "flow", "source": "services/poll.js", "net": ["api.example.com"]},
			{"id": "svc_echo", "command": "echo", "code": "export default {};"}
		],
		"listeners": [
			{"id": "svc_log", "source": "services/log.js"}
		]
	}`)
	writeFixture(t, root, "services/poll.js", "export default { manifest: { serviceId: 'svc_poll', command: 'poll' } };")
	writeFixture(t, root, "services/log.js", "export default { message: () => null };")
	return root
}

func TestLoaderResolvesSources(t *testing.T) {
	var loader = NewLoader(SourceConfig{Root: fixtureRoot(t)})

	var template, err = loader.Load(context.Background(), "team", nil)
	require.NoError(t, err)
	require.Equal(t, "team", template.ConfigID)
	require.Len(t, template.Services, 2)
	require.Len(t, template.Listeners, 1)

	var poll = template.Services[0]
	require.Equal(t, protocol.RouteFlow, poll.Kind)
	require.Contains(t, poll.Code, "svc_poll")
	require.Equal(t, filepath.Join(loader.root, "services"), poll.Dir)

	// Inline code needs no resolution and has no local directory.
	require.Equal(t, "export default {};", template.Services[1].Code)
	require.Empty(t, template.Services[1].Dir)

	require.Contains(t, template.Listeners[0].Code, "message")
}

func TestLoaderAppliesOverride(t *testing.T) {
	var loader = NewLoader(SourceConfig{Root: fixtureRoot(t)})

	// RFC 7386: arrays replace wholesale, scalars override, null deletes.
	var override = json.RawMessage(`{
		"services": [{"id": "svc_solo", "command": "solo", "code": "export default {};"}],
		"listeners": null
	}`)
	var template, err = loader.Load(context.Background(), "team", override)
	require.NoError(t, err)
	require.Len(t, template.Services, 1)
	require.Equal(t, "svc_solo", template.Services[0].ID)
	require.Empty(t, template.Listeners)

	// A null override is a no-op.
	template, err = loader.Load(context.Background(), "team", json.RawMessage(`null`))
	require.NoError(t, err)
	require.Len(t, template.Services, 2)
}

func TestLoaderFailures(t *testing.T) {
	var root = fixtureRoot(t)
	var loader = NewLoader(SourceConfig{Root: root})

	var _, err = loader.Load(context.Background(), "absent", nil)
	require.ErrorContains(t, err, `fetching config "absent"`)

	writeFixture(t, root, "broken.json", `{"services": [{"id": "svc_x", "command": "x"}]}`)
	_, err = loader.Load(context.Background(), "broken", nil)
	require.ErrorContains(t, err, `declares neither code nor source`)

	writeFixture(t, root, "dangling.json", `{"services": [{"id": "svc_y", "command": "y", "source": "missing.js"}]}`)
	_, err = loader.Load(context.Background(), "dangling", nil)
	require.ErrorContains(t, err, `reading source of "svc_y"`)

	writeFixture(t, root, "badkind.json", `{"services": [{"id": "svc_z", "command": "z", "kind": "cron", "code": "x"}]}`)
	_, err = loader.Load(context.Background(), "badkind", nil)
	require.ErrorContains(t, err, `unknown kind "cron"`)
}

func TestHashTracksContent(t *testing.T) {
	var loader = NewLoader(SourceConfig{Root: fixtureRoot(t)})

	var one, err = loader.Load(context.Background(), "team", nil)
	require.NoError(t, err)
	var hashOne, err1 = Hash(one)
	require.NoError(t, err1)

	// Reloading the same content yields the same hash.
	two, err := loader.Load(context.Background(), "team", nil)
	require.NoError(t, err)
	var hashTwo, err2 = Hash(two)
	require.NoError(t, err2)
	require.Equal(t, hashOne, hashTwo)

	// An override changes it.
	three, err := loader.Load(context.Background(), "team",
		json.RawMessage(`{"services":[{"id":"svc_solo","command":"solo","code":"x"}]}`))
	require.NoError(t, err)
	var hashThree, err3 = Hash(three)
	require.NoError(t, err3)
	require.NotEqual(t, hashOne, hashThree)

	// So does editing a resolved source file, even though the template
	// document is unchanged.
	writeFixture(t, loader.root, "services/poll.js", "export default { /* v2 */ };")
	four, err := loader.Load(context.Background(), "team", nil)
	require.NoError(t, err)
	var hashFour, err4 = Hash(four)
	require.NoError(t, err4)
	require.NotEqual(t, hashOne, hashFour)
}

func TestDefaultTemplate(t *testing.T) {
	var template = DefaultTemplate()
	require.Len(t, template.Services, 1)
	require.Equal(t, "ping", template.Services[0].Command)
	require.NotEmpty(t, template.Services[0].Code)

	var _, err = Hash(template)
	require.NoError(t, err)
}

func TestParseTimeout(t *testing.T) {
	var cases = []struct {
		in     string
		expect time.Duration
		fails  bool
	}{
		{"86400", 24 * time.Hour, false},
		{"0", 0, false},
		{" 300 ", 5 * time.Minute, false},
		{"90s", 90 * time.Second, false},
		{"1d12h", 36 * time.Hour, false},
		{"", 0, true},
		{"soon", 0, true},
	}
	for _, tc := range cases {
		var got, err = ParseTimeout(tc.in)
		if tc.fails {
			require.Error(t, err, tc.in)
		} else {
			require.NoError(t, err, tc.in)
			require.Equal(t, tc.expect, got, tc.in)
		}
	}
}
