// Package bundle assembles service source code into immutable,
// content-addressed artifacts, and materializes stored artifacts as
// read-only files for sandbox runs.
package bundle

import (
	"encoding/base64"
	"encoding/json"
	"fmt"
	"regexp"
	"strings"

	"github.com/pubky/switchboard/go/protocol"
	"github.com/tidwall/gjson"
)

// sdkPrologue is inlined ahead of every service source. It implements the
// service half of the sandbox stdio contract: read one JSON payload from
// stdin, route it to the handlers the service registered (or exported on
// globalThis), and print one JSON response document to stdout.
const sdkPrologue = `// switchboard sdk v` + sdkVersionTag + `
globalThis.swb = (() => {
	let def = null;
	return {
		service(d) { def = d; },
		async main() {
			const text = await new Response(Deno.stdin.readable).text();
			const payload = JSON.parse(text);
			const handlers = def ?? {
				onCommand: globalThis.onCommand,
				onCallback: globalThis.onCallback,
				onMessage: globalThis.onMessage,
			};
			const handler = {
				command: handlers.onCommand,
				callback: handlers.onCallback,
				message: handlers.onMessage,
			}[payload.event.type];
			if (!handler) return;
			const response = await handler(payload.event, payload.ctx);
			if (response !== undefined && response !== null) {
				console.log(JSON.stringify(response));
			}
		},
	};
})();
`

// sdkEpilogue runs the registered service against the stdin payload. It is
// appended after the service source.
const sdkEpilogue = `
await globalThis.swb.main();
`

const sdkVersionTag = "1"

// RuntimeManifestSentinel marks a manifest whose identity is resolved only
// at run time. The builder substitutes a deterministic mock identity.
const RuntimeManifestSentinel = "__RUNTIME__"

// ServiceManifest is the introspected static manifest of a service source.
type ServiceManifest struct {
	ServiceID   string
	Command     string
	Description string
}

// Output is one bundled artifact plus its introspected manifest.
type Output struct {
	Bundle   protocol.Bundle
	Manifest ServiceManifest
}

// Bundler assembles service sources into content-addressed bundles. It is
// stateless and safe for concurrent use.
type Bundler struct{}

// NewBundler returns a Bundler producing SDK schema version
// protocol.CurrentSDKSchemaVersion artifacts.
func NewBundler() *Bundler { return &Bundler{} }

// Bundle inlines the SDK prologue and epilogue around |source|, detects
// third-party package imports, derives the bundle's content hash, and
// introspects its manifest. |declaredCommand| is the command token the
// configuration binds the service to; it backstops manifests that omit or
// defer their identity.
func (b *Bundler) Bundle(declaredCommand, source string) (Output, error) {
	if strings.TrimSpace(source) == "" {
		return Output{}, fmt.Errorf("service source for %q is empty", declaredCommand)
	}

	var code = sdkPrologue + source + sdkEpilogue
	var bundleHash = protocol.ContentHash([]byte(code))
	var entry = "data:text/javascript;base64," +
		base64.StdEncoding.EncodeToString([]byte(code))

	var manifest = introspectManifest(source, declaredCommand)

	return Output{
		Bundle: protocol.Bundle{
			BundleHash: bundleHash,
			Entry:      entry,
			Code:       code,
			HasNpm:     DetectNpm(source),
		},
		Manifest: manifest,
	}, nil
}

// npmSpecifier matches third-party package imports: npm: or node: import
// specifiers, dynamic imports of the same, and bare require calls.
var npmSpecifier = regexp.MustCompile(
	`from\s*["'](?:npm|node):` +
		`|import\s*\(\s*["'](?:npm|node):` +
		`|\brequire\s*\(`)

// DetectNpm reports whether |source| imports third-party packages, which
// widens the sandbox read capability to the interpreter's package cache.
func DetectNpm(source string) bool {
	return npmSpecifier.MatchString(source)
}

// manifestStart locates a static manifest declaration: a "manifest"
// property or binding followed by an object literal.
var manifestStart = regexp.MustCompile(`\bmanifest\s*[:=]\s*\{`)

// introspectManifest extracts the static manifest from |source|. Manifests
// must be JSON-shaped to be introspectable; anything else (including the
// explicit runtime sentinel) resolves to a deterministic mock identity
// derived from the declared command.
func introspectManifest(source, declaredCommand string) ServiceManifest {
	var out = ServiceManifest{
		ServiceID: "mock_" + declaredCommand,
		Command:   declaredCommand,
	}

	var raw, ok = extractManifestObject(source)
	if !ok {
		return out
	}

	if command := gjson.GetBytes(raw, "command"); command.Type == gjson.String && command.Str != "" {
		out.Command = command.Str
	}
	if desc := gjson.GetBytes(raw, "description"); desc.Type == gjson.String {
		out.Description = desc.Str
	}
	if id := gjson.GetBytes(raw, "serviceId"); id.Type == gjson.String &&
		id.Str != "" && id.Str != RuntimeManifestSentinel {
		out.ServiceID = id.Str
	} else {
		out.ServiceID = "mock_" + out.Command
	}
	return out
}

// extractManifestObject returns the manifest object literal as raw JSON.
// The object is located textually and scanned to its matching close brace,
// honoring string literals and escapes; non-JSON literals are rejected.
func extractManifestObject(source string) (json.RawMessage, bool) {
	var loc = manifestStart.FindStringIndex(source)
	if loc == nil {
		return nil, false
	}
	var start = strings.IndexByte(source[loc[0]:loc[1]], '{') + loc[0]

	var depth int
	var inString, escaped bool
	var quote byte
	for i := start; i < len(source); i++ {
		var c = source[i]
		if inString {
			if escaped {
				escaped = false
			} else if c == '\\' {
				escaped = true
			} else if c == quote {
				inString = false
			}
			continue
		}
		switch c {
		case '"', '\'', '`':
			inString, quote = true, c
		case '{':
			depth++
		case '}':
			depth--
			if depth == 0 {
				var obj = source[start : i+1]
				if !gjson.Valid(obj) {
					return nil, false
				}
				return json.RawMessage(obj), true
			}
		}
	}
	return nil, false
}
