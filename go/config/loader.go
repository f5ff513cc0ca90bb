package config

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/url"
	"os"
	"path"
	"path/filepath"
	"strings"
	"sync"

	"cloud.google.com/go/storage"
	jsonpatch "github.com/evanphx/json-patch/v5"
	"google.golang.org/api/option"
)

// SourceConfig locates configuration templates, parsed by go-flags.
type SourceConfig struct {
	Root string `long:"root" env:"ROOT" default:"./configs" description:"Directory or gs:// prefix holding config templates"`
}

// Loader fetches template documents by id, applies per-chat overrides, and
// resolves declared service sources. Safe for concurrent use.
type Loader struct {
	root     string
	gsClient *storage.Client // Initialized on first gs:// fetch.
	mu       sync.Mutex
}

// NewLoader returns a Loader resolving template ids under |cfg.Root|.
func NewLoader(cfg SourceConfig) *Loader {
	return &Loader{root: cfg.Root}
}

// Load fetches the template |configID|, merge-patches |override| onto the
// raw document (RFC 7386; nil or JSON null is a no-op), parses it, and
// resolves every declared service source to inline code. The returned
// template is the fully effective configuration whose Hash keys snapshot
// caches.
func (l *Loader) Load(ctx context.Context, configID string, override json.RawMessage) (*Template, error) {
	var location, err = l.locate(configID)
	if err != nil {
		return nil, fmt.Errorf("resolving config %q: %w", configID, err)
	}
	doc, err := l.fetch(ctx, location)
	if err != nil {
		return nil, fmt.Errorf("fetching config %q: %w", configID, err)
	}

	if patch := strings.TrimSpace(string(override)); patch != "" && patch != "null" {
		if doc, err = jsonpatch.MergePatch(doc, override); err != nil {
			return nil, fmt.Errorf("applying config override of %q: %w", configID, err)
		}
	}

	var template = new(Template)
	if err = json.Unmarshal(doc, template); err != nil {
		return nil, fmt.Errorf("parsing config %q: %w", configID, err)
	}
	if template.ConfigID == "" {
		template.ConfigID = configID
	}

	if err = l.resolveSources(ctx, location, template); err != nil {
		return nil, err
	}
	return template, nil
}

// locate maps a config id onto its fetchable location. Ids carrying a
// scheme are used as-is; bare ids resolve to "<id>.json" under the root.
func (l *Loader) locate(configID string) (*url.URL, error) {
	if strings.Contains(configID, "://") {
		return url.Parse(configID)
	}
	var name = configID
	if path.Ext(name) == "" {
		name += ".json"
	}
	if strings.Contains(l.root, "://") {
		var base, err = url.Parse(l.root)
		if err != nil {
			return nil, fmt.Errorf("parsing config root: %w", err)
		}
		base.Path = path.Join(base.Path, name)
		return base, nil
	}
	return &url.URL{Scheme: "file", Path: filepath.Join(l.root, name)}, nil
}

func (l *Loader) fetch(ctx context.Context, resource *url.URL) ([]byte, error) {
	switch resource.Scheme {
	case "", "file":
		return os.ReadFile(resource.Path)
	case "gs":
		// Building the client will fail if application default credentials
		// aren't located.
		var err error
		l.mu.Lock()
		if l.gsClient == nil {
			l.gsClient, err = storage.NewClient(ctx, option.WithScopes(storage.ScopeReadOnly))
		}
		l.mu.Unlock()

		if err != nil {
			return nil, fmt.Errorf("building google storage client: %w", err)
		}

		var r *storage.Reader
		if r, err = l.gsClient.Bucket(resource.Host).Object(strings.TrimPrefix(resource.Path, "/")).NewReader(ctx); err != nil {
			return nil, err
		}
		defer r.Close()
		return io.ReadAll(r)

	default:
		return nil, fmt.Errorf("unsupported scheme: %s", resource.Scheme)
	}
}

// resolveSources inlines each declaration's source file as Code, recording
// the local directory it came from for sibling dataset discovery. Remote
// (gs://) sources resolve to code only: they have no local directory.
func (l *Loader) resolveSources(ctx context.Context, base *url.URL, template *Template) error {
	for _, group := range [][]ServiceDecl{template.Services, template.Listeners} {
		for i := range group {
			var decl = &group[i]
			if err := decl.Validate(); err != nil {
				return err
			}
			if decl.Code != "" {
				continue
			}

			var location, err = relativeTo(base, decl.Source)
			if err != nil {
				return fmt.Errorf("resolving source of %q: %w", decl.Label(), err)
			}
			code, err := l.fetch(ctx, location)
			if err != nil {
				return fmt.Errorf("reading source of %q: %w", decl.Label(), err)
			}
			decl.Code = string(code)
			if location.Scheme == "" || location.Scheme == "file" {
				decl.Dir = filepath.Dir(location.Path)
			}
		}
	}
	return nil
}

// relativeTo resolves |ref| against the directory of |base|. Refs with a
// scheme or an absolute path stand alone.
func relativeTo(base *url.URL, ref string) (*url.URL, error) {
	if strings.Contains(ref, "://") {
		return url.Parse(ref)
	}
	var out = *base
	if path.IsAbs(ref) {
		out.Path = ref
	} else {
		out.Path = path.Join(path.Dir(base.Path), ref)
	}
	return &out, nil
}
