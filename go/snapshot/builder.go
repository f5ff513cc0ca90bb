// Package snapshot builds, verifies, and caches the per-chat routing
// snapshots that dispatch runs against. A snapshot is rebuilt only when no
// cache tier can produce one for the chat's current effective
// configuration.
package snapshot

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"
	"github.com/pubky/switchboard/go/bundle"
	"github.com/pubky/switchboard/go/config"
	"github.com/pubky/switchboard/go/protocol"
	"github.com/pubky/switchboard/go/store"
	log "github.com/sirupsen/logrus"
)

const (
	// memoryTTL bounds how long the process-local tier may serve a chat
	// before its effective configuration is re-checked.
	memoryTTL = 10 * time.Second
	// memorySize bounds the process-local tier, one entry per chat.
	memorySize = 1024
)

// Builder produces routing snapshots through a three-tier cache: a
// process-local TTL cache keyed by chat, the persisted snapshot table keyed
// by config hash, and a full rebuild from the effective configuration.
type Builder struct {
	db        *store.Store
	bundles   *bundle.Store
	bundler   *bundle.Bundler
	loader    *config.Loader
	defaultID string
	memory    *expirable.LRU[string, *protocol.Snapshot]
	now       func() time.Time
}

// NewBuilder returns a Builder resolving unbound chats to
// |defaultTemplateID|.
func NewBuilder(db *store.Store, bundles *bundle.Store, loader *config.Loader, defaultTemplateID string) *Builder {
	return &Builder{
		db:        db,
		bundles:   bundles,
		bundler:   bundle.NewBundler(),
		loader:    loader,
		defaultID: defaultTemplateID,
		memory:    expirable.NewLRU[string, *protocol.Snapshot](memorySize, nil, memoryTTL),
		now:       time.Now,
	}
}

// BuildOpts modifies one Build call.
type BuildOpts struct {
	// Force bypasses both cache tiers and rebuilds unconditionally.
	Force bool
}

// Build returns the current routing snapshot of |chatID|.
//
// The chat's effective configuration is always loaded and hashed first, so
// a configuration change is observed on the next Build regardless of cache
// state. Concurrent builds of the same configuration may race; both write
// content-equivalent snapshots, so last-writer-wins is safe.
func (b *Builder) Build(ctx context.Context, chatID string, opts BuildOpts) (*protocol.Snapshot, error) {
	var configID = b.defaultID
	var override json.RawMessage

	var binding, err = b.db.GetChatConfig(ctx, chatID)
	if err != nil {
		return nil, err
	} else if binding != nil {
		configID = binding.ConfigID
		override = binding.ConfigJSON
	}

	var template *config.Template
	if template, err = b.loader.Load(ctx, configID, override); err != nil {
		log.WithFields(log.Fields{
			"chat":   chatID,
			"config": configID,
			"error":  err,
		}).Warn("config fetch failed; serving the built-in template")
		fallbacksTotal.Inc()
		template = config.DefaultTemplate()
	}
	configHash, err := config.Hash(template)
	if err != nil {
		return nil, err
	}

	if !opts.Force {
		if cached, ok := b.memory.Get(chatID); ok {
			if cached.ConfigHash == configHash {
				buildsTotal.WithLabelValues("memory").Inc()
				return cached, nil
			}
			b.memory.Remove(chatID)
		}
		cached, err := b.loadPersisted(ctx, configHash)
		if err != nil {
			return nil, err
		} else if cached != nil {
			b.memory.Add(chatID, cached)
			buildsTotal.WithLabelValues("store").Inc()
			return cached, nil
		}
	}

	snap, err := b.rebuild(ctx, template, configHash)
	if err != nil {
		return nil, err
	}
	buildsTotal.WithLabelValues("rebuild").Inc()

	encoded, err := json.Marshal(snap)
	if err != nil {
		return nil, fmt.Errorf("encoding snapshot: %w", err)
	}
	if err = b.db.PutSnapshot(ctx, store.SnapshotRow{
		ConfigHash:   configHash,
		SnapshotJSON: encoded,
		BuiltAt:      time.UnixMilli(snap.BuiltAt).UTC(),
		Integrity:    snap.Integrity,
	}); err != nil {
		return nil, err
	}
	b.memory.Add(chatID, snap)

	// Keep the binding's recorded hash current so operators can see what
	// the chat last resolved to.
	if binding != nil && binding.ConfigHash != configHash {
		binding.ConfigHash = configHash
		if err = b.db.BindChatConfig(ctx, *binding); err != nil {
			log.WithFields(log.Fields{"chat": chatID, "error": err}).
				Warn("failed to record binding config hash")
		}
	}
	return snap, nil
}

// loadPersisted returns the verified snapshot persisted under
// |configHash|, or nil on miss. Any verification failure is a logged miss:
// a corrupt cache row must never route traffic.
func (b *Builder) loadPersisted(ctx context.Context, configHash string) (*protocol.Snapshot, error) {
	var row, err = b.db.GetSnapshot(ctx, configHash)
	if err != nil {
		return nil, err
	} else if row == nil {
		return nil, nil
	}

	var snap = new(protocol.Snapshot)
	var reason string
	if err = json.Unmarshal(row.SnapshotJSON, snap); err != nil {
		reason = fmt.Sprintf("parse: %s", err)
	} else if snap.SchemaVersion != protocol.CurrentSchemaVersion ||
		snap.SDKSchemaVersion != protocol.CurrentSDKSchemaVersion {
		reason = fmt.Sprintf("schema version %d/%d",
			snap.SchemaVersion, snap.SDKSchemaVersion)
	} else if err = snap.VerifyIntegrity(); err != nil {
		reason = err.Error()
	} else if snap.ConfigHash != configHash {
		reason = "config hash mismatch"
	}

	if reason != "" {
		log.WithFields(log.Fields{
			"configHash": configHash,
			"reason":     reason,
		}).Warn("discarding persisted snapshot")
		discardedTotal.Inc()
		return nil, nil
	}
	return snap, nil
}

// rebuild assembles a snapshot from scratch. Bundling is all-or-nothing: a
// single failed service fails the build, because partial routing tables
// misroute.
func (b *Builder) rebuild(ctx context.Context, template *config.Template, configHash string) (*protocol.Snapshot, error) {
	var started = time.Now()
	var snap = &protocol.Snapshot{
		SchemaVersion:    protocol.CurrentSchemaVersion,
		SDKSchemaVersion: protocol.CurrentSDKSchemaVersion,
		BuiltAt:          b.now().UnixMilli(),
		ConfigHash:       configHash,
		Commands:         make(map[string]protocol.CommandRoute),
	}

	for i := range template.Services {
		var decl = &template.Services[i]
		var out, err = b.buildArtifact(ctx, decl)
		if err != nil {
			return nil, err
		}

		var serviceID = decl.ID
		if serviceID == "" {
			serviceID = out.Manifest.ServiceID
		}
		var token = protocol.NormalizeToken(decl.Command, "")
		if token == "" {
			token = protocol.NormalizeToken(out.Manifest.Command, "")
		}
		if token == "" {
			return nil, fmt.Errorf("service %q declares no command", decl.Label())
		}
		if _, dup := snap.Commands[token]; dup {
			log.WithFields(log.Fields{
				"token":   token,
				"service": serviceID,
			}).Warn("duplicate command token; last declaration wins")
		}

		var kind = decl.Kind
		if kind == "" {
			kind = protocol.RouteSingle
		}
		snap.Commands[token] = protocol.CommandRoute{
			Token:      token,
			ServiceID:  serviceID,
			Kind:       kind,
			BundleHash: out.Bundle.BundleHash,
			Config:     decl.Config,
			Meta: protocol.RouteMeta{
				ID:          serviceID,
				Command:     out.Manifest.Command,
				Description: description(decl, out.Manifest),
			},
			Datasets: b.discoverDatasets(decl),
			Net:      decl.Net,
		}
	}

	for i := range template.Listeners {
		var decl = &template.Listeners[i]
		var out, err = b.buildArtifact(ctx, decl)
		if err != nil {
			return nil, err
		}

		var serviceID = decl.ID
		if serviceID == "" {
			serviceID = out.Manifest.ServiceID
		}
		snap.Listeners = append(snap.Listeners, protocol.ListenerRoute{
			ServiceID:  serviceID,
			BundleHash: out.Bundle.BundleHash,
			Config:     decl.Config,
			Meta: protocol.RouteMeta{
				ID:          serviceID,
				Command:     out.Manifest.Command,
				Description: description(decl, out.Manifest),
			},
			Datasets: b.discoverDatasets(decl),
			Net:      decl.Net,
		})
	}

	snap.SourceSig = protocol.SourceSignature(snap.BundleHashes())
	if err := snap.SealIntegrity(); err != nil {
		return nil, err
	}
	rebuildSeconds.Observe(time.Since(started).Seconds())
	return snap, nil
}

func (b *Builder) buildArtifact(ctx context.Context, decl *config.ServiceDecl) (bundle.Output, error) {
	var out, err = b.bundler.Bundle(decl.Command, decl.Code)
	if err != nil {
		return bundle.Output{}, fmt.Errorf("bundling service %q: %w", decl.Label(), err)
	}
	if err = b.bundles.Put(ctx, out.Bundle); err != nil {
		return bundle.Output{}, err
	}
	return out, nil
}

func description(decl *config.ServiceDecl, manifest bundle.ServiceManifest) string {
	if manifest.Description != "" {
		return manifest.Description
	}
	return decl.Description
}

// discoverDatasets attaches the declaration's datasets: declared external
// locators become {"ref": locator} placeholders resolved downstream, and
// sibling datasets/*.json files are inlined keyed by base name, overriding
// a placeholder of the same name. Read errors are logged and skipped; they
// never fail a build.
func (b *Builder) discoverDatasets(decl *config.ServiceDecl) map[string]json.RawMessage {
	var out = make(map[string]json.RawMessage)

	for name, locator := range decl.Datasets {
		var ref, err = json.Marshal(struct {
			Ref string `json:"ref"`
		}{locator})
		if err != nil {
			continue
		}
		out[name] = ref
	}

	if decl.Dir != "" {
		var dir = filepath.Join(decl.Dir, "datasets")
		var entries, err = os.ReadDir(dir)
		if err != nil && !os.IsNotExist(err) {
			log.WithFields(log.Fields{"dir": dir, "error": err}).
				Warn("skipping unreadable dataset directory")
		}
		for _, entry := range entries {
			if entry.IsDir() || !strings.HasSuffix(entry.Name(), ".json") {
				continue
			}
			var name = strings.TrimSuffix(entry.Name(), ".json")
			data, err := os.ReadFile(filepath.Join(dir, entry.Name()))
			if err != nil || !json.Valid(data) {
				log.WithFields(log.Fields{
					"dataset": name,
					"service": decl.Label(),
					"error":   err,
				}).Warn("skipping unreadable dataset")
				continue
			}
			out[name] = data
		}
	}

	if len(out) == 0 {
		return nil
	}
	return out
}

// GCResult reports one garbage-collection sweep.
type GCResult struct {
	Deleted int
	Kept    int
}

// GCOrphans deletes every stored bundle that no persisted snapshot
// references. A bundle deleted in error is recreated by the next rebuild,
// so the sweep is safe to run at any time.
func (b *Builder) GCOrphans(ctx context.Context) (GCResult, error) {
	var rows, err = b.db.ListSnapshots(ctx)
	if err != nil {
		return GCResult{}, err
	}

	var referenced = make(map[string]struct{})
	for _, row := range rows {
		var snap protocol.Snapshot
		if err = json.Unmarshal(row.SnapshotJSON, &snap); err != nil {
			log.WithFields(log.Fields{
				"configHash": row.ConfigHash,
				"error":      err,
			}).Warn("skipping unparseable snapshot during gc")
			continue
		}
		for _, hash := range snap.BundleHashes() {
			referenced[hash] = struct{}{}
		}
	}

	all, err := b.bundles.ListAll(ctx)
	if err != nil {
		return GCResult{}, err
	}

	var out GCResult
	for _, hash := range all {
		if _, ok := referenced[hash]; ok {
			out.Kept++
			continue
		}
		if err = b.bundles.Delete(ctx, hash); err != nil {
			return out, err
		}
		out.Deleted++
	}
	gcDeletedTotal.Add(float64(out.Deleted))
	return out, nil
}
