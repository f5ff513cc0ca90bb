package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"

	"github.com/nsf/jsondiff"
	"github.com/pubky/switchboard/go/config"
	"github.com/pubky/switchboard/go/ops"
	"github.com/pubky/switchboard/go/protocol"
	"github.com/pubky/switchboard/go/snapshot"
	"github.com/pubky/switchboard/go/store"
	log "github.com/sirupsen/logrus"
)

type cmdBuild struct {
	Chat     string              `long:"chat" default:"local" description:"Chat to resolve; unbound chats use the default template"`
	Template string              `long:"template" env:"DEFAULT_TEMPLATE_ID" default:"default" description:"Template id resolved for unbound chats"`
	Diff     bool                `long:"diff" description:"Diff against the persisted snapshot instead of printing"`
	Store    cfgStore            `group:"store"`
	Config   config.SourceConfig `group:"config" namespace:"config" env-namespace:"CONFIG"`
	Log      ops.LogConfig       `group:"Logging" namespace:"log" env-namespace:"LOG"`
}

func (cmd cmdBuild) Execute(_ []string) error {
	ops.InitLog(cmd.Log)
	log.WithFields(log.Fields{"config": cmd}).Info("swbctl configuration")

	var ctx = context.Background()
	var db, bundles, err = cmd.Store.open()
	if err != nil {
		return err
	}
	defer db.Close()

	var loader = config.NewLoader(cmd.Config)
	var builder = snapshot.NewBuilder(db, bundles, loader, cmd.Template)

	// Capture the persisted snapshot of the chat's current configuration
	// before the rebuild replaces it.
	var prior *protocol.Snapshot
	if cmd.Diff {
		if prior, err = persistedSnapshot(ctx, db, loader, cmd.Chat, cmd.Template); err != nil {
			return err
		}
	}

	snap, err := builder.Build(ctx, cmd.Chat, snapshot.BuildOpts{Force: true})
	if err != nil {
		return err
	}

	var enc = json.NewEncoder(os.Stdout)
	enc.SetIndent("", "    ")

	if !cmd.Diff {
		return enc.Encode(snap)
	}
	if prior == nil {
		fmt.Println(yellow("no persisted snapshot to diff against"))
		return enc.Encode(snap)
	}

	// BuiltAt and the integrity seal change on every rebuild; the diff is
	// over routing content only.
	before, err := marshalForDiff(prior)
	if err != nil {
		return err
	}
	after, err := marshalForDiff(snap)
	if err != nil {
		return err
	}

	var diffOptions = jsondiff.DefaultConsoleOptions()
	var mode, diffs = jsondiff.Compare(before, after, &diffOptions)
	if mode == jsondiff.FullMatch {
		fmt.Println(green("unchanged"), snap.ConfigHash)
		return nil
	}
	fmt.Println(diffs)
	return nil
}

func marshalForDiff(snap *protocol.Snapshot) ([]byte, error) {
	var clone = *snap
	clone.BuiltAt = 0
	clone.Integrity = ""
	return json.Marshal(&clone)
}

// persistedSnapshot resolves |chatID|'s effective configuration the same
// way the builder does, and returns the snapshot persisted under its hash,
// or nil when none exists.
func persistedSnapshot(ctx context.Context, db *store.Store, loader *config.Loader, chatID, templateID string) (*protocol.Snapshot, error) {
	var configID = templateID
	var override json.RawMessage

	var binding, err = db.GetChatConfig(ctx, chatID)
	if err != nil {
		return nil, err
	} else if binding != nil {
		configID = binding.ConfigID
		override = binding.ConfigJSON
	}

	template, err := loader.Load(ctx, configID, override)
	if err != nil {
		return nil, fmt.Errorf("loading config %q: %w", configID, err)
	}
	hash, err := config.Hash(template)
	if err != nil {
		return nil, err
	}

	row, err := db.GetSnapshot(ctx, hash)
	if err != nil || row == nil {
		return nil, err
	}

	var snap protocol.Snapshot
	if err = json.Unmarshal(row.SnapshotJSON, &snap); err != nil {
		return nil, fmt.Errorf("parsing persisted snapshot: %w", err)
	}
	return &snap, nil
}
