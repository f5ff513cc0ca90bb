package main

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/pubky/switchboard/go/bundle"
	"github.com/pubky/switchboard/go/ops"
	"github.com/pubky/switchboard/go/protocol"
	"github.com/pubky/switchboard/go/store"
	log "github.com/sirupsen/logrus"
)

type cmdCheck struct {
	Store cfgStore      `group:"store"`
	Log   ops.LogConfig `group:"Logging" namespace:"log" env-namespace:"LOG"`
}

func (cmd cmdCheck) Execute(_ []string) error {
	ops.InitLog(cmd.Log)
	log.WithFields(log.Fields{"config": cmd}).Info("swbctl configuration")

	var ctx = context.Background()
	var db, bundles, err = cmd.Store.open()
	if err != nil {
		return err
	}
	defer db.Close()

	rows, err := db.ListSnapshots(ctx)
	if err != nil {
		return err
	}
	if len(rows) == 0 {
		fmt.Println("no persisted snapshots")
		return nil
	}

	var corrupt int
	for _, row := range rows {
		var snap, err = checkRow(ctx, bundles, row)
		if err != nil {
			fmt.Println(red("corrupt"), row.ConfigHash+":", err)
			corrupt++
			continue
		}
		fmt.Println(green("ok"), row.ConfigHash,
			len(snap.Commands), "commands,",
			len(snap.Listeners), "listeners, built",
			row.BuiltAt.Format(time.RFC3339))
	}

	if corrupt != 0 {
		return fmt.Errorf("%d corrupt snapshots", corrupt)
	}
	return nil
}

// checkRow verifies one persisted snapshot: its integrity seal, the row's
// copy of the seal, and the presence and content of every referenced
// bundle.
func checkRow(ctx context.Context, bundles *bundle.Store, row store.SnapshotRow) (*protocol.Snapshot, error) {
	var snap protocol.Snapshot
	if err := json.Unmarshal(row.SnapshotJSON, &snap); err != nil {
		return nil, fmt.Errorf("parsing snapshot: %w", err)
	}
	if err := snap.VerifyIntegrity(); err != nil {
		return nil, err
	}
	if row.Integrity != snap.Integrity {
		return nil, fmt.Errorf("row seal %s does not match document seal %s", row.Integrity, snap.Integrity)
	}

	for _, hash := range snap.BundleHashes() {
		var b, err = bundles.Get(ctx, hash)
		if err != nil {
			return nil, err
		} else if b == nil {
			return nil, fmt.Errorf("missing bundle %s", hash)
		} else if got := protocol.ContentHash([]byte(b.Code)); got != hash {
			return nil, fmt.Errorf("bundle %s content hashes to %s", hash, got)
		}
	}
	return &snap, nil
}
