package main

import (
	"context"
	"fmt"

	"github.com/pubky/switchboard/go/config"
	"github.com/pubky/switchboard/go/ops"
	"github.com/pubky/switchboard/go/snapshot"
	log "github.com/sirupsen/logrus"
)

type cmdGC struct {
	Store  cfgStore            `group:"store"`
	Config config.SourceConfig `group:"config" namespace:"config" env-namespace:"CONFIG"`
	Log    ops.LogConfig       `group:"Logging" namespace:"log" env-namespace:"LOG"`
}

func (cmd cmdGC) Execute(_ []string) error {
	ops.InitLog(cmd.Log)
	log.WithFields(log.Fields{"config": cmd}).Info("swbctl configuration")

	var db, bundles, err = cmd.Store.open()
	if err != nil {
		return err
	}
	defer db.Close()

	var builder = snapshot.NewBuilder(db, bundles, config.NewLoader(cmd.Config), "default")
	result, err := builder.GCOrphans(context.Background())
	if err != nil {
		return err
	}

	fmt.Println(green("done"), result.Deleted, "bundles deleted,", result.Kept, "kept")
	return nil
}
