package main

import (
	"github.com/fatih/color"
	"github.com/pubky/switchboard/go/bundle"
	"github.com/pubky/switchboard/go/store"
)

// cfgStore locates the local database shared by swbctl commands.
type cfgStore struct {
	DB string `long:"db" env:"LOCAL_DB_URL" default:"./switchboard.db" description:"Path of the local sqlite database"`
}

func (cfg cfgStore) open() (*store.Store, *bundle.Store, error) {
	var db, err = store.Open(cfg.DB)
	if err != nil {
		return nil, nil, err
	}
	return db, bundle.NewStore(db), nil
}

var green = color.New(color.FgGreen).SprintFunc()
var yellow = color.New(color.FgYellow).SprintFunc()
var red = color.New(color.FgRed).SprintFunc()
