package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/pubky/switchboard/go/ops"
	"github.com/pubky/switchboard/go/protocol"
	"github.com/pubky/switchboard/go/runtime"
	log "github.com/sirupsen/logrus"
)

type cmdInvoke struct {
	Type    string `long:"type" default:"command" choice:"command" choice:"callback" choice:"message" description:"Event type to dispatch"`
	Chat    string `long:"chat" default:"local" description:"Chat scope of the event"`
	User    string `long:"user" default:"operator" description:"User attributed to the event"`
	Token   string `long:"token" description:"Command token, for command events"`
	CmdArgs string `long:"args" description:"Argument text following the command"`
	Data    string `long:"data" description:"Callback data, for callback events"`
	Text    string `long:"text" description:"Message text, for message events"`

	runtime.Config
}

const executeTimeout = time.Minute

func (cmd cmdInvoke) Execute(_ []string) error {
	ops.InitLog(cmd.Log)
	log.WithFields(log.Fields{"config": cmd}).Info("swbctl configuration")

	var rt, err = runtime.New(cmd.Config)
	if err != nil {
		return err
	}
	defer rt.Close()

	var ctx, cancel = context.WithTimeout(context.Background(), executeTimeout)
	defer cancel()

	var event = protocol.Event{
		Type:   protocol.EventType(cmd.Type),
		ChatID: cmd.Chat,
		UserID: cmd.User,
		Token:  cmd.Token,
		Args:   cmd.CmdArgs,
		Data:   cmd.Data,
	}
	if cmd.Text != "" {
		if event.Message, err = json.Marshal(map[string]string{"text": cmd.Text}); err != nil {
			return err
		}
	}

	resp, err := rt.HandleEvent(ctx, event)
	if err != nil {
		return err
	}
	if resp == nil {
		fmt.Println("null")
		return nil
	}

	var enc = json.NewEncoder(os.Stdout)
	enc.SetIndent("", "    ")
	return enc.Encode(resp)
}
