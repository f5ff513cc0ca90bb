package runtime

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strings"

	"github.com/pubky/switchboard/go/protocol"
	"github.com/pubky/switchboard/go/snapshot"
	"github.com/pubky/switchboard/go/store"
	log "github.com/sirupsen/logrus"
)

// Administrative command tokens, intercepted before service routing.
// Admin-only enforcement is the chat adapter's job: it must not forward
// these from non-admin users.
const (
	cmdRebindConfig  = "rebind_config"
	cmdRefreshConfig = "refresh_config"
)

// CommandPublisher republishes a chat's command list after its routing
// table changes. The chat adapter implements it against the chat
// platform's command-menu API.
type CommandPublisher interface {
	PublishCommands(ctx context.Context, chatID string, snap *protocol.Snapshot) error
}

// logCommandPublisher is the default publisher when no adapter is wired:
// it logs the refreshed command list.
type logCommandPublisher struct{}

func (logCommandPublisher) PublishCommands(_ context.Context, chatID string, snap *protocol.Snapshot) error {
	var tokens = make([]string, 0, len(snap.Commands))
	for token := range snap.Commands {
		tokens = append(tokens, token)
	}
	sort.Strings(tokens)
	log.WithFields(log.Fields{"chat": chatID, "commands": tokens}).
		Info("refreshed chat command list")
	return nil
}

var _ CommandPublisher = logCommandPublisher{}

// HandleEvent is the daemon's event entrypoint: administrative commands
// are intercepted here, and everything else routes through the dispatcher.
func (r *Runtime) HandleEvent(ctx context.Context, event protocol.Event) (*protocol.Response, error) {
	if event.Type == protocol.EventCommand {
		switch protocol.NormalizeToken(event.Token, r.Config.Switchboard.BotName) {
		case cmdRebindConfig:
			return r.rebindConfig(ctx, event), nil
		case cmdRefreshConfig:
			return r.refreshConfig(ctx, event), nil
		}
	}
	return r.Dispatcher.Dispatch(ctx, event)
}

// rebindConfig points the chat at a new configuration. Any per-chat
// override is reset: overrides patch a specific template and rarely
// survive a template change meaningfully.
func (r *Runtime) rebindConfig(ctx context.Context, event protocol.Event) *protocol.Response {
	var configID = strings.TrimSpace(event.Args)
	if configID == "" {
		return protocol.NewError("usage: /rebind_config <config-id-or-locator>")
	}

	if err := r.DB.BindChatConfig(ctx, store.ChatConfig{
		ChatID:   event.ChatID,
		ConfigID: configID,
	}); err != nil {
		return protocol.NewError(fmt.Sprintf("binding config: %s", err))
	}

	return r.rebuildAndPublish(ctx, event.ChatID,
		fmt.Sprintf("Rebound to %s.", configID))
}

// refreshConfig rebuilds the chat's snapshot from current sources, picking
// up config and code edits that keep the same config id.
func (r *Runtime) refreshConfig(ctx context.Context, event protocol.Event) *protocol.Response {
	return r.rebuildAndPublish(ctx, event.ChatID, "Configuration refreshed.")
}

func (r *Runtime) rebuildAndPublish(ctx context.Context, chatID, ack string) *protocol.Response {
	var snap, err = r.Builder.Build(ctx, chatID, snapshot.BuildOpts{Force: true})
	if err != nil {
		return protocol.NewError(fmt.Sprintf("rebuilding snapshot: %s", err))
	}

	// Publication is best-effort: the routing change already took.
	if err = r.publisher.PublishCommands(ctx, chatID, snap); err != nil {
		log.WithFields(log.Fields{"chat": chatID, "error": err}).
			Warn("failed to republish command list")
	}

	var text, _ = json.Marshal(fmt.Sprintf("%s %d commands routed.", ack, len(snap.Commands)))
	return &protocol.Response{
		Kind:  protocol.KindReply,
		Extra: map[string]json.RawMessage{"text": text},
	}
}
