// Package runtime assembles the switchboard daemon: it opens the
// configuration store, wires the snapshot builder, dispatcher, sandbox
// host, and approval queue together, serves the HTTP facade, and
// intercepts the administrative commands.
package runtime

import (
	"context"
	"fmt"

	"github.com/pubky/switchboard/go/approval"
	"github.com/pubky/switchboard/go/bundle"
	"github.com/pubky/switchboard/go/config"
	"github.com/pubky/switchboard/go/dispatch"
	"github.com/pubky/switchboard/go/ops"
	"github.com/pubky/switchboard/go/protocol"
	"github.com/pubky/switchboard/go/pubky"
	"github.com/pubky/switchboard/go/sandbox"
	"github.com/pubky/switchboard/go/service"
	"github.com/pubky/switchboard/go/snapshot"
	"github.com/pubky/switchboard/go/state"
	"github.com/pubky/switchboard/go/store"
	"github.com/robfig/cron/v3"
	log "github.com/sirupsen/logrus"
)

// SwitchboardConfig holds the daemon's own settings; collaborator
// sections carry their own config groups.
type SwitchboardConfig struct {
	DefaultTemplateID string `long:"default-template-id" env:"DEFAULT_TEMPLATE_ID" default:"default" description:"Config template bound to chats without an explicit binding"`
	LocalDBURL        string `long:"local-db-url" env:"LOCAL_DB_URL" default:"./switchboard.db" description:"Path of the SQLite configuration database"`
	BotName           string `long:"bot-name" env:"BOT_NAME" description:"Bot mention stripped from command tokens"`
	SweepSchedule     string `long:"sweep-schedule" env:"SWEEP_SCHEDULE" default:"@every 1m" description:"Cron schedule of the pending-write expiry sweep"`
}

// Config configures the switchboard daemon, parsed by go-flags.
type Config struct {
	Switchboard SwitchboardConfig   `group:"switchboard"`
	Config      config.SourceConfig `group:"config" namespace:"config" env-namespace:"CONFIG"`
	Sandbox     sandbox.Config      `group:"sandbox" namespace:"sandbox" env-namespace:"SANDBOX"`
	Pubky       pubky.Config        `group:"pubky" namespace:"pubky" env-namespace:"PUBKY"`
	HTTP        service.Config      `group:"http" namespace:"http" env-namespace:"HTTP"`
	Log         ops.LogConfig       `group:"Logging" namespace:"log" env-namespace:"LOG"`
}

// Runtime is the assembled daemon.
type Runtime struct {
	Config     Config
	DB         *store.Store
	Bundles    *bundle.Store
	States     *state.Store
	Builder    *snapshot.Builder
	Dispatcher *dispatch.Dispatcher
	Queue      *approval.Queue
	Hub        *service.Hub

	server    *service.Server
	cron      *cron.Cron
	publisher CommandPublisher
}

var _ service.EventHandler = (*Runtime)(nil)

// New assembles a Runtime from |cfg|. The configuration database is opened
// and migrated here; a migration failure refuses to serve.
func New(cfg Config) (*Runtime, error) {
	var db, err = store.Open(cfg.Switchboard.LocalDBURL)
	if err != nil {
		return nil, err
	}

	var bundles = bundle.NewStore(db)
	readDir, err := bundles.Dir()
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("preparing bundle directory: %w", err)
	}

	ttl, err := config.ParseTimeout(cfg.Pubky.ApprovalTimeout)
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("parsing approval timeout: %w", err)
	}

	var rt = &Runtime{
		Config:    cfg,
		DB:        db,
		Bundles:   bundles,
		States:    state.NewStore(),
		Hub:       service.NewHub(),
		cron:      cron.New(),
		publisher: logCommandPublisher{},
	}

	rt.Builder = snapshot.NewBuilder(db, bundles,
		config.NewLoader(cfg.Config), cfg.Switchboard.DefaultTemplateID)
	rt.Queue = approval.NewQueue(db, pubky.NewClient(cfg.Pubky), rt.Hub, ttl)

	var host = sandbox.NewHost(cfg.Sandbox, readDir, ops.StdPublisher())
	rt.Dispatcher = dispatch.NewDispatcher(
		rt.Builder, bundles, rt.States,
		newGatedRunner(host, cfg.Sandbox.MaxConcurrent),
		rt.Queue, cfg.Switchboard.BotName)

	// Approved writes with onApproval data replay through the dispatcher
	// as callback events. The response has no live adapter connection to
	// land on, so it is logged.
	rt.Queue.SetReplay(func(ctx context.Context, w *protocol.PendingWrite) {
		var resp, err = rt.Dispatcher.Dispatch(ctx, protocol.Event{
			Type:   protocol.EventCallback,
			ChatID: w.ChatID,
			UserID: w.UserID,
			Data:   w.OnApproval,
		})
		if err != nil {
			log.WithFields(log.Fields{"write": w.ID, "error": err}).
				Warn("approval replay failed")
			return
		}
		log.WithFields(log.Fields{
			"write": w.ID,
			"chat":  w.ChatID,
			"text":  resp.Text(),
		}).Info("replayed approval callback")
	})

	if _, err = rt.Queue.Schedule(rt.cron, cfg.Switchboard.SweepSchedule); err != nil {
		db.Close()
		return nil, fmt.Errorf("scheduling expiry sweep: %w", err)
	}

	if rt.server, err = service.NewServer(cfg.HTTP, service.APIs{
		Events:    rt,
		Snapshots: rt.Builder,
		Approvals: rt.Queue,
		States:    rt.States,
		Notify:    rt.Hub,
	}); err != nil {
		db.Close()
		return nil, err
	}
	return rt, nil
}

// SetCommandPublisher installs the chat adapter's command-list publisher.
func (r *Runtime) SetCommandPublisher(p CommandPublisher) { r.publisher = p }

// Serve recovers interrupted approvals, starts the expiry sweeper, and
// serves HTTP until |ctx| is cancelled.
func (r *Runtime) Serve(ctx context.Context) error {
	var recovered, err = r.Queue.RecoverInterrupted(ctx)
	if err != nil {
		return fmt.Errorf("recovering interrupted writes: %w", err)
	}
	if recovered > 0 {
		log.WithField("count", recovered).
			Warn("failed writes interrupted by an earlier shutdown")
	}

	r.cron.Start()
	defer r.cron.Stop()

	log.WithFields(log.Fields{
		"port": r.Config.HTTP.Port,
		"db":   r.DB.Path(),
	}).Info("switchboard serving")
	return r.server.Serve(ctx)
}

// Close releases the database handle and materialized bundle files.
func (r *Runtime) Close() error {
	var cleanupErr = r.Bundles.Cleanup()
	if err := r.DB.Close(); err != nil {
		return err
	}
	return cleanupErr
}
