package main

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/pubky/switchboard/go/approval"
	"github.com/pubky/switchboard/go/config"
	"github.com/pubky/switchboard/go/ops"
	"github.com/pubky/switchboard/go/protocol"
	"github.com/pubky/switchboard/go/pubky"
	"github.com/pubky/switchboard/go/store"
	log "github.com/sirupsen/logrus"
)

// cfgApprovals is shared by the approvals subcommands. Approving without a
// configured homeserver fails the write; pass --pubky.dry-run to approve
// locally.
type cfgApprovals struct {
	Store cfgStore      `group:"store"`
	Pubky pubky.Config  `group:"pubky" namespace:"pubky" env-namespace:"PUBKY"`
	Log   ops.LogConfig `group:"Logging" namespace:"log" env-namespace:"LOG"`
}

func (cfg cfgApprovals) openQueue() (*store.Store, *approval.Queue, error) {
	var db, _, err = cfg.Store.open()
	if err != nil {
		return nil, nil, err
	}
	ttl, err := config.ParseTimeout(cfg.Pubky.ApprovalTimeout)
	if err != nil {
		_ = db.Close()
		return nil, nil, fmt.Errorf("parsing approval timeout: %w", err)
	}
	return db, approval.NewQueue(db, pubky.NewClient(cfg.Pubky), nil, ttl), nil
}

type cmdApprovalsList struct {
	Status string `long:"status" default:"pending" choice:"pending" choice:"approved" choice:"written" choice:"rejected" choice:"expired" choice:"failed" description:"Lifecycle state to list"`
	cfgApprovals
}

func (cmd cmdApprovalsList) Execute(_ []string) error {
	ops.InitLog(cmd.Log)
	log.WithFields(log.Fields{"config": cmd}).Info("swbctl configuration")

	var db, queue, err = cmd.openQueue()
	if err != nil {
		return err
	}
	defer db.Close()

	writes, err := queue.List(context.Background(), protocol.WriteStatus(cmd.Status))
	if err != nil {
		return err
	}
	if len(writes) == 0 {
		fmt.Println("no", cmd.Status, "writes")
	}
	for _, w := range writes {
		fmt.Printf("%s  %-8s  %s  expires %s\n",
			w.ID, w.Status, w.Path, w.ExpiresAt.Format(time.RFC3339))
		if w.Preview != "" {
			fmt.Println("    ", w.Preview)
		}
	}

	// The tally covers every status, not just the listed one.
	counts, err := db.CountPendingWrites(context.Background())
	if err != nil {
		return err
	}
	var tally []string
	for _, status := range []protocol.WriteStatus{
		protocol.StatusPending, protocol.StatusApproved, protocol.StatusWritten,
		protocol.StatusRejected, protocol.StatusExpired, protocol.StatusFailed,
	} {
		if n := counts[status]; n > 0 {
			tally = append(tally, fmt.Sprintf("%d %s", n, status))
		}
	}
	if len(tally) != 0 {
		fmt.Println("queue:", strings.Join(tally, ", "))
	}
	return nil
}

type cmdApprovalsApprove struct {
	ID    string `long:"id" required:"true" description:"Pending write to approve"`
	Actor string `long:"actor" default:"swbctl" description:"Reviewer recorded on the decision"`
	cfgApprovals
}

func (cmd cmdApprovalsApprove) Execute(_ []string) error {
	ops.InitLog(cmd.Log)
	log.WithFields(log.Fields{"config": cmd}).Info("swbctl configuration")

	var db, queue, err = cmd.openQueue()
	if err != nil {
		return err
	}
	defer db.Close()

	outcome, err := queue.Approve(context.Background(), cmd.ID, cmd.Actor)
	if err != nil {
		return err
	}
	if !outcome.Success {
		fmt.Println(yellow("no-op"), outcome.Message)
		return fmt.Errorf("decision did not take effect")
	}
	if outcome.Status == protocol.StatusFailed {
		fmt.Println(red("failed"), cmd.ID+":", outcome.Message)
		return fmt.Errorf("write failed")
	}
	fmt.Println(green("written"), cmd.ID)
	return nil
}

type cmdApprovalsReject struct {
	ID    string `long:"id" required:"true" description:"Pending write to reject"`
	Actor string `long:"actor" default:"swbctl" description:"Reviewer recorded on the decision"`
	cfgApprovals
}

func (cmd cmdApprovalsReject) Execute(_ []string) error {
	ops.InitLog(cmd.Log)
	log.WithFields(log.Fields{"config": cmd}).Info("swbctl configuration")

	var db, queue, err = cmd.openQueue()
	if err != nil {
		return err
	}
	defer db.Close()

	outcome, err := queue.Reject(context.Background(), cmd.ID, cmd.Actor)
	if err != nil {
		return err
	}
	if !outcome.Success {
		fmt.Println(yellow("no-op"), outcome.Message)
		return fmt.Errorf("decision did not take effect")
	}
	fmt.Println(green("rejected"), cmd.ID)
	return nil
}
