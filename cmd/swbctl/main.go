package main

import (
	"fmt"
	"os"

	"github.com/jessevdk/go-flags"
	log "github.com/sirupsen/logrus"
)

const iniFilename = "switchboard.ini"

func main() {
	var parser = flags.NewParser(nil, flags.HelpFlag|flags.PassDoubleDash)

	addCmd(parser, "build", "Build a routing snapshot", `
Build the routing snapshot of a chat from its effective configuration and
print it to stdout. With --diff, compare against the previously persisted
snapshot of the same configuration instead.
`, &cmdBuild{})

	addCmd(parser, "check", "Verify persisted snapshots", `
Verify the integrity seal and bundle references of every persisted routing
snapshot, and report a verdict for each.
`, &cmdCheck{})

	addCmd(parser, "gc", "Delete orphaned bundles", `
Delete stored service bundles that no persisted snapshot references.
A bundle deleted in error is recreated by the next rebuild.
`, &cmdGC{})

	approvals, err := parser.Command.AddCommand("approvals", "Interact with pending writes", "", &struct{}{})
	must(err, "failed to add command")

	addCmd(approvals, "list", "List pending writes", `
List queued storage writes, newest first. --status selects another
lifecycle state.
`, &cmdApprovalsList{})

	addCmd(approvals, "approve", "Approve a pending write", `
Approve a pending write: the document is written to storage and the
record moves to written, or to failed when the write fails.
`, &cmdApprovalsApprove{})

	addCmd(approvals, "reject", "Reject a pending write", `
Reject a pending write. Nothing is written.
`, &cmdApprovalsReject{})

	addCmd(parser, "invoke", "Dispatch a synthetic event", `
Assemble the full runtime and dispatch one synthetic event through it,
printing the response document. Useful for exercising a configuration
before pointing a chat adapter at it.
`, &cmdInvoke{})

	// An INI file in the working directory seeds the configuration; flags
	// and environment variables override it.
	if _, err = os.Stat(iniFilename); err == nil {
		must(flags.NewIniParser(parser).ParseFile(iniFilename), "failed to parse "+iniFilename)
	}

	if _, err = parser.Parse(); err != nil {
		if flagErr, ok := err.(*flags.Error); ok && flagErr.Type == flags.ErrHelp {
			fmt.Println(flagErr.Message)
			os.Exit(0)
		}
		log.Fatal(err)
	}
}

func addCmd(to interface {
	AddCommand(string, string, string, interface{}) (*flags.Command, error)
}, a, b, c string, iface interface{}) *flags.Command {
	var cmd, err = to.AddCommand(a, b, c, iface)
	must(err, "failed to add flags parser command")
	return cmd
}

func must(err error, msg string) {
	if err != nil {
		log.WithField("err", err).Fatal(msg)
	}
}
