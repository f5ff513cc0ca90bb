package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/jessevdk/go-flags"
	"github.com/pubky/switchboard/go/ops"
	"github.com/pubky/switchboard/go/runtime"
	log "github.com/sirupsen/logrus"
)

const iniFilename = "switchboard.ini"

// Config is the top-level configuration object of a switchboard server.
var Config = new(runtime.Config)

type cmdServe struct{}

func (cmdServe) Execute(_ []string) error {
	ops.InitLog(Config.Log)

	log.WithFields(log.Fields{
		"config": Config,
	}).Info("switchboard configuration")

	var rt, err = runtime.New(*Config)
	if err != nil {
		log.WithField("err", err).Fatal("building the runtime")
	}

	var ctx, cancel = context.WithCancel(context.Background())
	var signalCh = make(chan os.Signal, 1)
	signal.Notify(signalCh, syscall.SIGTERM, syscall.SIGINT)

	go func() {
		var sig = <-signalCh
		log.WithField("signal", sig).Info("caught signal; draining")
		cancel()
	}()

	if err = rt.Serve(ctx); err != nil {
		log.WithField("err", err).Error("runtime serve failed")
	}
	if closeErr := rt.Close(); err == nil {
		err = closeErr
	}
	log.Info("goodbye")

	return err
}

type cmdPrintConfig struct {
	parser *flags.Parser
}

func (cmd cmdPrintConfig) Execute(_ []string) error {
	flags.NewIniParser(cmd.parser).Write(os.Stdout, flags.IniIncludeDefaults|flags.IniCommentDefaults)
	return nil
}

func main() {
	var parser = flags.NewParser(Config, flags.Default)

	_, _ = parser.AddCommand("serve", "Serve as switchboard runtime", `
Serve the switchboard runtime with the provided configuration, until
signaled to exit (via SIGTERM).
`, &cmdServe{})

	_, _ = parser.AddCommand("print-config", "Print combined configuration and exit", `
Parse the combined configuration from `+iniFilename+`, flags, and environment
variables, and print it to stdout in INI format.
`, &cmdPrintConfig{parser})

	// An INI file in the working directory seeds the configuration; flags
	// and environment variables override it.
	if _, err := os.Stat(iniFilename); err == nil {
		if err = flags.NewIniParser(parser).ParseFile(iniFilename); err != nil {
			log.Fatal(err)
		}
	}

	if _, err := parser.Parse(); err == nil {
		// Success.
	} else if flagErr, ok := err.(*flags.Error); ok && flagErr.Type == flags.ErrHelp {
		os.Exit(0)
	} else if ok {
		// Flags already prints a notification.
		os.Exit(1)
	} else {
		log.Fatal(err)
	}
}
