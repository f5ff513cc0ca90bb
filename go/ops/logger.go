// Package ops provides structured logging for the switchboard runtime: a
// Publisher interface components log through, and forwarding of sandbox
// stderr streams into structured events.
package ops

import (
	"encoding/json"
	"time"

	log "github.com/sirupsen/logrus"
)

// Publisher publishes log events that relate to a specific component or
// sandboxed service run. Components log through a Publisher rather than the
// logrus package directly so that service-attributed logs can later be
// routed to per-chat ops surfaces without touching call sites.
type Publisher interface {
	Log(level log.Level, fields log.Fields, message string) error
	// LogForwarded publishes an event captured from a child process, with
	// the timestamp the child recorded.
	LogForwarded(ts time.Time, level log.Level, fields map[string]json.RawMessage, message string) error
}

type stdPublisher struct{}

func (stdPublisher) Log(level log.Level, fields log.Fields, message string) error {
	log.WithFields(fields).Log(level, message)
	return nil
}

func (stdPublisher) LogForwarded(ts time.Time, level log.Level, fields map[string]json.RawMessage, message string) error {
	var mapped = make(log.Fields, len(fields)+1)
	for k, v := range fields {
		mapped[k] = v
	}
	mapped["childTs"] = ts.Format(time.RFC3339Nano)
	log.WithFields(mapped).Log(level, message)
	return nil
}

// StdPublisher returns a Publisher that forwards to the logrus standard
// logger.
func StdPublisher() Publisher {
	return stdPublisher{}
}

// LogConfig configures process-wide logging, parsed by go-flags.
type LogConfig struct {
	Level  string `long:"level" env:"LEVEL" default:"info" choice:"trace" choice:"debug" choice:"info" choice:"warn" choice:"error" description:"Logging level"`
	Format string `long:"format" env:"FORMAT" default:"text" choice:"json" choice:"text" description:"Logging output format"`
}

// InitLog configures the logrus standard logger from |cfg|.
func InitLog(cfg LogConfig) {
	if cfg.Format == "json" {
		log.SetFormatter(&log.JSONFormatter{TimestampFormat: time.RFC3339Nano})
	} else {
		log.SetFormatter(&log.TextFormatter{FullTimestamp: true, TimestampFormat: time.RFC3339Nano})
	}
	if level, err := log.ParseLevel(cfg.Level); err == nil {
		log.SetLevel(level)
	}
}
