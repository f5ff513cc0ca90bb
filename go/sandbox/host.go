package sandbox

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"time"

	"github.com/pubky/switchboard/go/ops"
	"github.com/pubky/switchboard/go/protocol"
	log "github.com/sirupsen/logrus"
)

// envAllowlist is the hard-coded environment whitelist of sandbox children.
// The parent's remaining environment is never passed.
var envAllowlist = []string{"HOME", "PATH", "DENO_DIR", "XDG_CACHE_HOME"}

// maxStdoutBytes bounds how much child stdout one run may produce.
const maxStdoutBytes = 1 << 23 // 8 MiB.

// maxStderrPrefix bounds the stderr prefix retained for error messages.
// The full stream is still forwarded to the ops publisher.
const maxStderrPrefix = 4096

// Config configures a sandbox Host.
type Config struct {
	// Interpreter is the child interpreter binary. It must accept
	// Deno-style run flags.
	Interpreter string `long:"interpreter" env:"INTERPRETER" default:"deno" description:"Sandbox interpreter binary"`
	// CacheDir is the interpreter's package cache, readable by runs whose
	// bundle imports third-party packages. Empty defers to the child's
	// default resolution from its (whitelisted) environment.
	CacheDir string `long:"cache-dir" env:"CACHE_DIR" description:"Interpreter package cache readable by hasNpm runs"`
	// MaxConcurrent caps concurrent sandbox runs. Zero is unbounded.
	MaxConcurrent int `long:"max-concurrent" env:"MAX_CONCURRENT" default:"0" description:"Cap on concurrent sandbox runs (0 is unbounded)"`
}

// Host launches service bundles as sandboxed interpreter subprocesses, one
// fresh child per Run. Runs are independent: the Host keeps no state beyond
// launch-time book-keeping.
type Host struct {
	interpreter string
	readDir     string
	cacheDir    string
	env         []string
	publisher   ops.Publisher
}

// NewHost returns a Host launching |cfg.Interpreter| children that may read
// only |readDir| (and the package cache, for hasNpm runs). The child
// environment is computed once, here: the whitelisted variables of the
// parent, with the cache location overridden by |cfg.CacheDir| when set.
func NewHost(cfg Config, readDir string, publisher ops.Publisher) *Host {
	if publisher == nil {
		publisher = ops.StdPublisher()
	}

	var env []string
	for _, key := range envAllowlist {
		if key == "DENO_DIR" && cfg.CacheDir != "" {
			env = append(env, key+"="+cfg.CacheDir)
		} else if value, ok := os.LookupEnv(key); ok {
			env = append(env, key+"="+value)
		}
	}

	return &Host{
		interpreter: cfg.Interpreter,
		readDir:     readDir,
		cacheDir:    cfg.CacheDir,
		env:         env,
		publisher:   publisher,
	}
}

// Result is the classified outcome of one sandbox run.
type Result struct {
	// OK is true when the child exited cleanly and produced either no
	// output or one valid JSON document.
	OK bool
	// Value is the JSON document the child printed, nil when it printed
	// nothing (a run with no response).
	Value json.RawMessage
	// Err describes a failed run: non-zero exit, invalid output, spawn or
	// I/O fault. Empty when OK.
	Err string
	// Stderr is a bounded prefix of the child's stderr, for observability.
	Stderr string
	// ExitCode is the child's exit code; -1 when killed or never started.
	ExitCode int
	// Elapsed is the wall-clock duration of the run.
	Elapsed time.Duration
}

// Run launches one interpreter child over the bundle at |entry|, writes the
// payload document to its stdin, and reads its response under |caps|'s
// capability profile and deadline. All outcomes are folded into the Result:
// Run itself never mutates state and is safe for concurrent use.
func (h *Host) Run(ctx context.Context, entry string, payload protocol.Payload, caps Caps) Result {
	var started = time.Now()
	var service = serviceLabel(entry, payload)

	var input, err = json.Marshal(payload)
	if err != nil {
		return failed(started, fmt.Sprintf("encoding payload: %s", err))
	}
	if err = ctx.Err(); err != nil {
		return failed(started, err.Error())
	}

	var cmd = exec.Command(h.interpreter, h.commandArgs(entry, caps)...)
	cmd.Env = h.env
	cmd.Stdin = bytes.NewReader(append(input, '\n'))
	cmd.SysProcAttr = sysProcAttr()

	var stdout = &cappedBuffer{cap: maxStdoutBytes}
	cmd.Stdout = stdout

	// Retain a stderr prefix for error messages while forwarding the full
	// stream to the ops publisher as structured events.
	var stderrPrefix = &cappedBuffer{cap: maxStderrPrefix}
	var forwardR, forwardW = io.Pipe()
	cmd.Stderr = io.MultiWriter(stderrPrefix, forwardW)

	var forwarded = make(chan struct{})
	go func() {
		defer close(forwarded)
		ops.ForwardStderr(service, log.WarnLevel, forwardR, h.publisher)
	}()

	if err = cmd.Start(); err != nil {
		forwardW.Close()
		<-forwarded
		return failed(started, fmt.Sprintf("starting sandbox: %s", err))
	}

	// The child is killed at the capability deadline, or when the caller's
	// context is cancelled. Kill after exit is a no-op.
	var deadline = time.AfterFunc(caps.Deadline(), func() { _ = cmd.Process.Kill() })
	var runDone = make(chan struct{})
	go func() {
		select {
		case <-ctx.Done():
			_ = cmd.Process.Kill()
		case <-runDone:
		}
	}()

	var waitErr = cmd.Wait()
	close(runDone)
	deadline.Stop()
	forwardW.Close()
	<-forwarded

	var out = Result{
		Stderr:   strings.TrimRight(stderrPrefix.String(), "\n"),
		ExitCode: cmd.ProcessState.ExitCode(),
		Elapsed:  time.Since(started),
	}
	defer func() { observeRun(out) }()

	if _, ok := waitErr.(*exec.ExitError); ok {
		out.Err = fmt.Sprintf("sandbox exit %d: %s", out.ExitCode, out.Stderr)
		return out
	} else if waitErr != nil {
		out.ExitCode = -1
		out.Err = fmt.Sprintf("sandbox io: %s", waitErr)
		return out
	}

	if stdout.truncated {
		out.Err = fmt.Sprintf("sandbox stdout exceeds %d bytes", maxStdoutBytes)
		return out
	}
	var response = bytes.TrimSpace(stdout.Bytes())
	if len(response) == 0 {
		out.OK = true
		return out
	}

	var value json.RawMessage
	if err = json.Unmarshal(response, &value); err != nil {
		out.Err = fmt.Sprintf("invalid JSON: %s", err)
		return out
	}
	out.OK = true
	out.Value = value
	return out
}

// commandArgs shapes the child's capability profile: quiet non-interactive
// execution with no runtime module fetches, reads restricted to the bundle
// directory (plus the package cache for hasNpm runs), environment restricted
// to the whitelist, network restricted to the filtered allowlist or denied
// outright, and no write capability at all.
func (h *Host) commandArgs(entry string, caps Caps) []string {
	var reads = []string{h.readDir}
	if caps.HasNpm && h.cacheDir != "" {
		reads = append(reads, h.cacheDir)
	}

	var args = []string{
		"run",
		"--quiet",
		"--no-prompt",
		"--cached-only",
		"--allow-read=" + strings.Join(reads, ","),
		"--allow-env=" + strings.Join(envAllowlist, ","),
	}
	if hosts := caps.NetAllowlist(); len(hosts) != 0 {
		args = append(args, "--allow-net="+strings.Join(hosts, ","))
	}
	return append(args, entry)
}

func failed(started time.Time, message string) Result {
	var out = Result{
		Err:      message,
		ExitCode: -1,
		Elapsed:  time.Since(started),
	}
	observeRun(out)
	return out
}

// serviceLabel attributes forwarded child logs: the route's service when the
// payload carries one, else the bundle file name.
func serviceLabel(entry string, payload protocol.Payload) string {
	if payload.Ctx.RouteMeta != nil && payload.Ctx.RouteMeta.ID != "" {
		return payload.Ctx.RouteMeta.ID
	}
	return filepath.Base(entry)
}

// cappedBuffer retains at most |cap| bytes and discards the rest, recording
// that truncation occurred. Writes never fail, so a chatty child is drained
// rather than blocked.
type cappedBuffer struct {
	buf       bytes.Buffer
	cap       int
	truncated bool
}

func (b *cappedBuffer) Write(p []byte) (int, error) {
	var rem = b.cap - b.buf.Len()
	if rem > len(p) {
		rem = len(p)
	}
	if rem > 0 {
		b.buf.Write(p[:rem])
	}
	if rem < len(p) {
		b.truncated = true
	}
	return len(p), nil
}

func (b *cappedBuffer) Bytes() []byte  { return b.buf.Bytes() }
func (b *cappedBuffer) String() string { return b.buf.String() }
