package runtime

import (
	"context"
	"fmt"

	"github.com/pubky/switchboard/go/dispatch"
	"github.com/pubky/switchboard/go/protocol"
	"github.com/pubky/switchboard/go/sandbox"
)

// gatedRunner caps concurrent sandbox subprocesses with a buffered-channel
// semaphore. Admission honors the caller's context, so a dispatch deadline
// also bounds time spent waiting for a slot.
type gatedRunner struct {
	host *sandbox.Host
	gate chan struct{}
}

var _ dispatch.Runner = (*gatedRunner)(nil)

// newGatedRunner wraps |host| with a concurrency cap of |limit|. A
// non-positive limit leaves the host unbounded.
func newGatedRunner(host *sandbox.Host, limit int) dispatch.Runner {
	if limit <= 0 {
		return host
	}
	return &gatedRunner{host: host, gate: make(chan struct{}, limit)}
}

func (g *gatedRunner) Run(ctx context.Context, entry string, payload protocol.Payload, caps sandbox.Caps) sandbox.Result {
	select {
	case g.gate <- struct{}{}:
		defer func() { <-g.gate }()
	case <-ctx.Done():
		return sandbox.Result{Err: fmt.Sprintf("sandbox admission: %s", ctx.Err())}
	}
	return g.host.Run(ctx, entry, payload, caps)
}
