// Package sandbox launches service bundles as per-invocation interpreter
// subprocesses under a strict capability profile, speaks the one-document
// stdio protocol, enforces the execution deadline, and classifies
// termination outcomes.
package sandbox

import (
	"strings"
	"time"
)

const (
	defaultTimeoutMs = 3000
	minTimeoutMs     = 100
	maxTimeoutMs     = 20000

	// maxNetHosts bounds the network allowlist a single run may receive.
	maxNetHosts = 5
)

// Caps is the capability profile of one sandbox run.
type Caps struct {
	// TimeoutMs is the requested run deadline in milliseconds. Zero selects
	// the 3000 ms default; the effective value is clamped to [100, 20000].
	TimeoutMs int
	// Net lists host names the run may dial. Wildcard entries are filtered
	// out and at most five hosts survive; an empty result denies all
	// network access.
	Net []string
	// HasNpm widens the read capability to the interpreter's package
	// cache, for bundles that import third-party packages.
	HasNpm bool
}

// Deadline returns the effective run deadline: clamp(timeoutMs ?? 3000,
// 100, 20000) milliseconds.
func (c Caps) Deadline() time.Duration {
	var ms = c.TimeoutMs
	if ms == 0 {
		ms = defaultTimeoutMs
	}
	if ms < minTimeoutMs {
		ms = minTimeoutMs
	} else if ms > maxTimeoutMs {
		ms = maxTimeoutMs
	}
	return time.Duration(ms) * time.Millisecond
}

// NetAllowlist returns the effective network allowlist: blank and wildcard
// entries dropped, truncated to five hosts.
func (c Caps) NetAllowlist() []string {
	var hosts []string
	for _, host := range c.Net {
		host = strings.TrimSpace(host)
		if host == "" || strings.ContainsRune(host, '*') {
			continue
		}
		hosts = append(hosts, host)
		if len(hosts) == maxNetHosts {
			break
		}
	}
	return hosts
}
