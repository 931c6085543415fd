package iptables

import (
	"time"

	"go.uber.org/zap"
)

const (
	// DefaultLockPath is the lock file used when the binary has no --wait.
	DefaultLockPath = "/run/xtables_old.lock"

	defaultLockInterval = 20 * time.Millisecond
	defaultLockRetries  = 3
	defaultRetryDelay   = 200 * time.Millisecond
)

// Option configures an IPTables instance.
type Option func(*IPTables)

// WithRunner replaces the process runner. Tests use a scripted fake.
func WithRunner(r Runner) Option {
	return func(ipt *IPTables) {
		ipt.runner = r
	}
}

// WithLogger sets the logger. Invocations are logged at debug level.
func WithLogger(l *zap.Logger) Option {
	return func(ipt *IPTables) {
		if l != nil {
			ipt.logger = l
		}
	}
}

// WithPath overrides the binary, e.g. "/usr/sbin/iptables-legacy".
// The save and restore tools are derived from it.
func WithPath(path string) Option {
	return func(ipt *IPTables) {
		if path != "" {
			ipt.cmd = path
		}
	}
}

// WithVersion skips probing the binary and derives capabilities from v.
func WithVersion(v Version) Option {
	return func(ipt *IPTables) {
		ipt.fixedVersion = &v
	}
}

func WithLockPath(path string) Option {
	return func(ipt *IPTables) {
		if path != "" {
			ipt.lockPath = path
		}
	}
}

// WithLockTimeout bounds how long an invocation waits for the fallback
// lock file. Zero waits until the context is done.
func WithLockTimeout(d time.Duration) Option {
	return func(ipt *IPTables) {
		ipt.lockTimeout = d
	}
}

// WithWaitSeconds passes a timeout to --wait when the binary supports it.
func WithWaitSeconds(n int) Option {
	return func(ipt *IPTables) {
		ipt.waitSeconds = n
	}
}

// WithLockRetries sets how many times an invocation is retried after the
// binary reports that another process holds the xtables lock.
func WithLockRetries(n int, delay time.Duration) Option {
	return func(ipt *IPTables) {
		if n >= 0 {
			ipt.lockRetries = n
		}
		if delay > 0 {
			ipt.retryDelay = delay
		}
	}
}
