// Package iptables drives the iptables and ip6tables binaries to manipulate
// chains and rules. Every operation shells out; rule specs are passed through
// as opaque arguments.
//
//	ipt, err := iptables.New(ctx, iptables.ProtocolIPv4)
//	if err != nil {
//		return err
//	}
//	if err := ipt.NewChain(ctx, "nat", "NEWCHAINNAME"); err != nil {
//		return err
//	}
//	if err := ipt.Append(ctx, "nat", "NEWCHAINNAME", "-j ACCEPT"); err != nil {
//		return err
//	}
package iptables

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"runtime"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"
)

type Protocol int

const (
	ProtocolIPv4 Protocol = iota
	ProtocolIPv6
)

func (p Protocol) String() string {
	if p == ProtocolIPv6 {
		return "ipv6"
	}
	return "ipv4"
}

func (p Protocol) command() string {
	if p == ProtocolIPv6 {
		return "ip6tables"
	}
	return "iptables"
}

// IPTables wraps one binary (iptables or ip6tables) and the capabilities
// detected from its version. It is safe for concurrent use.
type IPTables struct {
	cmd   string
	proto Protocol

	version        Version
	fixedVersion   *Version
	hasCheck       bool
	hasWait        bool
	hasWaitSeconds bool

	runner Runner
	logger *zap.Logger

	lockPath     string
	lockTimeout  time.Duration
	lockInterval time.Duration
	waitSeconds  int
	lockRetries  int
	retryDelay   time.Duration
}

// New creates a binding for iptables, or ip6tables when proto is ProtocolIPv6,
// probing `--version` unless WithVersion is given.
func New(ctx context.Context, proto Protocol, opts ...Option) (*IPTables, error) {
	ipt := &IPTables{
		cmd:          proto.command(),
		proto:        proto,
		runner:       ExecRunner{},
		logger:       zap.NewNop(),
		lockPath:     DefaultLockPath,
		lockInterval: defaultLockInterval,
		lockRetries:  defaultLockRetries,
		retryDelay:   defaultRetryDelay,
	}
	for _, opt := range opts {
		opt(ipt)
	}

	if ipt.fixedVersion != nil {
		ipt.version = *ipt.fixedVersion
	} else {
		if runtime.GOOS != "linux" {
			return nil, ErrUnsupportedOS
		}
		v, err := ipt.probeVersion(ctx)
		if err != nil {
			return nil, err
		}
		ipt.version = v
	}

	ipt.hasCheck = ipt.version.HasCheck()
	ipt.hasWait = ipt.version.HasWait()
	ipt.hasWaitSeconds = ipt.version.HasWaitSeconds()

	ipt.logger.Debug("iptables binding ready",
		zap.String("cmd", ipt.cmd),
		zap.Stringer("version", ipt.version),
		zap.Bool("has_check", ipt.hasCheck),
		zap.Bool("has_wait", ipt.hasWait),
	)
	return ipt, nil
}

func (ipt *IPTables) probeVersion(ctx context.Context) (Version, error) {
	out, err := ipt.runner.Run(ctx, nil, ipt.cmd, "--version")
	if err != nil {
		return Version{}, fmt.Errorf("failed to get %s version: %w", ipt.cmd, err)
	}
	v, err := ParseVersion(string(out.Stdout))
	if err != nil {
		// Some builds print the banner on stderr.
		if v2, err2 := ParseVersion(string(out.Stderr)); err2 == nil {
			return v2, nil
		}
		return Version{}, err
	}
	return v, nil
}

func (ipt *IPTables) Proto() Protocol  { return ipt.proto }
func (ipt *IPTables) Command() string  { return ipt.cmd }
func (ipt *IPTables) Version() Version { return ipt.version }

// HasCheck reports whether Exists can use -C.
func (ipt *IPTables) HasCheck() bool { return ipt.hasCheck }

// HasWait reports whether invocations use --wait instead of the lock file.
func (ipt *IPTables) HasWait() bool { return ipt.hasWait }

// GetPolicy returns the default policy of a built-in chain.
func (ipt *IPTables) GetPolicy(ctx context.Context, table, chain string) (string, error) {
	if err := checkBuiltin(table, chain); err != nil {
		return "", fmt.Errorf("can't get policy: %w", err)
	}

	out, err := ipt.run(ctx, "-t", table, "-L", chain, "-n")
	if err != nil {
		return "", err
	}
	for _, line := range strings.Split(strings.TrimSpace(string(out.Stdout)), "\n") {
		fields := strings.Fields(line)
		if len(fields) < 4 || fields[0] != "Chain" || fields[1] != chain {
			continue
		}
		return strings.TrimSuffix(fields[3], ")"), nil
	}
	return "", fmt.Errorf("%w: %s/%s", ErrPolicyNotFound, table, chain)
}

// SetPolicy sets the default policy of a built-in chain.
func (ipt *IPTables) SetPolicy(ctx context.Context, table, chain, policy string) error {
	if err := checkBuiltin(table, chain); err != nil {
		return fmt.Errorf("can't set policy: %w", err)
	}
	_, err := ipt.run(ctx, "-t", table, "-P", chain, policy)
	return err
}

// Execute runs an arbitrary command against table and returns its output.
func (ipt *IPTables) Execute(ctx context.Context, table, command string) (*Output, error) {
	return ipt.run(ctx, ipt.withRule([]string{"-t", table}, command)...)
}

// Exists reports whether rule is present in table/chain.
func (ipt *IPTables) Exists(ctx context.Context, table, chain, rule string) (bool, error) {
	if !ipt.hasCheck {
		return ipt.existsWithoutCheck(ctx, table, chain, rule)
	}

	_, err := ipt.run(ctx, ipt.withRule([]string{"-t", table, "-C", chain}, rule)...)
	switch ExitStatus(err) {
	case -1:
		if err != nil {
			return false, err
		}
		return true, nil
	case 1, 2:
		return false, nil
	default:
		return false, err
	}
}

// existsWithoutCheck scans -S output for binaries older than 1.4.11.
func (ipt *IPTables) existsWithoutCheck(ctx context.Context, table, chain, rule string) (bool, error) {
	out, err := ipt.run(ctx, "-t", table, "-S")
	if err != nil {
		return false, err
	}
	want := "-A " + chain + " " + strings.TrimSpace(rule)
	for _, line := range strings.Split(string(out.Stdout), "\n") {
		if strings.TrimSpace(line) == want {
			return true, nil
		}
	}
	return false, nil
}

// ChainExists reports whether chain exists in table.
func (ipt *IPTables) ChainExists(ctx context.Context, table, chain string) (bool, error) {
	_, err := ipt.run(ctx, "-t", table, "-L", chain, "-n")
	switch ExitStatus(err) {
	case -1:
		if err != nil {
			return false, err
		}
		return true, nil
	case 1:
		return false, nil
	default:
		return false, err
	}
}

// Insert inserts rule at position (1-based) in table/chain.
func (ipt *IPTables) Insert(ctx context.Context, table, chain, rule string, position int) error {
	_, err := ipt.run(ctx, ipt.withRule([]string{"-t", table, "-I", chain, strconv.Itoa(position)}, rule)...)
	return err
}

// InsertUnique inserts rule unless it already exists, in which case
// ErrRuleExists is returned.
func (ipt *IPTables) InsertUnique(ctx context.Context, table, chain, rule string, position int) error {
	exists, err := ipt.Exists(ctx, table, chain, rule)
	if err != nil {
		return err
	}
	if exists {
		return fmt.Errorf("%w: %s/%s %s", ErrRuleExists, table, chain, rule)
	}
	return ipt.Insert(ctx, table, chain, rule, position)
}

// Replace replaces the rule at position with rule.
func (ipt *IPTables) Replace(ctx context.Context, table, chain, rule string, position int) error {
	_, err := ipt.run(ctx, ipt.withRule([]string{"-t", table, "-R", chain, strconv.Itoa(position)}, rule)...)
	return err
}

// Append appends rule to table/chain.
func (ipt *IPTables) Append(ctx context.Context, table, chain, rule string) error {
	_, err := ipt.run(ctx, ipt.withRule([]string{"-t", table, "-A", chain}, rule)...)
	return err
}

// AppendUnique appends rule unless it already exists, in which case
// ErrRuleExists is returned.
func (ipt *IPTables) AppendUnique(ctx context.Context, table, chain, rule string) error {
	exists, err := ipt.Exists(ctx, table, chain, rule)
	if err != nil {
		return err
	}
	if exists {
		return fmt.Errorf("%w: %s/%s %s", ErrRuleExists, table, chain, rule)
	}
	return ipt.Append(ctx, table, chain, rule)
}

// AppendReplace moves rule to the end of table/chain, deleting an existing
// copy first.
func (ipt *IPTables) AppendReplace(ctx context.Context, table, chain, rule string) error {
	exists, err := ipt.Exists(ctx, table, chain, rule)
	if err != nil {
		return err
	}
	if exists {
		if err := ipt.Delete(ctx, table, chain, rule); err != nil {
			return err
		}
	}
	return ipt.Append(ctx, table, chain, rule)
}

// Delete deletes the first occurrence of rule from table/chain.
func (ipt *IPTables) Delete(ctx context.Context, table, chain, rule string) error {
	_, err := ipt.run(ctx, ipt.withRule([]string{"-t", table, "-D", chain}, rule)...)
	return err
}

// DeleteAt deletes the rule at position (1-based).
func (ipt *IPTables) DeleteAt(ctx context.Context, table, chain string, position int) error {
	_, err := ipt.run(ctx, "-t", table, "-D", chain, strconv.Itoa(position))
	return err
}

// DeleteAll deletes every occurrence of rule and returns how many were removed.
func (ipt *IPTables) DeleteAll(ctx context.Context, table, chain, rule string) (int, error) {
	n := 0
	for {
		exists, err := ipt.Exists(ctx, table, chain, rule)
		if err != nil {
			return n, err
		}
		if !exists {
			return n, nil
		}
		if err := ipt.Delete(ctx, table, chain, rule); err != nil {
			return n, err
		}
		n++
	}
}

// List returns the rules of table/chain in -S format.
func (ipt *IPTables) List(ctx context.Context, table, chain string) ([]string, error) {
	return ipt.lines(ctx, "-t", table, "-S", chain)
}

// ListVerbose returns the -L listing of table, or of a single chain, with
// packet counters and rule numbers.
func (ipt *IPTables) ListVerbose(ctx context.Context, table, chain string) ([]byte, error) {
	args := []string{"-t", table, "-L"}
	if chain != "" {
		args = append(args, chain)
	}
	out, err := ipt.run(ctx, append(args, "-n", "-v", "--line-numbers")...)
	if err != nil {
		return nil, err
	}
	return out.Stdout, nil
}

// ListTable returns every rule of table in -S format.
func (ipt *IPTables) ListTable(ctx context.Context, table string) ([]string, error) {
	return ipt.lines(ctx, "-t", table, "-S")
}

// ListChains returns the names of the chains in table, built-in first as
// reported by the binary.
func (ipt *IPTables) ListChains(ctx context.Context, table string) ([]string, error) {
	lines, err := ipt.lines(ctx, "-t", table, "-S")
	if err != nil {
		return nil, err
	}
	chains := []string{}
	for _, line := range lines {
		fields := strings.Fields(line)
		if len(fields) > 1 && (fields[0] == "-P" || fields[0] == "-N") {
			chains = append(chains, fields[1])
		}
	}
	return chains, nil
}

// NewChain creates a user-defined chain.
func (ipt *IPTables) NewChain(ctx context.Context, table, chain string) error {
	_, err := ipt.run(ctx, "-t", table, "-N", chain)
	return err
}

// ClearChain creates chain if it is missing and flushes it otherwise.
func (ipt *IPTables) ClearChain(ctx context.Context, table, chain string) error {
	exists, err := ipt.ChainExists(ctx, table, chain)
	if err != nil {
		return err
	}
	if exists {
		return ipt.FlushChain(ctx, table, chain)
	}
	return ipt.NewChain(ctx, table, chain)
}

// FlushChain deletes all rules in chain.
func (ipt *IPTables) FlushChain(ctx context.Context, table, chain string) error {
	_, err := ipt.run(ctx, "-t", table, "-F", chain)
	return err
}

// RenameChain renames a user-defined chain.
func (ipt *IPTables) RenameChain(ctx context.Context, table, oldChain, newChain string) error {
	_, err := ipt.run(ctx, "-t", table, "-E", oldChain, newChain)
	return err
}

// DeleteChain deletes a user-defined chain. The chain must be empty and
// unreferenced.
func (ipt *IPTables) DeleteChain(ctx context.Context, table, chain string) error {
	_, err := ipt.run(ctx, "-t", table, "-X", chain)
	return err
}

// FlushTable flushes every chain in table.
func (ipt *IPTables) FlushTable(ctx context.Context, table string) error {
	_, err := ipt.run(ctx, "-t", table, "-F")
	return err
}

// Save returns the output of iptables-save, limited to table when non-empty.
func (ipt *IPTables) Save(ctx context.Context, table string) ([]byte, error) {
	var args []string
	if table != "" {
		args = append(args, "-t", table)
	}
	out, err := ipt.invoke(ctx, nil, ipt.cmd+"-save", args, false)
	if err != nil {
		return nil, err
	}
	return out.Stdout, nil
}

// Restore feeds data to iptables-restore. Unless flush is set, existing rules
// in the touched tables are kept (--noflush).
func (ipt *IPTables) Restore(ctx context.Context, data []byte, flush bool) error {
	var args []string
	if !flush {
		args = append(args, "--noflush")
	}
	useLock := true
	if ipt.version.AtLeast(1, 6, 2) {
		args = append([]string{"--wait"}, args...)
		useLock = false
	}
	_, err := ipt.invoke(ctx, data, ipt.cmd+"-restore", args, useLock)
	return err
}

func (ipt *IPTables) withRule(prefix []string, rule string) []string {
	return append(prefix, SplitQuoted(rule)...)
}

func (ipt *IPTables) lines(ctx context.Context, args ...string) ([]string, error) {
	out, err := ipt.run(ctx, args...)
	if err != nil {
		return nil, err
	}
	text := strings.TrimSpace(string(out.Stdout))
	if text == "" {
		return []string{}, nil
	}
	return strings.Split(text, "\n"), nil
}

// run invokes the main binary, serialising on the xtables lock either via
// --wait or the fallback lock file.
func (ipt *IPTables) run(ctx context.Context, args ...string) (*Output, error) {
	if ipt.hasWait {
		wait := []string{"--wait"}
		if ipt.waitSeconds > 0 && ipt.hasWaitSeconds {
			wait = append(wait, strconv.Itoa(ipt.waitSeconds))
		}
		return ipt.invoke(ctx, nil, ipt.cmd, append(wait, args...), false)
	}
	return ipt.invoke(ctx, nil, ipt.cmd, args, true)
}

func (ipt *IPTables) invoke(ctx context.Context, stdin []byte, name string, args []string, useLock bool) (*Output, error) {
	for attempt := 0; ; attempt++ {
		out, err := ipt.invokeOnce(ctx, stdin, name, args, useLock)
		if err != nil {
			return nil, err
		}
		if out.ExitCode == 0 {
			return out, nil
		}

		ipErr := &Error{Cmd: name, Args: args, Status: out.ExitCode, Stderr: string(out.Stderr)}
		if !ipErr.IsLockHeld() || attempt >= ipt.lockRetries {
			return nil, ipErr
		}

		ipt.logger.Warn("xtables lock held by another process, retrying",
			zap.String("cmd", name),
			zap.Int("attempt", attempt+1),
		)
		select {
		case <-ctx.Done():
			return nil, fmt.Errorf("%w: %v", ErrLockTimeout, ctx.Err())
		case <-time.After(ipt.retryDelay):
		}
	}
}

func (ipt *IPTables) invokeOnce(ctx context.Context, stdin []byte, name string, args []string, useLock bool) (*Output, error) {
	if useLock {
		lockCtx := ctx
		if ipt.lockTimeout > 0 {
			var cancel context.CancelFunc
			lockCtx, cancel = context.WithTimeout(ctx, ipt.lockTimeout)
			defer cancel()
		}
		lock, err := acquireLock(lockCtx, ipt.lockPath, ipt.lockInterval)
		if err != nil {
			return nil, err
		}
		defer func() {
			if err := lock.release(); err != nil {
				ipt.logger.Warn("failed to release xtables lock", zap.Error(err))
			}
		}()
	}

	var r io.Reader
	if stdin != nil {
		r = bytes.NewReader(stdin)
	}

	start := time.Now()
	out, err := ipt.runner.Run(ctx, r, name, args...)
	if err != nil {
		ipt.logger.Debug("iptables invocation failed",
			zap.String("cmd", name),
			zap.Strings("args", args),
			zap.Error(err),
		)
		return nil, err
	}
	ipt.logger.Debug("iptables invocation",
		zap.String("cmd", name),
		zap.Strings("args", args),
		zap.Int("exit_code", out.ExitCode),
		zap.Duration("took", time.Since(start)),
	)
	return out, nil
}
