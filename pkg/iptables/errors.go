package iptables

import (
	"errors"
	"fmt"
	"strings"
)

var (
	ErrUnsupportedTable = errors.New("given table is not supported by iptables")
	ErrNotBuiltinChain  = errors.New("given chain is not a default chain in the given table")
	ErrPolicyNotFound   = errors.New("could not find the default policy for table and chain")
	ErrRuleExists       = errors.New("the rule exists in the table/chain")
	ErrInvalidVersion   = errors.New("invalid version number")
	ErrUnsupportedOS    = errors.New("iptables only works on Linux")
	ErrLockTimeout      = errors.New("timed out waiting for xtables lock")
	ErrInvalidChainName = errors.New("invalid chain name")
)

// Error is returned when the binary ran but exited with a non-zero status.
type Error struct {
	Cmd    string
	Args   []string
	Status int
	Stderr string
}

func (e *Error) Error() string {
	msg := strings.TrimSpace(e.Stderr)
	if msg == "" {
		return fmt.Sprintf("%s %s: exit status %d", e.Cmd, strings.Join(e.Args, " "), e.Status)
	}
	return fmt.Sprintf("%s %s: exit status %d: %s", e.Cmd, strings.Join(e.Args, " "), e.Status, msg)
}

// ExitStatus returns the exit code of the failed invocation.
func (e *Error) ExitStatus() int {
	return e.Status
}

// IsNotExist reports whether the failure means the chain, target or rule
// does not exist.
func (e *Error) IsNotExist() bool {
	if e.Status != 1 {
		return false
	}
	msg := e.Stderr
	return strings.Contains(msg, "No chain/target/match by that name") ||
		strings.Contains(msg, "does a matching rule exist in that chain?") ||
		strings.Contains(msg, "Bad rule (does a matching rule exist") ||
		strings.Contains(msg, "Chain '") && strings.Contains(msg, "does not exist") ||
		strings.Contains(msg, "(No such file or directory)")
}

// IsLockHeld reports whether another process held the xtables lock.
func (e *Error) IsLockHeld() bool {
	return e.Status == 4 && strings.Contains(e.Stderr, "xtables lock")
}

// IsNotExist reports whether err is an *Error describing a missing chain or rule.
func IsNotExist(err error) bool {
	var ipErr *Error
	return errors.As(err, &ipErr) && ipErr.IsNotExist()
}

// ExitStatus returns the exit status carried by err, or -1 if err is not an *Error.
func ExitStatus(err error) int {
	var ipErr *Error
	if errors.As(err, &ipErr) {
		return ipErr.Status
	}
	return -1
}
