package iptables

import (
	"fmt"
	"slices"
	"strings"
)

// maxChainNameLen is XT_EXTENSION_MAXNAMELEN minus the terminating NUL.
const maxChainNameLen = 28

// Built-in chains per table, from man 8 iptables.
var builtinChains = map[string][]string{
	"filter":   {"INPUT", "FORWARD", "OUTPUT"},
	"mangle":   {"PREROUTING", "OUTPUT", "INPUT", "FORWARD", "POSTROUTING"},
	"nat":      {"PREROUTING", "POSTROUTING", "OUTPUT"},
	"raw":      {"PREROUTING", "OUTPUT"},
	"security": {"INPUT", "OUTPUT", "FORWARD"},
}

// Tables returns the names of the tables known to the binding.
func Tables() []string {
	return []string{"filter", "nat", "mangle", "raw", "security"}
}

// BuiltinChains returns the built-in chains of table.
func BuiltinChains(table string) ([]string, error) {
	chains, ok := builtinChains[table]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnsupportedTable, table)
	}
	return slices.Clone(chains), nil
}

// IsBuiltinChain reports whether chain is a built-in chain of table.
func IsBuiltinChain(table, chain string) bool {
	return slices.Contains(builtinChains[table], chain)
}

func checkBuiltin(table, chain string) error {
	chains, ok := builtinChains[table]
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnsupportedTable, table)
	}
	if !slices.Contains(chains, chain) {
		return fmt.Errorf("%w: %s/%s", ErrNotBuiltinChain, table, chain)
	}
	return nil
}

// ValidateChainName rejects names the binary would parse as something other
// than a single chain argument.
func ValidateChainName(chain string) error {
	switch {
	case chain == "":
		return fmt.Errorf("%w: empty", ErrInvalidChainName)
	case len(chain) > maxChainNameLen:
		return fmt.Errorf("%w: %q is longer than %d characters", ErrInvalidChainName, chain, maxChainNameLen)
	case strings.HasPrefix(chain, "-"), strings.HasPrefix(chain, "!"):
		return fmt.Errorf("%w: %q", ErrInvalidChainName, chain)
	case strings.ContainsFunc(chain, func(r rune) bool { return r <= ' ' || r == 0x7f || r == '"' || r == '\'' }):
		return fmt.Errorf("%w: %q", ErrInvalidChainName, chain)
	}
	return nil
}
