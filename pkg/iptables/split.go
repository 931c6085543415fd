package iptables

import (
	"regexp"
	"strings"
)

var splitRe = regexp.MustCompile(`["'].+?["']|[^ ]+`)

// SplitQuoted splits a rule spec on spaces, keeping single or double quoted
// segments together and stripping the surrounding quotes.
//
//	SplitQuoted(`-m comment --comment "allow web"`)
//	// => ["-m", "comment", "--comment", "allow web"]
func SplitQuoted(s string) []string {
	matches := splitRe.FindAllString(s, -1)
	args := make([]string, 0, len(matches))
	for _, m := range matches {
		args = append(args, strings.Trim(m, `"'`))
	}
	return args
}
