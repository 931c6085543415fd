package services

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strconv"
	"strings"
	"unicode"

	"go.uber.org/zap"

	"iptablesd/internal/models"
	"iptablesd/pkg/iptables"
)

var (
	ErrUnknownFamily  = errors.New("unknown address family")
	ErrFamilyDisabled = errors.New("address family is disabled")
	ErrInvalidRule    = errors.New("invalid rule")
	ErrInvalidPolicy  = errors.New("invalid policy")
)

var (
	// Counters may carry K/M/G/T suffixes, e.g. "253K packets, 33M bytes".
	chainHeaderRe       = regexp.MustCompile(`^Chain (\S+) \(policy (\S+) (\d+[KMGT]?) packets, (\d+[KMGT]?) bytes\)`)
	chainHeaderNoPolicy = regexp.MustCompile(`^Chain (\S+) \((\d+) references?\)`)
)

// InterfaceChecker validates interface names used in rules.
type InterfaceChecker interface {
	Exists(name string) bool
}

// FirewallService fronts the iptables and ip6tables bindings.
type FirewallService struct {
	v4         *iptables.IPTables
	v6         *iptables.IPTables
	configDir  string
	interfaces InterfaceChecker
	logger     *zap.Logger
}

// NewFirewallService builds the service. v6 may be nil when IPv6 is disabled
// and interfaces may be nil to skip interface validation.
func NewFirewallService(configDir string, v4, v6 *iptables.IPTables, interfaces InterfaceChecker, logger *zap.Logger) *FirewallService {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &FirewallService{
		v4:         v4,
		v6:         v6,
		configDir:  configDir,
		interfaces: interfaces,
		logger:     logger,
	}
}

// For returns the binding for family.
func (s *FirewallService) For(family models.Family) (*iptables.IPTables, error) {
	switch family {
	case models.FamilyIPv4, "":
		if s.v4 == nil {
			return nil, fmt.Errorf("%w: %s", ErrFamilyDisabled, models.FamilyIPv4)
		}
		return s.v4, nil
	case models.FamilyIPv6:
		if s.v6 == nil {
			return nil, fmt.Errorf("%w: %s", ErrFamilyDisabled, family)
		}
		return s.v6, nil
	default:
		return nil, fmt.Errorf("%w: %s", ErrUnknownFamily, family)
	}
}

// Families returns the enabled families.
func (s *FirewallService) Families() []models.Family {
	var families []models.Family
	if s.v4 != nil {
		families = append(families, models.FamilyIPv4)
	}
	if s.v6 != nil {
		families = append(families, models.FamilyIPv6)
	}
	return families
}

func (s *FirewallService) Status() []models.BackendStatus {
	statuses := []models.BackendStatus{}
	for _, family := range s.Families() {
		ipt, _ := s.For(family)
		v := ipt.Version()
		statuses = append(statuses, models.BackendStatus{
			Family:   family,
			Command:  ipt.Command(),
			Version:  fmt.Sprintf("%d.%d.%d", v.Major, v.Minor, v.Patch),
			Mode:     v.Mode,
			HasCheck: ipt.HasCheck(),
			HasWait:  ipt.HasWait(),
		})
	}
	return statuses
}

// ListChains returns every chain of table with counters and rules.
func (s *FirewallService) ListChains(ctx context.Context, family models.Family, table string) ([]models.ChainInfo, error) {
	return s.listChains(ctx, family, table, "")
}

func (s *FirewallService) GetChain(ctx context.Context, family models.Family, table, chain string) (*models.ChainInfo, error) {
	chains, err := s.listChains(ctx, family, table, chain)
	if err != nil {
		return nil, err
	}
	if len(chains) == 0 {
		return nil, fmt.Errorf("failed to get chain %s: no output", chain)
	}
	return &chains[0], nil
}

func (s *FirewallService) listChains(ctx context.Context, family models.Family, table, chain string) ([]models.ChainInfo, error) {
	ipt, err := s.For(family)
	if err != nil {
		return nil, err
	}
	if table == "" {
		table = "filter"
	}

	if chain != "" {
		if err := iptables.ValidateChainName(chain); err != nil {
			return nil, err
		}
	}
	out, err := ipt.ListVerbose(ctx, table, chain)
	if err != nil {
		return nil, err
	}

	return parseChainOutput(table, string(out)), nil
}

func parseChainOutput(table, output string) []models.ChainInfo {
	chains := []models.ChainInfo{}
	var current *models.ChainInfo

	scanner := bufio.NewScanner(strings.NewReader(output))
	for scanner.Scan() {
		line := scanner.Text()

		if m := chainHeaderRe.FindStringSubmatch(line); m != nil {
			if current != nil {
				chains = append(chains, *current)
			}
			current = &models.ChainInfo{
				Name:    m[1],
				Policy:  m[2],
				Builtin: iptables.IsBuiltinChain(table, m[1]),
				Packets: parseSuffixedNumber(m[3]),
				Bytes:   parseSuffixedNumber(m[4]),
				Rules:   []models.FirewallRule{},
			}
			continue
		}

		if m := chainHeaderNoPolicy.FindStringSubmatch(line); m != nil {
			if current != nil {
				chains = append(chains, *current)
			}
			refs, _ := strconv.Atoi(m[2])
			current = &models.ChainInfo{
				Name:       m[1],
				Policy:     "-",
				References: refs,
				Rules:      []models.FirewallRule{},
			}
			continue
		}

		if strings.HasPrefix(strings.TrimSpace(line), "num") || strings.TrimSpace(line) == "" {
			continue
		}

		if current != nil {
			if rule := parseRuleLine(line); rule != nil {
				current.Rules = append(current.Rules, *rule)
			}
		}
	}

	if current != nil {
		chains = append(chains, *current)
	}

	return chains
}

// parseSuffixedNumber parses iptables counters. iptables scales by 1000.
func parseSuffixedNumber(s string) uint64 {
	if s == "" {
		return 0
	}

	multiplier := uint64(1)
	numStr := s

	switch s[len(s)-1] {
	case 'K':
		multiplier = 1000
	case 'M':
		multiplier = 1000 * 1000
	case 'G':
		multiplier = 1000 * 1000 * 1000
	case 'T':
		multiplier = 1000 * 1000 * 1000 * 1000
	}
	if multiplier > 1 {
		numStr = s[:len(s)-1]
	}

	val, _ := strconv.ParseUint(numStr, 10, 64)
	return val * multiplier
}

// parseRuleLine parses one rule of `-L -n -v --line-numbers` output:
//
//	num pkts bytes target prot opt in out source destination [extra]
//
// ip6tables may leave the opt column blank.
func parseRuleLine(line string) *models.FirewallRule {
	fields := strings.Fields(line)
	if len(fields) < 9 {
		return nil
	}

	num, err := strconv.Atoi(fields[0])
	if err != nil {
		return nil
	}

	rule := &models.FirewallRule{
		Num:      num,
		Packets:  parseSuffixedNumber(fields[1]),
		Bytes:    parseSuffixedNumber(fields[2]),
		Target:   fields[3],
		Protocol: fields[4],
	}

	rest := fields[5:]
	if isOptColumn(rest[0]) {
		rule.Opt = rest[0]
		rest = rest[1:]
	}
	if len(rest) < 4 {
		return nil
	}
	rule.In, rule.Out, rule.Source, rule.Destination = rest[0], rest[1], rest[2], rest[3]

	if len(rest) > 4 {
		rule.Extra = strings.Join(rest[4:], " ")
	}

	return rule
}

func isOptColumn(s string) bool {
	return s == "--" || s == "-f" || s == "!f"
}

// BuildRuleSpec renders a structured rule into a rule spec. Match fields may
// be negated with a leading "!".
func (s *FirewallService) BuildRuleSpec(input models.FirewallRuleInput) (string, error) {
	if input.Target == "" {
		return "", fmt.Errorf("%w: target is required", ErrInvalidRule)
	}
	// Matches accept a leading "!"; target and NAT addresses do not.
	fields := []struct {
		name, value string
		negatable   bool
	}{
		{"protocol", input.Protocol, true},
		{"source", input.Source, true},
		{"destination", input.Destination, true},
		{"in_interface", input.InInterface, true},
		{"out_interface", input.OutInterface, true},
		{"dport", input.DPort, true},
		{"sport", input.SPort, true},
		{"state", input.State, true},
		{"target", input.Target, false},
		{"to_destination", input.ToDestination, false},
		{"to_source", input.ToSource, false},
	}
	for _, f := range fields {
		if strings.ContainsFunc(f.value, isSpecBreaking) {
			return "", fmt.Errorf("%w: %s must not contain whitespace or quotes", ErrInvalidRule, f.name)
		}
		if f.value == "!" {
			return "", fmt.Errorf("%w: %s negates nothing", ErrInvalidRule, f.name)
		}
		if !f.negatable && (strings.HasPrefix(f.value, "!") || strings.HasPrefix(f.value, "-")) {
			return "", fmt.Errorf("%w: invalid %s", ErrInvalidRule, f.name)
		}
	}
	for _, iface := range []string{input.InInterface, input.OutInterface} {
		iface = strings.TrimPrefix(iface, "!")
		if iface != "" && s.interfaces != nil && !s.interfaces.Exists(iface) {
			return "", fmt.Errorf("%w: unknown interface %s", ErrInvalidRule, iface)
		}
	}
	if strings.ContainsAny(input.Comment, `"'\`) {
		return "", fmt.Errorf("%w: comment must not contain quotes", ErrInvalidRule)
	}
	proto := strings.TrimPrefix(input.Protocol, "!")
	if (input.DPort != "" || input.SPort != "") && (strings.HasPrefix(input.Protocol, "!") ||
		proto != "tcp" && proto != "udp" && proto != "sctp" && proto != "udplite") {
		return "", fmt.Errorf("%w: ports require tcp, udp, udplite or sctp", ErrInvalidRule)
	}

	var args []string

	if input.Protocol != "" && input.Protocol != "all" {
		args = appendMatch(args, "-p", input.Protocol)
	}
	if input.Source != "" && input.Source != "0.0.0.0/0" && input.Source != "::/0" {
		args = appendMatch(args, "-s", input.Source)
	}
	if input.Destination != "" && input.Destination != "0.0.0.0/0" && input.Destination != "::/0" {
		args = appendMatch(args, "-d", input.Destination)
	}
	if input.InInterface != "" {
		args = appendMatch(args, "-i", input.InInterface)
	}
	if input.OutInterface != "" {
		args = appendMatch(args, "-o", input.OutInterface)
	}
	if input.DPort != "" {
		args = appendMatch(args, "--dport", input.DPort)
	}
	if input.SPort != "" {
		args = appendMatch(args, "--sport", input.SPort)
	}
	if input.State != "" {
		args = append(args, "-m", "conntrack")
		args = appendMatch(args, "--ctstate", input.State)
	}
	if input.Comment != "" {
		args = append(args, "-m", "comment", "--comment", `"`+input.Comment+`"`)
	}

	args = append(args, "-j", input.Target)

	if input.ToDestination != "" {
		args = append(args, "--to-destination", input.ToDestination)
	}
	if input.ToSource != "" {
		args = append(args, "--to-source", input.ToSource)
	}

	return strings.Join(args, " "), nil
}

// appendMatch renders "!value" as "! flag value".
func appendMatch(args []string, flag, value string) []string {
	if v, ok := strings.CutPrefix(value, "!"); ok {
		return append(args, "!", flag, v)
	}
	return append(args, flag, value)
}

func isSpecBreaking(r rune) bool {
	return unicode.IsSpace(r) || r == '"' || r == '\'' || r == '\\'
}

// AddRule renders input and inserts it at Position, or appends when Position is 0.
func (s *FirewallService) AddRule(ctx context.Context, family models.Family, input models.FirewallRuleInput) (string, error) {
	ipt, err := s.For(family)
	if err != nil {
		return "", err
	}
	if input.Table == "" {
		input.Table = "filter"
	}
	if input.Chain == "" {
		return "", fmt.Errorf("%w: chain is required", ErrInvalidRule)
	}

	spec, err := s.BuildRuleSpec(input)
	if err != nil {
		return "", err
	}

	if input.Position > 0 {
		err = ipt.Insert(ctx, input.Table, input.Chain, spec, input.Position)
	} else {
		err = ipt.Append(ctx, input.Table, input.Chain, spec)
	}
	if err != nil {
		return "", err
	}
	return spec, nil
}

// RuleSpecs returns the specs of the rules in chain, in order, without the
// leading "-A CHAIN".
func (s *FirewallService) RuleSpecs(ctx context.Context, family models.Family, table, chain string) ([]string, error) {
	ipt, err := s.For(family)
	if err != nil {
		return nil, err
	}
	lines, err := ipt.List(ctx, table, chain)
	if err != nil {
		return nil, err
	}

	prefix := "-A " + chain + " "
	specs := []string{}
	for _, line := range lines {
		if strings.HasPrefix(line, prefix) {
			specs = append(specs, strings.TrimPrefix(line, prefix))
		}
	}
	return specs, nil
}

// MoveRule moves the rule at position from to position to (both 1-based).
func (s *FirewallService) MoveRule(ctx context.Context, family models.Family, table, chain string, from, to int) error {
	ipt, err := s.For(family)
	if err != nil {
		return err
	}
	specs, err := s.RuleSpecs(ctx, family, table, chain)
	if err != nil {
		return err
	}

	if from < 1 || from > len(specs) {
		return fmt.Errorf("%w: invalid source position %d", ErrInvalidRule, from)
	}
	if to < 1 || to > len(specs) {
		return fmt.Errorf("%w: invalid target position %d", ErrInvalidRule, to)
	}
	if from == to {
		return nil
	}

	spec := specs[from-1]
	if err := ipt.DeleteAt(ctx, table, chain, from); err != nil {
		return err
	}
	if err := ipt.Insert(ctx, table, chain, spec, to); err != nil {
		// Put the rule back where it was.
		if rerr := ipt.Insert(ctx, table, chain, spec, from); rerr != nil {
			s.logger.Error("failed to restore rule after failed move",
				zap.String("table", table),
				zap.String("chain", chain),
				zap.String("rule", spec),
				zap.Error(rerr),
			)
		}
		return err
	}
	return nil
}

// SetPolicy validates policy and sets it on a built-in chain.
func (s *FirewallService) SetPolicy(ctx context.Context, family models.Family, table, chain, policy string) error {
	ipt, err := s.For(family)
	if err != nil {
		return err
	}

	policy = strings.ToUpper(policy)
	if policy != "ACCEPT" && policy != "DROP" {
		return fmt.Errorf("%w: %s", ErrInvalidPolicy, policy)
	}

	return ipt.SetPolicy(ctx, table, chain, policy)
}

// DeleteChain deletes chain, flushing it first when flush is set.
func (s *FirewallService) DeleteChain(ctx context.Context, family models.Family, table, chain string, flush bool) error {
	ipt, err := s.For(family)
	if err != nil {
		return err
	}

	if flush {
		if err := ipt.FlushChain(ctx, table, chain); err != nil {
			return err
		}
	}
	return ipt.DeleteChain(ctx, table, chain)
}

func (s *FirewallService) rulesPath(family models.Family) string {
	name := "rules.v4"
	if family == models.FamilyIPv6 {
		name = "rules.v6"
	}
	return filepath.Join(s.configDir, "iptables", name)
}

// SaveRules writes the current rules of every enabled family to configDir.
func (s *FirewallService) SaveRules(ctx context.Context) error {
	for _, family := range s.Families() {
		data, err := s.RawRules(ctx, family)
		if err != nil {
			return err
		}

		path := s.rulesPath(family)
		if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
			return fmt.Errorf("failed to create rules directory: %w", err)
		}
		if err := os.WriteFile(path, []byte(data), 0644); err != nil {
			return fmt.Errorf("failed to write rules file: %w", err)
		}
		s.logger.Info("saved rules", zap.String("family", string(family)), zap.String("path", path))
	}
	return nil
}

// RestoreRules loads the saved rules of every enabled family. Missing files
// are skipped.
func (s *FirewallService) RestoreRules(ctx context.Context) error {
	for _, family := range s.Families() {
		path := s.rulesPath(family)
		data, err := os.ReadFile(path)
		if err != nil {
			if os.IsNotExist(err) {
				continue
			}
			return fmt.Errorf("failed to read rules file: %w", err)
		}

		ipt, _ := s.For(family)
		if err := ipt.Restore(ctx, data, true); err != nil {
			return fmt.Errorf("failed to restore %s rules: %w", family, err)
		}
		s.logger.Info("restored rules", zap.String("family", string(family)), zap.String("path", path))
	}
	return nil
}

// RawRules returns the iptables-save output for family.
func (s *FirewallService) RawRules(ctx context.Context, family models.Family) (string, error) {
	ipt, err := s.For(family)
	if err != nil {
		return "", err
	}
	data, err := ipt.Save(ctx, "")
	if err != nil {
		return "", fmt.Errorf("failed to get rules: %w", err)
	}
	return string(data), nil
}
