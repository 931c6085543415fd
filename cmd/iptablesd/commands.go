package main

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"text/tabwriter"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"iptablesd/internal/models"
	"iptablesd/internal/services"
)

func newChainCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "chain",
		Short: "Manage chains",
	}

	listCmd := &cobra.Command{
		Use:   "list",
		Short: "List the chains of the table",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ipt, ctx, cancel, err := binding()
			if err != nil {
				return err
			}
			defer cancel()

			chains, err := ipt.ListChains(ctx, tableName)
			if err != nil {
				return err
			}
			return outputLines(chains)
		},
	}

	newCmd := &cobra.Command{
		Use:   "new CHAIN",
		Short: "Create a user-defined chain",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ipt, ctx, cancel, err := binding()
			if err != nil {
				return err
			}
			defer cancel()

			clearExisting, _ := cmd.Flags().GetBool("clear")
			if clearExisting {
				return ipt.ClearChain(ctx, tableName, args[0])
			}
			return ipt.NewChain(ctx, tableName, args[0])
		},
	}
	newCmd.Flags().Bool("clear", false, "Flush the chain instead of failing when it exists")

	deleteCmd := &cobra.Command{
		Use:   "delete CHAIN",
		Short: "Delete a user-defined chain",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ipt, ctx, cancel, err := binding()
			if err != nil {
				return err
			}
			defer cancel()

			flush, _ := cmd.Flags().GetBool("flush")
			if flush {
				if err := ipt.FlushChain(ctx, tableName, args[0]); err != nil {
					return err
				}
			}
			return ipt.DeleteChain(ctx, tableName, args[0])
		},
	}
	deleteCmd.Flags().Bool("flush", false, "Flush the chain before deleting it")

	renameCmd := &cobra.Command{
		Use:   "rename OLD NEW",
		Short: "Rename a user-defined chain",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			ipt, ctx, cancel, err := binding()
			if err != nil {
				return err
			}
			defer cancel()
			return ipt.RenameChain(ctx, tableName, args[0], args[1])
		},
	}

	flushCmd := &cobra.Command{
		Use:   "flush CHAIN",
		Short: "Delete every rule in a chain",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ipt, ctx, cancel, err := binding()
			if err != nil {
				return err
			}
			defer cancel()
			return ipt.FlushChain(ctx, tableName, args[0])
		},
	}

	existsCmd := &cobra.Command{
		Use:   "exists CHAIN",
		Short: "Exit 0 if the chain exists, 1 otherwise",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ipt, ctx, cancel, err := binding()
			if err != nil {
				return err
			}
			defer cancel()

			exists, err := ipt.ChainExists(ctx, tableName, args[0])
			if err != nil {
				return err
			}
			return reportExists(exists)
		},
	}

	cmd.AddCommand(listCmd, newCmd, deleteCmd, renameCmd, flushCmd, existsCmd)
	return cmd
}

func newRuleCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "rule",
		Short: "Manage rules",
		Long: `Manage rules. RULE is a single argument in iptables syntax; quoted
segments are kept together, e.g.

  iptablesd rule append INPUT '-p tcp --dport 22 -m comment --comment "ssh in" -j ACCEPT'`,
	}

	appendCmd := &cobra.Command{
		Use:   "append CHAIN RULE",
		Short: "Append a rule",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			ipt, ctx, cancel, err := binding()
			if err != nil {
				return err
			}
			defer cancel()

			unique, _ := cmd.Flags().GetBool("unique")
			replace, _ := cmd.Flags().GetBool("replace-existing")
			switch {
			case unique && replace:
				return fmt.Errorf("--unique and --replace-existing are mutually exclusive")
			case unique:
				return ipt.AppendUnique(ctx, tableName, args[0], args[1])
			case replace:
				return ipt.AppendReplace(ctx, tableName, args[0], args[1])
			default:
				return ipt.Append(ctx, tableName, args[0], args[1])
			}
		},
	}
	appendCmd.Flags().Bool("unique", false, "Fail if the rule already exists")
	appendCmd.Flags().Bool("replace-existing", false, "Move an existing copy of the rule to the end")

	insertCmd := &cobra.Command{
		Use:   "insert CHAIN POSITION RULE",
		Short: "Insert a rule at a 1-based position",
		Args:  cobra.ExactArgs(3),
		RunE: func(cmd *cobra.Command, args []string) error {
			pos, err := parsePosition(args[1])
			if err != nil {
				return err
			}
			ipt, ctx, cancel, err := binding()
			if err != nil {
				return err
			}
			defer cancel()

			unique, _ := cmd.Flags().GetBool("unique")
			if unique {
				return ipt.InsertUnique(ctx, tableName, args[0], args[2], pos)
			}
			return ipt.Insert(ctx, tableName, args[0], args[2], pos)
		},
	}
	insertCmd.Flags().Bool("unique", false, "Fail if the rule already exists")

	replaceCmd := &cobra.Command{
		Use:   "replace CHAIN POSITION RULE",
		Short: "Replace the rule at a 1-based position",
		Args:  cobra.ExactArgs(3),
		RunE: func(cmd *cobra.Command, args []string) error {
			pos, err := parsePosition(args[1])
			if err != nil {
				return err
			}
			ipt, ctx, cancel, err := binding()
			if err != nil {
				return err
			}
			defer cancel()
			return ipt.Replace(ctx, tableName, args[0], args[2], pos)
		},
	}

	deleteCmd := &cobra.Command{
		Use:   "delete CHAIN RULE|POSITION",
		Short: "Delete a rule by spec or by 1-based position",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			ipt, ctx, cancel, err := binding()
			if err != nil {
				return err
			}
			defer cancel()

			if pos, err := strconv.Atoi(args[1]); err == nil {
				return ipt.DeleteAt(ctx, tableName, args[0], pos)
			}
			return ipt.Delete(ctx, tableName, args[0], args[1])
		},
	}

	deleteAllCmd := &cobra.Command{
		Use:   "delete-all CHAIN RULE",
		Short: "Delete every copy of a rule",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			ipt, ctx, cancel, err := binding()
			if err != nil {
				return err
			}
			defer cancel()

			n, err := ipt.DeleteAll(ctx, tableName, args[0], args[1])
			if err != nil {
				return err
			}
			fmt.Printf("Deleted %d rule(s)\n", n)
			return nil
		},
	}

	checkCmd := &cobra.Command{
		Use:   "check CHAIN RULE",
		Short: "Exit 0 if the rule exists, 1 otherwise",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			ipt, ctx, cancel, err := binding()
			if err != nil {
				return err
			}
			defer cancel()

			exists, err := ipt.Exists(ctx, tableName, args[0], args[1])
			if err != nil {
				return err
			}
			return reportExists(exists)
		},
	}

	listCmd := &cobra.Command{
		Use:   "list [CHAIN]",
		Short: "List rules in -S format",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ipt, ctx, cancel, err := binding()
			if err != nil {
				return err
			}
			defer cancel()

			var rules []string
			if len(args) == 1 {
				rules, err = ipt.List(ctx, tableName, args[0])
			} else {
				rules, err = ipt.ListTable(ctx, tableName)
			}
			if err != nil {
				return err
			}
			return outputLines(rules)
		},
	}

	cmd.AddCommand(appendCmd, insertCmd, replaceCmd, deleteCmd, deleteAllCmd, checkCmd, listCmd)
	return cmd
}

func newPolicyCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "policy",
		Short: "Get or set the policy of a built-in chain",
	}

	getCmd := &cobra.Command{
		Use:   "get CHAIN",
		Short: "Print the policy of a built-in chain",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ipt, ctx, cancel, err := binding()
			if err != nil {
				return err
			}
			defer cancel()

			policy, err := ipt.GetPolicy(ctx, tableName, args[0])
			if err != nil {
				return err
			}
			fmt.Println(policy)
			return nil
		},
	}

	setCmd := &cobra.Command{
		Use:   "set CHAIN POLICY",
		Short: "Set the policy of a built-in chain",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			ipt, ctx, cancel, err := binding()
			if err != nil {
				return err
			}
			defer cancel()
			return ipt.SetPolicy(ctx, tableName, args[0], strings.ToUpper(args[1]))
		},
	}

	cmd.AddCommand(getCmd, setCmd)
	return cmd
}

func newTableCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "table",
		Short: "Inspect or flush a whole table",
	}

	listCmd := &cobra.Command{
		Use:   "list",
		Short: "List chains with counters and rules",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ipt, ctx, cancel, err := binding()
			if err != nil {
				return err
			}
			defer cancel()

			family := models.FamilyIPv4
			firewall := services.NewFirewallService(cfg.ConfigDir, ipt, nil, nil, logger)
			if useIPv6 {
				family = models.FamilyIPv6
				firewall = services.NewFirewallService(cfg.ConfigDir, nil, ipt, nil, logger)
			}
			chains, err := firewall.ListChains(ctx, family, tableName)
			if err != nil {
				return err
			}

			return outputResult(chains, []string{"CHAIN", "POLICY", "RULES", "PACKETS", "BYTES"}, func(i int) []string {
				c := chains[i]
				return []string{c.Name, c.Policy, strconv.Itoa(len(c.Rules)),
					strconv.FormatUint(c.Packets, 10), strconv.FormatUint(c.Bytes, 10)}
			})
		},
	}

	flushCmd := &cobra.Command{
		Use:   "flush",
		Short: "Delete every rule in every chain of the table",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ipt, ctx, cancel, err := binding()
			if err != nil {
				return err
			}
			defer cancel()
			return ipt.FlushTable(ctx, tableName)
		},
	}

	cmd.AddCommand(listCmd, flushCmd)
	return cmd
}

func newExecCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "exec COMMAND",
		Short: "Run an arbitrary command against the table",
		Long: `Run an arbitrary command against the table, e.g.

  iptablesd -t nat exec '-L POSTROUTING -n -v'`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ipt, ctx, cancel, err := binding()
			if err != nil {
				return err
			}
			defer cancel()

			out, err := ipt.Execute(ctx, tableName, args[0])
			if err != nil {
				return err
			}
			os.Stdout.Write(out.Stdout)
			os.Stderr.Write(out.Stderr)
			return nil
		},
	}
}

func newSaveCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "save",
		Short: "Dump rules in iptables-save format",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ipt, ctx, cancel, err := binding()
			if err != nil {
				return err
			}
			defer cancel()

			// All tables unless --table was given explicitly.
			table := ""
			if cmd.Flags().Changed("table") {
				table = tableName
			}
			data, err := ipt.Save(ctx, table)
			if err != nil {
				return err
			}

			file, _ := cmd.Flags().GetString("file")
			if file == "" {
				_, err = os.Stdout.Write(data)
				return err
			}
			if err := os.MkdirAll(filepath.Dir(file), 0755); err != nil {
				return fmt.Errorf("failed to create directory: %w", err)
			}
			return os.WriteFile(file, data, 0644)
		},
	}
	cmd.Flags().StringP("file", "f", "", "Write to a file instead of stdout")
	return cmd
}

func newRestoreCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "restore [FILE]",
		Short: "Load rules in iptables-save format from FILE or stdin",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var data []byte
			var err error
			if len(args) == 1 && args[0] != "-" {
				data, err = os.ReadFile(args[0])
			} else {
				data, err = io.ReadAll(os.Stdin)
			}
			if err != nil {
				return fmt.Errorf("failed to read rules: %w", err)
			}

			ipt, ctx, cancel, err := binding()
			if err != nil {
				return err
			}
			defer cancel()

			flush, _ := cmd.Flags().GetBool("flush")
			return ipt.Restore(ctx, data, flush)
		},
	}
	cmd.Flags().Bool("flush", false, "Replace the tables present in the input instead of adding to them")
	return cmd
}

func newUnitCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "unit",
		Short: "Print a systemd unit for 'iptablesd serve'",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			exe, err := os.Executable()
			if err != nil {
				return fmt.Errorf("failed to locate executable: %w", err)
			}
			configPath := cfgFile
			if configPath != "" {
				if abs, err := filepath.Abs(configPath); err == nil {
					configPath = abs
				}
			}
			fmt.Print(services.NewPersistService(cfg.ConfigDir).GenerateSystemdService(exe, configPath))
			return nil
		},
	}
}

// === Output Helpers ===

// errNotFound makes check-style commands exit 1 without printing an error.
type errNotFound struct{}

func (errNotFound) Error() string { return "not found" }

func reportExists(exists bool) error {
	if outputFormat != "table" {
		return outputSingle(map[string]bool{"exists": exists})
	}
	if !exists {
		return errNotFound{}
	}
	return nil
}

func parsePosition(s string) (int, error) {
	pos, err := strconv.Atoi(s)
	if err != nil || pos < 1 {
		return 0, fmt.Errorf("invalid position %q", s)
	}
	return pos, nil
}

func outputLines(lines []string) error {
	if outputFormat != "table" {
		return outputSingle(lines)
	}
	for _, l := range lines {
		fmt.Println(l)
	}
	return nil
}

func outputResult[T any](items []T, headers []string, row func(i int) []string) error {
	switch outputFormat {
	case "json", "yaml":
		return outputSingle(items)
	case "table":
		w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
		fmt.Fprintln(w, strings.Join(headers, "\t"))
		for i := range items {
			fmt.Fprintln(w, strings.Join(row(i), "\t"))
		}
		return w.Flush()
	default:
		return fmt.Errorf("unknown output format: %s", outputFormat)
	}
}

func outputSingle(v interface{}) error {
	switch outputFormat {
	case "json":
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(v)
	case "yaml":
		return yaml.NewEncoder(os.Stdout).Encode(v)
	default:
		return fmt.Errorf("unknown output format: %s", outputFormat)
	}
}
