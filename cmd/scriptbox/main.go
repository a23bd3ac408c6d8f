// Command scriptbox compiles and runs sandboxed script bodies from the
// command line. It is a thin front end over the engine library, mostly
// useful for trying out scripts and poking at the usage ledger.
package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/cryguy/scriptbox"
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "scriptbox",
		Short: "Sandboxed execution engine for tenant scripts",
	}

	rootCmd.PersistentFlags().String("config", "", "Path to a YAML config file")

	rootCmd.AddCommand(
		evalCmd(),
		checkCmd(),
		usageCmd(),
	)

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func evalCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "eval [body]",
		Short: "Compile a script body and run it once",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, ledgerPath, err := loadConfig(cmd.Flag("config").Value.String())
			if err != nil {
				return err
			}
			tenant, _ := cmd.Flags().GetString("tenant")
			file, _ := cmd.Flags().GetString("file")
			rawArgs, _ := cmd.Flags().GetStringArray("arg")
			timeoutMs, _ := cmd.Flags().GetInt("timeout-ms")
			if timeoutMs > 0 {
				cfg.MaxRequestsTimeoutMs = timeoutMs
			}

			body, err := readBody(file, args)
			if err != nil {
				return err
			}
			names, values, err := parseArgs(rawArgs)
			if err != nil {
				return err
			}

			if ledgerPath != "" {
				ledger, err := scriptbox.OpenUsageLedger(ledgerPath)
				if err != nil {
					return err
				}
				defer func() { _ = ledger.Close() }()
				cfg.UsageGate = ledger
				cfg.UsageReporter = ledger
			}

			engine := scriptbox.New(cfg)
			defer engine.Shutdown()

			ctx := cmd.Context()
			id, err := engine.CompileSync(ctx, tenant, body, names)
			if err != nil {
				return err
			}
			result, err := engine.InvokeSync(ctx, id, values...)
			if err != nil {
				return err
			}

			out, err := json.MarshalIndent(result, "", "  ")
			if err != nil {
				return fmt.Errorf("encoding result: %w", err)
			}
			fmt.Println(string(out))
			return nil
		},
	}
	cmd.Flags().String("tenant", "default", "Tenant the script runs under")
	cmd.Flags().String("file", "", `Read the script body from a file ("-" for stdin)`)
	cmd.Flags().StringArray("arg", nil, "Script argument as name=value (value parsed as JSON, raw string fallback)")
	cmd.Flags().Int("timeout-ms", 0, "Override the per-invocation timeout")
	return cmd
}

func checkCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "check [body]",
		Short: "Validate a script body without running it",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, _, err := loadConfig(cmd.Flag("config").Value.String())
			if err != nil {
				return err
			}
			tenant, _ := cmd.Flags().GetString("tenant")
			file, _ := cmd.Flags().GetString("file")
			rawArgs, _ := cmd.Flags().GetStringArray("arg")

			body, err := readBody(file, args)
			if err != nil {
				return err
			}
			names, _, err := parseArgs(rawArgs)
			if err != nil {
				return err
			}

			engine := scriptbox.New(cfg)
			defer engine.Shutdown()

			id, err := engine.CompileSync(cmd.Context(), tenant, body, names)
			if err != nil {
				return err
			}
			fmt.Println(id)
			return nil
		},
	}
	cmd.Flags().String("tenant", "default", "Tenant the script belongs to")
	cmd.Flags().String("file", "", `Read the script body from a file ("-" for stdin)`)
	cmd.Flags().StringArray("arg", nil, "Declared argument name (name=value also accepted, value ignored)")
	return cmd
}

func usageCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "usage",
		Short: "Inspect or change tenant usage records",
	}
	cmd.AddCommand(usageShowCmd(), usageEnableCmd(), usageDisableCmd())
	return cmd
}

func usageShowCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "show <tenant>",
		Short: "Print a tenant's execution count and gate state",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ledger, err := openLedger(cmd)
			if err != nil {
				return err
			}
			defer func() { _ = ledger.Close() }()

			n, err := ledger.Executions(args[0])
			if err != nil {
				return err
			}
			state := "enabled"
			if !ledger.ScriptExecEnabled(args[0]) {
				state = "disabled"
			}
			fmt.Printf("tenant %s: %d executions, script execution %s\n", args[0], n, state)
			return nil
		},
	}
}

func usageEnableCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "enable <tenant>",
		Short: "Allow the tenant to run scripts",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return setTenantGate(cmd, args[0], true)
		},
	}
}

func usageDisableCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "disable <tenant>",
		Short: "Block the tenant from running scripts",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return setTenantGate(cmd, args[0], false)
		},
	}
}

func setTenantGate(cmd *cobra.Command, tenant string, enabled bool) error {
	ledger, err := openLedger(cmd)
	if err != nil {
		return err
	}
	defer func() { _ = ledger.Close() }()
	return ledger.SetScriptExecEnabled(tenant, enabled)
}

func openLedger(cmd *cobra.Command) (*scriptbox.UsageLedger, error) {
	_, path, err := loadConfig(cmd.Flag("config").Value.String())
	if err != nil {
		return nil, err
	}
	if path == "" {
		return nil, errors.New("no usage_ledger_path set in the config file")
	}
	return scriptbox.OpenUsageLedger(path)
}

// fileConfig mirrors scriptbox.Config for YAML decoding. Zero fields fall
// back to the engine defaults.
type fileConfig struct {
	ThreadPoolSize          int    `yaml:"thread_pool_size"`
	QueueSize               int    `yaml:"queue_size"`
	ScriptPoolSize          int    `yaml:"script_pool_size"`
	MaxScriptBodySize       int    `yaml:"max_script_body_size"`
	MaxTotalArgsSize        int    `yaml:"max_total_args_size"`
	MaxResultSize           int    `yaml:"max_result_size"`
	MaxErrors               int    `yaml:"max_errors"`
	MaxBlacklistDurationSec int    `yaml:"max_blacklist_duration_sec"`
	MaxRequestsTimeoutMs    int    `yaml:"max_requests_timeout_ms"`
	MaxMemoryLimitMB        int    `yaml:"max_memory_limit_mb"`
	StatsEnabled            bool   `yaml:"stats_enabled"`
	StatsIntervalMs         int    `yaml:"stats_interval_ms"`
	UsageLedgerPath         string `yaml:"usage_ledger_path"`
}

func loadConfig(path string) (scriptbox.Config, string, error) {
	if path == "" {
		return scriptbox.Config{}, "", nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return scriptbox.Config{}, "", fmt.Errorf("read config file: %w", err)
	}
	var fc fileConfig
	if err := yaml.Unmarshal(data, &fc); err != nil {
		return scriptbox.Config{}, "", fmt.Errorf("parse config: %w", err)
	}
	cfg := scriptbox.Config{
		ThreadPoolSize:          fc.ThreadPoolSize,
		QueueSize:               fc.QueueSize,
		ScriptPoolSize:          fc.ScriptPoolSize,
		MaxScriptBodySize:       fc.MaxScriptBodySize,
		MaxTotalArgsSize:        fc.MaxTotalArgsSize,
		MaxResultSize:           fc.MaxResultSize,
		MaxErrors:               fc.MaxErrors,
		MaxBlacklistDurationSec: fc.MaxBlacklistDurationSec,
		MaxRequestsTimeoutMs:    fc.MaxRequestsTimeoutMs,
		MaxMemoryLimitMB:        fc.MaxMemoryLimitMB,
		StatsEnabled:            fc.StatsEnabled,
		StatsIntervalMs:         fc.StatsIntervalMs,
	}
	return cfg, fc.UsageLedgerPath, nil
}

func readBody(file string, args []string) (string, error) {
	switch {
	case file == "-":
		data, err := io.ReadAll(os.Stdin)
		if err != nil {
			return "", fmt.Errorf("reading stdin: %w", err)
		}
		return string(data), nil
	case file != "":
		data, err := os.ReadFile(file)
		if err != nil {
			return "", fmt.Errorf("reading script: %w", err)
		}
		return string(data), nil
	case len(args) == 1:
		return args[0], nil
	}
	return "", errors.New("script body required (positional argument or --file)")
}

// parseArgs splits name=value pairs into declared argument names and their
// values. Values are decoded as JSON when possible so numbers, booleans and
// objects come through typed; anything else is passed as a plain string.
func parseArgs(pairs []string) ([]string, []any, error) {
	names := make([]string, 0, len(pairs))
	values := make([]any, 0, len(pairs))
	for _, pair := range pairs {
		name, raw, found := strings.Cut(pair, "=")
		if name == "" {
			return nil, nil, fmt.Errorf("argument %q has no name", pair)
		}
		var v any
		if !found {
			v = nil
		} else if err := json.Unmarshal([]byte(raw), &v); err != nil {
			v = raw
		}
		names = append(names, name)
		values = append(values, v)
	}
	return names, values, nil
}
