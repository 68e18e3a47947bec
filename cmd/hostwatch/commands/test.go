package commands

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/cloudless/hostwatch/cmd/hostwatch/config"
	"github.com/cloudless/hostwatch/pkg/agent"
	"github.com/cloudless/hostwatch/pkg/history"
	"github.com/cloudless/hostwatch/pkg/observability"
	"github.com/cloudless/hostwatch/pkg/plan"
	"github.com/cloudless/hostwatch/pkg/plugin"
)

// NewTestCommand creates the test command
func NewTestCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "test PATH [name=value ...]",
		Short: "Run a plugin file once and print what it reports",
		Long: `Runs a local plugin file once, outside the schedule, and prints its reports,
alerts, errors and memory. Options are given as name=value pairs; options the
plugin declares in an embedded OPTIONS block fall back to their defaults.
Nothing is sent to the server and no history is written.`,
		Args: cobra.MinimumNArgs(1),
		RunE: runTest,
	}
	cmd.Flags().StringP("output", "o", "table", "Output format: table, json, yaml")
	cmd.Flags().StringP("data", "d", "", "History file path; its directory supplies plugins.properties and overrides")
	cmd.Flags().Duration("timeout", plan.DefaultTimeout, "Plugin timeout")
	cmd.Flags().StringP("level", "l", "warn", "Log level (debug, info, warn, error)")
	cmd.Flags().Bool("disable-wasm", false, "Disable WebAssembly plugins")
	return cmd
}

func runTest(cmd *cobra.Command, args []string) error {
	path := args[0]
	code, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("failed to read plugin: %w", err)
	}

	provided, err := parseOptionArgs(args[1:])
	if err != nil {
		return err
	}
	embedded, err := plugin.EmbeddedOptions(string(code))
	if err != nil {
		return fmt.Errorf("invalid OPTIONS block: %w", err)
	}

	level, _ := cmd.Flags().GetString("level")
	logger, err := observability.NewLogger(level)
	if err != nil {
		return fmt.Errorf("failed to initialize logger: %w", err)
	}
	defer logger.Sync()

	configDir, err := testConfigDir(cmd)
	if err != nil {
		return err
	}
	props, err := plan.LoadProperties(filepath.Join(configDir, plan.PropertiesFileName))
	if err != nil {
		logger.Warn("Could not load plugin properties", zap.Error(err))
	}

	ctx, cancel := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	rcfg := plugin.Config{
		ConfigDir:  configDir,
		Properties: props,
		Script:     plugin.NewScriptRuntime(logger),
		Logger:     logger,
	}
	if disabled, _ := cmd.Flags().GetBool("disable-wasm"); !disabled {
		wasm, err := plugin.NewWASMRuntime(ctx, logger)
		if err != nil {
			return fmt.Errorf("failed to start wasm runtime: %w", err)
		}
		defer wasm.Close(context.Background())
		rcfg.WASM = wasm
	}
	runner, err := plugin.NewRunner(rcfg)
	if err != nil {
		return err
	}

	timeout, _ := cmd.Flags().GetDuration("timeout")
	name := filepath.Base(path)
	d := plan.Descriptor{
		Name:          name,
		LocalFilename: name,
		Origin:        plan.OriginLocal,
		Code:          string(code),
		Options:       withDefaults(embedded, provided),
		Timeout:       plan.Number(timeout.Seconds()),
	}

	records := history.Blank("")
	res := runner.Process(ctx, d, records)
	_, memory := records.Lookup(res.Key, name)

	format, _ := cmd.Flags().GetString("output")
	if err := config.NewOutputterTo(format, cmd.OutOrStdout()).PrintResult(res, memory); err != nil {
		return err
	}
	if res.State != plugin.StateCompleted {
		return fmt.Errorf("plugin finished with state %s", res.State)
	}
	return nil
}

func testConfigDir(cmd *cobra.Command) (string, error) {
	data, _ := cmd.Flags().GetString("data")
	if data == "" {
		path, err := agent.DefaultHistoryPath()
		if err != nil {
			return "", err
		}
		data = path
	}
	return filepath.Dir(data), nil
}

// parseOptionArgs turns name=value arguments into plugin options
func parseOptionArgs(args []string) (map[string]any, error) {
	opts := make(map[string]any, len(args))
	for _, arg := range args {
		name, value, ok := strings.Cut(arg, "=")
		if !ok || name == "" {
			return nil, fmt.Errorf("invalid option %q, expected name=value", arg)
		}
		opts[name] = value
	}
	return opts, nil
}

// withDefaults fills options the plugin declares but the caller did not set
func withDefaults(embedded, provided map[string]any) map[string]any {
	opts := make(map[string]any, len(provided))
	for name, decl := range embedded {
		if fields, ok := decl.(map[string]any); ok {
			if def, ok := fields["default"]; ok {
				opts[name] = def
			}
		}
	}
	for name, value := range provided {
		opts[name] = value
	}
	return opts
}
