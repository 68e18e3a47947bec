package config

import (
	"errors"
	"fmt"
	"path/filepath"
	"strings"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"
	"go.uber.org/zap"

	"github.com/cloudless/hostwatch/pkg/agent"
	"github.com/cloudless/hostwatch/pkg/observability"
)

// EnvPrefix namespaces environment overrides, e.g. HOSTWATCH_SERVER
const EnvPrefix = "HOSTWATCH"

// Settings holds CLI configuration merged from flags, environment and the
// optional config file. Flags win over environment, environment over file.
type Settings struct {
	ClientKey   string `mapstructure:"client_key"`
	Server      string `mapstructure:"server"`
	HistoryPath string `mapstructure:"data"`
	ServerName  string `mapstructure:"name"`
	Roles       string `mapstructure:"roles"`
	Hostname    string `mapstructure:"hostname"`
	Environment string `mapstructure:"environment"`
	HTTPProxy   string `mapstructure:"http_proxy"`
	HTTPSProxy  string `mapstructure:"https_proxy"`
	Level       string `mapstructure:"level"`
	Verbose     bool   `mapstructure:"verbose"`
	Force       bool   `mapstructure:"force"`
	DisableWASM bool   `mapstructure:"disable_wasm"`

	Schedule    string `mapstructure:"schedule"`
	MetricsAddr string `mapstructure:"metrics_addr"`

	Tracing TracingSettings `mapstructure:"tracing"`
}

// TracingSettings configures span export
type TracingSettings struct {
	Endpoint   string  `mapstructure:"endpoint"`
	SampleRate float64 `mapstructure:"sample_rate"`
}

// AddRunFlags registers the flags shared by the root and run commands
func AddRunFlags(flags *pflag.FlagSet) {
	flags.String("config", "", "Config file path (YAML)")
	flags.StringP("server", "s", agent.DefaultServerURL, "Monitoring server URL")
	flags.StringP("data", "d", "", "History file path (default: $HOME/.hostwatch/client_history.yaml)")
	flags.StringP("name", "n", "", "Server name reported with check-ins")
	flags.StringP("roles", "r", "", "Comma separated roles for this host")
	flags.String("hostname", "", "Hostname reported to the server (default: os hostname)")
	flags.StringP("environment", "e", "", "Environment for this host")
	flags.String("http-proxy", "", "Proxy for http server URLs")
	flags.String("https-proxy", "", "Proxy for https server URLs")
	flags.StringP("level", "l", "info", "Log level (debug, info, warn, error)")
	flags.BoolP("verbose", "v", false, "Also log to stderr")
	flags.BoolP("force", "F", false, "Check in regardless of the last check-in time")
	flags.Bool("disable-wasm", false, "Disable WebAssembly plugins")
	flags.String("schedule", "", "Keep running and invoke on this cron schedule (e.g. \"@every 1m\")")
	flags.String("metrics-addr", "", "Serve Prometheus metrics on this address in schedule mode")
	flags.String("tracing-endpoint", "", "OTLP gRPC endpoint for traces")
	flags.Float64("tracing-sample-rate", 1.0, "Trace sampling rate (0.0 to 1.0)")
}

// flagKeys maps flag names to settings keys where they differ
var flagKeys = map[string]string{
	"http-proxy":          "http_proxy",
	"https-proxy":         "https_proxy",
	"disable-wasm":        "disable_wasm",
	"metrics-addr":        "metrics_addr",
	"tracing-endpoint":    "tracing.endpoint",
	"tracing-sample-rate": "tracing.sample_rate",
}

// Load merges configuration for cmd. args may carry the client key.
func Load(cmd *cobra.Command, args []string) (*Settings, error) {
	v := viper.New()
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_", "-", "_"))
	v.AutomaticEnv()

	var bindErr error
	cmd.Flags().VisitAll(func(f *pflag.Flag) {
		if f.Name == "config" || f.Name == "help" {
			return
		}
		key := f.Name
		if mapped, ok := flagKeys[key]; ok {
			key = mapped
		}
		bindErr = errors.Join(bindErr, v.BindPFlag(key, f))
	})
	if bindErr != nil {
		return nil, fmt.Errorf("failed to bind flags: %w", bindErr)
	}
	v.BindEnv("client_key")

	if configFile, _ := cmd.Flags().GetString("config"); configFile != "" {
		v.SetConfigFile(configFile)
		v.SetConfigType("yaml")
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
	}

	s := &Settings{}
	if err := v.Unmarshal(s); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}
	if len(args) > 0 && args[0] != "" {
		s.ClientKey = args[0]
	}
	return s, nil
}

// HistoryFile returns the configured history path or the default one
func (s *Settings) HistoryFile() (string, error) {
	if s.HistoryPath != "" {
		return filepath.Abs(s.HistoryPath)
	}
	return agent.DefaultHistoryPath()
}

// AgentConfig converts the settings into an engine configuration
func (s *Settings) AgentConfig(historyPath string, tty bool, runLog *observability.RunLog, logger *zap.Logger) *agent.Config {
	return &agent.Config{
		ServerURL:   s.Server,
		ClientKey:   s.ClientKey,
		HistoryPath: historyPath,
		ServerName:  s.ServerName,
		Roles:       s.Roles,
		Hostname:    s.Hostname,
		Environment: s.Environment,
		HTTPProxy:   s.HTTPProxy,
		HTTPSProxy:  s.HTTPSProxy,
		Force:       s.Force,
		TTY:         tty,
		DisableWASM: s.DisableWASM,
		RunLog:      runLog,
		Logger:      logger,
	}
}
