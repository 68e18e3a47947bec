package commands

import (
	"context"
	"errors"
	"fmt"
	"os/signal"
	"path/filepath"
	"runtime"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/cloudless/hostwatch/cmd/hostwatch/config"
	"github.com/cloudless/hostwatch/pkg/agent"
	"github.com/cloudless/hostwatch/pkg/observability"
	"github.com/cloudless/hostwatch/pkg/version"
)

// NewRunCommand creates the run command
func NewRunCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "run [CLIENT_KEY]",
		Short: "Run due plugins and check in with the server",
		Long: `Fetches the plugin plan, runs every plugin that is due and reports the results.

Without --schedule a single invocation is made, which is how hostwatch is
normally driven from cron. With --schedule the process stays up and invokes
itself on the given cron expression.`,
		Args: cobra.MaximumNArgs(1),
		RunE: Run,
	}
	config.AddRunFlags(cmd.Flags())
	return cmd
}

// Run executes one invocation, or the scheduled loop when requested
func Run(cmd *cobra.Command, args []string) error {
	settings, err := config.Load(cmd, args)
	if err != nil {
		return err
	}
	if settings.ClientKey == "" {
		return fmt.Errorf("a client key is required (hostwatch run CLIENT_KEY)")
	}

	historyPath, err := settings.HistoryFile()
	if err != nil {
		return err
	}
	runLog := observability.NewRunLog(filepath.Join(filepath.Dir(historyPath), agent.LatestRunLogName))

	logger, err := observability.NewRunLogger(settings.Level, settings.Verbose, runLog)
	if err != nil {
		return fmt.Errorf("failed to initialize logger: %w", err)
	}
	defer logger.Sync()

	logger.Info("Starting hostwatch",
		zap.String("version", version.Version),
		zap.String("git_commit", version.GitCommit),
		zap.String("os", runtime.GOOS),
		zap.String("arch", runtime.GOARCH),
		zap.String("history", historyPath),
	)

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	tp, err := observability.NewTracerProvider(observability.TracerConfig{
		Enabled:        settings.Tracing.Endpoint != "",
		Endpoint:       settings.Tracing.Endpoint,
		ServiceName:    "hostwatch",
		ServiceVersion: version.Version,
		ServerName:     settings.ServerName,
		SampleRate:     settings.Tracing.SampleRate,
		Insecure:       true,
	}, logger)
	if err != nil {
		return fmt.Errorf("failed to initialize tracing: %w", err)
	}
	defer func() {
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer shutdownCancel()
		tp.Shutdown(shutdownCtx)
	}()

	cfg := settings.AgentConfig(historyPath, agent.StdinIsTTY(), runLog, logger)
	a, err := agent.New(ctx, cfg)
	if err != nil {
		return fmt.Errorf("failed to create agent: %w", err)
	}
	defer a.Close(context.Background())

	if settings.Schedule != "" {
		return runScheduled(ctx, a, settings, logger)
	}

	out, err := a.RunOnce(ctx)
	if errors.Is(err, agent.ErrAlreadyRunning) {
		logger.Info("Exiting, another hostwatch process is running")
		return nil
	}
	if err != nil {
		return err
	}
	logRunSummary(a, out, logger)
	return nil
}

func logRunSummary(a *agent.Agent, out *agent.Outcome, logger *zap.Logger) {
	counts := a.Events().Counts(out.RunID)
	logger.Info("Invocation finished",
		zap.String("run_id", out.RunID),
		zap.Bool("new_plan", out.NewPlan),
		zap.Bool("checked_in", out.CheckedIn),
		zap.Int("completed", counts[observability.EventPluginCompleted]),
		zap.Int("failed", counts[observability.EventPluginFailed]),
		zap.Int("rejected", counts[observability.EventPluginRejected]),
	)
}

func runScheduled(ctx context.Context, a *agent.Agent, settings *config.Settings, logger *zap.Logger) error {
	var metricsServer *observability.MetricsServer
	if settings.MetricsAddr != "" {
		metricsServer = observability.NewMetricsServer(settings.MetricsAddr, a.Events(), logger)
		if err := metricsServer.Start(); err != nil {
			return fmt.Errorf("failed to start metrics server: %w", err)
		}
		defer func() {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			metricsServer.Stop(shutdownCtx)
		}()
	}

	return a.Loop(ctx, settings.Schedule, func(out *agent.Outcome, err error) {
		if err != nil {
			return
		}
		logRunSummary(a, out, logger)
		if metricsServer != nil {
			metricsServer.RecordRun(time.Now())
		}
	})
}
