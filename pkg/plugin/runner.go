// Package plugin executes plan entries in isolated runtimes and turns their
// output into check-in entries.
package plugin

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/cloudless/hostwatch/pkg/observability"
	"github.com/cloudless/hostwatch/pkg/plan"
	"github.com/cloudless/hostwatch/pkg/schedule"
)

// State is where a plugin execution ended up
type State string

const (
	StatePending       State = "PENDING"
	StateLoaded        State = "LOADED"
	StateRunning       State = "RUNNING"
	StateCompleted     State = "COMPLETED"
	StateTimedOut      State = "TIMED_OUT"
	StateFailedCompile State = "FAILED_COMPILE"
	StateFailedRuntime State = "FAILED_RUNTIME"
	StateFailedLoad    State = "FAILED_LOAD"
	StateSkipped       State = "SKIPPED"
)

// CreatedAtLayout formats entry timestamps (always UTC)
const CreatedAtLayout = "2006-01-02 15:04:05"

// Entry is one report, alert, error, summary or options record in a check-in
type Entry struct {
	PluginID      string         `json:"plugin_id"`
	CreatedAt     string         `json:"created_at"`
	Fields        map[string]any `json:"fields"`
	LocalFilename string         `json:"local_filename,omitempty"`
	Origin        plan.Origin    `json:"origin,omitempty"`
}

// Records is the execution-record store the runner reads and updates
type Records interface {
	Lookup(key, name string) (*time.Time, map[string]any)
	Record(key, name string, runAt time.Time, memory map[string]any)
	Touch(key, name string, runAt time.Time)
}

// Result is the outcome of processing one plan entry
type Result struct {
	Key      string
	State    State
	Runtime  RuntimeKind
	Duration time.Duration

	Reports   []Entry
	Alerts    []Entry
	Errors    []Entry
	Summaries []Entry
	Options   []Entry
}

// Config holds runner configuration
type Config struct {
	// ConfigDir is searched for override files
	ConfigDir string
	// Properties resolves lookup: options
	Properties map[string]string
	Script     Runtime
	WASM       Runtime
	// Now is the clock, time.Now when nil
	Now    func() time.Time
	Logger *zap.Logger
}

// Runner executes plan entries one at a time
type Runner struct {
	configDir  string
	properties map[string]string
	runtimes   map[RuntimeKind]Runtime
	now        func() time.Time
	logger     *zap.Logger
}

// NewRunner creates a runner
func NewRunner(cfg Config) (*Runner, error) {
	if cfg.Logger == nil {
		return nil, fmt.Errorf("logger is required")
	}
	if cfg.Script == nil {
		return nil, fmt.Errorf("script runtime is required")
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}

	runtimes := map[RuntimeKind]Runtime{RuntimeScript: cfg.Script}
	if cfg.WASM != nil {
		runtimes[RuntimeWASM] = cfg.WASM
	}

	return &Runner{
		configDir:  cfg.ConfigDir,
		properties: cfg.Properties,
		runtimes:   runtimes,
		now:        cfg.Now,
		logger:     cfg.Logger,
	}, nil
}

// Process runs d if it is due. Failures never escape: they become error
// entries on the result. The execution record is updated on completion and
// on runtime failure; timeouts and compile or load failures leave it alone.
func (r *Runner) Process(ctx context.Context, d plan.Descriptor, records Records) Result {
	key := d.Key()
	ctx = observability.WithPluginKey(ctx, key)
	logger := observability.ContextLogger(ctx, r.logger)

	result := Result{Key: key, State: StatePending}

	lastRun, memory := records.Lookup(key, d.Name)
	startedAt := r.now()

	decision := schedule.ShouldRun(lastRun, d.IntervalDuration(), startedAt)
	if !decision.Run {
		logger.Debug("Plugin does not need to run yet",
			zap.Duration("remaining", decision.Remaining),
		)
		result.State = StateSkipped
		return result
	}
	if decision.Reason == schedule.ReasonClockSkew {
		logger.Debug("Plugin last run is in the future, running now", zap.Timep("last_run", lastRun))
	}

	ctx, span := observability.StartSpan(ctx, "plugin.run",
		trace.WithAttributes(attribute.String("plugin.key", key)))
	defer func() {
		span.SetAttributes(attribute.String("plugin.state", string(result.State)))
		span.End()
		observability.PluginRunsTotal.WithLabelValues(string(result.State)).Inc()
	}()

	code := d.Code
	if d.ID != "" {
		overridePath := filepath.Join(r.configDir, string(d.ID)+plan.PluginExt)
		if data, err := os.ReadFile(overridePath); err == nil {
			logger.Debug("Using override file", zap.String("path", overridePath), zap.Int("size", len(data)))
			code = string(data)
			d.Origin = plan.OriginOverride
			d.OverridePath = overridePath
		} else if d.Origin != plan.OriginLocal {
			d.Origin = ""
		}
	}

	kind, body := selectRuntime(code)
	result.Runtime = kind
	rt, ok := r.runtimes[kind]
	if !ok {
		result.State = StateFailedLoad
		result.Errors = append(result.Errors, r.entry(d, startedAt, map[string]any{
			"subject": "Plugin would not load",
			"body":    fmt.Sprintf("no %s runtime is available", kind),
		}))
		return result
	}

	logger.Debug("Compiling plugin", zap.String("runtime", string(kind)))
	prog, err := rt.Compile(ctx, body)
	if err != nil {
		var loadErr *LoadError
		if errors.As(err, &loadErr) {
			result.State = StateFailedLoad
			result.Errors = append(result.Errors, r.entry(d, startedAt, map[string]any{
				"subject": "Plugin would not load",
				"body":    err.Error(),
			}))
			return result
		}
		logger.Error("Plugin would not compile", zap.Error(err))
		result.State = StateFailedCompile
		result.Errors = append(result.Errors, r.entry(d, startedAt, map[string]any{
			"subject": "Plugin would not compile",
			"body":    err.Error(),
		}))
		return result
	}
	defer prog.Close(context.Background())

	result.State = StateLoaded
	in := Input{
		PluginID: string(d.ID),
		Name:     d.Name,
		LastRun:  lastRun,
		Memory:   memory,
		Options:  ResolveOptions(d.Options, r.properties, logger),
	}

	timeout := d.TimeoutDuration()
	runCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	logger.Debug("Running plugin", zap.Duration("timeout", timeout))
	result.State = StateRunning
	began := time.Now()
	data, err := prog.Run(runCtx, in)
	result.Duration = time.Since(began)
	observability.PluginRunDurationSeconds.WithLabelValues(string(kind)).Observe(result.Duration.Seconds())

	var loadErr *LoadError
	switch {
	case err == nil:
		result.State = StateCompleted
	case errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled):
		logger.Error("Plugin took too long to run", zap.Duration("timeout", timeout))
		result.State = StateTimedOut
		result.Errors = append(result.Errors, r.entry(d, startedAt, map[string]any{
			"subject": "Plugin took too long to run",
			"body":    fmt.Sprintf("Execution timed out after %s.", timeout),
		}))
		return result
	case errors.As(err, &loadErr):
		logger.Error("Plugin would not load", zap.Error(err))
		result.State = StateFailedLoad
		result.Errors = append(result.Errors, r.entry(d, startedAt, map[string]any{
			"subject": "Plugin would not load",
			"body":    err.Error(),
		}))
		return result
	default:
		logger.Error("Plugin failed to run", zap.Error(err))
		result.State = StateFailedRuntime
		result.Errors = append(result.Errors, r.entry(d, startedAt, map[string]any{
			"subject": "Plugin failed to run",
			"body":    err.Error(),
		}))
		records.Touch(key, d.Name, startedAt)
		return result
	}

	logger.Info("Plugin completed its run",
		zap.Int("reports", len(data.Reports)),
		zap.Int("alerts", len(data.Alerts)),
		zap.Int("errors", len(data.Errors)),
		zap.Duration("duration", result.Duration),
	)

	for _, fields := range data.Reports {
		result.Reports = append(result.Reports, r.entry(d, startedAt, fields))
	}
	for _, fields := range data.Alerts {
		result.Alerts = append(result.Alerts, r.entry(d, startedAt, fields))
	}
	for _, fields := range data.Errors {
		result.Errors = append(result.Errors, r.entry(d, startedAt, fields))
	}
	for _, fields := range data.Summaries {
		result.Summaries = append(result.Summaries, r.entry(d, startedAt, fields))
	}

	if d.IsLocal() {
		opts, err := EmbeddedOptions(code)
		if err != nil {
			logger.Debug("Could not parse embedded options", zap.Error(err))
		} else if opts != nil {
			result.Options = append(result.Options, r.entry(d, startedAt, opts))
		}
	}

	records.Record(key, d.Name, startedAt, data.Memory)
	return result
}

func (r *Runner) entry(d plan.Descriptor, at time.Time, fields map[string]any) Entry {
	if fields == nil {
		fields = map[string]any{}
	}
	e := Entry{
		PluginID:      string(d.ID),
		CreatedAt:     at.UTC().Format(CreatedAtLayout),
		Fields:        fields,
		LocalFilename: d.LocalFilename,
	}
	if d.IsLocal() {
		e.Origin = d.Origin
	}
	return e
}
