package agent

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"time"

	"go.uber.org/zap"

	"github.com/cloudless/hostwatch/pkg/checkin"
	"github.com/cloudless/hostwatch/pkg/history"
	"github.com/cloudless/hostwatch/pkg/observability"
	"github.com/cloudless/hostwatch/pkg/plan"
	"github.com/cloudless/hostwatch/pkg/plugin"
	"github.com/cloudless/hostwatch/pkg/schedule"
	"github.com/cloudless/hostwatch/pkg/signature"
	"github.com/cloudless/hostwatch/pkg/transport"
)

// maxEvents bounds the in-memory event stream
const maxEvents = 1000

// Agent runs invocations of the monitoring engine
type Agent struct {
	config *Config
	logger *zap.Logger

	client *transport.Client
	store  *history.Store
	script *plugin.ScriptRuntime
	wasm   *plugin.WASMRuntime
	events *observability.EventStream
}

// Outcome describes what one invocation did
type Outcome struct {
	RunID string
	// NewPlan is set when a fresh plan was downloaded
	NewPlan bool
	// CheckedIn is set when plugins ran and a check-in was attempted
	CheckedIn bool
	// CheckinErr is the transmission failure, if any
	CheckinErr error
	Plugins    []plugin.Result
	// NextCheckin is set on ping-only runs
	NextCheckin string
}

// New creates an agent
func New(ctx context.Context, config *Config) (*Agent, error) {
	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	client, err := transport.New(transport.Config{
		ServerURL:   config.ServerURL,
		HTTPProxy:   config.HTTPProxy,
		HTTPSProxy:  config.HTTPSProxy,
		Hostname:    config.Hostname,
		Roles:       config.Roles,
		Environment: config.Environment,
		TTY:         config.TTY,
		Timeout:     config.RequestTimeout,
		Logger:      config.Logger,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create transport: %w", err)
	}

	a := &Agent{
		config: config,
		logger: config.Logger,
		client: client,
		store:  history.NewStore(config.HistoryPath, config.Logger),
		script: plugin.NewScriptRuntime(config.Logger),
		events: observability.NewEventStream(maxEvents, config.Logger),
	}

	if !config.DisableWASM {
		wasm, err := plugin.NewWASMRuntime(ctx, config.Logger)
		if err != nil {
			return nil, fmt.Errorf("failed to start wasm runtime: %w", err)
		}
		a.wasm = wasm
	}

	return a, nil
}

// Close releases the plugin runtimes
func (a *Agent) Close(ctx context.Context) error {
	if a.wasm != nil {
		return a.wasm.Close(ctx)
	}
	return nil
}

// Events returns the engine event stream
func (a *Agent) Events() *observability.EventStream {
	return a.events
}

func (a *Agent) wasmRuntime() plugin.Runtime {
	if a.wasm == nil {
		return nil
	}
	return a.wasm
}

// RunOnce performs one invocation: load history, fetch the plan and, when a
// check-in is due, run every plugin and report to the server. Only plan
// retrieval, lock and history write failures are returned; plugin and
// check-in failures are reported on the Outcome.
func (a *Agent) RunOnce(ctx context.Context) (out *Outcome, err error) {
	start := a.config.Now()
	runID := observability.GenerateRunID()
	ctx = observability.WithRunID(ctx, runID)
	ctx, span := observability.StartSpan(ctx, "agent.run")
	defer func() { observability.EndSpan(span, err) }()

	logger := observability.ContextLogger(ctx, a.logger)
	out = &Outcome{RunID: runID}

	appendLog := true
	defer func() {
		if ferr := a.config.RunLog.Flush(appendLog); ferr != nil {
			logger.Warn("Could not write run log", zap.String("path", a.config.RunLog.Path()), zap.Error(ferr))
		}
	}()

	doc, status := a.store.Load(a.config.ClientKey)
	a.recordLoadStatus(ctx, status)
	logger.Info("History file loaded",
		zap.String("path", a.store.Path()),
		zap.Stringer("status", status),
	)

	if !a.config.Force && !a.config.TTY {
		if secs := doc.Directives.SleepInterval(); secs > 0 {
			d := time.Duration(secs * float64(time.Second))
			logger.Info("Sleeping before fetching plan", zap.Duration("sleep", d))
			if err := a.config.Sleep(ctx, d); err != nil {
				return out, err
			}
		}
	}

	configDir := a.config.ConfigDir()
	verifier, err := signature.NewVerifier(signature.Config{
		ConfigDir:  configDir,
		PrimaryKey: a.config.PrimaryKey,
		Logger:     logger,
	})
	if err != nil {
		return out, err
	}

	fetcher, err := plan.NewFetcher(plan.FetcherConfig{
		Client:    a.client,
		ClientKey: a.config.ClientKey,
		ConfigDir: configDir,
		Verifier:  verifier,
		Logger:    logger,
	})
	if err != nil {
		return out, err
	}

	cache := plan.Cache{
		Plugins:           doc.CachedPlan(),
		Directives:        doc.Directives,
		LastModified:      doc.PlanLastModified,
		AccountKeyChanged: doc.AccountPublicKey != verifier.AccountKeyFingerprint(),
		SkipPing:          !schedule.TimeToPing(doc.LastPing, optional(doc.Directives.PingInterval()), start),
	}
	pinged := cache.Directives.PingKey() != "" && !cache.AccountKeyChanged &&
		!(cache.SkipPing && len(cache.Plugins) > 0)

	result, err := fetcher.Fetch(ctx, cache)
	if err != nil {
		logger.Error("Could not retrieve plan from server", zap.Error(err))
		return out, fmt.Errorf("failed to fetch plan: %w", err)
	}
	if pinged {
		doc.LastPing = &start
	}
	a.applyPlan(ctx, doc, result, out)

	interval := optional(result.Directives.Interval())
	sleep := time.Duration(result.Directives.SleepInterval() * float64(time.Second))
	now := a.config.Now()
	due := schedule.TimeToCheckin(schedule.CheckinInput{
		LastCheckin:     doc.LastCheckin,
		IntervalMinutes: interval,
		SleepInterval:   sleep,
		NewPlan:         out.NewPlan,
		Force:           a.config.Force,
		Now:             now,
	})

	if !due {
		out.NextCheckin = schedule.NextCheckin(doc.LastCheckin, interval, now)
		logger.Info("Not time to check in yet, override with --force",
			zap.String("next_checkin", out.NextCheckin),
		)
		if pinged {
			return out, a.saveLocked(configDir, now, doc, logger)
		}
		return out, nil
	}

	switch {
	case out.NewPlan:
		logger.Info("Now checking in with new plugin plan")
	case a.config.Force:
		logger.Info("Overriding check-in schedule with --force")
	default:
		logger.Info("It is time to check in")
	}

	lock, err := AcquirePIDLock(configDir, now, logger)
	if err != nil {
		return out, err
	}
	defer lock.Release()

	if err := a.runPlugins(ctx, logger, doc, result, verifier, runID, out); err != nil {
		return out, err
	}
	if out.CheckinErr != nil {
		// the stored history stays as it was so the next invocation reruns
		// the plugins and retries the check-in
		logger.Warn("History not saved, the next invocation retries the check-in")
		appendLog = false
		return out, nil
	}
	doc.LastCheckin = &start

	if err := a.store.Save(doc); err != nil {
		return out, fmt.Errorf("failed to save history: %w", err)
	}
	observability.LastRunTimestamp.Set(float64(a.config.Now().Unix()))
	appendLog = false
	return out, nil
}

// saveLocked saves doc while holding the PID lock. When another process
// holds it the save is skipped, since that process writes the history
// itself and this document may be stale.
func (a *Agent) saveLocked(configDir string, now time.Time, doc *history.Document, logger *zap.Logger) error {
	lock, err := AcquirePIDLock(configDir, now, logger)
	if errors.Is(err, ErrAlreadyRunning) {
		logger.Info("Another hostwatch process is running, not saving ping time")
		return nil
	}
	if err != nil {
		return err
	}
	defer lock.Release()

	if err := a.store.Save(doc); err != nil {
		return fmt.Errorf("failed to save history: %w", err)
	}
	return nil
}

// applyPlan stores a refreshed plan on the document and records plan events
func (a *Agent) applyPlan(ctx context.Context, doc *history.Document, result *plan.Result, out *Outcome) {
	if result.Refreshed {
		doc.OldPlugins = result.Cacheable
		doc.Directives = result.Directives
		doc.PlanLastModified = result.LastModified
		out.NewPlan = true

		names := make([]string, 0, len(result.Plugins))
		for _, p := range result.Plugins {
			names = append(names, p.Name)
		}
		a.events.Record(ctx, observability.Event{
			Type:        observability.EventPlanRefreshed,
			Severity:    observability.SeverityInfo,
			Description: fmt.Sprintf("plan loaded with %d plugins", len(result.Plugins)),
			Metadata: map[string]interface{}{
				"plugins":    names,
				"directives": result.Directives,
			},
		})
	} else {
		a.events.Record(ctx, observability.Event{
			Type:        observability.EventPlanNotModified,
			Severity:    observability.SeverityInfo,
			Description: "plan not modified",
		})
	}

	for _, r := range result.Rejected {
		reason := "unknown"
		var trustErr *signature.TrustError
		if errors.As(r.Err, &trustErr) {
			reason = string(trustErr.Reason)
		}
		observability.SignatureRejectionsTotal.WithLabelValues(reason).Inc()
		a.events.Record(ctx, observability.Event{
			Type:        observability.EventPluginRejected,
			Severity:    observability.SeverityWarning,
			PluginKey:   r.Descriptor.Key(),
			Description: "plugin failed code signature verification",
			Metadata:    map[string]interface{}{"reason": reason},
			Error:       r.Err.Error(),
		})
	}
}

// runPlugins executes the plan sequentially and sends the check-in
func (a *Agent) runPlugins(ctx context.Context, logger *zap.Logger, doc *history.Document, result *plan.Result, verifier *signature.Verifier, runID string, out *Outcome) error {
	configDir := a.config.ConfigDir()
	props, err := plan.LoadProperties(filepath.Join(configDir, plan.PropertiesFileName))
	if err != nil {
		logger.Warn("Could not load plugin properties", zap.Error(err))
		props = map[string]string{}
	}

	runner, err := plugin.NewRunner(plugin.Config{
		ConfigDir:  configDir,
		Properties: props,
		Script:     a.script,
		WASM:       a.wasmRuntime(),
		Now:        a.config.Now,
		Logger:     logger,
	})
	if err != nil {
		return err
	}

	assembler, err := checkin.NewAssembler(checkin.Config{
		Client:     a.client,
		ClientKey:  a.config.ClientKey,
		ConfigPath: configDir,
		ServerName: a.config.ServerName,
		Collectors: a.config.Collectors,
		Snapshot:   a.config.Snapshot,
		Now:        a.config.Now,
		Logger:     logger,
	})
	if err != nil {
		return err
	}

	payload := assembler.Begin(runID)
	for _, d := range result.Plugins {
		if err := ctx.Err(); err != nil {
			return err
		}
		res := runner.Process(ctx, d, doc)
		payload.Add(res)
		out.Plugins = append(out.Plugins, res)
		a.recordPluginEvent(ctx, res)
	}

	payload.AddSignatureErrors(result.Rejected, a.config.Now())
	if result.Directives.TakeSnapshots() {
		assembler.TakeSnapshot(ctx, payload)
	}
	doc.ServerMetrics = assembler.CollectServerMetrics(ctx, payload, doc.ServerMetrics)
	doc.AccountPublicKey = verifier.AccountKeyFingerprint()

	out.CheckedIn = true
	if err := assembler.Transmit(ctx, payload); err != nil {
		logger.Error("Unable to check in with the server", zap.Error(err))
		out.CheckinErr = err
		a.events.Record(ctx, observability.Event{
			Type:        observability.EventCheckinFailed,
			Severity:    observability.SeverityError,
			Description: "check-in failed",
			Error:       err.Error(),
		})
		return nil
	}

	a.events.Record(ctx, observability.Event{
		Type:        observability.EventCheckinSent,
		Severity:    observability.SeverityInfo,
		Description: "check-in sent",
		Metadata: map[string]interface{}{
			"reports": len(payload.Reports),
			"alerts":  len(payload.Alerts),
			"errors":  len(payload.Errors),
		},
	})
	return nil
}

func (a *Agent) recordLoadStatus(ctx context.Context, status history.LoadStatus) {
	switch status {
	case history.StatusRecovered:
		a.events.Record(ctx, observability.Event{
			Type:        observability.EventHistoryCorrupt,
			Severity:    observability.SeverityWarning,
			Description: "history file was corrupt and has been backed up",
		})
	case history.StatusReset:
		a.events.Record(ctx, observability.Event{
			Type:        observability.EventHistoryReset,
			Severity:    observability.SeverityInfo,
			Description: "client key changed, history discarded",
		})
	}
}

func (a *Agent) recordPluginEvent(ctx context.Context, res plugin.Result) {
	event := observability.Event{
		PluginKey: res.Key,
		Metadata: map[string]interface{}{
			"state":    string(res.State),
			"runtime":  string(res.Runtime),
			"duration": res.Duration.String(),
		},
	}
	switch res.State {
	case plugin.StateCompleted:
		event.Type = observability.EventPluginCompleted
		event.Severity = observability.SeverityInfo
		event.Description = "plugin completed"
	case plugin.StateSkipped:
		event.Type = observability.EventPluginSkipped
		event.Severity = observability.SeverityInfo
		event.Description = "plugin not due"
	default:
		event.Type = observability.EventPluginFailed
		event.Severity = observability.SeverityError
		event.Description = "plugin failed"
		if len(res.Errors) > 0 {
			if subject, ok := res.Errors[0].Fields["subject"].(string); ok {
				event.Error = subject
			}
		}
	}
	a.events.Record(ctx, event)
}

func optional(v float64, ok bool) *float64 {
	if !ok {
		return nil
	}
	return &v
}
