package checkin

import (
	"bytes"
	"compress/gzip"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"time"

	"go.uber.org/zap"

	"github.com/cloudless/hostwatch/pkg/observability"
	"github.com/cloudless/hostwatch/pkg/plugin"
	"github.com/cloudless/hostwatch/pkg/transport"
)

// ErrCheckinRejected is returned when the server answers a check-in with a
// non-success status
var ErrCheckinRejected = errors.New("check-in rejected by server")

// Config holds assembler configuration
type Config struct {
	Client     *transport.Client
	ClientKey  string
	ConfigPath string
	ServerName string
	// Collectors defaults to DefaultCollectors
	Collectors []Collector
	// Snapshot defaults to TakeSnapshot
	Snapshot func(ctx context.Context) (string, error)
	Now      func() time.Time
	Logger   *zap.Logger
}

// Assembler builds check-in payloads and sends them
type Assembler struct {
	client     *transport.Client
	clientKey  string
	configPath string
	serverName string
	collectors []Collector
	snapshot   func(ctx context.Context) (string, error)
	now        func() time.Time
	logger     *zap.Logger
}

// NewAssembler creates an assembler
func NewAssembler(cfg Config) (*Assembler, error) {
	if cfg.Logger == nil {
		return nil, fmt.Errorf("logger is required")
	}
	if cfg.Client == nil {
		return nil, fmt.Errorf("transport client is required")
	}
	if cfg.ClientKey == "" {
		return nil, fmt.Errorf("client key is required")
	}
	if cfg.Collectors == nil {
		cfg.Collectors = DefaultCollectors()
	}
	if cfg.Snapshot == nil {
		cfg.Snapshot = TakeSnapshot
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}

	return &Assembler{
		client:     cfg.Client,
		clientKey:  cfg.ClientKey,
		configPath: cfg.ConfigPath,
		serverName: cfg.ServerName,
		collectors: cfg.Collectors,
		snapshot:   cfg.Snapshot,
		now:        cfg.Now,
		logger:     cfg.Logger,
	}, nil
}

// Begin returns an empty payload for the run identified by runID
func (a *Assembler) Begin(runID string) *Payload {
	return &Payload{
		Reports:       []plugin.Entry{},
		Alerts:        []plugin.Entry{},
		Errors:        []plugin.Entry{},
		Summaries:     []plugin.Entry{},
		Options:       []plugin.Entry{},
		ServerMetrics: map[string]any{},
		ConfigPath:    a.configPath,
		ServerName:    a.serverName,
		RunID:         runID,
	}
}

// TakeSnapshot fills the process snapshot. Failure leaves it empty.
func (a *Assembler) TakeSnapshot(ctx context.Context, p *Payload) {
	a.logger.Info("Taking a process snapshot")
	snapshot, err := a.snapshot(ctx)
	if err != nil {
		a.logger.Error("Unable to capture processes on this server", zap.Error(err))
		return
	}
	p.Snapshot = snapshot
}

// CollectServerMetrics runs every collector and stores its result on the
// payload. prev holds each collector's state from the previous run; the
// returned map is the state to persist. A collector that fails or panics is
// logged and keeps its previous state.
func (a *Assembler) CollectServerMetrics(ctx context.Context, p *Payload, prev map[string]map[string]any) map[string]map[string]any {
	next := make(map[string]map[string]any, len(a.collectors))
	for k, v := range prev {
		next[k] = v
	}

	now := a.now()
	for _, c := range a.collectors {
		name := c.Name()
		result, state, err := a.runCollector(ctx, c, prev[name], now)
		if err != nil {
			a.logger.Error("Problem running server metrics",
				zap.String("collector", name),
				zap.Error(err),
			)
			observability.CollectorFailuresTotal.WithLabelValues(name).Inc()
			continue
		}
		p.ServerMetrics[name] = result
		if state != nil {
			next[name] = state
		} else {
			delete(next, name)
		}
	}
	return next
}

func (a *Assembler) runCollector(ctx context.Context, c Collector, prev map[string]any, now time.Time) (result, state map[string]any, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("collector panicked: %v", r)
		}
	}()
	return c.Collect(ctx, prev, now)
}

// Transmit posts the payload as gzip compressed JSON. Errors are returned
// for the caller to log; a failed check-in never aborts a run.
func (a *Assembler) Transmit(ctx context.Context, p *Payload) (err error) {
	ctx, span := observability.StartSpan(ctx, "checkin.transmit")
	defer func() {
		observability.EndSpan(span, err)
		if err != nil {
			observability.CheckinsTotal.WithLabelValues("failure").Inc()
		} else {
			observability.CheckinsTotal.WithLabelValues("success").Inc()
		}
	}()

	raw, err := json.Marshal(p)
	if err != nil {
		return fmt.Errorf("failed to encode check-in: %w", err)
	}

	var body bytes.Buffer
	gz := gzip.NewWriter(&body)
	if _, err := gz.Write(raw); err != nil {
		return fmt.Errorf("failed to compress check-in: %w", err)
	}
	if err := gz.Close(); err != nil {
		return fmt.Errorf("failed to compress check-in: %w", err)
	}
	observability.CheckinPayloadBytes.Observe(float64(body.Len()))

	if p.Empty() {
		a.logger.Info("No plugin output to report, checking in with metrics only")
	}
	a.logger.Debug("Sending check-in",
		zap.Int("reports", len(p.Reports)),
		zap.Int("alerts", len(p.Alerts)),
		zap.Int("errors", len(p.Errors)),
		zap.Int("summaries", len(p.Summaries)),
		zap.Int("compressed_bytes", body.Len()),
	)

	req, err := a.client.NewRequest(ctx, http.MethodPost, "/clients/"+url.PathEscape(a.clientKey)+"/checkin", nil, &body)
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Content-Encoding", "gzip")

	resp, err := a.client.Do(req)
	if err != nil {
		return fmt.Errorf("unable to check in with the server: %w", err)
	}
	defer transport.Drain(resp)

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return fmt.Errorf("%w: status %d", ErrCheckinRejected, resp.StatusCode)
	}

	a.logger.Info("Check-in sent", zap.String("server", a.client.BaseURL()), zap.Int("status", resp.StatusCode))
	return nil
}
