// Package plan fetches, verifies and caches the plugin plan.
package plan

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"

	"go.uber.org/zap"

	"github.com/cloudless/hostwatch/pkg/observability"
	"github.com/cloudless/hostwatch/pkg/transport"
)

var (
	// ErrMalformedPlan means the server signalled a new plan but sent an unusable body
	ErrMalformedPlan = errors.New("malformed plan")

	// ErrTransport means the server could not be reached or refused the request
	ErrTransport = errors.New("plan transport failure")
)

// Verifier decides whether a plan entry may run
type Verifier interface {
	Check(d *Descriptor) error
}

// Cache is the plan state carried over from the previous invocation
type Cache struct {
	Plugins           []Descriptor
	Directives        Directives
	LastModified      string
	AccountKeyChanged bool
	// SkipPing reuses a non-empty cached plan without contacting the server
	SkipPing bool
}

// Rejection is a plan entry that failed verification
type Rejection struct {
	Descriptor Descriptor
	Err        error
}

// Result is the outcome of one Fetch
type Result struct {
	// Plugins is the live list: verified remote plugins plus local plugins
	Plugins    []Descriptor
	Directives Directives
	// Refreshed is set when a new plan body was fetched
	Refreshed    bool
	LastModified string
	// Cacheable is the verified server plan to persist, set only when Refreshed
	Cacheable []Descriptor
	Rejected  []Rejection
}

// FetcherConfig holds fetcher configuration
type FetcherConfig struct {
	Client    *transport.Client
	ClientKey string
	ConfigDir string
	Verifier  Verifier
	Logger    *zap.Logger
}

// Fetcher retrieves the plan from the server
type Fetcher struct {
	client    *transport.Client
	clientKey string
	configDir string
	verifier  Verifier
	logger    *zap.Logger
}

// NewFetcher creates a plan fetcher
func NewFetcher(cfg FetcherConfig) (*Fetcher, error) {
	if cfg.Client == nil {
		return nil, fmt.Errorf("client is required")
	}
	if cfg.ClientKey == "" {
		return nil, fmt.Errorf("client key is required")
	}
	if cfg.Verifier == nil {
		return nil, fmt.Errorf("verifier is required")
	}
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}

	return &Fetcher{
		client:    cfg.Client,
		clientKey: cfg.ClientKey,
		configDir: cfg.ConfigDir,
		verifier:  cfg.Verifier,
		logger:    cfg.Logger,
	}, nil
}

// Fetch pings the server and, when the plan changed, downloads and
// verifies it. Otherwise the cached plan is reused.
func (f *Fetcher) Fetch(ctx context.Context, cache Cache) (result *Result, err error) {
	ctx, span := observability.StartSpan(ctx, "plan.fetch")
	defer func() { observability.EndSpan(span, err) }()

	modified, err := f.checkModified(ctx, cache)
	if err != nil {
		observability.PlanFetchesTotal.WithLabelValues("transport_error").Inc()
		return nil, err
	}

	if !modified {
		f.logger.Info("Plan not modified")
		observability.PlanFetchesTotal.WithLabelValues("not_modified").Inc()

		plugins := make([]Descriptor, 0, len(cache.Plugins))
		for _, p := range cache.Plugins {
			plugins = append(plugins, p.Clone())
		}
		plugins = append(plugins, DiscoverLocal(f.configDir, plugins, f.logger)...)

		result := &Result{
			Plugins:      runnable(plugins),
			Directives:   cache.Directives.Clone(),
			LastModified: cache.LastModified,
		}
		if result.Directives == nil {
			result.Directives = Directives{}
		}
		observability.PlanPluginsCount.Set(float64(len(result.Plugins)))
		return result, nil
	}

	result, err = f.fetchPlan(ctx)
	if err != nil {
		if errors.Is(err, ErrMalformedPlan) {
			observability.PlanFetchesTotal.WithLabelValues("malformed").Inc()
		} else {
			observability.PlanFetchesTotal.WithLabelValues("transport_error").Inc()
		}
		return nil, err
	}

	observability.PlanFetchesTotal.WithLabelValues("refreshed").Inc()
	observability.PlanPluginsCount.Set(float64(len(result.Plugins)))
	return result, nil
}

// checkModified decides whether a plan body must be fetched
func (f *Fetcher) checkModified(ctx context.Context, cache Cache) (bool, error) {
	pingKey := cache.Directives.PingKey()
	if pingKey == "" {
		f.logger.Debug("No ping key cached, refreshing plan")
		return true, nil
	}
	if cache.AccountKeyChanged {
		f.logger.Info("Account public key changed, refreshing plan")
		return true, nil
	}
	if cache.SkipPing && len(cache.Plugins) > 0 {
		f.logger.Debug("Ping not due, reusing cached plan")
		return false, nil
	}

	req, err := f.client.NewRequest(ctx, http.MethodGet, "/clients/"+url.PathEscape(pingKey)+"/ping", f.client.Identity(), nil)
	if err != nil {
		return false, fmt.Errorf("%w: %v", ErrTransport, err)
	}
	if cache.LastModified != "" && len(cache.Plugins) > 0 {
		req.Header.Set("If-Modified-Since", cache.LastModified)
	}

	f.logger.Debug("Pinging server", zap.String("url", req.URL.Redacted()))
	resp, err := f.client.Do(req)
	if err != nil {
		return false, fmt.Errorf("%w: ping: %v", ErrTransport, err)
	}
	defer transport.Drain(resp)

	switch {
	case resp.StatusCode == http.StatusNotModified:
		return false, nil
	case resp.StatusCode >= 200 && resp.StatusCode < 300:
		return true, nil
	default:
		return false, fmt.Errorf("%w: ping returned %s", ErrTransport, resp.Status)
	}
}

func (f *Fetcher) fetchPlan(ctx context.Context) (*Result, error) {
	query := url.Values{}
	identity := f.client.Identity()
	query.Set("roles", identity.Get("roles"))
	query.Set("fqdn", identity.Get("hostname"))
	query.Set("tty", identity.Get("tty"))

	req, err := f.client.NewRequest(ctx, http.MethodGet, "/clients/"+url.PathEscape(f.clientKey)+"/plan", query, nil)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrTransport, err)
	}

	f.logger.Debug("Fetching plan", zap.String("url", req.URL.Redacted()))
	resp, err := f.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: plan: %v", ErrTransport, err)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		transport.Drain(resp)
		return nil, fmt.Errorf("%w: plan returned %s", ErrTransport, resp.Status)
	}

	body, err := transport.ReadBody(resp)
	if errors.Is(err, transport.ErrInvalidBody) {
		return nil, fmt.Errorf("%w: %v", ErrMalformedPlan, err)
	}
	if err != nil {
		return nil, fmt.Errorf("%w: plan: %v", ErrTransport, err)
	}

	var p Plan
	if err := json.Unmarshal(body, &p); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedPlan, err)
	}
	if p.Directives == nil {
		p.Directives = Directives{}
	}

	result := &Result{
		Directives:   p.Directives,
		Refreshed:    true,
		LastModified: resp.Header.Get("Last-Modified"),
	}

	verified := make([]Descriptor, 0, len(p.Plugins))
	for i := range p.Plugins {
		d := p.Plugins[i]
		if err := f.verifier.Check(&d); err != nil {
			f.logger.Warn("Plugin failed signature verification, it will not run",
				zap.String("plugin", d.Name),
				zap.Error(err),
			)
			result.Rejected = append(result.Rejected, Rejection{Descriptor: d, Err: err})
			continue
		}
		verified = append(verified, d)
	}

	result.Cacheable = make([]Descriptor, 0, len(verified))
	for _, d := range verified {
		result.Cacheable = append(result.Cacheable, d.Clone())
	}

	plugins := append(verified, DiscoverLocal(f.configDir, verified, f.logger)...)
	result.Plugins = runnable(plugins)

	names := make([]string, 0, len(result.Plugins))
	for _, d := range result.Plugins {
		names = append(names, d.Name)
	}
	f.logger.Info("Plan loaded",
		zap.Int("plugins", len(result.Plugins)),
		zap.Strings("names", names),
		zap.Int("rejected", len(result.Rejected)),
	)
	return result, nil
}

// runnable drops entries that carry no code
func runnable(plugins []Descriptor) []Descriptor {
	out := plugins[:0:0]
	for _, d := range plugins {
		if d.Code == "" {
			continue
		}
		out = append(out, d)
	}
	return out
}
