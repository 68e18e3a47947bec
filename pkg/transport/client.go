// Package transport is the HTTP client shared by plan fetches, pings and check-ins.
package transport

import (
	"compress/flate"
	"compress/gzip"
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"go.uber.org/zap"

	"github.com/cloudless/hostwatch/pkg/observability"
	"github.com/cloudless/hostwatch/pkg/version"
)

// DefaultTimeout bounds every request end to end
const DefaultTimeout = 5 * time.Minute

// MaxBodySize caps how much of a response body is read
const MaxBodySize = 32 << 20

// ErrInvalidBody means a response body arrived but could not be decoded
var ErrInvalidBody = errors.New("invalid response body")

// Config holds client configuration
type Config struct {
	ServerURL   string
	HTTPProxy   string
	HTTPSProxy  string
	Hostname    string
	Roles       string
	Environment string
	TTY         bool
	Timeout     time.Duration
	Logger      *zap.Logger
}

// Client issues requests against the monitoring server
type Client struct {
	base   *url.URL
	http   *http.Client
	config Config
	logger *zap.Logger
}

// New creates a client for cfg.ServerURL
func New(cfg Config) (*Client, error) {
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultTimeout
	}

	base, err := url.Parse(strings.TrimRight(cfg.ServerURL, "/"))
	if err != nil || base.Scheme == "" || base.Host == "" {
		return nil, fmt.Errorf("invalid server URL %q", cfg.ServerURL)
	}

	proxy, err := proxyFunc(cfg.HTTPProxy, cfg.HTTPSProxy)
	if err != nil {
		return nil, err
	}

	rt := &http.Transport{
		Proxy: proxy,
		DialContext: (&net.Dialer{
			Timeout:   30 * time.Second,
			KeepAlive: 30 * time.Second,
		}).DialContext,
		MaxIdleConns:          10,
		IdleConnTimeout:       90 * time.Second,
		TLSHandshakeTimeout:   30 * time.Second,
		ExpectContinueTimeout: 1 * time.Second,
		ForceAttemptHTTP2:     true,
	}

	return &Client{
		base: base,
		http: &http.Client{
			Timeout:   cfg.Timeout,
			Transport: otelhttp.NewTransport(rt),
		},
		config: cfg,
		logger: cfg.Logger,
	}, nil
}

// proxyFunc selects the HTTP proxy for http URLs and the HTTPS proxy for
// https URLs. With neither configured the environment is honoured.
func proxyFunc(httpProxy, httpsProxy string) (func(*http.Request) (*url.URL, error), error) {
	if httpProxy == "" && httpsProxy == "" {
		return http.ProxyFromEnvironment, nil
	}

	parse := func(raw string) (*url.URL, error) {
		if raw == "" {
			return nil, nil
		}
		if !strings.Contains(raw, "://") {
			raw = "http://" + raw
		}
		u, err := url.Parse(raw)
		if err != nil {
			return nil, fmt.Errorf("invalid proxy %q: %w", raw, err)
		}
		return u, nil
	}

	httpURL, err := parse(httpProxy)
	if err != nil {
		return nil, err
	}
	httpsURL, err := parse(httpsProxy)
	if err != nil {
		return nil, err
	}

	return func(req *http.Request) (*url.URL, error) {
		if req.URL.Scheme == "https" {
			return httpsURL, nil
		}
		return httpURL, nil
	}, nil
}

// BaseURL returns the server URL requests are resolved against
func (c *Client) BaseURL() string {
	return c.base.String()
}

// NewRequest builds a request for path with the identity headers attached
func (c *Client) NewRequest(ctx context.Context, method, path string, query url.Values, body io.Reader) (*http.Request, error) {
	u := *c.base
	u.Path = strings.TrimRight(u.Path, "/") + "/" + strings.TrimLeft(path, "/")
	if len(query) > 0 {
		u.RawQuery = query.Encode()
	}

	req, err := http.NewRequestWithContext(ctx, method, u.String(), body)
	if err != nil {
		return nil, fmt.Errorf("failed to build request: %w", err)
	}

	req.Header.Set("Client-Version", version.Version)
	req.Header.Set("Client-Hostname", c.config.Hostname)
	req.Header.Set("Accept-Encoding", "gzip")
	req.Header.Set("X-Hostwatch-Tty", strconv.FormatBool(c.config.TTY))
	if c.config.Roles != "" {
		req.Header.Set("X-Hostwatch-Roles", c.config.Roles)
	}
	if runID := observability.GetRunID(ctx); runID != "" {
		req.Header.Set(observability.RunIDHeader, runID)
	}
	return req, nil
}

// Identity returns the query parameters describing this host
func (c *Client) Identity() url.Values {
	q := url.Values{}
	q.Set("roles", c.config.Roles)
	q.Set("hostname", c.config.Hostname)
	q.Set("env", c.config.Environment)
	q.Set("tty", strconv.FormatBool(c.config.TTY))
	return q
}

// Do sends req
func (c *Client) Do(req *http.Request) (*http.Response, error) {
	start := time.Now()
	resp, err := c.http.Do(req)
	if err != nil {
		c.logger.Debug("Request failed",
			zap.String("method", req.Method),
			zap.String("url", req.URL.Redacted()),
			zap.Error(err),
		)
		return nil, err
	}

	c.logger.Debug("Request completed",
		zap.String("method", req.Method),
		zap.String("url", req.URL.Redacted()),
		zap.Int("status", resp.StatusCode),
		zap.Duration("duration", time.Since(start)),
	)
	return resp, nil
}

// ReadBody reads and closes resp.Body, gunzipping it when the server says
// it is gzip encoded.
func ReadBody(resp *http.Response) ([]byte, error) {
	defer resp.Body.Close()

	var r io.Reader = resp.Body
	if strings.EqualFold(resp.Header.Get("Content-Encoding"), "gzip") {
		gz, err := gzip.NewReader(resp.Body)
		if err != nil {
			return nil, classifyBodyError(err)
		}
		defer gz.Close()
		r = gz
	}

	data, err := io.ReadAll(io.LimitReader(r, MaxBodySize+1))
	if err != nil {
		return nil, classifyBodyError(err)
	}
	if len(data) > MaxBodySize {
		return nil, fmt.Errorf("%w: larger than %d bytes", ErrInvalidBody, MaxBodySize)
	}
	return data, nil
}

// classifyBodyError separates bad encodings from failures reading the
// connection. A stream cut short is a read failure.
func classifyBodyError(err error) error {
	var corrupt flate.CorruptInputError
	if errors.Is(err, gzip.ErrHeader) || errors.Is(err, gzip.ErrChecksum) ||
		errors.As(err, &corrupt) || errors.Is(err, io.EOF) {
		return fmt.Errorf("%w: %v", ErrInvalidBody, err)
	}
	return fmt.Errorf("failed to read body: %w", err)
}

// Drain discards and closes resp.Body so the connection can be reused
func Drain(resp *http.Response) {
	io.Copy(io.Discard, io.LimitReader(resp.Body, 64<<10))
	resp.Body.Close()
}
