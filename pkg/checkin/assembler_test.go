package checkin

import (
	"compress/gzip"
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"

	"github.com/cloudless/hostwatch/pkg/plan"
	"github.com/cloudless/hostwatch/pkg/plugin"
	"github.com/cloudless/hostwatch/pkg/transport"
)

type fakeCollector struct {
	name   string
	result map[string]any
	state  map[string]any
	err    error
	panics bool
	seen   map[string]any
}

func (f *fakeCollector) Name() string { return f.name }

func (f *fakeCollector) Collect(_ context.Context, prev map[string]any, _ time.Time) (map[string]any, map[string]any, error) {
	f.seen = prev
	if f.panics {
		panic("collector exploded")
	}
	return f.result, f.state, f.err
}

func newTestAssembler(t *testing.T, serverURL string, collectors []Collector) *Assembler {
	t.Helper()
	if serverURL == "" {
		serverURL = "http://127.0.0.1:1"
	}
	client, err := transport.New(transport.Config{ServerURL: serverURL, Hostname: "host-1"})
	require.NoError(t, err)

	a, err := NewAssembler(Config{
		Client:     client,
		ClientKey:  "client-key",
		ConfigPath: "/etc/hostwatch",
		ServerName: "web-1",
		Collectors: collectors,
		Snapshot: func(context.Context) (string, error) {
			return "root 1 0.0 0.1 1000 100 ? S 10:00 0:01 /sbin/init", nil
		},
		Logger: zap.NewNop(),
	})
	require.NoError(t, err)
	return a
}

// TestBegin verifies a new payload serializes with empty lists
func TestBegin(t *testing.T) {
	a := newTestAssembler(t, "", []Collector{})
	p := a.Begin("run-1")

	raw, err := json.Marshal(p)
	require.NoError(t, err)

	var doc map[string]any
	require.NoError(t, json.Unmarshal(raw, &doc))
	assert.Equal(t, []any{}, doc["reports"])
	assert.Equal(t, []any{}, doc["errors"])
	assert.Equal(t, "", doc["snapshot"])
	assert.Equal(t, "/etc/hostwatch", doc["config_path"])
	assert.Equal(t, "web-1", doc["server_name"])
	assert.Equal(t, "run-1", doc["run_id"])
	assert.True(t, p.Empty())
}

// TestPayload_AddAndSignatureErrors verifies plugin entries and rejections accumulate
func TestPayload_AddAndSignatureErrors(t *testing.T) {
	a := newTestAssembler(t, "", []Collector{})
	p := a.Begin("run-1")

	p.Add(plugin.Result{
		Reports: []plugin.Entry{{PluginID: "1", Fields: map[string]any{"a": 1}}},
		Alerts:  []plugin.Entry{{PluginID: "1", Fields: map[string]any{"subject": "x"}}},
	})
	p.Add(plugin.Result{Errors: []plugin.Entry{{PluginID: "2"}}})

	now := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)
	p.AddSignatureErrors([]plan.Rejection{{
		Descriptor: plan.Descriptor{ID: "9", Name: "evil"},
		Err:        errors.New("failed verification"),
	}}, now)

	assert.Len(t, p.Reports, 1)
	assert.Len(t, p.Alerts, 1)
	require.Len(t, p.Errors, 2)
	sigErr := p.Errors[1]
	assert.Equal(t, "9", sigErr.PluginID)
	assert.Equal(t, "Code Signature Error", sigErr.Fields["subject"])
	assert.Equal(t, "failed verification", sigErr.Fields["body"])
	assert.Equal(t, "2024-03-01 12:00:00", sigErr.CreatedAt)
	assert.False(t, p.Empty())
}

// TestCollectServerMetrics_Isolation verifies one failing collector does not
// affect the others and keeps its previous state
func TestCollectServerMetrics_Isolation(t *testing.T) {
	good := &fakeCollector{
		name:   "cpu",
		result: map[string]any{"user": 12.5},
		state:  map[string]any{"at": float64(2)},
	}
	failing := &fakeCollector{name: "disk", err: errors.New("no partitions")}
	panicking := &fakeCollector{name: "network", panics: true}
	stateless := &fakeCollector{name: "memory", result: map[string]any{"size": 1024.0}}

	a := newTestAssembler(t, "", []Collector{good, failing, panicking, stateless})
	p := a.Begin("run-1")

	prev := map[string]map[string]any{
		"cpu":     {"at": float64(1)},
		"disk":    {"at": float64(1), "sda.reads": float64(10)},
		"network": {"at": float64(1)},
	}
	next := a.CollectServerMetrics(context.Background(), p, prev)

	assert.Equal(t, map[string]any{"at": float64(1)}, good.seen, "collector receives its previous state")
	assert.Equal(t, map[string]any{"user": 12.5}, p.ServerMetrics["cpu"])
	assert.Equal(t, map[string]any{"size": 1024.0}, p.ServerMetrics["memory"])
	assert.NotContains(t, p.ServerMetrics, "disk")
	assert.NotContains(t, p.ServerMetrics, "network")

	assert.Equal(t, float64(2), next["cpu"]["at"])
	assert.Equal(t, prev["disk"], next["disk"], "failed collectors keep their state")
	assert.Equal(t, prev["network"], next["network"])
	assert.NotContains(t, next, "memory")
}

// TestTakeSnapshot verifies the snapshot is stored and failures leave it empty
func TestTakeSnapshot(t *testing.T) {
	a := newTestAssembler(t, "", []Collector{})
	p := a.Begin("run-1")
	a.TakeSnapshot(context.Background(), p)
	assert.Contains(t, p.Snapshot, "/sbin/init")

	a.snapshot = func(context.Context) (string, error) { return "", errors.New("denied") }
	p = a.Begin("run-2")
	a.TakeSnapshot(context.Background(), p)
	assert.Empty(t, p.Snapshot)
}

// TestTransmit verifies the payload is posted as gzip JSON
func TestTransmit(t *testing.T) {
	var received map[string]any
	var headers http.Header
	var path string

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		headers = r.Header.Clone()
		path = r.URL.Path
		gz, err := gzip.NewReader(r.Body)
		if err != nil {
			w.WriteHeader(http.StatusBadRequest)
			return
		}
		raw, _ := io.ReadAll(gz)
		_ = json.Unmarshal(raw, &received)
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	a := newTestAssembler(t, srv.URL, []Collector{})
	p := a.Begin("run-1")
	p.Add(plugin.Result{Reports: []plugin.Entry{{PluginID: "1", CreatedAt: "2024-03-01 12:00:00", Fields: map[string]any{"load": 1.5}}}})

	require.NoError(t, a.Transmit(context.Background(), p))

	assert.Equal(t, "/clients/client-key/checkin", path)
	assert.Equal(t, "application/json", headers.Get("Content-Type"))
	assert.Equal(t, "gzip", headers.Get("Content-Encoding"))
	assert.Equal(t, "host-1", headers.Get("Client-Hostname"))

	require.NotNil(t, received)
	reports := received["reports"].([]any)
	require.Len(t, reports, 1)
	assert.Equal(t, "1", reports[0].(map[string]any)["plugin_id"])
}

// TestTransmit_Failures verifies rejected and unreachable check-ins return errors
func TestTransmit_Failures(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	a := newTestAssembler(t, srv.URL, []Collector{})
	err := a.Transmit(context.Background(), a.Begin("run-1"))
	assert.ErrorIs(t, err, ErrCheckinRejected)

	srv.Close()
	err = a.Transmit(context.Background(), a.Begin("run-2"))
	assert.Error(t, err)
}

// TestTransmit_LogsEmptyPayload verifies a check-in without plugin output is
// still sent and noted in the log along with the server it went to
func TestTransmit_LogsEmptyPayload(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	core, logs := observer.New(zapcore.DebugLevel)
	a := newTestAssembler(t, srv.URL, []Collector{})
	a.logger = zap.New(core)

	p := a.Begin("run-1")
	require.True(t, p.Empty())
	require.NoError(t, a.Transmit(context.Background(), p))

	assert.Equal(t, 1, logs.FilterMessage("No plugin output to report, checking in with metrics only").Len())
	sent := logs.FilterMessage("Check-in sent").All()
	require.Len(t, sent, 1)
	assert.Equal(t, srv.URL, sent[0].ContextMap()["server"])

	logs.TakeAll()
	p = a.Begin("run-2")
	p.Add(plugin.Result{Reports: []plugin.Entry{{PluginID: "1", Fields: map[string]any{"load": 1.0}}}})
	require.False(t, p.Empty())
	require.NoError(t, a.Transmit(context.Background(), p))
	assert.Zero(t, logs.FilterMessage("No plugin output to report, checking in with metrics only").Len())
}
