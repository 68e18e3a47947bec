package agent

import (
	"compress/gzip"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strconv"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/cloudless/hostwatch/pkg/checkin"
	"github.com/cloudless/hostwatch/pkg/history"
	"github.com/cloudless/hostwatch/pkg/observability"
	"github.com/cloudless/hostwatch/pkg/plan"
	"github.com/cloudless/hostwatch/pkg/signature"
	"github.com/cloudless/hostwatch/test/testutil"
)

const loadPlugin = "#!/bin/sh\n# hostwatch:plugin\ncat >/dev/null\necho '{\"report\":{\"load\":1},\"memory\":{\"runs\":1}}'\n"

type fakeServer struct {
	*httptest.Server
	pings       atomic.Int32
	planHits    atomic.Int32
	planStatus  int
	checkStatus atomic.Int32

	mu       sync.Mutex
	checkins []map[string]any
}

func (s *fakeServer) received() []map[string]any {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]map[string]any(nil), s.checkins...)
}

func newFakeServer(t *testing.T, keys testutil.KeyPair, planStatus, checkStatus int) *fakeServer {
	t.Helper()

	sig, err := signature.Sign(keys.PrivatePEM, loadPlugin)
	require.NoError(t, err)

	body, err := json.Marshal(map[string]any{
		"plugins": []map[string]any{
			{"id": 1, "name": "load", "code": loadPlugin, "signature": sig, "timeout": 10},
			{"id": 2, "name": "unsigned", "code": "echo '{}'"},
		},
		"directives": map[string]any{
			"interval":       30,
			"ping_key":       "ping-key",
			"sleep_interval": 60,
		},
	})
	require.NoError(t, err)

	fs := &fakeServer{planStatus: planStatus}
	fs.checkStatus.Store(int32(checkStatus))
	mux := http.NewServeMux()
	mux.HandleFunc("/clients/ping-key/ping", func(w http.ResponseWriter, r *http.Request) {
		fs.pings.Add(1)
		if r.Header.Get("If-Modified-Since") != "" {
			w.WriteHeader(http.StatusNotModified)
			return
		}
		w.WriteHeader(http.StatusOK)
	})
	mux.HandleFunc("/clients/client-key/plan", func(w http.ResponseWriter, r *http.Request) {
		fs.planHits.Add(1)
		if fs.planStatus != http.StatusOK {
			w.WriteHeader(fs.planStatus)
			return
		}
		w.Header().Set("Last-Modified", "Wed, 01 May 2024 10:00:00 GMT")
		w.Write(body)
	})
	mux.HandleFunc("/clients/client-key/checkin", func(w http.ResponseWriter, r *http.Request) {
		gz, err := gzip.NewReader(r.Body)
		if err == nil {
			raw, _ := io.ReadAll(gz)
			var doc map[string]any
			if json.Unmarshal(raw, &doc) == nil {
				fs.mu.Lock()
				fs.checkins = append(fs.checkins, doc)
				fs.mu.Unlock()
			}
		}
		w.WriteHeader(int(fs.checkStatus.Load()))
	})
	fs.Server = httptest.NewServer(mux)
	t.Cleanup(fs.Close)
	return fs
}

type testEnv struct {
	dir    string
	keys   testutil.KeyPair
	server *fakeServer
	sleeps []time.Duration
	runLog *observability.RunLog
}

func newTestEnv(t *testing.T, planStatus, checkStatus int) *testEnv {
	t.Helper()
	keys := testutil.GenerateRSAKeyPair(t)
	dir := t.TempDir()
	return &testEnv{
		dir:    dir,
		keys:   keys,
		server: newFakeServer(t, keys, planStatus, checkStatus),
		runLog: observability.NewRunLog(filepath.Join(dir, LatestRunLogName)),
	}
}

func (e *testEnv) historyPath() string {
	return filepath.Join(e.dir, HistoryFileName)
}

func (e *testEnv) newAgent(t *testing.T, force bool) *Agent {
	t.Helper()
	logger := zap.New(e.runLog.Core())
	a, err := New(context.Background(), &Config{
		ServerURL:   e.server.URL,
		ClientKey:   "client-key",
		HistoryPath: e.historyPath(),
		ServerName:  "web-1",
		Hostname:    "host-1",
		Force:       force,
		DisableWASM: true,
		PrimaryKey:  e.keys.PublicPEM,
		Collectors:  []checkin.Collector{},
		Snapshot: func(context.Context) (string, error) {
			return "root 1 /sbin/init", nil
		},
		Sleep: func(_ context.Context, d time.Duration) error {
			e.sleeps = append(e.sleeps, d)
			return nil
		},
		RunLog: e.runLog,
		Logger: logger,
	})
	require.NoError(t, err)
	t.Cleanup(func() { a.Close(context.Background()) })
	return a
}

// TestConfig_Validate verifies required fields and defaults
func TestConfig_Validate(t *testing.T) {
	cfg := &Config{Logger: zap.NewNop()}
	assert.Error(t, cfg.Validate(), "client key is required")

	cfg.ClientKey = "k"
	require.NoError(t, cfg.Validate())
	assert.Equal(t, DefaultServerURL, cfg.ServerURL)
	assert.Equal(t, HistoryFileName, filepath.Base(cfg.HistoryPath))
	assert.NotEmpty(t, cfg.Hostname)
	assert.NotNil(t, cfg.RunLog)

	assert.Error(t, (&Config{ClientKey: "k"}).Validate(), "logger is required")
}

// TestRunOnce_FirstRunChecksIn verifies a fresh host fetches the plan, runs
// the verified plugins and checks in
func TestRunOnce_FirstRunChecksIn(t *testing.T) {
	env := newTestEnv(t, http.StatusOK, http.StatusOK)
	a := env.newAgent(t, false)

	out, err := a.RunOnce(context.Background())
	require.NoError(t, err)

	assert.True(t, out.NewPlan)
	assert.True(t, out.CheckedIn)
	assert.NoError(t, out.CheckinErr)
	assert.Empty(t, env.sleeps, "no sleep directive is known before the first plan")
	assert.Equal(t, int32(0), env.server.pings.Load(), "no ping key before the first plan")
	assert.Equal(t, int32(1), env.server.planHits.Load())

	require.Len(t, out.Plugins, 1, "the unsigned plugin is excluded")
	assert.Equal(t, "1-load", out.Plugins[0].Key)

	checkins := env.server.received()
	require.Len(t, checkins, 1)
	payload := checkins[0]
	assert.Len(t, payload["reports"], 1)
	errs := payload["errors"].([]any)
	require.Len(t, errs, 1)
	fields := errs[0].(map[string]any)["fields"].(map[string]any)
	assert.Equal(t, "Code Signature Error", fields["subject"])
	assert.Equal(t, "web-1", payload["server_name"])
	assert.Equal(t, env.dir, payload["config_path"])
	assert.Equal(t, out.RunID, payload["run_id"])

	doc, status := history.NewStore(env.historyPath(), zap.NewNop()).Load("client-key")
	assert.Equal(t, history.StatusLoaded, status)
	require.NotNil(t, doc.LastCheckin)
	assert.Equal(t, "client-key", doc.LastClientKey)
	assert.Equal(t, "Wed, 01 May 2024 10:00:00 GMT", doc.PlanLastModified)
	assert.Equal(t, "ping-key", doc.Directives.PingKey())
	require.Len(t, doc.OldPlugins, 1)
	lastRun, memory := doc.Lookup("1-load", "load")
	assert.NotNil(t, lastRun)
	assert.Equal(t, 1, memory["runs"])

	logData, err := os.ReadFile(filepath.Join(env.dir, LatestRunLogName))
	require.NoError(t, err)
	assert.Contains(t, string(logData), "Now checking in with new plugin plan")

	assert.NotEmpty(t, a.Events().Events(observability.EventCheckinSent))
	assert.NotEmpty(t, a.Events().Events(observability.EventPluginRejected))
}

// TestRunOnce_PingOnlyRun verifies an unchanged plan inside the interval
// only pings and appends to the run log
func TestRunOnce_PingOnlyRun(t *testing.T) {
	env := newTestEnv(t, http.StatusOK, http.StatusOK)

	_, err := env.newAgent(t, false).RunOnce(context.Background())
	require.NoError(t, err)

	out, err := env.newAgent(t, false).RunOnce(context.Background())
	require.NoError(t, err)

	assert.False(t, out.NewPlan)
	assert.False(t, out.CheckedIn)
	assert.NotEmpty(t, out.NextCheckin)
	assert.Equal(t, []time.Duration{time.Minute}, env.sleeps)
	assert.Equal(t, int32(1), env.server.pings.Load())
	assert.Equal(t, int32(1), env.server.planHits.Load())
	assert.Len(t, env.server.received(), 1)

	doc, _ := history.NewStore(env.historyPath(), zap.NewNop()).Load("client-key")
	assert.NotNil(t, doc.LastPing)

	logData, err := os.ReadFile(filepath.Join(env.dir, LatestRunLogName))
	require.NoError(t, err)
	assert.Contains(t, string(logData), "Now checking in with new plugin plan", "ping-only runs append")
	assert.Contains(t, string(logData), "Not time to check in yet")
}

// TestRunOnce_Force verifies --force checks in without sleeping
func TestRunOnce_Force(t *testing.T) {
	env := newTestEnv(t, http.StatusOK, http.StatusOK)

	_, err := env.newAgent(t, false).RunOnce(context.Background())
	require.NoError(t, err)

	out, err := env.newAgent(t, true).RunOnce(context.Background())
	require.NoError(t, err)

	assert.True(t, out.CheckedIn)
	assert.Empty(t, env.sleeps)
	assert.Len(t, env.server.received(), 2)
	require.Len(t, out.Plugins, 1)
}

// TestRunOnce_PlanFailureIsFatal verifies a failed plan download aborts
// without touching the history file
func TestRunOnce_PlanFailureIsFatal(t *testing.T) {
	env := newTestEnv(t, http.StatusInternalServerError, http.StatusOK)

	_, err := env.newAgent(t, false).RunOnce(context.Background())
	require.Error(t, err)
	assert.ErrorIs(t, err, plan.ErrTransport)

	_, statErr := os.Stat(env.historyPath())
	assert.True(t, os.IsNotExist(statErr))
	assert.Empty(t, env.server.received())
}

// TestRunOnce_CheckinFailureIsNotFatal verifies a rejected check-in does not
// fail the run and is retried by the next invocation
func TestRunOnce_CheckinFailureIsNotFatal(t *testing.T) {
	env := newTestEnv(t, http.StatusOK, http.StatusServiceUnavailable)

	out, err := env.newAgent(t, false).RunOnce(context.Background())
	require.NoError(t, err)
	assert.True(t, out.CheckedIn)
	assert.ErrorIs(t, out.CheckinErr, checkin.ErrCheckinRejected)

	doc, _ := history.NewStore(env.historyPath(), zap.NewNop()).Load("client-key")
	assert.Nil(t, doc.LastCheckin, "a failed check-in is not recorded")
	lastRun, _ := doc.Lookup("1-load", "load")
	assert.Nil(t, lastRun, "plugin records do not advance past an unsent check-in")

	env.server.checkStatus.Store(http.StatusOK)
	out, err = env.newAgent(t, false).RunOnce(context.Background())
	require.NoError(t, err)
	assert.True(t, out.CheckedIn)
	assert.NoError(t, out.CheckinErr)
	assert.Len(t, env.server.received(), 2)

	doc, _ = history.NewStore(env.historyPath(), zap.NewNop()).Load("client-key")
	assert.NotNil(t, doc.LastCheckin)
}

// TestRunOnce_AlreadyRunning verifies a live lock holder stops the run
func TestRunOnce_AlreadyRunning(t *testing.T) {
	env := newTestEnv(t, http.StatusOK, http.StatusOK)
	testutil.WriteFile(t, env.dir, PIDFileName, strconv.Itoa(os.Getpid()))

	_, err := env.newAgent(t, false).RunOnce(context.Background())
	assert.ErrorIs(t, err, ErrAlreadyRunning)
	assert.Empty(t, env.server.received())
}

// TestRunOnce_ClientKeyChange verifies history from another key is discarded
func TestRunOnce_ClientKeyChange(t *testing.T) {
	env := newTestEnv(t, http.StatusOK, http.StatusOK)

	old := history.Blank("other-key")
	old.Record("1-load", "load", time.Now(), map[string]any{"runs": 99})
	require.NoError(t, history.NewStore(env.historyPath(), zap.NewNop()).Save(old))

	a := env.newAgent(t, false)
	_, err := a.RunOnce(context.Background())
	require.NoError(t, err)

	assert.NotEmpty(t, a.Events().Events(observability.EventHistoryReset))

	doc, _ := history.NewStore(env.historyPath(), zap.NewNop()).Load("client-key")
	_, memory := doc.Lookup("1-load", "load")
	assert.Equal(t, 1, memory["runs"], "records from the previous key are gone")
}

// TestRunOnce_AccountKeyChangeRefreshesPlan verifies installing an account
// key triggers a plan download on the next run
func TestRunOnce_AccountKeyChangeRefreshesPlan(t *testing.T) {
	env := newTestEnv(t, http.StatusOK, http.StatusOK)

	_, err := env.newAgent(t, false).RunOnce(context.Background())
	require.NoError(t, err)

	account := testutil.GenerateEd25519KeyPair(t)
	testutil.WriteFile(t, env.dir, signature.AccountKeyFileName, string(account.PublicPEM))

	out, err := env.newAgent(t, false).RunOnce(context.Background())
	require.NoError(t, err)

	assert.True(t, out.NewPlan)
	assert.Equal(t, int32(0), env.server.pings.Load())
	assert.Equal(t, int32(2), env.server.planHits.Load())
}

// TestRunOnce_FailingPluginIsIsolated verifies a plugin that fails at run time
// produces one error entry and leaves the other plugins and the run intact
func TestRunOnce_FailingPluginIsIsolated(t *testing.T) {
	env := newTestEnv(t, http.StatusOK, http.StatusOK)
	testutil.WriteFile(t, env.dir, "broken.plugin",
		"#!/bin/sh\n# hostwatch:plugin\necho 'undefined method' >&2\nexit 3\n")

	out, err := env.newAgent(t, false).RunOnce(context.Background())
	require.NoError(t, err)
	assert.True(t, out.CheckedIn)
	require.Len(t, out.Plugins, 2)

	checkins := env.server.received()
	require.Len(t, checkins, 1)
	payload := checkins[0]
	assert.Len(t, payload["reports"], 1, "the healthy plugin still reports")

	var runtimeErrors []map[string]any
	for _, e := range payload["errors"].([]any) {
		entry := e.(map[string]any)
		if entry["fields"].(map[string]any)["subject"] == "Plugin failed to run" {
			runtimeErrors = append(runtimeErrors, entry)
		}
	}
	require.Len(t, runtimeErrors, 1)
	assert.Equal(t, "broken.plugin", runtimeErrors[0]["local_filename"])
}

// TestRunOnce_PingOnlyRunDefersToLockHolder verifies a ping-only run does not
// write the history while another process holds the lock
func TestRunOnce_PingOnlyRunDefersToLockHolder(t *testing.T) {
	env := newTestEnv(t, http.StatusOK, http.StatusOK)

	_, err := env.newAgent(t, false).RunOnce(context.Background())
	require.NoError(t, err)
	before, err := os.ReadFile(env.historyPath())
	require.NoError(t, err)

	testutil.WriteFile(t, env.dir, PIDFileName, strconv.Itoa(os.Getpid()))
	out, err := env.newAgent(t, false).RunOnce(context.Background())
	require.NoError(t, err)
	assert.False(t, out.CheckedIn)
	assert.Equal(t, int32(1), env.server.pings.Load())

	after, err := os.ReadFile(env.historyPath())
	require.NoError(t, err)
	assert.Equal(t, string(before), string(after), "history is left to the lock holder")
}
