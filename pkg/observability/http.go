package observability

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
)

// MetricsServer exposes Prometheus metrics, liveness and recent engine
// events while the agent runs on its own schedule.
type MetricsServer struct {
	addr     string
	events   *EventStream
	logger   *zap.Logger
	server   *http.Server
	listener net.Listener
	lastRun  atomic.Int64
}

// NewMetricsServer creates a metrics server. events may be nil, in which
// case /events reports an empty list.
func NewMetricsServer(addr string, events *EventStream, logger *zap.Logger) *MetricsServer {
	ms := &MetricsServer{
		addr:   addr,
		events: events,
		logger: logger,
	}
	ms.server = &http.Server{
		Handler:           ms.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
	}
	return ms
}

// Handler returns the mux serving /metrics, /healthz, /readyz and /events
func (ms *MetricsServer) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	mux.HandleFunc("/healthz", ms.healthz)
	mux.HandleFunc("/readyz", ms.readyz)
	mux.HandleFunc("/events", ms.listEvents)
	return mux
}

// RecordRun notes a successful invocation; the server is ready from then on
func (ms *MetricsServer) RecordRun(at time.Time) {
	ms.lastRun.Store(at.Unix())
}

// Start binds the listen address and serves in the background. Bind
// failures are returned.
func (ms *MetricsServer) Start() error {
	ln, err := net.Listen("tcp", ms.addr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", ms.addr, err)
	}
	ms.listener = ln
	ms.logger.Info("Serving metrics", zap.String("address", ln.Addr().String()))

	go func() {
		if err := ms.server.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			ms.logger.Error("Metrics server error", zap.Error(err))
		}
	}()
	return nil
}

// Addr returns the bound address, or the configured one before Start
func (ms *MetricsServer) Addr() string {
	if ms.listener != nil {
		return ms.listener.Addr().String()
	}
	return ms.addr
}

// Stop shuts the server down gracefully
func (ms *MetricsServer) Stop(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	if err := ms.server.Shutdown(ctx); err != nil {
		return fmt.Errorf("failed to shutdown metrics server: %w", err)
	}
	return nil
}

type healthStatus struct {
	Status  string     `json:"status"`
	LastRun *time.Time `json:"last_run,omitempty"`
}

func (ms *MetricsServer) status() healthStatus {
	st := healthStatus{Status: "starting"}
	if unix := ms.lastRun.Load(); unix > 0 {
		t := time.Unix(unix, 0).UTC()
		st.Status = "ok"
		st.LastRun = &t
	}
	return st
}

func (ms *MetricsServer) healthz(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, ms.status())
}

func (ms *MetricsServer) readyz(w http.ResponseWriter, r *http.Request) {
	st := ms.status()
	code := http.StatusOK
	if st.LastRun == nil {
		code = http.StatusServiceUnavailable
	}
	writeJSON(w, code, st)
}

// listEvents returns recent events, filtered by repeated ?type= parameters
func (ms *MetricsServer) listEvents(w http.ResponseWriter, r *http.Request) {
	events := []Event{}
	if ms.events != nil {
		var types []EventType
		for _, t := range r.URL.Query()["type"] {
			types = append(types, EventType(t))
		}
		events = ms.events.Events(types...)
	}
	writeJSON(w, http.StatusOK, events)
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(v)
}
