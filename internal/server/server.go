// Package server runs the keepalive HTTP listener: a plain liveness route for
// hosting platforms, health, Prometheus metrics and the event stream.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"net"
	"net/http"
	"os"
	"runtime"
	"time"

	"github.com/shirou/gopsutil/v3/host"
	"github.com/shirou/gopsutil/v3/process"

	"github.com/lanternops/placewatch/internal/events"
	"github.com/lanternops/placewatch/internal/health"
	"github.com/lanternops/placewatch/internal/logging"
	"github.com/lanternops/placewatch/internal/metrics"
	"github.com/lanternops/placewatch/internal/websocket"
)

var log = logging.L("server")

type Server struct {
	mux     *http.ServeMux
	health  *health.Monitor
	version string
	started time.Time

	server *http.Server
}

// New builds the route table. broker may be nil, which disables /events.
func New(hm *health.Monitor, broker *events.Broker, version string) *Server {
	s := &Server{
		mux:     http.NewServeMux(),
		health:  hm,
		version: version,
		started: time.Now(),
	}

	s.mux.HandleFunc("GET /{$}", s.rootHandler)
	s.mux.HandleFunc("GET /healthz", s.healthHandler)
	s.mux.Handle("GET /metrics", metrics.Handler())
	if broker != nil {
		s.mux.Handle("GET /events", websocket.NewStreamer(broker))
	}
	return s
}

// Handler returns the route table for embedding or tests.
func (s *Server) Handler() http.Handler {
	return s.mux
}

// Serve accepts connections on l until Shutdown.
func (s *Server) Serve(l net.Listener) error {
	s.server = &http.Server{
		Handler:           s.mux,
		ReadHeaderTimeout: 5 * time.Second,
		IdleTimeout:       60 * time.Second,
	}
	log.Info("keepalive listening", "addr", l.Addr().String())
	if err := s.server.Serve(l); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// ListenAndServe listens on addr and serves until Shutdown.
func (s *Server) ListenAndServe(addr string) error {
	l, err := net.Listen("tcp", addr)
	if err != nil {
		return err
	}
	return s.Serve(l)
}

func (s *Server) Shutdown(ctx context.Context) error {
	if s.server == nil {
		return nil
	}
	return s.server.Shutdown(ctx)
}

func (s *Server) rootHandler(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok"))
}

// HealthResponse is the /healthz body.
type HealthResponse struct {
	Status     string            `json:"status"`
	Components map[string]string `json:"components"`
	Checks     []health.Check    `json:"checks"`
	Version    string            `json:"version,omitempty"`
	Timestamp  time.Time         `json:"timestamp"`
	Uptime     string            `json:"uptime"`
	Process    *ProcessStats     `json:"process,omitempty"`
	HostUptime uint64            `json:"hostUptimeSeconds,omitempty"`
}

type ProcessStats struct {
	PID        int     `json:"pid"`
	RSSBytes   uint64  `json:"rssBytes"`
	CPUPercent float64 `json:"cpuPercent"`
	Threads    int32   `json:"threads"`
	Goroutines int     `json:"goroutines"`
}

// healthHandler reports component health. Unhealthy answers 503; degraded
// still answers 200 so the host does not restart a watcher that is only
// being rate limited.
func (s *Server) healthHandler(w http.ResponseWriter, r *http.Request) {
	report := s.health.Report()

	resp := HealthResponse{
		Status:     string(report.Status),
		Components: report.ByName(),
		Checks:     report.Components,
		Version:    s.version,
		Timestamp:  time.Now().UTC(),
		Uptime:     time.Since(s.started).Round(time.Second).String(),
		Process:    processStats(),
	}
	if up, err := host.Uptime(); err == nil {
		resp.HostUptime = up
	}

	code := http.StatusOK
	if report.Status == health.Unhealthy {
		code = http.StatusServiceUnavailable
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(resp)
}

func processStats() *ProcessStats {
	p, err := process.NewProcess(int32(os.Getpid()))
	if err != nil {
		log.Debug("process stats unavailable", logging.KeyError, err)
		return nil
	}
	st := &ProcessStats{PID: os.Getpid(), Goroutines: runtime.NumGoroutine()}
	if mem, err := p.MemoryInfo(); err == nil {
		st.RSSBytes = mem.RSS
	}
	if cpu, err := p.CPUPercent(); err == nil {
		st.CPUPercent = cpu
	}
	if n, err := p.NumThreads(); err == nil {
		st.Threads = n
	}
	return st
}
