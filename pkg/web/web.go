// Package web provides the HTTP status and control API for nettest
package web

import (
	"context"
	"embed"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/gorilla/mux"

	"github.com/krisarmstrong/nettest/pkg/catalog"
	"github.com/krisarmstrong/nettest/pkg/config"
	"github.com/krisarmstrong/nettest/pkg/discovery"
	"github.com/krisarmstrong/nettest/pkg/errkind"
	"github.com/krisarmstrong/nettest/pkg/executor"
	"github.com/krisarmstrong/nettest/pkg/report"
	"github.com/krisarmstrong/nettest/pkg/result"
	"github.com/krisarmstrong/nettest/pkg/session"
)

// Runs starts and cancels background runs
type Runs interface {
	Start(ctx context.Context, channels []config.Channel, defs []catalog.Definition, full bool) (*session.Session, error)
	Cancel() bool
	Status() executor.Status
	Session() *session.Session
}

// Inspector lists the local Ethernet ports
type Inspector interface {
	ListInterfaces(ctx context.Context) ([]discovery.Interface, error)
}

// TestInfo is a catalog entry as served by the API
type TestInfo struct {
	ID          string  `json:"id"`
	Number      int     `json:"number"`
	Name        string  `json:"name"`
	Description string  `json:"description"`
	Kind        string  `json:"kind"`
	Steps       int     `json:"steps"`
	DurationSec float64 `json:"duration_sec"`
	Concurrent  bool    `json:"concurrent"`
	Privileged  bool    `json:"privileged"`
	Stress      bool    `json:"stress"`
}

// StartRequest is the body of POST /api/start. Empty Tests selects the whole
// catalog; empty Channels uses the configured channels.
type StartRequest struct {
	Tests    []string         `json:"tests"`
	Full     bool             `json:"full"`
	Channels []config.Channel `json:"channels"`
}

// ConfigView is the configuration served by GET /api/config
type ConfigView struct {
	Channels         []config.Channel             `json:"channels"`
	ParallelChannels bool                         `json:"parallel_channels"`
	ResultsDir       string                       `json:"results_dir"`
	Thresholds       config.Thresholds            `json:"thresholds"`
	Overrides        map[string]config.Thresholds `json:"threshold_overrides,omitempty"`
	Formats          []config.ReportFormat        `json:"report_formats"`
}

// Server represents the web server
type Server struct {
	addr    string
	router  *mux.Router
	server  *http.Server
	cfg     *config.Config
	runs    Runs
	inspect Inspector
	metrics http.Handler
	logger  *slog.Logger
	version string
	baseCtx context.Context

	// Embedded UI (optional)
	uiFS fs.FS
}

// Option for server configuration
type Option func(*Server)

// WithUI sets the embedded UI filesystem
func WithUI(uiFS embed.FS, subdir string) Option {
	return func(s *Server) {
		sub, err := fs.Sub(uiFS, subdir)
		if err == nil {
			s.uiFS = sub
		}
	}
}

// WithInspector enables /api/interfaces
func WithInspector(i Inspector) Option {
	return func(s *Server) { s.inspect = i }
}

// WithMetrics serves h on /metrics
func WithMetrics(h http.Handler) Option {
	return func(s *Server) { s.metrics = h }
}

// WithLogger sets the logger
func WithLogger(l *slog.Logger) Option {
	return func(s *Server) { s.logger = l }
}

// WithVersion sets the version reported by /api/health
func WithVersion(v string) Option {
	return func(s *Server) { s.version = v }
}

// WithContext sets the parent context of runs started over the API
func WithContext(ctx context.Context) Option {
	return func(s *Server) { s.baseCtx = ctx }
}

// New creates a new web server
func New(addr string, cfg *config.Config, runs Runs, opts ...Option) *Server {
	s := &Server{
		addr:    addr,
		router:  mux.NewRouter(),
		cfg:     cfg,
		runs:    runs,
		logger:  slog.Default(),
		version: "dev",
		baseCtx: context.Background(),
	}

	for _, opt := range opts {
		opt(s)
	}

	s.setupRoutes()
	s.server = &http.Server{
		Addr:              addr,
		Handler:           s.router,
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       10 * time.Second,
		WriteTimeout:      30 * time.Second,
	}
	return s
}

// setupRoutes registers full paths on one router. A PathPrefix subrouter
// would turn method mismatches into 404.
func (s *Server) setupRoutes() {
	r := s.router
	r.MethodNotAllowedHandler = http.HandlerFunc(handleMethodNotAllowed)

	r.HandleFunc("/api", s.handleRoot).Methods(http.MethodGet)
	r.HandleFunc("/api/health", s.handleHealth).Methods(http.MethodGet)
	r.HandleFunc("/api/tests", s.handleTests).Methods(http.MethodGet)
	r.HandleFunc("/api/tests/{id}", s.handleTest).Methods(http.MethodGet)
	r.HandleFunc("/api/interfaces", s.handleInterfaces).Methods(http.MethodGet)
	r.HandleFunc("/api/status", s.handleStatus).Methods(http.MethodGet)
	r.HandleFunc("/api/results", s.handleResults).Methods(http.MethodGet)
	r.HandleFunc("/api/config", s.handleConfig).Methods(http.MethodGet)
	r.HandleFunc("/api/start", s.handleStart).Methods(http.MethodPost)
	r.HandleFunc("/api/cancel", s.handleCancel).Methods(http.MethodPost)

	if s.metrics != nil {
		r.Handle("/metrics", s.metrics).Methods(http.MethodGet)
	}

	// Status page (if embedded), API docs otherwise
	if s.uiFS != nil {
		r.Handle("/", http.FileServer(http.FS(s.uiFS))).Methods(http.MethodGet)
	} else {
		r.HandleFunc("/", s.handleRoot).Methods(http.MethodGet)
	}
}

// Handler returns the router
func (s *Server) Handler() http.Handler {
	return s.router
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, err error) {
	body := map[string]string{"error": err.Error()}
	if k := errkind.Of(err); k != errkind.None {
		body["kind"] = string(k)
	}
	writeJSON(w, status, body)
}

func handleMethodNotAllowed(w http.ResponseWriter, r *http.Request) {
	writeError(w, http.StatusMethodNotAllowed, fmt.Errorf("method %s not allowed on %s", r.Method, r.URL.Path))
}

// localURL is the address curl examples should use
func (s *Server) localURL() string {
	_, port, err := net.SplitHostPort(s.addr)
	if err != nil || port == "" {
		return "http://localhost"
	}
	return "http://localhost:" + port
}

func (s *Server) handleRoot(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "text/html")
	fmt.Fprintf(w, `<!DOCTYPE html>
<html>
<head>
    <title>nettest</title>
    <style>
        body { font-family: system-ui, sans-serif; background: #1a1a2e; color: #eee; margin: 40px; }
        h1 { color: #0f0; }
        h2 { color: #4da6ff; }
        .card { background: #16213e; padding: 20px; border-radius: 8px; margin: 10px 0; }
        pre { background: #0f0f23; padding: 10px; border-radius: 4px; overflow-x: auto; font-size: 13px; }
        a { color: #4da6ff; }
        li { margin: 5px 0; }
    </style>
</head>
<body>
    <h1>nettest %s</h1>
    <div class="card">
        <h2>API Endpoints</h2>
        <ul>
            <li><a href="/api/health">GET /api/health</a> - Health check</li>
            <li><a href="/api/tests">GET /api/tests</a> - Test catalog</li>
            <li>GET /api/tests/{id} - One catalog entry</li>
            <li><a href="/api/interfaces">GET /api/interfaces</a> - Detected Ethernet ports</li>
            <li><a href="/api/status">GET /api/status</a> - Run status</li>
            <li><a href="/api/results">GET /api/results</a> - Results of the latest run</li>
            <li><a href="/api/config">GET /api/config</a> - Channels and thresholds</li>
            <li>POST /api/start - Start a run</li>
            <li>POST /api/cancel - Cancel the run</li>
            <li><a href="/metrics">GET /metrics</a> - Prometheus metrics</li>
        </ul>
    </div>
    <div class="card">
        <h2>Run selected tests</h2>
        <pre>curl -X POST %s/api/start \
  -H "Content-Type: application/json" \
  -d '{"tests":["link","tcp-unidir","udp-100m"]}'</pre>
        <h2>Run the full suite on one channel</h2>
        <pre>curl -X POST %s/api/start \
  -H "Content-Type: application/json" \
  -d '{"full":true,"channels":[{"iface":"eth0","src_ip":"192.168.1.10","end_ip":"192.168.1.20","server_port":5201}]}'</pre>
    </div>
</body>
</html>`, s.version, s.localURL(), s.localURL())
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"status":    "ok",
		"timestamp": time.Now().Unix(),
		"version":   s.version,
	})
}

// testInfo describes d as a run with cfg would execute it
func testInfo(cfg *config.Config, d catalog.Definition) TestInfo {
	d = executor.ResolveDefinition(cfg, d)
	return TestInfo{
		ID:          d.ID,
		Number:      d.Number,
		Name:        d.Name,
		Description: d.Description,
		Kind:        string(d.Kind),
		Steps:       len(d.Steps),
		DurationSec: d.TotalDuration().Seconds(),
		Concurrent:  d.Concurrent,
		Privileged:  d.Privileged,
		Stress:      d.Stress,
	}
}

func (s *Server) handleTests(w http.ResponseWriter, r *http.Request) {
	defs := catalog.List()
	out := make([]TestInfo, 0, len(defs))
	for _, d := range defs {
		out = append(out, testInfo(s.cfg, d))
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) handleTest(w http.ResponseWriter, r *http.Request) {
	d, err := catalog.Get(mux.Vars(r)["id"])
	if err != nil {
		writeError(w, http.StatusNotFound, err)
		return
	}
	writeJSON(w, http.StatusOK, testInfo(s.cfg, d))
}

func (s *Server) handleInterfaces(w http.ResponseWriter, r *http.Request) {
	if s.inspect == nil {
		writeError(w, http.StatusServiceUnavailable, errors.New("interface discovery is not available"))
		return
	}
	ifaces, err := s.inspect.ListInterfaces(r.Context())
	if err != nil {
		writeError(w, http.StatusServiceUnavailable, err)
		return
	}
	writeJSON(w, http.StatusOK, ifaces)
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.runs.Status())
}

func (s *Server) handleResults(w http.ResponseWriter, r *http.Request) {
	sess := s.runs.Session()
	if sess == nil {
		writeJSON(w, http.StatusOK, report.Summary{Results: []result.Result{}})
		return
	}
	writeJSON(w, http.StatusOK, report.Summarize(sess))
}

func (s *Server) handleConfig(w http.ResponseWriter, r *http.Request) {
	view := ConfigView{
		Channels:         s.cfg.Channels,
		ParallelChannels: s.cfg.ParallelChannels,
		ResultsDir:       s.cfg.ResultsDir,
		Thresholds:       s.cfg.Thresholds,
		Formats:          s.cfg.Report.Formats,
	}
	for id, o := range s.cfg.Overrides {
		if o.Thresholds == nil {
			continue
		}
		if view.Overrides == nil {
			view.Overrides = map[string]config.Thresholds{}
		}
		view.Overrides[id] = s.cfg.ThresholdsFor(id)
	}
	writeJSON(w, http.StatusOK, view)
}

func (s *Server) handleStart(w http.ResponseWriter, r *http.Request) {
	var req StartRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, fmt.Errorf("invalid request: %w", err))
		return
	}

	channels := req.Channels
	if len(channels) == 0 {
		channels = s.cfg.Channels
	}
	if len(channels) > config.MaxChannels {
		writeError(w, http.StatusBadRequest, fmt.Errorf("at most %d channels supported, got %d", config.MaxChannels, len(channels)))
		return
	}
	for _, ch := range channels {
		if err := ch.Validate(); err != nil {
			writeError(w, http.StatusBadRequest, err)
			return
		}
	}

	defs, err := catalog.Select(req.Tests)
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}

	sess, err := s.runs.Start(s.baseCtx, channels, defs, req.Full)
	switch {
	case errors.Is(err, executor.ErrBusy):
		writeError(w, http.StatusConflict, err)
		return
	case err != nil:
		writeError(w, http.StatusBadRequest, err)
		return
	}

	s.logger.Info("run started over the API",
		slog.String("session", sess.ID), slog.Int("tests", len(defs)), slog.Bool("full", req.Full))
	writeJSON(w, http.StatusAccepted, map[string]interface{}{
		"status":     executor.StatusRunning,
		"session_id": sess.ID,
		"tests":      len(defs),
	})
}

func (s *Server) handleCancel(w http.ResponseWriter, r *http.Request) {
	if !s.runs.Cancel() {
		writeJSON(w, http.StatusOK, map[string]string{"status": s.runs.Status().State})
		return
	}
	s.logger.Info("run cancelled over the API")
	writeJSON(w, http.StatusOK, map[string]string{"status": executor.StatusCancelled})
}

// Start begins serving HTTP requests. It returns nil once the server is
// shut down, including a shutdown that came first.
func (s *Server) Start() error {
	s.logger.Info("starting web server", slog.String("addr", s.addr))
	err := s.server.ListenAndServe()
	if errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	return err
}

// Shutdown stops the server, waiting for open requests until ctx is done
func (s *Server) Shutdown(ctx context.Context) error {
	return s.server.Shutdown(ctx)
}

// Stop closes the server immediately
func (s *Server) Stop() error {
	return s.server.Close()
}
