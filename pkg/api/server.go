package api

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/shirou/gopsutil/v3/host"

	"github.com/ycx81/safety-supervisor/pkg/auth"
	"github.com/ycx81/safety-supervisor/pkg/logging"
	"github.com/ycx81/safety-supervisor/pkg/middleware"
	"github.com/ycx81/safety-supervisor/pkg/mpu"
	"github.com/ycx81/safety-supervisor/pkg/params"
	"github.com/ycx81/safety-supervisor/pkg/safety"
	"github.com/ycx81/safety-supervisor/pkg/selftest"
	"github.com/ycx81/safety-supervisor/pkg/stack"
	"github.com/ycx81/safety-supervisor/pkg/watchdog"
)

// Deps bundles the subsystems the API reads from.
type Deps struct {
	Core      *safety.Core
	Watchdog  *watchdog.Manager
	Stacks    *stack.Monitor
	SelfTest  *selftest.Engine
	Validator *params.Validator
	MPU       *mpu.Unit
	Registry  *prometheus.Registry
}

// Server serves the supervisor diagnostics API. Every endpoint is a pure
// read except error clearing and degraded-mode recovery, both of which
// go through the safety core's own gating.
type Server struct {
	deps     Deps
	log      *logging.Logger
	srv      *http.Server
	keys     *auth.Manager
	certFile string
	keyFile  string
}

// Option configures a Server.
type Option func(*Server)

// WithAuth guards the mutating endpoints with an API key check.
func WithAuth(m *auth.Manager) Option {
	return func(s *Server) { s.keys = m }
}

// WithTLS serves the API over TLS using the given certificate pair.
func WithTLS(certFile, keyFile string) Option {
	return func(s *Server) {
		s.certFile = certFile
		s.keyFile = keyFile
	}
}

// NewServer creates a Server listening on addr.
func NewServer(addr string, deps Deps, log *logging.Logger, opts ...Option) *Server {
	if log == nil {
		log = logging.Nop()
	}
	s := &Server{deps: deps, log: log}
	for _, opt := range opts {
		opt(s)
	}
	if s.keys == nil {
		s.keys = auth.NewManager("")
	}

	r := mux.NewRouter()
	r.Use(middleware.RequestLogger(log))
	r.Use(middleware.RequireKey(s.keys))
	s.RegisterRoutes(r)

	s.srv = &http.Server{
		Addr:         addr,
		Handler:      r,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
	}
	return s
}

// RegisterRoutes attaches all API routes to the router.
func (s *Server) RegisterRoutes(r *mux.Router) {
	r.HandleFunc("/health", s.handleHealth).Methods("GET")
	r.HandleFunc("/api/status", s.handleStatus).Methods("GET")
	r.HandleFunc("/api/errors", s.handleErrors).Methods("GET")
	r.HandleFunc("/api/errors/clear", s.handleClearError).Methods("POST")
	r.HandleFunc("/api/params", s.handleParams).Methods("GET")
	r.HandleFunc("/api/stacks", s.handleStacks).Methods("GET")
	r.HandleFunc("/api/watchdog", s.handleWatchdog).Methods("GET")
	r.HandleFunc("/api/selftest", s.handleSelfTest).Methods("GET")
	r.HandleFunc("/api/mpu", s.handleMPU).Methods("GET")
	r.HandleFunc("/api/recover", s.handleRecover).Methods("POST")
	if s.deps.Registry != nil {
		r.Handle("/metrics", promhttp.HandlerFor(s.deps.Registry, promhttp.HandlerOpts{}))
	}
}

// Start runs the HTTP server until Shutdown. TLS is used when a
// certificate pair was configured.
func (s *Server) Start() error {
	s.log.Info("API server listening", map[string]interface{}{
		"addr": s.srv.Addr,
		"tls":  s.certFile != "",
	})
	var err error
	if s.certFile != "" {
		err = s.srv.ListenAndServeTLS(s.certFile, s.keyFile)
	} else {
		err = s.srv.ListenAndServe()
	}
	if err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("api: serve: %w", err)
	}
	return nil
}

// Shutdown stops the HTTP server gracefully.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.srv.Shutdown(ctx)
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	state := s.deps.Core.GetState()
	status := http.StatusOK
	if state == safety.StateSafe {
		status = http.StatusServiceUnavailable
	}
	writeJSON(w, status, map[string]interface{}{
		"status": "ok",
		"state":  state.String(),
	})
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	ctx := s.deps.Core.Context()

	resp := map[string]interface{}{
		"state":       ctx.State.String(),
		"context":     ctx,
		"uptime_ms":   s.deps.Core.Uptime(),
		"operational": s.deps.Core.IsOperational(),
		"watchdog":    s.deps.Watchdog.Status(),
	}
	if info, err := host.Info(); err == nil {
		resp["host"] = map[string]interface{}{
			"hostname": info.Hostname,
			"os":       info.OS,
			"platform": info.Platform,
			"uptime":   info.Uptime,
		}
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleErrors(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"last_error":  s.deps.Core.LastError().String(),
		"error_count": s.deps.Core.ErrorCount(),
		"recent":      s.deps.Core.RecentErrors(16),
	})
}

func (s *Server) handleClearError(w http.ResponseWriter, r *http.Request) {
	if err := s.deps.Core.ClearError(); err != nil {
		writeJSON(w, http.StatusConflict, map[string]string{"error": err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "cleared"})
}

func (s *Server) handleParams(w http.ResponseWriter, r *http.Request) {
	p, ok := s.deps.Validator.Get()
	resp := map[string]interface{}{
		"valid": ok,
		"stats": s.deps.Validator.Stats(),
	}
	if ok {
		resp["params"] = map[string]interface{}{
			"version":          fmt.Sprintf("0x%04X", p.Version),
			"hall_offset":      p.HallOffset,
			"hall_gain":        p.HallGain,
			"adc_gain":         p.ADCGain,
			"adc_offset":       p.ADCOffset,
			"safety_threshold": p.SafetyThreshold,
		}
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleStacks(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.deps.Stacks.CheckAll())
}

func (s *Server) handleWatchdog(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.deps.Watchdog.Status())
}

func (s *Server) handleSelfTest(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"startup_result": s.deps.SelfTest.StartupResult().String(),
		"flash_crc":      s.deps.SelfTest.FlashCRCContext(),
	})
}

func (s *Server) handleMPU(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"enabled":    s.deps.MPU.IsEnabled(),
		"violations": s.deps.MPU.ViolationCount(),
		"regions":    s.deps.MPU.Regions(),
	})
}

// handleRecover requests DEGRADED -> NORMAL recovery. The transition is
// validated by the safety core; the watchdog token check resumes with a
// clean slate.
func (s *Server) handleRecover(w http.ResponseWriter, r *http.Request) {
	if err := s.deps.Core.EnterNormal(); err != nil {
		writeJSON(w, http.StatusConflict, map[string]string{"error": err.Error()})
		return
	}
	s.deps.Watchdog.ExitDegraded()
	s.log.Info("Degraded mode recovery requested via API")
	writeJSON(w, http.StatusOK, map[string]string{"status": "recovered"})
}
