// Package api serves the OpenCami HTTP endpoints backed by the gateway.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"time"

	"opencami/internal/domain"
	"opencami/internal/infra/config"
	"opencami/internal/infra/middleware"
)

const maxBodyBytes = 1 << 20

// ModelLister returns the models list with its source.
type ModelLister interface {
	List(ctx context.Context) domain.ModelsResult
}

// FollowUpSuggester returns suggested next questions.
type FollowUpSuggester interface {
	Suggest(ctx context.Context, req domain.FollowUpRequest) domain.FollowUpResult
}

// StatusReporter exposes gateway health.
type StatusReporter interface {
	Latest() (domain.HealthStatus, bool)
	Check(ctx context.Context) domain.HealthStatus
}

// ConfigFetcher proxies the gateway's configuration.
type ConfigFetcher interface {
	Get(ctx context.Context) (json.RawMessage, error)
}

// Deps holds the use cases behind the routes.
type Deps struct {
	Models    ModelLister
	FollowUps FollowUpSuggester
	Health    StatusReporter
	Config    ConfigFetcher
	// BreakerState is optional; when set its value is included in the status response.
	BreakerState func() string
}

// Server is the HTTP API.
type Server struct {
	cfg      config.ServerConfig
	deps     Deps
	logger   *slog.Logger
	followUp *requestSchema
	metrics  *Metrics
	started  time.Time

	server    *http.Server
	boundAddr string
	cancel    context.CancelFunc
}

// NewServer creates a Server. It fails only if the built-in request schema
// does not compile.
func NewServer(cfg config.ServerConfig, deps Deps, logger *slog.Logger) (*Server, error) {
	schema, err := compileSchema("followups.json", followUpSchema)
	if err != nil {
		return nil, err
	}
	return &Server{
		cfg:      cfg,
		deps:     deps,
		logger:   logger,
		followUp: schema,
		metrics:  &Metrics{},
		started:  time.Now(),
	}, nil
}

// Metrics returns the server's counters.
func (s *Server) Metrics() *Metrics { return s.metrics }

// Handler returns the routed handler wrapped in the middleware chain. The rate
// limiter's sweeper stops when ctx is done.
func (s *Server) Handler(ctx context.Context) http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /api/models", s.handleModels)
	mux.HandleFunc("POST /api/followups", s.handleFollowUps)
	mux.HandleFunc("GET /api/gateway/status", s.handleStatus)
	mux.HandleFunc("GET /api/gateway/config", s.handleConfig)
	mux.HandleFunc("GET /healthz", s.handleHealthz)
	mux.HandleFunc("GET /metrics", s.handleMetrics)

	return middleware.Chain(s.metrics.countRequests(mux),
		middleware.SecurityHeaders,
		middleware.CORS(s.cfg.CORSOrigins),
		middleware.RateLimit(ctx, middleware.RateLimitConfig{
			PerSecond:      s.cfg.RateLimit,
			Burst:          s.cfg.RateBurst,
			TrustedProxies: s.cfg.TrustedProxies,
		}),
	)
}

// Start listens on the configured address and serves in the background.
func (s *Server) Start(ctx context.Context) error {
	ctx, s.cancel = context.WithCancel(ctx)

	readTimeout := s.cfg.ReadTimeout
	if readTimeout <= 0 {
		readTimeout = 30 * time.Second
	}
	writeTimeout := s.cfg.WriteTimeout
	if writeTimeout <= 0 {
		writeTimeout = 60 * time.Second
	}
	s.server = &http.Server{
		Handler:           s.Handler(ctx),
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       readTimeout,
		WriteTimeout:      writeTimeout,
		BaseContext: func(_ net.Listener) context.Context {
			return ctx
		},
	}

	ln, err := net.Listen("tcp", s.cfg.Addr)
	if err != nil {
		s.cancel()
		return fmt.Errorf("listen %s: %w", s.cfg.Addr, err)
	}
	s.boundAddr = ln.Addr().String()

	go func() {
		s.logger.Info("http api started", "addr", s.boundAddr)
		if err := s.server.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Error("http server error", "error", err)
		}
	}()
	return nil
}

// BoundAddr is the listening address once Start has returned.
func (s *Server) BoundAddr() string { return s.boundAddr }

// Stop shuts the server down gracefully.
func (s *Server) Stop(ctx context.Context) error {
	if s.cancel != nil {
		s.cancel()
	}
	if s.server == nil {
		return nil
	}
	return s.server.Shutdown(ctx)
}

type errorBody struct {
	OK    bool             `json:"ok"`
	Error string           `json:"error"`
	Code  domain.ErrorCode `json:"code,omitempty"`
}

type statusBody struct {
	OK            bool                `json:"ok"`
	Gateway       domain.HealthStatus `json:"gateway"`
	Breaker       string              `json:"breaker,omitempty"`
	UptimeSeconds int64               `json:"uptimeSeconds"`
}

type configBody struct {
	OK     bool            `json:"ok"`
	Config json.RawMessage `json:"config"`
}

func (s *Server) handleModels(w http.ResponseWriter, r *http.Request) {
	res := s.deps.Models.List(r.Context())
	s.metrics.countModels(res.Source)
	writeJSON(w, http.StatusOK, res)
}

func (s *Server) handleFollowUps(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			writeJSON(w, http.StatusRequestEntityTooLarge, errorBody{Error: "request body too large", Code: domain.CodeInvalidInput})
			return
		}
		writeJSON(w, http.StatusBadRequest, errorBody{Error: "read body: " + err.Error(), Code: domain.CodeInvalidInput})
		return
	}
	if err := s.followUp.Validate(body); err != nil {
		writeJSON(w, http.StatusBadRequest, errorBody{Error: err.Error(), Code: domain.CodeInvalidInput})
		return
	}

	var req domain.FollowUpRequest
	if err := json.Unmarshal(body, &req); err != nil {
		writeJSON(w, http.StatusBadRequest, errorBody{Error: "invalid JSON: " + err.Error(), Code: domain.CodeInvalidInput})
		return
	}
	res := s.deps.FollowUps.Suggest(r.Context(), req)
	s.metrics.FollowUpsTotal.Add(1)
	if res.Error != "" {
		s.metrics.FollowUpsDegraded.Add(1)
	}
	writeJSON(w, http.StatusOK, res)
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	st, ok := s.deps.Health.Latest()
	if !ok {
		st = s.deps.Health.Check(r.Context())
	}
	resp := statusBody{OK: true, Gateway: st, UptimeSeconds: int64(time.Since(s.started).Seconds())}
	if s.deps.BreakerState != nil {
		resp.Breaker = s.deps.BreakerState()
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleConfig(w http.ResponseWriter, r *http.Request) {
	payload, err := s.deps.Config.Get(r.Context())
	if err != nil {
		s.metrics.ConfigErrorsTotal.Add(1)
		s.logger.Warn("gateway config proxy failed", "error", err, "code", domain.ErrorCodeOf(err))
		writeJSON(w, statusForError(err), errorBody{Error: err.Error(), Code: domain.ErrorCodeOf(err)})
		return
	}
	writeJSON(w, http.StatusOK, configBody{OK: true, Config: payload})
}

func (s *Server) handleHealthz(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]bool{"ok": true})
}

// statusForError maps gateway failures to HTTP status codes.
func statusForError(err error) int {
	switch {
	case errors.Is(err, domain.ErrGatewayConfig):
		return http.StatusInternalServerError
	case errors.Is(err, domain.ErrGatewayUnavailable):
		return http.StatusServiceUnavailable
	case errors.Is(err, domain.ErrGatewayTimeout), errors.Is(err, context.DeadlineExceeded):
		return http.StatusGatewayTimeout
	case errors.Is(err, domain.ErrGatewayConnection),
		errors.Is(err, domain.ErrGatewayAuth),
		errors.Is(err, domain.ErrGatewayRemote),
		errors.Is(err, domain.ErrFrameParse):
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}
