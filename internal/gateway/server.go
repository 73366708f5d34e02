package gateway

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/haasonsaas/toolgate/internal/approval"
	"github.com/haasonsaas/toolgate/internal/mcp"
	"github.com/haasonsaas/toolgate/internal/observability"
	"github.com/haasonsaas/toolgate/internal/sessions"
	"github.com/haasonsaas/toolgate/internal/storage"
)

const (
	maxBodyBytes      = 1 << 20
	sseKeepAlive      = 15 * time.Second
	defaultListLimit  = 50
	userIDHeader      = "X-User-ID"
	lastEventIDHeader = "Last-Event-ID"
)

// ServerConfig configures the HTTP listener.
type ServerConfig struct {
	Addr              string
	MetricsPath       string
	ReadHeaderTimeout time.Duration
	ShutdownTimeout   time.Duration
}

// ToolStatus reports tool server connections.
type ToolStatus interface {
	Status() []mcp.ServerStatus
}

// Server exposes the gateway over HTTP, SSE and WebSocket.
type Server struct {
	gateway  *Gateway
	gate     *approval.Gate
	sessions *sessions.Registry
	messages storage.MessageStore
	tools    ToolStatus
	config   ServerConfig
	metrics  *observability.Metrics
	logger   *slog.Logger
	now      func() time.Time

	// streams outlive the request that started them
	baseCtx    context.Context
	cancelRuns context.CancelFunc
	runsWG     sync.WaitGroup

	mu     sync.Mutex
	runs   map[string]*run
	extras []extraRoute

	httpServer   *http.Server
	httpListener net.Listener
}

type extraRoute struct {
	pattern string
	handler http.HandlerFunc
}

// run is one in-flight StreamWithTools driven by the server.
type run struct {
	session *sessions.Session
	done    chan struct{}
	result  *StepResult
	err     error
}

// NewServer creates the HTTP server. tools may be nil.
func NewServer(gw *Gateway, gate *approval.Gate, registry *sessions.Registry, messages storage.MessageStore, tools ToolStatus, config ServerConfig, metrics *observability.Metrics, logger *slog.Logger) *Server {
	if config.Addr == "" {
		config.Addr = ":8080"
	}
	if config.MetricsPath == "" {
		config.MetricsPath = "/metrics"
	}
	if config.ReadHeaderTimeout <= 0 {
		config.ReadHeaderTimeout = 5 * time.Second
	}
	if config.ShutdownTimeout <= 0 {
		config.ShutdownTimeout = 10 * time.Second
	}
	if logger == nil {
		logger = slog.Default()
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Server{
		gateway:    gw,
		gate:       gate,
		sessions:   registry,
		messages:   messages,
		tools:      tools,
		config:     config,
		metrics:    metrics,
		logger:     logger.With("component", "http"),
		now:        time.Now,
		baseCtx:    ctx,
		cancelRuns: cancel,
		runs:       make(map[string]*run),
	}
}

// Handle registers an additional route. It must be called before Start.
func (s *Server) Handle(pattern string, handler http.HandlerFunc) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.extras = append(s.extras, extraRoute{pattern: pattern, handler: handler})
}

// Start listens on the configured address and serves in the background.
func (s *Server) Start(ctx context.Context) error {
	server := &http.Server{
		Addr:              s.config.Addr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: s.config.ReadHeaderTimeout,
	}
	listener, err := net.Listen("tcp", s.config.Addr)
	if err != nil {
		return fmt.Errorf("http listen: %w", err)
	}
	s.httpServer = server
	s.httpListener = listener

	go func() {
		if err := server.Serve(listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Error("http server error", "error", err)
		}
	}()
	s.logger.Info("starting http server", "addr", listener.Addr().String())
	return nil
}

// Addr returns the bound listener address.
func (s *Server) Addr() string {
	if s.httpListener == nil {
		return ""
	}
	return s.httpListener.Addr().String()
}

// Stop shuts the listener down, then cancels running streams and waits for them.
func (s *Server) Stop(ctx context.Context) {
	if s.httpServer != nil {
		shutdownCtx, cancel := context.WithTimeout(ctx, s.config.ShutdownTimeout)
		defer cancel()
		if err := s.httpServer.Shutdown(shutdownCtx); err != nil {
			s.logger.Warn("http server shutdown error", "error", err)
		}
		s.httpServer = nil
		s.httpListener = nil
	}
	s.cancelRuns()
	s.runsWG.Wait()
}

// Handler returns the routed, instrumented handler.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()

	mux.Handle("GET "+s.config.MetricsPath, s.metrics.Handler())
	mux.HandleFunc("GET /healthz", s.handleHealthz)

	mux.HandleFunc("POST /v1/chats/{chatID}/stream", s.handleStream)
	mux.HandleFunc("GET /v1/chats/{chatID}/events", s.handleEvents)
	mux.HandleFunc("POST /v1/chats/{chatID}/cancel", s.handleCancel)
	mux.HandleFunc("GET /v1/chats/{chatID}/ws", s.handleWS)

	mux.HandleFunc("GET /v1/validations", s.handleListValidations)
	mux.HandleFunc("GET /v1/validations/{id}", s.handleGetValidation)
	mux.HandleFunc("POST /v1/validations/{id}/approve", s.handleApprove)
	mux.HandleFunc("POST /v1/validations/{id}/reject", s.handleReject)
	mux.HandleFunc("POST /v1/validations/{id}/feedback", s.handleFeedback)

	mux.HandleFunc("GET /v1/models", s.handleModels)
	mux.HandleFunc("GET /v1/tools", s.handleTools)
	mux.HandleFunc("GET /v1/providers/status", s.handleProviderStatus)
	mux.HandleFunc("POST /v1/providers/reset", s.handleResetBreaker)
	mux.HandleFunc("POST /v1/providers/{provider}/reset", s.handleResetBreaker)

	s.mu.Lock()
	for _, route := range s.extras {
		mux.HandleFunc(route.pattern, route.handler)
	}
	s.mu.Unlock()

	return s.instrument(mux)
}

func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status":          "ok",
		"active_sessions": s.sessions.Active(),
	})
}

// statusRecorder captures the response status for metrics.
type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(code int) {
	if r.status == 0 {
		r.status = code
	}
	r.ResponseWriter.WriteHeader(code)
}

func (r *statusRecorder) Write(p []byte) (int, error) {
	if r.status == 0 {
		r.status = http.StatusOK
	}
	return r.ResponseWriter.Write(p)
}

// Unwrap lets http.ResponseController reach Flush.
func (r *statusRecorder) Unwrap() http.ResponseWriter {
	return r.ResponseWriter
}

// Hijack supports the WebSocket upgrade.
func (r *statusRecorder) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	if r.status == 0 {
		r.status = http.StatusSwitchingProtocols
	}
	return http.NewResponseController(r.ResponseWriter).Hijack()
}

func (s *Server) instrument(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := s.now()
		rec := &statusRecorder{ResponseWriter: w}

		ctx := observability.AddRequestID(r.Context(), requestID(r))
		if user := r.Header.Get(userIDHeader); user != "" {
			ctx = observability.AddUserID(ctx, user)
		}
		r = r.WithContext(ctx)

		next.ServeHTTP(rec, r)

		route := r.Pattern
		if route == "" {
			route = "unmatched"
		}
		status := rec.status
		if status == 0 {
			status = http.StatusOK
		}
		s.metrics.RecordHTTPRequest(r.Method, route, fmt.Sprintf("%d", status), s.now().Sub(start).Seconds())
		s.logger.DebugContext(ctx, "http request", "method", r.Method, "route", route, "status", status)
	})
}

func requestID(r *http.Request) string {
	if id := r.Header.Get("X-Request-ID"); id != "" {
		return id
	}
	return uuid.NewString()
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		// Best-effort: the client may have disconnected.
		return
	}
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]any{"error": msg})
}

// decodeBody reads a JSON body into v. An empty body leaves v untouched.
func decodeBody(w http.ResponseWriter, r *http.Request, v any) bool {
	r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
	defer r.Body.Close()

	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		if errors.Is(err, io.EOF) {
			return true
		}
		var maxErr *http.MaxBytesError
		if errors.As(err, &maxErr) {
			writeError(w, http.StatusRequestEntityTooLarge, "request too large")
			return false
		}
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return false
	}
	return true
}

// requireUser returns the caller id or writes 401.
func requireUser(w http.ResponseWriter, r *http.Request) (string, bool) {
	user := r.Header.Get(userIDHeader)
	if user == "" {
		writeError(w, http.StatusUnauthorized, "missing "+userIDHeader+" header")
		return "", false
	}
	return user, true
}
