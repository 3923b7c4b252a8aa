package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"golang.org/x/time/rate"

	"github.com/hazz-dev/uptimer/internal/check"
	"github.com/hazz-dev/uptimer/internal/scheduler"
	"github.com/hazz-dev/uptimer/internal/storage"
	"github.com/hazz-dev/uptimer/internal/uptime"
)

const (
	defaultResultLimit = 200
	maxResultLimit     = 500

	// maxDurationMs is the largest millisecond count a time.Duration holds.
	maxDurationMs = int64(math.MaxInt64 / int64(time.Millisecond))
)

// Store defines the storage operations the server needs.
type Store interface {
	CreateCheck(ctx context.Context, c *check.Check) error
	GetCheck(ctx context.Context, id string) (*check.Check, error)
	ListChecks(ctx context.Context) ([]check.Check, error)
	UpdateCheck(ctx context.Context, c *check.Check) error
	DeleteCheck(ctx context.Context, id string) error
	ListResults(ctx context.Context, checkID string, since time.Time, limit int) ([]check.Result, error)
}

// Runner probes a check on demand.
type Runner interface {
	RunCheck(ctx context.Context, c check.Check) (check.Result, error)
}

// Options configures the HTTP layer.
type Options struct {
	// RateLimit is the sustained requests per second across all clients;
	// zero disables limiting.
	RateLimit   float64
	RateBurst   int
	CORSOrigins []string
}

// Server holds the chi router and its dependencies.
type Server struct {
	store  Store
	runner Runner
	opts   Options
	router chi.Router
	now    func() time.Time
	logger *slog.Logger
}

// New creates a new Server and registers all routes.
func New(store Store, runner Runner, opts Options, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	s := &Server{
		store:  store,
		runner: runner,
		opts:   opts,
		router: chi.NewRouter(),
		now:    time.Now,
		logger: logger,
	}
	s.registerRoutes()
	return s
}

// Router returns the chi router (for mounting or testing).
func (s *Server) Router() chi.Router {
	return s.router
}

func (s *Server) registerRoutes() {
	r := s.router
	r.Use(middleware.Recoverer)
	r.Use(s.requestLogger)
	if len(s.opts.CORSOrigins) > 0 {
		r.Use(cors.Handler(cors.Options{
			AllowedOrigins: s.opts.CORSOrigins,
			AllowedMethods: []string{http.MethodGet, http.MethodPost, http.MethodPatch, http.MethodDelete, http.MethodOptions},
			AllowedHeaders: []string{"Content-Type"},
			MaxAge:         300,
		}))
	}
	if s.opts.RateLimit > 0 {
		burst := s.opts.RateBurst
		if burst < 1 {
			burst = 1
		}
		r.Use(rateLimit(rate.NewLimiter(rate.Limit(s.opts.RateLimit), burst)))
	}

	r.Get("/api/health", s.handleHealth)
	r.Route("/api/checks", func(r chi.Router) {
		r.Get("/", s.handleListChecks)
		r.Post("/", s.handleCreateCheck)
		r.Route("/{id}", func(r chi.Router) {
			r.Get("/", s.handleGetCheck)
			r.Patch("/", s.handleUpdateCheck)
			r.Delete("/", s.handleDeleteCheck)
			r.Get("/results", s.handleListResults)
			r.Get("/summary", s.handleSummary)
			r.Post("/run", s.handleRunCheck)
		})
	})
}

// --- Response helpers ---

type envelope struct {
	Data  interface{} `json:"data"`
	Error string      `json:"error"`
}

func writeJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(envelope{Data: data})
}

func writeError(w http.ResponseWriter, status int, msg string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(envelope{Error: msg})
}

// --- Wire types ---

type checkResponse struct {
	ID               string     `json:"id"`
	Name             string     `json:"name"`
	URL              string     `json:"url"`
	Method           string     `json:"method"`
	IntervalMs       int64      `json:"interval_ms"`
	TimeoutMs        int64      `json:"timeout_ms"`
	ExpectedStatus   int        `json:"expected_status"`
	Active           bool       `json:"active"`
	LastStatus       string     `json:"last_status"`
	LastLatencyMs    *int64     `json:"last_latency_ms"`
	ConsecutiveFails int        `json:"consecutive_fails"`
	LastRunAt        *time.Time `json:"last_run_at"`
	CreatedAt        time.Time  `json:"created_at"`
	UpdatedAt        time.Time  `json:"updated_at"`
}

func toCheckResponse(c check.Check) checkResponse {
	resp := checkResponse{
		ID:               c.ID,
		Name:             c.Name,
		URL:              c.URL,
		Method:           c.Method,
		IntervalMs:       c.Interval.Milliseconds(),
		TimeoutMs:        c.Timeout.Milliseconds(),
		ExpectedStatus:   c.ExpectedStatus,
		Active:           c.Active,
		LastStatus:       string(c.LastStatus),
		ConsecutiveFails: c.ConsecutiveFails,
		LastRunAt:        c.LastRunAt,
		CreatedAt:        c.CreatedAt,
		UpdatedAt:        c.UpdatedAt,
	}
	if c.LastLatency != nil {
		ms := c.LastLatency.Milliseconds()
		resp.LastLatencyMs = &ms
	}
	return resp
}

type resultResponse struct {
	ID         string    `json:"id"`
	CheckID    string    `json:"check_id"`
	Status     string    `json:"status"`
	LatencyMs  int64     `json:"latency_ms"`
	HTTPStatus *int      `json:"http_status,omitempty"`
	Error      string    `json:"error,omitempty"`
	CreatedAt  time.Time `json:"created_at"`
}

func toResultResponse(r check.Result) resultResponse {
	return resultResponse{
		ID:         r.ID,
		CheckID:    r.CheckID,
		Status:     string(r.Status),
		LatencyMs:  r.Latency.Milliseconds(),
		HTTPStatus: r.HTTPStatus,
		Error:      r.Error,
		CreatedAt:  r.CreatedAt,
	}
}

type checkRequest struct {
	Name           *string `json:"name"`
	URL            *string `json:"url"`
	Method         *string `json:"method"`
	IntervalMs     *int64  `json:"interval_ms"`
	TimeoutMs      *int64  `json:"timeout_ms"`
	ExpectedStatus *int    `json:"expected_status"`
	Active         *bool   `json:"active"`
}

// validate rejects millisecond fields that cannot be represented as a
// time.Duration. Everything else is left to check.Validate.
func (req checkRequest) validate() error {
	for _, f := range []struct {
		name string
		ms   *int64
	}{{"interval", req.IntervalMs}, {"timeout", req.TimeoutMs}} {
		if f.ms != nil && *f.ms > maxDurationMs {
			return &check.ValidationError{Field: f.name, Reason: fmt.Sprintf("must be at most %d ms", maxDurationMs)}
		}
	}
	return nil
}

func (req checkRequest) spec() check.Spec {
	var spec check.Spec
	if req.Name != nil {
		spec.Name = *req.Name
	}
	if req.URL != nil {
		spec.URL = *req.URL
	}
	if req.Method != nil {
		spec.Method = *req.Method
	}
	if req.IntervalMs != nil {
		spec.Interval = time.Duration(*req.IntervalMs) * time.Millisecond
	}
	if req.TimeoutMs != nil {
		spec.Timeout = time.Duration(*req.TimeoutMs) * time.Millisecond
	}
	if req.ExpectedStatus != nil {
		spec.ExpectedStatus = *req.ExpectedStatus
	}
	spec.Active = req.Active
	return spec
}

// apply overwrites the definition fields of c that are set in req.
func (req checkRequest) apply(c *check.Check) {
	if req.Name != nil {
		c.Name = *req.Name
	}
	if req.URL != nil {
		c.URL = *req.URL
	}
	if req.Method != nil {
		c.Method = *req.Method
	}
	if req.IntervalMs != nil {
		c.Interval = time.Duration(*req.IntervalMs) * time.Millisecond
	}
	if req.TimeoutMs != nil {
		c.Timeout = time.Duration(*req.TimeoutMs) * time.Millisecond
	}
	if req.ExpectedStatus != nil {
		c.ExpectedStatus = *req.ExpectedStatus
	}
	if req.Active != nil {
		c.Active = *req.Active
	}
}

// --- Handlers ---

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	json.NewEncoder(w).Encode(map[string]string{"status": "healthy"})
}

func (s *Server) handleListChecks(w http.ResponseWriter, r *http.Request) {
	checks, err := s.store.ListChecks(r.Context())
	if err != nil {
		s.logger.Error("ListChecks", "error", err)
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}
	out := make([]checkResponse, 0, len(checks))
	for _, c := range checks {
		out = append(out, toCheckResponse(c))
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) handleCreateCheck(w http.ResponseWriter, r *http.Request) {
	var req checkRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	if err := req.validate(); err != nil {
		s.writeCheckError(w, err)
		return
	}

	c, err := check.New(req.spec(), s.now())
	if err != nil {
		s.writeCheckError(w, err)
		return
	}
	if err := s.store.CreateCheck(r.Context(), c); err != nil {
		s.logger.Error("CreateCheck", "check", c.Name, "error", err)
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}
	writeJSON(w, http.StatusCreated, toCheckResponse(*c))
}

func (s *Server) handleGetCheck(w http.ResponseWriter, r *http.Request) {
	c, ok := s.loadCheck(w, r)
	if !ok {
		return
	}
	writeJSON(w, http.StatusOK, toCheckResponse(*c))
}

func (s *Server) handleUpdateCheck(w http.ResponseWriter, r *http.Request) {
	c, ok := s.loadCheck(w, r)
	if !ok {
		return
	}

	var req checkRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	if err := req.validate(); err != nil {
		s.writeCheckError(w, err)
		return
	}
	req.apply(c)
	c.UpdatedAt = s.now().UTC()
	if err := c.Validate(); err != nil {
		s.writeCheckError(w, err)
		return
	}

	if err := s.store.UpdateCheck(r.Context(), c); err != nil {
		s.writeCheckError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, toCheckResponse(*c))
}

func (s *Server) handleDeleteCheck(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if err := s.store.DeleteCheck(r.Context(), id); err != nil {
		s.logger.Error("DeleteCheck", "id", id, "error", err)
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleListResults(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	limit := defaultResultLimit
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			writeError(w, http.StatusBadRequest, "invalid limit parameter")
			return
		}
		if n > maxResultLimit {
			n = maxResultLimit
		}
		limit = n
	}

	results, err := s.store.ListResults(r.Context(), id, time.Time{}, limit)
	if err != nil {
		s.logger.Error("ListResults", "id", id, "error", err)
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}
	out := make([]resultResponse, 0, len(results))
	for _, res := range results {
		out = append(out, toResultResponse(res))
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) handleSummary(w http.ResponseWriter, r *http.Request) {
	window, err := uptime.ParseWindow(r.URL.Query().Get("window"))
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	c, ok := s.loadCheck(w, r)
	if !ok {
		return
	}

	sum, err := uptime.Summarize(r.Context(), s.store, c.ID, window, s.now())
	if err != nil {
		s.logger.Error("Summarize", "id", c.ID, "error", err)
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}
	writeJSON(w, http.StatusOK, sum)
}

func (s *Server) handleRunCheck(w http.ResponseWriter, r *http.Request) {
	c, ok := s.loadCheck(w, r)
	if !ok {
		return
	}

	res, err := s.runner.RunCheck(r.Context(), *c)
	switch {
	case errors.Is(err, scheduler.ErrBusy):
		writeError(w, http.StatusConflict, "check is already running")
	case errors.Is(err, storage.ErrNotFound):
		writeError(w, http.StatusNotFound, "check not found")
	case err != nil:
		s.logger.Error("RunCheck", "id", c.ID, "error", err)
		writeError(w, http.StatusInternalServerError, "internal error")
	default:
		writeJSON(w, http.StatusOK, toResultResponse(res))
	}
}

// loadCheck fetches the check named by the {id} URL parameter, writing an
// error response when it cannot.
func (s *Server) loadCheck(w http.ResponseWriter, r *http.Request) (*check.Check, bool) {
	id := chi.URLParam(r, "id")
	c, err := s.store.GetCheck(r.Context(), id)
	if errors.Is(err, storage.ErrNotFound) {
		writeError(w, http.StatusNotFound, "check not found")
		return nil, false
	}
	if err != nil {
		s.logger.Error("GetCheck", "id", id, "error", err)
		writeError(w, http.StatusInternalServerError, "internal error")
		return nil, false
	}
	return c, true
}

func (s *Server) writeCheckError(w http.ResponseWriter, err error) {
	var verr *check.ValidationError
	switch {
	case errors.As(err, &verr):
		writeError(w, http.StatusBadRequest, verr.Error())
	case errors.Is(err, storage.ErrNotFound):
		writeError(w, http.StatusNotFound, "check not found")
	default:
		s.logger.Error("saving check", "error", err)
		writeError(w, http.StatusInternalServerError, "internal error")
	}
}

// --- Middleware ---

type statusWriter struct {
	http.ResponseWriter
	status int
}

func (sw *statusWriter) WriteHeader(code int) {
	sw.status = code
	sw.ResponseWriter.WriteHeader(code)
}

func (s *Server) requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		sw := &statusWriter{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(sw, r)
		s.logger.Info("request",
			"method", r.Method,
			"path", r.URL.Path,
			"status", sw.status,
			"duration", time.Since(start),
		)
	})
}

func rateLimit(l *rate.Limiter) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if !l.Allow() {
				w.Header().Set("Retry-After", "1")
				writeError(w, http.StatusTooManyRequests, "rate limit exceeded")
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}
