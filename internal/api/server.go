package api

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	jsoniter "github.com/json-iterator/go"
	"go.uber.org/zap"

	"github.com/JakeFAU/archive-bundle-iterator/internal/bundle"
	"github.com/JakeFAU/archive-bundle-iterator/internal/metrics"
	"github.com/JakeFAU/archive-bundle-iterator/internal/progress"
	"github.com/JakeFAU/archive-bundle-iterator/internal/store"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

const (
	defaultNext    = 10
	maxNext        = 1000
	defaultEvents  = 50
	maxEvents      = 1000
	requestTimeout = 60 * time.Second
)

// Controller is the iterator surface the API drives. *bundle.Iterator
// satisfies it.
type Controller interface {
	Snapshot() bundle.Status
	NextPages(ctx context.Context, n int) ([]bundle.Record, error)
	NextRaw(ctx context.Context, n int) ([][]byte, error)
	Commit(ctx context.Context) error
	Reset(ctx context.Context) error
	SeekPage(ctx context.Context, n int64) error
	SkipPartition(ctx context.Context) error
}

// EventSource returns recent progress events, newest first.
type EventSource interface {
	Recent(limit int) []progress.Event
}

// Options wires the server's collaborators. Every field is optional; routes
// whose backing component is missing answer 503.
type Options struct {
	Iterator Controller
	Runs     store.RunRepository
	Events   EventSource
	// Ready reports whether downstream dependencies are reachable.
	Ready  func(ctx context.Context) error
	Logger *zap.Logger
}

// Server wires HTTP handlers to the iterator and stores.
type Server struct {
	router chi.Router
	opts   Options
	logger *zap.Logger

	// mu serializes iterator calls; an Iterator is single-threaded.
	mu sync.Mutex
}

// NewServer constructs a Server with middleware and routes.
func NewServer(opts Options) *Server {
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	s := &Server{opts: opts, logger: logger.Named("api")}

	r := chi.NewRouter()
	r.Use(requestIDMiddleware)
	r.Use(s.loggingMiddleware)
	r.Use(s.recoverMiddleware)
	r.Use(metrics.Middleware)
	r.Use(timeoutMiddleware(requestTimeout))

	r.Get("/healthz", s.healthz)
	r.Get("/readyz", s.readyz)
	r.Method(http.MethodGet, "/metrics", metrics.Handler())

	runs := NewRunHandler(opts.Runs, s.logger)
	r.Route("/v1", func(r chi.Router) {
		r.Route("/iterator", func(r chi.Router) {
			r.Get("/", s.getIterator)
			r.Post("/next", s.next)
			r.Post("/reset", s.reset)
			r.Post("/seek", s.seek)
			r.Post("/skip-partition", s.skipPartition)
		})
		r.Route("/runs", func(r chi.Router) {
			r.Get("/", runs.ListRuns)
			r.Route("/{run_id}", func(r chi.Router) {
				r.Get("/", runs.GetRun)
				r.Get("/partitions", runs.ListRunPartitions)
			})
		})
		r.Get("/progress/events", s.events)
	})

	s.router = r
	return s
}

// Handler returns the Router for use with http.Server.
func (s *Server) Handler() http.Handler {
	return s.router
}

func (s *Server) healthz(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) readyz(w http.ResponseWriter, r *http.Request) {
	if s.opts.Ready != nil {
		if err := s.opts.Ready(r.Context()); err != nil {
			s.logger.Warn("readiness check failed", zap.Error(err))
			writeError(w, http.StatusServiceUnavailable, "not ready")
			return
		}
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ready"})
}

func (s *Server) getIterator(w http.ResponseWriter, _ *http.Request) {
	if !s.haveIterator(w) {
		return
	}
	s.mu.Lock()
	st := s.opts.Iterator.Snapshot()
	s.mu.Unlock()
	writeJSON(w, http.StatusOK, map[string]any{"iterator": st})
}

type nextRequest struct {
	N   int  `json:"n"`
	Raw bool `json:"raw"`
}

type nextResponse struct {
	Records []bundle.Record `json:"records,omitempty"`
	Raw     [][]byte        `json:"raw,omitempty"`
	Count   int             `json:"count"`
	Status  bundle.Status   `json:"iterator"`
}

func (s *Server) next(w http.ResponseWriter, r *http.Request) {
	if !s.haveIterator(w) {
		return
	}
	req := nextRequest{N: defaultNext}
	if r.ContentLength != 0 {
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeError(w, http.StatusBadRequest, "invalid JSON")
			return
		}
	}
	if req.N <= 0 {
		req.N = defaultNext
	}
	if req.N > maxNext {
		req.N = maxNext
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	var resp nextResponse
	var err error
	if req.Raw {
		resp.Raw, err = s.opts.Iterator.NextRaw(r.Context(), req.N)
		resp.Count = len(resp.Raw)
	} else {
		resp.Records, err = s.opts.Iterator.NextPages(r.Context(), req.N)
		resp.Count = len(resp.Records)
	}
	if err == nil {
		err = s.opts.Iterator.Commit(r.Context())
	}
	if err != nil {
		s.iteratorError(w, "next", err)
		return
	}
	resp.Status = s.opts.Iterator.Snapshot()
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) reset(w http.ResponseWriter, r *http.Request) {
	if !s.haveIterator(w) {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.opts.Iterator.Reset(r.Context()); err != nil {
		s.iteratorError(w, "reset", err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"iterator": s.opts.Iterator.Snapshot()})
}

type seekRequest struct {
	Page *int64 `json:"page"`
}

func (s *Server) seek(w http.ResponseWriter, r *http.Request) {
	if !s.haveIterator(w) {
		return
	}
	var req seekRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Page == nil {
		writeError(w, http.StatusBadRequest, "page is required")
		return
	}
	if *req.Page < 0 {
		writeError(w, http.StatusBadRequest, "page must be >= 0")
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.opts.Iterator.SeekPage(r.Context(), *req.Page); err != nil {
		s.iteratorError(w, "seek", err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"iterator": s.opts.Iterator.Snapshot()})
}

func (s *Server) skipPartition(w http.ResponseWriter, r *http.Request) {
	if !s.haveIterator(w) {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.opts.Iterator.SkipPartition(r.Context()); err != nil {
		s.iteratorError(w, "skip partition", err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"iterator": s.opts.Iterator.Snapshot()})
}

func (s *Server) events(w http.ResponseWriter, r *http.Request) {
	if s.opts.Events == nil {
		writeError(w, http.StatusServiceUnavailable, "progress events unavailable")
		return
	}
	limit, _, err := parseLimitOffset(r, defaultEvents, maxEvents)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"events": toEventDTOs(s.opts.Events.Recent(limit))})
}

func (s *Server) haveIterator(w http.ResponseWriter) bool {
	if s.opts.Iterator == nil {
		writeError(w, http.StatusServiceUnavailable, "iterator unavailable")
		return false
	}
	return true
}

func (s *Server) iteratorError(w http.ResponseWriter, op string, err error) {
	switch {
	case errors.Is(err, bundle.ErrEndOfIterator):
		writeError(w, http.StatusConflict, "end of iterator")
	case errors.Is(err, context.DeadlineExceeded), errors.Is(err, context.Canceled):
		writeError(w, http.StatusGatewayTimeout, op+" timed out")
	default:
		s.logger.Error("iterator call failed", zap.String("op", op), zap.Error(err))
		writeError(w, http.StatusInternalServerError, op+" failed")
	}
}

type eventDTO struct {
	RunID     string    `json:"run_id"`
	TS        time.Time `json:"ts"`
	Stage     string    `json:"stage"`
	Format    string    `json:"format,omitempty"`
	Partition string    `json:"partition,omitempty"`
	Records   int64     `json:"records,omitempty"`
	Bytes     int64     `json:"bytes,omitempty"`
	DurMs     int64     `json:"dur_ms,omitempty"`
	Note      string    `json:"note,omitempty"`
}

func toEventDTOs(in []progress.Event) []eventDTO {
	out := make([]eventDTO, 0, len(in))
	for _, e := range in {
		out = append(out, eventDTO{
			RunID:     uuid.UUID(e.RunID).String(),
			TS:        e.TS,
			Stage:     string(e.Stage),
			Format:    e.Format,
			Partition: e.Partition,
			Records:   e.Records,
			Bytes:     e.Bytes,
			DurMs:     e.Dur.Milliseconds(),
			Note:      e.Note,
		})
	}
	return out
}

func requestIDMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		reqID := uuid.NewString()
		ctx := context.WithValue(r.Context(), requestIDKey{}, reqID)
		w.Header().Set("X-Request-ID", reqID)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func (s *Server) loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := &responseWriter{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(ww, r)
		reqID, _ := r.Context().Value(requestIDKey{}).(string)
		s.logger.Info("request completed",
			zap.String("request_id", reqID),
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.Int("status", ww.status),
			zap.Duration("duration", time.Since(start)),
		)
	})
}

func (s *Server) recoverMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			if rec := recover(); rec != nil {
				s.logger.Error("panic recovered", zap.Any("error", rec))
				writeError(w, http.StatusInternalServerError, "internal server error")
			}
		}()
		next.ServeHTTP(w, r)
	})
}

func timeoutMiddleware(d time.Duration) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.TimeoutHandler(next, d, "request timed out")
	}
}

type responseWriter struct {
	http.ResponseWriter
	status int
}

func (rw *responseWriter) WriteHeader(code int) {
	rw.status = code
	rw.ResponseWriter.WriteHeader(code)
}

func (rw *responseWriter) Write(b []byte) (int, error) {
	n, err := rw.ResponseWriter.Write(b)
	if err != nil {
		return n, fmt.Errorf("write response: %w", err)
	}
	return n, nil
}

func (rw *responseWriter) Flush() {
	if f, ok := rw.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

func (rw *responseWriter) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	if h, ok := rw.ResponseWriter.(http.Hijacker); ok {
		conn, buf, err := h.Hijack()
		if err != nil {
			return nil, nil, fmt.Errorf("hijack connection: %w", err)
		}
		return conn, buf, nil
	}
	return nil, nil, errors.New("hijacker not supported")
}

type requestIDKey struct{}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		zap.L().Error("write JSON failed", zap.Error(err))
	}
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
