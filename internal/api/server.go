// Package api exposes the HTTP interface for the ingestion service: search,
// article retrieval, and crawl run control.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/aserikov/newsdedup/internal/config"
	"github.com/aserikov/newsdedup/internal/metrics"
	"github.com/aserikov/newsdedup/internal/orchestrator"
	"github.com/aserikov/newsdedup/internal/pipeline"
	"github.com/aserikov/newsdedup/internal/store"
)

// SearchIndex is the slice of the similarity index the API queries.
type SearchIndex interface {
	Query(text string, k int) []pipeline.Hit
}

// Crawler is the orchestrator control surface.
type Crawler interface {
	Start(ctx context.Context, req orchestrator.StartRequest) (string, error)
	Pause() error
	Resume() error
	Status() pipeline.CrawlStatus
}

// Server wires HTTP handlers to the store, index, and orchestrator.
type Server struct {
	router  chi.Router
	store   store.Store
	index   SearchIndex
	crawler Crawler
	cfg     config.Config
	logger  *zap.Logger
}

// NewServer constructs a Server with middleware and routes.
func NewServer(st store.Store, index SearchIndex, crawler Crawler, cfg config.Config, logger *zap.Logger) *Server {
	if logger == nil {
		logger = zap.NewNop()
	}
	s := &Server{
		store:   st,
		index:   index,
		crawler: crawler,
		cfg:     cfg,
		logger:  logger.Named("api"),
	}
	r := chi.NewRouter()
	r.Use(requestIDMiddleware)
	r.Use(s.loggingMiddleware)
	r.Use(s.recoverMiddleware)
	timeout := cfg.ServerTimeout()
	if timeout <= 0 {
		timeout = 60 * time.Second
	}
	r.Use(timeoutMiddleware(timeout))
	if cfg.Auth.Enabled {
		r.Use(apiKeyMiddleware(cfg.Auth.APIKey))
	}

	r.Get("/healthz", s.healthz)
	r.Get("/readyz", s.readyz)
	r.Method(http.MethodGet, "/metrics", metrics.Handler())

	r.Route("/v1", func(r chi.Router) {
		r.Get("/search", s.search)
		r.Route("/articles", func(r chi.Router) {
			r.Get("/", s.listArticles)
			r.Get("/{article_id}", s.getArticle)
		})
		r.Route("/crawl", func(r chi.Router) {
			r.Post("/start", s.startCrawl)
			r.Post("/pause", s.pauseCrawl)
			r.Post("/resume", s.resumeCrawl)
			r.Get("/status", s.crawlStatus)
		})
	})

	s.router = r
	return s
}

// Handler returns the router for use with http.Server.
func (s *Server) Handler() http.Handler {
	return s.router
}

func (s *Server) healthz(w http.ResponseWriter, _ *http.Request) {
	s.writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) readyz(w http.ResponseWriter, r *http.Request) {
	// The store is the only hard dependency; one cheap read proves it out.
	if _, err := s.store.List(r.Context(), store.Filter{}, "", 1); err != nil {
		s.writeError(w, http.StatusServiceUnavailable, "store not ready")
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]string{"status": "ready"})
}

type searchResult struct {
	ID    int64     `json:"id"`
	Title string    `json:"title"`
	Link  string    `json:"link"`
	Date  time.Time `json:"date,omitzero"`
	Score float64   `json:"score"`
}

func (s *Server) search(w http.ResponseWriter, r *http.Request) {
	query := r.URL.Query().Get("q")
	if query == "" {
		s.writeError(w, http.StatusBadRequest, "query parameter q is required")
		return
	}
	k := s.cfg.Index.DefaultK
	if raw := r.URL.Query().Get("k"); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil || parsed <= 0 {
			s.writeError(w, http.StatusBadRequest, "k must be a positive integer")
			return
		}
		k = parsed
	}
	if k > s.cfg.Index.MaxK {
		k = s.cfg.Index.MaxK
	}

	hits := s.index.Query(query, k)
	results := make([]searchResult, 0, len(hits))
	for _, hit := range hits {
		rec, err := s.store.GetByID(r.Context(), hit.ID)
		if err != nil {
			// The index may briefly lead the store after a delete.
			if errors.Is(err, store.ErrNotFound) {
				continue
			}
			s.writeError(w, http.StatusInternalServerError, "search lookup failed")
			return
		}
		results = append(results, searchResult{
			ID:    rec.ID,
			Title: rec.Title,
			Link:  rec.Link,
			Date:  rec.PublishedAt,
			Score: hit.Score,
		})
	}
	s.writeJSON(w, http.StatusOK, map[string]any{"results": results})
}

const (
	defaultPageLimit = 50
	maxPageLimit     = 200
	dateParamLayout  = "2006-01-02"
)

func (s *Server) listArticles(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	limit := defaultPageLimit
	if raw := q.Get("limit"); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil || parsed <= 0 {
			s.writeError(w, http.StatusBadRequest, "limit must be a positive integer")
			return
		}
		limit = parsed
	}
	if limit > maxPageLimit {
		limit = maxPageLimit
	}

	filter := store.Filter{Tag: q.Get("tag")}
	if raw := q.Get("from"); raw != "" {
		from, err := time.Parse(dateParamLayout, raw)
		if err != nil {
			s.writeError(w, http.StatusBadRequest, "from must be yyyy-mm-dd")
			return
		}
		filter.From = from
	}
	if raw := q.Get("to"); raw != "" {
		to, err := time.Parse(dateParamLayout, raw)
		if err != nil {
			s.writeError(w, http.StatusBadRequest, "to must be yyyy-mm-dd")
			return
		}
		filter.To = to
	}

	page, err := s.store.List(r.Context(), filter, q.Get("page_token"), limit)
	if err != nil {
		s.logger.Error("article list failed", zap.Error(err))
		s.writeError(w, http.StatusInternalServerError, "article list failed")
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]any{
		"articles":        page.Records,
		"next_page_token": page.NextPageToken,
	})
}

func (s *Server) getArticle(w http.ResponseWriter, r *http.Request) {
	id, err := strconv.ParseInt(chi.URLParam(r, "article_id"), 10, 64)
	if err != nil {
		s.writeError(w, http.StatusBadRequest, "article id must be an integer")
		return
	}
	rec, err := s.store.GetByID(r.Context(), id)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			s.writeError(w, http.StatusNotFound, "article not found")
			return
		}
		s.logger.Error("article lookup failed", zap.Int64("id", id), zap.Error(err))
		s.writeError(w, http.StatusInternalServerError, "article lookup failed")
		return
	}
	s.writeJSON(w, http.StatusOK, rec)
}

func (s *Server) startCrawl(w http.ResponseWriter, r *http.Request) {
	var req orchestrator.StartRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid JSON")
		return
	}
	runID, err := s.crawler.Start(r.Context(), req)
	if err != nil {
		switch {
		case errors.Is(err, orchestrator.ErrRunActive):
			s.writeError(w, http.StatusConflict, "a crawl run is already active")
		case errors.Is(err, orchestrator.ErrNoSeeds):
			s.writeError(w, http.StatusBadRequest, "no links to crawl")
		default:
			// Seed validation errors are safe to echo; they carry no internals.
			s.writeError(w, http.StatusBadRequest, err.Error())
		}
		return
	}
	s.writeJSON(w, http.StatusAccepted, map[string]string{"run_id": runID})
}

func (s *Server) pauseCrawl(w http.ResponseWriter, _ *http.Request) {
	switch err := s.crawler.Pause(); {
	case err == nil:
		s.writeJSON(w, http.StatusOK, s.crawler.Status())
	case errors.Is(err, orchestrator.ErrNoRun):
		s.writeError(w, http.StatusNotFound, "no crawl run")
	case errors.Is(err, orchestrator.ErrNotRunning):
		s.writeError(w, http.StatusConflict, "run is not running")
	default:
		s.writeError(w, http.StatusInternalServerError, "pause failed")
	}
}

func (s *Server) resumeCrawl(w http.ResponseWriter, _ *http.Request) {
	switch err := s.crawler.Resume(); {
	case err == nil:
		s.writeJSON(w, http.StatusOK, s.crawler.Status())
	case errors.Is(err, orchestrator.ErrNoRun):
		s.writeError(w, http.StatusNotFound, "no crawl run")
	case errors.Is(err, orchestrator.ErrNotPaused):
		s.writeError(w, http.StatusConflict, "run is not paused")
	default:
		s.writeError(w, http.StatusInternalServerError, "resume failed")
	}
}

func (s *Server) crawlStatus(w http.ResponseWriter, _ *http.Request) {
	s.writeJSON(w, http.StatusOK, s.crawler.Status())
}

type requestIDKey struct{}

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
		ww := &statusWriter{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(ww, r)
		elapsed := time.Since(start)

		route := chi.RouteContext(r.Context()).RoutePattern()
		if route == "" {
			route = r.URL.Path
		}
		metrics.ObserveHTTPRequest(r.Method, route, ww.status, elapsed)
		s.logger.Info("request completed",
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.Int("status", ww.status),
			zap.Duration("duration", elapsed),
		)
	})
}

func (s *Server) recoverMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			if rec := recover(); rec != nil {
				s.logger.Error("panic recovered", zap.Any("panic", rec))
				s.writeError(w, http.StatusInternalServerError, "internal server error")
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

func apiKeyMiddleware(expected string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			key := r.Header.Get("X-API-Key")
			if key == "" {
				key = r.URL.Query().Get("api_key")
			}
			if key != expected {
				w.Header().Set("Content-Type", "application/json")
				w.WriteHeader(http.StatusForbidden)
				_ = json.NewEncoder(w).Encode(map[string]string{"error": "unauthorized"})
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

type statusWriter struct {
	http.ResponseWriter
	status int
}

func (sw *statusWriter) WriteHeader(code int) {
	sw.status = code
	sw.ResponseWriter.WriteHeader(code)
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		s.logger.Error("write JSON failed", zap.Error(err))
	}
}

func (s *Server) writeError(w http.ResponseWriter, status int, msg string) {
	s.writeJSON(w, status, map[string]string{"error": msg})
}
