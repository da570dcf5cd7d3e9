package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"go.uber.org/zap"

	"pin-publisher/internal/apperr"
	"pin-publisher/internal/auth"
	"pin-publisher/internal/models"
	"pin-publisher/internal/queue"
	"pin-publisher/internal/retry"
	"pin-publisher/internal/telemetry"
	"pin-publisher/internal/worker"
)

const (
	maxBatchLimit = 50
	maxBodyBytes  = 1 << 20
)

// Catalog is the board, recipe and settings side of the store.
type Catalog interface {
	ListBoards(ctx context.Context) ([]models.BoardMapping, error)
	CreateBoard(ctx context.Context, b models.BoardMapping) (models.BoardMapping, error)
	UpdateBoard(ctx context.Context, id string, patch models.BoardPatch) (models.BoardMapping, error)
	ListRecipes(ctx context.Context) ([]models.Recipe, error)
	CreateRecipe(ctx context.Context, r models.Recipe) (models.Recipe, error)
	GetSettings(ctx context.Context) (models.Settings, error)
	SaveSettings(ctx context.Context, s models.Settings) error
}

type Dispatcher interface {
	RunBatch(ctx context.Context, limit int) (worker.Summary, error)
	PublishOne(ctx context.Context, id string) (worker.Detail, error)
}

type Retrier interface {
	Retry(ctx context.Context, id string) (retry.Outcome, error)
}

type OAuthFlow interface {
	AuthURL(ctx context.Context) (string, error)
	Exchange(ctx context.Context, code, state string) (models.Credential, error)
}

type Deps struct {
	Catalog    Catalog
	Queue      *queue.Service
	Dispatcher Dispatcher
	Retrier    Retrier
	OAuth      OAuthFlow
	Auth       *auth.Authenticator
	// BatchSize is the default for /internal/worker/run without ?limit.
	BatchSize int
}

// Server wires HTTP handlers for the worker trigger and the dashboard.
type Server struct {
	Deps
	log *zap.Logger
}

func New(deps Deps, log *zap.Logger) *Server {
	if deps.BatchSize <= 0 {
		deps.BatchSize = 5
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &Server{Deps: deps, log: log}
}

// Router builds the HTTP router.
func (s *Server) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)
	r.Use(s.accessLog)

	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})
	r.Mount("/metrics", telemetry.Handler())

	r.Route("/internal", func(r chi.Router) {
		r.Use(s.Auth.Middleware)
		r.Post("/worker/run", s.handleRunBatch)
		r.Post("/publish", s.handlePublish)
	})

	r.Route("/api", func(r chi.Router) {
		r.Use(s.Auth.Middleware)
		r.Get("/queue", s.handleListQueue)
		r.Post("/queue", s.handleEnqueue)
		r.Patch("/queue/{id}", s.handleUpdateQueue)
		r.Delete("/queue/{id}", s.handleDeleteQueue)
		r.Post("/queue/{id}/retry", s.handleRetry)
		r.Get("/stats", s.handleStats)

		r.Get("/boards", s.handleListBoards)
		r.Post("/boards", s.handleCreateBoard)
		r.Patch("/boards/{id}", s.handleUpdateBoard)

		r.Get("/recipes", s.handleListRecipes)
		r.Post("/recipes", s.handleCreateRecipe)

		r.Get("/settings", s.handleGetSettings)
		r.Put("/settings", s.handleSaveSettings)

		r.Post("/oauth/pinterest/start", s.handleOAuthStart)
		r.Post("/oauth/pinterest/callback", s.handleOAuthCallback)
	})
	return r
}

func (s *Server) handleRunBatch(w http.ResponseWriter, r *http.Request) {
	limit := s.BatchSize
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 {
			s.writeError(w, fmt.Errorf("limit must be a positive integer: %w", apperr.ErrInvalidInput))
			return
		}
		limit = min(n, maxBatchLimit)
	}
	summary, err := s.Dispatcher.RunBatch(r.Context(), limit)
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, summary)
}

type publishRequest struct {
	QueueID string `json:"queue_id"`
}

func (s *Server) handlePublish(w http.ResponseWriter, r *http.Request) {
	var req publishRequest
	if err := decodeJSON(r, &req); err != nil {
		s.writeError(w, err)
		return
	}
	if req.QueueID == "" {
		s.writeError(w, fmt.Errorf("queue_id is required: %w", apperr.ErrInvalidInput))
		return
	}
	detail, err := s.Dispatcher.PublishOne(r.Context(), req.QueueID)
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"success":      true,
		"external_id":  detail.Result.ExternalID,
		"external_url": detail.Result.ExternalURL,
	})
}

func (s *Server) handleListQueue(w http.ResponseWriter, r *http.Request) {
	var filter models.JobFilter
	if raw := r.URL.Query().Get("status"); raw != "" {
		status, err := models.ParseStatus(raw)
		if err != nil {
			s.writeError(w, fmt.Errorf("%v: %w", err, apperr.ErrInvalidInput))
			return
		}
		filter.Status = status
	}
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 0 {
			s.writeError(w, fmt.Errorf("limit must be a non-negative integer: %w", apperr.ErrInvalidInput))
			return
		}
		filter.Limit = n
	}
	jobs, err := s.Queue.List(r.Context(), filter)
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, jobs)
}

type enqueueRequest struct {
	RecipeID    string `json:"recipe_id"`
	RecipeTitle string `json:"recipe_title"`
	ImagePath   string `json:"image_path"`
	Asset9x16   string `json:"asset_9x16_path"`
	Asset4x5    string `json:"asset_4x5_path"`
	queue.EnqueueOptions
}

// handleEnqueue queues from the recipe catalog unless the request brings its
// own image, in which case the pin is taken as given.
func (s *Server) handleEnqueue(w http.ResponseWriter, r *http.Request) {
	var req enqueueRequest
	if err := decodeJSON(r, &req); err != nil {
		s.writeError(w, err)
		return
	}
	var (
		job models.Job
		err error
	)
	if req.ImagePath == "" && req.Asset9x16 == "" && req.Asset4x5 == "" {
		job, err = s.Queue.EnqueueRecipe(r.Context(), req.RecipeID, req.EnqueueOptions)
	} else {
		job, err = s.Queue.Enqueue(r.Context(), models.NewJob{
			RecipeID:       req.RecipeID,
			RecipeTitle:    req.RecipeTitle,
			PinTitle:       req.PinTitle,
			PinDescription: req.PinDescription,
			BoardSlug:      req.BoardSlug,
			DestinationURL: req.DestinationURL,
			ImagePath:      req.ImagePath,
			Asset9x16Path:  req.Asset9x16,
			Asset4x5Path:   req.Asset4x5,
			ScheduledAt:    req.ScheduledAt,
		})
	}
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, job)
}

func (s *Server) handleUpdateQueue(w http.ResponseWriter, r *http.Request) {
	var patch models.JobPatch
	if err := decodeJSON(r, &patch); err != nil {
		s.writeError(w, err)
		return
	}
	res, err := s.Queue.Update(r.Context(), chi.URLParam(r, "id"), patch)
	if err != nil {
		s.writeErrorWith(w, err, map[string]any{"tentative": res.Tentative, "queue": res.Queue})
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func (s *Server) handleDeleteQueue(w http.ResponseWriter, r *http.Request) {
	if err := s.Queue.Remove(r.Context(), chi.URLParam(r, "id")); err != nil {
		s.writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleRetry(w http.ResponseWriter, r *http.Request) {
	out, err := s.Retrier.Retry(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		s.writeErrorWith(w, err, map[string]any{"outcome": out})
		return
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	stats, err := s.Queue.Stats(r.Context())
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, stats)
}

func (s *Server) handleListBoards(w http.ResponseWriter, r *http.Request) {
	boards, err := s.Catalog.ListBoards(r.Context())
	if err != nil {
		s.writeError(w, err)
		return
	}
	if boards == nil {
		boards = []models.BoardMapping{}
	}
	writeJSON(w, http.StatusOK, boards)
}

func (s *Server) handleCreateBoard(w http.ResponseWriter, r *http.Request) {
	var b models.BoardMapping
	if err := decodeJSON(r, &b); err != nil {
		s.writeError(w, err)
		return
	}
	if b.BoardSlug == "" || b.CuisineKey == "" {
		s.writeError(w, fmt.Errorf("board_slug and cuisine_key are required: %w", apperr.ErrInvalidInput))
		return
	}
	created, err := s.Catalog.CreateBoard(r.Context(), b)
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, created)
}

func (s *Server) handleUpdateBoard(w http.ResponseWriter, r *http.Request) {
	var patch models.BoardPatch
	if err := decodeJSON(r, &patch); err != nil {
		s.writeError(w, err)
		return
	}
	b, err := s.Catalog.UpdateBoard(r.Context(), chi.URLParam(r, "id"), patch)
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, b)
}

func (s *Server) handleListRecipes(w http.ResponseWriter, r *http.Request) {
	recipes, err := s.Catalog.ListRecipes(r.Context())
	if err != nil {
		s.writeError(w, err)
		return
	}
	if recipes == nil {
		recipes = []models.Recipe{}
	}
	writeJSON(w, http.StatusOK, recipes)
}

func (s *Server) handleCreateRecipe(w http.ResponseWriter, r *http.Request) {
	var rec models.Recipe
	if err := decodeJSON(r, &rec); err != nil {
		s.writeError(w, err)
		return
	}
	if rec.Title == "" {
		s.writeError(w, fmt.Errorf("title is required: %w", apperr.ErrInvalidInput))
		return
	}
	created, err := s.Catalog.CreateRecipe(r.Context(), rec)
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, created)
}

func (s *Server) handleGetSettings(w http.ResponseWriter, r *http.Request) {
	settings, err := s.Catalog.GetSettings(r.Context())
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, settings)
}

func (s *Server) handleSaveSettings(w http.ResponseWriter, r *http.Request) {
	var settings models.Settings
	if err := decodeJSON(r, &settings); err != nil {
		s.writeError(w, err)
		return
	}
	if err := s.Catalog.SaveSettings(r.Context(), settings); err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, settings)
}

func (s *Server) handleOAuthStart(w http.ResponseWriter, r *http.Request) {
	url, err := s.OAuth.AuthURL(r.Context())
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"url": url})
}

type oauthCallbackRequest struct {
	Code  string `json:"code"`
	State string `json:"state"`
}

func (s *Server) handleOAuthCallback(w http.ResponseWriter, r *http.Request) {
	var req oauthCallbackRequest
	if err := decodeJSON(r, &req); err != nil {
		s.writeError(w, err)
		return
	}
	cred, err := s.OAuth.Exchange(r.Context(), req.Code, req.State)
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"success": true, "credential": cred})
}

func (s *Server) accessLog(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)
		s.log.Info("http request",
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.Int("status", ww.Status()),
			zap.Duration("duration", time.Since(start)),
			zap.String("request_id", middleware.GetReqID(r.Context())))
	})
}

func decodeJSON(r *http.Request, dst any) error {
	dec := json.NewDecoder(http.MaxBytesReader(nil, r.Body, maxBodyBytes))
	if err := dec.Decode(dst); err != nil {
		return fmt.Errorf("invalid json: %w", apperr.ErrInvalidInput)
	}
	return nil
}

func statusFor(kind string) int {
	switch kind {
	case apperr.KindNotConfigured, apperr.KindInvalid:
		return http.StatusBadRequest
	case apperr.KindUnmappedBoard:
		return http.StatusUnprocessableEntity
	case apperr.KindProvider:
		return http.StatusBadGateway
	case apperr.KindNotFound:
		return http.StatusNotFound
	case apperr.KindConflict:
		return http.StatusConflict
	default:
		return http.StatusInternalServerError
	}
}

func (s *Server) writeError(w http.ResponseWriter, err error) {
	s.writeErrorWith(w, err, nil)
}

// writeErrorWith renders err as {"error", "code"} plus extra fields.
func (s *Server) writeErrorWith(w http.ResponseWriter, err error, extra map[string]any) {
	kind := apperr.Kind(err)
	code := statusFor(kind)
	msg := err.Error()
	if code == http.StatusInternalServerError {
		s.log.Error("request failed", zap.Error(err))
		msg = "internal error"
	}
	body := map[string]any{"error": msg, "code": kind}
	for k, v := range extra {
		body[k] = v
	}
	var perr *apperr.ProviderError
	if errors.As(err, &perr) && perr.StatusCode > 0 {
		body["provider_status"] = perr.StatusCode
	}
	writeJSON(w, code, body)
}

func writeJSON(w http.ResponseWriter, code int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(payload)
}
