// Package queue is the operator-facing side of the pin queue: enqueueing
// recipes, editing and removing queued pins, and dashboard counters.
package queue

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"pin-publisher/internal/apperr"
	"pin-publisher/internal/events"
	"pin-publisher/internal/models"
	"pin-publisher/internal/render"
	"pin-publisher/internal/telemetry"
)

// DefaultBoard is used when no active mapping matches a recipe's cuisine.
const DefaultBoard = "general"

type Store interface {
	Enqueue(ctx context.Context, job models.NewJob) (models.Job, error)
	GetJob(ctx context.Context, id string) (models.Job, error)
	ListJobs(ctx context.Context, filter models.JobFilter) ([]models.Job, error)
	UpdateJob(ctx context.Context, id string, patch models.JobPatch) (models.Job, error)
	DeleteJob(ctx context.Context, id string) error
	Stats(ctx context.Context) (models.QueueStats, error)
	GetRecipe(ctx context.Context, id string) (models.Recipe, error)
	ListBoards(ctx context.Context) ([]models.BoardMapping, error)
}

type Renderer interface {
	Render(ctx context.Context, key, sourceURL string) (render.Assets, error)
}

type Options struct {
	LinkBase string
	// DescriptionTemplate may contain one %s for the recipe title.
	DescriptionTemplate string
}

// EnqueueOptions override the defaults derived from the recipe.
type EnqueueOptions struct {
	BoardSlug      string     `json:"board_slug,omitempty"`
	PinTitle       string     `json:"pin_title,omitempty"`
	PinDescription string     `json:"pin_description,omitempty"`
	DestinationURL string     `json:"destination_url,omitempty"`
	ScheduledAt    *time.Time `json:"scheduled_at,omitempty"`
}

// UpdateResult carries both the optimistic merge and what the store kept.
type UpdateResult struct {
	Tentative models.Job `json:"tentative"`
	Job       models.Job `json:"job"`
	// Queue is the refetched queue when the write failed.
	Queue []models.Job `json:"queue,omitempty"`
}

type Service struct {
	store    Store
	renderer Renderer
	notifier events.Notifier
	opts     Options
	log      *zap.Logger
}

// NewService wires the queue service. renderer may be nil, in which case
// recipes are queued with their original image and rendered later.
func NewService(st Store, renderer Renderer, notifier events.Notifier, opts Options, log *zap.Logger) *Service {
	if notifier == nil {
		notifier = events.Nop{}
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &Service{store: st, renderer: renderer, notifier: notifier, opts: opts, log: log}
}

// EnqueueRecipe queues one pin for recipeID.
func (s *Service) EnqueueRecipe(ctx context.Context, recipeID string, opts EnqueueOptions) (models.Job, error) {
	if strings.TrimSpace(recipeID) == "" {
		return models.Job{}, fmt.Errorf("recipe_id is required: %w", apperr.ErrInvalidInput)
	}
	recipe, err := s.store.GetRecipe(ctx, recipeID)
	if err != nil {
		return models.Job{}, err
	}

	board := opts.BoardSlug
	if board == "" {
		board, err = s.defaultBoard(ctx, recipe.CuisineType)
		if err != nil {
			return models.Job{}, err
		}
	}
	nj := models.NewJob{
		RecipeID:       recipe.ID,
		RecipeTitle:    recipe.Title,
		PinTitle:       firstNonEmpty(opts.PinTitle, recipe.Title),
		PinDescription: firstNonEmpty(opts.PinDescription, s.description(recipe.Title)),
		BoardSlug:      board,
		DestinationURL: firstNonEmpty(opts.DestinationURL, s.opts.LinkBase+recipe.ID),
		ImagePath:      recipe.ImageURL,
		ScheduledAt:    opts.ScheduledAt,
	}

	if s.renderer != nil && recipe.ImageURL != "" {
		key := recipe.ID + "/" + uuid.New().String()
		assets, err := s.renderer.Render(ctx, key, recipe.ImageURL)
		if err != nil {
			s.log.Warn("render failed, queueing source image", zap.String("recipe_id", recipe.ID), zap.Error(err))
		} else {
			nj.Asset9x16Path = assets.Vertical
			nj.Asset4x5Path = assets.Portrait
		}
	}
	return s.Enqueue(ctx, nj)
}

// Enqueue queues a fully specified pin.
func (s *Service) Enqueue(ctx context.Context, nj models.NewJob) (models.Job, error) {
	if strings.TrimSpace(nj.RecipeID) == "" {
		return models.Job{}, fmt.Errorf("recipe_id is required: %w", apperr.ErrInvalidInput)
	}
	if nj.ImagePath == "" && nj.Asset9x16Path == "" && nj.Asset4x5Path == "" {
		return models.Job{}, fmt.Errorf("an image is required: %w", apperr.ErrInvalidInput)
	}
	nj.BoardSlug = models.NormalizeBoardKey(nj.BoardSlug)
	if nj.BoardSlug == "" {
		nj.BoardSlug = DefaultBoard
	}
	job, err := s.store.Enqueue(ctx, nj)
	if err != nil {
		return models.Job{}, err
	}
	telemetry.EnqueueCounter.Inc()
	s.notifier.Notify(ctx, events.TypeEnqueued, job.ID, map[string]any{
		"recipe_id": job.RecipeID,
		"board":     job.BoardSlug,
		"status":    string(job.Status),
	})
	s.log.Info("pin queued", zap.String("job_id", job.ID), zap.String("board", job.BoardSlug), zap.String("status", string(job.Status)))
	return job, nil
}

// Update edits non-status fields. On a failed write the result carries the
// refetched queue so the caller can drop its optimistic copy.
func (s *Service) Update(ctx context.Context, id string, patch models.JobPatch) (UpdateResult, error) {
	if patch.Empty() {
		return UpdateResult{}, fmt.Errorf("empty update: %w", apperr.ErrInvalidInput)
	}
	current, err := s.store.GetJob(ctx, id)
	if err != nil {
		return UpdateResult{}, err
	}
	res := UpdateResult{Tentative: patch.Apply(current)}

	job, err := s.store.UpdateJob(ctx, id, patch)
	if err != nil {
		s.log.Error("update queued pin", zap.String("job_id", id), zap.Error(err))
		if queue, qerr := s.store.ListJobs(ctx, models.JobFilter{}); qerr == nil {
			res.Queue = queue
		}
		return res, err
	}
	res.Job = job
	return res, nil
}

func (s *Service) Remove(ctx context.Context, id string) error {
	if err := s.store.DeleteJob(ctx, id); err != nil {
		return err
	}
	s.log.Info("pin removed", zap.String("job_id", id))
	return nil
}

func (s *Service) List(ctx context.Context, filter models.JobFilter) ([]models.Job, error) {
	jobs, err := s.store.ListJobs(ctx, filter)
	if err != nil {
		return nil, err
	}
	if jobs == nil {
		jobs = []models.Job{}
	}
	return jobs, nil
}

func (s *Service) Stats(ctx context.Context) (models.QueueStats, error) {
	return s.store.Stats(ctx)
}

func (s *Service) defaultBoard(ctx context.Context, cuisine string) (string, error) {
	if cuisine == "" {
		return DefaultBoard, nil
	}
	boards, err := s.store.ListBoards(ctx)
	if err != nil {
		return "", err
	}
	for _, b := range boards {
		if b.IsActive && strings.EqualFold(b.CuisineKey, cuisine) {
			return b.BoardSlug, nil
		}
	}
	return DefaultBoard, nil
}

func (s *Service) description(title string) string {
	if !strings.Contains(s.opts.DescriptionTemplate, "%s") {
		return s.opts.DescriptionTemplate
	}
	return fmt.Sprintf(s.opts.DescriptionTemplate, title)
}

func firstNonEmpty(vals ...string) string {
	for _, v := range vals {
		if v != "" {
			return v
		}
	}
	return ""
}
