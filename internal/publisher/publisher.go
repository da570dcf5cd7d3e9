// Package publisher turns one queued job into one Pinterest pin. It never
// writes to the queue; callers record the outcome.
package publisher

import (
	"context"
	"fmt"
	"net/url"
	"strings"

	"go.uber.org/zap"

	"pin-publisher/internal/apperr"
	"pin-publisher/internal/models"
	"pin-publisher/internal/pinterest"
)

type Resolver interface {
	AccessToken(ctx context.Context) (string, error)
	ResolveBoard(ctx context.Context, key string) (models.BoardMapping, error)
}

type PinCreator interface {
	CreatePin(ctx context.Context, token string, req pinterest.CreatePinRequest) (pinterest.Pin, error)
}

// SettingsSource supplies the dashboard settings document.
type SettingsSource interface {
	GetSettings(ctx context.Context) (models.Settings, error)
}

type Result struct {
	ExternalID  string `json:"external_id"`
	ExternalURL string `json:"external_url,omitempty"`
	BoardID     string `json:"board_id"`
}

// Published converts the result into the store's write-back shape.
func (r Result) Published() models.Published {
	return models.Published{ExternalID: r.ExternalID, ExternalURL: r.ExternalURL}
}

type Options struct {
	// LinkBase prefixes the recipe id when a job has no destination URL.
	LinkBase  string
	UTMSource string
	// Settings, when set, overrides UTMSource with the saved
	// DefaultUTMSource on every publish.
	Settings SettingsSource
}

type Publisher struct {
	resolver Resolver
	client   PinCreator
	opts     Options
	log      *zap.Logger
}

func New(resolver Resolver, client PinCreator, opts Options, log *zap.Logger) *Publisher {
	if log == nil {
		log = zap.NewNop()
	}
	return &Publisher{resolver: resolver, client: client, opts: opts, log: log}
}

// Publish makes exactly one provider call for job. Errors carry the
// apperr taxonomy: ErrNotConfigured, ErrUnmappedBoard, ErrInvalidJob or
// *apperr.ProviderError.
func (p *Publisher) Publish(ctx context.Context, job models.Job) (Result, error) {
	token, err := p.resolver.AccessToken(ctx)
	if err != nil {
		return Result{}, err
	}
	board, err := p.resolver.ResolveBoard(ctx, job.BoardSlug)
	if err != nil {
		return Result{}, err
	}
	req, err := p.buildRequest(job, board, p.utmSource(ctx))
	if err != nil {
		return Result{}, err
	}

	pin, err := p.client.CreatePin(ctx, token, req)
	if err != nil {
		return Result{}, fmt.Errorf("publish %s: %w", job.ID, err)
	}
	p.log.Info("pin published",
		zap.String("job_id", job.ID),
		zap.String("board", board.BoardSlug),
		zap.String("external_id", pin.ID))
	return Result{ExternalID: pin.ID, ExternalURL: pin.URL(), BoardID: board.PinterestBoardID}, nil
}

// BuildRequest assembles the provider payload for job on board using the
// configured UTM source.
func (p *Publisher) BuildRequest(job models.Job, board models.BoardMapping) (pinterest.CreatePinRequest, error) {
	return p.buildRequest(job, board, p.opts.UTMSource)
}

func (p *Publisher) buildRequest(job models.Job, board models.BoardMapping, utmSource string) (pinterest.CreatePinRequest, error) {
	image := firstNonEmpty(job.Asset9x16Path, job.Asset4x5Path, job.ImagePath)
	if image == "" {
		return pinterest.CreatePinRequest{}, fmt.Errorf("job %s has no image: %w", job.ID, apperr.ErrInvalidJob)
	}
	title := firstNonEmpty(job.PinTitle, job.RecipeTitle)
	return pinterest.CreatePinRequest{
		BoardID:     board.PinterestBoardID,
		Title:       truncate(title, 100),
		Description: truncate(job.PinDescription, 500),
		Link:        p.link(job, utmSource),
		AltText:     truncate(title, 500),
		MediaSource: pinterest.MediaSource{SourceType: "image_url", URL: image},
	}, nil
}

// utmSource prefers the saved settings; a failed read keeps the configured
// value so the pin still goes out.
func (p *Publisher) utmSource(ctx context.Context) string {
	if p.opts.Settings == nil {
		return p.opts.UTMSource
	}
	settings, err := p.opts.Settings.GetSettings(ctx)
	if err != nil {
		p.log.Warn("read settings, using configured utm source", zap.Error(err))
		return p.opts.UTMSource
	}
	if src := strings.TrimSpace(settings.DefaultUTMSource); src != "" {
		return src
	}
	return p.opts.UTMSource
}

func (p *Publisher) link(job models.Job, utmSource string) string {
	if job.DestinationURL != "" {
		return job.DestinationURL
	}
	if p.opts.LinkBase == "" || job.RecipeID == "" {
		return ""
	}
	link := p.opts.LinkBase + url.PathEscape(job.RecipeID)
	if utmSource == "" {
		return link
	}
	u, err := url.Parse(link)
	if err != nil {
		return link
	}
	q := u.Query()
	q.Set("utm_source", utmSource)
	q.Set("utm_medium", "social")
	u.RawQuery = q.Encode()
	return u.String()
}

func firstNonEmpty(vals ...string) string {
	for _, v := range vals {
		if v = strings.TrimSpace(v); v != "" {
			return v
		}
	}
	return ""
}

// truncate cuts s to at most n runes; Pinterest rejects longer fields.
func truncate(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n])
}
