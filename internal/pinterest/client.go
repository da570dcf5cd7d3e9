// Package pinterest talks to the Pinterest v5 REST API: pin creation and the
// OAuth code flow.
package pinterest

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"go.uber.org/zap"

	"pin-publisher/internal/apperr"
	"pin-publisher/internal/telemetry"
)

const (
	DefaultBaseURL = "https://api.pinterest.com/v5"
	rateLimitKey   = "pinterest:pins"
	maxErrorBody   = 1 << 20
)

// Limiter gates outgoing calls. ratelimit.TokenBucket satisfies it.
type Limiter interface {
	Allow(ctx context.Context, key string) (bool, float64, error)
}

type MediaSource struct {
	SourceType string `json:"source_type"`
	URL        string `json:"url"`
}

type CreatePinRequest struct {
	BoardID     string      `json:"board_id"`
	Title       string      `json:"title,omitempty"`
	Description string      `json:"description,omitempty"`
	Link        string      `json:"link,omitempty"`
	AltText     string      `json:"alt_text,omitempty"`
	MediaSource MediaSource `json:"media_source"`
}

type Pin struct {
	ID      string `json:"id"`
	BoardID string `json:"board_id"`
	Link    string `json:"link"`
}

// URL is the public page of the pin.
func (p Pin) URL() string {
	if p.ID == "" {
		return ""
	}
	return "https://www.pinterest.com/pin/" + p.ID + "/"
}

type apiError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

type Client struct {
	baseURL string
	http    *http.Client
	limiter Limiter
	log     *zap.Logger
}

type Option func(*Client)

func WithLimiter(l Limiter) Option { return func(c *Client) { c.limiter = l } }

func WithHTTPClient(h *http.Client) Option { return func(c *Client) { c.http = h } }

// NewClient builds a client whose calls are bounded by timeout.
func NewClient(baseURL string, timeout time.Duration, log *zap.Logger, opts ...Option) *Client {
	if baseURL == "" {
		baseURL = DefaultBaseURL
	}
	if log == nil {
		log = zap.NewNop()
	}
	c := &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		http:    &http.Client{Timeout: timeout},
		log:     log,
	}
	for _, o := range opts {
		o(c)
	}
	return c
}

// CreatePin posts one pin. Every failure is an *apperr.ProviderError.
func (c *Client) CreatePin(ctx context.Context, token string, req CreatePinRequest) (Pin, error) {
	if err := c.acquire(ctx); err != nil {
		return Pin{}, err
	}

	body, err := json.Marshal(req)
	if err != nil {
		return Pin{}, fmt.Errorf("marshal pin: %w", err)
	}
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/pins", bytes.NewReader(body))
	if err != nil {
		return Pin{}, fmt.Errorf("build request: %w", err)
	}
	httpReq.Header.Set("Authorization", "Bearer "+token)
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(httpReq)
	if err != nil {
		return Pin{}, transportError(err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
	if err != nil {
		return Pin{}, transportError(err)
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return Pin{}, responseError(resp.StatusCode, raw)
	}

	var pin Pin
	if err := json.Unmarshal(raw, &pin); err != nil || pin.ID == "" {
		return Pin{}, &apperr.ProviderError{
			StatusCode: resp.StatusCode,
			Message:    "response carries no pin id",
			Err:        err,
		}
	}
	return pin, nil
}

func (c *Client) acquire(ctx context.Context) error {
	if c.limiter == nil {
		return nil
	}
	allowed, _, err := c.limiter.Allow(ctx, rateLimitKey)
	if err != nil {
		// Fail open when Redis is down.
		c.log.Warn("rate limiter unavailable, calling provider anyway", zap.Error(err))
		return nil
	}
	if !allowed {
		telemetry.RateLimitRejects.Inc()
		return &apperr.ProviderError{
			StatusCode: http.StatusTooManyRequests,
			Code:       http.StatusTooManyRequests,
			Message:    "local rate limit exceeded",
			Temporary:  true,
		}
	}
	return nil
}

func transportError(err error) error {
	msg := err.Error()
	if errors.Is(err, context.DeadlineExceeded) || isTimeout(err) {
		msg = "request timed out"
	}
	return &apperr.ProviderError{Message: msg, Temporary: true, Err: err}
}

func isTimeout(err error) bool {
	var t interface{ Timeout() bool }
	return errors.As(err, &t) && t.Timeout()
}

func responseError(status int, raw []byte) error {
	var body apiError
	_ = json.Unmarshal(raw, &body)
	msg := body.Message
	if msg == "" {
		msg = strings.TrimSpace(string(raw))
	}
	if msg == "" {
		msg = http.StatusText(status)
	}
	return &apperr.ProviderError{
		StatusCode: status,
		Code:       body.Code,
		Message:    msg,
		Temporary:  status == http.StatusTooManyRequests || status >= 500,
	}
}
