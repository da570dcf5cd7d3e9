package models

import (
	"fmt"
	"strings"
	"time"
)

// Status enumerates pin job lifecycle states persisted in the queue.
type Status string

const (
	StatusScheduled  Status = "scheduled"
	StatusPending    Status = "pending"
	StatusRendered   Status = "rendered"
	StatusProcessing Status = "processing"
	StatusPosted     Status = "posted"
	StatusFailed     Status = "failed"
)

// legacyStatusError is what older dashboard revisions wrote for failures.
const legacyStatusError = "error"

// ParseStatus validates s, normalizing the legacy "error" value to failed.
func ParseStatus(s string) (Status, error) {
	switch v := strings.ToLower(strings.TrimSpace(s)); v {
	case legacyStatusError:
		return StatusFailed, nil
	case string(StatusScheduled), string(StatusPending), string(StatusRendered),
		string(StatusProcessing), string(StatusPosted), string(StatusFailed):
		return Status(v), nil
	default:
		return "", fmt.Errorf("unknown status %q", s)
	}
}

// Claimable reports whether a worker may take a job in this state.
func (s Status) Claimable() bool {
	return s == StatusPending || s == StatusRendered
}

// PlatformPinterest is the only platform this pipeline publishes to.
const PlatformPinterest = "pinterest"

// UTMStats are traffic counters attributed to a published pin.
type UTMStats struct {
	Clicks      int64 `json:"clicks"`
	Impressions int64 `json:"impressions"`
	Saves       int64 `json:"saves"`
}

// Job is one queued pin.
type Job struct {
	ID              string     `json:"id"`
	RecipeID        string     `json:"recipe_id"`
	RecipeTitle     string     `json:"recipe_title"`
	Platform        string     `json:"platform"`
	Status          Status     `json:"status"`
	PinTitle        string     `json:"pin_title"`
	PinDescription  string     `json:"pin_description"`
	BoardSlug       string     `json:"board_slug"`
	DestinationURL  string     `json:"destination_url"`
	ImagePath       string     `json:"image_path"`
	Asset9x16Path   string     `json:"asset_9x16_path,omitempty"`
	Asset4x5Path    string     `json:"asset_4x5_path,omitempty"`
	ExternalPostID  string     `json:"external_post_id,omitempty"`
	ExternalPostURL string     `json:"external_post_url,omitempty"`
	PublishError    string     `json:"publish_error,omitempty"`
	Attempts        int        `json:"attempts"`
	LockedAt        *time.Time `json:"locked_at,omitempty"`
	ScheduledAt     *time.Time `json:"scheduled_at,omitempty"`
	PublishedAt     *time.Time `json:"published_at,omitempty"`
	UTMStats        UTMStats   `json:"utm_stats"`
	CreatedAt       time.Time  `json:"created_at"`
	UpdatedAt       time.Time  `json:"updated_at"`
}

// HasAsset reports whether a rendered asset is attached.
func (j Job) HasAsset() bool {
	return j.Asset9x16Path != "" || j.Asset4x5Path != ""
}

// ReadyStatus is the pre-processing state a job returns to on reset,
// release or schedule promotion.
func (j Job) ReadyStatus() Status {
	if j.HasAsset() {
		return StatusRendered
	}
	return StatusPending
}

// NewJob collects the fields an operator supplies when queueing a pin.
type NewJob struct {
	RecipeID       string
	RecipeTitle    string
	PinTitle       string
	PinDescription string
	BoardSlug      string
	DestinationURL string
	ImagePath      string
	Asset9x16Path  string
	Asset4x5Path   string
	ScheduledAt    *time.Time
}

// InitialStatus picks the state a new job enters the queue with.
func (n NewJob) InitialStatus(now time.Time) Status {
	if n.ScheduledAt != nil && n.ScheduledAt.After(now) {
		return StatusScheduled
	}
	if n.Asset9x16Path != "" || n.Asset4x5Path != "" {
		return StatusRendered
	}
	return StatusPending
}

// JobPatch edits non-status fields of a job. Nil fields are left untouched.
type JobPatch struct {
	PinTitle       *string    `json:"pin_title,omitempty"`
	PinDescription *string    `json:"pin_description,omitempty"`
	BoardSlug      *string    `json:"board_slug,omitempty"`
	DestinationURL *string    `json:"destination_url,omitempty"`
	ImagePath      *string    `json:"image_path,omitempty"`
	ScheduledAt    *time.Time `json:"scheduled_at,omitempty"`
	UTMStats       *UTMStats  `json:"utm_stats,omitempty"`
}

// Empty reports whether the patch changes nothing.
func (p JobPatch) Empty() bool {
	return p.PinTitle == nil && p.PinDescription == nil && p.BoardSlug == nil &&
		p.DestinationURL == nil && p.ImagePath == nil && p.ScheduledAt == nil && p.UTMStats == nil
}

// Apply returns a copy of j with the patch merged in.
func (p JobPatch) Apply(j Job) Job {
	if p.PinTitle != nil {
		j.PinTitle = *p.PinTitle
	}
	if p.PinDescription != nil {
		j.PinDescription = *p.PinDescription
	}
	if p.BoardSlug != nil {
		j.BoardSlug = *p.BoardSlug
	}
	if p.DestinationURL != nil {
		j.DestinationURL = *p.DestinationURL
	}
	if p.ImagePath != nil {
		j.ImagePath = *p.ImagePath
	}
	if p.ScheduledAt != nil {
		at := *p.ScheduledAt
		j.ScheduledAt = &at
	}
	if p.UTMStats != nil {
		j.UTMStats = *p.UTMStats
	}
	return j
}

// JobFilter narrows ListJobs.
type JobFilter struct {
	Status Status
	Limit  int
}

// Published is what a successful publish writes back to the queue.
type Published struct {
	ExternalID  string
	ExternalURL string
}

// QueueStats feeds the dashboard counters.
type QueueStats struct {
	TotalPins        int64 `json:"totalPins"`
	Published        int64 `json:"published"`
	Scheduled        int64 `json:"scheduled"`
	Errors           int64 `json:"errors"`
	TotalClicks      int64 `json:"totalClicks"`
	TotalImpressions int64 `json:"totalImpressions"`
}
