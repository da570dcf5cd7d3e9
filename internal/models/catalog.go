package models

import (
	"strings"
	"time"
)

// BoardMapping maps a cuisine key to a Pinterest board.
type BoardMapping struct {
	ID               string `json:"id"`
	CuisineKey       string `json:"cuisine_key"`
	BoardSlug        string `json:"board_slug"`
	BoardName        string `json:"board_name"`
	PinterestBoardID string `json:"pinterest_board_id"`
	IsActive         bool   `json:"is_active"`
}

// NormalizeBoardKey is the form board slugs and cuisine keys are stored and
// looked up in.
func NormalizeBoardKey(key string) string {
	return strings.ToLower(strings.TrimSpace(key))
}

// Normalize lowercases the lookup keys of b.
func (b *BoardMapping) Normalize() {
	b.BoardSlug = NormalizeBoardKey(b.BoardSlug)
	b.CuisineKey = NormalizeBoardKey(b.CuisineKey)
}

// BoardPatch edits a board mapping. Nil fields are left untouched.
type BoardPatch struct {
	CuisineKey       *string `json:"cuisine_key,omitempty"`
	BoardName        *string `json:"board_name,omitempty"`
	PinterestBoardID *string `json:"pinterest_board_id,omitempty"`
	IsActive         *bool   `json:"is_active,omitempty"`
}

func (p *BoardPatch) Normalize() {
	if p.CuisineKey != nil {
		k := NormalizeBoardKey(*p.CuisineKey)
		p.CuisineKey = &k
	}
}

// DefaultAccountLabel is the credential row used when none is named.
const DefaultAccountLabel = "default"

// Credential is a stored OAuth token for one Pinterest account.
type Credential struct {
	AccountLabel string     `json:"account_label"`
	AccessToken  string     `json:"-"`
	RefreshToken string     `json:"-"`
	ExpiresAt    *time.Time `json:"expires_at,omitempty"`
	Scope        string     `json:"scope"`
	UpdatedAt    time.Time  `json:"updated_at"`
}

// Usable reports whether the access token can be sent at time now.
func (c Credential) Usable(now time.Time) bool {
	if c.AccessToken == "" {
		return false
	}
	return c.ExpiresAt == nil || c.ExpiresAt.After(now)
}

// Recipe is the content a pin is derived from.
type Recipe struct {
	ID               string    `json:"id"`
	Title            string    `json:"title"`
	CuisineType      string    `json:"cuisine_type"`
	Badges           []string  `json:"badges"`
	ImageURL         string    `json:"image_url"`
	IngredientsCount int       `json:"ingredients_count"`
	CreatedAt        time.Time `json:"created_at"`
}

// Settings is the non-secret dashboard configuration document.
type Settings struct {
	Timezone          string `json:"timezone"`
	Language          string `json:"language"`
	DefaultUTMSource  string `json:"defaultUtmSource"`
	GoogleAnalyticsID string `json:"googleAnalyticsId"`
	CloudinaryName    string `json:"cloudinaryName,omitempty"`
}
