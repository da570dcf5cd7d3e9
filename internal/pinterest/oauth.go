package pinterest

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
	"golang.org/x/oauth2"

	"pin-publisher/internal/apperr"
	"pin-publisher/internal/models"
)

const (
	DefaultAuthURL  = "https://www.pinterest.com/oauth/"
	DefaultTokenURL = "https://api.pinterest.com/v5/oauth/token"
	// Pinterest wants the scopes comma separated in a single parameter.
	Scopes = "boards:read,pins:read,pins:write"

	statePrefix = "pinterest:oauth:state:"
)

// OAuthConfig returns nil unless client id, secret and redirect URI are all set.
func OAuthConfig(clientID, clientSecret, redirectURI, authURL, tokenURL string) *oauth2.Config {
	if clientID == "" || clientSecret == "" || redirectURI == "" {
		return nil
	}
	if authURL == "" {
		authURL = DefaultAuthURL
	}
	if tokenURL == "" {
		tokenURL = DefaultTokenURL
	}
	return &oauth2.Config{
		ClientID:     clientID,
		ClientSecret: clientSecret,
		RedirectURL:  redirectURI,
		Scopes:       []string{Scopes},
		Endpoint: oauth2.Endpoint{
			AuthURL:   authURL,
			TokenURL:  tokenURL,
			AuthStyle: oauth2.AuthStyleInHeader,
		},
	}
}

type CredentialSaver interface {
	SaveCredential(ctx context.Context, c models.Credential) error
}

// OAuth runs the authorization code flow. State values live in Redis and
// are single use.
type OAuth struct {
	cfg   *oauth2.Config
	rdb   redis.Cmdable
	store CredentialSaver
	label string
	ttl   time.Duration
	log   *zap.Logger
}

func NewOAuth(cfg *oauth2.Config, rdb redis.Cmdable, st CredentialSaver, label string, stateTTL time.Duration, log *zap.Logger) *OAuth {
	if label == "" {
		label = models.DefaultAccountLabel
	}
	if stateTTL <= 0 {
		stateTTL = 10 * time.Minute
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &OAuth{cfg: cfg, rdb: rdb, store: st, label: label, ttl: stateTTL, log: log}
}

// AuthURL starts a flow and returns the URL to send the operator to.
func (o *OAuth) AuthURL(ctx context.Context) (string, error) {
	if o.cfg == nil {
		return "", fmt.Errorf("oauth client: %w", apperr.ErrNotConfigured)
	}
	state := uuid.New().String()
	if err := o.rdb.Set(ctx, statePrefix+state, o.label, o.ttl).Err(); err != nil {
		return "", fmt.Errorf("store oauth state: %w", err)
	}
	return o.cfg.AuthCodeURL(state), nil
}

// Exchange consumes state, trades code for tokens and stores them.
func (o *OAuth) Exchange(ctx context.Context, code, state string) (models.Credential, error) {
	if o.cfg == nil {
		return models.Credential{}, fmt.Errorf("oauth client: %w", apperr.ErrNotConfigured)
	}
	if code == "" || state == "" {
		return models.Credential{}, fmt.Errorf("code and state are required: %w", apperr.ErrInvalidInput)
	}
	label, err := o.rdb.GetDel(ctx, statePrefix+state).Result()
	if errors.Is(err, redis.Nil) {
		return models.Credential{}, fmt.Errorf("unknown or expired oauth state: %w", apperr.ErrInvalidInput)
	}
	if err != nil {
		return models.Credential{}, fmt.Errorf("load oauth state: %w", err)
	}

	tok, err := o.cfg.Exchange(ctx, code)
	if err != nil {
		perr := &apperr.ProviderError{Message: "token exchange failed", Err: err}
		var rerr *oauth2.RetrieveError
		if errors.As(err, &rerr) && rerr.Response != nil {
			perr.StatusCode = rerr.Response.StatusCode
		}
		return models.Credential{}, fmt.Errorf("exchange code: %w", perr)
	}

	cred := models.Credential{
		AccountLabel: label,
		AccessToken:  tok.AccessToken,
		RefreshToken: tok.RefreshToken,
		Scope:        Scopes,
	}
	if scope, ok := tok.Extra("scope").(string); ok && scope != "" {
		cred.Scope = scope
	}
	if !tok.Expiry.IsZero() {
		exp := tok.Expiry.UTC()
		cred.ExpiresAt = &exp
	}
	if err := o.store.SaveCredential(ctx, cred); err != nil {
		return models.Credential{}, fmt.Errorf("save credential: %w", err)
	}
	o.log.Info("pinterest account connected", zap.String("account", label), zap.String("scope", cred.Scope))
	return cred, nil
}
