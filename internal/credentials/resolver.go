// Package credentials resolves the Pinterest access token and the target
// board for a job.
package credentials

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"
	"golang.org/x/oauth2"

	"pin-publisher/internal/apperr"
	"pin-publisher/internal/models"
)

// Store is the slice of the queue store the resolver reads.
type Store interface {
	GetCredential(ctx context.Context, label string) (models.Credential, error)
	SaveCredential(ctx context.Context, c models.Credential) error
	FindActiveBoard(ctx context.Context, key string) (models.BoardMapping, error)
}

type Resolver struct {
	store Store
	oauth *oauth2.Config
	label string
	log   *zap.Logger
	now   func() time.Time
}

// NewResolver builds a resolver. oauthCfg may be nil, in which case expired
// tokens are reported as not configured instead of refreshed.
func NewResolver(st Store, oauthCfg *oauth2.Config, label string, log *zap.Logger) *Resolver {
	if label == "" {
		label = models.DefaultAccountLabel
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &Resolver{store: st, oauth: oauthCfg, label: label, log: log, now: time.Now}
}

// AccessToken returns a usable bearer token for the configured account.
func (r *Resolver) AccessToken(ctx context.Context) (string, error) {
	cred, err := r.store.GetCredential(ctx, r.label)
	if errors.Is(err, apperr.ErrNotFound) {
		return "", fmt.Errorf("no credential for %q: %w", r.label, apperr.ErrNotConfigured)
	}
	if err != nil {
		return "", fmt.Errorf("load credential: %w", err)
	}
	now := r.now()
	if cred.Usable(now) {
		return cred.AccessToken, nil
	}
	if cred.AccessToken == "" {
		return "", fmt.Errorf("empty access token for %q: %w", r.label, apperr.ErrNotConfigured)
	}
	if cred.RefreshToken == "" || r.oauth == nil {
		return "", fmt.Errorf("access token for %q expired: %w", r.label, apperr.ErrNotConfigured)
	}
	return r.refresh(ctx, cred)
}

func (r *Resolver) refresh(ctx context.Context, cred models.Credential) (string, error) {
	expired := &oauth2.Token{
		AccessToken:  cred.AccessToken,
		RefreshToken: cred.RefreshToken,
		Expiry:       time.Unix(1, 0),
	}
	tok, err := r.oauth.TokenSource(ctx, expired).Token()
	if err != nil {
		r.log.Warn("pinterest token refresh failed", zap.String("account", cred.AccountLabel), zap.Error(err))
		return "", fmt.Errorf("%w: refresh for %q failed: %v", apperr.ErrNotConfigured, cred.AccountLabel, err)
	}

	cred.AccessToken = tok.AccessToken
	if tok.RefreshToken != "" {
		cred.RefreshToken = tok.RefreshToken
	}
	cred.ExpiresAt = nil
	if !tok.Expiry.IsZero() {
		exp := tok.Expiry.UTC()
		cred.ExpiresAt = &exp
	}
	if scope, ok := tok.Extra("scope").(string); ok && scope != "" {
		cred.Scope = scope
	}
	if err := r.store.SaveCredential(ctx, cred); err != nil {
		// The fresh token is still good for this call.
		r.log.Error("persist refreshed token", zap.String("account", cred.AccountLabel), zap.Error(err))
	}
	r.log.Info("pinterest token refreshed", zap.String("account", cred.AccountLabel))
	return tok.AccessToken, nil
}

// ResolveBoard maps a job's board slug (or cuisine key) to an active
// Pinterest board.
func (r *Resolver) ResolveBoard(ctx context.Context, key string) (models.BoardMapping, error) {
	key = models.NormalizeBoardKey(key)
	if key == "" {
		return models.BoardMapping{}, fmt.Errorf("empty board slug: %w", apperr.ErrUnmappedBoard)
	}
	b, err := r.store.FindActiveBoard(ctx, key)
	if errors.Is(err, apperr.ErrNotFound) {
		return models.BoardMapping{}, fmt.Errorf("board %q: %w", key, apperr.ErrUnmappedBoard)
	}
	if err != nil {
		return models.BoardMapping{}, fmt.Errorf("resolve board: %w", err)
	}
	if b.PinterestBoardID == "" {
		return models.BoardMapping{}, fmt.Errorf("board %q has no pinterest id: %w", key, apperr.ErrUnmappedBoard)
	}
	return b, nil
}
