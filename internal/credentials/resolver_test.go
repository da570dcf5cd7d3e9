package credentials

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"
	"time"

	"go.uber.org/zap/zaptest"
	"golang.org/x/oauth2"

	"pin-publisher/internal/apperr"
	"pin-publisher/internal/models"
	"pin-publisher/internal/store"
)

type fakeStore struct {
	creds  map[string]models.Credential
	boards map[string]models.BoardMapping
	saved  []models.Credential
}

func (f *fakeStore) GetCredential(_ context.Context, label string) (models.Credential, error) {
	c, ok := f.creds[label]
	if !ok {
		return models.Credential{}, apperr.ErrNotFound
	}
	return c, nil
}

func (f *fakeStore) SaveCredential(_ context.Context, c models.Credential) error {
	f.saved = append(f.saved, c)
	f.creds[c.AccountLabel] = c
	return nil
}

func (f *fakeStore) FindActiveBoard(_ context.Context, key string) (models.BoardMapping, error) {
	b, ok := f.boards[key]
	if !ok || !b.IsActive {
		return models.BoardMapping{}, apperr.ErrNotFound
	}
	return b, nil
}

func TestAccessTokenMissingIsNotConfigured(t *testing.T) {
	r := NewResolver(&fakeStore{creds: map[string]models.Credential{}}, nil, "", zaptest.NewLogger(t))
	if _, err := r.AccessToken(context.Background()); !errors.Is(err, apperr.ErrNotConfigured) {
		t.Fatalf("expected not configured, got %v", err)
	}
}

func TestAccessTokenValid(t *testing.T) {
	exp := time.Now().Add(time.Hour)
	st := &fakeStore{creds: map[string]models.Credential{"default": {AccountLabel: "default", AccessToken: "tok", ExpiresAt: &exp}}}
	tok, err := NewResolver(st, nil, "", zaptest.NewLogger(t)).AccessToken(context.Background())
	if err != nil || tok != "tok" {
		t.Fatalf("got %q %v", tok, err)
	}
}

func TestExpiredTokenWithoutRefreshIsNotConfigured(t *testing.T) {
	exp := time.Now().Add(-time.Hour)
	st := &fakeStore{creds: map[string]models.Credential{"default": {AccountLabel: "default", AccessToken: "tok", ExpiresAt: &exp}}}
	_, err := NewResolver(st, nil, "", zaptest.NewLogger(t)).AccessToken(context.Background())
	if !errors.Is(err, apperr.ErrNotConfigured) {
		t.Fatalf("expected not configured, got %v", err)
	}
}

func TestExpiredTokenIsRefreshedAndPersisted(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if err := r.ParseForm(); err != nil || r.Form.Get("grant_type") != "refresh_token" || r.Form.Get("refresh_token") != "ref" {
			http.Error(w, "bad grant", http.StatusBadRequest)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"access_token":"fresh","refresh_token":"ref2","token_type":"bearer","expires_in":3600,"scope":"pins:write"}`))
	}))
	defer srv.Close()

	exp := time.Now().Add(-time.Minute)
	st := &fakeStore{creds: map[string]models.Credential{"default": {AccountLabel: "default", AccessToken: "stale", RefreshToken: "ref", ExpiresAt: &exp}}}
	cfg := &oauth2.Config{ClientID: "id", ClientSecret: "secret", Endpoint: oauth2.Endpoint{TokenURL: srv.URL, AuthStyle: oauth2.AuthStyleInHeader}}

	tok, err := NewResolver(st, cfg, "", zaptest.NewLogger(t)).AccessToken(context.Background())
	if err != nil || tok != "fresh" {
		t.Fatalf("got %q %v", tok, err)
	}
	if len(st.saved) != 1 || st.saved[0].RefreshToken != "ref2" || st.saved[0].ExpiresAt == nil || st.saved[0].Scope != "pins:write" {
		t.Fatalf("refreshed token not persisted: %+v", st.saved)
	}
}

func TestRefreshRejectedIsNotConfigured(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusUnauthorized)
		_, _ = w.Write([]byte(`{"error":"invalid_grant"}`))
	}))
	defer srv.Close()

	exp := time.Now().Add(-time.Minute)
	st := &fakeStore{creds: map[string]models.Credential{"default": {AccountLabel: "default", AccessToken: "stale", RefreshToken: "revoked", ExpiresAt: &exp}}}
	cfg := &oauth2.Config{ClientID: "id", ClientSecret: "secret", Endpoint: oauth2.Endpoint{TokenURL: srv.URL, AuthStyle: oauth2.AuthStyleInHeader}}
	_, err := NewResolver(st, cfg, "", zaptest.NewLogger(t)).AccessToken(context.Background())
	if !errors.Is(err, apperr.ErrNotConfigured) {
		t.Fatalf("expected not configured, got %v", err)
	}
}

func TestResolveBoard(t *testing.T) {
	st := &fakeStore{boards: map[string]models.BoardMapping{
		"diner-italien": {BoardSlug: "diner-italien", PinterestBoardID: "11223", IsActive: true},
		"idees-dej":     {BoardSlug: "idees-dej", PinterestBoardID: "44556", IsActive: false},
		"sans-id":       {BoardSlug: "sans-id", IsActive: true},
	}}
	r := NewResolver(st, nil, "", zaptest.NewLogger(t))
	ctx := context.Background()

	b, err := r.ResolveBoard(ctx, " Diner-Italien ")
	if err != nil || b.PinterestBoardID != "11223" {
		t.Fatalf("got %+v %v", b, err)
	}
	for _, key := range []string{"idees-dej", "inconnu", "", "sans-id"} {
		if _, err := r.ResolveBoard(ctx, key); !errors.Is(err, apperr.ErrUnmappedBoard) {
			t.Fatalf("%q: expected unmapped board, got %v", key, err)
		}
	}
}

func TestResolveBoardMixedCaseMapping(t *testing.T) {
	ctx := context.Background()
	st, err := store.NewSQLite(ctx, filepath.Join(t.TempDir(), "pins.db"), store.Options{})
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(st.Close)
	if err := st.RunMigrations(ctx); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	if _, err := st.CreateBoard(ctx, models.BoardMapping{CuisineKey: "Italien", BoardSlug: "Diner-Italien", PinterestBoardID: "b1", IsActive: true}); err != nil {
		t.Fatalf("create board: %v", err)
	}

	r := NewResolver(st, nil, "", zaptest.NewLogger(t))
	for _, key := range []string{"Diner-Italien", "diner-italien", "Italien"} {
		b, err := r.ResolveBoard(ctx, key)
		if err != nil || b.PinterestBoardID != "b1" {
			t.Fatalf("%q: got %+v %v", key, b, err)
		}
	}
}
