// Package auth guards the internal and dashboard endpoints. A request passes
// with either the shared service key or an HS256 admin token.
package auth

import (
	"crypto/hmac"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/base64"
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"time"

	"go.uber.org/zap"
)

const (
	HeaderInternalSecret = "X-Internal-Secret"
	RoleAdmin            = "admin"
)

var (
	ErrTokenInvalid = errors.New("invalid token")
	ErrTokenExpired = errors.New("token expired")
	ErrForbidden    = errors.New("admin role required")
)

type Claims struct {
	Subject   string `json:"sub"`
	Role      string `json:"role"`
	IssuedAt  int64  `json:"iat"`
	ExpiresAt int64  `json:"exp"`
}

type tokenHeader struct {
	Algorithm string `json:"alg"`
	Type      string `json:"typ"`
}

type Authenticator struct {
	internalKey []byte
	signingKey  []byte
	log         *zap.Logger
	nowFunc     func() time.Time
}

func New(internalKey, jwtSecret string, log *zap.Logger) *Authenticator {
	if log == nil {
		log = zap.NewNop()
	}
	return &Authenticator{
		internalKey: []byte(internalKey),
		signingKey:  []byte(jwtSecret),
		log:         log,
		nowFunc:     time.Now,
	}
}

// IssueAdminToken signs an admin token for subject, valid for ttl.
func (a *Authenticator) IssueAdminToken(subject string, ttl time.Duration) (string, error) {
	if len(a.signingKey) == 0 {
		return "", errors.New("jwt secret not configured")
	}
	if ttl <= 0 {
		ttl = time.Hour
	}
	now := a.nowFunc()
	headerSegment, err := encodeSegment(tokenHeader{Algorithm: "HS256", Type: "JWT"})
	if err != nil {
		return "", err
	}
	payloadSegment, err := encodeSegment(Claims{
		Subject:   subject,
		Role:      RoleAdmin,
		IssuedAt:  now.Unix(),
		ExpiresAt: now.Add(ttl).Unix(),
	})
	if err != nil {
		return "", err
	}
	sig := signSegments(a.signingKey, headerSegment, payloadSegment)
	return strings.Join([]string{headerSegment, payloadSegment, sig}, "."), nil
}

// ValidateToken checks signature, algorithm and expiry. It does not check the
// role.
func (a *Authenticator) ValidateToken(token string) (*Claims, error) {
	if len(a.signingKey) == 0 || token == "" {
		return nil, ErrTokenInvalid
	}
	parts := strings.Split(token, ".")
	if len(parts) != 3 {
		return nil, ErrTokenInvalid
	}
	expected := signSegments(a.signingKey, parts[0], parts[1])
	if !hmac.Equal([]byte(parts[2]), []byte(expected)) {
		return nil, ErrTokenInvalid
	}

	var header tokenHeader
	if err := decodeSegment(parts[0], &header); err != nil || header.Algorithm != "HS256" {
		return nil, ErrTokenInvalid
	}
	var claims Claims
	if err := decodeSegment(parts[1], &claims); err != nil {
		return nil, ErrTokenInvalid
	}
	if claims.ExpiresAt == 0 || a.nowFunc().Unix() >= claims.ExpiresAt {
		return nil, ErrTokenExpired
	}
	return &claims, nil
}

// Authorize reports whether r carries the service key or an admin token.
func (a *Authenticator) Authorize(r *http.Request) error {
	if secret := r.Header.Get(HeaderInternalSecret); secret != "" && len(a.internalKey) > 0 {
		if subtle.ConstantTimeCompare([]byte(secret), a.internalKey) == 1 {
			return nil
		}
		return ErrTokenInvalid
	}
	token, ok := strings.CutPrefix(r.Header.Get("Authorization"), "Bearer ")
	if !ok {
		return ErrTokenInvalid
	}
	claims, err := a.ValidateToken(strings.TrimSpace(token))
	if err != nil {
		return err
	}
	if claims.Role != RoleAdmin {
		return ErrForbidden
	}
	return nil
}

func (a *Authenticator) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		err := a.Authorize(r)
		if err == nil {
			next.ServeHTTP(w, r)
			return
		}
		a.log.Warn("request rejected", zap.String("path", r.URL.Path), zap.Error(err))
		code := http.StatusUnauthorized
		if errors.Is(err, ErrForbidden) {
			code = http.StatusForbidden
		}
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(code)
		_ = json.NewEncoder(w).Encode(map[string]string{"error": err.Error(), "code": "UNAUTHORIZED"})
	})
}

func encodeSegment(v any) (string, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return "", err
	}
	return base64.RawURLEncoding.EncodeToString(raw), nil
}

func decodeSegment(segment string, dst any) error {
	raw, err := base64.RawURLEncoding.DecodeString(segment)
	if err != nil {
		return err
	}
	return json.Unmarshal(raw, dst)
}

func signSegments(secret []byte, header, payload string) string {
	h := hmac.New(sha256.New, secret)
	h.Write([]byte(header))
	h.Write([]byte("."))
	h.Write([]byte(payload))
	return base64.RawURLEncoding.EncodeToString(h.Sum(nil))
}
