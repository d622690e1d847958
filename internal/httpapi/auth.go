package httpapi

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"golang.org/x/crypto/bcrypt"

	"mega_coin/internal/store"
)

type actorKey struct{}

func actorFrom(ctx context.Context) (int64, bool) {
	id, ok := ctx.Value(actorKey{}).(int64)
	return id, ok
}

// Auth issues and checks admin session tokens. The login is a shared panel
// password (bcrypt hash in config) plus the caller's account id; the account
// must hold a moderation role. Role checks per action stay in the gate, so a
// token outliving a demotion cannot escalate.
type Auth struct {
	store        store.Store
	secret       []byte
	passwordHash string
	ttl          time.Duration
	now          func() time.Time
}

func NewAuth(st store.Store, secret, passwordHash string, ttl time.Duration) *Auth {
	return &Auth{
		store:        st,
		secret:       []byte(secret),
		passwordHash: passwordHash,
		ttl:          ttl,
		now:          time.Now,
	}
}

func (a *Auth) Enabled() bool {
	return a != nil && len(a.secret) > 0 && a.passwordHash != ""
}

type sessionClaims struct {
	UserID int64 `json:"uid"`
	jwt.RegisteredClaims
}

func (a *Auth) Login(ctx context.Context, userID int64, password string) (string, error) {
	if !a.Enabled() {
		return "", fmt.Errorf("admin login disabled")
	}
	if err := bcrypt.CompareHashAndPassword([]byte(a.passwordHash), []byte(password)); err != nil {
		return "", fmt.Errorf("bad credentials")
	}
	acct, err := a.store.Get(ctx, userID)
	if err != nil || acct.Role.Level() < store.RoleModerator.Level() {
		return "", fmt.Errorf("bad credentials")
	}

	now := a.now()
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, sessionClaims{
		UserID: userID,
		RegisteredClaims: jwt.RegisteredClaims{
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(a.ttl)),
		},
	})
	return token.SignedString(a.secret)
}

func (a *Auth) Verify(raw string) (int64, error) {
	var claims sessionClaims
	_, err := jwt.ParseWithClaims(raw, &claims, func(t *jwt.Token) (any, error) {
		if t.Method != jwt.SigningMethodHS256 {
			return nil, fmt.Errorf("unexpected signing method %v", t.Method.Alg())
		}
		return a.secret, nil
	}, jwt.WithTimeFunc(a.now))
	if err != nil {
		return 0, err
	}
	if claims.UserID <= 0 {
		return 0, fmt.Errorf("missing subject")
	}
	return claims.UserID, nil
}

// Middleware requires a valid Bearer token and stores the actor id in the
// request context.
func (a *Auth) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !a.Enabled() {
			writeError(w, http.StatusServiceUnavailable, "admin api disabled")
			return
		}
		raw := strings.TrimSpace(strings.TrimPrefix(r.Header.Get("Authorization"), "Bearer"))
		if raw == "" {
			writeError(w, http.StatusUnauthorized, "missing token")
			return
		}
		uid, err := a.Verify(raw)
		if err != nil {
			writeError(w, http.StatusUnauthorized, "invalid token")
			return
		}
		next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), actorKey{}, uid)))
	})
}

func (s *Server) handleLogin(w http.ResponseWriter, r *http.Request) {
	var req struct {
		UserID   int64  `json:"user_id"`
		Password string `json:"password"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid body")
		return
	}
	token, err := s.auth.Login(r.Context(), req.UserID, req.Password)
	if err != nil {
		if s.guard != nil {
			s.guard.RecordAuthFail(s.guard.ClientIP(r))
		}
		writeError(w, http.StatusUnauthorized, "bad credentials")
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"token": token})
}
