package server

import (
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/maruel/datarest/internal/dataset"
	apierrors "github.com/maruel/datarest/internal/errors"
	"github.com/maruel/datarest/internal/server/handlers"
	"github.com/maruel/datarest/internal/server/ratelimit"
	"github.com/maruel/datarest/internal/server/reqctx"
)

// Claims is the JWT payload identifying an actor.
type Claims struct {
	jwt.RegisteredClaims
	Name  string `json:"name,omitempty"`
	Admin bool   `json:"admin,omitempty"`
}

// ActorMiddleware resolves the optional bearer token into the request actor.
//
// Requests without an Authorization header stay anonymous. An invalid token
// is rejected with 401.
func ActorMiddleware(jwtSecret []byte) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ctx := reqctx.WithClientIP(r.Context(), reqctx.GetClientIP(r))
			if authHeader := r.Header.Get("Authorization"); authHeader != "" {
				actor, err := parseActor(authHeader, jwtSecret)
				if err != nil {
					slog.DebugContext(ctx, "Rejected token", "err", err)
					handlers.WriteErrorResponse(w, http.StatusUnauthorized, apierrors.ErrUnauthorized, "invalid token", nil)
					return
				}
				ctx = reqctx.WithActor(ctx, actor)
			}
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

func parseActor(authHeader string, jwtSecret []byte) (*dataset.Actor, error) {
	tokenString, ok := strings.CutPrefix(authHeader, "Bearer ")
	if !ok {
		return nil, errors.New("invalid authorization header")
	}
	claims := &Claims{}
	token, err := jwt.ParseWithClaims(tokenString, claims, func(token *jwt.Token) (any, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
		}
		return jwtSecret, nil
	})
	if err != nil {
		return nil, err
	}
	if !token.Valid {
		return nil, errors.New("invalid token")
	}
	if claims.Subject == "" {
		return nil, errors.New("missing subject")
	}
	return &dataset.Actor{ID: claims.Subject, Name: claims.Name, AdminMode: claims.Admin}, nil
}

// NewToken signs a token for the actor, valid for ttl.
func NewToken(jwtSecret []byte, actor *dataset.Actor, ttl time.Duration) (string, error) {
	now := time.Now()
	claims := Claims{
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   actor.ID,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
		},
		Name:  actor.Name,
		Admin: actor.AdminMode,
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(jwtSecret)
}

// BodyLimit caps the size of request bodies.
func BodyLimit(limit int64) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if limit > 0 && r.Body != nil {
				r.Body = http.MaxBytesReader(w, r.Body, limit)
			}
			next.ServeHTTP(w, r)
		})
	}
}

// rateLimitIdentity keys rate limits by actor, falling back to the client IP.
func rateLimitIdentity(r *http.Request) string {
	ctx := r.Context()
	if a := reqctx.Actor(ctx); a != nil {
		return "user:" + a.ID
	}
	return "ip:" + reqctx.ClientIP(ctx)
}

func onRateLimited(w http.ResponseWriter, r *http.Request, res ratelimit.Result) {
	slog.InfoContext(r.Context(), "Rate limited", "key", rateLimitIdentity(r), "retryAfter", res.RetryAfter)
	handlers.WriteError(r.Context(), w, apierrors.TooManyRequests(int(res.RetryAfter.Seconds())))
}

// chain applies middlewares so that the first one is the outermost.
func chain(h http.Handler, mws ...func(http.Handler) http.Handler) http.Handler {
	for i := len(mws) - 1; i >= 0; i-- {
		h = mws[i](h)
	}
	return h
}
