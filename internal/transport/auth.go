package transport

import (
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/pitabwire/jornada/internal/config"
	"github.com/pitabwire/jornada/model"
)

// ActorAuthenticator returns middleware that attributes every request to an
// actor and stores the actor's claims in the request context. It runs after
// Correlation so the attribution lands in the same RequestContext.
//
// With a JWT secret configured, the Authorization header must carry an HS256
// bearer token signed with it; its "sub" claim names the actor. Without a
// secret, the configured actor header is trusted as is, which suits
// deployments behind an authenticating gateway.
func ActorAuthenticator(cfg config.IdentityConfig) func(http.Handler) http.Handler {
	if cfg.JWTSecret == "" {
		return headerActor(cfg.ActorHeader)
	}
	return jwtActor(cfg)
}

func headerActor(header string) func(http.Handler) http.Handler {
	if header == "" {
		header = "X-Actor-Id"
	}
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			actor := strings.TrimSpace(r.Header.Get(header))
			if actor == "" {
				WriteError(w, r, model.NewUnauthorizedError("Missing "+header+" header"))
				return
			}
			ctx := attributeActor(r.Context(), actor, map[string]any{"sub": actor})
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

func jwtActor(cfg config.IdentityConfig) func(http.Handler) http.Handler {
	secret := []byte(cfg.JWTSecret)
	opts := []jwt.ParserOption{
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithLeeway(30 * time.Second),
		jwt.WithExpirationRequired(),
	}
	if cfg.Issuer != "" {
		opts = append(opts, jwt.WithIssuer(cfg.Issuer))
	}

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			auth := r.Header.Get("Authorization")
			if auth == "" {
				WriteError(w, r, model.NewUnauthorizedError("Missing authorization header"))
				return
			}
			if !strings.HasPrefix(auth, "Bearer ") {
				WriteError(w, r, model.NewUnauthorizedError("Invalid authorization header format"))
				return
			}
			tokenStr := auth[7:]

			token, err := jwt.Parse(tokenStr, func(*jwt.Token) (any, error) {
				return secret, nil
			}, opts...)
			if err != nil {
				WriteError(w, r, model.NewUnauthorizedError(classifyJWTError(err)))
				return
			}

			claims, ok := token.Claims.(jwt.MapClaims)
			if !ok || !token.Valid {
				WriteError(w, r, model.NewUnauthorizedError("Invalid token"))
				return
			}
			sub, _ := claims.GetSubject()
			if sub == "" {
				WriteError(w, r, model.NewUnauthorizedError("Token has no subject"))
				return
			}

			ctx := attributeActor(r.Context(), sub, map[string]any(claims))
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

// SignActorToken issues an HS256 token for actor that ActorAuthenticator
// accepts. Used by operators and tests.
func SignActorToken(cfg config.IdentityConfig, actor string, ttl time.Duration) (string, error) {
	if cfg.JWTSecret == "" {
		return "", fmt.Errorf("identity.jwt_secret is not configured")
	}
	now := time.Now()
	claims := jwt.RegisteredClaims{
		Subject:   actor,
		IssuedAt:  jwt.NewNumericDate(now),
		ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
	}
	if cfg.Issuer != "" {
		claims.Issuer = cfg.Issuer
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(cfg.JWTSecret))
}

func classifyJWTError(err error) string {
	s := err.Error()
	switch {
	case strings.Contains(s, "expired"):
		return "Token expired"
	case strings.Contains(s, "issuer"):
		return "Invalid token issuer"
	case strings.Contains(s, "signing method"):
		return "Disallowed signing algorithm"
	case strings.Contains(s, "signature"):
		return "Invalid token signature"
	case strings.Contains(s, "exp claim is required"):
		return "Token has no expiry"
	default:
		return "Invalid token"
	}
}
