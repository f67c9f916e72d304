package transport

import (
	"crypto/subtle"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/pitabwire/docket/internal/config"
	"github.com/pitabwire/docket/model"
)

// LocalOperator is the operator name used when auth is disabled.
const LocalOperator = "local"

// Authenticator issues and verifies operator tokens. Tokens are HS256 JWTs
// signed with the configured secret.
type Authenticator struct {
	cfg config.AuthConfig
	now func() time.Time
}

// NewAuthenticator creates an authenticator for cfg.
func NewAuthenticator(cfg config.AuthConfig) *Authenticator {
	return &Authenticator{cfg: cfg, now: time.Now}
}

// Enabled reports whether requests must carry a token.
func (a *Authenticator) Enabled() bool { return a.cfg.Enabled }

// Login checks the operator credentials and returns a signed token and its
// expiry.
func (a *Authenticator) Login(username, password string) (string, time.Time, error) {
	userOK := subtle.ConstantTimeCompare([]byte(username), []byte(a.cfg.Username)) == 1
	passOK := subtle.ConstantTimeCompare([]byte(password), []byte(a.cfg.Password)) == 1
	if !a.cfg.Enabled || !userOK || !passOK {
		return "", time.Time{}, model.NewUnauthorizedError("Invalid username or password")
	}

	now := a.now()
	expires := now.Add(a.cfg.TokenTTL)
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.RegisteredClaims{
		Subject:   username,
		Issuer:    a.cfg.Issuer,
		IssuedAt:  jwt.NewNumericDate(now),
		ExpiresAt: jwt.NewNumericDate(expires),
	})
	signed, err := token.SignedString([]byte(a.cfg.SigningSecret))
	if err != nil {
		return "", time.Time{}, fmt.Errorf("sign token: %w", err)
	}
	return signed, expires, nil
}

// Verify parses and validates a token, returning its claims.
func (a *Authenticator) Verify(tokenStr string) (map[string]any, error) {
	token, err := jwt.Parse(tokenStr,
		func(*jwt.Token) (any, error) { return []byte(a.cfg.SigningSecret), nil },
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithIssuer(a.cfg.Issuer),
		jwt.WithLeeway(30*time.Second),
		jwt.WithExpirationRequired(),
		jwt.WithTimeFunc(a.now),
	)
	if err != nil {
		return nil, model.NewUnauthorizedError(classifyJWTError(err))
	}
	claims, ok := token.Claims.(jwt.MapClaims)
	if !ok || !token.Valid {
		return nil, model.NewUnauthorizedError("Invalid token")
	}
	return map[string]any(claims), nil
}

// Middleware verifies the token from the Authorization header, or from the
// token query parameter for WebSocket upgrades, and stores the claims in the
// request context. With auth disabled every request acts as LocalOperator.
func (a *Authenticator) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !a.cfg.Enabled {
			ctx := WithClaims(r.Context(), map[string]any{"sub": LocalOperator})
			next.ServeHTTP(w, r.WithContext(ctx))
			return
		}

		tokenStr, err := tokenFromRequest(r)
		if err != nil {
			WriteError(w, err)
			return
		}
		claims, err := a.Verify(tokenStr)
		if err != nil {
			WriteError(w, err)
			return
		}
		next.ServeHTTP(w, r.WithContext(WithClaims(r.Context(), claims)))
	})
}

func tokenFromRequest(r *http.Request) (string, error) {
	if auth := r.Header.Get("Authorization"); auth != "" {
		if !strings.HasPrefix(auth, "Bearer ") {
			return "", model.NewUnauthorizedError("Invalid authorization header format")
		}
		return auth[7:], nil
	}
	if tok := r.URL.Query().Get("token"); tok != "" {
		return tok, nil
	}
	return "", model.NewUnauthorizedError("Missing authorization header")
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
	case strings.Contains(s, "exp"):
		return "Token has no expiry"
	default:
		return "Invalid token"
	}
}
