package transport

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/pitabwire/docket/internal/config"
	"github.com/pitabwire/docket/model"
)

const testSecret = "0123456789abcdef0123456789abcdef"

func testAuthCfg() config.AuthConfig {
	return config.AuthConfig{
		Enabled:       true,
		Username:      "clerk",
		Password:      "hunter2",
		SigningSecret: testSecret,
		Issuer:        "docket",
		TokenTTL:      time.Hour,
	}
}

func signHS256(t *testing.T, secret string, method jwt.SigningMethod, claims jwt.MapClaims) string {
	t.Helper()
	s, err := jwt.NewWithClaims(method, claims).SignedString([]byte(secret))
	if err != nil {
		t.Fatalf("sign: %v", err)
	}
	return s
}

func validClaims() jwt.MapClaims {
	return jwt.MapClaims{
		"sub": "clerk",
		"iss": "docket",
		"exp": jwt.NewNumericDate(time.Now().Add(time.Hour)),
	}
}

// protected wraps a handler that echoes the operator claim.
func protected(a *Authenticator) http.Handler {
	return a.Middleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		WriteJSON(w, http.StatusOK, map[string]any{"sub": ClaimsFrom(r.Context())["sub"]})
	}))
}

func TestAuthenticator_loginAndVerify(t *testing.T) {
	a := NewAuthenticator(testAuthCfg())

	token, expires, err := a.Login("clerk", "hunter2")
	if err != nil {
		t.Fatalf("Login error: %v", err)
	}
	if time.Until(expires) < 59*time.Minute {
		t.Errorf("expires = %v, want about an hour from now", expires)
	}

	claims, err := a.Verify(token)
	if err != nil {
		t.Fatalf("Verify error: %v", err)
	}
	if claims["sub"] != "clerk" {
		t.Errorf("sub = %v, want clerk", claims["sub"])
	}
}

func TestAuthenticator_loginRejectsBadCredentials(t *testing.T) {
	a := NewAuthenticator(testAuthCfg())

	for _, tc := range []struct{ user, pass string }{
		{"clerk", "wrong"},
		{"judge", "hunter2"},
		{"", ""},
	} {
		_, _, err := a.Login(tc.user, tc.pass)
		env, ok := err.(*model.ErrorEnvelope)
		if !ok || env.Code != model.ErrUnauthorized {
			t.Errorf("Login(%q, %q) err = %v, want UNAUTHORIZED", tc.user, tc.pass, err)
		}
	}
}

func TestAuthenticator_loginDisabled(t *testing.T) {
	cfg := testAuthCfg()
	cfg.Enabled = false
	if _, _, err := NewAuthenticator(cfg).Login("clerk", "hunter2"); err == nil {
		t.Error("Login with auth disabled: err = nil")
	}
}

func TestAuthenticator_middleware(t *testing.T) {
	a := NewAuthenticator(testAuthCfg())
	h := protected(a)

	tests := []struct {
		name    string
		header  string
		query   string
		status  int
		message string
	}{
		{"missing", "", "", 401, "Missing authorization header"},
		{"basic", "Basic dXNlcjpwYXNz", "", 401, "Invalid authorization header format"},
		{"valid bearer", "Bearer " + signHS256(t, testSecret, jwt.SigningMethodHS256, validClaims()), "", 200, ""},
		{"valid query", "", "?token=" + signHS256(t, testSecret, jwt.SigningMethodHS256, validClaims()), 200, ""},
		{"wrong secret", "Bearer " + signHS256(t, "another-secret-another-secret-xx", jwt.SigningMethodHS256, validClaims()), "", 401, "Invalid token signature"},
		{"wrong algorithm", "Bearer " + signHS256(t, testSecret, jwt.SigningMethodHS512, validClaims()), "", 401, "Disallowed signing algorithm"},
		{"expired", "Bearer " + signHS256(t, testSecret, jwt.SigningMethodHS256, func() jwt.MapClaims {
			c := validClaims()
			c["exp"] = jwt.NewNumericDate(time.Now().Add(-time.Hour))
			return c
		}()), "", 401, "Token expired"},
		{"wrong issuer", "Bearer " + signHS256(t, testSecret, jwt.SigningMethodHS256, func() jwt.MapClaims {
			c := validClaims()
			c["iss"] = "elsewhere"
			return c
		}()), "", 401, "Invalid token issuer"},
		{"no expiry", "Bearer " + signHS256(t, testSecret, jwt.SigningMethodHS256, jwt.MapClaims{"sub": "clerk", "iss": "docket"}), "", 401, ""},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			req := httptest.NewRequest("GET", "/"+tc.query, nil)
			if tc.header != "" {
				req.Header.Set("Authorization", tc.header)
			}
			w := httptest.NewRecorder()
			h.ServeHTTP(w, req)

			if w.Code != tc.status {
				t.Fatalf("status = %d, want %d (body %s)", w.Code, tc.status, w.Body.String())
			}
			if tc.message == "" {
				return
			}
			var resp struct {
				Error model.ErrorEnvelope `json:"error"`
			}
			json.NewDecoder(w.Body).Decode(&resp)
			if resp.Error.Message != tc.message {
				t.Errorf("message = %q, want %q", resp.Error.Message, tc.message)
			}
		})
	}
}

func TestAuthenticator_middlewareDisabled(t *testing.T) {
	cfg := testAuthCfg()
	cfg.Enabled = false
	w := httptest.NewRecorder()
	protected(NewAuthenticator(cfg)).ServeHTTP(w, httptest.NewRequest("GET", "/", nil))

	if w.Code != 200 {
		t.Fatalf("status = %d, want 200", w.Code)
	}
	var body map[string]any
	json.NewDecoder(w.Body).Decode(&body)
	if body["sub"] != LocalOperator {
		t.Errorf("sub = %v, want %s", body["sub"], LocalOperator)
	}
}

func TestAuthenticator_clockSkewTolerance(t *testing.T) {
	a := NewAuthenticator(testAuthCfg())
	c := validClaims()
	c["exp"] = jwt.NewNumericDate(time.Now().Add(-10 * time.Second))

	if _, err := a.Verify(signHS256(t, testSecret, jwt.SigningMethodHS256, c)); err != nil {
		t.Errorf("Verify within leeway: %v", err)
	}
}
