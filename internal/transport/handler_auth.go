package transport

import (
	"net/http"
	"time"

	"github.com/pitabwire/docket/model"
)

type loginRequest struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

type loginResponse struct {
	Success   bool      `json:"success"`
	Token     string    `json:"token"`
	Username  string    `json:"username"`
	ExpiresAt time.Time `json:"expires_at"`
}

func handleLogin(auth *Authenticator) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var body loginRequest
		if err := decodeJSON(w, r, &body); err != nil {
			WriteError(w, err)
			return
		}
		token, expires, err := auth.Login(body.Username, body.Password)
		if err != nil {
			WriteError(w, err)
			return
		}
		WriteJSON(w, http.StatusOK, loginResponse{
			Success:   true,
			Token:     token,
			Username:  body.Username,
			ExpiresAt: expires,
		})
	}
}

func handleAuthStatus(auth *Authenticator) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		operator := ""
		if rctx := model.RequestContextFrom(r.Context()); rctx != nil {
			operator = rctx.Operator
		}
		WriteJSON(w, http.StatusOK, map[string]any{
			"authenticated": true,
			"username":      operator,
			"auth_enabled":  auth.Enabled(),
		})
	}
}
