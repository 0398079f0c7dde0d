package api

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/nerrad567/controlroom/internal/auth"
)

// LoginRequest is the body of POST /auth/login.
type LoginRequest struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

// LoginResponse carries a freshly issued access token.
type LoginResponse struct {
	AccessToken string    `json:"access_token"`
	TokenType   string    `json:"token_type"`
	ExpiresIn   int       `json:"expires_in"`
	Role        auth.Role `json:"role"`
}

// handleLogin exchanges operator credentials for a bearer token.
// Unknown users and wrong passwords get the same 401.
func (s *Server) handleLogin(w http.ResponseWriter, r *http.Request) {
	if !s.authEnabled() {
		writeNotFound(w, "login is disabled: no jwt secret configured")
		return
	}

	var req LoginRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeBadRequest(w, "invalid login body")
		return
	}
	if req.Username == "" || req.Password == "" {
		writeError(w, http.StatusBadRequest, ErrCodeValidation, "username and password are required")
		return
	}

	op, found := s.secCfg.Operator(req.Username)
	if !found {
		s.logger.Warn("login failed", "username", req.Username, "reason", "unknown operator")
		writeUnauthorized(w, "invalid credentials")
		return
	}
	ok, err := auth.VerifyPassword(req.Password, op.PasswordHash)
	if err != nil {
		s.logger.Error("login failed", "username", req.Username, "error", err)
		writeUnauthorized(w, "invalid credentials")
		return
	}
	if !ok {
		s.logger.Warn("login failed", "username", req.Username, "reason", "wrong password")
		writeUnauthorized(w, "invalid credentials")
		return
	}

	ttl := s.secCfg.JWT.AccessTokenTTL
	token, err := auth.GenerateAccessToken(op.Name, auth.Role(op.Role), s.secCfg.JWT.Secret, ttl)
	if err != nil {
		s.logger.Error("issuing token", "username", op.Name, "error", err)
		writeInternalError(w, "could not issue token")
		return
	}
	if ttl <= 0 {
		ttl = int(auth.DefaultTokenTTL / time.Minute)
	}

	s.logger.Info("operator logged in", "username", op.Name, "role", op.Role)
	writeJSON(w, http.StatusOK, LoginResponse{
		AccessToken: token,
		TokenType:   "Bearer",
		ExpiresIn:   ttl * int(time.Minute/time.Second),
		Role:        auth.Role(op.Role),
	})
}
