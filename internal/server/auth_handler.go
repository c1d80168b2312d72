package server

import (
	"crypto/subtle"
	"errors"
	"fmt"
	"log"
	"net/http"
	"time"

	"github.com/jonathan/bid-assistant/internal/config"
)

// TokenRequest is the body of POST /auth/token
type TokenRequest struct {
	Username string `json:"username" validate:"required,max=128"`
	Password string `json:"password" validate:"required,max=72"`
}

// TokenResponse carries a signed bearer token
type TokenResponse struct {
	Token     string `json:"token"`
	TokenType string `json:"token_type"`
	ExpiresAt string `json:"expires_at"`
}

// AuthHandler exchanges the operator credential for a bearer token.
type AuthHandler struct {
	username     string
	passwordHash string
	passwords    *config.PasswordConfig
	jwtService   *JWTService
}

// NewAuthHandler creates a new AuthHandler with the given dependencies.
func NewAuthHandler(auth config.AuthConfig, passwords *config.PasswordConfig, jwtService *JWTService) *AuthHandler {
	return &AuthHandler{
		username:     auth.Username,
		passwordHash: auth.PasswordHash,
		passwords:    passwords,
		jwtService:   jwtService,
	}
}

// handleToken handles POST /auth/token.
func (s *Server) handleToken(w http.ResponseWriter, r *http.Request) {
	if s.auth == nil {
		s.errorResponse(w, http.StatusNotFound, "authentication is not enabled")
		return
	}
	var req TokenRequest
	if err := decodeJSON(r, &req); err != nil {
		s.errorResponse(w, http.StatusBadRequest, "invalid request body: "+err.Error())
		return
	}
	resp, err := s.auth.Issue(req)
	if err != nil {
		if errors.As(err, new(*ErrInvalidCredentials)) {
			log.Printf("[server] rejected token request for %q from %s", req.Username, r.RemoteAddr)
		}
		s.fail(w, r, err)
		return
	}
	s.ok(w, http.StatusOK, "token issued", resp)
}

// Issue checks the credential and signs a token.
func (h *AuthHandler) Issue(req TokenRequest) (*TokenResponse, error) {
	if err := requestValidator.Struct(req); err != nil {
		return nil, validationError(err)
	}

	userOK := subtle.ConstantTimeCompare([]byte(req.Username), []byte(h.username)) == 1
	passOK := h.passwords.VerifyPassword(req.Password, h.passwordHash)
	if !userOK || !passOK {
		return nil, &ErrInvalidCredentials{}
	}

	token, expiresAt, err := h.jwtService.GenerateToken(req.Username)
	if err != nil {
		return nil, fmt.Errorf("failed to generate token: %w", err)
	}
	return &TokenResponse{
		Token:     token,
		TokenType: "Bearer",
		ExpiresAt: expiresAt.UTC().Format(time.RFC3339),
	}, nil
}
