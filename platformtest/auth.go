package platformtest

import (
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
)

// Claims are carried by every access token the fake platform issues.
// The jti is what RevokeTokens invalidates.
type Claims struct {
	Scopes []string `json:"scopes"`
	jwt.RegisteredClaims
}

var errRevoked = errors.New("token has been revoked")

func (s *Server) issueToken() (string, error) {
	now := time.Now()
	claims := Claims{
		Scopes: []string{"bot"},
		RegisteredClaims: jwt.RegisteredClaims{
			ID:        uuid.NewString(),
			Subject:   s.opts.AppID,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(s.opts.TokenTTL)),
		},
	}
	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(s.opts.SigningKey)
	if err != nil {
		return "", fmt.Errorf("failed to sign token: %w", err)
	}

	s.mu.Lock()
	s.issued = append(s.issued, claims.ID)
	s.mu.Unlock()
	return signed, nil
}

// validateToken checks signature, expiry and the revocation list.
func (s *Server) validateToken(tokenString string) (*Claims, error) {
	token, err := jwt.ParseWithClaims(tokenString, &Claims{}, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
		}
		return s.opts.SigningKey, nil
	})
	if err != nil {
		return nil, fmt.Errorf("token parse/validation error: %w", err)
	}

	claims, ok := token.Claims.(*Claims)
	if !ok || !token.Valid {
		return nil, errors.New("token is invalid")
	}

	s.mu.Lock()
	_, revoked := s.revoked[claims.ID]
	s.mu.Unlock()
	if revoked {
		return nil, errRevoked
	}
	return claims, nil
}

// validateAuthorization accepts "QQBot <token>" as sent in headers and
// handshake frames.
func (s *Server) validateAuthorization(value string) (*Claims, error) {
	tokenString, ok := strings.CutPrefix(value, "QQBot ")
	if !ok {
		return nil, errors.New("missing QQBot authorization scheme")
	}
	return s.validateToken(tokenString)
}

func (s *Server) requireToken(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if _, err := s.validateAuthorization(r.Header.Get("Authorization")); err != nil {
			s.log.Debug().Err(err).Str("path", r.URL.Path).Msg("rejecting request")
			http.Error(w, "unauthorized", http.StatusUnauthorized)
			return
		}
		next.ServeHTTP(w, r)
	})
}

// RevokeTokens makes every token issued so far fail validation.
func (s *Server) RevokeTokens() {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, jti := range s.issued {
		s.revoked[jti] = struct{}{}
	}
}

// TokensIssued reports how many access tokens have been handed out.
func (s *Server) TokensIssued() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.issued)
}
