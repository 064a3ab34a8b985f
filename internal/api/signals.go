package api

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/soochol/exectrack/internal/signal"
)

const maxSignalBody = 1 << 20

// NewSignalToken mints an HS256 token accepted by POST /api/signals. A zero
// ttl gives a token without expiry.
func NewSignalToken(secret, subject string, ttl time.Duration) (string, error) {
	now := time.Now()
	claims := jwt.RegisteredClaims{
		Subject:  subject,
		IssuedAt: jwt.NewNumericDate(now),
	}
	if ttl > 0 {
		claims.ExpiresAt = jwt.NewNumericDate(now.Add(ttl))
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(secret))
}

// requireSignalToken rejects requests without a valid bearer token when a
// signal secret is configured.
func (s *Server) requireSignalToken(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if len(s.signalKey) == 0 {
			next.ServeHTTP(w, r)
			return
		}
		if err := s.verifyToken(r.Header.Get("Authorization")); err != nil {
			slog.Warn("api: rejected signal", "remote", r.RemoteAddr, "err", err)
			writeError(w, http.StatusUnauthorized, "invalid or missing signal token")
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (s *Server) verifyToken(header string) error {
	raw, ok := strings.CutPrefix(header, "Bearer ")
	if !ok || raw == "" {
		return errors.New("missing bearer token")
	}
	_, err := jwt.Parse(raw, func(t *jwt.Token) (any, error) {
		return s.signalKey, nil
	}, jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}))
	if err != nil {
		return fmt.Errorf("parse token: %w", err)
	}
	return nil
}

// publishSignal accepts a completion signal from the runtime and publishes it
// on the channel. Correlation happens in the subscribers.
func (s *Server) publishSignal(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(io.LimitReader(r.Body, maxSignalBody))
	if err != nil {
		writeError(w, http.StatusBadRequest, "failed to read body")
		return
	}
	sig, err := signal.DecodeSignal(body)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	s.channel.Publish(sig)
	writeJSON(w, http.StatusAccepted, map[string]any{"accepted": true, "executionId": sig.ExecutionID})
}
