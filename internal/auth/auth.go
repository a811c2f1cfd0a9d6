package auth

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/percolation-labs/percolate/internal/config"
	percoErrors "github.com/percolation-labs/percolate/internal/errors"
	"github.com/percolation-labs/percolate/internal/logger"

	"github.com/golang-jwt/jwt/v5"
)

// Service validates incoming bearer credentials: either a static API key
// from configuration or a service JWT this process issued. When disabled it
// admits everything.
type Service struct {
	enabled bool
	apiKeys map[string]struct{}
	secret  []byte
	issuer  string
	ttl     time.Duration
}

func NewService(cfg config.AuthConfig) (*Service, error) {
	ttl, err := config.DurationOrDefault(cfg.JWTTTL, config.DefaultAuthJWTTTL)
	if err != nil {
		return nil, err
	}

	keys := make(map[string]struct{}, len(cfg.APIKeys))
	for _, key := range cfg.APIKeys {
		key = strings.TrimSpace(key)
		if key != "" {
			keys[key] = struct{}{}
		}
	}

	if cfg.Enabled && len(keys) == 0 && cfg.JWTSecret == "" {
		return nil, percoErrors.InvalidInput("auth enabled but no api_keys or jwt_secret configured")
	}

	issuer := cfg.JWTIssuer
	if issuer == "" {
		issuer = config.DefaultAuthJWTIssuer
	}

	return &Service{
		enabled: cfg.Enabled,
		apiKeys: keys,
		secret:  []byte(cfg.JWTSecret),
		issuer:  issuer,
		ttl:     ttl,
	}, nil
}

// Enabled reports whether requests are being authenticated.
func (s *Service) Enabled() bool {
	return s != nil && s.enabled
}

// IssueToken mints an HS256 service JWT for the given subject.
func (s *Service) IssueToken(subject string) (string, error) {
	if len(s.secret) == 0 {
		return "", percoErrors.InvalidInput("jwt_secret not configured")
	}
	now := time.Now()
	claims := jwt.RegisteredClaims{
		Issuer:    s.issuer,
		Subject:   subject,
		IssuedAt:  jwt.NewNumericDate(now),
		ExpiresAt: jwt.NewNumericDate(now.Add(s.ttl)),
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(s.secret)
}

// Authenticate checks the request's bearer credential and returns the
// authenticated subject (empty for static API keys).
func (s *Service) Authenticate(r *http.Request) (string, error) {
	if !s.Enabled() {
		return "", nil
	}

	header := r.Header.Get("Authorization")
	if header == "" {
		return "", percoErrors.Unauthorized("missing Authorization header")
	}
	token, ok := strings.CutPrefix(header, "Bearer ")
	if !ok {
		return "", percoErrors.Unauthorized("Authorization header is not a bearer credential")
	}
	token = strings.TrimSpace(token)

	if _, ok := s.apiKeys[token]; ok {
		return "", nil
	}

	if len(s.secret) == 0 {
		return "", percoErrors.Unauthorized("unknown api key")
	}
	return s.verifyJWT(token)
}

func (s *Service) verifyJWT(token string) (string, error) {
	parsed, err := jwt.ParseWithClaims(token, &jwt.RegisteredClaims{}, func(t *jwt.Token) (any, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method %v", t.Header["alg"])
		}
		return s.secret, nil
	}, jwt.WithIssuer(s.issuer), jwt.WithExpirationRequired())
	if err != nil {
		return "", percoErrors.Unauthorized(fmt.Sprintf("invalid token: %v", err))
	}

	claims, ok := parsed.Claims.(*jwt.RegisteredClaims)
	if !ok || !parsed.Valid {
		return "", percoErrors.Unauthorized("invalid token claims")
	}
	return claims.Subject, nil
}

// Middleware rejects unauthenticated requests with a 401 JSON body and
// stores the authenticated subject on the request context.
func (s *Service) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		subject, err := s.Authenticate(r)
		if err != nil {
			w.Header().Set("Content-Type", "application/json")
			w.WriteHeader(http.StatusUnauthorized)
			json.NewEncoder(w).Encode(map[string]any{
				"error": map[string]string{"type": "unauthorized", "message": err.Error()},
			})
			return
		}
		if subject != "" {
			r = r.WithContext(logger.WithUserID(r.Context(), subject))
		}
		next.ServeHTTP(w, r)
	})
}
