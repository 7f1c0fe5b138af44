// Package tokenverifier checks provider-issued access tokens locally when the
// provider's JWT secret is available, so obviously bad tokens never reach the
// provider.
package tokenverifier

import (
	"errors"
	"fmt"
	"net/http"
	"slices"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// Clock provides the current time.
type Clock interface {
	Now() time.Time
}

type systemClock struct{}

func (systemClock) Now() time.Time {
	return time.Now().UTC()
}

// DefaultAudience is the audience the provider stamps on user tokens.
const DefaultAudience = "authenticated"

// Config configures the Verifier. Issuer is optional.
type Config struct {
	SigningKey []byte
	Issuer     string
	Audience   string
	Clock      Clock
}

var (
	ErrMissingSigningKey = errors.New("token.verifier.missing_signing_key")
	ErrMissingToken      = errors.New("token.verifier.missing_token")
	ErrInvalidToken      = errors.New("token.verifier.invalid_token")
	ErrInvalidIssuer     = errors.New("token.verifier.invalid_issuer")
	ErrInvalidAudience   = errors.New("token.verifier.invalid_audience")
	ErrTokenExpired      = errors.New("token.verifier.expired")
)

// Claims are the provider access token claims this module relies on.
type Claims struct {
	Email        string         `json:"email"`
	Role         string         `json:"role"`
	SessionID    string         `json:"session_id"`
	UserMetadata map[string]any `json:"user_metadata"`
	jwt.RegisteredClaims
}

// UserID returns the subject.
func (claims *Claims) UserID() string {
	if claims == nil {
		return ""
	}
	return claims.Subject
}

// ExpiresAtTime returns the expiry or the zero time.
func (claims *Claims) ExpiresAtTime() time.Time {
	if claims == nil || claims.ExpiresAt == nil {
		return time.Time{}
	}
	return claims.ExpiresAt.Time
}

// Verifier validates HS256 access tokens.
type Verifier struct {
	signingKey []byte
	issuer     string
	audience   string
	clock      Clock
}

// New constructs a Verifier after validating the configuration.
func New(configuration Config) (*Verifier, error) {
	if len(configuration.SigningKey) == 0 {
		return nil, fmt.Errorf("token.verifier.new: %w", ErrMissingSigningKey)
	}
	audience := strings.TrimSpace(configuration.Audience)
	if audience == "" {
		audience = DefaultAudience
	}
	clock := configuration.Clock
	if clock == nil {
		clock = systemClock{}
	}
	return &Verifier{
		signingKey: configuration.SigningKey,
		issuer:     strings.TrimSpace(configuration.Issuer),
		audience:   audience,
		clock:      clock,
	}, nil
}

// ValidateToken verifies the signature and time claims and returns the claims.
func (verifier *Verifier) ValidateToken(tokenString string) (*Claims, error) {
	if strings.TrimSpace(tokenString) == "" {
		return nil, fmt.Errorf("token.verifier.validate: %w", ErrMissingToken)
	}
	parsedToken, parseErr := jwt.ParseWithClaims(tokenString, &Claims{}, func(parsed *jwt.Token) (interface{}, error) {
		return verifier.signingKey, nil
	}, jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}), jwt.WithTimeFunc(func() time.Time {
		return verifier.clock.Now()
	}))
	if parseErr != nil {
		if errors.Is(parseErr, jwt.ErrTokenExpired) {
			return nil, fmt.Errorf("token.verifier.validate: %w", ErrTokenExpired)
		}
		return nil, fmt.Errorf("token.verifier.validate: %w", ErrInvalidToken)
	}
	claims, ok := parsedToken.Claims.(*Claims)
	if !ok || !parsedToken.Valid {
		return nil, fmt.Errorf("token.verifier.validate: %w", ErrInvalidToken)
	}
	if strings.TrimSpace(claims.Subject) == "" {
		return nil, fmt.Errorf("token.verifier.validate: %w", ErrInvalidToken)
	}
	if verifier.issuer != "" && claims.Issuer != verifier.issuer {
		return nil, fmt.Errorf("token.verifier.validate: %w", ErrInvalidIssuer)
	}
	if !slices.Contains(claims.Audience, verifier.audience) {
		return nil, fmt.Errorf("token.verifier.validate: %w", ErrInvalidAudience)
	}
	if claims.ExpiresAt != nil && verifier.clock.Now().After(claims.ExpiresAt.Time) {
		return nil, fmt.Errorf("token.verifier.validate: %w", ErrTokenExpired)
	}
	return claims, nil
}

// BearerToken returns the second space-separated field of the Authorization
// header, or "" when the header has fewer than two fields.
func BearerToken(request *http.Request) string {
	if request == nil {
		return ""
	}
	fields := strings.Split(request.Header.Get("Authorization"), " ")
	if len(fields) < 2 {
		return ""
	}
	return strings.TrimSpace(fields[1])
}
