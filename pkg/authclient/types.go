package authclient

import (
	"time"

	"github.com/google/uuid"
	"github.com/supabase-community/gotrue-go/types"
	"github.com/tyemirov/saasauth/pkg/gotrueapi"
)

// Identity is the user profile derived from provider claims.
type Identity struct {
	ID        string    `json:"id"`
	Email     string    `json:"email"`
	Name      string    `json:"name"`
	AvatarURL string    `json:"avatar_url,omitempty"`
	CreatedAt time.Time `json:"created_at"`
}

// IdentityFromUser maps a provider user record. Missing names become "".
func IdentityFromUser(user *types.User) Identity {
	if user == nil || user.ID == uuid.Nil {
		return Identity{}
	}
	return Identity{
		ID:        user.ID.String(),
		Email:     user.Email,
		Name:      gotrueapi.MetadataString(user, "name"),
		AvatarURL: gotrueapi.MetadataString(user, "avatar_url"),
		CreatedAt: user.CreatedAt,
	}
}

// Session is the authenticated credential pair plus the resolved identity.
// Sessions are replaced wholesale, never patched.
type Session struct {
	AccessToken  string   `json:"access_token"`
	RefreshToken string   `json:"refresh_token,omitempty"`
	ExpiresAt    int64    `json:"expires_at,omitempty"`
	User         Identity `json:"user"`
}

// Clone returns an independent copy; nil stays nil.
func (session *Session) Clone() *Session {
	if session == nil {
		return nil
	}
	clone := *session
	return &clone
}

// ExpiresWithin reports whether the access token expires before now+window.
// Sessions without a known expiry never report expiring.
func (session *Session) ExpiresWithin(now time.Time, window time.Duration) bool {
	if session == nil || session.ExpiresAt == 0 {
		return false
	}
	return !now.Add(window).Before(time.Unix(session.ExpiresAt, 0))
}

func sameSession(left *Session, right *Session) bool {
	if left == nil || right == nil {
		return left == nil && right == nil
	}
	return left.AccessToken == right.AccessToken
}

// ErrorKind classifies failures surfaced by the client.
type ErrorKind string

const (
	KindNone              ErrorKind = ""
	KindNetworkFailure    ErrorKind = "network_failure"
	KindProviderRejected  ErrorKind = "provider_rejected"
	KindMalformedResponse ErrorKind = "malformed_response"
	KindUnauthorized      ErrorKind = "unauthorized"
	KindValidationFailure ErrorKind = "validation_failure"
	KindControllerClosed  ErrorKind = "controller_closed"
)

// Outcome is the result of every auth-mutating operation.
type Outcome struct {
	Success bool      `json:"success"`
	Error   string    `json:"error,omitempty"`
	Kind    ErrorKind `json:"kind,omitempty"`
}

func succeeded() Outcome {
	return Outcome{Success: true}
}

func failed(kind ErrorKind, message string) Outcome {
	return Outcome{Success: false, Error: message, Kind: kind}
}

// SessionResult carries either a session or an error message.
type SessionResult struct {
	Session *Session  `json:"session,omitempty"`
	Error   string    `json:"error,omitempty"`
	Kind    ErrorKind `json:"kind,omitempty"`
}

// ProfileResult carries either a user or an error message.
type ProfileResult struct {
	User  *Identity `json:"user,omitempty"`
	Error string    `json:"error,omitempty"`
	Kind  ErrorKind `json:"kind,omitempty"`
}

// Outcome collapses the result into an Outcome.
func (result ProfileResult) Outcome() Outcome {
	if result.User != nil {
		return succeeded()
	}
	return failed(result.Kind, result.Error)
}

// SignupInput is the account creation payload.
type SignupInput struct {
	Email    string `json:"email"`
	Password string `json:"password"`
	Name     string `json:"name"`
}

// ProfileUpdate is the profile mutation payload.
type ProfileUpdate struct {
	Name      string `json:"name"`
	AvatarURL string `json:"avatar_url,omitempty"`
}

// MetricsRecorder increments counters for client auth events.
type MetricsRecorder interface {
	Increment(event string)
}

type noopMetrics struct{}

func (noopMetrics) Increment(string) {}

// Clock provides the current time.
type Clock interface {
	Now() time.Time
}

type systemClock struct{}

func (systemClock) Now() time.Time {
	return time.Now().UTC()
}
