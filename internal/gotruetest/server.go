// Package gotruetest runs an in-process identity provider speaking the
// GoTrue REST contract. It backs tests for the client and the backend.
package gotruetest

import (
	"crypto/rand"
	"encoding/base64"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"github.com/tyemirov/saasauth/pkg/gotrueapi"
)

// Default keys used by New.
const (
	DefaultAnonKey        = "anon-key-test"
	DefaultServiceRoleKey = "service-role-key-test"
	DefaultJWTSecret      = "provider-jwt-secret-0123456789"
)

// AccessClaims are embedded in provider access tokens.
type AccessClaims struct {
	Email        string         `json:"email"`
	Role         string         `json:"role"`
	SessionID    string         `json:"session_id"`
	UserMetadata map[string]any `json:"user_metadata,omitempty"`
	jwt.RegisteredClaims
}

// User is the provider's user record as it appears on the wire.
type User struct {
	ID           string         `json:"id"`
	Aud          string         `json:"aud"`
	Role         string         `json:"role"`
	Email        string         `json:"email"`
	CreatedAt    time.Time      `json:"created_at"`
	UserMetadata map[string]any `json:"user_metadata"`
}

// MetadataString returns a string user_metadata value or empty string.
func (user User) MetadataString(key string) string {
	value, _ := user.UserMetadata[key].(string)
	return value
}

// TokenResponse is returned by the token grant endpoints.
type TokenResponse struct {
	AccessToken  string `json:"access_token"`
	TokenType    string `json:"token_type"`
	ExpiresIn    int64  `json:"expires_in"`
	ExpiresAt    int64  `json:"expires_at"`
	RefreshToken string `json:"refresh_token"`
	User         *User  `json:"user"`
}

type userRecord struct {
	user     User
	password string
}

type injectedFailure struct {
	status  int
	message string
	drop    bool
}

// Server is a fake identity provider.
type Server struct {
	*httptest.Server

	AnonKey        string
	ServiceRoleKey string
	JWTSecret      []byte
	AccessTTL      time.Duration

	mutex           sync.Mutex
	now             func() time.Time
	users           map[string]*userRecord
	usersByEmail    map[string]string
	refreshTokens   map[string]refreshRecord
	revokedSessions map[string]bool
	failures        map[string]injectedFailure
	recoveries      []string
	calls           map[string]int
}

type refreshRecord struct {
	userID    string
	sessionID string
}

// New starts a fake provider that is closed when the test ends.
func New(t testing.TB) *Server {
	t.Helper()
	gin.SetMode(gin.TestMode)
	server := &Server{
		AnonKey:         DefaultAnonKey,
		ServiceRoleKey:  DefaultServiceRoleKey,
		JWTSecret:       []byte(DefaultJWTSecret),
		AccessTTL:       time.Hour,
		now:             func() time.Time { return time.Now().UTC() },
		users:           make(map[string]*userRecord),
		usersByEmail:    make(map[string]string),
		refreshTokens:   make(map[string]refreshRecord),
		revokedSessions: make(map[string]bool),
		failures:        make(map[string]injectedFailure),
		calls:           make(map[string]int),
	}
	router := gin.New()
	router.Use(server.countAndInject)
	router.POST("/auth/v1/token", server.handleToken)
	router.GET("/auth/v1/user", server.handleGetUser)
	router.POST("/auth/v1/logout", server.handleLogout)
	router.POST("/auth/v1/recover", server.handleRecover)
	router.POST("/auth/v1/admin/users", server.handleAdminCreate)
	router.PUT("/auth/v1/admin/users/:id", server.handleAdminUpdate)
	server.Server = httptest.NewServer(router)
	t.Cleanup(server.Close)
	return server
}

// Issuer returns the iss claim stamped on access tokens.
func (server *Server) Issuer() string {
	return server.URL + "/auth/v1"
}

// SetClock overrides the time source for token issuance and validation.
func (server *Server) SetClock(now func() time.Time) {
	server.mutex.Lock()
	defer server.mutex.Unlock()
	server.now = now
}

// AddUser registers a confirmed account.
func (server *Server) AddUser(email string, password string, name string) User {
	server.mutex.Lock()
	defer server.mutex.Unlock()
	return server.createUserLocked(email, password, map[string]any{"name": name})
}

// User returns the stored record for the id.
func (server *Server) User(userID string) (User, bool) {
	server.mutex.Lock()
	defer server.mutex.Unlock()
	record, ok := server.users[userID]
	if !ok {
		return User{}, false
	}
	return cloneUser(record.user), true
}

// IssueSession signs the user in without a password check.
func (server *Server) IssueSession(t testing.TB, email string) TokenResponse {
	t.Helper()
	server.mutex.Lock()
	defer server.mutex.Unlock()
	userID, ok := server.usersByEmail[strings.ToLower(email)]
	if !ok {
		t.Fatalf("gotruetest: unknown user %s", email)
	}
	response, err := server.issueLocked(userID, uuid.NewString())
	if err != nil {
		t.Fatalf("gotruetest: issue session: %v", err)
	}
	return response
}

// RevokeUserSessions invalidates every session of the user, as an expiry or
// an administrative sign-out elsewhere would.
func (server *Server) RevokeUserSessions(userID string) {
	server.mutex.Lock()
	defer server.mutex.Unlock()
	server.revokeUserLocked(userID)
}

// FailNext makes the next call to path answer with status and message.
func (server *Server) FailNext(path string, status int, message string) {
	server.mutex.Lock()
	defer server.mutex.Unlock()
	server.failures[path] = injectedFailure{status: status, message: message}
}

// DropNext makes the next call to path hang up without a response.
func (server *Server) DropNext(path string) {
	server.mutex.Lock()
	defer server.mutex.Unlock()
	server.failures[path] = injectedFailure{drop: true}
}

// Calls returns how many requests reached path.
func (server *Server) Calls(path string) int {
	server.mutex.Lock()
	defer server.mutex.Unlock()
	return server.calls[path]
}

// Recoveries lists emails that requested a password reset.
func (server *Server) Recoveries() []string {
	server.mutex.Lock()
	defer server.mutex.Unlock()
	return append([]string(nil), server.recoveries...)
}

func (server *Server) countAndInject(contextGin *gin.Context) {
	path := contextGin.Request.URL.Path
	server.mutex.Lock()
	server.calls[path]++
	failure, failing := server.failures[path]
	if failing {
		delete(server.failures, path)
	}
	server.mutex.Unlock()

	if !failing {
		contextGin.Next()
		return
	}
	if failure.drop {
		hijacker, ok := contextGin.Writer.(http.Hijacker)
		if ok {
			connection, _, hijackErr := hijacker.Hijack()
			if hijackErr == nil {
				_ = connection.Close()
				contextGin.Abort()
				return
			}
		}
		contextGin.AbortWithStatus(http.StatusBadGateway)
		return
	}
	contextGin.AbortWithStatusJSON(failure.status, gin.H{"msg": failure.message})
}

func (server *Server) handleToken(contextGin *gin.Context) {
	if contextGin.GetHeader(gotrueapi.APIKeyHeader) == "" {
		contextGin.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"message": "No API key found in request"})
		return
	}
	switch contextGin.Query("grant_type") {
	case "password":
		var inbound struct {
			Email    string `json:"email"`
			Password string `json:"password"`
		}
		if err := contextGin.BindJSON(&inbound); err != nil {
			return
		}
		server.mutex.Lock()
		defer server.mutex.Unlock()
		userID, ok := server.usersByEmail[strings.ToLower(inbound.Email)]
		if !ok || server.users[userID].password != inbound.Password {
			contextGin.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": "invalid_grant", "error_description": "Invalid login credentials"})
			return
		}
		response, issueErr := server.issueLocked(userID, uuid.NewString())
		if issueErr != nil {
			contextGin.AbortWithStatus(http.StatusInternalServerError)
			return
		}
		contextGin.JSON(http.StatusOK, response)
	case "refresh_token":
		var inbound struct {
			RefreshToken string `json:"refresh_token"`
		}
		if err := contextGin.BindJSON(&inbound); err != nil {
			return
		}
		server.mutex.Lock()
		defer server.mutex.Unlock()
		record, ok := server.refreshTokens[inbound.RefreshToken]
		if !ok || server.revokedSessions[record.sessionID] {
			contextGin.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": "invalid_grant", "error_description": "Invalid Refresh Token: Refresh Token Not Found"})
			return
		}
		delete(server.refreshTokens, inbound.RefreshToken)
		response, issueErr := server.issueLocked(record.userID, record.sessionID)
		if issueErr != nil {
			contextGin.AbortWithStatus(http.StatusInternalServerError)
			return
		}
		contextGin.JSON(http.StatusOK, response)
	default:
		contextGin.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": "unsupported_grant_type"})
	}
}

func (server *Server) handleGetUser(contextGin *gin.Context) {
	server.mutex.Lock()
	defer server.mutex.Unlock()
	claims, ok := server.authenticateLocked(contextGin)
	if !ok {
		contextGin.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"code": 401, "msg": "invalid JWT: unable to parse or verify signature"})
		return
	}
	record, found := server.users[claims.Subject]
	if !found {
		contextGin.AbortWithStatusJSON(http.StatusNotFound, gin.H{"msg": "User not found"})
		return
	}
	contextGin.JSON(http.StatusOK, cloneUser(record.user))
}

func (server *Server) handleLogout(contextGin *gin.Context) {
	server.mutex.Lock()
	defer server.mutex.Unlock()
	claims, ok := server.authenticateLocked(contextGin)
	if !ok {
		contextGin.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"msg": "invalid JWT"})
		return
	}
	server.revokedSessions[claims.SessionID] = true
	contextGin.Status(http.StatusNoContent)
}

func (server *Server) handleRecover(contextGin *gin.Context) {
	var inbound struct {
		Email string `json:"email"`
	}
	if err := contextGin.BindJSON(&inbound); err != nil {
		return
	}
	if strings.TrimSpace(inbound.Email) == "" {
		contextGin.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"msg": "Password recovery requires an email"})
		return
	}
	server.mutex.Lock()
	server.recoveries = append(server.recoveries, inbound.Email)
	server.mutex.Unlock()
	contextGin.JSON(http.StatusOK, gin.H{})
}

func (server *Server) handleAdminCreate(contextGin *gin.Context) {
	if !server.isServiceRole(contextGin) {
		contextGin.AbortWithStatusJSON(http.StatusForbidden, gin.H{"msg": "User not allowed"})
		return
	}
	var inbound struct {
		Email        string         `json:"email"`
		Password     *string        `json:"password"`
		EmailConfirm bool           `json:"email_confirm"`
		UserMetadata map[string]any `json:"user_metadata"`
	}
	if err := contextGin.BindJSON(&inbound); err != nil {
		return
	}
	if inbound.Password == nil || len(*inbound.Password) < 6 {
		contextGin.AbortWithStatusJSON(http.StatusUnprocessableEntity, gin.H{"msg": "Password should be at least 6 characters"})
		return
	}
	server.mutex.Lock()
	defer server.mutex.Unlock()
	if _, exists := server.usersByEmail[strings.ToLower(inbound.Email)]; exists {
		contextGin.AbortWithStatusJSON(http.StatusUnprocessableEntity, gin.H{"msg": "A user with this email address has already been registered"})
		return
	}
	if !inbound.EmailConfirm {
		contextGin.AbortWithStatusJSON(http.StatusUnprocessableEntity, gin.H{"msg": "Unconfirmed signups are not supported"})
		return
	}
	user := server.createUserLocked(inbound.Email, *inbound.Password, inbound.UserMetadata)
	contextGin.JSON(http.StatusOK, user)
}

func (server *Server) handleAdminUpdate(contextGin *gin.Context) {
	if !server.isServiceRole(contextGin) {
		contextGin.AbortWithStatusJSON(http.StatusForbidden, gin.H{"msg": "User not allowed"})
		return
	}
	var inbound struct {
		UserMetadata map[string]any `json:"user_metadata"`
	}
	if err := contextGin.BindJSON(&inbound); err != nil {
		return
	}
	server.mutex.Lock()
	defer server.mutex.Unlock()
	record, ok := server.users[contextGin.Param("id")]
	if !ok {
		contextGin.AbortWithStatusJSON(http.StatusNotFound, gin.H{"msg": "User not found"})
		return
	}
	if record.user.UserMetadata == nil {
		record.user.UserMetadata = make(map[string]any)
	}
	for key, value := range inbound.UserMetadata {
		record.user.UserMetadata[key] = value
	}
	contextGin.JSON(http.StatusOK, cloneUser(record.user))
}

func (server *Server) isServiceRole(contextGin *gin.Context) bool {
	return bearer(contextGin.Request) == server.ServiceRoleKey
}

func (server *Server) authenticateLocked(contextGin *gin.Context) (*AccessClaims, bool) {
	token := bearer(contextGin.Request)
	if token == "" {
		return nil, false
	}
	parsed, err := jwt.ParseWithClaims(token, &AccessClaims{}, func(parsed *jwt.Token) (interface{}, error) {
		return server.JWTSecret, nil
	}, jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}), jwt.WithTimeFunc(server.now))
	if err != nil || parsed == nil || !parsed.Valid {
		return nil, false
	}
	claims, ok := parsed.Claims.(*AccessClaims)
	if !ok || server.revokedSessions[claims.SessionID] {
		return nil, false
	}
	return claims, true
}

func (server *Server) createUserLocked(email string, password string, metadata map[string]any) User {
	if metadata == nil {
		metadata = make(map[string]any)
	}
	user := User{
		ID:           uuid.NewString(),
		Aud:          "authenticated",
		Role:         "authenticated",
		Email:        strings.ToLower(email),
		CreatedAt:    server.now().Truncate(time.Second),
		UserMetadata: metadata,
	}
	server.users[user.ID] = &userRecord{user: user, password: password}
	server.usersByEmail[user.Email] = user.ID
	return cloneUser(user)
}

func (server *Server) revokeUserLocked(userID string) {
	for opaque, record := range server.refreshTokens {
		if record.userID == userID {
			server.revokedSessions[record.sessionID] = true
			delete(server.refreshTokens, opaque)
		}
	}
}

func (server *Server) issueLocked(userID string, sessionID string) (TokenResponse, error) {
	record := server.users[userID]
	issuedAt := server.now()
	expiresAt := issuedAt.Add(server.AccessTTL)
	accessToken, err := MintAccessToken(server.JWTSecret, server.Issuer(), record.user, sessionID, issuedAt, server.AccessTTL)
	if err != nil {
		return TokenResponse{}, err
	}
	refreshToken, err := randomOpaque()
	if err != nil {
		return TokenResponse{}, err
	}
	server.refreshTokens[refreshToken] = refreshRecord{userID: userID, sessionID: sessionID}
	user := cloneUser(record.user)
	return TokenResponse{
		AccessToken:  accessToken,
		TokenType:    "bearer",
		ExpiresIn:    int64(server.AccessTTL / time.Second),
		ExpiresAt:    expiresAt.Unix(),
		RefreshToken: refreshToken,
		User:         &user,
	}, nil
}

// MintAccessToken signs an HS256 access token shaped like the provider's.
func MintAccessToken(secret []byte, issuer string, user User, sessionID string, issuedAt time.Time, ttl time.Duration) (string, error) {
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, AccessClaims{
		Email:        user.Email,
		Role:         "authenticated",
		SessionID:    sessionID,
		UserMetadata: user.UserMetadata,
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    issuer,
			Subject:   user.ID,
			Audience:  jwt.ClaimStrings{"authenticated"},
			IssuedAt:  jwt.NewNumericDate(issuedAt),
			ExpiresAt: jwt.NewNumericDate(issuedAt.Add(ttl)),
		},
	})
	return token.SignedString(secret)
}

func randomOpaque() (string, error) {
	buffer := make([]byte, 24)
	if _, err := rand.Read(buffer); err != nil {
		return "", err
	}
	return base64.RawURLEncoding.EncodeToString(buffer), nil
}

func bearer(request *http.Request) string {
	parts := strings.Fields(request.Header.Get("Authorization"))
	if len(parts) != 2 || !strings.EqualFold(parts[0], "bearer") {
		return ""
	}
	return parts[1]
}

func cloneUser(user User) User {
	clone := user
	clone.UserMetadata = make(map[string]any, len(user.UserMetadata))
	for key, value := range user.UserMetadata {
		clone.UserMetadata[key] = value
	}
	return clone
}
