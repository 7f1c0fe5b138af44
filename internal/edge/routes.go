// Package edge serves the backend validation endpoints: health, privileged
// signup, and the token-checked profile read and update.
package edge

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/supabase-community/gotrue-go/types"
	"github.com/tyemirov/saasauth/internal/metrics"
	"github.com/tyemirov/saasauth/internal/provideradmin"
	"github.com/tyemirov/saasauth/pkg/gotrueapi"
	"github.com/tyemirov/saasauth/pkg/tokenverifier"
	"go.uber.org/zap"
)

// DefaultRoutePrefix is the path prefix of every endpoint.
const DefaultRoutePrefix = "/make-server"

const (
	MetricSignupSuccess        = "edge.signup.success"
	MetricSignupFailure        = "edge.signup.failure"
	MetricProfileReadSuccess   = "edge.profile.read.success"
	MetricProfileReadFailure   = "edge.profile.read.failure"
	MetricProfileUpdateSuccess = "edge.profile.update.success"
	MetricProfileUpdateFailure = "edge.profile.update.failure"
)

const (
	messageMissingCredentials = "Email and password are required"
	messageSignupInternal     = "Internal server error during signup"
	messageNoAccessToken      = "Unauthorized - no access token"
	messageInvalidToken       = "Unauthorized - invalid token"
	messageProfileInternal    = "Internal server error while fetching profile"
	messageUpdateInternal     = "Internal server error while updating profile"
	messageMissingName        = "Name is required"
)

// Config configures the mounted routes.
type Config struct {
	RoutePrefix string
	// AnonKey, when set, must be presented as the bearer on /signup.
	AnonKey string
}

// identityBody is the user record returned by every endpoint. Only the
// fields the client reads are exposed; provider metadata stays server-side.
type identityBody struct {
	ID        string    `json:"id"`
	Email     string    `json:"email"`
	Name      string    `json:"name"`
	AvatarURL string    `json:"avatar_url,omitempty"`
	CreatedAt time.Time `json:"created_at"`
}

func identityOf(user *types.User) identityBody {
	if user == nil {
		return identityBody{}
	}
	return identityBody{
		ID:        user.ID.String(),
		Email:     user.Email,
		Name:      gotrueapi.MetadataString(user, "name"),
		AvatarURL: gotrueapi.MetadataString(user, "avatar_url"),
		CreatedAt: user.CreatedAt,
	}
}

// ProviderAdmin is the privileged provider surface the endpoints need.
type ProviderAdmin interface {
	GetUser(ctx context.Context, accessToken string) (*types.User, error)
	CreateUser(ctx context.Context, input provideradmin.CreateUserInput) (*types.User, error)
	UpdateUserMetadata(ctx context.Context, userID string, metadata map[string]any) (*types.User, error)
}

// TokenVerifier rejects tokens locally before they reach the provider.
type TokenVerifier interface {
	ValidateToken(tokenString string) (*tokenverifier.Claims, error)
}

// Dependencies are optional collaborators of the handlers.
type Dependencies struct {
	Verifier TokenVerifier
	Logger   *zap.Logger
	Metrics  metrics.MetricsRecorder
}

type handlers struct {
	configuration Config
	admin         ProviderAdmin
	verifier      TokenVerifier
	logger        *zap.Logger
	metrics       metrics.MetricsRecorder
}

// MountRoutes registers /health, /signup, and /profile under the route prefix.
func MountRoutes(router gin.IRouter, configuration Config, admin ProviderAdmin, dependencies Dependencies) {
	if admin == nil {
		panic("edge: provider admin is required")
	}
	logger := dependencies.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	recorder := dependencies.Metrics
	if recorder == nil {
		recorder = metrics.Multi()
	}
	prefix := strings.TrimRight(configuration.RoutePrefix, "/")
	state := &handlers{
		configuration: configuration,
		admin:         admin,
		verifier:      dependencies.Verifier,
		logger:        logger,
		metrics:       recorder,
	}

	group := router.Group(prefix)
	group.GET("/health", func(contextGin *gin.Context) {
		contextGin.JSON(http.StatusOK, gin.H{"status": "ok"})
	})
	group.POST("/signup", state.handleSignup)
	group.GET("/profile", state.handleGetProfile)
	group.PUT("/profile", state.handleUpdateProfile)
}

func (state *handlers) handleSignup(contextGin *gin.Context) {
	if state.configuration.AnonKey != "" {
		credential := tokenverifier.BearerToken(contextGin.Request)
		if credential == "" {
			state.reject(contextGin, MetricSignupFailure, http.StatusUnauthorized, messageNoAccessToken)
			return
		}
		if credential != state.configuration.AnonKey {
			state.reject(contextGin, MetricSignupFailure, http.StatusUnauthorized, messageInvalidToken)
			return
		}
	}

	var inbound struct {
		Email    string `json:"email"`
		Password string `json:"password"`
		Name     string `json:"name"`
	}
	if err := contextGin.ShouldBindJSON(&inbound); err != nil || strings.TrimSpace(inbound.Email) == "" || inbound.Password == "" {
		state.reject(contextGin, MetricSignupFailure, http.StatusBadRequest, messageMissingCredentials)
		return
	}

	user, createErr := state.admin.CreateUser(contextGin.Request.Context(), provideradmin.CreateUserInput{
		Email:    strings.TrimSpace(inbound.Email),
		Password: inbound.Password,
		Name:     inbound.Name,
	})
	if createErr != nil {
		var apiError *gotrueapi.APIError
		if errors.As(createErr, &apiError) {
			state.logger.Warn("signup rejected by provider", zap.String("code", "edge.signup.rejected"), zap.Int("status", apiError.Status), zap.Error(createErr))
			state.reject(contextGin, MetricSignupFailure, http.StatusBadRequest, apiError.Message)
			return
		}
		state.logger.Error("signup failed", zap.String("code", "edge.signup.internal"), zap.Error(createErr))
		state.reject(contextGin, MetricSignupFailure, http.StatusInternalServerError, messageSignupInternal)
		return
	}
	state.metrics.Increment(MetricSignupSuccess)
	contextGin.JSON(http.StatusOK, gin.H{"user": identityOf(user)})
}

func (state *handlers) handleGetProfile(contextGin *gin.Context) {
	user, ok := state.authenticate(contextGin, MetricProfileReadFailure, messageProfileInternal)
	if !ok {
		return
	}
	state.metrics.Increment(MetricProfileReadSuccess)
	contextGin.JSON(http.StatusOK, gin.H{"user": identityOf(user)})
}

func (state *handlers) handleUpdateProfile(contextGin *gin.Context) {
	user, ok := state.authenticate(contextGin, MetricProfileUpdateFailure, messageUpdateInternal)
	if !ok {
		return
	}

	var inbound struct {
		Name      *string `json:"name"`
		AvatarURL *string `json:"avatar_url"`
	}
	if err := contextGin.ShouldBindJSON(&inbound); err != nil || inbound.Name == nil {
		state.reject(contextGin, MetricProfileUpdateFailure, http.StatusBadRequest, messageMissingName)
		return
	}
	metadata := map[string]any{"name": *inbound.Name}
	if inbound.AvatarURL != nil {
		metadata["avatar_url"] = *inbound.AvatarURL
	}

	userID := user.ID.String()
	updated, updateErr := state.admin.UpdateUserMetadata(contextGin.Request.Context(), userID, metadata)
	if updateErr != nil {
		var apiError *gotrueapi.APIError
		if errors.As(updateErr, &apiError) {
			state.logger.Warn("profile update rejected by provider", zap.String("code", "edge.profile.update_rejected"), zap.String("user_id", userID), zap.Int("status", apiError.Status))
			state.reject(contextGin, MetricProfileUpdateFailure, http.StatusBadRequest, apiError.Message)
			return
		}
		state.logger.Error("profile update failed", zap.String("code", "edge.profile.update_internal"), zap.String("user_id", userID), zap.Error(updateErr))
		state.reject(contextGin, MetricProfileUpdateFailure, http.StatusInternalServerError, messageUpdateInternal)
		return
	}
	state.metrics.Increment(MetricProfileUpdateSuccess)
	contextGin.JSON(http.StatusOK, gin.H{"user": identityOf(updated)})
}

// authenticate resolves the bearer token to a provider user, writing the
// failure response itself when it returns false.
func (state *handlers) authenticate(contextGin *gin.Context, failureMetric string, internalMessage string) (*types.User, bool) {
	accessToken := tokenverifier.BearerToken(contextGin.Request)
	if accessToken == "" {
		state.reject(contextGin, failureMetric, http.StatusUnauthorized, messageNoAccessToken)
		return nil, false
	}
	if state.verifier != nil {
		if _, verifyErr := state.verifier.ValidateToken(accessToken); verifyErr != nil {
			state.logger.Info("token rejected locally", zap.String("code", "edge.profile.invalid_token"), zap.Error(verifyErr))
			state.reject(contextGin, failureMetric, http.StatusUnauthorized, messageInvalidToken)
			return nil, false
		}
	}
	user, lookupErr := state.admin.GetUser(contextGin.Request.Context(), accessToken)
	if lookupErr != nil {
		if gotrueapi.IsRejection(lookupErr) || errors.Is(lookupErr, provideradmin.ErrNoUser) {
			state.logger.Info("token rejected by provider", zap.String("code", "edge.profile.invalid_token"), zap.Error(lookupErr))
			state.reject(contextGin, failureMetric, http.StatusUnauthorized, messageInvalidToken)
			return nil, false
		}
		state.logger.Error("token verification failed", zap.String("code", "edge.profile.verify_internal"), zap.Error(lookupErr))
		state.reject(contextGin, failureMetric, http.StatusInternalServerError, internalMessage)
		return nil, false
	}
	return user, true
}

func (state *handlers) reject(contextGin *gin.Context, failureMetric string, status int, message string) {
	state.metrics.Increment(failureMetric)
	contextGin.AbortWithStatusJSON(status, gin.H{"error": message})
}
