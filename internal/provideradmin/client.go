// Package provideradmin holds the backend's privileged identity provider
// calls. It carries the service-role key and must never be imported by client
// code.
package provideradmin

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/supabase-community/gotrue-go"
	"github.com/supabase-community/gotrue-go/types"
	"github.com/tyemirov/saasauth/pkg/gotrueapi"
	"go.uber.org/zap"
)

const defaultTimeout = 10 * time.Second

var (
	ErrMissingBaseURL        = errors.New("provider_admin.missing_base_url")
	ErrMissingServiceRoleKey = errors.New("provider_admin.missing_service_role_key")
	ErrInvalidUserID         = errors.New("provider_admin.invalid_user_id")
	ErrNoUser                = errors.New("provider_admin.no_user")
)

// Config configures the admin client.
type Config struct {
	BaseURL        string
	ServiceRoleKey string
	HTTPClient     *http.Client
	Logger         *zap.Logger
}

// CreateUserInput describes an account to create.
type CreateUserInput struct {
	Email    string
	Password string
	Name     string
}

// Client performs service-role calls against the identity provider.
type Client struct {
	baseURL        string
	serviceRoleKey string
	httpClient     *http.Client
	logger         *zap.Logger
}

// New validates the configuration and constructs a Client.
func New(configuration Config) (*Client, error) {
	baseURL := strings.TrimRight(strings.TrimSpace(configuration.BaseURL), "/")
	if baseURL == "" {
		return nil, fmt.Errorf("provider_admin.new: %w", ErrMissingBaseURL)
	}
	if strings.TrimSpace(configuration.ServiceRoleKey) == "" {
		return nil, fmt.Errorf("provider_admin.new: %w", ErrMissingServiceRoleKey)
	}
	httpClient := configuration.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{Timeout: defaultTimeout}
	}
	logger := configuration.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Client{
		baseURL:        baseURL,
		serviceRoleKey: configuration.ServiceRoleKey,
		httpClient:     httpClient,
		logger:         logger,
	}, nil
}

// GetUser resolves the user owning accessToken. Rejections surface as
// *gotrueapi.APIError.
func (client *Client) GetUser(ctx context.Context, accessToken string) (*types.User, error) {
	provider, err := client.connect(ctx)
	if err != nil {
		return nil, fmt.Errorf("provider_admin.get_user: %w", err)
	}
	response, err := provider.WithToken(accessToken).GetUser()
	if err != nil {
		return nil, fmt.Errorf("provider_admin.get_user: %w", gotrueapi.Classify(err))
	}
	if response == nil || response.ID == uuid.Nil {
		return nil, fmt.Errorf("provider_admin.get_user: %w", ErrNoUser)
	}
	return &response.User, nil
}

// CreateUser creates an account with the email already confirmed. No
// verification email is sent.
func (client *Client) CreateUser(ctx context.Context, input CreateUserInput) (*types.User, error) {
	provider, err := client.connect(ctx)
	if err != nil {
		return nil, fmt.Errorf("provider_admin.create_user: %w", err)
	}
	password := input.Password
	response, err := provider.WithToken(client.serviceRoleKey).AdminCreateUser(types.AdminCreateUserRequest{
		Email:        input.Email,
		Password:     &password,
		EmailConfirm: true,
		UserMetadata: map[string]interface{}{"name": input.Name},
	})
	if err != nil {
		return nil, fmt.Errorf("provider_admin.create_user: %w", gotrueapi.Classify(err))
	}
	if response == nil || response.ID == uuid.Nil {
		return nil, fmt.Errorf("provider_admin.create_user: %w", gotrueapi.ErrMalformedResponse)
	}
	client.logger.Info("provider user created", zap.String("code", "provider_admin.create_user"), zap.String("user_id", response.ID.String()))
	return &response.User, nil
}

// UpdateUserMetadata merges metadata into the user_metadata of userID.
func (client *Client) UpdateUserMetadata(ctx context.Context, userID string, metadata map[string]any) (*types.User, error) {
	parsedID, parseErr := uuid.Parse(userID)
	if parseErr != nil {
		return nil, fmt.Errorf("provider_admin.update_user: %w", ErrInvalidUserID)
	}
	provider, err := client.connect(ctx)
	if err != nil {
		return nil, fmt.Errorf("provider_admin.update_user: %w", err)
	}
	response, err := provider.WithToken(client.serviceRoleKey).AdminUpdateUser(types.AdminUpdateUserRequest{
		UserID:       parsedID,
		UserMetadata: metadata,
	})
	if err != nil {
		return nil, fmt.Errorf("provider_admin.update_user: %w", gotrueapi.Classify(err))
	}
	if response == nil || response.ID != parsedID {
		return nil, fmt.Errorf("provider_admin.update_user: %w", gotrueapi.ErrMalformedResponse)
	}
	return &response.User, nil
}

// connect presents the service-role key as the project key; callers pick
// the bearer per call.
func (client *Client) connect(ctx context.Context) (gotrue.Client, error) {
	return gotrueapi.Connect(ctx, client.baseURL, client.serviceRoleKey, client.httpClient)
}
