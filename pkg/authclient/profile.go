package authclient

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strings"

	"go.uber.org/zap"
)

const (
	profileEndpoint = "/profile"
	// maxProfileBody bounds how much of a backend response is buffered.
	maxProfileBody = 64 << 10
)

const (
	messageProfileFetchNetwork  = "Network error while fetching profile"
	messageProfileFetchFailed   = "Failed to fetch profile"
	messageProfileUpdateNetwork = "Network error while updating profile"
	messageProfileUpdateFailed  = "Failed to update profile"
)

var errProfileBodyTooLarge = errors.New("profile.body_too_large")

// ProfileService reads and writes the authenticated user's profile record.
type ProfileService struct {
	requester *Requester
	logger    *zap.Logger
}

// NewProfileService constructs a ProfileService.
func NewProfileService(requester *Requester, logger *zap.Logger) *ProfileService {
	if requester == nil {
		panic("requester is required")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &ProfileService{requester: requester, logger: logger}
}

// GetProfile fetches the profile owned by token.
func (service *ProfileService) GetProfile(ctx context.Context, token string) ProfileResult {
	response, err := service.requester.Request(ctx, profileEndpoint, RequestOptions{Method: http.MethodGet}, token)
	if err != nil {
		service.logger.Warn("profile fetch transport failure",
			zap.String("code", "profile.fetch.network"),
			zap.Error(err))
		return ProfileResult{Error: messageProfileFetchNetwork, Kind: KindNetworkFailure}
	}
	return service.interpret(response, messageProfileFetchFailed)
}

// UpdateProfile writes the profile owned by token.
func (service *ProfileService) UpdateProfile(ctx context.Context, token string, update ProfileUpdate) ProfileResult {
	response, err := service.requester.Request(ctx, profileEndpoint, RequestOptions{Method: http.MethodPut, Body: update}, token)
	if err != nil {
		service.logger.Warn("profile update transport failure",
			zap.String("code", "profile.update.network"),
			zap.Error(err))
		return ProfileResult{Error: messageProfileUpdateNetwork, Kind: KindNetworkFailure}
	}
	return service.interpret(response, messageProfileUpdateFailed)
}

func (service *ProfileService) interpret(response *http.Response, fallback string) ProfileResult {
	defer func() { _ = response.Body.Close() }()
	payload, readErr := io.ReadAll(io.LimitReader(response.Body, maxProfileBody+1))
	if readErr == nil && len(payload) > maxProfileBody {
		readErr = errProfileBodyTooLarge
	}

	if response.StatusCode < 200 || response.StatusCode > 299 {
		message := fallback
		var body struct {
			Error string `json:"error"`
		}
		if readErr == nil && json.Unmarshal(payload, &body) == nil && strings.TrimSpace(body.Error) != "" {
			message = body.Error
		}
		return ProfileResult{Error: message, Kind: kindForStatus(response.StatusCode)}
	}

	var body struct {
		User *Identity `json:"user"`
	}
	if readErr != nil || json.Unmarshal(payload, &body) != nil || body.User == nil || body.User.ID == "" {
		service.logger.Warn("profile response malformed",
			zap.String("code", "profile.malformed"),
			zap.Int("status", response.StatusCode),
			zap.Error(readErr))
		return ProfileResult{Error: fallback, Kind: KindMalformedResponse}
	}
	return ProfileResult{User: body.User}
}

func kindForStatus(status int) ErrorKind {
	switch {
	case status == http.StatusUnauthorized || status == http.StatusForbidden:
		return KindUnauthorized
	default:
		return KindProviderRejected
	}
}
