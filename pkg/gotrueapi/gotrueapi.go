// Package gotrueapi connects to the external identity provider (a
// GoTrue-compatible auth server) through gotrue-go and classifies its
// failures. It carries no credentials.
package gotrueapi

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"

	"github.com/supabase-community/gotrue-go"
	"github.com/supabase-community/gotrue-go/types"
)

// AuthPath is where the provider mounts its REST API under the project URL.
const AuthPath = "/auth/v1"

// APIKeyHeader carries the project key on every provider call.
const APIKeyHeader = "apikey"

const (
	statusErrorPrefix = "response status code "
	maxErrorBody      = 64 << 10
)

var (
	// ErrEmptyBaseURL indicates the provider base URL was not configured.
	ErrEmptyBaseURL = errors.New("gotrue.empty_base_url")
	// ErrMalformedResponse indicates a success status with an undecodable body.
	ErrMalformedResponse = errors.New("gotrue.malformed_response")
)

// Connect returns a gotrue client for the project at baseURL. Requests made
// through it carry ctx, so cancelling ctx aborts them.
func Connect(ctx context.Context, baseURL string, apiKey string, httpClient *http.Client) (gotrue.Client, error) {
	trimmed := strings.TrimRight(strings.TrimSpace(baseURL), "/")
	if trimmed == "" {
		return nil, ErrEmptyBaseURL
	}
	if httpClient == nil {
		httpClient = &http.Client{}
	}
	bound := *httpClient
	bound.Transport = contextTransport{ctx: ctx, base: httpClient.Transport}
	// The project reference only feeds the default hosted URL, which the
	// custom URL replaces.
	return gotrue.New("", apiKey).
		WithCustomGoTrueURL(trimmed + AuthPath).
		WithClient(bound), nil
}

type contextTransport struct {
	ctx  context.Context
	base http.RoundTripper
}

func (transport contextTransport) RoundTrip(request *http.Request) (*http.Response, error) {
	base := transport.base
	if base == nil {
		base = http.DefaultTransport
	}
	return base.RoundTrip(request.WithContext(transport.ctx))
}

// MetadataString returns a string user_metadata value or empty string.
func MetadataString(user *types.User, key string) string {
	if user == nil || user.UserMetadata == nil {
		return ""
	}
	value, _ := user.UserMetadata[key].(string)
	return value
}

// APIError is a structured rejection returned by the provider.
type APIError struct {
	Status  int
	Message string
}

func (apiError *APIError) Error() string {
	return fmt.Sprintf("gotrue.rejected.%d: %s", apiError.Status, apiError.Message)
}

// IsRejection reports whether err carries a provider APIError.
func IsRejection(err error) bool {
	var apiError *APIError
	return errors.As(err, &apiError)
}

// IsTransport reports whether err is a failure to reach the provider.
func IsTransport(err error) bool {
	var transportErr *url.Error
	return errors.As(err, &transportErr)
}

// Classify sorts a gotrue-go error into a transport failure (the wrapped
// *url.Error), a provider rejection (*APIError) or ErrMalformedResponse.
func Classify(err error) error {
	if err == nil {
		return nil
	}
	if IsTransport(err) {
		return fmt.Errorf("gotrue.transport: %w", err)
	}
	if apiError, ok := parseStatusError(err.Error()); ok {
		return apiError
	}
	return fmt.Errorf("%w: %v", ErrMalformedResponse, err)
}

type errorBody struct {
	Error            string `json:"error"`
	ErrorDescription string `json:"error_description"`
	Msg              string `json:"msg"`
	Message          string `json:"message"`
}

// parseStatusError reads gotrue-go's "response status code N: body" form.
func parseStatusError(text string) (*APIError, bool) {
	start := strings.Index(text, statusErrorPrefix)
	if start < 0 {
		return nil, false
	}
	rest := text[start+len(statusErrorPrefix):]
	digits := rest
	body := ""
	if separator := strings.Index(rest, ":"); separator >= 0 {
		digits = rest[:separator]
		body = strings.TrimSpace(rest[separator+1:])
	}
	status, err := strconv.Atoi(strings.TrimSpace(digits))
	if err != nil {
		return nil, false
	}
	if len(body) > maxErrorBody {
		body = body[:maxErrorBody]
	}
	apiError := &APIError{Status: status}
	var decoded errorBody
	if json.Unmarshal([]byte(body), &decoded) == nil {
		for _, candidate := range []string{decoded.ErrorDescription, decoded.Msg, decoded.Message, decoded.Error} {
			if strings.TrimSpace(candidate) != "" {
				apiError.Message = candidate
				break
			}
		}
	}
	if apiError.Message == "" {
		apiError.Message = http.StatusText(status)
	}
	return apiError, true
}
