package authclient

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
)

// ErrMissingBackendURL indicates the backend base URL was not configured.
var ErrMissingBackendURL = errors.New("request.missing_backend_url")

// RequesterConfig configures the authorized request layer.
type RequesterConfig struct {
	BaseURL    string
	AnonKey    string
	HTTPClient *http.Client
}

// RequestOptions shapes an outbound backend request.
type RequestOptions struct {
	Method string
	// Body is sent as-is when it is an io.Reader or []byte, otherwise JSON encoded.
	Body   any
	Header http.Header
}

// Requester attaches exactly one bearer credential to backend calls: the
// caller's token when present, else the anonymous key. It neither retries
// nor times out on its own.
type Requester struct {
	baseURL    string
	anonKey    string
	httpClient *http.Client
}

// NewRequester constructs a Requester.
func NewRequester(configuration RequesterConfig) (*Requester, error) {
	if strings.TrimSpace(configuration.BaseURL) == "" {
		return nil, fmt.Errorf("request.new: %w", ErrMissingBackendURL)
	}
	httpClient := configuration.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{}
	}
	return &Requester{
		baseURL:    strings.TrimRight(configuration.BaseURL, "/"),
		anonKey:    configuration.AnonKey,
		httpClient: httpClient,
	}, nil
}

// Request sends the request and returns the raw response. Transport
// failures are returned as errors for the caller to map.
func (requester *Requester) Request(ctx context.Context, endpoint string, options RequestOptions, token string) (*http.Response, error) {
	method := options.Method
	if method == "" {
		method = http.MethodGet
	}
	body, bodyErr := encodeBody(options.Body)
	if bodyErr != nil {
		return nil, bodyErr
	}
	request, err := http.NewRequestWithContext(ctx, method, requester.baseURL+endpoint, body)
	if err != nil {
		return nil, fmt.Errorf("request.build: %w", err)
	}
	request.Header.Set("Content-Type", "application/json")
	for name, values := range options.Header {
		request.Header.Del(name)
		for _, value := range values {
			request.Header.Add(name, value)
		}
	}
	request.Header.Set("Authorization", "Bearer "+requester.credential(token))
	response, err := requester.httpClient.Do(request)
	if err != nil {
		return nil, fmt.Errorf("request.transport: %w", err)
	}
	return response, nil
}

func (requester *Requester) credential(token string) string {
	if token != "" {
		return token
	}
	return requester.anonKey
}

func encodeBody(body any) (io.Reader, error) {
	switch typed := body.(type) {
	case nil:
		return nil, nil
	case io.Reader:
		return typed, nil
	case []byte:
		return bytes.NewReader(typed), nil
	default:
		encoded, err := json.Marshal(typed)
		if err != nil {
			return nil, fmt.Errorf("request.encode: %w", err)
		}
		return bytes.NewReader(encoded), nil
	}
}
