package authclient

import (
	"context"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/tyemirov/saasauth/internal/edge"
	"github.com/tyemirov/saasauth/internal/gotruetest"
	"github.com/tyemirov/saasauth/internal/provideradmin"
	"go.uber.org/zap/zaptest"
)

// testStack is a fake identity provider plus the real backend endpoints in
// front of it.
type testStack struct {
	provider  *gotruetest.Server
	backend   *httptest.Server
	requester *Requester
	profiles  *ProfileService
}

func newTestStack(t *testing.T) *testStack {
	t.Helper()
	gin.SetMode(gin.TestMode)
	provider := gotruetest.New(t)
	admin, err := provideradmin.New(provideradmin.Config{
		BaseURL:        provider.URL,
		ServiceRoleKey: provider.ServiceRoleKey,
		Logger:         zaptest.NewLogger(t),
	})
	if err != nil {
		t.Fatalf("admin: %v", err)
	}
	router := gin.New()
	edge.MountRoutes(router, edge.Config{AnonKey: provider.AnonKey}, admin, edge.Dependencies{Logger: zaptest.NewLogger(t)})
	backend := httptest.NewServer(router)
	t.Cleanup(backend.Close)

	requester, err := NewRequester(RequesterConfig{BaseURL: backend.URL, AnonKey: provider.AnonKey})
	if err != nil {
		t.Fatalf("requester: %v", err)
	}
	return &testStack{
		provider:  provider,
		backend:   backend,
		requester: requester,
		profiles:  NewProfileService(requester, zaptest.NewLogger(t)),
	}
}

func (stack *testStack) newProvider(t *testing.T, storage SessionStorage) *Provider {
	t.Helper()
	return stack.newProviderWith(t, ProviderConfig{Storage: storage})
}

func (stack *testStack) newProviderWith(t *testing.T, configuration ProviderConfig) *Provider {
	t.Helper()
	configuration.ProviderURL = stack.provider.URL
	configuration.AnonKey = stack.provider.AnonKey
	configuration.Requester = stack.requester
	if configuration.Logger == nil {
		configuration.Logger = zaptest.NewLogger(t)
	}
	identity, err := NewProvider(context.Background(), configuration)
	if err != nil {
		t.Fatalf("provider: %v", err)
	}
	t.Cleanup(identity.Close)
	return identity
}

func (stack *testStack) newController(t *testing.T, identity IdentityProvider, profiles ProfileFetcher, recorder MetricsRecorder) *Controller {
	t.Helper()
	if profiles == nil {
		profiles = stack.profiles
	}
	controller, err := NewController(ControllerConfig{
		Provider: identity,
		Profiles: profiles,
		Logger:   zaptest.NewLogger(t),
		Metrics:  recorder,
	})
	if err != nil {
		t.Fatalf("controller: %v", err)
	}
	t.Cleanup(controller.Close)
	return controller
}

// memoryStorage is a watchable storage shared by several providers, standing
// in for browser storage shared across tabs.
type memoryStorage struct {
	mutex    sync.Mutex
	session  *Session
	handlers map[int]func(*Session)
	nextID   int
	saves    int
}

func newMemoryStorage() *memoryStorage {
	return &memoryStorage{handlers: make(map[int]func(*Session))}
}

func (storage *memoryStorage) Load(ctx context.Context) (*Session, error) {
	storage.mutex.Lock()
	defer storage.mutex.Unlock()
	return storage.session.Clone(), nil
}

func (storage *memoryStorage) Save(ctx context.Context, session *Session) error {
	storage.mutex.Lock()
	storage.session = session.Clone()
	storage.saves++
	handlers := make([]func(*Session), 0, len(storage.handlers))
	for _, handler := range storage.handlers {
		handlers = append(handlers, handler)
	}
	storage.mutex.Unlock()
	for _, handler := range handlers {
		handler(session.Clone())
	}
	return nil
}

func (storage *memoryStorage) Watch(ctx context.Context, handler func(*Session)) (func(), error) {
	storage.mutex.Lock()
	defer storage.mutex.Unlock()
	storage.nextID++
	handlerID := storage.nextID
	storage.handlers[handlerID] = handler
	return func() {
		storage.mutex.Lock()
		defer storage.mutex.Unlock()
		delete(storage.handlers, handlerID)
	}, nil
}

func (storage *memoryStorage) stored() *Session {
	storage.mutex.Lock()
	defer storage.mutex.Unlock()
	return storage.session.Clone()
}

type countingMetrics struct {
	mutex  sync.Mutex
	counts map[string]int
}

func newCountingMetrics() *countingMetrics {
	return &countingMetrics{counts: make(map[string]int)}
}

func (recorder *countingMetrics) Increment(event string) {
	recorder.mutex.Lock()
	defer recorder.mutex.Unlock()
	recorder.counts[event]++
}

func (recorder *countingMetrics) count(event string) int {
	recorder.mutex.Lock()
	defer recorder.mutex.Unlock()
	return recorder.counts[event]
}

type fixedClock struct {
	current time.Time
}

func (clock fixedClock) Now() time.Time {
	return clock.current
}

func waitFor(t *testing.T, description string, condition func() bool) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if condition() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", description)
}

func sessionFromTokens(t *testing.T, stack *testStack, email string) *Session {
	t.Helper()
	token := stack.provider.IssueSession(t, email)
	return &Session{
		AccessToken:  token.AccessToken,
		RefreshToken: token.RefreshToken,
		ExpiresAt:    token.ExpiresAt,
		User: Identity{
			ID:        token.User.ID,
			Email:     token.User.Email,
			Name:      token.User.MetadataString("name"),
			CreatedAt: token.User.CreatedAt,
		},
	}
}

// unreachableURL returns the address of a server that has already shut down.
func unreachableURL(t *testing.T) string {
	t.Helper()
	server := httptest.NewServer(http.NotFoundHandler())
	address := server.URL
	server.Close()
	return address
}

// holdingTransport lets refresh grants reach the provider, then holds their
// responses until release is closed.
type holdingTransport struct {
	entered chan struct{}
	release chan struct{}
}

func newHoldingTransport() *holdingTransport {
	return &holdingTransport{entered: make(chan struct{}, 1), release: make(chan struct{})}
}

func (transport *holdingTransport) RoundTrip(request *http.Request) (*http.Response, error) {
	response, err := http.DefaultTransport.RoundTrip(request)
	if request.URL.Query().Get("grant_type") != "refresh_token" {
		return response, err
	}
	transport.entered <- struct{}{}
	<-transport.release
	return response, err
}

func (transport *holdingTransport) waitEntered(t *testing.T) {
	t.Helper()
	select {
	case <-transport.entered:
	case <-time.After(3 * time.Second):
		t.Fatalf("timed out waiting for the refresh grant")
	}
}
