package provideradmin

import (
	"context"
	"errors"
	"net/http"
	"testing"

	"github.com/tyemirov/saasauth/internal/gotruetest"
	"github.com/tyemirov/saasauth/pkg/gotrueapi"
	"go.uber.org/zap/zaptest"
)

func newClient(t *testing.T, provider *gotruetest.Server) *Client {
	t.Helper()
	client, err := New(Config{
		BaseURL:        provider.URL,
		ServiceRoleKey: provider.ServiceRoleKey,
		Logger:         zaptest.NewLogger(t),
	})
	if err != nil {
		t.Fatalf("new client: %v", err)
	}
	return client
}

func TestNewRequiresConfiguration(t *testing.T) {
	if _, err := New(Config{ServiceRoleKey: "key"}); !errors.Is(err, ErrMissingBaseURL) {
		t.Fatalf("expected missing base url, got %v", err)
	}
	if _, err := New(Config{BaseURL: "http://provider"}); !errors.Is(err, ErrMissingServiceRoleKey) {
		t.Fatalf("expected missing service role key, got %v", err)
	}
}

func TestCreateUserConfirmsEmailAndStoresName(t *testing.T) {
	provider := gotruetest.New(t)
	client := newClient(t, provider)

	user, err := client.CreateUser(context.Background(), CreateUserInput{Email: "a@b.com", Password: "secret1", Name: "A"})
	if err != nil {
		t.Fatalf("create user: %v", err)
	}
	if user.Email != "a@b.com" || gotrueapi.MetadataString(user, "name") != "A" {
		t.Fatalf("unexpected user %+v", user)
	}

	session := provider.IssueSession(t, "a@b.com")
	if session.User == nil || session.User.ID != user.ID.String() {
		t.Fatalf("expected created user to sign in immediately, got %+v", session.User)
	}
}

func TestCreateUserSurfacesProviderRejection(t *testing.T) {
	provider := gotruetest.New(t)
	provider.AddUser("taken@example.com", "secret1", "Taken")
	client := newClient(t, provider)

	_, err := client.CreateUser(context.Background(), CreateUserInput{Email: "taken@example.com", Password: "secret1"})
	var apiError *gotrueapi.APIError
	if !errors.As(err, &apiError) {
		t.Fatalf("expected api error, got %v", err)
	}
	if apiError.Status != http.StatusUnprocessableEntity || apiError.Message != "A user with this email address has already been registered" {
		t.Fatalf("unexpected rejection %+v", apiError)
	}
}

func TestGetUserVerifiesToken(t *testing.T) {
	provider := gotruetest.New(t)
	created := provider.AddUser("ada@example.com", "secret1", "Ada")
	client := newClient(t, provider)
	session := provider.IssueSession(t, "ada@example.com")

	user, err := client.GetUser(context.Background(), session.AccessToken)
	if err != nil {
		t.Fatalf("get user: %v", err)
	}
	if user.ID.String() != created.ID {
		t.Fatalf("expected %s, got %s", created.ID, user.ID)
	}

	_, err = client.GetUser(context.Background(), "forged")
	if !gotrueapi.IsRejection(err) {
		t.Fatalf("expected rejection for forged token, got %v", err)
	}
}

func TestGetUserDistinguishesTransportFailure(t *testing.T) {
	provider := gotruetest.New(t)
	provider.AddUser("ada@example.com", "secret1", "Ada")
	client, err := New(Config{
		BaseURL:        provider.URL,
		ServiceRoleKey: provider.ServiceRoleKey,
		HTTPClient:     &http.Client{Transport: &http.Transport{DisableKeepAlives: true}},
	})
	if err != nil {
		t.Fatalf("new client: %v", err)
	}
	session := provider.IssueSession(t, "ada@example.com")

	provider.DropNext("/auth/v1/user")
	_, err = client.GetUser(context.Background(), session.AccessToken)
	if !gotrueapi.IsTransport(err) || gotrueapi.IsRejection(err) {
		t.Fatalf("expected transport failure, got %v", err)
	}
}

func TestUpdateUserMetadataMergesByID(t *testing.T) {
	provider := gotruetest.New(t)
	created := provider.AddUser("ada@example.com", "secret1", "Ada")
	client := newClient(t, provider)

	user, err := client.UpdateUserMetadata(context.Background(), created.ID, map[string]any{"name": "Countess"})
	if err != nil {
		t.Fatalf("update: %v", err)
	}
	if gotrueapi.MetadataString(user, "name") != "Countess" || user.Email != "ada@example.com" {
		t.Fatalf("unexpected user %+v", user)
	}

	if _, err := client.UpdateUserMetadata(context.Background(), "../admin", map[string]any{"name": "x"}); !errors.Is(err, ErrInvalidUserID) {
		t.Fatalf("expected invalid user id, got %v", err)
	}
}

func TestGetUserHonorsCancelledContext(t *testing.T) {
	provider := gotruetest.New(t)
	provider.AddUser("ada@example.com", "secret1", "Ada")
	client := newClient(t, provider)
	session := provider.IssueSession(t, "ada@example.com")

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := client.GetUser(ctx, session.AccessToken)
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("expected cancellation, got %v", err)
	}
	if calls := provider.Calls("/auth/v1/user"); calls != 0 {
		t.Fatalf("expected no provider call, got %d", calls)
	}
}
