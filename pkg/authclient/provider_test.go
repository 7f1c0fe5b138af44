package authclient

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"reflect"
	"sync"
	"testing"
	"time"

	"go.uber.org/zap/zaptest"
)

func TestNewProviderValidatesConfiguration(t *testing.T) {
	requester, err := NewRequester(RequesterConfig{BaseURL: "http://backend", AnonKey: "anon"})
	if err != nil {
		t.Fatalf("requester: %v", err)
	}
	testCases := []struct {
		name          string
		configuration ProviderConfig
		expected      error
	}{
		{name: "provider url", configuration: ProviderConfig{AnonKey: "anon", Requester: requester}, expected: ErrMissingProviderURL},
		{name: "anon key", configuration: ProviderConfig{ProviderURL: "http://provider", Requester: requester}, expected: ErrMissingAnonKey},
		{name: "requester", configuration: ProviderConfig{ProviderURL: "http://provider", AnonKey: "anon"}, expected: ErrMissingRequester},
	}
	for _, testCase := range testCases {
		t.Run(testCase.name, func(t *testing.T) {
			if _, err := NewProvider(context.Background(), testCase.configuration); !errors.Is(err, testCase.expected) {
				t.Fatalf("expected %v, got %v", testCase.expected, err)
			}
		})
	}
}

func TestSignInPersistsSession(t *testing.T) {
	stack := newTestStack(t)
	created := stack.provider.AddUser("ada@example.com", "secret1", "Ada")
	storage := newMemoryStorage()
	identity := stack.newProvider(t, storage)

	result := identity.SignIn(context.Background(), "ada@example.com", "secret1")
	if result.Session == nil || result.Error != "" {
		t.Fatalf("unexpected result %+v", result)
	}
	if result.Session.User.ID != created.ID || result.Session.User.Name != "Ada" || result.Session.RefreshToken == "" {
		t.Fatalf("unexpected session %+v", result.Session)
	}
	if stored := storage.stored(); stored == nil || stored.AccessToken != result.Session.AccessToken {
		t.Fatalf("expected session to be persisted, got %+v", stored)
	}
}

func TestSignInFailures(t *testing.T) {
	stack := newTestStack(t)
	stack.provider.AddUser("ada@example.com", "secret1", "Ada")
	storage := newMemoryStorage()
	identity := stack.newProvider(t, storage)

	wrong := identity.SignIn(context.Background(), "ada@example.com", "wrong-password")
	if wrong.Session != nil || wrong.Error != "Invalid login credentials" || wrong.Kind != KindProviderRejected {
		t.Fatalf("unexpected wrong-password result %+v", wrong)
	}
	if storage.stored() != nil {
		t.Fatalf("failed sign in must not persist a session")
	}

	missing := identity.SignIn(context.Background(), "", "secret1")
	if missing.Kind != KindValidationFailure || missing.Error != "Email and password are required" {
		t.Fatalf("unexpected validation result %+v", missing)
	}

	offline := stack.newProviderWith(t, ProviderConfig{})
	offline.providerURL = unreachableURL(t)
	network := offline.SignIn(context.Background(), "ada@example.com", "secret1")
	if network.Kind != KindNetworkFailure || network.Error != "Network error during login" {
		t.Fatalf("unexpected network result %+v", network)
	}
}

func TestSignInWithoutSessionIsMalformed(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(writer http.ResponseWriter, request *http.Request) {
		writer.Header().Set("Content-Type", "application/json")
		_, _ = writer.Write([]byte(`{"user":{"id":"3f1c2b8e-9d4a-4c57-8a36-1f2e3d4c5b6a","email":"ada@example.com"}}`))
	}))
	defer server.Close()
	requester, err := NewRequester(RequesterConfig{BaseURL: server.URL, AnonKey: "anon"})
	if err != nil {
		t.Fatalf("requester: %v", err)
	}
	identity, err := NewProvider(context.Background(), ProviderConfig{
		ProviderURL: server.URL,
		AnonKey:     "anon",
		Requester:   requester,
		Logger:      zaptest.NewLogger(t),
	})
	if err != nil {
		t.Fatalf("provider: %v", err)
	}
	defer identity.Close()

	result := identity.SignIn(context.Background(), "ada@example.com", "secret1")
	if result.Session != nil || result.Error != "No session returned" || result.Kind != KindMalformedResponse {
		t.Fatalf("unexpected result %+v", result)
	}
}

func TestSignOutClearsLocallyWhateverTheProviderSays(t *testing.T) {
	testCases := []struct {
		name    string
		prepare func(stack *testStack)
		success bool
		kind    ErrorKind
	}{
		{name: "accepted", prepare: func(stack *testStack) {}, success: true},
		{name: "already revoked", prepare: func(stack *testStack) {
			stack.provider.FailNext("/auth/v1/logout", http.StatusUnauthorized, "invalid JWT")
		}, success: true},
		{name: "server error", prepare: func(stack *testStack) {
			stack.provider.FailNext("/auth/v1/logout", http.StatusInternalServerError, "database unavailable")
		}, success: false, kind: KindProviderRejected},
		{name: "connection dropped", prepare: func(stack *testStack) {
			stack.provider.DropNext("/auth/v1/logout")
		}, success: false, kind: KindNetworkFailure},
	}
	for _, testCase := range testCases {
		t.Run(testCase.name, func(t *testing.T) {
			stack := newTestStack(t)
			stack.provider.AddUser("ada@example.com", "secret1", "Ada")
			storage := newMemoryStorage()
			identity := stack.newProvider(t, storage)
			if result := identity.SignIn(context.Background(), "ada@example.com", "secret1"); result.Session == nil {
				t.Fatalf("sign in: %+v", result)
			}
			testCase.prepare(stack)

			outcome := identity.SignOut(context.Background())
			if outcome.Success != testCase.success || outcome.Kind != testCase.kind {
				t.Fatalf("unexpected outcome %+v", outcome)
			}
			if storage.stored() != nil {
				t.Fatalf("expected storage to be cleared")
			}
			if identity.CurrentSession(context.Background()) != nil {
				t.Fatalf("expected no current session")
			}
		})
	}
}

func TestRequestPasswordReset(t *testing.T) {
	stack := newTestStack(t)
	identity := stack.newProvider(t, nil)

	if outcome := identity.RequestPasswordReset(context.Background(), "ada@example.com"); !outcome.Success {
		t.Fatalf("unexpected outcome %+v", outcome)
	}
	if recoveries := stack.provider.Recoveries(); !reflect.DeepEqual(recoveries, []string{"ada@example.com"}) {
		t.Fatalf("unexpected recoveries %v", recoveries)
	}
	if outcome := identity.RequestPasswordReset(context.Background(), " "); outcome.Kind != KindValidationFailure {
		t.Fatalf("expected validation failure, got %+v", outcome)
	}
	stack.provider.FailNext("/auth/v1/recover", http.StatusTooManyRequests, "For security purposes, you can only request this once every 60 seconds")
	outcome := identity.RequestPasswordReset(context.Background(), "ada@example.com")
	if outcome.Success || outcome.Kind != KindProviderRejected || outcome.Error != "For security purposes, you can only request this once every 60 seconds" {
		t.Fatalf("unexpected outcome %+v", outcome)
	}
}

func TestSignUpGoesThroughBackend(t *testing.T) {
	stack := newTestStack(t)
	identity := stack.newProvider(t, nil)

	outcome := identity.SignUp(context.Background(), SignupInput{Email: "a@b.com", Password: "secret1", Name: "A"})
	if !outcome.Success {
		t.Fatalf("unexpected outcome %+v", outcome)
	}
	if identity.CurrentSession(context.Background()) != nil {
		t.Fatalf("signup must not establish a session")
	}
	if result := identity.SignIn(context.Background(), "a@b.com", "secret1"); result.Session == nil || result.Session.User.Name != "A" {
		t.Fatalf("expected new account to sign in, got %+v", result)
	}

	duplicate := identity.SignUp(context.Background(), SignupInput{Email: "a@b.com", Password: "secret1"})
	if duplicate.Success || duplicate.Error != "A user with this email address has already been registered" || duplicate.Kind != KindProviderRejected {
		t.Fatalf("unexpected duplicate outcome %+v", duplicate)
	}
	if invalid := identity.SignUp(context.Background(), SignupInput{Email: "a@b.com"}); invalid.Kind != KindValidationFailure {
		t.Fatalf("expected validation failure, got %+v", invalid)
	}
}

func TestCurrentSessionIsIdempotent(t *testing.T) {
	stack := newTestStack(t)
	stack.provider.AddUser("ada@example.com", "secret1", "Ada")
	storage := newMemoryStorage()
	if err := storage.Save(context.Background(), sessionFromTokens(t, stack, "ada@example.com")); err != nil {
		t.Fatalf("seed: %v", err)
	}
	identity := stack.newProvider(t, storage)

	first := identity.CurrentSession(context.Background())
	second := identity.CurrentSession(context.Background())
	if first == nil || !reflect.DeepEqual(first, second) {
		t.Fatalf("expected equivalent sessions, got %+v and %+v", first, second)
	}
}

func TestCurrentSessionRefreshesExpiredSession(t *testing.T) {
	stack := newTestStack(t)
	stack.provider.AddUser("ada@example.com", "secret1", "Ada")
	expired := sessionFromTokens(t, stack, "ada@example.com")
	expired.ExpiresAt = time.Now().Add(-time.Minute).Unix()
	storage := newMemoryStorage()
	if err := storage.Save(context.Background(), expired); err != nil {
		t.Fatalf("seed: %v", err)
	}
	identity := stack.newProvider(t, storage)

	current := identity.CurrentSession(context.Background())
	if current == nil || current.RefreshToken == expired.RefreshToken {
		t.Fatalf("expected refreshed session, got %+v", current)
	}
	if stored := storage.stored(); stored == nil || stored.AccessToken != current.AccessToken {
		t.Fatalf("expected refreshed session to be persisted, got %+v", stored)
	}

	stack.provider.RevokeUserSessions(current.User.ID)
	revoked := current.Clone()
	revoked.ExpiresAt = time.Now().Add(-time.Minute).Unix()
	if err := storage.Save(context.Background(), revoked); err != nil {
		t.Fatalf("seed: %v", err)
	}
	if session := identity.CurrentSession(context.Background()); session != nil {
		t.Fatalf("expected nil after rejected refresh, got %+v", session)
	}
	if storage.stored() != nil {
		t.Fatalf("expected rejected session to be cleared from storage")
	}
}

func TestAutoRefreshPushesRotatedAndLostSessions(t *testing.T) {
	stack := newTestStack(t)
	stack.provider.AddUser("ada@example.com", "secret1", "Ada")
	identity := stack.newProviderWith(t, ProviderConfig{
		RefreshInterval:  10 * time.Millisecond,
		RefreshThreshold: 2 * time.Hour,
	})

	var mutex sync.Mutex
	var pushed []*Session
	dispose := identity.Subscribe(func(session *Session) {
		mutex.Lock()
		defer mutex.Unlock()
		pushed = append(pushed, session)
	})
	defer dispose()

	signedIn := identity.SignIn(context.Background(), "ada@example.com", "secret1")
	if signedIn.Session == nil {
		t.Fatalf("sign in: %+v", signedIn)
	}
	identity.StartAutoRefresh(context.Background())

	waitFor(t, "a rotated session push", func() bool {
		mutex.Lock()
		defer mutex.Unlock()
		return len(pushed) > 0 && pushed[0] != nil && pushed[0].RefreshToken != signedIn.Session.RefreshToken
	})

	stack.provider.RevokeUserSessions(signedIn.Session.User.ID)
	waitFor(t, "a signed-out push", func() bool {
		mutex.Lock()
		defer mutex.Unlock()
		return len(pushed) > 0 && pushed[len(pushed)-1] == nil
	})
	if identity.CurrentSession(context.Background()) != nil {
		t.Fatalf("expected session to be gone after rejected refresh")
	}
}

func TestStorageChangesFromOtherClientsArePushed(t *testing.T) {
	stack := newTestStack(t)
	stack.provider.AddUser("ada@example.com", "secret1", "Ada")
	storage := newMemoryStorage()
	first := stack.newProvider(t, storage)
	second := stack.newProvider(t, storage)

	var mutex sync.Mutex
	var firstPushes, secondPushes []*Session
	defer first.Subscribe(func(session *Session) {
		mutex.Lock()
		defer mutex.Unlock()
		firstPushes = append(firstPushes, session)
	})()
	defer second.Subscribe(func(session *Session) {
		mutex.Lock()
		defer mutex.Unlock()
		secondPushes = append(secondPushes, session)
	})()

	result := first.SignIn(context.Background(), "ada@example.com", "secret1")
	if result.Session == nil {
		t.Fatalf("sign in: %+v", result)
	}
	first.SignOut(context.Background())

	mutex.Lock()
	defer mutex.Unlock()
	if len(firstPushes) != 0 {
		t.Fatalf("a client must not be pushed its own writes, got %d", len(firstPushes))
	}
	if len(secondPushes) != 2 || secondPushes[0] == nil || secondPushes[0].AccessToken != result.Session.AccessToken || secondPushes[1] != nil {
		t.Fatalf("unexpected pushes to the other client: %+v", secondPushes)
	}
}

func TestSubscribeDisposerIsIdempotent(t *testing.T) {
	stack := newTestStack(t)
	identity := stack.newProvider(t, nil)
	dispose := identity.Subscribe(func(*Session) {})
	dispose()
	dispose()
	identity.mutex.Lock()
	defer identity.mutex.Unlock()
	if len(identity.listeners) != 0 {
		t.Fatalf("expected listener to be removed")
	}
}

func TestBackgroundRefreshFinishingAfterSignOutIsDiscarded(t *testing.T) {
	stack := newTestStack(t)
	stack.provider.AddUser("ada@example.com", "secret1", "Ada")
	storage := newMemoryStorage()
	holder := newHoldingTransport()
	identity := stack.newProviderWith(t, ProviderConfig{
		Storage:          storage,
		HTTPClient:       &http.Client{Transport: holder},
		RefreshThreshold: 2 * time.Hour,
	})
	if result := identity.SignIn(context.Background(), "ada@example.com", "secret1"); result.Session == nil {
		t.Fatalf("sign in: %+v", result)
	}
	var mutex sync.Mutex
	var pushed []*Session
	defer identity.Subscribe(func(session *Session) {
		mutex.Lock()
		defer mutex.Unlock()
		pushed = append(pushed, session)
	})()

	tickDone := make(chan struct{})
	go func() {
		defer close(tickDone)
		identity.autoRefreshTick(context.Background())
	}()
	holder.waitEntered(t)

	if outcome := identity.SignOut(context.Background()); !outcome.Success {
		t.Fatalf("sign out: %+v", outcome)
	}
	close(holder.release)
	<-tickDone

	if session := identity.CurrentSession(context.Background()); session != nil {
		t.Fatalf("expected no session after sign out, got %+v", session)
	}
	if stored := storage.stored(); stored != nil {
		t.Fatalf("expected storage to stay cleared, got %+v", stored)
	}
	mutex.Lock()
	defer mutex.Unlock()
	if len(pushed) != 0 {
		t.Fatalf("expected no push from the discarded refresh, got %d", len(pushed))
	}
}

func TestRefreshSessionOvertakenBySignOutReportsNoSession(t *testing.T) {
	stack := newTestStack(t)
	stack.provider.AddUser("ada@example.com", "secret1", "Ada")
	storage := newMemoryStorage()
	holder := newHoldingTransport()
	identity := stack.newProviderWith(t, ProviderConfig{Storage: storage, HTTPClient: &http.Client{Transport: holder}})
	if result := identity.SignIn(context.Background(), "ada@example.com", "secret1"); result.Session == nil {
		t.Fatalf("sign in: %+v", result)
	}

	results := make(chan SessionResult, 1)
	go func() {
		results <- identity.RefreshSession(context.Background())
	}()
	holder.waitEntered(t)
	identity.SignOut(context.Background())
	close(holder.release)

	result := <-results
	if result.Session != nil || result.Kind != KindUnauthorized || result.Error != "No active session" {
		t.Fatalf("unexpected result %+v", result)
	}
	if stored := storage.stored(); stored != nil {
		t.Fatalf("expected storage to stay cleared, got %+v", stored)
	}
}
