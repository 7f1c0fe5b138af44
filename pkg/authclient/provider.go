package authclient

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"github.com/supabase-community/gotrue-go"
	"github.com/supabase-community/gotrue-go/types"
	"github.com/tyemirov/saasauth/pkg/gotrueapi"
	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"
)

const (
	defaultRefreshInterval  = 30 * time.Second
	defaultRefreshThreshold = 3 * defaultRefreshInterval
	expiryMargin            = 10 * time.Second
	signupEndpoint          = "/signup"
	grantPassword           = "password"
	grantRefreshToken       = "refresh_token"
)

const (
	messageSignupNetwork  = "Network error during signup"
	messageSignupFailed   = "Signup failed"
	messageLoginNetwork   = "Network error during login"
	messageNoSession      = "No session returned"
	messageLogoutNetwork  = "Network error during logout"
	messageResetNetwork   = "Network error during password reset"
	messageRefreshNetwork = "Network error during session refresh"
	messageMissingFields  = "Email and password are required"
	messageMissingEmail   = "Email is required"
	messageNotSignedIn    = "No active session"
)

var (
	// ErrMissingProviderURL indicates the identity provider URL was not configured.
	ErrMissingProviderURL = errors.New("provider.missing_provider_url")
	// ErrMissingAnonKey indicates the anonymous key was not configured.
	ErrMissingAnonKey = errors.New("provider.missing_anon_key")
	// ErrMissingRequester indicates no backend requester was supplied.
	ErrMissingRequester = errors.New("provider.missing_requester")
	// ErrNoSession indicates the provider answered without session data.
	ErrNoSession = errors.New("provider.no_session")
	// ErrNoRefreshToken indicates there is no session to refresh.
	ErrNoRefreshToken = errors.New("provider.no_refresh_token")
	// ErrStaleRefresh indicates a refresh finished after a sign-out or after
	// another session replaced the one it rotated. Its result is discarded.
	ErrStaleRefresh = errors.New("provider.stale_refresh")
)

// SessionStorage persists the client session between runs.
type SessionStorage interface {
	Load(ctx context.Context) (*Session, error)
	// Save replaces the stored session; nil clears it.
	Save(ctx context.Context, session *Session) error
}

// SessionWatcher is implemented by storages that observe writes made by
// other clients sharing the same storage.
type SessionWatcher interface {
	Watch(ctx context.Context, handler func(*Session)) (stop func(), err error)
}

// ProviderConfig configures the identity provider client.
type ProviderConfig struct {
	ProviderURL string
	AnonKey     string
	// Requester reaches the backend for account creation.
	Requester  *Requester
	HTTPClient *http.Client
	// Storage is optional; without it sessions live only in memory.
	Storage          SessionStorage
	Logger           *zap.Logger
	Clock            Clock
	RefreshInterval  time.Duration
	RefreshThreshold time.Duration
}

// Provider wraps the external identity provider. Every operation returns a
// result value; nothing is raised past this boundary.
type Provider struct {
	providerURL      string
	anonKey          string
	requester        *Requester
	httpClient       *http.Client
	storage          SessionStorage
	logger           *zap.Logger
	clock            Clock
	refreshInterval  time.Duration
	refreshThreshold time.Duration
	refreshGroup     singleflight.Group

	// persistMutex orders storage writes and background pushes against
	// sign-out.
	persistMutex sync.Mutex

	mutex          sync.Mutex
	generation     uint64
	current        *Session
	listeners      map[uint64]func(*Session)
	nextListenerID uint64
	stopWatch      func()
	stopRefresh    context.CancelFunc
	refreshDone    chan struct{}
	closeOnce      sync.Once
}

// NewProvider constructs a Provider and starts relaying storage changes
// when the storage supports watching.
func NewProvider(ctx context.Context, configuration ProviderConfig) (*Provider, error) {
	if strings.TrimSpace(configuration.ProviderURL) == "" {
		return nil, fmt.Errorf("provider.new: %w", ErrMissingProviderURL)
	}
	if strings.TrimSpace(configuration.AnonKey) == "" {
		return nil, fmt.Errorf("provider.new: %w", ErrMissingAnonKey)
	}
	if configuration.Requester == nil {
		return nil, fmt.Errorf("provider.new: %w", ErrMissingRequester)
	}
	provider := &Provider{
		providerURL:      strings.TrimRight(configuration.ProviderURL, "/"),
		anonKey:          configuration.AnonKey,
		requester:        configuration.Requester,
		httpClient:       configuration.HTTPClient,
		storage:          configuration.Storage,
		logger:           configuration.Logger,
		clock:            configuration.Clock,
		refreshInterval:  configuration.RefreshInterval,
		refreshThreshold: configuration.RefreshThreshold,
		listeners:        make(map[uint64]func(*Session)),
	}
	if provider.httpClient == nil {
		provider.httpClient = &http.Client{}
	}
	if provider.logger == nil {
		provider.logger = zap.NewNop()
	}
	if provider.clock == nil {
		provider.clock = systemClock{}
	}
	if provider.refreshInterval <= 0 {
		provider.refreshInterval = defaultRefreshInterval
	}
	if provider.refreshThreshold <= 0 {
		provider.refreshThreshold = defaultRefreshThreshold
	}
	if watcher, ok := provider.storage.(SessionWatcher); ok {
		stop, watchErr := watcher.Watch(ctx, provider.handleStorageChange)
		if watchErr != nil {
			return nil, fmt.Errorf("provider.watch: %w", watchErr)
		}
		provider.stopWatch = stop
	}
	return provider, nil
}

// SignUp creates an account through the backend. No session is held
// afterward; the user still has to sign in.
func (provider *Provider) SignUp(ctx context.Context, input SignupInput) Outcome {
	if strings.TrimSpace(input.Email) == "" || input.Password == "" {
		return failed(KindValidationFailure, messageMissingFields)
	}
	response, err := provider.requester.Request(ctx, signupEndpoint, RequestOptions{Method: http.MethodPost, Body: input}, "")
	if err != nil {
		provider.logger.Warn("signup transport failure",
			zap.String("code", "provider.signup.network"),
			zap.Error(err))
		return failed(KindNetworkFailure, messageSignupNetwork)
	}
	defer func() { _ = response.Body.Close() }()
	if response.StatusCode >= 200 && response.StatusCode <= 299 {
		return succeeded()
	}
	message := messageSignupFailed
	var body struct {
		Error string `json:"error"`
	}
	if json.NewDecoder(io.LimitReader(response.Body, maxProfileBody)).Decode(&body) == nil && strings.TrimSpace(body.Error) != "" {
		message = body.Error
	}
	return failed(kindForStatus(response.StatusCode), message)
}

// SignIn exchanges credentials for a session and persists it.
func (provider *Provider) SignIn(ctx context.Context, email string, password string) SessionResult {
	if strings.TrimSpace(email) == "" || password == "" {
		return SessionResult{Error: messageMissingFields, Kind: KindValidationFailure}
	}
	token, err := provider.grant(ctx, types.TokenRequest{GrantType: grantPassword, Email: email, Password: password})
	if err != nil {
		return provider.sessionFailure("provider.sign_in", err, messageLoginNetwork)
	}
	session, sessionErr := provider.sessionFromToken(token)
	if sessionErr != nil {
		provider.logger.Warn("sign in returned no session",
			zap.String("code", "provider.sign_in.no_session"),
			zap.Error(sessionErr))
		return SessionResult{Error: messageNoSession, Kind: KindMalformedResponse}
	}
	provider.remember(ctx, session)
	return SessionResult{Session: session.Clone()}
}

// SignOut invalidates the session at the provider. The local session is
// cleared unconditionally, before the remote call. Refreshes still in
// flight are discarded when they complete.
func (provider *Provider) SignOut(ctx context.Context) Outcome {
	provider.mutex.Lock()
	provider.generation++
	accessToken := ""
	if provider.current != nil {
		accessToken = provider.current.AccessToken
	}
	provider.mutex.Unlock()
	if accessToken == "" {
		if loaded := provider.load(ctx); loaded != nil {
			accessToken = loaded.AccessToken
		}
	}
	provider.remember(ctx, nil)

	if accessToken == "" {
		return succeeded()
	}
	client, err := provider.connect(ctx)
	if err == nil {
		err = gotrueapi.Classify(client.WithToken(accessToken).Logout())
	}
	if err == nil {
		return succeeded()
	}
	var apiError *gotrueapi.APIError
	if errors.As(err, &apiError) {
		switch apiError.Status {
		case http.StatusUnauthorized, http.StatusForbidden, http.StatusNotFound:
			return succeeded()
		}
		return failed(KindProviderRejected, apiError.Message)
	}
	provider.logger.Warn("sign out transport failure",
		zap.String("code", "provider.sign_out.network"),
		zap.Error(err))
	return failed(KindNetworkFailure, messageLogoutNetwork)
}

// RequestPasswordReset asks the provider to send a reset link. Success
// means the request was accepted, not that mail was delivered.
func (provider *Provider) RequestPasswordReset(ctx context.Context, email string) Outcome {
	if strings.TrimSpace(email) == "" {
		return failed(KindValidationFailure, messageMissingEmail)
	}
	client, err := provider.connect(ctx)
	if err == nil {
		err = gotrueapi.Classify(client.Recover(types.RecoverRequest{Email: email}))
	}
	if err == nil {
		return succeeded()
	}
	var apiError *gotrueapi.APIError
	if errors.As(err, &apiError) {
		return failed(KindProviderRejected, apiError.Message)
	}
	provider.logger.Warn("password reset transport failure",
		zap.String("code", "provider.reset.network"),
		zap.Error(err))
	return failed(KindNetworkFailure, messageResetNetwork)
}

// CurrentSession returns the persisted session, refreshing it first when it
// has already expired. Any failure yields nil.
func (provider *Provider) CurrentSession(ctx context.Context) *Session {
	session := provider.load(ctx)
	if session == nil {
		provider.setCurrent(nil)
		return nil
	}
	if session.ExpiresWithin(provider.clock.Now(), expiryMargin) {
		refreshed, err := provider.refresh(ctx, session)
		if err != nil {
			provider.logger.Info("stored session could not be refreshed",
				zap.String("code", "provider.current_session.refresh_failed"),
				zap.Error(err))
			return nil
		}
		return refreshed
	}
	provider.setCurrent(session)
	return session.Clone()
}

// RefreshSession exchanges the current refresh token for a new session.
func (provider *Provider) RefreshSession(ctx context.Context) SessionResult {
	provider.mutex.Lock()
	session := provider.current.Clone()
	provider.mutex.Unlock()
	if session == nil {
		session = provider.load(ctx)
	}
	if session == nil || session.RefreshToken == "" {
		return SessionResult{Error: messageNotSignedIn, Kind: KindUnauthorized}
	}
	refreshed, err := provider.refresh(ctx, session)
	if errors.Is(err, ErrStaleRefresh) {
		return SessionResult{Error: messageNotSignedIn, Kind: KindUnauthorized}
	}
	if err != nil {
		return provider.sessionFailure("provider.refresh", err, messageRefreshNetwork)
	}
	return SessionResult{Session: refreshed}
}

// Subscribe registers callback for session changes that happen outside this
// client's direct calls: background refresh, expiry, and writes by other
// clients sharing the storage. The returned disposer is safe to call twice.
func (provider *Provider) Subscribe(callback func(*Session)) func() {
	provider.mutex.Lock()
	provider.nextListenerID++
	listenerID := provider.nextListenerID
	provider.listeners[listenerID] = callback
	provider.mutex.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			provider.mutex.Lock()
			delete(provider.listeners, listenerID)
			provider.mutex.Unlock()
		})
	}
}

// StartAutoRefresh refreshes the session in the background shortly before
// it expires. Calling it again while running is a no-op.
func (provider *Provider) StartAutoRefresh(ctx context.Context) {
	provider.mutex.Lock()
	if provider.stopRefresh != nil {
		provider.mutex.Unlock()
		return
	}
	refreshContext, cancel := context.WithCancel(ctx)
	provider.stopRefresh = cancel
	provider.refreshDone = make(chan struct{})
	done := provider.refreshDone
	provider.mutex.Unlock()

	go func() {
		defer close(done)
		ticker := time.NewTicker(provider.refreshInterval)
		defer ticker.Stop()
		provider.autoRefreshTick(refreshContext)
		for {
			select {
			case <-refreshContext.Done():
				return
			case <-ticker.C:
				provider.autoRefreshTick(refreshContext)
			}
		}
	}()
}

// Close stops background work and drops all listeners.
func (provider *Provider) Close() {
	provider.closeOnce.Do(func() {
		provider.mutex.Lock()
		stopRefresh := provider.stopRefresh
		refreshDone := provider.refreshDone
		stopWatch := provider.stopWatch
		provider.listeners = make(map[uint64]func(*Session))
		provider.mutex.Unlock()

		if stopRefresh != nil {
			stopRefresh()
			<-refreshDone
		}
		if stopWatch != nil {
			stopWatch()
		}
	})
}

func (provider *Provider) autoRefreshTick(ctx context.Context) {
	provider.mutex.Lock()
	session := provider.current.Clone()
	provider.mutex.Unlock()
	if session == nil || session.RefreshToken == "" {
		return
	}
	if !session.ExpiresWithin(provider.clock.Now(), provider.refreshThreshold) {
		return
	}
	refreshed, err := provider.refresh(ctx, session)
	switch {
	case err == nil:
		provider.logger.Debug("session refreshed in background",
			zap.String("code", "provider.auto_refresh.success"),
			zap.String("user_id", refreshed.User.ID))
		provider.announce(refreshed)
	case errors.Is(err, ErrStaleRefresh):
		provider.logger.Debug("background refresh outlived its session",
			zap.String("code", "provider.auto_refresh.stale"))
	case gotrueapi.IsRejection(err):
		provider.logger.Info("session lost during background refresh",
			zap.String("code", "provider.auto_refresh.rejected"),
			zap.Error(err))
		provider.mutex.Lock()
		lost := provider.current == nil
		provider.mutex.Unlock()
		if lost {
			provider.notify(nil)
		}
	case ctx.Err() != nil:
		return
	default:
		provider.logger.Warn("background refresh failed; retrying next tick",
			zap.String("code", "provider.auto_refresh.network"),
			zap.Error(err))
	}
}

// refresh rotates the refresh token. Concurrent refreshes of the same token
// share one provider call. A provider rejection clears the session; a
// result that arrives after sign-out or after the session was replaced is
// dropped with ErrStaleRefresh.
func (provider *Provider) refresh(ctx context.Context, session *Session) (*Session, error) {
	if session == nil || session.RefreshToken == "" {
		return nil, ErrNoRefreshToken
	}
	provider.mutex.Lock()
	generation := provider.generation
	provider.mutex.Unlock()
	value, err, _ := provider.refreshGroup.Do(session.RefreshToken, func() (interface{}, error) {
		token, grantErr := provider.grant(ctx, types.TokenRequest{GrantType: grantRefreshToken, RefreshToken: session.RefreshToken})
		if grantErr != nil {
			if gotrueapi.IsRejection(grantErr) {
				provider.forget(ctx, session)
			}
			return nil, grantErr
		}
		refreshed, sessionErr := provider.sessionFromToken(token)
		if sessionErr != nil {
			return nil, sessionErr
		}
		if !provider.commitRefresh(ctx, session, generation, refreshed) {
			return nil, ErrStaleRefresh
		}
		return refreshed, nil
	})
	if err != nil {
		return nil, fmt.Errorf("provider.refresh: %w", err)
	}
	return value.(*Session).Clone(), nil
}

func (provider *Provider) sessionFailure(code string, err error, networkMessage string) SessionResult {
	var apiError *gotrueapi.APIError
	switch {
	case errors.As(err, &apiError):
		return SessionResult{Error: apiError.Message, Kind: KindProviderRejected}
	case errors.Is(err, gotrueapi.ErrMalformedResponse), errors.Is(err, ErrNoSession):
		provider.logger.Warn("provider response malformed",
			zap.String("code", code+".malformed"),
			zap.Error(err))
		return SessionResult{Error: messageNoSession, Kind: KindMalformedResponse}
	default:
		provider.logger.Warn("provider transport failure",
			zap.String("code", code+".network"),
			zap.Error(err))
		return SessionResult{Error: networkMessage, Kind: KindNetworkFailure}
	}
}

func (provider *Provider) sessionFromToken(token *types.TokenResponse) (*Session, error) {
	if token == nil || strings.TrimSpace(token.AccessToken) == "" || token.User.ID == uuid.Nil {
		return nil, ErrNoSession
	}
	expiresAt := token.ExpiresAt
	if expiresAt == 0 && token.ExpiresIn > 0 {
		expiresAt = provider.clock.Now().Add(time.Duration(token.ExpiresIn) * time.Second).Unix()
	}
	if expiresAt == 0 {
		expiresAt = tokenExpiry(token.AccessToken)
	}
	return &Session{
		AccessToken:  token.AccessToken,
		RefreshToken: token.RefreshToken,
		ExpiresAt:    expiresAt,
		User:         IdentityFromUser(&token.User),
	}, nil
}

// tokenExpiry reads the exp claim without verifying the signature; the
// provider remains the authority on validity.
func tokenExpiry(accessToken string) int64 {
	claims := &jwt.RegisteredClaims{}
	if _, _, err := jwt.NewParser().ParseUnverified(accessToken, claims); err != nil {
		return 0
	}
	if claims.ExpiresAt == nil {
		return 0
	}
	return claims.ExpiresAt.Unix()
}

func (provider *Provider) connect(ctx context.Context) (gotrue.Client, error) {
	return gotrueapi.Connect(ctx, provider.providerURL, provider.anonKey, provider.httpClient)
}

func (provider *Provider) grant(ctx context.Context, request types.TokenRequest) (*types.TokenResponse, error) {
	client, err := provider.connect(ctx)
	if err != nil {
		return nil, err
	}
	token, err := client.Token(request)
	if err != nil {
		return nil, gotrueapi.Classify(err)
	}
	return token, nil
}

func (provider *Provider) load(ctx context.Context) *Session {
	if provider.storage == nil {
		provider.mutex.Lock()
		defer provider.mutex.Unlock()
		return provider.current.Clone()
	}
	session, err := provider.storage.Load(ctx)
	if err != nil {
		provider.logger.Warn("session storage load failed",
			zap.String("code", "provider.storage.load"),
			zap.Error(err))
		return nil
	}
	return session
}

// remember records session as current and persists it.
func (provider *Provider) remember(ctx context.Context, session *Session) {
	provider.persistMutex.Lock()
	defer provider.persistMutex.Unlock()
	provider.setCurrent(session)
	provider.save(ctx, session)
}

// commitRefresh stores refreshed unless a sign-out happened since
// generation was read or current no longer derives from previous.
func (provider *Provider) commitRefresh(ctx context.Context, previous *Session, generation uint64, refreshed *Session) bool {
	provider.persistMutex.Lock()
	defer provider.persistMutex.Unlock()
	provider.mutex.Lock()
	stale := provider.generation != generation ||
		(provider.current != nil && provider.current.RefreshToken != previous.RefreshToken)
	if !stale {
		provider.current = refreshed.Clone()
	}
	provider.mutex.Unlock()
	if stale {
		return false
	}
	provider.save(ctx, refreshed)
	return true
}

// announce pushes a background refresh to listeners if it is still the
// current session. Holding persistMutex keeps it ordered before a
// concurrent sign-out's clear.
func (provider *Provider) announce(session *Session) {
	provider.persistMutex.Lock()
	defer provider.persistMutex.Unlock()
	provider.mutex.Lock()
	current := sameSession(provider.current, session)
	provider.mutex.Unlock()
	if current {
		provider.notify(session)
	}
}

func (provider *Provider) save(ctx context.Context, session *Session) {
	if provider.storage == nil {
		return
	}
	if err := provider.storage.Save(ctx, session); err != nil {
		provider.logger.Warn("session storage save failed",
			zap.String("code", "provider.storage.save"),
			zap.Error(err))
	}
}

// forget clears the session only if it is still the one that failed.
func (provider *Provider) forget(ctx context.Context, session *Session) {
	provider.mutex.Lock()
	stale := provider.current == nil || provider.current.RefreshToken == session.RefreshToken
	provider.mutex.Unlock()
	if stale {
		provider.remember(ctx, nil)
	}
}

func (provider *Provider) setCurrent(session *Session) {
	provider.mutex.Lock()
	defer provider.mutex.Unlock()
	provider.current = session.Clone()
}

func (provider *Provider) handleStorageChange(session *Session) {
	provider.mutex.Lock()
	if sameSession(provider.current, session) {
		provider.mutex.Unlock()
		return
	}
	provider.current = session.Clone()
	provider.mutex.Unlock()
	provider.notify(session)
}

func (provider *Provider) notify(session *Session) {
	provider.mutex.Lock()
	listeners := make([]func(*Session), 0, len(provider.listeners))
	for _, listener := range provider.listeners {
		listeners = append(listeners, listener)
	}
	provider.mutex.Unlock()
	for _, listener := range listeners {
		listener(session.Clone())
	}
}
