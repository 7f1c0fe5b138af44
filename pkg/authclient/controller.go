package authclient

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"go.uber.org/zap"
)

// Controller event names reported to the MetricsRecorder.
const (
	MetricLoginSuccess   = "auth.login.success"
	MetricLoginFailure   = "auth.login.failure"
	MetricLogoutSuccess  = "auth.logout.success"
	MetricLogoutFailure  = "auth.logout.failure"
	MetricSignupSuccess  = "auth.signup.success"
	MetricSignupFailure  = "auth.signup.failure"
	MetricResetSuccess   = "auth.reset.success"
	MetricResetFailure   = "auth.reset.failure"
	MetricPushSession    = "auth.push.session"
	MetricPushSignedOut  = "auth.push.signed_out"
	MetricProfileSuccess = "profile.fetch.success"
	MetricProfileFailure = "profile.fetch.failure"
)

const messageControllerClosed = "Session controller is closed"

var (
	// ErrMissingIdentityProvider indicates no provider was supplied.
	ErrMissingIdentityProvider = errors.New("controller.missing_provider")
	// ErrMissingProfileFetcher indicates no profile service was supplied.
	ErrMissingProfileFetcher = errors.New("controller.missing_profiles")
	// ErrControllerStarted indicates Start was called more than once.
	ErrControllerStarted = errors.New("controller.already_started")
	// ErrControllerClosed indicates the controller was already closed.
	ErrControllerClosed = errors.New("controller.closed")
)

// IdentityProvider is the provider surface the controller drives.
type IdentityProvider interface {
	SignUp(ctx context.Context, input SignupInput) Outcome
	SignIn(ctx context.Context, email string, password string) SessionResult
	SignOut(ctx context.Context) Outcome
	RequestPasswordReset(ctx context.Context, email string) Outcome
	CurrentSession(ctx context.Context) *Session
	RefreshSession(ctx context.Context) SessionResult
	Subscribe(callback func(*Session)) func()
}

// ProfileFetcher reads and writes profile records by token.
type ProfileFetcher interface {
	GetProfile(ctx context.Context, token string) ProfileResult
	UpdateProfile(ctx context.Context, token string, update ProfileUpdate) ProfileResult
}

// State is the controller's authentication state.
type State int

const (
	StateResolving State = iota
	StateAuthenticated
	StateAnonymous
)

func (state State) String() string {
	switch state {
	case StateResolving:
		return "resolving"
	case StateAuthenticated:
		return "authenticated"
	case StateAnonymous:
		return "anonymous"
	default:
		return fmt.Sprintf("state(%d)", int(state))
	}
}

// Snapshot is a consistent view of the controller.
type Snapshot struct {
	State   State
	Session *Session
	User    *Identity
	Loading bool
}

// ControllerConfig wires the controller's collaborators.
type ControllerConfig struct {
	Provider IdentityProvider
	Profiles ProfileFetcher
	// Store defaults to a fresh CredentialStore.
	Store   *CredentialStore
	Logger  *zap.Logger
	Metrics MetricsRecorder
}

type writeKind int

const (
	writeResolved writeKind = iota
	writeSession
	writePush
	writeProfile
	writeLoaded
	// writeRotated applies only if no other session write happened since
	// sessionWrites was read.
	writeRotated
	// writeSignedOut ends a logout window. It travels through the writer so
	// pushes queued during the logout are applied before it.
	writeSignedOut
)

type storeWrite struct {
	kind          writeKind
	session       *Session
	token         string
	profile       *Identity
	sessionWrites int
	applied       chan bool
}

// Controller orchestrates the session lifecycle. Every Credential Store
// write goes through one goroutine fed by a channel, so explicit operations
// and provider pushes never race; each write replaces the whole session.
type Controller struct {
	provider IdentityProvider
	profiles ProfileFetcher
	store    *CredentialStore
	logger   *zap.Logger
	metrics  MetricsRecorder

	writes  chan storeWrite
	done    chan struct{}
	stopped chan struct{}

	lifecycleMutex sync.Mutex
	started        bool
	closed         bool
	lifecycle      context.Context
	cancel         context.CancelFunc
	unsubscribe    func()
	background     sync.WaitGroup
	closeOnce      sync.Once

	stateMutex    sync.RWMutex
	resolving     bool
	loading       bool
	sessionWrites int
	signingOut    int
	watchers      map[uint64]func(Snapshot)
	nextWatcherID uint64
}

// NewController constructs a Controller in the Resolving state and starts
// its writer goroutine; Close releases it.
func NewController(configuration ControllerConfig) (*Controller, error) {
	if configuration.Provider == nil {
		return nil, fmt.Errorf("controller.new: %w", ErrMissingIdentityProvider)
	}
	if configuration.Profiles == nil {
		return nil, fmt.Errorf("controller.new: %w", ErrMissingProfileFetcher)
	}
	store := configuration.Store
	if store == nil {
		store = NewCredentialStore()
	}
	logger := configuration.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	var metrics MetricsRecorder = noopMetrics{}
	if configuration.Metrics != nil {
		metrics = configuration.Metrics
	}
	lifecycle, cancel := context.WithCancel(context.Background())
	controller := &Controller{
		provider:  configuration.Provider,
		profiles:  configuration.Profiles,
		store:     store,
		logger:    logger,
		metrics:   metrics,
		writes:    make(chan storeWrite),
		done:      make(chan struct{}),
		stopped:   make(chan struct{}),
		lifecycle: lifecycle,
		cancel:    cancel,
		resolving: true,
		loading:   true,
		watchers:  make(map[uint64]func(Snapshot)),
	}
	go controller.run()
	return controller, nil
}

// Start subscribes to provider pushes, resolves any existing session, and
// fetches its profile. It returns once the initial resolution is applied.
func (controller *Controller) Start(ctx context.Context) error {
	controller.lifecycleMutex.Lock()
	if controller.closed {
		controller.lifecycleMutex.Unlock()
		return ErrControllerClosed
	}
	if controller.started {
		controller.lifecycleMutex.Unlock()
		return ErrControllerStarted
	}
	controller.started = true
	controller.unsubscribe = controller.provider.Subscribe(controller.handlePush)
	controller.lifecycleMutex.Unlock()

	session := controller.provider.CurrentSession(ctx)
	if session != nil {
		if controller.submit(ctx, storeWrite{kind: writeResolved, session: session}) {
			controller.fetchProfile(ctx, session.AccessToken)
		}
	}
	controller.submit(ctx, storeWrite{kind: writeLoaded})
	return nil
}

// Login signs in and, once the new session is stored, fetches its profile
// with the just-issued token.
func (controller *Controller) Login(ctx context.Context, email string, password string) Outcome {
	result := controller.provider.SignIn(ctx, email, password)
	if result.Session == nil {
		controller.metrics.Increment(MetricLoginFailure)
		return failed(result.Kind, result.Error)
	}
	if !controller.submit(ctx, storeWrite{kind: writeSession, session: result.Session}) {
		return controller.interrupted(ctx)
	}
	controller.metrics.Increment(MetricLoginSuccess)
	controller.fetchProfile(ctx, result.Session.AccessToken)
	return succeeded()
}

// Signup creates an account. The controller stays in its current state.
func (controller *Controller) Signup(ctx context.Context, input SignupInput) Outcome {
	outcome := controller.provider.SignUp(ctx, input)
	if outcome.Success {
		controller.metrics.Increment(MetricSignupSuccess)
	} else {
		controller.metrics.Increment(MetricSignupFailure)
	}
	return outcome
}

// Logout clears the local session first and then signs out at the
// provider. The store ends up empty whatever the provider answers; session
// pushes arriving meanwhile are dropped.
func (controller *Controller) Logout(ctx context.Context) Outcome {
	controller.stateMutex.Lock()
	controller.signingOut++
	controller.stateMutex.Unlock()
	defer func() {
		if !controller.submit(controller.lifecycle, storeWrite{kind: writeSignedOut}) {
			controller.stateMutex.Lock()
			controller.signingOut--
			controller.stateMutex.Unlock()
		}
	}()

	if !controller.submit(ctx, storeWrite{kind: writeSession}) {
		controller.store.Set(nil)
	}
	outcome := controller.provider.SignOut(ctx)
	if outcome.Success {
		controller.metrics.Increment(MetricLogoutSuccess)
	} else {
		controller.metrics.Increment(MetricLogoutFailure)
		controller.logger.Warn("remote sign out failed; local session cleared",
			zap.String("code", "controller.logout.remote_failed"),
			zap.String("error", outcome.Error))
	}
	return outcome
}

// ResetPassword requests a password reset email.
func (controller *Controller) ResetPassword(ctx context.Context, email string) Outcome {
	outcome := controller.provider.RequestPasswordReset(ctx, email)
	if outcome.Success {
		controller.metrics.Increment(MetricResetSuccess)
	} else {
		controller.metrics.Increment(MetricResetFailure)
	}
	return outcome
}

// RefreshUser re-fetches the profile for the current session.
func (controller *Controller) RefreshUser(ctx context.Context) Outcome {
	accessToken := controller.store.AccessToken()
	if accessToken == "" {
		return failed(KindUnauthorized, messageNotSignedIn)
	}
	return controller.fetchProfile(ctx, accessToken).Outcome()
}

// RefreshSession rotates the session tokens and re-fetches the profile. A
// result overtaken by a logout, login or push is not applied.
func (controller *Controller) RefreshSession(ctx context.Context) Outcome {
	controller.stateMutex.RLock()
	sessionWrites := controller.sessionWrites
	controller.stateMutex.RUnlock()

	result := controller.provider.RefreshSession(ctx)
	if result.Session == nil {
		if result.Kind == KindProviderRejected {
			controller.submit(ctx, storeWrite{kind: writeRotated, sessionWrites: sessionWrites})
		}
		return failed(result.Kind, result.Error)
	}
	if !controller.submit(ctx, storeWrite{kind: writeRotated, session: result.Session, sessionWrites: sessionWrites}) {
		if controller.isClosed() || ctx.Err() != nil {
			return controller.interrupted(ctx)
		}
		controller.logger.Info("refreshed session superseded",
			zap.String("code", "controller.refresh.superseded"))
		if controller.store.Get() == nil {
			return failed(KindUnauthorized, messageNotSignedIn)
		}
		return succeeded()
	}
	controller.fetchProfile(ctx, result.Session.AccessToken)
	return succeeded()
}

// UpdateProfile writes the profile through the backend and applies the
// returned identity if the session has not changed meanwhile.
func (controller *Controller) UpdateProfile(ctx context.Context, update ProfileUpdate) ProfileResult {
	accessToken := controller.store.AccessToken()
	if accessToken == "" {
		return ProfileResult{Error: messageNotSignedIn, Kind: KindUnauthorized}
	}
	result := controller.profiles.UpdateProfile(ctx, accessToken, update)
	if result.User != nil {
		controller.submit(ctx, storeWrite{kind: writeProfile, token: accessToken, profile: result.User})
	}
	return result
}

// Snapshot returns the current state.
func (controller *Controller) Snapshot() Snapshot {
	controller.stateMutex.RLock()
	defer controller.stateMutex.RUnlock()
	return controller.snapshotLocked()
}

// Watch registers a callback invoked after every applied write. Callbacks
// run on the writer goroutine and must not block.
func (controller *Controller) Watch(callback func(Snapshot)) func() {
	controller.stateMutex.Lock()
	controller.nextWatcherID++
	watcherID := controller.nextWatcherID
	controller.watchers[watcherID] = callback
	controller.stateMutex.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			controller.stateMutex.Lock()
			delete(controller.watchers, watcherID)
			controller.stateMutex.Unlock()
		})
	}
}

// Close disposes the provider subscription exactly once and stops the
// writer. Operations after Close fail without touching the store, except
// Logout which still clears it.
func (controller *Controller) Close() {
	controller.closeOnce.Do(func() {
		controller.lifecycleMutex.Lock()
		controller.closed = true
		unsubscribe := controller.unsubscribe
		controller.lifecycleMutex.Unlock()

		if unsubscribe != nil {
			unsubscribe()
		}
		controller.cancel()
		close(controller.done)
		<-controller.stopped
		controller.background.Wait()
	})
}

func (controller *Controller) run() {
	defer close(controller.stopped)
	for {
		select {
		case write := <-controller.writes:
			applied := controller.apply(write)
			if write.applied != nil {
				write.applied <- applied
			}
		case <-controller.done:
			return
		}
	}
}

func (controller *Controller) apply(write storeWrite) bool {
	current := controller.store.Get()

	controller.stateMutex.Lock()
	switch write.kind {
	case writeResolved:
		if controller.sessionWrites > 0 {
			controller.stateMutex.Unlock()
			return false
		}
		controller.store.Set(write.session)
		controller.resolving = false
	case writeSession:
		controller.store.Set(write.session)
		controller.sessionWrites++
		controller.resolving = false
	case writePush:
		if sameSession(current, write.session) || (write.session != nil && controller.signingOut > 0) {
			controller.stateMutex.Unlock()
			return false
		}
		controller.store.Set(write.session)
		controller.sessionWrites++
		controller.resolving = false
	case writeProfile:
		if current == nil || current.AccessToken != write.token || write.profile == nil {
			controller.stateMutex.Unlock()
			return false
		}
		replacement := current.Clone()
		replacement.User = *write.profile
		controller.store.Set(replacement)
	case writeLoaded:
		controller.resolving = false
		controller.loading = false
	case writeSignedOut:
		controller.signingOut--
		controller.stateMutex.Unlock()
		return true
	case writeRotated:
		if controller.sessionWrites != write.sessionWrites || controller.signingOut > 0 {
			controller.stateMutex.Unlock()
			return false
		}
		controller.store.Set(write.session)
		controller.sessionWrites++
		controller.resolving = false
	}
	snapshot := controller.snapshotLocked()
	watchers := make([]func(Snapshot), 0, len(controller.watchers))
	for _, watcher := range controller.watchers {
		watchers = append(watchers, watcher)
	}
	controller.stateMutex.Unlock()

	for _, watcher := range watchers {
		watcher(snapshot)
	}
	if write.kind == writePush && write.session != nil {
		token := write.session.AccessToken
		controller.spawn(func(ctx context.Context) {
			controller.fetchProfile(ctx, token)
		})
	}
	return true
}

func (controller *Controller) isClosed() bool {
	controller.lifecycleMutex.Lock()
	defer controller.lifecycleMutex.Unlock()
	return controller.closed
}

// interrupted reports a write that never reached the store.
func (controller *Controller) interrupted(ctx context.Context) Outcome {
	if controller.isClosed() || ctx.Err() == nil {
		return failed(KindControllerClosed, messageControllerClosed)
	}
	return failed(KindNetworkFailure, ctx.Err().Error())
}

func (controller *Controller) snapshotLocked() Snapshot {
	session := controller.store.Get()
	snapshot := Snapshot{Session: session, Loading: controller.loading}
	switch {
	case session != nil:
		snapshot.State = StateAuthenticated
		user := session.User
		snapshot.User = &user
	case controller.resolving:
		snapshot.State = StateResolving
	default:
		snapshot.State = StateAnonymous
	}
	return snapshot
}

// submit hands a write to the writer goroutine and waits until it is
// applied. It reports whether the write changed the store.
func (controller *Controller) submit(ctx context.Context, write storeWrite) bool {
	write.applied = make(chan bool, 1)
	select {
	case controller.writes <- write:
	case <-controller.done:
		return false
	case <-ctx.Done():
		return false
	}
	select {
	case applied := <-write.applied:
		return applied
	case <-controller.done:
		return false
	}
}

// handlePush receives provider notifications. It only enqueues, preserving
// push order without blocking on the dependent profile fetch.
func (controller *Controller) handlePush(session *Session) {
	if session != nil {
		controller.metrics.Increment(MetricPushSession)
	} else {
		controller.metrics.Increment(MetricPushSignedOut)
	}
	select {
	case controller.writes <- storeWrite{kind: writePush, session: session}:
	case <-controller.done:
	}
}

func (controller *Controller) spawn(task func(ctx context.Context)) {
	controller.lifecycleMutex.Lock()
	if controller.closed {
		controller.lifecycleMutex.Unlock()
		return
	}
	controller.background.Add(1)
	controller.lifecycleMutex.Unlock()
	go func() {
		defer controller.background.Done()
		task(controller.lifecycle)
	}()
}

// fetchProfile loads the profile for token. The result is applied only if
// the store still holds that token, so a stale fetch never reinstates a
// replaced or cleared session.
func (controller *Controller) fetchProfile(ctx context.Context, token string) ProfileResult {
	result := controller.profiles.GetProfile(ctx, token)
	if result.User == nil {
		controller.metrics.Increment(MetricProfileFailure)
		controller.logger.Warn("profile fetch failed",
			zap.String("code", "controller.profile.fetch_failed"),
			zap.String("kind", string(result.Kind)),
			zap.String("error", result.Error))
		return result
	}
	controller.metrics.Increment(MetricProfileSuccess)
	controller.submit(ctx, storeWrite{kind: writeProfile, token: token, profile: result.User})
	return result
}
