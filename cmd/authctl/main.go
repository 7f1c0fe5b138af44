package main

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"os"
	"os/signal"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"github.com/tyemirov/saasauth/internal/edge"
	"github.com/tyemirov/saasauth/internal/metrics"
	"github.com/tyemirov/saasauth/pkg/authclient"
	"github.com/tyemirov/saasauth/pkg/sessionstore"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

const defaultSessionStore = "sqlite://authctl-session.db"

var newLogger = func(verbose bool) (*zap.Logger, error) {
	configuration := zap.NewProductionConfig()
	configuration.Level = zap.NewAtomicLevelAt(zapcore.WarnLevel)
	if verbose {
		configuration.Level = zap.NewAtomicLevelAt(zapcore.DebugLevel)
	}
	return configuration.Build()
}

var openSessionStore = sessionstore.Open

func main() {
	if err := newRootCommand().Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCommand() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:               "authctl",
		Short:             "Sign up, sign in, and manage the profile of a hosted identity provider account",
		SilenceUsage:      true,
		PersistentPreRunE: prepareClientConfig,
	}

	flags := rootCmd.PersistentFlags()
	flags.String("provider_url", "", "Identity provider base URL (also SUPABASE_URL)")
	flags.String("anon_key", "", "Identity provider anonymous key (also SUPABASE_ANON_KEY)")
	flags.String("backend_url", "", "Backend base URL; defaults to <provider_url>/functions/v1"+edge.DefaultRoutePrefix)
	flags.String("session_store", defaultSessionStore, "Session storage URL: memory://, sqlite://, postgres://, redis://")
	flags.String("storage_key", "", "Key the session is stored under; defaults to sb-<project>-auth-token")
	flags.Bool("auto_refresh", false, "Refresh the session in the background while the command runs")
	flags.Bool("verbose", false, "Log debug output to stderr")

	for _, name := range []string{"provider_url", "anon_key", "backend_url", "session_store", "storage_key", "auto_refresh", "verbose"} {
		_ = viper.BindPFlag(name, flags.Lookup(name))
	}

	viper.SetEnvPrefix("APP")
	viper.AutomaticEnv()
	_ = viper.BindEnv("provider_url", "APP_PROVIDER_URL", "SUPABASE_URL")
	_ = viper.BindEnv("anon_key", "APP_ANON_KEY", "SUPABASE_ANON_KEY")

	rootCmd.AddCommand(
		newSignupCommand(),
		newLoginCommand(),
		newLogoutCommand(),
		newResetPasswordCommand(),
		newWhoAmICommand(),
		newUpdateProfileCommand(),
		newRefreshCommand(),
		newWatchCommand(),
	)
	return rootCmd
}

const (
	configCodeMissingProviderURL      = "config.missing_provider_url"
	configCodeInvalidProviderURL      = "config.invalid_provider_url"
	configCodeMissingAnonKey          = "config.missing_anon_key"
	configCodeInvalidBackendURL       = "config.invalid_backend_url"
	configCodeUninitializedClientConf = "config.uninitialized_client_config"
)

// ClientConfig is the validated CLI configuration.
type ClientConfig struct {
	ProviderURL  string
	AnonKey      string
	BackendURL   string
	SessionStore string
	StorageKey   string
	AutoRefresh  bool
	Verbose      bool
}

type contextKey string

const clientConfigContextKey contextKey = "clientConfig"

func prepareClientConfig(command *cobra.Command, arguments []string) error {
	clientConfig, loadErr := LoadClientConfig()
	if loadErr != nil {
		return loadErr
	}
	existingContext := command.Context()
	if existingContext == nil {
		existingContext = context.Background()
	}
	command.SetContext(context.WithValue(existingContext, clientConfigContextKey, clientConfig))
	return nil
}

func configError(code, message string) error {
	return fmt.Errorf("%s: %s", code, message)
}

func LoadClientConfig() (ClientConfig, error) {
	providerURL := strings.TrimRight(strings.TrimSpace(viper.GetString("provider_url")), "/")
	if providerURL == "" {
		return ClientConfig{}, configError(configCodeMissingProviderURL, "provider_url must be provided")
	}
	parsedProvider, parseErr := url.Parse(providerURL)
	if parseErr != nil || (parsedProvider.Scheme != "http" && parsedProvider.Scheme != "https") || parsedProvider.Host == "" {
		return ClientConfig{}, configError(configCodeInvalidProviderURL, "provider_url must be an http(s) URL")
	}

	anonKey := strings.TrimSpace(viper.GetString("anon_key"))
	if anonKey == "" {
		return ClientConfig{}, configError(configCodeMissingAnonKey, "anon_key must be provided")
	}

	backendURL := strings.TrimRight(strings.TrimSpace(viper.GetString("backend_url")), "/")
	if backendURL == "" {
		backendURL = providerURL + "/functions/v1" + edge.DefaultRoutePrefix
	}
	if !strings.HasPrefix(backendURL, "http://") && !strings.HasPrefix(backendURL, "https://") {
		return ClientConfig{}, configError(configCodeInvalidBackendURL, "backend_url must be an http(s) URL")
	}

	sessionStore := strings.TrimSpace(viper.GetString("session_store"))
	if sessionStore == "" {
		sessionStore = defaultSessionStore
	}

	storageKey := strings.TrimSpace(viper.GetString("storage_key"))
	if storageKey == "" {
		storageKey = defaultStorageKey(parsedProvider.Hostname())
	}

	return ClientConfig{
		ProviderURL:  providerURL,
		AnonKey:      anonKey,
		BackendURL:   backendURL,
		SessionStore: sessionStore,
		StorageKey:   storageKey,
		AutoRefresh:  viper.GetBool("auto_refresh"),
		Verbose:      viper.GetBool("verbose"),
	}, nil
}

// defaultStorageKey mirrors the browser client's key: the first host label
// is the project reference.
func defaultStorageKey(hostname string) string {
	project, _, _ := strings.Cut(hostname, ".")
	if project == "" {
		project = "local"
	}
	return "sb-" + project + "-auth-token"
}

// clientRuntime is one wired client: storage, provider, profile service,
// and the controller driving them.
type clientRuntime struct {
	logger     *zap.Logger
	store      sessionstore.Opened
	provider   *authclient.Provider
	controller *authclient.Controller
	counters   *metrics.CounterMetrics
}

func openRuntime(ctx context.Context, clientConfig ClientConfig) (*clientRuntime, error) {
	logger, loggerErr := newLogger(clientConfig.Verbose)
	if loggerErr != nil {
		return nil, loggerErr
	}
	store, storeErr := openSessionStore(ctx, clientConfig.SessionStore, clientConfig.StorageKey)
	if storeErr != nil {
		_ = logger.Sync()
		return nil, storeErr
	}
	logger.Debug("session store opened",
		zap.String("driver", store.Driver),
		zap.String("storage_key", clientConfig.StorageKey))

	runtime := &clientRuntime{logger: logger, store: store, counters: metrics.NewCounterMetrics()}
	requester, requesterErr := authclient.NewRequester(authclient.RequesterConfig{
		BaseURL:    clientConfig.BackendURL,
		AnonKey:    clientConfig.AnonKey,
		HTTPClient: newHTTPClient(),
	})
	if requesterErr != nil {
		runtime.Close()
		return nil, requesterErr
	}
	provider, providerErr := authclient.NewProvider(ctx, authclient.ProviderConfig{
		ProviderURL: clientConfig.ProviderURL,
		AnonKey:     clientConfig.AnonKey,
		Requester:   requester,
		HTTPClient:  newHTTPClient(),
		Storage:     store.Storage,
		Logger:      logger,
	})
	if providerErr != nil {
		runtime.Close()
		return nil, providerErr
	}
	runtime.provider = provider
	controller, controllerErr := authclient.NewController(authclient.ControllerConfig{
		Provider: provider,
		Profiles: authclient.NewProfileService(requester, logger),
		Logger:   logger,
		Metrics:  runtime.counters,
	})
	if controllerErr != nil {
		runtime.Close()
		return nil, controllerErr
	}
	runtime.controller = controller
	if startErr := controller.Start(ctx); startErr != nil {
		runtime.Close()
		return nil, startErr
	}
	if clientConfig.AutoRefresh {
		provider.StartAutoRefresh(ctx)
	}
	return runtime, nil
}

// Close releases the runtime in reverse wiring order.
func (runtime *clientRuntime) Close() {
	if runtime.controller != nil {
		runtime.controller.Close()
	}
	if runtime.provider != nil {
		runtime.provider.Close()
	}
	if runtime.store.Close != nil {
		if err := runtime.store.Close(); err != nil {
			runtime.logger.Warn("session store close failed", zap.Error(err))
		}
	}
	runtime.logger.Debug("client event totals", zap.Any("counts", runtime.counters.Snapshot()))
	_ = runtime.logger.Sync()
}

func newHTTPClient() *http.Client {
	return &http.Client{Timeout: 15 * time.Second}
}

// withRuntime loads the prepared configuration and runs action against a
// freshly wired client.
func withRuntime(action func(command *cobra.Command, runtime *clientRuntime) error) func(*cobra.Command, []string) error {
	return func(command *cobra.Command, arguments []string) error {
		commandContext := command.Context()
		var contextValue any
		if commandContext != nil {
			contextValue = commandContext.Value(clientConfigContextKey)
		}
		clientConfig, ok := contextValue.(ClientConfig)
		if !ok {
			return configError(configCodeUninitializedClientConf, "client configuration not prepared; PersistentPreRunE must execute before RunE")
		}
		runtime, err := openRuntime(commandContext, clientConfig)
		if err != nil {
			return err
		}
		defer runtime.Close()
		return action(command, runtime)
	}
}

// sessionView is the printed form of a controller snapshot.
type sessionView struct {
	State     string               `json:"state"`
	User      *authclient.Identity `json:"user,omitempty"`
	ExpiresAt int64                `json:"expires_at,omitempty"`
}

func viewOf(snapshot authclient.Snapshot) sessionView {
	view := sessionView{State: snapshot.State.String(), User: snapshot.User}
	if snapshot.Session != nil {
		view.ExpiresAt = snapshot.Session.ExpiresAt
	}
	return view
}

func printJSON(command *cobra.Command, value any) error {
	return json.NewEncoder(command.OutOrStdout()).Encode(value)
}

// reportOutcome prints the outcome and turns a failure into an error.
func reportOutcome(command *cobra.Command, operation string, outcome authclient.Outcome) error {
	if err := printJSON(command, outcome); err != nil {
		return err
	}
	if !outcome.Success {
		return fmt.Errorf("authctl.%s_failed: %s", operation, outcome.Error)
	}
	return nil
}

func newSignupCommand() *cobra.Command {
	command := &cobra.Command{
		Use:   "signup",
		Short: "Create an account; sign in afterwards",
		RunE: withRuntime(func(command *cobra.Command, runtime *clientRuntime) error {
			email, _ := command.Flags().GetString("email")
			password, _ := command.Flags().GetString("password")
			name, _ := command.Flags().GetString("name")
			outcome := runtime.controller.Signup(command.Context(), authclient.SignupInput{Email: email, Password: password, Name: name})
			return reportOutcome(command, "signup", outcome)
		}),
	}
	command.Flags().String("email", "", "Account email")
	command.Flags().String("password", "", "Account password")
	command.Flags().String("name", "", "Display name")
	return command
}

func newLoginCommand() *cobra.Command {
	command := &cobra.Command{
		Use:   "login",
		Short: "Sign in and persist the session",
		RunE: withRuntime(func(command *cobra.Command, runtime *clientRuntime) error {
			email, _ := command.Flags().GetString("email")
			password, _ := command.Flags().GetString("password")
			outcome := runtime.controller.Login(command.Context(), email, password)
			if !outcome.Success {
				return reportOutcome(command, "login", outcome)
			}
			return printJSON(command, viewOf(runtime.controller.Snapshot()))
		}),
	}
	command.Flags().String("email", "", "Account email")
	command.Flags().String("password", "", "Account password")
	return command
}

func newLogoutCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "logout",
		Short: "Sign out; the stored session is cleared even if the provider cannot be reached",
		RunE: withRuntime(func(command *cobra.Command, runtime *clientRuntime) error {
			return reportOutcome(command, "logout", runtime.controller.Logout(command.Context()))
		}),
	}
}

func newResetPasswordCommand() *cobra.Command {
	command := &cobra.Command{
		Use:   "reset-password",
		Short: "Request a password reset email",
		RunE: withRuntime(func(command *cobra.Command, runtime *clientRuntime) error {
			email, _ := command.Flags().GetString("email")
			return reportOutcome(command, "reset_password", runtime.controller.ResetPassword(command.Context(), email))
		}),
	}
	command.Flags().String("email", "", "Account email")
	return command
}

func newWhoAmICommand() *cobra.Command {
	return &cobra.Command{
		Use:   "whoami",
		Short: "Print the stored session's user",
		RunE: withRuntime(func(command *cobra.Command, runtime *clientRuntime) error {
			return printJSON(command, viewOf(runtime.controller.Snapshot()))
		}),
	}
}

func newUpdateProfileCommand() *cobra.Command {
	command := &cobra.Command{
		Use:   "update-profile",
		Short: "Change the display name (and optionally avatar) of the signed-in user",
		RunE: withRuntime(func(command *cobra.Command, runtime *clientRuntime) error {
			name, _ := command.Flags().GetString("name")
			avatarURL, _ := command.Flags().GetString("avatar_url")
			result := runtime.controller.UpdateProfile(command.Context(), authclient.ProfileUpdate{Name: name, AvatarURL: avatarURL})
			if result.User == nil {
				return reportOutcome(command, "update_profile", result.Outcome())
			}
			return printJSON(command, viewOf(runtime.controller.Snapshot()))
		}),
	}
	command.Flags().String("name", "", "Display name")
	command.Flags().String("avatar_url", "", "Avatar image URL")
	return command
}

func newRefreshCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "refresh",
		Short: "Rotate the stored session tokens",
		RunE: withRuntime(func(command *cobra.Command, runtime *clientRuntime) error {
			outcome := runtime.controller.RefreshSession(command.Context())
			if !outcome.Success {
				return reportOutcome(command, "refresh", outcome)
			}
			return printJSON(command, viewOf(runtime.controller.Snapshot()))
		}),
	}
}

func newWatchCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "watch",
		Short: "Print every session change until interrupted",
		RunE: withRuntime(func(command *cobra.Command, runtime *clientRuntime) error {
			watchContext, stop := signal.NotifyContext(command.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			var outputMutex sync.Mutex
			var writeErr error
			emit := func(snapshot authclient.Snapshot) {
				outputMutex.Lock()
				defer outputMutex.Unlock()
				if writeErr == nil {
					writeErr = printJSON(command, viewOf(snapshot))
				}
			}
			emit(runtime.controller.Snapshot())
			dispose := runtime.controller.Watch(emit)
			defer dispose()

			<-watchContext.Done()
			outputMutex.Lock()
			defer outputMutex.Unlock()
			return writeErr
		}),
	}
}
