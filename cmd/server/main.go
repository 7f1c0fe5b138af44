package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"github.com/tyemirov/saasauth/internal/edge"
	"github.com/tyemirov/saasauth/internal/metrics"
	"github.com/tyemirov/saasauth/internal/provideradmin"
	"github.com/tyemirov/saasauth/pkg/tokenverifier"
	"go.uber.org/zap"
)

var serveHTTP = func(server *http.Server) error {
	return server.ListenAndServe()
}

var buildProviderAdmin = func(configuration provideradmin.Config) (edge.ProviderAdmin, error) {
	client, err := provideradmin.New(configuration)
	if err != nil {
		return nil, err
	}
	return client, nil
}

func main() {
	if err := newRootCommand().Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCommand() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:     "saasauth-server",
		Short:   "Backend validation endpoints for signup and profile management against a hosted identity provider",
		PreRunE: prepareServerConfig,
		RunE:    runServer,
	}

	rootCmd.Flags().String("listen_addr", ":8080", "HTTP listen address")
	rootCmd.Flags().String("route_prefix", edge.DefaultRoutePrefix, "Path prefix for every endpoint")
	rootCmd.Flags().String("provider_url", "", "Identity provider base URL (also SUPABASE_URL)")
	rootCmd.Flags().String("service_role_key", "", "Identity provider service role key (also SUPABASE_SERVICE_ROLE_KEY)")
	rootCmd.Flags().String("anon_key", "", "Anonymous key required as bearer on /signup; empty accepts any caller")
	rootCmd.Flags().String("jwt_secret", "", "Provider JWT secret enabling local token pre-verification")
	rootCmd.Flags().String("jwt_issuer", "", "Expected token issuer when jwt_secret is set")
	rootCmd.Flags().Duration("provider_timeout", 10*time.Second, "Timeout for privileged provider calls")
	rootCmd.Flags().Bool("enable_metrics", false, "Expose Prometheus metrics on /metrics")

	_ = viper.BindPFlag("listen_addr", rootCmd.Flags().Lookup("listen_addr"))
	_ = viper.BindPFlag("route_prefix", rootCmd.Flags().Lookup("route_prefix"))
	_ = viper.BindPFlag("provider_url", rootCmd.Flags().Lookup("provider_url"))
	_ = viper.BindPFlag("service_role_key", rootCmd.Flags().Lookup("service_role_key"))
	_ = viper.BindPFlag("anon_key", rootCmd.Flags().Lookup("anon_key"))
	_ = viper.BindPFlag("jwt_secret", rootCmd.Flags().Lookup("jwt_secret"))
	_ = viper.BindPFlag("jwt_issuer", rootCmd.Flags().Lookup("jwt_issuer"))
	_ = viper.BindPFlag("provider_timeout", rootCmd.Flags().Lookup("provider_timeout"))
	_ = viper.BindPFlag("enable_metrics", rootCmd.Flags().Lookup("enable_metrics"))

	viper.SetEnvPrefix("APP")
	viper.AutomaticEnv()
	_ = viper.BindEnv("provider_url", "APP_PROVIDER_URL", "SUPABASE_URL")
	_ = viper.BindEnv("service_role_key", "APP_SERVICE_ROLE_KEY", "SUPABASE_SERVICE_ROLE_KEY")

	return rootCmd
}

const (
	configCodeMissingProviderURL      = "config.missing_provider_url"
	configCodeInvalidProviderURL      = "config.invalid_provider_url"
	configCodeMissingServiceRoleKey   = "config.missing_service_role_key"
	configCodeInvalidProviderTimeout  = "config.invalid_provider_timeout"
	configCodeInvalidRoutePrefix      = "config.invalid_route_prefix"
	configCodeUninitializedServerConf = "config.uninitialized_server_config"
	configCodeProviderAdminInit       = "config.provider_admin_init"
	configCodeTokenVerifierInit       = "config.token_verifier_init"
)

// ServerConfig is the validated backend configuration.
type ServerConfig struct {
	ListenAddr      string
	ProviderURL     string
	ServiceRoleKey  string
	JWTSecret       []byte
	JWTIssuer       string
	ProviderTimeout time.Duration
	EnableMetrics   bool
	Edge            edge.Config
}

type contextKey string

const serverConfigContextKey contextKey = "serverConfig"

func prepareServerConfig(command *cobra.Command, arguments []string) error {
	serverConfig, loadErr := LoadServerConfig()
	if loadErr != nil {
		return loadErr
	}
	existingContext := command.Context()
	if existingContext == nil {
		existingContext = context.Background()
	}
	command.SetContext(context.WithValue(existingContext, serverConfigContextKey, serverConfig))
	return nil
}

func configError(code, message string) error {
	return fmt.Errorf("%s: %s", code, message)
}

func LoadServerConfig() (ServerConfig, error) {
	providerURL := strings.TrimSpace(viper.GetString("provider_url"))
	if providerURL == "" {
		return ServerConfig{}, configError(configCodeMissingProviderURL, "provider_url must be provided")
	}
	if !strings.HasPrefix(providerURL, "http://") && !strings.HasPrefix(providerURL, "https://") {
		return ServerConfig{}, configError(configCodeInvalidProviderURL, "provider_url must be an http(s) URL")
	}

	serviceRoleKey := strings.TrimSpace(viper.GetString("service_role_key"))
	if serviceRoleKey == "" {
		return ServerConfig{}, configError(configCodeMissingServiceRoleKey, "service_role_key must be provided")
	}

	providerTimeout := 10 * time.Second
	if viper.IsSet("provider_timeout") {
		providerTimeout = viper.GetDuration("provider_timeout")
	}
	if providerTimeout <= 0 {
		return ServerConfig{}, configError(configCodeInvalidProviderTimeout, "provider_timeout must be greater than zero")
	}

	routePrefix := edge.DefaultRoutePrefix
	if viper.IsSet("route_prefix") {
		routePrefix = viper.GetString("route_prefix")
	}
	if routePrefix != "" && !strings.HasPrefix(routePrefix, "/") {
		return ServerConfig{}, configError(configCodeInvalidRoutePrefix, "route_prefix must start with /")
	}

	listenAddr := viper.GetString("listen_addr")
	if listenAddr == "" {
		listenAddr = ":8080"
	}

	return ServerConfig{
		ListenAddr:      listenAddr,
		ProviderURL:     providerURL,
		ServiceRoleKey:  serviceRoleKey,
		JWTSecret:       []byte(viper.GetString("jwt_secret")),
		JWTIssuer:       viper.GetString("jwt_issuer"),
		ProviderTimeout: providerTimeout,
		EnableMetrics:   viper.GetBool("enable_metrics"),
		Edge: edge.Config{
			RoutePrefix: routePrefix,
			AnonKey:     viper.GetString("anon_key"),
		},
	}, nil
}

func runServer(command *cobra.Command, arguments []string) error {
	logger, loggerErr := zap.NewProduction()
	if loggerErr != nil {
		return loggerErr
	}
	defer func() { _ = logger.Sync() }()

	commandContext := command.Context()
	var contextValue any
	if commandContext != nil {
		contextValue = commandContext.Value(serverConfigContextKey)
	}
	serverConfig, ok := contextValue.(ServerConfig)
	if !ok {
		return configError(configCodeUninitializedServerConf, "server configuration not prepared; PreRunE must execute before RunE")
	}

	admin, adminErr := buildProviderAdmin(provideradmin.Config{
		BaseURL:        serverConfig.ProviderURL,
		ServiceRoleKey: serverConfig.ServiceRoleKey,
		HTTPClient:     &http.Client{Timeout: serverConfig.ProviderTimeout},
		Logger:         logger,
	})
	if adminErr != nil {
		return fmt.Errorf("%s: %w", configCodeProviderAdminInit, adminErr)
	}
	logger.Warn("signup creates accounts with email pre-confirmed; no verification email is sent",
		zap.String("code", "edge.signup.email_preconfirmed"))

	dependencies := edge.Dependencies{Logger: logger}
	if len(serverConfig.JWTSecret) > 0 {
		verifier, verifierErr := tokenverifier.New(tokenverifier.Config{
			SigningKey: serverConfig.JWTSecret,
			Issuer:     serverConfig.JWTIssuer,
		})
		if verifierErr != nil {
			return fmt.Errorf("%s: %w", configCodeTokenVerifierInit, verifierErr)
		}
		dependencies.Verifier = verifier
		logger.Info("local token pre-verification enabled")
	}

	gin.SetMode(gin.ReleaseMode)
	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(edge.RequestID())
	router.Use(zapLoggerMiddleware(logger))
	router.Use(edge.PermissiveCORS())

	counters := metrics.NewCounterMetrics()
	dependencies.Metrics = counters
	if serverConfig.EnableMetrics {
		prometheusMetrics := metrics.NewPrometheusMetrics(prometheus.NewRegistry())
		dependencies.Metrics = metrics.Multi(counters, prometheusMetrics)
		router.GET("/metrics", gin.WrapH(prometheusMetrics.Handler()))
	}
	defer func() {
		logger.Info("edge event totals", zap.Any("counts", counters.Snapshot()))
	}()

	edge.MountRoutes(router, serverConfig.Edge, admin, dependencies)

	server := &http.Server{
		Addr:              serverConfig.ListenAddr,
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	shutdownCtx, shutdownCancel := context.WithCancel(context.Background())
	defer shutdownCancel()

	go func() {
		stopSignals := make(chan os.Signal, 1)
		signal.Notify(stopSignals, syscall.SIGINT, syscall.SIGTERM)
		defer signal.Stop(stopSignals)
		select {
		case <-stopSignals:
		case <-shutdownCtx.Done():
			return
		}
		graceCtx, graceCancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer graceCancel()
		if err := server.Shutdown(graceCtx); err != nil {
			logger.Error("server shutdown error", zap.Error(err))
		}
	}()

	logger.Info("listening", zap.String("addr", serverConfig.ListenAddr), zap.String("route_prefix", serverConfig.Edge.RoutePrefix))
	if err := serveHTTP(server); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("listen error: %w", err)
	}
	return nil
}

func zapLoggerMiddleware(logger *zap.Logger) gin.HandlerFunc {
	return func(contextGin *gin.Context) {
		startTime := time.Now()
		contextGin.Next()
		duration := time.Since(startTime)
		logger.Info("http",
			zap.String("method", contextGin.Request.Method),
			zap.String("path", contextGin.Request.URL.Path),
			zap.Int("status", contextGin.Writer.Status()),
			zap.String("ip", contextGin.ClientIP()),
			zap.Duration("elapsed", duration),
			zap.String("request_id", edge.RequestIDFrom(contextGin)),
		)
	}
}
