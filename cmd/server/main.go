package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"github.com/tyemirov/unifyauth/internal/authkit"
	"github.com/tyemirov/unifyauth/internal/authkitpg"
	"github.com/tyemirov/unifyauth/internal/credentials"
	"github.com/tyemirov/unifyauth/internal/notify"
	"github.com/tyemirov/unifyauth/internal/onetime"
	"github.com/tyemirov/unifyauth/internal/web"
	"github.com/tyemirov/unifyauth/pkg/sessionvalidator"
	"go.uber.org/zap"
)

var serveHTTP = func(server *http.Server) error {
	return server.ListenAndServe()
}

var buildGoogleVerifier = func(ctx context.Context, clientID string) (authkit.GoogleTokenVerifier, error) {
	return authkit.NewGoogleTokenVerifier(ctx, clientID)
}

func main() {
	if err := newRootCommand().Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCommand() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:     "unifyauth",
		Short:   "Account service with JWT access tokens, rotating refresh tokens, and two-factor sign-in",
		PreRunE: prepareServerConfig,
		RunE:    runServer,
	}

	rootCmd.Flags().String("listen_addr", ":8080", "HTTP listen address")
	rootCmd.Flags().String("jwt_signing_key", "", "HS256 signing secret for access tokens")
	rootCmd.Flags().String("jwt_issuer", "unifyauth", "Issuer claim of access tokens")
	rootCmd.Flags().String("jwt_audience", "unifyauth-clients", "Audience claim of access tokens")
	rootCmd.Flags().Int("access_token_ttl", 30, "Access token lifetime in minutes")
	rootCmd.Flags().Int("refresh_token_ttl_days", 15, "Refresh token lifetime in days")
	rootCmd.Flags().Int("purpose_token_ttl_hours", 2, "Lifetime of emailed confirmation, change, and reset links in hours")
	rootCmd.Flags().Duration("two_factor_code_ttl", credentials.DefaultTwoFactorCodeTTL, "Lifetime of emailed or texted two-factor codes")
	rootCmd.Flags().String("database_url", "", "Database URL (postgres:// or sqlite://; leave empty for in-memory SQLite)")
	rootCmd.Flags().String("token_store", tokenStoreGORM, "Refresh token store: memory, gorm, or pgx")
	rootCmd.Flags().String("redis_url", "", "Redis URL for one-time tokens and codes; leave empty for in-process storage")
	rootCmd.Flags().String("frontend_base_url", "http://localhost:4200", "Base URL used in emailed links")
	rootCmd.Flags().String("cookie_domain", "", "Refresh cookie domain; empty for host-only")
	rootCmd.Flags().Bool("enable_cors", false, "Enable CORS for cross-origin clients (sets SameSite=None on the refresh cookie)")
	rootCmd.Flags().StringSlice("cors_allowed_origins", []string{}, "Allowed origins when CORS is enabled (required if enable_cors is true)")
	rootCmd.Flags().Bool("dev_insecure_http", false, "Allow insecure HTTP for local dev and log notification bodies")
	rootCmd.Flags().String("google_web_client_id", "", "Google Web OAuth Client ID; empty disables Google sign-in")
	rootCmd.Flags().Int("lockout_threshold", credentials.DefaultLockoutThreshold, "Failed password attempts before a temporary lockout")
	rootCmd.Flags().Duration("lockout_duration", credentials.DefaultLockoutDuration, "Lockout length")

	for _, flagName := range []string{
		"listen_addr", "jwt_signing_key", "jwt_issuer", "jwt_audience", "access_token_ttl",
		"refresh_token_ttl_days", "purpose_token_ttl_hours", "two_factor_code_ttl", "database_url",
		"token_store", "redis_url", "frontend_base_url", "cookie_domain", "enable_cors",
		"cors_allowed_origins", "dev_insecure_http", "google_web_client_id", "lockout_threshold",
		"lockout_duration",
	} {
		_ = viper.BindPFlag(flagName, rootCmd.Flags().Lookup(flagName))
	}

	viper.SetEnvPrefix("APP")
	viper.AutomaticEnv()

	return rootCmd
}

const (
	tokenStoreMemory = "memory"
	tokenStoreGORM   = "gorm"
	tokenStorePGX    = "pgx"

	configCodeMissingJWTSigningKey    = "config.missing_jwt_signing_key"
	configCodeMissingJWTIssuer        = "config.missing_jwt_issuer"
	configCodeMissingJWTAudience      = "config.missing_jwt_audience"
	configCodeInvalidAccessTTL        = "config.invalid_access_token_ttl"
	configCodeInvalidRefreshTTL       = "config.invalid_refresh_token_ttl"
	configCodeInvalidPurposeTTL       = "config.invalid_purpose_token_ttl"
	configCodeInvalidTwoFactorCodeTTL = "config.invalid_two_factor_code_ttl"
	configCodeInvalidTokenStore       = "config.invalid_token_store"
	configCodePGXRequiresPostgres     = "config.pgx_requires_postgres"
	configCodeInvalidFrontendURL      = "config.invalid_frontend_base_url"
	configCodeMissingCORSOrigins      = "config.missing_cors_allowed_origins"
	configCodeInvalidLockout          = "config.invalid_lockout"
	configCodeInvalidSMTP             = "config.invalid_smtp"
	configCodeUninitializedServerConf = "config.uninitialized_server_config"
	configCodeGoogleVerifierInit      = "config.google_verifier_init"
)

type contextKey string

const serverConfigContextKey contextKey = "serverConfig"

// serviceConfig is everything runServer needs beyond authkit.ServerConfig.
type serviceConfig struct {
	Server             authkit.ServerConfig
	ListenAddr         string
	DatabaseURL        string
	TokenStore         string
	RedisURL           string
	EnableCORS         bool
	CORSAllowedOrigins []string
	DevInsecureHTTP    bool
	Credentials        credentials.Config
	SMTP               notify.SMTPConfig
}

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

func isPostgresURL(databaseURL string) bool {
	lowered := strings.ToLower(databaseURL)
	return strings.HasPrefix(lowered, "postgres://") || strings.HasPrefix(lowered, "postgresql://")
}

func LoadServerConfig() (serviceConfig, error) {
	jwtSigningKey := viper.GetString("jwt_signing_key")
	if jwtSigningKey == "" {
		return serviceConfig{}, configError(configCodeMissingJWTSigningKey, "jwt_signing_key must be provided")
	}
	jwtIssuer := strings.TrimSpace(viper.GetString("jwt_issuer"))
	if jwtIssuer == "" {
		return serviceConfig{}, configError(configCodeMissingJWTIssuer, "jwt_issuer must be provided")
	}
	jwtAudience := strings.TrimSpace(viper.GetString("jwt_audience"))
	if jwtAudience == "" {
		return serviceConfig{}, configError(configCodeMissingJWTAudience, "jwt_audience must be provided")
	}

	accessTTLMinutes := viper.GetInt("access_token_ttl")
	if accessTTLMinutes <= 0 {
		return serviceConfig{}, configError(configCodeInvalidAccessTTL, "access_token_ttl must be greater than zero")
	}
	refreshTTLDays := viper.GetInt("refresh_token_ttl_days")
	if refreshTTLDays <= 0 {
		return serviceConfig{}, configError(configCodeInvalidRefreshTTL, "refresh_token_ttl_days must be greater than zero")
	}
	purposeTTLHours := viper.GetInt("purpose_token_ttl_hours")
	if purposeTTLHours <= 0 {
		return serviceConfig{}, configError(configCodeInvalidPurposeTTL, "purpose_token_ttl_hours must be greater than zero")
	}
	twoFactorCodeTTL := viper.GetDuration("two_factor_code_ttl")
	if twoFactorCodeTTL <= 0 {
		return serviceConfig{}, configError(configCodeInvalidTwoFactorCodeTTL, "two_factor_code_ttl must be greater than zero")
	}

	databaseURL := strings.TrimSpace(viper.GetString("database_url"))
	tokenStore := strings.ToLower(strings.TrimSpace(viper.GetString("token_store")))
	switch tokenStore {
	case "":
		tokenStore = tokenStoreGORM
	case tokenStoreMemory, tokenStoreGORM:
	case tokenStorePGX:
		if !isPostgresURL(databaseURL) {
			return serviceConfig{}, configError(configCodePGXRequiresPostgres, "token_store pgx requires a postgres:// database_url")
		}
	default:
		return serviceConfig{}, configError(configCodeInvalidTokenStore, "token_store must be one of memory, gorm, pgx")
	}

	frontendBaseURL := strings.TrimSpace(viper.GetString("frontend_base_url"))
	parsedFrontend, parseErr := url.Parse(frontendBaseURL)
	if parseErr != nil || parsedFrontend.Scheme == "" || parsedFrontend.Host == "" {
		return serviceConfig{}, configError(configCodeInvalidFrontendURL, "frontend_base_url must be an absolute URL")
	}

	enableCORS := viper.GetBool("enable_cors")
	corsAllowedOrigins := viper.GetStringSlice("cors_allowed_origins")
	if enableCORS && len(corsAllowedOrigins) == 0 {
		return serviceConfig{}, configError(configCodeMissingCORSOrigins, "cors_allowed_origins must be provided when enable_cors is true")
	}

	lockoutThreshold := viper.GetInt("lockout_threshold")
	lockoutDuration := viper.GetDuration("lockout_duration")
	if lockoutThreshold <= 0 || lockoutDuration <= 0 {
		return serviceConfig{}, configError(configCodeInvalidLockout, "lockout_threshold and lockout_duration must be greater than zero")
	}

	smtpConfig, smtpErr := notify.LoadSMTPConfig()
	if smtpErr != nil {
		return serviceConfig{}, configError(configCodeInvalidSMTP, smtpErr.Error())
	}

	devInsecureHTTP := viper.GetBool("dev_insecure_http")
	purposeTTL := time.Duration(purposeTTLHours) * time.Hour
	sameSite := http.SameSiteStrictMode
	if enableCORS {
		sameSite = http.SameSiteNoneMode
	}

	return serviceConfig{
		Server: authkit.ServerConfig{
			JWTSigningKey:     []byte(jwtSigningKey),
			JWTIssuer:         jwtIssuer,
			JWTAudience:       jwtAudience,
			AccessTokenTTL:    time.Duration(accessTTLMinutes) * time.Minute,
			RefreshTTL:        time.Duration(refreshTTLDays) * 24 * time.Hour,
			PurposeTokenTTL:   purposeTTL,
			GoogleWebClientID: strings.TrimSpace(viper.GetString("google_web_client_id")),
			FrontendBaseURL:   frontendBaseURL,
			CookieDomain:      viper.GetString("cookie_domain"),
			SameSiteMode:      sameSite,
			AllowInsecureHTTP: devInsecureHTTP,
		},
		ListenAddr:         viper.GetString("listen_addr"),
		DatabaseURL:        databaseURL,
		TokenStore:         tokenStore,
		RedisURL:           strings.TrimSpace(viper.GetString("redis_url")),
		EnableCORS:         enableCORS,
		CORSAllowedOrigins: corsAllowedOrigins,
		DevInsecureHTTP:    devInsecureHTTP,
		Credentials: credentials.Config{
			LockoutThreshold: lockoutThreshold,
			LockoutDuration:  lockoutDuration,
			PurposeTokenTTL:  purposeTTL,
			TwoFactorCodeTTL: twoFactorCodeTTL,
		},
		SMTP: smtpConfig,
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
	serverConfig, ok := contextValue.(serviceConfig)
	if !ok {
		return configError(configCodeUninitializedServerConf, "server configuration not prepared; PreRunE must execute before RunE")
	}

	gin.SetMode(gin.ReleaseMode)
	router, cleanup, buildErr := buildRouter(commandContext, serverConfig, logger)
	if buildErr != nil {
		return buildErr
	}
	defer cleanup()

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
			logger.Error("server shutdown error", zap.String("code", "server.shutdown"), zap.Error(err))
		}
	}()

	logger.Info("listening", zap.String("code", "server.listen"), zap.String("addr", serverConfig.ListenAddr))
	if err := serveHTTP(server); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("listen error: %w", err)
	}
	return nil
}

// buildRouter wires stores, services, and routes. The returned cleanup releases pooled connections.
func buildRouter(ctx context.Context, serverConfig serviceConfig, logger *zap.Logger) (*gin.Engine, func(), error) {
	if ctx == nil {
		ctx = context.Background()
	}
	var cleanups []func()
	cleanup := func() {
		for index := len(cleanups) - 1; index >= 0; index-- {
			cleanups[index]()
		}
	}
	fail := func(err error) (*gin.Engine, func(), error) {
		cleanup()
		return nil, func() {}, err
	}

	databaseURL := serverConfig.DatabaseURL
	if databaseURL == "" {
		databaseURL = authkit.InMemorySQLiteURL
	}
	database, driverLabel, openErr := authkit.OpenDatabase(ctx, databaseURL)
	if openErr != nil {
		return fail(openErr)
	}
	if sqlDB, sqlErr := database.DB(); sqlErr == nil {
		cleanups = append(cleanups, func() { _ = sqlDB.Close() })
	}
	logger.Info("database opened", zap.String("code", "server.database"), zap.String("driver", driverLabel))

	var tokenStore authkit.TokenStore
	switch serverConfig.TokenStore {
	case tokenStoreMemory:
		tokenStore = authkit.NewMemoryRefreshTokenStore()
	case tokenStorePGX:
		pool, poolErr := authkitpg.BuildPool(ctx, databaseURL)
		if poolErr != nil {
			return fail(poolErr)
		}
		cleanups = append(cleanups, pool.Close)
		if schemaErr := authkitpg.EnsureSchema(ctx, pool); schemaErr != nil {
			return fail(schemaErr)
		}
		tokenStore = authkitpg.NewPostgresRefreshTokenStore(pool)
	default:
		databaseStore, storeErr := authkit.NewDatabaseRefreshTokenStore(ctx, database)
		if storeErr != nil {
			return fail(storeErr)
		}
		tokenStore = databaseStore
	}
	logger.Info("refresh token store selected", zap.String("code", "server.token_store"), zap.String("store", serverConfig.TokenStore))

	var secrets onetime.Store
	if serverConfig.RedisURL != "" {
		redisClient, redisErr := onetime.NewRedisClient(ctx, serverConfig.RedisURL)
		if redisErr != nil {
			return fail(redisErr)
		}
		cleanups = append(cleanups, func() { _ = redisClient.Close() })
		secrets = onetime.NewRedisStore(redisClient, "")
	} else {
		secrets = onetime.NewMemoryStore(nil)
	}

	credentialStore, credentialsErr := credentials.NewStore(ctx, database, secrets, serverConfig.Credentials, logger)
	if credentialsErr != nil {
		return fail(credentialsErr)
	}

	var emailNotifier authkit.Notifier = notify.NewLogNotifier(logger, "email", serverConfig.DevInsecureHTTP)
	if serverConfig.SMTP.Enabled() {
		emailNotifier = notify.NewSMTPNotifier(serverConfig.SMTP)
	}
	notifier := notify.NewDispatcher(emailNotifier, notify.NewLogNotifier(logger, "sms", serverConfig.DevInsecureHTTP))

	var googleVerifier authkit.GoogleTokenVerifier
	if serverConfig.Server.GoogleWebClientID != "" {
		verifier, verifierErr := buildGoogleVerifier(ctx, serverConfig.Server.GoogleWebClientID)
		if verifierErr != nil {
			return fail(fmt.Errorf("%s: %w", configCodeGoogleVerifierInit, verifierErr))
		}
		googleVerifier = verifier
	}

	clock := authkit.NewSystemClock()
	metrics := authkit.NewCounterMetrics()
	accessTokens, issuerErr := authkit.NewAccessTokenIssuer(serverConfig.Server.AccessTokenConfig(), clock)
	if issuerErr != nil {
		return fail(issuerErr)
	}
	refreshTokens, refreshErr := authkit.NewRefreshTokenManager(tokenStore, serverConfig.Server, clock, logger)
	if refreshErr != nil {
		return fail(refreshErr)
	}
	dependencies := authkit.AuthenticationDependencies{
		Credentials:     credentialStore,
		AccessTokens:    accessTokens,
		RefreshTokens:   refreshTokens,
		PurposeTokens:   authkit.NewPurposeTokenService(credentialStore, logger),
		TwoFactor:       authkit.NewTwoFactorOrchestrator(credentialStore, notifier, "", metrics, logger),
		Notifier:        notifier,
		Google:          googleVerifier,
		Metrics:         metrics,
		Logger:          logger,
		FrontendBaseURL: serverConfig.Server.FrontendBaseURL,
	}
	orchestrator, orchestratorErr := authkit.NewAuthenticationOrchestrator(dependencies)
	if orchestratorErr != nil {
		return fail(orchestratorErr)
	}
	account, accountErr := authkit.NewAccountService(dependencies)
	if accountErr != nil {
		return fail(accountErr)
	}
	validator, validatorErr := sessionvalidator.New(sessionvalidator.Config{
		SigningKey: serverConfig.Server.JWTSigningKey,
		Issuer:     serverConfig.Server.JWTIssuer,
		Audience:   serverConfig.Server.JWTAudience,
		Clock:      clock,
	})
	if validatorErr != nil {
		return fail(validatorErr)
	}

	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(web.RequestID())
	router.Use(web.AccessLog(logger))
	if serverConfig.EnableCORS {
		corsMiddleware, corsErr := web.ConfigureCORS(logger, serverConfig.CORSAllowedOrigins)
		if corsErr != nil {
			return fail(corsErr)
		}
		router.Use(corsMiddleware)
	}
	router.GET("/healthz", func(contextGin *gin.Context) {
		contextGin.JSON(http.StatusOK, gin.H{"status": "ok"})
	})
	mountErr := authkit.MountAuthRoutes(router, authkit.RouteDependencies{
		Authentication: orchestrator,
		Account:        account,
		Validator:      validator,
		Configuration:  serverConfig.Server,
		Logger:         logger,
	})
	if mountErr != nil {
		return fail(mountErr)
	}
	return router, cleanup, nil
}
