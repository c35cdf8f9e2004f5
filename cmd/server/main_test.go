package main

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/gin-gonic/gin"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"github.com/tyemirov/unifyauth/internal/authkit"
	"go.uber.org/zap/zaptest"
)

type stubGoogleVerifier struct{}

func (stubGoogleVerifier) Verify(context.Context, string) (authkit.GoogleIdentity, error) {
	return authkit.GoogleIdentity{}, errors.New("stub verifier rejects every token")
}

func withServeHTTPStub(stub func(server *http.Server) error) func() {
	original := serveHTTP
	serveHTTP = stub
	return func() { serveHTTP = original }
}

func withGoogleVerifierStub(stub func(ctx context.Context, clientID string) (authkit.GoogleTokenVerifier, error)) func() {
	original := buildGoogleVerifier
	buildGoogleVerifier = stub
	return func() { buildGoogleVerifier = original }
}

func testDatabaseURL(t *testing.T) string {
	t.Helper()
	name := strings.NewReplacer("/", "_", " ", "_").Replace(t.Name())
	return "sqlite:file:cmd_" + name + "?mode=memory&cache=shared"
}

func setValidConfig(t *testing.T) {
	t.Helper()
	viper.Reset()
	t.Cleanup(viper.Reset)
	viper.Set("listen_addr", ":0")
	viper.Set("jwt_signing_key", "signing-secret")
	viper.Set("jwt_issuer", "unifyauth")
	viper.Set("jwt_audience", "unifyauth-clients")
	viper.Set("access_token_ttl", 30)
	viper.Set("refresh_token_ttl_days", 15)
	viper.Set("purpose_token_ttl_hours", 2)
	viper.Set("two_factor_code_ttl", 5*time.Minute)
	viper.Set("token_store", "gorm")
	viper.Set("frontend_base_url", "http://localhost:4200")
	viper.Set("lockout_threshold", 3)
	viper.Set("lockout_duration", 5*time.Minute)
	viper.Set("database_url", testDatabaseURL(t))
}

func TestRunServerMissingConfig(t *testing.T) {
	gin.SetMode(gin.TestMode)

	viper.Reset()
	defer viper.Reset()

	err := runServer(&cobra.Command{}, nil)
	if err == nil {
		t.Fatalf("expected configuration error")
	}

	expectedMessage := "config.uninitialized_server_config: server configuration not prepared; PreRunE must execute before RunE"
	if err.Error() != expectedMessage {
		t.Fatalf("expected error %q, got %q", expectedMessage, err.Error())
	}
}

func TestLoadServerConfigDerivesServerSettings(t *testing.T) {
	setValidConfig(t)
	viper.Set("enable_cors", true)
	viper.Set("cors_allowed_origins", []string{"http://localhost:4200"})
	viper.Set("dev_insecure_http", true)
	viper.Set("token_store", " Memory ")

	config, err := LoadServerConfig()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if config.Server.AccessTokenTTL != 30*time.Minute || config.Server.RefreshTTL != 15*24*time.Hour || config.Server.PurposeTokenTTL != 2*time.Hour {
		t.Fatalf("unexpected lifetimes %+v", config.Server)
	}
	if config.Server.SameSiteMode != http.SameSiteNoneMode || !config.Server.AllowInsecureHTTP {
		t.Fatalf("expected CORS to select SameSite=None and dev mode to allow HTTP, got %+v", config.Server)
	}
	if config.TokenStore != tokenStoreMemory {
		t.Fatalf("expected normalized token store, got %q", config.TokenStore)
	}
	if config.Credentials.LockoutThreshold != 3 || config.Credentials.TwoFactorCodeTTL != 5*time.Minute {
		t.Fatalf("unexpected credential settings %+v", config.Credentials)
	}
}

func TestLoadServerConfigReportsCodedErrors(t *testing.T) {
	testCases := []struct {
		name     string
		override func()
		expected string
	}{
		{
			name:     "signing key",
			override: func() { viper.Set("jwt_signing_key", "") },
			expected: "config.missing_jwt_signing_key: jwt_signing_key must be provided",
		},
		{
			name:     "audience",
			override: func() { viper.Set("jwt_audience", " ") },
			expected: "config.missing_jwt_audience: jwt_audience must be provided",
		},
		{
			name:     "access ttl",
			override: func() { viper.Set("access_token_ttl", 0) },
			expected: "config.invalid_access_token_ttl: access_token_ttl must be greater than zero",
		},
		{
			name:     "refresh ttl",
			override: func() { viper.Set("refresh_token_ttl_days", -1) },
			expected: "config.invalid_refresh_token_ttl: refresh_token_ttl_days must be greater than zero",
		},
		{
			name:     "token store",
			override: func() { viper.Set("token_store", "bolt") },
			expected: "config.invalid_token_store: token_store must be one of memory, gorm, pgx",
		},
		{
			name:     "pgx on sqlite",
			override: func() { viper.Set("token_store", "pgx") },
			expected: "config.pgx_requires_postgres: token_store pgx requires a postgres:// database_url",
		},
		{
			name:     "frontend",
			override: func() { viper.Set("frontend_base_url", "/relative") },
			expected: "config.invalid_frontend_base_url: frontend_base_url must be an absolute URL",
		},
		{
			name:     "cors origins",
			override: func() { viper.Set("enable_cors", true) },
			expected: "config.missing_cors_allowed_origins: cors_allowed_origins must be provided when enable_cors is true",
		},
		{
			name:     "lockout",
			override: func() { viper.Set("lockout_threshold", 0) },
			expected: "config.invalid_lockout: lockout_threshold and lockout_duration must be greater than zero",
		},
	}

	for _, testCase := range testCases {
		t.Run(testCase.name, func(t *testing.T) {
			setValidConfig(t)
			testCase.override()
			_, err := LoadServerConfig()
			if err == nil || err.Error() != testCase.expected {
				t.Fatalf("expected error %q, got %v", testCase.expected, err)
			}
		})
	}
}

func TestRunServerGoogleVerifierInitFailure(t *testing.T) {
	gin.SetMode(gin.TestMode)
	setValidConfig(t)
	viper.Set("google_web_client_id", "client")

	restoreServe := withServeHTTPStub(func(server *http.Server) error {
		t.Fatalf("server must not start when wiring fails")
		return nil
	})
	defer restoreServe()
	restoreVerifier := withGoogleVerifierStub(func(ctx context.Context, clientID string) (authkit.GoogleTokenVerifier, error) {
		return nil, errors.New("verifier_fail")
	})
	defer restoreVerifier()

	config, err := LoadServerConfig()
	if err != nil {
		t.Fatalf("expected configuration load to succeed, got %v", err)
	}
	command := &cobra.Command{}
	command.SetContext(context.WithValue(context.Background(), serverConfigContextKey, config))

	if err := runServer(command, nil); err == nil || err.Error() != "config.google_verifier_init: verifier_fail" {
		t.Fatalf("expected google verifier init error, got %v", err)
	}
}

func TestRunServerSuccess(t *testing.T) {
	gin.SetMode(gin.TestMode)
	setValidConfig(t)
	viper.Set("google_web_client_id", "client")
	viper.Set("enable_cors", true)
	viper.Set("cors_allowed_origins", []string{"http://localhost:4200"})

	restoreServe := withServeHTTPStub(func(server *http.Server) error {
		if server.Handler == nil {
			t.Fatalf("expected handler to be configured")
		}
		return http.ErrServerClosed
	})
	defer restoreServe()
	restoreVerifier := withGoogleVerifierStub(func(ctx context.Context, clientID string) (authkit.GoogleTokenVerifier, error) {
		if clientID != "client" {
			t.Fatalf("unexpected client id %q", clientID)
		}
		return stubGoogleVerifier{}, nil
	})
	defer restoreVerifier()

	command := newRootCommand()
	if err := prepareServerConfig(command, nil); err != nil {
		t.Fatalf("prepare failed: %v", err)
	}
	if err := runServer(command, nil); err != nil {
		t.Fatalf("expected runServer to succeed, got %v", err)
	}
}

func postJSON(t *testing.T, router http.Handler, path string, body interface{}) *httptest.ResponseRecorder {
	t.Helper()
	payload, err := json.Marshal(body)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	request := httptest.NewRequest(http.MethodPost, path, bytes.NewReader(payload))
	request.Header.Set("Content-Type", "application/json")
	recorder := httptest.NewRecorder()
	router.ServeHTTP(recorder, request)
	return recorder
}

func TestBuildRouterServesAccountFlowWithRedisSecrets(t *testing.T) {
	gin.SetMode(gin.TestMode)
	setValidConfig(t)
	redisServer := miniredis.RunT(t)
	viper.Set("redis_url", "redis://"+redisServer.Addr())
	viper.Set("token_store", "memory")

	config, err := LoadServerConfig()
	if err != nil {
		t.Fatalf("config: %v", err)
	}
	router, cleanup, err := buildRouter(context.Background(), config, zaptest.NewLogger(t))
	if err != nil {
		t.Fatalf("build router: %v", err)
	}
	defer cleanup()

	recorder := httptest.NewRecorder()
	router.ServeHTTP(recorder, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	if recorder.Code != http.StatusOK {
		t.Fatalf("expected healthy service, got %d", recorder.Code)
	}

	recorder = postJSON(t, router, "/api/auth/register", authkit.RegisterInput{
		Email:             "ada@example.com",
		FirstName:         "Ada",
		LastName:          "Lovelace",
		PhoneNumber:       "+15551234567",
		Password:          "P4ssword!",
		ConfirmedPassword: "P4ssword!",
	})
	if recorder.Code != http.StatusOK {
		t.Fatalf("register failed: %d %s", recorder.Code, recorder.Body.String())
	}

	recorder = postJSON(t, router, "/api/auth/login", authkit.LoginInput{Email: "ada@example.com", Password: "P4ssword!"})
	if recorder.Code != http.StatusOK {
		t.Fatalf("login failed: %d %s", recorder.Code, recorder.Body.String())
	}
	var login struct {
		AccessToken struct {
			Token string `json:"token"`
		} `json:"accessToken"`
	}
	if err := json.Unmarshal(recorder.Body.Bytes(), &login); err != nil || login.AccessToken.Token == "" {
		t.Fatalf("expected access token, got %s (%v)", recorder.Body.String(), err)
	}

	request := httptest.NewRequest(http.MethodGet, "/api/account/profile", nil)
	request.Header.Set("Authorization", "Bearer "+login.AccessToken.Token)
	recorder = httptest.NewRecorder()
	router.ServeHTTP(recorder, request)
	if recorder.Code != http.StatusOK || !strings.Contains(recorder.Body.String(), "ada@example.com") {
		t.Fatalf("profile failed: %d %s", recorder.Code, recorder.Body.String())
	}

	recorder = postJSON(t, router, "/api/auth/send-reset-password-link", map[string]string{"email": "ada@example.com"})
	if recorder.Code != http.StatusOK {
		t.Fatalf("reset link failed: %d %s", recorder.Code, recorder.Body.String())
	}
	if len(redisServer.Keys()) == 0 {
		t.Fatalf("expected the reset token to be stored in redis")
	}
}

func TestBuildRouterRejectsUnreachableRedis(t *testing.T) {
	setValidConfig(t)
	viper.Set("redis_url", "redis://127.0.0.1:1")

	config, err := LoadServerConfig()
	if err != nil {
		t.Fatalf("config: %v", err)
	}
	if _, _, err := buildRouter(context.Background(), config, zaptest.NewLogger(t)); err == nil {
		t.Fatalf("expected unreachable redis to fail wiring")
	}
}
