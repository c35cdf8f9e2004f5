package authkit

import (
	"net/http"
	"time"
)

const (
	// DefaultRefreshTTL is the refresh token lifetime applied when none is configured.
	DefaultRefreshTTL = 15 * 24 * time.Hour
	// DefaultPurposeTokenTTL is the lifetime of email confirmation, email change, and reset tokens.
	DefaultPurposeTokenTTL = 2 * time.Hour
	// DefaultRefreshCookieName matches the cookie clients already send.
	DefaultRefreshCookieName = "refreshToken"
)

// ServerConfig configures issuers, TTLs, cookies, and outbound links.
type ServerConfig struct {
	JWTSigningKey     []byte
	JWTIssuer         string
	JWTAudience       string
	AccessTokenTTL    time.Duration
	RefreshTTL        time.Duration
	PurposeTokenTTL   time.Duration
	GoogleWebClientID string
	FrontendBaseURL   string
	RefreshCookieName string
	CookieDomain      string
	SameSiteMode      http.SameSite
	AllowInsecureHTTP bool
}

// AccessTokenConfig extracts the issuer settings.
func (configuration ServerConfig) AccessTokenConfig() AccessTokenConfig {
	return AccessTokenConfig{
		SigningKey: configuration.JWTSigningKey,
		Issuer:     configuration.JWTIssuer,
		Audience:   configuration.JWTAudience,
		TTL:        configuration.AccessTokenTTL,
	}
}

func (configuration ServerConfig) refreshTTL() time.Duration {
	if configuration.RefreshTTL <= 0 {
		return DefaultRefreshTTL
	}
	return configuration.RefreshTTL
}

func (configuration ServerConfig) refreshCookieName() string {
	if configuration.RefreshCookieName == "" {
		return DefaultRefreshCookieName
	}
	return configuration.RefreshCookieName
}

func (configuration ServerConfig) sameSite() http.SameSite {
	if configuration.SameSiteMode == 0 {
		return http.SameSiteStrictMode
	}
	return configuration.SameSiteMode
}
