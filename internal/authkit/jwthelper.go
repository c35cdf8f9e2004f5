package authkit

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

var (
	// ErrMissingSigningKey reports an issuer constructed without a signing key.
	ErrMissingSigningKey = errors.New("jwt.config.missing_signing_key")
	// ErrMissingIssuer reports an issuer constructed without an issuer name.
	ErrMissingIssuer = errors.New("jwt.config.missing_issuer")
	// ErrMissingAudience reports an issuer constructed without an audience.
	ErrMissingAudience = errors.New("jwt.config.missing_audience")
	// ErrInvalidAccessTTL reports a non-positive access token lifetime.
	ErrInvalidAccessTTL = errors.New("jwt.config.invalid_ttl")
)

// AccessTokenConfig holds the signing settings for access tokens.
type AccessTokenConfig struct {
	SigningKey []byte
	Issuer     string
	Audience   string
	TTL        time.Duration
}

// JwtCustomClaims are embedded in the access token.
type JwtCustomClaims struct {
	UserID          string `json:"user_id"`
	UserEmail       string `json:"user_email"`
	UserFirstName   string `json:"given_name"`
	UserLastName    string `json:"family_name"`
	UserDisplayName string `json:"user_display_name"`
	jwt.RegisteredClaims
}

// AccessTokenIssuer mints HS256 access tokens.
type AccessTokenIssuer struct {
	configuration AccessTokenConfig
	clock         Clock
}

// NewAccessTokenIssuer validates the configuration once, at startup.
func NewAccessTokenIssuer(configuration AccessTokenConfig, clock Clock) (*AccessTokenIssuer, error) {
	if len(configuration.SigningKey) == 0 {
		return nil, fmt.Errorf("jwt.issuer.new: %w", ErrMissingSigningKey)
	}
	if strings.TrimSpace(configuration.Issuer) == "" {
		return nil, fmt.Errorf("jwt.issuer.new: %w", ErrMissingIssuer)
	}
	if strings.TrimSpace(configuration.Audience) == "" {
		return nil, fmt.Errorf("jwt.issuer.new: %w", ErrMissingAudience)
	}
	if configuration.TTL <= 0 {
		return nil, fmt.Errorf("jwt.issuer.new: %w", ErrInvalidAccessTTL)
	}
	if clock == nil {
		clock = NewSystemClock()
	}
	return &AccessTokenIssuer{configuration: configuration, clock: clock}, nil
}

// Issue creates a signed access token for the user.
func (issuer *AccessTokenIssuer) Issue(user User) (AccessToken, error) {
	if strings.TrimSpace(user.ID) == "" {
		return AccessToken{}, errors.New("jwt.mint.failure: subject must be non-empty")
	}
	// JWT dates are whole seconds; the reported expiry must match the signed one.
	issuedAt := issuer.clock.Now().UTC().Truncate(time.Second)
	expiresAt := issuedAt.Add(issuer.configuration.TTL)
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, JwtCustomClaims{
		UserID:          user.ID,
		UserEmail:       user.Email,
		UserFirstName:   user.FirstName,
		UserLastName:    user.LastName,
		UserDisplayName: user.DisplayName(),
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    issuer.configuration.Issuer,
			Subject:   user.ID,
			Audience:  jwt.ClaimStrings{issuer.configuration.Audience},
			IssuedAt:  jwt.NewNumericDate(issuedAt),
			NotBefore: jwt.NewNumericDate(issuedAt),
			ExpiresAt: jwt.NewNumericDate(expiresAt),
		},
	})
	signed, err := token.SignedString(issuer.configuration.SigningKey)
	if err != nil {
		return AccessToken{}, fmt.Errorf("jwt.mint.sign: %w", err)
	}
	return AccessToken{Token: signed, ExpiresAt: expiresAt}, nil
}
