// Package sessionvalidator validates UnifyAuth access tokens for downstream services.
package sessionvalidator

import (
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v5"
)

// Clock reports the time tokens are checked against.
type Clock interface {
	Now() time.Time
}

type utcClock struct{}

func (utcClock) Now() time.Time { return time.Now().UTC() }

// Config configures the Validator. Audience is optional; when set, tokens must carry it.
type Config struct {
	SigningKey []byte
	Issuer     string
	Audience   string
	Clock      Clock
}

// DefaultContextKey is where GinMiddleware stores *Claims when no key is given.
const DefaultContextKey = "auth_claims"

var (
	ErrMissingSigningKey = errors.New("sessionvalidator.missing_signing_key")
	ErrMissingIssuer     = errors.New("sessionvalidator.missing_issuer")
	ErrMissingToken      = errors.New("sessionvalidator.missing_token")
	ErrInvalidToken      = errors.New("sessionvalidator.invalid_token")
	ErrInvalidIssuer     = errors.New("sessionvalidator.invalid_issuer")
	ErrInvalidAudience   = errors.New("sessionvalidator.invalid_audience")
	ErrTokenExpired      = errors.New("sessionvalidator.token_expired")
)

// parseFailures maps jwt parse errors onto the exported sentinels; anything else is ErrInvalidToken.
var parseFailures = []struct {
	cause  error
	result error
}{
	{cause: jwt.ErrTokenExpired, result: ErrTokenExpired},
	{cause: jwt.ErrTokenInvalidIssuer, result: ErrInvalidIssuer},
	{cause: jwt.ErrTokenInvalidAudience, result: ErrInvalidAudience},
}

// Validator checks HS256 access tokens minted by UnifyAuth. It is safe for concurrent use.
type Validator struct {
	signingKey []byte
	parser     *jwt.Parser
}

// Claims mirror the payload of UnifyAuth access tokens.
type Claims struct {
	UserID          string `json:"user_id"`
	UserEmail       string `json:"user_email"`
	UserFirstName   string `json:"given_name"`
	UserLastName    string `json:"family_name"`
	UserDisplayName string `json:"user_display_name"`
	jwt.RegisteredClaims
}

func (claims *Claims) GetUserID() string {
	if claims == nil {
		return ""
	}
	return claims.UserID
}

func (claims *Claims) GetUserEmail() string {
	if claims == nil {
		return ""
	}
	return claims.UserEmail
}

func (claims *Claims) GetUserDisplayName() string {
	if claims == nil {
		return ""
	}
	return claims.UserDisplayName
}

// GetExpiresAt returns the zero time when the token carries no expiry.
func (claims *Claims) GetExpiresAt() time.Time {
	if claims == nil || claims.ExpiresAt == nil {
		return time.Time{}
	}
	return claims.ExpiresAt.Time
}

func New(configuration Config) (*Validator, error) {
	switch {
	case len(configuration.SigningKey) == 0:
		return nil, fmt.Errorf("sessionvalidator.new: %w", ErrMissingSigningKey)
	case strings.TrimSpace(configuration.Issuer) == "":
		return nil, fmt.Errorf("sessionvalidator.new: %w", ErrMissingIssuer)
	}
	clock := configuration.Clock
	if clock == nil {
		clock = utcClock{}
	}
	options := []jwt.ParserOption{
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithTimeFunc(clock.Now),
		jwt.WithExpirationRequired(),
		jwt.WithIssuer(configuration.Issuer),
	}
	if audience := strings.TrimSpace(configuration.Audience); audience != "" {
		options = append(options, jwt.WithAudience(audience))
	}
	return &Validator{
		signingKey: append([]byte(nil), configuration.SigningKey...),
		parser:     jwt.NewParser(options...),
	}, nil
}

// ValidateToken parses a raw access token and returns its claims.
func (validator *Validator) ValidateToken(rawToken string) (*Claims, error) {
	rawToken = strings.TrimSpace(rawToken)
	if rawToken == "" {
		return nil, fmt.Errorf("sessionvalidator.validate_token: %w", ErrMissingToken)
	}
	claims := &Claims{}
	token, err := validator.parser.ParseWithClaims(rawToken, claims, validator.signingKeyFor)
	if err != nil {
		return nil, fmt.Errorf("sessionvalidator.validate_token: %w", classifyParseError(err))
	}
	if !token.Valid || strings.TrimSpace(claims.UserID) == "" {
		return nil, fmt.Errorf("sessionvalidator.validate_token: %w", ErrInvalidToken)
	}
	return claims, nil
}

func (validator *Validator) signingKeyFor(*jwt.Token) (interface{}, error) {
	return validator.signingKey, nil
}

func classifyParseError(err error) error {
	for _, failure := range parseFailures {
		if errors.Is(err, failure.cause) {
			return failure.result
		}
	}
	return ErrInvalidToken
}

// BearerToken extracts the token from an Authorization header value. The scheme is case-insensitive.
func BearerToken(headerValue string) (string, bool) {
	scheme, token, found := strings.Cut(strings.TrimSpace(headerValue), " ")
	if !found || !strings.EqualFold(scheme, "bearer") {
		return "", false
	}
	token = strings.TrimSpace(token)
	return token, token != ""
}

// ValidateRequest validates the bearer token carried by the request's Authorization header.
func (validator *Validator) ValidateRequest(request *http.Request) (*Claims, error) {
	if request == nil {
		return nil, fmt.Errorf("sessionvalidator.validate_request: %w", ErrMissingToken)
	}
	token, ok := BearerToken(request.Header.Get("Authorization"))
	if !ok {
		return nil, fmt.Errorf("sessionvalidator.validate_request: %w", ErrMissingToken)
	}
	return validator.ValidateToken(token)
}

// GinMiddleware aborts with 401 unless the request carries a valid access token, and stores the
// claims under contextKey (DefaultContextKey when blank).
func (validator *Validator) GinMiddleware(contextKey string) gin.HandlerFunc {
	if strings.TrimSpace(contextKey) == "" {
		contextKey = DefaultContextKey
	}
	return func(contextGin *gin.Context) {
		claims, err := validator.ValidateRequest(contextGin.Request)
		if err != nil {
			contextGin.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "Unauthorized"})
			return
		}
		contextGin.Set(contextKey, claims)
		contextGin.Next()
	}
}
