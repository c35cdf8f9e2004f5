package authkit

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"google.golang.org/api/idtoken"
)

// ExternalProviderGoogle names Google sign-in in external login records.
const ExternalProviderGoogle = "Google"

var (
	errGoogleInvalidIssuer      = errors.New("google.invalid_issuer")
	errGoogleUnverifiedIdentity = errors.New("google.unverified_identity")
)

// GoogleIdentity holds the claims read from a verified Google ID token.
type GoogleIdentity struct {
	Subject    string
	Email      string
	GivenName  string
	FamilyName string
}

// GoogleTokenVerifier validates a Google ID token for this application's client id.
type GoogleTokenVerifier interface {
	Verify(ctx context.Context, rawToken string) (GoogleIdentity, error)
}

type idTokenVerifier struct {
	clientID  string
	validator *idtoken.Validator
}

// NewGoogleTokenVerifier validates tokens with Google's published keys.
func NewGoogleTokenVerifier(ctx context.Context, clientID string) (GoogleTokenVerifier, error) {
	if strings.TrimSpace(clientID) == "" {
		return nil, errors.New("google.config: client id is required")
	}
	validator, err := idtoken.NewValidator(ctx)
	if err != nil {
		return nil, fmt.Errorf("google.validator: %w", err)
	}
	return &idTokenVerifier{clientID: clientID, validator: validator}, nil
}

func (verifier *idTokenVerifier) Verify(ctx context.Context, rawToken string) (GoogleIdentity, error) {
	payload, err := verifier.validator.Validate(ctx, rawToken, verifier.clientID)
	if err != nil {
		return GoogleIdentity{}, fmt.Errorf("google.validate: %w", err)
	}
	issuerValue, _ := payload.Claims["iss"].(string)
	if issuerValue != "https://accounts.google.com" && issuerValue != "accounts.google.com" {
		return GoogleIdentity{}, errGoogleInvalidIssuer
	}
	googleSub, _ := payload.Claims["sub"].(string)
	userEmail, _ := payload.Claims["email"].(string)
	emailVerified, _ := payload.Claims["email_verified"].(bool)
	if googleSub == "" || userEmail == "" || !emailVerified {
		return GoogleIdentity{}, errGoogleUnverifiedIdentity
	}
	givenName, _ := payload.Claims["given_name"].(string)
	familyName, _ := payload.Claims["family_name"].(string)
	return GoogleIdentity{
		Subject:    googleSub,
		Email:      userEmail,
		GivenName:  givenName,
		FamilyName: familyName,
	}, nil
}
