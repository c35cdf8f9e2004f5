package authkit

import (
	"errors"
	"strings"
)

// ErrorKind classifies failures returned by the authentication core.
type ErrorKind int

const (
	KindInternalServerError ErrorKind = iota
	KindNotFound
	KindValidation
	KindBadRequest
	KindUnauthorized
	KindConcurrencyFailure
)

// String returns the wire code of the kind.
func (kind ErrorKind) String() string {
	switch kind {
	case KindNotFound:
		return "NotFound"
	case KindValidation:
		return "Validation"
	case KindBadRequest:
		return "BadRequest"
	case KindUnauthorized:
		return "Unauthorized"
	case KindConcurrencyFailure:
		return "ConcurrencyFailure"
	default:
		return "InternalServerError"
	}
}

// AppError is the typed failure returned by every orchestrator operation.
type AppError struct {
	Kind     ErrorKind
	Messages []string
}

func (appErr *AppError) Error() string {
	if len(appErr.Messages) == 0 {
		return appErr.Kind.String()
	}
	return appErr.Kind.String() + ": " + strings.Join(appErr.Messages, "; ")
}

// Message returns the first message, or the kind code when none was provided.
func (appErr *AppError) Message() string {
	if len(appErr.Messages) == 0 {
		return appErr.Kind.String()
	}
	return appErr.Messages[0]
}

func newAppError(kind ErrorKind, messages ...string) *AppError {
	filtered := make([]string, 0, len(messages))
	for _, message := range messages {
		if strings.TrimSpace(message) != "" {
			filtered = append(filtered, message)
		}
	}
	return &AppError{Kind: kind, Messages: filtered}
}

func notFound(messages ...string) *AppError     { return newAppError(KindNotFound, messages...) }
func validation(messages ...string) *AppError   { return newAppError(KindValidation, messages...) }
func badRequest(messages ...string) *AppError   { return newAppError(KindBadRequest, messages...) }
func unauthorized(messages ...string) *AppError { return newAppError(KindUnauthorized, messages...) }
func concurrencyFailure(messages ...string) *AppError {
	return newAppError(KindConcurrencyFailure, messages...)
}
func internalError(messages ...string) *AppError {
	return newAppError(KindInternalServerError, messages...)
}

// KindOf reports the kind carried by err. Errors that are not AppErrors are internal.
func KindOf(err error) ErrorKind {
	var appErr *AppError
	if errors.As(err, &appErr) {
		return appErr.Kind
	}
	return KindInternalServerError
}

const genericInternalMessage = "An unexpected error occurred. Please try again later."

var (
	// ErrUserNotFound is returned by credential stores when no user matches the lookup.
	ErrUserNotFound = errors.New("credentials.user_not_found")
	// ErrDuplicateEmail is returned when the email already belongs to another account.
	ErrDuplicateEmail = errors.New("credentials.duplicate_email")
	// ErrAccountLocked is returned by PasswordSignIn while the account is locked out.
	ErrAccountLocked = errors.New("credentials.account_locked")
	// ErrInvalidPassword is returned by PasswordSignIn when the password does not match.
	ErrInvalidPassword = errors.New("credentials.invalid_password")
	// ErrInvalidToken indicates a purpose token or two-factor code that is unknown, expired, or already used.
	ErrInvalidToken = errors.New("credentials.invalid_token")
	// ErrSecurityStampMismatch indicates the user's security state changed after the token was issued.
	ErrSecurityStampMismatch = errors.New("credentials.security_stamp_mismatch")
	// ErrExternalLoginNotFound is returned when no user is linked to the external identity.
	ErrExternalLoginNotFound = errors.New("credentials.external_login_not_found")
)

// IdentityError describes one store-level rejection of a user record.
type IdentityError struct {
	Code        string
	Description string
}

const (
	identityCodeDuplicateUserName = "DuplicateUserName"
	identityCodeDuplicateEmail    = "DuplicateEmail"
)

// IdentityErrors aggregates store-level rejections returned from Create and Update.
type IdentityErrors []IdentityError

func (identityErrors IdentityErrors) Error() string {
	descriptions := make([]string, 0, len(identityErrors))
	for _, identityErr := range identityErrors {
		descriptions = append(descriptions, identityErr.Code+": "+identityErr.Description)
	}
	return "credentials.identity: " + strings.Join(descriptions, "; ")
}

// NewDuplicateIdentityErrors reports an email collision the way a store whose login name equals the email sees it.
func NewDuplicateIdentityErrors(email string) IdentityErrors {
	return IdentityErrors{
		{Code: identityCodeDuplicateUserName, Description: "Username '" + email + "' is already taken."},
		{Code: identityCodeDuplicateEmail, Description: "Email '" + email + "' is already taken."},
	}
}
