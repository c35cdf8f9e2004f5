package authkit

import (
	"errors"
	"regexp"
	"strings"
	"unicode"

	"github.com/go-playground/validator/v10"
)

var phoneNumberPattern = regexp.MustCompile(`^\+?[1-9]\d{1,14}$`)

var inputValidator = newInputValidator()

func newInputValidator() *validator.Validate {
	instance := validator.New(validator.WithRequiredStructEnabled())
	_ = instance.RegisterValidation("phone", func(field validator.FieldLevel) bool {
		return phoneNumberPattern.MatchString(field.Field().String())
	})
	return instance
}

// RegisterInput carries a self-service sign-up.
type RegisterInput struct {
	Email             string `json:"email" validate:"required,email"`
	FirstName         string `json:"firstName" validate:"required,min=2,max=50"`
	LastName          string `json:"lastName" validate:"required,min=2,max=50"`
	PhoneNumber       string `json:"phoneNumber" validate:"required,phone"`
	Password          string `json:"password"`
	ConfirmedPassword string `json:"confirmedPassword" validate:"required,eqfield=Password"`
}

// LoginInput carries email and password credentials.
type LoginInput struct {
	Email    string `json:"email" validate:"required,email"`
	Password string `json:"password" validate:"required"`
}

// ResetPasswordInput carries a mailed reset link plus the new password.
type ResetPasswordInput struct {
	UserID            string `json:"userId" validate:"required"`
	Token             string `json:"token" validate:"required"`
	NewPassword       string `json:"newPassword"`
	ConfirmedPassword string `json:"confirmedPassword" validate:"required,eqfield=NewPassword"`
}

// ProfileInput carries editable profile fields.
type ProfileInput struct {
	FirstName   string `json:"firstName" validate:"required,max=50"`
	LastName    string `json:"lastName" validate:"required,max=50"`
	PhoneNumber string `json:"phoneNumber" validate:"omitempty,phone"`
}

var registerMessages = map[string]string{
	"Email.required":             "Email is required.",
	"Email.email":                "Invalid email format.",
	"FirstName.required":         "First name is required.",
	"FirstName.min":              "First name must be between 2 and 50 characters.",
	"FirstName.max":              "First name must be between 2 and 50 characters.",
	"LastName.required":          "Last name is required.",
	"LastName.min":               "Last name must be between 2 and 50 characters.",
	"LastName.max":               "Last name must be between 2 and 50 characters.",
	"PhoneNumber.required":       "Phone number is required.",
	"PhoneNumber.phone":          "Invalid phone number format.",
	"ConfirmedPassword.required": "Confirmed password is required.",
	"ConfirmedPassword.eqfield":  "Confirmed password must match the password.",
}

var loginMessages = map[string]string{
	"Email.required":    "Email is required.",
	"Email.email":       "Invalid email format.",
	"Password.required": "Password is required",
}

var resetPasswordMessages = map[string]string{
	"UserID.required":            "User id is required.",
	"Token.required":             "Token is required.",
	"ConfirmedPassword.required": "Confirmed password is required.",
	"ConfirmedPassword.eqfield":  "Confirmed password must match the password.",
}

var profileMessages = map[string]string{
	"FirstName.required": "First name is required.",
	"FirstName.max":      "First name must not exceed 50 characters.",
	"LastName.required":  "Last name is required.",
	"LastName.max":       "Last name must not exceed 50 characters.",
	"PhoneNumber.phone":  "Phone number is not valid.",
}

func validateStruct(input interface{}, messages map[string]string) []string {
	err := inputValidator.Struct(input)
	if err == nil {
		return nil
	}
	var fieldErrors validator.ValidationErrors
	if !errors.As(err, &fieldErrors) {
		return []string{"Invalid request."}
	}
	collected := make([]string, 0, len(fieldErrors))
	for _, fieldErr := range fieldErrors {
		message, known := messages[fieldErr.Field()+"."+fieldErr.Tag()]
		if !known {
			message = fieldErr.Field() + " is invalid."
		}
		collected = append(collected, message)
	}
	return collected
}

// MinimumPasswordLength is the shortest password PasswordPolicyErrors accepts.
const MinimumPasswordLength = 8

// PasswordPolicyErrors reports every unmet password rule. Request validation and credential stores
// share it, so both layers reject the same passwords with the same wording.
func PasswordPolicyErrors(password string) IdentityErrors {
	var hasUpper, hasLower, hasDigit, hasSpecial bool
	for _, character := range password {
		switch {
		case character >= 'A' && character <= 'Z':
			hasUpper = true
		case character >= 'a' && character <= 'z':
			hasLower = true
		case character >= '0' && character <= '9':
			hasDigit = true
		case !unicode.IsSpace(character):
			hasSpecial = true
		}
	}
	var violations IdentityErrors
	if len(password) < MinimumPasswordLength {
		violations = append(violations, IdentityError{Code: "PasswordTooShort", Description: "Password must be at least 8 characters long."})
	}
	if !hasUpper {
		violations = append(violations, IdentityError{Code: "PasswordRequiresUpper", Description: "Password must contain at least one uppercase letter."})
	}
	if !hasLower {
		violations = append(violations, IdentityError{Code: "PasswordRequiresLower", Description: "Password must contain at least one lowercase letter."})
	}
	if !hasDigit {
		violations = append(violations, IdentityError{Code: "PasswordRequiresDigit", Description: "Password must contain at least one digit."})
	}
	if !hasSpecial {
		violations = append(violations, IdentityError{Code: "PasswordRequiresNonAlphanumeric", Description: "Password must contain at least one special character."})
	}
	return violations
}

func passwordPolicyViolations(password string) []string {
	violations := PasswordPolicyErrors(password)
	messages := make([]string, 0, len(violations))
	for _, violation := range violations {
		messages = append(messages, violation.Description)
	}
	return messages
}

func validateRegisterInput(input RegisterInput) error {
	messages := validateStruct(input, registerMessages)
	messages = append(messages, passwordPolicyViolations(input.Password)...)
	if len(messages) > 0 {
		return validation(messages...)
	}
	return nil
}

func validateLoginInput(input LoginInput) error {
	if messages := validateStruct(input, loginMessages); len(messages) > 0 {
		return validation(messages...)
	}
	return nil
}

func validateResetPasswordInput(input ResetPasswordInput) error {
	messages := validateStruct(input, resetPasswordMessages)
	messages = append(messages, passwordPolicyViolations(input.NewPassword)...)
	if len(messages) > 0 {
		return validation(messages...)
	}
	return nil
}

func validateProfileInput(input ProfileInput) error {
	if messages := validateStruct(input, profileMessages); len(messages) > 0 {
		return validation(messages...)
	}
	return nil
}

func validateEmailAddress(email string) error {
	if strings.TrimSpace(email) == "" {
		return validation("Email is required.")
	}
	if inputValidator.Var(email, "email") != nil {
		return validation("Invalid email format.")
	}
	return nil
}

func normalizeEmail(email string) string {
	return strings.ToLower(strings.TrimSpace(email))
}
