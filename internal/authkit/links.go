package authkit

import (
	"net/url"
	"strings"
)

// DefaultFrontendBaseURL is where mailed links point when nothing is configured.
const DefaultFrontendBaseURL = "http://localhost:4200"

const (
	resetPasswordPath      = "/reset-password"
	confirmEmailPath       = "/confirm-email"
	changeEmailConfirmPath = "/settings/change-email/change-email-confirmation"
)

type linkBuilder struct {
	baseURL string
}

func newLinkBuilder(baseURL string) linkBuilder {
	trimmed := strings.TrimRight(strings.TrimSpace(baseURL), "/")
	if trimmed == "" {
		trimmed = DefaultFrontendBaseURL
	}
	return linkBuilder{baseURL: trimmed}
}

// build appends userId and the already URL-encoded token.
func (builder linkBuilder) build(path string, token PurposeToken, extra url.Values) string {
	var link strings.Builder
	link.WriteString(builder.baseURL)
	link.WriteString(path)
	link.WriteString("?userId=")
	link.WriteString(url.QueryEscape(token.UserID))
	link.WriteString("&token=")
	link.WriteString(token.Token)
	if len(extra) > 0 {
		link.WriteString("&")
		link.WriteString(extra.Encode())
	}
	return link.String()
}

func (builder linkBuilder) resetPassword(token PurposeToken) string {
	return builder.build(resetPasswordPath, token, nil)
}

func (builder linkBuilder) confirmEmail(token PurposeToken) string {
	return builder.build(confirmEmailPath, token, nil)
}

func (builder linkBuilder) changeEmail(token PurposeToken, newEmail string) string {
	return builder.build(changeEmailConfirmPath, token, url.Values{"newEmail": []string{newEmail}})
}
