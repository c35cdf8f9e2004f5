package authkit

import (
	"errors"

	"github.com/gin-gonic/gin"
	"github.com/tyemirov/unifyauth/pkg/sessionvalidator"
)

const contextKeyClaims = "auth_claims"

// RequireAccessToken validates the bearer access token and injects its claims.
func RequireAccessToken(validator *sessionvalidator.Validator) gin.HandlerFunc {
	return func(contextGin *gin.Context) {
		claims, err := validator.ValidateRequest(contextGin.Request)
		if err != nil {
			message := "Invalid access token"
			switch {
			case errors.Is(err, sessionvalidator.ErrMissingToken):
				message = "Access token is required"
			case errors.Is(err, sessionvalidator.ErrTokenExpired):
				message = "Access token expired"
			}
			writeError(contextGin, unauthorized(message))
			contextGin.Abort()
			return
		}
		contextGin.Set(contextKeyClaims, claims)
		contextGin.Next()
	}
}

func authenticatedUserID(contextGin *gin.Context) string {
	value, exists := contextGin.Get(contextKeyClaims)
	if !exists {
		return ""
	}
	claims, ok := value.(*sessionvalidator.Claims)
	if !ok {
		return ""
	}
	return claims.GetUserID()
}
