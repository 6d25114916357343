package session

import (
	"time"

	"github.com/golang-jwt/jwt/v5"
	"golang.org/x/oauth2"
)

// ExpiryFromJWT returns the exp claim of a JWT access token without verifying
// its signature. The result is only used to schedule a refresh; the resource
// server remains the authority on validity. ok is false for opaque tokens and
// tokens without exp.
func ExpiryFromJWT(accessToken string) (expiry time.Time, ok bool) {
	claims := jwt.MapClaims{}
	if _, _, err := jwt.NewParser().ParseUnverified(accessToken, claims); err != nil {
		return time.Time{}, false
	}
	exp, err := claims.GetExpirationTime()
	if err != nil || exp == nil {
		return time.Time{}, false
	}
	return exp.Time, true
}

// tokenExpiry prefers the provider's expires_in and falls back to the JWT claim.
func tokenExpiry(token *oauth2.Token) time.Time {
	if !token.Expiry.IsZero() {
		return token.Expiry
	}
	if exp, ok := ExpiryFromJWT(token.AccessToken); ok {
		return exp
	}
	return time.Time{}
}
