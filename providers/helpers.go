package providers

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"golang.org/x/oauth2"
)

// DefaultRequestTimeout bounds provider calls when the caller's context has no deadline.
const DefaultRequestTimeout = 30 * time.Second

// OAuth2ConfigExchanger is an interface for the Exchange method of oauth2.Config.
type OAuth2ConfigExchanger interface {
	Exchange(ctx context.Context, code string, opts ...oauth2.AuthCodeOption) (*oauth2.Token, error)
}

// ExchangeCodeWithPKCE exchanges an authorization code using the verifier and
// any extra token request parameters (e.g., client_key for providers that
// use a non-standard client identifier name).
func ExchangeCodeWithPKCE(ctx context.Context, config OAuth2ConfigExchanger, httpClient *http.Client, code, verifier string, extra map[string]string) (*oauth2.Token, error) {
	var opts []oauth2.AuthCodeOption

	if verifier != "" {
		opts = append(opts, oauth2.VerifierOption(verifier))
	}
	for k, v := range extra {
		opts = append(opts, oauth2.SetAuthURLParam(k, v))
	}

	if httpClient != nil {
		ctx = context.WithValue(ctx, oauth2.HTTPClient, httpClient)
	}

	token, err := config.Exchange(ctx, code, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to exchange code: %w", err)
	}

	return token, nil
}

// EnsureContextTimeout returns ctx unchanged when it already has a deadline,
// otherwise a derived context bounded by timeout.
func EnsureContextTimeout(ctx context.Context, timeout time.Duration) (context.Context, context.CancelFunc) {
	if _, hasDeadline := ctx.Deadline(); hasDeadline {
		return ctx, func() {}
	}
	if timeout <= 0 {
		timeout = DefaultRequestTimeout
	}
	return context.WithTimeout(ctx, timeout)
}

// MergeRefreshed fills fields the provider omitted from a refresh response
// with values from the previous token. The refresh token is kept when the
// provider does not rotate it.
func MergeRefreshed(previous, refreshed *oauth2.Token) *oauth2.Token {
	if refreshed == nil {
		return nil
	}
	merged := *refreshed
	if previous != nil {
		if merged.RefreshToken == "" {
			merged.RefreshToken = previous.RefreshToken
		}
		if merged.TokenType == "" {
			merged.TokenType = previous.TokenType
		}
	}
	return &merged
}
