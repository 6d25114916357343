// Package providers defines the Provider interface and the Profile type.
//
// A Provider carries out the server-facing steps of the PKCE login flow:
// exchanging an authorization code together with its code verifier,
// refreshing access tokens and logging out. The authorization redirect itself
// is built by the oauth package from configuration, so providers never see
// the state token.
//
// Implementations are provided in subpackages:
//   - providers/backend: a first-party backend that brokers the provider
//     (POST /auth/oauth/{provider}/callback, /auth/refresh, /auth/logout)
//   - providers/direct: talks to the provider's token endpoint directly
//     using golang.org/x/oauth2
//   - providers/mock: configurable mock for tests
//
// Example usage:
//
//	provider, err := backend.NewProvider(&backend.Config{
//	    BaseURL:      "https://api.example.com",
//	    ProviderName: "tiktok",
//	})
//	if err != nil {
//	    log.Fatal(err)
//	}
//
//	client, _ := oauth.NewClient(provider, pendingStore, manager, config, logger)
package providers
