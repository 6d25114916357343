package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"strings"

	oauth "github.com/giantswarm/oauth-session"
	"github.com/giantswarm/oauth-session/providers"
	"github.com/giantswarm/oauth-session/providers/backend"
	"github.com/giantswarm/oauth-session/providers/direct"
	"github.com/giantswarm/oauth-session/security"
	"github.com/giantswarm/oauth-session/session"
	"github.com/giantswarm/oauth-session/storage"
	"github.com/giantswarm/oauth-session/storage/file"
	"github.com/giantswarm/oauth-session/storage/valkey"
)

// sessionKeySalt binds derived keys to this command.
var sessionKeySalt = []byte("oauth-login")

// app is the wired set of components shared by all subcommands.
type app struct {
	env      *cliEnv
	logger   *slog.Logger
	config   *oauth.Config
	store    storage.Store
	files    *file.Store // nil unless OAUTH_STORE=file
	sessions *session.Manager
	client   *oauth.Client
	closers  []func()
}

func newApp(ctx context.Context, cfg *cliEnv, logger *slog.Logger) (*app, error) {
	oauthCfg, err := oauth.LoadConfigFromEnv()
	if err != nil {
		return nil, err
	}
	oauthCfg.Logger = logger

	a := &app{env: cfg, logger: logger, config: oauthCfg}

	key, err := a.sessionKey()
	if err != nil {
		return nil, err
	}
	enc, err := security.NewEncryptor(key)
	if err != nil {
		return nil, fmt.Errorf("create encryptor: %w", err)
	}

	if err := a.openStore(enc); err != nil {
		return nil, err
	}

	provider, err := a.newProvider()
	if err != nil {
		a.Close()
		return nil, err
	}
	if oauthCfg.ProviderName == "" {
		oauthCfg.ProviderName = provider.Name()
	}

	a.sessions = session.New(provider, a.store, &session.Config{
		RefreshTimeout: cfg.RefreshTimeout,
		Auditor:        security.NewAuditor(logger, oauthCfg.Security.EnableAuditLogging),
	}, logger)
	if err := a.sessions.Load(ctx); err != nil {
		a.Close()
		return nil, fmt.Errorf("load session: %w", err)
	}

	a.client, err = oauth.NewClient(provider, a.store, a.sessions, oauthCfg)
	if err != nil {
		a.Close()
		return nil, err
	}
	return a, nil
}

// sessionKey picks the at-rest key: an explicit OAUTH_ENCRYPTION_KEY wins,
// otherwise one is derived from OAUTH_SESSION_SECRET. With neither set,
// records are stored in plain text.
func (a *app) sessionKey() ([]byte, error) {
	if len(a.config.Security.EncryptionKey) > 0 {
		return a.config.Security.EncryptionKey, nil
	}
	if a.env.SessionSecret == "" {
		return nil, nil
	}
	key, err := security.DeriveKey([]byte(a.env.SessionSecret), sessionKeySalt, security.SessionKeyInfo)
	if err != nil {
		return nil, fmt.Errorf("invalid OAUTH_SESSION_SECRET: %w", err)
	}
	return key, nil
}

func (a *app) openStore(enc *security.Encryptor) error {
	switch a.env.Store {
	case storeValkey:
		store, err := valkey.New(valkey.Config{
			Address:       a.env.ValkeyAddr,
			Password:      a.env.ValkeyPassword,
			DB:            a.env.ValkeyDB,
			KeyPrefix:     a.env.ValkeyKeyPrefix,
			PendingMaxAge: a.config.PendingMaxAge,
			Logger:        a.logger,
		})
		if err != nil {
			return fmt.Errorf("connect to valkey: %w", err)
		}
		store.SetEncryptor(enc)
		a.store = store
		a.closers = append(a.closers, store.Close)
	default:
		store, err := file.New(a.env.StoreDir, a.config.PendingMaxAge)
		if err != nil {
			return err
		}
		store.SetLogger(a.logger)
		store.SetEncryptor(enc)
		a.store = store
		a.files = store
	}
	return nil
}

func (a *app) newProvider() (providers.Provider, error) {
	switch a.env.ProviderMode {
	case providerDirect:
		fields := direct.DefaultProfileFields
		if strings.EqualFold(a.env.ProfileLayout, "tiktok") {
			fields = direct.TikTokProfileFields
		}
		var query url.Values
		if a.env.UserInfoFields != "" {
			query = url.Values{"fields": {a.env.UserInfoFields}}
		}
		return direct.NewProvider(&direct.Config{
			Name:          a.config.ProviderName,
			ClientID:      a.config.ClientID,
			ClientIDParam: a.config.ClientIDParam,
			TokenURL:      a.env.TokenURL,
			UserInfoURL:   a.env.UserInfoURL,
			UserInfoQuery: query,
			ProfileFields: &fields,
			RevocationURL: a.env.RevocationURL,
			Logger:        a.logger,
		})
	default:
		if a.env.BackendURL == "" {
			return nil, errors.New("OAUTH_BACKEND_URL is required in backend mode")
		}
		return backend.NewProvider(&backend.Config{
			BaseURL:      a.env.BackendURL,
			ProviderName: a.config.ProviderName,
			Logger:       a.logger,
		})
	}
}

// Close releases store connections.
func (a *app) Close() {
	for _, fn := range a.closers {
		fn()
	}
	a.closers = nil
}
