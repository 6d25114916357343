package main

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"
	"gopkg.in/natefinch/lumberjack.v2"
)

const (
	storeFile   = "file"
	storeValkey = "valkey"

	providerBackend = "backend"
	providerDirect  = "direct"
)

// cliEnv holds settings that only the command needs. The OAuth client
// itself is configured by oauth.LoadConfigFromEnv.
type cliEnv struct {
	Store         string `env:"OAUTH_STORE"           envDefault:"file"`
	StoreDir      string `env:"OAUTH_STORE_DIR"`
	SessionSecret string `env:"OAUTH_SESSION_SECRET"`

	ValkeyAddr      string `env:"VALKEY_ADDR"       envDefault:"localhost:6379"`
	ValkeyPassword  string `env:"VALKEY_PASSWORD"`
	ValkeyDB        int    `env:"VALKEY_DB"`
	ValkeyKeyPrefix string `env:"VALKEY_KEY_PREFIX"`

	ProviderMode   string `env:"OAUTH_PROVIDER_MODE"    envDefault:"backend"`
	BackendURL     string `env:"OAUTH_BACKEND_URL"`
	TokenURL       string `env:"OAUTH_TOKEN_URL"`
	UserInfoURL    string `env:"OAUTH_USERINFO_URL"`
	UserInfoFields string `env:"OAUTH_USERINFO_FIELDS"`
	RevocationURL  string `env:"OAUTH_REVOCATION_URL"`
	ProfileLayout  string `env:"OAUTH_PROFILE_LAYOUT"   envDefault:"oidc"`

	LoginTimeout   time.Duration `env:"OAUTH_LOGIN_TIMEOUT"   envDefault:"5m"`
	RefreshTimeout time.Duration `env:"OAUTH_REFRESH_TIMEOUT" envDefault:"30s"`

	LogLevel      string `env:"LOG_LEVEL"        envDefault:"warn"`
	LogFormat     string `env:"LOG_FORMAT"       envDefault:"text"`
	LogFile       string `env:"LOG_FILE"`
	LogMaxSizeMB  int    `env:"LOG_MAX_SIZE_MB"  envDefault:"10"`
	LogMaxBackups int    `env:"LOG_MAX_BACKUPS"  envDefault:"3"`
}

// loadEnv reads .env from the working directory when present, then parses cliEnv.
func loadEnv() (*cliEnv, error) {
	if err := godotenv.Load(); err != nil && !os.IsNotExist(err) {
		return nil, fmt.Errorf("load .env: %w", err)
	}

	var cfg cliEnv
	if err := env.Parse(&cfg); err != nil {
		return nil, fmt.Errorf("parse env: %w", err)
	}

	switch cfg.Store {
	case storeFile, storeValkey:
	default:
		return nil, fmt.Errorf("OAUTH_STORE must be %q or %q, got %q", storeFile, storeValkey, cfg.Store)
	}
	switch cfg.ProviderMode {
	case providerBackend, providerDirect:
	default:
		return nil, fmt.Errorf("OAUTH_PROVIDER_MODE must be %q or %q, got %q", providerBackend, providerDirect, cfg.ProviderMode)
	}

	if cfg.StoreDir == "" {
		dir, err := os.UserConfigDir()
		if err != nil {
			return nil, fmt.Errorf("resolve config dir: %w", err)
		}
		cfg.StoreDir = filepath.Join(dir, "oauth-session")
	}
	return &cfg, nil
}

// setupLogger builds the process logger. With LOG_FILE set, output goes to a
// rotating file so it does not interleave with command output.
func setupLogger(cfg *cliEnv) (*slog.Logger, io.Closer) {
	var level slog.Level
	if err := level.UnmarshalText([]byte(cfg.LogLevel)); err != nil {
		level = slog.LevelWarn
	}

	var (
		w      io.Writer = os.Stderr
		closer io.Closer = io.NopCloser(nil)
	)
	if cfg.LogFile != "" {
		rotating := &lumberjack.Logger{
			Filename:   cfg.LogFile,
			MaxSize:    cfg.LogMaxSizeMB,
			MaxBackups: cfg.LogMaxBackups,
			Compress:   true,
		}
		w, closer = rotating, rotating
	}

	opts := &slog.HandlerOptions{Level: level}
	var handler slog.Handler
	if strings.EqualFold(cfg.LogFormat, "json") {
		handler = slog.NewJSONHandler(w, opts)
	} else {
		handler = slog.NewTextHandler(w, opts)
	}
	return slog.New(handler), closer
}
