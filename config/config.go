package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

const (
	AppName     = "paivakirja"
	EnvFileName = "config.env"
)

// Defaults for the optional settings. The refresh cadence and threshold can
// be overridden per deployment but rarely need to be.
const (
	DefaultRefreshInterval  = 60 * time.Second
	DefaultRefreshThreshold = 5 * time.Minute
	DefaultWatchInterval    = 500 * time.Millisecond
	DefaultHTTPTimeout      = 15 * time.Second
	DefaultScopes           = "openid email profile"
	DefaultDBPath           = "session.db"
)

// Config holds everything the session core needs at startup: where the
// identity provider lives, which OAuth client we are, and the local
// persistence and scheduling knobs.
type Config struct {
	// Identity provider
	Region           string
	Domain           string // hosted auth domain, e.g. auth.example.com
	ClientID         string
	RedirectURI      string
	Scopes           []string
	IdentityProvider string // e.g. "Google", empty for the provider's own login

	// Local persistence
	DBPath   string
	TokenKey string // passphrase for token encryption at rest

	// Scheduling
	RefreshInterval  time.Duration
	RefreshThreshold time.Duration
	WatchInterval    time.Duration
	HTTPTimeout      time.Duration
}

// LoadEnvFile loads environment variables from the config file in the user's
// config directory. Errors are ignored since the file may not exist.
func LoadEnvFile() {
	configBase, err := os.UserConfigDir()
	if err != nil {
		return
	}
	configPath := filepath.Join(configBase, AppName, EnvFileName)
	_ = godotenv.Load(configPath)
}

// FromEnv builds a Config from environment variables, applying defaults for
// the optional settings. Required: IDP_REGION, IDP_DOMAIN, IDP_CLIENT_ID,
// SESSION_TOKEN_KEY.
func FromEnv() (Config, error) {
	cfg := Config{
		Region:           os.Getenv("IDP_REGION"),
		Domain:           os.Getenv("IDP_DOMAIN"),
		ClientID:         os.Getenv("IDP_CLIENT_ID"),
		RedirectURI:      os.Getenv("IDP_REDIRECT_URI"),
		IdentityProvider: os.Getenv("IDP_IDENTITY_PROVIDER"),
		DBPath:           os.Getenv("SESSION_DB_PATH"),
		TokenKey:         os.Getenv("SESSION_TOKEN_KEY"),
	}

	var missing []string
	if cfg.Region == "" {
		missing = append(missing, "IDP_REGION")
	}
	if cfg.Domain == "" {
		missing = append(missing, "IDP_DOMAIN")
	}
	if cfg.ClientID == "" {
		missing = append(missing, "IDP_CLIENT_ID")
	}
	if cfg.TokenKey == "" {
		missing = append(missing, "SESSION_TOKEN_KEY")
	}
	if len(missing) > 0 {
		return Config{}, fmt.Errorf("missing required config: %s", strings.Join(missing, ", "))
	}

	scopes := os.Getenv("IDP_SCOPES")
	if scopes == "" {
		scopes = DefaultScopes
	}
	cfg.Scopes = strings.Fields(scopes)

	if cfg.DBPath == "" {
		cfg.DBPath = DefaultDBPath
	}

	var err error
	if cfg.RefreshInterval, err = durationEnv("SESSION_REFRESH_INTERVAL", DefaultRefreshInterval); err != nil {
		return Config{}, err
	}
	if cfg.RefreshThreshold, err = durationEnv("SESSION_REFRESH_THRESHOLD", DefaultRefreshThreshold); err != nil {
		return Config{}, err
	}
	if cfg.WatchInterval, err = durationEnv("SESSION_WATCH_INTERVAL", DefaultWatchInterval); err != nil {
		return Config{}, err
	}
	if cfg.HTTPTimeout, err = durationEnv("IDP_HTTP_TIMEOUT", DefaultHTTPTimeout); err != nil {
		return Config{}, err
	}

	return cfg, nil
}

func durationEnv(name string, fallback time.Duration) (time.Duration, error) {
	v := os.Getenv(name)
	if v == "" {
		return fallback, nil
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return 0, fmt.Errorf("%s must be a duration like 60s or 5m: %w", name, err)
	}
	if d <= 0 {
		return 0, fmt.Errorf("%s must be positive", name)
	}
	return d, nil
}
