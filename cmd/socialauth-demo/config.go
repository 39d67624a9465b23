package main

import (
	"fmt"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"
)

// Config is read from SOCIALAUTH_* environment variables
type Config struct {
	Addr     string `env:"SOCIALAUTH_ADDR" envDefault:":8080"`
	GRPCAddr string `env:"SOCIALAUTH_GRPC_ADDR"`
	BaseURL  string `env:"SOCIALAUTH_BASE_URL" envDefault:"http://localhost:8080"`

	// memory, fs, sqlite, redis, postgres or datastore
	Store              string `env:"SOCIALAUTH_STORE" envDefault:"memory"`
	DataDir            string `env:"SOCIALAUTH_DATA_DIR" envDefault:"./data"`
	SQLitePath         string `env:"SOCIALAUTH_SQLITE_PATH" envDefault:"./data/socialauth.db"`
	PostgresDSN        string `env:"SOCIALAUTH_POSTGRES_DSN"`
	RedisAddr          string `env:"SOCIALAUTH_REDIS_ADDR" envDefault:"localhost:6379"`
	RedisPrefix        string `env:"SOCIALAUTH_REDIS_PREFIX"`
	DatastoreProject   string `env:"SOCIALAUTH_DATASTORE_PROJECT"`
	DatastoreNamespace string `env:"SOCIALAUTH_DATASTORE_NAMESPACE"`

	JWTSecret       string        `env:"SOCIALAUTH_JWT_SECRET_KEY"`
	CookieDomains   []string      `env:"SOCIALAUTH_COOKIE_DOMAINS" envSeparator:","`
	SessionLifetime time.Duration `env:"SOCIALAUTH_SESSION_LIFETIME" envDefault:"24h"`
	LoginURL        string        `env:"SOCIALAUTH_LOGIN_URL" envDefault:"/"`
	SendWelcomeMail bool          `env:"SOCIALAUTH_WELCOME_EMAIL" envDefault:"false"`

	OTELEndpoint string `env:"SOCIALAUTH_OTEL_ENDPOINT"`

	Google    OAuthClientConfig `envPrefix:"SOCIALAUTH_GOOGLE_"`
	Github    OAuthClientConfig `envPrefix:"SOCIALAUTH_GITHUB_"`
	Facebook  OAuthClientConfig `envPrefix:"SOCIALAUTH_FACEBOOK_"`
	Bitbucket OAuthClientConfig `envPrefix:"SOCIALAUTH_BITBUCKET_"`
	OIDC      OIDCConfig        `envPrefix:"SOCIALAUTH_OIDC_"`
	SAML      SAMLConfig        `envPrefix:"SOCIALAUTH_SAML_"`
}

type OAuthClientConfig struct {
	ClientID     string `env:"CLIENT_ID"`
	ClientSecret string `env:"CLIENT_SECRET"`
}

func (c OAuthClientConfig) Enabled() bool { return c.ClientID != "" }

type OIDCConfig struct {
	OAuthClientConfig
	Name   string `env:"NAME" envDefault:"oidc"`
	Issuer string `env:"ISSUER"`
}

type SAMLConfig struct {
	Name        string `env:"NAME" envDefault:"saml"`
	MetadataURL string `env:"METADATA_URL"`
	CertFile    string `env:"CERT_FILE" envDefault:"saml_service.cert"`
	KeyFile     string `env:"KEY_FILE" envDefault:"saml_service.key"`
}

func (c SAMLConfig) Enabled() bool { return c.MetadataURL != "" }

func loadConfig() (Config, error) {
	var cfg Config
	if err := env.Parse(&cfg); err != nil {
		return Config{}, fmt.Errorf("parse env: %w", err)
	}
	cfg.BaseURL = strings.TrimSuffix(cfg.BaseURL, "/")
	switch cfg.Store {
	case "memory", "fs", "sqlite", "redis":
	case "postgres":
		if cfg.PostgresDSN == "" {
			return Config{}, fmt.Errorf("SOCIALAUTH_POSTGRES_DSN is required for the postgres store")
		}
	case "datastore":
		if cfg.DatastoreProject == "" {
			return Config{}, fmt.Errorf("SOCIALAUTH_DATASTORE_PROJECT is required for the datastore store")
		}
	default:
		return Config{}, fmt.Errorf("unknown store %q", cfg.Store)
	}
	if cfg.OIDC.Enabled() && cfg.OIDC.Issuer == "" {
		return Config{}, fmt.Errorf("SOCIALAUTH_OIDC_ISSUER is required when an OIDC client id is set")
	}
	return cfg, nil
}

// callbackURL is where a provider mounted under /auth/{name} receives its callback
func (c Config) callbackURL(provider string) string {
	return c.BaseURL + "/auth/" + provider + "/callback/"
}
