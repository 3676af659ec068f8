package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// ProviderConfig is the static, administrator-controlled configuration for
// one external identity provider. Endpoint fields override values fetched
// from the provider's discovery document; everything else is merged on top
// of discovery at resolution time.
type ProviderConfig struct {
	Issuer       string   `mapstructure:"issuer"`
	ClientID     string   `mapstructure:"client_id"`
	ClientSecret string   `mapstructure:"client_secret"`
	Scopes       []string `mapstructure:"scopes"`

	// LinkLifetime bounds how long a link stays valid before the refresh
	// job must renew it.
	LinkLifetime time.Duration `mapstructure:"link_lifetime"`

	// Endpoint overrides. Empty fields fall back to discovery.
	AuthorizationEndpoint string `mapstructure:"authorization_endpoint"`
	TokenEndpoint         string `mapstructure:"token_endpoint"`
	UserInfoEndpoint      string `mapstructure:"user_info_endpoint"`
	RevocationEndpoint    string `mapstructure:"revocation_endpoint"`
	JWKSEndpoint          string `mapstructure:"jwks_endpoint"`

	// ExternalIDClaim names the user-info claim carrying the user's
	// identifier at the provider. Defaults to "preferred_username".
	ExternalIDClaim string `mapstructure:"external_id_claim"`

	// UseDistributedLock routes this provider's access-token retrieval
	// through the distributed lock. Set it for provider families whose
	// refresh tokens are single-use, where two concurrent exchanges would
	// destroy each other's credentials.
	UseDistributedLock bool `mapstructure:"use_distributed_lock"`
}

// Config holds all configuration for the server.
type Config struct {
	HTTPPort    string `mapstructure:"http_port"`
	LogLevel    string `mapstructure:"log_level"`
	LogPretty   bool   `mapstructure:"log_pretty"`
	MongoURI    string `mapstructure:"mongo_uri"`
	MongoDBName string `mapstructure:"mongo_db_name"`
	RedisAddr   string `mapstructure:"redis_addr"`

	// ProviderTimeout caps every outbound call to a provider (discovery,
	// token exchange, key retrieval).
	ProviderTimeout time.Duration `mapstructure:"provider_timeout"`

	// RefreshInterval is how often the background job looks for links to
	// refresh; RefreshWindow is how far ahead of expiry it acts.
	RefreshInterval time.Duration `mapstructure:"refresh_interval"`
	RefreshWindow   time.Duration `mapstructure:"refresh_window"`

	// AllowedJWKSURIs is the allow-list of trusted key-set URLs for tokens
	// that carry a jku header. A jku not on this list fails decoding
	// closed; the list is a security boundary, not a convenience.
	AllowedJWKSURIs []string `mapstructure:"allowed_jwks_uris"`

	Providers map[string]ProviderConfig `mapstructure:"providers"`
}

// LoadConfig reads configuration from file, environment variables, and
// defaults.
func LoadConfig() (*Config, error) {
	v := viper.New()

	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath("/etc/externalcreds/")
	v.AddConfigPath("$HOME/.externalcreds")
	v.AddConfigPath(".")

	v.AutomaticEnv()
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	v.SetDefault("http_port", "8080")
	v.SetDefault("log_level", "info")
	v.SetDefault("log_pretty", false)
	v.SetDefault("mongo_uri", "mongodb://localhost:27017/externalcreds")
	v.SetDefault("mongo_db_name", "externalcreds")
	v.SetDefault("provider_timeout", 30*time.Second)
	v.SetDefault("refresh_interval", 5*time.Minute)
	v.SetDefault("refresh_window", 30*time.Minute)

	if err := v.ReadInConfig(); err != nil {
		// A missing config file is fine, we run on env vars and defaults.
		// Anything else (malformed yaml, permissions) is a real error.
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("error reading config file: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unable to decode config into struct: %w", err)
	}

	applyProviderDefaults(&cfg)

	return &cfg, nil
}

func applyProviderDefaults(cfg *Config) {
	for name, p := range cfg.Providers {
		if p.ExternalIDClaim == "" {
			p.ExternalIDClaim = "preferred_username"
		}
		if p.LinkLifetime == 0 {
			p.LinkLifetime = 30 * 24 * time.Hour
		}
		cfg.Providers[name] = p
	}
}
