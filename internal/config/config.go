package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

type ServerConfig struct {
	Port string `yaml:"port"`
}

type DatabaseConfig struct {
	Path string `yaml:"path"`
}

type AuthConfig struct {
	JWTSecret string `yaml:"jwt_secret"`
	TokenTTL  int    `yaml:"token_ttl_hours"`
}

type GoogleConfig struct {
	ClientID     string `yaml:"client_id"`
	ClientSecret string `yaml:"client_secret"`
	// TokenURL overrides Google's token endpoint when set.
	TokenURL string `yaml:"token_url"`
}

type MicrosoftConfig struct {
	ClientID     string `yaml:"client_id"`
	ClientSecret string `yaml:"client_secret"`
	Tenant       string `yaml:"tenant"`
}

type OracleConfig struct {
	BaseURL string `yaml:"base_url"`
	APIKey  string `yaml:"api_key"`
	Model   string `yaml:"model"`
}

type NATSConfig struct {
	URL string `yaml:"url"`
}

type SyncConfig struct {
	MaxResults     int `yaml:"max_results"`
	StaleAfterMins int `yaml:"stale_after_minutes"`
}

type Config struct {
	Server    ServerConfig    `yaml:"server"`
	Database  DatabaseConfig  `yaml:"database"`
	Auth      AuthConfig      `yaml:"auth"`
	Google    GoogleConfig    `yaml:"google"`
	Microsoft MicrosoftConfig `yaml:"microsoft"`
	Oracle    OracleConfig    `yaml:"oracle"`
	NATS      NATSConfig      `yaml:"nats"`
	Sync      SyncConfig      `yaml:"sync"`
}

// StaleAfter returns how long a syncing account may sit untouched
// before a new cycle is allowed to take it over.
func (c *Config) StaleAfter() time.Duration {
	return time.Duration(c.Sync.StaleAfterMins) * time.Minute
}

// Load reads the yaml config file and applies environment overrides.
func Load(path string) (*Config, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open config %s: %w", path, err)
	}
	defer f.Close()

	cfg := defaults()
	if err := yaml.NewDecoder(f).Decode(cfg); err != nil {
		return nil, fmt.Errorf("decode config %s: %w", path, err)
	}

	overrideFromEnv(cfg)
	return cfg, nil
}

func defaults() *Config {
	return &Config{
		Server:    ServerConfig{Port: "8080"},
		Database:  DatabaseConfig{Path: "data/jobtrail.db"},
		Auth:      AuthConfig{TokenTTL: 24},
		Microsoft: MicrosoftConfig{Tenant: "common"},
		Oracle:    OracleConfig{Model: "gpt-3.5-turbo"},
		NATS:      NATSConfig{URL: "nats://localhost:4222"},
		Sync:      SyncConfig{MaxResults: 500, StaleAfterMins: 30},
	}
}

func overrideFromEnv(cfg *Config) {
	if port := os.Getenv("SERVER_PORT"); port != "" {
		cfg.Server.Port = port
	}
	if path := os.Getenv("DB_PATH"); path != "" {
		cfg.Database.Path = path
	}
	if secret := os.Getenv("JWT_SECRET"); secret != "" {
		cfg.Auth.JWTSecret = secret
	}
	if id := os.Getenv("GOOGLE_CLIENT_ID"); id != "" {
		cfg.Google.ClientID = id
	}
	if secret := os.Getenv("GOOGLE_CLIENT_SECRET"); secret != "" {
		cfg.Google.ClientSecret = secret
	}
	if id := os.Getenv("MICROSOFT_CLIENT_ID"); id != "" {
		cfg.Microsoft.ClientID = id
	}
	if secret := os.Getenv("MICROSOFT_CLIENT_SECRET"); secret != "" {
		cfg.Microsoft.ClientSecret = secret
	}
	if tenant := os.Getenv("MICROSOFT_TENANT_ID"); tenant != "" {
		cfg.Microsoft.Tenant = tenant
	}
	if url := os.Getenv("ORACLE_BASE_URL"); url != "" {
		cfg.Oracle.BaseURL = url
	}
	if key := os.Getenv("ORACLE_API_KEY"); key != "" {
		cfg.Oracle.APIKey = key
	}
	if url := os.Getenv("NATS_URL"); url != "" {
		cfg.NATS.URL = url
	}
	if max := os.Getenv("SYNC_MAX_RESULTS"); max != "" {
		if n, err := strconv.Atoi(max); err == nil {
			cfg.Sync.MaxResults = n
		}
	}
}
