package config

import (
	"fmt"
	"os"
	"sort"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// DefaultModels is the model selector offered when none is configured.
// The first entry is the default selection.
var DefaultModels = []string{
	"gemini-2.5-pro",
	"gemini-2.5-flash",
	"gemini-1.5-flash-latest",
	"gemini-1.5-pro-latest",
}

// DevHMACKey is the pseudonymization key used when none is configured. It
// is only accepted in development.
const DevHMACKey = "dev-hmac-key-change-in-production"

type Config struct {
	Server       ServerConfig
	Auth         AuthConfig
	Clinic       ClinicConfig
	AI           AIConfig
	Audit        AuditConfig
	Log          LogConfig
	Environments []EnvironmentConfig
	Credentials  CredentialsConfig
}

type ServerConfig struct {
	Port           int
	Env            string
	RateLimitRPS   int
	RateLimitBurst int
}

// AuthConfig protects the dashboard API itself. It has nothing to do with
// the clinic API credentials.
type AuthConfig struct {
	Enabled   bool
	JWTSecret string
}

type ClinicConfig struct {
	AuthTimeout  time.Duration
	FetchTimeout time.Duration
}

type AIConfig struct {
	APIKey          string
	Models          []string
	Timeout         time.Duration
	Temperature     float32
	MaxOutputTokens int32
}

// Verified reports whether a summarization credential is available.
func (a AIConfig) Verified() bool {
	return strings.TrimSpace(a.APIKey) != ""
}

// AuditConfig selects where the action trail is written.
type AuditConfig struct {
	// Sink: "log", "postgres" or "eventstore"
	Sink          string
	DatabaseURL   string
	EventStoreURL string
	Stream        string
	// HMACKey pseudonymizes patient identifiers before they are recorded
	HMACKey string
}

type LogConfig struct {
	Level string
}

// EnvironmentConfig is one named clinic API deployment.
type EnvironmentConfig struct {
	Key         string
	DisplayName string
	APIBaseURL  string
}

// CredentialsConfig holds the default clinic API credentials shown to the user.
type CredentialsConfig struct {
	Username string
	Password string
}

func (c *Config) IsDev() bool {
	return c.Server.Env == "development"
}

// Environment finds an environment by key or display name.
func (c *Config) Environment(name string) (EnvironmentConfig, bool) {
	for _, env := range c.Environments {
		if env.Key == name || env.DisplayName == name {
			return env, true
		}
	}
	return EnvironmentConfig{}, false
}

// Load reads MRDASH_* environment variables and the secrets file they point to.
func Load() (*Config, error) {
	v := viper.New()
	v.SetEnvPrefix("MRDASH")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	setDefaults(v)

	cfg := &Config{
		Server: ServerConfig{
			Port:           v.GetInt("server.port"),
			Env:            v.GetString("server.env"),
			RateLimitRPS:   v.GetInt("server.rate_limit_rps"),
			RateLimitBurst: v.GetInt("server.rate_limit_burst"),
		},
		Auth: AuthConfig{
			Enabled:   v.GetBool("auth.enabled"),
			JWTSecret: v.GetString("auth.jwt_secret"),
		},
		Clinic: ClinicConfig{
			AuthTimeout:  v.GetDuration("clinic.auth_timeout"),
			FetchTimeout: v.GetDuration("clinic.fetch_timeout"),
		},
		AI: AIConfig{
			APIKey:          v.GetString("ai.api_key"),
			Models:          splitList(v.GetStringSlice("ai.models")),
			Timeout:         v.GetDuration("ai.timeout"),
			Temperature:     float32(v.GetFloat64("ai.temperature")),
			MaxOutputTokens: v.GetInt32("ai.max_output_tokens"),
		},
		Audit: AuditConfig{
			Sink:          v.GetString("audit.sink"),
			DatabaseURL:   v.GetString("audit.database_url"),
			EventStoreURL: v.GetString("audit.eventstore_url"),
			Stream:        v.GetString("audit.stream"),
			HMACKey:       v.GetString("audit.hmac_key"),
		},
		Log: LogConfig{
			Level: v.GetString("log.level"),
		},
	}

	if len(cfg.AI.Models) == 0 {
		cfg.AI.Models = DefaultModels
	}

	secrets, err := LoadSecrets(v.GetString("secrets_file"))
	if err != nil {
		return nil, err
	}
	cfg.Environments = secrets.Environments
	cfg.Credentials = secrets.Credentials
	if cfg.AI.APIKey == "" {
		cfg.AI.APIKey = secrets.GoogleAPIKey
	}
	if cfg.AI.APIKey == "" {
		cfg.AI.APIKey = os.Getenv("GOOGLE_API_KEY")
	}

	return cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("secrets_file", "secrets.toml")

	v.SetDefault("server.port", 8080)
	v.SetDefault("server.env", "development")
	v.SetDefault("server.rate_limit_rps", 10)
	v.SetDefault("server.rate_limit_burst", 20)

	v.SetDefault("auth.enabled", false)
	v.SetDefault("auth.jwt_secret", "")

	v.SetDefault("clinic.auth_timeout", 30*time.Second)
	v.SetDefault("clinic.fetch_timeout", 60*time.Second)

	v.SetDefault("ai.api_key", "")
	v.SetDefault("ai.models", []string{})
	v.SetDefault("ai.timeout", 10*time.Minute)
	v.SetDefault("ai.temperature", 0.2)
	v.SetDefault("ai.max_output_tokens", 8192)

	v.SetDefault("audit.sink", "log")
	v.SetDefault("audit.database_url", "")
	v.SetDefault("audit.eventstore_url", "esdb://localhost:2113?tls=false")
	v.SetDefault("audit.stream", "mrdash-audit")
	v.SetDefault("audit.hmac_key", DevHMACKey)

	v.SetDefault("log.level", "info")
}

// Secrets is the content of the TOML secrets file.
type Secrets struct {
	Environments []EnvironmentConfig
	Credentials  CredentialsConfig
	GoogleAPIKey string
}

// LoadSecrets reads a TOML secrets file. Every table that carries both
// display_name and api_base_url is an environment; environments are sorted
// by display name so the first one is the default selection.
//
//	GOOGLE_API_KEY = "..."
//
//	[api_credentials]
//	username = "..."
//	password = "..."
//
//	[prod]
//	display_name = "Production"
//	api_base_url = "https://crm.example.com/"
func LoadSecrets(path string) (*Secrets, error) {
	s := viper.New()
	s.SetConfigFile(path)
	s.SetConfigType("toml")

	if err := s.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("failed to read secrets file %s: %w", path, err)
	}

	secrets := &Secrets{
		Credentials: CredentialsConfig{
			Username: s.GetString("api_credentials.username"),
			Password: s.GetString("api_credentials.password"),
		},
		GoogleAPIKey: s.GetString("google_api_key"),
	}

	for key, value := range s.AllSettings() {
		section, ok := value.(map[string]any)
		if !ok {
			continue
		}
		name, _ := section["display_name"].(string)
		baseURL, _ := section["api_base_url"].(string)
		if name == "" || baseURL == "" {
			continue
		}
		secrets.Environments = append(secrets.Environments, EnvironmentConfig{
			Key:         key,
			DisplayName: name,
			APIBaseURL:  baseURL,
		})
	}

	sort.Slice(secrets.Environments, func(i, j int) bool {
		return secrets.Environments[i].DisplayName < secrets.Environments[j].DisplayName
	})

	return secrets, nil
}

// Validate checks that the configuration can run a session.
func (c *Config) Validate() error {
	if len(c.Environments) == 0 {
		return fmt.Errorf("no valid environments found in secrets file (need display_name and api_base_url)")
	}
	switch c.Audit.Sink {
	case "log":
	case "postgres":
		if c.Audit.DatabaseURL == "" {
			return fmt.Errorf("audit sink postgres requires MRDASH_AUDIT_DATABASE_URL")
		}
	case "eventstore":
		if c.Audit.EventStoreURL == "" {
			return fmt.Errorf("audit sink eventstore requires MRDASH_AUDIT_EVENTSTORE_URL")
		}
	default:
		return fmt.Errorf("unknown audit sink %q (expected log, postgres or eventstore)", c.Audit.Sink)
	}
	if !c.IsDev() && (c.Audit.HMACKey == "" || c.Audit.HMACKey == DevHMACKey) {
		return fmt.Errorf("MRDASH_AUDIT_HMAC_KEY must be set to a private key outside development")
	}
	if c.Auth.Enabled && c.Auth.JWTSecret == "" {
		return fmt.Errorf("auth is enabled but MRDASH_AUTH_JWT_SECRET is empty")
	}
	if c.Clinic.AuthTimeout <= 0 || c.Clinic.FetchTimeout <= 0 || c.AI.Timeout <= 0 {
		return fmt.Errorf("timeouts must be positive")
	}
	return nil
}

// splitList accepts both repeated values and a single comma-separated value.
func splitList(values []string) []string {
	var result []string
	for _, value := range values {
		for _, part := range strings.Split(value, ",") {
			if trimmed := strings.TrimSpace(part); trimmed != "" {
				result = append(result, trimmed)
			}
		}
	}
	return result
}
