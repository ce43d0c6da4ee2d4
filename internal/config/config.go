package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

// Config holds the server configuration, resolved from the environment.
type Config struct {
	Port                int
	MaxConnections      int
	MaxConnectionsPerIP int
	InactivityTimeout   time.Duration
	GlossaryEnabled     bool
	TranslationModel    string // "nmt" | "advanced"
	Project             string
	Location            string
	DBPath              string
	TermsConfig         string
	LogLevel            string
	AppVersion          string

	// CredentialsJSON is set when credentials arrive inline via
	// GOOGLE_APPLICATION_CREDENTIALS_JSON; otherwise CredentialsFile points
	// at the resolved key file.
	CredentialsJSON string
	CredentialsFile string
}

const defaultCredentialsPath = "credentials.json"

// Load resolves configuration from the environment. A .env file in the
// working directory is applied first without overriding real env vars.
func Load() (*Config, error) {
	_ = godotenv.Load()

	v := viper.New()
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	v.SetDefault("port", 8080)
	v.SetDefault("max_connections", 50)
	v.SetDefault("max_connections_per_ip", 5)
	v.SetDefault("inactivity_timeout", "30m")
	v.SetDefault("glossary_enabled", true)
	v.SetDefault("translation_model", "nmt")
	v.SetDefault("db_path", "translations.db")
	v.SetDefault("terms_config", "terms.yaml")
	v.SetDefault("log_level", "info")
	v.SetDefault("app_version", "dev")

	v.BindEnv("port", "PORT")
	v.BindEnv("max_connections", "MAX_CONNECTIONS")
	v.BindEnv("max_connections_per_ip", "MAX_CONNECTIONS_PER_IP")
	v.BindEnv("inactivity_timeout", "INACTIVITY_TIMEOUT")
	v.BindEnv("glossary_enabled", "GLOSSARY_ENABLED")
	v.BindEnv("translation_model", "TRANSLATION_MODEL")
	v.BindEnv("project", "GOOGLE_CLOUD_PROJECT")
	v.BindEnv("location", "GOOGLE_CLOUD_LOCATION")
	v.BindEnv("db_path", "DB_PATH")
	v.BindEnv("terms_config", "TERMS_CONFIG")
	v.BindEnv("log_level", "LOG_LEVEL")
	v.BindEnv("app_version", "APP_VERSION")

	cfg := &Config{
		Port:                v.GetInt("port"),
		MaxConnections:      v.GetInt("max_connections"),
		MaxConnectionsPerIP: v.GetInt("max_connections_per_ip"),
		InactivityTimeout:   v.GetDuration("inactivity_timeout"),
		GlossaryEnabled:     v.GetBool("glossary_enabled"),
		TranslationModel:    v.GetString("translation_model"),
		Project:             v.GetString("project"),
		Location:            v.GetString("location"),
		DBPath:              v.GetString("db_path"),
		TermsConfig:         v.GetString("terms_config"),
		LogLevel:            v.GetString("log_level"),
		AppVersion:          v.GetString("app_version"),
	}

	if cfg.InactivityTimeout <= 0 {
		cfg.InactivityTimeout = 30 * time.Minute
	}
	if cfg.TranslationModel != "nmt" && cfg.TranslationModel != "advanced" {
		return nil, fmt.Errorf("invalid TRANSLATION_MODEL %q (want nmt or advanced)", cfg.TranslationModel)
	}
	if cfg.Project == "" {
		return nil, fmt.Errorf("GOOGLE_CLOUD_PROJECT is required")
	}
	if cfg.Location == "" {
		cfg.Location = "global"
	}

	if err := cfg.resolveCredentials(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// resolveCredentials locates MT/ASR credentials through the three supported
// channels: inline JSON env, file path env, default path.
func (c *Config) resolveCredentials() error {
	if j := os.Getenv("GOOGLE_APPLICATION_CREDENTIALS_JSON"); j != "" {
		c.CredentialsJSON = j
		return nil
	}
	path := os.Getenv("GOOGLE_APPLICATION_CREDENTIALS")
	if path == "" {
		path = defaultCredentialsPath
	}
	if !filepath.IsAbs(path) {
		if wd, err := os.Getwd(); err == nil {
			path = filepath.Join(wd, path)
		}
	}
	if _, err := os.Stat(path); err != nil {
		return fmt.Errorf("no Google credentials: set GOOGLE_APPLICATION_CREDENTIALS_JSON, GOOGLE_APPLICATION_CREDENTIALS, or place %s: %w", defaultCredentialsPath, err)
	}
	c.CredentialsFile = path
	// Google clients pick this up when no explicit option is passed.
	if os.Getenv("GOOGLE_APPLICATION_CREDENTIALS") == "" {
		os.Setenv("GOOGLE_APPLICATION_CREDENTIALS", path)
	}
	return nil
}
