package config

import (
	"fmt"
	"log"
	"strings"

	"github.com/spf13/viper"
)

// devSigningKey is minted into the configuration when no OIDC_SIGNING_KEY
// is provided in development. It must never survive into production; see
// Validate.
const devSigningKey = "sandbox-development-signing-key"

type Config struct {
	Port            string   `mapstructure:"PORT"`
	Env             string   `mapstructure:"ENV"`
	DatabaseURL     string   `mapstructure:"DATABASE_URL"`
	DBMaxConns      int32    `mapstructure:"DB_MAX_CONNS"`
	DBMinConns      int32    `mapstructure:"DB_MIN_CONNS"`
	Issuer          string   `mapstructure:"OIDC_ISSUER"`
	SigningKey      string   `mapstructure:"OIDC_SIGNING_KEY"`
	AdminToken      string   `mapstructure:"SANDBOX_ADMIN_TOKEN"`
	CredentialsPath string   `mapstructure:"AUTH_CREDENTIALS_PATH"`
	FHIRDataDir     string   `mapstructure:"FHIR_DATA_DIR"`
	CORSOrigins     []string `mapstructure:"CORS_ORIGINS"`
}

func Load() (*Config, error) {
	v := viper.New()
	v.SetConfigFile(".env")
	v.AutomaticEnv()

	// Defaults
	v.SetDefault("PORT", "8000")
	v.SetDefault("ENV", "development")
	v.SetDefault("DB_MAX_CONNS", 20)
	v.SetDefault("DB_MIN_CONNS", 5)
	v.SetDefault("OIDC_ISSUER", "http://localhost:8000/oauth2")
	v.SetDefault("AUTH_CREDENTIALS_PATH", "data/auth/credentials.json")
	v.SetDefault("FHIR_DATA_DIR", "data/fhir")
	v.SetDefault("CORS_ORIGINS", "http://localhost:3000")

	// Bind env vars explicitly so Unmarshal picks them up
	v.BindEnv("PORT")
	v.BindEnv("ENV")
	v.BindEnv("DATABASE_URL")
	v.BindEnv("DB_MAX_CONNS")
	v.BindEnv("DB_MIN_CONNS")
	v.BindEnv("OIDC_ISSUER")
	v.BindEnv("OIDC_SIGNING_KEY")
	v.BindEnv("SANDBOX_ADMIN_TOKEN")
	v.BindEnv("AUTH_CREDENTIALS_PATH")
	v.BindEnv("FHIR_DATA_DIR")
	v.BindEnv("CORS_ORIGINS")

	// Try reading .env file, but don't fail if missing
	_ = v.ReadInConfig()

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	if cfg.CORSOrigins == nil {
		origins := v.GetString("CORS_ORIGINS")
		if origins != "" {
			cfg.CORSOrigins = strings.Split(origins, ",")
		}
	}

	if cfg.SigningKey == "" && cfg.IsDev() {
		cfg.SigningKey = devSigningKey
		log.Println("WARNING: OIDC_SIGNING_KEY not set; using the built-in development key.")
		log.Println("WARNING: Tokens signed with this key are forgeable. Do NOT use in production.")
	}

	if cfg.DatabaseURL == "" {
		log.Println("INFO: DATABASE_URL not set; token state will be held in memory and lost on restart.")
	}

	return cfg, nil
}

func (c *Config) IsDev() bool {
	return c.Env == "development"
}

// IsProduction returns true when the server is configured for production mode.
func (c *Config) IsProduction() bool {
	return c.Env == "production"
}

// Validate checks that the configuration is safe to run. Production
// requires an explicit signing key (the development fallback is rejected)
// and an admin token, since the admin API is disabled without one.
func (c *Config) Validate() error {
	if c.Issuer == "" {
		return fmt.Errorf("OIDC_ISSUER must not be empty")
	}
	if !strings.HasPrefix(c.Issuer, "http://") && !strings.HasPrefix(c.Issuer, "https://") {
		return fmt.Errorf("OIDC_ISSUER must be an absolute http(s) URL, got %q", c.Issuer)
	}

	if c.IsProduction() {
		if c.SigningKey == "" || c.SigningKey == devSigningKey {
			return fmt.Errorf("OIDC_SIGNING_KEY is required in production")
		}
		if c.AdminToken == "" {
			return fmt.Errorf("SANDBOX_ADMIN_TOKEN is required in production")
		}
		if c.DatabaseURL == "" {
			return fmt.Errorf("DATABASE_URL is required in production; the in-memory store is development-only")
		}
	}

	if c.CredentialsPath == "" {
		return fmt.Errorf("AUTH_CREDENTIALS_PATH must not be empty")
	}
	if c.FHIRDataDir == "" {
		return fmt.Errorf("FHIR_DATA_DIR must not be empty")
	}

	return nil
}
