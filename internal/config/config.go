// Package config resolves the active environment and loads process
// configuration from the environment, a per-environment .env file, and
// an optional YAML tunables override.
package config

import (
	"errors"
	"fmt"
	"net/url"
	"os"
	"regexp"
	"strconv"
	"strings"

	"github.com/joeshaw/envdecode"
	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"

	"github.com/mccabetrow/dragonfly-api/internal/logging"
)

// ErrCrossEnvironmentCredentials is returned when a production process
// resolves a DSN whose host matches a known development pattern.
var ErrCrossEnvironmentCredentials = errors.New("PROD CONFIG LOADED DEV CREDENTIALS")

// Config is the immutable, fully-resolved process configuration.
type Config struct {
	// ActiveEnv, SupabaseMode, and Environment all carry the same resolved
	// value; kept as three fields because the original system read all
	// three names interchangeably and downstream code depends on each.
	ActiveEnv    string
	SupabaseMode string
	Environment  string

	Host string `env:"HOST,default=0.0.0.0"`
	Port int    `env:"PORT,default=8080"`

	LogLevel  string `env:"LOG_LEVEL,default=info"`
	LogFormat string `env:"LOG_FORMAT,default=json"`

	DatabaseURL   string `env:"DATABASE_URL"`
	SupabaseDBURL string `env:"SUPABASE_DB_URL"` // legacy DSN; warn if used

	SupabaseURL            string `env:"SUPABASE_URL"`
	SupabaseServiceRoleKey string `env:"SUPABASE_SERVICE_ROLE_KEY"`
	SupabaseAnonKey        string `env:"SUPABASE_ANON_KEY"`

	APIKey           string `env:"DRAGONFLY_API_KEY"`
	JWTSecret        string `env:"SUPABASE_JWT_SECRET"`
	CORSOrigins      string `env:"DRAGONFLY_CORS_ORIGINS"`
	CORSPreviewRegex string `env:"DRAGONFLY_CORS_PREVIEW_REGEX"`

	GitSHA          string `env:"GIT_SHA"`
	RenderGitCommit string `env:"RENDER_GIT_COMMIT"`

	Tunables Tunables
}

// Tunables holds the handful of operational knobs operators version in a
// YAML file rather than an env var, since they change with the data
// source rather than the deploy target: the guardian's stuck-batch
// threshold and the ingestion engine's runaway-abort threshold.
type Tunables struct {
	GuardianStaleMinutes int `yaml:"guardian_stale_minutes"`
	IngestAbortThreshold int `yaml:"ingest_abort_threshold"`
}

func defaultTunables() Tunables {
	return Tunables{GuardianStaleMinutes: 5, IngestAbortThreshold: 100}
}

// loadTunables reads path if present; a missing file yields defaults
// rather than an error, matching the env-file loader's tolerance for an
// absent override source.
func loadTunables(path string) (Tunables, error) {
	t := defaultTunables()
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return t, nil
		}
		return t, fmt.Errorf("read %s: %w", path, err)
	}
	if err := yaml.Unmarshal(data, &t); err != nil {
		return t, fmt.Errorf("parse %s: %w", path, err)
	}
	return t, nil
}

var devHostPattern = regexp.MustCompile(`(?i)(localhost|127\.0\.0\.1|\.local$|^db-dev-|-dev\.supabase\.co$)`)

// Load resolves the active environment (explicit param > CLI flag > process
// env > "dev"), loads ".env.<env>" if present (never erroring when it's
// missing), decodes process env into a Config, and runs the cross-
// environment guard.
func Load(explicitEnv, flagEnv string) (*Config, error) {
	env := resolveEnv(explicitEnv, flagEnv)

	envFile := ".env." + env
	if err := godotenv.Load(envFile); err != nil && !os.IsNotExist(err) {
		return nil, fmt.Errorf("load %s: %w", envFile, err)
	}

	cfg := &Config{}
	if err := envdecode.Decode(cfg); err != nil && !errors.Is(err, envdecode.ErrNoTargetFieldsAreSet) {
		return nil, fmt.Errorf("decode environment: %w", err)
	}

	cfg.ActiveEnv = env
	cfg.SupabaseMode = env
	cfg.Environment = env

	if strings.TrimSpace(cfg.DatabaseURL) == "" && strings.TrimSpace(cfg.SupabaseDBURL) != "" {
		logging.Default().Warn("SUPABASE_DB_URL is a legacy setting; using it because DATABASE_URL is unset")
		cfg.DatabaseURL = cfg.SupabaseDBURL
	}

	if err := cfg.guardCrossEnvironment(); err != nil {
		return nil, err
	}

	tunablesPath := strings.TrimSpace(os.Getenv("DRAGONFLY_TUNABLES_FILE"))
	if tunablesPath == "" {
		tunablesPath = "dragonfly.yaml"
	}
	tunables, err := loadTunables(tunablesPath)
	if err != nil {
		return nil, err
	}
	cfg.Tunables = tunables

	return cfg, nil
}

func resolveEnv(explicitEnv, flagEnv string) string {
	if v := strings.TrimSpace(explicitEnv); v != "" {
		return v
	}
	if v := strings.TrimSpace(flagEnv); v != "" {
		return v
	}
	if v := strings.TrimSpace(os.Getenv("DRAGONFLY_ENV")); v != "" {
		return v
	}
	if v := strings.TrimSpace(os.Getenv("ENVIRONMENT")); v != "" {
		return v
	}
	return "dev"
}

// guardCrossEnvironment terminates boot (by returning a fatal error) when a
// production process has resolved a DSN pointing at a development host.
// The symmetric check (dev process, prod DSN) is not required by spec.
func (c *Config) guardCrossEnvironment() error {
	if c.ActiveEnv != "prod" && c.ActiveEnv != "production" {
		return nil
	}
	dsn := strings.TrimSpace(c.DatabaseURL)
	if dsn == "" {
		return nil
	}
	host := dsn
	if u, err := url.Parse(dsn); err == nil && u.Hostname() != "" {
		host = u.Hostname()
	}
	if devHostPattern.MatchString(host) {
		return fmt.Errorf("%w: resolved host matches a development pattern", ErrCrossEnvironmentCredentials)
	}
	return nil
}

// HasDatabaseURL reports whether a DSN was resolved at all. A missing or
// malformed DB URL is a degraded-config condition, not a fatal error.
func (c *Config) HasDatabaseURL() bool {
	return strings.TrimSpace(c.DatabaseURL) != ""
}

// Addr returns the host:port the HTTP server should bind to.
func (c *Config) Addr() string {
	host := strings.TrimSpace(c.Host)
	if host == "" {
		host = "0.0.0.0"
	}
	port := c.Port
	if port == 0 {
		port = 8080
	}
	return host + ":" + strconv.Itoa(port)
}

// CORSOriginList splits the configured allowlist on commas. An empty or
// missing configuration denies all origins.
func (c *Config) CORSOriginList() []string {
	raw := strings.TrimSpace(c.CORSOrigins)
	if raw == "" {
		return nil
	}
	parts := strings.Split(raw, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if v := strings.TrimSpace(p); v != "" {
			out = append(out, v)
		}
	}
	return out
}

// ResolvedSHA returns GIT_SHA, falling back to RENDER_GIT_COMMIT.
func (c *Config) ResolvedSHA() string {
	if v := strings.TrimSpace(c.GitSHA); v != "" {
		return v
	}
	return strings.TrimSpace(c.RenderGitCommit)
}
