package config

import (
	"bytes"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// FileName is the config file looked up in the working directory.
const FileName = "permitflow.yml"

// Config models permitflow.yml.
type Config struct {
	Server   ServerConfig   `yaml:"server"`
	Database DatabaseConfig `yaml:"database"`
	Auth     AuthConfig     `yaml:"auth"`
	Log      LogConfig      `yaml:"log"`
}

type ServerConfig struct {
	Addr            string        `yaml:"addr"`
	BasePath        string        `yaml:"base_path"`
	ReadTimeout     time.Duration `yaml:"read_timeout"`
	WriteTimeout    time.Duration `yaml:"write_timeout"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
}

type DatabaseConfig struct {
	// Driver is "sqlite" or "postgres".
	Driver string `yaml:"driver"`
	// DSN is used verbatim when set.
	DSN string `yaml:"dsn"`
	// Path is the sqlite database file when DSN is empty.
	Path            string        `yaml:"path"`
	MaxOpenConns    int           `yaml:"max_open_conns"`
	MaxIdleConns    int           `yaml:"max_idle_conns"`
	ConnMaxLifetime time.Duration `yaml:"conn_max_lifetime"`
	BusyTimeout     time.Duration `yaml:"busy_timeout"`
}

type AuthConfig struct {
	JWTSecret string        `yaml:"jwt_secret"`
	TokenTTL  time.Duration `yaml:"token_ttl"`
	// DevLogin exposes POST /auth/dev/login.
	DevLogin bool `yaml:"dev_login"`
	// OpenSubmission lets any caller create permits.
	OpenSubmission bool   `yaml:"open_submission"`
	FormName       string `yaml:"form_name"`
}

type LogConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
	Output string `yaml:"output"`
}

// Path returns the config file path for a directory.
func Path(dir string) string {
	if dir == "" {
		dir = "."
	}
	return filepath.Join(dir, FileName)
}

// Default returns the built-in configuration.
func Default() *Config {
	var cfg Config
	_ = yaml.NewDecoder(bytes.NewBufferString(defaultTemplate)).Decode(&cfg)
	return &cfg
}

// GenerateDefault returns default config YAML.
func GenerateDefault() string {
	return defaultTemplate
}

// FromYAML parses YAML over the defaults and validates the result.
func FromYAML(data []byte) (*Config, error) {
	cfg := Default()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("invalid config yaml: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// FromFile reads YAML config from the given path.
func FromFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return FromYAML(data)
}

// LoadOptional returns the defaults if the file does not exist.
func LoadOptional(path string) (*Config, error) {
	cfg, err := FromFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return Default(), nil
		}
		return nil, err
	}
	return cfg, nil
}

// Validate ensures the config meets required structure.
func (c *Config) Validate() error {
	switch c.Database.Driver {
	case "sqlite", "postgres":
	default:
		return fmt.Errorf("config.database.driver must be sqlite or postgres, got %q", c.Database.Driver)
	}
	if c.Database.Driver == "sqlite" && c.Database.DSN == "" && c.Database.Path == "" {
		return fmt.Errorf("config.database.path is required for sqlite")
	}
	if c.Database.MaxOpenConns < 0 || c.Database.MaxIdleConns < 0 {
		return fmt.Errorf("config.database pool sizes must not be negative")
	}
	if c.Server.Addr == "" {
		return fmt.Errorf("config.server.addr is required")
	}
	if c.Server.BasePath != "" && !strings.HasPrefix(c.Server.BasePath, "/") {
		return fmt.Errorf("config.server.base_path must start with /")
	}
	if strings.TrimSpace(c.Auth.FormName) == "" {
		return fmt.Errorf("config.auth.form_name is required")
	}
	switch strings.ToLower(c.Log.Format) {
	case "", "text", "json":
	default:
		return fmt.Errorf("config.log.format must be text or json")
	}
	return nil
}

// ApplyEnv fills unset secrets and connection settings from the environment
// variables used by existing deployments: JWT_SECRET and DB_USER, DB_PASS,
// DB_HOST, DB_PORT, DB_NAME, DB_SSL.
func (c *Config) ApplyEnv(lookup func(string) (string, bool)) {
	if lookup == nil {
		lookup = os.LookupEnv
	}
	if c.Auth.JWTSecret == "" {
		if v, ok := lookup("JWT_SECRET"); ok {
			c.Auth.JWTSecret = v
		}
	}
	if c.Database.Driver == "postgres" && c.Database.DSN == "" {
		c.Database.DSN = postgresDSNFromEnv(lookup)
	}
}

func postgresDSNFromEnv(lookup func(string) (string, bool)) string {
	get := func(key, def string) string {
		if v, ok := lookup(key); ok && v != "" {
			return v
		}
		return def
	}
	u := url.URL{
		Scheme: "postgres",
		User:   url.UserPassword(get("DB_USER", "postgres"), get("DB_PASS", "")),
		Host:   get("DB_HOST", "localhost") + ":" + get("DB_PORT", "5432"),
		Path:   "/" + get("DB_NAME", "postgres"),
	}
	sslmode := "disable"
	switch strings.ToLower(get("DB_SSL", "false")) {
	case "true", "1", "require":
		sslmode = "require"
	}
	u.RawQuery = url.Values{"sslmode": {sslmode}}.Encode()
	return u.String()
}

const defaultTemplate = `server:
  addr: ":8080"
  base_path: /api
  read_timeout: 15s
  write_timeout: 30s
  shutdown_timeout: 5s

database:
  # sqlite or postgres
  driver: sqlite
  # used verbatim when set; for postgres it is otherwise built from DB_* env vars
  dsn: ""
  path: permitflow.db
  max_open_conns: 10
  max_idle_conns: 10
  conn_max_lifetime: 30m
  busy_timeout: 5s

auth:
  # falls back to JWT_SECRET
  jwt_secret: ""
  token_ttl: 12h
  dev_login: false
  open_submission: false
  form_name: LOTO Work Permit

log:
  level: info
  # text or json
  format: text
  output: stderr
`
