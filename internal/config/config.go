package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/pelletier/go-toml/v2"
)

// fileConfig mirrors PanelConfig with durations spelled as strings ("5s", "1m").
type fileConfig struct {
	HTTPPort       *string  `toml:"http_port"`
	DBDriver       *string  `toml:"db_driver"`
	DBDSN          *string  `toml:"db_dsn"`
	AutoMigrate    *bool    `toml:"auto_migrate"`
	SessionSecret  *string  `toml:"session_secret"`
	TLSCertFile    *string  `toml:"tls_cert_file"`
	TLSKeyFile     *string  `toml:"tls_key_file"`
	LogLevel       *string  `toml:"log_level"`
	FocusInterval  *string  `toml:"focus_interval"`
	RosterInterval *string  `toml:"roster_interval"`
	PollTimeout    *string  `toml:"poll_timeout"`
	CommandTimeout *string  `toml:"command_timeout"`
	AdminUser      *string  `toml:"admin_user"`
	AdminPassword  *string  `toml:"admin_password"`
	TrustedProxies []string `toml:"trusted_proxies"`
}

// PanelConfig holds process-level settings. Fleet-wide settings live in the database.
type PanelConfig struct {
	HTTPPort       string
	DBDriver       string
	DBDSN          string
	AutoMigrate    bool
	SessionSecret  string
	TLSCertFile    string
	TLSKeyFile     string
	LogLevel       string
	FocusInterval  time.Duration
	RosterInterval time.Duration
	PollTimeout    time.Duration
	CommandTimeout time.Duration
	AdminUser      string
	AdminPassword  string
	// TrustedProxies may set X-Forwarded-For; empty trusts none.
	TrustedProxies []string
}

func Default() *PanelConfig {
	return &PanelConfig{
		HTTPPort:       "3446",
		DBDriver:       "sqlite",
		AutoMigrate:    true,
		LogLevel:       "info",
		FocusInterval:  5 * time.Second,
		RosterInterval: 30 * time.Second,
		PollTimeout:    5 * time.Second,
		CommandTimeout: 10 * time.Second,
		AdminUser:      "admin",
		AdminPassword:  "admin",
	}
}

// Load reads defaults, then the TOML file at path (or $CANDY_CONFIG) if present,
// then CANDY_* environment overrides.
func Load(path string) (*PanelConfig, error) {
	cfg := Default()

	if path == "" {
		path = os.Getenv("CANDY_CONFIG")
	}
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read config %s: %w", path, err)
		}
		if err := cfg.mergeFile(data); err != nil {
			return nil, fmt.Errorf("parse config %s: %w", path, err)
		}
	}

	cfg.HTTPPort = getenv("CANDY_HTTP_PORT", cfg.HTTPPort)
	cfg.DBDriver = getenv("CANDY_DB_DRIVER", cfg.DBDriver)
	cfg.DBDSN = getenv("CANDY_DB_DSN", cfg.DBDSN)
	cfg.AutoMigrate = getenvBool("CANDY_DB_AUTO_MIGRATE", cfg.AutoMigrate)
	cfg.SessionSecret = getenv("CANDY_SESSION_SECRET", cfg.SessionSecret)
	cfg.TLSCertFile = getenv("CANDY_TLS_CERT_FILE", cfg.TLSCertFile)
	cfg.TLSKeyFile = getenv("CANDY_TLS_KEY_FILE", cfg.TLSKeyFile)
	cfg.LogLevel = getenv("CANDY_LOG_LEVEL", cfg.LogLevel)
	cfg.FocusInterval = getenvDuration("CANDY_FOCUS_INTERVAL", cfg.FocusInterval)
	cfg.RosterInterval = getenvDuration("CANDY_ROSTER_INTERVAL", cfg.RosterInterval)
	cfg.PollTimeout = getenvDuration("CANDY_POLL_TIMEOUT", cfg.PollTimeout)
	cfg.CommandTimeout = getenvDuration("CANDY_COMMAND_TIMEOUT", cfg.CommandTimeout)
	cfg.AdminUser = getenv("CANDY_ADMIN_USER", cfg.AdminUser)
	cfg.AdminPassword = getenv("CANDY_ADMIN_PASSWORD", cfg.AdminPassword)
	cfg.TrustedProxies = getenvList("CANDY_TRUSTED_PROXIES", cfg.TrustedProxies)

	if cfg.DBDriver == "sqlite" && cfg.DBDSN == "" {
		cfg.DBDSN = "data/candy.db"
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *PanelConfig) mergeFile(data []byte) error {
	var fc fileConfig
	if err := toml.Unmarshal(data, &fc); err != nil {
		return err
	}
	setString(&c.HTTPPort, fc.HTTPPort)
	setString(&c.DBDriver, fc.DBDriver)
	setString(&c.DBDSN, fc.DBDSN)
	setString(&c.SessionSecret, fc.SessionSecret)
	setString(&c.TLSCertFile, fc.TLSCertFile)
	setString(&c.TLSKeyFile, fc.TLSKeyFile)
	setString(&c.LogLevel, fc.LogLevel)
	setString(&c.AdminUser, fc.AdminUser)
	setString(&c.AdminPassword, fc.AdminPassword)
	if fc.TrustedProxies != nil {
		c.TrustedProxies = fc.TrustedProxies
	}
	if fc.AutoMigrate != nil {
		c.AutoMigrate = *fc.AutoMigrate
	}
	for _, d := range []struct {
		dst *time.Duration
		src *string
	}{
		{&c.FocusInterval, fc.FocusInterval},
		{&c.RosterInterval, fc.RosterInterval},
		{&c.PollTimeout, fc.PollTimeout},
		{&c.CommandTimeout, fc.CommandTimeout},
	} {
		if d.src == nil {
			continue
		}
		parsed, err := time.ParseDuration(*d.src)
		if err != nil {
			return err
		}
		*d.dst = parsed
	}
	return nil
}

func setString(dst *string, src *string) {
	if src != nil {
		*dst = *src
	}
}

func (c *PanelConfig) Validate() error {
	switch c.DBDriver {
	case "sqlite":
	case "mysql", "postgres":
		if c.DBDSN == "" {
			return fmt.Errorf("CANDY_DB_DSN is required when using %s driver", c.DBDriver)
		}
	default:
		return fmt.Errorf("unsupported database driver: %s", c.DBDriver)
	}
	if c.FocusInterval <= 0 || c.RosterInterval <= 0 {
		return errors.New("poll intervals must be positive")
	}
	if c.PollTimeout <= 0 || c.CommandTimeout <= 0 {
		return errors.New("timeouts must be positive")
	}
	if (c.TLSCertFile == "") != (c.TLSKeyFile == "") {
		return errors.New("both tls_cert_file and tls_key_file must be set")
	}
	return nil
}

// TLSEnabled reports whether the panel should serve HTTPS.
func (c *PanelConfig) TLSEnabled() bool {
	return c.TLSCertFile != "" && c.TLSKeyFile != ""
}

func getenv(key string, fallback string) string {
	if value, ok := os.LookupEnv(key); ok {
		return value
	}
	return fallback
}

func getenvList(key string, fallback []string) []string {
	value, ok := os.LookupEnv(key)
	if !ok {
		return fallback
	}
	var out []string
	for _, item := range strings.Split(value, ",") {
		if item = strings.TrimSpace(item); item != "" {
			out = append(out, item)
		}
	}
	return out
}

func getenvBool(key string, fallback bool) bool {
	if value, ok := os.LookupEnv(key); ok {
		parsed, err := strconv.ParseBool(value)
		if err == nil {
			return parsed
		}
	}
	return fallback
}

func getenvDuration(key string, fallback time.Duration) time.Duration {
	if value, ok := os.LookupEnv(key); ok {
		parsed, err := time.ParseDuration(value)
		if err == nil {
			return parsed
		}
	}
	return fallback
}
