package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"
)

type Config struct {
	Server    ServerConfig   `mapstructure:"server"`
	DataDir   string         `mapstructure:"data_dir"`
	ConfigDir string         `mapstructure:"config_dir"`
	Auth      AuthConfig     `mapstructure:"auth"`
	IPTables  IPTablesConfig `mapstructure:"iptables"`
	Logging   LoggingConfig  `mapstructure:"logging"`
}

type ServerConfig struct {
	Port          int    `mapstructure:"port"`
	SessionSecret string `mapstructure:"session_secret"`
	SessionMaxAge int    `mapstructure:"session_max_age"`
	SecureCookies bool   `mapstructure:"secure_cookies"`
}

type AuthConfig struct {
	DefaultAdmin    string `mapstructure:"default_admin"`
	DefaultPassword string `mapstructure:"default_password"`
}

// IPTablesConfig controls how the binaries are invoked.
type IPTablesConfig struct {
	Path        string        `mapstructure:"path"`
	Path6       string        `mapstructure:"path6"`
	EnableIPv6  bool          `mapstructure:"enable_ipv6"`
	LockPath    string        `mapstructure:"lock_path"`
	LockTimeout time.Duration `mapstructure:"lock_timeout"`
	WaitSeconds int           `mapstructure:"wait_seconds"`
	LockRetries int           `mapstructure:"lock_retries"`
	Timeout     time.Duration `mapstructure:"timeout"`
	// RestoreOnStart reloads saved rules files when the daemon starts.
	RestoreOnStart bool `mapstructure:"restore_on_start"`
}

type LoggingConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
	Output string `mapstructure:"output"`
}

// Load reads configuration from configPath (optional) and IPTABLESD_*
// environment variables, e.g. IPTABLESD_SERVER_PORT.
func Load(configPath string) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	if configPath != "" {
		v.SetConfigFile(configPath)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
	}

	v.SetEnvPrefix("IPTABLESD")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return &cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.port", 8090)
	v.SetDefault("server.session_secret", "change-me-in-production-32bytes!")
	v.SetDefault("server.session_max_age", 86400) // 24 hours
	v.SetDefault("server.secure_cookies", false)

	v.SetDefault("data_dir", "./data")
	v.SetDefault("config_dir", "./configs")

	v.SetDefault("auth.default_admin", "admin")
	v.SetDefault("auth.default_password", "admin")

	v.SetDefault("iptables.path", "")
	v.SetDefault("iptables.path6", "")
	v.SetDefault("iptables.enable_ipv6", true)
	v.SetDefault("iptables.lock_path", "/run/xtables_old.lock")
	v.SetDefault("iptables.lock_timeout", "30s")
	v.SetDefault("iptables.wait_seconds", 0)
	v.SetDefault("iptables.lock_retries", 3)
	v.SetDefault("iptables.timeout", "60s")
	v.SetDefault("iptables.restore_on_start", true)

	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "json")
	v.SetDefault("logging.output", "stdout")
}

// Validate checks the configuration for errors.
func (c *Config) Validate() error {
	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		return fmt.Errorf("invalid server port: %d", c.Server.Port)
	}
	if len(c.Server.SessionSecret) < 16 {
		return fmt.Errorf("server.session_secret must be at least 16 bytes")
	}
	if c.DataDir == "" || c.ConfigDir == "" {
		return fmt.Errorf("data_dir and config_dir are required")
	}
	if c.IPTables.WaitSeconds < 0 {
		return fmt.Errorf("iptables.wait_seconds must not be negative")
	}
	if c.IPTables.LockRetries < 0 {
		return fmt.Errorf("iptables.lock_retries must not be negative")
	}
	switch c.Logging.Format {
	case "json", "console":
	default:
		return fmt.Errorf("invalid logging format: %s", c.Logging.Format)
	}
	return nil
}

// EnsureDirs creates the data and config directories.
func (c *Config) EnsureDirs() error {
	for _, dir := range []string{
		c.DataDir,
		c.ConfigDir,
		filepath.Join(c.ConfigDir, "iptables"),
	} {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return fmt.Errorf("failed to create %s: %w", dir, err)
		}
	}
	return nil
}
