package main

import (
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strings"

	"github.com/joho/godotenv"
	toml "github.com/pelletier/go-toml/v2"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"
)

// ============================================================================
// Config types
// ============================================================================

// Config represents the CLI configuration stored in ~/.feedsync/config.toml.
type Config struct {
	Default ConfigDefault `toml:"default" json:"default"`
}

// ConfigDefault holds general client settings.
type ConfigDefault struct {
	BaseURL string `toml:"base_url" json:"base_url"`
	// Transport is "ws" or "sse".
	Transport string `toml:"transport" json:"transport"`
}

// ============================================================================
// Config helpers
// ============================================================================

// configDir returns the path to ~/.feedsync, creating it if needed.
func configDir() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("cannot determine home directory: %w", err)
	}
	dir := filepath.Join(home, ".feedsync")
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return "", fmt.Errorf("cannot create config directory: %w", err)
	}
	return dir, nil
}

// configPath returns the full path to a file in the config directory.
func configPath(name string) (string, error) {
	dir, err := configDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(dir, name), nil
}

// setting is one configurable key with its environment override.
type setting struct {
	key string
	env string
	ptr func(*Config) *string
	set func(cfg *Config, value string) error
}

var settings = []setting{
	{
		key: "default.base_url",
		env: "FEEDSYNC_BASE_URL",
		ptr: func(c *Config) *string { return &c.Default.BaseURL },
		set: func(c *Config, v string) error {
			u, err := normalizeBaseURL(v)
			if err != nil {
				return err
			}
			c.Default.BaseURL = u
			return nil
		},
	},
	{
		key: "default.transport",
		env: "FEEDSYNC_TRANSPORT",
		ptr: func(c *Config) *string { return &c.Default.Transport },
		set: func(c *Config, v string) error {
			if v != "ws" && v != "sse" {
				return fmt.Errorf("transport %q is not supported (use ws or sse)", v)
			}
			c.Default.Transport = v
			return nil
		},
	},
}

// readConfigFile parses the config file without environment overrides. A
// missing file yields a zero-value Config.
func readConfigFile() (*Config, error) {
	path, err := configPath("config.toml")
	if err != nil {
		return nil, err
	}
	var cfg Config
	data, err := os.ReadFile(path)
	switch {
	case os.IsNotExist(err):
	case err != nil:
		return nil, fmt.Errorf("cannot read config: %w", err)
	default:
		if err := toml.Unmarshal(data, &cfg); err != nil {
			return nil, fmt.Errorf("cannot parse config %s: %w", path, err)
		}
	}
	return &cfg, nil
}

// loadConfig returns the effective configuration: the file with FEEDSYNC_*
// environment variables layered on top.
func loadConfig() (*Config, error) {
	cfg, err := readConfigFile()
	if err != nil {
		return nil, err
	}
	for _, s := range settings {
		if v := os.Getenv(s.env); v != "" {
			*s.ptr(cfg) = v
		}
	}
	return cfg, nil
}

// saveConfig writes cfg to disk as TOML, readable only by the owner.
func saveConfig(cfg *Config) error {
	path, err := configPath("config.toml")
	if err != nil {
		return err
	}
	data, err := toml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("cannot marshal config: %w", err)
	}
	if err := os.WriteFile(path, data, 0o600); err != nil {
		return fmt.Errorf("cannot write config: %w", err)
	}
	return nil
}

func lookupSetting(key string) (setting, error) {
	for _, s := range settings {
		if s.key == key {
			return s, nil
		}
	}
	keys := make([]string, len(settings))
	for i, s := range settings {
		keys[i] = s.key
	}
	return setting{}, fmt.Errorf("unknown key %q (known: %s)", key, strings.Join(keys, ", "))
}

// setConfigValue validates value and stores it under key.
func setConfigValue(cfg *Config, key, value string) error {
	s, err := lookupSetting(key)
	if err != nil {
		return err
	}
	return s.set(cfg, value)
}

// normalizeBaseURL accepts an absolute http(s) URL and drops a trailing slash.
func normalizeBaseURL(raw string) (string, error) {
	u, err := url.Parse(strings.TrimSpace(raw))
	if err != nil {
		return "", fmt.Errorf("invalid base URL: %w", err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return "", fmt.Errorf("base URL %q must start with http:// or https://", raw)
	}
	if u.Host == "" {
		return "", fmt.Errorf("base URL %q has no host", raw)
	}
	return strings.TrimRight(u.String(), "/"), nil
}

// ============================================================================
// Root command
// ============================================================================

var verbose bool

var logger = zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr}).With().Timestamp().Logger().Level(zerolog.WarnLevel)

var rootCmd = &cobra.Command{
	Use:   "feedsync",
	Short: "Fakebook feed client",
	Long:  "Command-line client for the Fakebook social feed.\nSign in, read the feed, post, message and watch live updates.",
	PersistentPreRun: func(cmd *cobra.Command, args []string) {
		// A .env file in the working directory is optional.
		_ = godotenv.Load()
		if verbose {
			logger = logger.Level(zerolog.DebugLevel)
		}
	},
	SilenceUsage: true,
}

func init() {
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "Enable debug logging")
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}
