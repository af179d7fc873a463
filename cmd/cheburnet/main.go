package main

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/joho/godotenv"
	toml "github.com/pelletier/go-toml/v2"
	"github.com/spf13/cobra"
	jww "github.com/spf13/jwalterweatherman"
	"github.com/spf13/viper"
)

// ============================================================================
// Config types
// ============================================================================

// Config represents the CLI configuration stored in ~/.cheburnet/config.toml.
type Config struct {
	Server ConfigServer `toml:"server"`
	Auth   ConfigAuth   `toml:"auth"`
	Sync   ConfigSync   `toml:"sync"`
}

// ConfigServer says where the chat service lives.
type ConfigServer struct {
	BaseURL string `toml:"base_url"`
}

// ConfigAuth holds the session obtained by login or register.
type ConfigAuth struct {
	Token    string `toml:"token"`
	UserID   int64  `toml:"user_id"`
	Username string `toml:"username"`
}

// ConfigSync tunes the engine run by `watch`.
type ConfigSync struct {
	LedgerDir      string `toml:"ledger_dir"`
	PageLimit      int    `toml:"page_limit"`
	PollIntervalMs int    `toml:"poll_interval_ms"`
	MetricsAddr    string `toml:"metrics_addr"`
}

const defaultBaseURL = "http://127.0.0.1:8000"

// ============================================================================
// Config helpers
// ============================================================================

// configDir returns the path to ~/.cheburnet, creating it if needed.
func configDir() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("cannot determine home directory: %w", err)
	}
	dir := filepath.Join(home, ".cheburnet")
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return "", fmt.Errorf("cannot create config directory: %w", err)
	}
	return dir, nil
}

// configPath returns the full path to the config file.
func configPath() (string, error) {
	dir, err := configDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(dir, "config.toml"), nil
}

// loadFileConfig reads the config file only. A missing file yields a
// zero-value Config.
func loadFileConfig() (*Config, error) {
	path, err := configPath()
	if err != nil {
		return nil, err
	}
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return &Config{}, nil
		}
		return nil, fmt.Errorf("cannot read config: %w", err)
	}
	var cfg Config
	if err := toml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("cannot parse config: %w", err)
	}
	return &cfg, nil
}

// loadConfig reads the file and lays CHEBURNET_* environment variables
// (including those from a .env file) over it.
func loadConfig() (*Config, error) {
	cfg, err := loadFileConfig()
	if err != nil {
		return nil, err
	}
	applyEnv(cfg, newEnv())
	return cfg, nil
}

// newEnv binds the config keys to CHEBURNET_SECTION_FIELD variables.
func newEnv() *viper.Viper {
	v := viper.New()
	v.SetEnvPrefix("cheburnet")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	return v
}

func applyEnv(cfg *Config, v *viper.Viper) {
	if s := v.GetString("server.base_url"); s != "" {
		cfg.Server.BaseURL = s
	}
	if s := v.GetString("auth.token"); s != "" {
		cfg.Auth.Token = s
	}
	if s := v.GetString("sync.ledger_dir"); s != "" {
		cfg.Sync.LedgerDir = s
	}
	if n := v.GetInt("sync.page_limit"); n > 0 {
		cfg.Sync.PageLimit = n
	}
	if n := v.GetInt("sync.poll_interval_ms"); n > 0 {
		cfg.Sync.PollIntervalMs = n
	}
	if s := v.GetString("sync.metrics_addr"); s != "" {
		cfg.Sync.MetricsAddr = s
	}
}

// saveConfig writes the config struct back to disk as TOML.
func saveConfig(cfg *Config) error {
	path, err := configPath()
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

// setConfigValue sets a config field using dot notation (e.g. "server.base_url").
func setConfigValue(cfg *Config, key, value string) error {
	parts := strings.SplitN(key, ".", 2)
	if len(parts) != 2 {
		return fmt.Errorf("key must use dot notation: section.field (e.g. server.base_url)")
	}
	section, field := parts[0], parts[1]

	switch section {
	case "server":
		switch field {
		case "base_url":
			cfg.Server.BaseURL = strings.TrimRight(value, "/")
		default:
			return fmt.Errorf("unknown field %q in section [server]", field)
		}
	case "auth":
		switch field {
		case "token":
			cfg.Auth.Token = value
		case "username":
			cfg.Auth.Username = value
		default:
			return fmt.Errorf("unknown field %q in section [auth]", field)
		}
	case "sync":
		switch field {
		case "ledger_dir":
			cfg.Sync.LedgerDir = value
		case "metrics_addr":
			cfg.Sync.MetricsAddr = value
		case "page_limit", "poll_interval_ms":
			var n int
			if _, err := fmt.Sscanf(value, "%d", &n); err != nil || n <= 0 {
				return fmt.Errorf("%s must be a positive integer", key)
			}
			if field == "page_limit" {
				cfg.Sync.PageLimit = n
			} else {
				cfg.Sync.PollIntervalMs = n
			}
		default:
			return fmt.Errorf("unknown field %q in section [sync]", field)
		}
	default:
		return fmt.Errorf("unknown config section %q (valid: server, auth, sync)", section)
	}
	return nil
}

// ============================================================================
// Root command
// ============================================================================

var (
	verbose  bool
	jsonMode bool
)

var rootCmd = &cobra.Command{
	Use:   "cheburnet",
	Short: "Direct-message chat client",
	Long:  "Command-line client for the cheburnet chat service.\nLog in, browse dialogs and history, send messages, and watch live updates.",
	PersistentPreRun: func(cmd *cobra.Command, args []string) {
		_ = godotenv.Load()
		jww.SetStdoutThreshold(jww.LevelWarn)
		if verbose {
			jww.SetStdoutThreshold(jww.LevelDebug)
		}
	},
}

func init() {
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "Log sync engine activity to stdout")
	rootCmd.PersistentFlags().BoolVar(&jsonMode, "json", false, "Print raw JSON")
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}
