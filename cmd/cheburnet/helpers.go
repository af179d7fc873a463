package main

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/smol1998/cheburnet"
)

// newClient builds an unauthenticated client for the configured server.
func newClient(cfg *Config) *cheburnet.Client {
	return cheburnet.NewClient(valueOrDefault(cfg.Server.BaseURL, defaultBaseURL), cheburnet.WithTimeout(15*time.Second))
}

// getClient creates a client authenticated with the stored token.
func getClient() (*cheburnet.Client, *Config) {
	cfg, err := loadConfig()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load config: %v\n", err)
		os.Exit(1)
	}
	if cfg.Auth.Token == "" {
		fmt.Fprintln(os.Stderr, "No token. Run 'cheburnet login' or 'cheburnet register' first.")
		os.Exit(1)
	}
	c := newClient(cfg)
	c.SetToken(cfg.Auth.Token)
	return c, cfg
}

// ledgerDir resolves the on-disk location of the unread/draft ledger.
func ledgerDir(cfg *Config) (string, error) {
	if cfg.Sync.LedgerDir != "" {
		return cfg.Sync.LedgerDir, nil
	}
	dir, err := configDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(dir, "ledger"), nil
}

// openLedgerStore opens the pebble-backed store the engine persists to.
func openLedgerStore(cfg *Config) (*cheburnet.PebbleStore, error) {
	dir, err := ledgerDir(cfg)
	if err != nil {
		return nil, err
	}
	store, err := cheburnet.OpenPebbleStore(dir, nil)
	if err != nil {
		return nil, fmt.Errorf("cannot open ledger at %s: %w", dir, err)
	}
	return store, nil
}

func parseID(s, what string) (int64, error) {
	id, err := strconv.ParseInt(s, 10, 64)
	if err != nil || id <= 0 {
		return 0, fmt.Errorf("invalid %s %q", what, s)
	}
	return id, nil
}

func printJSON(v interface{}) error {
	out, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to encode output: %w", err)
	}
	fmt.Println(string(out))
	return nil
}

func formatMessage(c *cheburnet.Client, me int64, m cheburnet.Message) string {
	who := "them"
	if m.SenderID == me {
		who = "me"
	}
	line := fmt.Sprintf("[%d %s] %s: %s", m.ID, m.CreatedAt, who, m.Text)
	for _, att := range m.Attachments {
		line += fmt.Sprintf("\n    [%s] %s %s", att.Mime, att.Name, c.FileURL(att))
	}
	return line
}

func maskKey(key string) string {
	if len(key) <= 8 {
		return "****"
	}
	if len(key) <= 16 {
		return key[:4] + "..." + key[len(key)-4:]
	}
	return key[:12] + "..." + key[len(key)-4:]
}

func valueOrDefault(val, def string) string {
	if val == "" {
		return def
	}
	return val
}
