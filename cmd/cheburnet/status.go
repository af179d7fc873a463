package main

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/cobra"
)

func init() {
	rootCmd.AddCommand(statusCmd)
}

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show current configuration and account status",
	Long:  "Display the current configuration, the locally remembered unread chats, and live account info.",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return fmt.Errorf("failed to load config: %w", err)
		}

		fmt.Println("Configuration:")
		fmt.Printf("  Base URL:    %s\n", valueOrDefault(cfg.Server.BaseURL, defaultBaseURL+" (default)"))
		dir, _ := ledgerDir(cfg)
		fmt.Printf("  Ledger:      %s\n", dir)
		if cfg.Sync.MetricsAddr != "" {
			fmt.Printf("  Metrics:     %s\n", cfg.Sync.MetricsAddr)
		}

		fmt.Println()
		fmt.Println("Auth:")
		if cfg.Auth.Username != "" {
			fmt.Printf("  Username:    %s\n", cfg.Auth.Username)
			fmt.Printf("  User ID:     %d\n", cfg.Auth.UserID)
		} else {
			fmt.Println("  Username:    (not logged in)")
		}
		if cfg.Auth.Token == "" {
			fmt.Println("  Token:       (not set)")
			return nil
		}
		fmt.Printf("  Token:       %s\n", maskKey(cfg.Auth.Token))

		fmt.Println()
		fmt.Println("Live status:")
		client, _ := getClient()
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()

		me, err := client.Me(ctx)
		if err != nil {
			fmt.Printf("  Error fetching account info: %v\n", err)
			return nil
		}
		fmt.Printf("  Account:     %s (id %d)\n", me.Username, me.ID)

		dialogs, err := client.ListDialogs(ctx)
		if err != nil {
			fmt.Printf("  Error listing dialogs: %v\n", err)
			return nil
		}
		fmt.Printf("  Dialogs:     %d\n", len(dialogs))
		return nil
	},
}
