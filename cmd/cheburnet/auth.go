package main

import (
	"bufio"
	"context"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/smol1998/cheburnet"
	"github.com/spf13/cobra"
)

var authPassword string

func init() {
	rootCmd.AddCommand(loginCmd)
	rootCmd.AddCommand(registerCmd)
	rootCmd.AddCommand(logoutCmd)

	for _, c := range []*cobra.Command{loginCmd, registerCmd} {
		c.Flags().StringVarP(&authPassword, "password", "p", "", "Password (read from stdin when omitted)")
	}
}

var loginCmd = &cobra.Command{
	Use:   "login <username>",
	Short: "Log in and store the access token",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return authenticate(args[0], false)
	},
}

var registerCmd = &cobra.Command{
	Use:   "register <username>",
	Short: "Create an account and store the access token",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return authenticate(args[0], true)
	},
}

var logoutCmd = &cobra.Command{
	Use:   "logout",
	Short: "Forget the stored access token",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadFileConfig()
		if err != nil {
			return fmt.Errorf("failed to load config: %w", err)
		}
		cfg.Auth = ConfigAuth{}
		if err := saveConfig(cfg); err != nil {
			return fmt.Errorf("failed to save config: %w", err)
		}
		fmt.Println("Logged out.")
		return nil
	},
}

func authenticate(username string, register bool) error {
	cfg, err := loadFileConfig()
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}
	env, err := loadConfig()
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	password := authPassword
	if password == "" {
		fmt.Fprint(os.Stderr, "Password: ")
		line, err := bufio.NewReader(os.Stdin).ReadString('\n')
		if err != nil && line == "" {
			return fmt.Errorf("cannot read password: %w", err)
		}
		password = strings.TrimRight(line, "\r\n")
	}

	client := newClient(env)
	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	creds := cheburnet.Credentials{Username: username, Password: password}
	if register {
		_, err = client.Register(ctx, creds)
	} else {
		_, err = client.Login(ctx, creds)
	}
	if err != nil {
		return fmt.Errorf("authentication failed: %w", err)
	}

	me, err := client.Me(ctx)
	if err != nil {
		return fmt.Errorf("cannot fetch account: %w", err)
	}

	cfg.Auth = ConfigAuth{Token: client.Token(), UserID: me.ID, Username: me.Username}
	if cfg.Server.BaseURL == "" {
		cfg.Server.BaseURL = client.BaseURL()
	}
	if err := saveConfig(cfg); err != nil {
		return fmt.Errorf("failed to save config: %w", err)
	}

	if register {
		fmt.Printf("Registered %s (id %d)\n", me.Username, me.ID)
	} else {
		fmt.Printf("Logged in as %s (id %d)\n", me.Username, me.ID)
	}
	return nil
}
