package main

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/smol1998/cheburnet"
	"github.com/spf13/cobra"
)

// ============================================================================
// Flag variables
// ============================================================================

var (
	// history
	historyLimit    int
	historyBeforeID int64

	// send
	sendFile string

	// suggest
	suggestReason string
)

func init() {
	rootCmd.AddCommand(dialogsCmd)
	rootCmd.AddCommand(searchCmd)
	rootCmd.AddCommand(dmCmd)
	rootCmd.AddCommand(historyCmd)
	rootCmd.AddCommand(sendCmd)
	rootCmd.AddCommand(suggestCmd)

	historyCmd.Flags().IntVarP(&historyLimit, "limit", "n", 50, "Number of messages to fetch")
	historyCmd.Flags().Int64Var(&historyBeforeID, "before", 0, "Only messages older than this id")

	sendCmd.Flags().StringVarP(&sendFile, "file", "f", "", "Attach a file")

	suggestCmd.Flags().StringVar(&suggestReason, "reason", "", "Hint for the assistant (e.g. \"shorter\")")
}

// ============================================================================
// dialogs
// ============================================================================

var dialogsCmd = &cobra.Command{
	Use:   "dialogs",
	Short: "List direct-message dialogs",
	RunE: func(cmd *cobra.Command, args []string) error {
		client, cfg := getClient()

		ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer cancel()

		dialogs, err := client.ListDialogs(ctx)
		if err != nil {
			return fmt.Errorf("request failed: %w", err)
		}

		if jsonMode {
			return printJSON(dialogs)
		}
		if len(dialogs) == 0 {
			fmt.Println("No dialogs yet. Use 'cheburnet dm <user-id>' to start one.")
			return nil
		}

		unread := localUnread(cfg)
		for _, d := range dialogs {
			online := " "
			if d.OtherOnline {
				online = "*"
			}
			flag := ""
			if unread[d.ChatID] || d.LastIncomingID > d.MyLastRead {
				flag = "  (unread)"
			}
			fmt.Printf("%s %-6d %s%s\n", online, d.ChatID, d.Other.Username, flag)
		}
		return nil
	},
}

// localUnread reads unread flags from the ledger. The ledger is skipped
// when another process (such as `watch`) holds it.
func localUnread(cfg *Config) map[int64]bool {
	out := map[int64]bool{}
	store, err := openLedgerStore(cfg)
	if err != nil {
		return out
	}
	ledger, err := cheburnet.OpenLedger(store, nil)
	if err != nil {
		store.Close()
		return out
	}
	defer ledger.Close()
	for _, id := range ledger.UnreadChats() {
		out[id] = true
	}
	return out
}

// ============================================================================
// search / dm
// ============================================================================

var searchCmd = &cobra.Command{
	Use:   "search <query>",
	Short: "Find users by name",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		client, _ := getClient()

		ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer cancel()

		users, err := client.SearchUsers(ctx, args[0])
		if err != nil {
			return fmt.Errorf("request failed: %w", err)
		}
		if jsonMode {
			return printJSON(users)
		}
		if len(users) == 0 {
			fmt.Println("No users found.")
			return nil
		}
		for _, u := range users {
			fmt.Printf("%-6d %s\n", u.ID, u.Username)
		}
		return nil
	},
}

var dmCmd = &cobra.Command{
	Use:   "dm <user-id>",
	Short: "Start (or find) the direct chat with a user",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		userID, err := parseID(args[0], "user id")
		if err != nil {
			return err
		}
		client, _ := getClient()

		ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer cancel()

		res, err := client.StartDM(ctx, userID)
		if err != nil {
			return fmt.Errorf("request failed: %w", err)
		}
		if jsonMode {
			return printJSON(res)
		}
		fmt.Printf("Chat %d with %s\n", res.ChatID, res.With.Username)
		return nil
	},
}

// ============================================================================
// history
// ============================================================================

var historyCmd = &cobra.Command{
	Use:   "history <chat-id>",
	Short: "Print the messages of a chat",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		chatID, err := parseID(args[0], "chat id")
		if err != nil {
			return err
		}
		client, cfg := getClient()

		ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer cancel()

		page, err := client.Messages(ctx, chatID, cheburnet.MessageQuery{Limit: historyLimit, BeforeID: historyBeforeID})
		if err != nil {
			return fmt.Errorf("request failed: %w", err)
		}
		if jsonMode {
			return printJSON(page)
		}
		if len(page.Items) == 0 {
			fmt.Println("No messages found.")
			return nil
		}

		timeline := cheburnet.NewTimeline()
		timeline.Replace(page.Items, page.NextBeforeID)
		var receipts cheburnet.ReadTracker
		receipts.ObserveRemoteRead(page.ReadState.OtherLastRead)
		for _, m := range timeline.Messages() {
			line := formatMessage(client, cfg.Auth.UserID, m)
			if m.SenderID == cfg.Auth.UserID {
				line += "  " + receipts.Mark(m.ID).String()
			}
			fmt.Println(line)
		}
		if page.NextBeforeID != nil {
			fmt.Printf("(older: cheburnet history %d --before %d)\n", chatID, *page.NextBeforeID)
		}
		return nil
	},
}

// ============================================================================
// send
// ============================================================================

var sendCmd = &cobra.Command{
	Use:   "send <chat-id> [message]",
	Short: "Send a message, optionally with an attachment",
	Args:  cobra.RangeArgs(1, 2),
	RunE: func(cmd *cobra.Command, args []string) error {
		chatID, err := parseID(args[0], "chat id")
		if err != nil {
			return err
		}
		text := ""
		if len(args) == 2 {
			text = args[1]
		}
		client, _ := getClient()

		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Minute)
		defer cancel()

		var fileIDs []int64
		if sendFile != "" {
			f, err := os.Open(sendFile)
			if err != nil {
				return fmt.Errorf("cannot open file: %w", err)
			}
			defer f.Close()

			up, err := client.Upload(ctx, cheburnet.OutgoingFile{Name: filepath.Base(sendFile), Reader: f}, func(sent, total int64) {
				if total > 0 {
					fmt.Fprintf(os.Stderr, "\rUploading %s: %d%%", filepath.Base(sendFile), sent*100/total)
				}
			})
			fmt.Fprintln(os.Stderr)
			if err != nil {
				return fmt.Errorf("upload failed: %w", err)
			}
			fileIDs = append(fileIDs, up.FileID)
		}

		if strings.TrimSpace(text) == "" && len(fileIDs) == 0 {
			return cheburnet.ErrEmptyMessage
		}

		m, err := client.SendMessage(ctx, chatID, strings.TrimSpace(text), fileIDs)
		if err != nil {
			return fmt.Errorf("request failed: %w", err)
		}
		if jsonMode {
			return printJSON(m)
		}
		fmt.Printf("Message %d sent to chat %d\n", m.ID, chatID)
		return nil
	},
}

// ============================================================================
// suggest
// ============================================================================

var suggestCmd = &cobra.Command{
	Use:   "suggest <chat-id> <draft>",
	Short: "Ask the assistant to improve a draft",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		chatID, err := parseID(args[0], "chat id")
		if err != nil {
			return err
		}
		client, cfg := getClient()

		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()

		req := cheburnet.SuggestRequest{ChatID: chatID, Draft: args[1], Reason: suggestReason}
		if page, err := client.Messages(ctx, chatID, cheburnet.MessageQuery{Limit: 10}); err == nil {
			for _, m := range page.Items {
				sender := "other"
				if m.SenderID == cfg.Auth.UserID {
					sender = "me"
				}
				req.Messages = append(req.Messages, cheburnet.SuggestContext{Sender: sender, Text: m.Text})
			}
		}

		res, err := client.Suggest(ctx, req)
		if err != nil {
			return fmt.Errorf("request failed: %w", err)
		}
		if jsonMode {
			return printJSON(res)
		}
		fmt.Println(res.Suggestion)
		return nil
	},
}
