package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/smol1998/cheburnet"
	"github.com/spf13/cobra"
	jww "github.com/spf13/jwalterweatherman"
)

var (
	watchChat        int64
	watchMetricsAddr string
)

func init() {
	rootCmd.AddCommand(watchCmd)
	watchCmd.Flags().Int64VarP(&watchChat, "chat", "c", 0, "Open this chat on start")
	watchCmd.Flags().StringVar(&watchMetricsAddr, "metrics-addr", "", "Serve Prometheus metrics on this address (e.g. :9464)")
}

var watchCmd = &cobra.Command{
	Use:   "watch",
	Short: "Stay connected and print live chat activity",
	Long: `Run the sync engine: live push with polling fallback, unread tracking,
read receipts, typing and presence.

Lines typed on stdin are sent to the open chat. Commands:
  /open <chat-id>   switch chat
  /dm <user-id>     start a chat with a user and open it
  /close            leave the open chat
  /older            load older history
  /dialogs          list dialogs
  /cancel           cancel a running upload
  /file <path>      send a file
  /quit             exit`,
	RunE: func(cmd *cobra.Command, args []string) error {
		client, cfg := getClient()

		store, err := openLedgerStore(cfg)
		if err != nil {
			return err
		}

		reg := prometheus.NewRegistry()
		engineCfg := &cheburnet.Config{Registerer: reg, PageLimit: cfg.Sync.PageLimit}
		if cfg.Sync.PollIntervalMs > 0 {
			engineCfg.PollBaseInterval = time.Duration(cfg.Sync.PollIntervalMs) * time.Millisecond
		}

		engine, err := cheburnet.NewEngine(client, store, engineCfg)
		if err != nil {
			store.Close()
			return fmt.Errorf("failed to create engine: %w", err)
		}
		defer engine.Close()

		addr := valueOrDefault(watchMetricsAddr, cfg.Sync.MetricsAddr)
		if addr != "" {
			srv := &http.Server{Addr: addr, Handler: promhttp.HandlerFor(reg, promhttp.HandlerOpts{})}
			go func() {
				if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
					jww.ERROR.Printf("[METRICS] %v", err)
				}
			}()
			defer srv.Close()
		}

		ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		p := &printer{client: client, engine: engine}
		engine.On(p.handle)

		if err := engine.Start(ctx); err != nil {
			return fmt.Errorf("failed to start: %w", err)
		}
		engine.SetView(ctx, cheburnet.ViewState{ChatsTab: true})
		if me := engine.Me(); me != nil {
			p.me = me.ID
			fmt.Printf("Connected as %s. Type /quit to exit.\n", me.Username)
		}

		if watchChat > 0 {
			if err := engine.OpenChat(ctx, watchChat); err != nil {
				fmt.Fprintf(os.Stderr, "open chat %d: %v\n", watchChat, err)
			}
		} else {
			p.printDialogs(engine.Dialogs())
		}

		lines := make(chan string)
		go func() {
			defer close(lines)
			sc := bufio.NewScanner(os.Stdin)
			for sc.Scan() {
				lines <- sc.Text()
			}
		}()

		for {
			select {
			case <-ctx.Done():
				return nil
			case line, ok := <-lines:
				if !ok {
					return nil
				}
				if quit := p.command(ctx, line); quit {
					return nil
				}
			}
		}
	},
}

// printer renders engine events as terminal lines.
type printer struct {
	client *cheburnet.Client
	engine *cheburnet.Engine
	me     int64
}

func (p *printer) handle(ev cheburnet.Event) {
	switch e := ev.(type) {
	case cheburnet.EventConnection:
		fmt.Printf("-- connection %s\n", e.State)
	case cheburnet.EventReconnecting:
		fmt.Printf("-- reconnecting in %s (attempt %d)\n", e.Delay.Round(time.Millisecond), e.Attempt)
	case cheburnet.EventChatOpened:
		fmt.Printf("== chat %d with %s\n", e.ChatID, e.Other.Username)
		for _, m := range e.Messages {
			fmt.Println(formatMessage(p.client, p.me, m))
		}
		if e.Draft != "" {
			fmt.Printf("(draft: %s)\n", e.Draft)
		}
	case cheburnet.EventMessage:
		fmt.Println(formatMessage(p.client, p.me, e.Message))
	case cheburnet.EventHistoryPrepended:
		fmt.Printf("-- %d older messages\n", len(e.Messages))
		for _, m := range e.Messages {
			fmt.Println(formatMessage(p.client, p.me, m))
		}
	case cheburnet.EventReadMarks:
		if e.OtherLastRead > 0 {
			fmt.Printf("-- read up to %d\n", e.OtherLastRead)
		}
	case cheburnet.EventUnread:
		if e.Unread {
			fmt.Printf("-- new message in chat %d\n", e.ChatID)
		}
	case cheburnet.EventTyping:
		if e.Typing {
			fmt.Println("-- typing...")
		}
	case cheburnet.EventPresence:
		state := "offline"
		if e.Online {
			state = "online"
		}
		fmt.Printf("-- chat %d: %s\n", e.ChatID, state)
	case cheburnet.EventUploadProgress:
		if e.Total > 0 {
			fmt.Fprintf(os.Stderr, "\rUploading: %d%%", e.Sent*100/e.Total)
			if e.Sent >= e.Total {
				fmt.Fprintln(os.Stderr)
			}
		}
	case cheburnet.EventSendConfirmed:
		jww.DEBUG.Printf("[CLI] %s confirmed as %d", e.ClientID, e.Message.ID)
	case cheburnet.EventSendFailed:
		fmt.Printf("-- send failed: %v\n", e.Err)
		if e.RestoredDraft != "" {
			fmt.Printf("(draft kept: %s)\n", e.RestoredDraft)
		}
	case cheburnet.EventDialogs:
		jww.DEBUG.Printf("[CLI] %d dialogs", len(e.Dialogs))
	}
}

func (p *printer) printDialogs(dialogs []cheburnet.Dialog) {
	if len(dialogs) == 0 {
		fmt.Println("No dialogs yet. Use /dm <user-id>.")
		return
	}
	for _, d := range dialogs {
		flag := ""
		if p.engine.Unread(d.ChatID) {
			flag = "  (unread)"
		}
		fmt.Printf("  %-6d %s%s\n", d.ChatID, d.Other.Username, flag)
	}
}

// command handles one stdin line and reports whether to exit.
func (p *printer) command(ctx context.Context, line string) bool {
	fields := strings.Fields(line)
	if len(fields) == 0 || !strings.HasPrefix(fields[0], "/") {
		p.send(ctx, cheburnet.SendRequest{Text: line})
		return false
	}

	arg := ""
	if len(fields) > 1 {
		arg = strings.TrimSpace(strings.TrimPrefix(line, fields[0]))
	}

	switch fields[0] {
	case "/quit", "/exit":
		return true
	case "/open":
		id, err := parseID(arg, "chat id")
		if err == nil {
			err = p.engine.OpenChat(ctx, id)
		}
		if err != nil {
			fmt.Fprintln(os.Stderr, err)
		}
	case "/dm":
		id, err := parseID(arg, "user id")
		if err == nil {
			_, err = p.engine.StartDM(ctx, id)
		}
		if err != nil {
			fmt.Fprintln(os.Stderr, err)
		}
	case "/close":
		p.engine.CloseChat(ctx)
		p.printDialogs(p.engine.Dialogs())
	case "/older":
		n, err := p.engine.LoadOlder(ctx)
		if err != nil {
			fmt.Fprintln(os.Stderr, err)
		} else if n == 0 {
			fmt.Println("-- no older messages")
		}
	case "/dialogs":
		p.printDialogs(p.engine.Dialogs())
	case "/cancel":
		if !p.engine.CancelUpload() {
			fmt.Println("-- nothing to cancel")
		}
	case "/file":
		f, err := os.Open(arg)
		if err != nil {
			fmt.Fprintln(os.Stderr, err)
			return false
		}
		go func() {
			defer f.Close()
			p.send(ctx, cheburnet.SendRequest{Attachment: &cheburnet.OutgoingFile{Name: filepath.Base(arg), Reader: f}})
		}()
	default:
		fmt.Fprintf(os.Stderr, "unknown command %s\n", fields[0])
	}
	return false
}

func (p *printer) send(ctx context.Context, req cheburnet.SendRequest) {
	p.engine.InputChanged(req.Text)
	if _, err := p.engine.Send(ctx, req); err != nil {
		if errors.Is(err, cheburnet.ErrNoActiveChat) {
			fmt.Fprintln(os.Stderr, "no open chat, use /open <chat-id>")
		}
		jww.DEBUG.Printf("[CLI] send: %v", err)
	}
}
