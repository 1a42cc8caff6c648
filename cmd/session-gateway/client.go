// ABOUTME: Client commands that drive a running gateway over HTTP or the native framed transport
// ABOUTME: health, models, sessions, chat, and abort share one transport selected by flags

package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"strings"
	"text/tabwriter"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/2389/session-gateway/internal/api"
	"github.com/2389/session-gateway/internal/prompt"
	"github.com/2389/session-gateway/internal/stream"
	"github.com/2389/session-gateway/internal/transport"
	"github.com/2389/session-gateway/internal/transport/httpclient"
	"github.com/2389/session-gateway/internal/transport/nativeclient"
)

var target struct {
	addr   string
	socket string
	ws     string
	spawn  bool
}

var chatOpts struct {
	noStream bool
	replace  bool
	url      string
	title    string
	selected string
}

var listOpts api.ListSessionsRequest

var createOpts api.CreateSessionRequest

func init() {
	for _, cmd := range []*cobra.Command{healthCmd, modelsCmd, sessionsCmd, chatCmd, abortCmd} {
		f := cmd.PersistentFlags()
		f.StringVar(&target.addr, "addr", "", "gateway HTTP address (default server.http_addr from config)")
		f.StringVar(&target.socket, "socket", "", "connect to the native unix socket at this path")
		f.StringVar(&target.ws, "ws", "", "connect to a native WebSocket URL, e.g. ws://127.0.0.1:8787/ws/native")
		f.BoolVar(&target.spawn, "spawn", false, "spawn a private native host instead of connecting")
		rootCmd.AddCommand(cmd)
	}

	sessionsCmd.AddCommand(sessionsListCmd, sessionsCreateCmd, sessionsGetCmd, sessionsDeleteCmd,
		sessionsResumeCmd, sessionsPauseCmd, sessionsCloseCmd, sessionsMessagesCmd)

	sessionsListCmd.Flags().StringVar(&listOpts.Type, "type", "", "filter by session type")
	sessionsListCmd.Flags().StringVar(&listOpts.Status, "status", "", "filter by status")
	sessionsListCmd.Flags().IntVar(&listOpts.Limit, "limit", 0, "page size")
	sessionsListCmd.Flags().IntVar(&listOpts.Offset, "offset", 0, "page offset")

	sessionsCreateCmd.Flags().StringVar(&createOpts.Type, "type", "chat", "session type: chat, page, selection, code")
	sessionsCreateCmd.Flags().StringVar(&createOpts.Model, "model", "", "model id (default from gateway)")
	sessionsCreateCmd.Flags().StringVar(&createOpts.SystemPrompt, "system", "", "system prompt")

	chatCmd.Flags().BoolVar(&chatOpts.noStream, "no-stream", false, "wait for the full reply instead of streaming")
	chatCmd.Flags().BoolVar(&chatOpts.replace, "replace", false, "abort a chat already running on the session")
	chatCmd.Flags().StringVar(&chatOpts.url, "url", "", "page URL to attach as context")
	chatCmd.Flags().StringVar(&chatOpts.title, "title", "", "page title to attach as context")
	chatCmd.Flags().StringVar(&chatOpts.selected, "selection", "", "selected text to attach as context")
}

// dial opens the transport chosen by flags. Without any, the HTTP address
// from config is used.
func dial(ctx context.Context) (transport.Transport, error) {
	switch {
	case target.socket != "":
		return nativeclient.DialUnix(ctx, target.socket, nil)
	case target.ws != "":
		return nativeclient.DialWebSocket(ctx, target.ws, nil)
	case target.spawn:
		exe, err := os.Executable()
		if err != nil {
			return nil, fmt.Errorf("locating executable: %w", err)
		}
		args := []string{"native"}
		if configPath != "" {
			args = append(args, "--config", configPath)
		}
		return nativeclient.Spawn(ctx, exe, args, nil)
	}

	addr := target.addr
	if addr == "" {
		cfg, _, err := loadConfig()
		if err != nil {
			return nil, err
		}
		addr = cfg.Server.HTTPAddr
	}
	if !strings.Contains(addr, "://") {
		addr = "http://" + addr
	}
	return httpclient.New(addr, nil), nil
}

// withTransport runs fn against a freshly dialled transport and closes it.
func withTransport(cmd *cobra.Command, fn func(ctx context.Context, t transport.Transport) error) error {
	ctx := cmd.Context()
	t, err := dial(ctx)
	if err != nil {
		return err
	}
	defer t.Close()
	return fn(ctx, t)
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

var healthCmd = &cobra.Command{
	Use:   "health",
	Short: "Check gateway health",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		return withTransport(cmd, func(ctx context.Context, t transport.Transport) error {
			h, err := t.Health(ctx)
			if err != nil {
				return fmt.Errorf("health check failed: %w", err)
			}
			if h.Status != api.StatusOK {
				return fmt.Errorf("unhealthy: %s", h.Error)
			}
			fmt.Print("healthy")
			if h.MockMode {
				color.New(color.FgYellow).Printf(" (mock mode: %s)", h.MockReason)
			}
			fmt.Printf(" sessions=%d\n", h.Sessions)
			return nil
		})
	},
}

var modelsCmd = &cobra.Command{
	Use:   "models",
	Short: "List available models",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		return withTransport(cmd, func(ctx context.Context, t transport.Transport) error {
			list, err := t.ListModels(ctx)
			if err != nil {
				return fmt.Errorf("listing models: %w", err)
			}
			for _, m := range list.Models {
				mark := " "
				if m.Default {
					mark = "*"
				}
				fmt.Printf("%s %s\t%s\n", mark, m.ID, m.Name)
			}
			return nil
		})
	},
}

var sessionsCmd = &cobra.Command{
	Use:   "sessions",
	Short: "Manage sessions",
}

var sessionsListCmd = &cobra.Command{
	Use:   "list",
	Short: "List sessions",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		return withTransport(cmd, func(ctx context.Context, t transport.Transport) error {
			list, err := t.ListSessions(ctx, listOpts)
			if err != nil {
				return fmt.Errorf("listing sessions: %w", err)
			}
			if len(list.Sessions) == 0 {
				fmt.Println("No sessions found.")
				return nil
			}
			w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
			fmt.Fprintln(w, "ID\tTYPE\tSTATUS\tMESSAGES\tUPDATED")
			for _, s := range list.Sessions {
				fmt.Fprintf(w, "%s\t%s\t%s\t%d\t%s\n", s.ID, s.Type, s.Status, s.MessageCount, s.UpdatedAt.Format("2006-01-02 15:04:05"))
			}
			if err := w.Flush(); err != nil {
				return err
			}
			fmt.Printf("%d of %d\n", len(list.Sessions), list.Total)
			return nil
		})
	},
}

var sessionsCreateCmd = &cobra.Command{
	Use:   "create",
	Short: "Create a session",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		return withTransport(cmd, func(ctx context.Context, t transport.Transport) error {
			sess, err := t.CreateSession(ctx, createOpts)
			if err != nil {
				return fmt.Errorf("creating session: %w", err)
			}
			fmt.Println(sess.ID)
			return nil
		})
	},
}

// sessionAction builds a one-argument session subcommand.
func sessionAction(use, short string, fn func(ctx context.Context, t transport.Transport, id string) (any, error)) *cobra.Command {
	return &cobra.Command{
		Use:   use + " <id>",
		Short: short,
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withTransport(cmd, func(ctx context.Context, t transport.Transport) error {
				out, err := fn(ctx, t, args[0])
				if err != nil {
					return fmt.Errorf("%s session: %w", use, err)
				}
				return printJSON(out)
			})
		},
	}
}

var sessionsGetCmd = sessionAction("get", "Show a session", func(ctx context.Context, t transport.Transport, id string) (any, error) {
	return t.GetSession(ctx, id)
})

var sessionsDeleteCmd = sessionAction("delete", "Delete a session and its messages", func(ctx context.Context, t transport.Transport, id string) (any, error) {
	deleted, err := t.DeleteSession(ctx, id)
	return api.DeleteResponse{Deleted: deleted}, err
})

var sessionsResumeCmd = sessionAction("resume", "Reattach the engine to a stored session", func(ctx context.Context, t transport.Transport, id string) (any, error) {
	return t.ResumeSession(ctx, id)
})

var sessionsPauseCmd = sessionAction("pause", "Pause a session", func(ctx context.Context, t transport.Transport, id string) (any, error) {
	return t.UpdateSessionStatus(ctx, id, "paused")
})

var sessionsCloseCmd = sessionAction("close", "Close a session", func(ctx context.Context, t transport.Transport, id string) (any, error) {
	return t.UpdateSessionStatus(ctx, id, "closed")
})

var sessionsMessagesCmd = &cobra.Command{
	Use:   "messages <id>",
	Short: "Print a session's messages",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withTransport(cmd, func(ctx context.Context, t transport.Transport) error {
			list, err := t.ListMessages(ctx, args[0])
			if err != nil {
				return fmt.Errorf("listing messages: %w", err)
			}
			roleColor := map[string]*color.Color{
				"user":      color.New(color.FgGreen),
				"assistant": color.New(color.FgCyan),
			}
			for _, m := range list.Messages {
				c, ok := roleColor[m.Role]
				if !ok {
					c = color.New(color.FgHiBlack)
				}
				c.Printf("[%s] ", m.Role)
				fmt.Println(m.Content)
			}
			return nil
		})
	},
}

var chatCmd = &cobra.Command{
	Use:   "chat <session-id> <prompt>",
	Short: "Send a prompt and print the reply",
	Args:  cobra.MinimumNArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		req := api.ChatRequest{Prompt: strings.Join(args[1:], " "), Replace: chatOpts.replace}
		if chatOpts.url != "" || chatOpts.title != "" || chatOpts.selected != "" {
			req.Context = &prompt.PageContext{URL: chatOpts.url, PageTitle: chatOpts.title, SelectedText: chatOpts.selected}
		}

		return withTransport(cmd, func(ctx context.Context, t transport.Transport) error {
			if chatOpts.noStream {
				msg, err := t.SendMessage(ctx, args[0], req)
				if err != nil {
					return fmt.Errorf("chat: %w", err)
				}
				fmt.Println(msg.Content)
				return nil
			}
			return streamChat(ctx, t, args[0], req)
		})
	},
}

func streamChat(ctx context.Context, t transport.Transport, id string, req api.ChatRequest) error {
	var failure error
	err := t.StreamMessage(ctx, id, req, func(ev stream.Event) {
		switch e := ev.(type) {
		case stream.MessageDelta:
			fmt.Print(e.DeltaContent)
		case stream.ErrorEvent:
			failure = fmt.Errorf("stream error: %s", e.Message)
		case stream.Done:
			fmt.Println()
		}
	})
	if err != nil {
		return fmt.Errorf("chat: %w", err)
	}
	return failure
}

var abortCmd = &cobra.Command{
	Use:   "abort <session-id>",
	Short: "Abort the chat running on a session",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withTransport(cmd, func(ctx context.Context, t transport.Transport) error {
			aborted, err := t.Abort(ctx, args[0])
			if err != nil {
				return fmt.Errorf("abort: %w", err)
			}
			return printJSON(api.AbortResponse{Aborted: aborted})
		})
	},
}
