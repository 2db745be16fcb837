package cmd

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/term"

	"github.com/apexion-ai/sessiond/internal/chat"
	"github.com/apexion-ai/sessiond/internal/provider"
	"github.com/apexion-ai/sessiond/internal/retry"
	"github.com/apexion-ai/sessiond/internal/session"
)

func newChatCmd() *cobra.Command {
	var opts chat.Options
	cmd := &cobra.Command{
		Use:   "chat",
		Short: "Start an interactive chat session",
		Long: "Opens a new session (or resumes one with --session) and relays each line you\n" +
			"type to the configured provider. Both sides of the conversation are recorded.",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runChat(opts)
		},
	}
	cmd.Flags().StringVarP(&opts.Type, "type", "t", "general", "session type")
	cmd.Flags().StringVar(&opts.Title, "title", "", "session title (default derived from type)")
	cmd.Flags().StringVarP(&opts.SessionID, "session", "s", "", "resume an existing session")
	cmd.Flags().IntVar(&opts.MaxTokens, "max-tokens", 0, "max tokens per reply (0 = provider default)")
	return cmd
}

// runChat starts the interactive chat (REPL) mode.
func runChat(opts chat.Options) error {
	userID, err := requireUser()
	if err != nil {
		return err
	}
	a, err := newApp(os.Stderr, nil)
	if err != nil {
		return err
	}
	defer a.Close()

	p, err := buildProvider(a.cfg)
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	a.manager.Start()

	opts.SystemPrompt = a.cfg.SystemPrompt
	opts.Logger = a.logger
	policy := retry.DefaultPolicy()
	policy.InitialDelay = 2 * time.Second
	policy.MaxDelay = 30 * time.Second
	policy.Retryable = provider.Retryable
	opts.Retry = retry.New(policy, a.logger)
	conv, err := chat.Start(ctx, a.manager, p, userID, opts)
	if err != nil {
		if errors.Is(err, session.ErrConcurrencyLimit) {
			return fmt.Errorf("%w\nclose an idle session with `sessiond sessions rm` or wait for one to time out", err)
		}
		return err
	}

	sess := conv.Session()
	fmt.Fprintf(os.Stderr, "%s · %s/%s · session %s\n", sess.Title, p.Name(), p.DefaultModel(), sess.ID)
	if n := len(conv.History()); n > 0 {
		fmt.Fprintf(os.Stderr, "resumed with %d earlier message(s)\n", n)
	}
	fmt.Fprintln(os.Stderr, "type /exit to quit")

	interactive := term.IsTerminal(int(os.Stdin.Fd()))
	scanner := bufio.NewScanner(os.Stdin)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)

	for {
		if interactive {
			fmt.Print("\n> ")
		}
		if !scanner.Scan() {
			break
		}
		line := strings.TrimSpace(scanner.Text())
		switch line {
		case "":
			continue
		case "/exit", "/quit":
			return nil
		}

		_, err := conv.Send(ctx, line, func(delta string) {
			fmt.Print(delta)
		})
		fmt.Println()
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			fmt.Fprintln(os.Stderr, "error:", err)
		}
	}
	return scanner.Err()
}
