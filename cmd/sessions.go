package cmd

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"sort"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/apexion-ai/sessiond/internal/manager"
	"github.com/apexion-ai/sessiond/internal/session"
)

var jsonOutput bool

func newSessionsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:     "sessions",
		Aliases: []string{"s"},
		Short:   "Inspect and manage a user's sessions",
	}
	cmd.PersistentFlags().BoolVar(&jsonOutput, "json", false, "print JSON instead of a table")

	var list manager.ListOptions
	listCmd := &cobra.Command{
		Use:   "list",
		Short: "List sessions, most recently active first",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(func(ctx context.Context, a *app, userID string) error {
				sessions, err := a.manager.ListUserSessions(ctx, userID, list)
				if err != nil {
					return err
				}
				if jsonOutput {
					return printJSON(sessions)
				}
				w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
				fmt.Fprintln(w, "ID\tTYPE\tTITLE\tMESSAGES\tLAST ACTIVE\tSTATUS")
				for _, s := range sessions {
					status := "idle"
					if a.manager.IsSessionActive(s) {
						status = "active"
					}
					fmt.Fprintf(w, "%s\t%s\t%s\t%d\t%s\t%s\n",
						s.ID, s.Type, s.Title, s.MessageCount, s.LastActivityAt.Local().Format(time.DateTime), status)
				}
				return w.Flush()
			})
		},
	}
	listCmd.Flags().StringVarP(&list.Type, "type", "t", "", "only sessions of this type")
	listCmd.Flags().IntVarP(&list.Limit, "limit", "n", 0, "page size (default 20)")
	listCmd.Flags().IntVar(&list.Offset, "offset", 0, "skip this many sessions")

	var brief bool
	showCmd := &cobra.Command{
		Use:   "show <session-id>",
		Short: "Print a session and its messages",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(func(ctx context.Context, a *app, userID string) error {
				if brief {
					snap, err := a.manager.ResumeSession(ctx, args[0], userID)
					if err != nil {
						return err
					}
					if jsonOutput {
						return printJSON(snap)
					}
					return writeSummary(os.Stdout, snap)
				}
				s, err := a.manager.GetSession(ctx, args[0], userID)
				if err != nil {
					return err
				}
				if jsonOutput {
					return printJSON(s)
				}
				fmt.Printf("%s  (%s)\n", s.Title, s.ID)
				fmt.Printf("type: %s  messages: %d  age: %dd  created: %s\n\n",
					s.Type, s.MessageCount, a.manager.SessionAgeDays(s), s.CreatedAt.Local().Format(time.DateTime))
				for _, m := range s.Messages {
					meta := m.CreatedAt.Local().Format(time.TimeOnly)
					if m.Model != "" {
						meta += " " + m.Model
					}
					if m.Tokens != nil {
						meta += fmt.Sprintf(" %d tok", *m.Tokens)
					}
					fmt.Printf("[%s] %s\n%s\n\n", m.Role, meta, m.Content)
				}
				return nil
			})
		},
	}

	showCmd.Flags().BoolVar(&brief, "brief", false, "print only the summary, from the local cache when fresh")

	renameCmd := &cobra.Command{
		Use:   "rename <session-id> <title>",
		Short: "Change a session's title",
		Args:  cobra.MinimumNArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			title := strings.Join(args[1:], " ")
			return withApp(func(ctx context.Context, a *app, userID string) error {
				if err := a.manager.UpdateSession(ctx, args[0], userID, session.Update{Title: &title}); err != nil {
					return err
				}
				fmt.Printf("renamed %s to %q\n", args[0], title)
				return nil
			})
		},
	}

	rmCmd := &cobra.Command{
		Use:     "rm <session-id>...",
		Aliases: []string{"delete"},
		Short:   "Delete sessions and their messages",
		Args:    cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(func(ctx context.Context, a *app, userID string) error {
				for _, id := range args {
					if err := a.manager.DeleteSession(ctx, id, userID); err != nil {
						return err
					}
					fmt.Printf("deleted %s\n", id)
				}
				return nil
			})
		},
	}

	var allUsers bool
	statsCmd := &cobra.Command{
		Use:   "stats",
		Short: "Print session usage statistics",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(func(ctx context.Context, a *app, userID string) error {
				if allUsers {
					userID = ""
				}
				st, err := a.manager.SessionStats(ctx, userID)
				if err != nil {
					return err
				}
				if jsonOutput {
					return printJSON(st)
				}
				w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
				fmt.Fprintf(w, "total sessions\t%d\n", st.TotalSessions)
				fmt.Fprintf(w, "active sessions\t%d\n", st.ActiveSessions)
				fmt.Fprintf(w, "total messages\t%d\n", st.TotalMessages)
				fmt.Fprintf(w, "average duration\t%.1f min\n", st.AverageDuration)
				fmt.Fprintf(w, "concurrent users\t%d\n", st.PeakConcurrentUsers)
				types := make([]string, 0, len(st.SessionTypes))
				for t := range st.SessionTypes {
					types = append(types, t)
				}
				sort.Strings(types)
				for _, t := range types {
					fmt.Fprintf(w, "  %s\t%d\n", t, st.SessionTypes[t])
				}
				return w.Flush()
			})
		},
	}
	statsCmd.Flags().BoolVar(&allUsers, "all", false, "aggregate over all users")

	cmd.AddCommand(listCmd, showCmd, renameCmd, rmCmd, statsCmd)
	return cmd
}

// withApp runs fn with a manager built from configuration.
func withApp(fn func(ctx context.Context, a *app, userID string) error) error {
	userID, err := requireUser()
	if err != nil {
		return err
	}
	a, err := newApp(os.Stderr, nil)
	if err != nil {
		return err
	}
	defer a.Close()
	return fn(context.Background(), a, userID)
}

// writeSummary prints a cached session summary as aligned fields.
func writeSummary(w io.Writer, snap *manager.Snapshot) error {
	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	fmt.Fprintf(tw, "id\t%s\n", snap.ID)
	fmt.Fprintf(tw, "title\t%s\n", snap.Title)
	fmt.Fprintf(tw, "type\t%s\n", snap.Type)
	fmt.Fprintf(tw, "messages\t%d\n", snap.MessageCount)
	fmt.Fprintf(tw, "created\t%s\n", snap.CreatedAt.Local().Format(time.DateTime))
	fmt.Fprintf(tw, "last message\t%s\n", snap.LastMessageAt.Local().Format(time.DateTime))
	return tw.Flush()
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
