package main

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/alvmarrod/cite-weaver/internal/memory"
	"github.com/alvmarrod/cite-weaver/internal/session"
	"github.com/alvmarrod/cite-weaver/internal/storage"
)

// NewSessionsCmd creates the sessions command group.
func NewSessionsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "sessions",
		Short: "Manage stored crawl sessions",
	}

	cmd.AddCommand(newSessionsListCmd())
	cmd.AddCommand(newSessionsShowCmd())
	cmd.AddCommand(newSessionsMergeCmd())
	cmd.AddCommand(newSessionsExportCmd())
	cmd.AddCommand(newSessionsCleanupCmd())
	cmd.AddCommand(newSessionsDeleteCmd())

	return cmd
}

// withStore opens the configured store for the duration of fn.
func withStore(cmd *cobra.Command, fn func(store *session.Store) error) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	if err := cfg.ValidateTuning(); err != nil {
		return fmt.Errorf("configuration error: %w", err)
	}
	store, err := openStore(cfg)
	if err != nil {
		return err
	}
	defer store.Close()
	return fn(store)
}

func newSessionsListCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List stored sessions, newest first",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return withStore(cmd, func(store *session.Store) error {
				summaries, err := store.List(cmd.Context())
				if err != nil {
					return err
				}
				if len(summaries) == 0 {
					fmt.Fprintln(cmd.OutOrStdout(), "No sessions found")
					return nil
				}
				return printSummaries(cmd.OutOrStdout(), summaries)
			})
		},
	}
}

func newSessionsShowCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "show <session-id>",
		Short: "Show details of a stored session",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			showTree, _ := cmd.Flags().GetBool("tree")
			return withStore(cmd, func(store *session.Store) error {
				state, err := store.Load(cmd.Context(), args[0])
				if err != nil {
					return err
				}
				if err := printState(cmd, state); err != nil {
					return err
				}
				if !showTree {
					return nil
				}
				text, err := session.Export(state, session.FormatText)
				if err != nil {
					return err
				}
				_, err = cmd.OutOrStdout().Write(text)
				return err
			})
		},
	}
	cmd.Flags().Bool("tree", false, "Also print the citation tree")
	return cmd
}

func printState(cmd *cobra.Command, state *storage.SessionState) error {
	var stats memory.Stats
	if state.HasTree() {
		tree, err := memory.FromState(state)
		if err != nil {
			return err
		}
		stats = tree.Stats()
	}

	rows := [][]string{
		{"Session", state.SessionID},
		{"Root URL", state.RootURL},
		{"Created", formatTime(state.CreatedAt)},
		{"Updated", formatTime(state.UpdatedAt)},
		{"Requests", strconv.Itoa(state.RequestCount)},
		{"Visited URLs", strconv.Itoa(len(state.Visited))},
		{"Papers", strconv.Itoa(stats.Nodes)},
		{"Max depth", strconv.Itoa(stats.MaxDepth)},
		{"Pending", strconv.Itoa(stats.Pending)},
		{"References", strconv.Itoa(stats.References)},
		{"Failed", strconv.Itoa(stats.Failed)},
		{"Throttles in window", strconv.Itoa(state.Backoff.ConsecutiveThrottleCount)},
	}
	for _, o := range storage.Outcomes {
		rows = append(rows, []string{"Fetch " + string(o), strconv.Itoa(state.Counters.Outcomes[o])})
	}
	if len(state.MergedFrom) > 0 {
		rows = append(rows, []string{"Merged from", strings.Join(state.MergedFrom, ", ")})
	}
	return renderTable(cmd.OutOrStdout(), []string{"Property", "Value"}, rows)
}

func newSessionsMergeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "merge <session-id> <session-id>...",
		Short: "Merge sessions into a new one",
		Long: `Merge combines two or more sessions into a new session. Visited URLs are
unioned, request counts summed, and trees joined by root. The inputs are kept.`,
		Args: cobra.MinimumNArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withStore(cmd, func(store *session.Store) error {
				merged, err := store.Merge(cmd.Context(), args...)
				if err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "Merged %d sessions into %s (%d nodes, %d visited URLs)\n",
					len(args), merged.SessionID, len(merged.Nodes), len(merged.Visited))
				return nil
			})
		},
	}
}

func newSessionsExportCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "export <session-id>",
		Short: "Export a session as JSON, CSV, text or Markdown",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			output, format, err := exportTarget(cmd)
			if err != nil {
				return err
			}
			return withStore(cmd, func(store *session.Store) error {
				if output != "" {
					if err := exportSession(cmd.Context(), store, args[0], format, output); err != nil {
						return err
					}
					fmt.Fprintf(cmd.OutOrStdout(), "Exported %s to %s\n", args[0], output)
					return nil
				}
				data, err := store.Export(cmd.Context(), args[0], format)
				if err != nil {
					return err
				}
				_, err = cmd.OutOrStdout().Write(data)
				return err
			})
		},
	}
	cmd.Flags().StringP("output", "o", "", "Write to this file instead of stdout")
	cmd.Flags().StringP("format", "f", "", "Export format: json, csv, text or markdown (default from --output extension)")
	return cmd
}

func newSessionsCleanupCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "cleanup",
		Short: "Delete sessions older than a number of days",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			days, _ := cmd.Flags().GetInt("days")
			dryRun, _ := cmd.Flags().GetBool("dry-run")
			if days < 0 {
				return fmt.Errorf("--days must be >= 0, got %d", days)
			}
			return withStore(cmd, func(store *session.Store) error {
				removed, err := store.Cleanup(cmd.Context(), time.Duration(days)*24*time.Hour, dryRun)
				if err != nil {
					return err
				}
				verb := "Deleted"
				if dryRun {
					verb = "Would delete"
				}
				for _, s := range removed {
					fmt.Fprintf(cmd.OutOrStdout(), "%s %s (created %s)\n", verb, s.SessionID, formatTime(s.CreatedAt))
				}
				fmt.Fprintf(cmd.OutOrStdout(), "%s %d sessions\n", verb, len(removed))
				return nil
			})
		},
	}
	cmd.Flags().Int("days", 30, "Delete sessions created more than this many days ago")
	cmd.Flags().Bool("dry-run", false, "Only list what would be deleted")
	return cmd
}

func newSessionsDeleteCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "delete <session-id>",
		Short: "Delete a stored session",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withStore(cmd, func(store *session.Store) error {
				if err := store.Delete(cmd.Context(), args[0]); err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "Deleted %s\n", args[0])
				return nil
			})
		},
	}
}
