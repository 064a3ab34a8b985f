package main

import (
	"fmt"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/soochol/exectrack/internal/api"
	"github.com/soochol/exectrack/internal/services"
)

func newHistoryCmd() *cobra.Command {
	var completions bool
	var limit int
	cmd := &cobra.Command{
		Use:   "history",
		Short: "Print the stored execution history (or the completion log with --completions)",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			store, err := openStore(ctx, cfg)
			if err != nil {
				return err
			}
			defer store.Close()

			w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 0, 2, ' ', 0)
			defer w.Flush()

			if completions {
				records := services.NewExecutionTracker(ctx, store, trackerOptions(cfg)).GetCompletionHistory()
				fmt.Fprintln(w, "EXECUTION\tSTATUS\tTIMESTAMP\tSUMMARY")
				for _, rec := range tail(records, limit) {
					fmt.Fprintf(w, "%s\t%s\t%s\t%s\n", rec.ExecutionID, rec.Status, formatTime(rec.Timestamp), rec.Summary)
				}
				return nil
			}

			// Loading the registry reads its history without arming any timers.
			history := services.NewExecutionRegistry(ctx, store, registryOptions(cfg)).GetCompletedExecutions()
			fmt.Fprintln(w, "EXECUTION\tAGENT\tSTATUS\tSTARTED\tDURATION\tERROR")
			for _, rec := range tail(history, limit) {
				fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\t%s\n",
					rec.ExecutionID, rec.AgentName, rec.Status, formatTime(rec.StartTime),
					rec.Duration().Round(time.Millisecond), rec.Error)
			}
			return nil
		},
	}
	cmd.Flags().BoolVar(&completions, "completions", false, "show the completion log instead of execution history")
	cmd.Flags().IntVarP(&limit, "limit", "n", 20, "show at most this many of the newest entries (0 for all)")
	return cmd
}

func newStatsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "stats",
		Short: "Print statistics computed from stored histories",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			store, err := openStore(ctx, cfg)
			if err != nil {
				return err
			}
			defer store.Close()

			es := services.NewExecutionRegistry(ctx, store, registryOptions(cfg)).GetStatistics()
			cs := services.NewExecutionTracker(ctx, store, trackerOptions(cfg)).GetCompletionStats()

			w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 0, 2, ' ', 0)
			defer w.Flush()
			fmt.Fprintf(w, "completed\t%d\n", es.Completed)
			fmt.Fprintf(w, "failed\t%d\n", es.Failed)
			fmt.Fprintf(w, "cancelled\t%d\n", es.Cancelled)
			fmt.Fprintf(w, "timeout\t%d\n", es.Timeout)
			fmt.Fprintf(w, "average duration\t%s\n", es.AverageDuration.Round(time.Millisecond))
			fmt.Fprintf(w, "signals\t%d (success %d, partial %d, error %d)\n", cs.Total, cs.Successful, cs.Partial, cs.Errors)
			return nil
		},
	}
}

func newTokenCmd() *cobra.Command {
	var subject string
	var ttl time.Duration
	cmd := &cobra.Command{
		Use:   "token",
		Short: "Mint a bearer token for POST /api/signals from signals.secret",
		RunE: func(cmd *cobra.Command, args []string) error {
			if cfg.Signals.Secret == "" {
				return fmt.Errorf("signals.secret is not set")
			}
			tok, err := api.NewSignalToken(cfg.Signals.Secret, subject, ttl)
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), tok)
			return nil
		},
	}
	cmd.Flags().StringVar(&subject, "subject", "runtime", "token subject")
	cmd.Flags().DurationVar(&ttl, "ttl", 24*time.Hour, "token lifetime (0 for no expiry)")
	return cmd
}

func tail[T any](items []T, n int) []T {
	if n > 0 && len(items) > n {
		return items[len(items)-n:]
	}
	return items
}

func formatTime(t time.Time) string {
	if t.IsZero() {
		return "-"
	}
	return t.Local().Format(time.DateTime)
}
