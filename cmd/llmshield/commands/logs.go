package commands

import (
	"fmt"
	"log/slog"
	"os"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/llmshield/llmshield/internal/audit"
)

func newLogsCmd() *cobra.Command {
	var status, provider, model, since string
	var limit int

	cmd := &cobra.Command{
		Use:   "logs",
		Short: "Query the request audit log",
		Example: `  llmshield logs
  llmshield logs --status blocked
  llmshield logs --provider openai --since 1h`,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg := loadConfig()
			logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))

			store, err := audit.NewStore(cfg.AuditPath(), logger, 0)
			if err != nil {
				return fmt.Errorf("opening audit db: %w", err)
			}
			defer store.Close() //nolint:errcheck // best-effort cleanup

			var sinceTime string
			if since != "" {
				dur, err := time.ParseDuration(since)
				if err != nil {
					return fmt.Errorf("invalid duration %q: %w", since, err)
				}
				sinceTime = time.Now().Add(-dur).UTC().Format(time.RFC3339)
			}

			entries, err := store.Query(audit.QueryOpts{
				Status:   status,
				Provider: provider,
				Model:    model,
				Since:    sinceTime,
				Limit:    limit,
			})
			if err != nil {
				return err
			}

			if len(entries) == 0 {
				fmt.Println("No audit entries found.")
				return nil
			}

			tw := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
			fmt.Fprintf(tw, "TIME\tPROVIDER\tMODEL\tSTATUS\tREASON\tLATENCY\n") //nolint:errcheck // CLI output
			for _, e := range entries {
				reason := e.Reason
				if len(reason) > 40 {
					reason = reason[:37] + "..."
				}
				fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\t%dms\n", //nolint:errcheck // CLI output
					e.Timestamp, e.Provider, e.Model, e.Status, reason, e.LatencyMs)
			}
			return tw.Flush()
		},
	}

	cmd.Flags().StringVar(&status, "status", "", "filter by status (forwarded, blocked, masked, error)")
	cmd.Flags().StringVar(&provider, "provider", "", "filter by provider")
	cmd.Flags().StringVar(&model, "model", "", "filter by model")
	cmd.Flags().StringVar(&since, "since", "", "only entries newer than this duration (e.g. 1h)")
	cmd.Flags().IntVar(&limit, "limit", 50, "maximum entries to show")
	return cmd
}
