package commands

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/llmshield/llmshield/internal/events"
	"github.com/llmshield/llmshield/internal/rules"
)

func newEventsCmd() *cobra.Command {
	var kind, severity, since string
	var limit int

	cmd := &cobra.Command{
		Use:   "events",
		Short: "Query the security event log",
		Example: `  llmshield events
  llmshield events --type prompt_injection
  llmshield events --severity high --since 24h`,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg := loadConfig()
			logger := slog.New(slog.NewTextHandler(io.Discard, nil))

			log, err := events.NewLogger(cfg.EventsPath(), logger)
			if err != nil {
				return fmt.Errorf("opening event log: %w", err)
			}

			f := events.Filter{
				DetectionKind: rules.DetectionKind(kind),
				Severity:      rules.Severity(severity),
			}
			if since != "" {
				dur, err := time.ParseDuration(since)
				if err != nil {
					return fmt.Errorf("invalid duration %q: %w", since, err)
				}
				f.StartTime = float64(time.Now().Add(-dur).Unix())
			}

			list := log.Query(f, limit, 0)
			if len(list) == 0 {
				fmt.Println("No events found.")
				return nil
			}

			tw := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
			fmt.Fprintf(tw, "TIME\tTYPE\tSEVERITY\tRULE\tREASON\n") //nolint:errcheck // CLI output
			for _, e := range list {
				ts := time.Unix(int64(e.Timestamp), 0).Format("2006-01-02 15:04:05")
				fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\n", //nolint:errcheck // CLI output
					ts, e.DetectionKind, e.Severity, e.RuleID, e.Reason)
			}
			return tw.Flush()
		},
	}

	cmd.Flags().StringVar(&kind, "type", "", "filter by detection type")
	cmd.Flags().StringVar(&severity, "severity", "", "filter by severity")
	cmd.Flags().StringVar(&since, "since", "", "only events newer than this duration (e.g. 24h)")
	cmd.Flags().IntVar(&limit, "limit", 50, "maximum events to show")
	return cmd
}
