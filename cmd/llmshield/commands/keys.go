package commands

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/llmshield/llmshield/internal/proxy"
)

func newKeysCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "keys",
		Short: "Manage gateway API keys",
	}
	cmd.AddCommand(newKeysListCmd())
	cmd.AddCommand(newKeysCreateCmd())
	cmd.AddCommand(newKeysDeleteCmd())
	return cmd
}

func openKeyManager() (*proxy.APIKeyManager, error) {
	cfg := loadConfig()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	return proxy.NewAPIKeyManager(cfg.APIKeysPath(), logger)
}

func newKeysListCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List API keys",
		RunE: func(cmd *cobra.Command, args []string) error {
			keys, err := openKeyManager()
			if err != nil {
				return err
			}

			list := keys.List()
			if len(list) == 0 {
				fmt.Println("No API keys configured.")
				return nil
			}

			tw := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
			fmt.Fprintf(tw, "KEY\tNAME\tPERMISSIONS\tRATE LIMIT\tCREATED\n") //nolint:errcheck // CLI output
			for key, info := range list {
				prefix := key
				if len(prefix) > 8 {
					prefix = prefix[:8] + "..."
				}
				created := time.Unix(int64(info.CreatedAt), 0).Format("2006-01-02")
				fmt.Fprintf(tw, "%s\t%s\t%v\t%d/min\t%s\n", //nolint:errcheck // CLI output
					prefix, info.Name, info.Permissions, info.RateLimit, created)
			}
			return tw.Flush()
		},
	}
}

func newKeysCreateCmd() *cobra.Command {
	var name string
	var permissions, models []string
	var rateLimit int

	cmd := &cobra.Command{
		Use:   "create",
		Short: "Create a new API key",
		Example: `  llmshield keys create --name ci-bot
  llmshield keys create --name admin --permission "*" --rate-limit 120`,
		RunE: func(cmd *cobra.Command, args []string) error {
			if name == "" {
				return fmt.Errorf("--name is required")
			}
			keys, err := openKeyManager()
			if err != nil {
				return err
			}

			key, err := keys.CreateKey(name, permissions, rateLimit, models)
			if err != nil {
				return fmt.Errorf("creating key: %w", err)
			}

			fmt.Printf("Created key for %s\n", name)
			fmt.Printf("  %s\n", key)
			fmt.Println("Store it now, the full key is not shown again.")
			return nil
		},
	}

	cmd.Flags().StringVar(&name, "name", "", "display name for the key")
	cmd.Flags().StringSliceVar(&permissions, "permission", nil, "permission(s) to grant (default: chat)")
	cmd.Flags().StringSliceVar(&models, "model", nil, "model(s) the key may use (default: all)")
	cmd.Flags().IntVar(&rateLimit, "rate-limit", 0, "requests per minute (default: 60)")
	return cmd
}

func newKeysDeleteCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "delete <key>",
		Short: "Delete an API key",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			keys, err := openKeyManager()
			if err != nil {
				return err
			}

			ok, err := keys.DeleteKey(args[0])
			if err != nil {
				return fmt.Errorf("deleting key: %w", err)
			}
			if !ok {
				return fmt.Errorf("key not found")
			}
			fmt.Println("Key deleted.")
			return nil
		},
	}
}
