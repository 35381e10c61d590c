package commands

import (
	"fmt"
	"io"
	"log/slog"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/llmshield/llmshield/internal/config"
	"github.com/llmshield/llmshield/internal/detect"
	"github.com/llmshield/llmshield/internal/rules"
)

func newRulesCmd() *cobra.Command {
	var explain string
	var custom bool

	cmd := &cobra.Command{
		Use:   "rules",
		Short: "List or explain detection rules",
		Example: `  llmshield rules
  llmshield rules --explain PI-001
  llmshield rules --custom`,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg := loadConfig()
			logger := slog.New(slog.NewTextHandler(io.Discard, nil))

			if custom {
				scanner := detect.NewCustomScanner(cfg.Security.CustomRulesDir, logger)
				if explain != "" {
					detail, err := scanner.ExplainRule(explain)
					if err != nil {
						return err
					}
					fmt.Printf("Rule: %s\n", detail.ID)
					fmt.Printf("Name: %s\n", detail.Name)
					fmt.Printf("Severity: %s\n", detail.Severity)
					fmt.Printf("Category: %s\n", detail.Category)
					fmt.Printf("Description: %s\n", detail.Description)
					fmt.Println("\nPatterns:")
					for _, p := range detail.Patterns {
						fmt.Printf("  %s\n", p)
					}
					return nil
				}
				list := scanner.ListRules()
				fmt.Printf("Loaded %d engine rules:\n\n", len(list))
				for _, r := range list {
					fmt.Printf("  %-12s %-10s %s\n", r.ID, r.Severity, r.Name)
				}
				return nil
			}

			store, err := rules.NewStore(rulePaths(cfg), logger)
			if err != nil {
				return fmt.Errorf("loading rules: %w", err)
			}
			snap := store.Snapshot()

			if explain != "" {
				r, ok := snap.RuleByID(explain)
				if !ok {
					return fmt.Errorf("rule %s not found", explain)
				}
				fmt.Printf("Rule: %s\n", r.ID)
				fmt.Printf("Name: %s\n", r.Name)
				fmt.Printf("Type: %s\n", r.DetectionKind)
				fmt.Printf("Severity: %s\n", r.Severity)
				fmt.Printf("Enabled: %v  Block: %v  Priority: %d\n", r.Enabled, r.Block, r.Priority)
				fmt.Printf("Description: %s\n", r.Description)
				fmt.Println("\nPatterns:")
				for _, p := range r.Patterns {
					fmt.Printf("  %s\n", p)
				}
				if len(r.Keywords) > 0 {
					fmt.Println("\nKeywords:")
					for _, k := range r.Keywords {
						fmt.Printf("  %s\n", k)
					}
				}
				return nil
			}

			all := snap.AllRules()
			fmt.Printf("Loaded %d detection rules:\n\n", len(all))
			for _, r := range all {
				state := " "
				if !r.Enabled {
					state = "-"
				}
				fmt.Printf(" %s %-10s %-10s %s\n", state, r.ID, severityColor(r.Severity), r.Name)
			}
			if snap.CompileFailures > 0 {
				color.Yellow("\n%d rule(s) failed to compile and are inactive", snap.CompileFailures)
			}
			return nil
		},
	}

	cmd.Flags().StringVar(&explain, "explain", "", "explain a specific rule by ID")
	cmd.Flags().BoolVar(&custom, "custom", false, "list engine rules instead of family rules")
	return cmd
}

func severityColor(s rules.Severity) string {
	switch s {
	case rules.SeverityCritical:
		return color.RedString("%-10s", s)
	case rules.SeverityHigh:
		return color.MagentaString("%-10s", s)
	case rules.SeverityMedium:
		return color.YellowString("%-10s", s)
	default:
		return fmt.Sprintf("%-10s", s)
	}
}

// loadConfig reads the config file, falling back to env/defaults.
func loadConfig() *config.Config {
	cfg, err := config.Load(cfgFile)
	if err != nil {
		cfg = config.FromEnv()
	}
	return cfg
}

func rulePaths(cfg *config.Config) rules.Paths {
	return rules.Paths{
		PromptInjection: cfg.FamilyRulePath(cfg.Security.PromptInjectionRulesPath),
		Jailbreak:       cfg.FamilyRulePath(cfg.Security.JailbreakRulesPath),
		HarmfulContent:  cfg.FamilyRulePath(cfg.Security.HarmfulContentRulesPath),
		Compliance:      cfg.FamilyRulePath(cfg.Security.ComplianceRulesPath),
		SensitiveInfo:   cfg.FamilyRulePath(cfg.Security.SensitiveInfoPatternsPath),
	}
}
