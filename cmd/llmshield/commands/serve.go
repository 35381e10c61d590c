package commands

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/fatih/color"
	"github.com/spf13/cobra"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/stdout/stdouttrace"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"

	"github.com/llmshield/llmshield/internal/config"
	"github.com/llmshield/llmshield/internal/proxy"
)

func newServeCmd() *cobra.Command {
	var port int
	var host string
	var trace bool

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the llmshield gateway",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(cfgFile)
			if err != nil {
				// Fall back to env/defaults if no config file
				cfg = config.FromEnv()
			}

			if port != 0 {
				cfg.Proxy.Port = port
			}
			if host != "" {
				cfg.Proxy.Host = host
			}

			if err := cfg.Validate(); err != nil {
				return err
			}

			level := slog.LevelInfo
			switch cfg.Proxy.LogLevel {
			case "debug":
				level = slog.LevelDebug
			case "warn":
				level = slog.LevelWarn
			case "error":
				level = slog.LevelError
			}

			logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))

			if trace {
				exp, err := stdouttrace.New(stdouttrace.WithPrettyPrint())
				if err != nil {
					return fmt.Errorf("creating trace exporter: %w", err)
				}
				tp := sdktrace.NewTracerProvider(sdktrace.WithBatcher(exp))
				otel.SetTracerProvider(tp)
				defer func() {
					ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
					defer cancel()
					if err := tp.Shutdown(ctx); err != nil {
						logger.Error("shutting down tracer", "error", err)
					}
				}()
			}

			srv, err := proxy.NewServer(cfg, logger)
			if err != nil {
				return err
			}

			// The server may have moved to a free port, so print after bind.
			printBanner(cfg, srv.Port())

			// Graceful shutdown on SIGINT/SIGTERM
			ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			errCh := make(chan error, 1)
			go func() {
				errCh <- srv.Start()
			}()

			select {
			case err := <-errCh:
				return err
			case <-ctx.Done():
				shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
				defer cancel()
				return srv.Shutdown(shutdownCtx)
			}
		},
	}

	cmd.Flags().IntVar(&port, "port", 0, "override gateway port")
	cmd.Flags().StringVar(&host, "host", "", "address to bind (default: 127.0.0.1)")
	cmd.Flags().BoolVar(&trace, "trace", false, "print request traces to stdout")
	return cmd
}

func printBanner(cfg *config.Config, port int) {
	host := cfg.Proxy.Host
	if host == "" {
		host = "127.0.0.1"
	}

	title := color.New(color.FgCyan, color.Bold)
	label := color.New(color.FgWhite)
	on := color.New(color.FgGreen).Sprint("on")
	off := color.New(color.FgYellow).Sprint("off")

	flag := func(enabled bool) string {
		if enabled {
			return on
		}
		return off
	}

	fmt.Println()
	title.Println("  llmshield gateway")
	fmt.Println("  ────────────────────────────────────────")
	label.Printf("  Proxy:    http://%s:%d/api/v1/proxy\n", host, port)
	label.Printf("  Ollama:   http://%s:%d/api/v1/ollama/chat\n", host, port)
	label.Printf("  Health:   http://%s:%d/api/v1/health\n", host, port)
	label.Printf("  Metrics:  http://%s:%d/metrics\n", host, port)
	fmt.Println("  ────────────────────────────────────────")
	fmt.Printf("  auth: %s  |  rate limit: %s  |  masking: %s\n",
		flag(cfg.Security.EnableAPIAuth),
		flag(cfg.Security.EnableRateLimiting),
		flag(cfg.Security.EnableContentMasking),
	)
	fmt.Println()
	fmt.Println("  Press Ctrl+C to stop.")
	fmt.Println()
}
