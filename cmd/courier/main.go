package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/glimte/courier-go"
	"github.com/glimte/courier-go/config"
	"github.com/glimte/courier-go/health"
)

var (
	// Version information
	version   = "dev"
	buildTime = "unknown"
	gitCommit = "unknown"
)

func main() {
	if err := newRootCommand().Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCommand() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "courier",
		Short: "Move audited request/reply messages between channels",
		Long: `Courier dispatches request and reply messages over file system and RabbitMQ
channels, recording every exchange in an audit store.`,
		Version:       versionString(),
		SilenceUsage:  true,
		SilenceErrors: false,
	}

	var configPath string
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "", "Path to the YAML configuration file")

	rootCmd.AddCommand(
		newServeCommand(&configPath),
		newSendCommand(&configPath),
		newCheckCommand(&configPath),
		newVersionCommand(),
	)
	return rootCmd
}

func versionString() string {
	return fmt.Sprintf("%s (commit: %s, built: %s)", version, gitCommit, buildTime)
}

// load reads the configuration and builds the messaging context
func load(ctx context.Context, path string) (*courier.Context, *config.Config, error) {
	cfg, err := config.Load(path)
	if err != nil {
		return nil, nil, err
	}
	logger := cfg.Log.Logger(os.Stderr)
	c, err := courier.FromConfig(ctx, cfg, courier.WithLogger(logger))
	if err != nil {
		return nil, nil, fmt.Errorf("failed to build messaging context: %w", err)
	}
	return c, cfg, nil
}

func newServeCommand(configPath *string) *cobra.Command {
	var (
		healthAddr string
		trace      bool
	)
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Listen on every configured channel until interrupted",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			cfg, err := config.Load(*configPath)
			if err != nil {
				return err
			}
			logger := cfg.Log.Logger(os.Stderr)
			opts := []courier.Option{courier.WithLogger(logger)}
			if trace {
				opts = append(opts, courier.WithMessageTracing())
			}
			c, err := courier.FromConfig(ctx, cfg, opts...)
			if err != nil {
				return fmt.Errorf("failed to build messaging context: %w", err)
			}
			defer c.Close()

			if err := c.Start(ctx); err != nil {
				return err
			}

			var server *http.Server
			if healthAddr != "" {
				mux := http.NewServeMux()
				mux.Handle("/health", health.NewHandler(c.HealthRegistry(), 5*time.Second))
				server = &http.Server{Addr: healthAddr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}
				go func() {
					if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
						logger.Error("health server failed", "error", err)
					}
				}()
				logger.Info("health endpoint listening", "addr", healthAddr)
			}

			logger.Info("courier serving", "service", cfg.Service.Name, "channels", len(c.Channels()))
			<-ctx.Done()
			logger.Info("shutting down")

			if server != nil {
				shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
				defer cancel()
				_ = server.Shutdown(shutdownCtx)
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&healthAddr, "health-addr", "", "Address of the HTTP health endpoint, disabled when empty")
	cmd.Flags().BoolVar(&trace, "trace", false, "Log every message entering the pipeline")
	return cmd
}

func newSendCommand(configPath *string) *cobra.Command {
	var (
		event         string
		correlationID string
		content       []string
		timeout       time.Duration
	)
	cmd := &cobra.Command{
		Use:   "send",
		Short: "Publish one request on every outgoing channel",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := context.WithTimeout(cmd.Context(), timeout)
			defer cancel()

			doc, err := parseContent(content)
			if err != nil {
				return err
			}

			c, _, err := load(ctx, *configPath)
			if err != nil {
				return err
			}
			defer c.Close()

			if len(c.Outbound.Channels()) == 0 {
				return errors.New("no outgoing channel configured")
			}
			if err := c.Outbound.Start(ctx); err != nil {
				return err
			}

			req, err := newRequest(c, correlationID, event, doc)
			if err != nil {
				return err
			}
			if err := c.Outbound.PushRequest(ctx, req).Wait(ctx); err != nil {
				return fmt.Errorf("failed to send %s: %w", event, err)
			}
			for _, state := range c.Monitor().States() {
				if state.Degraded && state.LastError != nil {
					return fmt.Errorf("channel %s: %w", state.Name, state.LastError.Err)
				}
			}

			fmt.Fprintf(cmd.OutOrStdout(), "sent %s %s\n", req.GetEvent(), req.GetCorrelationID())
			return nil
		},
	}
	cmd.Flags().StringVarP(&event, "event", "e", "", "Event of the request")
	cmd.Flags().StringVar(&correlationID, "correlation-id", "", "Correlation id, generated when empty")
	cmd.Flags().StringArrayVar(&content, "content", nil, "Content entry as key=value, repeatable")
	cmd.Flags().DurationVar(&timeout, "timeout", 30*time.Second, "Time allowed for the broadcast")
	_ = cmd.MarkFlagRequired("event")
	return cmd
}

func newCheckCommand(configPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "check",
		Short: "Build the configured context and print its health",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := context.WithTimeout(cmd.Context(), 10*time.Second)
			defer cancel()

			c, _, err := load(ctx, *configPath)
			if err != nil {
				return err
			}
			defer c.Close()

			overall := c.Health(ctx)
			printHealth(cmd, overall)
			if overall.Status == health.StatusUnhealthy {
				return errors.New("unhealthy")
			}
			return nil
		},
	}
}

func newVersionCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Fprintln(cmd.OutOrStdout(), versionString())
		},
	}
}
