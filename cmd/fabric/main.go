package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	// SQL drivers for the report store; the binary decides what links in.
	_ "github.com/lib/pq"
	_ "github.com/mattn/go-sqlite3"

	"github.com/spiderfoot/fabric/pkg/api"
	"github.com/spiderfoot/fabric/pkg/config"
	"github.com/spiderfoot/fabric/pkg/fabric"
	"github.com/spiderfoot/fabric/pkg/log"
	"github.com/spiderfoot/fabric/pkg/metrics"
)

var (
	// Version information (set via ldflags during build)
	Version   = "dev"
	Commit    = "unknown"
	BuildTime = "unknown"
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:   "fabric",
	Short: "SpiderFoot event fabric daemon",
	Long: `The fabric daemon carries scan events between SpiderFoot scanner
modules and their consumers: a wildcard pub/sub bus with pluggable
backends, background task tracking, alert rules, webhook notifications,
rate limiting, and report persistence behind one HTTP API.`,
	Version: Version,
}

func init() {
	rootCmd.SetVersionTemplate(fmt.Sprintf(
		"fabric version %s\nCommit: %s\nBuilt: %s\n",
		Version, Commit, BuildTime,
	))

	serveCmd.Flags().StringP("config", "c", "", "path to YAML config (optional; env vars override)")
	serveCmd.Flags().Duration("shutdown-timeout", 15*time.Second, "grace period for draining on shutdown")
	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(checkConfigCmd)
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the event fabric",
	Long: `Start the bus, task manager, alert engine, notification manager,
report store, and the HTTP API, then run until interrupted.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfgPath, _ := cmd.Flags().GetString("config")
		grace, _ := cmd.Flags().GetDuration("shutdown-timeout")

		cfg, err := config.Load(cfgPath)
		if err != nil {
			return fmt.Errorf("load config: %w", err)
		}

		log.Init(log.Config{
			Level:      log.Level(cfg.Log.Level),
			JSONOutput: cfg.Log.JSON,
		})
		metrics.SetVersion(Version)

		f, err := fabric.New(cfg)
		if err != nil {
			return fmt.Errorf("assemble fabric: %w", err)
		}
		if err := f.Start(context.Background()); err != nil {
			return fmt.Errorf("start fabric: %w", err)
		}

		apiServer := api.NewServer(api.Deps{
			Config:  cfg.API,
			Bus:     f.Bus,
			Tasks:   f.Tasks,
			Alerts:  f.Alerts,
			Notify:  f.Notify,
			Store:   f.Store,
			Limiter: f.Limiter,
			Monitor: f.Monitor,
			Prefix:  cfg.Bus.ChannelPrefix,
			Runners: f.Runners(),
			Version: Version,
			Commit:  Commit,
		})

		errCh := make(chan error, 1)
		go func() {
			if err := apiServer.Start(); err != nil {
				errCh <- fmt.Errorf("api server error: %w", err)
			}
		}()

		sigCh := make(chan os.Signal, 1)
		signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)

		var runErr error
		select {
		case sig := <-sigCh:
			log.Logger.Info().Str("signal", sig.String()).Msg("shutting down")
		case runErr = <-errCh:
			log.Logger.Error().Err(runErr).Msg("shutting down")
		}

		ctx, cancel := context.WithTimeout(context.Background(), grace)
		defer cancel()

		if err := apiServer.Shutdown(ctx); err != nil {
			log.Logger.Warn().Err(err).Msg("api shutdown incomplete")
		}
		if err := f.Stop(ctx); err != nil {
			log.Logger.Warn().Err(err).Msg("fabric shutdown incomplete")
		}
		return runErr
	},
}

var checkConfigCmd = &cobra.Command{
	Use:   "check-config [path]",
	Short: "Validate a config file and print the effective settings",
	Args:  cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		path := ""
		if len(args) == 1 {
			path = args[0]
		}
		cfg, err := config.Load(path)
		if err != nil {
			return err
		}
		fmt.Printf("config OK\n")
		fmt.Printf("  bus backend:    %s (prefix %s)\n", cfg.Bus.Backend, cfg.Bus.ChannelPrefix)
		fmt.Printf("  store backend:  %s\n", cfg.Store.Backend)
		fmt.Printf("  api listen:     %s\n", cfg.API.Listen)
		fmt.Printf("  auth:           %s\n", describeAuth(cfg))
		fmt.Printf("  rate limiting:  %v\n", cfg.RateLimit.Enabled)
		return nil
	},
}

func describeAuth(cfg *config.Config) string {
	if cfg.API.Key == "" {
		return "disabled (no api key)"
	}
	if cfg.API.RBACEnforce {
		return fmt.Sprintf("api key as %s, rbac enforced", cfg.API.KeyRole)
	}
	return fmt.Sprintf("api key as %s", cfg.API.KeyRole)
}
