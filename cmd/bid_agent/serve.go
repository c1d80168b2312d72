package main

import (
	"fmt"
	"log"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/jonathan/bid-assistant/internal/config"
	"github.com/jonathan/bid-assistant/internal/executor"
	"github.com/jonathan/bid-assistant/internal/server"
	"github.com/jonathan/bid-assistant/internal/server/ratelimit"
)

var servePort int

// staleSweepInterval is how often queued steps are checked for a lost worker
const staleSweepInterval = time.Minute

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the REST API server",
	Long: `Start an HTTP server that exposes the project, progress and step endpoints.

With queue.mode=local steps run inside this process; with queue.mode=redis they
are enqueued for "bid_agent worker".`,
	RunE: runServe,
}

func init() {
	serveCmd.Flags().IntVar(&servePort, "port", 0, "Port to listen on (overrides config and PORT)")
	rootCmd.AddCommand(serveCmd)
}

func runServe(cmd *cobra.Command, _ []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}
	if servePort != 0 {
		cfg.Server.Port = servePort
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	a, err := newApp(ctx, cfg)
	if err != nil {
		return err
	}
	defer a.Close()

	var local *executor.GoDispatcher
	switch cfg.Queue.Mode {
	case config.QueueRedis:
		queue := executor.NewQueueDispatcher(a.queueConfig())
		defer queue.Close() //nolint:errcheck
		a.runner.SetDispatcher(queue)
		go a.runner.WatchStale(ctx, staleSweepInterval)
		log.Printf("[queue] enqueueing steps to %s", cfg.Queue.RedisAddr)
	default:
		local, _ = a.runner.Dispatcher().(*executor.GoDispatcher)
		n, err := a.runner.ReconcileInterrupted(ctx)
		if err != nil {
			return fmt.Errorf("failed to reconcile interrupted steps: %w", err)
		}
		if n > 0 {
			log.Printf("[server] %d step(s) left running by a previous process were marked as error", n)
		}
	}

	srv, err := server.New(server.Deps{
		Store:     a.store,
		Progress:  a.progress,
		Tasks:     a.tasks,
		Runner:    a.runner,
		Workspace: a.workspace,
		Pipeline:  a.pipeline,
		Files:     a.files,
		Auth:      cfg.Auth,
		RateLimit: ratelimit.NewConfig(!cfg.RateLimit.Disabled, cfg.RateLimit.DefaultLimit, cfg.RateLimit.Window(),
			cfg.RateLimit.Whitelist, cfg.RateLimit.Blacklist),
		Port: cfg.Server.Port,
	})
	if err != nil {
		return fmt.Errorf("failed to create server: %w", err)
	}

	if cfg.Auth.Enabled() {
		log.Printf("[server] bearer auth enabled for operator %q", cfg.Auth.Username)
	}
	err = srv.Start(ctx)
	if local != nil {
		log.Println("[server] waiting for running steps to finish...")
		local.Wait()
	}
	return err
}
