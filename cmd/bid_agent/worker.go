package main

import (
	"fmt"
	"log"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/jonathan/bid-assistant/internal/config"
	"github.com/jonathan/bid-assistant/internal/executor"
)

var workerCmd = &cobra.Command{
	Use:   "worker",
	Short: "Run queued steps from Redis",
	Long:  `Consume step:execute tasks enqueued by "bid_agent serve" when queue.mode=redis and run them to completion.`,
	RunE:  runWorker,
}

func init() {
	rootCmd.AddCommand(workerCmd)
}

func runWorker(cmd *cobra.Command, _ []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}
	if cfg.Queue.Mode != config.QueueRedis {
		return fmt.Errorf("worker requires queue.mode=%s (got %q)", config.QueueRedis, cfg.Queue.Mode)
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	a, err := newApp(ctx, cfg)
	if err != nil {
		return err
	}
	defer a.Close()

	srv, mux := executor.NewQueueServer(a.queueConfig(), a.runner.RunJob)
	if err := srv.Start(mux); err != nil {
		return fmt.Errorf("failed to start queue worker: %w", err)
	}
	log.Printf("[queue] worker consuming %s from %s", executor.TypeStepExecute, cfg.Queue.RedisAddr)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		a.runner.WatchStale(gctx, staleSweepInterval)
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		log.Println("[queue] shutting down worker...")
		srv.Shutdown()
		return nil
	})
	return g.Wait()
}
