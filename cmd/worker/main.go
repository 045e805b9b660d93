package main

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/suPer8Hu/crewjobs/internal/backoff"
	"github.com/suPer8Hu/crewjobs/internal/bootstrap"
	"github.com/suPer8Hu/crewjobs/internal/config"
	"github.com/suPer8Hu/crewjobs/internal/jobs"
	"github.com/suPer8Hu/crewjobs/internal/store/rabbitmq"
)

func main() {
	if err := run(); err != nil {
		slog.Error("worker exited", "error", err)
		os.Exit(1)
	}
}

func run() error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}
	logger := bootstrap.NewLogger(cfg, "worker")

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	store, closeStore, err := bootstrap.OpenStore(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer closeStore()

	exec, closeExec, err := bootstrap.NewExecutor(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer closeExec()

	// retries go through the delayed .retry queue, so the worker publishes too
	pub, err := rabbitmq.NewPublisher(cfg.Rabbit.URL, cfg.Rabbit.Queue)
	if err != nil {
		return err
	}
	defer pub.Close()

	proc := jobs.NewProcessor(store, exec, cfg.Worker.JobTimeout, logger)
	consumer := rabbitmq.NewConsumer(cfg.Rabbit.URL, rabbitmq.ConsumerConfig{
		Queue:       cfg.Rabbit.Queue,
		Concurrency: cfg.Worker.Concurrency,
		MaxAttempts: cfg.Worker.MaxAttempts,
		Backoff:     backoff.NewJittered(2*time.Second, time.Minute),
	}, proc.Handle, pub, logger)

	logger.Info("worker started", "queue", cfg.Rabbit.Queue,
		"concurrency", cfg.Worker.Concurrency, "job_timeout", cfg.Worker.JobTimeout)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return consumer.Run(gctx) })
	if cfg.Reaper.Enabled {
		reaper, err := bootstrap.NewReaper(store, cfg, pub, logger)
		if err != nil {
			return err
		}
		g.Go(func() error { return reaper.Run(gctx) })
	}
	err = g.Wait()
	logger.Info("worker stopped")
	return err
}
