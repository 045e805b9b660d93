package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"golang.org/x/sync/errgroup"

	"github.com/suPer8Hu/crewjobs/internal/bootstrap"
	"github.com/suPer8Hu/crewjobs/internal/config"
	"github.com/suPer8Hu/crewjobs/internal/httpapi"
	"github.com/suPer8Hu/crewjobs/internal/jobs"
	"github.com/suPer8Hu/crewjobs/internal/store/rabbitmq"
)

const shutdownTimeout = 20 * time.Second

func main() {
	if err := run(); err != nil {
		slog.Error("api exited", "error", err)
		os.Exit(1)
	}
}

func run() error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}
	logger := bootstrap.NewLogger(cfg, "api")
	if cfg.Environment != "dev" {
		gin.SetMode(gin.ReleaseMode)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	store, closeStore, err := bootstrap.OpenStore(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer closeStore()

	var (
		dispatcher jobs.Dispatcher
		inline     *jobs.InlineDispatcher
		redispatch jobs.Dispatcher
	)
	switch cfg.Dispatch.Mode {
	case config.DispatchInline:
		exec, closeExec, err := bootstrap.NewExecutor(ctx, cfg, logger)
		if err != nil {
			return err
		}
		defer closeExec()
		inline = jobs.NewInlineDispatcher(jobs.NewProcessor(store, exec, cfg.Worker.JobTimeout, logger), logger)
		dispatcher = inline
	default:
		pub, err := rabbitmq.NewPublisher(cfg.Rabbit.URL, cfg.Rabbit.Queue)
		if err != nil {
			return err
		}
		defer pub.Close()
		dispatcher, redispatch = pub, pub
	}

	svc := jobs.NewService(store, dispatcher, cfg.Dispatch.Timeout, logger)
	srv := &http.Server{
		Addr:         cfg.HTTP.Addr,
		Handler:      httpapi.NewRouter(svc, cfg, logger),
		ReadTimeout:  cfg.HTTP.ReadTimeout,
		WriteTimeout: cfg.HTTP.WriteTimeout,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		logger.Info("http listening", "addr", cfg.HTTP.Addr,
			"store", cfg.Jobs.Store, "dispatch", cfg.Dispatch.Mode, "auth", cfg.AuthEnabled())
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		sctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		err := srv.Shutdown(sctx)
		if inline != nil {
			err = errors.Join(err, inline.Close(sctx))
		}
		logger.Info("api stopped")
		return err
	})
	if cfg.Reaper.Enabled {
		reaper, err := bootstrap.NewReaper(store, cfg, redispatch, logger)
		if err != nil {
			return err
		}
		g.Go(func() error { return reaper.Run(gctx) })
	}
	return g.Wait()
}
