package main

import (
	"context"
	"errors"
	"net"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/tbourn/go-swap-matcher/internal/config"
	httpapi "github.com/tbourn/go-swap-matcher/internal/http"
)

const shutdownGrace = 30 * time.Second

func runServe(cmd *cobra.Command, _ []string) error {
	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	a, err := newApp(ctx, cfg)
	if err != nil {
		return err
	}
	defer a.Close(ctx)

	srv := newServer(a, cfg)
	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		log.Info().Str("addr", srv.Addr).Str("base_path", cfg.APIBasePath).Msg("http server listening")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})

	if !skipWorker {
		a.Pool.Start(gctx)
		g.Go(func() error { return a.Sender.Start(gctx) })
	}
	if cfg.Maintenance.Enabled {
		g.Go(func() error { return a.Maintenance.Start(gctx) })
	}

	g.Go(func() error {
		<-gctx.Done()
		log.Info().Msg("shutting down")

		sctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), shutdownGrace)
		defer cancel()

		// Stop claiming first; in-flight tasks finish before the DB closes.
		if !skipWorker {
			a.Pool.Stop()
			done := make(chan error, 1)
			go func() { done <- a.Pool.Wait() }()
			select {
			case err := <-done:
				if err != nil {
					log.Warn().Err(err).Msg("worker pool exited with error")
				}
			case <-sctx.Done():
				log.Warn().Msg("worker pool did not drain before the grace period")
			}
		}
		return srv.Shutdown(sctx)
	})

	if err := g.Wait(); err != nil {
		return err
	}
	log.Info().Msg("bye")
	return nil
}

func newServer(a *app, c config.Config) *http.Server {
	gin.SetMode(c.GinMode)
	r := gin.New()
	httpapi.RegisterRoutes(r, httpapi.Deps{
		Enqueuer:    a.Enqueue,
		Queue:       a.Queue,
		Maintenance: a.Maintenance,
	}, c)

	return &http.Server{
		Addr:              net.JoinHostPort("", c.Port),
		Handler:           r,
		ReadTimeout:       c.ReadTimeout,
		ReadHeaderTimeout: c.ReadHeaderTimeout,
		WriteTimeout:      c.WriteTimeout,
		IdleTimeout:       c.IdleTimeout,
		MaxHeaderBytes:    c.MaxHeaderBytes,
	}
}
