package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"

	"github.com/dropDatabas3/hellofed/internal/metrics"
	"github.com/dropDatabas3/hellofed/internal/observability/logger"
	"github.com/dropDatabas3/hellofed/internal/server"
	"github.com/dropDatabas3/hellofed/internal/util"
)

func newServeCmd(g *globalFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Levanta la rotación de claves, el worker de la cola y la API de operación",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := g.load()
			if err != nil {
				return err
			}
			defer func() { _ = logger.Sync() }()
			log := logger.L()

			if err := metrics.Register(prometheus.DefaultRegisterer); err != nil {
				return err
			}
			if err := server.RegisterMetrics(prometheus.DefaultRegisterer); err != nil {
				return err
			}

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			a, err := build(ctx, cfg)
			if err != nil {
				return err
			}
			defer func() {
				if err := a.Close(); err != nil {
					log.Warn("shutdown", logger.Err(err))
				}
			}()

			a.keys.Start(ctx)
			a.queue.Start(ctx)

			srv := server.New(cfg.Server.Addr, server.NewRouter(server.Deps{
				Keys:        a.keys,
				Queue:       a.queue,
				AdminAPIKey: cfg.Server.AdminAPIKey,
				Checks:      a.checks,
				Logger:      log,
			}))

			errCh := make(chan error, 1)
			go func() {
				log.Info("ops server listening",
					logger.String("addr", cfg.Server.Addr),
					logger.Domain(cfg.Federation.Domain),
					logger.String("queue_driver", cfg.Queue.Driver),
					logger.String("postgres_dsn", util.MaskDSN(cfg.Queue.Postgres.DSN)),
					logger.String("admin_api_key", util.MaskSecret(cfg.Server.AdminAPIKey)))
				errCh <- srv.ListenAndServe()
			}()

			select {
			case <-ctx.Done():
			case err := <-errCh:
				if !errors.Is(err, http.ErrServerClosed) {
					return err
				}
			}

			log.Info("shutting down")
			sctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 15*time.Second)
			defer cancel()
			return srv.Shutdown(sctx)
		},
	}
}
