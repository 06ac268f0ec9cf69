package main

import (
	"context"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"mini-rsocket/middleware"
	"mini-rsocket/server"
)

var serveFlags struct {
	metricsAddr     string
	interval        time.Duration
	count           int
	file            string
	shutdownTimeout time.Duration
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the demo responder",
	RunE: func(cmd *cobra.Command, args []string) error {
		if serveFlags.metricsAddr != "" {
			cfg.MetricsAddr = serveFlags.metricsAddr
		}
		ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
		defer stop()
		return serve(ctx)
	},
}

func init() {
	serveCmd.Flags().StringVar(&serveFlags.metricsAddr, "metrics-addr", "", "serve prometheus /metrics on this address")
	serveCmd.Flags().DurationVar(&serveFlags.interval, "interval", time.Second, "delay between stream items")
	serveCmd.Flags().IntVar(&serveFlags.count, "count", 10, "items per stream, 0 streams until cancelled")
	serveCmd.Flags().StringVar(&serveFlags.file, "file", "", "file served in chunks on the FluxStream route")
	serveCmd.Flags().DurationVar(&serveFlags.shutdownTimeout, "shutdown-timeout", 10*time.Second, "grace period for in-flight requests")
}

func newServer() *server.Server {
	tc := cfg.Transport()
	tc.Logger = logger
	svr := server.NewServer(tc)
	svr.Use(middleware.LoggingMiddleware(logger))
	svr.Use(middleware.MetricsMiddleware())
	if cfg.RateLimit.Rate > 0 {
		svr.Use(middleware.RateLimitMiddleware(cfg.RateLimit.Rate, max(cfg.RateLimit.Burst, 1)))
	}
	d := &demo{
		log:      logger.Named("demo"),
		interval: serveFlags.interval,
		count:    serveFlags.count,
		file:     serveFlags.file,
	}
	d.register(svr)
	return svr
}

func serve(ctx context.Context) error {
	svr := newServer()
	l, err := net.Listen(cfg.Network, cfg.Listen)
	if err != nil {
		return errors.Wrap(err, "listen")
	}

	var metricsSrv *http.Server
	if cfg.MetricsAddr != "" {
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.Handler())
		metricsSrv = &http.Server{Addr: cfg.MetricsAddr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}
		go func() {
			if err := metricsSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				logger.Error("metrics server failed", zap.Error(err))
			}
		}()
		logger.Info("metrics enabled", zap.String("addr", cfg.MetricsAddr))
	}

	served := make(chan error, 1)
	go func() { served <- svr.ServeListener(l) }()

	select {
	case err := <-served:
		return err
	case <-ctx.Done():
	}
	logger.Info("shutting down")
	err = svr.Shutdown(serveFlags.shutdownTimeout)
	if metricsSrv != nil {
		sctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		_ = metricsSrv.Shutdown(sctx)
	}
	if serr := <-served; err == nil {
		err = serr
	}
	return err
}
