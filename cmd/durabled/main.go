// Command durabled serves a configured backend over HTTP so that processes
// can persist containers through the remote backend.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/adeilh/go-durable/backend/remote"
	"github.com/adeilh/go-durable/codec"
	"github.com/adeilh/go-durable/config"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintln(os.Stderr, "durabled:", err)
		os.Exit(1)
	}
}

func run() error {
	configPath := flag.String("config", "", "path to a YAML or JSON config file")
	addr := flag.String("addr", "", "listen address, overrides server.address")
	flag.Parse()

	cfg := config.Default()
	if *configPath != "" {
		loaded, err := config.Load(*configPath)
		if err != nil {
			return err
		}
		cfg = *loaded
	}
	if *addr != "" {
		cfg.Server.Address = *addr
	}
	if cfg.Backend.Kind == config.KindRemote {
		return errors.New("backend.kind remote would serve itself")
	}
	logger := cfg.Log.Logger(os.Stderr)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	b, err := config.OpenBackend[[]byte](ctx, cfg.Backend, codec.Raw{}, logger)
	if err != nil {
		return fmt.Errorf("open %s backend: %w", cfg.Backend.Kind, err)
	}
	defer func() {
		if err := b.Close(); err != nil {
			logger.Error("close backend", slog.Any("error", err))
		}
	}()

	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	requests := prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "durable",
		Subsystem: "remote",
		Name:      "requests_total",
		Help:      "Remote backend requests by method and status.",
	}, []string{"method", "status"})
	reg.MustRegister(requests)

	if cfg.Server.MetricsAddress != "" {
		go serveMetrics(ctx, logger, cfg.Server.MetricsAddress, reg)
	}

	srv := remote.NewServer(b,
		remote.WithAddress(cfg.Server.Address),
		remote.WithToken(cfg.Server.Token),
		remote.WithShutdownTimeout(cfg.Server.ShutdownGrace.Std()),
		remote.WithLogger(logger),
		remote.AppendMiddlewares(countRequests(requests)),
	)
	logger.Info("durabled starting",
		slog.String("backend", cfg.Backend.Kind),
		slog.String("address", cfg.Server.Address),
		slog.Bool("auth", cfg.Server.Token != ""),
	)
	err = srv.Start(ctx)
	if errors.Is(err, context.Canceled) {
		logger.Info("durabled stopped")
		return nil
	}
	return err
}

func countRequests(requests *prometheus.CounterVec) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			if err := next(c); err != nil {
				c.Error(err)
			}
			requests.WithLabelValues(c.Request().Method, strconv.Itoa(c.Response().Status)).Inc()
			return nil
		}
	}
}

func serveMetrics(ctx context.Context, logger *slog.Logger, addr string, reg *prometheus.Registry) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{Registry: reg}))
	srv := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()
	logger.Info("metrics listening", slog.String("address", addr))
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		logger.Error("metrics server", slog.Any("error", err))
	}
}
