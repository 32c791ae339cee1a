// Command ddpgo-example is a small demonstration binary wrapping the
// ddpgo library: it connects to a Meteor server, subscribes to a
// publication, calls a method, watches a document, and serves
// Prometheus metrics, shutting down gracefully on SIGINT/SIGTERM.
// Grounded on go-server/cmd/main.go and ws/main.go's bootstrap shape.
package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"runtime"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
	_ "go.uber.org/automaxprocs"

	"ddpgo"
	"ddpgo/internal/config"
	"ddpgo/internal/metrics"
	"ddpgo/internal/store"
)

// loggingObserver logs every connection-lifecycle notification at info
// level, demonstrating the Observer integration point.
type loggingObserver struct {
	logger zerolog.Logger
}

func (o loggingObserver) OnConnected() {
	o.logger.Info().Msg("observer: connected")
}

func (o loggingObserver) OnSubscriptionReady(name string) {
	o.logger.Info().Str("subscription", name).Msg("observer: subscription ready")
}

func (o loggingObserver) OnDisconnected(err error) {
	ev := o.logger.Warn()
	if err != nil {
		ev = ev.Err(err)
	}
	ev.Msg("observer: disconnected")
}

func (o loggingObserver) OnSessionUpdate() {
	o.logger.Debug().Msg("observer: session updated")
}

func main() {
	logger := zerolog.New(os.Stdout).With().Timestamp().Logger()

	maxProcs := runtime.GOMAXPROCS(0)
	logger.Info().Int("gomaxprocs", maxProcs).Msg("main: automaxprocs applied")

	cfg, err := config.Load(&logger)
	if err != nil {
		logger.Fatal().Err(err).Msg("main: failed to load configuration")
	}
	if cfg.LogLevel == "debug" {
		logger = logger.Level(zerolog.DebugLevel)
	}
	if cfg.LogFormat == "console" {
		logger = zerolog.New(zerolog.ConsoleWriter{Out: os.Stdout}).With().Timestamp().Logger()
	}
	cfg.LogConfig(logger)

	registry := prometheus.NewRegistry()
	client := ddpgo.New(cfg.DDPURL,
		ddpgo.WithLogger(logger),
		ddpgo.WithVersion(cfg.DDPVersion),
		ddpgo.WithMethodRateLimit(cfg.MethodRateLimit),
		ddpgo.WithOfflineCache(cfg.CacheDir, 5*time.Second),
		ddpgo.WithObserver(loggingObserver{logger: logger}),
		ddpgo.WithMetricsRegisterer(registry),
	)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if err := client.Connect(ctx); err != nil {
		logger.Fatal().Err(err).Msg("main: failed to open connection")
	}

	client.Subscribe("posts", nil, func() {
		logger.Info().Msg("main: posts subscription ready")
	})

	client.WatchPredicate("posts", func(value interface{}) bool { return true },
		func(reason store.Reason, id string, value interface{}) {
			logger.Debug().Str("reason", string(reason)).Str("id", id).Msg("main: posts changed")
		})

	client.Call("ping", nil, func(r ddpgo.CallResult) {
		if r.Err != nil {
			logger.Warn().Err(r.Err).Msg("main: ping call failed")
			return
		}
		logger.Info().RawJSON("result", r.Result).Msg("main: ping call succeeded")
	})

	sampler := metrics.NewSampler(client.Metrics())
	go sampler.Run(ctx, cfg.MetricsInterval)

	var httpServer *http.Server
	if cfg.MetricsAddr != "" {
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.HandlerFor(registry, promhttp.HandlerOpts{}))
		httpServer = &http.Server{Addr: cfg.MetricsAddr, Handler: mux}
		go func() {
			logger.Info().Str("addr", cfg.MetricsAddr).Msg("main: metrics server listening")
			if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				logger.Error().Err(err).Msg("main: metrics server error")
			}
		}()
	}

	statsTicker := time.NewTicker(cfg.MetricsInterval)
	defer statsTicker.Stop()
	go func() {
		for {
			select {
			case <-ctx.Done():
				return
			case <-statsTicker.C:
				stats := client.Stats()
				logger.Info().
					Int("outstanding_methods", stats.OutstandingMethods).
					Int("active_subscriptions", stats.ActiveSubscriptions).
					Dur("uptime", stats.Uptime).
					Msg("main: stats")
			}
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	sig := <-sigCh
	logger.Info().Str("signal", sig.String()).Msg("main: shutting down")

	cancel()
	client.Disconnect()

	if httpServer != nil {
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer shutdownCancel()
		if err := httpServer.Shutdown(shutdownCtx); err != nil {
			logger.Error().Err(err).Msg("main: metrics server shutdown error")
		}
	}
}
