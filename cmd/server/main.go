package main

import (
	"context"
	"errors"
	"flag"
	"log"
	"net/http"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"golang.org/x/sync/errgroup"

	"github.com/t77yq/waterwatch/internal/alertguard"
	"github.com/t77yq/waterwatch/internal/config"
	"github.com/t77yq/waterwatch/internal/dedup"
	"github.com/t77yq/waterwatch/internal/devicestate"
	"github.com/t77yq/waterwatch/internal/ingest"
	"github.com/t77yq/waterwatch/internal/monitor"
	"github.com/t77yq/waterwatch/internal/notify"
	"github.com/t77yq/waterwatch/internal/scheduler"
	"github.com/t77yq/waterwatch/internal/service"
	"github.com/t77yq/waterwatch/internal/storage"
	"github.com/t77yq/waterwatch/internal/threshold"
	"github.com/t77yq/waterwatch/internal/transport"
	"github.com/t77yq/waterwatch/internal/validator"
)

func main() {
	configPath := flag.String("config", "", "path to config.yaml (default ./config/config.yaml)")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}

	logger, err := newLogger(cfg.Log)
	if err != nil {
		log.Fatalf("Failed to create logger: %v", err)
	}
	defer logger.Sync()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, logger, cfg, *configPath); err != nil {
		logger.Fatal("Server failed", zap.Error(err))
	}
	logger.Info("Server shut down gracefully")
}

func newLogger(cfg config.LogConfig) (*zap.Logger, error) {
	zcfg := zap.NewProductionConfig()
	if cfg.Development {
		zcfg = zap.NewDevelopmentConfig()
	}
	if cfg.Level != "" {
		level, err := zapcore.ParseLevel(cfg.Level)
		if err != nil {
			return nil, err
		}
		zcfg.Level = zap.NewAtomicLevelAt(level)
	}
	return zcfg.Build()
}

func connectNATS(logger *zap.Logger, cfg *config.Config) (*nats.Conn, error) {
	opts := []nats.Option{
		nats.Name(cfg.App.Name),
		nats.MaxReconnects(cfg.NATS.MaxReconnects),
		nats.ReconnectWait(cfg.NATS.ReconnectWait),
		nats.Timeout(cfg.NATS.ConnectTimeout),
		nats.PingInterval(20 * time.Second),
		nats.MaxPingsOutstanding(5),
		nats.ReconnectBufSize(5 * 1024 * 1024),
		nats.DrainTimeout(30 * time.Second),
		nats.ErrorHandler(func(nc *nats.Conn, sub *nats.Subscription, err error) {
			subject := ""
			if sub != nil {
				subject = sub.Subject
			}
			logger.Error("NATS connection error",
				zap.String("subject", subject),
				zap.Error(err))
		}),
		nats.DisconnectErrHandler(func(nc *nats.Conn, err error) {
			logger.Warn("NATS disconnected", zap.Error(err))
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			logger.Info("NATS reconnected",
				zap.String("url", nc.ConnectedUrl()))
		}),
	}

	urls := strings.Join(cfg.NATS.URLs, ",")
	retries := cfg.NATS.ConnectRetries
	if retries <= 0 {
		retries = 1
	}

	var nc *nats.Conn
	var err error
	for i := 0; i < retries; i++ {
		nc, err = nats.Connect(urls, opts...)
		if err == nil {
			logger.Info("Connected to NATS successfully",
				zap.String("url", nc.ConnectedUrl()))
			return nc, nil
		}
		logger.Warn("Failed to connect to NATS, retrying...",
			zap.Int("attempt", i+1),
			zap.Error(err))
		time.Sleep(time.Second * time.Duration(i+1))
	}
	return nil, err
}

func openStore(ctx context.Context, logger *zap.Logger, cfg config.StorageConfig) (storage.Store, error) {
	switch cfg.Driver {
	case config.DriverPostgres:
		return storage.NewPostgresStore(ctx, logger, cfg.DSN)
	case config.DriverMemory:
		logger.Warn("Using in-memory store; alerts are lost on restart")
		return storage.NewMemoryStore(), nil
	default:
		return storage.NewSQLiteStore(logger, cfg.DSN)
	}
}

func buildSender(logger *zap.Logger, cfg *config.Config, js nats.JetStreamContext) (notify.Sender, error) {
	var senders []notify.Sender
	for _, backend := range cfg.Notify.Backends {
		switch backend {
		case config.BackendSMTP:
			tpl, err := notify.NewTemplate(cfg.Notify.Subject, cfg.Notify.Template)
			if err != nil {
				return nil, err
			}
			sender, err := notify.NewSMTPSender(logger, cfg.Notify.SMTP, tpl)
			if err != nil {
				return nil, err
			}
			senders = append(senders, sender)
		case config.BackendNATS:
			senders = append(senders, notify.NewNATSSender(logger, js))
		case config.BackendLog:
			senders = append(senders, notify.NewLogSender(logger))
		}
	}
	if len(senders) == 1 {
		return senders[0], nil
	}
	return notify.NewMultiSender(logger, senders...), nil
}

func run(ctx context.Context, logger *zap.Logger, cfg *config.Config, configPath string) error {
	metrics := monitor.NewMetrics(prometheus.DefaultRegisterer)

	nc, err := connectNATS(logger, cfg)
	if err != nil {
		return err
	}
	defer nc.Close()

	js, err := nc.JetStream()
	if err != nil {
		return err
	}
	if err := notify.EnsureAlertStream(js); err != nil {
		return err
	}

	store, err := openStore(ctx, logger, cfg.Storage)
	if err != nil {
		return err
	}
	defer store.Close()

	bands, err := cfg.Thresholds.Set()
	if err != nil {
		return err
	}
	base, err := threshold.NewEvaluator(bands, cfg.Thresholds.AdvisoryMargin)
	if err != nil {
		return err
	}
	evaluator := threshold.NewReloadable(base)

	var cache dedup.Cache = dedup.NopCache{}
	if cfg.Dedup.Enabled {
		cache = dedup.New(cfg.CacheConfig(), metrics.DedupEvicted)
	}

	sender, err := buildSender(logger, cfg, js)
	if err != nil {
		return err
	}
	dispatcherOpts := []notify.Option{notify.WithMetrics(metrics)}
	if cfg.Notify.DeadLetter {
		dlq := notify.NewDeadLetterQueue(logger, js)
		dispatcherOpts = append(dispatcherOpts, notify.WithDeadLetter(dlq.Publish))
	}
	dispatcher := notify.NewDispatcher(logger, sender, cfg.DispatcherConfig(), dispatcherOpts...)

	tracker := devicestate.NewTracker(logger, store, cfg.TrackerConfig(), devicestate.WithMetrics(metrics))
	guard := alertguard.New(logger, store, cfg.GuardConfig(), alertguard.WithMetrics(metrics))

	coordinator := ingest.NewCoordinator(logger, ingest.Dependencies{
		Validator: validator.New(validator.WithMaxSkew(cfg.Pipeline.ClockSkew)),
		Tracker:   tracker,
		Evaluator: evaluator,
		Cache:     cache,
		Guard:     guard,
		Notifier:  dispatcher,
	}, cfg.CoordinatorConfig(), ingest.WithMetrics(metrics))

	source := transport.NewNATSSource(logger, js, coordinator, cfg.NATS.Source,
		transport.WithSourceMetrics(metrics))

	cron := scheduler.NewCronScheduler(logger)
	if err := cron.AddJob("device-offline-sweep", cfg.Device.SweepSchedule, func() {
		sweepCtx, cancel := context.WithTimeout(ctx, cfg.Device.OfflineTimeout)
		defer cancel()
		tracker.SweepOffline(sweepCtx, time.Now().UTC())
	}); err != nil {
		return err
	}
	if err := cron.AddJob("dedup-purge", cfg.Dedup.PurgeSchedule, func() {
		if n := cache.Purge(time.Now().UTC()); n > 0 {
			logger.Debug("Purged dedup entries", zap.Int("count", n))
		}
	}); err != nil {
		return err
	}

	collector := monitor.NewMetricsCollector(nc, cfg.Metrics.StatusInterval, logger)
	collector.AddSource("coordinator", func() interface{} { return coordinator.Stats() })
	collector.AddSource("dispatcher", func() interface{} { return dispatcher.Stats() })
	collector.AddSource("devices", func() interface{} { return tracker.Stats() })
	collector.AddSource("dedup", func() interface{} { return map[string]int{"entries": cache.Len()} })
	collector.AddSource("host", monitor.HostSource(logger))

	if configPath != "" {
		err := config.Watch(configPath, logger, func(updated *config.Config) {
			set, err := updated.Thresholds.Set()
			if err == nil {
				err = evaluator.Reload(set, updated.Thresholds.AdvisoryMargin)
			}
			if err != nil {
				logger.Warn("Threshold reload rejected", zap.Error(err))
				return
			}
			logger.Info("Thresholds reloaded", zap.Int("bands", len(set)))
		})
		if err != nil {
			return err
		}
	}

	// workers run on their own context so shutdown can drain them in order
	workCtx, cancelWork := context.WithCancel(context.Background())
	defer cancelWork()

	dispatcher.Start(workCtx)
	coordinator.Start(workCtx)
	if err := source.Start(); err != nil {
		return err
	}
	admin := service.NewAlertAdminService(nc, store, cfg.Storage.Timeout, logger)
	if err := admin.Start(workCtx); err != nil {
		return err
	}
	cron.Start()
	collector.Start(workCtx)

	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		if !nc.IsConnected() {
			w.WriteHeader(http.StatusServiceUnavailable)
			_, _ = w.Write([]byte("nats disconnected"))
			return
		}
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	server := &http.Server{Addr: cfg.Metrics.Listen, Handler: mux, ReadHeaderTimeout: 5 * time.Second}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		logger.Info("Metrics listening", zap.String("addr", cfg.Metrics.Listen))
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		logger.Info("Shutting down")

		source.Stop()
		admin.Stop()
		coordinator.Stop()
		dispatcher.Stop()
		cron.Stop()
		collector.Stop()

		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return server.Shutdown(shutdownCtx)
	})

	err = g.Wait()
	if drainErr := nc.Drain(); drainErr != nil {
		logger.Warn("Failed to drain NATS connection", zap.Error(drainErr))
	}
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}
