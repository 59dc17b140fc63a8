package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/mohammed-shakir/mocgen/internal/buildevents"
	"github.com/mohammed-shakir/mocgen/internal/buildlog"
	"github.com/mohammed-shakir/mocgen/internal/cache/mocstore"
	"github.com/mohammed-shakir/mocgen/internal/cache/redisstore"
	"github.com/mohammed-shakir/mocgen/internal/cache/tilestore"
	"github.com/mohammed-shakir/mocgen/internal/core/config"
	"github.com/mohammed-shakir/mocgen/internal/core/health"
	"github.com/mohammed-shakir/mocgen/internal/core/observability"
	"github.com/mohammed-shakir/mocgen/internal/core/server"
	"github.com/mohammed-shakir/mocgen/internal/jobs"
	"github.com/mohammed-shakir/mocgen/internal/logger"
	"github.com/mohammed-shakir/mocgen/internal/metrics"
	reqkafka "github.com/mohammed-shakir/mocgen/pkg/requests/kafka"
)

var Version = "dev"

func main() {
	os.Exit(run())
}

func run() int {
	if err := config.LoadDotEnv(".env"); err != nil {
		_, _ = os.Stderr.WriteString("load .env: " + err.Error() + "\n")
		return 1
	}
	cfg := config.FromEnv()

	zl := logger.Build(logger.Config{
		Level:     cfg.LogLevel,
		Console:   cfg.LogConsole,
		SampleN:   cfg.LogSampleN,
		Service:   "mocgen",
		Component: "server",
	}, os.Stdout)
	appLog := logger.NewSlog(&zl)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	appLog.Info("starting mocgen server",
		"addr", cfg.Addr,
		"version", Version,
		"redis", cfg.Redis.Enabled,
		"kafka_events", cfg.Kafka.EventsEnabled,
		"kafka_requests", cfg.Kafka.RequestsEnable,
		"postgres", cfg.Postgres.Enabled)

	var prov *metrics.Provider
	if cfg.Metrics.Enabled {
		prov = metrics.Init(metrics.Config{
			Enabled: true,
			Addr:    cfg.Metrics.Addr,
			Path:    cfg.Metrics.Path,
			Build: metrics.BuildInfo{
				Version:   Version,
				Revision:  os.Getenv("BUILD_REVISION"),
				Branch:    os.Getenv("BUILD_BRANCH"),
				BuildDate: os.Getenv("BUILD_DATE"),
			},
		})
		observability.Init(prov.Registerer(), true)
		go func() {
			if err := prov.Serve(ctx, appLog); err != nil {
				appLog.Error("metrics server exited", "err", err)
			}
		}()
	} else {
		observability.Init(nil, false)
	}
	observability.ExposeBuildInfo(Version)

	ready := map[string]health.Check{}
	opts := jobs.Options{
		Workers:          cfg.Build.MaxConcurrent,
		Queue:            cfg.Build.Queue,
		HistorySize:      cfg.Build.History,
		DefaultOrder:     cfg.Build.DefaultOrder,
		MinOrder:         cfg.Build.MinOrder,
		MaxScratchPixels: cfg.Build.MaxScratchPixels,
		StoreTimeout:     cfg.Redis.OpTimeout,
		Log:              appLog.With("component", "jobs"),
	}
	deps := server.Deps{Ready: ready}
	if prov != nil {
		deps.Metrics = prov.Handler()
	}

	if cfg.Redis.Enabled {
		rc, err := redisstore.New(ctx, cfg.Redis.Addr,
			redisstore.WithReadTimeout(cfg.Redis.OpTimeout),
			redisstore.WithWriteTimeout(cfg.Redis.OpTimeout))
		if err != nil {
			appLog.Error("redis connect failed", "addr", cfg.Redis.Addr, "err", err)
			return 1
		}
		defer func() { _ = rc.Close() }()
		tiles := tilestore.New(rc, cfg.Redis.TileTTL)
		opts.Maps = tiles
		opts.Results = mocstore.New(rc, cfg.Redis.MocTTL)
		deps.Maps = tiles
		ready["redis"] = rc.Ping
	}

	if cfg.Kafka.EventsEnabled {
		pub, err := buildevents.NewPublisher(cfg.Kafka.Brokers, cfg.Kafka.EventsTopic, cfg.Kafka.EventsBuffer,
			appLog.With("component", "buildevents"))
		if err != nil {
			appLog.Error("kafka events disabled", "err", err)
		} else {
			defer func() {
				if err := pub.Close(); err != nil {
					appLog.Warn("kafka events close", "err", err)
				}
			}()
			opts.Events = pub
		}
	}

	if cfg.Postgres.Enabled {
		bl, err := buildlog.Open(ctx, cfg.Postgres.DSN, appLog.With("component", "buildlog"))
		if err != nil {
			appLog.Error("postgres connect failed", "err", err)
			return 1
		}
		defer func() { _ = bl.Close() }()
		if err := bl.EnsureSchema(ctx); err != nil {
			appLog.Error("postgres schema failed", "err", err)
			return 1
		}
		opts.History = bl
		deps.History = bl
		ready["postgres"] = bl.Ping
	}

	mgr, err := jobs.New(opts)
	if err != nil {
		appLog.Error("job manager setup failed", "err", err)
		return 1
	}
	mgr.Start(ctx)
	defer mgr.Stop()
	deps.Jobs = mgr

	rcfg := reqkafka.FromConfig(cfg.Kafka)
	ropts := reqkafka.Options{Logger: appLog.With("component", "kafka-requests")}
	if prov != nil {
		ropts.Register = prov.Registerer()
	}
	runner := reqkafka.New(rcfg, mgr, ropts)
	if err := runner.Start(ctx); err != nil {
		appLog.Error("build request consumer failed", "err", err)
		return 1
	}
	defer runner.Stop()
	if rcfg.Enabled {
		ready["kafka"] = health.FromReporter(runner)
	}

	if err := server.Run(ctx, cfg, appLog, deps); err != nil {
		appLog.Error("server exited with error", "err", err)
		return 1
	}
	appLog.Info("server stopped")
	return 0
}
