package main

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/mohammed-shakir/olp-quadindex/internal/cache/indexcache"
	"github.com/mohammed-shakir/olp-quadindex/internal/cache/redisstore"
	"github.com/mohammed-shakir/olp-quadindex/internal/core/config"
	"github.com/mohammed-shakir/olp-quadindex/internal/core/health"
	"github.com/mohammed-shakir/olp-quadindex/internal/core/httpclient"
	"github.com/mohammed-shakir/olp-quadindex/internal/core/observability"
	"github.com/mohammed-shakir/olp-quadindex/internal/core/router"
	"github.com/mohammed-shakir/olp-quadindex/internal/core/server"
	"github.com/mohammed-shakir/olp-quadindex/internal/gateway/blob"
	"github.com/mohammed-shakir/olp-quadindex/internal/gateway/query"
	"github.com/mohammed-shakir/olp-quadindex/internal/logger"
	"github.com/mohammed-shakir/olp-quadindex/internal/metrics"
	"github.com/mohammed-shakir/olp-quadindex/internal/resolver"
	invkafka "github.com/mohammed-shakir/olp-quadindex/pkg/invalidation/kafka"
)

var (
	Version   = "dev"
	Revision  = ""
	BuildDate = ""
)

func main() {
	os.Exit(run())
}

func run() int {
	cfg := config.FromEnv()

	zl := logger.Build(logger.Config{
		Level:     cfg.LogLevel,
		Console:   cfg.LogConsole,
		SampleN:   cfg.LogSampleN,
		Service:   "tileindexd",
		Component: "server",
	}, os.Stdout)
	appLog := logger.NewSlog(&zl)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	opts := server.Options{Addr: cfg.Addr}
	p := metrics.Init(metrics.Config{Build: metrics.BuildInfo{Version: Version, Revision: Revision, BuildDate: BuildDate}})
	if cfg.MetricsEnabled {
		observability.Init(p.Registerer(), true)
		opts.Metrics = p.Handler()
	} else {
		observability.Init(nil, false)
	}
	observability.ExposeBuildInfo(Version)

	appLog.Info("starting tileindexd",
		"addr", cfg.Addr,
		"version", Version,
		"catalog", cfg.Platform.CatalogHRN,
		"index_depth", cfg.IndexDepth,
		"layer_version", cfg.Platform.LayerVersion)

	hc := httpclient.NewOutbound(cfg.Platform.HTTPTimeout)
	qc, err := query.New(appLog, hc, query.Config{
		QueryBaseURL:    cfg.Platform.QueryBaseURL,
		MetadataBaseURL: cfg.Platform.MetadataBaseURL,
		Token:           cfg.Platform.Token,
		BillingTag:      cfg.Platform.BillingTag,
		Version:         cfg.Platform.LayerVersion,
	})
	if err != nil {
		appLog.Error("query client setup failed", "err", err)
		return 1
	}
	bc, err := blob.New(appLog, hc, blob.Config{
		BaseURL:    cfg.Platform.BlobBaseURL,
		Token:      cfg.Platform.Token,
		BillingTag: cfg.Platform.BillingTag,
	})
	if err != nil {
		appLog.Error("blob client setup failed", "err", err)
		return 1
	}

	var cache *indexcache.Cache
	if cfg.IndexCache.Enabled {
		var store indexcache.Store
		if cfg.IndexCache.RedisAddr != "" {
			rc, err := redisstore.New(ctx, cfg.IndexCache.RedisAddr)
			if err != nil {
				appLog.Error("redis setup failed", "addr", cfg.IndexCache.RedisAddr, "err", err)
				return 1
			}
			defer func() { _ = rc.Close() }()
			store = rc
			opts.Checks = append(opts.Checks, health.Check{Name: "redis", Fn: rc.Ping})
		}
		cache, err = indexcache.New(indexcache.Config{
			Catalog:     cfg.Platform.CatalogHRN,
			Size:        cfg.IndexCache.Size,
			TTL:         cfg.IndexCache.TTL,
			TTLOverride: cfg.IndexCache.TTLOverride,
			OpTimeout:   cfg.IndexCache.OpTimeout,
		}, store, appLog)
		if err != nil {
			appLog.Error("index cache setup failed", "err", err)
			return 1
		}
	}

	layers, err := resolver.NewLayers(resolver.Config{
		IndexDepth: cfg.IndexDepth,
		MaxLevel:   uint32(cfg.MaxLevel),
	}, gatewayFactory(qc, cache), cfg.MaxLayers, resolver.WithLogger(appLog))
	if err != nil {
		appLog.Error("resolver setup failed", "err", err)
		return 1
	}

	if cfg.Invalidation.Enabled {
		if cache == nil {
			appLog.Warn("invalidation enabled without an index cache; nothing to invalidate")
		} else {
			icfg := invkafka.FromConfig(cfg.Invalidation)
			runner := invkafka.New(icfg, cache, invkafka.Options{
				Logger:     appLog.With(slog.String("component", "invalidation")),
				Register:   registerer(cfg, p),
				IndexDepth: cfg.IndexDepth,
				Catalog:    cfg.Platform.CatalogHRN,
			})
			if err := runner.Start(ctx); err != nil {
				appLog.Error("invalidation runner failed to start", "err", err)
				return 1
			}
			defer runner.Stop()
			if icfg.Driver == invkafka.DriverKafka {
				opts.Readiness = runner
			}
		}
	}

	if err := server.Run(ctx, appLog, opts, router.New(appLog, layers, bc)); err != nil {
		appLog.Error("server exited with error", "err", err)
		return 1
	}
	appLog.Info("server stopped")
	return 0
}

// gatewayFactory puts the index cache, when enabled, in front of each layer's query gateway.
func gatewayFactory(qc *query.Client, cache *indexcache.Cache) resolver.GatewayFactory {
	return func(layer string) resolver.Gateway {
		gw := qc.Layer(layer)
		if cache == nil {
			return gw
		}
		return cache.Layer(layer, gw)
	}
}

func registerer(cfg config.Config, p *metrics.Provider) prometheus.Registerer {
	if !cfg.MetricsEnabled {
		return nil
	}
	return p.Registerer()
}
