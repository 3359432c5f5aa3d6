package main

import (
	"context"
	"errors"
	"flag"
	"log"
	"log/slog"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/publu/spacecommand/clients/noderpc"
	"github.com/publu/spacecommand/core/events"
	"github.com/publu/spacecommand/native/clearing"
	nativecommon "github.com/publu/spacecommand/native/common"
	"github.com/publu/spacecommand/observability/logging"
	"github.com/publu/spacecommand/observability/metrics"
	telemetry "github.com/publu/spacecommand/observability/otel"
	"github.com/publu/spacecommand/services/clearingd/audit"
	"github.com/publu/spacecommand/services/clearingd/config"
	"github.com/publu/spacecommand/services/clearingd/keeper"
	"github.com/publu/spacecommand/services/clearingd/publisher"
	"github.com/publu/spacecommand/services/clearingd/server"
	"github.com/publu/spacecommand/storage"
)

func main() {
	var cfgPath string
	flag.StringVar(&cfgPath, "config", "services/clearingd/config.yaml", "path to clearingd configuration file")
	flag.Parse()

	env := strings.TrimSpace(os.Getenv("SPACECOMMAND_ENV"))
	cfg, err := config.Load(cfgPath)
	if err != nil {
		log.Fatalf("clearingd: load config: %v", err)
	}
	logger := logging.Setup("clearingd", env, logging.WithLevel(cfg.LogLevel))

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	shutdownTelemetry, err := telemetry.Init(ctx, telemetryConfig(cfg.Telemetry, env))
	if err != nil {
		log.Fatalf("clearingd: init telemetry: %v", err)
	}
	defer func() {
		flushCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := shutdownTelemetry(flushCtx); err != nil {
			logger.Warn("telemetry shutdown", "error", err)
		}
	}()

	var db storage.Database
	if path := strings.TrimSpace(cfg.Storage.Path); path != "" {
		ldb, err := storage.NewLevelDB(path)
		if err != nil {
			log.Fatalf("clearingd: open state %s: %v", path, err)
		}
		db = ldb
	} else {
		logger.Warn("no storage path configured; engine state is kept in memory")
		db = storage.NewMemDB()
	}
	defer db.Close()

	client, err := noderpc.NewClient(noderpc.Config{
		BaseURL:         cfg.Node.URL,
		BearerToken:     cfg.Node.BearerToken,
		TLSClientCAFile: cfg.Node.CAFile,
		AllowInsecure:   cfg.Node.AllowInsecure,
		Timeout:         cfg.Node.Timeout.Duration,
		ReadAttempts:    cfg.Node.ReadAttempts,
		RetryInterval:   cfg.Node.RetryInterval.Duration,
		Logger:          logger.With("component", "noderpc"),
	})
	if err != nil {
		log.Fatalf("clearingd: node client: %v", err)
	}

	pool := common.HexToAddress(cfg.Pool)
	owner := common.HexToAddress(cfg.Owner)
	resolver := noderpc.NewResolver(client, pool)

	params, err := cfg.Params.Resolve()
	if err != nil {
		log.Fatalf("clearingd: params: %v", err)
	}
	pauses := nativecommon.NewPauseSet()
	pauses.Set(clearing.ModuleName, cfg.Paused)

	engine := clearing.NewEngine(pool, owner)
	engine.SetState(storage.NewKVStore(db, clearing.ModuleName))
	engine.SetResolver(resolver)
	engine.SetPauses(pauses)
	engine.SetDefaultParams(params)
	if venue := strings.TrimSpace(cfg.SwapVenue); venue != "" {
		engine.SetSwapVenue(resolver.SwapVenue(common.HexToAddress(venue)))
	}

	logger.Info("opening audit log", "driver", cfg.Audit.Driver, "dsn", logging.MaskURL(cfg.Audit.DSN))
	auditStore, err := audit.Open(cfg.Audit.Driver, cfg.Audit.DSN, logger.With("component", "audit"))
	if err != nil {
		log.Fatalf("clearingd: audit store: %v", err)
	}
	defer auditStore.Close()

	hub := server.NewHub(256, logger.With("component", "stream"))
	clearingMetrics := metrics.NewClearing(prometheus.DefaultRegisterer)
	emitters := events.Fanout{auditStore, hub, clearingMetrics}

	if url := strings.TrimSpace(cfg.Broker.URL); url != "" {
		logger.Info("connecting event publisher", "broker", logging.MaskURL(url), "exchange", cfg.Broker.Exchange)
		pub, err := publisher.Dial(url, publisher.Config{
			Exchange:      cfg.Broker.Exchange,
			RoutingPrefix: cfg.Broker.RoutingKey,
		}, logger)
		if err != nil {
			log.Fatalf("clearingd: event publisher: %v", err)
		}
		defer func() {
			if err := pub.Close(); err != nil {
				logger.Warn("publisher close", "error", err)
			}
		}()
		emitters = append(emitters, pub)
	}
	engine.SetEmitter(emitters)

	authenticator, err := server.NewAuthenticator(server.AuthConfig{
		HMACSecret: cfg.Auth.JWTSecret,
		Issuer:     cfg.Auth.Issuer,
		Audience:   cfg.Auth.Audience,
		ClockSkew:  cfg.Auth.ClockSkew.Duration,
	}, logger)
	if err != nil {
		log.Fatalf("clearingd: auth: %v", err)
	}

	srv, err := server.New(server.Config{
		ListenAddress: cfg.ListenAddress,
		TLSCertFile:   cfg.TLS.CertFile,
		TLSKeyFile:    cfg.TLS.KeyFile,
		Owner:         owner,
		AdminScope:    cfg.Auth.AdminScope,
	}, server.Deps{
		Engine:   engine,
		Pauses:   pauses,
		Audit:    auditStore,
		Hub:      hub,
		Metrics:  clearingMetrics,
		Gatherer: prometheus.DefaultGatherer,
		Auth:     authenticator,
		Limiter:  server.NewRateLimiter(cfg.RateLimit.RatePerSecond, cfg.RateLimit.Burst),
		Logger:   logger,
	})
	if err != nil {
		log.Fatalf("clearingd: server: %v", err)
	}

	added, err := registerConfiguredVaults(ctx, srv, owner, cfg.VaultAddresses())
	if err != nil {
		if errors.Is(err, clearing.ErrModulePaused) {
			logger.Warn("module paused; configured vaults not registered")
		} else {
			log.Fatalf("clearingd: %v", err)
		}
	}
	for _, id := range added {
		logger.Info("registered vault", "vault", id.Hex())
	}

	if cfg.Keeper.Enabled {
		k, err := keeper.New(ctx, keeper.Config{
			CollectSchedule:  cfg.Keeper.CollectSchedule,
			SnapshotSchedule: cfg.Keeper.SnapshotSchedule,
			Timeout:          cfg.Keeper.Timeout.Duration,
		}, srv, clearingMetrics, logger)
		if err != nil {
			log.Fatalf("clearingd: keeper: %v", err)
		}
		k.Start()
		defer func() {
			stopCtx, cancel := context.WithTimeout(context.Background(), cfg.Keeper.Timeout.Duration)
			defer cancel()
			if err := k.Stop(stopCtx); err != nil {
				logger.Warn("keeper stop", "error", err)
			}
		}()
	}

	logger.Info("clearingd listening",
		slog.String("addr", cfg.ListenAddress),
		slog.Bool("tls", cfg.TLS.Enabled()),
		slog.String("pool", pool.Hex()),
		slog.Bool("paused", cfg.Paused))
	if err := srv.Run(ctx); err != nil {
		logger.Error("clearingd stopped", "error", err)
		os.Exit(1)
	}
}

// telemetryConfig applies the standard OTEL_EXPORTER_OTLP_* overrides on top
// of the file configuration.
func telemetryConfig(cfg config.TelemetryConfig, env string) telemetry.Config {
	out := telemetry.Config{
		ServiceName: "clearingd",
		Environment: env,
		Endpoint:    cfg.Endpoint,
		Insecure:    cfg.Insecure,
		Headers:     telemetry.ParseHeaders(cfg.Headers),
		Metrics:     cfg.Metrics,
		Traces:      cfg.Traces,
		SampleRatio: cfg.SampleRatio,
	}
	if endpoint := strings.TrimSpace(os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT")); endpoint != "" {
		out.Endpoint = endpoint
		out.Traces = true
		out.Metrics = true
	}
	if headers := os.Getenv("OTEL_EXPORTER_OTLP_HEADERS"); strings.TrimSpace(headers) != "" {
		out.Headers = telemetry.ParseHeaders(headers)
	}
	if value := strings.TrimSpace(os.Getenv("OTEL_EXPORTER_OTLP_INSECURE")); value != "" {
		if parsed, err := strconv.ParseBool(value); err == nil {
			out.Insecure = parsed
		}
	}
	return out
}
