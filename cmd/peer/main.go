package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"

	config "pollsync/configs"
	"pollsync/pkg/api"
	"pollsync/pkg/api/middleware"
	"pollsync/pkg/auth"
	"pollsync/pkg/coordinator"
	"pollsync/pkg/election"
	"pollsync/pkg/fetch"
	"pollsync/pkg/logger"
	"pollsync/pkg/metrics"
	tracing "pollsync/pkg/observability"
	"pollsync/pkg/resilience"
	"pollsync/pkg/scheduler"
	"pollsync/pkg/sharedstore"
	"pollsync/pkg/storage"
	etcdkv "pollsync/pkg/storage/etcd"
	kvmemory "pollsync/pkg/storage/memory"
	pgkv "pollsync/pkg/storage/postgres"
	rediskv "pollsync/pkg/storage/redis"
	"pollsync/pkg/transport"
	redisbus "pollsync/pkg/transport/redis"
)

func main() {
	cfg := config.LoadConfig()
	if err := cfg.Validate(); err != nil {
		fmt.Fprintf(os.Stderr, "invalid configuration: %v\n", err)
		os.Exit(1)
	}
	if cfg.PeerID == "" {
		cfg.PeerID = coordinator.NewPeerID()
	}

	logCfg := logger.DefaultConfig("pollsync-peer")
	logCfg.Level = cfg.LogLevel
	logCfg.Encoding = cfg.LogFormat
	log, err := logger.Init(logCfg)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to init logger: %v\n", err)
		os.Exit(1)
	}
	defer logger.Sync()
	log = log.With(zap.String("peer_id", cfg.PeerID))
	log.Info("starting peer", zap.String("store", cfg.StoreBackend), zap.Bool("bus", cfg.BusEnabled))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	tracingCfg := tracing.DefaultConfig("pollsync-peer")
	tracingCfg.PeerID = cfg.PeerID
	tracingCfg.SamplingRate = cfg.TracingRate
	if cfg.OTLPEndpoint != "" {
		tracingCfg.Enabled = true
		tracingCfg.Endpoint = cfg.OTLPEndpoint
	}
	tp, err := tracing.Init(ctx, tracingCfg)
	if err != nil {
		log.Fatal("failed to init tracing", zap.Error(err))
	}
	defer tp.Shutdown(context.Background())

	kv, bus, err := openBackend(cfg, log)
	if err != nil {
		log.Fatal("failed to open shared store", zap.Error(err))
	}
	defer kv.Close()

	archive, err := openArchive(ctx, cfg)
	if err != nil {
		log.Fatal("failed to open result archive", zap.Error(err))
	}

	schedule, err := scheduler.ParseCadence(cfg.Cadence)
	if err != nil {
		log.Fatal("invalid cadence", zap.Error(err))
	}

	breakerCfg := resilience.DefaultCircuitBreakerConfig()
	breakerCfg.FailureThreshold = cfg.BreakerFailures
	breakerCfg.Timeout = cfg.BreakerCooldown
	breakerCfg.OnStateChange = func(name string, from, to resilience.CircuitState) {
		metrics.CircuitState.WithLabelValues(name).Set(float64(to))
		log.Warn("fetch circuit changed state", zap.String("from", from.String()), zap.String("to", to.String()))
	}
	breaker := resilience.NewCircuitBreaker("fetch", breakerCfg)
	fetcher := fetch.WithCircuitBreaker(fetch.NewHTTPFetcher(&http.Client{}), breaker)

	coord, err := coordinator.New(coordinator.Config{
		PeerID: cfg.PeerID,
		URL:    cfg.URL,
		FetchOptions: fetch.Options{
			Method:  cfg.FetchMethod,
			Headers: cfg.FetchHeaders,
			Body:    cfg.FetchBody,
			Timeout: cfg.FetchTimeout,
		},
		Schedule: schedule,
		Keys: sharedstore.Keys{
			Leader:  cfg.LeaderKey,
			Enabled: cfg.EnabledKey,
			Result:  cfg.ResultKey,
		},
		Election: election.Config{
			HeartbeatInterval:     cfg.HeartbeatInterval,
			LeaderTimeout:         cfg.LeaderTimeout,
			CollisionWindow:       cfg.CollisionWindow,
			ResignedElectionDelay: cfg.ResignedElectionDelay,
			ElectionJitter:        cfg.ElectionJitter,
		},
		Transport: transport.Config{
			CellPrefix: cfg.CellPrefix,
			CellTTL:    cfg.CellTTL,
			OpTimeout:  cfg.OpTimeout,
		},
		OpTimeout: cfg.OpTimeout,
		KV:        kv,
		Bus:       bus,
		Fetcher:   fetcher,
		Archive:   archive,
		Logger:    log.Named("coordinator"),
	})
	if err != nil {
		log.Fatal("failed to build coordinator", zap.Error(err))
	}

	coord.OnLeadershipChange(func(leader bool) {
		log.Info("leadership changed", zap.Bool("leader", leader))
	})
	coord.OnError(func(err error) {
		log.Warn("fetch failed", zap.Error(err))
	})

	if err := coord.Start(ctx); err != nil {
		log.Fatal("failed to start coordinator", zap.Error(err))
	}

	authCfg, err := buildAuth(cfg)
	if err != nil {
		log.Fatal("invalid API credentials", zap.Error(err))
	}
	rateCfg := middleware.DefaultRateLimiterConfig()
	rateCfg.RequestsPerSecond = cfg.RateLimitRPS
	rateCfg.BurstSize = cfg.RateBurst

	server := api.NewServer(api.Config{
		Port:        cfg.APIPort,
		Coordinator: coord,
		Breaker:     breaker,
		Auth:        authCfg,
		RateLimit:   rateCfg,
		Tracing:     tracingCfg.Enabled,
		Logger:      log.Named("api"),
	})
	go func() {
		if err := server.Start(); err != nil {
			log.Error("API server stopped", zap.Error(err))
		}
	}()

	sig := <-sigChan
	log.Info("received signal, shutting down", zap.String("signal", sig.String()))

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Warn("API shutdown error", zap.Error(err))
	}
	// resign before the store connection goes away so a follower takes over at once
	if err := coord.Shutdown(shutdownCtx); err != nil {
		log.Warn("coordinator shutdown error", zap.Error(err))
	}
	if bus != nil {
		_ = bus.Close()
	}
	cancel()
	log.Info("shutdown complete")
}

// openBackend connects the shared store and, for Redis, the bus riding on
// the same client.
func openBackend(cfg *config.Config, log *zap.Logger) (storage.KV, transport.Bus, error) {
	switch cfg.StoreBackend {
	case config.BackendMemory:
		log.Warn("using in-process store: peers in other processes will not see this one")
		return kvmemory.NewHub().Client(), nil, nil

	case config.BackendRedis:
		redisCfg := rediskv.DefaultRedisConfig(cfg.RedisAddr())
		redisCfg.Password = cfg.RedisPassword
		redisCfg.DB = cfg.RedisDB
		redisCfg.KeyPrefix = cfg.RedisPrefix
		kv, err := rediskv.NewRedisKV(redisCfg, log)
		if err != nil {
			return nil, nil, err
		}
		var bus transport.Bus
		if cfg.BusEnabled {
			bus = redisbus.NewRedisBus(kv.Client(), cfg.BusChannel)
		}
		return kv, bus, nil

	case config.BackendEtcd:
		etcdCfg := etcdkv.DefaultEtcdConfig(cfg.EtcdEndpoints)
		etcdCfg.KeyPrefix = cfg.EtcdPrefix
		kv, err := etcdkv.NewEtcdKV(etcdCfg, log)
		if err != nil {
			return nil, nil, err
		}
		return kv, nil, nil

	case config.BackendPostgres:
		pgCfg := pgkv.DefaultPostgresConfig(cfg.PostgresDSN())
		pgCfg.PollInterval = cfg.DBPollInterval
		kv, err := pgkv.NewPostgresKV(pgCfg, log)
		if err != nil {
			return nil, nil, err
		}
		return kv, nil, nil
	}
	return nil, nil, fmt.Errorf("unknown store backend %q", cfg.StoreBackend)
}

func openArchive(ctx context.Context, cfg *config.Config) (storage.ResultArchive, error) {
	switch cfg.ArchiveBackend {
	case "s3":
		archive, err := storage.NewS3ResultArchive(ctx, storage.S3ArchiveConfig{
			Bucket:          cfg.S3Bucket,
			Prefix:          "results/",
			Region:          cfg.S3Region,
			Endpoint:        cfg.S3Endpoint,
			AccessKeyID:     cfg.S3AccessKey,
			SecretAccessKey: cfg.S3SecretKey,
		})
		if err != nil {
			return nil, err
		}
		return archive, nil
	case "local":
		archive, err := storage.NewLocalResultArchive(cfg.ArchivePath)
		if err != nil {
			return nil, err
		}
		return archive, nil
	}
	return nil, nil
}

func buildAuth(cfg *config.Config) (middleware.AuthConfig, error) {
	authCfg := middleware.AuthConfig{SkipPaths: []string{"/health", "/metrics"}}
	if cfg.JWTSecret != "" {
		svc, err := auth.NewJWTService(auth.DefaultJWTConfig(cfg.JWTSecret))
		if err != nil {
			return authCfg, err
		}
		authCfg.JWTService = svc
	}
	if len(cfg.APIKeys) > 0 {
		keys, err := auth.ParseStaticKeys(cfg.APIKeys)
		if err != nil {
			return authCfg, err
		}
		authCfg.APIKeyStore = keys
	}
	return authCfg, nil
}
