package main

import (
	"context"
	"log"
	"log/slog"
	"os"
	"time"

	"github.com/docker/docker/client"
	"github.com/redis/go-redis/v9"

	"github.com/Syncano/scriptbox/internal/api"
	"github.com/Syncano/scriptbox/internal/bridge"
	"github.com/Syncano/scriptbox/internal/config"
	"github.com/Syncano/scriptbox/internal/dispatch"
	"github.com/Syncano/scriptbox/internal/limits"
	"github.com/Syncano/scriptbox/internal/pool"
	"github.com/Syncano/scriptbox/internal/protocol"
	"github.com/Syncano/scriptbox/internal/sched"
	"github.com/Syncano/scriptbox/internal/store"
	"github.com/Syncano/scriptbox/internal/trace"
)

const (
	containerMemoryBytes = 256 << 20
	containerPidsLimit   = 64
	limitsCacheTTL       = time.Minute
	schedulerGrace       = 30 * time.Second
)

func main() {
	cfg := config.Load()
	logger := config.NewLogger(os.Stdout, cfg.LogLevel)

	logger.Info("scriptbox: starting",
		"listen_addr", cfg.ListenAddr,
		"db_path", cfg.DBPath,
		"redis_addr", cfg.RedisAddr,
		"workers", cfg.Workers,
	)

	rdb := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr})
	defer rdb.Close()

	pingCtx, cancelPing := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancelPing()
	if err := rdb.Ping(pingCtx).Err(); err != nil {
		log.Fatalf("failed to reach redis at %s: %v", cfg.RedisAddr, err)
	}

	db, err := store.NewSQLiteStore(cfg.DBPath)
	if err != nil {
		log.Fatalf("failed to open database: %v", err)
	}
	defer db.Close()

	traces := trace.NewRedisStore(rdb, trace.Options{
		Cap:        cfg.TraceCap,
		TTL:        cfg.TraceTTL,
		TrimmedTTL: cfg.TrimmedTTL,
	})

	var lim limits.Getter = limits.Static(limits.DefaultConcurrency)
	if cfg.LimitsURL != "" {
		lim = limits.NewHTTPGetter(cfg.LimitsURL, limitsCacheTTL, logger)
	}

	runner, err := newRunner(cfg, logger)
	if err != nil {
		log.Fatalf("failed to build runner: %v", err)
	}

	queue := dispatch.NewQueue(rdb, dispatch.QueueOptions{
		SpecTTL:        cfg.SpecTTL,
		PerRunnerLimit: cfg.PerRunnerLimit,
	})
	admission := dispatch.NewAdmission(rdb, cfg.AdmissionTTL)
	results := dispatch.NewResults(rdb)

	dispatcher := dispatch.NewDispatcher(queue, admission, results, traces, lim, runner, logger, dispatch.Options{
		Workers: cfg.Workers,
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	dispatcher.Start(ctx)

	scheduler := sched.NewScheduler(db, rdb, dispatcher, traces, lim, logger, sched.Options{
		ScanPeriod:      cfg.ScanPeriod,
		Grace:           schedulerGrace,
		ClaimTTL:        time.Duration(cfg.MaxTimeoutS) * time.Second * 2,
		DefaultTimeoutS: cfg.DefaultTimeoutS,
	})
	go scheduler.Run(ctx)

	srv := api.NewServer(cfg.ListenAddr, db, traces, dispatcher, results, lim, logger, api.Options{
		DefaultTimeoutS: cfg.DefaultTimeoutS,
		MaxTimeoutS:     cfg.MaxTimeoutS,
	})

	if err := srv.Run(); err != nil {
		log.Fatalf("server error: %v", err)
	}
}

// newRunner picks the execution path: the gRPC broker bridge when configured,
// otherwise the local container pool.
func newRunner(cfg config.Config, logger *slog.Logger) (dispatch.ScriptRunner, error) {
	if cfg.BrokerAddr != "" {
		conn, err := bridge.Dial(cfg.BrokerAddr)
		if err != nil {
			return nil, err
		}
		logger.Info("using broker bridge", "broker_addr", cfg.BrokerAddr)
		return bridge.NewRunner(bridge.NewClient(conn, logger, bridge.Options{Retries: 2}), logger), nil
	}

	cli, err := client.NewClientWithOpts(client.FromEnv, client.WithAPIVersionNegotiation())
	if err != nil {
		return nil, err
	}

	p := pool.New(cli, pool.Options{
		DataDir:     cfg.DataDir,
		MemoryBytes: containerMemoryBytes,
		PidsLimit:   containerPidsLimit,
	}, logger)

	return protocol.NewRunner(p, protocol.Options{
		ResultLimit: cfg.ResultLimit,
		GraceS:      cfg.GraceS,
		SecretKey:   cfg.SecretKey,
	}, logger), nil
}
