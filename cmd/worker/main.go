// Package main はジョブ実行専用ワーカーのエントリーポイントです。
// APIサーバーとは別プロセスで起動し、同じ Redis を見るワーカー群として
// 水平にスケールさせます。
package main

import (
	"context"
	"fmt"
	"log"
	"os/signal"
	"syscall"

	redis "github.com/redis/go-redis/v9"

	"github.com/yourusername/job-forge/internal/bus"
	"github.com/yourusername/job-forge/internal/config"
	"github.com/yourusername/job-forge/internal/jobs"
	"github.com/yourusername/job-forge/internal/storage"
	"github.com/yourusername/job-forge/internal/tasks"
	"github.com/yourusername/job-forge/internal/worker"
)

func main() {
	// 設定の読み込み
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}

	// 分散ワーカーは Redis 越しの配送とプロセス間で共有できるストアが前提です。
	if cfg.QueueDriver != "asynq" {
		log.Fatalf("worker process requires QUEUE_DRIVER=asynq (got %q)", cfg.QueueDriver)
	}
	if cfg.StoreDriver == "memory" {
		log.Fatalf("worker process requires a shared store (set STORE_DRIVER=redis or sqlite)")
	}

	logger := log.Default()

	files, err := storage.NewLocal(cfg.BlobDir)
	if err != nil {
		log.Fatalf("Failed to open blob storage: %v", err)
	}

	store, err := openStore(cfg)
	if err != nil {
		log.Fatalf("Failed to open store: %v", err)
	}

	publisher, err := openPublisher(cfg)
	if err != nil {
		log.Fatalf("Failed to connect event bus: %v", err)
	}

	queue, err := worker.NewAsynqQueue(cfg.RedisURL)
	if err != nil {
		log.Fatalf("Failed to open queue: %v", err)
	}

	registry := worker.NewRegistry(tasks.Builtin())
	exec, err := worker.NewExecutor(worker.ExecutorOptions{
		Store:              store,
		Files:              files,
		Registry:           registry,
		Bus:                publisher,
		Logger:             logger,
		LeaseTimeout:       cfg.LeaseTimeout,
		CancelPollInterval: cfg.CancelPollInterval,
	})
	if err != nil {
		log.Fatalf("Failed to build executor: %v", err)
	}

	runner, err := worker.NewAsynqRunner(cfg.RedisURL, cfg.WorkerCount, cfg.DrainTimeout, exec, logger)
	if err != nil {
		log.Fatalf("Failed to build runner: %v", err)
	}

	sweeper, err := worker.NewSweeper(worker.SweeperOptions{
		Store:       store,
		Queue:       queue,
		Bus:         publisher,
		Logger:      logger,
		Interval:    cfg.SweepInterval,
		MaxAttempts: cfg.MaxAttempts,
	})
	if err != nil {
		log.Fatalf("Failed to build sweeper: %v", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	runner.Start()

	sweepCtx, sweepCancel := context.WithCancel(context.Background())
	go sweeper.Run(sweepCtx)
	if _, err := sweeper.RecoverPending(ctx); err != nil {
		log.Printf("recover pending jobs: %v", err)
	}

	log.Printf("Worker started (concurrency=%d, tasks=%v)", cfg.WorkerCount, registry.Types())

	<-ctx.Done()
	log.Println("Shutting down...")

	sweepCancel()
	runner.Shutdown()
	if err := queue.Close(); err != nil {
		log.Printf("close asynq client: %v", err)
	}
	if err := store.Close(); err != nil {
		log.Printf("close store: %v", err)
	}
	publisher.Close()
	log.Println("Shutdown complete")
}

func openStore(cfg *config.Config) (jobs.Store, error) {
	switch cfg.StoreDriver {
	case "redis":
		opt, err := redis.ParseURL(cfg.RedisURL)
		if err != nil {
			return nil, fmt.Errorf("parse redis url: %w", err)
		}
		return jobs.NewRedisStore(redis.NewClient(opt)), nil
	default:
		return jobs.OpenSQLite(cfg.SQLitePath)
	}
}

func openPublisher(cfg *config.Config) (bus.Publisher, error) {
	if cfg.NATSURL == "" {
		return bus.Nop{}, nil
	}
	return bus.ConnectNATS(cfg.NATSURL, cfg.NATSSubjectPrefix)
}
