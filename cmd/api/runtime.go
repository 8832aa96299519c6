package main

import (
	"context"
	"fmt"
	"log"

	redis "github.com/redis/go-redis/v9"

	"github.com/yourusername/job-forge/internal/bus"
	"github.com/yourusername/job-forge/internal/config"
	"github.com/yourusername/job-forge/internal/jobs"
	"github.com/yourusername/job-forge/internal/queue"
	"github.com/yourusername/job-forge/internal/storage"
	"github.com/yourusername/job-forge/internal/tasks"
	"github.com/yourusername/job-forge/internal/worker"
)

// runtime は起動時に組み立てる依存の一式です。
type runtime struct {
	cfg     *config.Config
	files   *storage.Local
	store   jobs.Store
	service *jobs.Service

	publisher  bus.Publisher
	memQueue   *queue.Memory
	asynqQueue *worker.AsynqQueue
	pool       *worker.Pool
	runner     *worker.AsynqRunner
	sweeper    *worker.Sweeper

	sweepCancel context.CancelFunc
}

// buildRuntime は設定に従ってストア・キュー・ワーカーを配線します。
func buildRuntime(cfg *config.Config) (*runtime, error) {
	logger := log.Default()

	files, err := storage.NewLocal(cfg.BlobDir)
	if err != nil {
		return nil, fmt.Errorf("blob storage: %w", err)
	}

	store, err := openStore(cfg)
	if err != nil {
		return nil, err
	}

	publisher, err := openPublisher(cfg)
	if err != nil {
		return nil, fmt.Errorf("event bus: %w", err)
	}

	rt := &runtime{
		cfg:       cfg,
		files:     files,
		store:     store,
		publisher: publisher,
	}

	// 配送キュー。enqueuer は投入側、requeuer はリース回収側の窓口です。
	var enqueuer jobs.Enqueuer
	var requeuer worker.Requeuer
	switch cfg.QueueDriver {
	case "asynq":
		aq, err := worker.NewAsynqQueue(cfg.RedisURL)
		if err != nil {
			return nil, fmt.Errorf("asynq queue: %w", err)
		}
		rt.asynqQueue = aq
		enqueuer, requeuer = aq, aq
	default:
		mq := queue.NewMemory()
		rt.memQueue = mq
		enqueuer, requeuer = mq, mq
	}

	service, err := jobs.NewService(jobs.ServiceOptions{
		Store:           store,
		Files:           files,
		Queue:           enqueuer,
		Bus:             publisher,
		Logger:          logger,
		MaxPayloadBytes: cfg.MaxPayloadBytes,
	})
	if err != nil {
		return nil, fmt.Errorf("job service: %w", err)
	}
	rt.service = service

	if !cfg.RunWorkers {
		return rt, nil
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
		return nil, fmt.Errorf("executor: %w", err)
	}

	switch cfg.QueueDriver {
	case "asynq":
		runner, err := worker.NewAsynqRunner(cfg.RedisURL, cfg.WorkerCount, cfg.DrainTimeout, exec, logger)
		if err != nil {
			return nil, fmt.Errorf("asynq runner: %w", err)
		}
		rt.runner = runner
	default:
		rt.pool = worker.NewPool(rt.memQueue, exec, cfg.WorkerCount, logger)
	}

	sweeper, err := worker.NewSweeper(worker.SweeperOptions{
		Store:       store,
		Queue:       requeuer,
		Bus:         publisher,
		Logger:      logger,
		Interval:    cfg.SweepInterval,
		MaxAttempts: cfg.MaxAttempts,
	})
	if err != nil {
		return nil, fmt.Errorf("sweeper: %w", err)
	}
	rt.sweeper = sweeper

	return rt, nil
}

func openStore(cfg *config.Config) (jobs.Store, error) {
	switch cfg.StoreDriver {
	case "redis":
		opt, err := redis.ParseURL(cfg.RedisURL)
		if err != nil {
			return nil, fmt.Errorf("parse redis url: %w", err)
		}
		return jobs.NewRedisStore(redis.NewClient(opt)), nil
	case "sqlite":
		return jobs.OpenSQLite(cfg.SQLitePath)
	default:
		return jobs.NewMemoryStore(), nil
	}
}

func openPublisher(cfg *config.Config) (bus.Publisher, error) {
	if cfg.NATSURL == "" {
		return bus.Nop{}, nil
	}
	return bus.ConnectNATS(cfg.NATSURL, cfg.NATSSubjectPrefix)
}

// startWorkers はワーカーとスイーパーを起動し、前回のプロセスが
// 配送しきれなかった pending ジョブをキューに戻します。
func (rt *runtime) startWorkers(ctx context.Context) {
	if rt.pool != nil {
		rt.pool.Start()
	}
	if rt.runner != nil {
		rt.runner.Start()
	}
	if rt.sweeper == nil {
		return
	}

	sweepCtx, cancel := context.WithCancel(context.Background())
	rt.sweepCancel = cancel
	go rt.sweeper.Run(sweepCtx)

	if _, err := rt.sweeper.RecoverPending(ctx); err != nil {
		log.Printf("recover pending jobs: %v", err)
	}
}

// shutdown は受付停止後の後始末です。スイーパーを止めてから
// ワーカーをドレインし、最後に接続を閉じます。
func (rt *runtime) shutdown() {
	if rt.sweepCancel != nil {
		rt.sweepCancel()
	}
	if rt.pool != nil {
		rt.pool.Stop(rt.cfg.DrainTimeout)
	}
	if rt.runner != nil {
		rt.runner.Shutdown()
	}
	if rt.asynqQueue != nil {
		if err := rt.asynqQueue.Close(); err != nil {
			log.Printf("close asynq client: %v", err)
		}
	}
	if err := rt.store.Close(); err != nil {
		log.Printf("close store: %v", err)
	}
	rt.publisher.Close()
}
