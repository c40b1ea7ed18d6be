package main

import (
	"context"
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/redis/go-redis/v9"

	"annotation-service/internal/analysis"
	"annotation-service/internal/config"
	"annotation-service/internal/repository/postgresql"
	"annotation-service/internal/service"
	"annotation-service/internal/storage"
	"annotation-service/internal/worker"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("config: %v", err)
	}
	if cfg.Analyzer.Command == "" {
		log.Fatalf("missing env: ANALYZER_CMD")
	}

	pool, err := postgresql.NewPool(ctx, cfg.Database)
	if err != nil {
		log.Fatalf("pg: %v", err)
	}
	defer pool.Close()

	rdb := redis.NewClient(&redis.Options{Addr: cfg.Redis.Addr})
	if err := rdb.Ping(ctx).Err(); err != nil {
		log.Fatalf("redis: %v", err)
	}

	// DI
	repo := postgresql.NewJobRepository(pool)
	queue := service.NewRedisQueue(rdb, cfg.Redis.QueueKey, cfg.Redis.ProcessingKey)
	files := storage.New(cfg.Storage.DataDir)
	analyzer := analysis.NewCommandAnalyzer(cfg.Analyzer.Command)

	processor := worker.NewProcessor(repo, analyzer, files, cfg.Worker.LeaseTTL)
	workers := worker.NewPool(queue, processor, cfg.Worker.Count, cfg.Worker.ClaimDelay)

	log.Printf("[worker] config workers=%d redis_addr=%s queue_key=%s lease_ttl=%s analyzer=%s",
		cfg.Worker.Count, cfg.Redis.Addr, cfg.Redis.QueueKey, cfg.Worker.LeaseTTL, cfg.Analyzer.Command)

	workers.Run(ctx)
	log.Println("worker stopped")
}
