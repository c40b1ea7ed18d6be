package main

import (
	"context"
	"errors"
	"log"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"

	"annotation-service/internal/config"
	"annotation-service/internal/repository/postgresql"
	"annotation-service/internal/scheduler"
	"annotation-service/internal/service"
	"annotation-service/internal/storage"
	httptransport "annotation-service/internal/transport/http"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("config: %v", err)
	}

	if dir := os.Getenv("MIGRATIONS_DIR"); dir != "" {
		if err := postgresql.RunMigrations(cfg.Database.URL, dir); err != nil {
			log.Fatalf("migrations: %v", err)
		}
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

	jobSvc := service.NewJobService(repo, queue, files)
	cleanupSvc := service.NewCleanupService(repo, files, queue, cfg.RetentionWindow())

	sched, err := scheduler.New(cleanupSvc, queue, cfg.Cleanup.Schedule, cfg.Cleanup.SweepInterval)
	if err != nil {
		log.Fatalf("scheduler: %v", err)
	}
	sched.Start(ctx)

	handler := httptransport.NewHandler(jobSvc, files, cfg.Server.BaseURL, cfg.RetentionWindow())
	srv := &http.Server{
		Addr:              ":" + strconv.Itoa(cfg.Server.Port),
		Handler:           httptransport.Routes(handler),
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		log.Printf("[server] listening on %s data_dir=%s retention_days=%d",
			srv.Addr, cfg.Storage.DataDir, cfg.Cleanup.RetentionDays)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatalf("http: %v", err)
		}
	}()

	<-ctx.Done()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Printf("[server] shutdown error=%v", err)
	}
	log.Println("server stopped")
}
