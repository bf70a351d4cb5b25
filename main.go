package main

import (
	"context"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"

	"ocrgate/internal/api"
	"ocrgate/internal/config"
	"ocrgate/internal/quarantine"
	"ocrgate/internal/queue"
	"ocrgate/internal/redis"
	"ocrgate/internal/server"
	"ocrgate/internal/service/jobs"

	"github.com/gin-gonic/gin"
)

func main() {
	cfgPath := os.Getenv("OCRGATE_CONFIG")
	cfg, err := config.Load(cfgPath)
	if err != nil {
		log.Fatalf("load config: %v", err)
	}

	store, err := quarantine.New(cfg.BasicConfig.QuarantineDir)
	if err != nil {
		log.Fatalf("init quarantine: %v", err)
	}
	log.Printf("quarantine dir: %s", store.Dir())

	// connects lazily; the server starts and reports health with the broker down
	connector := redis.NewConnector(cfg.Redis)
	defer connector.Close()
	if err := connector.Ping(context.Background()); err != nil {
		log.Printf("redis not ready at startup: %v", err)
	}

	q := queue.New(connector, queue.Options{
		Name:       cfg.Jobs.Queue,
		ResultTTL:  cfg.Jobs.ResultTTL.Duration,
		FailureTTL: cfg.Jobs.FailureTTL.Duration,
		PendingTTL: cfg.Jobs.PendingTTL.Duration,
	})
	jobService := jobs.NewService(q, jobs.Config{
		Task:         cfg.Jobs.Task,
		JobTimeout:   cfg.Jobs.Timeout.Duration,
		PollInterval: cfg.Jobs.PollInterval.Duration,
		PollBudget:   cfg.Jobs.PollBudget.Duration,
	})
	handlers := api.NewHandler(jobService, store, connector, cfg.MaxUploadBytes())

	router := gin.Default()
	handlers.RegisterRoutes(router)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	addr := fmt.Sprintf(":%d", cfg.BasicConfig.Port)
	srv := server.New(addr, router, cfg.BasicConfig.ShutdownTimeout.Duration)
	if err := srv.Run(ctx); err != nil {
		log.Fatalf("server stopped: %v", err)
	}
}
