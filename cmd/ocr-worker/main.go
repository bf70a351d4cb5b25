// Command ocr-worker consumes the OCR queue filled by the ingest server.
package main

import (
	"context"
	"fmt"
	"log"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"

	"ocrgate/internal/config"
	"ocrgate/internal/ocr"
	"ocrgate/internal/quarantine"
	"ocrgate/internal/queue"
	"ocrgate/internal/redis"
	"ocrgate/internal/server"
	"ocrgate/internal/worker"
)

func main() {
	cfg, err := config.Load(os.Getenv("OCRGATE_CONFIG"))
	if err != nil {
		log.Fatalf("load config: %v", err)
	}
	wcfg := cfg.Worker

	store, err := quarantine.New(cfg.BasicConfig.QuarantineDir)
	if err != nil {
		log.Fatalf("init quarantine: %v", err)
	}
	connector := redis.NewConnector(cfg.Redis)
	defer connector.Close()

	q := queue.New(connector, queue.Options{
		Name:       cfg.Jobs.Queue,
		ResultTTL:  cfg.Jobs.ResultTTL.Duration,
		FailureTTL: cfg.Jobs.FailureTTL.Duration,
		PendingTTL: cfg.Jobs.PendingTTL.Duration,
	})
	var ocrOpts []ocr.Option
	if wcfg.PageSegMode != "" {
		ocrOpts = append(ocrOpts, ocr.WithVariable(ocr.PageSegModeVariable, wcfg.PageSegMode))
	}
	runner := worker.NewRunner(q, ocr.NewTesseract(wcfg.Languages, ocrOpts...), store.Remove, worker.RunnerConfig{
		DefaultTimeout: cfg.Jobs.Timeout.Duration,
		KeepStaged:     wcfg.KeepStaged,
	})
	dispatcher := worker.NewDispatcher(worker.DispatcherConfig{
		MinWorkers:        wcfg.MinWorkers,
		MaxWorkers:        wcfg.MaxWorkers,
		QueueSize:         wcfg.MaxWorkers,
		WorkerIdleTimeout: wcfg.IdleTimeout.Duration,
	}, runner.Run)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	store.StartJanitor(ctx, wcfg.SweepEvery.Duration, wcfg.StagedTTL.Duration)

	host, _ := os.Hostname()
	info := worker.Info{
		Name:      fmt.Sprintf("%s.%d", host, os.Getpid()),
		Host:      host,
		PID:       os.Getpid(),
		Queue:     q.Name(),
		StartedAt: time.Now().UTC(),
	}
	registry := worker.NewRegistry(connector, 0)
	registry.StartHeartbeat(ctx, 0, func() worker.Info {
		snap := info
		snap.Processed, snap.Failed = runner.Stats()
		snap.Pending = dispatcher.Pending()
		return snap
	})

	router := gin.Default()
	worker.NewStatusHandler(connector, registry, dispatcher).RegisterRoutes(router)
	srv := server.New(wcfg.Address, router, cfg.BasicConfig.ShutdownTimeout.Duration)

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		if err := srv.Run(ctx); err != nil {
			log.Printf("worker status server: %v", err)
		}
	}()

	log.Printf("ocr worker %s consuming queue %q with %d-%d workers", info.Name, q.Name(), wcfg.MinWorkers, wcfg.MaxWorkers)
	if err := worker.NewFetcher(q, dispatcher, 0).Run(ctx); err != nil {
		log.Printf("fetcher stopped: %v", err)
	}
	// finish in-flight jobs before exiting
	dispatcher.Close()
	stop()
	wg.Wait()
	log.Printf("ocr worker %s stopped", info.Name)
}
