package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/ariefcatur/go-order-engine/internal/config"
	kafkax "github.com/ariefcatur/go-order-engine/internal/kafka"
	"github.com/ariefcatur/go-order-engine/internal/orders"
	"github.com/ariefcatur/go-order-engine/internal/redisx"
	"github.com/ariefcatur/go-order-engine/internal/statusworker"
	"github.com/joho/godotenv"
	"go.uber.org/zap"
)

func main() {
	_ = godotenv.Load()

	log, err := zap.NewProduction()
	if err != nil {
		panic(err)
	}
	defer func() { _ = log.Sync() }()

	cfg := config.Load()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Redis
	rdb := redisx.New(cfg.RedisAddr)
	defer rdb.Close()

	svc := &statusworker.Service{Redis: rdb, Log: log}

	cons := kafkax.NewConsumer(cfg.KafkaBrokers, cfg.WorkerGroup, orders.TopicOrderEvents, cfg.WorkerThreads, log)

	go func() {
		log.Info("status-cache consumer started",
			zap.String("group", cfg.WorkerGroup),
			zap.String("topic", orders.TopicOrderEvents),
			zap.Int("workers", cfg.WorkerThreads))
		if err := cons.Start(ctx, svc.HandleOrderEvent); err != nil {
			log.Error("consumer exit", zap.Error(err))
			cancel()
		}
	}()

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
	<-sig
	log.Info("shutting down consumer...")
	cancel()
}
