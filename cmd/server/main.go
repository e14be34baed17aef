package main

import (
	"context"
	"flag"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/redis/go-redis/v9"

	"github.com/guardiao/backend/internal/api"
	"github.com/guardiao/backend/internal/chat"
	"github.com/guardiao/backend/internal/circuitbreaker"
	"github.com/guardiao/backend/internal/config"
	"github.com/guardiao/backend/internal/distributor"
	"github.com/guardiao/backend/internal/duty"
	"github.com/guardiao/backend/internal/engine"
	"github.com/guardiao/backend/internal/events"
	"github.com/guardiao/backend/internal/metrics"
	"github.com/guardiao/backend/internal/pipeline"
	"github.com/guardiao/backend/internal/store"
	"github.com/guardiao/backend/internal/verdict"
)

func main() {
	// Local development reads .env; in deployment the variables come
	// from the platform.
	godotenv.Load()

	configPath := flag.String("config", os.Getenv("CONFIG_PATH"), "path to the YAML config")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatalf("loading config: %v", err)
	}

	db, err := store.Open(cfg.Database.URL, cfg.Database.MaxOpenConns, cfg.Database.MaxIdleConns)
	if err != nil {
		log.Fatalf("opening database: %v", err)
	}
	defer db.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	if err := db.EnsureSchema(ctx); err != nil {
		cancel()
		log.Fatalf("ensuring schema: %v", err)
	}
	cancel()

	bus := events.NewBus()
	m := metrics.New()
	breakers := circuitbreaker.NewGatewayBreakers()
	adapter := chat.NewGatewayClient(cfg.Gateway.BaseURL, cfg.Gateway.Timeout)

	// Redis is optional: without it the service runs single-node, with
	// no event relay and no tick lock.
	var redisClient *redis.Client
	var locker distributor.TickLocker
	if cfg.Redis.Addr != "" {
		redisClient = redis.NewClient(&redis.Options{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		defer redisClient.Close()
		locker = distributor.NewRedisLock(redisClient, "guardiao:distributor:tick")
	}

	reportPipeline := pipeline.New(db, adapter, breakers.History, bus, m, cfg.Quotas)
	dist := distributor.New(db, adapter, breakers, bus, m, cfg.Distributor, locker)
	verdicts := verdict.New(db, adapter, breakers, bus, m, cfg.Punishments, cfg.Distributor.RequiredWeight)
	dutyEngine := duty.New(db, adapter, breakers, bus, m, cfg.Duty, cfg.Captcha)

	supervisor := engine.New()
	if redisClient != nil {
		supervisor.Register("event bridge", events.NewRedisBridge(bus, redisClient, cfg.Redis.EventChannel))
	}
	supervisor.Register("distributor", dist)
	supervisor.Register("duty", dutyEngine)
	supervisor.RegisterDrainer("verdict executions", verdicts)
	supervisor.RegisterDrainer("evidence captures", reportPipeline)
	supervisor.Start()

	server := api.NewServer(reportPipeline, dist, verdicts, dutyEngine, db,
		breakers, bus, cfg.Server, cfg.Display)

	errCh := make(chan error, 1)
	go func() {
		errCh <- server.Start()
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)

	select {
	case sig := <-sigCh:
		log.Printf("received %s, shutting down", sig)
	case err := <-errCh:
		if err != nil {
			log.Printf("server failed: %v", err)
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), engine.DefaultShutdownTimeout)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Printf("shutting down server: %v", err)
	}
	if err := supervisor.Shutdown(shutdownCtx); err != nil {
		log.Printf("shutting down workers: %v", err)
	}
	log.Println("shutdown complete")
}
