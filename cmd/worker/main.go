package main

import (
	"context"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"pedalboard-service/internal/config"
	"pedalboard-service/internal/queue"
	"pedalboard-service/internal/storage"
	"pedalboard-service/internal/store"
	"pedalboard-service/internal/telemetry"
	"pedalboard-service/internal/worker"
)

func main() {
	cfg := config.Load()
	log := slog.New(slog.NewJSONHandler(os.Stdout, nil)).With("service", "worker")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() {
		ch := make(chan os.Signal, 1)
		signal.Notify(ch, syscall.SIGINT, syscall.SIGTERM)
		<-ch
		cancel()
	}()

	st, err := store.New(ctx, cfg.PostgresDSN)
	if err != nil {
		log.Error("connect postgres", "error", err)
		os.Exit(1)
	}
	defer st.Close()

	if err := st.RunMigrations(ctx); err != nil {
		log.Error("migrations", "error", err)
		os.Exit(1)
	}

	q := queue.NewRedisQueue(queue.Options{
		Addr:              cfg.RedisAddr,
		Password:          cfg.RedisPassword,
		DB:                cfg.RedisDB,
		QueueName:         cfg.QueueName,
		DLQName:           cfg.DLQName,
		VisibilityTimeout: cfg.VisibilityTimeout,
		MaxReceives:       cfg.MaxReceives,
	})

	s3, err := storage.New(ctx, storage.Options{
		Bucket:        cfg.AudioBucket,
		Region:        cfg.AudioRegion,
		Endpoint:      cfg.S3Endpoint,
		PathStyle:     cfg.S3PathStyle,
		PresignExpiry: cfg.PresignExpiry,
		MaxBytes:      cfg.MaxAudioBytes,
	})
	if err != nil {
		log.Error("init storage", "error", err)
		os.Exit(1)
	}

	handler := worker.NewAudioHandler(s3, cfg.OutputPrefix)
	processor := worker.NewProcessor(log, q, st, handler, worker.Options{
		PollInterval:    cfg.WorkerPollInterval,
		StalePendingAge: cfg.StalePendingAge,
		LeaseExtension:  cfg.VisibilityTimeout,
	})

	go func() {
		if err := http.ListenAndServe(cfg.MetricsAddr, telemetry.Handler()); err != nil {
			log.Warn("metrics server stopped", "error", err)
		}
	}()

	log.Info("worker started", "visibility", cfg.VisibilityTimeout.String(), "max_receives", cfg.MaxReceives)
	if err := processor.Run(ctx); err != nil {
		log.Warn("worker stopped", "error", err)
	}
}
