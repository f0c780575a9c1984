package main

import (
	"context"
	"log"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"tune-backend/cmd"
	"tune-backend/internal/checkpoint"
	"tune-backend/internal/config"
	"tune-backend/internal/database"
	"tune-backend/internal/messaging"
	"tune-backend/internal/tuning"
)

func main() {
	log.Println("Starting Worker Process...")

	cmd.LoadEnvFile()

	cfg, err := config.LoadConfig()
	if err != nil {
		log.Fatalf("Failed to load configuration: %v", err)
	}

	db, err := database.NewDatabase(cfg.DatabaseURL)
	if err != nil {
		log.Fatalf("Failed to connect to database: %v", err)
	}

	objects := cmd.CreateObjectStore(cfg, filepath.Join(cfg.DataDir, "storage"))
	if err := objects.CreateBucket(context.Background(), cfg.CheckpointBucket); err != nil {
		log.Fatalf("Failed to create checkpoint bucket: %v", err)
	}
	checkpoints := checkpoint.NewStore(objects, cfg.CheckpointBucket)

	train, val, _ := cmd.LoadDatasets(cfg.DataDir)

	receiver, err := messaging.NewRabbitMQReceiver(cfg.RabbitMQURL)
	if err != nil {
		log.Fatalf("Failed to connect to RabbitMQ: %v", err)
	}

	worker := messaging.NewTrialProcessor(db, checkpoints, receiver, tuning.DefaultPolicy(), train, val)

	go worker.Start()

	log.Println("Worker started. Waiting for tasks. Press Ctrl+C to exit.")

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Println("Shutdown signal received, stopping worker...")
	worker.Stop()

	log.Println("Worker process stopped.")
}
