package main

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"log"
	"log/slog"
	"math/rand"
	"os"
	"path/filepath"
	"time"

	"tune-backend/internal/checkpoint"
	"tune-backend/internal/database"
	"tune-backend/internal/storage"
	"tune-backend/internal/training"
	"tune-backend/internal/tuning"

	"github.com/caarlos0/env/v11"
	"github.com/google/uuid"
	"github.com/schollz/progressbar/v3"
	"gorm.io/gorm"
)

type Config struct {
	Root string `env:"ROOT" envDefault:"./tune-local"`

	SpaceFile      string `env:"SPACE_FILE" envDefault:""`
	NumSamples     int    `env:"NUM_SAMPLES" envDefault:"8"`
	ResourceBudget int    `env:"RESOURCE_BUDGET" envDefault:"2"`
	MaxEpochs      int    `env:"MAX_EPOCHS" envDefault:"8"`
	Seed           int64  `env:"SEED" envDefault:"42"`
}

func createDatabase(root string) *gorm.DB {
	path := filepath.Join(root, "db", "tune.db")
	if err := os.MkdirAll(filepath.Dir(path), os.ModePerm); err != nil {
		log.Fatalf("Failed to create database directory: %v", err)
	}

	db, err := database.NewDatabase(path)
	if err != nil {
		log.Fatalf("Failed to connect to database: %v", err)
	}
	return db
}

func loadSpace(path string) tuning.Space {
	if path == "" {
		return tuning.DefaultSpace()
	}
	space, err := tuning.LoadSpace(path)
	if err != nil {
		log.Fatalf("Failed to load search space: %v", err)
	}
	return space
}

// saveSearch records the finished search so it is queryable the same way a
// distributed experiment is.
func saveSearch(db *gorm.DB, cfg Config, summary *tuning.Summary) {
	experiment := database.Experiment{
		Id:             uuid.New(),
		Name:           "local-search",
		Status:         database.ExperimentCompleted,
		NumSamples:     cfg.NumSamples,
		ResourceBudget: cfg.ResourceBudget,
		MaxEpochs:      cfg.MaxEpochs,
		Seed:           cfg.Seed,
		CreationTime:   time.Now().UTC(),
		CompletionTime: sql.NullTime{Time: time.Now().UTC(), Valid: true},
	}
	if summary.Best != nil {
		experiment.BestTrialId.UUID = summary.Best.Id
		experiment.BestTrialId.Valid = true
	} else {
		experiment.Status = database.ExperimentFailed
	}

	if err := db.Create(&experiment).Error; err != nil {
		log.Fatalf("Failed to save experiment: %v", err)
	}

	for _, trial := range summary.Trials {
		params, err := json.Marshal(trial.Config)
		if err != nil {
			log.Fatalf("Failed to serialize trial params: %v", err)
		}

		row := database.Trial{
			Id:              trial.Id,
			ExperimentId:    experiment.Id,
			Seq:             trial.Seq,
			Params:          params,
			Status:          trial.Status,
			CompletedEpochs: len(trial.History),
			CreationTime:    experiment.CreationTime,
		}
		if last := trial.Last(); last != nil {
			row.CheckpointKey = string(last.Checkpoint)
			row.LastLoss = sql.NullFloat64{Float64: last.ValidationLoss, Valid: true}
			row.LastAccuracy = sql.NullFloat64{Float64: last.ValidationAccuracy, Valid: true}
		}
		for _, result := range trial.History {
			row.Metrics = append(row.Metrics, database.TrialMetric{
				TrialId:       trial.Id,
				Epoch:         result.Epoch,
				Loss:          result.ValidationLoss,
				Accuracy:      result.ValidationAccuracy,
				CheckpointKey: string(result.Checkpoint),
				CreationTime:  time.Now().UTC(),
			})
		}
		if trial.Err != nil {
			row.Errors = append(row.Errors, database.TrialError{
				TrialId:   trial.Id,
				ErrorId:   uuid.New(),
				Kind:      tuning.ErrorKind(trial.Err),
				Error:     trial.Err.Error(),
				Timestamp: time.Now().UTC(),
			})
		}

		if err := db.Create(&row).Error; err != nil {
			log.Fatalf("Failed to save trial: %v", err)
		}
	}
}

// testAccuracy restores the best trial's checkpoint and runs one pass over
// the held-out test set.
func testAccuracy(store *checkpoint.Store, best *tuning.Trial, test *training.Dataset) (float64, error) {
	state, err := store.Load(context.Background(), best.Last().Checkpoint)
	if err != nil {
		return 0, fmt.Errorf("failed to load best checkpoint: %w", err)
	}

	unit, err := training.NewMLP(test.Features(), best.Config.L1, best.Config.L2, test.Classes, rand.New(rand.NewSource(0)))
	if err != nil {
		return 0, fmt.Errorf("failed to construct unit: %w", err)
	}
	if err := unit.ImportState(state.UnitState); err != nil {
		return 0, fmt.Errorf("failed to restore best trial state: %w", err)
	}

	_, correct := training.Evaluate(unit, test.Examples)
	return float64(correct) / float64(test.Len()), nil
}

func main() {
	var cfg Config
	if err := env.Parse(&cfg); err != nil {
		log.Fatalf("error parsing config: %v", err)
	}

	if err := os.MkdirAll(cfg.Root, os.ModePerm); err != nil {
		log.Fatalf("error creating root directory: %v", err)
	}

	slog.Info("starting local search", "root", cfg.Root, "num_samples", cfg.NumSamples,
		"resource_budget", cfg.ResourceBudget, "max_epochs", cfg.MaxEpochs, "seed", cfg.Seed)

	db := createDatabase(cfg.Root)

	objects, err := storage.NewLocalObjectStore(filepath.Join(cfg.Root, "storage"))
	if err != nil {
		log.Fatalf("Failed to create storage client: %v", err)
	}
	checkpoints := checkpoint.NewStore(objects, "checkpoints")

	trainFull, test, err := training.LoadSplits(filepath.Join(cfg.Root, "data"))
	if err != nil {
		log.Fatalf("Failed to load datasets: %v", err)
	}
	splits, err := training.RandomSplit(trainFull, []float64{0.8, 0.2}, rand.New(rand.NewSource(1)))
	if err != nil {
		log.Fatalf("Failed to split training data: %v", err)
	}
	train, val := splits[0], splits[1]

	bar := progressbar.NewOptions(cfg.NumSamples,
		progressbar.OptionSetDescription("trials"),
		progressbar.OptionSetWidth(30),
		progressbar.OptionClearOnFinish(),
	)

	orchestrator := &tuning.Orchestrator{
		Checkpoints: checkpoints,
		Train:       train,
		Val:         val,
		Policy:      tuning.DefaultPolicy(),
		OnTrialDone: func(done, total int) {
			bar.Add(1) //nolint:errcheck
		},
	}

	summary, err := orchestrator.RunSearch(context.Background(), tuning.SearchParams{
		Space:          loadSpace(cfg.SpaceFile),
		NumSamples:     cfg.NumSamples,
		ResourceBudget: cfg.ResourceBudget,
		MaxEpochs:      cfg.MaxEpochs,
		Seed:           cfg.Seed,
	})
	if err != nil {
		log.Fatalf("Search failed: %v", err)
	}

	saveSearch(db, cfg, summary)

	fmt.Println()
	for _, trial := range summary.Trials {
		line := fmt.Sprintf("trial %2d  %-10s  l1=%-3d l2=%-3d lr=%.5f batch=%-3d epochs=%d",
			trial.Seq, trial.Status, trial.Config.L1, trial.Config.L2, trial.Config.LR,
			trial.Config.BatchSize, len(trial.History))
		if last := trial.Last(); last != nil {
			line += fmt.Sprintf("  val_loss=%.4f val_acc=%.4f", last.ValidationLoss, last.ValidationAccuracy)
		}
		if trial.Err != nil {
			line += fmt.Sprintf("  error=%s", tuning.ErrorKind(trial.Err))
		}
		fmt.Println(line)
	}

	if summary.Best == nil {
		log.Fatalf("No trial produced a usable result")
	}

	accuracy, err := testAccuracy(checkpoints, summary.Best, test)
	if err != nil {
		log.Fatalf("Failed to evaluate best trial: %v", err)
	}

	fmt.Printf("\nbest trial %d: l1=%d l2=%d lr=%.5f batch=%d val_loss=%.4f test_acc=%.4f\n",
		summary.Best.Seq, summary.Best.Config.L1, summary.Best.Config.L2,
		summary.Best.Config.LR, summary.Best.Config.BatchSize,
		summary.Best.Last().ValidationLoss, accuracy)
}
