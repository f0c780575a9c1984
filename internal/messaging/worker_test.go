package messaging_test

import (
	"context"
	"encoding/json"
	"math/rand"
	"testing"
	"time"

	"tune-backend/internal/checkpoint"
	"tune-backend/internal/database"
	"tune-backend/internal/messaging"
	"tune-backend/internal/storage"
	"tune-backend/internal/training"
	"tune-backend/internal/tuning"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
)

func makeDataset(n int, rng *rand.Rand) *training.Dataset {
	centers := [][]float64{
		{2, 2, -2, -2},
		{-2, -2, 2, 2},
	}

	examples := make([]training.Example, n)
	for i := range examples {
		label := rng.Intn(len(centers))
		features := make([]float64, len(centers[label]))
		for j := range features {
			features[j] = centers[label][j] + rng.NormFloat64()
		}
		examples[i] = training.Example{Features: features, Label: label}
	}
	return &training.Dataset{Examples: examples, Classes: len(centers)}
}

func setupTestProcessor(t *testing.T, queue *messaging.InMemoryQueue) (*messaging.TrialProcessor, *gorm.DB, *checkpoint.Store) {
	t.Helper()

	db, err := gorm.Open(sqlite.Open("file::memory:"), &gorm.Config{})
	require.NoError(t, err)
	require.NoError(t, database.GetMigrator(db).Migrate())

	objects, err := storage.NewLocalObjectStore(t.TempDir())
	require.NoError(t, err)
	checkpoints := checkpoint.NewStore(objects, "checkpoints")

	rng := rand.New(rand.NewSource(7))
	proc := messaging.NewTrialProcessor(db, checkpoints, queue, tuning.DefaultPolicy(), makeDataset(120, rng), makeDataset(40, rng))
	return proc, db, checkpoints
}

func createRunnableTrial(t *testing.T, db *gorm.DB, maxEpochs int) (database.Experiment, database.Trial) {
	t.Helper()

	experiment := database.Experiment{
		Id:             uuid.New(),
		Name:           "worker-test",
		Status:         database.ExperimentRunning,
		NumSamples:     1,
		ResourceBudget: 1,
		MaxEpochs:      maxEpochs,
		Seed:           3,
		CreationTime:   time.Now().UTC(),
	}
	require.NoError(t, db.Create(&experiment).Error)

	params, err := json.Marshal(tuning.Config{L1: 16, L2: 8, LR: 0.05, BatchSize: 16})
	require.NoError(t, err)

	trial := database.Trial{
		Id:           uuid.New(),
		ExperimentId: experiment.Id,
		Seq:          0,
		Params:       params,
		Status:       database.TrialPending,
		CreationTime: time.Now().UTC(),
	}
	require.NoError(t, db.Create(&trial).Error)
	return experiment, trial
}

func drainQueue(proc *messaging.TrialProcessor, queue *messaging.InMemoryQueue) {
	queue.Close()
	proc.Start()
}

func TestProcessRunTrialTask(t *testing.T) {
	queue := messaging.NewInMemoryQueue()
	proc, db, _ := setupTestProcessor(t, queue)

	experiment, trial := createRunnableTrial(t, db, 3)

	require.NoError(t, queue.PublishRunTrialTask(context.Background(), messaging.RunTrialPayload{
		ExperimentId: experiment.Id,
		TrialId:      trial.Id,
	}))
	drainQueue(proc, queue)

	var got database.Trial
	require.NoError(t, db.First(&got, "id = ?", trial.Id).Error)
	assert.Equal(t, database.TrialCompleted, got.Status)
	assert.Equal(t, 3, got.CompletedEpochs)
	assert.True(t, got.LastLoss.Valid)
	assert.NotEmpty(t, got.CheckpointKey)

	var metrics []database.TrialMetric
	require.NoError(t, db.Where("trial_id = ?", trial.Id).Order("epoch").Find(&metrics).Error)
	require.Len(t, metrics, 3)
	for i, metric := range metrics {
		assert.Equal(t, i, metric.Epoch)
	}

	var gotExperiment database.Experiment
	require.NoError(t, db.First(&gotExperiment, "id = ?", experiment.Id).Error)
	assert.Equal(t, database.ExperimentCompleted, gotExperiment.Status)
	require.True(t, gotExperiment.BestTrialId.Valid)
	assert.Equal(t, trial.Id, gotExperiment.BestTrialId.UUID)
}

func TestProcessRunTrialTaskCheckpointResume(t *testing.T) {
	queue := messaging.NewInMemoryQueue()
	proc, db, checkpoints := setupTestProcessor(t, queue)

	experiment, trial := createRunnableTrial(t, db, 4)

	// First leg: run 2 of the 4 epochs, as if the worker died afterwards.
	require.NoError(t, db.Model(&database.Experiment{Id: experiment.Id}).Update("max_epochs", 2).Error)

	require.NoError(t, queue.PublishRunTrialTask(context.Background(), messaging.RunTrialPayload{
		ExperimentId: experiment.Id,
		TrialId:      trial.Id,
	}))
	drainQueue(proc, queue)

	var midway database.Trial
	require.NoError(t, db.First(&midway, "id = ?", trial.Id).Error)
	require.Equal(t, 2, midway.CompletedEpochs)
	require.NotEmpty(t, midway.CheckpointKey)

	state, err := checkpoints.Load(context.Background(), checkpoint.Handle(midway.CheckpointKey))
	require.NoError(t, err)
	require.Equal(t, 1, state.Epoch)

	// Second leg: restore the budget and requeue. The worker resumes from
	// the saved checkpoint instead of starting over.
	require.NoError(t, db.Model(&database.Experiment{Id: experiment.Id}).Update("max_epochs", 4).Error)
	require.NoError(t, db.Model(&database.Trial{Id: trial.Id}).Update("status", database.TrialPending).Error)

	requeue := messaging.NewInMemoryQueue()
	resumed := messaging.NewTrialProcessor(db, checkpoints, requeue, tuning.DefaultPolicy(),
		makeDataset(120, rand.New(rand.NewSource(7))), makeDataset(40, rand.New(rand.NewSource(7))))

	require.NoError(t, requeue.PublishRunTrialTask(context.Background(), messaging.RunTrialPayload{
		ExperimentId: experiment.Id,
		TrialId:      trial.Id,
	}))
	drainQueue(resumed, requeue)

	var got database.Trial
	require.NoError(t, db.First(&got, "id = ?", trial.Id).Error)
	assert.Equal(t, database.TrialCompleted, got.Status)
	assert.Equal(t, 4, got.CompletedEpochs)

	var metrics []database.TrialMetric
	require.NoError(t, db.Where("trial_id = ?", trial.Id).Order("epoch").Find(&metrics).Error)
	epochs := make([]int, len(metrics))
	for i, metric := range metrics {
		epochs[i] = metric.Epoch
	}
	assert.Equal(t, []int{0, 1, 2, 3}, epochs)
}

func TestProcessRunTrialTaskStopRequested(t *testing.T) {
	queue := messaging.NewInMemoryQueue()
	proc, db, _ := setupTestProcessor(t, queue)

	experiment, trial := createRunnableTrial(t, db, 5)
	require.NoError(t, database.RequestStop(context.Background(), db, trial.Id))

	require.NoError(t, queue.PublishRunTrialTask(context.Background(), messaging.RunTrialPayload{
		ExperimentId: experiment.Id,
		TrialId:      trial.Id,
	}))
	drainQueue(proc, queue)

	var got database.Trial
	require.NoError(t, db.First(&got, "id = ?", trial.Id).Error)
	assert.Equal(t, database.TrialTerminated, got.Status)
	assert.Equal(t, 0, got.CompletedEpochs)
}

func TestProcessRunTrialTaskBadParams(t *testing.T) {
	queue := messaging.NewInMemoryQueue()
	proc, db, _ := setupTestProcessor(t, queue)

	experiment, trial := createRunnableTrial(t, db, 3)
	require.NoError(t, db.Model(&database.Trial{Id: trial.Id}).Update("params", []byte(`{"l1": "not a number"}`)).Error)

	require.NoError(t, queue.PublishRunTrialTask(context.Background(), messaging.RunTrialPayload{
		ExperimentId: experiment.Id,
		TrialId:      trial.Id,
	}))
	drainQueue(proc, queue)

	var got database.Trial
	require.NoError(t, db.First(&got, "id = ?", trial.Id).Error)
	assert.Equal(t, database.TrialErrored, got.Status)

	var trialErrors []database.TrialError
	require.NoError(t, db.Where("trial_id = ?", trial.Id).Find(&trialErrors).Error)
	require.Len(t, trialErrors, 1)
	assert.Equal(t, "Internal", trialErrors[0].Kind)

	var gotExperiment database.Experiment
	require.NoError(t, db.First(&gotExperiment, "id = ?", experiment.Id).Error)
	assert.Equal(t, database.ExperimentFailed, gotExperiment.Status)
}

func TestProcessRunTrialTaskSkipsNonPending(t *testing.T) {
	queue := messaging.NewInMemoryQueue()
	proc, db, _ := setupTestProcessor(t, queue)

	experiment, trial := createRunnableTrial(t, db, 3)
	require.NoError(t, db.Model(&database.Trial{Id: trial.Id}).Update("status", database.TrialCompleted).Error)

	require.NoError(t, queue.PublishRunTrialTask(context.Background(), messaging.RunTrialPayload{
		ExperimentId: experiment.Id,
		TrialId:      trial.Id,
	}))
	drainQueue(proc, queue)

	var metrics []database.TrialMetric
	require.NoError(t, db.Where("trial_id = ?", trial.Id).Find(&metrics).Error)
	assert.Empty(t, metrics)
}
