package database_test

import (
	"context"
	"testing"
	"time"

	"tune-backend/internal/database"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
)

func setupTestDB(t *testing.T) *gorm.DB {
	db, err := gorm.Open(sqlite.Open("file::memory:"), &gorm.Config{})
	require.NoError(t, err)
	require.NoError(t, database.GetMigrator(db).Migrate())
	return db
}

func createTestExperiment(t *testing.T, db *gorm.DB) database.Experiment {
	experiment := database.Experiment{
		Id:             uuid.New(),
		Name:           "test-experiment",
		Status:         database.ExperimentRunning,
		SpaceYaml:      "lr:\n  loguniform: [0.0001, 0.1]\n",
		NumSamples:     4,
		ResourceBudget: 2,
		MaxEpochs:      8,
		Seed:           7,
		CreationTime:   time.Now().UTC(),
	}
	require.NoError(t, db.Create(&experiment).Error)
	return experiment
}

func createTestTrial(t *testing.T, db *gorm.DB, experimentId uuid.UUID, seq int) database.Trial {
	trial := database.Trial{
		Id:           uuid.New(),
		ExperimentId: experimentId,
		Seq:          seq,
		Params:       []byte(`{"l1": 32, "l2": 16, "lr": 0.01, "batch_size": 16}`),
		Status:       database.TrialPending,
		CreationTime: time.Now().UTC(),
	}
	require.NoError(t, db.Create(&trial).Error)
	return trial
}

func TestUpdateTrialStatus(t *testing.T) {
	db := setupTestDB(t)
	ctx := context.Background()

	experiment := createTestExperiment(t, db)
	trial := createTestTrial(t, db, experiment.Id, 0)

	require.NoError(t, database.UpdateTrialStatus(ctx, db, trial.Id, database.TrialRunning))

	var got database.Trial
	require.NoError(t, db.First(&got, "id = ?", trial.Id).Error)
	assert.Equal(t, database.TrialRunning, got.Status)
	assert.True(t, got.StartTime.Valid)
	assert.False(t, got.CompletionTime.Valid)

	require.NoError(t, database.UpdateTrialStatus(ctx, db, trial.Id, database.TrialCompleted))

	require.NoError(t, db.First(&got, "id = ?", trial.Id).Error)
	assert.Equal(t, database.TrialCompleted, got.Status)
	assert.True(t, got.CompletionTime.Valid)
}

func TestRecordTrialMetric(t *testing.T) {
	db := setupTestDB(t)
	ctx := context.Background()

	experiment := createTestExperiment(t, db)
	trial := createTestTrial(t, db, experiment.Id, 0)

	for epoch := 0; epoch < 3; epoch++ {
		err := database.RecordTrialMetric(ctx, db, database.TrialMetric{
			TrialId:       trial.Id,
			Epoch:         epoch,
			Loss:          1.0 - 0.1*float64(epoch),
			Accuracy:      0.5 + 0.1*float64(epoch),
			CheckpointKey: "trials/" + trial.Id.String() + "/state.json",
			CreationTime:  time.Now().UTC(),
		})
		require.NoError(t, err)
	}

	var got database.Trial
	require.NoError(t, db.First(&got, "id = ?", trial.Id).Error)
	assert.Equal(t, 3, got.CompletedEpochs)
	assert.InDelta(t, 0.8, got.LastLoss.Float64, 1e-9)
	assert.InDelta(t, 0.7, got.LastAccuracy.Float64, 1e-9)
	assert.Equal(t, "trials/"+trial.Id.String()+"/state.json", got.CheckpointKey)

	var metrics []database.TrialMetric
	require.NoError(t, db.Where("trial_id = ?", trial.Id).Order("epoch").Find(&metrics).Error)
	assert.Len(t, metrics, 3)
}

func TestPeerLosses(t *testing.T) {
	db := setupTestDB(t)
	ctx := context.Background()

	experiment := createTestExperiment(t, db)
	other := createTestExperiment(t, db)

	losses := []float64{0.9, 0.4, 0.7}
	for seq, loss := range losses {
		trial := createTestTrial(t, db, experiment.Id, seq)
		require.NoError(t, database.RecordTrialMetric(ctx, db, database.TrialMetric{
			TrialId: trial.Id, Epoch: 1, Loss: loss, Accuracy: 0.5,
			CreationTime: time.Now().UTC(),
		}))
	}
	// A trial in another experiment and an earlier epoch must not leak in.
	outsider := createTestTrial(t, db, other.Id, 0)
	require.NoError(t, database.RecordTrialMetric(ctx, db, database.TrialMetric{
		TrialId: outsider.Id, Epoch: 1, Loss: 0.01, Accuracy: 0.9,
		CreationTime: time.Now().UTC(),
	}))

	got, err := database.PeerLosses(ctx, db, experiment.Id, 1)
	require.NoError(t, err)
	assert.Equal(t, losses, got)

	got, err = database.PeerLosses(ctx, db, experiment.Id, 2)
	require.NoError(t, err)
	assert.Empty(t, got)
}

func TestStopRequested(t *testing.T) {
	db := setupTestDB(t)
	ctx := context.Background()

	experiment := createTestExperiment(t, db)
	trial := createTestTrial(t, db, experiment.Id, 0)

	stopped, err := database.StopRequested(ctx, db, trial.Id)
	require.NoError(t, err)
	assert.False(t, stopped)

	require.NoError(t, database.RequestStop(ctx, db, trial.Id))

	stopped, err = database.StopRequested(ctx, db, trial.Id)
	require.NoError(t, err)
	assert.True(t, stopped)
}

func TestSaveTrialError(t *testing.T) {
	db := setupTestDB(t)
	ctx := context.Background()

	experiment := createTestExperiment(t, db)
	trial := createTestTrial(t, db, experiment.Id, 0)

	database.SaveTrialError(ctx, db, trial.Id, "TrainingDiverged", "loss is NaN at epoch 2")

	var errors []database.TrialError
	require.NoError(t, db.Where("trial_id = ?", trial.Id).Find(&errors).Error)
	require.Len(t, errors, 1)
	assert.Equal(t, "TrainingDiverged", errors[0].Kind)
	assert.Contains(t, errors[0].Error, "NaN")
}

func TestBestTrial(t *testing.T) {
	db := setupTestDB(t)
	ctx := context.Background()

	experiment := createTestExperiment(t, db)

	_, err := database.BestTrial(ctx, db, experiment.Id)
	assert.ErrorIs(t, err, gorm.ErrRecordNotFound)

	completed := createTestTrial(t, db, experiment.Id, 0)
	terminated := createTestTrial(t, db, experiment.Id, 1)
	errored := createTestTrial(t, db, experiment.Id, 2)

	require.NoError(t, database.RecordTrialMetric(ctx, db, database.TrialMetric{
		TrialId: completed.Id, Epoch: 0, Loss: 0.6, Accuracy: 0.6, CreationTime: time.Now().UTC(),
	}))
	require.NoError(t, database.RecordTrialMetric(ctx, db, database.TrialMetric{
		TrialId: terminated.Id, Epoch: 0, Loss: 0.3, Accuracy: 0.8, CreationTime: time.Now().UTC(),
	}))
	require.NoError(t, database.RecordTrialMetric(ctx, db, database.TrialMetric{
		TrialId: errored.Id, Epoch: 0, Loss: 0.1, Accuracy: 0.9, CreationTime: time.Now().UTC(),
	}))

	require.NoError(t, database.UpdateTrialStatus(ctx, db, completed.Id, database.TrialCompleted))
	require.NoError(t, database.UpdateTrialStatus(ctx, db, terminated.Id, database.TrialTerminated))
	require.NoError(t, database.UpdateTrialStatus(ctx, db, errored.Id, database.TrialErrored))

	best, err := database.BestTrial(ctx, db, experiment.Id)
	require.NoError(t, err)
	assert.Equal(t, terminated.Id, best.Id)
}

func TestFinishExperimentIfDone(t *testing.T) {
	db := setupTestDB(t)
	ctx := context.Background()

	experiment := createTestExperiment(t, db)
	first := createTestTrial(t, db, experiment.Id, 0)
	second := createTestTrial(t, db, experiment.Id, 1)

	require.NoError(t, database.RecordTrialMetric(ctx, db, database.TrialMetric{
		TrialId: first.Id, Epoch: 0, Loss: 0.5, Accuracy: 0.7, CreationTime: time.Now().UTC(),
	}))
	require.NoError(t, database.UpdateTrialStatus(ctx, db, first.Id, database.TrialCompleted))

	require.NoError(t, database.FinishExperimentIfDone(ctx, db, experiment.Id))

	var got database.Experiment
	require.NoError(t, db.First(&got, "id = ?", experiment.Id).Error)
	assert.Equal(t, database.ExperimentRunning, got.Status)

	require.NoError(t, database.UpdateTrialStatus(ctx, db, second.Id, database.TrialErrored))
	require.NoError(t, database.FinishExperimentIfDone(ctx, db, experiment.Id))

	require.NoError(t, db.First(&got, "id = ?", experiment.Id).Error)
	assert.Equal(t, database.ExperimentCompleted, got.Status)
	assert.True(t, got.CompletionTime.Valid)
	require.True(t, got.BestTrialId.Valid)
	assert.Equal(t, first.Id, got.BestTrialId.UUID)
}

func TestFinishExperimentNoSurvivors(t *testing.T) {
	db := setupTestDB(t)
	ctx := context.Background()

	experiment := createTestExperiment(t, db)
	trial := createTestTrial(t, db, experiment.Id, 0)
	require.NoError(t, database.UpdateTrialStatus(ctx, db, trial.Id, database.TrialErrored))

	require.NoError(t, database.FinishExperimentIfDone(ctx, db, experiment.Id))

	var got database.Experiment
	require.NoError(t, db.First(&got, "id = ?", experiment.Id).Error)
	assert.Equal(t, database.ExperimentFailed, got.Status)
	assert.False(t, got.BestTrialId.Valid)
}
