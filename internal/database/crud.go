package database

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
)

func terminalTrialStatus(status string) bool {
	return status == TrialCompleted || status == TrialTerminated || status == TrialErrored
}

func UpdateTrialStatus(ctx context.Context, txn *gorm.DB, trialId uuid.UUID, status string) error {
	updates := map[string]any{"status": status}
	if status == TrialRunning {
		updates["start_time"] = sql.NullTime{Time: time.Now().UTC(), Valid: true}
	}
	if terminalTrialStatus(status) {
		updates["completion_time"] = sql.NullTime{Time: time.Now().UTC(), Valid: true}
	}

	if err := txn.WithContext(ctx).Model(&Trial{Id: trialId}).Updates(updates).Error; err != nil {
		slog.Error("error updating trial status", "trial_id", trialId, "status", status, "error", err)
		return err
	}
	return nil
}

// RecordTrialMetric appends one epoch result and refreshes the trial's
// last-reported fields. Metrics are append-only; epochs never overwrite.
func RecordTrialMetric(ctx context.Context, txn *gorm.DB, metric TrialMetric) error {
	metric.CreationTime = time.Now().UTC()

	return txn.WithContext(ctx).Transaction(func(txn *gorm.DB) error {
		if err := txn.Create(&metric).Error; err != nil {
			return fmt.Errorf("failed to record metric for trial %s epoch %d: %w", metric.TrialId, metric.Epoch, err)
		}

		updates := map[string]any{
			"completed_epochs": metric.Epoch + 1,
			"checkpoint_key":   metric.CheckpointKey,
			"last_loss":        sql.NullFloat64{Float64: metric.Loss, Valid: true},
			"last_accuracy":    sql.NullFloat64{Float64: metric.Accuracy, Valid: true},
		}
		if err := txn.Model(&Trial{Id: metric.TrialId}).Updates(updates).Error; err != nil {
			return fmt.Errorf("failed to update trial %s after epoch %d: %w", metric.TrialId, metric.Epoch, err)
		}
		return nil
	})
}

// PeerLosses returns the loss of every trial in the experiment that has
// reported the given epoch, in trial creation order.
func PeerLosses(ctx context.Context, txn *gorm.DB, experimentId uuid.UUID, epoch int) ([]float64, error) {
	var losses []float64
	err := txn.WithContext(ctx).
		Model(&TrialMetric{}).
		Joins("JOIN trials ON trials.id = trial_metrics.trial_id").
		Where("trials.experiment_id = ? AND trial_metrics.epoch = ?", experimentId, epoch).
		Order("trials.seq").
		Pluck("trial_metrics.loss", &losses).Error
	if err != nil {
		return nil, fmt.Errorf("failed to load peer losses for experiment %s epoch %d: %w", experimentId, epoch, err)
	}
	return losses, nil
}

func RequestStop(ctx context.Context, txn *gorm.DB, trialId uuid.UUID) error {
	if err := txn.WithContext(ctx).Model(&Trial{Id: trialId}).Update("stop_requested", true).Error; err != nil {
		slog.Error("error requesting trial stop", "trial_id", trialId, "error", err)
		return err
	}
	return nil
}

func StopRequested(ctx context.Context, txn *gorm.DB, trialId uuid.UUID) (bool, error) {
	var trial Trial
	if err := txn.WithContext(ctx).Select("stop_requested").First(&trial, "id = ?", trialId).Error; err != nil {
		return false, fmt.Errorf("failed to read stop flag for trial %s: %w", trialId, err)
	}
	return trial.StopRequested, nil
}

func SaveTrialError(ctx context.Context, txn *gorm.DB, trialId uuid.UUID, kind, message string) {
	trialError := TrialError{
		TrialId:   trialId,
		ErrorId:   uuid.New(),
		Kind:      kind,
		Error:     message,
		Timestamp: time.Now().UTC(),
	}

	if err := txn.WithContext(ctx).Create(&trialError).Error; err != nil {
		slog.Error("error saving trial error", "trial_id", trialId, "error", err)
	}
}

// BestTrial returns the completed or terminated trial with the lowest
// last-reported loss, breaking ties by creation order. Returns
// gorm.ErrRecordNotFound if no trial has reported a metric.
func BestTrial(ctx context.Context, txn *gorm.DB, experimentId uuid.UUID) (*Trial, error) {
	var trial Trial
	err := txn.WithContext(ctx).
		Where("experiment_id = ? AND status IN ? AND last_loss IS NOT NULL", experimentId, []string{TrialCompleted, TrialTerminated}).
		Order("last_loss ASC, seq ASC").
		First(&trial).Error
	if err != nil {
		return nil, err
	}
	return &trial, nil
}

// FinishExperimentIfDone marks the experiment completed once every trial has
// reached a terminal state, recording the best trial if any.
func FinishExperimentIfDone(ctx context.Context, txn *gorm.DB, experimentId uuid.UUID) error {
	var remaining int64
	err := txn.WithContext(ctx).
		Model(&Trial{}).
		Where("experiment_id = ? AND status NOT IN ?", experimentId, []string{TrialCompleted, TrialTerminated, TrialErrored}).
		Count(&remaining).Error
	if err != nil {
		return fmt.Errorf("failed to count unfinished trials for experiment %s: %w", experimentId, err)
	}
	if remaining > 0 {
		return nil
	}

	updates := map[string]any{
		"status":          ExperimentCompleted,
		"completion_time": sql.NullTime{Time: time.Now().UTC(), Valid: true},
	}

	best, err := BestTrial(ctx, txn, experimentId)
	if err != nil && !errors.Is(err, gorm.ErrRecordNotFound) {
		return fmt.Errorf("failed to select best trial for experiment %s: %w", experimentId, err)
	}
	if best != nil {
		updates["best_trial_id"] = uuid.NullUUID{UUID: best.Id, Valid: true}
	} else {
		updates["status"] = ExperimentFailed
	}

	if err := txn.WithContext(ctx).Model(&Experiment{Id: experimentId}).Updates(updates).Error; err != nil {
		return fmt.Errorf("failed to finish experiment %s: %w", experimentId, err)
	}

	slog.Info("experiment finished", "experiment_id", experimentId)
	return nil
}
