package api

import (
	"encoding/json"
	"log/slog"

	"tune-backend/internal/database"
	"tune-backend/pkg/models"
)

func convertTrial(t database.Trial) models.Trial {
	trial := models.Trial{
		Id:              t.Id,
		ExperimentId:    t.ExperimentId,
		Seq:             t.Seq,
		Status:          t.Status,
		StopRequested:   t.StopRequested,
		CompletedEpochs: t.CompletedEpochs,
		CheckpointKey:   t.CheckpointKey,
	}

	if err := json.Unmarshal(t.Params, &trial.Config); err != nil {
		slog.Error("error unmarshalling trial params", "trial_id", t.Id, "error", err)
	}

	if t.LastLoss.Valid {
		loss := t.LastLoss.Float64
		trial.LastLoss = &loss
	}
	if t.LastAccuracy.Valid {
		accuracy := t.LastAccuracy.Float64
		trial.LastAccuracy = &accuracy
	}

	for _, metric := range t.Metrics {
		trial.History = append(trial.History, models.TrialMetric{
			Epoch:         metric.Epoch,
			Loss:          metric.Loss,
			Accuracy:      metric.Accuracy,
			CheckpointKey: metric.CheckpointKey,
		})
	}

	for _, trialError := range t.Errors {
		trial.Errors = append(trial.Errors, models.TrialError{
			Kind:      trialError.Kind,
			Message:   trialError.Error,
			Timestamp: trialError.Timestamp,
		})
	}

	return trial
}

func convertTrials(ts []database.Trial) []models.Trial {
	trials := make([]models.Trial, 0, len(ts))
	for _, t := range ts {
		trials = append(trials, convertTrial(t))
	}
	return trials
}

func convertExperiment(e database.Experiment, best *database.Trial) models.Experiment {
	experiment := models.Experiment{
		Id:             e.Id,
		Name:           e.Name,
		Status:         e.Status,
		SpaceYaml:      e.SpaceYaml,
		NumSamples:     e.NumSamples,
		ResourceBudget: e.ResourceBudget,
		MaxEpochs:      e.MaxEpochs,
		Seed:           e.Seed,
		CreationTime:   e.CreationTime,
	}

	if e.CompletionTime.Valid {
		completion := e.CompletionTime.Time
		experiment.CompletionTime = &completion
	}

	if best != nil {
		converted := convertTrial(*best)
		experiment.BestTrial = &converted
	}

	return experiment
}
