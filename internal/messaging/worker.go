package messaging

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"tune-backend/internal/checkpoint"
	"tune-backend/internal/database"
	"tune-backend/internal/training"
	"tune-backend/internal/tuning"

	"github.com/google/uuid"
	"gorm.io/gorm"
)

// TrialProcessor consumes run-trial tasks and drives each trial through the
// epoch loop. Scheduling decisions come from the database so that workers on
// different machines compare against the same rung peers.
type TrialProcessor struct {
	db          *gorm.DB
	checkpoints *checkpoint.Store
	receiver    Receiver
	policy      tuning.Policy
	train       *training.Dataset
	val         *training.Dataset
}

func NewTrialProcessor(db *gorm.DB, checkpoints *checkpoint.Store, receiver Receiver, policy tuning.Policy, train, val *training.Dataset) *TrialProcessor {
	return &TrialProcessor{
		db:          db,
		checkpoints: checkpoints,
		receiver:    receiver,
		policy:      policy,
		train:       train,
		val:         val,
	}
}

func (proc *TrialProcessor) Start() {
	slog.Info("starting trial processor")

	for task := range proc.receiver.Tasks() {
		proc.ProcessTask(task)
	}
}

func (proc *TrialProcessor) Stop() {
	slog.Info("stopping trial processor")

	proc.receiver.Close()
}

func (proc *TrialProcessor) ProcessTask(task Task) {
	ctx := context.Background()

	var err error
	switch task.Type() {

	case RunTrialQueue:
		var payload RunTrialPayload
		if err = json.Unmarshal(task.Payload(), &payload); err != nil {
			slog.Error("error unmarshalling run trial task", "error", err)
			if err := task.Reject(); err != nil { // Discard malformed message
				slog.Error("error rejecting message from queue", "error", err)
			}
			return
		}
		err = proc.processRunTrialTask(ctx, payload)

	default:
		slog.Error("received unknown task type", "queue", task.Type())
		if err := task.Reject(); err != nil { // reject unknown message type
			slog.Error("error rejecting message from queue", "error", err)
		}
		return
	}

	if err != nil {
		slog.Error("error processing task", "queue", task.Type(), "error", err)
		if err := task.Nack(); err != nil {
			slog.Error("error reporting processing failure on message from queue", "error", err)
		}
	} else {
		slog.Info("successfully processed task", "queue", task.Type())
		if err := task.Ack(); err != nil {
			slog.Error("error acknowledging message from queue", "error", err)
		}
	}
}

func (proc *TrialProcessor) processRunTrialTask(ctx context.Context, payload RunTrialPayload) error {
	slog.Info("processing run trial task", "experiment_id", payload.ExperimentId, "trial_id", payload.TrialId)

	var trial database.Trial
	if err := proc.db.WithContext(ctx).First(&trial, "id = ?", payload.TrialId).Error; err != nil {
		slog.Error("error fetching trial", "trial_id", payload.TrialId, "error", err)
		return fmt.Errorf("error getting trial: %w", err)
	}

	var experiment database.Experiment
	if err := proc.db.WithContext(ctx).First(&experiment, "id = ?", trial.ExperimentId).Error; err != nil {
		slog.Error("error fetching experiment", "experiment_id", trial.ExperimentId, "error", err)
		return fmt.Errorf("error getting experiment: %w", err)
	}

	if trial.Status != database.TrialPending {
		slog.Info("trial is not pending, skipping", "trial_id", trial.Id, "status", trial.Status)
		return nil
	}

	if trial.StopRequested {
		slog.Info("trial stopped before it started", "trial_id", trial.Id)
		return proc.finishTrial(ctx, trial, database.TrialTerminated)
	}

	var config tuning.Config
	if err := json.Unmarshal(trial.Params, &config); err != nil {
		slog.Error("error unmarshalling trial params", "trial_id", trial.Id, "error", err)
		database.SaveTrialError(ctx, proc.db, trial.Id, "Internal", err.Error())
		return proc.finishTrial(ctx, trial, database.TrialErrored)
	}

	params := tuning.RunParams{
		TrialId:   trial.Id,
		Seq:       trial.Seq,
		Config:    config,
		MaxEpochs: experiment.MaxEpochs,
		Seed:      experiment.Seed + int64(trial.Seq) + 1,
	}

	if trial.CheckpointKey != "" {
		state, err := proc.checkpoints.Load(ctx, checkpoint.Handle(trial.CheckpointKey))
		if err != nil {
			slog.Error("error loading trial checkpoint", "trial_id", trial.Id, "error", err)
			database.SaveTrialError(ctx, proc.db, trial.Id, tuning.ErrorKind(err), err.Error())
			return proc.finishTrial(ctx, trial, database.TrialErrored)
		}
		params.Resume = &state
	}

	if err := database.UpdateTrialStatus(ctx, proc.db, trial.Id, database.TrialRunning); err != nil {
		return fmt.Errorf("error marking trial as running: %w", err)
	}

	runner := &tuning.Runner{
		Checkpoints: proc.checkpoints,
		Train:       proc.train,
		Val:         proc.val,
		Reporter:    &dbReporter{db: proc.db},
		Scheduler: &dbScheduler{
			db:           proc.db,
			policy:       proc.policy,
			experimentId: trial.ExperimentId,
			trialId:      trial.Id,
		},
	}

	outcome, err := runner.Run(ctx, params)
	if err != nil {
		slog.Error("trial run failed", "trial_id", trial.Id, "error", err)
		database.SaveTrialError(ctx, proc.db, trial.Id, tuning.ErrorKind(err), err.Error())
		return proc.finishTrial(ctx, trial, database.TrialErrored)
	}

	slog.Info("trial run finished", "trial_id", trial.Id, "status", outcome.Status, "completed_epochs", outcome.Epochs)
	return proc.finishTrial(ctx, trial, outcome.Status)
}

func (proc *TrialProcessor) finishTrial(ctx context.Context, trial database.Trial, status string) error {
	if err := database.UpdateTrialStatus(ctx, proc.db, trial.Id, status); err != nil {
		return fmt.Errorf("error updating trial %s status to %s: %w", trial.Id, status, err)
	}
	if err := database.FinishExperimentIfDone(ctx, proc.db, trial.ExperimentId); err != nil {
		return fmt.Errorf("error finalizing experiment %s: %w", trial.ExperimentId, err)
	}
	return nil
}

// dbReporter persists each epoch result. Failures are logged, not fatal:
// the checkpoint is the trial's source of truth, the metric row is derived.
type dbReporter struct {
	db *gorm.DB
}

func (r *dbReporter) Report(ctx context.Context, trialId uuid.UUID, result tuning.EpochResult) {
	metric := database.TrialMetric{
		TrialId:       trialId,
		Epoch:         result.Epoch,
		Loss:          result.ValidationLoss,
		Accuracy:      result.ValidationAccuracy,
		CheckpointKey: string(result.Checkpoint),
		CreationTime:  time.Now().UTC(),
	}
	if err := database.RecordTrialMetric(ctx, r.db, metric); err != nil {
		slog.Error("error recording trial metric", "trial_id", trialId, "epoch", result.Epoch, "error", err)
	}
}

// dbScheduler makes rung decisions against the metrics every worker has
// reported so far, and honors user stop requests between epochs.
type dbScheduler struct {
	db           *gorm.DB
	policy       tuning.Policy
	experimentId uuid.UUID
	trialId      uuid.UUID
}

func (s *dbScheduler) Observe(trial int, completedEpochs int, value float64) tuning.Decision {
	ctx := context.Background()

	stopped, err := database.StopRequested(ctx, s.db, s.trialId)
	if err != nil {
		slog.Error("error checking stop flag", "trial_id", s.trialId, "error", err)
	} else if stopped {
		return tuning.DecisionStop
	}

	if !s.policy.IsRung(completedEpochs) {
		return tuning.DecisionContinue
	}

	peers, err := database.PeerLosses(ctx, s.db, s.experimentId, completedEpochs-1)
	if err != nil {
		slog.Error("error loading rung peers", "experiment_id", s.experimentId, "error", err)
		return tuning.DecisionContinue
	}

	if s.policy.ShouldStop(completedEpochs, value, peers) {
		return tuning.DecisionStop
	}
	return tuning.DecisionContinue
}
