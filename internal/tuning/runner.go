package tuning

import (
	"context"
	"fmt"
	"log/slog"
	"math"
	"math/rand"

	"tune-backend/internal/checkpoint"
	"tune-backend/internal/training"

	"github.com/google/uuid"
)

// Trial lifecycle states. A trial moves from PENDING through RUNNING to one
// of COMPLETED, TERMINATED, or ERRORED.
const (
	TrialPending    string = "PENDING"
	TrialRunning    string = "RUNNING"
	TrialCompleted  string = "COMPLETED"
	TrialTerminated string = "TERMINATED"
	TrialErrored    string = "ERRORED"
)

// EpochResult is the metric snapshot produced after each completed epoch,
// tagged with the checkpoint written for that epoch.
type EpochResult struct {
	Epoch              int               `json:"epoch"`
	ValidationLoss     float64           `json:"validation_loss"`
	ValidationAccuracy float64           `json:"validation_accuracy"`
	Checkpoint         checkpoint.Handle `json:"checkpoint"`
}

// Reporter receives epoch results. Fire-and-forget from the runner's point
// of view: implementations handle their own failures.
type Reporter interface {
	Report(ctx context.Context, trialId uuid.UUID, result EpochResult)
}

// RunParams describes one trial run. Resume, when set, seeds the run with a
// previously checkpointed state; the run starts at the epoch after it.
type RunParams struct {
	TrialId   uuid.UUID
	Seq       int
	Config    Config
	MaxEpochs int
	Resume    *checkpoint.State
	Seed      int64
}

// RunOutcome is the terminal result of a run that did not error. Status is
// TrialCompleted or TrialTerminated.
type RunOutcome struct {
	Status string
	Epochs int
	Last   *EpochResult
}

// Runner drives single trials through the epoch loop. It is safe for
// concurrent use; each Run invocation is single-threaded internally.
type Runner struct {
	Checkpoints *checkpoint.Store
	Train       *training.Dataset
	Val         *training.Dataset
	Reporter    Reporter
	Scheduler   Scheduler
}

// Run trains one configuration for up to MaxEpochs epochs, checkpointing
// and reporting after every epoch. Scheduler stop requests and context
// cancellation are observed only at epoch boundaries; an in-flight epoch
// always finishes so the checkpoint stays consistent.
func (r *Runner) Run(ctx context.Context, params RunParams) (*RunOutcome, error) {
	rng := rand.New(rand.NewSource(params.Seed))

	unit, err := training.NewMLP(r.Train.Features(), params.Config.L1, params.Config.L2, r.Train.Classes, rng)
	if err != nil {
		return nil, fmt.Errorf("failed to construct unit: %w", err)
	}
	opt := training.NewSGD(params.Config.LR, 0.9)

	start := 0
	if params.Resume != nil {
		if err := unit.ImportState(params.Resume.UnitState); err != nil {
			return nil, fmt.Errorf("failed to restore unit for trial %s: %w", params.TrialId, err)
		}
		if err := opt.ImportState(params.Resume.OptimizerState, unit.Parameters()); err != nil {
			return nil, fmt.Errorf("failed to restore optimizer for trial %s: %w", params.TrialId, err)
		}
		start = params.Resume.Epoch + 1
		slog.Info("resuming trial from checkpoint", "trial_id", params.TrialId, "start_epoch", start)
	}

	var last *EpochResult

	for epoch := start; epoch < params.MaxEpochs; epoch++ {
		if err := ctx.Err(); err != nil {
			return &RunOutcome{Status: TrialTerminated, Epochs: epoch, Last: last}, nil
		}

		var runningLoss float64
		var batches int
		for _, batch := range r.Train.Batches(params.Config.BatchSize, rng) {
			loss, err := unit.TrainBatch(batch)
			if err != nil {
				return nil, fmt.Errorf("training failed for trial %s at epoch %d: %w", params.TrialId, epoch, err)
			}
			if math.IsNaN(loss) || math.IsInf(loss, 0) {
				return nil, fmt.Errorf("loss is %v at epoch %d: %w", loss, epoch, ErrTrainingDiverged)
			}

			opt.Step(unit.Parameters())
			runningLoss += loss
			batches++
		}
		slog.Debug("trial epoch trained", "trial_id", params.TrialId, "epoch", epoch, "running_loss", runningLoss/float64(batches))

		valLoss, valAccuracy := r.validate(unit)
		if math.IsNaN(valLoss) || math.IsInf(valLoss, 0) {
			return nil, fmt.Errorf("validation loss is %v at epoch %d: %w", valLoss, epoch, ErrTrainingDiverged)
		}

		unitState, err := unit.ExportState()
		if err != nil {
			return nil, fmt.Errorf("failed to export unit state for trial %s: %w", params.TrialId, err)
		}
		optState, err := opt.ExportState()
		if err != nil {
			return nil, fmt.Errorf("failed to export optimizer state for trial %s: %w", params.TrialId, err)
		}

		// A trial cannot continue without a durable recovery point, so a
		// failed write is fatal.
		handle, err := r.Checkpoints.Save(ctx, params.TrialId, checkpoint.State{
			Epoch:          epoch,
			UnitState:      unitState,
			OptimizerState: optState,
		})
		if err != nil {
			return nil, fmt.Errorf("failed to checkpoint trial %s at epoch %d: %w", params.TrialId, epoch, err)
		}

		result := EpochResult{
			Epoch:              epoch,
			ValidationLoss:     valLoss,
			ValidationAccuracy: valAccuracy,
			Checkpoint:         handle,
		}
		last = &result

		if r.Reporter != nil {
			r.Reporter.Report(ctx, params.TrialId, result)
		}

		if r.Scheduler != nil && epoch+1 < params.MaxEpochs {
			if decision := r.Scheduler.Observe(params.Seq, epoch+1, valLoss); decision == DecisionStop {
				slog.Info("trial stopped by scheduler", "trial_id", params.TrialId, "completed_epochs", epoch+1)
				return &RunOutcome{Status: TrialTerminated, Epochs: epoch + 1, Last: last}, nil
			}
		}
	}

	return &RunOutcome{Status: TrialCompleted, Epochs: params.MaxEpochs, Last: last}, nil
}

func (r *Runner) validate(unit training.Unit) (float64, float64) {
	sumLoss, correct := training.Evaluate(unit, r.Val.Examples)
	total := float64(r.Val.Len())
	return sumLoss / total, float64(correct) / total
}
