package tuning

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/rand"
	"sync"

	"tune-backend/internal/checkpoint"
	"tune-backend/internal/training"
	"tune-backend/internal/utils"

	"github.com/google/uuid"
)

// Trial is the orchestrator's record of one configuration's run. The
// orchestrator owns the history; the runner never retains results.
type Trial struct {
	Id      uuid.UUID
	Seq     int
	Config  Config
	Status  string
	History []EpochResult
	Err     error
}

// Last returns the trial's most recently reported result, or nil if none
// was reported before the trial ended.
func (t *Trial) Last() *EpochResult {
	if len(t.History) == 0 {
		return nil
	}
	return &t.History[len(t.History)-1]
}

type SearchParams struct {
	Space          Space
	NumSamples     int
	ResourceBudget int
	MaxEpochs      int
	Seed           int64
}

// Summary is the final report of a search: every trial with its terminal
// state, plus the best trial by last reported validation loss among
// completed and terminated trials with at least one epoch result.
type Summary struct {
	Trials []*Trial
	Best   *Trial
}

// Orchestrator runs hyperparameter searches in-process: trials execute on a
// bounded worker pool and share a single scheduler that owns all ranking
// state.
type Orchestrator struct {
	Checkpoints *checkpoint.Store
	Train       *training.Dataset
	Val         *training.Dataset
	Policy      Policy

	// OnTrialDone, when set, is called after each trial reaches a terminal
	// state, with the number finished so far and the total.
	OnTrialDone func(done, total int)
}

// RunSearch samples NumSamples configurations and runs each to at most
// MaxEpochs epochs, with at most ResourceBudget trials running at once.
// Per-trial failures are recorded on the trial and never abort the search;
// only an invalid space fails the call itself.
func (o *Orchestrator) RunSearch(ctx context.Context, params SearchParams) (*Summary, error) {
	if err := params.Space.Validate(); err != nil {
		return nil, err
	}
	if params.NumSamples <= 0 {
		return nil, fmt.Errorf("num samples must be positive, got %d", params.NumSamples)
	}

	rng := rand.New(rand.NewSource(params.Seed))

	trials := make([]*Trial, params.NumSamples)
	for i := range trials {
		trials[i] = &Trial{
			Id:     uuid.New(),
			Seq:    i,
			Config: params.Space.Sample(rng),
			Status: TrialPending,
		}
	}

	scheduler := NewAshaScheduler(o.Policy)
	collector := &historyCollector{trials: trials}
	runner := &Runner{
		Checkpoints: o.Checkpoints,
		Train:       o.Train,
		Val:         o.Val,
		Reporter:    collector,
		Scheduler:   scheduler,
	}

	var doneMu sync.Mutex
	var done int
	utils.ForEachLimit(trials, params.ResourceBudget, func(trial *Trial) {
		trial.Status = TrialRunning
		slog.Info("trial started", "trial_id", trial.Id, "config", trial.Config)

		outcome, err := runner.Run(ctx, RunParams{
			TrialId:   trial.Id,
			Seq:       trial.Seq,
			Config:    trial.Config,
			MaxEpochs: params.MaxEpochs,
			Seed:      params.Seed + int64(trial.Seq) + 1,
		})
		if err != nil {
			trial.Status = TrialErrored
			trial.Err = err
			slog.Warn("trial errored", "trial_id", trial.Id, "error", err)
		} else {
			trial.Status = outcome.Status
			slog.Info("trial finished", "trial_id", trial.Id, "status", trial.Status, "epochs", outcome.Epochs)
		}

		if o.OnTrialDone != nil {
			doneMu.Lock()
			done++
			n := done
			doneMu.Unlock()
			o.OnTrialDone(n, len(trials))
		}
	})

	return &Summary{Trials: trials, Best: bestTrial(trials)}, nil
}

// bestTrial picks the lowest last-reported validation loss among completed
// and terminated trials that reported at least once. Ties go to the earlier
// trial.
func bestTrial(trials []*Trial) *Trial {
	var best *Trial
	for _, trial := range trials {
		if trial.Status != TrialCompleted && trial.Status != TrialTerminated {
			continue
		}
		last := trial.Last()
		if last == nil {
			continue
		}
		if best == nil || last.ValidationLoss < best.Last().ValidationLoss {
			best = trial
		}
	}
	return best
}

// ErrorKind names the taxonomy bucket of a trial error for reporting.
func ErrorKind(err error) string {
	switch {
	case err == nil:
		return ""
	case errors.Is(err, ErrInvalidSearchSpace):
		return "InvalidSearchSpace"
	case errors.Is(err, checkpoint.ErrCorruptCheckpoint):
		return "CorruptCheckpoint"
	case errors.Is(err, training.ErrShapeMismatch):
		return "ShapeMismatch"
	case errors.Is(err, ErrTrainingDiverged):
		return "TrainingDiverged"
	default:
		return "Internal"
	}
}

// historyCollector appends reported results to each trial's history. Each
// trial is reported from a single goroutine, but distinct trials report
// concurrently.
type historyCollector struct {
	mu     sync.Mutex
	trials []*Trial
}

func (c *historyCollector) Report(ctx context.Context, trialId uuid.UUID, result EpochResult) {
	c.mu.Lock()
	defer c.mu.Unlock()

	for _, trial := range c.trials {
		if trial.Id == trialId {
			trial.History = append(trial.History, result)
			return
		}
	}
}
