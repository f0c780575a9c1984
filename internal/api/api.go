package api

import (
	"encoding/json"
	"errors"
	"log/slog"
	"math/rand"
	"net/http"
	"time"

	"tune-backend/internal/database"
	"tune-backend/internal/messaging"
	"tune-backend/internal/tuning"
	"tune-backend/pkg/models"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"gorm.io/gorm"
)

type BackendService struct {
	db        *gorm.DB
	publisher messaging.Publisher
}

func NewBackendService(db *gorm.DB, publisher messaging.Publisher) *BackendService {
	return &BackendService{db: db, publisher: publisher}
}

func (s *BackendService) AddRoutes(r chi.Router) {
	r.Get("/health", RestHandler(func(r *http.Request) (any, error) { return nil, nil }))
	r.Route("/experiments", func(r chi.Router) {
		r.Post("/", RestHandler(s.CreateExperiment))
		r.Get("/{experiment_id}", RestHandler(s.GetExperiment))
		r.Get("/{experiment_id}/trials", RestHandler(s.ListTrials))
	})
	r.Route("/trials", func(r chi.Router) {
		r.Get("/{trial_id}", RestHandler(s.GetTrial))
		r.Post("/{trial_id}/stop", RestHandler(s.StopTrial))
	})
}

func (s *BackendService) CreateExperiment(r *http.Request) (any, error) {
	req, err := ParseRequest[models.CreateExperimentRequest](r)
	if err != nil {
		return nil, err
	}

	if err := validateName(req.Name); err != nil {
		return nil, err
	}
	if req.NumSamples < 1 {
		return nil, CodedErrorf(http.StatusUnprocessableEntity, "num_samples must be at least 1")
	}
	if req.ResourceBudget < 1 {
		return nil, CodedErrorf(http.StatusUnprocessableEntity, "resource_budget must be at least 1")
	}
	if req.MaxEpochs < 1 {
		return nil, CodedErrorf(http.StatusUnprocessableEntity, "max_epochs must be at least 1")
	}

	space := tuning.DefaultSpace()
	if req.SpaceYaml != "" {
		space, err = tuning.ParseSpace([]byte(req.SpaceYaml))
		if err != nil {
			return nil, CodedErrorf(http.StatusUnprocessableEntity, "invalid search space: %v", err)
		}
	}
	if err := space.Validate(); err != nil {
		return nil, CodedErrorf(http.StatusUnprocessableEntity, "invalid search space: %v", err)
	}

	ctx := r.Context()

	experiment := database.Experiment{
		Id:             uuid.New(),
		Name:           req.Name,
		Status:         database.ExperimentRunning,
		SpaceYaml:      req.SpaceYaml,
		NumSamples:     req.NumSamples,
		ResourceBudget: req.ResourceBudget,
		MaxEpochs:      req.MaxEpochs,
		Seed:           req.Seed,
		CreationTime:   time.Now().UTC(),
	}

	rng := rand.New(rand.NewSource(req.Seed))
	trials := make([]database.Trial, req.NumSamples)
	for i := range trials {
		params, err := json.Marshal(space.Sample(rng))
		if err != nil {
			return nil, CodedErrorf(http.StatusInternalServerError, "failed to serialize trial params")
		}
		trials[i] = database.Trial{
			Id:           uuid.New(),
			ExperimentId: experiment.Id,
			Seq:          i,
			Params:       params,
			Status:       database.TrialPending,
			CreationTime: time.Now().UTC(),
		}
	}

	err = s.db.WithContext(ctx).Transaction(func(txn *gorm.DB) error {
		if err := txn.Create(&experiment).Error; err != nil {
			return err
		}
		return txn.Create(&trials).Error
	})
	if err != nil {
		slog.Error("error creating experiment", "error", err)
		return nil, CodedErrorf(http.StatusInternalServerError, "failed to create experiment")
	}

	trialIds := make([]uuid.UUID, len(trials))
	for i, trial := range trials {
		trialIds[i] = trial.Id
		payload := messaging.RunTrialPayload{ExperimentId: experiment.Id, TrialId: trial.Id}
		if err := s.publisher.PublishRunTrialTask(ctx, payload); err != nil {
			slog.Error("error publishing run trial task", "trial_id", trial.Id, "error", err)
			return nil, CodedErrorf(http.StatusInternalServerError, "failed to queue trial tasks")
		}
	}

	slog.Info("created experiment", "experiment_id", experiment.Id, "num_trials", len(trials))
	return models.CreateExperimentResponse{ExperimentId: experiment.Id, TrialIds: trialIds}, nil
}

func (s *BackendService) GetExperiment(r *http.Request) (any, error) {
	experimentId, err := URLParamUUID(r, "experiment_id")
	if err != nil {
		return nil, err
	}

	ctx := r.Context()

	var experiment database.Experiment
	if err := s.db.WithContext(ctx).First(&experiment, "id = ?", experimentId).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, CodedErrorf(http.StatusNotFound, "experiment not found")
		}
		slog.Error("error getting experiment", "error", err)
		return nil, CodedErrorf(http.StatusInternalServerError, "error retrieving experiment record")
	}

	var best *database.Trial
	if experiment.BestTrialId.Valid {
		var trial database.Trial
		if err := s.db.WithContext(ctx).First(&trial, "id = ?", experiment.BestTrialId.UUID).Error; err != nil {
			slog.Error("error getting best trial", "experiment_id", experimentId, "error", err)
		} else {
			best = &trial
		}
	}

	return convertExperiment(experiment, best), nil
}

type listTrialsParams struct {
	Status string `schema:"status"`
}

func (s *BackendService) ListTrials(r *http.Request) (any, error) {
	experimentId, err := URLParamUUID(r, "experiment_id")
	if err != nil {
		return nil, err
	}

	params, err := ParseRequestQueryParams[listTrialsParams](r)
	if err != nil {
		return nil, err
	}

	ctx := r.Context()

	query := s.db.WithContext(ctx).Where("experiment_id = ?", experimentId)
	if params.Status != "" {
		query = query.Where("status = ?", params.Status)
	}

	var trials []database.Trial
	if err := query.Order("seq").Find(&trials).Error; err != nil {
		slog.Error("error listing trials", "experiment_id", experimentId, "error", err)
		return nil, CodedErrorf(http.StatusInternalServerError, "error retrieving trials")
	}

	return models.ListTrialsResponse{Trials: convertTrials(trials)}, nil
}

func (s *BackendService) GetTrial(r *http.Request) (any, error) {
	trialId, err := URLParamUUID(r, "trial_id")
	if err != nil {
		return nil, err
	}

	ctx := r.Context()

	var trial database.Trial
	err = s.db.WithContext(ctx).
		Preload("Metrics", func(db *gorm.DB) *gorm.DB { return db.Order("epoch") }).
		Preload("Errors").
		First(&trial, "id = ?", trialId).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, CodedErrorf(http.StatusNotFound, "trial not found")
		}
		slog.Error("error getting trial", "error", err)
		return nil, CodedErrorf(http.StatusInternalServerError, "error retrieving trial record")
	}

	return convertTrial(trial), nil
}

func (s *BackendService) StopTrial(r *http.Request) (any, error) {
	trialId, err := URLParamUUID(r, "trial_id")
	if err != nil {
		return nil, err
	}

	ctx := r.Context()

	var trial database.Trial
	if err := s.db.WithContext(ctx).First(&trial, "id = ?", trialId).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, CodedErrorf(http.StatusNotFound, "trial not found")
		}
		slog.Error("error getting trial", "error", err)
		return nil, CodedErrorf(http.StatusInternalServerError, "error retrieving trial record")
	}

	if err := database.RequestStop(ctx, s.db, trialId); err != nil {
		return nil, CodedErrorf(http.StatusInternalServerError, "failed to request trial stop")
	}

	slog.Info("trial stop requested", "trial_id", trialId)
	return nil, nil
}
