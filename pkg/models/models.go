package models

import (
	"time"

	"github.com/google/uuid"
)

type CreateExperimentRequest struct {
	Name string

	// SpaceYaml is the search space definition. Empty selects the default
	// space.
	SpaceYaml string

	NumSamples     int
	ResourceBudget int
	MaxEpochs      int
	Seed           int64
}

type CreateExperimentResponse struct {
	ExperimentId uuid.UUID
	TrialIds     []uuid.UUID
}

type TrialConfig struct {
	L1        int     `json:"l1"`
	L2        int     `json:"l2"`
	LR        float64 `json:"lr"`
	BatchSize int     `json:"batch_size"`
}

type TrialMetric struct {
	Epoch         int
	Loss          float64
	Accuracy      float64
	CheckpointKey string
}

type TrialError struct {
	Kind      string
	Message   string
	Timestamp time.Time
}

type Trial struct {
	Id           uuid.UUID
	ExperimentId uuid.UUID
	Seq          int
	Config       TrialConfig
	Status       string

	StopRequested   bool
	CompletedEpochs int
	CheckpointKey   string `json:"CheckpointKey,omitempty"`

	LastLoss     *float64 `json:"LastLoss,omitempty"`
	LastAccuracy *float64 `json:"LastAccuracy,omitempty"`

	History []TrialMetric `json:"History,omitempty"`
	Errors  []TrialError  `json:"Errors,omitempty"`
}

type Experiment struct {
	Id     uuid.UUID
	Name   string
	Status string

	SpaceYaml      string
	NumSamples     int
	ResourceBudget int
	MaxEpochs      int
	Seed           int64

	CreationTime   time.Time
	CompletionTime *time.Time `json:"CompletionTime,omitempty"`

	BestTrial *Trial `json:"BestTrial,omitempty"`
}

type ListTrialsResponse struct {
	Trials []Trial
}
