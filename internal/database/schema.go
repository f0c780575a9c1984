package database

import (
	"database/sql"
	"time"

	"github.com/google/uuid"
	"gorm.io/datatypes"
)

const (
	ExperimentPending   string = "PENDING"
	ExperimentRunning   string = "RUNNING"
	ExperimentCompleted string = "COMPLETED"
	ExperimentFailed    string = "FAILED"
)

const (
	TrialPending    string = "PENDING"
	TrialRunning    string = "RUNNING"
	TrialCompleted  string = "COMPLETED"
	TrialTerminated string = "TERMINATED"
	TrialErrored    string = "ERRORED"
)

type Experiment struct {
	Id   uuid.UUID `gorm:"type:uuid;primaryKey"`
	Name string    `gorm:"not null"`

	Status string `gorm:"size:20;not null"`

	// The search space as declared by the caller, in YAML.
	SpaceYaml string `gorm:"not null"`

	NumSamples     int
	ResourceBudget int
	MaxEpochs      int
	Seed           int64

	CreationTime   time.Time
	CompletionTime sql.NullTime

	BestTrialId uuid.NullUUID `gorm:"type:uuid"`

	Trials []Trial `gorm:"foreignKey:ExperimentId;constraint:OnDelete:CASCADE"`
}

type Trial struct {
	Id uuid.UUID `gorm:"type:uuid;primaryKey"`

	ExperimentId uuid.UUID   `gorm:"type:uuid;index"`
	Experiment   *Experiment `gorm:"foreignKey:ExperimentId"`

	// Seq is the creation-order index within the experiment, used for
	// stable tie-breaking.
	Seq int `gorm:"not null"`

	Params datatypes.JSON `gorm:"type:jsonb;not null"` // sampled tuning.Config

	Status        string `gorm:"size:20;not null"`
	StopRequested bool   `gorm:"default:false"`

	CompletedEpochs int    `gorm:"default:0"`
	CheckpointKey   string // last checkpoint; empty until the first epoch completes

	LastLoss     sql.NullFloat64
	LastAccuracy sql.NullFloat64

	CreationTime   time.Time
	StartTime      sql.NullTime
	CompletionTime sql.NullTime

	Metrics []TrialMetric `gorm:"foreignKey:TrialId;constraint:OnDelete:CASCADE"`
	Errors  []TrialError  `gorm:"foreignKey:TrialId;constraint:OnDelete:CASCADE"`
}

type TrialMetric struct {
	TrialId uuid.UUID `gorm:"type:uuid;primaryKey"`
	Epoch   int       `gorm:"primaryKey"`

	Loss          float64
	Accuracy      float64
	CheckpointKey string

	CreationTime time.Time
}

type TrialError struct {
	TrialId   uuid.UUID `gorm:"type:uuid;primaryKey"`
	ErrorId   uuid.UUID `gorm:"type:uuid;primaryKey"`
	Kind      string    `gorm:"size:40"`
	Error     string
	Timestamp time.Time
}
