package messaging

import (
	"context"
	"time"

	"github.com/google/uuid"
)

const (
	RunTrialQueue   = "run_trial_queue"
	RetryDelay      = 5 * time.Second
	MaxConnectRetry = 5
)

type Task interface {
	Type() string

	Payload() []byte

	Ack() error

	Nack() error

	Reject() error
}

type RunTrialPayload struct {
	ExperimentId uuid.UUID
	TrialId      uuid.UUID
}

type Publisher interface {
	PublishRunTrialTask(ctx context.Context, payload RunTrialPayload) error

	Close()
}

type Receiver interface {
	Tasks() <-chan Task

	Close()
}
