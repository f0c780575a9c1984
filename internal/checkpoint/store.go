// Package checkpoint persists resumable training snapshots for trials. Each
// trial has at most one live checkpoint; saving replaces the previous one.
package checkpoint

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"time"

	"tune-backend/internal/storage"
	"tune-backend/internal/utils"

	"github.com/google/uuid"
)

// ErrCorruptCheckpoint indicates that a stored checkpoint could not be
// deserialized into the expected shape. Fatal only to the resuming trial.
var ErrCorruptCheckpoint = errors.New("corrupt checkpoint")

const recordVersion = 1

// State is the resumable snapshot written after each completed epoch. Epoch
// counts completed epochs; the blobs are opaque to this package.
type State struct {
	Epoch          int    `json:"epoch"`
	UnitState      []byte `json:"unit_state"`
	OptimizerState []byte `json:"optimizer_state"`
}

// Handle references a stored checkpoint. It is stable across processes and
// safe to persist.
type Handle string

type record struct {
	Version int       `json:"version"`
	TrialId uuid.UUID `json:"trial_id"`
	SavedAt time.Time `json:"saved_at"`
	State   State     `json:"state"`
}

type Store struct {
	objects storage.ObjectStore
	bucket  string
	locks   *utils.MutexMap
}

func NewStore(objects storage.ObjectStore, bucket string) *Store {
	return &Store{
		objects: objects,
		bucket:  bucket,
		locks:   utils.NewMutexMap(),
	}
}

func trialKey(trialId uuid.UUID) string {
	return fmt.Sprintf("trials/%s/state.json", trialId)
}

// Save persists the state as the trial's single live checkpoint and returns
// a handle to it. The serialization is staged through a temp file that is
// removed on every exit path.
func (s *Store) Save(ctx context.Context, trialId uuid.UUID, state State) (Handle, error) {
	key := trialKey(trialId)

	s.locks.Lock(key)
	defer s.locks.Unlock(key)

	tmp, err := os.CreateTemp("", fmt.Sprintf("checkpoint-%s-*", trialId))
	if err != nil {
		return "", fmt.Errorf("failed to create checkpoint temp file: %w", err)
	}
	defer os.Remove(tmp.Name())
	defer tmp.Close()

	rec := record{
		Version: recordVersion,
		TrialId: trialId,
		SavedAt: time.Now().UTC(),
		State:   state,
	}
	if err := json.NewEncoder(tmp).Encode(rec); err != nil {
		return "", fmt.Errorf("failed to encode checkpoint for trial %s: %w", trialId, err)
	}
	if _, err := tmp.Seek(0, io.SeekStart); err != nil {
		return "", fmt.Errorf("failed to rewind checkpoint temp file: %w", err)
	}

	if err := s.objects.PutObject(ctx, s.bucket, key, tmp); err != nil {
		return "", fmt.Errorf("failed to store checkpoint for trial %s: %w", trialId, err)
	}

	return Handle(key), nil
}

// Load reads the checkpoint behind the handle, failing with
// ErrCorruptCheckpoint if the blob is unreadable or schema-mismatched.
func (s *Store) Load(ctx context.Context, handle Handle) (State, error) {
	key := string(handle)

	s.locks.Lock(key)
	defer s.locks.Unlock(key)

	reader, err := s.objects.GetObject(ctx, s.bucket, key)
	if err != nil {
		return State{}, fmt.Errorf("failed to read checkpoint %s: %w", handle, err)
	}
	defer reader.Close()

	var rec record
	if err := json.NewDecoder(reader).Decode(&rec); err != nil {
		return State{}, fmt.Errorf("failed to decode checkpoint %s: %w: %w", handle, ErrCorruptCheckpoint, err)
	}

	if rec.Version != recordVersion {
		return State{}, fmt.Errorf("checkpoint %s has version %d, expected %d: %w", handle, rec.Version, recordVersion, ErrCorruptCheckpoint)
	}
	if rec.State.Epoch < 0 || len(rec.State.UnitState) == 0 || len(rec.State.OptimizerState) == 0 {
		return State{}, fmt.Errorf("checkpoint %s is missing fields: %w", handle, ErrCorruptCheckpoint)
	}

	return rec.State, nil
}

// Delete removes the trial's checkpoint, if any.
func (s *Store) Delete(ctx context.Context, trialId uuid.UUID) error {
	key := trialKey(trialId)

	s.locks.Lock(key)
	defer s.locks.Unlock(key)

	return s.objects.DeleteObjects(ctx, s.bucket, key)
}
