package tuning

import "errors"

var (
	// ErrInvalidSearchSpace indicates bad distribution bounds. It is the
	// only error that aborts a search before any trial launches.
	ErrInvalidSearchSpace = errors.New("invalid search space")

	// ErrTrainingDiverged indicates a NaN or Inf loss during training.
	// Fatal to the trial; the search continues.
	ErrTrainingDiverged = errors.New("training diverged")
)
