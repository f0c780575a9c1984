package tuning

import (
	"sync"

	"github.com/montanaflynn/stats"
)

type Decision int

const (
	DecisionContinue Decision = iota
	DecisionStop
)

// Policy holds the asynchronous successive halving parameters. Rungs sit at
// completed-epoch counts 1, r, r^2, ... up to the epoch budget; at each rung a
// trial past the grace period is stopped if it ranks in the bottom 1-1/r of
// the trials that have reached that rung. Lower metric is better.
type Policy struct {
	ReductionFactor int
	GracePeriod     int
	MinQuorum       int
}

func DefaultPolicy() Policy {
	return Policy{ReductionFactor: 2, GracePeriod: 1, MinQuorum: 2}
}

// IsRung reports whether the given completed-epoch count is a comparison
// point.
func (p Policy) IsRung(completedEpochs int) bool {
	if completedEpochs < 1 {
		return false
	}
	for rung := 1; rung <= completedEpochs; rung *= p.ReductionFactor {
		if rung == completedEpochs {
			return true
		}
		if p.ReductionFactor <= 1 {
			return false
		}
	}
	return false
}

// ShouldStop decides for one trial at one rung, given the metric values of
// every trial that has reached that rung (including this trial's own).
// Values exactly at the survival cutoff are kept, so ranking is stable under
// the arrival order of peers.
func (p Policy) ShouldStop(completedEpochs int, value float64, peers []float64) bool {
	if completedEpochs <= p.GracePeriod {
		return false
	}
	if !p.IsRung(completedEpochs) {
		return false
	}
	if len(peers) < p.MinQuorum {
		// Not enough data at this rung for a meaningful comparison.
		return false
	}

	cutoff, err := stats.Percentile(stats.Float64Data(peers), 100.0/float64(p.ReductionFactor))
	if err != nil {
		return false
	}

	return value > cutoff
}

// Scheduler observes completed epochs and decides whether the reporting
// trial should stop. Implementations must tolerate out-of-order arrival
// across trials.
type Scheduler interface {
	Observe(trial int, completedEpochs int, value float64) Decision
}

// AshaScheduler is the in-process scheduler: one shared rung table fed by
// all concurrently running trials. Insertions are serialized; each decision
// reads a snapshot of the rung it concerns. Trials are identified by their
// creation-order index.
type AshaScheduler struct {
	policy Policy

	mu    sync.Mutex
	rungs map[int][]rungEntry
}

type rungEntry struct {
	trial int
	value float64
}

var _ Scheduler = (*AshaScheduler)(nil)

func NewAshaScheduler(policy Policy) *AshaScheduler {
	return &AshaScheduler{
		policy: policy,
		rungs:  make(map[int][]rungEntry),
	}
}

func (s *AshaScheduler) Observe(trial int, completedEpochs int, value float64) Decision {
	if !s.policy.IsRung(completedEpochs) {
		return DecisionContinue
	}

	s.mu.Lock()
	s.rungs[completedEpochs] = append(s.rungs[completedEpochs], rungEntry{trial: trial, value: value})

	peers := make([]float64, len(s.rungs[completedEpochs]))
	for i, entry := range s.rungs[completedEpochs] {
		peers[i] = entry.value
	}
	s.mu.Unlock()

	if s.policy.ShouldStop(completedEpochs, value, peers) {
		return DecisionStop
	}
	return DecisionContinue
}
