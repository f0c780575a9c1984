package tuning

import (
	"fmt"
	"math"
	"math/rand"
	"os"

	"gopkg.in/yaml.v2"
)

// Config is one sampled hyperparameter configuration. It is created by
// Space.Sample and never mutated afterwards.
type Config struct {
	L1        int     `json:"l1" yaml:"l1"`
	L2        int     `json:"l2" yaml:"l2"`
	LR        float64 `json:"lr" yaml:"lr"`
	BatchSize int     `json:"batch_size" yaml:"batch_size"`
}

type Distribution interface {
	Sample(rng *rand.Rand) float64
	Validate() error
}

// Choice samples uniformly by index from a fixed set of values.
type Choice struct {
	Values []float64
}

func (c Choice) Sample(rng *rand.Rand) float64 {
	return c.Values[rng.Intn(len(c.Values))]
}

func (c Choice) Validate() error {
	if len(c.Values) == 0 {
		return fmt.Errorf("choice has no values: %w", ErrInvalidSearchSpace)
	}
	return nil
}

type Uniform struct {
	Low  float64
	High float64
}

func (u Uniform) Sample(rng *rand.Rand) float64 {
	return u.Low + rng.Float64()*(u.High-u.Low)
}

func (u Uniform) Validate() error {
	if u.Low > u.High {
		return fmt.Errorf("uniform bounds inverted (%v > %v): %w", u.Low, u.High, ErrInvalidSearchSpace)
	}
	return nil
}

// LogUniform samples exp(uniform(ln low, ln high)). Both bounds must be
// positive.
type LogUniform struct {
	Low  float64
	High float64
}

func (l LogUniform) Sample(rng *rand.Rand) float64 {
	lo, hi := math.Log(l.Low), math.Log(l.High)
	return math.Exp(lo + rng.Float64()*(hi-lo))
}

func (l LogUniform) Validate() error {
	if l.Low <= 0 || l.High <= 0 {
		return fmt.Errorf("loguniform bounds must be positive (%v, %v): %w", l.Low, l.High, ErrInvalidSearchSpace)
	}
	if l.Low > l.High {
		return fmt.Errorf("loguniform bounds inverted (%v > %v): %w", l.Low, l.High, ErrInvalidSearchSpace)
	}
	return nil
}

// Space declares one distribution per recognized hyperparameter.
type Space struct {
	L1        Distribution
	L2        Distribution
	LR        Distribution
	BatchSize Distribution
}

// DefaultSpace mirrors the usual starting point for this model family:
// power-of-two layer widths and batch sizes, log-uniform learning rate.
func DefaultSpace() Space {
	return Space{
		L1:        Choice{Values: []float64{8, 16, 32, 64, 128}},
		L2:        Choice{Values: []float64{8, 16, 32, 64, 128}},
		LR:        LogUniform{Low: 1e-4, High: 1e-1},
		BatchSize: Choice{Values: []float64{8, 16, 32, 64}},
	}
}

func (s Space) Validate() error {
	dims := []struct {
		name    string
		dist    Distribution
		integer bool
	}{
		{"l1", s.L1, true},
		{"l2", s.L2, true},
		{"lr", s.LR, false},
		{"batch_size", s.BatchSize, true},
	}

	for _, dim := range dims {
		if dim.dist == nil {
			return fmt.Errorf("dimension %s has no distribution: %w", dim.name, ErrInvalidSearchSpace)
		}
		if err := dim.dist.Validate(); err != nil {
			return fmt.Errorf("dimension %s: %w", dim.name, err)
		}
		if dim.integer && lowerBound(dim.dist) < 1 {
			return fmt.Errorf("dimension %s must sample values >= 1: %w", dim.name, ErrInvalidSearchSpace)
		}
	}

	return nil
}

func lowerBound(dist Distribution) float64 {
	switch d := dist.(type) {
	case Choice:
		low := math.Inf(1)
		for _, v := range d.Values {
			low = math.Min(low, v)
		}
		return low
	case Uniform:
		return d.Low
	case LogUniform:
		return d.Low
	default:
		return math.Inf(-1)
	}
}

// Sample draws one configuration, sampling each dimension independently.
// The caller controls reproducibility through the rand source's seed.
func (s Space) Sample(rng *rand.Rand) Config {
	return Config{
		L1:        int(s.L1.Sample(rng)),
		L2:        int(s.L2.Sample(rng)),
		LR:        s.LR.Sample(rng),
		BatchSize: int(s.BatchSize.Sample(rng)),
	}
}

type distSpec struct {
	Choice     []float64 `yaml:"choice,flow"`
	Uniform    []float64 `yaml:"uniform,flow"`
	LogUniform []float64 `yaml:"loguniform,flow"`
}

func (spec distSpec) distribution(name string) (Distribution, error) {
	set := 0
	if len(spec.Choice) > 0 {
		set++
	}
	if len(spec.Uniform) > 0 {
		set++
	}
	if len(spec.LogUniform) > 0 {
		set++
	}
	if set != 1 {
		return nil, fmt.Errorf("dimension %s must declare exactly one of choice, uniform, loguniform: %w", name, ErrInvalidSearchSpace)
	}

	switch {
	case len(spec.Choice) > 0:
		return Choice{Values: spec.Choice}, nil
	case len(spec.Uniform) > 0:
		if len(spec.Uniform) != 2 {
			return nil, fmt.Errorf("dimension %s: uniform needs [low, high]: %w", name, ErrInvalidSearchSpace)
		}
		return Uniform{Low: spec.Uniform[0], High: spec.Uniform[1]}, nil
	default:
		if len(spec.LogUniform) != 2 {
			return nil, fmt.Errorf("dimension %s: loguniform needs [low, high]: %w", name, ErrInvalidSearchSpace)
		}
		return LogUniform{Low: spec.LogUniform[0], High: spec.LogUniform[1]}, nil
	}
}

type spaceFile struct {
	L1        distSpec `yaml:"l1"`
	L2        distSpec `yaml:"l2"`
	LR        distSpec `yaml:"lr"`
	BatchSize distSpec `yaml:"batch_size"`
}

// ParseSpace reads a search space declaration from YAML, e.g.
//
//	l1: {choice: [8, 16, 32]}
//	lr: {loguniform: [0.0001, 0.1]}
func ParseSpace(data []byte) (Space, error) {
	var file spaceFile
	if err := yaml.Unmarshal(data, &file); err != nil {
		return Space{}, fmt.Errorf("failed to parse search space yaml: %w", err)
	}

	var space Space
	var err error
	if space.L1, err = file.L1.distribution("l1"); err != nil {
		return Space{}, err
	}
	if space.L2, err = file.L2.distribution("l2"); err != nil {
		return Space{}, err
	}
	if space.LR, err = file.LR.distribution("lr"); err != nil {
		return Space{}, err
	}
	if space.BatchSize, err = file.BatchSize.distribution("batch_size"); err != nil {
		return Space{}, err
	}

	if err := space.Validate(); err != nil {
		return Space{}, err
	}

	return space, nil
}

func LoadSpace(path string) (Space, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Space{}, fmt.Errorf("failed to read search space file %s: %w", path, err)
	}
	return ParseSpace(data)
}
