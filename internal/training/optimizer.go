package training

import (
	"encoding/json"
	"fmt"
)

// Optimizer applies accumulated gradients to a unit's parameters. State
// (e.g. momentum buffers) is exportable so that a trial can resume from a
// checkpoint mid-search.
type Optimizer interface {
	Step(params []*Tensor)

	ExportState() ([]byte, error)

	// ImportState restores previously exported optimizer state, failing
	// with ErrShapeMismatch if it does not fit the given parameters.
	ImportState(data []byte, params []*Tensor) error
}

// SGD is stochastic gradient descent with momentum. Velocity buffers are
// allocated lazily on the first Step.
type SGD struct {
	LR       float64
	Momentum float64

	velocity [][]float64
}

var _ Optimizer = (*SGD)(nil)

func NewSGD(lr, momentum float64) *SGD {
	return &SGD{LR: lr, Momentum: momentum}
}

func (o *SGD) Step(params []*Tensor) {
	if o.velocity == nil {
		o.velocity = make([][]float64, len(params))
		for i, p := range params {
			o.velocity[i] = make([]float64, len(p.Data))
		}
	}

	for i, p := range params {
		v := o.velocity[i]
		for j := range p.Data {
			v[j] = o.Momentum*v[j] - o.LR*p.Grad[j]
			p.Data[j] += v[j]
		}
		p.ZeroGrad()
	}
}

type sgdState struct {
	LR       float64     `json:"lr"`
	Momentum float64     `json:"momentum"`
	Velocity [][]float64 `json:"velocity"`
}

func (o *SGD) ExportState() ([]byte, error) {
	data, err := json.Marshal(sgdState{LR: o.LR, Momentum: o.Momentum, Velocity: o.velocity})
	if err != nil {
		return nil, fmt.Errorf("failed to serialize optimizer state: %w", err)
	}
	return data, nil
}

func (o *SGD) ImportState(data []byte, params []*Tensor) error {
	var state sgdState
	if err := json.Unmarshal(data, &state); err != nil {
		return fmt.Errorf("failed to deserialize optimizer state: %w", err)
	}

	if state.Velocity != nil {
		if len(state.Velocity) != len(params) {
			return fmt.Errorf("optimizer state has %d buffers, expected %d: %w", len(state.Velocity), len(params), ErrShapeMismatch)
		}
		for i, v := range state.Velocity {
			if len(v) != len(params[i].Data) {
				return fmt.Errorf("velocity buffer for %s has %d values, expected %d: %w",
					params[i].Name, len(v), len(params[i].Data), ErrShapeMismatch)
			}
		}
	}

	o.LR = state.LR
	o.Momentum = state.Momentum
	o.velocity = state.Velocity
	return nil
}
