package training

import (
	"encoding/json"
	"fmt"
	"math"
	"math/rand"
)

// MLP is a two-hidden-layer feedforward classifier. The hidden widths come
// from the sampled trial configuration; input and output sizes come from the
// dataset.
type MLP struct {
	inputs  int
	hidden1 int
	hidden2 int
	classes int

	w1, b1 *Tensor
	w2, b2 *Tensor
	w3, b3 *Tensor
}

var _ Unit = (*MLP)(nil)

func NewMLP(inputs, hidden1, hidden2, classes int, rng *rand.Rand) (*MLP, error) {
	if inputs <= 0 || hidden1 <= 0 || hidden2 <= 0 || classes <= 0 {
		return nil, fmt.Errorf("invalid mlp dimensions %d-%d-%d-%d", inputs, hidden1, hidden2, classes)
	}

	m := &MLP{
		inputs:  inputs,
		hidden1: hidden1,
		hidden2: hidden2,
		classes: classes,
		w1:      NewTensor("w1", inputs, hidden1),
		b1:      NewTensor("b1", 1, hidden1),
		w2:      NewTensor("w2", hidden1, hidden2),
		b2:      NewTensor("b2", 1, hidden2),
		w3:      NewTensor("w3", hidden2, classes),
		b3:      NewTensor("b3", 1, classes),
	}

	for _, w := range []*Tensor{m.w1, m.w2, m.w3} {
		scale := math.Sqrt(2.0 / float64(w.Rows))
		for i := range w.Data {
			w.Data[i] = rng.NormFloat64() * scale
		}
	}

	return m, nil
}

func (m *MLP) Parameters() []*Tensor {
	return []*Tensor{m.w1, m.b1, m.w2, m.b2, m.w3, m.b3}
}

func (m *MLP) Forward(features []float64) []float64 {
	_, _, probs := m.forward(features)
	return probs
}

func (m *MLP) forward(features []float64) ([]float64, []float64, []float64) {
	h1 := affineRelu(features, m.w1, m.b1)
	h2 := affineRelu(h1, m.w2, m.b2)
	logits := affine(h2, m.w3, m.b3)
	return h1, h2, softmax(logits)
}

func (m *MLP) TrainBatch(batch []Example) (float64, error) {
	if len(batch) == 0 {
		return 0, fmt.Errorf("empty batch")
	}

	var sumLoss float64
	scale := 1.0 / float64(len(batch))

	for _, ex := range batch {
		if len(ex.Features) != m.inputs {
			return 0, fmt.Errorf("example has %d features, unit expects %d: %w", len(ex.Features), m.inputs, ErrShapeMismatch)
		}

		h1, h2, probs := m.forward(ex.Features)
		sumLoss += crossEntropy(probs, ex.Label)

		// Softmax with cross-entropy: dL/dlogits = probs - onehot(label).
		dLogits := make([]float64, m.classes)
		copy(dLogits, probs)
		dLogits[ex.Label] -= 1

		dH2 := backpropAffine(h2, dLogits, m.w3, m.b3, scale)
		maskRelu(dH2, h2)
		dH1 := backpropAffine(h1, dH2, m.w2, m.b2, scale)
		maskRelu(dH1, h1)
		backpropAffine(ex.Features, dH1, m.w1, m.b1, scale)
	}

	return sumLoss * scale, nil
}

type mlpState struct {
	Inputs  int         `json:"inputs"`
	Hidden1 int         `json:"hidden1"`
	Hidden2 int         `json:"hidden2"`
	Classes int         `json:"classes"`
	Weights [][]float64 `json:"weights"`
}

func (m *MLP) ExportState() ([]byte, error) {
	state := mlpState{
		Inputs:  m.inputs,
		Hidden1: m.hidden1,
		Hidden2: m.hidden2,
		Classes: m.classes,
	}
	for _, p := range m.Parameters() {
		weights := make([]float64, len(p.Data))
		copy(weights, p.Data)
		state.Weights = append(state.Weights, weights)
	}

	data, err := json.Marshal(state)
	if err != nil {
		return nil, fmt.Errorf("failed to serialize unit state: %w", err)
	}
	return data, nil
}

func (m *MLP) ImportState(data []byte) error {
	var state mlpState
	if err := json.Unmarshal(data, &state); err != nil {
		return fmt.Errorf("failed to deserialize unit state: %w", err)
	}

	if state.Inputs != m.inputs || state.Hidden1 != m.hidden1 || state.Hidden2 != m.hidden2 || state.Classes != m.classes {
		return fmt.Errorf("unit state is %d-%d-%d-%d, expected %d-%d-%d-%d: %w",
			state.Inputs, state.Hidden1, state.Hidden2, state.Classes,
			m.inputs, m.hidden1, m.hidden2, m.classes, ErrShapeMismatch)
	}

	params := m.Parameters()
	if len(state.Weights) != len(params) {
		return fmt.Errorf("unit state has %d tensors, expected %d: %w", len(state.Weights), len(params), ErrShapeMismatch)
	}
	for i, p := range params {
		if len(state.Weights[i]) != len(p.Data) {
			return fmt.Errorf("tensor %s has %d values, expected %d: %w", p.Name, len(state.Weights[i]), len(p.Data), ErrShapeMismatch)
		}
	}

	for i, p := range params {
		copy(p.Data, state.Weights[i])
	}
	return nil
}

func affine(input []float64, w, b *Tensor) []float64 {
	out := make([]float64, w.Cols)
	for j := 0; j < w.Cols; j++ {
		sum := b.Data[j]
		for i, x := range input {
			sum += x * w.At(i, j)
		}
		out[j] = sum
	}
	return out
}

func affineRelu(input []float64, w, b *Tensor) []float64 {
	out := affine(input, w, b)
	for i, v := range out {
		if v < 0 {
			out[i] = 0
		}
	}
	return out
}

// backpropAffine accumulates scaled gradients for w and b given the upstream
// gradient dOut, and returns the gradient with respect to the layer input.
func backpropAffine(input, dOut []float64, w, b *Tensor, scale float64) []float64 {
	for j, g := range dOut {
		b.Grad[j] += g * scale
		for i, x := range input {
			w.Grad[i*w.Cols+j] += x * g * scale
		}
	}

	dIn := make([]float64, len(input))
	for i := range input {
		var sum float64
		for j, g := range dOut {
			sum += w.At(i, j) * g
		}
		dIn[i] = sum
	}
	return dIn
}

// maskRelu zeroes gradient entries where the forward activation was clipped.
func maskRelu(grad, activation []float64) {
	for i, a := range activation {
		if a <= 0 {
			grad[i] = 0
		}
	}
}
