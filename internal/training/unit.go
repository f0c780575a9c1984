package training

import (
	"errors"
	"math"
)

// ErrShapeMismatch is returned when serialized unit or optimizer state is
// incompatible with the shape the unit was constructed with.
var ErrShapeMismatch = errors.New("state shape mismatch")

// Tensor is a named parameter matrix with its accumulated gradient.
type Tensor struct {
	Name string
	Rows int
	Cols int
	Data []float64
	Grad []float64
}

func NewTensor(name string, rows, cols int) *Tensor {
	return &Tensor{
		Name: name,
		Rows: rows,
		Cols: cols,
		Data: make([]float64, rows*cols),
		Grad: make([]float64, rows*cols),
	}
}

func (t *Tensor) At(row, col int) float64 {
	return t.Data[row*t.Cols+col]
}

func (t *Tensor) ZeroGrad() {
	for i := range t.Grad {
		t.Grad[i] = 0
	}
}

// Unit is an opaque trainable function approximator. Implementations own
// their parameters; training code only ever sees them through this
// interface.
type Unit interface {
	// Forward computes class probabilities for one example.
	Forward(features []float64) []float64

	// TrainBatch runs forward and backward over the batch, accumulating
	// gradients into Parameters, and returns the mean loss over the batch.
	TrainBatch(batch []Example) (float64, error)

	// Parameters returns the tunable tensors for use by an optimizer.
	Parameters() []*Tensor

	ExportState() ([]byte, error)

	// ImportState restores previously exported parameters, failing with
	// ErrShapeMismatch if they do not fit this unit.
	ImportState(data []byte) error
}

// Evaluate runs a forward-only pass over the batch, returning the summed
// cross-entropy loss and the number of correct argmax predictions. No
// gradients are accumulated.
func Evaluate(u Unit, batch []Example) (float64, int) {
	var sumLoss float64
	var correct int
	for _, ex := range batch {
		probs := u.Forward(ex.Features)
		sumLoss += crossEntropy(probs, ex.Label)
		if argmax(probs) == ex.Label {
			correct++
		}
	}
	return sumLoss, correct
}

func crossEntropy(probs []float64, label int) float64 {
	const eps = 1e-12
	return -math.Log(probs[label] + eps)
}

func argmax(values []float64) int {
	best := 0
	for i, v := range values {
		if v > values[best] {
			best = i
		}
	}
	return best
}

func softmax(logits []float64) []float64 {
	maxLogit := logits[0]
	for _, v := range logits[1:] {
		if v > maxLogit {
			maxLogit = v
		}
	}

	probs := make([]float64, len(logits))
	var sum float64
	for i, v := range logits {
		probs[i] = math.Exp(v - maxLogit)
		sum += probs[i]
	}
	for i := range probs {
		probs[i] /= sum
	}
	return probs
}
