package training

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"math/rand"
	"os"
	"path/filepath"
)

const (
	datasetClasses  = 4
	datasetFeatures = 16
	datasetTrain    = 2000
	datasetTest     = 400

	// Fixed seed for dataset generation so that repeated LoadSplits calls
	// across processes produce identical data.
	datasetSeed = 13
)

type Example struct {
	Features []float64 `json:"features"`
	Label    int       `json:"label"`
}

type Dataset struct {
	Examples []Example `json:"examples"`
	Classes  int       `json:"classes"`
}

func (d *Dataset) Len() int {
	return len(d.Examples)
}

func (d *Dataset) Features() int {
	if len(d.Examples) == 0 {
		return 0
	}
	return len(d.Examples[0].Features)
}

// Batches partitions the dataset into mini-batches of size batchSize,
// shuffling example order with the given source. The final batch may be
// smaller than batchSize.
func (d *Dataset) Batches(batchSize int, rng *rand.Rand) [][]Example {
	if batchSize <= 0 {
		batchSize = 1
	}

	order := rng.Perm(len(d.Examples))

	var batches [][]Example
	for start := 0; start < len(order); start += batchSize {
		end := min(start+batchSize, len(order))
		batch := make([]Example, 0, end-start)
		for _, idx := range order[start:end] {
			batch = append(batch, d.Examples[idx])
		}
		batches = append(batches, batch)
	}
	return batches
}

// LoadSplits returns the train and test splits stored under dir, generating
// and persisting them on first use. Repeat calls reuse the files on disk.
func LoadSplits(dir string) (*Dataset, *Dataset, error) {
	trainPath := filepath.Join(dir, "train.json")
	testPath := filepath.Join(dir, "test.json")

	train, trainErr := readDataset(trainPath)
	test, testErr := readDataset(testPath)
	if trainErr == nil && testErr == nil {
		return train, test, nil
	}

	slog.Info("dataset not found on disk, generating", "dir", dir)

	rng := rand.New(rand.NewSource(datasetSeed))
	centers := make([][]float64, datasetClasses)
	for c := range centers {
		centers[c] = make([]float64, datasetFeatures)
		for i := range centers[c] {
			centers[c][i] = rng.NormFloat64() * 2
		}
	}

	sample := func(n int) *Dataset {
		examples := make([]Example, n)
		for i := range examples {
			label := rng.Intn(datasetClasses)
			features := make([]float64, datasetFeatures)
			for j := range features {
				features[j] = centers[label][j] + rng.NormFloat64()
			}
			examples[i] = Example{Features: features, Label: label}
		}
		return &Dataset{Examples: examples, Classes: datasetClasses}
	}

	train = sample(datasetTrain)
	test = sample(datasetTest)

	if err := os.MkdirAll(dir, os.ModePerm); err != nil {
		return nil, nil, fmt.Errorf("failed to create dataset dir %s: %w", dir, err)
	}
	if err := writeDataset(trainPath, train); err != nil {
		return nil, nil, err
	}
	if err := writeDataset(testPath, test); err != nil {
		return nil, nil, err
	}

	return train, test, nil
}

// RandomSplit partitions the dataset into disjoint subsets with the given
// fractions. The subsets cover every example; any remainder from rounding
// goes to the last subset.
func RandomSplit(d *Dataset, fractions []float64, rng *rand.Rand) ([]*Dataset, error) {
	if len(fractions) == 0 {
		return nil, fmt.Errorf("no fractions given")
	}

	var total float64
	for _, f := range fractions {
		if f <= 0 {
			return nil, fmt.Errorf("fractions must be positive, got %v", f)
		}
		total += f
	}
	if total > 1.000001 {
		return nil, fmt.Errorf("fractions sum to %v, must not exceed 1", total)
	}

	order := rng.Perm(len(d.Examples))

	splits := make([]*Dataset, len(fractions))
	start := 0
	for i, f := range fractions {
		end := start + int(f*float64(len(order)))
		if i == len(fractions)-1 {
			end = len(order)
		}
		examples := make([]Example, 0, end-start)
		for _, idx := range order[start:end] {
			examples = append(examples, d.Examples[idx])
		}
		splits[i] = &Dataset{Examples: examples, Classes: d.Classes}
		start = end
	}

	return splits, nil
}

func readDataset(path string) (*Dataset, error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer file.Close()

	var d Dataset
	if err := json.NewDecoder(file).Decode(&d); err != nil {
		return nil, fmt.Errorf("failed to decode dataset %s: %w", path, err)
	}
	return &d, nil
}

func writeDataset(path string, d *Dataset) error {
	file, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("failed to create dataset file %s: %w", path, err)
	}
	defer file.Close()

	if err := json.NewEncoder(file).Encode(d); err != nil {
		return fmt.Errorf("failed to encode dataset %s: %w", path, err)
	}
	return nil
}
