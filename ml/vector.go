package ml

import (
	"fmt"

	"gonum.org/v1/gonum/mat"
)

// FeatureVector is a dense feature row. Callers must not modify a vector after
// handing it to a trainer or predictor.
type FeatureVector []float64

func (v FeatureVector) vec() *mat.VecDense {
	return mat.NewVecDense(len(v), []float64(v))
}

// ClassifiedBatch holds training vectors indexed by class id.
type ClassifiedBatch [][]FeatureVector

func NewClassifiedBatch(numClasses int) ClassifiedBatch {
	return make(ClassifiedBatch, numClasses)
}

// Add appends a vector to the given class.
func (b ClassifiedBatch) Add(class int, v FeatureVector) error {
	if class < 0 || class >= len(b) {
		return fmt.Errorf("class %d of %d: %w", class, len(b), ErrClassOutOfRange)
	}
	b[class] = append(b[class], v)
	return nil
}

func (b ClassifiedBatch) NumVectors() int {
	total := 0
	for _, vectors := range b {
		total += len(vectors)
	}
	return total
}

// CountsByClass returns the number of vectors of every class.
func (b ClassifiedBatch) CountsByClass() []int {
	counts := make([]int, len(b))
	for i, vectors := range b {
		counts[i] = len(vectors)
	}
	return counts
}

// Dimension returns the shared length of all vectors in the batch.
func (b ClassifiedBatch) Dimension() (int, error) {
	dim := -1
	for class, vectors := range b {
		for i, v := range vectors {
			if dim == -1 {
				dim = len(v)
				continue
			}
			if len(v) != dim {
				return 0, fmt.Errorf("class %d vector %d has %d features, want %d: %w", class, i, len(v), dim, ErrDimensionMismatch)
			}
		}
	}
	if dim == -1 {
		return 0, ErrEmptyBatch
	}
	return dim, nil
}

func (b ClassifiedBatch) validate(numClasses, dim int) error {
	if len(b) != numClasses {
		return fmt.Errorf("batch has %d classes, want %d: %w", len(b), numClasses, ErrClassOutOfRange)
	}
	if b.NumVectors() == 0 {
		return ErrEmptyBatch
	}
	got, err := b.Dimension()
	if err != nil {
		return err
	}
	if got != dim {
		return fmt.Errorf("vectors have %d features, beliefs have %d: %w", got, dim, ErrDimensionMismatch)
	}
	return nil
}
