package ml

import (
	"context"
	"fmt"
	"runtime"
	"strconv"
	"strings"

	"golang.org/x/sync/errgroup"
)

// Distribution holds one probability per class.
type Distribution []float64

// MostLikely returns the class with the highest probability, preferring the
// lower index on ties.
func (d Distribution) MostLikely() int {
	best := 0
	for i, p := range d {
		if p > d[best] {
			best = i
		}
	}
	return best
}

func (d Distribution) Prob(class int) float64 {
	if class < 0 || class >= len(d) {
		return 0
	}
	return d[class]
}

func (d Distribution) String() string {
	parts := make([]string, len(d))
	for i, p := range d {
		parts[i] = strconv.FormatFloat(p, 'g', 6, 64)
	}
	return "Discrete(" + strings.Join(parts, " ") + ")"
}

// Predictor scores vectors against fixed beliefs. It never modifies them.
type Predictor struct {
	noise   float64
	workers int
}

func NewPredictor(noise float64) *Predictor {
	if noise <= 0 {
		noise = DefaultNoise
	}
	return &Predictor{noise: noise, workers: runtime.GOMAXPROCS(0)}
}

// WithWorkers sets the fan-out of PredictContext.
func (p *Predictor) WithWorkers(n int) *Predictor {
	if n > 0 {
		p.workers = n
	}
	return p
}

// Predict returns, for each vector, the probability that each class has the
// largest noisy score.
func (p *Predictor) Predict(beliefs []Belief, vectors []FeatureVector) ([]Distribution, error) {
	if err := checkBeliefs(beliefs); err != nil {
		return nil, err
	}
	out := make([]Distribution, len(vectors))
	for i, v := range vectors {
		d, err := p.predictOne(beliefs, v)
		if err != nil {
			return nil, fmt.Errorf("vector %d: %w", i, err)
		}
		out[i] = d
	}
	return out, nil
}

// PredictContext is Predict with the vectors split across workers. The output
// order matches the input.
func (p *Predictor) PredictContext(ctx context.Context, beliefs []Belief, vectors []FeatureVector) ([]Distribution, error) {
	if err := checkBeliefs(beliefs); err != nil {
		return nil, err
	}
	out := make([]Distribution, len(vectors))
	size := (len(vectors) + p.workers - 1) / p.workers
	if size == 0 {
		return out, nil
	}
	g, gctx := errgroup.WithContext(ctx)
	for start := 0; start < len(vectors); start += size {
		end := min(start+size, len(vectors))
		g.Go(func() error {
			for i := start; i < end; i++ {
				if err := gctx.Err(); err != nil {
					return err
				}
				d, err := p.predictOne(beliefs, vectors[i])
				if err != nil {
					return fmt.Errorf("vector %d: %w", i, err)
				}
				out[i] = d
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return out, nil
}

func (p *Predictor) predictOne(beliefs []Belief, v FeatureVector) (Distribution, error) {
	dim := beliefs[0].Dimension()
	if len(v) != dim {
		return nil, fmt.Errorf("vector has %d features, beliefs have %d: %w", len(v), dim, ErrDimensionMismatch)
	}
	x := v.vec()
	means := make([]float64, len(beliefs))
	variances := make([]float64, len(beliefs))
	for j, b := range beliefs {
		means[j], variances[j] = b.Project(x)
		variances[j] += p.noise
	}
	return Distribution(maxProbabilities(means, variances)), nil
}

func checkBeliefs(beliefs []Belief) error {
	if len(beliefs) < 2 {
		return fmt.Errorf("%d beliefs: %w", len(beliefs), ErrNotTrained)
	}
	dim := beliefs[0].Dimension()
	for i, b := range beliefs {
		if b.Dimension() != dim {
			return fmt.Errorf("belief %d has %d features, want %d: %w", i, b.Dimension(), dim, ErrDimensionMismatch)
		}
	}
	return nil
}
