package ml

import (
	"context"
	"fmt"
	"math"
	"time"

	"go.uber.org/zap"
	"gonum.org/v1/gonum/mat"
	"gonum.org/v1/gonum/stat/distuv"
)

// RelevantClass is the positive label of the binary trainer. Vectors of every
// other class count as negatives.
const RelevantClass = 1

// BinaryTrainer learns a single weight vector under the probit likelihood
// P(relevant | x) = Phi(<w, x> / sqrt(noise)). Every call after the first
// continues from the previous posterior.
type BinaryTrainer struct {
	cfg       Config
	posterior *Belief
}

func NewBinaryTrainer(cfg Config) (*BinaryTrainer, error) {
	if cfg.NumClasses == 0 {
		cfg.NumClasses = 2
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &BinaryTrainer{cfg: cfg.withDefaults()}, nil
}

func (t *BinaryTrainer) Config() Config { return t.cfg }

type binarySite struct {
	x     *mat.VecDense
	label float64
	tau   float64
	nu    float64
}

func (t *BinaryTrainer) Train(ctx context.Context, batch ClassifiedBatch) (Stats, error) {
	start := time.Now()
	if batch.NumVectors() == 0 {
		return Stats{}, ErrEmptyBatch
	}
	dim, err := batch.Dimension()
	if err != nil {
		return Stats{}, err
	}
	if dim != t.cfg.Dimension {
		return Stats{}, fmt.Errorf("vectors have %d features, want %d: %w", dim, t.cfg.Dimension, ErrDimensionMismatch)
	}

	prior := IsotropicBelief(dim, 1)
	if t.posterior != nil {
		prior = t.posterior.Clone()
	}
	w := &weight{mean: prior.Mean, cov: prior.Covariance}

	var sites []binarySite
	for class, vectors := range batch {
		label := -1.0
		if class == RelevantClass {
			label = 1
		}
		for _, v := range vectors {
			sites = append(sites, binarySite{x: v.vec(), label: label})
		}
	}

	solver := NewSolver(t.cfg)
	buf := mat.NewVecDense(dim, nil)
	for iter := 1; iter <= t.cfg.MaxIterations; iter++ {
		if err := ctx.Err(); err != nil {
			return Stats{}, err
		}
		delta := 0.0
		skipped := 0
		for i := range sites {
			st := &sites[i]
			mu, v := w.project(st.x, buf)
			cm, cv, ok := cavity(mu, v, st.tau, st.nu, false)
			if !ok {
				skipped++
				continue
			}
			g, h := probitMoments(st.label*cm, cv+t.cfg.Noise)
			g *= st.label
			if math.IsNaN(g) || math.IsNaN(h) {
				return Stats{}, fmt.Errorf("site %d: %w", i, ErrNumeric)
			}
			tau := h / (1 - cv*h)
			nu := (g + h*cm) / (1 - cv*h)
			d, err := solver.apply(w, st.x, buf, mu, v, &st.tau, &st.nu, tau, nu)
			if err != nil {
				return Stats{}, fmt.Errorf("site %d: %w", i, err)
			}
			delta = math.Max(delta, d)
		}
		if delta < t.cfg.Tolerance {
			t.posterior = &Belief{Mean: w.mean, Covariance: w.cov}
			stats := Stats{Vectors: len(sites), Sites: len(sites), Iterations: iter, Skipped: skipped, Duration: time.Since(start)}
			t.cfg.Logger.Info("binary update",
				zap.Int("vectors", stats.Vectors),
				zap.Int("iterations", iter),
				zap.Int("skipped", skipped))
			return stats, nil
		}
	}
	return Stats{}, fmt.Errorf("%d sweeps: %w", t.cfg.MaxIterations, ErrNotConverged)
}

// Posteriors returns the single weight belief.
func (t *BinaryTrainer) Posteriors() ([]Belief, error) {
	if t.posterior == nil {
		return nil, ErrNotTrained
	}
	return []Belief{t.posterior.Clone()}, nil
}

// PredictBinary returns [P(not relevant), P(relevant)] for each vector under a
// single weight belief.
func PredictBinary(belief Belief, noise float64, vectors []FeatureVector) ([]Distribution, error) {
	if noise <= 0 {
		noise = DefaultNoise
	}
	out := make([]Distribution, len(vectors))
	for i, v := range vectors {
		if len(v) != belief.Dimension() {
			return nil, fmt.Errorf("vector %d has %d features, want %d: %w", i, len(v), belief.Dimension(), ErrDimensionMismatch)
		}
		mean, variance := belief.Project(v.vec())
		p := distuv.UnitNormal.CDF(mean / math.Sqrt(variance+noise))
		out[i] = Distribution{1 - p, p}
	}
	return out, nil
}
