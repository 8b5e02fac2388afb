package ml

import (
	"context"

	"go.uber.org/zap"
)

// IncrementalTrainer uses the posterior of each call as the prior of the next.
// Results depend on the order batches arrive in.
type IncrementalTrainer struct {
	cfg        Config
	solver     *Solver
	posteriors []Belief
	calls      int
}

func NewIncrementalTrainer(cfg Config) (*IncrementalTrainer, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	cfg = cfg.withDefaults()
	return &IncrementalTrainer{cfg: cfg, solver: NewSolver(cfg)}, nil
}

func (t *IncrementalTrainer) Config() Config { return t.cfg }

// Calls returns the number of successful training calls.
func (t *IncrementalTrainer) Calls() int { return t.calls }

func (t *IncrementalTrainer) Train(ctx context.Context, batch ClassifiedBatch) (Stats, error) {
	priors := t.posteriors
	if priors == nil {
		priors = newPriors(t.cfg.NumClasses, t.cfg.Dimension)
	}
	posteriors, stats, err := train(ctx, t.solver, priors, batch)
	if err != nil {
		return Stats{}, err
	}
	t.posteriors = posteriors
	t.calls++
	t.cfg.Logger.Info("incremental update",
		zap.Int("call", t.calls),
		zap.Int("vectors", stats.Vectors),
		zap.Int("iterations", stats.Iterations))
	return stats, nil
}

func (t *IncrementalTrainer) Posteriors() ([]Belief, error) {
	if t.posteriors == nil {
		return nil, ErrNotTrained
	}
	return cloneBeliefs(t.posteriors), nil
}

// Reset drops all accumulated evidence.
func (t *IncrementalTrainer) Reset() {
	t.posteriors = nil
	t.calls = 0
}
