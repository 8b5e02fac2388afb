package ml

import (
	"context"
	"fmt"

	"go.uber.org/zap"
)

// BatchTrainer trains every call from fresh priors.
type BatchTrainer struct {
	cfg        Config
	solver     *Solver
	posteriors []Belief
}

func NewBatchTrainer(cfg Config) (*BatchTrainer, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	cfg = cfg.withDefaults()
	return &BatchTrainer{cfg: cfg, solver: NewSolver(cfg)}, nil
}

func (t *BatchTrainer) Config() Config { return t.cfg }

// Train discards earlier posteriors and solves the batch against the priors.
func (t *BatchTrainer) Train(ctx context.Context, batch ClassifiedBatch) (Stats, error) {
	posteriors, stats, err := train(ctx, t.solver, newPriors(t.cfg.NumClasses, t.cfg.Dimension), batch)
	if err != nil {
		return Stats{}, err
	}
	t.posteriors = posteriors
	t.cfg.Logger.Info("batch training finished",
		zap.Int("vectors", stats.Vectors),
		zap.Int("iterations", stats.Iterations),
		zap.Duration("duration", stats.Duration))
	return stats, nil
}

// Posteriors returns copies of the trained beliefs.
func (t *BatchTrainer) Posteriors() ([]Belief, error) {
	if t.posteriors == nil {
		return nil, ErrNotTrained
	}
	return cloneBeliefs(t.posteriors), nil
}

func train(ctx context.Context, solver *Solver, priors []Belief, batch ClassifiedBatch) ([]Belief, Stats, error) {
	sol, err := solver.Solve(ctx, priors, batch)
	if err != nil {
		return nil, Stats{}, fmt.Errorf("train on %d vectors: %w", batch.NumVectors(), err)
	}
	return sol.Posteriors, sol.Stats(), nil
}
