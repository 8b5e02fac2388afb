package ml

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

// SharedBelief is one class's belief split into a prior and the committed
// evidence of each chunk. A zero Evidence marks a chunk that has contributed
// nothing yet.
type SharedBelief struct {
	Prior  Belief
	Chunks []Evidence
}

func (s SharedBelief) NumChunks() int { return len(s.Chunks) }

// Marginal is the prior times the evidence of every chunk, summed in chunk
// order.
func (s SharedBelief) Marginal() (Belief, error) {
	return Combine(s.Prior, s.Chunks...)
}

// LocalPrior is the marginal with chunk k's own evidence left out.
func (s SharedBelief) LocalPrior(k int) (Belief, error) {
	if k < 0 || k >= len(s.Chunks) {
		return Belief{}, fmt.Errorf("chunk %d of %d: %w", k, len(s.Chunks), ErrChunkOutOfRange)
	}
	others := make([]Evidence, 0, len(s.Chunks)-1)
	for i, e := range s.Chunks {
		if i != k {
			others = append(others, e)
		}
	}
	return Combine(s.Prior, others...)
}

func (s SharedBelief) clone() SharedBelief {
	out := SharedBelief{Prior: s.Prior.Clone(), Chunks: make([]Evidence, len(s.Chunks))}
	for i, e := range s.Chunks {
		out.Chunks[i] = e.Clone()
	}
	return out
}

// Coordinator trains a fixed number of chunks against shared beliefs. Each
// chunk is solved against a snapshot of the committed state, and its evidence
// is staged until the round is committed. Committing folds staged evidence in
// chunk order, so a full round gives the same beliefs for any call order.
type Coordinator struct {
	mu        sync.Mutex
	cfg       Config
	solver    *Solver
	numChunks int
	beliefs   []SharedBelief
	pending   [][]Evidence
	committed []bool
	rounds    int
}

func NewCoordinator(cfg Config, numChunks int) (*Coordinator, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if numChunks < 1 {
		return nil, fmt.Errorf("num chunks %d must be positive: %w", numChunks, ErrInvalidConfig)
	}
	cfg = cfg.withDefaults()
	c := &Coordinator{
		cfg:       cfg,
		solver:    NewSolver(cfg),
		numChunks: numChunks,
		beliefs:   make([]SharedBelief, cfg.NumClasses),
		pending:   make([][]Evidence, numChunks),
		committed: make([]bool, numChunks),
	}
	for class := range c.beliefs {
		c.beliefs[class] = SharedBelief{
			Prior:  NewPrior(class, cfg.Dimension),
			Chunks: make([]Evidence, numChunks),
		}
	}
	return c, nil
}

func (c *Coordinator) NumChunks() int { return c.numChunks }

// Rounds returns the number of commits so far.
func (c *Coordinator) Rounds() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.rounds
}

// Weights returns copies of the shared beliefs, one per class.
func (c *Coordinator) Weights() []SharedBelief {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]SharedBelief, len(c.beliefs))
	for i, b := range c.beliefs {
		out[i] = b.clone()
	}
	return out
}

// Marginals returns the committed belief of every class. Before the first
// commit these are the priors.
func (c *Coordinator) Marginals() ([]Belief, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.marginalsLocked()
}

func (c *Coordinator) marginalsLocked() ([]Belief, error) {
	out := make([]Belief, len(c.beliefs))
	for class, b := range c.beliefs {
		m, err := b.Marginal()
		if err != nil {
			return nil, fmt.Errorf("class %d marginal: %w", class, err)
		}
		out[class] = m
	}
	return out, nil
}

func (c *Coordinator) Posteriors() ([]Belief, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.rounds == 0 {
		return nil, ErrNotTrained
	}
	return c.marginalsLocked()
}

// SubModel returns the beliefs as seen from chunk k after the last commit.
func (c *Coordinator) SubModel(k int) ([]Belief, error) {
	if err := c.checkChunk(k); err != nil {
		return nil, err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.committed[k] {
		return nil, fmt.Errorf("chunk %d: %w", k, ErrChunkUntrained)
	}
	return c.marginalsLocked()
}

func (c *Coordinator) checkChunk(k int) error {
	if k < 0 || k >= c.numChunks {
		return fmt.Errorf("chunk %d of %d: %w", k, c.numChunks, ErrChunkOutOfRange)
	}
	return nil
}

func (c *Coordinator) localPriorsLocked(k int) ([]Belief, error) {
	priors := make([]Belief, len(c.beliefs))
	for class, b := range c.beliefs {
		p, err := b.LocalPrior(k)
		if err != nil {
			return nil, fmt.Errorf("class %d local prior: %w", class, err)
		}
		priors[class] = p
	}
	return priors, nil
}

// TrainChunk solves chunk k against the committed state and stages its
// evidence, replacing anything staged earlier for k. The round is committed
// once every chunk has staged evidence.
func (c *Coordinator) TrainChunk(ctx context.Context, batch ClassifiedBatch, k int) (Stats, error) {
	if err := c.checkChunk(k); err != nil {
		return Stats{}, err
	}
	c.mu.Lock()
	priors, err := c.localPriorsLocked(k)
	c.mu.Unlock()
	if err != nil {
		return Stats{}, err
	}

	sol, err := c.solver.Solve(ctx, priors, batch)
	if err != nil {
		return Stats{}, fmt.Errorf("chunk %d: %w", k, err)
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	c.pending[k] = sol.Evidence
	c.cfg.Logger.Info("chunk trained",
		zap.Int("chunk", k),
		zap.Int("vectors", sol.Vectors),
		zap.Int("iterations", sol.Iterations))
	if c.allPendingLocked() {
		c.commitLocked()
	}
	return sol.Stats(), nil
}

// TrainRound solves the given chunks concurrently against one snapshot and
// commits them together. batches[k] is chunk k's data; empty batches are
// skipped.
func (c *Coordinator) TrainRound(ctx context.Context, batches []ClassifiedBatch) (Stats, error) {
	if len(batches) > c.numChunks {
		return Stats{}, fmt.Errorf("%d batches for %d chunks: %w", len(batches), c.numChunks, ErrChunkOutOfRange)
	}
	start := time.Now()

	c.mu.Lock()
	priors := make([][]Belief, len(batches))
	for k, batch := range batches {
		if batch.NumVectors() == 0 {
			continue
		}
		p, err := c.localPriorsLocked(k)
		if err != nil {
			c.mu.Unlock()
			return Stats{}, err
		}
		priors[k] = p
	}
	c.mu.Unlock()

	solutions := make([]*Solution, len(batches))
	g, gctx := errgroup.WithContext(ctx)
	for k := range batches {
		if priors[k] == nil {
			continue
		}
		g.Go(func() error {
			sol, err := c.solver.Solve(gctx, priors[k], batches[k])
			if err != nil {
				return fmt.Errorf("chunk %d: %w", k, err)
			}
			solutions[k] = sol
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return Stats{}, err
	}

	var stats Stats
	c.mu.Lock()
	defer c.mu.Unlock()
	for k, sol := range solutions {
		if sol == nil {
			continue
		}
		c.pending[k] = sol.Evidence
		stats = stats.merge(sol.Stats())
	}
	if stats.Vectors == 0 {
		return Stats{}, ErrEmptyBatch
	}
	c.commitLocked()
	stats.Duration = time.Since(start)
	return stats, nil
}

// Commit folds all staged chunk evidence into the shared beliefs.
func (c *Coordinator) Commit() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, p := range c.pending {
		if p != nil {
			c.commitLocked()
			return nil
		}
	}
	return fmt.Errorf("nothing staged: %w", ErrChunkUntrained)
}

func (c *Coordinator) allPendingLocked() bool {
	for _, p := range c.pending {
		if p == nil {
			return false
		}
	}
	return true
}

func (c *Coordinator) commitLocked() {
	chunks := 0
	for k, evidence := range c.pending {
		if evidence == nil {
			continue
		}
		for class := range c.beliefs {
			c.beliefs[class].Chunks[k] = evidence[class]
		}
		c.committed[k] = true
		c.pending[k] = nil
		chunks++
	}
	c.rounds++
	c.cfg.Logger.Info("shared beliefs committed",
		zap.Int("round", c.rounds),
		zap.Int("chunks", chunks))
}
