package ml

import (
	"context"
	"errors"
	"testing"

	"gonum.org/v1/gonum/mat"
)

// chunked splits threeClassBatch round-robin into n chunks.
func chunked(n int) []ClassifiedBatch {
	chunks := make([]ClassifiedBatch, n)
	for i := range chunks {
		chunks[i] = NewClassifiedBatch(3)
	}
	i := 0
	for class, vectors := range threeClassBatch() {
		for _, v := range vectors {
			_ = chunks[i%n].Add(class, v)
			i++
		}
	}
	return chunks
}

func newCoordinator(t *testing.T, chunks int) *Coordinator {
	t.Helper()
	c, err := NewCoordinator(testConfig(3, 3), chunks)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	return c
}

func TestCoordinatorWeightsBeforeTraining(t *testing.T) {
	c := newCoordinator(t, 3)
	weights := c.Weights()
	if len(weights) != 3 {
		t.Fatalf("expected 3 shared beliefs, got %d", len(weights))
	}
	for class, w := range weights {
		if w.NumChunks() != 3 {
			t.Fatalf("expected 3 chunks, got %d", w.NumChunks())
		}
		beliefsEqual(t, []Belief{w.Prior}, []Belief{NewPrior(class, 3)}, 0)
	}
	marginals, err := c.Marginals()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	beliefsEqual(t, marginals, newPriors(3, 3), 1e-12)
	if _, err := c.Posteriors(); !errors.Is(err, ErrNotTrained) {
		t.Fatalf("expected ErrNotTrained, got %v", err)
	}
}

func TestCoordinatorOrderIndependent(t *testing.T) {
	ctx := context.Background()
	orders := [][]int{{0, 1, 2}, {2, 0, 1}, {1, 2, 0}}
	var reference []Belief
	for _, order := range orders {
		c := newCoordinator(t, 3)
		chunks := chunked(3)
		for _, k := range order {
			if _, err := c.TrainChunk(ctx, chunks[k], k); err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
		}
		if c.Rounds() != 1 {
			t.Fatalf("expected automatic commit after every chunk, got %d rounds", c.Rounds())
		}
		got, err := c.Marginals()
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if reference == nil {
			reference = got
			continue
		}
		beliefsEqual(t, got, reference, 0)
	}
}

func TestCoordinatorRoundMatchesSequential(t *testing.T) {
	ctx := context.Background()
	sequential := newCoordinator(t, 3)
	for k, chunk := range chunked(3) {
		if _, err := sequential.TrainChunk(ctx, chunk, k); err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
	}
	parallel := newCoordinator(t, 3)
	stats, err := parallel.TrainRound(ctx, chunked(3))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if stats.Vectors != threeClassBatch().NumVectors() {
		t.Fatalf("expected %d vectors, got %d", threeClassBatch().NumVectors(), stats.Vectors)
	}
	a, _ := sequential.Marginals()
	b, _ := parallel.Marginals()
	beliefsEqual(t, b, a, 0)
}

func TestCoordinatorSingleChunkMatchesBatch(t *testing.T) {
	ctx := context.Background()
	c := newCoordinator(t, 1)
	if _, err := c.TrainChunk(ctx, threeClassBatch(), 0); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	trainer, err := NewBatchTrainer(testConfig(3, 3))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if _, err := trainer.Train(ctx, threeClassBatch()); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	want, _ := trainer.Posteriors()
	got, err := c.SubModel(0)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	beliefsEqual(t, got, want, 1e-8)
}

func TestCoordinatorRetrainReplaces(t *testing.T) {
	ctx := context.Background()
	c := newCoordinator(t, 2)
	chunks := chunked(2)
	if _, err := c.TrainChunk(ctx, chunks[0], 0); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if _, err := c.TrainChunk(ctx, chunks[0], 0); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if err := c.Commit(); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	once := newCoordinator(t, 2)
	if _, err := once.TrainChunk(ctx, chunks[0], 0); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if err := once.Commit(); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	a, _ := c.Marginals()
	b, _ := once.Marginals()
	beliefsEqual(t, a, b, 0)

	if _, err := c.SubModel(1); !errors.Is(err, ErrChunkUntrained) {
		t.Fatalf("expected ErrChunkUntrained, got %v", err)
	}
	if _, err := c.SubModel(0); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
}

func TestCoordinatorRoundsApproachBatch(t *testing.T) {
	ctx := context.Background()
	c := newCoordinator(t, 2)
	chunks := chunked(2)
	for round := 0; round < 25; round++ {
		for k, chunk := range chunks {
			if _, err := c.TrainChunk(ctx, chunk, k); err != nil {
				t.Fatalf("round %d: unexpected error: %v", round, err)
			}
			if err := c.Commit(); err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
		}
	}
	trainer, err := NewBatchTrainer(testConfig(3, 3))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if _, err := trainer.Train(ctx, threeClassBatch()); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	want, _ := trainer.Posteriors()
	got, err := c.Posteriors()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	for k := 1; k < 3; k++ {
		if !mat.EqualApprox(got[k].Mean, want[k].Mean, 1e-3) {
			t.Fatalf("class %d: mean %v, want %v", k, mat.Formatted(got[k].Mean.T()), mat.Formatted(want[k].Mean.T()))
		}
	}
}

func TestCoordinatorErrors(t *testing.T) {
	ctx := context.Background()
	c := newCoordinator(t, 2)
	if _, err := c.TrainChunk(ctx, threeClassBatch(), 2); !errors.Is(err, ErrChunkOutOfRange) {
		t.Fatalf("expected ErrChunkOutOfRange, got %v", err)
	}
	if _, err := c.TrainChunk(ctx, threeClassBatch(), -1); !errors.Is(err, ErrChunkOutOfRange) {
		t.Fatalf("expected ErrChunkOutOfRange, got %v", err)
	}
	if _, err := c.SubModel(5); !errors.Is(err, ErrChunkOutOfRange) {
		t.Fatalf("expected ErrChunkOutOfRange, got %v", err)
	}
	if err := c.Commit(); !errors.Is(err, ErrChunkUntrained) {
		t.Fatalf("expected ErrChunkUntrained, got %v", err)
	}
	if _, err := c.TrainRound(ctx, chunked(3)); !errors.Is(err, ErrChunkOutOfRange) {
		t.Fatalf("expected ErrChunkOutOfRange, got %v", err)
	}
	if _, err := c.TrainChunk(ctx, NewClassifiedBatch(3), 0); !errors.Is(err, ErrEmptyBatch) {
		t.Fatalf("expected ErrEmptyBatch, got %v", err)
	}
	if _, err := NewCoordinator(testConfig(3, 3), 0); !errors.Is(err, ErrInvalidConfig) {
		t.Fatalf("expected ErrInvalidConfig, got %v", err)
	}
}
