package ml

import (
	"context"
	"time"
)

// Trainer produces per-class posteriors from classified batches.
type Trainer interface {
	Train(ctx context.Context, batch ClassifiedBatch) (Stats, error)
	Posteriors() ([]Belief, error)
}

// ChunkTrainer trains against a fixed number of chunks that share one belief
// per class.
type ChunkTrainer interface {
	TrainChunk(ctx context.Context, batch ClassifiedBatch, chunk int) (Stats, error)
	Commit() error
	SubModel(chunk int) ([]Belief, error)
	NumChunks() int
	Posteriors() ([]Belief, error)
}

// Model is a trained artifact that can predict and be persisted.
type Model interface {
	Predict(ctx context.Context, vectors []FeatureVector) ([]Distribution, error)
	Snapshot() (*Snapshot, error)
}

// Stats describes one training call.
type Stats struct {
	Vectors    int           `json:"vectors"`
	Sites      int           `json:"sites"`
	Iterations int           `json:"iterations"`
	Skipped    int           `json:"skipped,omitempty"`
	Duration   time.Duration `json:"duration"`
}

func (s *Solution) Stats() Stats {
	return Stats{Vectors: s.Vectors, Sites: s.Sites, Iterations: s.Iterations, Skipped: s.Skipped, Duration: s.Duration}
}

func (s Stats) merge(o Stats) Stats {
	s.Vectors += o.Vectors
	s.Sites += o.Sites
	s.Skipped += o.Skipped
	if o.Iterations > s.Iterations {
		s.Iterations = o.Iterations
	}
	return s
}
