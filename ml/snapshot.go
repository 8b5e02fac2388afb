package ml

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/vmihailenco/msgpack/v5"
	"gonum.org/v1/gonum/mat"
)

type Kind string

const (
	KindMultiClass Kind = "multiclass"
	KindShared     Kind = "shared"
	KindBinary     Kind = "binary"
)

func ParseKind(s string) (Kind, error) {
	switch k := Kind(s); k {
	case KindMultiClass, KindShared, KindBinary:
		return k, nil
	default:
		return "", fmt.Errorf("unsupported model kind %q: %w", s, ErrInvalidConfig)
	}
}

// BeliefData is the serialized form of a Belief. Covariance is row-major and
// empty for a point mass.
type BeliefData struct {
	Mean       []float64 `json:"mean" msgpack:"mean"`
	Covariance []float64 `json:"covariance,omitempty" msgpack:"covariance,omitempty"`
	PointMass  bool      `json:"point_mass,omitempty" msgpack:"point_mass,omitempty"`
}

func encodeBelief(b Belief) BeliefData {
	d := BeliefData{Mean: append([]float64(nil), b.Mean.RawVector().Data...), PointMass: b.PointMass}
	if b.Covariance != nil {
		n := b.Dimension()
		d.Covariance = make([]float64, 0, n*n)
		for i := 0; i < n; i++ {
			for j := 0; j < n; j++ {
				d.Covariance = append(d.Covariance, b.Covariance.At(i, j))
			}
		}
	}
	return d
}

func decodeBelief(d BeliefData) (Belief, error) {
	n := len(d.Mean)
	if n == 0 {
		return Belief{}, fmt.Errorf("empty mean: %w", ErrDimensionMismatch)
	}
	b := Belief{Mean: mat.NewVecDense(n, append([]float64(nil), d.Mean...)), PointMass: d.PointMass}
	if d.PointMass {
		return b, nil
	}
	if len(d.Covariance) != n*n {
		return Belief{}, fmt.Errorf("covariance has %d entries, want %d: %w", len(d.Covariance), n*n, ErrDimensionMismatch)
	}
	b.Covariance = mat.NewSymDense(n, append([]float64(nil), d.Covariance...))
	return b, nil
}

// Snapshot is a trained model detached from its trainer.
type Snapshot struct {
	Name       string `json:"name" msgpack:"name"`
	Kind       Kind   `json:"kind" msgpack:"kind"`
	NumClasses int    `json:"num_classes" msgpack:"num_classes"`
	Dimension  int    `json:"dimension" msgpack:"dimension"`
	// NumFeatures is the record width before selection, zero if unknown.
	NumFeatures int          `json:"num_features,omitempty" msgpack:"num_features,omitempty"`
	Noise       float64      `json:"noise" msgpack:"noise"`
	Selection   []int        `json:"selection,omitempty" msgpack:"selection,omitempty"`
	Beliefs     []BeliefData `json:"beliefs" msgpack:"beliefs"`
	TrainedAt   time.Time    `json:"trained_at" msgpack:"trained_at"`
}

func NewSnapshot(kind Kind, numClasses int, noise float64, beliefs []Belief) *Snapshot {
	s := &Snapshot{Kind: kind, NumClasses: numClasses, Noise: noise, TrainedAt: time.Now().UTC()}
	if len(beliefs) > 0 {
		s.Dimension = beliefs[0].Dimension()
	}
	for _, b := range beliefs {
		s.Beliefs = append(s.Beliefs, encodeBelief(b))
	}
	return s
}

// Decode returns the beliefs held by the snapshot.
func (s *Snapshot) Decode() ([]Belief, error) {
	beliefs := make([]Belief, len(s.Beliefs))
	for i, d := range s.Beliefs {
		b, err := decodeBelief(d)
		if err != nil {
			return nil, fmt.Errorf("belief %d: %w", i, err)
		}
		beliefs[i] = b
	}
	return beliefs, nil
}

func (s *Snapshot) Snapshot() (*Snapshot, error) { return s, nil }

// Predict scores the vectors with the stored beliefs.
func (s *Snapshot) Predict(ctx context.Context, vectors []FeatureVector) ([]Distribution, error) {
	beliefs, err := s.Decode()
	if err != nil {
		return nil, err
	}
	if s.Kind == KindBinary {
		if len(beliefs) != 1 {
			return nil, fmt.Errorf("binary model with %d beliefs: %w", len(beliefs), ErrNotTrained)
		}
		return PredictBinary(beliefs[0], s.Noise, vectors)
	}
	return NewPredictor(s.Noise).PredictContext(ctx, beliefs, vectors)
}

func (s *Snapshot) Save(path string) error {
	if len(s.Beliefs) == 0 {
		return ErrNotTrained
	}
	payload, err := json.MarshalIndent(s, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(path, payload, 0o600)
}

// snapshotFields strips the BinaryMarshaler methods so msgpack encodes the
// struct fields.
type snapshotFields Snapshot

func (s *Snapshot) MarshalBinary() ([]byte, error) {
	return msgpack.Marshal((*snapshotFields)(s))
}

func (s *Snapshot) UnmarshalBinary(data []byte) error {
	return msgpack.Unmarshal(data, (*snapshotFields)(s))
}
