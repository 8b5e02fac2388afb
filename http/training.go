package http

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"time"

	"go.uber.org/zap"

	"docquery/machine"
	"docquery/ml"
	"docquery/pipeline"
)

var ErrPathOutsideRoot = errors.New("path outside dataset root")

// TrainingConfig holds the server-side defaults for training requests.
type TrainingConfig struct {
	Kind          ml.Kind
	NumClasses    int
	NumFeatures   int
	Selection     []int
	Noise         float64
	ChunkSize     int
	NumChunks     int
	Rounds        int
	MaxIterations int
	Tolerance     float64
	Damping       float64

	DatasetRoot   string
	StrictParsing bool
	StrictClasses bool
	CleaningRules []string
}

func DefaultTrainingConfig() TrainingConfig {
	return TrainingConfig{
		Kind:        ml.KindMultiClass,
		NumClasses:  2,
		NumFeatures: 64,
		Noise:       ml.DefaultNoise,
		ChunkSize:   100,
		NumChunks:   150,
		Rounds:      1,
		DatasetRoot: ".",
	}
}

// TrainRequest is the body of POST /api/train. Zero fields take the server
// defaults.
type TrainRequest struct {
	Name        string  `json:"name"`
	Kind        string  `json:"kind"`
	TrainPath   string  `json:"train_path"`
	TestPath    string  `json:"test_path,omitempty"`
	NumClasses  int     `json:"num_classes,omitempty"`
	NumFeatures int     `json:"num_features,omitempty"`
	Selection   string  `json:"selection,omitempty"`
	Noise       float64 `json:"noise,omitempty"`
	ChunkSize   int     `json:"chunk_size,omitempty"`
	NumChunks   int     `json:"num_chunks,omitempty"`
	Rounds      int     `json:"rounds,omitempty"`
}

// TrainResult is the response of POST /api/train.
type TrainResult struct {
	Name      string    `json:"name"`
	Kind      ml.Kind   `json:"kind"`
	Stats     ml.Stats  `json:"stats"`
	Accuracy  *float64  `json:"accuracy,omitempty"`
	Tested    int       `json:"tested,omitempty"`
	TrainedAt time.Time `json:"trained_at"`

	snapshot *ml.Snapshot
}

func (c TrainingConfig) merge(req TrainRequest) (TrainingConfig, error) {
	if req.Kind != "" {
		kind, err := ml.ParseKind(req.Kind)
		if err != nil {
			return c, err
		}
		c.Kind = kind
	}
	if req.NumClasses != 0 {
		c.NumClasses = req.NumClasses
	}
	if req.NumFeatures != 0 {
		c.NumFeatures = req.NumFeatures
	}
	if req.Selection != "" {
		sel, err := pipeline.ParseSelection(req.Selection)
		if err != nil {
			return c, err
		}
		c.Selection = sel
	}
	if req.Noise != 0 {
		c.Noise = req.Noise
	}
	if req.ChunkSize != 0 {
		c.ChunkSize = req.ChunkSize
	}
	if req.NumChunks != 0 {
		c.NumChunks = req.NumChunks
	}
	if req.Rounds != 0 {
		c.Rounds = req.Rounds
	}
	return c, nil
}

// resolvePath joins p onto root and rejects paths that leave root.
func resolvePath(root, p string) (string, error) {
	if p == "" {
		return "", fmt.Errorf("empty path: %w", ml.ErrInvalidConfig)
	}
	if root == "" {
		return filepath.Clean(p), nil
	}
	absRoot, err := filepath.Abs(root)
	if err != nil {
		return "", err
	}
	full := p
	if !filepath.IsAbs(full) {
		full = filepath.Join(absRoot, p)
	}
	full = filepath.Clean(full)
	rel, err := filepath.Rel(absRoot, full)
	if err != nil || rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
		return "", fmt.Errorf("%s: %w", p, ErrPathOutsideRoot)
	}
	return full, nil
}

func trainModel(ctx context.Context, config TrainingConfig, req TrainRequest, observer machine.Observer, logger *zap.Logger) (*TrainResult, error) {
	if req.Name == "" {
		return nil, fmt.Errorf("model name is required: %w", ml.ErrInvalidConfig)
	}
	config, err := config.merge(req)
	if err != nil {
		return nil, err
	}
	trainPath, err := resolvePath(config.DatasetRoot, req.TrainPath)
	if err != nil {
		return nil, err
	}

	var cleaner *pipeline.DataCleaner
	if len(config.CleaningRules) > 0 {
		rules, err := pipeline.ParseRules(config.CleaningRules, config.NumClasses)
		if err != nil {
			return nil, err
		}
		cleaner = pipeline.NewDataCleaner(rules...)
	}

	m, err := machine.New(config.Kind, machine.Options{
		NumClasses:    config.NumClasses,
		NumFeatures:   config.NumFeatures,
		Selection:     config.Selection,
		Noise:         config.Noise,
		NumChunks:     config.NumChunks,
		Rounds:        config.Rounds,
		MaxIterations: config.MaxIterations,
		Tolerance:     config.Tolerance,
		Damping:       config.Damping,
		StrictParsing: config.StrictParsing,
		StrictClasses: config.StrictClasses,
		Cleaner:       cleaner,
		Logger:        logger,
		Observer:      observer,
	})
	if err != nil {
		return nil, err
	}
	m.SetName(req.Name)

	stats, err := m.TrainFileInChunks(ctx, trainPath, config.ChunkSize)
	if err != nil {
		return nil, err
	}
	snap, err := m.Snapshot()
	if err != nil {
		return nil, err
	}
	result := &TrainResult{
		Name:      req.Name,
		Kind:      config.Kind,
		Stats:     stats,
		TrainedAt: snap.TrainedAt,
		snapshot:  snap,
	}

	if req.TestPath != "" {
		testPath, err := resolvePath(config.DatasetRoot, req.TestPath)
		if err != nil {
			return nil, err
		}
		records, dists, err := m.TestFile(ctx, testPath)
		if err != nil {
			return nil, err
		}
		acc, n := accuracy(config.Kind, records, dists)
		result.Accuracy = &acc
		result.Tested = n
	}
	return result, nil
}

// accuracy scores the most likely class against the record class. Binary
// models compare relevance (class 1) against everything else.
func accuracy(kind ml.Kind, records []pipeline.Record, dists []ml.Distribution) (float64, int) {
	correct, total := 0, 0
	for i, r := range records {
		want := r.ClassID
		if kind == ml.KindBinary {
			want = 0
			if r.ClassID == ml.RelevantClass {
				want = ml.RelevantClass
			}
		} else if want < 0 || want >= len(dists[i]) {
			continue
		}
		total++
		if dists[i].MostLikely() == want {
			correct++
		}
	}
	if total == 0 {
		return 0, 0
	}
	return float64(correct) / float64(total), total
}
