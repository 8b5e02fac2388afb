package db

import (
	"errors"
	"path/filepath"
	"testing"
	"time"

	"docquery/ml"
)

func setupDB(t *testing.T) {
	t.Helper()
	if err := InitDB(filepath.Join(t.TempDir(), "test.db")); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	t.Cleanup(func() { Close() })
}

func testSnapshot(name string) *ml.Snapshot {
	beliefs := []ml.Belief{ml.NewPrior(0, 2), ml.NewPrior(1, 2)}
	s := ml.NewSnapshot(ml.KindMultiClass, 2, 0.1, beliefs)
	s.Name = name
	return s
}

func TestNotInitialized(t *testing.T) {
	Close()
	if err := SaveModel(testSnapshot("m")); !errors.Is(err, ErrNotInitialized) {
		t.Fatalf("expected ErrNotInitialized, got %v", err)
	}
	if _, err := LoadTrainingLog(""); !errors.Is(err, ErrNotInitialized) {
		t.Fatalf("expected ErrNotInitialized, got %v", err)
	}
}

func TestModelRoundTrip(t *testing.T) {
	setupDB(t)

	if _, err := LoadModel("missing"); !errors.Is(err, ErrModelNotFound) {
		t.Fatalf("expected ErrModelNotFound, got %v", err)
	}
	if err := SaveModel(testSnapshot("")); err == nil {
		t.Fatalf("expected error for unnamed model")
	}

	if err := SaveModel(testSnapshot("docs")); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	replaced := testSnapshot("docs")
	replaced.Noise = 0.5
	if err := SaveModel(replaced); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if err := SaveModel(testSnapshot("other")); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	loaded, err := LoadModel("docs")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if loaded.Noise != 0.5 || loaded.Kind != ml.KindMultiClass || loaded.Dimension != 2 {
		t.Fatalf("unexpected snapshot %+v", loaded)
	}
	if _, err := loaded.Decode(); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	models, err := ListModels()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(models) != 2 {
		t.Fatalf("expected 2 models, got %d", len(models))
	}
}

func TestTrainingLog(t *testing.T) {
	setupDB(t)
	base := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
	logs := []TrainingLog{
		{ModelName: "a", Accuracy: 0.9, Vectors: 100, Iterations: 7, Duration: 1500 * time.Millisecond, TrainedAt: base},
		{ModelName: "b", Accuracy: 0.8, Vectors: 50, Iterations: 3, TrainedAt: base.Add(time.Hour)},
		{ModelName: "a", Accuracy: 0.95, Vectors: 120, Iterations: 5, TrainedAt: base.Add(2 * time.Hour)},
	}
	for _, l := range logs {
		if err := SaveTrainingLog(l); err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
	}

	all, err := LoadTrainingLog("")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(all) != 3 || all[0].Accuracy != 0.95 {
		t.Fatalf("unexpected log %+v", all)
	}
	onlyA, err := LoadTrainingLog("a")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(onlyA) != 2 || onlyA[1].Duration != 1500*time.Millisecond || onlyA[1].Vectors != 100 {
		t.Fatalf("unexpected log %+v", onlyA)
	}
}

func TestSavePredictions(t *testing.T) {
	setupDB(t)
	preds := []Prediction{
		{QueryID: "q1", DocumentID: "d1", PredictedClass: 1, Confidence: 0.7},
		{QueryID: "q1", DocumentID: "d2", PredictedClass: 0, Confidence: 0.6},
	}
	if err := SavePredictions("docs", preds); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if err := SavePredictions("docs", nil); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if err := SavePredictions("", preds); err == nil {
		t.Fatalf("expected error for missing model name")
	}
	n, err := CountPredictions("docs")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if n != 2 {
		t.Fatalf("expected 2 predictions, got %d", n)
	}
}
