package machine

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"docquery/ml"
)

// writeDataset writes n records with three features. Class 1 records have a
// large first feature, class 0 records a small one; every fifth class 0
// record is written as class 2 to exercise relevance labelling.
func writeDataset(t *testing.T, n int, seed int64) string {
	t.Helper()
	rng := rand.New(rand.NewSource(seed))
	var b strings.Builder
	for i := 0; i < n; i++ {
		class := i % 2
		x := 0.1 + 0.2*rng.Float64()
		if class == 1 {
			x = 0.7 + 0.2*rng.Float64()
		} else if i%5 == 0 {
			class = 2
		}
		fmt.Fprintf(&b, "%d qid:%d 1:%f 2:%f 3:1 #docid = d%d\n", class, i/10, x, rng.Float64(), i)
	}
	path := filepath.Join(t.TempDir(), "train.txt")
	if err := os.WriteFile(path, []byte(b.String()), 0o600); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	return path
}

func testOptions() Options {
	return Options{NumClasses: 2, NumFeatures: 3, NumChunks: 4}
}

func accuracy(t *testing.T, m *Machine, path string) float64 {
	t.Helper()
	records, dists, err := m.TestFile(context.Background(), path)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(records) != len(dists) {
		t.Fatalf("expected %d distributions, got %d", len(records), len(dists))
	}
	correct, total := 0, 0
	for i, r := range records {
		if r.ClassID > 1 {
			continue
		}
		total++
		if dists[i].MostLikely() == r.ClassID {
			correct++
		}
	}
	return float64(correct) / float64(total)
}

func TestNewRejectsUnknownKind(t *testing.T) {
	if _, err := New(ml.Kind("forest"), testOptions()); err == nil {
		t.Fatalf("expected error for unknown kind")
	}
	opts := testOptions()
	opts.NumFeatures = 0
	if _, err := New(ml.KindMultiClass, opts); err == nil {
		t.Fatalf("expected error for zero features")
	}
}

func TestTestBeforeTraining(t *testing.T) {
	for _, kind := range []ml.Kind{ml.KindMultiClass, ml.KindBinary, ml.KindShared} {
		m, err := New(kind, testOptions())
		if err != nil {
			t.Fatalf("%s: unexpected error: %v", kind, err)
		}
		if _, err := m.Test(context.Background(), []ml.FeatureVector{{0.5, 0.5, 1}}); !errors.Is(err, ml.ErrNotTrained) && !errors.Is(err, ml.ErrChunkUntrained) {
			t.Fatalf("%s: expected untrained error, got %v", kind, err)
		}
		if _, err := m.Snapshot(); err == nil {
			t.Fatalf("%s: expected snapshot error before training", kind)
		}
	}
}

func TestTrainFileAllKinds(t *testing.T) {
	train := writeDataset(t, 200, 1)
	test := writeDataset(t, 100, 2)
	for _, kind := range []ml.Kind{ml.KindMultiClass, ml.KindBinary, ml.KindShared} {
		t.Run(string(kind), func(t *testing.T) {
			m, err := New(kind, testOptions())
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			stats, err := m.TrainFileInChunks(context.Background(), train, 50)
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if stats.Vectors == 0 {
				t.Fatalf("expected training vectors to be counted")
			}
			if acc := accuracy(t, m, test); acc < 0.8 {
				t.Fatalf("expected accuracy of at least 0.8, got %v", acc)
			}
		})
	}
}

func TestBinaryTreatsOtherClassesAsNegative(t *testing.T) {
	m, err := New(ml.KindBinary, testOptions())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	stats, err := m.TrainFile(context.Background(), writeDataset(t, 100, 3))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if stats.Vectors != 100 {
		t.Fatalf("expected every record to be used, got %d", stats.Vectors)
	}

	mc, err := New(ml.KindMultiClass, testOptions())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	stats, err = mc.TrainFile(context.Background(), writeDataset(t, 100, 3))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if stats.Vectors != 90 {
		t.Fatalf("expected class 2 records to be skipped, got %d", stats.Vectors)
	}
}

func TestSharedStopsAfterNumChunks(t *testing.T) {
	var events []Event
	opts := testOptions()
	opts.Rounds = 2
	opts.Observer = ObserverFunc(func(e Event) { events = append(events, e) })
	m, err := New(ml.KindShared, opts)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	// 10 chunks of 20 lines; only the first 4 are trained per round.
	if _, err := m.TrainFileInChunks(context.Background(), writeDataset(t, 200, 4), 20); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(events) != 8 {
		t.Fatalf("expected 8 training events, got %d", len(events))
	}
	if events[3].Chunk != 3 || events[4].Chunk != 0 || events[4].Round != 2 {
		t.Fatalf("unexpected event order %+v", events)
	}
	if got := m.Coordinator().Rounds(); got != 2 {
		t.Fatalf("expected 2 committed rounds, got %d", got)
	}
}

func TestSharedPartialRoundCommits(t *testing.T) {
	m, err := New(ml.KindShared, testOptions())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	// Two chunks for four chunk slots.
	if _, err := m.TrainFileInChunks(context.Background(), writeDataset(t, 40, 5), 20); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if _, err := m.Coordinator().SubModel(0); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if _, err := m.Coordinator().SubModel(3); !errors.Is(err, ml.ErrChunkUntrained) {
		t.Fatalf("expected ErrChunkUntrained for chunk 3, got %v", err)
	}
}

func TestSnapshotPredictsLikeMachine(t *testing.T) {
	train := writeDataset(t, 100, 6)
	for _, kind := range []ml.Kind{ml.KindMultiClass, ml.KindBinary, ml.KindShared} {
		t.Run(string(kind), func(t *testing.T) {
			m, err := New(kind, testOptions())
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			m.SetName("docs")
			if _, err := m.TrainFileInChunks(context.Background(), train, 25); err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			snap, err := m.Snapshot()
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if snap.Name != "docs" || snap.Kind != kind {
				t.Fatalf("unexpected snapshot header %+v", snap)
			}
			path := filepath.Join(t.TempDir(), "model.json")
			if err := snap.Save(path); err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			loaded, err := ml.LoadModel(path)
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			vectors := []ml.FeatureVector{{0.2, 0.5, 1}, {0.8, 0.5, 1}}
			want, err := m.Test(context.Background(), vectors)
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			got, err := loaded.Predict(context.Background(), vectors)
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			for i := range want {
				for c := range want[i] {
					if d := want[i][c] - got[i][c]; d > 1e-9 || d < -1e-9 {
						t.Fatalf("vector %d class %d: expected %v, got %v", i, c, want[i][c], got[i][c])
					}
				}
			}
		})
	}
}

func TestTrainRotatesSharedChunks(t *testing.T) {
	m, err := New(ml.KindShared, testOptions())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	batch := ml.NewClassifiedBatch(2)
	batch[0] = append(batch[0], ml.FeatureVector{0.1, 0.5, 1})
	batch[1] = append(batch[1], ml.FeatureVector{0.9, 0.5, 1})
	var chunks []int
	m.opts.Observer = ObserverFunc(func(e Event) { chunks = append(chunks, e.Chunk) })
	for i := 0; i < 5; i++ {
		if _, err := m.Train(context.Background(), batch); err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
	}
	if fmt.Sprint(chunks) != "[0 1 2 3 0]" {
		t.Fatalf("unexpected chunk order %v", chunks)
	}
}
