package machine

import (
	"context"
	"errors"
	"fmt"
	"io"
	"time"

	"go.uber.org/zap"

	"docquery/ml"
	"docquery/pipeline"
)

// DefaultSharedChunkSize is the chunk size TrainFile uses for shared machines.
const DefaultSharedChunkSize = 1000

// Options configures a Machine. Zero values pick the defaults of ml.Config.
type Options struct {
	NumClasses  int
	NumFeatures int
	Selection   []int
	Noise       float64

	// NumChunks and Rounds apply to shared machines only. One round solves
	// every chunk against the prior alone; the shared posterior only
	// approaches the single-batch posterior over several rounds.
	NumChunks int
	Rounds    int

	MaxIterations int
	Tolerance     float64
	Damping       float64

	// StrictParsing fails on malformed lines instead of skipping them.
	StrictParsing bool
	// StrictClasses fails on class ids outside [0, NumClasses).
	StrictClasses bool
	Cleaner       *pipeline.DataCleaner

	Logger   *zap.Logger
	Observer Observer
}

// Event reports one finished training step.
type Event struct {
	Model string    `json:"model"`
	Kind  ml.Kind   `json:"kind"`
	Chunk int       `json:"chunk"`
	Round int       `json:"round"`
	Stats ml.Stats  `json:"stats"`
	Time  time.Time `json:"time"`
}

// Observer receives training events.
type Observer interface {
	TrainingStep(Event)
}

// ObserverFunc adapts a function to Observer.
type ObserverFunc func(Event)

func (f ObserverFunc) TrainingStep(e Event) { f(e) }

// Observers fans one event out to several observers.
type Observers []Observer

func (o Observers) TrainingStep(e Event) {
	for _, obs := range o {
		obs.TrainingStep(e)
	}
}

// Machine wires a parser, a trainer and a predictor behind one train/test API.
type Machine struct {
	name   string
	kind   ml.Kind
	opts   Options
	parser *pipeline.Parser
	logger *zap.Logger

	incremental *ml.IncrementalTrainer
	binary      *ml.BinaryTrainer
	coordinator *ml.Coordinator
	predictor   *ml.Predictor
	nextChunk   int
}

func New(kind ml.Kind, opts Options) (*Machine, error) {
	if _, err := ml.ParseKind(string(kind)); err != nil {
		return nil, err
	}
	if kind == ml.KindBinary {
		opts.NumClasses = 2
	}
	if opts.Noise == 0 {
		opts.Noise = ml.DefaultNoise
	}
	if opts.Rounds == 0 {
		opts.Rounds = 1
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	parser, err := pipeline.NewParser(opts.NumFeatures, opts.Selection)
	if err != nil {
		return nil, err
	}
	cfg := ml.Config{
		NumClasses:    opts.NumClasses,
		Dimension:     parser.Dimension(),
		Noise:         opts.Noise,
		MaxIterations: opts.MaxIterations,
		Tolerance:     opts.Tolerance,
		Damping:       opts.Damping,
		Logger:        opts.Logger,
	}
	m := &Machine{
		name:      string(kind),
		kind:      kind,
		opts:      opts,
		parser:    parser,
		logger:    opts.Logger.With(zap.String("machine", string(kind))),
		predictor: ml.NewPredictor(opts.Noise),
	}
	switch kind {
	case ml.KindMultiClass:
		m.incremental, err = ml.NewIncrementalTrainer(cfg)
	case ml.KindBinary:
		m.binary, err = ml.NewBinaryTrainer(cfg)
	case ml.KindShared:
		m.coordinator, err = ml.NewCoordinator(cfg, opts.NumChunks)
	}
	if err != nil {
		return nil, err
	}
	return m, nil
}

// SetName labels the machine in events and snapshots.
func (m *Machine) SetName(name string) { m.name = name }

func (m *Machine) Name() string { return m.name }

func (m *Machine) Kind() ml.Kind { return m.kind }

func (m *Machine) Parser() *pipeline.Parser { return m.parser }

// Coordinator returns the shared-belief coordinator of a shared machine.
func (m *Machine) Coordinator() *ml.Coordinator { return m.coordinator }

func (m *Machine) reader(numClasses int) *pipeline.Reader {
	return pipeline.NewReader(m.parser, pipeline.ReaderConfig{
		NumClasses:          numClasses,
		SkipParseErrors:     !m.opts.StrictParsing,
		SkipClassOutOfRange: !m.opts.StrictClasses,
		Cleaner:             m.opts.Cleaner,
		Logger:              m.logger,
	})
}

func (m *Machine) emit(chunk, round int, stats ml.Stats) {
	if m.opts.Observer == nil {
		return
	}
	m.opts.Observer.TrainingStep(Event{
		Model: m.name,
		Kind:  m.kind,
		Chunk: chunk,
		Round: round,
		Stats: stats,
		Time:  time.Now(),
	})
}

// Train feeds one batch. Multi-class and binary machines update
// incrementally; shared machines train the next chunk in turn.
func (m *Machine) Train(ctx context.Context, batch ml.ClassifiedBatch) (ml.Stats, error) {
	var (
		stats ml.Stats
		err   error
		chunk int
	)
	switch m.kind {
	case ml.KindMultiClass:
		stats, err = m.incremental.Train(ctx, batch)
	case ml.KindBinary:
		stats, err = m.binary.Train(ctx, batch)
	case ml.KindShared:
		chunk = m.nextChunk
		stats, err = m.coordinator.TrainChunk(ctx, batch, chunk)
		if err == nil {
			m.nextChunk = (m.nextChunk + 1) % m.coordinator.NumChunks()
		}
	}
	if err != nil {
		return ml.Stats{}, err
	}
	m.emit(chunk, 0, stats)
	return stats, nil
}

// TrainFile trains on a whole file. Shared machines read it in chunks of
// DefaultSharedChunkSize lines.
func (m *Machine) TrainFile(ctx context.Context, path string) (ml.Stats, error) {
	if m.kind == ml.KindShared {
		return m.TrainFileInChunks(ctx, path, DefaultSharedChunkSize)
	}
	f, err := pipeline.Open(path)
	if err != nil {
		return ml.Stats{}, err
	}
	defer f.Close()

	var batch ml.ClassifiedBatch
	if m.kind == ml.KindBinary {
		records, err := m.reader(0).ReadRecords(f)
		if err != nil {
			return ml.Stats{}, err
		}
		batch = relevanceBatch(records)
	} else {
		batch, err = m.reader(m.opts.NumClasses).ReadClassified(f)
		if err != nil {
			return ml.Stats{}, err
		}
	}
	return m.Train(ctx, batch)
}

// relevanceBatch puts class-1 records in class 1 and everything else in 0.
func relevanceBatch(records []pipeline.Record) ml.ClassifiedBatch {
	batch := ml.NewClassifiedBatch(2)
	for _, r := range records {
		class := 0
		if r.ClassID == ml.RelevantClass {
			class = ml.RelevantClass
		}
		batch[class] = append(batch[class], r.Features)
	}
	return batch
}

// TrainFileInChunks trains on consecutive chunks of chunkSize lines. Shared
// machines train chunk k on the k-th chunk, stop after NumChunks chunks and
// repeat for Rounds passes.
func (m *Machine) TrainFileInChunks(ctx context.Context, path string, chunkSize int) (ml.Stats, error) {
	if m.kind == ml.KindShared {
		var total ml.Stats
		for round := 1; round <= m.opts.Rounds; round++ {
			stats, err := m.trainSharedRound(ctx, path, chunkSize, round)
			if err != nil {
				return ml.Stats{}, fmt.Errorf("round %d: %w", round, err)
			}
			total = addStats(total, stats)
		}
		return total, nil
	}

	f, err := pipeline.Open(path)
	if err != nil {
		return ml.Stats{}, err
	}
	defer f.Close()

	var total ml.Stats
	if m.kind == ml.KindBinary {
		chunks, err := m.reader(0).RecordChunks(f, chunkSize)
		if err != nil {
			return ml.Stats{}, err
		}
		for {
			records, err := chunks.Next()
			if errors.Is(err, io.EOF) {
				break
			}
			if err != nil {
				return ml.Stats{}, err
			}
			stats, err := m.Train(ctx, relevanceBatch(records))
			if err != nil {
				return ml.Stats{}, err
			}
			total = addStats(total, stats)
		}
		return total, nil
	}

	chunks, err := m.reader(m.opts.NumClasses).ClassifiedChunks(f, chunkSize)
	if err != nil {
		return ml.Stats{}, err
	}
	for {
		batch, err := chunks.Next()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return ml.Stats{}, err
		}
		stats, err := m.Train(ctx, batch)
		if err != nil {
			return ml.Stats{}, err
		}
		total = addStats(total, stats)
	}
	return total, nil
}

func (m *Machine) trainSharedRound(ctx context.Context, path string, chunkSize, round int) (ml.Stats, error) {
	f, err := pipeline.Open(path)
	if err != nil {
		return ml.Stats{}, err
	}
	defer f.Close()
	chunks, err := m.reader(m.opts.NumClasses).ClassifiedChunks(f, chunkSize)
	if err != nil {
		return ml.Stats{}, err
	}

	var total ml.Stats
	trained := 0
	for trained < m.coordinator.NumChunks() {
		batch, err := chunks.Next()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return ml.Stats{}, err
		}
		stats, err := m.coordinator.TrainChunk(ctx, batch, trained)
		if err != nil {
			return ml.Stats{}, err
		}
		m.emit(trained, round, stats)
		total = addStats(total, stats)
		trained++
	}
	if trained == 0 {
		return ml.Stats{}, ml.ErrEmptyBatch
	}
	if trained < m.coordinator.NumChunks() {
		if err := m.coordinator.Commit(); err != nil {
			return ml.Stats{}, err
		}
	}
	m.logger.Info("shared round finished", zap.Int("round", round), zap.Int("chunks", trained))
	return total, nil
}

func addStats(a, b ml.Stats) ml.Stats {
	a.Vectors += b.Vectors
	a.Sites += b.Sites
	a.Iterations = max(a.Iterations, b.Iterations)
	a.Duration += b.Duration
	return a
}

func (m *Machine) beliefs() ([]ml.Belief, error) {
	switch m.kind {
	case ml.KindMultiClass:
		return m.incremental.Posteriors()
	case ml.KindBinary:
		return m.binary.Posteriors()
	default:
		return m.coordinator.SubModel(0)
	}
}

// Test predicts a distribution over classes for every vector. Shared
// machines predict with chunk 0's view of the shared beliefs.
func (m *Machine) Test(ctx context.Context, vectors []ml.FeatureVector) ([]ml.Distribution, error) {
	beliefs, err := m.beliefs()
	if err != nil {
		return nil, err
	}
	if m.kind == ml.KindBinary {
		return ml.PredictBinary(beliefs[0], m.opts.Noise, vectors)
	}
	return m.predictor.PredictContext(ctx, beliefs, vectors)
}

// TestFile predicts every record of a file. Class ids are returned as read,
// without range checks.
func (m *Machine) TestFile(ctx context.Context, path string) ([]pipeline.Record, []ml.Distribution, error) {
	records, err := m.reader(m.opts.NumClasses).ReadRecordsFile(path)
	if err != nil {
		return nil, nil, err
	}
	dists, err := m.Test(ctx, pipeline.Vectors(records))
	if err != nil {
		return nil, nil, err
	}
	return records, dists, nil
}

// Snapshot captures the trained beliefs.
func (m *Machine) Snapshot() (*ml.Snapshot, error) {
	beliefs, err := m.beliefs()
	if err != nil {
		return nil, err
	}
	s := ml.NewSnapshot(m.kind, m.opts.NumClasses, m.opts.Noise, beliefs)
	s.Name = m.name
	s.Selection = m.parser.Selection()
	s.NumFeatures = m.parser.NumFeatures()
	return s, nil
}

// Predict lets a Machine serve as an ml.Model.
func (m *Machine) Predict(ctx context.Context, vectors []ml.FeatureVector) ([]ml.Distribution, error) {
	return m.Test(ctx, vectors)
}

var _ ml.Model = (*Machine)(nil)
