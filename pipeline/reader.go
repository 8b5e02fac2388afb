package pipeline

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"os"

	"go.uber.org/zap"
	"golang.org/x/text/encoding/unicode"
	"golang.org/x/text/transform"

	"docquery/ml"
)

// ReaderConfig 数据读取配置
type ReaderConfig struct {
	NumClasses int
	// SkipParseErrors drops malformed lines instead of failing.
	SkipParseErrors bool
	// SkipClassOutOfRange drops records whose class id is not below NumClasses.
	SkipClassOutOfRange bool
	Cleaner             *DataCleaner
	Logger              *zap.Logger
}

// DefaultReaderConfig skips malformed lines and unknown classes.
func DefaultReaderConfig(numClasses int) ReaderConfig {
	return ReaderConfig{NumClasses: numClasses, SkipParseErrors: true, SkipClassOutOfRange: true}
}

// Reader 数据集读取器
type Reader struct {
	parser *Parser
	config ReaderConfig
	logger *zap.Logger
}

func NewReader(parser *Parser, config ReaderConfig) *Reader {
	logger := config.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Reader{parser: parser, config: config, logger: logger}
}

func (r *Reader) Parser() *Parser { return r.parser }

// Open opens a dataset file, decoding UTF-16 and stripping byte order marks.
func Open(path string) (io.ReadCloser, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	decoded := transform.NewReader(f, unicode.BOMOverride(unicode.UTF8.NewDecoder()))
	return struct {
		io.Reader
		io.Closer
	}{decoded, f}, nil
}

// lines scans records from src, applying the skip rules and the cleaner.
type lines struct {
	r       *Reader
	scanner *bufio.Scanner
	line    int
	classed bool
}

func (r *Reader) newLines(src io.Reader, classed bool) *lines {
	scanner := bufio.NewScanner(src)
	scanner.Buffer(make([]byte, 64*1024), 16*1024*1024)
	return &lines{r: r, scanner: scanner, classed: classed}
}

// next consumes one line. It returns ok=false for a consumed line that was
// skipped and io.EOF when the input is exhausted.
func (l *lines) next() (Record, bool, error) {
	if !l.scanner.Scan() {
		if err := l.scanner.Err(); err != nil {
			return Record{}, false, err
		}
		return Record{}, false, io.EOF
	}
	l.line++
	rec, err := l.r.parser.ParseRecord(l.scanner.Text())
	if err != nil {
		if l.r.config.SkipParseErrors {
			l.r.logger.Debug("skip malformed record", zap.Int("line", l.line), zap.Error(err))
			return Record{}, false, nil
		}
		return Record{}, false, fmt.Errorf("line %d: %w", l.line, err)
	}
	if l.classed && (rec.ClassID < 0 || rec.ClassID >= l.r.config.NumClasses) {
		if l.r.config.SkipClassOutOfRange {
			l.r.logger.Debug("skip record with unknown class", zap.Int("line", l.line), zap.Int("class", rec.ClassID))
			return Record{}, false, nil
		}
		return Record{}, false, fmt.Errorf("line %d: class %d of %d: %w", l.line, rec.ClassID, l.r.config.NumClasses, ErrClassOutOfRange)
	}
	if c := l.r.config.Cleaner; c != nil {
		cleaned, issues := c.Clean([]*Record{&rec})
		if len(cleaned) == 0 {
			l.r.logger.Debug("record rejected by cleaner", zap.Int("line", l.line), zap.Int("issues", len(issues)))
			return Record{}, false, nil
		}
		rec = *cleaned[0]
	}
	return rec, true, nil
}

// ReadClassified reads every record of src into a batch indexed by class.
func (r *Reader) ReadClassified(src io.Reader) (ml.ClassifiedBatch, error) {
	batch := ml.NewClassifiedBatch(r.config.NumClasses)
	l := r.newLines(src, true)
	for {
		rec, ok, err := l.next()
		if errors.Is(err, io.EOF) {
			return batch, nil
		}
		if err != nil {
			return nil, err
		}
		if ok {
			batch[rec.ClassID] = append(batch[rec.ClassID], rec.Features)
		}
	}
}

// ReadRecords reads every record of src. Class ids are not range checked.
func (r *Reader) ReadRecords(src io.Reader) ([]Record, error) {
	var out []Record
	l := r.newLines(src, false)
	for {
		rec, ok, err := l.next()
		if errors.Is(err, io.EOF) {
			return out, nil
		}
		if err != nil {
			return nil, err
		}
		if ok {
			out = append(out, rec)
		}
	}
}

// ReadClassifiedFile opens path and reads it with ReadClassified.
func (r *Reader) ReadClassifiedFile(path string) (ml.ClassifiedBatch, error) {
	f, err := Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	return r.ReadClassified(f)
}

// ReadRecordsFile opens path and reads it with ReadRecords.
func (r *Reader) ReadRecordsFile(path string) ([]Record, error) {
	f, err := Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	return r.ReadRecords(f)
}

// ClassifiedChunks yields batches built from consecutive runs of chunkSize
// lines. Skipped lines count towards the chunk size. Chunks without any
// accepted record are not returned.
type ClassifiedChunks struct {
	lines *lines
	size  int
	done  bool
}

func (r *Reader) ClassifiedChunks(src io.Reader, chunkSize int) (*ClassifiedChunks, error) {
	if chunkSize < 1 {
		return nil, fmt.Errorf("chunk size %d must be positive: %w", chunkSize, ml.ErrInvalidConfig)
	}
	return &ClassifiedChunks{lines: r.newLines(src, true), size: chunkSize}, nil
}

// Next returns the next chunk or io.EOF.
func (c *ClassifiedChunks) Next() (ml.ClassifiedBatch, error) {
	for !c.done {
		batch := ml.NewClassifiedBatch(c.lines.r.config.NumClasses)
		accepted := 0
		for i := 0; i < c.size; i++ {
			rec, ok, err := c.lines.next()
			if errors.Is(err, io.EOF) {
				c.done = true
				break
			}
			if err != nil {
				return nil, err
			}
			if ok {
				batch[rec.ClassID] = append(batch[rec.ClassID], rec.Features)
				accepted++
			}
		}
		if accepted > 0 {
			return batch, nil
		}
	}
	return nil, io.EOF
}

// RecordChunks is ClassifiedChunks for unclassified reading.
type RecordChunks struct {
	lines *lines
	size  int
	done  bool
}

func (r *Reader) RecordChunks(src io.Reader, chunkSize int) (*RecordChunks, error) {
	if chunkSize < 1 {
		return nil, fmt.Errorf("chunk size %d must be positive: %w", chunkSize, ml.ErrInvalidConfig)
	}
	return &RecordChunks{lines: r.newLines(src, false), size: chunkSize}, nil
}

func (c *RecordChunks) Next() ([]Record, error) {
	for !c.done {
		var out []Record
		for i := 0; i < c.size; i++ {
			rec, ok, err := c.lines.next()
			if errors.Is(err, io.EOF) {
				c.done = true
				break
			}
			if err != nil {
				return nil, err
			}
			if ok {
				out = append(out, rec)
			}
		}
		if len(out) > 0 {
			return out, nil
		}
	}
	return nil, io.EOF
}

// Vectors returns the feature vectors of records in order.
func Vectors(records []Record) []ml.FeatureVector {
	out := make([]ml.FeatureVector, len(records))
	for i, r := range records {
		out[i] = r.Features
	}
	return out
}
