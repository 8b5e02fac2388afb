package pipeline

import (
	"errors"
	"fmt"
	"strconv"
	"strings"

	"docquery/ml"
)

var (
	ErrFormat              = errors.New("pipeline: malformed record")
	ErrClassOutOfRange     = errors.New("pipeline: class id out of range")
	ErrDuplicateSelection  = errors.New("pipeline: duplicate feature in selection")
	ErrSelectionOutOfRange = errors.New("pipeline: selected feature out of range")
)

// Record 一条LETOR记录
type Record struct {
	ClassID    int              `json:"class_id"`
	QueryID    string           `json:"query_id"`
	DocumentID string           `json:"document_id"`
	Features   ml.FeatureVector `json:"features"`
}

// ParseClassID parses a signed decimal class id.
func ParseClassID(token string) (int, error) {
	id, err := strconv.Atoi(token)
	if err != nil {
		return 0, fmt.Errorf("class id %q: %w", token, ErrFormat)
	}
	return id, nil
}

// ParseQueryID parses "qid:<id>". The id may itself contain colons.
func ParseQueryID(token string) (string, error) {
	prefix, id, ok := strings.Cut(token, ":")
	if !ok || prefix != "qid" || id == "" {
		return "", fmt.Errorf("query id %q: %w", token, ErrFormat)
	}
	return id, nil
}

// ParseDocumentID parses the trailing tokens "#docid" "=" "<id>".
func ParseDocumentID(rest []string) (string, error) {
	if len(rest) <= 2 {
		return "", fmt.Errorf("document id has %d tokens: %w", len(rest), ErrFormat)
	}
	if rest[0] != "#docid" || rest[1] != "=" || rest[2] == "" {
		return "", fmt.Errorf("document id %q: %w", strings.Join(rest[:3], " "), ErrFormat)
	}
	return rest[2], nil
}

// ParseFeature parses "<index>:<value>" and checks that the index matches the
// 1-based position of the token.
func ParseFeature(token string, index int) (float64, error) {
	idx, val, ok := strings.Cut(token, ":")
	if !ok || strings.Contains(val, ":") {
		return 0, fmt.Errorf("feature %d %q: %w", index, token, ErrFormat)
	}
	n, err := strconv.Atoi(idx)
	if err != nil || n != index {
		return 0, fmt.Errorf("feature %d %q: %w", index, token, ErrFormat)
	}
	v, err := strconv.ParseFloat(val, 64)
	if err != nil {
		return 0, fmt.Errorf("feature %d %q: %w", index, token, ErrFormat)
	}
	return v, nil
}

// ParseSelection parses a colon separated list of 1-based feature indices,
// e.g. "1:2:3:7".
func ParseSelection(s string) ([]int, error) {
	if s == "" {
		return nil, nil
	}
	parts := strings.Split(s, ":")
	out := make([]int, len(parts))
	for i, p := range parts {
		n, err := strconv.Atoi(strings.TrimSpace(p))
		if err != nil {
			return nil, fmt.Errorf("feature selection %q: %w", s, ErrFormat)
		}
		out[i] = n
	}
	return out, nil
}

// Parser turns record lines into Records with a fixed number of features and
// an optional feature selection.
type Parser struct {
	numFeatures int
	selection   []int
	// position of each selected 1-based feature in the output vector
	columns map[int]int
}

func NewParser(numFeatures int, selection []int) (*Parser, error) {
	if numFeatures < 1 {
		return nil, fmt.Errorf("num features %d must be positive: %w", numFeatures, ml.ErrInvalidConfig)
	}
	p := &Parser{numFeatures: numFeatures}
	if len(selection) == 0 {
		return p, nil
	}
	p.columns = make(map[int]int, len(selection))
	for i, f := range selection {
		if f < 1 || f > numFeatures {
			return nil, fmt.Errorf("feature %d of %d: %w", f, numFeatures, ErrSelectionOutOfRange)
		}
		if _, dup := p.columns[f]; dup {
			return nil, fmt.Errorf("feature %d: %w", f, ErrDuplicateSelection)
		}
		p.columns[f] = i
	}
	p.selection = append([]int(nil), selection...)
	return p, nil
}

func (p *Parser) NumFeatures() int { return p.numFeatures }

func (p *Parser) Selection() []int { return append([]int(nil), p.selection...) }

// Dimension is the length of the vectors the parser produces.
func (p *Parser) Dimension() int {
	if p.columns != nil {
		return len(p.selection)
	}
	return p.numFeatures
}

// ParseRecord parses one line.
func (p *Parser) ParseRecord(line string) (Record, error) {
	tokens := strings.Split(strings.TrimRight(line, "\r\n"), " ")
	if len(tokens) < p.numFeatures+3 {
		return Record{}, fmt.Errorf("expected at least %d tokens, found %d: %w", p.numFeatures+3, len(tokens), ErrFormat)
	}
	class, err := ParseClassID(tokens[0])
	if err != nil {
		return Record{}, err
	}
	query, err := ParseQueryID(tokens[1])
	if err != nil {
		return Record{}, err
	}
	features, err := p.ParseFeatures(tokens[2 : 2+p.numFeatures])
	if err != nil {
		return Record{}, err
	}
	doc, err := ParseDocumentID(tokens[2+p.numFeatures:])
	if err != nil {
		return Record{}, err
	}
	return Record{ClassID: class, QueryID: query, DocumentID: doc, Features: features}, nil
}

// ParseFeatures parses the feature tokens of a record. With a selection only
// the selected tokens are parsed, and the values come out in selection order.
func (p *Parser) ParseFeatures(tokens []string) (ml.FeatureVector, error) {
	if len(tokens) < p.numFeatures {
		return nil, fmt.Errorf("%d feature tokens, want %d: %w", len(tokens), p.numFeatures, ErrSelectionOutOfRange)
	}
	if p.columns == nil {
		out := make(ml.FeatureVector, p.numFeatures)
		for i := 0; i < p.numFeatures; i++ {
			v, err := ParseFeature(tokens[i], i+1)
			if err != nil {
				return nil, err
			}
			out[i] = v
		}
		return out, nil
	}
	out := make(ml.FeatureVector, len(p.selection))
	for i := 0; i < p.numFeatures; i++ {
		col, ok := p.columns[i+1]
		if !ok {
			continue
		}
		v, err := ParseFeature(tokens[i], i+1)
		if err != nil {
			return nil, err
		}
		out[col] = v
	}
	return out, nil
}
