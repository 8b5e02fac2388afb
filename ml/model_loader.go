package ml

import (
	"encoding/json"
	"fmt"
	"os"
)

// LoadModel reads a snapshot written by Snapshot.Save.
func LoadModel(path string) (*Snapshot, error) {
	payload, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var s Snapshot
	if err := json.Unmarshal(payload, &s); err != nil {
		return nil, fmt.Errorf("decode model %s: %w", path, err)
	}
	if _, err := ParseKind(string(s.Kind)); err != nil {
		return nil, err
	}
	if _, err := s.Decode(); err != nil {
		return nil, fmt.Errorf("model %s: %w", path, err)
	}
	return &s, nil
}
