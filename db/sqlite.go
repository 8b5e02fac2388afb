package db

import (
	"database/sql"
	"errors"
	"fmt"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"docquery/ml"
)

var database *sql.DB

var (
	ErrNotInitialized = errors.New("database not initialized")
	ErrModelNotFound  = errors.New("model not found")
)

// InitDB initializes the SQLite database
func InitDB(path string) error {
	var err error
	database, err = sql.Open("sqlite3", path)
	if err != nil {
		return err
	}

	query := `
    CREATE TABLE IF NOT EXISTS models (
        id INTEGER PRIMARY KEY,
        name VARCHAR(50) NOT NULL UNIQUE,
        kind VARCHAR(20) NOT NULL,
        num_classes INTEGER NOT NULL,
        dimension INTEGER NOT NULL,
        snapshot BLOB NOT NULL,
        created_at DATETIME NOT NULL,
        updated_at DATETIME NOT NULL
    );
    CREATE TABLE IF NOT EXISTS training_log (
        id INTEGER PRIMARY KEY AUTOINCREMENT,
        model_name VARCHAR(50),
        accuracy REAL,
        vectors INTEGER,
        iterations INTEGER,
        duration_ms INTEGER,
        trained_at DATETIME
    );
    CREATE TABLE IF NOT EXISTS predictions (
        id INTEGER PRIMARY KEY AUTOINCREMENT,
        model_name VARCHAR(50),
        query_id TEXT,
        document_id TEXT,
        predicted_class INTEGER,
        confidence REAL,
        timestamp DATETIME
    );
    CREATE INDEX IF NOT EXISTS idx_predictions_model ON predictions(model_name, timestamp);
    `

	if _, err = database.Exec(query); err != nil {
		database.Close()
		database = nil
		return err
	}
	return nil
}

// Close closes the database opened by InitDB.
func Close() error {
	if database == nil {
		return nil
	}
	err := database.Close()
	database = nil
	return err
}

// ModelInfo is a stored model without its beliefs.
type ModelInfo struct {
	Name       string    `json:"name"`
	Kind       ml.Kind   `json:"kind"`
	NumClasses int       `json:"num_classes"`
	Dimension  int       `json:"dimension"`
	CreatedAt  time.Time `json:"created_at"`
	UpdatedAt  time.Time `json:"updated_at"`
}

// SaveModel stores a snapshot under its name, replacing an older one.
func SaveModel(s *ml.Snapshot) error {
	if database == nil {
		return ErrNotInitialized
	}
	if s.Name == "" {
		return errors.New("model name required")
	}
	blob, err := s.MarshalBinary()
	if err != nil {
		return fmt.Errorf("encode model %s: %w", s.Name, err)
	}
	now := time.Now().UTC()
	_, err = database.Exec(`
        INSERT INTO models (name, kind, num_classes, dimension, snapshot, created_at, updated_at)
        VALUES (?, ?, ?, ?, ?, ?, ?)
        ON CONFLICT(name) DO UPDATE SET
            kind = excluded.kind,
            num_classes = excluded.num_classes,
            dimension = excluded.dimension,
            snapshot = excluded.snapshot,
            updated_at = excluded.updated_at`,
		s.Name, string(s.Kind), s.NumClasses, s.Dimension, blob, now, now)
	return err
}

// LoadModel reads a stored snapshot by name.
func LoadModel(name string) (*ml.Snapshot, error) {
	if database == nil {
		return nil, ErrNotInitialized
	}
	var blob []byte
	err := database.QueryRow(`SELECT snapshot FROM models WHERE name = ?`, name).Scan(&blob)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%s: %w", name, ErrModelNotFound)
	}
	if err != nil {
		return nil, err
	}
	var s ml.Snapshot
	if err := s.UnmarshalBinary(blob); err != nil {
		return nil, fmt.Errorf("decode model %s: %w", name, err)
	}
	return &s, nil
}

// ListModels lists stored models, most recently updated first.
func ListModels() ([]ModelInfo, error) {
	if database == nil {
		return nil, ErrNotInitialized
	}
	rows, err := database.Query(`
        SELECT name, kind, num_classes, dimension, created_at, updated_at
        FROM models
        ORDER BY updated_at DESC, name`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	models := make([]ModelInfo, 0)
	for rows.Next() {
		var m ModelInfo
		var kind string
		if err := rows.Scan(&m.Name, &kind, &m.NumClasses, &m.Dimension, &m.CreatedAt, &m.UpdatedAt); err != nil {
			return nil, err
		}
		m.Kind = ml.Kind(kind)
		models = append(models, m)
	}
	return models, rows.Err()
}

// Prediction is one stored prediction.
type Prediction struct {
	QueryID        string  `json:"query_id"`
	DocumentID     string  `json:"document_id"`
	PredictedClass int     `json:"predicted_class"`
	Confidence     float64 `json:"confidence"`
}

func SavePredictions(model string, predictions []Prediction) error {
	if database == nil {
		return ErrNotInitialized
	}
	if model == "" {
		return errors.New("model name required")
	}
	if len(predictions) == 0 {
		return nil
	}

	tx, err := database.Begin()
	if err != nil {
		return err
	}
	stmt, err := tx.Prepare(`
        INSERT INTO predictions (
            model_name, query_id, document_id, predicted_class, confidence, timestamp
        ) VALUES (?, ?, ?, ?, ?, ?)
    `)
	if err != nil {
		tx.Rollback()
		return err
	}
	defer stmt.Close()

	now := time.Now().UTC()
	for _, p := range predictions {
		if _, err := stmt.Exec(model, p.QueryID, p.DocumentID, p.PredictedClass, p.Confidence, now); err != nil {
			tx.Rollback()
			return err
		}
	}
	return tx.Commit()
}

// CountPredictions returns the number of predictions stored for a model.
func CountPredictions(model string) (int, error) {
	if database == nil {
		return 0, ErrNotInitialized
	}
	var n int
	err := database.QueryRow(`SELECT COUNT(*) FROM predictions WHERE model_name = ?`, model).Scan(&n)
	return n, err
}

type TrainingLog struct {
	ModelName  string        `json:"model_name"`
	Accuracy   float64       `json:"accuracy"`
	Vectors    int           `json:"vectors"`
	Iterations int           `json:"iterations"`
	Duration   time.Duration `json:"duration"`
	TrainedAt  time.Time     `json:"trained_at"`
}

func SaveTrainingLog(log TrainingLog) error {
	if database == nil {
		return ErrNotInitialized
	}
	if log.TrainedAt.IsZero() {
		log.TrainedAt = time.Now().UTC()
	}
	_, err := database.Exec(`
        INSERT INTO training_log (model_name, accuracy, vectors, iterations, duration_ms, trained_at)
        VALUES (?, ?, ?, ?, ?, ?)`,
		log.ModelName, log.Accuracy, log.Vectors, log.Iterations, log.Duration.Milliseconds(), log.TrainedAt)
	return err
}

// LoadTrainingLog returns the training log, newest first. An empty model
// name returns every entry.
func LoadTrainingLog(model string) ([]TrainingLog, error) {
	if database == nil {
		return nil, ErrNotInitialized
	}
	rows, err := database.Query(`
        SELECT model_name, accuracy, vectors, iterations, duration_ms, trained_at
        FROM training_log
        WHERE ? = '' OR model_name = ?
        ORDER BY trained_at DESC, id DESC
    `, model, model)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	logs := make([]TrainingLog, 0)
	for rows.Next() {
		var log TrainingLog
		var ms int64
		if err := rows.Scan(&log.ModelName, &log.Accuracy, &log.Vectors, &log.Iterations, &ms, &log.TrainedAt); err != nil {
			return nil, err
		}
		log.Duration = time.Duration(ms) * time.Millisecond
		logs = append(logs, log)
	}
	return logs, rows.Err()
}
