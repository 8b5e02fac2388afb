package http

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os"
	"sync/atomic"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
	"go.uber.org/zap"

	"docquery/db"
	"docquery/machine"
	"docquery/ml"
	"docquery/monitoring"
	"docquery/pipeline"
)

// Service 持有处理器依赖
type Service struct {
	logger    *zap.Logger
	collector *monitoring.MetricsCollector
	metrics   *monitoring.TrainingMetrics
	hub       *monitoring.Hub
	alerts    *monitoring.AlertSystem
	models    *lru.Cache[string, *ml.Snapshot]
	training  atomic.Pointer[TrainingConfig]
	// trainSlot admits one training request at a time.
	trainSlot chan struct{}
}

type ServiceOptions struct {
	Logger         *zap.Logger
	Collector      *monitoring.MetricsCollector
	Hub            *monitoring.Hub
	Alerts         *monitoring.AlertSystem
	ModelCacheSize int
	Training       TrainingConfig
}

func NewService(opts ServiceOptions) (*Service, error) {
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	if opts.Collector == nil {
		opts.Collector = monitoring.NewMetricsCollector()
	}
	if opts.Hub == nil {
		opts.Hub = monitoring.NewHub(opts.Logger)
	}
	if opts.Alerts == nil {
		opts.Alerts = monitoring.NewAlertSystem(monitoring.AlertRules{}, opts.Hub, opts.Logger)
	}
	if opts.ModelCacheSize < 1 {
		opts.ModelCacheSize = 16
	}
	cache, err := lru.New[string, *ml.Snapshot](opts.ModelCacheSize)
	if err != nil {
		return nil, err
	}
	s := &Service{
		logger:    opts.Logger.Named("http"),
		collector: opts.Collector,
		metrics:   monitoring.NewTrainingMetrics(opts.Collector),
		hub:       opts.Hub,
		alerts:    opts.Alerts,
		models:    cache,
		trainSlot: make(chan struct{}, 1),
	}
	s.SetTrainingConfig(opts.Training)
	return s, nil
}

// SetTrainingConfig replaces the training defaults, e.g. after a config reload.
func (s *Service) SetTrainingConfig(c TrainingConfig) {
	s.training.Store(&c)
}

func (s *Service) TrainingConfig() TrainingConfig {
	return *s.training.Load()
}

func (s *Service) Register(mux *http.ServeMux) {
	mux.HandleFunc("GET /api/health", handleHealth)
	mux.HandleFunc("POST /api/train", s.handleTrain)
	mux.HandleFunc("POST /api/predict", s.handlePredict)
	mux.HandleFunc("GET /api/models", s.handleModels)
	mux.HandleFunc("GET /api/models/{name}", s.handleModel)
	mux.HandleFunc("GET /api/training-log", s.handleTrainingLog)
	mux.HandleFunc("GET /api/metrics", s.handleMetrics)
	mux.HandleFunc("GET /api/alerts", s.handleAlerts)
	mux.HandleFunc("POST /api/alerts/{id}/resolve", s.handleResolveAlert)
	mux.HandleFunc("GET /api/ws/training", s.hub.HandleWebSocket)
}

func handleHealth(w http.ResponseWriter, r *http.Request) {
	json.NewEncoder(w).Encode(map[string]string{"status": "ok"})
}

func (s *Service) handleTrain(w http.ResponseWriter, r *http.Request) {
	var req TrainRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, fmt.Errorf("invalid request body: %w", err))
		return
	}

	select {
	case s.trainSlot <- struct{}{}:
		defer func() { <-s.trainSlot }()
	case <-r.Context().Done():
		writeError(w, statusFor(r.Context().Err()), r.Context().Err())
		return
	}

	observer := machine.Observers{s.metrics, s.hub, s.alerts}
	result, err := trainModel(r.Context(), s.TrainingConfig(), req, observer, s.logger)
	if err != nil {
		status := statusFor(err)
		if status >= http.StatusInternalServerError || status == http.StatusUnprocessableEntity {
			s.alerts.TrainingFailed(req.Name, err)
		}
		s.logger.Warn("training failed", zap.String("model", req.Name), zap.Error(err))
		writeError(w, status, err)
		return
	}

	if err := db.SaveModel(result.snapshot); err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	s.models.Add(result.Name, result.snapshot)

	entry := db.TrainingLog{
		ModelName:  result.Name,
		Vectors:    result.Stats.Vectors,
		Iterations: result.Stats.Iterations,
		Duration:   result.Stats.Duration,
		TrainedAt:  result.TrainedAt,
	}
	if result.Accuracy != nil {
		entry.Accuracy = *result.Accuracy
	}
	if err := db.SaveTrainingLog(entry); err != nil {
		s.logger.Warn("save training log", zap.Error(err))
	}

	s.logger.Info("model trained",
		zap.String("model", result.Name),
		zap.String("kind", string(result.Kind)),
		zap.Int("vectors", result.Stats.Vectors))
	respondJSON(w, http.StatusOK, result)
}

// PredictRequest is the body of POST /api/predict. Documents, when given,
// label the vectors one to one; Store persists the predictions.
type PredictRequest struct {
	Model     string             `json:"model"`
	Vectors   []ml.FeatureVector `json:"vectors"`
	Documents []DocumentRef      `json:"documents,omitempty"`
	Store     bool               `json:"store,omitempty"`
}

type DocumentRef struct {
	QueryID    string `json:"query_id"`
	DocumentID string `json:"document_id"`
}

type Prediction struct {
	Class         int       `json:"class"`
	Confidence    float64   `json:"confidence"`
	Probabilities []float64 `json:"probabilities"`
}

type PredictResponse struct {
	Model       string       `json:"model"`
	Kind        ml.Kind      `json:"kind"`
	Predictions []Prediction `json:"predictions"`
}

func (s *Service) model(name string) (*ml.Snapshot, error) {
	if snap, ok := s.models.Get(name); ok {
		return snap, nil
	}
	snap, err := db.LoadModel(name)
	if err != nil {
		return nil, err
	}
	s.models.Add(name, snap)
	return snap, nil
}

func (s *Service) handlePredict(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	var req PredictRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, fmt.Errorf("invalid request body: %w", err))
		return
	}
	if req.Model == "" {
		writeError(w, http.StatusBadRequest, errors.New("model is required"))
		return
	}
	if len(req.Documents) > 0 && len(req.Documents) != len(req.Vectors) {
		writeError(w, http.StatusBadRequest, fmt.Errorf("%d documents for %d vectors", len(req.Documents), len(req.Vectors)))
		return
	}

	snap, err := s.model(req.Model)
	if err != nil {
		writeError(w, statusFor(err), err)
		return
	}
	for i, v := range req.Vectors {
		if len(v) != snap.Dimension {
			writeError(w, http.StatusBadRequest, fmt.Errorf("vector %d has %d features, model expects %d: %w", i, len(v), snap.Dimension, ml.ErrDimensionMismatch))
			return
		}
	}

	dists, err := snap.Predict(r.Context(), req.Vectors)
	if err != nil {
		writeError(w, statusFor(err), err)
		return
	}

	resp := PredictResponse{Model: req.Model, Kind: snap.Kind, Predictions: make([]Prediction, len(dists))}
	for i, d := range dists {
		class := d.MostLikely()
		resp.Predictions[i] = Prediction{Class: class, Confidence: d.Prob(class), Probabilities: d}
	}

	if req.Store {
		stored := make([]db.Prediction, len(dists))
		for i, p := range resp.Predictions {
			stored[i] = db.Prediction{PredictedClass: p.Class, Confidence: p.Confidence}
			if len(req.Documents) > 0 {
				stored[i].QueryID = req.Documents[i].QueryID
				stored[i].DocumentID = req.Documents[i].DocumentID
			}
		}
		if err := db.SavePredictions(req.Model, stored); err != nil {
			writeError(w, http.StatusInternalServerError, err)
			return
		}
	}

	s.metrics.RecordPrediction(req.Model, len(req.Vectors), time.Since(start))
	respondJSON(w, http.StatusOK, resp)
}

func (s *Service) handleModels(w http.ResponseWriter, r *http.Request) {
	models, err := db.ListModels()
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	respondJSON(w, http.StatusOK, map[string]interface{}{"models": models})
}

// ModelDetail describes a stored model without its beliefs.
type ModelDetail struct {
	Name       string    `json:"name"`
	Kind       ml.Kind   `json:"kind"`
	NumClasses int       `json:"num_classes"`
	Dimension  int       `json:"dimension"`
	Noise      float64   `json:"noise"`
	Selection  []int     `json:"selection,omitempty"`
	TrainedAt  time.Time `json:"trained_at"`
}

func (s *Service) handleModel(w http.ResponseWriter, r *http.Request) {
	snap, err := s.model(r.PathValue("name"))
	if err != nil {
		writeError(w, statusFor(err), err)
		return
	}
	respondJSON(w, http.StatusOK, ModelDetail{
		Name:       snap.Name,
		Kind:       snap.Kind,
		NumClasses: snap.NumClasses,
		Dimension:  snap.Dimension,
		Noise:      snap.Noise,
		Selection:  snap.Selection,
		TrainedAt:  snap.TrainedAt,
	})
}

func (s *Service) handleTrainingLog(w http.ResponseWriter, r *http.Request) {
	logs, err := db.LoadTrainingLog(r.URL.Query().Get("model"))
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	respondJSON(w, http.StatusOK, map[string]interface{}{"logs": logs})
}

func (s *Service) handleMetrics(w http.ResponseWriter, r *http.Request) {
	if r.URL.Query().Get("format") == "json" {
		respondJSON(w, http.StatusOK, map[string]interface{}{
			"system":  s.collector.GetSystemStats(),
			"hub":     s.hub.Stats(),
			"metrics": s.collector.GetAllMetrics(),
		})
		return
	}
	w.Header().Set("Content-Type", "text/plain; version=0.0.4")
	w.Write([]byte(s.collector.ExportPrometheus()))
}

func (s *Service) handleAlerts(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, http.StatusOK, map[string]interface{}{
		"alerts": s.alerts.GetActiveAlerts(),
		"stats":  s.alerts.GetStats(),
	})
}

func (s *Service) handleResolveAlert(w http.ResponseWriter, r *http.Request) {
	if err := s.alerts.ResolveAlert(r.PathValue("id")); err != nil {
		writeError(w, statusFor(err), err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// statusFor maps errors to HTTP status codes.
func statusFor(err error) int {
	switch {
	case errors.Is(err, db.ErrModelNotFound), errors.Is(err, monitoring.ErrAlertNotFound):
		return http.StatusNotFound
	case errors.Is(err, context.DeadlineExceeded):
		return http.StatusGatewayTimeout
	case errors.Is(err, context.Canceled):
		return 499
	case errors.Is(err, ml.ErrNotConverged), errors.Is(err, ml.ErrNumeric):
		return http.StatusUnprocessableEntity
	case errors.Is(err, ErrPathOutsideRoot),
		errors.Is(err, os.ErrNotExist),
		errors.Is(err, ml.ErrInvalidConfig),
		errors.Is(err, ml.ErrDimensionMismatch),
		errors.Is(err, ml.ErrClassOutOfRange),
		errors.Is(err, ml.ErrEmptyBatch),
		errors.Is(err, pipeline.ErrFormat),
		errors.Is(err, pipeline.ErrClassOutOfRange),
		errors.Is(err, pipeline.ErrDuplicateSelection),
		errors.Is(err, pipeline.ErrSelectionOutOfRange):
		return http.StatusBadRequest
	default:
		return http.StatusInternalServerError
	}
}

// respondJSON 统一JSON响应
func respondJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

func writeError(w http.ResponseWriter, status int, err error) {
	respondJSON(w, status, map[string]string{"error": err.Error()})
}
