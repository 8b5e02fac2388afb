package http

import (
	"bytes"
	"encoding/json"
	"fmt"
	"math/rand"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"go.uber.org/zap"

	"docquery/db"
	"docquery/ml"
)

func TestMain(m *testing.M) {
	dir, err := os.MkdirTemp("", "docquery-http")
	if err != nil {
		panic(err)
	}
	if err := db.InitDB(filepath.Join(dir, "test.db")); err != nil {
		panic(err)
	}

	code := m.Run()

	db.Close()
	os.RemoveAll(dir)
	os.Exit(code)
}

// writeDataset writes a three-class file with a bias column under root.
func writeDataset(t *testing.T, root, name string, n int, seed int64) {
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
	if err := os.WriteFile(filepath.Join(root, name), []byte(b.String()), 0o600); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
}

func newTestHandler(t *testing.T, token string) (http.Handler, string) {
	t.Helper()
	root := t.TempDir()
	training := DefaultTrainingConfig()
	training.NumClasses = 3
	training.NumFeatures = 3
	training.ChunkSize = 20
	training.NumChunks = 5
	training.DatasetRoot = root

	svc, err := NewService(ServiceOptions{Training: training, ModelCacheSize: 2})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	config := DefaultServerConfig()
	config.APIToken = token
	return Handler(config, svc), root
}

func do(t *testing.T, h http.Handler, method, path string, body interface{}) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
	}
	req := httptest.NewRequest(method, path, &buf)
	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, req)
	return rr
}

func TestHealthHandler(t *testing.T) {
	req := httptest.NewRequest("GET", "/api/health", nil)
	rr := httptest.NewRecorder()
	http.HandlerFunc(handleHealth).ServeHTTP(rr, req)

	if rr.Code != http.StatusOK {
		t.Errorf("handler returned wrong status code: got %v want %v", rr.Code, http.StatusOK)
	}
	expected := `{"status":"ok"}`
	if strings.TrimSpace(rr.Body.String()) != expected {
		t.Errorf("handler returned unexpected body: got %v want %v", rr.Body.String(), expected)
	}
}

func TestTrainAndPredict(t *testing.T) {
	h, root := newTestHandler(t, "")
	writeDataset(t, root, "train.txt", 100, 1)
	writeDataset(t, root, "test.txt", 40, 2)

	for _, kind := range []string{"binary", "multiclass", "shared"} {
		t.Run(kind, func(t *testing.T) {
			name := "docs-" + kind
			rr := do(t, h, "POST", "/api/train", TrainRequest{
				Name:      name,
				Kind:      kind,
				TrainPath: "train.txt",
				TestPath:  "test.txt",
			})
			if rr.Code != http.StatusOK {
				t.Fatalf("train returned %d: %s", rr.Code, rr.Body.String())
			}
			var result TrainResult
			if err := json.NewDecoder(rr.Body).Decode(&result); err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if result.Accuracy == nil || *result.Accuracy < 0.8 {
				t.Fatalf("expected accuracy >= 0.8, got %+v", result.Accuracy)
			}
			if result.Stats.Vectors == 0 {
				t.Fatalf("expected trained vectors, got %+v", result.Stats)
			}

			rr = do(t, h, "POST", "/api/predict", PredictRequest{
				Model:     name,
				Vectors:   []ml.FeatureVector{{0.8, 0.5, 1}, {0.15, 0.5, 1}},
				Documents: []DocumentRef{{QueryID: "1", DocumentID: "a"}, {QueryID: "1", DocumentID: "b"}},
				Store:     true,
			})
			if rr.Code != http.StatusOK {
				t.Fatalf("predict returned %d: %s", rr.Code, rr.Body.String())
			}
			var resp PredictResponse
			if err := json.NewDecoder(rr.Body).Decode(&resp); err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if len(resp.Predictions) != 2 {
				t.Fatalf("expected 2 predictions, got %d", len(resp.Predictions))
			}
			if resp.Predictions[0].Class != 1 {
				t.Fatalf("expected relevant document to be class 1, got %+v", resp.Predictions[0])
			}
			if resp.Predictions[1].Class == 1 {
				t.Fatalf("expected irrelevant document not to be class 1, got %+v", resp.Predictions[1])
			}
			n, err := db.CountPredictions(name)
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if n != 2 {
				t.Fatalf("expected 2 stored predictions, got %d", n)
			}
		})
	}

	rr := do(t, h, "GET", "/api/models/docs-shared", nil)
	if rr.Code != http.StatusOK {
		t.Fatalf("model detail returned %d", rr.Code)
	}
	var detail ModelDetail
	if err := json.NewDecoder(rr.Body).Decode(&detail); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if detail.Kind != ml.KindShared || detail.Dimension != 3 {
		t.Fatalf("unexpected detail %+v", detail)
	}

	rr = do(t, h, "GET", "/api/training-log?model=docs-binary", nil)
	if rr.Code != http.StatusOK {
		t.Fatalf("training log returned %d", rr.Code)
	}
	var logs struct {
		Logs []db.TrainingLog `json:"logs"`
	}
	if err := json.NewDecoder(rr.Body).Decode(&logs); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(logs.Logs) != 1 || logs.Logs[0].Accuracy < 0.8 {
		t.Fatalf("unexpected training log %+v", logs.Logs)
	}

	rr = do(t, h, "GET", "/api/metrics", nil)
	if !strings.Contains(rr.Body.String(), "prediction_requests_total") {
		t.Fatalf("expected prediction metrics, got %s", rr.Body.String())
	}
}

func TestTrainErrors(t *testing.T) {
	h, root := newTestHandler(t, "")
	writeDataset(t, root, "train.txt", 20, 1)

	tests := []struct {
		name string
		req  TrainRequest
		want int
	}{
		{"missing name", TrainRequest{TrainPath: "train.txt"}, http.StatusBadRequest},
		{"unknown kind", TrainRequest{Name: "m", Kind: "forest", TrainPath: "train.txt"}, http.StatusBadRequest},
		{"outside root", TrainRequest{Name: "m", TrainPath: "../train.txt"}, http.StatusBadRequest},
		{"missing file", TrainRequest{Name: "m", TrainPath: "absent.txt"}, http.StatusBadRequest},
		{"duplicate selection", TrainRequest{Name: "m", TrainPath: "train.txt", Selection: "1:1"}, http.StatusBadRequest},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rr := do(t, h, "POST", "/api/train", tt.req)
			if rr.Code != tt.want {
				t.Fatalf("expected %d, got %d: %s", tt.want, rr.Code, rr.Body.String())
			}
		})
	}
}

func TestPredictErrors(t *testing.T) {
	h, root := newTestHandler(t, "")
	writeDataset(t, root, "train.txt", 40, 1)
	if rr := do(t, h, "POST", "/api/train", TrainRequest{Name: "dims", TrainPath: "train.txt"}); rr.Code != http.StatusOK {
		t.Fatalf("train returned %d: %s", rr.Code, rr.Body.String())
	}

	tests := []struct {
		name string
		req  PredictRequest
		want int
	}{
		{"unknown model", PredictRequest{Model: "nope", Vectors: []ml.FeatureVector{{1, 2, 3}}}, http.StatusNotFound},
		{"missing model", PredictRequest{Vectors: []ml.FeatureVector{{1, 2, 3}}}, http.StatusBadRequest},
		{"wrong dimension", PredictRequest{Model: "dims", Vectors: []ml.FeatureVector{{1, 2}}}, http.StatusBadRequest},
		{"document count", PredictRequest{Model: "dims", Vectors: []ml.FeatureVector{{1, 2, 3}}, Documents: []DocumentRef{{}, {}}}, http.StatusBadRequest},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rr := do(t, h, "POST", "/api/predict", tt.req)
			if rr.Code != tt.want {
				t.Fatalf("expected %d, got %d: %s", tt.want, rr.Code, rr.Body.String())
			}
			var body map[string]string
			if err := json.NewDecoder(rr.Body).Decode(&body); err != nil || body["error"] == "" {
				t.Fatalf("expected error body, got %v", err)
			}
		})
	}
}

func TestAuthMiddleware(t *testing.T) {
	h, _ := newTestHandler(t, "secret")

	if rr := do(t, h, "GET", "/api/health", nil); rr.Code != http.StatusOK {
		t.Fatalf("expected public health check, got %d", rr.Code)
	}
	if rr := do(t, h, "GET", "/api/models", nil); rr.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401 without token, got %d", rr.Code)
	}

	req := httptest.NewRequest("GET", "/api/models", nil)
	req.Header.Set("Authorization", "Bearer secret")
	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, req)
	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200 with token, got %d", rr.Code)
	}
	if rr.Header().Get("X-Request-ID") == "" {
		t.Fatalf("expected request id header")
	}
	if rr.Header().Get("X-Content-Type-Options") != "nosniff" {
		t.Fatalf("expected security headers")
	}
}

func TestRecoveryMiddleware(t *testing.T) {
	h := RecoveryMiddleware(zap.NewNop())(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		panic("boom")
	}))
	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, httptest.NewRequest("GET", "/", nil))
	if rr.Code != http.StatusInternalServerError {
		t.Fatalf("expected 500, got %d", rr.Code)
	}
}

func TestCORSPreflight(t *testing.T) {
	h := CORSMiddleware([]string{"http://example.com"})(http.NotFoundHandler())
	req := httptest.NewRequest("OPTIONS", "/api/train", nil)
	req.Header.Set("Origin", "http://example.com")
	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, req)
	if rr.Code != http.StatusNoContent {
		t.Fatalf("expected 204, got %d", rr.Code)
	}
	if rr.Header().Get("Access-Control-Allow-Origin") != "http://example.com" {
		t.Fatalf("expected allowed origin header")
	}
}

func TestResolvePath(t *testing.T) {
	root := t.TempDir()
	tests := []struct {
		name    string
		path    string
		wantErr bool
	}{
		{"relative", "data/train.txt", false},
		{"inside absolute", filepath.Join(root, "train.txt"), false},
		{"parent", "../train.txt", true},
		{"escaping", "data/../../train.txt", true},
		{"empty", "", true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := resolvePath(root, tt.path)
			if (err != nil) != tt.wantErr {
				t.Fatalf("resolvePath(%q) error = %v, wantErr %v", tt.path, err, tt.wantErr)
			}
		})
	}
}

func TestAlertsEndpoints(t *testing.T) {
	h, _ := newTestHandler(t, "")

	rr := do(t, h, "GET", "/api/alerts", nil)
	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rr.Code)
	}
	var body struct {
		Alerts []json.RawMessage `json:"alerts"`
	}
	if err := json.NewDecoder(rr.Body).Decode(&body); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(body.Alerts) != 0 {
		t.Fatalf("expected no alerts, got %d", len(body.Alerts))
	}

	if rr := do(t, h, "POST", "/api/alerts/alert_99/resolve", nil); rr.Code != http.StatusNotFound {
		t.Fatalf("expected 404 for unknown alert, got %d", rr.Code)
	}
}
