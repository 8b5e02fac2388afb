package monitoring

import (
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"docquery/machine"
	"docquery/ml"
)

func TestAlertRules(t *testing.T) {
	tests := []struct {
		name  string
		rules AlertRules
		stats ml.Stats
		want  int
	}{
		{"no rules", AlertRules{}, ml.Stats{Iterations: 500, Duration: time.Hour}, 0},
		{"within limits", AlertRules{MaxIterations: 50, MaxDuration: time.Minute}, ml.Stats{Iterations: 10, Duration: time.Second}, 0},
		{"iterations", AlertRules{MaxIterations: 50}, ml.Stats{Iterations: 51}, 1},
		{"both", AlertRules{MaxIterations: 50, MaxDuration: time.Second}, ml.Stats{Iterations: 51, Duration: 2 * time.Second}, 2},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			a := NewAlertSystem(tt.rules, nil, nil)
			a.TrainingStep(machine.Event{Model: "docs", Stats: tt.stats})
			if got := len(a.GetActiveAlerts()); got != tt.want {
				t.Fatalf("expected %d alerts, got %d", tt.want, got)
			}
		})
	}
}

func TestAlertCooldownAndResolve(t *testing.T) {
	a := NewAlertSystem(AlertRules{Cooldown: time.Minute}, nil, nil)
	now := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	a.now = func() time.Time { return now }

	if !a.SendAlert(&Alert{Title: "training failed", Model: "docs"}) {
		t.Fatalf("expected first alert to be sent")
	}
	if a.SendAlert(&Alert{Title: "training failed", Model: "docs"}) {
		t.Fatalf("expected repeat within cooldown to be suppressed")
	}
	if !a.SendAlert(&Alert{Title: "training failed", Model: "other"}) {
		t.Fatalf("expected alert for another model to be sent")
	}
	now = now.Add(2 * time.Minute)
	if !a.SendAlert(&Alert{Title: "training failed", Model: "docs"}) {
		t.Fatalf("expected alert after cooldown to be sent")
	}

	active := a.GetActiveAlerts()
	if len(active) != 3 {
		t.Fatalf("expected 3 active alerts, got %d", len(active))
	}
	if err := a.ResolveAlert(active[0].ID); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if err := a.ResolveAlert("missing"); !errors.Is(err, ErrAlertNotFound) {
		t.Fatalf("expected ErrAlertNotFound, got %v", err)
	}
	resolved, ok := a.GetAlert(active[0].ID)
	if !ok || !resolved.Resolved || resolved.ResolvedAt == nil {
		t.Fatalf("expected resolved alert, got %+v", resolved)
	}

	stats := a.GetStats()
	if stats.TotalAlerts != 3 || stats.ActiveAlerts != 2 || stats.ResolvedAlerts != 1 || stats.Suppressed != 1 {
		t.Fatalf("unexpected stats %+v", stats)
	}
}

func TestAlertWebhook(t *testing.T) {
	var mu sync.Mutex
	var received []Alert
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var alert Alert
		if err := json.NewDecoder(r.Body).Decode(&alert); err == nil {
			mu.Lock()
			received = append(received, alert)
			mu.Unlock()
		}
		w.WriteHeader(http.StatusNoContent)
	}))
	defer srv.Close()

	a := NewAlertSystem(AlertRules{WebhookURL: srv.URL}, nil, nil)
	a.TrainingFailed("docs", errors.New("solver did not converge"))
	a.Wait()

	mu.Lock()
	defer mu.Unlock()
	if len(received) != 1 || received[0].Model != "docs" || received[0].Level != Error {
		t.Fatalf("unexpected webhook payloads %+v", received)
	}
}
