package monitoring

import (
	"context"
	"encoding/json"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"docquery/machine"
	"docquery/ml"
)

func dialHub(t *testing.T, h *Hub) *websocket.Conn {
	t.Helper()
	srv := httptest.NewServer(h)
	t.Cleanup(srv.Close)
	url := "ws" + strings.TrimPrefix(srv.URL, "http")
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	return conn
}

func waitForClients(t *testing.T, h *Hub, n int) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for h.Stats().ConnectedClients != n {
		if time.Now().After(deadline) {
			t.Fatalf("expected %d clients, got %d", n, h.Stats().ConnectedClients)
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestHubBroadcastsTrainingEvents(t *testing.T) {
	h := NewHub(nil)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go h.Run(ctx)

	conn := dialHub(t, h)
	waitForClients(t, h, 1)

	h.TrainingStep(machine.Event{Model: "docs", Kind: ml.KindMultiClass, Stats: ml.Stats{Vectors: 7}})

	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	var msg Message
	if err := conn.ReadJSON(&msg); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if msg.Type != TrainingEvent {
		t.Fatalf("expected training message, got %s", msg.Type)
	}
	var e machine.Event
	if err := json.Unmarshal(msg.Data, &e); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if e.Model != "docs" || e.Stats.Vectors != 7 {
		t.Fatalf("unexpected event %+v", e)
	}
}

func TestHubSubscriptionsFilter(t *testing.T) {
	h := NewHub(nil)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go h.Run(ctx)

	conn := dialHub(t, h)
	waitForClients(t, h, 1)
	if err := conn.WriteJSON(ClientMessage{Type: "subscribe", Topic: string(SystemStatus)}); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	// Give the read pump time to apply the subscription.
	time.Sleep(50 * time.Millisecond)

	h.TrainingStep(machine.Event{Model: "skipped"})
	if err := h.Publish(SystemStatus, map[string]string{"status": "reloaded"}); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	var msg Message
	if err := conn.ReadJSON(&msg); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if msg.Type != SystemStatus {
		t.Fatalf("expected only system status messages, got %s", msg.Type)
	}
}

func TestHubStopClosesClients(t *testing.T) {
	h := NewHub(nil)
	ctx, cancel := context.WithCancel(context.Background())
	go h.Run(ctx)

	conn := dialHub(t, h)
	waitForClients(t, h, 1)
	cancel()

	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	if _, _, err := conn.ReadMessage(); err == nil {
		t.Fatalf("expected connection to be closed")
	}
}
