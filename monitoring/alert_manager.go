package monitoring

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"docquery/machine"
)

var ErrAlertNotFound = errors.New("alert not found")

// AlertLevel 告警级别
type AlertLevel string

const (
	Info    AlertLevel = "info"
	Warning AlertLevel = "warning"
	Error   AlertLevel = "error"
)

// AlertEvent is the hub message type carrying alerts.
const AlertEvent MessageType = "alert"

// Alert 告警结构
type Alert struct {
	ID         string     `json:"id"`
	Level      AlertLevel `json:"level"`
	Title      string     `json:"title"`
	Message    string     `json:"message"`
	Model      string     `json:"model,omitempty"`
	Value      float64    `json:"value,omitempty"`
	Threshold  float64    `json:"threshold,omitempty"`
	Source     string     `json:"source"`
	Timestamp  time.Time  `json:"timestamp"`
	Resolved   bool       `json:"resolved"`
	ResolvedAt *time.Time `json:"resolved_at,omitempty"`
}

// AlertRules 训练告警规则, 零值表示不检查
type AlertRules struct {
	// MaxIterations flags training steps whose sweeps exceed it.
	MaxIterations int           `yaml:"max_iterations"`
	MaxDuration   time.Duration `yaml:"max_duration"`
	// Cooldown suppresses repeats of the same alert for one model.
	Cooldown   time.Duration `yaml:"cooldown"`
	WebhookURL string        `yaml:"webhook_url"`
}

// AlertStats 告警统计
type AlertStats struct {
	TotalAlerts    int64                `json:"total_alerts"`
	ActiveAlerts   int64                `json:"active_alerts"`
	ResolvedAlerts int64                `json:"resolved_alerts"`
	Suppressed     int64                `json:"suppressed"`
	ByLevel        map[AlertLevel]int64 `json:"by_level"`
	LastAlert      time.Time            `json:"last_alert"`
}

// AlertSystem 告警系统
//
// It watches training events and reports alerts to the log, the hub and an
// optional webhook.
type AlertSystem struct {
	mu         sync.RWMutex
	rules      AlertRules
	alerts     map[string]*Alert
	lastSent   map[string]time.Time
	stats      AlertStats
	hub        *Hub
	logger     *zap.Logger
	httpClient *http.Client
	nextID     atomic.Uint64
	pending    sync.WaitGroup
	now        func() time.Time
}

// NewAlertSystem 创建告警系统; hub 和 logger 可以为空
func NewAlertSystem(rules AlertRules, hub *Hub, logger *zap.Logger) *AlertSystem {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &AlertSystem{
		rules:      rules,
		alerts:     make(map[string]*Alert),
		lastSent:   make(map[string]time.Time),
		stats:      AlertStats{ByLevel: make(map[AlertLevel]int64)},
		hub:        hub,
		logger:     logger.Named("alerts"),
		httpClient: &http.Client{Timeout: 10 * time.Second},
		now:        time.Now,
	}
}

// SetRules replaces the rules, e.g. after a config reload.
func (a *AlertSystem) SetRules(rules AlertRules) {
	a.mu.Lock()
	a.rules = rules
	a.mu.Unlock()
}

// TrainingStep checks one training event against the rules.
func (a *AlertSystem) TrainingStep(e machine.Event) {
	a.mu.RLock()
	rules := a.rules
	a.mu.RUnlock()

	if rules.MaxIterations > 0 && e.Stats.Iterations > rules.MaxIterations {
		a.SendAlert(&Alert{
			Level:     Warning,
			Title:     "slow convergence",
			Message:   fmt.Sprintf("chunk %d took %d sweeps", e.Chunk, e.Stats.Iterations),
			Model:     e.Model,
			Value:     float64(e.Stats.Iterations),
			Threshold: float64(rules.MaxIterations),
			Source:    "training",
		})
	}
	if rules.MaxDuration > 0 && e.Stats.Duration > rules.MaxDuration {
		a.SendAlert(&Alert{
			Level:     Warning,
			Title:     "slow training step",
			Message:   fmt.Sprintf("chunk %d took %s", e.Chunk, e.Stats.Duration),
			Model:     e.Model,
			Value:     e.Stats.Duration.Seconds(),
			Threshold: rules.MaxDuration.Seconds(),
			Source:    "training",
		})
	}
}

// TrainingFailed raises an error alert for a failed training request.
func (a *AlertSystem) TrainingFailed(model string, err error) {
	a.SendAlert(&Alert{
		Level:   Error,
		Title:   "training failed",
		Message: err.Error(),
		Model:   model,
		Source:  "training",
	})
}

// SendAlert 发送告警
//
// It returns false when the alert was suppressed by the cooldown.
func (a *AlertSystem) SendAlert(alert *Alert) bool {
	now := a.now()
	if alert.Timestamp.IsZero() {
		alert.Timestamp = now
	}
	key := alert.Title + "/" + alert.Model

	a.mu.Lock()
	if last, ok := a.lastSent[key]; ok && a.rules.Cooldown > 0 && now.Sub(last) < a.rules.Cooldown {
		a.stats.Suppressed++
		a.mu.Unlock()
		return false
	}
	a.lastSent[key] = now
	if alert.ID == "" {
		alert.ID = fmt.Sprintf("alert_%d", a.nextID.Add(1))
	}
	a.alerts[alert.ID] = alert
	a.stats.TotalAlerts++
	a.stats.ActiveAlerts++
	a.stats.ByLevel[alert.Level]++
	a.stats.LastAlert = alert.Timestamp
	webhook := a.rules.WebhookURL
	a.mu.Unlock()

	a.logger.Warn(alert.Title,
		zap.String("id", alert.ID),
		zap.String("level", string(alert.Level)),
		zap.String("model", alert.Model),
		zap.String("message", alert.Message))
	if a.hub != nil {
		if err := a.hub.Publish(AlertEvent, alert); err != nil {
			a.logger.Warn("publish alert", zap.Error(err))
		}
	}
	if webhook != "" {
		payload := *alert
		a.pending.Add(1)
		go func() {
			defer a.pending.Done()
			ctx, cancel := context.WithTimeout(context.Background(), a.httpClient.Timeout)
			defer cancel()
			if err := a.sendWebhookRequest(ctx, webhook, payload); err != nil {
				a.logger.Warn("webhook delivery failed", zap.String("id", payload.ID), zap.Error(err))
			}
		}()
	}
	return true
}

// sendWebhookRequest 发送Webhook请求
func (a *AlertSystem) sendWebhookRequest(ctx context.Context, url string, payload interface{}) error {
	data, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("failed to marshal payload: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(data))
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := a.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode/100 != 2 {
		return fmt.Errorf("unexpected status code: %d", resp.StatusCode)
	}
	return nil
}

// Wait blocks until pending webhook deliveries finish.
func (a *AlertSystem) Wait() {
	a.pending.Wait()
}

// GetAlert 获取告警
func (a *AlertSystem) GetAlert(id string) (Alert, bool) {
	a.mu.RLock()
	defer a.mu.RUnlock()
	alert, ok := a.alerts[id]
	if !ok {
		return Alert{}, false
	}
	return *alert, true
}

// GetActiveAlerts 获取未解决的告警, 按时间排序
func (a *AlertSystem) GetActiveAlerts() []Alert {
	a.mu.RLock()
	defer a.mu.RUnlock()

	active := make([]Alert, 0, len(a.alerts))
	for _, alert := range a.alerts {
		if !alert.Resolved {
			active = append(active, *alert)
		}
	}
	sort.Slice(active, func(i, j int) bool { return active[i].Timestamp.Before(active[j].Timestamp) })
	return active
}

// ResolveAlert 解决告警
func (a *AlertSystem) ResolveAlert(id string) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	alert, ok := a.alerts[id]
	if !ok {
		return fmt.Errorf("%s: %w", id, ErrAlertNotFound)
	}
	if alert.Resolved {
		return nil
	}
	now := a.now()
	alert.Resolved = true
	alert.ResolvedAt = &now
	a.stats.ActiveAlerts--
	a.stats.ResolvedAlerts++
	return nil
}

// GetStats 获取告警统计
func (a *AlertSystem) GetStats() AlertStats {
	a.mu.RLock()
	defer a.mu.RUnlock()

	stats := a.stats
	stats.ByLevel = make(map[AlertLevel]int64, len(a.stats.ByLevel))
	for k, v := range a.stats.ByLevel {
		stats.ByLevel[k] = v
	}
	return stats
}

var _ machine.Observer = (*AlertSystem)(nil)
