// Package quotaalert raises one alert per threshold crossing of a tenant
// quota within a reset period.
package quotaalert

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/felipepmaragno/channel-gateway/internal/domain"
	"github.com/felipepmaragno/channel-gateway/internal/notifications"
	"github.com/felipepmaragno/channel-gateway/internal/quota"
)

type AlertLevel string

const (
	AlertLevelWarning  AlertLevel = "warning"
	AlertLevelCritical AlertLevel = "critical"
	AlertLevelExceeded AlertLevel = "exceeded"
)

type Alert struct {
	TenantID   string
	QuotaType  domain.QuotaType
	Level      AlertLevel
	Limit      int64
	Used       int64
	Percentage float64
	ResetAt    time.Time
	Timestamp  time.Time
}

type AlertHandler func(ctx context.Context, alert Alert)

type Thresholds struct {
	Warning  float64
	Critical float64
}

func DefaultThresholds() Thresholds {
	return Thresholds{
		Warning:  0.8,
		Critical: 0.95,
	}
}

type Monitor struct {
	mu         sync.RWMutex
	ledger     quota.Ledger
	dedup      AlertDeduplicator
	thresholds Thresholds
	handlers   []AlertHandler
}

func NewMonitor(ledger quota.Ledger, dedup AlertDeduplicator, thresholds Thresholds) *Monitor {
	if dedup == nil {
		dedup = NewInMemoryDeduplicator()
	}
	return &Monitor{
		ledger:     ledger,
		dedup:      dedup,
		thresholds: thresholds,
	}
}

func (m *Monitor) OnAlert(handler AlertHandler) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.handlers = append(m.handlers, handler)
}

// Check reads the current quota row and evaluates it.
func (m *Monitor) Check(ctx context.Context, tenantID string, quotaType domain.QuotaType) (*Alert, error) {
	q, err := m.ledger.Get(ctx, tenantID, quotaType)
	if err != nil {
		return nil, err
	}
	return m.Evaluate(ctx, q), nil
}

// Evaluate dispatches an alert when q crossed a threshold that was not yet
// reported in the current period.
func (m *Monitor) Evaluate(ctx context.Context, q *domain.TenantQuota) *Alert {
	key := periodKey(q)
	ratio := quota.UsageRatio(q)

	var level AlertLevel
	switch {
	case !q.IsActive || q.QuotaLimit <= 0:
		return nil
	case ratio >= 1.0:
		level = AlertLevelExceeded
	case ratio >= m.thresholds.Critical:
		level = AlertLevelCritical
	case ratio >= m.thresholds.Warning:
		level = AlertLevelWarning
	default:
		m.dedup.ClearAlert(ctx, key)
		return nil
	}

	if !m.dedup.ShouldAlert(ctx, key, level) {
		return nil
	}

	alert := &Alert{
		TenantID:   q.TenantID,
		QuotaType:  q.QuotaType,
		Level:      level,
		Limit:      q.QuotaLimit,
		Used:       q.UsedAmount,
		Percentage: ratio * 100,
		ResetAt:    q.ResetAt,
		Timestamp:  time.Now().UTC(),
	}

	m.mu.RLock()
	handlers := make([]AlertHandler, len(m.handlers))
	copy(handlers, m.handlers)
	m.mu.RUnlock()

	for _, handler := range handlers {
		handler(ctx, *alert)
	}

	return alert
}

func periodKey(q *domain.TenantQuota) string {
	return fmt.Sprintf("%s:%s:%d", q.TenantID, q.QuotaType, q.ResetAt.Unix())
}

func LogAlertHandler(ctx context.Context, alert Alert) {
	slog.Warn("quota alert",
		"tenant_id", alert.TenantID,
		"quota_type", alert.QuotaType,
		"level", alert.Level,
		"limit", alert.Limit,
		"used", alert.Used,
		"percentage", alert.Percentage,
	)
}

// NotifierHandler forwards alerts to a notifier. Failures are logged.
func NotifierHandler(n notifications.Notifier) AlertHandler {
	return func(ctx context.Context, alert Alert) {
		nt := notifications.NotificationQuotaWarning
		switch alert.Level {
		case AlertLevelCritical:
			nt = notifications.NotificationQuotaCritical
		case AlertLevelExceeded:
			nt = notifications.NotificationQuotaExceeded
		}

		err := n.Send(ctx, notifications.Notification{
			Type:     nt,
			TenantID: alert.TenantID,
			Message:  fmt.Sprintf("%s quota at %.1f%%", alert.QuotaType, alert.Percentage),
			Data: map[string]any{
				"quota_type": string(alert.QuotaType),
				"limit":      alert.Limit,
				"used":       alert.Used,
				"reset_at":   alert.ResetAt,
			},
			Timestamp: alert.Timestamp,
		})
		if err != nil {
			slog.Error("failed to send quota alert", "error", err, "tenant_id", alert.TenantID)
		}
	}
}
