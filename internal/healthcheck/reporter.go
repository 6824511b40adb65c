package healthcheck

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/felipepmaragno/channel-gateway/internal/channelmetrics"
	"github.com/felipepmaragno/channel-gateway/internal/domain"
	"github.com/felipepmaragno/channel-gateway/internal/metrics"
	"github.com/felipepmaragno/channel-gateway/internal/notifications"
)

// Reporter publishes health transitions from probes and live traffic alike.
type Reporter struct {
	notifier notifications.Notifier
	logger   *slog.Logger
}

func NewReporter(notifier notifications.Notifier, logger *slog.Logger) *Reporter {
	if logger == nil {
		logger = slog.Default()
	}
	return &Reporter{notifier: notifier, logger: logger}
}

func (r *Reporter) Report(ctx context.Context, ch *domain.Channel, t channelmetrics.Transition) {
	metrics.SetChannelHealth(ch.ID, t.To.Gauge())

	if !t.Changed() {
		return
	}

	r.logger.Info("channel health changed",
		"channel_id", ch.ID,
		"tenant_id", ch.TenantID,
		"provider", ch.ProviderID,
		"from", t.From,
		"to", t.To,
	)

	var kind notifications.NotificationType
	switch {
	case t.To == domain.HealthUnhealthy:
		kind = notifications.NotificationChannelDown
	case t.From == domain.HealthUnhealthy:
		kind = notifications.NotificationChannelUp
	default:
		return
	}

	if r.notifier == nil {
		return
	}

	err := r.notifier.Send(ctx, notifications.Notification{
		Type:      kind,
		TenantID:  ch.TenantID,
		ChannelID: ch.ID,
		Message:   fmt.Sprintf("Channel %s (%s) is now %s", ch.ID, ch.ProviderID, t.To),
		Data: map[string]any{
			"from":     string(t.From),
			"to":       string(t.To),
			"provider": ch.ProviderID,
		},
		Timestamp: time.Now(),
	})
	if err != nil {
		r.logger.Error("send health notification", "channel_id", ch.ID, "error", err)
	}
}
