package domain

import (
	"log/slog"
	"slices"
	"time"
)

type ChannelStatus string

const (
	ChannelStatusActive   ChannelStatus = "active"
	ChannelStatusInactive ChannelStatus = "inactive"
	ChannelStatusDisabled ChannelStatus = "disabled"
)

func (s ChannelStatus) Valid() bool {
	switch s {
	case ChannelStatusActive, ChannelStatusInactive, ChannelStatusDisabled:
		return true
	}
	return false
}

// Channel is a tenant's binding to one upstream provider endpoint.
type Channel struct {
	ID                   string        `json:"id" yaml:"id"`
	TenantID             string        `json:"tenant_id" yaml:"tenant_id"`
	ProviderID           string        `json:"provider_id" yaml:"provider_id"`
	Name                 string        `json:"name,omitempty" yaml:"name"`
	BaseURL              string        `json:"base_url,omitempty" yaml:"base_url"`
	Credentials          string        `json:"-" yaml:"credentials"`
	Models               []string      `json:"models" yaml:"models"`
	Status               ChannelStatus `json:"status" yaml:"status"`
	Priority             int           `json:"priority" yaml:"priority"`
	Weight               int           `json:"weight" yaml:"weight"`
	MaxRequestsPerMinute int           `json:"max_requests_per_minute" yaml:"max_requests_per_minute"`
	CreatedAt            time.Time     `json:"created_at" yaml:"-"`
	UpdatedAt            time.Time     `json:"updated_at" yaml:"-"`
}

func (c *Channel) IsActive() bool {
	return c.Status == ChannelStatusActive
}

func (c *Channel) Serves(model string) bool {
	return slices.Contains(c.Models, model)
}

// EffectiveWeight treats non-positive weights as 1.
func (c *Channel) EffectiveWeight() int {
	if c.Weight <= 0 {
		return 1
	}
	return c.Weight
}

func (c *Channel) Clone() *Channel {
	cp := *c
	cp.Models = slices.Clone(c.Models)
	return &cp
}

// LogValue keeps credentials out of structured logs.
func (c *Channel) LogValue() slog.Value {
	return slog.GroupValue(
		slog.String("id", c.ID),
		slog.String("tenant_id", c.TenantID),
		slog.String("provider", c.ProviderID),
		slog.Int("priority", c.Priority),
	)
}

type HealthStatus string

const (
	HealthUnknown   HealthStatus = "unknown"
	HealthHealthy   HealthStatus = "healthy"
	HealthDegraded  HealthStatus = "degraded"
	HealthUnhealthy HealthStatus = "unhealthy"
)

// Gauge maps a health status to the value exported on /metrics.
func (h HealthStatus) Gauge() float64 {
	switch h {
	case HealthHealthy:
		return 1
	case HealthDegraded:
		return 2
	case HealthUnhealthy:
		return 3
	default:
		return 0
	}
}

type ChannelMetrics struct {
	ChannelID         string       `json:"channel_id"`
	RequestCount      int64        `json:"request_count"`
	ErrorCount        int64        `json:"error_count"`
	SuccessRate       float64      `json:"success_rate"`
	AvgResponseTimeMs float64      `json:"avg_response_time_ms"`
	TokensUsed        int64        `json:"tokens_used"`
	LastUsedAt        *time.Time   `json:"last_used_at,omitempty"`
	LastSuccessAt     *time.Time   `json:"last_success_at,omitempty"`
	LastErrorAt       *time.Time   `json:"last_error_at,omitempty"`
	HealthStatus      HealthStatus `json:"health_status"`
	LastHealthCheckAt *time.Time   `json:"last_health_check_at,omitempty"`
	WindowRequests    int64        `json:"window_requests"`
	WindowErrors      int64        `json:"window_errors"`
}

// ChannelStatusView is the read-only operational view of one channel.
type ChannelStatusView struct {
	Channel *Channel       `json:"channel"`
	Metrics ChannelMetrics `json:"metrics"`
}

type QuotaType string

const (
	QuotaDailyRequests   QuotaType = "daily_requests"
	QuotaDailyTokens     QuotaType = "daily_tokens"
	QuotaMonthlyRequests QuotaType = "monthly_requests"
	QuotaMonthlyTokens   QuotaType = "monthly_tokens"
)

var AllQuotaTypes = []QuotaType{
	QuotaDailyRequests,
	QuotaDailyTokens,
	QuotaMonthlyRequests,
	QuotaMonthlyTokens,
}

func (q QuotaType) Valid() bool {
	return slices.Contains(AllQuotaTypes, q)
}

func (q QuotaType) IsMonthly() bool {
	return q == QuotaMonthlyRequests || q == QuotaMonthlyTokens
}

// NextReset returns the first reset boundary strictly after now: the next
// midnight UTC for daily types, the first of the next month UTC for monthly.
func (q QuotaType) NextReset(now time.Time) time.Time {
	now = now.UTC()
	if q.IsMonthly() {
		return time.Date(now.Year(), now.Month()+1, 1, 0, 0, 0, 0, time.UTC)
	}
	return time.Date(now.Year(), now.Month(), now.Day()+1, 0, 0, 0, 0, time.UTC)
}

type TenantQuota struct {
	TenantID   string    `json:"tenant_id"`
	QuotaType  QuotaType `json:"quota_type"`
	QuotaLimit int64     `json:"quota_limit"`
	UsedAmount int64     `json:"used_amount"`
	ResetAt    time.Time `json:"reset_at"`
	IsActive   bool      `json:"is_active"`
}

func (q *TenantQuota) Remaining() int64 {
	if r := q.QuotaLimit - q.UsedAmount; r > 0 {
		return r
	}
	return 0
}

type QuotaDecision struct {
	Allowed   bool      `json:"allowed"`
	Remaining int64     `json:"remaining"`
	ResetAt   time.Time `json:"reset_at"`
}

type ChatRequest struct {
	Model       string    `json:"model"`
	Messages    []Message `json:"messages"`
	Temperature *float64  `json:"temperature,omitempty"`
	MaxTokens   *int      `json:"max_tokens,omitempty"`
	Stream      bool      `json:"stream,omitempty"`
	TopP        *float64  `json:"top_p,omitempty"`
	Stop        []string  `json:"stop,omitempty"`
	User        string    `json:"user,omitempty"`
}

type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type ChatResponse struct {
	ID      string   `json:"id"`
	Object  string   `json:"object"`
	Created int64    `json:"created"`
	Model   string   `json:"model"`
	Choices []Choice `json:"choices"`
	Usage   Usage    `json:"usage"`
	Gateway *Gateway `json:"x_gateway,omitempty"`
}

type Choice struct {
	Index        int      `json:"index"`
	Message      *Message `json:"message,omitempty"`
	Delta        *Delta   `json:"delta,omitempty"`
	FinishReason string   `json:"finish_reason,omitempty"`
}

type Delta struct {
	Role    string `json:"role,omitempty"`
	Content string `json:"content,omitempty"`
}

type Usage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
	TotalTokens      int `json:"total_tokens"`
}

// Normalize fills TotalTokens when a provider omitted it.
func (u Usage) Normalize() Usage {
	if u.TotalTokens == 0 {
		u.TotalTokens = u.PromptTokens + u.CompletionTokens
	}
	return u
}

type Gateway struct {
	ChannelID string `json:"channel_id"`
	Provider  string `json:"provider"`
	LatencyMs int64  `json:"latency_ms"`
	Attempts  int    `json:"attempts"`
	RequestID string `json:"request_id,omitempty"`
	TraceID   string `json:"trace_id,omitempty"`
}

type StreamChunk struct {
	ID      string       `json:"id,omitempty"`
	Object  string       `json:"object,omitempty"`
	Created int64        `json:"created,omitempty"`
	Model   string       `json:"model,omitempty"`
	Choices []Choice     `json:"choices,omitempty"`
	Usage   *Usage       `json:"usage,omitempty"`
	Error   *ErrorDetail `json:"error,omitempty"`
}

// Content concatenates the delta text of every choice.
func (c *StreamChunk) Content() string {
	var s string
	for _, ch := range c.Choices {
		if ch.Delta != nil {
			s += ch.Delta.Content
		}
	}
	return s
}

// ErrorDetail is the {message, type, code} payload used for error bodies and
// in-band stream error events.
type ErrorDetail struct {
	Message string `json:"message"`
	Type    string `json:"type"`
	Code    int    `json:"code"`
}

type Model struct {
	ID      string `json:"id"`
	Object  string `json:"object"`
	OwnedBy string `json:"owned_by"`
}

type ModelsResponse struct {
	Object string  `json:"object"`
	Data   []Model `json:"data"`
}
