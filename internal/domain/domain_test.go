package domain

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"
)

func TestQuotaType_NextReset(t *testing.T) {
	tests := []struct {
		name      string
		quotaType QuotaType
		now       time.Time
		want      time.Time
	}{
		{
			name:      "daily mid-day",
			quotaType: QuotaDailyRequests,
			now:       time.Date(2026, 3, 14, 15, 30, 0, 0, time.UTC),
			want:      time.Date(2026, 3, 15, 0, 0, 0, 0, time.UTC),
		},
		{
			name:      "daily exactly at midnight",
			quotaType: QuotaDailyTokens,
			now:       time.Date(2026, 3, 14, 0, 0, 0, 0, time.UTC),
			want:      time.Date(2026, 3, 15, 0, 0, 0, 0, time.UTC),
		},
		{
			name:      "daily end of month",
			quotaType: QuotaDailyTokens,
			now:       time.Date(2026, 1, 31, 23, 59, 59, 0, time.UTC),
			want:      time.Date(2026, 2, 1, 0, 0, 0, 0, time.UTC),
		},
		{
			name:      "daily non-UTC input",
			quotaType: QuotaDailyRequests,
			now:       time.Date(2026, 3, 14, 23, 0, 0, 0, time.FixedZone("UTC-3", -3*3600)),
			want:      time.Date(2026, 3, 16, 0, 0, 0, 0, time.UTC),
		},
		{
			name:      "monthly mid-month",
			quotaType: QuotaMonthlyRequests,
			now:       time.Date(2026, 3, 14, 15, 30, 0, 0, time.UTC),
			want:      time.Date(2026, 4, 1, 0, 0, 0, 0, time.UTC),
		},
		{
			name:      "monthly december rolls year",
			quotaType: QuotaMonthlyTokens,
			now:       time.Date(2026, 12, 31, 12, 0, 0, 0, time.UTC),
			want:      time.Date(2027, 1, 1, 0, 0, 0, 0, time.UTC),
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := tt.quotaType.NextReset(tt.now)
			if !got.Equal(tt.want) {
				t.Errorf("NextReset(%v) = %v, want %v", tt.now, got, tt.want)
			}
		})
	}
}

func TestIsRetryable(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want bool
	}{
		{"upstream", &UpstreamError{StatusCode: 500}, true},
		{"wrapped upstream", fmt.Errorf("send: %w", &UpstreamError{StatusCode: 503}), true},
		{"timeout", &TimeoutError{Op: "read", Err: context.DeadlineExceeded}, true},
		{"connection", &ConnectionError{Op: "dial", Err: errors.New("refused")}, true},
		{"canceled", context.Canceled, false},
		{"stream", &StreamError{ChannelID: "a", Err: errors.New("eof")}, false},
		{"quota", &QuotaExceededError{QuotaType: QuotaDailyRequests}, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := IsRetryable(tt.err); got != tt.want {
				t.Errorf("IsRetryable() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestTypedErrorsMatchSentinels(t *testing.T) {
	if !errors.Is(&QuotaExceededError{QuotaType: QuotaDailyTokens}, ErrQuotaExceeded) {
		t.Error("QuotaExceededError should match ErrQuotaExceeded")
	}

	last := &UpstreamError{StatusCode: 502}
	all := &AllChannelsFailedError{Attempts: 2, Last: last}
	if !errors.Is(all, ErrAllChannelsFailed) {
		t.Error("AllChannelsFailedError should match ErrAllChannelsFailed")
	}
	var upstream *UpstreamError
	if !errors.As(all, &upstream) || upstream.StatusCode != 502 {
		t.Error("AllChannelsFailedError should expose the last upstream error")
	}

	streamErr := &StreamError{ChannelID: "c1", Err: &ConnectionError{Op: "read", Err: errors.New("reset")}}
	if !errors.Is(streamErr, ErrStreamFailed) {
		t.Error("StreamError should match ErrStreamFailed")
	}
	if ErrorKind(streamErr) != "connection" {
		t.Errorf("ErrorKind = %s, want connection", ErrorKind(streamErr))
	}
}

func TestUsage_Normalize(t *testing.T) {
	u := Usage{PromptTokens: 12, CompletionTokens: 30}.Normalize()
	if u.TotalTokens != 42 {
		t.Errorf("TotalTokens = %d, want 42", u.TotalTokens)
	}

	u = Usage{PromptTokens: 1, CompletionTokens: 1, TotalTokens: 5}.Normalize()
	if u.TotalTokens != 5 {
		t.Errorf("TotalTokens = %d, want reported total 5", u.TotalTokens)
	}
}

func TestChannel_Helpers(t *testing.T) {
	ch := &Channel{ID: "c1", Models: []string{"gpt-x"}, Status: ChannelStatusActive}

	if !ch.Serves("gpt-x") || ch.Serves("other") {
		t.Error("Serves returned unexpected result")
	}
	if ch.EffectiveWeight() != 1 {
		t.Errorf("EffectiveWeight = %d, want 1", ch.EffectiveWeight())
	}

	clone := ch.Clone()
	clone.Models[0] = "changed"
	if ch.Models[0] != "gpt-x" {
		t.Error("Clone should not share the models slice")
	}
}
