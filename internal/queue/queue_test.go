package queue

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/aws/aws-sdk-go-v2/service/sqs"
	"github.com/goccy/go-json"
)

type mockSQS struct {
	SendMessageFunc func(ctx context.Context, in *sqs.SendMessageInput) (*sqs.SendMessageOutput, error)
}

func (m *mockSQS) SendMessage(ctx context.Context, in *sqs.SendMessageInput, _ ...func(*sqs.Options)) (*sqs.SendMessageOutput, error) {
	return m.SendMessageFunc(ctx, in)
}

func sampleEvent() UsageEvent {
	return UsageEvent{
		ID:               "ev-1",
		RequestID:        "req-1",
		TenantID:         "t1",
		ChannelID:        "ch-1",
		Provider:         "openai",
		Model:            "gpt-4o",
		Status:           "success",
		PromptTokens:     10,
		CompletionTokens: 5,
		TotalTokens:      15,
		LatencyMs:        120,
		Attempts:         1,
		CreatedAt:        time.Date(2026, 3, 10, 12, 0, 0, 0, time.UTC),
	}
}

func TestSQSPublisher_Publish(t *testing.T) {
	var got *sqs.SendMessageInput
	p := &SQSPublisher{
		client: &mockSQS{SendMessageFunc: func(ctx context.Context, in *sqs.SendMessageInput) (*sqs.SendMessageOutput, error) {
			got = in
			return &sqs.SendMessageOutput{}, nil
		}},
		queueURL: "https://sqs.us-east-1.amazonaws.com/123/usage",
	}

	if err := p.Publish(context.Background(), sampleEvent()); err != nil {
		t.Fatalf("Publish() error = %v", err)
	}

	if *got.QueueUrl != "https://sqs.us-east-1.amazonaws.com/123/usage" {
		t.Errorf("QueueUrl = %q", *got.QueueUrl)
	}
	if v := got.MessageAttributes["ChannelID"].StringValue; v == nil || *v != "ch-1" {
		t.Errorf("ChannelID attribute = %v", v)
	}

	var decoded UsageEvent
	if err := json.Unmarshal([]byte(*got.MessageBody), &decoded); err != nil {
		t.Fatalf("body is not JSON: %v", err)
	}
	if decoded.TotalTokens != 15 || decoded.TenantID != "t1" {
		t.Errorf("decoded = %+v", decoded)
	}
}

func TestSQSPublisher_Error(t *testing.T) {
	p := &SQSPublisher{
		client: &mockSQS{SendMessageFunc: func(ctx context.Context, in *sqs.SendMessageInput) (*sqs.SendMessageOutput, error) {
			return nil, errors.New("throttled")
		}},
	}
	if err := p.Publish(context.Background(), sampleEvent()); err == nil {
		t.Error("expected error")
	}
}

func TestAsyncPublisher_FlushesOnClose(t *testing.T) {
	inner := NewInMemoryPublisher()
	p := NewAsyncPublisher(inner, 16, slog.New(slog.NewTextHandler(io.Discard, nil)))

	for i := 0; i < 10; i++ {
		_ = p.Publish(context.Background(), sampleEvent())
	}
	p.Close()
	p.Close()

	if n := len(inner.Events()); n != 10 {
		t.Errorf("events = %d, want 10", n)
	}
}

type blockingPublisher struct {
	release chan struct{}
	*InMemoryPublisher
}

func (b *blockingPublisher) Publish(ctx context.Context, ev UsageEvent) error {
	<-b.release
	return b.InMemoryPublisher.Publish(ctx, ev)
}

func TestAsyncPublisher_DropsWhenFull(t *testing.T) {
	inner := &blockingPublisher{release: make(chan struct{}), InMemoryPublisher: NewInMemoryPublisher()}
	p := NewAsyncPublisher(inner, 1, slog.New(slog.NewTextHandler(io.Discard, nil)))

	done := make(chan struct{})
	go func() {
		for i := 0; i < 5; i++ {
			_ = p.Publish(context.Background(), sampleEvent())
		}
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Publish blocked on a full buffer")
	}

	close(inner.release)
	p.Close()

	if n := len(inner.Events()); n < 1 || n > 2 {
		t.Errorf("events = %d, want the worker's event plus at most one buffered", n)
	}
}
