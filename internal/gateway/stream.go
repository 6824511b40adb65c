package gateway

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"sync/atomic"
	"time"
	"unicode/utf8"

	"github.com/felipepmaragno/channel-gateway/internal/domain"
	"github.com/felipepmaragno/channel-gateway/internal/metrics"
	"github.com/felipepmaragno/channel-gateway/internal/telemetry"
	"github.com/felipepmaragno/channel-gateway/internal/upstream"
)

// ChatCompletionStream opens a streamed completion. Failover is possible
// until the first chunk has been read; after that the stream is committed to
// its channel and failures surface as a terminal error chunk.
func (s *Service) ChatCompletionStream(ctx context.Context, tenantID string, req *domain.ChatRequest) (*Stream, error) {
	model := ""
	if req != nil {
		model = req.Model
	}
	r := s.begin(ctx, tenantID, model, true)

	if err := validateRequest(req); err != nil {
		r.enter(StateFailedTerminal)
		r.end("invalid", "", err)
		return nil, err
	}

	deadline := r.start.Add(s.requestTimeout)
	admitCtx, cancel := context.WithDeadline(r.ctx, deadline)
	defer cancel()

	if err := s.admit(admitCtx, r); err != nil {
		r.enter(StateFailedTerminal)
		r.end(outcome(err), "", err)
		return nil, err
	}
	r.enter(StateQuotaChecked)

	exclude := make(map[string]struct{})
	var lastChannel string

	for {
		ch, err := s.pick(admitCtx, r, exclude)
		if err != nil {
			err = s.exhausted(r, err)
			r.end(outcome(err), lastChannel, err)
			return nil, err
		}
		r.attempts++
		lastChannel = ch.ID
		r.enter(StateChannelSelected)

		st, latency, err := s.open(r, ch, req, deadline)
		if err != nil {
			if !time.Now().Before(deadline) {
				cancel()
			}
			if err := s.failed(admitCtx, r, ch, latency, err, exclude); err != nil {
				r.end(outcome(err), ch.ID, err)
				return nil, err
			}
			continue
		}

		metrics.IncrementActiveStreams()
		r.logger.Info("stream committed",
			"channel_id", ch.ID,
			"provider", ch.ProviderID,
			"attempt", r.attempts,
			"latency_ms", latency.Milliseconds(),
		)
		return st, nil
	}
}

// open dispatches to ch and reads the first chunk. The request deadline only
// applies until then; afterwards each upstream read gets requestTimeout to
// produce the next chunk.
func (s *Service) open(r *run, ch *domain.Channel, req *domain.ChatRequest, deadline time.Time) (*Stream, time.Duration, error) {
	spanCtx, span := telemetry.StartSpan(r.ctx, "gateway.attempt")
	defer span.End()
	telemetry.AddChannelAttributes(span, ch.ID, ch.ProviderID, r.attempts)

	streamCtx, cancel := context.WithCancel(spanCtx)
	var timedOut atomic.Bool
	timer := time.AfterFunc(time.Until(deadline), func() {
		timedOut.Store(true)
		cancel()
	})

	r.enter(StateDispatched)
	start := time.Now()

	us, err := s.upstream.Stream(streamCtx, ch, req)
	var first domain.StreamChunk
	if err == nil {
		first, err = us.Recv()
	}
	latency := time.Since(start)

	if !timer.Stop() && err == nil {
		err = context.Canceled
	}
	if err != nil && !errors.Is(err, io.EOF) {
		if us != nil {
			_ = us.Close()
		}
		cancel()
		if timedOut.Load() {
			err = &domain.TimeoutError{Op: "first chunk", Err: context.DeadlineExceeded}
		}
		telemetry.AddErrorAttribute(span, err)
		return nil, latency, err
	}

	st := &Stream{
		svc:         s,
		run:         r,
		channel:     ch,
		upstream:    us,
		cancel:      cancel,
		idleTimeout: s.requestTimeout,
		started:     start,
		promptChars: promptChars(req),
	}
	if err == nil {
		st.pending = &first
	}
	return st, latency, nil
}

// Stream relays a committed upstream stream to the caller, accumulating usage
// as it goes. Usage is settled exactly once, on end of stream, on a
// mid-stream failure or on Close.
type Stream struct {
	svc         *Service
	run         *run
	channel     *domain.Channel
	upstream    *upstream.Stream
	cancel      context.CancelFunc
	idleTimeout time.Duration
	started     time.Time
	promptChars int

	timedOut atomic.Bool

	mu         sync.Mutex
	idle       *time.Timer
	pending    *domain.StreamChunk
	done       bool
	lastID     string
	usage      domain.Usage
	chars      int
	err        error
	settleOnce sync.Once
	closeOnce  sync.Once
}

// Recv returns the next chunk, or io.EOF once the stream is over. A
// mid-stream upstream failure is delivered as one final chunk carrying an
// Error payload; Err reports the cause afterwards.
func (s *Stream) Recv() (domain.StreamChunk, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.done {
		return domain.StreamChunk{}, io.EOF
	}

	if s.pending != nil {
		chunk := *s.pending
		s.pending = nil
		s.observe(&chunk)
		return chunk, nil
	}

	if s.idle == nil {
		s.idle = time.AfterFunc(s.idleTimeout, s.expire)
	} else {
		s.idle.Reset(s.idleTimeout)
	}
	chunk, err := s.upstream.Recv()
	s.idle.Stop()
	if err != nil && !errors.Is(err, io.EOF) && s.timedOut.Load() {
		err = &domain.TimeoutError{Op: "stream read", Err: context.DeadlineExceeded}
	}

	switch {
	case err == nil:
		s.observe(&chunk)
		return chunk, nil
	case errors.Is(err, io.EOF):
		s.done = true
		s.settle(nil)
		return domain.StreamChunk{}, io.EOF
	case errors.Is(err, context.Canceled):
		s.done = true
		s.settle(context.Canceled)
		return domain.StreamChunk{}, err
	default:
		s.done = true
		s.err = &domain.StreamError{ChannelID: s.channel.ID, Err: err}
		s.settle(err)
		return s.errorChunk(err), nil
	}
}

// expire fires when an upstream read stalls past idleTimeout.
func (s *Stream) expire() {
	s.timedOut.Store(true)
	s.cancel()
}

// Err returns the *domain.StreamError behind a terminal error chunk.
func (s *Stream) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

// Close stops the upstream read and settles whatever usage is known. It is
// safe to call more than once and concurrently with Recv.
func (s *Stream) Close() error {
	s.cancel()

	s.mu.Lock()
	defer s.mu.Unlock()

	s.done = true
	s.settle(context.Canceled)

	var err error
	s.closeOnce.Do(func() {
		if s.upstream != nil {
			err = s.upstream.Close()
		}
	})
	return err
}

func (s *Stream) RequestID() string { return s.run.requestID }

func (s *Stream) ChannelID() string { return s.channel.ID }

func (s *Stream) Gateway() domain.Gateway {
	return domain.Gateway{
		ChannelID: s.channel.ID,
		Provider:  s.channel.ProviderID,
		LatencyMs: time.Since(s.run.start).Milliseconds(),
		Attempts:  s.run.attempts,
		RequestID: s.run.requestID,
		TraceID:   telemetry.GetTraceID(s.run.ctx),
	}
}

// observe folds a chunk's usage and content into the running totals. The last
// reported count wins for each field.
func (s *Stream) observe(c *domain.StreamChunk) {
	if c.ID != "" {
		s.lastID = c.ID
	}
	if c.Usage != nil {
		if c.Usage.PromptTokens > 0 {
			s.usage.PromptTokens = c.Usage.PromptTokens
		}
		if c.Usage.CompletionTokens > 0 {
			s.usage.CompletionTokens = c.Usage.CompletionTokens
		}
		if c.Usage.TotalTokens > 0 {
			s.usage.TotalTokens = c.Usage.TotalTokens
		}
	}
	s.chars += utf8.RuneCountInString(c.Content())
}

func (s *Stream) errorChunk(cause error) domain.StreamChunk {
	return domain.StreamChunk{
		ID:      s.lastID,
		Object:  "chat.completion.chunk",
		Created: time.Now().Unix(),
		Model:   s.run.model,
		Error: &domain.ErrorDetail{
			Message: fmt.Sprintf("upstream stream interrupted (%s)", domain.ErrorKind(cause)),
			Type:    "stream_error",
			Code:    502,
		},
	}
}

// finalUsage fills in estimates for counts the provider never reported.
func (s *Stream) finalUsage() (domain.Usage, bool) {
	u := s.usage
	estimated := false
	if u.CompletionTokens == 0 && s.chars > 0 {
		u.CompletionTokens = EstimateTokens(s.chars)
		estimated = true
	}
	if u.PromptTokens == 0 && s.promptChars > 0 {
		u.PromptTokens = EstimateTokens(s.promptChars)
		estimated = true
	}
	if estimated || u.TotalTokens < u.PromptTokens+u.CompletionTokens {
		u.TotalTokens = u.PromptTokens + u.CompletionTokens
	}
	return u, estimated
}

// settle runs once per stream. Callers hold s.mu.
func (s *Stream) settle(cause error) {
	s.settleOnce.Do(func() {
		if s.idle != nil {
			s.idle.Stop()
		}
		s.cancel()

		status := "success"
		switch {
		case cause == nil:
			s.run.enter(StateSucceeded)
		case errors.Is(cause, context.Canceled):
			status = "canceled"
			s.run.enter(StateFailedTerminal)
		default:
			status = "stream_error"
			s.run.enter(StateFailedTerminal)
		}

		usage, estimated := s.finalUsage()
		latency := time.Since(s.started)
		s.svc.settle(s.run.ctx, s.run, s.channel, usage, estimated, latency, status, cause)
		metrics.DecrementActiveStreams()

		s.run.logger.Info("stream finished",
			"channel_id", s.channel.ID,
			"provider", s.channel.ProviderID,
			"status", status,
			"latency_ms", latency.Milliseconds(),
			"total_tokens", usage.TotalTokens,
			"estimated", estimated,
		)

		s.run.end(status, s.channel.ID, s.err)
	})
}

// EstimateTokens approximates a token count from a character count.
func EstimateTokens(chars int) int {
	if chars <= 0 {
		return 0
	}
	return (chars + 3) / 4
}

func promptChars(req *domain.ChatRequest) int {
	n := 0
	for _, m := range req.Messages {
		n += utf8.RuneCountInString(m.Content)
	}
	return n
}
