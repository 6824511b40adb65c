// Package upstream sends one normalized request to one channel and returns a
// normalized response or chunk stream. It never retries.
package upstream

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"

	"github.com/felipepmaragno/channel-gateway/internal/credentials"
	"github.com/felipepmaragno/channel-gateway/internal/domain"
	"github.com/felipepmaragno/channel-gateway/internal/provider"
)

const (
	maxErrorBody  = 64 << 10
	maxStreamLine = 1 << 20
)

type Client struct {
	http     *http.Client
	adapters *provider.Registry
	creds    credentials.Resolver
}

func NewClient(httpClient *http.Client, adapters *provider.Registry, creds credentials.Resolver) *Client {
	return &Client{
		http:     httpClient,
		adapters: adapters,
		creds:    creds,
	}
}

type call struct {
	adapter provider.Adapter
	secret  string
	body    []byte
}

func (c *Client) prepare(ctx context.Context, ch *domain.Channel, req *domain.ChatRequest, stream bool) (*call, error) {
	adapter, err := c.adapters.Get(ch.ProviderID)
	if err != nil {
		return nil, err
	}

	secret, err := c.creds.Resolve(ctx, ch.Credentials)
	if err != nil {
		return nil, err
	}

	body, err := adapter.EncodeRequest(req, stream)
	if err != nil {
		return nil, err
	}

	return &call{adapter: adapter, secret: secret, body: body}, nil
}

func (c *Client) Send(ctx context.Context, ch *domain.Channel, req *domain.ChatRequest) (*domain.ChatResponse, error) {
	p, err := c.prepare(ctx, ch, req, false)
	if err != nil {
		return nil, err
	}

	var body []byte
	if inv, ok := p.adapter.(provider.Invoker); ok {
		body, err = inv.Invoke(ctx, p.secret, req.Model, p.body)
		if err != nil {
			return nil, classify(ctx, "invoke", err)
		}
	} else {
		resp, err := c.post(ctx, ch, req, p, false)
		if err != nil {
			return nil, err
		}
		defer resp.Body.Close()

		body, err = io.ReadAll(resp.Body)
		if err != nil {
			return nil, classify(ctx, "read", err)
		}
	}

	return p.adapter.DecodeResponse(body, req.Model)
}

// Stream opens a provider stream. Non-2xx statuses are reported here, before
// any chunk is read.
func (c *Client) Stream(ctx context.Context, ch *domain.Channel, req *domain.ChatRequest) (*Stream, error) {
	p, err := c.prepare(ctx, ch, req, true)
	if err != nil {
		return nil, err
	}

	var frames provider.FrameReader
	if inv, ok := p.adapter.(provider.Invoker); ok {
		frames, err = inv.InvokeStream(ctx, p.secret, req.Model, p.body)
		if err != nil {
			return nil, classify(ctx, "invoke", err)
		}
	} else {
		resp, err := c.post(ctx, ch, req, p, true)
		if err != nil {
			return nil, err
		}
		frames = newLineReader(resp.Body)
	}

	return &Stream{
		ctx:     ctx,
		frames:  frames,
		decoder: p.adapter.NewStreamDecoder(req.Model),
	}, nil
}

func (c *Client) post(ctx context.Context, ch *domain.Channel, req *domain.ChatRequest, p *call, stream bool) (*http.Response, error) {
	baseURL := ch.BaseURL
	if baseURL == "" {
		baseURL = p.adapter.DefaultBaseURL()
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, p.adapter.Endpoint(baseURL, req, stream), bytes.NewReader(p.body))
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	if stream {
		httpReq.Header.Set("Accept", "text/event-stream")
	}
	p.adapter.BuildAuthHeaders(httpReq.Header, p.secret)

	resp, err := c.http.Do(httpReq)
	if err != nil {
		return nil, classify(ctx, "send", err)
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		defer resp.Body.Close()
		body, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
		return nil, &domain.UpstreamError{StatusCode: resp.StatusCode, Body: string(body)}
	}
	return resp, nil
}

// classify maps transport failures onto the retryable error types. Caller
// cancellation and credential failures pass through untouched.
func classify(ctx context.Context, op string, err error) error {
	var upstream *domain.UpstreamError
	if errors.As(err, &upstream) || errors.Is(err, domain.ErrCredentialUnavailable) {
		return err
	}
	if errors.Is(ctx.Err(), context.Canceled) || errors.Is(err, context.Canceled) {
		return context.Canceled
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return &domain.TimeoutError{Op: op, Err: err}
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return &domain.TimeoutError{Op: op, Err: err}
	}
	return &domain.ConnectionError{Op: op, Err: err}
}

// Stream is a finite, non-restartable sequence of chunks.
type Stream struct {
	ctx      context.Context
	frames   provider.FrameReader
	decoder  provider.StreamDecoder
	done     bool
	finished bool
}

// Recv returns the next chunk, or io.EOF after the provider's end sentinel.
// A body that ends before the sentinel and before any finish reason is a
// dropped connection.
func (s *Stream) Recv() (domain.StreamChunk, error) {
	for !s.done {
		frame, err := s.frames.Next()
		if err == io.EOF {
			s.done = true
			if !s.finished {
				return domain.StreamChunk{}, &domain.ConnectionError{Op: "stream", Err: io.ErrUnexpectedEOF}
			}
			break
		}
		if err != nil {
			return domain.StreamChunk{}, classify(s.ctx, "stream", err)
		}

		chunk, done, err := s.decoder.DecodeStreamChunk(frame)
		if err != nil {
			// In-band provider error events arrive on a 200 response.
			return domain.StreamChunk{}, &domain.UpstreamError{StatusCode: http.StatusBadGateway, Body: err.Error()}
		}
		if done {
			s.done = true
		}
		if chunk != nil {
			for _, c := range chunk.Choices {
				if c.FinishReason != "" {
					s.finished = true
				}
			}
			return *chunk, nil
		}
	}
	return domain.StreamChunk{}, io.EOF
}

func (s *Stream) Close() error {
	return s.frames.Close()
}

type lineReader struct {
	body    io.ReadCloser
	scanner *bufio.Scanner
}

func newLineReader(body io.ReadCloser) *lineReader {
	scanner := bufio.NewScanner(body)
	scanner.Buffer(make([]byte, 0, 64<<10), maxStreamLine)
	return &lineReader{body: body, scanner: scanner}
}

func (r *lineReader) Next() ([]byte, error) {
	if r.scanner.Scan() {
		return r.scanner.Bytes(), nil
	}
	if err := r.scanner.Err(); err != nil {
		return nil, err
	}
	return nil, io.EOF
}

func (r *lineReader) Close() error {
	return r.body.Close()
}
