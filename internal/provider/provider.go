// Package provider translates between the unified chat schema and each
// upstream provider family's wire format.
package provider

import (
	"bytes"
	"context"
	"fmt"
	"net/http"
	"slices"
	"strings"
	"sync"

	"github.com/felipepmaragno/channel-gateway/internal/domain"
)

// Adapter is one provider family. Adapters hold no per-request state and
// are safe for concurrent use.
type Adapter interface {
	Family() string
	DefaultBaseURL() string
	Endpoint(baseURL string, req *domain.ChatRequest, stream bool) string
	BuildAuthHeaders(h http.Header, secret string)
	EncodeRequest(req *domain.ChatRequest, stream bool) ([]byte, error)
	DecodeResponse(body []byte, model string) (*domain.ChatResponse, error)
	NewStreamDecoder(model string) StreamDecoder
}

// StreamDecoder turns one frame of a provider stream into a unified chunk.
// A nil chunk means the frame carries nothing for the caller. done reports
// the provider's end-of-stream sentinel; a chunk returned with done is still
// delivered. Decoders are used by a single stream.
type StreamDecoder interface {
	DecodeStreamChunk(frame []byte) (chunk *domain.StreamChunk, done bool, err error)
}

// FrameReader yields raw stream frames and io.EOF at the end.
type FrameReader interface {
	Next() ([]byte, error)
	Close() error
}

// Invoker is implemented by adapters whose transport is not plain HTTP.
// Bodies are produced by EncodeRequest and consumed by DecodeResponse or the
// stream decoder as usual.
type Invoker interface {
	Invoke(ctx context.Context, secret, model string, body []byte) ([]byte, error)
	InvokeStream(ctx context.Context, secret, model string, body []byte) (FrameReader, error)
}

type Registry struct {
	mu       sync.RWMutex
	adapters map[string]Adapter
}

func NewRegistry(adapters ...Adapter) *Registry {
	r := &Registry{adapters: make(map[string]Adapter, len(adapters))}
	for _, a := range adapters {
		r.Register(a)
	}
	return r
}

func (r *Registry) Register(a Adapter) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.adapters[a.Family()] = a
}

func (r *Registry) Get(family string) (Adapter, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	a, ok := r.adapters[family]
	if !ok {
		return nil, fmt.Errorf("%w: %q", domain.ErrUnsupportedProvider, family)
	}
	return a, nil
}

func (r *Registry) Families() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	families := make([]string, 0, len(r.adapters))
	for f := range r.adapters {
		families = append(families, f)
	}
	slices.Sort(families)
	return families
}

// SSEData returns the payload of an SSE "data:" line, or false for any other
// line (events, comments, keep-alives, blanks).
func SSEData(line []byte) ([]byte, bool) {
	line = bytes.TrimSpace(line)
	data, ok := bytes.CutPrefix(line, []byte("data:"))
	if !ok {
		return nil, false
	}
	return bytes.TrimSpace(data), true
}

// JoinURL appends path to base without doubling slashes.
func JoinURL(base, path string) string {
	return strings.TrimRight(base, "/") + "/" + strings.TrimLeft(path, "/")
}
