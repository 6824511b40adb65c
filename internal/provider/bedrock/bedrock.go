// Package bedrock invokes Anthropic models on AWS Bedrock. Bodies and stream
// events use the Anthropic wire; transport goes through the AWS SDK.
package bedrock

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"net/http"
	"sync"

	"github.com/aws/aws-sdk-go-v2/aws"
	awshttp "github.com/aws/aws-sdk-go-v2/aws/transport/http"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/bedrockruntime"
	"github.com/aws/aws-sdk-go-v2/service/bedrockruntime/types"
	"github.com/felipepmaragno/channel-gateway/internal/domain"
	"github.com/felipepmaragno/channel-gateway/internal/provider"
	"github.com/felipepmaragno/channel-gateway/internal/provider/anthropic"
	"github.com/goccy/go-json"
)

const bedrockVersion = "bedrock-2023-05-31"

// runtimeAPI is the subset of *bedrockruntime.Client the adapter uses.
type runtimeAPI interface {
	InvokeModel(ctx context.Context, params *bedrockruntime.InvokeModelInput, optFns ...func(*bedrockruntime.Options)) (*bedrockruntime.InvokeModelOutput, error)
	InvokeModelWithResponseStream(ctx context.Context, params *bedrockruntime.InvokeModelWithResponseStreamInput, optFns ...func(*bedrockruntime.Options)) (*bedrockruntime.InvokeModelWithResponseStreamOutput, error)
}

// Credential is the JSON shape of a bedrock channel secret. An empty secret
// falls back to the default AWS credential chain.
type Credential struct {
	Region          string `json:"region"`
	AccessKeyID     string `json:"access_key_id"`
	SecretAccessKey string `json:"secret_access_key"`
	SessionToken    string `json:"session_token,omitempty"`
}

type Adapter struct {
	defaultRegion string
	clients       sync.Map // secret digest -> runtimeAPI
	newClient     func(ctx context.Context, secret string) (runtimeAPI, error)
}

func New(defaultRegion string) *Adapter {
	a := &Adapter{defaultRegion: defaultRegion}
	a.newClient = a.buildClient
	return a
}

func (a *Adapter) Family() string {
	return "bedrock"
}

func (a *Adapter) DefaultBaseURL() string {
	return ""
}

func (a *Adapter) Endpoint(baseURL string, req *domain.ChatRequest, stream bool) string {
	return ""
}

func (a *Adapter) BuildAuthHeaders(h http.Header, secret string) {}

func (a *Adapter) EncodeRequest(req *domain.ChatRequest, stream bool) ([]byte, error) {
	r := anthropic.ToRequest(req)
	r.Model = ""
	r.AnthropicVersion = bedrockVersion

	body, err := json.Marshal(r)
	if err != nil {
		return nil, fmt.Errorf("marshal request: %w", err)
	}
	return body, nil
}

func (a *Adapter) DecodeResponse(body []byte, model string) (*domain.ChatResponse, error) {
	return anthropic.DecodeResponse(body, model)
}

func (a *Adapter) NewStreamDecoder(model string) provider.StreamDecoder {
	return anthropic.NewStreamDecoder(model)
}

func (a *Adapter) Invoke(ctx context.Context, secret, model string, body []byte) ([]byte, error) {
	client, err := a.client(ctx, secret)
	if err != nil {
		return nil, err
	}

	output, err := client.InvokeModel(ctx, &bedrockruntime.InvokeModelInput{
		ModelId:     aws.String(mapModelID(model)),
		ContentType: aws.String("application/json"),
		Accept:      aws.String("application/json"),
		Body:        body,
	})
	if err != nil {
		return nil, mapError(err)
	}
	return output.Body, nil
}

func (a *Adapter) InvokeStream(ctx context.Context, secret, model string, body []byte) (provider.FrameReader, error) {
	client, err := a.client(ctx, secret)
	if err != nil {
		return nil, err
	}

	output, err := client.InvokeModelWithResponseStream(ctx, &bedrockruntime.InvokeModelWithResponseStreamInput{
		ModelId:     aws.String(mapModelID(model)),
		ContentType: aws.String("application/json"),
		Accept:      aws.String("application/json"),
		Body:        body,
	})
	if err != nil {
		return nil, mapError(err)
	}
	return &eventFrames{stream: output.GetStream()}, nil
}

func (a *Adapter) client(ctx context.Context, secret string) (runtimeAPI, error) {
	sum := sha256.Sum256([]byte(secret))
	key := hex.EncodeToString(sum[:])

	if c, ok := a.clients.Load(key); ok {
		return c.(runtimeAPI), nil
	}

	c, err := a.newClient(ctx, secret)
	if err != nil {
		return nil, err
	}
	actual, _ := a.clients.LoadOrStore(key, c)
	return actual.(runtimeAPI), nil
}

func (a *Adapter) buildClient(ctx context.Context, secret string) (runtimeAPI, error) {
	opts := []func(*config.LoadOptions) error{config.WithRegion(a.defaultRegion)}

	if secret != "" {
		var cred Credential
		if err := json.Unmarshal([]byte(secret), &cred); err != nil {
			return nil, fmt.Errorf("%w: bedrock credential is not valid JSON", domain.ErrCredentialUnavailable)
		}
		if cred.Region != "" {
			opts = append(opts, config.WithRegion(cred.Region))
		}
		if cred.AccessKeyID != "" {
			opts = append(opts, config.WithCredentialsProvider(
				credentials.NewStaticCredentialsProvider(cred.AccessKeyID, cred.SecretAccessKey, cred.SessionToken),
			))
		}
	}

	cfg, err := config.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("%w: load aws config: %v", domain.ErrCredentialUnavailable, err)
	}
	return bedrockruntime.NewFromConfig(cfg), nil
}

// mapError turns AWS HTTP responses into upstream errors so the orchestrator
// classifies them like any other provider status.
func mapError(err error) error {
	var re *awshttp.ResponseError
	if errors.As(err, &re) {
		return &domain.UpstreamError{StatusCode: re.HTTPStatusCode(), Body: err.Error()}
	}
	return err
}

type eventStream interface {
	Events() <-chan types.ResponseStream
	Close() error
	Err() error
}

// eventFrames exposes chunk payloads of a Bedrock event stream as frames.
type eventFrames struct {
	stream eventStream
}

func (f *eventFrames) Next() ([]byte, error) {
	for ev := range f.stream.Events() {
		if chunk, ok := ev.(*types.ResponseStreamMemberChunk); ok {
			return chunk.Value.Bytes, nil
		}
	}
	if err := f.stream.Err(); err != nil {
		return nil, mapError(err)
	}
	return nil, io.EOF
}

func (f *eventFrames) Close() error {
	return f.stream.Close()
}

func mapModelID(model string) string {
	modelMap := map[string]string{
		"claude-3-5-sonnet": "anthropic.claude-3-5-sonnet-20241022-v2:0",
		"claude-3-5-haiku":  "anthropic.claude-3-5-haiku-20241022-v1:0",
		"claude-3-opus":     "anthropic.claude-3-opus-20240229-v1:0",
		"claude-3-sonnet":   "anthropic.claude-3-sonnet-20240229-v1:0",
		"claude-3-haiku":    "anthropic.claude-3-haiku-20240307-v1:0",
	}

	if mapped, ok := modelMap[model]; ok {
		return mapped
	}
	return model
}
