// Package secrets reads credential material from external secret stores.
// References carry an optional "#field" suffix selecting one key of a JSON
// (AWS) or KV (Vault) secret.
package secrets

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/secretsmanager"
	"github.com/goccy/go-json"
	vault "github.com/hashicorp/vault/api"
)

var ErrSecretNotFound = errors.New("secret not found")

type Store interface {
	GetSecret(ctx context.Context, ref string) (string, error)
}

// SplitRef splits "name#field" into its parts.
func SplitRef(ref string) (name, field string) {
	if i := strings.LastIndex(ref, "#"); i >= 0 {
		return ref[:i], ref[i+1:]
	}
	return ref, ""
}

type secretsManagerAPI interface {
	GetSecretValue(ctx context.Context, params *secretsmanager.GetSecretValueInput, optFns ...func(*secretsmanager.Options)) (*secretsmanager.GetSecretValueOutput, error)
}

type AWSSecretsManager struct {
	client secretsManagerAPI
}

func NewAWSSecretsManager(ctx context.Context, region string) (*AWSSecretsManager, error) {
	cfg, err := config.LoadDefaultConfig(ctx, config.WithRegion(region))
	if err != nil {
		return nil, fmt.Errorf("load aws config: %w", err)
	}
	return NewAWSSecretsManagerWithConfig(cfg), nil
}

func NewAWSSecretsManagerWithConfig(cfg aws.Config) *AWSSecretsManager {
	return &AWSSecretsManager{client: secretsmanager.NewFromConfig(cfg)}
}

// GetSecret resolves "name" or "name#field". With a field the secret string
// must be a JSON object.
func (s *AWSSecretsManager) GetSecret(ctx context.Context, ref string) (string, error) {
	name, field := SplitRef(ref)

	result, err := s.client.GetSecretValue(ctx, &secretsmanager.GetSecretValueInput{
		SecretId: aws.String(name),
	})
	if err != nil {
		return "", fmt.Errorf("get secret %s: %w", name, err)
	}
	if result.SecretString == nil {
		return "", fmt.Errorf("%w: %s has no string value", ErrSecretNotFound, name)
	}

	if field == "" {
		return *result.SecretString, nil
	}
	return jsonField(*result.SecretString, name, field)
}

func jsonField(raw, name, field string) (string, error) {
	var data map[string]any
	if err := json.Unmarshal([]byte(raw), &data); err != nil {
		return "", fmt.Errorf("secret %s is not a JSON object: %w", name, err)
	}
	v, ok := data[field]
	if !ok {
		return "", fmt.Errorf("%w: key %q in %s", ErrSecretNotFound, field, name)
	}
	if s, ok := v.(string); ok {
		return s, nil
	}
	return fmt.Sprintf("%v", v), nil
}

// VaultStore reads KV v2 secrets. References are "mount/path#field"; the
// field defaults to "value".
type VaultStore struct {
	client *vault.Client
}

func NewVaultStore(addr, token string) (*VaultStore, error) {
	cfg := vault.DefaultConfig()
	if addr != "" {
		cfg.Address = addr
	}

	client, err := vault.NewClient(cfg)
	if err != nil {
		return nil, fmt.Errorf("create vault client: %w", err)
	}
	if token != "" {
		client.SetToken(token)
	}
	return &VaultStore{client: client}, nil
}

func (s *VaultStore) GetSecret(ctx context.Context, ref string) (string, error) {
	path, field := SplitRef(ref)
	if field == "" {
		field = "value"
	}

	mount, rest, ok := strings.Cut(strings.Trim(path, "/"), "/")
	if !ok || rest == "" {
		return "", fmt.Errorf("vault reference %q must be mount/path", path)
	}

	secret, err := s.client.Logical().ReadWithContext(ctx, mount+"/data/"+rest)
	if err != nil {
		return "", fmt.Errorf("read vault secret %q: %w", path, err)
	}
	if secret == nil || secret.Data == nil {
		return "", fmt.Errorf("%w: %s", ErrSecretNotFound, path)
	}

	data := secret.Data
	if nested, ok := data["data"].(map[string]any); ok {
		data = nested
	}

	v, ok := data[field]
	if !ok {
		return "", fmt.Errorf("%w: key %q in %s", ErrSecretNotFound, field, path)
	}
	return fmt.Sprintf("%v", v), nil
}

type InMemorySecretStore struct {
	mu      sync.RWMutex
	secrets map[string]string
}

func NewInMemorySecretStore() *InMemorySecretStore {
	return &InMemorySecretStore{
		secrets: make(map[string]string),
	}
}

func (s *InMemorySecretStore) GetSecret(ctx context.Context, ref string) (string, error) {
	name, field := SplitRef(ref)

	s.mu.RLock()
	value, ok := s.secrets[name]
	s.mu.RUnlock()

	if !ok {
		return "", fmt.Errorf("%w: %s", ErrSecretNotFound, name)
	}
	if field == "" {
		return value, nil
	}
	return jsonField(value, name, field)
}

func (s *InMemorySecretStore) SetSecret(name, value string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.secrets[name] = value
}

func (s *InMemorySecretStore) DeleteSecret(name string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.secrets, name)
}
