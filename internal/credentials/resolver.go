// Package credentials turns a channel's stored credential blob into the
// secret sent upstream.
//
// Blob forms:
//
//	enc:<base64>         sealed with crypto.Encryptor
//	aws-sm://name#field  AWS Secrets Manager
//	vault://mount/path#f HashiCorp Vault KV v2
//	anything else        plaintext, only when explicitly allowed
package credentials

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/felipepmaragno/channel-gateway/internal/crypto"
	"github.com/felipepmaragno/channel-gateway/internal/domain"
	"github.com/felipepmaragno/channel-gateway/internal/secrets"
	"github.com/patrickmn/go-cache"
)

const (
	awsScheme   = "aws-sm://"
	vaultScheme = "vault://"

	DefaultTTL = 5 * time.Minute
)

type Resolver interface {
	Resolve(ctx context.Context, blob string) (string, error)
}

type Options struct {
	Encryptor      *crypto.Encryptor
	AWS            secrets.Store
	Vault          secrets.Store
	AllowPlaintext bool
	TTL            time.Duration
}

// ChainResolver dispatches on the blob's scheme and caches results.
type ChainResolver struct {
	opts  Options
	cache *cache.Cache
}

func NewResolver(opts Options) *ChainResolver {
	if opts.TTL <= 0 {
		opts.TTL = DefaultTTL
	}
	return &ChainResolver{
		opts:  opts,
		cache: cache.New(opts.TTL, 2*opts.TTL),
	}
}

// Resolve returns "" for an empty blob; families such as ollama and bedrock
// run without an explicit secret.
func (r *ChainResolver) Resolve(ctx context.Context, blob string) (string, error) {
	if blob == "" {
		return "", nil
	}

	key := crypto.HashAPIKey(blob)
	if v, ok := r.cache.Get(key); ok {
		return v.(string), nil
	}

	secret, err := r.resolve(ctx, blob)
	if err != nil {
		return "", fmt.Errorf("%w: %w", domain.ErrCredentialUnavailable, err)
	}

	r.cache.Set(key, secret, cache.DefaultExpiration)
	return secret, nil
}

func (r *ChainResolver) resolve(ctx context.Context, blob string) (string, error) {
	switch {
	case crypto.IsSealed(blob):
		if r.opts.Encryptor == nil {
			return "", fmt.Errorf("sealed credential but no encryption key configured")
		}
		return r.opts.Encryptor.Open(blob)

	case strings.HasPrefix(blob, awsScheme):
		if r.opts.AWS == nil {
			return "", fmt.Errorf("aws secrets manager not configured")
		}
		return r.opts.AWS.GetSecret(ctx, strings.TrimPrefix(blob, awsScheme))

	case strings.HasPrefix(blob, vaultScheme):
		if r.opts.Vault == nil {
			return "", fmt.Errorf("vault not configured")
		}
		return r.opts.Vault.GetSecret(ctx, strings.TrimPrefix(blob, vaultScheme))

	default:
		if !r.opts.AllowPlaintext {
			return "", fmt.Errorf("plaintext credentials are disabled")
		}
		return blob, nil
	}
}

// Invalidate drops every cached secret, e.g. after a channel update.
func (r *ChainResolver) Invalidate() {
	r.cache.Flush()
}

// IsReference reports whether blob points at an external secret store
// rather than carrying the secret itself.
func IsReference(blob string) bool {
	return strings.HasPrefix(blob, awsScheme) || strings.HasPrefix(blob, vaultScheme)
}
