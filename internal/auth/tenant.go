package auth

import (
	"errors"
	"fmt"
	"net/http"
	"strings"
	"sync"

	"github.com/felipepmaragno/channel-gateway/internal/crypto"
	"github.com/felipepmaragno/channel-gateway/internal/domain"
)

// ErrNoCredentials means the request carried nothing a resolver recognizes.
var ErrNoCredentials = errors.New("no tenant credentials")

const TenantHeader = "X-Tenant-ID"

// TenantResolver maps an inbound request to the already-authenticated tenant
// it acts for.
type TenantResolver interface {
	ResolveTenant(r *http.Request) (string, error)
}

// HeaderResolver trusts a header set by an authenticating proxy in front of
// the gateway.
type HeaderResolver struct {
	Header string
}

func NewHeaderResolver() *HeaderResolver {
	return &HeaderResolver{Header: TenantHeader}
}

func (h *HeaderResolver) ResolveTenant(r *http.Request) (string, error) {
	tenantID := strings.TrimSpace(r.Header.Get(h.Header))
	if tenantID == "" {
		return "", ErrNoCredentials
	}
	return tenantID, nil
}

// APIKeyResolver maps bearer keys to tenants. Only SHA-256 hashes of the keys
// are kept in memory.
type APIKeyResolver struct {
	mu      sync.RWMutex
	tenants map[string]string
}

// NewAPIKeyResolver takes plaintext key to tenant pairs.
func NewAPIKeyResolver(keys map[string]string) *APIKeyResolver {
	r := &APIKeyResolver{tenants: make(map[string]string, len(keys))}
	for key, tenantID := range keys {
		r.tenants[crypto.HashAPIKey(key)] = tenantID
	}
	return r
}

func (a *APIKeyResolver) Add(key, tenantID string) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.tenants[crypto.HashAPIKey(key)] = tenantID
}

func (a *APIKeyResolver) ResolveTenant(r *http.Request) (string, error) {
	key := extractAPIKey(r)
	if key == "" {
		return "", ErrNoCredentials
	}

	a.mu.RLock()
	tenantID, ok := a.tenants[crypto.HashAPIKey(key)]
	a.mu.RUnlock()
	if !ok {
		return "", domain.ErrInvalidAPIKey
	}
	return tenantID, nil
}

func extractAPIKey(r *http.Request) string {
	auth := r.Header.Get("Authorization")
	if strings.HasPrefix(auth, "Bearer ") {
		return strings.TrimPrefix(auth, "Bearer ")
	}
	return ""
}

// Chain tries each resolver in order, moving on only when a resolver found
// no credentials at all. A rejected key stops the chain.
type Chain []TenantResolver

func (c Chain) ResolveTenant(r *http.Request) (string, error) {
	for _, res := range c {
		tenantID, err := res.ResolveTenant(r)
		if errors.Is(err, ErrNoCredentials) {
			continue
		}
		if err != nil {
			return "", fmt.Errorf("resolve tenant: %w", err)
		}
		return tenantID, nil
	}
	return "", ErrNoCredentials
}
