package auth

import (
	"errors"
	"net/http/httptest"
	"testing"

	"github.com/felipepmaragno/channel-gateway/internal/domain"
)

func TestHeaderResolver(t *testing.T) {
	res := NewHeaderResolver()

	req := httptest.NewRequest("POST", "/v1/chat/completions", nil)
	if _, err := res.ResolveTenant(req); !errors.Is(err, ErrNoCredentials) {
		t.Errorf("missing header error = %v, want ErrNoCredentials", err)
	}

	req.Header.Set(TenantHeader, " tenant-a ")
	got, err := res.ResolveTenant(req)
	if err != nil || got != "tenant-a" {
		t.Errorf("ResolveTenant() = %q, %v", got, err)
	}
}

func TestAPIKeyResolver(t *testing.T) {
	res := NewAPIKeyResolver(map[string]string{"sk-a": "tenant-a"})
	res.Add("sk-b", "tenant-b")

	tests := []struct {
		name    string
		header  string
		want    string
		wantErr error
	}{
		{"known key", "Bearer sk-a", "tenant-a", nil},
		{"added key", "Bearer sk-b", "tenant-b", nil},
		{"unknown key", "Bearer sk-x", "", domain.ErrInvalidAPIKey},
		{"basic auth", "Basic dXNlcjpwYXNz", "", ErrNoCredentials},
		{"no header", "", "", ErrNoCredentials},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest("GET", "/v1/models", nil)
			if tt.header != "" {
				req.Header.Set("Authorization", tt.header)
			}

			got, err := res.ResolveTenant(req)
			if tt.wantErr != nil {
				if !errors.Is(err, tt.wantErr) {
					t.Errorf("error = %v, want %v", err, tt.wantErr)
				}
				return
			}
			if err != nil || got != tt.want {
				t.Errorf("ResolveTenant() = %q, %v, want %q", got, err, tt.want)
			}
		})
	}
}

func TestAPIKeyResolver_StoresHashesOnly(t *testing.T) {
	res := NewAPIKeyResolver(map[string]string{"sk-plain": "t1"})
	for k := range res.tenants {
		if k == "sk-plain" {
			t.Fatal("plaintext key kept in memory")
		}
	}
}

func TestChain(t *testing.T) {
	chain := Chain{
		NewAPIKeyResolver(map[string]string{"sk-a": "tenant-a"}),
		NewHeaderResolver(),
	}

	req := httptest.NewRequest("GET", "/v1/models", nil)
	req.Header.Set(TenantHeader, "from-header")
	if got, err := chain.ResolveTenant(req); err != nil || got != "from-header" {
		t.Errorf("fallthrough = %q, %v", got, err)
	}

	req.Header.Set("Authorization", "Bearer sk-a")
	if got, err := chain.ResolveTenant(req); err != nil || got != "tenant-a" {
		t.Errorf("api key first = %q, %v", got, err)
	}

	req.Header.Set("Authorization", "Bearer sk-wrong")
	if _, err := chain.ResolveTenant(req); !errors.Is(err, domain.ErrInvalidAPIKey) {
		t.Errorf("rejected key should stop the chain, got %v", err)
	}

	if _, err := chain.ResolveTenant(httptest.NewRequest("GET", "/", nil)); !errors.Is(err, ErrNoCredentials) {
		t.Errorf("empty request error = %v", err)
	}
}
