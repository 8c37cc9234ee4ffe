// Package adapters holds the provider registry. Dispatch is always on
// the explicit provider tag, never on payload shape.
package adapters

import (
	"strings"

	paymentdomain "github.com/smallbiznis/ledgerline/internal/payment/domain"
)

type Registry struct {
	providers map[string]paymentdomain.ProviderAdapter
}

func NewRegistry(providers ...paymentdomain.ProviderAdapter) *Registry {
	registry := &Registry{providers: map[string]paymentdomain.ProviderAdapter{}}
	for _, adapter := range providers {
		if adapter == nil {
			continue
		}
		name := strings.ToLower(strings.TrimSpace(adapter.Provider()))
		if name == "" {
			continue
		}
		registry.providers[name] = adapter
	}
	return registry
}

func (r *Registry) ProviderExists(provider string) bool {
	if r == nil {
		return false
	}
	_, ok := r.providers[strings.ToLower(strings.TrimSpace(provider))]
	return ok
}

func (r *Registry) Adapter(provider string) (paymentdomain.ProviderAdapter, error) {
	if r == nil {
		return nil, paymentdomain.ErrProviderNotFound
	}
	adapter, ok := r.providers[strings.ToLower(strings.TrimSpace(provider))]
	if !ok {
		return nil, paymentdomain.ErrProviderNotFound
	}
	return adapter, nil
}

func (r *Registry) Gateway(provider string) (paymentdomain.Gateway, error) {
	return r.Adapter(provider)
}
