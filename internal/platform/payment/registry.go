package payment

import (
	"github.com/fatflowers/memberledger/pkg/apperr"
	"github.com/fatflowers/memberledger/pkg/types"
)

// Registry resolves the gateway for a provider.
type Registry struct {
	gateways map[types.PaymentProvider]Gateway
}

func NewRegistry(gateways ...Gateway) *Registry {
	r := &Registry{gateways: make(map[types.PaymentProvider]Gateway, len(gateways))}
	for _, g := range gateways {
		if g != nil {
			r.gateways[g.Provider()] = g
		}
	}
	return r
}

func (r *Registry) Get(provider types.PaymentProvider) (Gateway, error) {
	g, ok := r.gateways[provider]
	if !ok {
		return nil, apperr.Validation(apperr.CodeInvalidInput, "unsupported payment provider %q", provider)
	}
	return g, nil
}
