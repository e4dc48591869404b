// Package provider describes external catalog providers and the read-only
// registry the client is constructed with.
package provider

import (
	"fmt"
	"os"

	stockerrors "github.com/buildsource/stockyard/pkg/errors"
)

// Capability is a named operation a provider supports.
type Capability string

const (
	CapabilitySearch            Capability = "search"
	CapabilityPriceCheck        Capability = "price-check"
	CapabilityAvailabilityCheck Capability = "availability-check"
	CapabilityCustomCut         Capability = "custom-cut"
	CapabilitySubscribe         Capability = "subscribe"
	CapabilityReserve           Capability = "reserve"
	CapabilityScheduleDelivery  Capability = "schedule-delivery"
	CapabilitySchedulePickup    Capability = "schedule-pickup"
)

// AuthScheme describes how the client authenticates against a provider.
// Credentials are injected via environment, never stored in config files.
type AuthScheme struct {
	Type   string `json:"type" mapstructure:"type"` // none, bearer, api-key
	EnvVar string `json:"envVar,omitempty" mapstructure:"env_var"`
	Header string `json:"header,omitempty" mapstructure:"header"`
}

// Credential resolves the configured credential, empty for type "none".
func (a AuthScheme) Credential() string {
	if a.Type == "" || a.Type == "none" || a.EnvVar == "" {
		return ""
	}
	return os.Getenv(a.EnvVar)
}

// RateLimit is the provider's declared request rate policy.
type RateLimit struct {
	RequestsPerSecond float64 `json:"requestsPerSecond" mapstructure:"requests_per_second"`
	Burst             int     `json:"burst" mapstructure:"burst"`
}

// Provider is an immutable descriptor of one external catalog service.
type Provider struct {
	ID           string       `json:"id" mapstructure:"id"`
	Name         string       `json:"name" mapstructure:"name"`
	Endpoint     string       `json:"endpoint" mapstructure:"endpoint"`
	Capabilities []Capability `json:"capabilities" mapstructure:"capabilities"`
	Auth         AuthScheme   `json:"auth" mapstructure:"auth"`
	RateLimit    RateLimit    `json:"rateLimit" mapstructure:"rate_limit"`
}

// Supports reports whether the provider declares the capability.
func (p Provider) Supports(c Capability) bool {
	for _, have := range p.Capabilities {
		if have == c {
			return true
		}
	}
	return false
}

// Registry holds the configured provider set. It is immutable after
// construction and safe for concurrent reads without locking.
type Registry struct {
	order []string
	byID  map[string]Provider
}

// NewRegistry validates the provider list and builds a registry. Provider
// order is preserved and used as the deterministic merge order for
// aggregated results.
func NewRegistry(providers []Provider) (*Registry, error) {
	r := &Registry{byID: make(map[string]Provider, len(providers))}
	for _, p := range providers {
		if p.ID == "" {
			return nil, fmt.Errorf("%w: provider id required", stockerrors.ErrInvalidInput)
		}
		if p.Endpoint == "" {
			return nil, fmt.Errorf("%w: provider %s: endpoint required", stockerrors.ErrInvalidInput, p.ID)
		}
		if _, dup := r.byID[p.ID]; dup {
			return nil, fmt.Errorf("%w: duplicate provider id %s", stockerrors.ErrInvalidInput, p.ID)
		}
		r.byID[p.ID] = p
		r.order = append(r.order, p.ID)
	}
	return r, nil
}

// Get returns the provider descriptor by id.
func (r *Registry) Get(id string) (Provider, bool) {
	p, ok := r.byID[id]
	return p, ok
}

// All returns every provider in registry order.
func (r *Registry) All() []Provider {
	out := make([]Provider, 0, len(r.order))
	for _, id := range r.order {
		out = append(out, r.byID[id])
	}
	return out
}

// WithCapability returns providers declaring the capability, in registry order.
func (r *Registry) WithCapability(c Capability) []Provider {
	var out []Provider
	for _, id := range r.order {
		if p := r.byID[id]; p.Supports(c) {
			out = append(out, p)
		}
	}
	return out
}

// Len returns the number of registered providers.
func (r *Registry) Len() int { return len(r.order) }
