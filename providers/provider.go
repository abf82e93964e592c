// Package providers defines the upstream provider record, the registry that
// routing and discovery read providers through, and the HTTP client used to
// talk to OpenAI-wire-compatible upstreams.
//
// Provider rows are owned by the persistent store. Nothing in this package
// caches them: every Registry call re-reads the Source.
package providers

import (
	"context"
	"time"
)

// Capability is the kind of call a provider serves.
type Capability string

// Supported capabilities.
const (
	CapabilityChat  Capability = "chat"
	CapabilityImage Capability = "image"
)

// Valid reports whether c is a known capability.
func (c Capability) Valid() bool {
	return c == CapabilityChat || c == CapabilityImage
}

// UpstreamPath returns the path, relative to the provider base endpoint, that
// calls of this capability are forwarded to.
func (c Capability) UpstreamPath() string {
	if c == CapabilityImage {
		return "images/generations"
	}
	return "chat/completions"
}

// Status is the lifecycle flag shared by providers, models, and credentials.
type Status string

// Status values.
const (
	StatusActive   Status = "active"
	StatusInactive Status = "inactive"
)

// Valid reports whether s is a known status.
func (s Status) Valid() bool {
	return s == StatusActive || s == StatusInactive
}

// Provider is a configured upstream endpoint. BaseEndpoint and
// CredentialSecret are opaque and must never be logged; the secret is also
// kept out of JSON.
type Provider struct {
	ID               string     `json:"id"`
	Name             string     `json:"name"`
	Capability       Capability `json:"capability"`
	BaseEndpoint     string     `json:"base_endpoint"`
	CredentialSecret string     `json:"-"`
	Priority         int        `json:"priority"`
	Status           Status     `json:"status"`
	CreatedAt        time.Time  `json:"created_at"`
}

// SecretHint returns a masked form of the credential secret suitable for
// display.
func (p Provider) SecretHint() string {
	if len(p.CredentialSecret) <= 8 {
		return "****"
	}
	return p.CredentialSecret[:4] + "..." + p.CredentialSecret[len(p.CredentialSecret)-4:]
}

// Active reports whether the provider may be routed to or discovered.
func (p Provider) Active() bool { return p.Status == StatusActive }

// Filter narrows a provider listing. Zero values match everything.
type Filter struct {
	Capability Capability
	Status     Status
}

// Patch holds the mutable provider fields; nil fields are left unchanged.
type Patch struct {
	Name             *string
	BaseEndpoint     *string
	CredentialSecret *string
	Priority         *int
	Status           *Status
}

// Source is the read side of provider storage.
type Source interface {
	GetProvider(ctx context.Context, id string) (*Provider, error)
	ListProviders(ctx context.Context, f Filter) ([]Provider, error)
}

// UpstreamModel is one entry of an upstream's model listing.
type UpstreamModel struct {
	ID      string
	Object  string
	OwnedBy string
	Created int64
}
