// Package models holds the normalized model catalog record, the data-driven
// tables that classify upstream model ids, and the set-difference
// reconciliation that keeps a provider's stored catalog in line with what the
// provider currently reports.
package models

import (
	"time"

	"github.com/ferro-labs/keygate/providers"
)

// Type identifies what kind of requests a model handles.
type Type string

// Model types, as inferred from upstream ids.
const (
	TypeChat      Type = "chat"
	TypeImage     Type = "image"
	TypeEmbedding Type = "embedding"
	TypeAudio     Type = "audio"
)

// Valid reports whether t is a known model type.
func (t Type) Valid() bool {
	switch t {
	case TypeChat, TypeImage, TypeEmbedding, TypeAudio:
		return true
	}
	return false
}

// Model is one upstream model offered by one provider. (ProviderID,
// UpstreamModelID) is unique.
type Model struct {
	ID              string           `json:"id"`
	ProviderID      string           `json:"provider_id"`
	UpstreamModelID string           `json:"model_id"`
	DisplayName     string           `json:"name"`
	Type            Type             `json:"type"`
	Description     string           `json:"description,omitempty"`
	ContextSize     *int             `json:"context_size,omitempty"`
	Status          providers.Status `json:"status"`
	LastSynced      *time.Time       `json:"last_synced,omitempty"`
	CreatedAt       time.Time        `json:"created_at"`

	// Populated by listings that join the provider row.
	ProviderName     string `json:"provider_name,omitempty"`
	ProviderPriority int    `json:"provider_priority,omitempty"`
}

// Filter narrows a model listing. Zero values match everything.
type Filter struct {
	ProviderID     string
	Type           Type
	Status         providers.Status
	ProviderStatus providers.Status
}

// Summary aggregates catalog counts for the stats endpoint.
type Summary struct {
	Total      int            `json:"total"`
	Active     int            `json:"active"`
	ByType     map[Type]int   `json:"by_type"`
	ByProvider map[string]int `json:"by_provider"`
}

// Summarize counts ms by status, type, and provider name (falling back to
// provider id).
func Summarize(ms []Model) Summary {
	s := Summary{ByType: map[Type]int{}, ByProvider: map[string]int{}}
	for _, m := range ms {
		s.Total++
		if m.Status == providers.StatusActive {
			s.Active++
		}
		s.ByType[m.Type]++
		name := m.ProviderName
		if name == "" {
			name = m.ProviderID
		}
		s.ByProvider[name]++
	}
	return s
}
