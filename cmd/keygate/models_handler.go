package main

import (
	"net/http"

	"github.com/ferro-labs/keygate/internal/store"
	"github.com/ferro-labs/keygate/models"
	"github.com/ferro-labs/keygate/providers"
)

// modelInfo extends the minimal OpenAI model object with catalog metadata.
// The extra fields are omitempty so clients that read only id/object/owned_by
// are unaffected.
type modelInfo struct {
	ID            string      `json:"id"`
	Object        string      `json:"object"` // always "model"
	Created       int64       `json:"created"`
	OwnedBy       string      `json:"owned_by"`
	Type          models.Type `json:"type,omitempty"`
	ContextWindow int         `json:"context_window,omitempty"`
	Provider      string      `json:"provider,omitempty"`
}

func toModelInfo(m models.Model) modelInfo {
	info := modelInfo{
		ID:       m.UpstreamModelID,
		Object:   "model",
		Created:  m.CreatedAt.Unix(),
		OwnedBy:  m.ProviderName,
		Type:     m.Type,
		Provider: m.ProviderID,
	}
	if info.OwnedBy == "" {
		info.OwnedBy = m.ProviderID
	}
	if m.ContextSize != nil {
		info.ContextWindow = *m.ContextSize
	}
	return info
}

// modelsHandler serves GET /v1/models: the active catalog of active
// providers in the OpenAI list shape. A model offered by several providers
// is listed once, under the highest-priority provider.
func modelsHandler(st store.Store) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ms, err := st.ListModels(r.Context(), models.Filter{
			Status:         providers.StatusActive,
			ProviderStatus: providers.StatusActive,
		})
		if err != nil {
			writeAPIError(w, r, err)
			return
		}
		seen := make(map[string]bool, len(ms))
		data := make([]modelInfo, 0, len(ms))
		for _, m := range ms {
			if seen[m.UpstreamModelID] {
				continue
			}
			seen[m.UpstreamModelID] = true
			data = append(data, toModelInfo(m))
		}
		writeJSON(w, http.StatusOK, map[string]interface{}{
			"object": "list",
			"data":   data,
		})
	}
}
