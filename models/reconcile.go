package models

import (
	"sort"
	"time"

	"github.com/ferro-labs/keygate/providers"
)

// Plan is the outcome of reconciling one provider's discovered models against
// its stored catalog. Applying it upserts every entry of Upserts by
// (ProviderID, UpstreamModelID) and flips every id in Deactivate from active
// to inactive.
type Plan struct {
	ProviderID string
	Upserts    []Model
	Deactivate []string
	SyncedAt   time.Time
}

// Reconcile computes the plan for providerID. Discovered ids are
// de-duplicated (first occurrence wins) and stamped active at now. A stored
// model is deactivated only if it is currently active and absent from the
// discovered set; inactive models are never touched here.
func Reconcile(providerID string, discovered, stored []Model, now time.Time) Plan {
	plan := Plan{ProviderID: providerID, SyncedAt: now}

	seen := make(map[string]struct{}, len(discovered))
	for _, m := range discovered {
		if m.UpstreamModelID == "" {
			continue
		}
		if _, dup := seen[m.UpstreamModelID]; dup {
			continue
		}
		seen[m.UpstreamModelID] = struct{}{}

		m.ProviderID = providerID
		m.Status = providers.StatusActive
		synced := now
		m.LastSynced = &synced
		plan.Upserts = append(plan.Upserts, m)
	}

	for _, m := range stored {
		if m.ProviderID != providerID || m.Status != providers.StatusActive {
			continue
		}
		if _, ok := seen[m.UpstreamModelID]; !ok {
			plan.Deactivate = append(plan.Deactivate, m.UpstreamModelID)
		}
	}
	sort.Strings(plan.Deactivate)
	return plan
}
