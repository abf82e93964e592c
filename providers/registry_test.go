package providers

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/ferro-labs/keygate/apierr"
)

type stubSource struct {
	providers  []Provider
	lastFilter Filter
}

func (s *stubSource) GetProvider(_ context.Context, id string) (*Provider, error) {
	for _, p := range s.providers {
		if p.ID == id {
			cp := p
			return &cp, nil
		}
	}
	return nil, apierr.ErrNotFound
}

func (s *stubSource) ListProviders(_ context.Context, f Filter) ([]Provider, error) {
	s.lastFilter = f
	out := make([]Provider, len(s.providers))
	copy(out, s.providers)
	return out, nil
}

func TestRegistry_ListActivePicksHighestActivePriority(t *testing.T) {
	base := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	src := &stubSource{providers: []Provider{
		{ID: "p1", Capability: CapabilityChat, Priority: 5, Status: StatusActive, CreatedAt: base},
		{ID: "p2", Capability: CapabilityChat, Priority: 9, Status: StatusActive, CreatedAt: base},
		{ID: "p3", Capability: CapabilityChat, Priority: 20, Status: StatusInactive, CreatedAt: base},
		{ID: "img", Capability: CapabilityImage, Priority: 50, Status: StatusActive, CreatedAt: base},
	}}
	r := NewRegistry(src)

	got, err := r.ListActive(context.Background(), CapabilityChat)
	if err != nil {
		t.Fatalf("ListActive: %v", err)
	}
	if len(got) != 2 {
		t.Fatalf("got %d providers, want 2", len(got))
	}
	if got[0].ID != "p2" || got[1].ID != "p1" {
		t.Fatalf("order = [%s %s], want [p2 p1]", got[0].ID, got[1].ID)
	}
	if src.lastFilter.Capability != CapabilityChat || src.lastFilter.Status != StatusActive {
		t.Fatalf("unexpected filter %+v", src.lastFilter)
	}
}

func TestRegistry_TiesKeepCreationOrder(t *testing.T) {
	base := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	src := &stubSource{providers: []Provider{
		{ID: "late", Capability: CapabilityImage, Priority: 1, Status: StatusActive, CreatedAt: base.Add(time.Hour)},
		{ID: "early", Capability: CapabilityImage, Priority: 1, Status: StatusActive, CreatedAt: base},
	}}
	got, err := NewRegistry(src).ListActive(context.Background(), CapabilityImage)
	if err != nil {
		t.Fatalf("ListActive: %v", err)
	}
	if got[0].ID != "early" {
		t.Fatalf("first = %s, want early", got[0].ID)
	}
}

func TestRegistry_GetMissing(t *testing.T) {
	_, err := NewRegistry(&stubSource{}).Get(context.Background(), "nope")
	if !errors.Is(err, apierr.ErrProviderNotFound) {
		t.Fatalf("err = %v, want ErrProviderNotFound", err)
	}
}

func TestSecretHint(t *testing.T) {
	p := Provider{CredentialSecret: "sk-abcdefghijklmnop"}
	if got := p.SecretHint(); got != "sk-a...mnop" {
		t.Fatalf("SecretHint = %q", got)
	}
	if got := (Provider{CredentialSecret: "short"}).SecretHint(); got != "****" {
		t.Fatalf("SecretHint short = %q", got)
	}
}
