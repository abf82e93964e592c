package seed

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/ferro-labs/keygate/internal/store"
	"github.com/ferro-labs/keygate/providers"
)

const sample = `
providers:
  - name: openai
    capability: chat
    base_endpoint: https://api.openai.com/v1/
    secret: ${KEYGATE_TEST_OPENAI_KEY}
    priority: 10
  - name: images
    capability: image
    base_endpoint: https://images.example.com/v1
    secret: literal-secret
    status: inactive
`

func TestLoadExpandsEnvAndAppliesIdempotently(t *testing.T) {
	t.Setenv("KEYGATE_TEST_OPENAI_KEY", "sk-from-env")
	path := filepath.Join(t.TempDir(), "providers.yaml")
	if err := os.WriteFile(path, []byte(sample), 0o600); err != nil {
		t.Fatal(err)
	}

	f, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if f.Providers[0].Secret != "sk-from-env" {
		t.Fatalf("secret = %q, want expanded env value", f.Providers[0].Secret)
	}
	if f.Providers[0].Status != "active" {
		t.Fatalf("default status = %q", f.Providers[0].Status)
	}

	ctx := context.Background()
	s := store.NewMemoryStore()
	n, err := Apply(ctx, s, f)
	if err != nil || n != 2 {
		t.Fatalf("first Apply = %d, %v; want 2, nil", n, err)
	}
	n, err = Apply(ctx, s, f)
	if err != nil || n != 0 {
		t.Fatalf("second Apply = %d, %v; want 0, nil", n, err)
	}

	ps, _ := s.ListProviders(ctx, providers.Filter{})
	if len(ps) != 2 {
		t.Fatalf("providers = %d, want 2", len(ps))
	}
	for _, p := range ps {
		switch p.Name {
		case "openai":
			if p.BaseEndpoint != "https://api.openai.com/v1" || p.Priority != 10 || !p.Active() {
				t.Errorf("openai = %+v", p)
			}
		case "images":
			if p.Capability != providers.CapabilityImage || p.Active() {
				t.Errorf("images = %+v", p)
			}
		}
	}
}

func TestParseRejectsBadEntries(t *testing.T) {
	cases := map[string]string{
		"missing name":   "providers:\n  - capability: chat\n    base_endpoint: http://x\n    secret: s\n",
		"bad capability": "providers:\n  - name: a\n    capability: audio\n    base_endpoint: http://x\n    secret: s\n",
		"relative url":   "providers:\n  - name: a\n    capability: chat\n    base_endpoint: /v1\n    secret: s\n",
		"empty secret":   "providers:\n  - name: a\n    capability: chat\n    base_endpoint: http://x\n    secret: ${KEYGATE_TEST_UNSET_VAR}\n",
		"bad status":     "providers:\n  - name: a\n    capability: chat\n    base_endpoint: http://x\n    secret: s\n    status: paused\n",
		"duplicate": "providers:\n" +
			"  - {name: a, capability: chat, base_endpoint: 'http://x', secret: s}\n" +
			"  - {name: a, capability: chat, base_endpoint: 'http://y', secret: s}\n",
		"not yaml": "providers: [",
	}
	for name, doc := range cases {
		t.Run(name, func(t *testing.T) {
			if _, err := Parse([]byte(doc)); err == nil {
				t.Fatal("expected error")
			}
		})
	}
}

func TestLoadMissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "nope.yaml"))
	if err == nil || !strings.Contains(err.Error(), "read seed file") {
		t.Fatalf("err = %v", err)
	}
}
