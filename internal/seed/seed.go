// Package seed bootstraps providers from a YAML file.
//
//	providers:
//	  - name: openai
//	    capability: chat
//	    base_endpoint: https://api.openai.com/v1
//	    secret: ${OPENAI_API_KEY}
//	    priority: 10
package seed

import (
	"context"
	"fmt"
	"net/url"
	"os"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/ferro-labs/keygate/internal/logging"
	"github.com/ferro-labs/keygate/providers"
)

// ProviderSpec is one provider entry in the seed file.
type ProviderSpec struct {
	Name         string `yaml:"name"`
	Capability   string `yaml:"capability"`
	BaseEndpoint string `yaml:"base_endpoint"`
	Secret       string `yaml:"secret"`
	Priority     int    `yaml:"priority"`
	Status       string `yaml:"status"`
}

// File is the seed file document.
type File struct {
	Providers []ProviderSpec `yaml:"providers"`
}

// Target is the storage the seeder writes to.
type Target interface {
	ListProviders(ctx context.Context, f providers.Filter) ([]providers.Provider, error)
	CreateProvider(ctx context.Context, p providers.Provider) (*providers.Provider, error)
}

// Load reads and parses path, expanding ${VAR} references from the environment.
func Load(path string) (*File, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read seed file: %w", err)
	}
	return Parse(data)
}

// Parse decodes a seed document and validates every entry.
func Parse(data []byte) (*File, error) {
	var f File
	if err := yaml.Unmarshal([]byte(os.ExpandEnv(string(data))), &f); err != nil {
		return nil, fmt.Errorf("parse seed file: %w", err)
	}
	seen := make(map[string]bool, len(f.Providers))
	for i := range f.Providers {
		ps := &f.Providers[i]
		if err := ps.validate(); err != nil {
			return nil, fmt.Errorf("providers[%d]: %w", i, err)
		}
		if seen[ps.Name] {
			return nil, fmt.Errorf("providers[%d]: duplicate name %q", i, ps.Name)
		}
		seen[ps.Name] = true
	}
	return &f, nil
}

func (ps *ProviderSpec) validate() error {
	ps.Name = strings.TrimSpace(ps.Name)
	if ps.Name == "" {
		return fmt.Errorf("name is required")
	}
	if !providers.Capability(ps.Capability).Valid() {
		return fmt.Errorf("%s: capability must be chat or image, got %q", ps.Name, ps.Capability)
	}
	u, err := url.Parse(ps.BaseEndpoint)
	if err != nil || u.Scheme == "" || u.Host == "" {
		return fmt.Errorf("%s: base_endpoint must be an absolute URL", ps.Name)
	}
	if ps.Secret == "" {
		return fmt.Errorf("%s: secret is empty (unset environment variable?)", ps.Name)
	}
	if ps.Status == "" {
		ps.Status = string(providers.StatusActive)
	}
	if !providers.Status(ps.Status).Valid() {
		return fmt.Errorf("%s: status must be active or inactive, got %q", ps.Name, ps.Status)
	}
	return nil
}

// Apply creates every provider in f whose name is not stored yet and
// returns the number created. Existing providers are left as they are.
func Apply(ctx context.Context, t Target, f *File) (int, error) {
	existing, err := t.ListProviders(ctx, providers.Filter{})
	if err != nil {
		return 0, fmt.Errorf("list providers: %w", err)
	}
	have := make(map[string]bool, len(existing))
	for _, p := range existing {
		have[p.Name] = true
	}

	log := logging.FromContext(ctx)
	created := 0
	for _, ps := range f.Providers {
		if have[ps.Name] {
			log.Debug("seed provider already present", "provider", ps.Name)
			continue
		}
		p, err := t.CreateProvider(ctx, providers.Provider{
			Name:             ps.Name,
			Capability:       providers.Capability(ps.Capability),
			BaseEndpoint:     strings.TrimRight(ps.BaseEndpoint, "/"),
			CredentialSecret: ps.Secret,
			Priority:         ps.Priority,
			Status:           providers.Status(ps.Status),
		})
		if err != nil {
			return created, fmt.Errorf("create provider %s: %w", ps.Name, err)
		}
		log.Info("seeded provider", "provider", p.Name, "id", p.ID, "capability", p.Capability, "priority", p.Priority)
		created++
	}
	return created, nil
}
