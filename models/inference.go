package models

import (
	"sort"
	"strings"

	"github.com/ferro-labs/keygate/providers"
)

// DefaultContextSize is used when no contextRules entry matches.
const DefaultContextSize = 4096

type typeRule struct {
	result   Type
	keywords []string
}

// typeRules is evaluated in order; the first rule with a keyword contained in
// the lowercased id wins. Order encodes priority: an id naming both "chat"
// and "embed" is an embedding model.
var typeRules = []typeRule{
	{TypeEmbedding, []string{"embed", "embedding"}},
	{TypeAudio, []string{"whisper", "audio", "speech", "tts"}},
	{TypeImage, []string{"dall", "image", "stable"}},
	{TypeChat, []string{"gpt", "chat", "text"}},
}

type contextRule struct {
	match string
	size  int
}

// contextRules is sorted longest match first in init, so the most specific
// entry wins ("gpt-4o-mini" before "gpt-4o" before "gpt-4").
var contextRules = []contextRule{
	{"gpt-4", 8192},
	{"gpt-4-32k", 32768},
	{"gpt-4-turbo", 128000},
	{"gpt-4-turbo-preview", 128000},
	{"gpt-4o", 128000},
	{"gpt-4o-mini", 128000},
	{"gpt-4.1", 1047576},
	{"gpt-3.5-turbo", 4096},
	{"gpt-3.5-turbo-16k", 16384},
	{"gpt-3.5-turbo-1106", 16384},
	{"gpt-3.5-turbo-0125", 16384},
	{"o3-mini", 200000},
	{"claude-3-opus", 200000},
	{"claude-3-sonnet", 200000},
	{"claude-3-haiku", 200000},
	{"claude-3-5-sonnet", 200000},
	{"claude-3.5-sonnet", 200000},
	{"gemini-1.5-pro", 2097152},
	{"gemini-1.5-flash", 1048576},
	{"llama-3.1", 131072},
	{"mixtral-8x7b", 32768},
	{"text-embedding-ada-002", 8191},
	{"text-embedding-3", 8191},
}

func init() {
	sort.SliceStable(contextRules, func(i, j int) bool {
		return len(contextRules[i].match) > len(contextRules[j].match)
	})
}

// InferType classifies an upstream model id. Unmatched ids are chat models.
func InferType(id string) Type {
	lower := strings.ToLower(id)
	for _, r := range typeRules {
		for _, kw := range r.keywords {
			if strings.Contains(lower, kw) {
				return r.result
			}
		}
	}
	return TypeChat
}

// ContextSize returns the context window of the most specific known model
// name contained in id, or DefaultContextSize.
func ContextSize(id string) int {
	lower := strings.ToLower(id)
	for _, r := range contextRules {
		if strings.Contains(lower, r.match) {
			return r.size
		}
	}
	return DefaultContextSize
}

// DefaultDescription is used when the listing entry has no object kind.
const DefaultDescription = "AI Model"

// Normalize turns an upstream listing entry into a catalog record for
// providerID. Identity, status, and timestamps are left for reconciliation.
func Normalize(providerID string, um providers.UpstreamModel) Model {
	size := ContextSize(um.ID)
	desc := um.Object
	if desc == "" {
		desc = DefaultDescription
	}
	return Model{
		ProviderID:      providerID,
		UpstreamModelID: um.ID,
		DisplayName:     um.ID,
		Type:            InferType(um.ID),
		Description:     desc,
		ContextSize:     &size,
		Status:          providers.StatusActive,
	}
}
