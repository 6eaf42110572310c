// Package upstream maps model ids onto the provider's tiered backends and
// owns the OpenAI-compatible clients the proxy forwards through.
package upstream

import (
	"strings"

	"character-playground/backend/pkg/config"

	openai "github.com/sashabaranov/go-openai"
)

// Tier identifies one of the provider's backend configurations.
type Tier int

const (
	// TierPro is the general/paid backend; never served on the proxy's quota.
	TierPro Tier = iota
	// TierFree is the free conversational backend.
	TierFree
	// TierInstruct is the free instruction-tuned backend.
	TierInstruct
)

// Model id markers used for tier routing.
const (
	instructTierMarker = "cosmosrp-it"
	freeTierMarker     = "cosmosrp"
)

func (t Tier) String() string {
	switch t {
	case TierFree:
		return "free"
	case TierInstruct:
		return "instruct"
	default:
		return "pro"
	}
}

// SelectTier routes a model id to its backend: the instruct marker wins,
// then the free family marker, everything else goes to pro. The chat proxy
// and the models listing both rely on this mapping staying consistent.
func SelectTier(model string) Tier {
	id := strings.ToLower(model)
	if strings.Contains(id, instructTierMarker) {
		return TierInstruct
	}
	if strings.Contains(id, freeTierMarker) {
		return TierFree
	}
	return TierPro
}

// TierConfig is one backend endpoint: a base URL plus the key used there.
type TierConfig struct {
	BaseURL string
	APIKey  string
}

// Clients holds one OpenAI-compatible client per tier.
type Clients struct {
	configs map[Tier]TierConfig
	clients map[Tier]*openai.Client
}

// NewClients builds the per-tier clients from application config.
func NewClients(cfg *config.Config) *Clients {
	return NewClientsWith(map[Tier]TierConfig{
		TierPro:      {BaseURL: cfg.Upstream.ProBaseURL, APIKey: cfg.Upstream.APIKey},
		TierFree:     {BaseURL: cfg.Upstream.FreeBaseURL, APIKey: cfg.Upstream.APIKey},
		TierInstruct: {BaseURL: cfg.Upstream.InstructBaseURL, APIKey: cfg.Upstream.APIKey},
	})
}

// NewClientsWith builds clients from explicit tier endpoints.
func NewClientsWith(configs map[Tier]TierConfig) *Clients {
	clients := make(map[Tier]*openai.Client, len(configs))
	for tier, tc := range configs {
		cc := openai.DefaultConfig(tc.APIKey)
		cc.BaseURL = tc.BaseURL
		clients[tier] = openai.NewClientWithConfig(cc)
	}

	return &Clients{configs: configs, clients: clients}
}

// ForModel returns the client serving the given model id.
func (c *Clients) ForModel(model string) *openai.Client {
	return c.clients[SelectTier(model)]
}

// Config returns the endpoint configuration for a tier.
func (c *Clients) Config(tier Tier) TierConfig {
	return c.configs[tier]
}

// BaseURLForModel returns the tier base URL a model id resolves to. Used by
// clients that call the provider directly with their own key.
func BaseURLForModel(model string) string {
	id := strings.ToLower(model)
	if strings.Contains(id, instructTierMarker) {
		return "https://api.pawan.krd/cosmosrp-it/v1"
	}
	if strings.Contains(id, freeTierMarker) {
		return "https://api.pawan.krd/cosmosrp/v1"
	}
	return "https://api.pawan.krd/v1"
}
