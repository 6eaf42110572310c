package upstream

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sort"
	"strings"
	"time"

	"golang.org/x/text/collate"
	"golang.org/x/text/language"
)

// ModelOption is one selectable model as shown to clients.
type ModelOption struct {
	ID          string `json:"id"`
	Name        string `json:"name"`
	Owner       string `json:"owner"`
	Description string `json:"description"`
	Order       int    `json:"order"`
}

// modelList is the provider's /models payload. The vendor decorates the
// standard listing with display fields (name, description, order) that the
// generic client type would drop, so the catalog decodes it directly.
type modelList struct {
	Data []struct {
		ID          string `json:"id"`
		Name        string `json:"name"`
		OwnedBy     string `json:"owned_by"`
		Description string `json:"description"`
		Order       int    `json:"order"`
	} `json:"data"`
}

// Catalog aggregates model metadata across upstream tiers.
type Catalog struct {
	clients    *Clients
	httpClient *http.Client
}

// NewCatalog creates a catalog backed by the given tier clients.
func NewCatalog(clients *Clients, timeout time.Duration) *Catalog {
	return &Catalog{
		clients:    clients,
		httpClient: &http.Client{Timeout: timeout},
	}
}

// WithHTTPClient overrides the HTTP client. Test hook.
func (c *Catalog) WithHTTPClient(hc *http.Client) *Catalog {
	c.httpClient = hc
	return c
}

// List fetches the free and pro tier catalogs, merges them and returns the
// entries sorted by display name. The instruct tier is not listed; its
// models are still routable by id.
func (c *Catalog) List(ctx context.Context) ([]ModelOption, error) {
	var merged []ModelOption
	for _, tier := range []Tier{TierFree, TierPro} {
		options, err := c.fetchTier(ctx, tier)
		if err != nil {
			return nil, err
		}
		merged = append(merged, options...)
	}

	collator := collate.New(language.Und)
	sort.SliceStable(merged, func(i, j int) bool {
		return collator.CompareString(merged[i].Name, merged[j].Name) < 0
	})
	return merged, nil
}

func (c *Catalog) fetchTier(ctx context.Context, tier Tier) ([]ModelOption, error) {
	tc := c.clients.Config(tier)
	url := strings.TrimSuffix(tc.BaseURL, "/") + "/models"

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Authorization", "Bearer "+tc.APIKey)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("fetching %s tier models: %w", tier, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("fetching %s tier models: unexpected status %d", tier, resp.StatusCode)
	}

	var list modelList
	if err := json.NewDecoder(resp.Body).Decode(&list); err != nil {
		return nil, fmt.Errorf("decoding %s tier models: %w", tier, err)
	}

	options := make([]ModelOption, 0, len(list.Data))
	for _, m := range list.Data {
		options = append(options, ModelOption{
			ID:          m.ID,
			Name:        m.Name,
			Owner:       m.OwnedBy,
			Description: m.Description,
			Order:       m.Order,
		})
	}
	return options, nil
}
