package x402

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sort"
	"strings"
)

// ServiceInfo describes one priced route.
type ServiceInfo struct {
	Method      string `json:"method,omitempty"`
	Path        string `json:"path"`
	Price       string `json:"price"`
	Amount      string `json:"amount"`
	Asset       string `json:"asset"`
	Network     string `json:"network"`
	Description string `json:"description,omitempty"`
}

// DiscoveryInfo is the body of the discovery endpoint.
type DiscoveryInfo struct {
	Agent         string        `json:"agent"`
	Type          string        `json:"type"`
	Network       string        `json:"network,omitempty"`
	PaymentMethod string        `json:"paymentMethod"`
	Services      []ServiceInfo `json:"services"`
}

// Services lists every priced HTTP route with its first accepted token,
// sorted by path.
func (r *Registry) Services() []ServiceInfo {
	services := make([]ServiceInfo, 0, len(r.endpoints))
	for _, b := range r.endpoints {
		if len(b.Tokens) == 0 {
			continue
		}
		t := b.Tokens[0]
		services = append(services, ServiceInfo{
			Method:      b.Method,
			Path:        b.Pattern,
			Price:       FormatPrice(t.Amount, t.TokenDecimals),
			Amount:      t.Amount,
			Asset:       t.AssetContract,
			Network:     t.Network,
			Description: b.Rule.Description,
		})
	}
	sort.Slice(services, func(i, j int) bool {
		if services[i].Path != services[j].Path {
			return services[i].Path < services[j].Path
		}
		return services[i].Method < services[j].Method
	})
	return services
}

// DiscoveryHandler serves the catalogue of priced routes. It is never priced.
func (g *Gate) DiscoveryHandler(agent, agentType string) http.Handler {
	services := g.registry.Services()
	info := DiscoveryInfo{
		Agent:         agent,
		Type:          agentType,
		PaymentMethod: "x402",
		Services:      services,
	}
	if len(services) > 0 {
		info.Network = services[0].Network
	}

	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, info)
	})
}

// FetchDiscovery reads a provider's discovery document.
func FetchDiscovery(ctx context.Context, client *http.Client, baseURL string) (*DiscoveryInfo, error) {
	if client == nil {
		client = http.DefaultClient
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, strings.TrimSuffix(baseURL, "/")+"/info", nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create discovery request: %w", err)
	}
	resp, err := client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("failed to call discovery endpoint: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("discovery returned status %d", resp.StatusCode)
	}

	var info DiscoveryInfo
	if err := json.NewDecoder(resp.Body).Decode(&info); err != nil {
		return nil, fmt.Errorf("failed to decode discovery response: %w", err)
	}
	return &info, nil
}
