package x402

import (
	"fmt"
	"log/slog"
	"os"
	"path"
	"sort"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Default timings.
const (
	DefaultValidityDuration  = 5 * time.Minute
	DefaultSettlementTimeout = 30 * time.Second
	DefaultPollInterval      = 500 * time.Millisecond
)

// Config holds the payment gate configuration.
type Config struct {
	// EndpointPricing maps URL patterns to pricing rules.
	// Keys are "METHOD /path" or "/path" (any method). Patterns support exact
	// matches ("/v1/endpoint"), prefix wildcards ("/v1/*") and path.Match globs.
	EndpointPricing map[string]PricingRule

	// MethodPricing maps gRPC method names to pricing rules.
	// Methods are full names like "/package.Service/Method".
	// Supports wildcards: "/package.Service/*" matches all methods in a service.
	MethodPricing map[string]PricingRule

	// DefaultPricing is used when no pattern matches (optional).
	// If nil, unmatched endpoints don't require payment.
	DefaultPricing *PricingRule

	// ValidityDuration is advertised as maxTimeoutSeconds. Defaults to 5 minutes.
	ValidityDuration time.Duration

	// SkipPaths lists paths that should bypass payment checks entirely.
	SkipPaths []string

	// SkipMethods lists gRPC methods that should bypass payment checks.
	SkipMethods []string

	// CustomPaywallHTML is custom HTML to return for browser requests (optional).
	CustomPaywallHTML string

	// ExtraAssets adds tokens beyond the built-in USDC table.
	ExtraAssets []AssetInfo

	// Checkers verify proof signatures, one per scheme.
	Checkers []SignatureChecker

	// Backend submits authorizations for settlement.
	Backend SettlementBackend

	// Nonces is the replay guard. Defaults to an in-memory store.
	Nonces NonceStore

	// SettlementTimeout bounds the wait for finality. Defaults to 30 seconds.
	SettlementTimeout time.Duration

	// PollInterval is the delay between settlement status polls.
	PollInterval time.Duration

	Logger   *slog.Logger
	Observer Observer

	// Now overrides the clock, for tests.
	Now func() time.Time
}

// PricingRule defines payment requirements for an endpoint.
type PricingRule struct {
	// AcceptedTokens lists the currencies/tokens accepted for this endpoint,
	// in the order they are offered to clients.
	AcceptedTokens []TokenRequirement `yaml:"tokens"`

	// Description explains what this payment is for.
	Description string `yaml:"description"`

	// MimeType of the resource being sold (optional).
	MimeType string `yaml:"mime_type"`

	// OutputSchema is a JSON schema describing the response format (optional).
	OutputSchema map[string]interface{} `yaml:"output_schema"`
}

// TokenRequirement specifies a payment option (network + token).
type TokenRequirement struct {
	// Scheme defaults to "exact".
	Scheme string `yaml:"scheme"`

	// Network is the blockchain network in CAIP-2 format (e.g., "eip155:8453").
	Network string `yaml:"network"`

	// AssetContract is the token contract address. When empty it is resolved
	// from Symbol through the asset table.
	AssetContract string `yaml:"asset"`

	// Symbol is the token symbol (e.g., "USDC").
	Symbol string `yaml:"symbol"`

	// Recipient is the address that will receive payment.
	Recipient string `yaml:"recipient"`

	// Amount is the payment amount in atomic units.
	Amount string `yaml:"amount"`

	// Price is a human price like "$0.01", used when Amount is empty.
	Price string `yaml:"price"`

	// TokenName and TokenVersion are the EIP-712 domain of the token.
	TokenName    string `yaml:"token_name"`
	TokenVersion string `yaml:"token_version"`

	TokenDecimals int `yaml:"decimals"`
}

// Validate checks the configuration and fills defaults.
func (c *Config) Validate() error {
	if c.Backend == nil {
		return fmt.Errorf("settlement backend is required")
	}
	if len(c.Checkers) == 0 {
		return fmt.Errorf("at least one signature checker is required")
	}

	if c.ValidityDuration == 0 {
		c.ValidityDuration = DefaultValidityDuration
	}
	if c.SettlementTimeout == 0 {
		c.SettlementTimeout = DefaultSettlementTimeout
	}
	if c.PollInterval == 0 {
		c.PollInterval = DefaultPollInterval
	}
	if c.Nonces == nil {
		c.Nonces = NewMemoryNonceStore()
	}
	if c.Logger == nil {
		c.Logger = slog.Default()
	}
	if c.Observer == nil {
		c.Observer = nopObserver{}
	}
	if c.Now == nil {
		c.Now = time.Now
	}

	assets := NewAssetTable(c.ExtraAssets...)

	for pattern, rule := range c.EndpointPricing {
		if err := rule.Validate(assets); err != nil {
			return fmt.Errorf("invalid pricing rule for pattern %q: %w", pattern, err)
		}
	}

	for method, rule := range c.MethodPricing {
		if err := rule.Validate(assets); err != nil {
			return fmt.Errorf("invalid pricing rule for method %q: %w", method, err)
		}
	}

	if c.DefaultPricing != nil {
		if err := c.DefaultPricing.Validate(assets); err != nil {
			return fmt.Errorf("invalid default pricing rule: %w", err)
		}
	}

	return nil
}

// Validate checks if the pricing rule is valid.
func (p *PricingRule) Validate(assets *AssetTable) error {
	if len(p.AcceptedTokens) == 0 {
		return fmt.Errorf("at least one accepted token is required")
	}

	for i, token := range p.AcceptedTokens {
		if _, err := token.Resolve(assets); err != nil {
			return fmt.Errorf("invalid token requirement at index %d: %w", i, err)
		}
	}

	return nil
}

// Resolve fills the asset, EIP-712 domain and atomic amount from the asset
// table, and checks that the network and asset go together.
func (t TokenRequirement) Resolve(assets *AssetTable) (TokenRequirement, error) {
	if t.Network == "" {
		return t, fmt.Errorf("network is required")
	}
	if t.Recipient == "" {
		return t, fmt.Errorf("recipient is required")
	}
	if t.Scheme == "" {
		t.Scheme = SchemeExact
	}
	if !assets.HasNetwork(t.Network) {
		return t, fmt.Errorf("network %q is not supported", t.Network)
	}

	var info AssetInfo
	var ok bool
	switch {
	case t.AssetContract != "":
		info, ok = assets.Lookup(t.Network, t.AssetContract)
		if !ok {
			return t, fmt.Errorf("asset %s does not exist on network %s", t.AssetContract, t.Network)
		}
	case t.Symbol != "":
		info, ok = assets.LookupSymbol(t.Network, t.Symbol)
		if !ok {
			return t, fmt.Errorf("no %s contract known on network %s", t.Symbol, t.Network)
		}
	default:
		return t, fmt.Errorf("asset contract or symbol is required")
	}

	t.AssetContract = info.Address
	if t.Symbol == "" {
		t.Symbol = info.Symbol
	}
	if t.TokenName == "" {
		t.TokenName = info.Name
	}
	if t.TokenVersion == "" {
		t.TokenVersion = info.Version
	}
	if t.TokenDecimals == 0 {
		t.TokenDecimals = info.Decimals
	}

	if t.Amount == "" {
		if t.Price == "" {
			return t, fmt.Errorf("amount or price is required")
		}
		amount, err := ParsePrice(t.Price, t.TokenDecimals)
		if err != nil {
			return t, err
		}
		t.Amount = amount
	}
	if _, err := parseAmount(t.Amount); err != nil {
		return t, err
	}

	return t, nil
}

// Requirement builds the advertised PaymentRequirements for a resolved token.
func (t TokenRequirement) Requirement(rule *PricingRule, validity time.Duration) PaymentRequirements {
	return PaymentRequirements{
		Scheme:            t.Scheme,
		Network:           t.Network,
		Amount:            t.Amount,
		Asset:             t.AssetContract,
		PayTo:             t.Recipient,
		Description:       rule.Description,
		MimeType:          rule.MimeType,
		OutputSchema:      rule.OutputSchema,
		MaxTimeoutSeconds: int(validity.Seconds()),
		Extra: map[string]interface{}{
			"name":    t.TokenName,
			"version": t.TokenVersion,
		},
	}
}

// RouteBinding pairs a route pattern with its compiled requirement set.
type RouteBinding struct {
	Method  string // empty means any method
	Pattern string
	Rule    PricingRule
	Tokens  []TokenRequirement
	Accepts []PaymentRequirements
}

// Route returns the binding's registry key.
func (b *RouteBinding) Route() string {
	if b.Method == "" {
		return b.Pattern
	}
	return b.Method + " " + b.Pattern
}

// Registry is the immutable lookup table from routes to requirement sets.
// It is built once at startup and is safe for concurrent use.
type Registry struct {
	endpoints   []*RouteBinding
	methods     []*RouteBinding
	fallback    *RouteBinding
	skipPaths   []string
	skipMethods []string
	assets      *AssetTable
}

// NewRegistry compiles the pricing in cfg. cfg must already be validated.
func NewRegistry(cfg *Config) (*Registry, error) {
	assets := NewAssetTable(cfg.ExtraAssets...)
	validity := cfg.ValidityDuration
	if validity == 0 {
		validity = DefaultValidityDuration
	}

	r := &Registry{
		skipPaths:   cfg.SkipPaths,
		skipMethods: cfg.SkipMethods,
		assets:      assets,
	}

	for key, rule := range cfg.EndpointPricing {
		method, pattern := splitRouteKey(key)
		b, err := compileBinding(method, pattern, rule, assets, validity)
		if err != nil {
			return nil, fmt.Errorf("route %q: %w", key, err)
		}
		r.endpoints = append(r.endpoints, b)
	}
	for key, rule := range cfg.MethodPricing {
		b, err := compileBinding("", key, rule, assets, validity)
		if err != nil {
			return nil, fmt.Errorf("method %q: %w", key, err)
		}
		r.methods = append(r.methods, b)
	}
	if cfg.DefaultPricing != nil {
		b, err := compileBinding("", "*", *cfg.DefaultPricing, assets, validity)
		if err != nil {
			return nil, fmt.Errorf("default pricing: %w", err)
		}
		r.fallback = b
	}

	sortBindings(r.endpoints)
	sortBindings(r.methods)
	return r, nil
}

func compileBinding(method, pattern string, rule PricingRule, assets *AssetTable, validity time.Duration) (*RouteBinding, error) {
	if len(rule.AcceptedTokens) == 0 {
		return nil, fmt.Errorf("at least one accepted token is required")
	}
	b := &RouteBinding{Method: method, Pattern: pattern, Rule: rule}
	for i, token := range rule.AcceptedTokens {
		resolved, err := token.Resolve(assets)
		if err != nil {
			return nil, fmt.Errorf("token %d: %w", i, err)
		}
		b.Tokens = append(b.Tokens, resolved)
		b.Accepts = append(b.Accepts, resolved.Requirement(&b.Rule, validity))
	}
	return b, nil
}

// Longest pattern first; method-specific before any-method at equal length;
// then lexical, so matching never depends on map iteration order.
func sortBindings(bs []*RouteBinding) {
	sort.Slice(bs, func(i, j int) bool {
		if len(bs[i].Pattern) != len(bs[j].Pattern) {
			return len(bs[i].Pattern) > len(bs[j].Pattern)
		}
		if (bs[i].Method == "") != (bs[j].Method == "") {
			return bs[i].Method != ""
		}
		return bs[i].Route() < bs[j].Route()
	})
}

func splitRouteKey(key string) (method, pattern string) {
	if m, p, ok := strings.Cut(strings.TrimSpace(key), " "); ok {
		return strings.ToUpper(m), strings.TrimSpace(p)
	}
	return "", key
}

// MatchEndpoint finds the binding for an HTTP request.
func (r *Registry) MatchEndpoint(method, requestPath string) (*RouteBinding, bool) {
	for _, skipPath := range r.skipPaths {
		if matchPath(requestPath, skipPath) {
			return nil, false
		}
	}

	// Exact matches win over any pattern.
	for _, b := range r.endpoints {
		if b.Pattern == requestPath && (b.Method == "" || b.Method == method) {
			return b, true
		}
	}
	for _, b := range r.endpoints {
		if (b.Method == "" || b.Method == method) && matchPath(requestPath, b.Pattern) {
			return b, true
		}
	}

	if r.fallback != nil {
		return r.fallback, true
	}
	return nil, false
}

// MatchMethod finds the binding for a gRPC method.
func (r *Registry) MatchMethod(fullMethod string) (*RouteBinding, bool) {
	for _, skipMethod := range r.skipMethods {
		if matchPath(fullMethod, skipMethod) {
			return nil, false
		}
	}

	for _, b := range r.methods {
		if b.Pattern == fullMethod {
			return b, true
		}
	}
	for _, b := range r.methods {
		if matchPath(fullMethod, b.Pattern) {
			return b, true
		}
	}

	if r.fallback != nil {
		return r.fallback, true
	}
	return nil, false
}

// Bindings returns the HTTP bindings in match order.
func (r *Registry) Bindings() []*RouteBinding {
	out := make([]*RouteBinding, len(r.endpoints))
	copy(out, r.endpoints)
	return out
}

// Assets returns the asset table the registry was compiled against.
func (r *Registry) Assets() *AssetTable {
	return r.assets
}

func matchPath(requestPath, pattern string) bool {
	if requestPath == pattern {
		return true
	}

	if strings.HasSuffix(pattern, "/*") {
		prefix := strings.TrimSuffix(pattern, "/*")
		return strings.HasPrefix(requestPath, prefix+"/") || requestPath == prefix
	}

	matched, _ := path.Match(pattern, requestPath)
	return matched
}

// PricingFile is the YAML layout accepted by LoadPricingFile.
type PricingFile struct {
	Routes  map[string]PricingRule `yaml:"routes"`
	Methods map[string]PricingRule `yaml:"methods"`
	Assets  []AssetInfo            `yaml:"assets"`
}

// LoadPricingFile reads route pricing from a YAML file. ${VAR} references
// are expanded from the environment before parsing.
func LoadPricingFile(filename string) (*PricingFile, error) {
	raw, err := os.ReadFile(filename)
	if err != nil {
		return nil, fmt.Errorf("failed to read pricing file: %w", err)
	}
	return ParsePricing([]byte(os.ExpandEnv(string(raw))))
}

// ParsePricing decodes pricing YAML.
func ParsePricing(data []byte) (*PricingFile, error) {
	var pf PricingFile
	if err := yaml.Unmarshal(data, &pf); err != nil {
		return nil, fmt.Errorf("failed to parse pricing: %w", err)
	}
	if len(pf.Routes) == 0 && len(pf.Methods) == 0 {
		return nil, fmt.Errorf("pricing file defines no routes")
	}
	return &pf, nil
}
