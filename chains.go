package x402

import (
	"fmt"
	"math/big"
	"sort"
	"strings"
)

// Well-known CAIP-2 network identifiers.
const (
	NetworkBase            = "eip155:8453"
	NetworkBaseSepolia     = "eip155:84532"
	NetworkPolygon         = "eip155:137"
	NetworkPolygonAmoy     = "eip155:80002"
	NetworkAvalanche       = "eip155:43114"
	NetworkAvalancheFuji   = "eip155:43113"
	NetworkEthereum        = "eip155:1"
	NetworkEthereumSepolia = "eip155:11155111"
)

// AssetInfo describes a token contract usable for payment on one network.
// Name and Version are the token's EIP-712 domain fields.
type AssetInfo struct {
	Network  string `yaml:"network"`
	Address  string `yaml:"address"`
	Symbol   string `yaml:"symbol"`
	Name     string `yaml:"name"`
	Version  string `yaml:"version"`
	Decimals int    `yaml:"decimals"`
}

// USDC deployments that support EIP-3009.
var builtinAssets = []AssetInfo{
	{Network: NetworkBase, Address: "0x833589fCD6eDb6E08f4c7C32D4f71b54bdA02913", Symbol: "USDC", Name: "USD Coin", Version: "2", Decimals: 6},
	{Network: NetworkBaseSepolia, Address: "0x036CbD53842c5426634e7929541eC2318f3dCF7e", Symbol: "USDC", Name: "USDC", Version: "2", Decimals: 6},
	{Network: NetworkPolygon, Address: "0x3c499c542cEF5E3811e1192ce70d8cC03d5c3359", Symbol: "USDC", Name: "USD Coin", Version: "2", Decimals: 6},
	{Network: NetworkPolygonAmoy, Address: "0x41E94Eb019C0762f9Bfcf9Fb1E58725BfB0e7582", Symbol: "USDC", Name: "USDC", Version: "2", Decimals: 6},
	{Network: NetworkAvalanche, Address: "0xB97EF9Ef8734C71904D8002F8b6Bc66Dd9c48a6E", Symbol: "USDC", Name: "USD Coin", Version: "2", Decimals: 6},
	{Network: NetworkAvalancheFuji, Address: "0x5425890298aed601595a70AB815c96711a31Bc65", Symbol: "USDC", Name: "USD Coin", Version: "2", Decimals: 6},
	{Network: NetworkEthereum, Address: "0xA0b86991c6218b36c1d19D4a2e9Eb0cE3606eB48", Symbol: "USDC", Name: "USD Coin", Version: "2", Decimals: 6},
	{Network: NetworkEthereumSepolia, Address: "0x1c7D4B196Cb0C7B01d743Fbc6116a902379C7238", Symbol: "USDC", Name: "USDC", Version: "2", Decimals: 6},
}

// BuiltinAssets returns a copy of the built-in USDC table.
func BuiltinAssets() []AssetInfo {
	out := make([]AssetInfo, len(builtinAssets))
	copy(out, builtinAssets)
	return out
}

// ChainID parses the numeric chain id out of an "eip155:<id>" network.
func ChainID(network string) (*big.Int, error) {
	ns, ref, ok := strings.Cut(network, ":")
	if !ok || ns != "eip155" || ref == "" {
		return nil, fmt.Errorf("unsupported network %q: expected eip155:<chainId>", network)
	}
	id, ok := new(big.Int).SetString(ref, 10)
	if !ok || id.Sign() <= 0 {
		return nil, fmt.Errorf("invalid chain id in network %q", network)
	}
	return id, nil
}

// AssetTable indexes assets by network and address, and by network and symbol.
type AssetTable struct {
	byAddress map[string]AssetInfo
	bySymbol  map[string]AssetInfo
	networks  map[string]bool
}

// NewAssetTable builds a table from the built-in USDC deployments plus extra.
// Extra entries override built-in ones with the same network and address.
func NewAssetTable(extra ...AssetInfo) *AssetTable {
	t := &AssetTable{
		byAddress: make(map[string]AssetInfo),
		bySymbol:  make(map[string]AssetInfo),
		networks:  make(map[string]bool),
	}
	for _, a := range builtinAssets {
		t.add(a)
	}
	for _, a := range extra {
		t.add(a)
	}
	return t
}

func (t *AssetTable) add(a AssetInfo) {
	t.byAddress[assetKey(a.Network, a.Address)] = a
	if a.Symbol != "" {
		t.bySymbol[assetKey(a.Network, a.Symbol)] = a
	}
	t.networks[a.Network] = true
}

func assetKey(network, s string) string {
	return network + "|" + strings.ToLower(s)
}

// Lookup finds an asset by contract address on a network.
func (t *AssetTable) Lookup(network, address string) (AssetInfo, bool) {
	a, ok := t.byAddress[assetKey(network, address)]
	return a, ok
}

// LookupSymbol finds an asset by symbol on a network.
func (t *AssetTable) LookupSymbol(network, symbol string) (AssetInfo, bool) {
	a, ok := t.bySymbol[assetKey(network, symbol)]
	return a, ok
}

// HasNetwork reports whether any asset is known on the network.
func (t *AssetTable) HasNetwork(network string) bool {
	return t.networks[network]
}

// Networks returns the known networks in sorted order.
func (t *AssetTable) Networks() []string {
	out := make([]string, 0, len(t.networks))
	for n := range t.networks {
		out = append(out, n)
	}
	sort.Strings(out)
	return out
}
