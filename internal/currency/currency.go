// Package currency holds the static table of supported payment methods and
// their currency/network combinations.
//
// The table is versioned: combinations introduced in an older configuration
// and later deprecated stay known (so historical invoices still render) but
// are never reported as valid or enabled for new payments.
package currency

import (
	"bytes"
	"crypto/sha256"
	"sort"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/mr-tron/base58"
	"github.com/shopspring/decimal"
)

// CurrentVersion is the configuration version this build ships with.
//
//	1: multi-chain USDT/ETH/BNB on TRON, Ethereum and BSC
//	2: Solana USDC/EURC and PayPal added
//	3: multi-chain methods deprecated
const CurrentVersion = 3

// Fiat is a fiat currency a donation can be denominated in.
type Fiat string

const (
	USD Fiat = "USD"
	EUR Fiat = "EUR"
)

// ParseFiat normalizes s and reports whether it is a supported fiat currency.
func ParseFiat(s string) (Fiat, bool) {
	switch f := Fiat(strings.ToUpper(strings.TrimSpace(s))); f {
	case USD, EUR:
		return f, true
	}
	return "", false
}

// Network is a settlement network. PayPal has no network.
type Network string

const (
	NetworkNone     Network = ""
	NetworkSolana   Network = "solana"
	NetworkTron     Network = "tron"
	NetworkEthereum Network = "ethereum"
	NetworkBSC      Network = "bsc"
)

// PaymentMethod identifies how a donation is paid.
type PaymentMethod string

const (
	MethodPayPal       PaymentMethod = "paypal"
	MethodSolanaUSDC   PaymentMethod = "solana_usdc"
	MethodSolanaEURC   PaymentMethod = "solana_eurc"
	MethodTronUSDT     PaymentMethod = "tron_usdt"
	MethodEthereumUSDT PaymentMethod = "ethereum_usdt"
	MethodEthereumETH  PaymentMethod = "ethereum_eth"
	MethodBSCUSDT      PaymentMethod = "bsc_usdt"
	MethodBSCBNB       PaymentMethod = "bsc_bnb"
)

// Kind separates on-chain methods from fiat rails.
type Kind string

const (
	KindCrypto Kind = "crypto"
	KindFiat   Kind = "fiat"
)

// MethodInfo describes one payment method.
type MethodInfo struct {
	Method                PaymentMethod   `json:"method"`
	Label                 string          `json:"label"`
	Kind                  Kind            `json:"kind"`
	Currency              string          `json:"currency,omitempty"`
	Network               Network         `json:"network,omitempty"`
	Decimals              int32           `json:"decimals"`
	TokenMint             string          `json:"tokenMint,omitempty"`
	RequiredConfirmations int             `json:"requiredConfirmations"`
	EstimatedFee          decimal.Decimal `json:"estimatedFee"`
	FeeSymbol             string          `json:"feeSymbol,omitempty"`
	EstimatedTime         time.Duration   `json:"estimatedTime"`
	IntroducedIn          int             `json:"introducedIn"`
	DeprecatedIn          int             `json:"deprecatedIn,omitempty"`
}

// IsCrypto reports whether the method settles on-chain.
func (m MethodInfo) IsCrypto() bool {
	return m.Kind == KindCrypto
}

// EnabledAt reports whether the method accepts new payments in config version v.
func (m MethodInfo) EnabledAt(v int) bool {
	if v < m.IntroducedIn {
		return false
	}
	return m.DeprecatedIn == 0 || v < m.DeprecatedIn
}

// Deprecated reports whether the method was retired at or before version v.
func (m MethodInfo) Deprecated(v int) bool {
	return m.DeprecatedIn != 0 && v >= m.DeprecatedIn
}

var table = []MethodInfo{
	{
		Method: MethodSolanaUSDC, Label: "USDC (Solana)", Kind: KindCrypto,
		Currency: "USDC", Network: NetworkSolana, Decimals: 6,
		TokenMint:             "EPjFWdd5AufqSSqeM2qN1xzybapC8G4wEGGkZwyTDt1v",
		RequiredConfirmations: 1,
		EstimatedFee:          decimal.RequireFromString("0.000005"), FeeSymbol: "SOL",
		EstimatedTime: 30 * time.Second, IntroducedIn: 2,
	},
	{
		Method: MethodSolanaEURC, Label: "EURC (Solana)", Kind: KindCrypto,
		Currency: "EURC", Network: NetworkSolana, Decimals: 6,
		TokenMint:             "HzwqbKZw8HxMN6bF2yFZNrht3c2iXXzpKcFu7uBEDKtr",
		RequiredConfirmations: 1,
		EstimatedFee:          decimal.RequireFromString("0.000005"), FeeSymbol: "SOL",
		EstimatedTime: 30 * time.Second, IntroducedIn: 2,
	},
	{
		Method: MethodPayPal, Label: "PayPal", Kind: KindFiat,
		Decimals: 2, RequiredConfirmations: 1,
		EstimatedFee:  decimal.Zero,
		EstimatedTime: 2 * time.Minute, IntroducedIn: 2,
	},
	{
		Method: MethodTronUSDT, Label: "USDT (TRON)", Kind: KindCrypto,
		Currency: "USDT", Network: NetworkTron, Decimals: 6,
		TokenMint:             "TR7NHqjeKQxGTCi8q8ZY4pL8otSzgjLj6t",
		RequiredConfirmations: 19,
		EstimatedFee:          decimal.RequireFromString("1"), FeeSymbol: "TRX",
		EstimatedTime: 3 * time.Minute, IntroducedIn: 1, DeprecatedIn: 3,
	},
	{
		Method: MethodEthereumUSDT, Label: "USDT (Ethereum)", Kind: KindCrypto,
		Currency: "USDT", Network: NetworkEthereum, Decimals: 6,
		TokenMint:             "0xdAC17F958D2ee523a2206206994597C13D831ec7",
		RequiredConfirmations: 12,
		EstimatedFee:          decimal.RequireFromString("0.002"), FeeSymbol: "ETH",
		EstimatedTime: 5 * time.Minute, IntroducedIn: 1, DeprecatedIn: 3,
	},
	{
		Method: MethodEthereumETH, Label: "ETH (Ethereum)", Kind: KindCrypto,
		Currency: "ETH", Network: NetworkEthereum, Decimals: 18,
		RequiredConfirmations: 12,
		EstimatedFee:          decimal.RequireFromString("0.0005"), FeeSymbol: "ETH",
		EstimatedTime: 5 * time.Minute, IntroducedIn: 1, DeprecatedIn: 3,
	},
	{
		Method: MethodBSCUSDT, Label: "USDT (BSC)", Kind: KindCrypto,
		Currency: "USDT", Network: NetworkBSC, Decimals: 18,
		TokenMint:             "0x55d398326f99059fF775485246999027B3197955",
		RequiredConfirmations: 15,
		EstimatedFee:          decimal.RequireFromString("0.0003"), FeeSymbol: "BNB",
		EstimatedTime: time.Minute, IntroducedIn: 1, DeprecatedIn: 3,
	},
	{
		Method: MethodBSCBNB, Label: "BNB (BSC)", Kind: KindCrypto,
		Currency: "BNB", Network: NetworkBSC, Decimals: 18,
		RequiredConfirmations: 15,
		EstimatedFee:          decimal.RequireFromString("0.0001"), FeeSymbol: "BNB",
		EstimatedTime: time.Minute, IntroducedIn: 1, DeprecatedIn: 3,
	},
}

// aliases maps the spellings seen in clients and older app releases.
var aliases = map[string]PaymentMethod{
	"usdc-solana": MethodSolanaUSDC,
	"solana-usdc": MethodSolanaUSDC,
	"usdc":        MethodSolanaUSDC,
	"eurc-solana": MethodSolanaEURC,
	"solana-eurc": MethodSolanaEURC,
	"eurc":        MethodSolanaEURC,
	"usdt-tron":   MethodTronUSDT,
	"usdt-trc20":  MethodTronUSDT,
	"usdt-erc20":  MethodEthereumUSDT,
	"eth":         MethodEthereumETH,
	"usdt-bep20":  MethodBSCUSDT,
	"bnb":         MethodBSCBNB,
}

// ParsePaymentMethod normalizes s (canonical name or alias) into a known
// payment method. Deprecated methods still parse.
func ParsePaymentMethod(s string) (PaymentMethod, bool) {
	key := strings.ToLower(strings.TrimSpace(s))
	if m, ok := aliases[key]; ok {
		return m, true
	}
	key = strings.ReplaceAll(key, "-", "_")
	for _, info := range table {
		if string(info.Method) == key {
			return info.Method, true
		}
	}
	return "", false
}

// Registry answers questions about the method table at one config version.
// It is immutable and safe for concurrent use.
type Registry struct {
	version  int
	byMethod map[PaymentMethod]MethodInfo
}

// New returns a registry for CurrentVersion.
func New() *Registry {
	return NewAtVersion(CurrentVersion)
}

// NewAtVersion returns a registry that evaluates the table as of version v.
func NewAtVersion(v int) *Registry {
	r := &Registry{version: v, byMethod: make(map[PaymentMethod]MethodInfo, len(table))}
	for _, info := range table {
		r.byMethod[info.Method] = info
	}
	return r
}

// Version returns the config version the registry evaluates against.
func (r *Registry) Version() int {
	return r.version
}

// IsValidCombination reports whether currency on network can take new
// payments. Unknown and deprecated combinations return false.
func (r *Registry) IsValidCombination(currency, network string) bool {
	info, ok := r.findCombination(currency, network)
	return ok && info.EnabledAt(r.version)
}

// IsKnownCombination reports whether currency on network ever existed in the
// table up to this version, including deprecated ones.
func (r *Registry) IsKnownCombination(currency, network string) bool {
	info, ok := r.findCombination(currency, network)
	return ok && r.version >= info.IntroducedIn
}

func (r *Registry) findCombination(currency, network string) (MethodInfo, bool) {
	c := strings.ToUpper(strings.TrimSpace(currency))
	n := Network(strings.ToLower(strings.TrimSpace(network)))
	if c == "" || n == NetworkNone {
		return MethodInfo{}, false
	}
	for _, info := range r.byMethod {
		if info.Currency == c && info.Network == n {
			return info, true
		}
	}
	return MethodInfo{}, false
}

// PaymentMethodsForNetwork returns the enabled methods on network, sorted.
func (r *Registry) PaymentMethodsForNetwork(network string) []PaymentMethod {
	n := Network(strings.ToLower(strings.TrimSpace(network)))
	var out []PaymentMethod
	for _, info := range r.byMethod {
		if info.Network == n && info.EnabledAt(r.version) {
			out = append(out, info.Method)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// RecommendedMethod returns the method the UI preselects.
func (r *Registry) RecommendedMethod() PaymentMethod {
	if r.Enabled(MethodSolanaUSDC) {
		return MethodSolanaUSDC
	}
	if enabled := r.EnabledPaymentMethods(); len(enabled) > 0 {
		return enabled[0].Method
	}
	return ""
}

// Lookup returns metadata for a known method, deprecated or not.
func (r *Registry) Lookup(method PaymentMethod) (MethodInfo, bool) {
	info, ok := r.byMethod[method]
	if !ok || r.version < info.IntroducedIn {
		return MethodInfo{}, false
	}
	return info, true
}

// Enabled reports whether method accepts new payments.
func (r *Registry) Enabled(method PaymentMethod) bool {
	info, ok := r.byMethod[method]
	return ok && info.EnabledAt(r.version)
}

// EnabledPaymentMethods lists methods that accept new payments.
func (r *Registry) EnabledPaymentMethods() []MethodInfo {
	return r.filter(func(m MethodInfo) bool { return m.EnabledAt(r.version) })
}

// AllPaymentMethods lists every method known at this version, including
// deprecated ones kept for historical display.
func (r *Registry) AllPaymentMethods() []MethodInfo {
	return r.filter(func(m MethodInfo) bool { return r.version >= m.IntroducedIn })
}

func (r *Registry) filter(keep func(MethodInfo) bool) []MethodInfo {
	var out []MethodInfo
	for _, info := range r.byMethod {
		if keep(info) {
			out = append(out, info)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Method < out[j].Method })
	return out
}

// RequiredConfirmations returns the confirmation policy for a method.
// Unknown methods get 1 so the invariant requiredConfirmations > 0 holds.
func (r *Registry) RequiredConfirmations(method PaymentMethod) int {
	if info, ok := r.byMethod[method]; ok && info.RequiredConfirmations > 0 {
		return info.RequiredConfirmations
	}
	return 1
}

const (
	solanaPubkeyLen = 32
	tronAddressLen  = 25 // 0x41 prefix, 20-byte account, 4-byte checksum
	tronPrefix      = 0x41
)

// ValidateMerchantAddress checks that addr is well-formed for network.
// Solana addresses must decode to a 32-byte public key and TRON addresses
// must carry a valid base58check checksum. It does not check on-chain
// existence.
func ValidateMerchantAddress(network Network, addr string) bool {
	switch network {
	case NetworkSolana:
		raw, err := base58.Decode(addr)
		return err == nil && len(raw) == solanaPubkeyLen
	case NetworkTron:
		return validTronAddress(addr)
	case NetworkEthereum, NetworkBSC:
		return common.IsHexAddress(addr)
	case NetworkNone:
		return addr == ""
	}
	return false
}

func validTronAddress(addr string) bool {
	raw, err := base58.Decode(addr)
	if err != nil || len(raw) != tronAddressLen || raw[0] != tronPrefix {
		return false
	}
	first := sha256.Sum256(raw[:21])
	second := sha256.Sum256(first[:])
	return bytes.Equal(second[:4], raw[21:])
}

// DisplayAddress formats addr for display. EVM addresses get their EIP-55
// checksum casing; everything else is returned as is.
func DisplayAddress(network Network, addr string) string {
	switch network {
	case NetworkEthereum, NetworkBSC:
		if common.IsHexAddress(addr) {
			return common.HexToAddress(addr).Hex()
		}
	}
	return addr
}
