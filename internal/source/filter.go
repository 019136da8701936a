package source

import "strings"

// SymbolFilter selects the tradable universe from exchange info.
type SymbolFilter struct {
	QuoteAsset   string   // empty keeps every quote asset
	ContractType string   // futures only; empty keeps every contract type
	Symbols      []string // whitelist; empty keeps all
	Exclude      []string
}

// Match reports whether info passes the filter. Only TRADING symbols pass.
func (f SymbolFilter) Match(info SymbolInfo) bool {
	if info.Status != "TRADING" {
		return false
	}
	if f.QuoteAsset != "" && !strings.EqualFold(info.QuoteAsset, f.QuoteAsset) {
		return false
	}
	if f.ContractType != "" && info.ContractType != "" && !strings.EqualFold(info.ContractType, f.ContractType) {
		return false
	}
	if len(f.Symbols) > 0 && !containsFold(f.Symbols, info.Symbol) {
		return false
	}
	return !containsFold(f.Exclude, info.Symbol)
}

// MatchName applies the name-based parts of the filter to a bare symbol,
// as found in archive listings. The quote asset must be the symbol suffix.
func (f SymbolFilter) MatchName(symbol string) bool {
	if f.QuoteAsset != "" && !strings.HasSuffix(strings.ToUpper(symbol), strings.ToUpper(f.QuoteAsset)) {
		return false
	}
	if len(f.Symbols) > 0 && !containsFold(f.Symbols, symbol) {
		return false
	}
	return !containsFold(f.Exclude, symbol)
}

// Apply returns the symbols of infos that pass the filter, in input order.
func (f SymbolFilter) Apply(infos []SymbolInfo) []string {
	var out []string
	for _, info := range infos {
		if f.Match(info) {
			out = append(out, info.Symbol)
		}
	}
	return out
}

func containsFold(list []string, s string) bool {
	for _, v := range list {
		if strings.EqualFold(v, s) {
			return true
		}
	}
	return false
}
