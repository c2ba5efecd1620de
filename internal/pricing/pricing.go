// Package pricing resolves per-token prices for upstream models.
//
// Resolution order: dynamic price table (refreshable at runtime), static
// fallback table, sibling alias, then a conservative generic default. The
// resolver never fails; callers that care whether dynamic pricing was used
// receive a flag alongside the result.
package pricing

import (
	"strings"
	"sync/atomic"
)

// LongContextThreshold is the input-side token count above which a
// long-context-tagged model is billed at its premium rates.
const LongContextThreshold = 200_000

// longContextMarker tags model ids that route to an extended context window.
const longContextMarker = "[1m]"

// Prices holds per-1M-token USD rates for the four billable token kinds.
type Prices struct {
	Input      float64 `json:"input"`
	Output     float64 `json:"output"`
	CacheWrite float64 `json:"cache_write"`
	CacheRead  float64 `json:"cache_read"`
}

// Resolution is the outcome of a price lookup.
type Resolution struct {
	Model  string
	Prices Prices

	// LongContext is the premium rate card applied once a tagged request
	// crosses LongContextThreshold input-side tokens. Zero unless
	// LongContextTagged.
	LongContext Prices

	// LongContextTagged reports whether the model id carried the
	// extended-context marker.
	LongContextTagged bool

	// Dynamic reports whether the dynamic price table supplied the rates.
	Dynamic bool
}

// staticPrices is the fallback table, USD per 1M tokens, keyed by exact
// model id. Kept deliberately small; the dynamic table is the usual source.
var staticPrices = map[string]Prices{
	"claude-3-5-sonnet-20241022": {Input: 3.0, Output: 15.0, CacheWrite: 3.75, CacheRead: 0.30},
	"claude-sonnet-4-20250514":   {Input: 3.0, Output: 15.0, CacheWrite: 3.75, CacheRead: 0.30},
	"claude-3-5-haiku-20241022":  {Input: 0.25, Output: 1.25, CacheWrite: 0.30, CacheRead: 0.03},
	"claude-3-opus-20240229":     {Input: 15.0, Output: 75.0, CacheWrite: 18.75, CacheRead: 1.50},
	"claude-opus-4-1-20250805":   {Input: 15.0, Output: 75.0, CacheWrite: 18.75, CacheRead: 1.50},
	"claude-3-sonnet-20240229":   {Input: 3.0, Output: 15.0, CacheWrite: 3.75, CacheRead: 0.30},
	"claude-3-haiku-20240307":    {Input: 0.25, Output: 1.25, CacheWrite: 0.30, CacheRead: 0.03},
}

// defaultPrices covers unknown models. Sonnet-class rates: conservative
// without being absurd for either cheap or premium models.
var defaultPrices = Prices{Input: 3.0, Output: 15.0, CacheWrite: 3.75, CacheRead: 0.30}

// aliases maps model variants with no pricing entry of their own to a
// sibling whose rates apply.
var aliases = map[string]string{
	"gpt-5-codex": "gpt-5",
}

// Resolver maps model ids to prices. Safe for concurrent use; the dynamic
// table is swapped atomically by Refresh.
type Resolver struct {
	dynamic   atomic.Pointer[table]
	static    map[string]Prices
	fallback  Prices
	aliasedTo map[string]string
}

// NewResolver returns a Resolver with the built-in static table. Entries in
// overrides are merged over the static table.
func NewResolver(overrides map[string]Prices) *Resolver {
	static := make(map[string]Prices, len(staticPrices)+len(overrides))
	for k, v := range staticPrices {
		static[k] = v
	}
	for k, v := range overrides {
		static[k] = v
	}

	r := &Resolver{
		static:    static,
		fallback:  defaultPrices,
		aliasedTo: aliases,
	}
	r.dynamic.Store(&table{entries: map[string]entry{}})
	return r
}

// Resolve returns the price card for model. It never fails: unknown models
// get the generic default. The second return reports whether the dynamic
// table supplied the rates.
func (r *Resolver) Resolve(model string) (Resolution, bool) {
	tagged := strings.Contains(model, longContextMarker)
	lookup := model
	if tagged {
		lookup = strings.TrimSpace(strings.ReplaceAll(model, longContextMarker, ""))
	}

	res := Resolution{Model: model, LongContextTagged: tagged}

	if e, ok := r.dynamic.Load().lookup(lookup, r.aliasedTo); ok {
		res.Prices = e.toPrices()
		res.Dynamic = true
	} else if p, ok := r.staticLookup(lookup); ok {
		res.Prices = p
	} else {
		res.Prices = r.fallback
	}

	if tagged {
		res.LongContext = longContextPremium(res.Prices)
	}

	return res, res.Dynamic
}

func (r *Resolver) staticLookup(model string) (Prices, bool) {
	if p, ok := r.static[model]; ok {
		return p, true
	}
	if sibling, ok := r.aliasedTo[model]; ok {
		if p, ok := r.static[sibling]; ok {
			return p, true
		}
	}
	return Prices{}, false
}

// longContextPremium derives the above-threshold rate card from the base
// card. Extended-context input is billed at twice the base rate and output
// at 1.5x, matching the published long-context surcharges.
func longContextPremium(base Prices) Prices {
	return Prices{
		Input:      base.Input * 2,
		Output:     base.Output * 1.5,
		CacheWrite: base.CacheWrite * 2,
		CacheRead:  base.CacheRead * 2,
	}
}

// table is one immutable snapshot of the dynamic price table.
type table struct {
	entries map[string]entry
}

// entry is a dynamic price table row, USD per single token as published by
// the upstream pricing feed.
type entry struct {
	inputPerToken       float64
	outputPerToken      float64
	cacheWritePerToken  float64
	cacheReadPerToken   float64
	hasCacheWrite       bool
	provider            string
}

func (t *table) lookup(model string, aliasedTo map[string]string) (entry, bool) {
	if e, ok := t.entries[model]; ok {
		return e, true
	}
	if sibling, ok := aliasedTo[model]; ok {
		if e, ok := t.entries[sibling]; ok {
			return e, true
		}
	}
	return entry{}, false
}

// toPrices converts per-token feed rates to the per-1M internal unit,
// substituting the input rate for cache writes on provider families that
// bill cache creation at the base input price.
func (e entry) toPrices() Prices {
	p := Prices{
		Input:      e.inputPerToken * 1_000_000,
		Output:     e.outputPerToken * 1_000_000,
		CacheWrite: e.cacheWritePerToken * 1_000_000,
		CacheRead:  e.cacheReadPerToken * 1_000_000,
	}
	if !e.hasCacheWrite && billsCacheWriteAtInputRate(e.provider) {
		p.CacheWrite = p.Input
	}
	return p
}

// billsCacheWriteAtInputRate reports whether the provider family has no
// separate cache-creation rate and charges such tokens as plain input.
func billsCacheWriteAtInputRate(provider string) bool {
	return provider == "openai" || provider == "azure"
}
