package catalog

import (
	"sort"
	"strings"
	"sync"

	"github.com/rs/zerolog/log"

	"github.com/cryptoradar/cryptoradar/internal/market"
)

// Entry is one classified instrument within a venue.
type Entry struct {
	Meta market.Meta
	Type market.Type
	Base string
}

// Catalog holds the classified instrument lists per venue. A reload
// publishes a fresh per-venue map atomically; readers always see either the
// old or the new version, never a partial one.
type Catalog struct {
	mu        sync.RWMutex
	venues    map[string]map[string]Entry
	blacklist map[string]bool
}

// New builds an empty catalog. Blacklist entries are canonical base assets,
// matched case-insensitively.
func New(blacklist []string) *Catalog {
	bl := make(map[string]bool, len(blacklist))
	for _, b := range blacklist {
		if b = strings.ToUpper(strings.TrimSpace(b)); b != "" {
			bl[b] = true
		}
	}
	return &Catalog{
		venues:    make(map[string]map[string]Entry),
		blacklist: bl,
	}
}

// Blacklisted reports whether a canonical base is excluded from detection.
func (c *Catalog) Blacklisted(base string) bool {
	return c.blacklist[strings.ToUpper(strings.TrimSpace(base))]
}

// Replace publishes the market list for one venue, dropping inactive
// instruments and venue oddities (Gate option listings). Called on initial
// load and on every on-demand refresh.
func (c *Catalog) Replace(venue string, metas map[string]market.Meta) {
	entries := make(map[string]Entry, len(metas))
	for symbol, meta := range metas {
		if !meta.Active {
			continue
		}
		if isGateOption(venue, symbol) {
			continue
		}
		base := CanonicalBase(symbol)
		if base == "" {
			continue
		}
		entries[symbol] = Entry{Meta: meta, Type: Classify(meta), Base: base}
	}

	c.mu.Lock()
	c.venues[venue] = entries
	c.mu.Unlock()

	log.Info().Str("venue", venue).Int("instruments", len(entries)).Msg("catalog loaded")
}

// Lookup returns the classified entry for a raw symbol.
func (c *Catalog) Lookup(venue, symbol string) (Entry, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	e, ok := c.venues[venue][symbol]
	return e, ok
}

// Classify returns the instrument class, or Ignored for unknown symbols.
func (c *Catalog) Classify(venue, symbol string) market.Type {
	if e, ok := c.Lookup(venue, symbol); ok {
		return e.Type
	}
	return market.Ignored
}

// SpotSymbols lists the venue's stablecoin-quoted spot symbols, sorted.
// A positive limit caps the result, the bounded-request path for polling.
func (c *Catalog) SpotSymbols(venue string, limit int) []string {
	return c.symbols(venue, market.Spot, limit)
}

// PerpetualSymbols lists the venue's perpetual symbols, sorted, excluding
// blacklisted bases. A positive limit caps the result.
func (c *Catalog) PerpetualSymbols(venue string, limit int) []string {
	return c.symbols(venue, market.Perpetual, limit)
}

func (c *Catalog) symbols(venue string, want market.Type, limit int) []string {
	c.mu.RLock()
	entries := c.venues[venue]
	out := make([]string, 0, len(entries))
	for symbol, e := range entries {
		if e.Type != want {
			continue
		}
		if want == market.Perpetual && c.blacklist[e.Base] {
			continue
		}
		out = append(out, symbol)
	}
	c.mu.RUnlock()

	sort.Strings(out)
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out
}

// PerpetualIntersection maps each canonical base listed as a USDT-quoted
// perpetual on every one of the given venues to its per-venue raw symbol.
// Fewer than two venues, or an empty intersection, yields an empty map.
func (c *Catalog) PerpetualIntersection(venues []string) map[string]map[string]string {
	perVenue := make(map[string]map[string]string, len(venues))
	c.mu.RLock()
	for _, venue := range venues {
		bases := make(map[string]string)
		for symbol, e := range c.venues[venue] {
			if e.Type != market.Perpetual || c.blacklist[e.Base] {
				continue
			}
			if !strings.Contains(strings.ToUpper(symbol), "USDT") {
				continue
			}
			bases[e.Base] = symbol
		}
		perVenue[venue] = bases
	}
	c.mu.RUnlock()

	if len(venues) < 2 {
		return map[string]map[string]string{}
	}

	common := make(map[string]map[string]string)
	for base, first := range perVenue[venues[0]] {
		mapping := map[string]string{venues[0]: first}
		for _, venue := range venues[1:] {
			symbol, ok := perVenue[venue][base]
			if !ok {
				mapping = nil
				break
			}
			mapping[venue] = symbol
		}
		if mapping != nil {
			common[base] = mapping
		}
	}
	return common
}

// Venues lists venues with a published catalog.
func (c *Catalog) Venues() []string {
	c.mu.RLock()
	out := make([]string, 0, len(c.venues))
	for v := range c.venues {
		out = append(out, v)
	}
	c.mu.RUnlock()
	sort.Strings(out)
	return out
}
